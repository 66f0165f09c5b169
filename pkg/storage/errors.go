// Package storage implements the partitioned on-disk layout for
// conversation uploads, operation outputs, and tar+gzip archive dumps.
package storage

import "errors"

var (
	// ErrFileNotFound indicates the requested path does not exist.
	ErrFileNotFound = errors.New("file not found")

	// ErrPathEscape indicates a resolved path would escape its expected
	// containing directory.
	ErrPathEscape = errors.New("path escapes expected directory")

	// ErrMalformedArchive indicates a dump archive is missing required
	// structure (metadata.json, partition_key) or failed to decode.
	ErrMalformedArchive = errors.New("malformed archive")

	// ErrUnknownPartitionStrategy indicates an unrecognized partition
	// strategy was configured or requested.
	ErrUnknownPartitionStrategy = errors.New("unknown partition strategy")
)
