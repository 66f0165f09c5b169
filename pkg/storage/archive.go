package storage

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// RestoreResult describes a successfully restored conversation.
type RestoreResult struct {
	ChatID       string
	PartitionKey string
	Meta         Metadata
	Files        []string
}

// Dump packs a conversation's on-disk directory into a tar+gzip archive
// under <base>/dumps/<chat_id>_<timestamp>.tar.gz and returns its path.
func (s *Store) Dump(partitionKey, chatID string, now time.Time) (string, error) {
	srcDir := s.conversationDir(partitionKey, chatID)
	if _, err := os.Stat(srcDir); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: conversation %s", ErrFileNotFound, chatID)
		}
		return "", err
	}

	if err := os.MkdirAll(s.dumpsDir(), 0o755); err != nil {
		return "", fmt.Errorf("create dumps dir: %w", err)
	}

	timestamp := now.UTC().Format("20060102T150405Z")
	archivePath := filepath.Join(s.dumpsDir(), fmt.Sprintf("%s_%s.tar.gz", chatID, timestamp))

	f, err := os.Create(archivePath)
	if err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	err = filepath.Walk(srcDir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if info.IsDir() {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		hdr := &tar.Header{
			Name:    filepath.ToSlash(rel),
			Mode:    0o644,
			Size:    int64(len(data)),
			ModTime: info.ModTime(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		_, err = tw.Write(data)
		return err
	})
	if err != nil {
		tw.Close()
		gz.Close()
		os.Remove(archivePath)
		return "", fmt.Errorf("pack archive: %w", err)
	}

	if err := tw.Close(); err != nil {
		gz.Close()
		os.Remove(archivePath)
		return "", err
	}
	if err := gz.Close(); err != nil {
		os.Remove(archivePath)
		return "", err
	}

	return archivePath, nil
}

// Restore unpacks an archive's bytes into a temp directory, reads
// metadata.json to determine partition_key, then replaces any preexisting
// directory at <base>/<partition_key>/<chat_id>/ by removing it and renaming
// the extracted tree into its place.
//
// A metadata.json lacking partition_key is a hard failure: partition_key
// is never inferred from path structure, archive filename, or any other
// signal — a restored conversation must declare its own partition.
func (s *Store) Restore(archiveData []byte) (RestoreResult, error) {
	// Extract under the storage root so the final move into place is a
	// same-filesystem rename.
	tmpDir, err := os.MkdirTemp(s.baseDir, ".restore-*")
	if err != nil {
		return RestoreResult{}, err
	}
	defer os.RemoveAll(tmpDir)

	gz, err := gzip.NewReader(bytes.NewReader(archiveData))
	if err != nil {
		return RestoreResult{}, fmt.Errorf("%w: %v", ErrMalformedArchive, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var files []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return RestoreResult{}, fmt.Errorf("%w: %v", ErrMalformedArchive, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		cleanName := filepath.Clean(hdr.Name)
		if strings.HasPrefix(cleanName, "..") || filepath.IsAbs(cleanName) {
			return RestoreResult{}, fmt.Errorf("%w: entry %q escapes archive root", ErrMalformedArchive, hdr.Name)
		}

		destPath := filepath.Join(tmpDir, cleanName)
		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return RestoreResult{}, err
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return RestoreResult{}, fmt.Errorf("%w: %v", ErrMalformedArchive, err)
		}
		if err := os.WriteFile(destPath, data, 0o644); err != nil {
			return RestoreResult{}, err
		}
		files = append(files, cleanName)
	}

	metaPath := filepath.Join(tmpDir, "metadata.json")
	metaBytes, err := os.ReadFile(metaPath)
	if err != nil {
		return RestoreResult{}, fmt.Errorf("%w: archive missing metadata.json", ErrMalformedArchive)
	}

	var meta Metadata
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return RestoreResult{}, fmt.Errorf("%w: invalid metadata.json: %v", ErrMalformedArchive, err)
	}
	if meta.PartitionKey == "" {
		return RestoreResult{}, fmt.Errorf("%w: metadata.json missing partition_key", ErrMalformedArchive)
	}
	if meta.ChatID == "" {
		return RestoreResult{}, fmt.Errorf("%w: metadata.json missing chat_id", ErrMalformedArchive)
	}

	destDir := s.conversationDir(meta.PartitionKey, meta.ChatID)
	if _, err := containmentCheck(s.baseDir, destDir); err != nil {
		return RestoreResult{}, err
	}

	if err := os.RemoveAll(destDir); err != nil {
		return RestoreResult{}, fmt.Errorf("replace existing conversation dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(destDir), 0o755); err != nil {
		return RestoreResult{}, err
	}
	if err := os.Rename(tmpDir, destDir); err != nil {
		return RestoreResult{}, fmt.Errorf("move restored conversation into place: %w", err)
	}

	return RestoreResult{
		ChatID:       meta.ChatID,
		PartitionKey: meta.PartitionKey,
		Meta:         meta,
		Files:        files,
	}, nil
}
