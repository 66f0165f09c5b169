package config

import "time"

// Defaults used when frameflow.yaml omits a field. Mirrors the
// configuration knobs table: storage partitioning defaults to time-based
// monthly partitions, the hub accepts 10 concurrent connections, the job
// pool runs 5 workers, steps time out after 5 minutes, and idle
// conversation state is evicted after an hour.
const (
	DefaultServerHost = "0.0.0.0"
	DefaultServerPort = 8080

	DefaultStorageBaseDir      = "./data/files"
	DefaultPartitionStrategy   = "time-based"
	DefaultPartitionTimeFormat = "2006/01"

	DefaultDBHost         = "localhost"
	DefaultDBPort         = 5432
	DefaultDBUser         = "frameflow"
	DefaultDBName         = "frameflow"
	DefaultDBSSLMode      = "disable"
	DefaultDBMaxOpenConns = 25
	DefaultDBMaxIdleConns = 10

	DefaultWSMaxConnections = 10
	DefaultWSPingInterval   = 30 * time.Second
	DefaultWSPingTimeout    = 10 * time.Second

	DefaultJobsMaxWorkers    = 5
	DefaultJobsMaxAgeSeconds = 86400

	DefaultExecutionStepTimeout = 300 * time.Second

	DefaultContextIdleTTL = 3600 * time.Second

	DefaultDBConnMaxLifetime = 1 * time.Hour
	DefaultDBConnMaxIdleTime = 15 * time.Minute
)
