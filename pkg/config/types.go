package config

import (
	"strconv"
	"time"
)

// YAMLConfig mirrors the on-disk frameflow.yaml file structure.
type YAMLConfig struct {
	Server    *ServerYAMLConfig    `yaml:"server"`
	Storage   *StorageYAMLConfig   `yaml:"storage"`
	Database  *DatabaseYAMLConfig  `yaml:"database"`
	WebSocket *WebSocketYAMLConfig `yaml:"websocket"`
	Jobs      *JobsYAMLConfig      `yaml:"jobs"`
	Execution *ExecutionYAMLConfig `yaml:"execution"`
	Context   *ContextYAMLConfig   `yaml:"context"`
}

// ServerYAMLConfig holds HTTP listener settings.
type ServerYAMLConfig struct {
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`
}

// StorageYAMLConfig holds on-disk file layout settings.
type StorageYAMLConfig struct {
	BaseDir             string `yaml:"base_dir,omitempty"`
	PartitionStrategy   string `yaml:"partition_strategy,omitempty"`
	PartitionTimeFormat string `yaml:"partition_time_format,omitempty"`
}

// DatabaseYAMLConfig holds Postgres connection settings.
type DatabaseYAMLConfig struct {
	Host            string `yaml:"host,omitempty"`
	Port            int    `yaml:"port,omitempty"`
	User            string `yaml:"user,omitempty"`
	PasswordEnv     string `yaml:"password_env,omitempty"`
	Database        string `yaml:"database,omitempty"`
	SSLMode         string `yaml:"sslmode,omitempty"`
	MaxOpenConns    int    `yaml:"max_open_conns,omitempty"`
	MaxIdleConns    int    `yaml:"max_idle_conns,omitempty"`
	ConnMaxLifetime string `yaml:"conn_max_lifetime,omitempty"`
	ConnMaxIdleTime string `yaml:"conn_max_idle_time,omitempty"`
}

// WebSocketYAMLConfig holds the Hub's connection and liveness settings.
type WebSocketYAMLConfig struct {
	MaxConnections int    `yaml:"max_connections,omitempty"`
	PingInterval   string `yaml:"ping_interval,omitempty"`
	PingTimeout    string `yaml:"ping_timeout,omitempty"`
}

// JobsYAMLConfig holds the Job Manager's worker pool settings.
type JobsYAMLConfig struct {
	MaxWorkers    int `yaml:"max_workers,omitempty"`
	MaxAgeSeconds int `yaml:"max_age_seconds,omitempty"`
}

// ExecutionYAMLConfig holds the Workflow Executor's timing settings.
type ExecutionYAMLConfig struct {
	StepTimeout string `yaml:"step_timeout,omitempty"`
}

// ContextYAMLConfig holds the State Manager's eviction settings.
type ContextYAMLConfig struct {
	IdleTTL string `yaml:"idle_ttl,omitempty"`
}

// Config is the fully resolved, validated runtime configuration.
type Config struct {
	ServerHost string
	ServerPort int

	StorageBaseDir      string
	PartitionStrategy   string
	PartitionTimeFormat string

	DBHost            string
	DBPort            int
	DBUser            string
	DBPassword        string
	DBName            string
	DBSSLMode         string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration

	WSMaxConnections int
	WSPingInterval   time.Duration
	WSPingTimeout    time.Duration

	JobsMaxWorkers    int
	JobsMaxAgeSeconds int

	ExecutionStepTimeout time.Duration

	ContextIdleTTL time.Duration
}

// DSN builds a libpq-style connection string for pgx.
func (c *Config) DSN() string {
	return "host=" + c.DBHost +
		" port=" + strconv.Itoa(c.DBPort) +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" dbname=" + c.DBName +
		" sslmode=" + c.DBSSLMode
}
