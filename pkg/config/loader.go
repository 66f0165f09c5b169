package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Initialize loads, overlays, and validates configuration, returning a
// ready-to-use Config. This is the sole entry point callers should use.
//
// Steps performed:
//  1. Load a .env file, if present (never an error if absent)
//  2. Load configPath's YAML, expanding ${VAR} references against the
//     process environment
//  3. Apply FRAMEFLOW_* environment variable overrides on top of the YAML
//  4. Apply defaults for anything still unset
//  5. Validate
func Initialize(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to load .env file", "error", err)
	}

	yamlCfg, err := loadYAML(configPath)
	if err != nil {
		return nil, err
	}

	cfg := resolve(yamlCfg)
	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	slog.Info("configuration initialized",
		"storage_base_dir", cfg.StorageBaseDir,
		"partition_strategy", cfg.PartitionStrategy,
		"ws_max_connections", cfg.WSMaxConnections,
		"jobs_max_workers", cfg.JobsMaxWorkers)

	return cfg, nil
}

func loadYAML(path string) (*YAMLConfig, error) {
	if path == "" {
		return &YAMLConfig{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &YAMLConfig{}, nil
		}
		return nil, NewLoadError(path, err)
	}

	data = ExpandEnv(data)

	var cfg YAMLConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, NewLoadError(filepath.Base(path), fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}
	return &cfg, nil
}

// resolve turns the sparse YAML document into a fully-populated Config,
// filling every unset field from defaults.go.
func resolve(y *YAMLConfig) *Config {
	cfg := &Config{
		ServerHost:           DefaultServerHost,
		ServerPort:           DefaultServerPort,
		StorageBaseDir:       DefaultStorageBaseDir,
		PartitionStrategy:    DefaultPartitionStrategy,
		PartitionTimeFormat:  DefaultPartitionTimeFormat,
		DBHost:               DefaultDBHost,
		DBPort:               DefaultDBPort,
		DBUser:               DefaultDBUser,
		DBName:               DefaultDBName,
		DBSSLMode:            DefaultDBSSLMode,
		DBMaxOpenConns:       DefaultDBMaxOpenConns,
		DBMaxIdleConns:       DefaultDBMaxIdleConns,
		DBConnMaxLifetime:    DefaultDBConnMaxLifetime,
		DBConnMaxIdleTime:    DefaultDBConnMaxIdleTime,
		WSMaxConnections:     DefaultWSMaxConnections,
		WSPingInterval:       DefaultWSPingInterval,
		WSPingTimeout:        DefaultWSPingTimeout,
		JobsMaxWorkers:       DefaultJobsMaxWorkers,
		JobsMaxAgeSeconds:    DefaultJobsMaxAgeSeconds,
		ExecutionStepTimeout: DefaultExecutionStepTimeout,
		ContextIdleTTL:       DefaultContextIdleTTL,
	}

	if y.Server != nil {
		if y.Server.Host != "" {
			cfg.ServerHost = y.Server.Host
		}
		if y.Server.Port != 0 {
			cfg.ServerPort = y.Server.Port
		}
	}

	if y.Storage != nil {
		if y.Storage.BaseDir != "" {
			cfg.StorageBaseDir = y.Storage.BaseDir
		}
		if y.Storage.PartitionStrategy != "" {
			cfg.PartitionStrategy = y.Storage.PartitionStrategy
		}
		if y.Storage.PartitionTimeFormat != "" {
			cfg.PartitionTimeFormat = y.Storage.PartitionTimeFormat
		}
	}

	if y.Database != nil {
		d := y.Database
		if d.Host != "" {
			cfg.DBHost = d.Host
		}
		if d.Port != 0 {
			cfg.DBPort = d.Port
		}
		if d.User != "" {
			cfg.DBUser = d.User
		}
		if d.Database != "" {
			cfg.DBName = d.Database
		}
		if d.SSLMode != "" {
			cfg.DBSSLMode = d.SSLMode
		}
		if d.MaxOpenConns != 0 {
			cfg.DBMaxOpenConns = d.MaxOpenConns
		}
		if d.MaxIdleConns != 0 {
			cfg.DBMaxIdleConns = d.MaxIdleConns
		}
		if d.ConnMaxLifetime != "" {
			if dur, err := time.ParseDuration(d.ConnMaxLifetime); err == nil {
				cfg.DBConnMaxLifetime = dur
			}
		}
		if d.ConnMaxIdleTime != "" {
			if dur, err := time.ParseDuration(d.ConnMaxIdleTime); err == nil {
				cfg.DBConnMaxIdleTime = dur
			}
		}
		passwordEnv := d.PasswordEnv
		if passwordEnv == "" {
			passwordEnv = "DB_PASSWORD"
		}
		cfg.DBPassword = os.Getenv(passwordEnv)
	}

	if y.WebSocket != nil {
		w := y.WebSocket
		if w.MaxConnections != 0 {
			cfg.WSMaxConnections = w.MaxConnections
		}
		if w.PingInterval != "" {
			if dur, err := time.ParseDuration(w.PingInterval); err == nil {
				cfg.WSPingInterval = dur
			}
		}
		if w.PingTimeout != "" {
			if dur, err := time.ParseDuration(w.PingTimeout); err == nil {
				cfg.WSPingTimeout = dur
			}
		}
	}

	if y.Jobs != nil {
		if y.Jobs.MaxWorkers != 0 {
			cfg.JobsMaxWorkers = y.Jobs.MaxWorkers
		}
		if y.Jobs.MaxAgeSeconds != 0 {
			cfg.JobsMaxAgeSeconds = y.Jobs.MaxAgeSeconds
		}
	}

	if y.Execution != nil && y.Execution.StepTimeout != "" {
		if dur, err := time.ParseDuration(y.Execution.StepTimeout); err == nil {
			cfg.ExecutionStepTimeout = dur
		}
	}

	if y.Context != nil && y.Context.IdleTTL != "" {
		if dur, err := time.ParseDuration(y.Context.IdleTTL); err == nil {
			cfg.ContextIdleTTL = dur
		}
	}

	if cfg.DBPassword == "" {
		cfg.DBPassword = os.Getenv("DB_PASSWORD")
	}

	return cfg
}

// applyEnvOverrides lets deployment environments (containers, CI) override
// individual knobs without editing the YAML file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FRAMEFLOW_SERVER_HOST"); v != "" {
		cfg.ServerHost = v
	}
	if v := os.Getenv("FRAMEFLOW_SERVER_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ServerPort = n
		}
	}
	if v := os.Getenv("FRAMEFLOW_STORAGE_BASE_DIR"); v != "" {
		cfg.StorageBaseDir = v
	}
	if v := os.Getenv("DB_HOST"); v != "" {
		cfg.DBHost = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DBPort = n
		}
	}
	if v := os.Getenv("DB_USER"); v != "" {
		cfg.DBUser = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		cfg.DBName = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		cfg.DBPassword = v
	}
}
