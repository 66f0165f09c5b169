package config

import (
	"errors"
	"fmt"
)

// validate checks every knob and aggregates every violation it finds,
// rather than stopping at the first one, so a misconfigured deployment
// reports all of its problems in one pass.
func validate(cfg *Config) error {
	var errs []error

	if cfg.ServerPort <= 0 || cfg.ServerPort > 65535 {
		errs = append(errs, NewValidationError("server.port", fmt.Errorf("must be between 1 and 65535, got %d", cfg.ServerPort)))
	}

	if cfg.StorageBaseDir == "" {
		errs = append(errs, NewValidationError("storage.base_dir", errors.New("must not be empty")))
	}
	if cfg.PartitionStrategy != "time-based" && cfg.PartitionStrategy != "hash-based" {
		errs = append(errs, NewValidationError("storage.partition_strategy", fmt.Errorf("must be %q or %q, got %q", "time-based", "hash-based", cfg.PartitionStrategy)))
	}

	if cfg.DBPassword == "" {
		errs = append(errs, NewValidationError("database.password_env", errors.New("resolved to an empty password; set DB_PASSWORD or password_env")))
	}
	if cfg.DBMaxIdleConns > cfg.DBMaxOpenConns {
		errs = append(errs, NewValidationError("database.max_idle_conns", fmt.Errorf("(%d) cannot exceed max_open_conns (%d)", cfg.DBMaxIdleConns, cfg.DBMaxOpenConns)))
	}
	if cfg.DBMaxOpenConns < 1 {
		errs = append(errs, NewValidationError("database.max_open_conns", errors.New("must be at least 1")))
	}

	if cfg.WSMaxConnections < 1 {
		errs = append(errs, NewValidationError("websocket.max_connections", errors.New("must be at least 1")))
	}
	if cfg.WSPingTimeout >= cfg.WSPingInterval {
		errs = append(errs, NewValidationError("websocket.ping_timeout", errors.New("must be shorter than ping_interval")))
	}

	if cfg.JobsMaxWorkers < 1 {
		errs = append(errs, NewValidationError("jobs.max_workers", errors.New("must be at least 1")))
	}
	if cfg.JobsMaxAgeSeconds < 0 {
		errs = append(errs, NewValidationError("jobs.max_age_seconds", errors.New("must be non-negative")))
	}

	if cfg.ExecutionStepTimeout <= 0 {
		errs = append(errs, NewValidationError("execution.step_timeout", errors.New("must be positive")))
	}

	if cfg.ContextIdleTTL <= 0 {
		errs = append(errs, NewValidationError("context.idle_ttl", errors.New("must be positive")))
	}

	return errors.Join(errs...)
}
