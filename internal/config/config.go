// Package config loads the call-engine's runtime tunables from environment
// variables, applying defaults and collecting every invalid override into
// a single joined error so a misconfigured deployment fails fast with the
// full list of problems.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the default TCP address the service listens on.
	DefaultAddr = ":8080"
	// DefaultStoreDriver selects the in-memory store when unset.
	DefaultStoreDriver = "memory"

	// DefaultWorkerPoolSize bounds the background ingest/pipeline worker pool.
	DefaultWorkerPoolSize = 256
	// DefaultWorkerPoolTaskBuffer bounds the worker pool's task queue depth.
	DefaultWorkerPoolTaskBuffer = 4096
	// DefaultShutdownDrain bounds how long in-flight work may continue past SIGTERM.
	DefaultShutdownDrain = 10 * time.Second

	// DefaultAuditDir is where compressed audit bundles are written.
	DefaultAuditDir = "audit"
	// DefaultAuditMaxAge bounds how long an audit bundle is retained.
	DefaultAuditMaxAge = 7 * 24 * time.Hour
	// DefaultAuditMaxBundles bounds how many audit bundles are retained regardless of age.
	DefaultAuditMaxBundles = 100
	// DefaultAuditSweepInterval controls how frequently the retention sweep runs.
	DefaultAuditSweepInterval = time.Hour
	// DefaultSnapshotInterval controls how frequently a store snapshot is taken.
	DefaultSnapshotInterval = 5 * time.Minute

	// DefaultLogLevel controls verbosity for service logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "call-engine.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// Config captures all runtime tunables for the call-engine service.
type Config struct {
	Address              string
	StoreDriver          string
	StoreConnection      string
	WorkerPoolSize       int
	WorkerPoolTaskBuffer int
	ShutdownDrain        time.Duration
	AuditDir             string
	AuditMaxAge          time.Duration
	AuditMaxBundles      int
	AuditSweepInterval   time.Duration
	SnapshotInterval     time.Duration
	AdminToken           string
	Logging              LoggingConfig
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the service configuration from environment variables, applying
// sane defaults and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Address:              getString("CALLENGINE_ADDR", DefaultAddr),
		StoreDriver:          strings.ToLower(getString("CALLENGINE_STORE_DRIVER", DefaultStoreDriver)),
		StoreConnection:      strings.TrimSpace(os.Getenv("CALLENGINE_STORE_CONNECTION")),
		WorkerPoolSize:       DefaultWorkerPoolSize,
		WorkerPoolTaskBuffer: DefaultWorkerPoolTaskBuffer,
		ShutdownDrain:        DefaultShutdownDrain,
		AuditDir:             getString("CALLENGINE_AUDIT_DIR", DefaultAuditDir),
		AuditMaxAge:          DefaultAuditMaxAge,
		AuditMaxBundles:      DefaultAuditMaxBundles,
		AuditSweepInterval:   DefaultAuditSweepInterval,
		SnapshotInterval:     DefaultSnapshotInterval,
		AdminToken:           strings.TrimSpace(os.Getenv("CALLENGINE_ADMIN_TOKEN")),
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("CALLENGINE_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("CALLENGINE_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("CALLENGINE_WORKER_POOL_SIZE")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("CALLENGINE_WORKER_POOL_SIZE must be a positive integer, got %q", raw))
		} else {
			cfg.WorkerPoolSize = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("CALLENGINE_WORKER_POOL_BUFFER")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("CALLENGINE_WORKER_POOL_BUFFER must be a positive integer, got %q", raw))
		} else {
			cfg.WorkerPoolTaskBuffer = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("CALLENGINE_SHUTDOWN_DRAIN")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("CALLENGINE_SHUTDOWN_DRAIN must be a positive duration, got %q", raw))
		} else {
			cfg.ShutdownDrain = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("CALLENGINE_AUDIT_MAX_AGE")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("CALLENGINE_AUDIT_MAX_AGE must be a positive duration, got %q", raw))
		} else {
			cfg.AuditMaxAge = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("CALLENGINE_AUDIT_MAX_BUNDLES")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("CALLENGINE_AUDIT_MAX_BUNDLES must be a positive integer, got %q", raw))
		} else {
			cfg.AuditMaxBundles = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("CALLENGINE_AUDIT_SWEEP_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("CALLENGINE_AUDIT_SWEEP_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.AuditSweepInterval = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("CALLENGINE_SNAPSHOT_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("CALLENGINE_SNAPSHOT_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.SnapshotInterval = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("CALLENGINE_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("CALLENGINE_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("CALLENGINE_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("CALLENGINE_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("CALLENGINE_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("CALLENGINE_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("CALLENGINE_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("CALLENGINE_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if cfg.StoreDriver != "memory" && cfg.StoreDriver != "postgres" {
		problems = append(problems, fmt.Sprintf("CALLENGINE_STORE_DRIVER must be %q or %q, got %q", "memory", "postgres", cfg.StoreDriver))
	}
	if cfg.StoreDriver == "postgres" && cfg.StoreConnection == "" {
		problems = append(problems, "CALLENGINE_STORE_CONNECTION must be set when CALLENGINE_STORE_DRIVER=postgres")
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf(strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
