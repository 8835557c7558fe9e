// Package config holds runtime settings for reportsync. Values come from
// built-in defaults, then an optional YAML file (-config), then flags.
package config

import (
	"fmt"
	"time"
)

type Config struct {
	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Lease        time.Duration `yaml:"lease"`

	Queue       Queue       `yaml:"queue"`
	ObjectStore ObjectStore `yaml:"object_store"`
	Reports     Reports     `yaml:"reports"`
	Cache       Cache       `yaml:"cache"`

	// ProbeAddr is dialed to decide whether the network is up; empty means
	// always online.
	ProbeAddr        string `yaml:"probe_addr"`
	BatteryThreshold int    `yaml:"battery_threshold"`

	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
}

type Queue struct {
	Backend       string        `yaml:"backend"` // sqlite | redis
	DBPath        string        `yaml:"db_path"`
	RedisURL      string        `yaml:"redis_url"`
	RedisPassword string        `yaml:"redis_password"`
	BackoffBase   time.Duration `yaml:"backoff_base"`
	BackoffMax    time.Duration `yaml:"backoff_max"`
	// MaxAttempts bounds retries of a transient failure; 0 retries forever.
	MaxAttempts int64 `yaml:"max_attempts"`
}

type ObjectStore struct {
	Backend   string `yaml:"backend"` // gcs | s3
	Bucket    string `yaml:"bucket"`
	Root      string `yaml:"root"`
	CredsJSON string `yaml:"creds_json"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

type Reports struct {
	Backend          string `yaml:"backend"` // firestore | postgres
	FirestoreProject string `yaml:"firestore_project"`
	CredsJSON        string `yaml:"creds_json"`
	PostgresDSN      string `yaml:"postgres_dsn"`
}

type Cache struct {
	Dir           string        `yaml:"dir"`
	MaxAge        time.Duration `yaml:"max_age"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
}

func Default() *Config {
	return &Config{
		Workers:      2,
		PollInterval: 750 * time.Millisecond,
		Lease:        2 * time.Minute,
		Queue: Queue{
			Backend:     "sqlite",
			DBPath:      "./reportsync.db",
			RedisURL:    "redis://localhost:6379/0",
			BackoffBase: 30 * time.Second,
			BackoffMax:  5 * time.Hour,
		},
		ObjectStore: ObjectStore{
			Backend: "gcs",
			Root:    "reports",
			Region:  "us-east-1",
		},
		Reports: Reports{
			Backend: "firestore",
		},
		Cache: Cache{
			Dir:           "./cache",
			MaxAge:        7 * 24 * time.Hour,
			SweepInterval: 24 * time.Hour,
			InitialDelay:  15 * time.Minute,
		},
		BatteryThreshold: 15,
		MetricsAddr:      ":9464",
		LogLevel:         "info",
	}
}

func (c *Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	// leases are renewed every third of their length
	if c.Lease < time.Second {
		return fmt.Errorf("lease must be at least 1s, got %s", c.Lease)
	}
	switch c.Queue.Backend {
	case "sqlite", "redis":
	default:
		return fmt.Errorf("unknown queue backend %q", c.Queue.Backend)
	}
	switch c.ObjectStore.Backend {
	case "gcs", "s3":
	default:
		return fmt.Errorf("unknown object store backend %q", c.ObjectStore.Backend)
	}
	switch c.Reports.Backend {
	case "firestore", "postgres":
	default:
		return fmt.Errorf("unknown reports backend %q", c.Reports.Backend)
	}
	if c.Queue.BackoffBase <= 0 || c.Queue.BackoffMax < c.Queue.BackoffBase {
		return fmt.Errorf("invalid backoff base=%s max=%s", c.Queue.BackoffBase, c.Queue.BackoffMax)
	}
	if c.Queue.MaxAttempts < 0 {
		return fmt.Errorf("max attempts must not be negative")
	}
	return nil
}
