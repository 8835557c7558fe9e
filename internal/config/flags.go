package config

import (
	"flag"
)

// Load builds a Config from defaults, the YAML file named by -config (if
// any) and the flags in args. fs may already carry command specific flags.
func Load(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := Default()
	if path := configPath(args); path != "" {
		if err := cfg.loadYAML(path); err != nil {
			return nil, err
		}
	}

	cfg.bind(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) bind(fs *flag.FlagSet) {
	fs.String("config", "", "path to YAML config file")

	fs.IntVar(&c.Workers, "workers", c.Workers, "number of queue workers")
	fs.DurationVar(&c.PollInterval, "poll", c.PollInterval, "queue poll interval")
	fs.DurationVar(&c.Lease, "lease", c.Lease, "task lease duration")

	fs.StringVar(&c.Queue.Backend, "queue", c.Queue.Backend, "queue backend: sqlite or redis")
	fs.StringVar(&c.Queue.DBPath, "db", c.Queue.DBPath, "path to sqlite DB")
	fs.StringVar(&c.Queue.RedisURL, "redis", c.Queue.RedisURL, "redis URL")
	fs.StringVar(&c.Queue.RedisPassword, "redis-password", c.Queue.RedisPassword, "redis password")
	fs.DurationVar(&c.Queue.BackoffBase, "backoff-base", c.Queue.BackoffBase, "first retry delay")
	fs.DurationVar(&c.Queue.BackoffMax, "backoff-max", c.Queue.BackoffMax, "retry delay cap")
	fs.Int64Var(&c.Queue.MaxAttempts, "max-attempts", c.Queue.MaxAttempts, "attempts before a task is dropped (0 = unlimited)")

	fs.StringVar(&c.ObjectStore.Backend, "store", c.ObjectStore.Backend, "object store backend: gcs or s3")
	fs.StringVar(&c.ObjectStore.Bucket, "bucket", c.ObjectStore.Bucket, "bucket name")
	fs.StringVar(&c.ObjectStore.Root, "root", c.ObjectStore.Root, "object key root")
	fs.StringVar(&c.ObjectStore.CredsJSON, "creds", c.ObjectStore.CredsJSON, "path to service account JSON")
	fs.StringVar(&c.ObjectStore.Endpoint, "store-endpoint", c.ObjectStore.Endpoint, "object store endpoint override")
	fs.StringVar(&c.ObjectStore.Region, "region", c.ObjectStore.Region, "S3 region")
	fs.StringVar(&c.ObjectStore.AccessKey, "access-key", c.ObjectStore.AccessKey, "S3 access key")
	fs.StringVar(&c.ObjectStore.SecretKey, "secret-key", c.ObjectStore.SecretKey, "S3 secret key")

	fs.StringVar(&c.Reports.Backend, "reports", c.Reports.Backend, "report store backend: firestore or postgres")
	fs.StringVar(&c.Reports.FirestoreProject, "firestore-project", c.Reports.FirestoreProject, "Firestore project id")
	fs.StringVar(&c.Reports.CredsJSON, "reports-creds", c.Reports.CredsJSON, "path to Firestore service account JSON")
	fs.StringVar(&c.Reports.PostgresDSN, "pg", c.Reports.PostgresDSN, "Postgres DSN")

	fs.StringVar(&c.Cache.Dir, "cache-dir", c.Cache.Dir, "local cache directory")
	fs.DurationVar(&c.Cache.MaxAge, "cache-max-age", c.Cache.MaxAge, "age after which cached files are swept")
	fs.DurationVar(&c.Cache.SweepInterval, "sweep-interval", c.Cache.SweepInterval, "cache sweep interval")
	fs.DurationVar(&c.Cache.InitialDelay, "sweep-delay", c.Cache.InitialDelay, "delay before the first cache sweep")
	fs.IntVar(&c.BatteryThreshold, "battery-threshold", c.BatteryThreshold, "battery percent below which sweeps wait (0 disables)")

	fs.StringVar(&c.ProbeAddr, "probe", c.ProbeAddr, "host:port dialed to check connectivity")
	fs.StringVar(&c.MetricsAddr, "metrics", c.MetricsAddr, "metrics listen address (empty disables)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level")
}
