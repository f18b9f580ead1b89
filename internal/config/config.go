// Package config loads the inboxd service configuration from a TOML file
// with environment variable overrides for the deployment-specific values.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"go.inlet.tech/internal/inbox"
)

// Duration is a time.Duration that unmarshals from TOML strings like "5m".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) value() time.Duration {
	return time.Duration(d)
}

// Config is the full inboxd configuration.
type Config struct {
	HTTP    HTTPConfig    `toml:"http"`
	Storage StorageConfig `toml:"storage"`
	Inboxes []InboxSpec   `toml:"inbox"`
}

// HTTPConfig configures the health and metrics server.
type HTTPConfig struct {
	Port int `toml:"port"`
}

// StorageConfig selects and configures the backend shared by all inboxes.
type StorageConfig struct {
	// Backend is one of memory, postgres, redis, mongo.
	Backend string `toml:"backend"`

	PostgresURL   string `toml:"postgres_url"`
	RedisURL      string `toml:"redis_url"`
	MongoURI      string `toml:"mongo_uri"`
	MongoDatabase string `toml:"mongo_database"`
}

// InboxSpec declares one inbox in the configuration file.
type InboxSpec struct {
	Name string `toml:"name"`
	Mode string `toml:"mode"`

	ReadBatchSize     int      `toml:"read_batch_size"`
	WriteBatchSize    int      `toml:"write_batch_size"`
	MaxProcessingTime Duration `toml:"max_processing_time"`
	PollingInterval   Duration `toml:"polling_interval"`
	ReadDelay         Duration `toml:"read_delay"`
	ShutdownTimeout   Duration `toml:"shutdown_timeout"`

	MaxAttempts            int      `toml:"max_attempts"`
	DisableDeadLetter      bool     `toml:"disable_dead_letter"`
	DeadLetterLifetime     Duration `toml:"dead_letter_lifetime"`
	EnableDeduplication    bool     `toml:"enable_deduplication"`
	DeduplicationInterval  Duration `toml:"deduplication_interval"`
	DisableLockExtension   bool     `toml:"disable_lock_extension"`
	LockExtensionThreshold float64  `toml:"lock_extension_threshold"`
	MaxProcessingThreads   int      `toml:"max_processing_threads"`
	DispatchRatePerSecond  float64  `toml:"dispatch_rate_per_second"`

	CleanupInterval     Duration `toml:"cleanup_interval"`
	CleanupBatchSize    int      `toml:"cleanup_batch_size"`
	CleanupRestartDelay Duration `toml:"cleanup_restart_delay"`
}

// Options converts the declaration into engine options; zero values fall
// back to the documented defaults.
func (s InboxSpec) Options() inbox.Options {
	opts := inbox.Options{
		Mode:                         inbox.Mode(s.Mode),
		ReadBatchSize:                s.ReadBatchSize,
		WriteBatchSize:               s.WriteBatchSize,
		MaxProcessingTime:            s.MaxProcessingTime.value(),
		PollingInterval:              s.PollingInterval.value(),
		ReadDelay:                    s.ReadDelay.value(),
		ShutdownTimeout:              s.ShutdownTimeout.value(),
		MaxAttempts:                  s.MaxAttempts,
		EnableDeadLetter:             !s.DisableDeadLetter,
		DeadLetterMaxMessageLifetime: s.DeadLetterLifetime.value(),
		EnableDeduplication:          s.EnableDeduplication,
		DeduplicationInterval:        s.DeduplicationInterval.value(),
		EnableLockExtension:          !s.DisableLockExtension,
		LockExtensionThreshold:       s.LockExtensionThreshold,
		MaxProcessingThreads:         s.MaxProcessingThreads,
		DispatchRatePerSecond:        s.DispatchRatePerSecond,
	}
	opts.Cleanup.Interval = s.CleanupInterval.value()
	opts.Cleanup.BatchSize = s.CleanupBatchSize
	opts.Cleanup.RestartDelay = s.CleanupRestartDelay.value()
	return opts.WithDefaults()
}

// Default returns the built-in configuration: an in-memory backend with no
// inboxes declared.
func Default() Config {
	return Config{
		HTTP:    HTTPConfig{Port: 8080},
		Storage: StorageConfig{Backend: "memory", MongoDatabase: "inlet"},
	}
}

// Load reads the TOML file at path (or INLET_CONFIG when path is empty) and
// applies environment overrides. A missing file is not an error; the
// defaults plus environment apply.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = getEnv("INLET_CONFIG", "")
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	cfg.HTTP.Port = getEnvInt("INLET_HTTP_PORT", cfg.HTTP.Port)
	cfg.Storage.Backend = getEnv("INLET_STORAGE_BACKEND", cfg.Storage.Backend)
	cfg.Storage.PostgresURL = getEnv("INLET_POSTGRES_URL", cfg.Storage.PostgresURL)
	cfg.Storage.RedisURL = getEnv("INLET_REDIS_URL", cfg.Storage.RedisURL)
	cfg.Storage.MongoURI = getEnv("INLET_MONGO_URI", cfg.Storage.MongoURI)
	cfg.Storage.MongoDatabase = getEnv("INLET_MONGO_DATABASE", cfg.Storage.MongoDatabase)

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres backend requires postgres_url or INLET_POSTGRES_URL")
		}
	case "redis":
		if c.Storage.RedisURL == "" {
			return fmt.Errorf("redis backend requires redis_url or INLET_REDIS_URL")
		}
	case "mongo":
		if c.Storage.MongoURI == "" {
			return fmt.Errorf("mongo backend requires mongo_uri or INLET_MONGO_URI")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	seen := make(map[string]bool)
	for _, spec := range c.Inboxes {
		if spec.Name == "" {
			return fmt.Errorf("inbox declared without a name")
		}
		if seen[spec.Name] {
			return fmt.Errorf("inbox %s declared twice", spec.Name)
		}
		seen[spec.Name] = true
		if err := spec.Options().Validate(); err != nil {
			return fmt.Errorf("inbox %s: %w", spec.Name, err)
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
