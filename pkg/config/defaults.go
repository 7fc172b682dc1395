package config

import "time"

// DefaultConfig returns a Config populated entirely with defaults, used when
// no config file is found.
func DefaultConfig() *Config {
	cfg := &Config{ChunkProcessor: ChunkProcessorConfig{DeleteOnCancel: true}}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields of cfg with production-sane
// defaults, one apply*Defaults function per sub-config, dispatched from this
// top-level function.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyMetricsDefaults(&cfg.Metrics)
	applyRateLimiterDefaults(&cfg.RateLimiter)
	applyRegistryDefaults(&cfg.Registry)
	applyChunkProcessorDefaults(&cfg.ChunkProcessor)
	applyStateStoreDefaults(&cfg.StateStore)
	applyContentStoreDefaults(&cfg.ContentStore)

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

func applyLoggingDefaults(c *LoggingConfig) {
	if c.Level == "" {
		c.Level = "INFO"
	}
	if c.Format == "" {
		c.Format = "text"
	}
	if c.Output == "" {
		c.Output = "stdout"
	}
}

func applyTelemetryDefaults(c *TelemetryConfig) {
	if c.SampleRate == 0 {
		c.SampleRate = 0.1
	}
	applyProfilingDefaults(&c.Profiling)
}

func applyProfilingDefaults(c *ProfilingConfig) {
	if len(c.ProfileTypes) == 0 {
		c.ProfileTypes = []string{"cpu", "alloc_objects", "alloc_space"}
	}
}

func applyMetricsDefaults(c *MetricsConfig) {
	if c.Port == 0 {
		c.Port = 9090
	}
}

func applyRateLimiterDefaults(c *RateLimiterConfig) {
	if c.DefaultRatePerRequestKB == 0 {
		c.DefaultRatePerRequestKB = 1024
	}
	if c.MinimumRatePerRequestKB == 0 {
		c.MinimumRatePerRequestKB = 1
	}
	if c.DefaultRatePerClientKB == 0 {
		c.DefaultRatePerClientKB = 10240
	}
	if c.MaximumRatePerClientKB == 0 {
		c.MaximumRatePerClientKB = 10240
	}
	if c.MaximumOverAllRateKB == 0 {
		c.MaximumOverAllRateKB = 10240
	}
	if c.TickPeriod == 0 {
		c.TickPeriod = time.Second
	}
}

func applyRegistryDefaults(c *RegistryConfig) {
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 10 * time.Minute
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = time.Minute
	}
}

func applyChunkProcessorDefaults(c *ChunkProcessorConfig) {
	if c.BufferSize == 0 {
		c.BufferSize = 256 << 10
	}
	if c.PausePollInterval == 0 {
		c.PausePollInterval = 200 * time.Millisecond
	}
}

func applyStateStoreDefaults(c *StateStoreConfig) {
	if c.Backend == "" {
		c.Backend = "filestore"
	}
	if c.ContentRoot == "" {
		c.ContentRoot = "./data/content"
	}
	if c.FileStore.JournalPath == "" {
		c.FileStore.JournalPath = "./data/state/journal.jsonl"
	}
	if c.BadgerStore.Dir == "" {
		c.BadgerStore.Dir = "./data/state/badger"
	}
	c.Postgres.ApplyDefaults()
}

func applyContentStoreDefaults(c *ContentStoreConfig) {
	if c.Backend == "" {
		c.Backend = "localfs"
	}
	if c.S3.PartSize == 0 {
		c.S3.PartSize = 8 << 20
	}
}
