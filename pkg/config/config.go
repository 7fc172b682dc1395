// Package config loads chunkstream's static configuration: logging,
// telemetry, metrics, the rate limiter's default thresholds, the upload
// registry's idle window, the chunk processor's tuning, and the choice and
// connection settings of the state store and content target backends.
//
// Configuration sources: a config file, with defaults filling the fields it
// leaves unset. Environment variables (CHUNKSTREAM_*) override only keys that
// the config file sets or that have a viper default
// (chunk_processor.delete_on_cancel); when no config file is found, Load
// returns the defaults and reads no environment variables. CLI flags are
// applied by the caller after Load.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/chunkstream/chunkstream/internal/bytesize"
	"github.com/chunkstream/chunkstream/pkg/state/pgstore"
)

// Config is chunkstream's static configuration.
type Config struct {
	Logging         LoggingConfig         `mapstructure:"logging" yaml:"logging"`
	Telemetry       TelemetryConfig       `mapstructure:"telemetry" yaml:"telemetry"`
	Metrics         MetricsConfig         `mapstructure:"metrics" yaml:"metrics"`
	ShutdownTimeout time.Duration         `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`
	RateLimiter     RateLimiterConfig     `mapstructure:"rate_limiter" yaml:"rate_limiter"`
	Registry        RegistryConfig        `mapstructure:"registry" yaml:"registry"`
	ChunkProcessor  ChunkProcessorConfig  `mapstructure:"chunk_processor" yaml:"chunk_processor"`
	StateStore      StateStoreConfig      `mapstructure:"state_store" yaml:"state_store"`
	ContentStore    ContentStoreConfig    `mapstructure:"content_store" yaml:"content_store"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive).
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format is the log output encoding. Valid values: text, json.
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output is where logs are written: stdout, stderr, or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry distributed tracing.
type TelemetryConfig struct {
	// Enabled controls whether distributed tracing is enabled. Default: false.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the OTLP collector endpoint (host:port).
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// Insecure controls whether to use a non-TLS connection to the collector.
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`

	// SampleRate is the trace sampling rate, 0.0 to 1.0.
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`

	// Profiling contains Pyroscope continuous profiling configuration.
	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// ProfilingConfig controls Pyroscope continuous profiling.
type ProfilingConfig struct {
	Enabled      bool     `mapstructure:"enabled" yaml:"enabled"`
	Endpoint     string   `mapstructure:"endpoint" yaml:"endpoint"`
	ProfileTypes []string `mapstructure:"profile_types" yaml:"profile_types"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// RateLimiterConfig mirrors pkg/ratelimit.Config in a form that survives a
// config file round trip.
type RateLimiterConfig struct {
	DefaultRatePerRequestKB int64         `mapstructure:"default_rate_per_request_kb" validate:"gt=0" yaml:"default_rate_per_request_kb"`
	MinimumRatePerRequestKB int64         `mapstructure:"minimum_rate_per_request_kb" validate:"gt=0" yaml:"minimum_rate_per_request_kb"`
	DefaultRatePerClientKB  int64         `mapstructure:"default_rate_per_client_kb" validate:"gt=0" yaml:"default_rate_per_client_kb"`
	MaximumRatePerClientKB  int64         `mapstructure:"maximum_rate_per_client_kb" validate:"gt=0" yaml:"maximum_rate_per_client_kb"`
	MaximumOverAllRateKB    int64         `mapstructure:"maximum_over_all_rate_kb" validate:"gt=0" yaml:"maximum_over_all_rate_kb"`
	TickPeriod              time.Duration `mapstructure:"tick_period" validate:"gt=0" yaml:"tick_period"`
}

// RegistryConfig controls the upload configuration registry's idle
// eviction.
type RegistryConfig struct {
	IdleTimeout   time.Duration `mapstructure:"idle_timeout" validate:"gt=0" yaml:"idle_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gt=0" yaml:"sweep_interval"`
}

// ChunkProcessorConfig mirrors pkg/chunkproc.Config.
type ChunkProcessorConfig struct {
	BufferSize        bytesize.ByteSize `mapstructure:"buffer_size" yaml:"buffer_size"`
	PausePollInterval time.Duration     `mapstructure:"pause_poll_interval" validate:"gt=0" yaml:"pause_poll_interval"`

	// MaxPauseDuration bounds how long a chunk may stay parked on the
	// paused flag. Zero means unbounded.
	MaxPauseDuration time.Duration `mapstructure:"max_pause_duration" yaml:"max_pause_duration"`

	// DeleteOnCancel controls whether cancelled uploads are torn down
	// immediately. Defaults to true.
	DeleteOnCancel bool `mapstructure:"delete_on_cancel" yaml:"delete_on_cancel"`
}

// StateStoreConfig selects and configures a state.Store backend.
type StateStoreConfig struct {
	// Backend selects the implementation: filestore, badgerstore, or
	// pgstore.
	Backend string `mapstructure:"backend" validate:"required,oneof=filestore badgerstore pgstore" yaml:"backend"`

	// ContentRoot is the directory filestore and badgerstore allocate new
	// FileRecord paths under.
	ContentRoot string `mapstructure:"content_root" yaml:"content_root"`

	// FileStore configures the journal-on-disk backend.
	FileStore FileStoreConfig `mapstructure:"filestore" yaml:"filestore"`

	// BadgerStore configures the embedded KV backend.
	BadgerStore BadgerStoreConfig `mapstructure:"badgerstore" yaml:"badgerstore"`

	// Postgres configures the relational backend.
	Postgres pgstore.Config `mapstructure:"postgres" yaml:"postgres"`
}

// FileStoreConfig configures pkg/state/filestore.
type FileStoreConfig struct {
	JournalPath string `mapstructure:"journal_path" yaml:"journal_path"`
}

// BadgerStoreConfig configures pkg/state/badgerstore.
type BadgerStoreConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// ContentStoreConfig selects and configures a content.Target backend.
type ContentStoreConfig struct {
	// Backend selects the implementation: localfs or s3.
	Backend string `mapstructure:"backend" validate:"required,oneof=localfs s3" yaml:"backend"`

	S3 S3ContentConfig `mapstructure:"s3" yaml:"s3"`
}

// S3ContentConfig configures pkg/content/s3target.
type S3ContentConfig struct {
	Bucket   string            `mapstructure:"bucket" yaml:"bucket"`
	Region   string            `mapstructure:"region" yaml:"region"`
	PartSize bytesize.ByteSize `mapstructure:"part_size" yaml:"part_size"`
}

// Load loads configuration from a config file, filling unset fields with
// defaults. Environment variables override keys that the file sets (and
// chunk_processor.delete_on_cancel). When no config file is found, Load
// returns DefaultConfig() without reading the environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !found {
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	return &cfg, nil
}

// SaveConfig writes cfg to path in YAML, creating parent directories as
// needed. The file is written 0600 since the Postgres backend's password
// may live in it.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("config: write: %w", err)
	}

	return nil
}

var structValidator = validator.New()

// Validate runs struct-tag validation over cfg.
func Validate(cfg *Config) error {
	return structValidator.Struct(cfg)
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("CHUNKSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("chunk_processor.delete_on_cancel", true)

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}

	v.AddConfigPath(getConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("config: read file: %w", err)
	}
	return true, nil
}

func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

func getConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "chunkstream")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "chunkstream")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists reports whether a config file exists at the default
// location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path, exposed for the
// init command.
func GetConfigDir() string {
	return getConfigDir()
}
