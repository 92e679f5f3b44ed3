// Package config loads stepflow configuration from defaults, an optional
// YAML file, and environment variable overrides, in that order.
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("stepflow.yaml").
//	    WithEnvPrefix("STEPFLOW").
//	    Load()
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mkarlic/stepflow/runstore"
)

// Config is the full stepflow configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" env:"SERVER"`
	Store     StoreConfig     `yaml:"store" env:"STORE"`
	Engine    EngineConfig    `yaml:"engine" env:"ENGINE"`
	Workflows WorkflowsConfig `yaml:"workflows" env:"WORKFLOWS"`
	Events    EventsConfig    `yaml:"events" env:"EVENTS"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" env:"HTTP_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	RateLimitRPS    float64       `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst  int           `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
}

// StoreConfig selects and configures the run state backend.
type StoreConfig struct {
	// Type is one of memory, file, sqlite, redis.
	Type       string        `yaml:"type" env:"TYPE"`
	Dir        string        `yaml:"dir" env:"DIR"`
	SQLitePath string        `yaml:"sqlite_path" env:"SQLITE_PATH"`
	Redis      RedisConfig   `yaml:"redis" env:"REDIS"`
	Cleanup    CleanupConfig `yaml:"cleanup" env:"CLEANUP"`
}

// RedisConfig configures the redis run store backend.
type RedisConfig struct {
	Host      string `yaml:"host" env:"HOST"`
	Port      int    `yaml:"port" env:"PORT"`
	Password  string `yaml:"password" env:"PASSWORD"`
	DB        int    `yaml:"db" env:"DB"`
	PoolSize  int    `yaml:"pool_size" env:"POOL_SIZE"`
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// CleanupConfig configures retention of terminal runs.
type CleanupConfig struct {
	Enabled   bool          `yaml:"enabled" env:"ENABLED"`
	Interval  time.Duration `yaml:"interval" env:"INTERVAL"`
	Retention time.Duration `yaml:"retention" env:"RETENTION"`
}

// EngineConfig configures scheduling behavior.
type EngineConfig struct {
	// DefaultStrategy applies when a start request names none.
	DefaultStrategy    string        `yaml:"default_strategy" env:"DEFAULT_STRATEGY"`
	MaxConcurrentSteps int64         `yaml:"max_concurrent_steps" env:"MAX_CONCURRENT_STEPS"`
	DefaultStepTimeout time.Duration `yaml:"default_step_timeout" env:"DEFAULT_STEP_TIMEOUT"`
	CapabilityRecheck  time.Duration `yaml:"capability_recheck" env:"CAPABILITY_RECHECK"`
}

// WorkflowsConfig locates workflow definition files.
type WorkflowsConfig struct {
	Dir string `yaml:"dir" env:"DIR"`
	// Watch reloads definitions when files in Dir change.
	Watch        bool          `yaml:"watch" env:"WATCH"`
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
}

// EventsConfig configures the event publisher.
type EventsConfig struct {
	// BufferSize is the per-subscriber channel capacity.
	BufferSize int `yaml:"buffer_size" env:"BUFFER_SIZE"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is json or console.
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// RunStoreConfig converts the store section into the runstore package's
// configuration type.
func (c StoreConfig) RunStoreConfig() runstore.StoreConfig {
	return runstore.StoreConfig{
		Type:       runstore.StoreType(c.Type),
		BaseDir:    c.Dir,
		SQLitePath: c.SQLitePath,
		Redis: runstore.RedisConfig{
			Host:      c.Redis.Host,
			Port:      c.Redis.Port,
			Password:  c.Redis.Password,
			DB:        c.Redis.DB,
			PoolSize:  c.Redis.PoolSize,
			KeyPrefix: c.Redis.KeyPrefix,
		},
		Cleanup: runstore.CleanupConfig{
			Enabled:   c.Cleanup.Enabled,
			Interval:  c.Cleanup.Interval,
			Retention: c.Cleanup.Retention,
		},
	}
}

// Loader builds a Config from layered sources.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a loader with the STEPFLOW env prefix.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "STEPFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML file to load.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix overrides the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds a validation hook run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load resolves the configuration. Precedence: defaults, then the YAML
// file, then environment variables.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}
		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// MustLoad loads configuration from path, panicking on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	switch c.Store.Type {
	case "memory", "file", "sqlite", "redis":
	default:
		errs = append(errs, fmt.Sprintf("unknown store type %q", c.Store.Type))
	}
	switch c.Engine.DefaultStrategy {
	case string(runstore.StrategySequential), string(runstore.StrategyStateful):
	default:
		errs = append(errs, fmt.Sprintf("unknown engine strategy %q", c.Engine.DefaultStrategy))
	}
	if c.Engine.MaxConcurrentSteps <= 0 {
		errs = append(errs, "max_concurrent_steps must be positive")
	}
	if c.Store.Type == "file" && c.Store.Dir == "" {
		errs = append(errs, "file store requires a dir")
	}
	if c.Store.Type == "sqlite" && c.Store.SQLitePath == "" {
		errs = append(errs, "sqlite store requires a sqlite_path")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
