package config

import (
	"time"

	"github.com/mkarlic/stepflow/runstore"
)

// DefaultConfig returns the configuration used when nothing overrides it.
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Store:     DefaultStoreConfig(),
		Engine:    DefaultEngineConfig(),
		Workflows: DefaultWorkflowsConfig(),
		Events:    EventsConfig{BufferSize: 64},
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig returns the default HTTP server settings.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultStoreConfig returns the default run store settings: a file
// store under ./data so runs survive a restart out of the box.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type: "file",
		Dir:  "data",
		Redis: RedisConfig{
			Host:     "localhost",
			Port:     6379,
			PoolSize: 10,
		},
		Cleanup: CleanupConfig{
			Enabled:   false,
			Interval:  time.Hour,
			Retention: 7 * 24 * time.Hour,
		},
	}
}

// DefaultEngineConfig returns the default scheduling settings.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		DefaultStrategy:    string(runstore.StrategyStateful),
		MaxConcurrentSteps: 16,
		DefaultStepTimeout: 5 * time.Minute,
		CapabilityRecheck:  500 * time.Millisecond,
	}
}

// DefaultWorkflowsConfig returns the default definition loading settings.
func DefaultWorkflowsConfig() WorkflowsConfig {
	return WorkflowsConfig{
		Dir:          "workflows",
		Watch:        false,
		PollInterval: time.Second,
	}
}

// DefaultLogConfig returns the default logging settings.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig returns the default telemetry settings.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "stepflow",
		SampleRate:   1.0,
	}
}
