package config

import "time"

// DefaultConfig returns a configuration that runs entirely in memory with
// the mock backend.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:            "info",
			Format:           "json",
			OutputPaths:      []string{"stderr"},
			ErrorOutputPaths: []string{"stderr"},
		},
		Engine: EngineConfig{
			DrainTimeout:         30 * time.Second,
			FailurePolicy:        "drain",
			CheckpointRetries:    3,
			CheckpointRetryDelay: 50 * time.Millisecond,
			RecoverOnStart:       true,
		},
		Store: StoreConfig{
			Driver:     "memory",
			SQLitePath: "stepgraph.db",
			KeyPrefix:  "stepgraph:",
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			MaxBodyBytes:    1 << 20,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "stepgraph",
			SampleRate:   1.0,
		},
		DefaultBackend: "mock",
		Backends: map[string]BackendConfig{
			"mock": {Provider: "mock"},
		},
		Kinds: map[string]KindConfig{},
	}
}
