// Package config loads stepgraph's process configuration.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("stepgraph.yaml").
//	    WithEnvPrefix("STEPGRAPH").
//	    Load()
//
// Precedence: defaults, then the YAML file, then environment variables.
package config

import (
	"fmt"
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete stepgraph configuration.
type Config struct {
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Engine    EngineConfig    `yaml:"engine" env:"ENGINE"`
	Store     StoreConfig     `yaml:"store" env:"STORE"`
	Server    ServerConfig    `yaml:"server" env:"SERVER"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
	Templates TemplatesConfig `yaml:"templates" env:"TEMPLATES"`

	// DefaultBackend serves kinds that have no entry in Kinds.
	DefaultBackend string `yaml:"default_backend" env:"DEFAULT_BACKEND"`

	Backends map[string]BackendConfig `yaml:"backends"`
	Kinds    map[string]KindConfig    `yaml:"kinds"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`

	// Format: json or console.
	Format string `yaml:"format" env:"FORMAT"`

	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	ErrorOutputPaths []string `yaml:"error_output_paths" env:"ERROR_OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
}

// EngineConfig maps onto graph engine options.
type EngineConfig struct {
	MaxConcurrent        int           `yaml:"max_concurrent" env:"MAX_CONCURRENT"`
	WorkflowTimeout      time.Duration `yaml:"workflow_timeout" env:"WORKFLOW_TIMEOUT"`
	StepTimeout          time.Duration `yaml:"step_timeout" env:"STEP_TIMEOUT"`
	DrainTimeout         time.Duration `yaml:"drain_timeout" env:"DRAIN_TIMEOUT"`
	FailurePolicy        string        `yaml:"failure_policy" env:"FAILURE_POLICY"`
	CheckpointRetries    int           `yaml:"checkpoint_retries" env:"CHECKPOINT_RETRIES"`
	CheckpointRetryDelay time.Duration `yaml:"checkpoint_retry_delay" env:"CHECKPOINT_RETRY_DELAY"`

	// RecoverOnStart resumes unfinished instances found in the store.
	RecoverOnStart bool `yaml:"recover_on_start" env:"RECOVER_ON_START"`
}

// StoreConfig selects the checkpoint store.
type StoreConfig struct {
	// Driver: memory, sqlite, mysql or redis.
	Driver string `yaml:"driver" env:"DRIVER"`

	SQLitePath    string        `yaml:"sqlite_path" env:"SQLITE_PATH"`
	MySQLDSN      string        `yaml:"mysql_dsn" env:"MYSQL_DSN"`
	RedisAddr     string        `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string        `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int           `yaml:"redis_db" env:"REDIS_DB"`
	RedisTTL      time.Duration `yaml:"redis_ttl" env:"REDIS_TTL"`
	KeyPrefix     string        `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" env:"MAX_BODY_BYTES"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// TemplatesConfig locates workflow template documents.
type TemplatesConfig struct {
	// Dir holds *.yaml templates. They take precedence over built-ins.
	Dir string `yaml:"dir" env:"DIR"`

	// DisableBuiltin hides the embedded templates.
	DisableBuiltin bool `yaml:"disable_builtin" env:"DISABLE_BUILTIN"`
}

// BackendConfig describes one generation backend.
type BackendConfig struct {
	// Provider: anthropic, openai, google, http or mock.
	Provider string `yaml:"provider"`
	APIKey   string `yaml:"api_key"`

	// APIKeyEnv names the environment variable holding the key when APIKey
	// is empty. Defaults per provider.
	APIKeyEnv string `yaml:"api_key_env"`

	Model     string            `yaml:"model"`
	BaseURL   string            `yaml:"base_url"`
	MaxTokens int64             `yaml:"max_tokens"`
	Timeout   time.Duration     `yaml:"timeout"`
	Headers   map[string]string `yaml:"headers"`
}

// defaultKeyEnv maps providers to their conventional key variables.
var defaultKeyEnv = map[string]string{
	"anthropic": "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"google":    "GOOGLE_API_KEY",
}

// ResolveAPIKey returns APIKey, or the value of the key environment variable.
func (b BackendConfig) ResolveAPIKey() string {
	if b.APIKey != "" {
		return b.APIKey
	}
	name := b.APIKeyEnv
	if name == "" {
		name = defaultKeyEnv[b.Provider]
	}
	if name == "" {
		return ""
	}
	return os.Getenv(name)
}

// KindConfig binds a step kind to a backend and its retry behavior.
type KindConfig struct {
	Backend string `yaml:"backend"`

	// System is the system prompt for LLM backends.
	System string `yaml:"system"`

	// Prompt is rendered against the step input; see backend.RenderPrompt.
	Prompt string `yaml:"prompt"`

	// Path is appended to the backend's base URL for http backends.
	Path string `yaml:"path"`

	MaxAttempts    int           `yaml:"max_attempts"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	JitterFraction float64       `yaml:"jitter_fraction"`
	Timeout        time.Duration `yaml:"timeout"`
	RateLimit      float64       `yaml:"rate_limit"`
	Burst          int           `yaml:"burst"`
}

// Loader builds a Config.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a Loader with the STEPGRAPH environment prefix.
func NewLoader() *Loader {
	return &Loader{envPrefix: "STEPGRAPH"}
}

// WithConfigPath sets the YAML file to read. A missing file is not an error.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds a check run after Validate.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load applies defaults, the YAML file and environment overrides, then
// validates the result.
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
	return setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv walks struct fields with env tags. Nested structs extend
// the prefix: Engine.MaxConcurrent is STEPGRAPH_ENGINE_MAX_CONCURRENT.
func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		envTag := t.Field(i).Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}
		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue, ok := os.LookupEnv(envKey)
		if !ok || envValue == "" {
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
			return nil
		}
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)

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

// Validate checks the configuration for values the engine would reject.
func (c *Config) Validate() error {
	var errs []string

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("unknown log level %q", c.Log.Level))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		errs = append(errs, fmt.Sprintf("unknown log format %q", c.Log.Format))
	}

	if c.Engine.MaxConcurrent < 0 {
		errs = append(errs, "engine.max_concurrent must be >= 0")
	}
	if c.Engine.FailurePolicy != "drain" && c.Engine.FailurePolicy != "fail-fast" {
		errs = append(errs, fmt.Sprintf("unknown failure policy %q", c.Engine.FailurePolicy))
	}
	if c.Engine.CheckpointRetries < 1 {
		errs = append(errs, "engine.checkpoint_retries must be >= 1")
	}
	if c.Engine.DrainTimeout <= 0 {
		errs = append(errs, "engine.drain_timeout must be positive")
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, "store.sqlite_path is required for the sqlite driver")
		}
	case "mysql":
		if c.Store.MySQLDSN == "" {
			errs = append(errs, "store.mysql_dsn is required for the mysql driver")
		}
	case "redis":
		if c.Store.RedisAddr == "" {
			errs = append(errs, "store.redis_addr is required for the redis driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown store driver %q", c.Store.Driver))
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "telemetry.sample_rate must be between 0 and 1")
	}

	for _, name := range sortedNames(c.Backends) {
		switch p := c.Backends[name].Provider; p {
		case "anthropic", "openai", "google", "mock":
		case "http":
			if c.Backends[name].BaseURL == "" {
				errs = append(errs, fmt.Sprintf("backend %s: base_url is required for http", name))
			}
		default:
			errs = append(errs, fmt.Sprintf("backend %s: unknown provider %q", name, p))
		}
	}
	if c.DefaultBackend != "" {
		if _, ok := c.Backends[c.DefaultBackend]; !ok {
			errs = append(errs, fmt.Sprintf("default_backend %q is not defined", c.DefaultBackend))
		}
	}
	for _, kind := range sortedNames(c.Kinds) {
		k := c.Kinds[kind]
		if _, ok := c.Backends[c.BackendFor(kind)]; !ok {
			errs = append(errs, fmt.Sprintf("kind %s: backend %q is not defined", kind, c.BackendFor(kind)))
		}
		if k.MaxAttempts < 0 || k.JitterFraction < 0 || k.JitterFraction > 1 {
			errs = append(errs, fmt.Sprintf("kind %s: invalid retry settings", kind))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// BackendFor returns the backend name serving kind: the kind's own backend,
// or DefaultBackend.
func (c *Config) BackendFor(kind string) string {
	if k, ok := c.Kinds[kind]; ok && k.Backend != "" {
		return k.Backend
	}
	return c.DefaultBackend
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
