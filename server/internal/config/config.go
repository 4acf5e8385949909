package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/obsidianstack/relay/server/internal/relay"
)

// AlertsConfig holds alerting rules and webhook delivery targets.
type AlertsConfig struct {
	// Interval is how often rules are evaluated against topic stats.
	// Defaults to 30s.
	Interval time.Duration `yaml:"interval" toml:"interval"`

	Rules    []AlertRule     `yaml:"rules" toml:"rules"`
	Webhooks []WebhookConfig `yaml:"webhooks" toml:"webhooks"`
}

// AlertRule defines one threshold-based alert condition.
type AlertRule struct {
	// Name is the human-readable alert identifier, used as the deduplication key.
	Name string `yaml:"name" toml:"name"`

	// Condition is a simple expression over topic stats: "drops > 10",
	// "subscribers == 0", "queue_depth > 100", "head_seq > 1000000".
	Condition string `yaml:"condition" toml:"condition"`

	// Topics restricts the rule to topics matching these glob patterns.
	// Empty means every topic.
	Topics []string `yaml:"topics" toml:"topics"`

	// Severity is one of: critical | warning | info.
	Severity string `yaml:"severity" toml:"severity"`

	// Cooldown suppresses re-fires for this duration after an alert fires.
	// Defaults to 15 minutes if zero.
	Cooldown time.Duration `yaml:"cooldown" toml:"cooldown"`
}

// WebhookConfig defines one webhook delivery target.
type WebhookConfig struct {
	// Type is one of: teams | slack | pagerduty | http.
	Type string `yaml:"type" toml:"type"`

	// URLEnv is the name of the environment variable that holds the webhook URL.
	URLEnv string `yaml:"url_env" toml:"url_env"`
}

// URL returns the webhook URL resolved from the environment.
func (w WebhookConfig) URL() string {
	if w.URLEnv == "" {
		return ""
	}
	return os.Getenv(w.URLEnv)
}

// Default values for the server configuration.
const (
	DefaultGRPCPort         = 50051
	DefaultHTTPPort         = 8080
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "json"
	DefaultAlertInterval    = 30 * time.Second
	DefaultBridgeBufferSize = 1000
	DefaultSubjectPrefix    = "relay."
)

// Config holds the server-side configuration parsed from the `server:` section
// of the config file. Other top-level keys are ignored.
type Config struct {
	Server ServerConfig `yaml:"server" toml:"server"`
}

// ServerConfig holds all server-side settings.
type ServerConfig struct {
	// GRPCPort is the port the gRPC receiver listens on (default 50051).
	GRPCPort int `yaml:"grpc_port" toml:"grpc_port"`

	// HTTPPort is the port the REST API and WebSocket hub listen on (default 8080).
	HTTPPort int `yaml:"http_port" toml:"http_port"`

	// Log controls the process logger.
	Log LogConfig `yaml:"log" toml:"log"`

	// Auth configures how the server authenticates incoming clients.
	Auth AuthConfig `yaml:"auth" toml:"auth"`

	// Relay tunes the message relay.
	Relay RelayConfig `yaml:"relay" toml:"relay"`

	// Bridge optionally mirrors accepted messages to an external broker.
	Bridge BridgeConfig `yaml:"bridge" toml:"bridge"`

	// Alerts holds rule definitions and webhook delivery targets.
	Alerts AlertsConfig `yaml:"alerts" toml:"alerts"`
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	// Level is one of: debug | info | warn | error.
	Level string `yaml:"level" toml:"level"`

	// Format is json (default) or console.
	Format string `yaml:"format" toml:"format"`
}

// AuthConfig controls client authentication on the server side.
type AuthConfig struct {
	// Mode is one of: apikey | none.
	Mode string `yaml:"mode" toml:"mode"`

	// KeyEnv is the name of the environment variable that holds the expected API key.
	// Used when Mode == "apikey".
	KeyEnv string `yaml:"key_env" toml:"key_env"`

	// Header is the gRPC metadata key (and HTTP header name) to read the key from.
	// Defaults to "x-api-key" if empty.
	Header string `yaml:"header" toml:"header"`
}

// Key returns the expected API key resolved from the environment.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// EffectiveHeader returns the configured header name, or the default "x-api-key".
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return "x-api-key"
}

// RelayConfig mirrors relay.Options. MaxPayloadBytes, IdleTimeout,
// DrainTimeout, BackpressurePolicy, BlockTimeout and AllowedTopics are applied
// on reload; the rest need a restart.
type RelayConfig struct {
	MaxPayloadBytes    int           `yaml:"max_payload_bytes" toml:"max_payload_bytes"`
	RingBufferCapacity int           `yaml:"ring_buffer_capacity" toml:"ring_buffer_capacity"`
	IdleTimeout        time.Duration `yaml:"idle_timeout" toml:"idle_timeout"`
	DrainTimeout       time.Duration `yaml:"drain_timeout" toml:"drain_timeout"`
	Retention          time.Duration `yaml:"retention" toml:"retention"`
	BackpressurePolicy string        `yaml:"backpressure_policy" toml:"backpressure_policy"`
	BlockTimeout       time.Duration `yaml:"block_timeout" toml:"block_timeout"`
	QueueSize          int           `yaml:"queue_size" toml:"queue_size"`
	DispatchWorkers    int           `yaml:"dispatch_workers" toml:"dispatch_workers"`
	PublishRate        float64       `yaml:"publish_rate" toml:"publish_rate"`
	PublishBurst       int           `yaml:"publish_burst" toml:"publish_burst"`
	AllowedTopics      []string      `yaml:"allowed_topics" toml:"allowed_topics"`
}

// Options converts the section into relay.Options.
func (r RelayConfig) Options() relay.Options {
	return relay.Options{
		MaxPayloadBytes:    r.MaxPayloadBytes,
		RingBufferCapacity: r.RingBufferCapacity,
		IdleTimeout:        r.IdleTimeout,
		DrainTimeout:       r.DrainTimeout,
		Retention:          r.Retention,
		BackpressurePolicy: relay.Policy(r.BackpressurePolicy),
		BlockTimeout:       r.BlockTimeout,
		QueueSize:          r.QueueSize,
		DispatchWorkers:    r.DispatchWorkers,
		PublishRate:        r.PublishRate,
		PublishBurst:       r.PublishBurst,
		AllowedTopics:      r.AllowedTopics,
	}
}

// BridgeConfig selects where accepted messages are mirrored.
type BridgeConfig struct {
	// Kind is one of: none | kafka | nats. Empty means none.
	Kind string `yaml:"kind" toml:"kind"`

	// Brokers lists Kafka bootstrap addresses (kind: kafka).
	Brokers []string `yaml:"brokers" toml:"brokers"`

	// URL is the NATS server URL (kind: nats).
	URL string `yaml:"url" toml:"url"`

	// SubjectPrefix is prepended to the relay topic to form the NATS subject
	// or Kafka topic. Defaults to "relay.".
	SubjectPrefix string `yaml:"subject_prefix" toml:"subject_prefix"`

	// BufferSize bounds messages waiting to be forwarded (default 1000).
	// When full the oldest is dropped.
	BufferSize int `yaml:"buffer_size" toml:"buffer_size"`
}

// Load reads and parses the config file at path, returning the server configuration.
// Files ending in .toml are parsed as TOML, anything else as YAML. A .env file
// next to the config is loaded into the environment first (existing variables
// win) so *_env keys can refer to it.
// Missing fields are filled with sensible defaults before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("server config: read %q: %w", path, err)
	}

	envFile := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("server config: load %q: %w", envFile, err)
	}

	cfg := defaults()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("server config: parse toml: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("server config: parse yaml: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("server config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	d := relay.DefaultOptions()
	return &Config{
		Server: ServerConfig{
			GRPCPort: DefaultGRPCPort,
			HTTPPort: DefaultHTTPPort,
			Log: LogConfig{
				Level:  DefaultLogLevel,
				Format: DefaultLogFormat,
			},
			Relay: RelayConfig{
				MaxPayloadBytes:    d.MaxPayloadBytes,
				RingBufferCapacity: d.RingBufferCapacity,
				IdleTimeout:        d.IdleTimeout,
				DrainTimeout:       d.DrainTimeout,
				Retention:          d.Retention,
				BackpressurePolicy: string(d.BackpressurePolicy),
				BlockTimeout:       d.BlockTimeout,
				QueueSize:          d.QueueSize,
			},
			Bridge: BridgeConfig{
				Kind:          "none",
				SubjectPrefix: DefaultSubjectPrefix,
				BufferSize:    DefaultBridgeBufferSize,
			},
			Alerts: AlertsConfig{
				Interval: DefaultAlertInterval,
			},
		},
	}
}

// validate checks structural constraints on the parsed configuration.
func validate(cfg *Config) error {
	s := &cfg.Server
	if s.GRPCPort <= 0 || s.GRPCPort > 65535 {
		return fmt.Errorf("server.grpc_port %d is out of range [1, 65535]", s.GRPCPort)
	}
	if s.HTTPPort <= 0 || s.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d is out of range [1, 65535]", s.HTTPPort)
	}
	switch s.Auth.Mode {
	case "apikey", "none", "":
	default:
		return fmt.Errorf("server.auth.mode %q unknown: want apikey|none", s.Auth.Mode)
	}
	switch strings.ToLower(s.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("server.log.level %q unknown: want debug|info|warn|error", s.Log.Level)
	}
	switch s.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("server.log.format %q unknown: want json|console", s.Log.Format)
	}

	r := s.Relay
	if _, err := relay.ParsePolicy(r.BackpressurePolicy); err != nil {
		return fmt.Errorf("server.relay.%w", err)
	}
	for name, v := range map[string]int{
		"max_payload_bytes":    r.MaxPayloadBytes,
		"ring_buffer_capacity": r.RingBufferCapacity,
		"queue_size":           r.QueueSize,
		"dispatch_workers":     r.DispatchWorkers,
		"publish_burst":        r.PublishBurst,
	} {
		if v < 0 {
			return fmt.Errorf("server.relay.%s must not be negative", name)
		}
	}
	for name, v := range map[string]time.Duration{
		"idle_timeout":  r.IdleTimeout,
		"drain_timeout": r.DrainTimeout,
		"retention":     r.Retention,
		"block_timeout": r.BlockTimeout,
	} {
		if v < 0 {
			return fmt.Errorf("server.relay.%s must not be negative", name)
		}
	}
	if r.PublishRate < 0 {
		return fmt.Errorf("server.relay.publish_rate must not be negative")
	}
	if r.IdleTimeout > 0 && r.IdleTimeout < relay.MinIdleTimeout {
		return fmt.Errorf("server.relay.idle_timeout %v is below the minimum of %v", r.IdleTimeout, relay.MinIdleTimeout)
	}

	b := s.Bridge
	switch b.Kind {
	case "", "none":
	case "kafka":
		if len(b.Brokers) == 0 {
			return fmt.Errorf("server.bridge.brokers is required for kind kafka")
		}
	case "nats":
		if b.URL == "" {
			return fmt.Errorf("server.bridge.url is required for kind nats")
		}
	default:
		return fmt.Errorf("server.bridge.kind %q unknown: want none|kafka|nats", b.Kind)
	}
	if b.BufferSize < 0 {
		return fmt.Errorf("server.bridge.buffer_size must not be negative")
	}

	if s.Alerts.Interval < 0 {
		return fmt.Errorf("server.alerts.interval must not be negative")
	}
	for _, rule := range s.Alerts.Rules {
		if rule.Name == "" {
			return fmt.Errorf("server.alerts.rules: rule with condition %q has no name", rule.Condition)
		}
		if len(strings.Fields(rule.Condition)) != 3 {
			return fmt.Errorf("server.alerts.rules[%s]: condition %q must be \"field op value\"", rule.Name, rule.Condition)
		}
	}
	return nil
}
