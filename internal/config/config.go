package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models actifix.yml.
type Config struct {
	Limits    Limits          `yaml:"limits"`
	Dedupe    Dedupe          `yaml:"dedupe"`
	Complete  Complete        `yaml:"complete"`
	Processor Processor       `yaml:"processor"`
	Server    Server          `yaml:"server"`
	Webhooks  []WebhookConfig `yaml:"webhooks,omitempty"`
}

// Limits bound ticket field sizes and table growth.
type Limits struct {
	MaxMessageLength    int `yaml:"max_message_length"`
	MaxFieldLength      int `yaml:"max_field_length"`
	MaxFileContextBytes int `yaml:"max_file_context_bytes"`
	MaxOpenTickets      int `yaml:"max_open_tickets"`
}

// Duration wraps time.Duration so YAML values like "24h" parse.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Dedupe controls the duplicate guard.
type Dedupe struct {
	ReopenWindow        Duration `yaml:"reopen_window"`
	MessagePrefixLength int      `yaml:"message_prefix_length"`
}

// Complete is the quality gate for marking tickets completed.
type Complete struct {
	MinFieldLength int `yaml:"min_field_length"`
}

// Processor configures the claim/fix/complete loop.
type Processor struct {
	LeaseDuration   Duration `yaml:"lease_duration"`
	RenewInterval   Duration `yaml:"renew_interval"`
	PollInterval    Duration `yaml:"poll_interval"`
	DispatchTimeout Duration `yaml:"dispatch_timeout"`
	MaxAttempts     int      `yaml:"max_attempts"`
	Workers         int      `yaml:"workers"`
}

// Server configures the HTTP intake API.
type Server struct {
	Listen                 string `yaml:"listen"`
	JWTSecret              string `yaml:"jwt_secret"`
	AllowLegacyAgentHeader bool   `yaml:"allow_legacy_agent_header"`
}

// WebhookConfig describes one event sink.
type WebhookConfig struct {
	URL     string `yaml:"url"`
	Secret  string `yaml:"secret,omitempty"`
	Enabled *bool  `yaml:"enabled,omitempty"`
}

// Default returns the default Config.
func Default() *Config {
	return &Config{
		Limits: Limits{
			MaxMessageLength:    5000,
			MaxFieldLength:      2000,
			MaxFileContextBytes: 1 << 20,
			MaxOpenTickets:      10000,
		},
		Dedupe: Dedupe{
			ReopenWindow:        Duration(24 * time.Hour),
			MessagePrefixLength: 300,
		},
		Complete: Complete{
			MinFieldLength: 10,
		},
		Processor: Processor{
			LeaseDuration:   Duration(time.Hour),
			RenewInterval:   Duration(5 * time.Minute),
			PollInterval:    Duration(10 * time.Second),
			DispatchTimeout: Duration(30 * time.Second),
			MaxAttempts:     3,
			Workers:         1,
		},
		Server: Server{
			Listen: "127.0.0.1:8878",
		},
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Limits.MaxMessageLength <= 0 {
		return fmt.Errorf("limits.max_message_length must be positive")
	}
	if c.Limits.MaxFieldLength <= 0 {
		return fmt.Errorf("limits.max_field_length must be positive")
	}
	if c.Limits.MaxFileContextBytes <= 0 {
		return fmt.Errorf("limits.max_file_context_bytes must be positive")
	}
	if c.Limits.MaxOpenTickets <= 0 {
		return fmt.Errorf("limits.max_open_tickets must be positive")
	}
	if c.Dedupe.ReopenWindow < 0 {
		return fmt.Errorf("dedupe.reopen_window must not be negative")
	}
	if c.Dedupe.MessagePrefixLength <= 0 {
		return fmt.Errorf("dedupe.message_prefix_length must be positive")
	}
	if c.Complete.MinFieldLength <= 0 {
		return fmt.Errorf("complete.min_field_length must be positive")
	}
	if c.Processor.LeaseDuration <= 0 {
		return fmt.Errorf("processor.lease_duration must be positive")
	}
	if c.Processor.RenewInterval <= 0 || c.Processor.RenewInterval >= c.Processor.LeaseDuration {
		return fmt.Errorf("processor.renew_interval must be positive and shorter than the lease duration")
	}
	if c.Processor.PollInterval <= 0 {
		return fmt.Errorf("processor.poll_interval must be positive")
	}
	if c.Processor.DispatchTimeout <= 0 {
		return fmt.Errorf("processor.dispatch_timeout must be positive")
	}
	if c.Processor.MaxAttempts <= 0 {
		return fmt.Errorf("processor.max_attempts must be positive")
	}
	if c.Processor.Workers <= 0 {
		return fmt.Errorf("processor.workers must be positive")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "actifix.yml")
}

// Load reads and validates config from the workspace, falling back to
// defaults when actifix.yml does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Omitted
// sections keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns the default config rendered as YAML, for
// `af config show` and `af init`.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `limits:
  max_message_length: 5000
  max_field_length: 2000
  max_file_context_bytes: 1048576
  max_open_tickets: 10000

dedupe:
  reopen_window: 24h
  message_prefix_length: 300

complete:
  min_field_length: 10

processor:
  lease_duration: 1h
  renew_interval: 5m
  poll_interval: 10s
  dispatch_timeout: 30s
  max_attempts: 3
  workers: 1

server:
  listen: 127.0.0.1:8878
  jwt_secret: ""
  allow_legacy_agent_header: false
`
