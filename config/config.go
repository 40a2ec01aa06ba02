package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Tickflow   TickflowConfig   `yaml:"tickflow"`
	Logging    LoggingConfig    `yaml:"logging"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`
	Server     ServerConfig     `yaml:"server"`
	Bus        BusConfig        `yaml:"bus"`
	Auth       AuthConfig       `yaml:"auth"`
	Brokers    []BrokerConfig   `yaml:"brokers"`
}

type TickflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// OverflowPolicy decides what happens when a session's outbound queue is
// full: drop the oldest queued frame or disconnect the session.
type OverflowPolicy string

const (
	OverflowDropOldest OverflowPolicy = "drop_oldest"
	OverflowDisconnect OverflowPolicy = "disconnect"
)

type ServerConfig struct {
	Address           string                    `yaml:"address"`
	Path              string                    `yaml:"path"`
	AuthGrace         time.Duration             `yaml:"auth_grace"`
	HeartbeatInterval time.Duration             `yaml:"heartbeat_interval"`
	HeartbeatMisses   int                       `yaml:"heartbeat_misses"`
	QueueSize         int                       `yaml:"queue_size"`
	Overflow          map[string]OverflowPolicy `yaml:"overflow"`
}

// OverflowFor returns the configured queue-full policy for a mode. LTP and
// QUOTE default to drop_oldest (only the latest value matters), DEPTH to
// disconnect (consumers need every update).
func (s ServerConfig) OverflowFor(mode string) OverflowPolicy {
	if p, ok := s.Overflow[strings.ToLower(mode)]; ok {
		return p
	}
	if strings.EqualFold(mode, "DEPTH") {
		return OverflowDisconnect
	}
	return OverflowDropOldest
}

type BusConfig struct {
	StreamBuffer int `yaml:"stream_buffer"`
}

type AuthConfig struct {
	Mode    string        `yaml:"mode"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
	APIKeys []StaticKey   `yaml:"api_keys"`
}

type StaticKey struct {
	Key       string `yaml:"key"`
	Principal string `yaml:"principal"`
}

type BackoffConfig struct {
	Base        time.Duration `yaml:"base"`
	Max         time.Duration `yaml:"max"`
	StableReset time.Duration `yaml:"stable_reset"`
}

type SubscribeRateConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	Burst             int `yaml:"burst"`
}

type BrokerConfig struct {
	Name          string              `yaml:"name"`
	Driver        string              `yaml:"driver"`
	Exchange      string              `yaml:"exchange"`
	URL           string              `yaml:"url"`
	RestURL       string              `yaml:"rest_url"`
	APIKeyEnv     string              `yaml:"api_key_env"`
	APISecretEnv  string              `yaml:"api_secret_env"`
	DialTimeout   time.Duration       `yaml:"dial_timeout"`
	ReadTimeout   time.Duration       `yaml:"read_timeout"`
	PingInterval  time.Duration       `yaml:"ping_interval"`
	Backoff       BackoffConfig       `yaml:"backoff"`
	SubscribeRate SubscribeRateConfig `yaml:"subscribe_rate"`
	CommandBuffer int                 `yaml:"command_buffer"`
}

// APIKey resolves the broker credential from the configured environment
// variable. Empty when the broker feed is unauthenticated.
func (b BrokerConfig) APIKey() string {
	if b.APIKeyEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(b.APIKeyEnv))
}

func (b BrokerConfig) APISecret() string {
	if b.APISecretEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(b.APISecretEnv))
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Metrics: MetricsConfig{Enabled: true, Address: ":2112"},
		Server: ServerConfig{
			Path:              "/ws",
			AuthGrace:         5 * time.Second,
			HeartbeatInterval: 15 * time.Second,
			HeartbeatMisses:   3,
			QueueSize:         256,
		},
		Bus: BusConfig{StreamBuffer: 4096},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if v := os.Getenv("TICKFLOW_SERVER_ADDRESS"); v != "" {
		config.Server.Address = strings.TrimSpace(v)
	}
	if v := os.Getenv("TICKFLOW_AUTH_URL"); v != "" {
		config.Auth.URL = strings.TrimSpace(v)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Tickflow.Name == "" {
		return fmt.Errorf("tickflow.name is required")
	}
	if cfg.Tickflow.Version == "" {
		return fmt.Errorf("tickflow.version is required")
	}
	if cfg.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if cfg.Server.QueueSize <= 0 {
		return fmt.Errorf("server.queue_size must be greater than 0")
	}
	if cfg.Server.HeartbeatMisses <= 0 {
		return fmt.Errorf("server.heartbeat_misses must be greater than 0")
	}
	if cfg.Bus.StreamBuffer <= 0 {
		return fmt.Errorf("bus.stream_buffer must be greater than 0")
	}
	for name, policy := range cfg.Server.Overflow {
		switch policy {
		case OverflowDropOldest, OverflowDisconnect:
		default:
			return fmt.Errorf("server.overflow.%s: unknown policy %q", name, policy)
		}
	}
	if len(cfg.Brokers) == 0 {
		return fmt.Errorf("at least one broker must be configured")
	}
	seen := make(map[string]struct{}, len(cfg.Brokers))
	for i := range cfg.Brokers {
		b := &cfg.Brokers[i]
		if b.Name == "" {
			return fmt.Errorf("brokers[%d].name is required", i)
		}
		if b.Driver == "" {
			return fmt.Errorf("broker %s: driver is required", b.Name)
		}
		if b.URL == "" {
			return fmt.Errorf("broker %s: url is required", b.Name)
		}
		b.Exchange = strings.ToUpper(strings.TrimSpace(b.Exchange))
		if b.Exchange == "" {
			return fmt.Errorf("broker %s: exchange is required", b.Name)
		}
		if _, dup := seen[b.Exchange]; dup {
			return fmt.Errorf("broker %s: exchange %s already served by another broker", b.Name, b.Exchange)
		}
		seen[b.Exchange] = struct{}{}
		applyBrokerDefaults(b)
	}
	switch cfg.Auth.Mode {
	case "", "static", "http":
	default:
		return fmt.Errorf("auth.mode must be static or http")
	}
	if cfg.Auth.Mode == "http" && cfg.Auth.URL == "" {
		return fmt.Errorf("auth.url is required when auth.mode is http")
	}
	return nil
}

func applyBrokerDefaults(b *BrokerConfig) {
	if b.DialTimeout <= 0 {
		b.DialTimeout = 5 * time.Second
	}
	if b.ReadTimeout <= 0 {
		b.ReadTimeout = 30 * time.Second
	}
	if b.PingInterval <= 0 {
		b.PingInterval = 20 * time.Second
	}
	if b.Backoff.Base <= 0 {
		b.Backoff.Base = 200 * time.Millisecond
	}
	if b.Backoff.Max <= 0 {
		b.Backoff.Max = 10 * time.Second
	}
	if b.Backoff.StableReset <= 0 {
		b.Backoff.StableReset = 10 * time.Second
	}
	if b.SubscribeRate.RequestsPerSecond <= 0 {
		b.SubscribeRate.RequestsPerSecond = 10
	}
	if b.SubscribeRate.Burst <= 0 {
		b.SubscribeRate.Burst = 20
	}
	if b.CommandBuffer <= 0 {
		b.CommandBuffer = 128
	}
}
