package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/emberq/emberq/pkg/er"
)

type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Server      Server      `yaml:"server"`
	Broker      Broker      `yaml:"broker"`
	Auth        Auth        `yaml:"auth"`
	Persistence Persistence `yaml:"persistence"`
	Metrics     Metrics     `yaml:"metrics"`
	Log         Log         `yaml:"log"`
}

type Server struct {
	Port           string `yaml:"port"`
	MaxConnections int    `yaml:"max_connections"`
}

type Broker struct {
	// RetryInterval is the base interval in seconds between
	// retransmissions of unacknowledged deliveries.
	RetryInterval int `yaml:"retry_interval"`
	// MaxRetries is the number of retransmission attempts before a
	// delivery expires.
	MaxRetries int `yaml:"max_retries"`
	// KeepAliveFactor multiplies the client's keep-alive to obtain the
	// liveness timeout.
	KeepAliveFactor float64 `yaml:"keep_alive_factor"`
	// MaxInflight caps simultaneous unacknowledged deliveries per
	// session; 0 leaves the window unbounded.
	MaxInflight int `yaml:"max_inflight"`
}

type Auth struct {
	Enabled  bool   `yaml:"enabled"`
	Database string `yaml:"database"`
}

type Persistence struct {
	// Backend selects the session store: "memory" (default) or "sqlite".
	Backend  string `yaml:"backend"`
	Database string `yaml:"database"`
}

type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and validates the yaml configuration, applying defaults
// for unset fields.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &er.Err{Context: "Config, Read", Message: err}
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, &er.Err{Context: "Config, Unmarshal", Message: err}
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "1883"
	}
	if c.Server.MaxConnections <= 0 {
		c.Server.MaxConnections = 1000
	}
	if c.Broker.RetryInterval <= 0 {
		c.Broker.RetryInterval = 5
	}
	if c.Broker.MaxRetries <= 0 {
		c.Broker.MaxRetries = 3
	}
	if c.Broker.KeepAliveFactor <= 0 {
		c.Broker.KeepAliveFactor = 1.5
	}
	if c.Persistence.Backend == "" {
		c.Persistence.Backend = "memory"
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = ":9090"
	}
}

// RetryIntervalDuration returns the retry interval as a duration.
func (c *Config) RetryIntervalDuration() time.Duration {
	return time.Duration(c.Broker.RetryInterval) * time.Second
}
