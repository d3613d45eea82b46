// Package config loads server configuration from defaults overridden by
// WL_-prefixed environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// envPrefix namespaces all configuration environment variables.
// WL_BROKER_URL overrides broker.url, WL_SERVER_ADDR overrides server.addr.
const envPrefix = "WL_"

// Config is the full server configuration.
type Config struct {
	Server ServerConfig `koanf:"server"`
	Broker BrokerConfig `koanf:"broker"`
	Log    LogConfig    `koanf:"log"`
}

// ServerConfig covers the HTTP/push surface.
type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	PingInterval    time.Duration `koanf:"ping_interval"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// BrokerConfig selects between an external NATS server and an in-process one.
type BrokerConfig struct {
	// URL of the NATS server. Ignored when Embedded is true.
	URL string `koanf:"url"`
	// Embedded runs a NATS server inside this process.
	Embedded bool `koanf:"embedded"`
	// EmbeddedPort is the listen port of the embedded server. -1 picks a
	// random free port.
	EmbeddedPort int `koanf:"embedded_port"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			PingInterval:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Broker: BrokerConfig{
			URL:          "nats://127.0.0.1:4222",
			Embedded:     false,
			EmbeddedPort: -1,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults and environment overrides.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	// WL_SERVER_PING_INTERVAL -> server.ping_interval
	envProvider := env.Provider(envPrefix, ".", func(s string) string {
		key := strings.TrimPrefix(s, envPrefix)
		key = strings.ToLower(key)
		return strings.Replace(key, "_", ".", 1)
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	if c.Server.PingInterval <= 0 {
		return fmt.Errorf("server.ping_interval must be positive, got %s", c.Server.PingInterval)
	}
	if !c.Broker.Embedded && c.Broker.URL == "" {
		return fmt.Errorf("broker.url required when broker.embedded is false")
	}
	return nil
}
