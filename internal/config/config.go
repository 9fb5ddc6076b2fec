// Package config loads the service configuration from a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/finsentry/casework/internal/alerting"
	"github.com/finsentry/casework/internal/casework"
	"github.com/finsentry/casework/internal/messaging"
)

// ServerConfig configures the HTTP query API.
type ServerConfig struct {
	Enabled         bool          `yaml:"enabled" json:"enabled"`
	Addr            string        `yaml:"addr" json:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// Config is the root configuration for the casework service.
type Config struct {
	Server   ServerConfig          `yaml:"server" json:"server"`
	Engine   casework.Config       `yaml:"engine" json:"engine"`
	Alerting alerting.Config       `yaml:"alerting" json:"alerting"`
	Kafka    messaging.KafkaConfig `yaml:"kafka" json:"kafka"`
}

// Default returns a runnable configuration with the reference policy and a
// single log channel.
func Default() Config {
	cfg := Config{
		Server: ServerConfig{
			Enabled:         true,
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Engine: casework.DefaultConfig(),
		Alerting: alerting.Config{
			Channels: []alerting.ChannelConfig{
				{Name: "ops-log", Type: "log", Enabled: true},
			},
			Suppression: []alerting.SuppressionRule{
				{Name: "duplicate-1h", Type: "duplicate", Window: time.Hour},
			},
			Escalation: alerting.EscalationPolicy{Enabled: true},
		},
	}
	cfg.Alerting.ApplyDefaults()
	return cfg
}

// Load reads and validates the configuration file. Missing sections fall
// back to defaults; an unreadable or invalid file is a fatal startup error.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.Engine.ApplyDefaults()
	cfg.Alerting.ApplyDefaults()

	if err := cfg.Engine.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid engine config: %w", err)
	}
	if cfg.Server.Enabled && cfg.Server.Addr == "" {
		return cfg, fmt.Errorf("server enabled but no listen address configured")
	}
	if cfg.Kafka.Enabled && (len(cfg.Kafka.Brokers) == 0 || cfg.Kafka.Topic == "") {
		return cfg, fmt.Errorf("kafka enabled but brokers or topic missing")
	}

	return cfg, nil
}
