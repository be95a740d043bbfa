// Package config loads and validates the forwarder's YAML configuration.
// The cmd/forwarder entrypoint layers its own flag.FlagSet over the loaded
// Config before calling Validate, the same two-step shape the teacher's
// service entrypoints use for their YAML configs.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/yourusername/perp-forwarder/internal/pipeline"
)

// Config is the complete forwarder configuration.
type Config struct {
	Assets   []string       `yaml:"assets"`
	Exchange ExchangeConfig `yaml:"exchange"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	TCP      TCPConfig      `yaml:"tcp"`
	SHM      SHMConfig      `yaml:"shm"`
	NATS     NATSConfig     `yaml:"nats"`
}

// ExchangeConfig points at the exchange's REST and websocket endpoints.
type ExchangeConfig struct {
	RESTBaseURL string `yaml:"rest_base_url"`
	WSURL       string `yaml:"ws_url"`
}

// PipelineConfig controls the bounded ingest-to-sink channel.
type PipelineConfig struct {
	ChannelCapacity int `yaml:"channel_capacity"`
}

// TCPConfig controls the TCP fanout sink.
type TCPConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Port       int    `yaml:"port"`
	SendBuffer int    `yaml:"send_buffer"`
	Host       string `yaml:"host"`
}

// SHMConfig controls the shared-memory ring sink.
type SHMConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Name     string `yaml:"name"`
	Capacity uint64 `yaml:"capacity"`
}

// NATSConfig controls the optional NATS publish sink.
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// defaults establishes the values used when a file or flag leaves a field
// unset.
func defaults() Config {
	return Config{
		Exchange: ExchangeConfig{
			RESTBaseURL: "https://fapi.binance.com",
			WSURL:       "wss://fstream.binance.com/ws",
		},
		Pipeline: PipelineConfig{ChannelCapacity: pipeline.DefaultCapacity},
		TCP:      TCPConfig{Enabled: true, Port: 9000, SendBuffer: 1024, Host: "0.0.0.0"},
		SHM:      SHMConfig{Enabled: false, Capacity: 1 << 20},
		NATS:     NATSConfig{Enabled: false, SubjectPrefix: "trades"},
	}
}

// Load reads a YAML config file, if path is non-empty, layering it over
// the built-in defaults.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if path == "" {
		return &cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}

// SetAssets parses a comma-separated symbol list, as accepted by the
// cmd/forwarder "-assets" flag, overriding whatever the config file set.
func (c *Config) SetAssets(commaSeparated string) {
	if commaSeparated == "" {
		return
	}
	c.Assets = strings.Split(commaSeparated, ",")
}

// Validate checks the invariants the rest of the forwarder assumes hold.
func (c *Config) Validate() error {
	if len(c.Assets) == 0 {
		return fmt.Errorf("config: at least one asset is required")
	}
	if len(c.Assets) > 10 {
		return fmt.Errorf("config: at most 10 assets are supported, got %d", len(c.Assets))
	}
	for i, a := range c.Assets {
		c.Assets[i] = strings.ToUpper(strings.TrimSpace(a))
		if c.Assets[i] == "" {
			return fmt.Errorf("config: asset at index %d is empty", i)
		}
	}

	if !c.TCP.Enabled && !c.SHM.Enabled && !c.NATS.Enabled {
		return fmt.Errorf("config: at least one sink (tcp, shm, nats) must be enabled")
	}
	if c.SHM.Enabled && c.SHM.Name == "" {
		return fmt.Errorf("config: shm.name is required when shm is enabled")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("config: nats.url is required when nats is enabled")
	}
	if c.Pipeline.ChannelCapacity <= 0 {
		c.Pipeline.ChannelCapacity = pipeline.DefaultCapacity
	}
	if c.TCP.SendBuffer <= 0 {
		c.TCP.SendBuffer = 1024
	}
	return nil
}
