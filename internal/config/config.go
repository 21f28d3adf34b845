// Package config loads the gateway's YAML configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level gateway configuration file structure.
type Config struct {
	Gateway struct {
		ID  string  `yaml:"id"` // 16 hex chars, e.g. "AA555A0000000000"
		Lat float64 `yaml:"lat"`
		Lon float64 `yaml:"lon"`
		Alt int     `yaml:"alt"`
	} `yaml:"gateway"`

	Radio struct {
		Backend         string  `yaml:"backend"` // "rak2245" | "fake"
		FreqMHz         float64 `yaml:"freq_mhz"`
		ChannelIndex    uint    `yaml:"channel_index"`
		RFChainIndex    uint    `yaml:"rf_chain_index"`
		Bandwidth       int     `yaml:"bandwidth_hz"`
		SpreadingFactor int     `yaml:"spreading_factor"`
		CodingRate      string  `yaml:"coding_rate"`
	} `yaml:"radio"`

	Connector struct {
		Transport  string `yaml:"transport"` // "udp" | "zmq"
		ServerAddr string `yaml:"server_addr"`
		EventURL   string `yaml:"event_url"`
		CommandURL string `yaml:"command_url"`
	} `yaml:"connector"`

	Diag struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
		Path    string `yaml:"path"`
	} `yaml:"diag"`

	Cloud struct {
		Enabled        bool   `yaml:"enabled"`
		ServerAddr     string `yaml:"server_addr"`
		APIKey         string `yaml:"api_key"`
		UseTLS         bool   `yaml:"use_tls"`
		ReportInterval int    `yaml:"report_interval_seconds"`
	} `yaml:"cloud"`

	Storage struct {
		Path string `yaml:"path"` // empty disables persistence
	} `yaml:"storage"`

	Timing struct {
		HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`
	} `yaml:"timing"`

	NodeManager struct {
		MaxUpSessions   int  `yaml:"max_up_sessions"`
		MaxDownSessions int  `yaml:"max_down_sessions"`
		AckUnconfirmed  bool `yaml:"ack_unconfirmed"`
	} `yaml:"node_manager"`

	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &cfg, nil
}

// Validate checks the fields every gateway deployment must set.
func (c *Config) Validate() error {
	if c.Gateway.ID == "" {
		return fmt.Errorf("gateway.id is required")
	}
	if len(c.Gateway.ID) != 16 {
		return fmt.Errorf("gateway.id must be 16 hex characters")
	}
	switch c.Connector.Transport {
	case "udp":
		if c.Connector.ServerAddr == "" {
			return fmt.Errorf("connector.server_addr is required for transport \"udp\"")
		}
	case "zmq":
		if c.Connector.EventURL == "" || c.Connector.CommandURL == "" {
			return fmt.Errorf("connector.event_url and connector.command_url are required for transport \"zmq\"")
		}
	default:
		return fmt.Errorf("connector.transport must be \"udp\" or \"zmq\", got %q", c.Connector.Transport)
	}
	if c.Cloud.Enabled && c.Cloud.APIKey == "" {
		return fmt.Errorf("cloud.api_key is required when cloud.enabled is true")
	}
	return nil
}

// SecondsToDuration converts a config field expressed in whole seconds to
// a time.Duration, treating zero as "unset".
func SecondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
