package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

const validUDPConfig = `
gateway:
  id: "AA555A0000000000"
  lat: 48.85
  lon: 2.35
radio:
  backend: fake
connector:
  transport: udp
  server_addr: "127.0.0.1:1700"
`

func TestLoadParsesFields(t *testing.T) {
	path := writeTempConfig(t, validUDPConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.ID != "AA555A0000000000" {
		t.Fatalf("Gateway.ID = %q", cfg.Gateway.ID)
	}
	if cfg.Gateway.Lat != 48.85 {
		t.Fatalf("Gateway.Lat = %v", cfg.Gateway.Lat)
	}
	if cfg.Connector.Transport != "udp" {
		t.Fatalf("Connector.Transport = %q", cfg.Connector.Transport)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected an error reading a missing file")
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeTempConfig(t, "gateway: [this is not valid: yaml")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected a parse error")
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		var c Config
		c.Gateway.ID = "AA555A0000000000"
		c.Connector.Transport = "udp"
		c.Connector.ServerAddr = "127.0.0.1:1700"
		return c
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid udp", func(c *Config) {}, false},
		{"missing id", func(c *Config) { c.Gateway.ID = "" }, true},
		{"short id", func(c *Config) { c.Gateway.ID = "AA55" }, true},
		{"udp missing server_addr", func(c *Config) {
			c.Connector.ServerAddr = ""
		}, true},
		{"zmq missing urls", func(c *Config) {
			c.Connector.Transport = "zmq"
			c.Connector.EventURL = ""
			c.Connector.CommandURL = ""
		}, true},
		{"zmq valid", func(c *Config) {
			c.Connector.Transport = "zmq"
			c.Connector.EventURL = "tcp://127.0.0.1:5556"
			c.Connector.CommandURL = "tcp://127.0.0.1:5557"
		}, false},
		{"unknown transport", func(c *Config) {
			c.Connector.Transport = "carrier-pigeon"
		}, true},
		{"cloud enabled without api key", func(c *Config) {
			c.Cloud.Enabled = true
			c.Cloud.APIKey = ""
		}, true},
		{"cloud enabled with api key", func(c *Config) {
			c.Cloud.Enabled = true
			c.Cloud.APIKey = "secret"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr && err == nil {
				t.Fatalf("expected an error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestSecondsToDuration(t *testing.T) {
	if got := SecondsToDuration(30); got != 30*time.Second {
		t.Fatalf("SecondsToDuration(30) = %v; want 30s", got)
	}
	if got := SecondsToDuration(0); got != 0 {
		t.Fatalf("SecondsToDuration(0) = %v; want 0", got)
	}
}
