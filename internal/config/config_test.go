package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"KANBAN_AGENT_HOST", "KANBAN_AGENT_PORT", "KANBAN_AGENT_READER", "KANBAN_AGENT_MQTT_HOST", "KANBAN_AGENT_LOG_LEVEL"} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Address() != "127.0.0.1:32147" {
		t.Errorf("Address() = %q", cfg.Address())
	}
	if cfg.Reader.NameFilter != "acr122" || cfg.Reader.CardTimeout != 10*time.Second ||
		cfg.Reader.SessionTimeout != 5*time.Second || cfg.Reader.PollInterval != 200*time.Millisecond {
		t.Errorf("unexpected reader defaults %+v", cfg.Reader)
	}
	if cfg.MQTT.Host != "" || cfg.MQTT.TopicPrefix != "kanban" {
		t.Errorf("unexpected mqtt defaults %+v", cfg.MQTT)
	}
}

func TestLoadFileAndResolvePaths(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
server:
  host: 0.0.0.0
  port: 8080
reader:
  name_filter: omnikey
  card_timeout: 15s
  poll_interval: 100ms
mqtt:
  host: broker.local
  port: 8883
  ca_cert: certs/ca.pem
  client_cert: /etc/kanban/client.pem
  client_key: certs/client.key
  topic_prefix: line3/kanban
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Address() != "0.0.0.0:8080" {
		t.Errorf("Address() = %q", cfg.Address())
	}
	if cfg.Reader.NameFilter != "omnikey" || cfg.Reader.CardTimeout != 15*time.Second || cfg.Reader.PollInterval != 100*time.Millisecond {
		t.Errorf("reader = %+v", cfg.Reader)
	}
	if cfg.Reader.SessionTimeout != 5*time.Second {
		t.Error("unset fields should keep defaults")
	}
	dir := filepath.Dir(path)
	if cfg.MQTT.CACert != filepath.Join(dir, "certs/ca.pem") {
		t.Errorf("ca_cert not resolved: %q", cfg.MQTT.CACert)
	}
	if cfg.MQTT.ClientCert != "/etc/kanban/client.pem" {
		t.Errorf("absolute path changed: %q", cfg.MQTT.ClientCert)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "reader:\n  filter: acr122\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "parse config yaml") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config")
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "server:\n  port: 9000\n")
	t.Setenv("KANBAN_AGENT_PORT", "9100")
	t.Setenv("KANBAN_AGENT_HOST", "localhost")
	t.Setenv("KANBAN_AGENT_READER", "uTrust")
	t.Setenv("KANBAN_AGENT_MQTT_HOST", "mqtt.example")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Address() != "localhost:9100" || cfg.Reader.NameFilter != "uTrust" || cfg.MQTT.Host != "mqtt.example" {
		t.Errorf("env not applied: %+v", cfg)
	}

	t.Setenv("KANBAN_AGENT_PORT", "http")
	if _, err := Load(path); err == nil {
		t.Error("expected error for non-numeric port")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port zero", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"port too big", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"empty host", func(c *Config) { c.Server.Host = " " }, "server.host"},
		{"empty filter", func(c *Config) { c.Reader.NameFilter = "" }, "name_filter"},
		{"card timeout", func(c *Config) { c.Reader.CardTimeout = 0 }, "card_timeout"},
		{"session timeout", func(c *Config) { c.Reader.SessionTimeout = -time.Second }, "session_timeout"},
		{"poll interval", func(c *Config) { c.Reader.PollInterval = 0 }, "poll_interval"},
		{"cert without key", func(c *Config) { c.MQTT.ClientCert = "client.pem" }, "client_key"},
		{"log entries", func(c *Config) { c.Log.MaxEntries = 0 }, "max_entries"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error mentioning %q", err, tt.want)
			}
		})
	}
	if err := Default().Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}
