package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cwt-line/kanban-agent/internal/mqtt"
)

const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 32147
)

// Config holds the agent configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Reader ReaderConfig `yaml:"reader"`
	MQTT   mqtt.Config  `yaml:"mqtt"`
	Sentry SentryConfig `yaml:"sentry"`
	Log    LogConfig    `yaml:"log"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type ReaderConfig struct {
	NameFilter     string        `yaml:"name_filter"`
	CardTimeout    time.Duration `yaml:"card_timeout"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
}

type SentryConfig struct {
	DSN         string `yaml:"dsn"`
	Environment string `yaml:"environment"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	MaxEntries int    `yaml:"max_entries"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Reader: ReaderConfig{
			NameFilter:     "acr122",
			CardTimeout:    10 * time.Second,
			SessionTimeout: 5 * time.Second,
			PollInterval:   200 * time.Millisecond,
		},
		MQTT: mqtt.Config{
			TopicPrefix: "kanban",
		},
		Log: LogConfig{
			Level:      "debug",
			MaxEntries: 1000,
		},
	}
}

// DefaultPath returns the config file looked up when no path is given.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "kanban-agent", "config.yaml")
}

// Load builds the configuration from defaults, the YAML file at path and
// KANBAN_AGENT_* environment variables, in that order. An empty path reads
// DefaultPath when that file exists.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if path != "" {
		content, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := cfg.decode(content); err != nil {
				return nil, err
			}
			cfg.resolvePaths(path)
		case explicit || !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(content []byte) error {
	if len(bytes.TrimSpace(content)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	if host := os.Getenv("KANBAN_AGENT_HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("KANBAN_AGENT_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("KANBAN_AGENT_PORT must be a number: %w", err)
		}
		c.Server.Port = p
	}
	if reader := os.Getenv("KANBAN_AGENT_READER"); reader != "" {
		c.Reader.NameFilter = reader
	}
	if host := os.Getenv("KANBAN_AGENT_MQTT_HOST"); host != "" {
		c.MQTT.Host = host
	}
	if level := os.Getenv("KANBAN_AGENT_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	return nil
}

// Validate checks ranges and required values.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Host) == "" {
		return fmt.Errorf("config.server.host is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config.server.port must be 1..65535")
	}
	if strings.TrimSpace(c.Reader.NameFilter) == "" {
		return fmt.Errorf("config.reader.name_filter is required")
	}
	if c.Reader.CardTimeout <= 0 {
		return fmt.Errorf("config.reader.card_timeout must be positive")
	}
	if c.Reader.SessionTimeout <= 0 {
		return fmt.Errorf("config.reader.session_timeout must be positive")
	}
	if c.Reader.PollInterval <= 0 {
		return fmt.Errorf("config.reader.poll_interval must be positive")
	}
	if c.MQTT.Port < 0 || c.MQTT.Port > 65535 {
		return fmt.Errorf("config.mqtt.port must be 0..65535")
	}
	if (c.MQTT.ClientCert == "") != (c.MQTT.ClientKey == "") {
		return fmt.Errorf("config.mqtt.client_cert and config.mqtt.client_key must be set together")
	}
	if c.Log.MaxEntries <= 0 {
		return fmt.Errorf("config.log.max_entries must be positive")
	}
	return nil
}

// Address returns the HTTP listen address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) resolvePaths(configPath string) {
	baseDir := filepath.Dir(configPath)
	c.MQTT.CACert = resolvePath(baseDir, c.MQTT.CACert)
	c.MQTT.ClientCert = resolvePath(baseDir, c.MQTT.ClientCert)
	c.MQTT.ClientKey = resolvePath(baseDir, c.MQTT.ClientKey)
}

func resolvePath(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}
