// Package mqtt publishes kanban card events to an MQTT broker so line
// equipment can follow what the station writes and reads.
package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/cwt-line/kanban-agent/internal/kanban"
	"github.com/cwt-line/kanban-agent/internal/logging"
)

// Config holds MQTT connection settings.
type Config struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	CACert      string `yaml:"ca_cert"`
	ClientCert  string `yaml:"client_cert"`
	ClientKey   string `yaml:"client_key"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// Client wraps the paho client. A client built without a host is disabled
// and every method is a no-op.
type Client struct {
	client  paho.Client
	prefix  string
	enabled bool
}

// EventMessage is the JSON payload published for each station event.
type EventMessage struct {
	Op      string    `json:"op"`
	OK      bool      `json:"ok"`
	Kind    string    `json:"kind,omitempty"`
	Message string    `json:"message"`
	Thread1 string    `json:"thread1"`
	Thread2 string    `json:"thread2"`
	Bypass  bool      `json:"bypass"`
	UID     string    `json:"uid,omitempty"`
	Reader  string    `json:"reader,omitempty"`
	Time    time.Time `json:"time"`
}

// New creates a client. Returns a disabled no-op client if host is empty.
func New(cfg Config) (*Client, error) {
	c := &Client{prefix: strings.TrimSuffix(cfg.TopicPrefix, "/")}
	if c.prefix == "" {
		c.prefix = "kanban"
	}

	if cfg.Host == "" {
		logging.Info(logging.CatMQTT, "MQTT disabled (no host configured)", nil)
		return c, nil
	}
	c.enabled = true

	clientID := cfg.ClientID
	if clientID == "" {
		host, _ := os.Hostname()
		clientID = "kanban-agent-" + host
	}

	var broker string
	var tlsConfig *tls.Config
	if cfg.CACert != "" || cfg.ClientCert != "" {
		if cfg.Port == 0 {
			cfg.Port = 8883
		}
		broker = fmt.Sprintf("ssl://%s:%d", cfg.Host, cfg.Port)

		var err error
		tlsConfig, err = buildTLSConfig(cfg)
		if err != nil {
			return nil, fmt.Errorf("build TLS config: %w", err)
		}
	} else {
		if cfg.Port == 0 {
			cfg.Port = 1883
		}
		broker = fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)
		logging.Warn(logging.CatMQTT, "MQTT using non-TLS connection", map[string]any{
			"broker": broker,
		})
	}

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetKeepAlive(60*time.Second).
		SetWill(c.StatusTopic(), "offline", 1, true).
		SetConnectionLostHandler(c.handleConnectionLost).
		SetOnConnectHandler(c.handleConnect)
	if tlsConfig != nil {
		opts.SetTLSConfig(tlsConfig)
	}

	c.client = paho.NewClient(opts)

	paho.ERROR = log.New(os.Stderr, "[MQTT ERROR] ", 0)
	paho.CRITICAL = log.New(os.Stderr, "[MQTT CRIT] ", 0)
	paho.WARN = log.New(os.Stderr, "[MQTT WARN] ", 0)

	return c, nil
}

func buildTLSConfig(cfg Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.CACert != "" {
		caCert, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("read CA cert: %w", err)
		}
		caPool := x509.NewCertPool()
		if !caPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CACert)
		}
		tlsConfig.RootCAs = caPool
	}

	if cfg.ClientCert != "" && cfg.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// Connect starts connecting in the background. With connect-retry enabled
// paho keeps trying until the broker answers, so this never blocks startup.
func (c *Client) Connect() {
	if !c.enabled {
		return
	}
	c.client.Connect()
}

// Disconnect publishes the offline status and closes the connection.
func (c *Client) Disconnect() {
	if !c.enabled || c.client == nil {
		return
	}
	if c.client.IsConnected() {
		c.client.Publish(c.StatusTopic(), 1, true, "offline").WaitTimeout(time.Second)
	}
	c.client.Disconnect(250)
}

// IsEnabled returns whether MQTT is enabled.
func (c *Client) IsEnabled() bool {
	return c.enabled
}

// IsConnected reports the broker connection state.
func (c *Client) IsConnected() bool {
	return c.enabled && c.client.IsConnected()
}

// StatusTopic is where the retained online/offline marker lives.
func (c *Client) StatusTopic() string {
	return c.prefix + "/status"
}

// EventTopic returns the topic for events of op.
func (c *Client) EventTopic(op string) string {
	return c.prefix + "/event/" + op
}

// PublishEvent is a kanban.Sink. It does not wait for the broker.
func (c *Client) PublishEvent(ev kanban.Event) {
	if !c.enabled {
		return
	}
	payload, err := json.Marshal(NewEventMessage(ev))
	if err != nil {
		logging.Error(logging.CatMQTT, "Failed to encode event", map[string]any{"error": err.Error()})
		return
	}
	c.client.Publish(c.EventTopic(ev.Op), 1, false, payload)
	logging.Debug(logging.CatMQTT, "Event published", map[string]any{
		"topic": c.EventTopic(ev.Op),
	})
}

// NewEventMessage flattens a station event for publishing.
func NewEventMessage(ev kanban.Event) EventMessage {
	msg := EventMessage{
		Op:      ev.Op,
		OK:      ev.Result.OK,
		Message: ev.Result.Message,
		Thread1: ev.Result.Thread1,
		Thread2: ev.Result.Thread2,
		Bypass:  ev.Result.Bypass,
		UID:     ev.Result.UID,
		Reader:  ev.Result.Reader,
		Time:    ev.Time.UTC(),
	}
	if !ev.Result.OK {
		msg.Kind = ev.Result.Kind.String()
	}
	return msg
}

func (c *Client) handleConnect(client paho.Client) {
	logging.Info(logging.CatMQTT, "MQTT connection established", nil)
	client.Publish(c.StatusTopic(), 1, true, "online")
}

func (c *Client) handleConnectionLost(client paho.Client, err error) {
	logging.Warn(logging.CatMQTT, "MQTT connection lost", map[string]any{
		"error": err.Error(),
	})
}
