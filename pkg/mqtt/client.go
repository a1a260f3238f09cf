package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/markus-lassfolk/netlocd/pkg"
	"github.com/markus-lassfolk/netlocd/pkg/logx"
)

// Client publishes emitted locations and daemon status to an MQTT broker
type Client struct {
	client      publisher
	logger      *logx.Logger
	config      *Config
	connected   atomic.Bool
	mu          sync.Mutex
	lastPublish time.Time
}

// publisher is the part of the paho client used for publishing
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) MQTT.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

// Config holds MQTT configuration
type Config struct {
	Broker      string `json:"broker" yaml:"broker"`
	Port        int    `json:"port" yaml:"port"`
	ClientID    string `json:"client_id" yaml:"client_id"`
	Username    string `json:"username" yaml:"username"`
	Password    string `json:"password" yaml:"password"`
	TopicPrefix string `json:"topic_prefix" yaml:"topic_prefix"`
	QoS         int    `json:"qos" yaml:"qos"`
	Retain      bool   `json:"retain" yaml:"retain"`
	Enabled     bool   `json:"enabled" yaml:"enabled"`
}

// DefaultConfig returns default MQTT configuration
func DefaultConfig() *Config {
	return &Config{
		Broker:      "localhost",
		Port:        1883,
		TopicPrefix: "netloc",
		QoS:         1,
		Retain:      false,
		Enabled:     false,
	}
}

// LocationMessage is the JSON payload of one location
type LocationMessage struct {
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	AccuracyMeters float64   `json:"accuracy_m"`
	Time           time.Time `json:"time"`
	ElapsedNanos   int64     `json:"elapsed_ns"`
	BSSID          string    `json:"bssid"`
	SignalDBm      int       `json:"signal_dbm"`
}

// NewLocationMessage converts a location for publishing
func NewLocationMessage(loc pkg.Location) LocationMessage {
	return LocationMessage{
		Latitude:       loc.Latitude,
		Longitude:      loc.Longitude,
		AccuracyMeters: loc.AccuracyMeters,
		Time:           loc.WallClock,
		ElapsedNanos:   int64(loc.ElapsedNanos),
		BSSID:          loc.BSSID.String(),
		SignalDBm:      loc.SignalDBm,
	}
}

// NewClient creates a new MQTT client. An empty client id gets a random one.
func NewClient(config *Config, logger *logx.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if config.ClientID == "" {
		config.ClientID = "netlocd-" + uuid.NewString()[:8]
	}
	if logger == nil {
		logger = logx.NewNopLogger()
	}
	return &Client{
		logger: logger,
		config: config,
	}
}

// Connect establishes connection to MQTT broker
func (c *Client) Connect() error {
	if !c.config.Enabled {
		c.logger.Debug("MQTT client disabled")
		return nil
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", c.config.Broker, c.config.Port))
	opts.SetClientID(c.config.ClientID)

	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(1 * time.Minute)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	client := MQTT.NewClient(opts)
	c.client = client

	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	c.logger.Info("MQTT client connected",
		"broker", c.config.Broker,
		"port", c.config.Port,
		"client_id", c.config.ClientID,
	)
	return nil
}

// Disconnect disconnects from MQTT broker
func (c *Client) Disconnect() error {
	if c.client != nil && c.connected.Load() {
		c.client.Disconnect(250)
		c.connected.Store(false)
		c.logger.Info("MQTT client disconnected")
	}
	return nil
}

func (c *Client) onConnect(client MQTT.Client) {
	c.connected.Store(true)
	c.logger.Info("MQTT connection established")
}

func (c *Client) onConnectionLost(client MQTT.Client, err error) {
	c.connected.Store(false)
	c.logger.Error("MQTT connection lost", "error", err)
}

// ReportLocation publishes a single location to <prefix>/location
func (c *Client) ReportLocation(ctx context.Context, loc pkg.Location) error {
	if !c.ready() {
		return nil
	}
	return c.publishJSON(c.topic("location"), NewLocationMessage(loc))
}

// ReportLocations publishes a batch to <prefix>/locations
func (c *Client) ReportLocations(ctx context.Context, locs []pkg.Location) error {
	if !c.ready() {
		return nil
	}
	msgs := make([]LocationMessage, 0, len(locs))
	for _, loc := range locs {
		msgs = append(msgs, NewLocationMessage(loc))
	}
	payload := map[string]interface{}{
		"timestamp": time.Now(),
		"count":     len(msgs),
		"locations": msgs,
	}
	return c.publishJSON(c.topic("locations"), payload)
}

// PublishStatus publishes daemon status to <prefix>/status
func (c *Client) PublishStatus(status interface{}) error {
	if !c.ready() {
		return nil
	}

	payload := map[string]interface{}{
		"timestamp": time.Now(),
		"status":    status,
	}
	return c.publishJSON(c.topic("status"), payload)
}

func (c *Client) ready() bool {
	return c.config.Enabled && c.connected.Load() && c.client != nil
}

func (c *Client) topic(name string) string {
	return fmt.Sprintf("%s/%s", c.config.TopicPrefix, name)
}

// publishJSON publishes JSON payload to MQTT topic
func (c *Client) publishJSON(topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	token := c.client.Publish(topic, byte(c.config.QoS), c.config.Retain, data)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}

	c.mu.Lock()
	c.lastPublish = time.Now()
	c.mu.Unlock()

	c.logger.Debug("MQTT message published",
		"topic", topic,
		"size", len(data),
	)
	return nil
}

// IsConnected returns whether the MQTT client is connected
func (c *Client) IsConnected() bool {
	return c.connected.Load() && c.client != nil && c.client.IsConnected()
}

// GetLastPublish returns the timestamp of the last publish
func (c *Client) GetLastPublish() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPublish
}
