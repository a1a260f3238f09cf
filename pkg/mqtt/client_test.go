package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/markus-lassfolk/netlocd/pkg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

type published struct {
	topic   string
	qos     byte
	retain  bool
	payload []byte
}

type fakePublisher struct {
	messages []published
	err      error
}

func (f *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) MQTT.Token {
	f.messages = append(f.messages, published{topic: topic, qos: qos, retain: retained, payload: payload.([]byte)})
	return &fakeToken{err: f.err}
}

func (f *fakePublisher) IsConnected() bool { return true }
func (f *fakePublisher) Disconnect(uint)   {}

func connectedClient(cfg *Config, pub publisher) *Client {
	c := NewClient(cfg, nil)
	c.client = pub
	c.connected.Store(true)
	return c
}

func testLocation() pkg.Location {
	return pkg.Location{
		ElapsedNanos:   5 * time.Second,
		WallClock:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Latitude:       59.3293,
		Longitude:      18.0686,
		AccuracyMeters: 23.6,
		Complete:       true,
		BSSID:          pkg.MustParseBSSID("aa:bb:cc:dd:ee:01"),
		SignalDBm:      -55,
	}
}

func TestReportLocation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.TopicPrefix = "router1/netloc"
	pub := &fakePublisher{}
	c := connectedClient(cfg, pub)

	require.NoError(t, c.ReportLocation(context.Background(), testLocation()))
	require.Len(t, pub.messages, 1)
	assert.Equal(t, "router1/netloc/location", pub.messages[0].topic)
	assert.Equal(t, byte(1), pub.messages[0].qos)

	var msg LocationMessage
	require.NoError(t, json.Unmarshal(pub.messages[0].payload, &msg))
	assert.Equal(t, 59.3293, msg.Latitude)
	assert.Equal(t, "aa:bb:cc:dd:ee:01", msg.BSSID)
	assert.Equal(t, int64(5*time.Second), msg.ElapsedNanos)
	assert.False(t, c.GetLastPublish().IsZero())
}

func TestReportLocations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	pub := &fakePublisher{}
	c := connectedClient(cfg, pub)

	require.NoError(t, c.ReportLocations(context.Background(), []pkg.Location{testLocation(), testLocation()}))
	require.Len(t, pub.messages, 1)
	assert.Equal(t, "netloc/locations", pub.messages[0].topic)

	var payload struct {
		Count     int               `json:"count"`
		Locations []LocationMessage `json:"locations"`
	}
	require.NoError(t, json.Unmarshal(pub.messages[0].payload, &payload))
	assert.Equal(t, 2, payload.Count)
	assert.Len(t, payload.Locations, 2)
}

func TestDisabledClientPublishesNothing(t *testing.T) {
	pub := &fakePublisher{}
	c := connectedClient(DefaultConfig(), pub)

	require.NoError(t, c.ReportLocation(context.Background(), testLocation()))
	require.NoError(t, c.PublishStatus(map[string]string{"state": "idle"}))
	assert.Empty(t, pub.messages)
	assert.NoError(t, NewClient(DefaultConfig(), nil).Connect())
}

func TestPublishError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	c := connectedClient(cfg, &fakePublisher{err: errors.New("broker gone")})

	err := c.PublishStatus(map[string]string{"state": "idle"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "netloc/status")
}

func TestDefaultClientID(t *testing.T) {
	c := NewClient(&Config{}, nil)
	assert.True(t, strings.HasPrefix(c.config.ClientID, "netlocd-"))
	assert.Len(t, c.config.ClientID, len("netlocd-")+8)

	c = NewClient(&Config{ClientID: "router-1"}, nil)
	assert.Equal(t, "router-1", c.config.ClientID)
}
