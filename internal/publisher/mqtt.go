package publisher

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/erikjber/opengammatool/internal/gammascout"
	"github.com/rs/zerolog/log"
)

const (
	DefaultServer   = "tcp://localhost:1883"
	DefaultClientID = "gammatool"
	DefaultTopic    = "gammascout"

	publishTimeout = 5 * time.Second

	keyName              = "name"
	keyStateTopic        = "state_topic"
	keyUnitOfMeasurement = "unit_of_measurement"
	keyStateClass        = "state_class"
	keyValueTemplate     = "value_template"
	keyUniqueID          = "unique_id"
	keyIcon              = "icon"
)

// Config holds broker settings.
type Config struct {
	Enabled        bool   `yaml:"enabled" json:"enabled"`
	Server         string `yaml:"server" json:"server"`
	ClientID       string `yaml:"client_id" json:"clientId"`
	Topic          string `yaml:"topic" json:"topic"`
	Username       string `yaml:"username" json:"username"`
	Password       string `yaml:"password" json:"-"`
	DiscoveryTopic string `yaml:"discovery_topic" json:"discoveryTopic"`
}

// client is the part of mqtt.Client the publisher uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTT publishes decoded readings and device info to a broker. It is a
// gammascout.Listener.
type MQTT struct {
	client         client
	topic          string
	discoveryTopic string
}

// NewMQTT connects to the broker and, if a discovery topic is set,
// announces a radiation sensor for Home Assistant.
func NewMQTT(cfg Config) (*MQTT, error) {
	if cfg.Server == "" {
		cfg.Server = DefaultServer
	}
	if cfg.ClientID == "" {
		cfg.ClientID = DefaultClientID
	}
	opts := mqtt.NewClientOptions().AddBroker(cfg.Server).SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	c := mqtt.NewClient(opts)
	token := c.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}
	log.Info().Str("component", "mqtt").Str("server", cfg.Server).Msg("connected")

	m := newMQTT(c, cfg)
	if err := m.announce(cfg.ClientID); err != nil {
		log.Warn().Str("component", "mqtt").Err(err).Msg("discovery publish failed")
	}
	return m, nil
}

func newMQTT(c client, cfg Config) *MQTT {
	topic := strings.TrimSuffix(cfg.Topic, "/")
	if topic == "" {
		topic = DefaultTopic
	}
	return &MQTT{client: c, topic: topic, discoveryTopic: cfg.DiscoveryTopic}
}

func (m *MQTT) ReadingTopic() string { return m.topic + "/reading" }
func (m *MQTT) InfoTopic() string    { return m.topic + "/info" }

// ReceiveReading publishes one reading. Errors are logged so a broker
// outage does not abort a log download.
func (m *MQTT) ReceiveReading(r gammascout.Reading) {
	if err := m.publishJSON(m.ReadingTopic(), false, readingPayload(r)); err != nil {
		log.Warn().Str("component", "mqtt").Err(err).Time("end", r.End).Msg("publish failed")
	}
}

// PublishInfo publishes the device info as a retained message.
func (m *MQTT) PublishInfo(info gammascout.Info) error {
	payload := map[string]interface{}{
		"protocol":   info.Protocol.String(),
		"firmware":   info.Firmware,
		"serial":     info.Serial,
		"bytesUsed":  info.BytesUsed,
		"memoryUsed": info.MemoryUsed(),
	}
	if t, ok := info.DeviceTime(time.Now()); ok {
		payload["deviceTime"] = t.UTC().Format(time.RFC3339)
	}
	return m.publishJSON(m.InfoTopic(), true, payload)
}

func (m *MQTT) Close() error {
	if m.client != nil {
		m.client.Disconnect(250)
	}
	return nil
}

func (m *MQTT) announce(id string) error {
	if m.discoveryTopic == "" {
		return nil
	}
	payload := map[string]interface{}{
		keyName:              "Gamma-Scout dose rate",
		keyStateTopic:        m.ReadingTopic(),
		keyUnitOfMeasurement: "µSv/h",
		keyStateClass:        "measurement",
		keyValueTemplate:     "{{ value_json.microSievertsPerHour }}",
		keyUniqueID:          id + "_dose_rate",
		keyIcon:              "mdi:radioactive",
	}
	return m.publishJSON(m.discoveryTopic, true, payload)
}

func readingPayload(r gammascout.Reading) map[string]interface{} {
	return map[string]interface{}{
		"from":                 r.Start().UTC().Format(time.RFC3339),
		"to":                   r.End.UTC().Format(time.RFC3339),
		"counts":               r.Count,
		"seconds":              r.Interval,
		"cpm":                  r.CountsPerMinute(),
		"microSievertsPerHour": r.MicroSievertsPerHour(),
		"saturated":            r.Saturated,
	}
}

func (m *MQTT) publishJSON(topic string, retained bool, payload map[string]interface{}) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	token := m.client.Publish(topic, 0, retained, b)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt publish to %s: timed out", topic)
	}
	return token.Error()
}
