package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig configures the pager bridge connection.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	// TopicTemplate may contain {tenant} and {unit}.
	TopicTemplate string
	QoS           byte
}

// mqttPublisher is the subset of mqtt.Client used by MQTTSender.
type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTSender publishes alerts to the pager gateway over MQTT.
type MQTTSender struct {
	client        mqttPublisher
	disconnect    func()
	topicTemplate string
	qos           byte
}

const defaultPagerTopic = "hms/{tenant}/housekeeping/{unit}"

// NewMQTTSender connects to the broker and returns a sender.
func NewMQTTSender(cfg MQTTConfig) (*MQTTSender, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(10 * time.Second)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(15 * time.Second) {
		return nil, fmt.Errorf("connecting to MQTT broker %s: timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to MQTT broker %s: %w", cfg.Broker, err)
	}

	s := newMQTTSender(client, cfg.TopicTemplate, cfg.QoS)
	s.disconnect = func() { client.Disconnect(250) }
	return s, nil
}

func newMQTTSender(client mqttPublisher, topicTemplate string, qos byte) *MQTTSender {
	if topicTemplate == "" {
		topicTemplate = defaultPagerTopic
	}
	if qos > 2 {
		qos = 1
	}
	return &MQTTSender{client: client, topicTemplate: topicTemplate, qos: qos}
}

func (s *MQTTSender) Channel() Channel { return ChannelPager }

// Topic expands the topic template for an alert.
func (s *MQTTSender) Topic(a Alert) string {
	unit := a.UnitID
	if unit == "" {
		unit = "all"
	}
	return strings.NewReplacer("{tenant}", a.TenantID, "{unit}", unit).Replace(s.topicTemplate)
}

type pagePayload struct {
	AlertID   string    `json:"alert_id"`
	BedID     string    `json:"bed_id"`
	BedNumber string    `json:"bed_number"`
	UnitName  string    `json:"unit_name,omitempty"`
	Priority  string    `json:"priority"`
	Text      string    `json:"text"`
	SentAt    time.Time `json:"sent_at"`
}

func (s *MQTTSender) Send(ctx context.Context, msg *Message) error {
	a := msg.Alert
	payload, err := json.Marshal(pagePayload{
		AlertID:   a.ID,
		BedID:     a.BedID,
		BedNumber: a.BedNumber,
		UnitName:  a.UnitName,
		Priority:  a.Priority,
		Text:      msg.Subject,
		SentAt:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encoding page: %w", err)
	}

	topic := s.Topic(a)
	token := s.client.Publish(topic, s.qos, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("publishing to %s: %w", topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

// Close disconnects from the broker.
func (s *MQTTSender) Close() error {
	if s.disconnect == nil {
		return errors.New("mqtt sender not connected")
	}
	s.disconnect()
	return nil
}
