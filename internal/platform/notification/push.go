package notification

import (
	"context"
	"fmt"
	"strings"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// messagingClient is the subset of *messaging.Client used by FCMSender.
type messagingClient interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMSender pushes alerts to the housekeeping devices subscribed to a
// per-tenant FCM topic.
type FCMSender struct {
	client      messagingClient
	topicPrefix string
}

// NewFCMSender initialises a Firebase app from a service-account file.
func NewFCMSender(ctx context.Context, credentialsFile, topicPrefix string) (*FCMSender, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("initializing firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting firebase messaging client: %w", err)
	}
	return newFCMSender(client, topicPrefix), nil
}

func newFCMSender(client messagingClient, topicPrefix string) *FCMSender {
	if topicPrefix == "" {
		topicPrefix = "housekeeping"
	}
	return &FCMSender{client: client, topicPrefix: topicPrefix}
}

func (s *FCMSender) Channel() Channel { return ChannelPush }

// Topic returns the FCM topic for a tenant. FCM topic names only allow
// [a-zA-Z0-9-_.~%].
func (s *FCMSender) Topic(tenantID string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.', r == '~':
			return r
		}
		return '_'
	}, tenantID)
	return s.topicPrefix + "-" + clean
}

func (s *FCMSender) Send(ctx context.Context, msg *Message) error {
	a := msg.Alert
	androidPriority := "normal"
	notifPriority := messaging.PriorityDefault
	if a.Priority == "stat" || a.Priority == "urgent" {
		androidPriority = "high"
		notifPriority = messaging.PriorityHigh
	}
	ttl := 30 * time.Minute

	message := &messaging.Message{
		Topic: s.Topic(a.TenantID),
		Notification: &messaging.Notification{
			Title: msg.Subject,
			Body:  msg.Body,
		},
		Data: map[string]string{
			"type":       "housekeeping_alert",
			"alert_id":   a.ID,
			"bed_id":     a.BedID,
			"bed_number": a.BedNumber,
			"unit_id":    a.UnitID,
			"priority":   a.Priority,
		},
		Android: &messaging.AndroidConfig{
			Priority: androidPriority,
			TTL:      &ttl,
			Notification: &messaging.AndroidNotification{
				ChannelID:    "housekeeping_alerts",
				Priority:     notifPriority,
				DefaultSound: true,
			},
		},
	}

	if _, err := s.client.Send(ctx, message); err != nil {
		return fmt.Errorf("sending fcm push: %w", err)
	}
	return nil
}
