package notification

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// WebhookConfig configures delivery to the EVS work-order system.
type WebhookConfig struct {
	BaseURL string
	Path    string
	Secret  string
	Timeout time.Duration
	Retries int
}

// WebhookSender posts signed alert payloads to the EVS system.
type WebhookSender struct {
	client *resty.Client
	path   string
	secret string
}

// NewWebhookSender builds a resty client that retries on transport errors and
// 5xx responses.
func NewWebhookSender(cfg WebhookConfig) *WebhookSender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(3 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || (r != nil && r.StatusCode() >= 500)
		}).
		SetHeader("Content-Type", "application/json")

	path := cfg.Path
	if path == "" {
		path = "/housekeeping/alerts"
	}
	return &WebhookSender{client: client, path: path, secret: cfg.Secret}
}

func (s *WebhookSender) Channel() Channel { return ChannelWebhook }

// SignPayload returns the hex-encoded HMAC-SHA256 of payload.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches the HMAC-SHA256 of payload.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

type webhookEvent struct {
	Type    string `json:"type"`
	Alert   Alert  `json:"alert"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func (s *WebhookSender) Send(ctx context.Context, msg *Message) error {
	payload, err := json.Marshal(webhookEvent{
		Type:    "housekeeping.alert",
		Alert:   msg.Alert,
		Subject: msg.Subject,
		Body:    msg.Body,
	})
	if err != nil {
		return fmt.Errorf("encoding webhook payload: %w", err)
	}

	req := s.client.R().
		SetContext(ctx).
		SetHeader("X-Webhook-ID", msg.Alert.ID).
		SetHeader("X-Webhook-Timestamp", time.Now().UTC().Format(time.RFC3339)).
		SetBody(payload)
	if s.secret != "" {
		req.SetHeader("X-Webhook-Signature", "sha256="+SignPayload(payload, s.secret))
	}

	resp, err := req.Post(s.path)
	if err != nil {
		return fmt.Errorf("posting EVS webhook: %w", err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("EVS webhook returned status %d", resp.StatusCode())
	}
	return nil
}
