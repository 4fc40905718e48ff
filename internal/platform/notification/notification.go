// Package notification dispatches housekeeping alerts to the environmental
// services staff. An alert is rendered from a template and sent through every
// configured channel: the live bed board, an FCM push topic, an MQTT pager
// topic and the EVS webhook. Each channel reports its own outcome.
package notification

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Channel names a delivery channel.
type Channel string

const (
	ChannelBoard   Channel = "bed_board"
	ChannelPush    Channel = "push"
	ChannelPager   Channel = "pager"
	ChannelWebhook Channel = "webhook"
)

// Alert is a housekeeping request for one bed.
type Alert struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	BedID     string    `json:"bed_id"`
	BedNumber string    `json:"bed_number"`
	UnitID    string    `json:"unit_id,omitempty"`
	UnitName  string    `json:"unit_name,omitempty"`
	Priority  string    `json:"priority"`
	Reason    string    `json:"reason"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is an alert together with its rendered text.
type Message struct {
	Alert   Alert  `json:"alert"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Sender delivers a message through one channel.
type Sender interface {
	Channel() Channel
	Send(ctx context.Context, msg *Message) error
}

// ChannelResult is the outcome of one channel for one alert.
type ChannelResult struct {
	Channel   Channel `json:"channel"`
	Delivered bool    `json:"delivered"`
	Error     string  `json:"error,omitempty"`
}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

// Template IDs used by the dispatcher.
const (
	TemplateHousekeepingAlert = "housekeeping-alert"
	TemplateHousekeepingStat  = "housekeeping-stat"
)

// Template defines a reusable alert template.
type Template struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateEngine manages alert templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		templates: make(map[string]*Template),
	}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:      TemplateHousekeepingAlert,
			Name:    "Housekeeping Alert",
			Subject: "Clean bed {{bed_number}} ({{priority}})",
			Body:    "Bed {{bed_number}} in {{unit_name}} needs cleaning. Priority: {{priority}}. Reason: {{reason}}.",
		},
		{
			ID:      TemplateHousekeepingStat,
			Name:    "STAT Clean",
			Subject: "STAT clean: bed {{bed_number}}",
			Body:    "STAT clean requested for bed {{bed_number}} in {{unit_name}}: {{reason}}. Respond immediately.",
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render looks up a template by ID and performs {{key}} replacement using the
// supplied data map. Keys present in the template but absent from data are left
// as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

func templateFor(priority string) string {
	if priority == "stat" {
		return TemplateHousekeepingStat
	}
	return TemplateHousekeepingAlert
}

func templateData(a Alert) map[string]string {
	unit := a.UnitName
	if unit == "" {
		unit = "unassigned unit"
	}
	reason := a.Reason
	if reason == "" {
		reason = "no reason given"
	}
	return map[string]string{
		"bed_number": a.BedNumber,
		"unit_name":  unit,
		"priority":   strings.ToUpper(a.Priority),
		"reason":     reason,
	}
}

// ---------------------------------------------------------------------------
// Dispatcher
// ---------------------------------------------------------------------------

// Dispatcher fans an alert out to every configured sender.
type Dispatcher struct {
	senders        []Sender
	templates      *TemplateEngine
	logger         zerolog.Logger
	channelTimeout time.Duration

	mu    sync.Mutex
	stats map[Channel]*ChannelStats
}

// ChannelStats counts deliveries per channel since start-up.
type ChannelStats struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithChannelTimeout bounds each channel's send. Zero disables the bound.
func WithChannelTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.channelTimeout = t }
}

// WithTemplates replaces the built-in template engine.
func WithTemplates(t *TemplateEngine) DispatcherOption {
	return func(d *Dispatcher) { d.templates = t }
}

// NewDispatcher creates a Dispatcher. Nil senders are ignored so optional
// channels can be passed unconditionally.
func NewDispatcher(logger zerolog.Logger, senders []Sender, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		templates:      NewTemplateEngine(),
		logger:         logger.With().Str("component", "housekeeping_dispatch").Logger(),
		channelTimeout: 10 * time.Second,
		stats:          make(map[Channel]*ChannelStats),
	}
	for _, s := range senders {
		if s != nil {
			d.senders = append(d.senders, s)
		}
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Channels lists the configured channels in dispatch order.
func (d *Dispatcher) Channels() []Channel {
	out := make([]Channel, len(d.senders))
	for i, s := range d.senders {
		out[i] = s.Channel()
	}
	return out
}

// Dispatch renders the alert and sends it through every channel
// concurrently. Results come back in channel order; a failing channel never
// prevents delivery on the others.
func (d *Dispatcher) Dispatch(ctx context.Context, alert Alert) []ChannelResult {
	subject, body, err := d.templates.Render(templateFor(alert.Priority), templateData(alert))
	if err != nil {
		subject = "Housekeeping alert"
		body = alert.Reason
		d.logger.Warn().Err(err).Msg("falling back to plain alert text")
	}
	msg := &Message{Alert: alert, Subject: subject, Body: body}

	results := make([]ChannelResult, len(d.senders))
	var wg sync.WaitGroup
	for i, s := range d.senders {
		wg.Add(1)
		go func(i int, s Sender) {
			defer wg.Done()
			results[i] = d.send(ctx, s, msg)
		}(i, s)
	}
	wg.Wait()

	d.record(results)
	return results
}

func (d *Dispatcher) send(ctx context.Context, s Sender, msg *Message) (res ChannelResult) {
	res.Channel = s.Channel()
	defer func() {
		if r := recover(); r != nil {
			res.Delivered = false
			res.Error = fmt.Sprintf("panic: %v", r)
		}
	}()

	if d.channelTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.channelTimeout)
		defer cancel()
	}

	if err := s.Send(ctx, msg); err != nil {
		d.logger.Error().Err(err).
			Str("channel", string(res.Channel)).
			Str("tenant_id", msg.Alert.TenantID).
			Str("bed_id", msg.Alert.BedID).
			Str("alert_id", msg.Alert.ID).
			Msg("housekeeping alert delivery failed")
		res.Error = err.Error()
		return res
	}
	res.Delivered = true
	return res
}

func (d *Dispatcher) record(results []ChannelResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range results {
		st, ok := d.stats[r.Channel]
		if !ok {
			st = &ChannelStats{}
			d.stats[r.Channel] = st
		}
		if r.Delivered {
			st.Delivered++
		} else {
			st.Failed++
		}
	}
}

// Stats returns a snapshot of per-channel delivery counts.
func (d *Dispatcher) Stats() map[Channel]ChannelStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[Channel]ChannelStats, len(d.stats))
	for ch, st := range d.stats {
		out[ch] = *st
	}
	return out
}

// ---------------------------------------------------------------------------
// Mock Sender (test double)
// ---------------------------------------------------------------------------

// MockSender records messages and returns Err from every Send.
type MockSender struct {
	Name Channel
	Err  error

	mu    sync.Mutex
	calls []*Message
}

func (m *MockSender) Channel() Channel { return m.Name }

func (m *MockSender) Send(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, msg)
	return m.Err
}

// Calls returns a copy of the recorded messages.
func (m *MockSender) Calls() []*Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Message, len(m.calls))
	copy(out, m.calls)
	return out
}
