package notification

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"firebase.google.com/go/v4/messaging"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/medflow/hms/internal/platform/websocket"
)

func testAlert() Alert {
	return Alert{
		ID:        "alert-1",
		TenantID:  "st_marys",
		BedID:     "bed-1",
		BedNumber: "4B-12",
		UnitID:    "unit-4b",
		UnitName:  "4B Medical",
		Priority:  "urgent",
		Reason:    "incoming admission from ED",
		CreatedBy: "bm-1",
		CreatedAt: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC),
	}
}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

func TestTemplateEngine_RenderBuiltIn(t *testing.T) {
	e := NewTemplateEngine()
	subject, body, err := e.Render(TemplateHousekeepingAlert, templateData(testAlert()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if subject != "Clean bed 4B-12 (URGENT)" {
		t.Errorf("unexpected subject %q", subject)
	}
	if !strings.Contains(body, "4B Medical") || !strings.Contains(body, "incoming admission from ED") {
		t.Errorf("unexpected body %q", body)
	}
}

func TestTemplateEngine_MissingKeysLeftAsIs(t *testing.T) {
	e := NewTemplateEngine()
	subject, _, err := e.Render(TemplateHousekeepingStat, map[string]string{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if subject != "STAT clean: bed {{bed_number}}" {
		t.Errorf("expected placeholder to remain, got %q", subject)
	}
}

func TestTemplateEngine_NotFound(t *testing.T) {
	if _, _, err := NewTemplateEngine().Render("nope", nil); err == nil {
		t.Fatal("expected error for unknown template")
	}
}

func TestTemplateEngine_RegisterOverride(t *testing.T) {
	e := NewTemplateEngine()
	e.RegisterTemplate(Template{ID: TemplateHousekeepingAlert, Subject: "Bed {{bed_number}}", Body: "x"})
	subject, _, _ := e.Render(TemplateHousekeepingAlert, map[string]string{"bed_number": "7"})
	if subject != "Bed 7" {
		t.Errorf("expected override, got %q", subject)
	}
}

func TestTemplateData_Defaults(t *testing.T) {
	d := templateData(Alert{BedNumber: "1", Priority: "routine"})
	if d["unit_name"] != "unassigned unit" || d["reason"] != "no reason given" || d["priority"] != "ROUTINE" {
		t.Errorf("unexpected defaults %v", d)
	}
}

// ---------------------------------------------------------------------------
// Dispatcher
// ---------------------------------------------------------------------------

func TestDispatcher_AllChannelsDelivered(t *testing.T) {
	board := &MockSender{Name: ChannelBoard}
	push := &MockSender{Name: ChannelPush}
	d := NewDispatcher(zerolog.Nop(), []Sender{board, nil, push})

	results := d.Dispatch(context.Background(), testAlert())

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Channel != ChannelBoard || results[1].Channel != ChannelPush {
		t.Errorf("results not in channel order: %+v", results)
	}
	for _, r := range results {
		if !r.Delivered || r.Error != "" {
			t.Errorf("expected delivery on %s, got %+v", r.Channel, r)
		}
	}
	calls := board.Calls()
	if len(calls) != 1 || calls[0].Subject != "Clean bed 4B-12 (URGENT)" {
		t.Errorf("unexpected board calls %+v", calls)
	}
}

func TestDispatcher_StatUsesStatTemplate(t *testing.T) {
	s := &MockSender{Name: ChannelPager}
	d := NewDispatcher(zerolog.Nop(), []Sender{s})

	a := testAlert()
	a.Priority = "stat"
	d.Dispatch(context.Background(), a)

	if got := s.Calls()[0].Subject; got != "STAT clean: bed 4B-12" {
		t.Errorf("expected stat subject, got %q", got)
	}
}

func TestDispatcher_FailureIsolatedPerChannel(t *testing.T) {
	ok := &MockSender{Name: ChannelBoard}
	bad := &MockSender{Name: ChannelWebhook, Err: errors.New("connection refused")}
	d := NewDispatcher(zerolog.Nop(), []Sender{ok, bad})

	results := d.Dispatch(context.Background(), testAlert())

	if !results[0].Delivered {
		t.Error("board should be delivered despite webhook failure")
	}
	if results[1].Delivered || results[1].Error != "connection refused" {
		t.Errorf("unexpected webhook result %+v", results[1])
	}

	stats := d.Stats()
	if stats[ChannelBoard].Delivered != 1 || stats[ChannelWebhook].Failed != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

type panicSender struct{}

func (panicSender) Channel() Channel                     { return ChannelPush }
func (panicSender) Send(context.Context, *Message) error { panic("boom") }

func TestDispatcher_RecoversSenderPanic(t *testing.T) {
	d := NewDispatcher(zerolog.Nop(), []Sender{panicSender{}})
	results := d.Dispatch(context.Background(), testAlert())
	if results[0].Delivered || !strings.Contains(results[0].Error, "boom") {
		t.Errorf("expected panic to be reported as failure, got %+v", results[0])
	}
}

type blockingSender struct{}

func (blockingSender) Channel() Channel { return ChannelPager }
func (blockingSender) Send(ctx context.Context, _ *Message) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestDispatcher_ChannelTimeout(t *testing.T) {
	d := NewDispatcher(zerolog.Nop(), []Sender{blockingSender{}}, WithChannelTimeout(20*time.Millisecond))

	start := time.Now()
	results := d.Dispatch(context.Background(), testAlert())
	if time.Since(start) > time.Second {
		t.Fatal("dispatch should be bounded by the channel timeout")
	}
	if results[0].Delivered {
		t.Error("expected timed-out channel to fail")
	}
}

func TestDispatcher_NoChannels(t *testing.T) {
	d := NewDispatcher(zerolog.Nop(), nil)
	if results := d.Dispatch(context.Background(), testAlert()); len(results) != 0 {
		t.Errorf("expected no results, got %+v", results)
	}
	if len(d.Channels()) != 0 {
		t.Error("expected no channels")
	}
}

// ---------------------------------------------------------------------------
// Board
// ---------------------------------------------------------------------------

type capturePublisher struct {
	mu     sync.Mutex
	events []websocket.Event
}

func (p *capturePublisher) Publish(_ context.Context, ev websocket.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func TestBoardSender(t *testing.T) {
	pub := &capturePublisher{}
	s := NewBoardSender(pub)

	if err := s.Send(context.Background(), &Message{Alert: testAlert(), Subject: "s"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pub.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(pub.events))
	}
	ev := pub.events[0]
	if ev.Type != websocket.EventHousekeepingAlert || ev.TenantID != "st_marys" || ev.UnitID != "unit-4b" {
		t.Errorf("unexpected event %+v", ev)
	}
	var decoded Message
	if err := json.Unmarshal(ev.Data, &decoded); err != nil || decoded.Alert.BedNumber != "4B-12" {
		t.Errorf("unexpected event data %s (%v)", ev.Data, err)
	}
}

// ---------------------------------------------------------------------------
// FCM
// ---------------------------------------------------------------------------

type fakeMessaging struct {
	sent []*messaging.Message
	err  error
}

func (f *fakeMessaging) Send(_ context.Context, m *messaging.Message) (string, error) {
	f.sent = append(f.sent, m)
	return "projects/p/messages/1", f.err
}

func TestFCMSender_Send(t *testing.T) {
	fake := &fakeMessaging{}
	s := newFCMSender(fake, "")

	a := testAlert()
	a.Priority = "stat"
	if err := s.Send(context.Background(), &Message{Alert: a, Subject: "STAT", Body: "now"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m := fake.sent[0]
	if m.Topic != "housekeeping-st_marys" {
		t.Errorf("unexpected topic %q", m.Topic)
	}
	if m.Notification.Title != "STAT" || m.Data["bed_id"] != "bed-1" {
		t.Errorf("unexpected message %+v", m)
	}
	if m.Android.Priority != "high" {
		t.Errorf("expected high android priority for stat, got %q", m.Android.Priority)
	}
}

func TestFCMSender_TopicSanitized(t *testing.T) {
	s := newFCMSender(&fakeMessaging{}, "hk")
	if got := s.Topic("st marys/1"); got != "hk-st_marys_1" {
		t.Errorf("unexpected topic %q", got)
	}
}

func TestFCMSender_Error(t *testing.T) {
	s := newFCMSender(&fakeMessaging{err: errors.New("quota exceeded")}, "")
	err := s.Send(context.Background(), &Message{Alert: testAlert()})
	if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Errorf("expected wrapped error, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// MQTT
// ---------------------------------------------------------------------------

type fakeToken struct {
	done chan struct{}
	err  error
}

func newFakeToken(err error, complete bool) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	if complete {
		close(t.done)
	}
	return t
}

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error         { return t.err }

type fakePublisher struct {
	topic   string
	qos     byte
	payload []byte
	token   *fakeToken
}

func (p *fakePublisher) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	p.topic = topic
	p.qos = qos
	p.payload, _ = payload.([]byte)
	return p.token
}

func TestMQTTSender_Send(t *testing.T) {
	pub := &fakePublisher{token: newFakeToken(nil, true)}
	s := newMQTTSender(pub, "", 1)

	if err := s.Send(context.Background(), &Message{Alert: testAlert(), Subject: "Clean bed 4B-12"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pub.topic != "hms/st_marys/housekeeping/unit-4b" || pub.qos != 1 {
		t.Errorf("unexpected publish %s qos=%d", pub.topic, pub.qos)
	}
	var page pagePayload
	if err := json.Unmarshal(pub.payload, &page); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if page.BedNumber != "4B-12" || page.Text != "Clean bed 4B-12" {
		t.Errorf("unexpected page %+v", page)
	}
}

func TestMQTTSender_TopicWithoutUnit(t *testing.T) {
	s := newMQTTSender(&fakePublisher{}, "pager/{tenant}/{unit}", 5)
	if got := s.Topic(Alert{TenantID: "t1"}); got != "pager/t1/all" {
		t.Errorf("unexpected topic %q", got)
	}
	if s.qos != 1 {
		t.Errorf("expected invalid qos to fall back to 1, got %d", s.qos)
	}
}

func TestMQTTSender_PublishError(t *testing.T) {
	pub := &fakePublisher{token: newFakeToken(errors.New("not connected"), true)}
	err := newMQTTSender(pub, "", 0).Send(context.Background(), &Message{Alert: testAlert()})
	if err == nil || !strings.Contains(err.Error(), "not connected") {
		t.Errorf("expected publish error, got %v", err)
	}
}

func TestMQTTSender_ContextCancelled(t *testing.T) {
	pub := &fakePublisher{token: newFakeToken(nil, false)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := newMQTTSender(pub, "", 0).Send(ctx, &Message{Alert: testAlert()}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestMQTTSender_CloseWithoutConnection(t *testing.T) {
	if err := newMQTTSender(&fakePublisher{}, "", 0).Close(); err == nil {
		t.Error("expected error closing an unconnected sender")
	}
}

// ---------------------------------------------------------------------------
// Webhook
// ---------------------------------------------------------------------------

func TestSignPayload(t *testing.T) {
	sig := SignPayload([]byte(`{"a":1}`), "secret")
	if len(sig) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(sig))
	}
	if !VerifySignature([]byte(`{"a":1}`), "secret", sig) {
		t.Error("expected signature to verify")
	}
	if VerifySignature([]byte(`{"a":2}`), "secret", sig) {
		t.Error("tampered payload must not verify")
	}
}

func TestWebhookSender_SignedPost(t *testing.T) {
	var gotSig, gotPath string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotSig = r.Header.Get("X-Webhook-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewWebhookSender(WebhookConfig{BaseURL: srv.URL, Secret: "evs-secret"})
	if err := s.Send(context.Background(), &Message{Alert: testAlert(), Subject: "s", Body: "b"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotPath != "/housekeeping/alerts" {
		t.Errorf("unexpected path %q", gotPath)
	}
	if !strings.HasPrefix(gotSig, "sha256=") || !VerifySignature(gotBody, "evs-secret", strings.TrimPrefix(gotSig, "sha256=")) {
		t.Errorf("signature %q does not match body", gotSig)
	}
	var ev webhookEvent
	if err := json.Unmarshal(gotBody, &ev); err != nil || ev.Alert.BedID != "bed-1" || ev.Type != "housekeeping.alert" {
		t.Errorf("unexpected body %s (%v)", gotBody, err)
	}
}

func TestWebhookSender_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewWebhookSender(WebhookConfig{BaseURL: srv.URL, Retries: 3})
	if err := s.Send(context.Background(), &Message{Alert: testAlert()}); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestWebhookSender_ClientErrorNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	s := NewWebhookSender(WebhookConfig{BaseURL: srv.URL, Retries: 3})
	err := s.Send(context.Background(), &Message{Alert: testAlert()})
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Errorf("expected status error, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected a single attempt, got %d", calls)
	}
}
