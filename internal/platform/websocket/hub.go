// Package websocket serves the live bed board. Clients connect per tenant and
// subscribe to unit topics; bed state changes and housekeeping alerts are
// broadcast to the subscribers of the affected unit and to the tenant-wide
// board topic.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medflow/hms/internal/platform/db"
)

// Event types published on the bed board.
const (
	EventBedStatusChanged  = "bed.status_changed"
	EventBedAssigned       = "bed.assigned"
	EventBedReleased       = "bed.released"
	EventHousekeepingAlert = "housekeeping.alert"
	EventIsolationCleared  = "patient.isolation_cleared"
	BoardTopic             = "board"
	unitTopicPrefix        = "unit/"
	defaultSendBuffer      = 256
	writeWait              = 10 * time.Second
	pongWait               = 60 * time.Second
	pingPeriod             = (pongWait * 9) / 10
	maxInboundMessageBytes = 4096
)

// UnitTopic returns the topic name for a unit's bed board.
func UnitTopic(unitID string) string {
	return unitTopicPrefix + unitID
}

// Event is a bed-board notification sent to websocket clients.
type Event struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	TenantID  string          `json:"tenant_id"`
	BedID     string          `json:"bed_id,omitempty"`
	UnitID    string          `json:"unit_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ClientMessage is an inbound subscribe/unsubscribe request.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// EventPublisher publishes bed-board events.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// Conn abstracts a websocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client is a single websocket connection bound to one tenant.
type Client struct {
	ID       string
	TenantID string
	Topics   []string
	Send     chan []byte
	hub      *Hub
	conn     Conn
}

// Hub tracks clients and their subscriptions. Subscriptions are keyed by
// tenant so a client never receives another tenant's events.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // tenant|topic -> clients
	all     map[*Client]struct{}
	logger  zerolog.Logger
	dropped uint64
}

// NewHub creates an empty Hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger.With().Str("component", "bed_board").Logger(),
	}
}

func topicKey(tenantID, topic string) string {
	return tenantID + "|" + topic
}

// Register adds a client and subscribes it to its initial topics.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for _, topic := range client.Topics {
		h.addLocked(client, topic)
	}
}

// Unregister removes a client from every subscription and closes its Send
// channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.Topics {
		h.removeLocked(client, topic)
	}
	delete(h.all, client)
	close(client.Send)
}

// Subscribe adds topics to a registered client.
func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range topics {
		if topic == "" || containsTopic(client.Topics, topic) {
			continue
		}
		h.addLocked(client, topic)
		client.Topics = append(client.Topics, topic)
	}
}

// Unsubscribe removes topics from a registered client.
func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	removeSet := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		removeSet[t] = struct{}{}
		h.removeLocked(client, t)
	}

	remaining := make([]string, 0, len(client.Topics))
	for _, t := range client.Topics {
		if _, rm := removeSet[t]; !rm {
			remaining = append(remaining, t)
		}
	}
	client.Topics = remaining
}

func (h *Hub) addLocked(client *Client, topic string) {
	key := topicKey(client.TenantID, topic)
	if h.clients[key] == nil {
		h.clients[key] = make(map[*Client]struct{})
	}
	h.clients[key][client] = struct{}{}
}

func (h *Hub) removeLocked(client *Client, topic string) {
	key := topicKey(client.TenantID, topic)
	if subscribers, ok := h.clients[key]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.clients, key)
		}
	}
}

// ProcessMessage dispatches an inbound ClientMessage.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	}
}

// Broadcast sends an event to the tenant's subscribers of topic. Slow clients
// whose buffer is full miss the event.
func (h *Hub) Broadcast(tenantID, topic string, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("event_type", event.Type).Msg("failed to marshal bed board event")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients[topicKey(tenantID, topic)] {
		select {
		case client.Send <- data:
		default:
			h.dropped++
		}
	}
}

// Publish broadcasts the event to its unit topic and to the tenant board.
// A client subscribed to both receives it once.
func (h *Hub) Publish(_ context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	targets := []string{BoardTopic}
	if event.UnitID != "" {
		targets = []string{UnitTopic(event.UnitID), BoardTopic}
	}

	seen := make(map[*Client]struct{})
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range targets {
		ev := event
		ev.Topic = topic
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		for client := range h.clients[topicKey(event.TenantID, topic)] {
			if _, dup := seen[client]; dup {
				continue
			}
			seen[client] = struct{}{}
			select {
			case client.Send <- data:
			default:
				h.dropped++
			}
		}
	}
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of a tenant's clients subscribed to topic.
func (h *Hub) TopicCount(tenantID, topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topicKey(tenantID, topic)])
}

// Dropped returns how many events were discarded for full client buffers.
func (h *Hub) Dropped() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

func containsTopic(topics []string, topic string) bool {
	for _, t := range topics {
		if t == topic {
			return true
		}
	}
	return false
}

// Handler upgrades HTTP requests to bed-board websocket connections.
type Handler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
}

// NewHandler creates a Handler. An empty allowedOrigins list accepts any
// origin.
func NewHandler(hub *Hub, allowedOrigins []string) *Handler {
	return &Handler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(o, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.TrimRight(origin, "/")]
		return ok
	}
}

// RegisterRoutes registers GET /ws on the group.
func (wsh *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", wsh.HandleConnect)
}

// HandleConnect upgrades the connection and subscribes the client to the
// units listed in the comma-separated units query parameter, or to the whole
// tenant board when none are listed.
func (wsh *Handler) HandleConnect(c echo.Context) error {
	tenantID := db.TenantFromContext(c.Request().Context())
	if tenantID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant is required")
	}

	topics := []string{}
	for _, unit := range strings.Split(c.QueryParam("units"), ",") {
		if unit = strings.TrimSpace(unit); unit != "" {
			topics = append(topics, UnitTopic(unit))
		}
	}
	if len(topics) == 0 {
		topics = append(topics, BoardTopic)
	}

	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	ws.SetReadLimit(maxInboundMessageBytes)

	client := &Client{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		Topics:   topics,
		Send:     make(chan []byte, defaultSendBuffer),
		hub:      wsh.hub,
		conn:     &gorillaConnAdapter{ws},
	}
	wsh.hub.Register(client)
	wsh.hub.logger.Debug().Str("client_id", client.ID).Str("tenant_id", tenantID).Strs("topics", client.Topics).Msg("bed board client connected")

	go wsh.writePump(client, ws)
	go wsh.readPump(client, ws)

	return nil
}

func (wsh *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wsh.hub.Unregister(client)
		ws.Close()
	}()

	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		wsh.hub.ProcessMessage(client, msg)
	}
}

func (wsh *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type gorillaConnAdapter struct {
	conn *gorillawebsocket.Conn
}

func (a *gorillaConnAdapter) ReadMessage() (int, []byte, error) {
	return a.conn.ReadMessage()
}

func (a *gorillaConnAdapter) WriteMessage(messageType int, data []byte) error {
	return a.conn.WriteMessage(messageType, data)
}

func (a *gorillaConnAdapter) Close() error {
	return a.conn.Close()
}
