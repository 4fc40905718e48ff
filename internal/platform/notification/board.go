package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/medflow/hms/internal/platform/websocket"
)

// BoardSender shows alerts on the live bed board.
type BoardSender struct {
	publisher websocket.EventPublisher
}

// NewBoardSender creates a BoardSender publishing through p.
func NewBoardSender(p websocket.EventPublisher) *BoardSender {
	return &BoardSender{publisher: p}
}

func (s *BoardSender) Channel() Channel { return ChannelBoard }

func (s *BoardSender) Send(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding board alert: %w", err)
	}
	return s.publisher.Publish(ctx, websocket.Event{
		Type:      websocket.EventHousekeepingAlert,
		TenantID:  msg.Alert.TenantID,
		BedID:     msg.Alert.BedID,
		UnitID:    msg.Alert.UnitID,
		Timestamp: msg.Alert.CreatedAt,
		Data:      data,
	})
}
