package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType представляет тип события
type EventType string

const (
	EventTypeRedemptionCommitted EventType = "redemption.committed"
)

// Event: конверт события в Kafka
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEvent сериализует данные события в конверт
func NewEvent(eventType EventType, data interface{}) (*Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event data: %w", eventType, err)
	}
	return &Event{
		ID:        uuid.New(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      raw,
	}, nil
}

// Decode разбирает данные события в dest
func (e *Event) Decode(dest interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("event %s has no data", e.ID)
	}
	if err := json.Unmarshal(e.Data, dest); err != nil {
		return fmt.Errorf("failed to decode %s event data: %w", e.Type, err)
	}
	return nil
}

// RedemptionCommittedData: данные события успешного погашения
type RedemptionCommittedData struct {
	RedemptionID uuid.UUID  `json:"redemption_id"`
	CouponID     uuid.UUID  `json:"coupon_id"`
	BusinessID   uuid.UUID  `json:"business_id"`
	RedeemerID   uuid.UUID  `json:"redeemer_id"`
	ShareLinkID  *uuid.UUID `json:"share_link_id,omitempty"`
	ShareAgentID *uuid.UUID `json:"share_agent_id,omitempty"`
	CommittedAt  time.Time  `json:"committed_at"`
}

// DeadLetter: событие, которое не удалось обработать после всех повторов
type DeadLetter struct {
	Event    Event     `json:"event"`
	Topic    string    `json:"topic"`
	Error    string    `json:"error"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failed_at"`
}
