package store

import (
	"encoding/json"
	"time"
)

// EventStatus is the lifecycle of an inbound event:
// pending → processing → completed | failed.
type EventStatus string

const (
	EventPending    EventStatus = "pending"
	EventProcessing EventStatus = "processing"
	EventCompleted  EventStatus = "completed"
	EventFailed     EventStatus = "failed"
)

// InboundEvent is a received webhook. It is created at ingestion and then
// only mutated by the event processor.
type InboundEvent struct {
	EventID     string          `json:"eventId"`
	EventType   string          `json:"eventType"`
	Payload     json.RawMessage `json:"payload"`
	Status      EventStatus     `json:"status"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	ProcessedAt *time.Time      `json:"processedAt,omitempty"`
}
