package store

import (
	"encoding/json"
	"time"
)

// DeliveryStatus is the lifecycle of one outbound delivery row. A failed
// row loops back to pending while a retry is scheduled.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// OutboundDelivery records one event sent to one target. Retries mutate the
// row in place.
type OutboundDelivery struct {
	ID          string          `json:"id"`
	EventID     string          `json:"eventId"`
	EventType   string          `json:"eventType"`
	TargetURL   string          `json:"targetUrl"`
	Status      DeliveryStatus  `json:"status"`
	RetryCount  int             `json:"retryCount"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Details     json.RawMessage `json:"details,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	DeliveredAt *time.Time      `json:"deliveredAt,omitempty"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// DeliveryFilter narrows delivery history. Zero values mean "any".
type DeliveryFilter struct {
	Status  DeliveryStatus
	EventID string
	Limit   int
	Offset  int
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
