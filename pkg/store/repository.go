package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/zoff-tech/go-contactsync/pkg/contact"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicate is returned when (source, source_id) already exists.
	ErrDuplicate = errors.New("store: duplicate contact")
)

// ExternalRecord is the raw source-system payload kept next to a contact.
type ExternalRecord struct {
	Source        string          `json:"source"`
	SourceID      string          `json:"sourceId"`
	SchemaVersion int             `json:"schemaVersion"`
	Payload       json.RawMessage `json:"payload"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// ContactFilter narrows contact listings. An empty Status lists every
// status, including deleted.
type ContactFilter struct {
	Status contact.Status
	Source string
	Limit  int
	Offset int
}

// ContactReader serves read-only contact queries.
type ContactReader interface {
	GetContact(ctx context.Context, id string) (*contact.Contact, error)
	FindContactBySource(ctx context.Context, source, sourceID string) (*contact.Contact, error)
	ListContacts(ctx context.Context, filter ContactFilter) ([]contact.Contact, error)
}

// ContactStore adds writes. UpdateContact is the optimistic path for
// synchronous callers; the pipeline writes through WithTx.
type ContactStore interface {
	ContactReader
	// UpdateContact persists c when the stored version equals
	// expectedVersion and sets c.Version to expectedVersion+1. A mismatch
	// is a conflict error.
	UpdateContact(ctx context.Context, c *contact.Contact, expectedVersion int64) error
	// WithTx runs fn in one transaction: commit when fn returns nil,
	// rollback otherwise.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the set of writes the event processor performs atomically.
type Tx interface {
	// FindContactForUpdate locks and returns the contact or ErrNotFound.
	FindContactForUpdate(ctx context.Context, source, sourceID string) (*contact.Contact, error)
	// InsertContact stores c with version 1 or returns ErrDuplicate.
	InsertContact(ctx context.Context, c *contact.Contact) error
	UpdateContact(ctx context.Context, c *contact.Contact, expectedVersion int64) error
	GetExternalRecord(ctx context.Context, source, sourceID string) (*ExternalRecord, error)
	UpsertExternalRecord(ctx context.Context, rec ExternalRecord) error
	CompleteInboundEvent(ctx context.Context, eventID string, at time.Time) error
}

// InboundEventStore persists received webhooks.
type InboundEventStore interface {
	// CreateInboundEvent inserts ev as pending; it reports false when the
	// event id was already recorded.
	CreateInboundEvent(ctx context.Context, ev *InboundEvent) (bool, error)
	// MarkInboundProcessing merges ev into the table as processing and
	// returns the status it had before. Completed events are left as is.
	MarkInboundProcessing(ctx context.Context, ev *InboundEvent) (EventStatus, error)
	FailInboundEvent(ctx context.Context, eventID, message string, at time.Time) error
	GetInboundEvent(ctx context.Context, eventID string) (*InboundEvent, error)
}

// DeliveryStore persists outbound delivery rows.
type DeliveryStore interface {
	CreateDelivery(ctx context.Context, d *OutboundDelivery) error
	MarkDeliveryPending(ctx context.Context, id string) error
	MarkDelivered(ctx context.Context, id string, details []byte, at time.Time) error
	MarkDeliveryFailed(ctx context.Context, id string, details []byte) error
	// IncrementDeliveryRetry atomically bumps retry_count while it is below
	// max and returns the new value. ok is false once the budget is spent.
	IncrementDeliveryRetry(ctx context.Context, id string, max int) (count int, ok bool, err error)
	GetDelivery(ctx context.Context, id string) (*OutboundDelivery, error)
	// ListDeliveries returns rows newest first.
	ListDeliveries(ctx context.Context, filter DeliveryFilter) ([]OutboundDelivery, error)
}

// Repository owns every persisted table of the pipeline.
type Repository interface {
	ContactStore
	InboundEventStore
	DeliveryStore
	Close() error
}
