// Package processor consumes contact events from the bus and applies them
// to the canonical store, one transaction per event.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-contactsync/pkg/broker"
	"github.com/zoff-tech/go-contactsync/pkg/config"
	"github.com/zoff-tech/go-contactsync/pkg/contact"
	"github.com/zoff-tech/go-contactsync/pkg/events"
	"github.com/zoff-tech/go-contactsync/pkg/failures"
	"github.com/zoff-tech/go-contactsync/pkg/mapper"
	"github.com/zoff-tech/go-contactsync/pkg/store"
)

// Repository is the part of the store the processor writes to.
type Repository interface {
	store.ContactStore
	store.InboundEventStore
}

// EventProcessor drives InboundEvent rows from processing to completed or
// failed. It is safe to replay any message.
type EventProcessor struct {
	repo            Repository
	broker          broker.MessageBroker
	mapper          *mapper.Mapper
	logger          *slog.Logger
	tracer          trace.Tracer
	group           string
	topics          []string
	redeliverFailed bool
	now             func() time.Time
	newID           func() string
}

// NewEventProcessor creates a processor consuming every contact topic under
// topicPrefix.
func NewEventProcessor(repo Repository, b broker.MessageBroker, m *mapper.Mapper, cfg config.ProcessorSettings, topicPrefix string, logger *slog.Logger) *EventProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventProcessor{
		repo:            repo,
		broker:          b,
		mapper:          m,
		logger:          logger.With("component", "processor"),
		tracer:          otel.Tracer("go-contactsync"),
		group:           cfg.ConsumerGroup,
		topics:          events.Topics(topicPrefix),
		redeliverFailed: cfg.RedeliverFailed,
		now:             time.Now,
		newID:           uuid.NewString,
	}
}

// Run subscribes and blocks until ctx is cancelled.
func (p *EventProcessor) Run(ctx context.Context) error {
	p.logger.Info("starting", "group", p.group, "topics", p.topics)
	return p.broker.Subscribe(ctx, p.group, p.topics, p.Handle)
}

// Handle applies one bus message. Errors are recorded on the InboundEvent
// row; only store failures before that point, and processing failures when
// redelivery is enabled, are returned to the broker.
func (p *EventProcessor) Handle(ctx context.Context, msg broker.Message) error {
	var env events.Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil || env.ID == "" {
		p.logger.Error("dropping undecodable message",
			"topic", msg.Topic, "offset", msg.Offset, "event_id", msg.Headers[events.HeaderEventID], "error", err)
		return nil
	}
	typ := env.Type()
	source := msg.Headers[events.HeaderSource]
	if source == "" {
		source = p.mapper.Source()
	}

	ctx, span := p.tracer.Start(ctx, "ProcessInboundEvent", trace.WithAttributes(
		attribute.String("event.id", env.ID),
		attribute.String("event.type", env.Event),
		attribute.String("event.source", source),
		attribute.String("messaging.destination", msg.Topic),
		attribute.Int("messaging.partition", msg.Partition),
		attribute.Int64("messaging.offset", msg.Offset),
	))
	defer span.End()
	logger := p.logger.With("event_id", env.ID, "event_type", env.Event)

	eventType := env.Event
	if typ != events.TypeUnknown {
		eventType = typ.Action()
	}
	ev := &store.InboundEvent{EventID: env.ID, EventType: eventType, Payload: msg.Value}
	previous, err := p.repo.MarkInboundProcessing(ctx, ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("failed to mark event processing", "error", err)
		return err
	}
	if previous == store.EventCompleted {
		logger.Info("skipping already completed event")
		return nil
	}

	if err := p.process(ctx, typ, env.Event, source, msg.Value); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("event processing failed", "error", err)
		if ferr := p.repo.FailInboundEvent(ctx, env.ID, err.Error(), p.now()); ferr != nil {
			logger.Error("failed to mark event failed", "error", ferr)
			return ferr
		}
		if p.redeliverFailed && retryable(typ, err) {
			return err
		}
		return nil
	}

	logger.Info("event completed", "previous_status", string(previous))
	return nil
}

// retryable reports whether redelivering the message could succeed. Unknown
// types and invalid payloads fail the same way every time.
func retryable(typ events.Type, err error) bool {
	return typ != events.TypeUnknown && !failures.Is(err, failures.CodeValidation)
}

func (p *EventProcessor) process(ctx context.Context, typ events.Type, rawType, source string, body []byte) error {
	if typ == events.TypeUnknown {
		return fmt.Errorf("unsupported event type %q", rawType)
	}
	env, err := events.Decode(body)
	if err != nil {
		return err
	}
	rec, err := mapper.Decode(env.Data)
	if err != nil {
		return err
	}
	if mapper.NeedsMigration(rec) {
		rec = mapper.Migrate(rec)
	}

	return p.repo.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		switch typ {
		case events.ContactCreated:
			err = p.applyCreated(ctx, tx, source, rec)
		case events.ContactUpdated:
			err = p.applyUpdated(ctx, tx, source, rec)
		case events.ContactDeleted:
			err = p.applyDeleted(ctx, tx, source, rec)
		}
		if err != nil {
			return err
		}
		return tx.CompleteInboundEvent(ctx, env.ID, p.now())
	})
}

// applyCreated inserts the contact unless (source, sourceId) already exists.
func (p *EventProcessor) applyCreated(ctx context.Context, tx store.Tx, source string, rec mapper.ExternalRecord) error {
	_, err := tx.FindContactForUpdate(ctx, source, rec.SourceID)
	if err == nil {
		p.logger.Debug("contact exists, ignoring replayed creation", "source", source, "source_id", rec.SourceID)
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if err := p.insertContact(ctx, tx, source, rec); err != nil && !errors.Is(err, store.ErrDuplicate) {
		return err
	}
	return nil
}

// insertContact returns store.ErrDuplicate when a concurrent insert for the
// same (source, sourceId) committed first.
func (p *EventProcessor) insertContact(ctx context.Context, tx store.Tx, source string, rec mapper.ExternalRecord) error {
	c := mapper.New(source).ToCanonical(rec)
	c.ID = p.newID()
	now := p.now()
	c.CreatedAt, c.UpdatedAt = now, now
	if err := tx.InsertContact(ctx, &c); err != nil {
		return err
	}
	return saveExternal(ctx, tx, source, rec)
}

// applyUpdated overwrites the fields present in rec. Unknown contacts are
// created instead.
func (p *EventProcessor) applyUpdated(ctx context.Context, tx store.Tx, source string, rec mapper.ExternalRecord) error {
	existing, err := tx.FindContactForUpdate(ctx, source, rec.SourceID)
	if errors.Is(err, store.ErrNotFound) {
		p.logger.Info("updating unknown contact, creating it", "source", source, "source_id", rec.SourceID)
		err = p.insertContact(ctx, tx, source, rec)
		if !errors.Is(err, store.ErrDuplicate) {
			return err
		}
		// lost the insert race; the winner is committed, so merge into it
		p.logger.Info("contact created concurrently, merging update", "source", source, "source_id", rec.SourceID)
		existing, err = tx.FindContactForUpdate(ctx, source, rec.SourceID)
	}
	if err != nil {
		return err
	}

	patch := p.mapper.ToPatch(rec)
	existing.Fields = contact.Merge(existing.Fields, patch)
	if patch.Status != nil {
		existing.Status = *patch.Status
	}
	if err := tx.UpdateContact(ctx, existing, existing.Version); err != nil {
		return err
	}

	stored, err := loadExternal(ctx, tx, source, rec.SourceID)
	if err != nil {
		return err
	}
	return saveExternal(ctx, tx, source, mapper.MergeRaw(stored, rec))
}

// applyDeleted marks the contact deleted and keeps every field.
func (p *EventProcessor) applyDeleted(ctx context.Context, tx store.Tx, source string, rec mapper.ExternalRecord) error {
	existing, err := tx.FindContactForUpdate(ctx, source, rec.SourceID)
	if errors.Is(err, store.ErrNotFound) {
		p.logger.Info("deleting unknown contact, nothing to do", "source", source, "source_id", rec.SourceID)
		return nil
	}
	if err != nil {
		return err
	}

	existing.Status = contact.StatusDeleted
	if err := tx.UpdateContact(ctx, existing, existing.Version); err != nil {
		return err
	}

	stored, err := loadExternal(ctx, tx, source, rec.SourceID)
	if err != nil {
		return err
	}
	rec.Fields[mapper.ExternalStatus] = mapper.FormatStatus(contact.StatusDeleted)
	return saveExternal(ctx, tx, source, mapper.MergeRaw(stored, rec))
}

func loadExternal(ctx context.Context, tx store.Tx, source, sourceID string) (mapper.ExternalRecord, error) {
	row, err := tx.GetExternalRecord(ctx, source, sourceID)
	if errors.Is(err, store.ErrNotFound) {
		return mapper.ExternalRecord{SourceID: sourceID}, nil
	}
	if err != nil {
		return mapper.ExternalRecord{}, err
	}
	rec, err := mapper.Decode(row.Payload)
	if err != nil {
		return mapper.ExternalRecord{}, err
	}
	rec.SchemaVersion = row.SchemaVersion
	return rec, nil
}

func saveExternal(ctx context.Context, tx store.Tx, source string, rec mapper.ExternalRecord) error {
	payload, err := json.Marshal(rec.Fields)
	if err != nil {
		return err
	}
	return tx.UpsertExternalRecord(ctx, store.ExternalRecord{
		Source:        source,
		SourceID:      rec.SourceID,
		SchemaVersion: rec.SchemaVersion,
		Payload:       payload,
	})
}
