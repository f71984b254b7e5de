// Package ingest accepts signed contact webhooks and hands them to the bus.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-contactsync/pkg/broker"
	"github.com/zoff-tech/go-contactsync/pkg/config"
	"github.com/zoff-tech/go-contactsync/pkg/events"
	"github.com/zoff-tech/go-contactsync/pkg/failures"
	"github.com/zoff-tech/go-contactsync/pkg/signature"
	"github.com/zoff-tech/go-contactsync/pkg/store"
	"github.com/zoff-tech/go-contactsync/pkg/telemetry"
)

const acceptedMessage = "Webhook received successfully"

// Receipt is returned to the webhook caller once the event is accepted.
// It says nothing about whether processing will succeed.
type Receipt struct {
	Message   string `json:"message"`
	EventID   string `json:"eventId"`
	Timestamp string `json:"timestamp"`
}

// Receiver verifies, records and publishes inbound events.
type Receiver struct {
	verifier    *signature.Verifier
	events      store.InboundEventStore
	broker      broker.MessageBroker
	source      string
	topicPrefix string
	logger      *slog.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

func NewReceiver(verifier *signature.Verifier, inbound store.InboundEventStore, b broker.MessageBroker, cfg config.WebhookSettings, topicPrefix string, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{
		verifier:    verifier,
		events:      inbound,
		broker:      b,
		source:      cfg.Source,
		topicPrefix: topicPrefix,
		logger:      logger.With("component", "ingest"),
		tracer:      otel.Tracer(telemetry.TracerName),
		now:         time.Now,
	}
}

// Receive authenticates body, stores it as a pending InboundEvent and
// publishes it keyed by the source contact id. A redelivered webhook with a
// known event id is published again; the processor skips it if it already
// completed.
func (r *Receiver) Receive(ctx context.Context, body []byte, signatureHeader, timestampHeader string) (Receipt, error) {
	ctx, span := r.tracer.Start(ctx, "ReceiveWebhook")
	defer span.End()

	fail := func(err error) (Receipt, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Receipt{}, err
	}

	if err := r.verifier.Verify(body, signatureHeader, timestampHeader); err != nil {
		r.logger.Warn("rejected webhook", "code", failures.TextCode(err), "error", err)
		return fail(err)
	}
	env, err := events.Decode(body)
	if err != nil {
		r.logger.Warn("rejected webhook", "code", failures.TextCode(err), "error", err)
		return fail(err)
	}
	typ := env.Type()
	sourceID := env.SourceID()
	span.SetAttributes(
		attribute.String("event.id", env.ID),
		attribute.String("event.type", env.Event),
		attribute.String("event.source_id", sourceID),
	)
	logger := r.logger.With("event_id", env.ID, "event_type", env.Event, "source_id", sourceID)

	created, err := r.events.CreateInboundEvent(ctx, &store.InboundEvent{
		EventID:   env.ID,
		EventType: typ.Action(),
		Payload:   body,
		Status:    store.EventPending,
	})
	if err != nil {
		logger.Error("failed to record inbound event", "error", err)
		return fail(failures.Persistence(err, "failed to record inbound event"))
	}
	if !created {
		logger.Info("event already recorded, publishing again")
	}

	ack, err := r.broker.Publish(ctx, typ.Topic(r.topicPrefix), sourceID, body, map[string]string{
		events.HeaderEventID:   env.ID,
		events.HeaderEventType: env.Event,
		events.HeaderSource:    r.source,
	})
	if err != nil {
		logger.Error("failed to publish event", "error", err)
		return fail(failures.Transient(err, "event bus unavailable"))
	}
	logger.Info("webhook accepted", "topic", ack.Topic, "partition", ack.Partition, "offset", ack.Offset)

	return Receipt{
		Message:   acceptedMessage,
		EventID:   env.ID,
		Timestamp: signature.FormatTimestamp(r.now()),
	}, nil
}
