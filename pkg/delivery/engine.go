// Package delivery sends signed contact events to subscriber endpoints and
// retries failed attempts with capped exponential backoff.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-contactsync/pkg/config"
	"github.com/zoff-tech/go-contactsync/pkg/events"
	"github.com/zoff-tech/go-contactsync/pkg/failures"
	"github.com/zoff-tech/go-contactsync/pkg/signature"
	"github.com/zoff-tech/go-contactsync/pkg/store"
	"github.com/zoff-tech/go-contactsync/pkg/telemetry"
)

const (
	HeaderEventID   = "X-Event-Id"
	HeaderEventType = "X-Event-Type"

	maxSnapshotBytes = 2048
)

// Details is the response or error snapshot stored on a delivery row.
type Details struct {
	StatusCode int       `json:"statusCode,omitempty"`
	Body       string    `json:"body,omitempty"`
	Error      string    `json:"error,omitempty"`
	Retryable  bool      `json:"retryable"`
	DurationMs int64     `json:"durationMs"`
	At         time.Time `json:"at"`
}

// Result is what Simulate returns to its caller.
type Result struct {
	Event    events.Envelope         `json:"event"`
	Delivery *store.OutboundDelivery `json:"delivery"`
}

// Engine builds, signs, sends and retries outbound events. Only the engine
// writes OutboundDelivery rows.
type Engine struct {
	deliveries   store.DeliveryStore
	queue        *RetryQueue
	signer       *signature.Signer
	client       *http.Client
	initialDelay time.Duration
	maxDelay     time.Duration
	maxRetries   int
	logger       *slog.Logger
	tracer       trace.Tracer
	now          func() time.Time
	newID        func() string
}

func NewEngine(deliveries store.DeliveryStore, queue *RetryQueue, cfg config.DeliverySettings, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		deliveries: deliveries,
		queue:      queue,
		signer:     signature.NewSigner(cfg.Secret),
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		initialDelay: cfg.InitialDelay,
		maxDelay:     cfg.MaxDelay,
		maxRetries:   cfg.MaxRetries,
		logger:       logger.With("component", "delivery"),
		tracer:       otel.Tracer(telemetry.TracerName),
		now:          time.Now,
		newID:        uuid.NewString,
	}
}

// GenerateEvent wraps data in a new event of the given type.
func (e *Engine) GenerateEvent(eventType string, data json.RawMessage) (events.Envelope, error) {
	typ, err := events.ParseType(eventType)
	if err != nil {
		return events.Envelope{}, failures.Validation("unsupported event type", map[string]string{"event": eventType})
	}
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	if !json.Valid(data) {
		return events.Envelope{}, failures.Validation("event data is not valid JSON", map[string]string{"data": "json"})
	}
	return events.Envelope{
		Event:     typ.String(),
		Timestamp: signature.FormatTimestamp(e.now()),
		ID:        e.newID(),
		Data:      data,
	}, nil
}

// Sign signs payload with the current time. Both values must be sent.
func (e *Engine) Sign(payload []byte) (signature.Signature, error) {
	return e.signer.SignAt(payload, e.now())
}

// Backoff returns min(initialDelay * 2^retryCount, maxDelay).
func (e *Engine) Backoff(retryCount int) time.Duration {
	delay := e.initialDelay
	for i := 0; i < retryCount; i++ {
		if delay >= e.maxDelay/2 {
			return e.maxDelay
		}
		delay *= 2
	}
	return min(delay, e.maxDelay)
}

// ShouldRetry is true for network failures and 5xx answers.
func ShouldRetry(err error) bool {
	switch {
	case err == nil:
		return false
	case failures.Is(err, failures.CodePermanentDelivery):
		return false
	case failures.Is(err, failures.CodeTransientInfra):
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// Simulate generates an event and delivers it to targetURL. Delivery
// failures are reported through the returned row, not as an error.
func (e *Engine) Simulate(ctx context.Context, eventType string, data json.RawMessage, targetURL string) (Result, error) {
	if _, err := url.ParseRequestURI(targetURL); err != nil {
		return Result{}, failures.Validation("invalid target url", map[string]string{"targetUrl": "url"})
	}
	ev, err := e.GenerateEvent(eventType, data)
	if err != nil {
		return Result{}, err
	}
	d, err := e.Deliver(ctx, targetURL, ev)
	if d == nil {
		return Result{}, err
	}
	return Result{Event: ev, Delivery: d}, nil
}

// Deliver persists a pending row and then makes the first attempt. The
// returned error describes the attempt; the row is returned whenever it
// was persisted.
func (e *Engine) Deliver(ctx context.Context, targetURL string, ev events.Envelope) (*store.OutboundDelivery, error) {
	// the attempt outlives a cancelled caller; the client timeout bounds it
	ctx = context.WithoutCancel(ctx)
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	d := &store.OutboundDelivery{
		ID:        e.newID(),
		EventID:   ev.ID,
		EventType: ev.Event,
		TargetURL: targetURL,
		Status:    store.DeliveryPending,
		Payload:   payload,
	}
	if err := e.deliveries.CreateDelivery(ctx, d); err != nil {
		return nil, failures.Persistence(err, "failed to persist delivery")
	}
	return d, e.attempt(ctx, d)
}

// History lists delivery rows, newest first.
func (e *Engine) History(ctx context.Context, filter store.DeliveryFilter) ([]store.OutboundDelivery, error) {
	return e.deliveries.ListDeliveries(ctx, filter)
}

// Recover reschedules work lost with a previous process: rows left pending
// after persistence, and retryable failed rows whose retry budget is not
// spent.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	pending, err := e.listAll(ctx, store.DeliveryPending)
	if err != nil {
		return 0, err
	}
	failed, err := e.listAll(ctx, store.DeliveryFailed)
	if err != nil {
		return 0, err
	}

	for _, d := range pending {
		id := d.ID
		e.queue.Schedule(0, func(ctx context.Context) { e.retry(ctx, id, store.DeliveryPending) })
	}
	resumed := 0
	for _, d := range failed {
		if d.RetryCount >= e.maxRetries || !retryableDetails(d.Details) {
			continue
		}
		id := d.ID
		e.queue.Schedule(e.Backoff(max(d.RetryCount-1, 0)), func(ctx context.Context) { e.retry(ctx, id, store.DeliveryFailed) })
		resumed++
	}

	total := len(pending) + resumed
	if total > 0 {
		e.logger.Info("recovering deliveries", "pending", len(pending), "failed", resumed)
	}
	return total, nil
}

func (e *Engine) listAll(ctx context.Context, status store.DeliveryStatus) ([]store.OutboundDelivery, error) {
	var out []store.OutboundDelivery
	for offset := 0; ; offset += store.MaxPageSize {
		page, err := e.deliveries.ListDeliveries(ctx, store.DeliveryFilter{
			Status: status,
			Limit:  store.MaxPageSize,
			Offset: offset,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < store.MaxPageSize {
			return out, nil
		}
	}
}

func retryableDetails(raw json.RawMessage) bool {
	var d Details
	if len(raw) == 0 || json.Unmarshal(raw, &d) != nil {
		return false
	}
	return d.Retryable
}

func (e *Engine) attempt(ctx context.Context, d *store.OutboundDelivery) error {
	ctx, span := e.tracer.Start(ctx, "DeliverEvent", trace.WithAttributes(
		attribute.String("delivery.id", d.ID),
		attribute.String("event.id", d.EventID),
		attribute.String("event.type", d.EventType),
		attribute.Int("delivery.retry_count", d.RetryCount),
	))
	defer span.End()
	logger := e.logger.With("delivery_id", d.ID, "event_id", d.EventID, "target", d.TargetURL, "retry_count", d.RetryCount)

	details, sendErr := e.send(ctx, d)
	snapshot, err := json.Marshal(details)
	if err != nil {
		return err
	}

	if sendErr == nil {
		at := e.now()
		if err := e.deliveries.MarkDelivered(ctx, d.ID, snapshot, at); err != nil {
			span.RecordError(err)
			return failures.Persistence(err, "failed to mark delivery delivered")
		}
		d.Status, d.Details, d.DeliveredAt = store.DeliveryDelivered, snapshot, &at
		logger.Info("delivered", "status_code", details.StatusCode)
		return nil
	}

	span.RecordError(sendErr)
	span.SetStatus(codes.Error, sendErr.Error())
	if err := e.deliveries.MarkDeliveryFailed(ctx, d.ID, snapshot); err != nil {
		logger.Error("failed to mark delivery failed", "error", err)
		return failures.Persistence(err, "failed to mark delivery failed")
	}
	d.Status, d.Details = store.DeliveryFailed, snapshot
	logger.Warn("delivery failed", "status_code", details.StatusCode, "error", sendErr)

	if details.Retryable {
		e.scheduleRetry(ctx, d, logger)
	}
	return sendErr
}

// scheduleRetry persists the incremented retry count and only then queues
// the next attempt.
func (e *Engine) scheduleRetry(ctx context.Context, d *store.OutboundDelivery, logger *slog.Logger) {
	count, ok, err := e.deliveries.IncrementDeliveryRetry(ctx, d.ID, e.maxRetries)
	if err != nil {
		logger.Error("failed to increment retry count", "error", err)
		return
	}
	if !ok {
		logger.Warn("retries exhausted, delivery failed permanently", "max_retries", e.maxRetries)
		return
	}
	d.RetryCount = count
	delay := e.Backoff(count - 1)
	logger.Info("retry scheduled", "retry_count", count, "delay", delay)
	id := d.ID
	e.queue.Schedule(delay, func(ctx context.Context) { e.retry(ctx, id, store.DeliveryFailed) })
}

// retry re-runs the attempt for a row still in the expected status.
func (e *Engine) retry(ctx context.Context, id string, expected store.DeliveryStatus) {
	d, err := e.deliveries.GetDelivery(ctx, id)
	if err != nil {
		e.logger.Error("failed to load delivery for retry", "delivery_id", id, "error", err)
		return
	}
	if d.Status != expected {
		e.logger.Info("skipping retry, delivery moved on", "delivery_id", id, "status", d.Status)
		return
	}
	if d.Status != store.DeliveryPending {
		if err := e.deliveries.MarkDeliveryPending(ctx, id); err != nil {
			e.logger.Error("failed to reset delivery to pending", "delivery_id", id, "error", err)
			return
		}
		d.Status = store.DeliveryPending
	}
	_ = e.attempt(ctx, d)
}

func (e *Engine) send(ctx context.Context, d *store.OutboundDelivery) (Details, error) {
	start := time.Now()
	details := Details{At: e.now()}
	finish := func(err error) (Details, error) {
		details.DurationMs = time.Since(start).Milliseconds()
		if err != nil {
			details.Error = err.Error()
			details.Retryable = ShouldRetry(err)
		}
		return details, err
	}

	sig, err := e.Sign(d.Payload)
	if err != nil {
		return finish(failures.PermanentDelivery(0, fmt.Sprintf("cannot sign payload: %v", err)))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.TargetURL, bytes.NewReader(d.Payload))
	if err != nil {
		return finish(failures.PermanentDelivery(0, fmt.Sprintf("invalid target: %v", err)))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signature.HeaderSignature, sig.Value)
	req.Header.Set(signature.HeaderTimestamp, sig.Timestamp)
	req.Header.Set(HeaderEventID, d.EventID)
	req.Header.Set(HeaderEventType, d.EventType)

	resp, err := e.client.Do(req)
	if err != nil {
		return finish(failures.Transient(err, "delivery request failed"))
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotBytes))
	details.StatusCode = resp.StatusCode
	details.Body = string(body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return finish(nil)
	case resp.StatusCode >= 500:
		return finish(failures.Transient(nil, fmt.Sprintf("target answered %d", resp.StatusCode)))
	default:
		return finish(failures.PermanentDelivery(resp.StatusCode, fmt.Sprintf("target answered %d", resp.StatusCode)))
	}
}
