package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
)

type txKey struct{}

// PostgresRepository implements Repository on database/sql with lib/pq.
type PostgresRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db, now: time.Now}
}

func (p *PostgresRepository) Close() error {
	return p.db.Close()
}

// withTransaction joins the transaction carried by ctx or opens a new one
// that is committed when fn succeeds. fn reports the rows it touched.
func (p *PostgresRepository) withTransaction(ctx context.Context, spanName string, fn func(ctx context.Context, tx *sql.Tx) (int, error)) (err error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()
	start := time.Now()

	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	if !ok {
		tx, err = p.db.BeginTx(ctx, nil)
		if err != nil {
			span.RecordError(err)
			return err
		}
		defer func() {
			if err != nil {
				_ = tx.Rollback()
				return
			}
			err = tx.Commit()
		}()
		ctx = context.WithValue(ctx, txKey{}, tx)
	}

	rows, err := fn(ctx, tx)
	if err != nil {
		span.RecordError(err)
		return err
	}

	addDBStatsToSpan(span, "postgresql", spanName, rows, time.Since(start))
	return nil
}

// WithTx runs fn inside one transaction.
func (p *PostgresRepository) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return p.withTransaction(ctx, "WithTx", func(ctx context.Context, tx *sql.Tx) (int, error) {
		return 0, fn(ctx, &postgresTx{tx: tx, now: p.now})
	})
}

func (p *PostgresRepository) CreateInboundEvent(ctx context.Context, ev *InboundEvent) (bool, error) {
	var created bool
	err := p.withTransaction(ctx, "CreateInboundEvent", func(ctx context.Context, tx *sql.Tx) (int, error) {
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = p.now()
		}
		ev.Status = EventPending
		res, err := tx.ExecContext(ctx,
			`INSERT INTO inbound_events (event_id, event_type, payload, status, error, created_at)
             VALUES ($1, $2, $3, $4, '', $5) ON CONFLICT (event_id) DO NOTHING`,
			ev.EventID, ev.EventType, []byte(ev.Payload), EventPending, ev.CreatedAt)
		if err != nil {
			return 0, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		created = n == 1
		return int(n), nil
	})
	return created, err
}

func (p *PostgresRepository) MarkInboundProcessing(ctx context.Context, ev *InboundEvent) (EventStatus, error) {
	var previous EventStatus
	err := p.withTransaction(ctx, "MarkInboundProcessing", func(ctx context.Context, tx *sql.Tx) (int, error) {
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM inbound_events WHERE event_id=$1 FOR UPDATE`, ev.EventID).Scan(&previous)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return 0, err
		}
		if previous == EventCompleted {
			return 0, nil
		}
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = p.now()
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO inbound_events (event_id, event_type, payload, status, error, created_at)
             VALUES ($1, $2, $3, $4, '', $5)
             ON CONFLICT (event_id) DO UPDATE SET status=EXCLUDED.status, event_type=EXCLUDED.event_type, payload=EXCLUDED.payload, error=''`,
			ev.EventID, ev.EventType, []byte(ev.Payload), EventProcessing, ev.CreatedAt)
		if err != nil {
			return 0, err
		}
		ev.Status = EventProcessing
		return 1, nil
	})
	return previous, err
}

func (p *PostgresRepository) FailInboundEvent(ctx context.Context, eventID, message string, at time.Time) error {
	return p.withTransaction(ctx, "FailInboundEvent", func(ctx context.Context, tx *sql.Tx) (int, error) {
		return execRows(ctx, tx,
			`UPDATE inbound_events SET status=$1, error=$2, processed_at=$3 WHERE event_id=$4`,
			EventFailed, message, at, eventID)
	})
}

func (p *PostgresRepository) GetInboundEvent(ctx context.Context, eventID string) (*InboundEvent, error) {
	var ev InboundEvent
	err := p.withTransaction(ctx, "GetInboundEvent", func(ctx context.Context, tx *sql.Tx) (int, error) {
		var (
			payload     []byte
			processedAt sql.NullTime
		)
		err := tx.QueryRowContext(ctx,
			`SELECT event_id, event_type, payload, status, error, created_at, processed_at FROM inbound_events WHERE event_id=$1`,
			eventID).Scan(&ev.EventID, &ev.EventType, &payload, &ev.Status, &ev.Error, &ev.CreatedAt, &processedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		if err != nil {
			return 0, err
		}
		ev.Payload = payload
		if processedAt.Valid {
			t := processedAt.Time
			ev.ProcessedAt = &t
		}
		return 1, nil
	})
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func execRows(ctx context.Context, db execer, query string, args ...any) (int, error) {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
