package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const deliveryColumns = `id, event_id, event_type, target_url, status, retry_count, payload, details, created_at, delivered_at, updated_at`

func scanDelivery(row rowScanner) (*OutboundDelivery, error) {
	var (
		d                OutboundDelivery
		payload, details []byte
		deliveredAt      sql.NullTime
	)
	err := row.Scan(&d.ID, &d.EventID, &d.EventType, &d.TargetURL, &d.Status, &d.RetryCount,
		&payload, &details, &d.CreatedAt, &deliveredAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d.Payload = payload
	d.Details = details
	if deliveredAt.Valid {
		t := deliveredAt.Time
		d.DeliveredAt = &t
	}
	return &d, nil
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func (p *PostgresRepository) CreateDelivery(ctx context.Context, d *OutboundDelivery) error {
	return p.withTransaction(ctx, "CreateDelivery", func(ctx context.Context, tx *sql.Tx) (int, error) {
		now := p.now()
		if d.CreatedAt.IsZero() {
			d.CreatedAt = now
		}
		d.UpdatedAt = now
		if d.Status == "" {
			d.Status = DeliveryPending
		}
		return execRows(ctx, tx,
			`INSERT INTO outbound_deliveries (`+deliveryColumns+`)
             VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULL, $10)`,
			d.ID, d.EventID, d.EventType, d.TargetURL, d.Status, d.RetryCount,
			nullJSON(d.Payload), nullJSON(d.Details), d.CreatedAt, d.UpdatedAt)
	})
}

func (p *PostgresRepository) MarkDeliveryPending(ctx context.Context, id string) error {
	return p.withTransaction(ctx, "MarkDeliveryPending", func(ctx context.Context, tx *sql.Tx) (int, error) {
		return execRows(ctx, tx,
			`UPDATE outbound_deliveries SET status=$1, updated_at=$2 WHERE id=$3`,
			DeliveryPending, p.now(), id)
	})
}

func (p *PostgresRepository) MarkDelivered(ctx context.Context, id string, details []byte, at time.Time) error {
	return p.withTransaction(ctx, "MarkDelivered", func(ctx context.Context, tx *sql.Tx) (int, error) {
		return execRows(ctx, tx,
			`UPDATE outbound_deliveries SET status=$1, details=$2, delivered_at=$3, updated_at=$3 WHERE id=$4`,
			DeliveryDelivered, nullJSON(details), at, id)
	})
}

func (p *PostgresRepository) MarkDeliveryFailed(ctx context.Context, id string, details []byte) error {
	return p.withTransaction(ctx, "MarkDeliveryFailed", func(ctx context.Context, tx *sql.Tx) (int, error) {
		return execRows(ctx, tx,
			`UPDATE outbound_deliveries SET status=$1, details=$2, updated_at=$3 WHERE id=$4`,
			DeliveryFailed, nullJSON(details), p.now(), id)
	})
}

func (p *PostgresRepository) IncrementDeliveryRetry(ctx context.Context, id string, max int) (int, bool, error) {
	var count int
	err := p.withTransaction(ctx, "IncrementDeliveryRetry", func(ctx context.Context, tx *sql.Tx) (int, error) {
		return 1, tx.QueryRowContext(ctx,
			`UPDATE outbound_deliveries SET retry_count = retry_count + 1, updated_at=$1
             WHERE id=$2 AND retry_count < $3 RETURNING retry_count`,
			p.now(), id, max).Scan(&count)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return count, true, nil
}

func (p *PostgresRepository) GetDelivery(ctx context.Context, id string) (*OutboundDelivery, error) {
	var d *OutboundDelivery
	err := p.withTransaction(ctx, "GetDelivery", func(ctx context.Context, tx *sql.Tx) (int, error) {
		var err error
		d, err = scanDelivery(tx.QueryRowContext(ctx,
			`SELECT `+deliveryColumns+` FROM outbound_deliveries WHERE id=$1`, id))
		return 1, err
	})
	return d, err
}

func (p *PostgresRepository) ListDeliveries(ctx context.Context, filter DeliveryFilter) ([]OutboundDelivery, error) {
	limit, offset := normalizePage(filter.Limit, filter.Offset)
	var out []OutboundDelivery
	err := p.withTransaction(ctx, "ListDeliveries", func(ctx context.Context, tx *sql.Tx) (int, error) {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+deliveryColumns+` FROM outbound_deliveries
             WHERE ($1 = '' OR status = $1) AND ($2 = '' OR event_id = $2)
             ORDER BY created_at DESC LIMIT $3 OFFSET $4`,
			string(filter.Status), filter.EventID, limit, offset)
		if err != nil {
			return 0, err
		}
		defer rows.Close()
		for rows.Next() {
			d, err := scanDelivery(rows)
			if err != nil {
				return 0, err
			}
			out = append(out, *d)
		}
		return len(out), rows.Err()
	})
	return out, err
}
