package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zoff-tech/go-contactsync/pkg/contact"
	"github.com/zoff-tech/go-contactsync/pkg/failures"
)

const contactColumns = `id, source, source_id, first_name, last_name, email, phone, company, title, address, tags, custom_fields, status, version, created_at, updated_at`

type querier interface {
	execer
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContact(row rowScanner) (*contact.Contact, error) {
	var (
		c                      contact.Contact
		address, tags, customs []byte
	)
	err := row.Scan(&c.ID, &c.Source, &c.SourceID, &c.FirstName, &c.LastName, &c.Email, &c.Phone,
		&c.Company, &c.Title, &address, &tags, &customs, &c.Status, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := unmarshalColumn(address, &c.Address); err != nil {
		return nil, fmt.Errorf("address: %w", err)
	}
	if err := unmarshalColumn(tags, &c.Tags); err != nil {
		return nil, fmt.Errorf("tags: %w", err)
	}
	if err := unmarshalColumn(customs, &c.CustomFields); err != nil {
		return nil, fmt.Errorf("custom_fields: %w", err)
	}
	c.Fields = c.Fields.Clone()
	return &c, nil
}

func unmarshalColumn(data []byte, dst any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}

func contactJSONColumns(c *contact.Contact) (address, tags, customs []byte, err error) {
	f := c.Fields.Clone()
	if address, err = json.Marshal(f.Address); err != nil {
		return
	}
	if tags, err = json.Marshal(f.Tags); err != nil {
		return
	}
	customs, err = json.Marshal(f.CustomFields)
	return
}

func getContact(ctx context.Context, q querier, where string, args ...any) (*contact.Contact, error) {
	return scanContact(q.QueryRowContext(ctx, `SELECT `+contactColumns+` FROM contacts WHERE `+where, args...))
}

func insertContact(ctx context.Context, q querier, c *contact.Contact, now time.Time) error {
	address, tags, customs, err := contactJSONColumns(c)
	if err != nil {
		return err
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	if c.Status == "" {
		c.Status = contact.StatusActive
	}
	n, err := execRows(ctx, q,
		`INSERT INTO contacts (`+contactColumns+`)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 1, $14, $15)
         ON CONFLICT (source, source_id) DO NOTHING`,
		c.ID, c.Source, c.SourceID, c.FirstName, c.LastName, c.Email, c.Phone, c.Company, c.Title,
		address, tags, customs, c.Status, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicate
	}
	c.Version = 1
	return nil
}

func updateContact(ctx context.Context, q querier, c *contact.Contact, expectedVersion int64, now time.Time) error {
	address, tags, customs, err := contactJSONColumns(c)
	if err != nil {
		return err
	}
	n, err := execRows(ctx, q,
		`UPDATE contacts SET first_name=$1, last_name=$2, email=$3, phone=$4, company=$5, title=$6,
         address=$7, tags=$8, custom_fields=$9, status=$10, version=version+1, updated_at=$11
         WHERE id=$12 AND version=$13`,
		c.FirstName, c.LastName, c.Email, c.Phone, c.Company, c.Title,
		address, tags, customs, c.Status, now, c.ID, expectedVersion)
	if err != nil {
		return err
	}
	if n == 1 {
		c.Version = expectedVersion + 1
		c.UpdatedAt = now
		return nil
	}
	var actual int64
	err = q.QueryRowContext(ctx, `SELECT version FROM contacts WHERE id=$1`, c.ID).Scan(&actual)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return failures.Conflict(fmt.Sprintf("contact %s changed concurrently", c.ID), expectedVersion, actual)
}

func (p *PostgresRepository) GetContact(ctx context.Context, id string) (*contact.Contact, error) {
	var c *contact.Contact
	err := p.withTransaction(ctx, "GetContact", func(ctx context.Context, tx *sql.Tx) (int, error) {
		var err error
		c, err = getContact(ctx, tx, `id=$1`, id)
		return 1, err
	})
	return c, err
}

func (p *PostgresRepository) FindContactBySource(ctx context.Context, source, sourceID string) (*contact.Contact, error) {
	var c *contact.Contact
	err := p.withTransaction(ctx, "FindContactBySource", func(ctx context.Context, tx *sql.Tx) (int, error) {
		var err error
		c, err = getContact(ctx, tx, `source=$1 AND source_id=$2`, source, sourceID)
		return 1, err
	})
	return c, err
}

func (p *PostgresRepository) ListContacts(ctx context.Context, filter ContactFilter) ([]contact.Contact, error) {
	limit, offset := normalizePage(filter.Limit, filter.Offset)
	var out []contact.Contact
	err := p.withTransaction(ctx, "ListContacts", func(ctx context.Context, tx *sql.Tx) (int, error) {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+contactColumns+` FROM contacts
             WHERE ($1 = '' OR status = $1) AND ($2 = '' OR source = $2)
             ORDER BY updated_at DESC LIMIT $3 OFFSET $4`,
			string(filter.Status), filter.Source, limit, offset)
		if err != nil {
			return 0, err
		}
		defer rows.Close()
		for rows.Next() {
			c, err := scanContact(rows)
			if err != nil {
				return 0, err
			}
			out = append(out, *c)
		}
		return len(out), rows.Err()
	})
	return out, err
}

func (p *PostgresRepository) UpdateContact(ctx context.Context, c *contact.Contact, expectedVersion int64) error {
	return p.withTransaction(ctx, "UpdateContact", func(ctx context.Context, tx *sql.Tx) (int, error) {
		return 1, updateContact(ctx, tx, c, expectedVersion, p.now())
	})
}

// postgresTx is the Tx handed to WithTx callbacks.
type postgresTx struct {
	tx  *sql.Tx
	now func() time.Time
}

func (t *postgresTx) FindContactForUpdate(ctx context.Context, source, sourceID string) (*contact.Contact, error) {
	return getContact(ctx, t.tx, `source=$1 AND source_id=$2 FOR UPDATE`, source, sourceID)
}

func (t *postgresTx) InsertContact(ctx context.Context, c *contact.Contact) error {
	return insertContact(ctx, t.tx, c, t.now())
}

func (t *postgresTx) UpdateContact(ctx context.Context, c *contact.Contact, expectedVersion int64) error {
	return updateContact(ctx, t.tx, c, expectedVersion, t.now())
}

func (t *postgresTx) GetExternalRecord(ctx context.Context, source, sourceID string) (*ExternalRecord, error) {
	rec := ExternalRecord{Source: source, SourceID: sourceID}
	var payload []byte
	err := t.tx.QueryRowContext(ctx,
		`SELECT schema_version, payload, updated_at FROM external_records WHERE source=$1 AND source_id=$2`,
		source, sourceID).Scan(&rec.SchemaVersion, &payload, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Payload = payload
	return &rec, nil
}

func (t *postgresTx) UpsertExternalRecord(ctx context.Context, rec ExternalRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = t.now()
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO external_records (source, source_id, schema_version, payload, updated_at)
         VALUES ($1, $2, $3, $4, $5)
         ON CONFLICT (source, source_id) DO UPDATE SET schema_version=EXCLUDED.schema_version, payload=EXCLUDED.payload, updated_at=EXCLUDED.updated_at`,
		rec.Source, rec.SourceID, rec.SchemaVersion, []byte(rec.Payload), rec.UpdatedAt)
	return err
}

func (t *postgresTx) CompleteInboundEvent(ctx context.Context, eventID string, at time.Time) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE inbound_events SET status=$1, error='', processed_at=$2 WHERE event_id=$3`,
		EventCompleted, at, eventID)
	return err
}
