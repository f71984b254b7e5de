package store

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/zoff-tech/go-contactsync/pkg/contact"
	"github.com/zoff-tech/go-contactsync/pkg/failures"
)

type sourceKey struct {
	source, sourceID string
}

type memoryTables struct {
	contacts map[string]contact.Contact
	bySource map[sourceKey]string
	external map[sourceKey]ExternalRecord
	inbound  map[string]InboundEvent
}

func (t memoryTables) clone() memoryTables {
	out := memoryTables{
		contacts: make(map[string]contact.Contact, len(t.contacts)),
		bySource: maps.Clone(t.bySource),
		external: maps.Clone(t.external),
		inbound:  maps.Clone(t.inbound),
	}
	for id, c := range t.contacts {
		out.contacts[id] = copyContact(c)
	}
	return out
}

// MemoryRepository keeps every table in process. WithTx works on a copy of
// the contact tables and swaps it in on commit.
type MemoryRepository struct {
	mu         sync.RWMutex
	now        func() time.Time
	tables     memoryTables
	deliveries map[string]OutboundDelivery
	order      []string
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		now: time.Now,
		tables: memoryTables{
			contacts: map[string]contact.Contact{},
			bySource: map[sourceKey]string{},
			external: map[sourceKey]ExternalRecord{},
			inbound:  map[string]InboundEvent{},
		},
		deliveries: map[string]OutboundDelivery{},
	}
}

func (m *MemoryRepository) Close() error { return nil }

func copyContact(c contact.Contact) contact.Contact {
	c.Fields = c.Fields.Clone()
	return c
}

func (m *MemoryRepository) GetContact(_ context.Context, id string) (*contact.Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.tables.contacts[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := copyContact(c)
	return &out, nil
}

func (m *MemoryRepository) FindContactBySource(_ context.Context, source, sourceID string) (*contact.Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tables.findBySource(source, sourceID)
}

func (t memoryTables) findBySource(source, sourceID string) (*contact.Contact, error) {
	id, ok := t.bySource[sourceKey{source, sourceID}]
	if !ok {
		return nil, ErrNotFound
	}
	out := copyContact(t.contacts[id])
	return &out, nil
}

func (m *MemoryRepository) ListContacts(_ context.Context, filter ContactFilter) ([]contact.Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []contact.Contact
	for _, c := range m.tables.contacts {
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		if filter.Source != "" && c.Source != filter.Source {
			continue
		}
		all = append(all, copyContact(c))
	}
	slices.SortFunc(all, func(a, b contact.Contact) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return page(all, filter.Limit, filter.Offset), nil
}

func page[T any](items []T, limit, offset int) []T {
	limit, offset = normalizePage(limit, offset)
	if offset >= len(items) {
		return nil
	}
	return items[offset:min(offset+limit, len(items))]
}

func (m *MemoryRepository) UpdateContact(_ context.Context, c *contact.Contact, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tables.update(c, expectedVersion, m.now())
}

func (t memoryTables) update(c *contact.Contact, expectedVersion int64, now time.Time) error {
	stored, ok := t.contacts[c.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != expectedVersion {
		return failures.Conflict(fmt.Sprintf("contact %s changed concurrently", c.ID), expectedVersion, stored.Version)
	}
	c.Version = expectedVersion + 1
	c.UpdatedAt = now
	c.Source, c.SourceID, c.CreatedAt = stored.Source, stored.SourceID, stored.CreatedAt
	t.contacts[c.ID] = copyContact(*c)
	return nil
}

func (m *MemoryRepository) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	work := m.tables.clone()
	if err := fn(ctx, &memoryTx{tables: work, now: m.now}); err != nil {
		return err
	}
	m.tables = work
	return nil
}

type memoryTx struct {
	tables memoryTables
	now    func() time.Time
}

func (t *memoryTx) FindContactForUpdate(_ context.Context, source, sourceID string) (*contact.Contact, error) {
	return t.tables.findBySource(source, sourceID)
}

func (t *memoryTx) InsertContact(_ context.Context, c *contact.Contact) error {
	key := sourceKey{c.Source, c.SourceID}
	if _, ok := t.tables.bySource[key]; ok {
		return ErrDuplicate
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = t.now()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	if c.Status == "" {
		c.Status = contact.StatusActive
	}
	c.Version = 1
	t.tables.contacts[c.ID] = copyContact(*c)
	t.tables.bySource[key] = c.ID
	return nil
}

func (t *memoryTx) UpdateContact(_ context.Context, c *contact.Contact, expectedVersion int64) error {
	return t.tables.update(c, expectedVersion, t.now())
}

func (t *memoryTx) GetExternalRecord(_ context.Context, source, sourceID string) (*ExternalRecord, error) {
	rec, ok := t.tables.external[sourceKey{source, sourceID}]
	if !ok {
		return nil, ErrNotFound
	}
	rec.Payload = bytes.Clone(rec.Payload)
	return &rec, nil
}

func (t *memoryTx) UpsertExternalRecord(_ context.Context, rec ExternalRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = t.now()
	}
	rec.Payload = bytes.Clone(rec.Payload)
	t.tables.external[sourceKey{rec.Source, rec.SourceID}] = rec
	return nil
}

func (t *memoryTx) CompleteInboundEvent(_ context.Context, eventID string, at time.Time) error {
	ev, ok := t.tables.inbound[eventID]
	if !ok {
		return ErrNotFound
	}
	ev.Status = EventCompleted
	ev.Error = ""
	ev.ProcessedAt = &at
	t.tables.inbound[eventID] = ev
	return nil
}

func (m *MemoryRepository) CreateInboundEvent(_ context.Context, ev *InboundEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tables.inbound[ev.EventID]; ok {
		return false, nil
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = m.now()
	}
	ev.Status = EventPending
	stored := *ev
	stored.Payload = bytes.Clone(ev.Payload)
	m.tables.inbound[ev.EventID] = stored
	return true, nil
}

func (m *MemoryRepository) MarkInboundProcessing(_ context.Context, ev *InboundEvent) (EventStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.tables.inbound[ev.EventID]
	if ok && existing.Status == EventCompleted {
		return EventCompleted, nil
	}
	stored := *ev
	if ok {
		stored.CreatedAt = existing.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = m.now()
	}
	stored.Status = EventProcessing
	stored.Error = ""
	stored.Payload = bytes.Clone(ev.Payload)
	m.tables.inbound[ev.EventID] = stored
	ev.Status = EventProcessing
	return existing.Status, nil
}

func (m *MemoryRepository) FailInboundEvent(_ context.Context, eventID, message string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.tables.inbound[eventID]
	if !ok {
		return ErrNotFound
	}
	ev.Status = EventFailed
	ev.Error = message
	ev.ProcessedAt = &at
	m.tables.inbound[eventID] = ev
	return nil
}

func (m *MemoryRepository) GetInboundEvent(_ context.Context, eventID string) (*InboundEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.tables.inbound[eventID]
	if !ok {
		return nil, ErrNotFound
	}
	ev.Payload = bytes.Clone(ev.Payload)
	return &ev, nil
}

func (m *MemoryRepository) CreateDelivery(_ context.Context, d *OutboundDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deliveries[d.ID]; ok {
		return fmt.Errorf("delivery %s already exists", d.ID)
	}
	now := m.now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	if d.Status == "" {
		d.Status = DeliveryPending
	}
	m.deliveries[d.ID] = copyDelivery(*d)
	m.order = append(m.order, d.ID)
	return nil
}

func copyDelivery(d OutboundDelivery) OutboundDelivery {
	d.Payload = bytes.Clone(d.Payload)
	d.Details = bytes.Clone(d.Details)
	return d
}

func (m *MemoryRepository) mutateDelivery(id string, fn func(d *OutboundDelivery)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	fn(&d)
	m.deliveries[id] = d
	return nil
}

func (m *MemoryRepository) MarkDeliveryPending(_ context.Context, id string) error {
	return m.mutateDelivery(id, func(d *OutboundDelivery) {
		d.Status = DeliveryPending
		d.UpdatedAt = m.now()
	})
}

func (m *MemoryRepository) MarkDelivered(_ context.Context, id string, details []byte, at time.Time) error {
	return m.mutateDelivery(id, func(d *OutboundDelivery) {
		d.Status = DeliveryDelivered
		d.Details = bytes.Clone(details)
		d.DeliveredAt = &at
		d.UpdatedAt = at
	})
}

func (m *MemoryRepository) MarkDeliveryFailed(_ context.Context, id string, details []byte) error {
	return m.mutateDelivery(id, func(d *OutboundDelivery) {
		d.Status = DeliveryFailed
		d.Details = bytes.Clone(details)
		d.UpdatedAt = m.now()
	})
}

func (m *MemoryRepository) IncrementDeliveryRetry(_ context.Context, id string, max int) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok || d.RetryCount >= max {
		return 0, false, nil
	}
	d.RetryCount++
	d.UpdatedAt = m.now()
	m.deliveries[id] = d
	return d.RetryCount, true, nil
}

func (m *MemoryRepository) GetDelivery(_ context.Context, id string) (*OutboundDelivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deliveries[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := copyDelivery(d)
	return &out, nil
}

func (m *MemoryRepository) ListDeliveries(_ context.Context, filter DeliveryFilter) ([]OutboundDelivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []OutboundDelivery
	for i := len(m.order) - 1; i >= 0; i-- {
		d := m.deliveries[m.order[i]]
		if filter.Status != "" && d.Status != filter.Status {
			continue
		}
		if filter.EventID != "" && d.EventID != filter.EventID {
			continue
		}
		all = append(all, copyDelivery(d))
	}
	slices.SortStableFunc(all, func(a, b OutboundDelivery) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return page(all, filter.Limit, filter.Offset), nil
}
