package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoff-tech/go-contactsync/pkg/contact"
	"github.com/zoff-tech/go-contactsync/pkg/failures"
)

func newTestMemory() (*MemoryRepository, *time.Time) {
	now := fixedNow
	m := NewMemoryRepository()
	m.now = func() time.Time { return now }
	return m, &now
}

func insert(t *testing.T, m *MemoryRepository, c *contact.Contact) {
	t.Helper()
	require.NoError(t, m.WithTx(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.InsertContact(ctx, c)
	}))
}

func TestMemoryInsertAndFind(t *testing.T) {
	m, _ := newTestMemory()
	c := &contact.Contact{ID: "id-1", Source: "acmecrm", SourceID: "c1", Fields: contact.Fields{FirstName: "Ada", Tags: []string{"vip"}}}
	insert(t, m, c)
	assert.Equal(t, int64(1), c.Version)

	got, err := m.FindContactBySource(context.Background(), "acmecrm", "c1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", got.FirstName)
	assert.Equal(t, contact.StatusActive, got.Status)

	got.Tags[0] = "mutated"
	again, err := m.GetContact(context.Background(), "id-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"vip"}, again.Tags)
}

func TestMemoryInsertDuplicate(t *testing.T) {
	m, _ := newTestMemory()
	insert(t, m, &contact.Contact{ID: "id-1", Source: "acmecrm", SourceID: "c1"})

	err := m.WithTx(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.InsertContact(ctx, &contact.Contact{ID: "id-2", Source: "acmecrm", SourceID: "c1"})
	})
	assert.ErrorIs(t, err, ErrDuplicate)

	all, err := m.ListContacts(context.Background(), ContactFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestMemoryWithTxRollsBack(t *testing.T) {
	m, _ := newTestMemory()
	_, err := m.CreateInboundEvent(context.Background(), &InboundEvent{EventID: "evt-1", EventType: "created"})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = m.WithTx(context.Background(), func(ctx context.Context, tx Tx) error {
		if err := tx.InsertContact(ctx, &contact.Contact{ID: "id-1", Source: "acmecrm", SourceID: "c1"}); err != nil {
			return err
		}
		if err := tx.CompleteInboundEvent(ctx, "evt-1", fixedNow); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = m.FindContactBySource(context.Background(), "acmecrm", "c1")
	assert.ErrorIs(t, err, ErrNotFound)
	ev, err := m.GetInboundEvent(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.Equal(t, EventPending, ev.Status)
}

func TestMemoryUpdateContactOptimistic(t *testing.T) {
	m, now := newTestMemory()
	insert(t, m, &contact.Contact{ID: "id-1", Source: "acmecrm", SourceID: "c1"})

	*now = now.Add(time.Minute)
	c, err := m.GetContact(context.Background(), "id-1")
	require.NoError(t, err)
	c.Email = "ada@example.com"
	require.NoError(t, m.UpdateContact(context.Background(), c, 1))
	assert.Equal(t, int64(2), c.Version)
	assert.Equal(t, *now, c.UpdatedAt)

	stale := *c
	err = m.UpdateContact(context.Background(), &stale, 1)
	assert.True(t, failures.Is(err, failures.CodeConflict))

	err = m.UpdateContact(context.Background(), &contact.Contact{ID: "nope"}, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryInboundLifecycle(t *testing.T) {
	m, _ := newTestMemory()
	ctx := context.Background()

	created, err := m.CreateInboundEvent(ctx, &InboundEvent{EventID: "evt-1", EventType: "created", Payload: []byte(`{}`)})
	require.NoError(t, err)
	assert.True(t, created)
	created, err = m.CreateInboundEvent(ctx, &InboundEvent{EventID: "evt-1", EventType: "created"})
	require.NoError(t, err)
	assert.False(t, created)

	prev, err := m.MarkInboundProcessing(ctx, &InboundEvent{EventID: "evt-1", EventType: "created", Payload: []byte(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, EventPending, prev)

	require.NoError(t, m.FailInboundEvent(ctx, "evt-1", "boom", fixedNow))
	ev, err := m.GetInboundEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, EventFailed, ev.Status)
	assert.Equal(t, "boom", ev.Error)

	prev, err = m.MarkInboundProcessing(ctx, &InboundEvent{EventID: "evt-1", EventType: "created"})
	require.NoError(t, err)
	assert.Equal(t, EventFailed, prev)

	require.NoError(t, m.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.CompleteInboundEvent(ctx, "evt-1", fixedNow)
	}))
	prev, err = m.MarkInboundProcessing(ctx, &InboundEvent{EventID: "evt-1"})
	require.NoError(t, err)
	assert.Equal(t, EventCompleted, prev)
	ev, err = m.GetInboundEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, EventCompleted, ev.Status)
	assert.Empty(t, ev.Error)
}

func TestMemoryExternalRecordUpsert(t *testing.T) {
	m, _ := newTestMemory()
	ctx := context.Background()
	require.NoError(t, m.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.UpsertExternalRecord(ctx, ExternalRecord{Source: "acmecrm", SourceID: "c1", SchemaVersion: 1, Payload: []byte(`{"a":1}`)}); err != nil {
			return err
		}
		return tx.UpsertExternalRecord(ctx, ExternalRecord{Source: "acmecrm", SourceID: "c1", SchemaVersion: 2, Payload: []byte(`{"a":2}`)})
	}))
	require.NoError(t, m.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		rec, err := tx.GetExternalRecord(ctx, "acmecrm", "c1")
		require.NoError(t, err)
		assert.Equal(t, 2, rec.SchemaVersion)
		assert.JSONEq(t, `{"a":2}`, string(rec.Payload))
		_, err = tx.GetExternalRecord(ctx, "acmecrm", "zzz")
		assert.ErrorIs(t, err, ErrNotFound)
		return nil
	}))
}

func TestMemoryDeliveryRetryBudget(t *testing.T) {
	m, _ := newTestMemory()
	ctx := context.Background()
	require.NoError(t, m.CreateDelivery(ctx, &OutboundDelivery{ID: "d-1", EventID: "evt-1", TargetURL: "http://t"}))

	for want := 1; want <= 3; want++ {
		count, ok, err := m.IncrementDeliveryRetry(ctx, "d-1", 3)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, want, count)
	}
	_, ok, err := m.IncrementDeliveryRetry(ctx, "d-1", 3)
	require.NoError(t, err)
	assert.False(t, ok)

	d, err := m.GetDelivery(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, 3, d.RetryCount)
	assert.Equal(t, DeliveryPending, d.Status)
}

func TestMemoryDeliveryRetryConcurrentIncrements(t *testing.T) {
	m, _ := newTestMemory()
	ctx := context.Background()
	require.NoError(t, m.CreateDelivery(ctx, &OutboundDelivery{ID: "d-1", EventID: "evt-1", TargetURL: "http://t"}))

	const callers, budget = 20, 5
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		counts []int
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			count, ok, err := m.IncrementDeliveryRetry(ctx, "d-1", budget)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				counts = append(counts, count)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// every granted increment saw a distinct count
	assert.ElementsMatch(t, []int{1, 2, 3, 4, 5}, counts)
	d, err := m.GetDelivery(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, budget, d.RetryCount)
}

func TestMemoryDeliveryStatusTransitions(t *testing.T) {
	m, _ := newTestMemory()
	ctx := context.Background()
	require.NoError(t, m.CreateDelivery(ctx, &OutboundDelivery{ID: "d-1", EventID: "evt-1"}))

	require.NoError(t, m.MarkDeliveryFailed(ctx, "d-1", []byte(`{"statusCode":503}`)))
	d, _ := m.GetDelivery(ctx, "d-1")
	assert.Equal(t, DeliveryFailed, d.Status)

	require.NoError(t, m.MarkDeliveryPending(ctx, "d-1"))
	require.NoError(t, m.MarkDelivered(ctx, "d-1", []byte(`{"statusCode":200}`), fixedNow))
	d, _ = m.GetDelivery(ctx, "d-1")
	assert.Equal(t, DeliveryDelivered, d.Status)
	require.NotNil(t, d.DeliveredAt)
	assert.JSONEq(t, `{"statusCode":200}`, string(d.Details))

	assert.ErrorIs(t, m.MarkDelivered(ctx, "missing", nil, fixedNow), ErrNotFound)
}

func TestMemoryListDeliveriesNewestFirst(t *testing.T) {
	m, now := newTestMemory()
	ctx := context.Background()
	for i, id := range []string{"d-1", "d-2", "d-3"} {
		*now = fixedNow.Add(time.Duration(i) * time.Second)
		require.NoError(t, m.CreateDelivery(ctx, &OutboundDelivery{ID: id, EventID: "evt-" + id}))
	}
	require.NoError(t, m.MarkDeliveryFailed(ctx, "d-2", nil))

	all, err := m.ListDeliveries(ctx, DeliveryFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"d-3", "d-2", "d-1"}, []string{all[0].ID, all[1].ID, all[2].ID})

	failed, err := m.ListDeliveries(ctx, DeliveryFilter{Status: DeliveryFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "d-2", failed[0].ID)

	byEvent, err := m.ListDeliveries(ctx, DeliveryFilter{EventID: "evt-d-1"})
	require.NoError(t, err)
	require.Len(t, byEvent, 1)

	paged, err := m.ListDeliveries(ctx, DeliveryFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, "d-2", paged[0].ID)
}

func TestMemoryListContactsFilters(t *testing.T) {
	m, now := newTestMemory()
	insert(t, m, &contact.Contact{ID: "id-1", Source: "acmecrm", SourceID: "c1"})
	*now = now.Add(time.Second)
	insert(t, m, &contact.Contact{ID: "id-2", Source: "acmecrm", SourceID: "c2", Status: contact.StatusDeleted})
	insert(t, m, &contact.Contact{ID: "id-3", Source: "other", SourceID: "c1"})

	all, err := m.ListContacts(context.Background(), ContactFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "id-1", all[2].ID)

	deleted, err := m.ListContacts(context.Background(), ContactFilter{Status: contact.StatusDeleted})
	require.NoError(t, err)
	require.Len(t, deleted, 1)
	assert.Equal(t, "id-2", deleted[0].ID)

	bySource, err := m.ListContacts(context.Background(), ContactFilter{Source: "acmecrm"})
	require.NoError(t, err)
	assert.Len(t, bySource, 2)
}
