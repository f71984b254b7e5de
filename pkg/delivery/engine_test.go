package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/go-contactsync/pkg/config"
	"github.com/zoff-tech/go-contactsync/pkg/events"
	"github.com/zoff-tech/go-contactsync/pkg/failures"
	"github.com/zoff-tech/go-contactsync/pkg/signature"
	"github.com/zoff-tech/go-contactsync/pkg/store"
)

const testSecret = "outbound-secret"

var contactData = json.RawMessage(`{"id":"c1","firstName":"Ada","lastName":"Lovelace","email":"ada@example.com"}`)

func newTestEngine(t *testing.T, maxRetries int) (*Engine, *store.MemoryRepository, *RetryQueue) {
	t.Helper()
	repo := store.NewMemoryRepository()
	q := startQueue(t, 2, 0, 1)
	e := NewEngine(repo, q, config.DeliverySettings{
		Secret:       testSecret,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		MaxRetries:   maxRetries,
		Timeout:      time.Second,
	}, nil)
	return e, repo, q
}

func closedServerURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	u := srv.URL
	srv.Close()
	return u
}

func decodeDetails(t *testing.T, d *store.OutboundDelivery) Details {
	t.Helper()
	var out Details
	require.NoError(t, json.Unmarshal(d.Details, &out))
	return out
}

func TestBackoff_DoublesUpToCap(t *testing.T) {
	e := NewEngine(store.NewMemoryRepository(), nil, config.DeliverySettings{
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
	}, nil)

	want := []time.Duration{1, 2, 4, 8, 16, 32, 60}
	for n, w := range want {
		assert.Equal(t, w*time.Second, e.Backoff(n), "retry %d", n)
	}
	assert.Equal(t, time.Minute, e.Backoff(200))
}

func TestShouldRetry(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"server error", failures.Transient(nil, "target answered 503"), true},
		{"client error", failures.PermanentDelivery(http.StatusBadRequest, "target answered 400"), false},
		{"url error", &url.Error{Op: "Post", URL: "http://x", Err: errors.New("refused")}, true},
		{"net error", &net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ShouldRetry(tc.err))
		})
	}
}

func TestGenerateEvent(t *testing.T) {
	e, _, _ := newTestEngine(t, 3)
	e.newID = func() string { return "evt-1" }
	e.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }

	ev, err := e.GenerateEvent("contact.updated", contactData)
	require.NoError(t, err)
	assert.Equal(t, "contact.updated", ev.Event)
	assert.Equal(t, "evt-1", ev.ID)
	assert.Equal(t, "2024-03-01T12:00:00Z", ev.Timestamp)
	assert.JSONEq(t, string(contactData), string(ev.Data))
	assert.Equal(t, events.ContactUpdated, ev.Type())

	_, err = e.GenerateEvent("contact.merged", contactData)
	assert.True(t, failures.Is(err, failures.CodeValidation))
}

func TestDeliver_SignedAndPersistedBeforeSend(t *testing.T) {
	e, repo, _ := newTestEngine(t, 3)
	verifier := signature.NewVerifier(testSecret, 5*time.Minute)

	var seenPending atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := verifier.Verify(body, r.Header.Get(signature.HeaderSignature), r.Header.Get(signature.HeaderTimestamp)); err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		rows, _ := repo.ListDeliveries(r.Context(), store.DeliveryFilter{})
		seenPending.Store(len(rows) == 1 && rows[0].Status == store.DeliveryPending)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	res, err := e.Simulate(context.Background(), "contact.created", contactData, srv.URL)
	require.NoError(t, err)
	assert.True(t, seenPending.Load())

	d, err := repo.GetDelivery(context.Background(), res.Delivery.ID)
	require.NoError(t, err)
	assert.Equal(t, store.DeliveryDelivered, d.Status)
	assert.Equal(t, res.Event.ID, d.EventID)
	assert.Equal(t, "contact.created", d.EventType)
	assert.Equal(t, 0, d.RetryCount)
	require.NotNil(t, d.DeliveredAt)
	details := decodeDetails(t, d)
	assert.Equal(t, http.StatusOK, details.StatusCode)
	assert.Equal(t, `{"ok":true}`, details.Body)
}

func TestDeliver_ClientErrorIsNotRetried(t *testing.T) {
	e, repo, q := newTestEngine(t, 3)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	res, err := e.Simulate(context.Background(), "contact.deleted", json.RawMessage(`{"id":"c1"}`), srv.URL)
	require.NoError(t, err)

	d, err := repo.GetDelivery(context.Background(), res.Delivery.ID)
	require.NoError(t, err)
	assert.Equal(t, store.DeliveryFailed, d.Status)
	assert.Equal(t, 0, d.RetryCount)
	assert.Equal(t, 0, q.Pending())
	details := decodeDetails(t, d)
	assert.Equal(t, http.StatusBadRequest, details.StatusCode)
	assert.False(t, details.Retryable)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDeliver_UnreachableTargetExhaustsRetries(t *testing.T) {
	e, repo, q := newTestEngine(t, 3)

	res, err := e.Simulate(context.Background(), "contact.updated", contactData, closedServerURL(t))
	require.NoError(t, err)
	id := res.Delivery.ID

	require.Eventually(t, func() bool {
		d, err := repo.GetDelivery(context.Background(), id)
		return err == nil && d.Status == store.DeliveryFailed && d.RetryCount == 3 && q.Pending() == 0
	}, 3*time.Second, 10*time.Millisecond)

	// nothing else is scheduled once the budget is spent
	time.Sleep(50 * time.Millisecond)
	d, err := repo.GetDelivery(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.DeliveryFailed, d.Status)
	assert.Equal(t, 3, d.RetryCount)
	assert.Equal(t, 0, q.Pending())
	details := decodeDetails(t, d)
	assert.True(t, details.Retryable)
	assert.NotEmpty(t, details.Error)
}

func TestDeliver_ServerErrorRetriedUntilSuccess(t *testing.T) {
	e, repo, q := newTestEngine(t, 3)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	res, err := e.Simulate(context.Background(), "contact.updated", contactData, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, store.DeliveryFailed, res.Delivery.Status)

	require.Eventually(t, func() bool {
		d, err := repo.GetDelivery(context.Background(), res.Delivery.ID)
		return err == nil && d.Status == store.DeliveryDelivered
	}, 3*time.Second, 10*time.Millisecond)

	d, err := repo.GetDelivery(context.Background(), res.Delivery.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, d.RetryCount)
	assert.Equal(t, int32(3), calls.Load())
	assert.Eventually(t, func() bool { return q.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestSimulate_RejectsBadInput(t *testing.T) {
	e, repo, _ := newTestEngine(t, 3)

	_, err := e.Simulate(context.Background(), "contact.updated", contactData, "not a url")
	assert.True(t, failures.Is(err, failures.CodeValidation))

	_, err = e.Simulate(context.Background(), "order.created", contactData, "http://localhost:1")
	assert.True(t, failures.Is(err, failures.CodeValidation))

	rows, err := repo.ListDeliveries(context.Background(), store.DeliveryFilter{})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestHistory_FiltersNewestFirst(t *testing.T) {
	e, repo, _ := newTestEngine(t, 0)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, st := range []store.DeliveryStatus{store.DeliveryDelivered, store.DeliveryFailed, store.DeliveryDelivered} {
		require.NoError(t, repo.CreateDelivery(ctx, &store.OutboundDelivery{
			ID:        string(rune('a' + i)),
			EventID:   "evt",
			Status:    st,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	rows, err := e.History(ctx, store.DeliveryFilter{Status: store.DeliveryDelivered})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "c", rows[0].ID)
	assert.Equal(t, "a", rows[1].ID)
}

func TestRecover_ReattemptsPendingRows(t *testing.T) {
	e, repo, q := newTestEngine(t, 3)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ev, err := e.GenerateEvent("contact.created", contactData)
	require.NoError(t, err)
	payload, err := json.Marshal(ev)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, repo.CreateDelivery(ctx, &store.OutboundDelivery{
		ID: "stuck", EventID: ev.ID, EventType: ev.Event, TargetURL: srv.URL, Status: store.DeliveryPending, Payload: payload,
	}))
	require.NoError(t, repo.CreateDelivery(ctx, &store.OutboundDelivery{
		ID: "done", EventID: ev.ID, EventType: ev.Event, TargetURL: srv.URL, Status: store.DeliveryDelivered, Payload: payload,
	}))

	n, err := e.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Eventually(t, func() bool {
		d, err := repo.GetDelivery(ctx, "stuck")
		return err == nil && d.Status == store.DeliveryDelivered
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return q.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRecover_ResumesFailedRowsWithBudget(t *testing.T) {
	e, repo, q := newTestEngine(t, 3)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ev, err := e.GenerateEvent("contact.updated", contactData)
	require.NoError(t, err)
	payload, err := json.Marshal(ev)
	require.NoError(t, err)
	ctx := context.Background()
	rows := []struct {
		id        string
		count     int
		retryable bool
	}{
		{"resume", 1, true},
		{"exhausted", 3, true},
		{"permanent", 0, false},
	}
	for _, r := range rows {
		details, err := json.Marshal(Details{StatusCode: http.StatusServiceUnavailable, Retryable: r.retryable})
		require.NoError(t, err)
		require.NoError(t, repo.CreateDelivery(ctx, &store.OutboundDelivery{
			ID: r.id, EventID: ev.ID, EventType: ev.Event, TargetURL: srv.URL,
			Status: store.DeliveryFailed, RetryCount: r.count, Payload: payload, Details: details,
		}))
	}

	n, err := e.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Eventually(t, func() bool {
		d, err := repo.GetDelivery(ctx, "resume")
		return err == nil && d.Status == store.DeliveryDelivered
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return q.Pending() == 0 }, time.Second, 5*time.Millisecond)

	for _, id := range []string{"exhausted", "permanent"} {
		d, err := repo.GetDelivery(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.DeliveryFailed, d.Status, id)
	}
	d, err := repo.GetDelivery(ctx, "resume")
	require.NoError(t, err)
	assert.Equal(t, 1, d.RetryCount)
}
