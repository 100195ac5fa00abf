package sender

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replicator/internal/deadletter"
	"replicator/internal/envelope"
	"replicator/internal/platform/backoff"
)

func testEnvelope(t *testing.T) *envelope.Envelope {
	t.Helper()
	return &envelope.Envelope{
		Version:       envelope.Version,
		Timestamp:     time.Date(2026, 5, 1, 12, 0, 0, 123456789, time.UTC),
		Table:         "nis2_audit_log",
		Operation:     envelope.OpInsert,
		EncryptedData: []byte("ciphertext"),
		EncryptedKey:  []byte("wrapped-session-key"),
		IV:            make([]byte, 12),
		Tag:           make([]byte, 16),
		KeyID:         "key-a",
	}
}

func newTestClient(t *testing.T, cfg Config) (*Client, *[]time.Duration) {
	t.Helper()
	if cfg.Backoff == (backoff.Policy{}) {
		cfg.Backoff = backoff.Policy{Min: 10 * time.Millisecond, Max: time.Second, Factor: 2}
	}
	c, err := New(cfg)
	require.NoError(t, err)

	var slept []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return c, &slept
}

func TestDeliverSucceedsAfterTransientFailures(t *testing.T) {
	var calls int
	var bodies [][]byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		body, _ := io.ReadAll(r.Body)
		bodies = append(bodies, body)

		assert.Equal(t, "/envelopes", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("Idempotency-Key"))

		if calls <= 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	store, err := deadletter.NewDisk(t.TempDir())
	require.NoError(t, err)
	c, slept := newTestClient(t, Config{
		BaseURL:     srv.URL,
		Token:       "test-token",
		MaxAttempts: 5,
		DeadLetter:  store,
	})

	require.NoError(t, c.Deliver(context.Background(), testEnvelope(t)))
	assert.Equal(t, 4, calls, "fails three times, succeeds on the fourth")

	// Backoff grows attempt over attempt.
	require.Len(t, *slept, 3)
	for i := 1; i < len(*slept); i++ {
		assert.GreaterOrEqual(t, (*slept)[i], (*slept)[i-1])
	}

	// Identical bytes on every attempt keeps the idempotency key stable.
	for i := 1; i < len(bodies); i++ {
		assert.Equal(t, bodies[0], bodies[i])
	}

	n, err := store.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestDeliverExhaustionDeadLettersOnce(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store, err := deadletter.NewDisk(t.TempDir())
	require.NoError(t, err)
	c, _ := newTestClient(t, Config{
		BaseURL:     srv.URL,
		MaxAttempts: 3,
		DeadLetter:  store,
	})

	env := testEnvelope(t)
	err = c.Deliver(context.Background(), env)
	assert.ErrorIs(t, err, ErrMaxAttempts)
	assert.Equal(t, 3, calls)

	n, err := store.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "envelope lands in the dead-letter store exactly once")

	require.NoError(t, store.Replay(context.Background(), func(e deadletter.Entry) error {
		assert.Equal(t, env.IdempotencyKey(), e.Envelope.IdempotencyKey())
		assert.Equal(t, 3, e.Attempts)
		return nil
	}))
}

func TestDeliverRejectedIsNotRetried(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	store, err := deadletter.NewDisk(t.TempDir())
	require.NoError(t, err)
	c, slept := newTestClient(t, Config{
		BaseURL:     srv.URL,
		MaxAttempts: 5,
		DeadLetter:  store,
	})

	err = c.Deliver(context.Background(), testEnvelope(t))
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, 1, calls, "malformed envelopes are not retried")
	assert.Empty(t, *slept)

	n, err := store.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDeliverHonorsRetryAfter(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c, slept := newTestClient(t, Config{BaseURL: srv.URL, MaxAttempts: 3})

	require.NoError(t, c.Deliver(context.Background(), testEnvelope(t)))
	require.Len(t, *slept, 1)
	assert.Equal(t, 7*time.Second, (*slept)[0], "server hint overrides computed backoff")
}

func TestDeliverBatch(t *testing.T) {
	var got []json.RawMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/envelopes/bulk", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, Config{BaseURL: srv.URL, MaxAttempts: 3})

	base := testEnvelope(t)
	second := *base
	second.Timestamp = base.Timestamp.Add(time.Millisecond)

	require.NoError(t, c.DeliverBatch(context.Background(), []*envelope.Envelope{base, &second}))
	assert.Len(t, got, 2)
}

func TestDeliverBatchParksEveryEnvelopeOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	store, err := deadletter.NewDisk(t.TempDir())
	require.NoError(t, err)
	c, _ := newTestClient(t, Config{BaseURL: srv.URL, MaxAttempts: 2, DeadLetter: store})

	base := testEnvelope(t)
	second := *base
	second.Timestamp = base.Timestamp.Add(time.Millisecond)

	err = c.DeliverBatch(context.Background(), []*envelope.Envelope{base, &second})
	assert.ErrorIs(t, err, ErrMaxAttempts)

	n, err := store.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestDeliverStopsOnContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, MaxAttempts: 10, Backoff: backoff.Policy{Min: time.Hour, Max: time.Hour, Factor: 2}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = c.Deliver(ctx, testEnvelope(t))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrMaxAttempts)
}

// contextAwareStore rejects operations once the context is done, like the
// redis backend whose client aborts commands on cancellation.
type contextAwareStore struct {
	inner deadletter.Store
}

func (s *contextAwareStore) Write(ctx context.Context, env *envelope.Envelope, reason string, attempts int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.inner.Write(ctx, env, reason, attempts)
}

func (s *contextAwareStore) Replay(ctx context.Context, fn func(deadletter.Entry) error) error {
	return s.inner.Replay(ctx, fn)
}

func (s *contextAwareStore) Remove(ctx context.Context, key string) error {
	return s.inner.Remove(ctx, key)
}

func (s *contextAwareStore) Len(ctx context.Context) (int, error) {
	return s.inner.Len(ctx)
}

// A delivery interrupted by shutdown still owes its envelope to the
// dead-letter store, even when the store itself refuses cancelled contexts.
func TestDeliverParksAfterContextCancel(t *testing.T) {
	disk, err := deadletter.NewDisk(t.TempDir())
	require.NoError(t, err)

	c, _ := newTestClient(t, Config{
		BaseURL:     "http://127.0.0.1:0",
		MaxAttempts: 3,
		DeadLetter:  &contextAwareStore{inner: disk},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = c.Deliver(ctx, testEnvelope(t))
	require.Error(t, err)

	n, err := disk.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "interrupted delivery must still park its envelope")
}

func TestHealthListFetch(t *testing.T) {
	stored := testEnvelope(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/health":
			assert.Empty(t, r.Header.Get("Authorization"))
			w.WriteHeader(http.StatusOK)
		case r.URL.Path == "/envelopes" && r.Method == http.MethodGet:
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			_ = json.NewEncoder(w).Encode(listResponse{
				Count: 1,
				Envelopes: []Metadata{{
					ID: 1, Table: stored.Table, Operation: string(stored.Operation), KeyID: stored.KeyID,
				}},
			})
		case r.URL.Path == "/envelopes/1":
			_ = json.NewEncoder(w).Encode(stored)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c, _ := newTestClient(t, Config{BaseURL: srv.URL, Token: "tok", MaxAttempts: 1})
	ctx := context.Background()

	require.NoError(t, c.Health(ctx))

	metas, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, "nis2_audit_log", metas[0].Table)

	env, err := c.Fetch(ctx, metas[0].ID)
	require.NoError(t, err)
	assert.Equal(t, stored.IdempotencyKey(), env.IdempotencyKey())

	_, err = c.Fetch(ctx, 42)
	assert.ErrorContains(t, err, "status 404")
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{MaxAttempts: 3})
	assert.ErrorContains(t, err, "base URL")

	_, err = New(Config{BaseURL: "http://x", MaxAttempts: 0})
	assert.ErrorContains(t, err, "max attempts")
}
