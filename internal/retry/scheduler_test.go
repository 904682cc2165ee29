package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"price-alert-engine/internal/models"
)

// memStore is a minimal in-memory delivery store.
type memStore struct {
	mu       sync.Mutex
	attempts map[string]models.DeliveryAttempt
}

func newMemStore(attempts ...models.DeliveryAttempt) *memStore {
	s := &memStore{attempts: make(map[string]models.DeliveryAttempt)}
	for _, a := range attempts {
		s.attempts[a.ID] = a
	}
	return s
}

func (s *memStore) UpdateAttempt(_ context.Context, a models.DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[a.ID] = a
	return nil
}

func (s *memStore) ClaimDueAttempts(_ context.Context, now time.Time, lease time.Duration, maxAttempts, limit int) ([]models.DeliveryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.DeliveryAttempt
	for id, a := range s.attempts {
		if len(out) >= limit {
			break
		}
		if a.Terminal() || a.NextRetryAt.After(now) || a.Attempts >= maxAttempts {
			continue
		}
		a.NextRetryAt = now.Add(lease)
		s.attempts[id] = a
		out = append(out, a)
	}
	return out, nil
}

func (s *memStore) get(id string) models.DeliveryAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[id]
}

type recordingHandler struct {
	mu          sync.Mutex
	redelivered []string
	recovered   []time.Time
	fail        error
}

func (h *recordingHandler) Redeliver(_ context.Context, a models.DeliveryAttempt) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.redelivered = append(h.redelivered, a.ID)
	return h.fail
}

func (h *recordingHandler) RecoverFires(_ context.Context, before time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recovered = append(h.recovered, before)
	return nil
}

func newTestScheduler(store Store, now time.Time) *Scheduler {
	return New(store, Config{
		Policy:       Policy{MaxAttempts: 3, Base: 30 * time.Second, Cap: time.Hour, Jitter: fullJitter},
		PollInterval: 10 * time.Millisecond,
		Lease:        2 * time.Minute,
		Logger:       zerolog.Nop(),
		Now:          func() time.Time { return now },
	})
}

func TestScheduleRetryPersists(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	s := newTestScheduler(store, now)

	a := models.DeliveryAttempt{ID: "a1", ChannelKind: "telegram", Status: models.StatusPending, Attempts: 1}
	next, err := s.ScheduleRetry(context.Background(), a, errors.New("429"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, next.Status)
	assert.Equal(t, now.Add(30*time.Second), store.get("a1").NextRetryAt)

	a.Attempts = 3
	next, err = s.ScheduleRetry(context.Background(), a, errors.New("429"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusExhausted, next.Status)
	assert.Equal(t, models.StatusExhausted, store.get("a1").Status)
}

func TestRunOnceClaimsDueOnly(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore(
		models.DeliveryAttempt{ID: "due", Status: models.StatusFailed, Attempts: 1, NextRetryAt: now.Add(-time.Second)},
		models.DeliveryAttempt{ID: "future", Status: models.StatusFailed, Attempts: 1, NextRetryAt: now.Add(time.Minute)},
		models.DeliveryAttempt{ID: "sent", Status: models.StatusSent, Attempts: 1, NextRetryAt: now.Add(-time.Minute)},
		models.DeliveryAttempt{ID: "spent", Status: models.StatusFailed, Attempts: 3, NextRetryAt: now.Add(-time.Minute)},
	)
	s := newTestScheduler(store, now)
	h := &recordingHandler{}

	n, err := s.RunOnce(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"due"}, h.redelivered)
	require.Len(t, h.recovered, 1)
	assert.Equal(t, now.Add(-2*time.Minute), h.recovered[0], "only fires older than the lease are recovered")

	// the claim leased the attempt; a second pass finds nothing
	n, err = s.RunOnce(context.Background(), h)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunOnceKeepsGoingOnHandlerError(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore(
		models.DeliveryAttempt{ID: "a", Status: models.StatusPending, NextRetryAt: now},
		models.DeliveryAttempt{ID: "b", Status: models.StatusPending, NextRetryAt: now},
	)
	h := &recordingHandler{fail: errors.New("db hiccup")}

	n, err := newTestScheduler(store, now).RunOnce(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, h.redelivered, 2)
}

func TestRunStopsOnCancel(t *testing.T) {
	store := newMemStore()
	s := newTestScheduler(store, time.Now())
	h := &recordingHandler{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, h) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	assert.NotEmpty(t, h.recovered)
}
