package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasapahq/kasapa/internal/db"
)

type fakeReaperStore struct {
	expired    []uuid.UUID
	findErr    error
	findCutoff time.Time
	findLimit  int

	released   []uuid.UUID
	reasons    []string
	releaseErr map[uuid.UUID]error
}

func (f *fakeReaperStore) FindExpiredReservations(_ context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	f.findCutoff = cutoff
	f.findLimit = limit
	if f.findErr != nil {
		return nil, f.findErr
	}
	return f.expired, nil
}

func (f *fakeReaperStore) ReleaseReservation(_ context.Context, orderID uuid.UUID, reason string) (*db.ReleaseOutcome, error) {
	if err, ok := f.releaseErr[orderID]; ok {
		return nil, err
	}
	f.released = append(f.released, orderID)
	f.reasons = append(f.reasons, reason)
	return &db.ReleaseOutcome{OrderID: orderID, UnitsRestocked: 2}, nil
}

func TestReleaseExpiredReservations(t *testing.T) {
	t.Parallel()

	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	store := &fakeReaperStore{expired: ids}
	svc := NewReaperService(store, 30*time.Minute, 200, testLogger())

	result, err := svc.ReleaseExpiredReservations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Scanned)
	assert.Equal(t, 3, result.Released)
	assert.Equal(t, ids, store.released)
	assert.Equal(t, 200, store.findLimit)

	for _, reason := range store.reasons {
		assert.Equal(t, "Reservation expired", reason)
	}

	// Cutoff is the reservation window back from now.
	assert.WithinDuration(t, time.Now().UTC().Add(-30*time.Minute), store.findCutoff, 5*time.Second)
}

func TestReleaseSkipsOrdersPaidInTheMeantime(t *testing.T) {
	t.Parallel()

	paid := uuid.New()
	stale := uuid.New()
	store := &fakeReaperStore{
		expired:    []uuid.UUID{paid, stale},
		releaseErr: map[uuid.UUID]error{paid: db.ErrReservationNotReleasable},
	}
	svc := NewReaperService(store, 30*time.Minute, 200, testLogger())

	result, err := svc.ReleaseExpiredReservations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Scanned)
	assert.Equal(t, 1, result.Released)
	assert.Equal(t, []uuid.UUID{stale}, store.released)
}

func TestReleaseIsolatesPerOrderFailures(t *testing.T) {
	t.Parallel()

	broken := uuid.New()
	healthy := uuid.New()
	store := &fakeReaperStore{
		expired:    []uuid.UUID{broken, healthy},
		releaseErr: map[uuid.UUID]error{broken: errors.New("deadlock detected")},
	}
	svc := NewReaperService(store, 30*time.Minute, 200, testLogger())

	result, err := svc.ReleaseExpiredReservations(context.Background())
	require.NoError(t, err, "one failed order must not abort the sweep")
	assert.Equal(t, 2, result.Scanned)
	assert.Equal(t, 1, result.Released)
	assert.Equal(t, []uuid.UUID{healthy}, store.released)
}

func TestReleaseBatchQueryFailure(t *testing.T) {
	t.Parallel()

	store := &fakeReaperStore{findErr: errors.New("connection refused")}
	svc := NewReaperService(store, 30*time.Minute, 200, testLogger())

	_, err := svc.ReleaseExpiredReservations(context.Background())
	require.Error(t, err)
	assert.Empty(t, store.released)
}

func TestReleaseEmptySweep(t *testing.T) {
	t.Parallel()

	store := &fakeReaperStore{}
	svc := NewReaperService(store, 30*time.Minute, 200, testLogger())

	result, err := svc.ReleaseExpiredReservations(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Scanned)
	assert.Zero(t, result.Released)
}
