package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	cutoff   time.Time
	deleted  int64
	err      error
	acquired bool
	locked   bool
	unlocked bool
}

func (f *fakeStore) DeleteSamplesBefore(_ context.Context, olderThan time.Time) (int64, error) {
	f.cutoff = olderThan
	return f.deleted, f.err
}

type lockingStore struct{ *fakeStore }

func (l lockingStore) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	l.locked = true
	if !l.acquired {
		return nil, false, nil
	}
	return func() { l.unlocked = true }, true, nil
}

func TestRunOnceUsesMaxAge(t *testing.T) {
	store := &fakeStore{deleted: 12}
	p := NewPruner(store, 24*time.Hour, zerolog.Nop())
	now := time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	n, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 12, n)
	assert.Equal(t, now.Add(-24*time.Hour), store.cutoff)
}

func TestRunOnceWrapsErrors(t *testing.T) {
	p := NewPruner(&fakeStore{err: errors.New("disk full")}, time.Hour, zerolog.Nop())
	_, err := p.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestRunOnceRespectsAdvisoryLock(t *testing.T) {
	held := lockingStore{&fakeStore{deleted: 5}}
	n, err := NewPruner(held, time.Hour, zerolog.Nop()).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, held.locked)
	assert.True(t, held.cutoff.IsZero())

	free := lockingStore{&fakeStore{deleted: 5, acquired: true}}
	n, err = NewPruner(free, time.Hour, zerolog.Nop()).RunOnce(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)
	assert.True(t, free.unlocked)
}

func TestNewServiceRejectsBadSchedule(t *testing.T) {
	_, err := NewService(context.Background(), "every tuesday", NewPruner(&fakeStore{}, time.Hour, zerolog.Nop()))
	require.Error(t, err)
}

func TestServiceStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	svc, err := NewService(ctx, "@daily", NewPruner(&fakeStore{}, time.Hour, zerolog.Nop()))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop")
	}
}
