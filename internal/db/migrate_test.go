package db

import (
	"context"
	"errors"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWalkFS_ListsSQLFiles(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/002_b.sql":    {Data: []byte("SELECT 2;")},
		"migrations/001_a.sql":    {Data: []byte("SELECT 1;")},
		"migrations/README.md":    {Data: []byte("notes")},
		"migrations/old/x.sql.gz": {Data: []byte{}},
	}

	files, err := WalkFS(fsys, "migrations")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"migrations/001_a.sql", "migrations/002_b.sql"}, files)
}

func TestEmbeddedMigrations(t *testing.T) {
	files, err := WalkFS(Migrations, "migrations")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"migrations/001_market_data.sql",
		"migrations/002_price_change_notify.sql",
	}, files)

	trigger, err := Migrations.ReadFile("migrations/002_price_change_notify.sql")
	require.NoError(t, err)
	assert.Contains(t, string(trigger), "pg_notify('last_price_change'")
}

type flakyApply struct {
	mu       sync.Mutex
	failures int
	calls    []time.Time
	clock    clockwork.Clock
}

func (f *flakyApply) apply(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, f.clock.Now())
	if len(f.calls) <= f.failures {
		return errors.New("connection refused")
	}
	return nil
}

func (f *flakyApply) attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestApplyWithRetry_RetriesUntilDatabaseIsUp(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f := &flakyApply{failures: 3, clock: clock}
	start := clock.Now()

	done := make(chan error, 1)
	go func() {
		done <- ApplyWithRetry(context.Background(), f.apply, RetryOptions{
			InitialBackoff: time.Second,
			MaxBackoff:     2 * time.Second,
			Clock:          clock,
		}, nil)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, wait := range []time.Duration{time.Second, 2 * time.Second, 2 * time.Second} {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(wait)
	}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ApplyWithRetry did not return")
	}

	require.Equal(t, 4, f.attempts())
	assert.Equal(t, []time.Duration{0, time.Second, 3 * time.Second, 5 * time.Second}, []time.Duration{
		f.calls[0].Sub(start), f.calls[1].Sub(start), f.calls[2].Sub(start), f.calls[3].Sub(start),
	})
}

func TestApplyWithRetry_StopsOnCancel(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f := &flakyApply{failures: 1_000, clock: clock}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- ApplyWithRetry(ctx, f.apply, RetryOptions{Clock: clock}, nil)
	}()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("ApplyWithRetry ignored cancellation")
	}
	assert.Equal(t, 1, f.attempts())
}
