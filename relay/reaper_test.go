package relay

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"msgrelay/models"
	"msgrelay/store"
)

func TestReaperTickEvictsOnlyIdle(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, st.Upsert(ctx, "stale", "c1", now.Add(-6*time.Minute)))
	require.NoError(t, st.Upsert(ctx, "fresh", "c2", now.Add(-4*time.Minute)))
	require.NoError(t, st.Append(ctx, msg("m1", "alice", "stale")))

	r := NewReaper(st, 5*time.Minute, time.Minute, zerolog.Nop())
	r.now = func() time.Time { return now }

	require.Equal(t, 1, r.Tick(ctx))

	_, err := st.Lookup(ctx, "stale")
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.Lookup(ctx, "fresh")
	require.NoError(t, err)

	// Reaping never touches queued messages.
	require.Equal(t, []string{"m1"}, queuedIDs(t, st, "stale"))

	// A repeated tick is harmless.
	require.Equal(t, 0, r.Tick(ctx))
}

func TestReaperTickIgnoresCancellation(t *testing.T) {
	st := store.NewMemoryStore()
	now := time.Now()
	require.NoError(t, st.Upsert(context.Background(), "stale", "c1", now.Add(-time.Hour)))

	r := NewReaper(st, time.Minute, time.Minute, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.Equal(t, 1, r.Tick(ctx))
}

func TestReaperRunStopsOnCancel(t *testing.T) {
	st := store.NewMemoryStore()
	require.NoError(t, st.Upsert(context.Background(), "stale", "c1", time.Now().Add(-time.Hour)))

	r := NewReaper(st, time.Minute, 10*time.Millisecond, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, err := st.Lookup(context.Background(), "stale")
		return err == store.ErrNotFound
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}

func TestReaperSurvivesFreshSessionThroughEngine(t *testing.T) {
	e, st, _ := setupEngine(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	e.now = func() time.Time { return now.Add(-10 * time.Minute) }
	require.NoError(t, e.Connect(ctx, "bob", "c1"))

	r := NewReaper(st, 5*time.Minute, time.Minute, zerolog.Nop())
	r.now = func() time.Time { return now }

	// A heartbeat just before the tick keeps the session alive.
	e.now = func() time.Time { return now.Add(-time.Second) }
	require.NoError(t, e.Heartbeat(ctx, "bob", "c1"))
	require.Equal(t, 0, r.Tick(ctx))

	sess, err := st.Lookup(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, "c1", sess.ConnRef)
}

// reconnectDuringTick reconnects address right after the reaper's scan, before
// any removal runs.
type reconnectDuringTick struct {
	*store.MemoryStore
	address, connRef string
	at               time.Time
}

func (s reconnectDuringTick) ListIdleOlderThan(ctx context.Context, threshold time.Duration, now time.Time) ([]models.Session, error) {
	idle, err := s.MemoryStore.ListIdleOlderThan(ctx, threshold, now)
	if err != nil {
		return nil, err
	}
	return idle, s.Upsert(ctx, s.address, s.connRef, s.at)
}

func TestReaperKeepsSessionReconnectedDuringTick(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st := reconnectDuringTick{
		MemoryStore: store.NewMemoryStore(),
		address:     "bob",
		connRef:     "c2",
		at:          now,
	}
	require.NoError(t, st.Upsert(ctx, "bob", "c1", now.Add(-time.Hour)))
	require.NoError(t, st.Upsert(ctx, "carol", "c3", now.Add(-time.Hour)))

	r := NewReaper(st, 5*time.Minute, time.Minute, zerolog.Nop())
	r.now = func() time.Time { return now }

	require.Equal(t, 1, r.Tick(ctx))

	sess, err := st.Lookup(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, "c2", sess.ConnRef)
	_, err = st.Lookup(ctx, "carol")
	require.ErrorIs(t, err, store.ErrNotFound)
}
