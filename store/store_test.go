package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"msgrelay/models"
)

// runBackendSuite exercises the session and message contracts every backend
// must satisfy. newBackend must return an empty store.
func runBackendSuite(t *testing.T, newBackend func(t *testing.T) Backend) {
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("UpsertThenLookup", func(t *testing.T) {
		s := newBackend(t)
		require.NoError(t, s.Upsert(ctx, "alice", "conn-1", now))

		sess, err := s.Lookup(ctx, "alice")
		require.NoError(t, err)
		require.Equal(t, "alice", sess.Address)
		require.Equal(t, "conn-1", sess.ConnRef)
		require.True(t, sess.LastSeen.Equal(now), "last seen %v", sess.LastSeen)
	})

	t.Run("UpsertOverwrites", func(t *testing.T) {
		s := newBackend(t)
		require.NoError(t, s.Upsert(ctx, "alice", "conn-1", now))
		later := now.Add(time.Minute)
		require.NoError(t, s.Upsert(ctx, "alice", "conn-2", later))

		sess, err := s.Lookup(ctx, "alice")
		require.NoError(t, err)
		require.Equal(t, "conn-2", sess.ConnRef)
		require.True(t, sess.LastSeen.Equal(later))
	})

	t.Run("LookupMissing", func(t *testing.T) {
		s := newBackend(t)
		_, err := s.Lookup(ctx, "nobody")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("RemoveIsIdempotent", func(t *testing.T) {
		s := newBackend(t)
		require.NoError(t, s.Remove(ctx, "nobody"))
		require.NoError(t, s.Upsert(ctx, "alice", "conn-1", now))
		require.NoError(t, s.Remove(ctx, "alice"))
		require.NoError(t, s.Remove(ctx, "alice"))
		_, err := s.Lookup(ctx, "alice")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("TouchRefreshesOwnSession", func(t *testing.T) {
		s := newBackend(t)
		require.NoError(t, s.Upsert(ctx, "alice", "conn-1", now))

		created, err := s.Touch(ctx, "alice", "conn-1", now.Add(time.Minute))
		require.NoError(t, err)
		require.False(t, created)

		sess, err := s.Lookup(ctx, "alice")
		require.NoError(t, err)
		require.Equal(t, "conn-1", sess.ConnRef)
		require.True(t, sess.LastSeen.Equal(now.Add(time.Minute)))
	})

	t.Run("TouchCreatesMissingSession", func(t *testing.T) {
		s := newBackend(t)
		created, err := s.Touch(ctx, "alice", "conn-1", now)
		require.NoError(t, err)
		require.True(t, created)

		sess, err := s.Lookup(ctx, "alice")
		require.NoError(t, err)
		require.Equal(t, "conn-1", sess.ConnRef)
	})

	t.Run("TouchLeavesNewerConnection", func(t *testing.T) {
		s := newBackend(t)
		require.NoError(t, s.Upsert(ctx, "alice", "conn-old", now))
		require.NoError(t, s.Upsert(ctx, "alice", "conn-new", now.Add(time.Second)))

		_, err := s.Touch(ctx, "alice", "conn-old", now.Add(time.Minute))
		require.ErrorIs(t, err, ErrSuperseded)

		sess, err := s.Lookup(ctx, "alice")
		require.NoError(t, err)
		require.Equal(t, "conn-new", sess.ConnRef)
		require.True(t, sess.LastSeen.Equal(now.Add(time.Second)))
	})

	t.Run("RemoveConnOnlyOwnSession", func(t *testing.T) {
		s := newBackend(t)
		require.NoError(t, s.Upsert(ctx, "alice", "conn-new", now))

		removed, err := s.RemoveConn(ctx, "alice", "conn-old")
		require.NoError(t, err)
		require.False(t, removed)
		_, err = s.Lookup(ctx, "alice")
		require.NoError(t, err)

		removed, err = s.RemoveConn(ctx, "alice", "conn-new")
		require.NoError(t, err)
		require.True(t, removed)
		_, err = s.Lookup(ctx, "alice")
		require.ErrorIs(t, err, ErrNotFound)

		removed, err = s.RemoveConn(ctx, "alice", "conn-new")
		require.NoError(t, err)
		require.False(t, removed)
	})

	t.Run("RemoveIdleRechecksLastSeen", func(t *testing.T) {
		s := newBackend(t)
		cutoff := now.Add(-5 * time.Minute)
		require.NoError(t, s.Upsert(ctx, "stale", "conn-1", now.Add(-10*time.Minute)))
		require.NoError(t, s.Upsert(ctx, "fresh", "conn-2", now))

		removed, err := s.RemoveIdle(ctx, "fresh", cutoff)
		require.NoError(t, err)
		require.False(t, removed)
		_, err = s.Lookup(ctx, "fresh")
		require.NoError(t, err)

		removed, err = s.RemoveIdle(ctx, "stale", cutoff)
		require.NoError(t, err)
		require.True(t, removed)
		_, err = s.Lookup(ctx, "stale")
		require.ErrorIs(t, err, ErrNotFound)

		idle, err := s.ListIdleOlderThan(ctx, 5*time.Minute, now)
		require.NoError(t, err)
		require.Empty(t, idle)
	})

	t.Run("ListIdleOlderThan", func(t *testing.T) {
		s := newBackend(t)
		require.NoError(t, s.Upsert(ctx, "stale", "conn-1", now.Add(-10*time.Minute)))
		require.NoError(t, s.Upsert(ctx, "fresh", "conn-2", now.Add(-time.Minute)))

		idle, err := s.ListIdleOlderThan(ctx, 5*time.Minute, now)
		require.NoError(t, err)
		require.Len(t, idle, 1)
		require.Equal(t, "stale", idle[0].Address)
		require.Equal(t, "conn-1", idle[0].ConnRef)
	})

	t.Run("AppendAndFindInOrder", func(t *testing.T) {
		s := newBackend(t)
		for i := 1; i <= 3; i++ {
			require.NoError(t, s.Append(ctx, testMessage(fmt.Sprintf("m%d", i), "alice", "bob")))
		}
		require.NoError(t, s.Append(ctx, testMessage("other", "alice", "carol")))

		msgs, err := s.FindByReceiver(ctx, "bob")
		require.NoError(t, err)
		require.Equal(t, []string{"m1", "m2", "m3"}, messageIDs(msgs))
		require.Equal(t, testMessage("m1", "alice", "bob"), msgs[0])

		// Re-querying returns the live set.
		_, err = s.DeleteByID(ctx, "m2")
		require.NoError(t, err)
		msgs, err = s.FindByReceiver(ctx, "bob")
		require.NoError(t, err)
		require.Equal(t, []string{"m1", "m3"}, messageIDs(msgs))
	})

	t.Run("AppendEmptyContent", func(t *testing.T) {
		s := newBackend(t)
		msg := testMessage("m1", "alice", "bob")
		msg.Content = models.Text("")
		msg.ChatID = ""
		require.NoError(t, s.Append(ctx, msg))

		got, err := s.DeleteByID(ctx, "m1")
		require.NoError(t, err)
		require.Equal(t, msg, got)
	})

	t.Run("AppendNullContent", func(t *testing.T) {
		s := newBackend(t)
		msg := testMessage("m1", "alice", "bob")
		msg.Content = nil
		require.NoError(t, s.Append(ctx, msg))

		msgs, err := s.FindByReceiver(ctx, "bob")
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		require.Nil(t, msgs[0].Content)

		got, err := s.DeleteByID(ctx, "m1")
		require.NoError(t, err)
		require.Equal(t, msg, got)
	})

	t.Run("AppendDuplicateReplaces", func(t *testing.T) {
		s := newBackend(t)
		require.NoError(t, s.Append(ctx, testMessage("m1", "alice", "bob")))
		require.NoError(t, s.Append(ctx, testMessage("m2", "alice", "bob")))

		replaced := testMessage("m1", "alice", "bob")
		replaced.Content = models.Text("edited")
		require.NoError(t, s.Append(ctx, replaced))

		msgs, err := s.FindByReceiver(ctx, "bob")
		require.NoError(t, err)
		require.Equal(t, []string{"m2", "m1"}, messageIDs(msgs))
		require.Equal(t, "edited", *msgs[1].Content)
	})

	t.Run("AppendDuplicateMovesReceiver", func(t *testing.T) {
		s := newBackend(t)
		require.NoError(t, s.Append(ctx, testMessage("m1", "alice", "bob")))
		require.NoError(t, s.Append(ctx, testMessage("m1", "alice", "carol")))

		msgs, err := s.FindByReceiver(ctx, "bob")
		require.NoError(t, err)
		require.Empty(t, msgs)
		msgs, err = s.FindByReceiver(ctx, "carol")
		require.NoError(t, err)
		require.Equal(t, []string{"m1"}, messageIDs(msgs))
	})

	t.Run("DeleteByID", func(t *testing.T) {
		s := newBackend(t)
		require.NoError(t, s.Append(ctx, testMessage("m1", "alice", "bob")))

		got, err := s.DeleteByID(ctx, "m1")
		require.NoError(t, err)
		require.Equal(t, "alice", got.Sender)

		_, err = s.DeleteByID(ctx, "m1")
		require.ErrorIs(t, err, ErrNotFound)

		msgs, err := s.FindByReceiver(ctx, "bob")
		require.NoError(t, err)
		require.Empty(t, msgs)
	})

	t.Run("ConcurrentAppendAndDelete", func(t *testing.T) {
		s := newBackend(t)
		const n = 20
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				id := fmt.Sprintf("c%d", i)
				if err := s.Append(ctx, testMessage(id, "alice", "bob")); err != nil {
					t.Errorf("append %s: %v", id, err)
					return
				}
				if i%2 == 0 {
					if _, err := s.DeleteByID(ctx, id); err != nil {
						t.Errorf("delete %s: %v", id, err)
					}
				}
			}(i)
		}
		wg.Wait()

		msgs, err := s.FindByReceiver(ctx, "bob")
		require.NoError(t, err)
		require.Len(t, msgs, n/2)
	})
}

func testMessage(id, sender, receiver string) models.Message {
	return models.Message{
		ID:        id,
		ChatID:    "chat-" + sender + "-" + receiver,
		Content:   models.Text("hello from " + sender),
		Sender:    sender,
		Receiver:  receiver,
		Timestamp: "2026-01-02T03:04:05Z",
	}
}

func messageIDs(msgs []models.Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}

func TestMemoryStore(t *testing.T) {
	runBackendSuite(t, func(t *testing.T) Backend {
		return NewMemoryStore()
	})
}

func TestSQLiteStore(t *testing.T) {
	runBackendSuite(t, func(t *testing.T) Backend {
		path := filepath.Join(t.TempDir(), "relay.db")
		s, err := NewSQLiteStore(context.Background(), path)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestOpenUnknownKind(t *testing.T) {
	_, err := Open(context.Background(), "etcd", "")
	require.Error(t, err)
}

func TestOpenMemory(t *testing.T) {
	b, err := Open(context.Background(), KindMemory, "")
	require.NoError(t, err)
	require.NoError(t, b.Ping(context.Background()))
	require.NoError(t, b.Close())
}
