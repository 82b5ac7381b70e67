package store

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestRedisStore(t *testing.T) {
	runBackendSuite(t, func(t *testing.T) Backend {
		mr := miniredis.RunT(t)
		s, err := NewRedisStore(context.Background(), "redis://"+mr.Addr())
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestRedisKeysShareClusterSlot(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	s, err := NewRedisStore(ctx, "redis://"+mr.Addr())
	require.NoError(t, err)
	defer s.Close()

	now := time.Now()
	require.NoError(t, s.Upsert(ctx, "alice", "conn-1", now))
	_, err = s.Touch(ctx, "bob", "conn-2", now)
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, testMessage("m1", "alice", "bob")))
	require.NoError(t, s.Append(ctx, testMessage("m1", "alice", "carol")))
	require.NoError(t, s.Append(ctx, testMessage("m2", "alice", "bob")))
	_, err = s.DeleteByID(ctx, "m2")
	require.NoError(t, err)

	keys := mr.Keys()
	require.NotEmpty(t, keys)
	for _, key := range keys {
		require.True(t, strings.HasPrefix(key, "{relay}:"), "key %q outside the {relay} slot", key)
	}
	require.False(t, mr.Exists(inboxKey("bob")), "moved message left in old inbox")
}

func TestNewRedisStoreBadURL(t *testing.T) {
	_, err := NewRedisStore(context.Background(), "not a url")
	require.Error(t, err)
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("MSGRELAY_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("MSGRELAY_TEST_DATABASE_URL not set")
	}

	runBackendSuite(t, func(t *testing.T) Backend {
		ctx := context.Background()
		s, err := NewPostgresStore(ctx, url)
		require.NoError(t, err)
		_, err = s.pool.Exec(ctx, "TRUNCATE relay_sessions, relay_messages")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}
