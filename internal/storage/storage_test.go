package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "courier/pkg/logx"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func entry(i int) BroadcastEntry {
	return BroadcastEntry{
		Timestamp:    time.Date(2026, 1, 2, 3, 4, i, 0, time.UTC),
		BroadcastID:  fmt.Sprintf("b-%d", i),
		Message:      "status update",
		Priority:     5,
		SuccessCount: 6,
		FailCount:    2,
		Method:       "dry_run",
		Mode:         "NORMAL",
	}
}

func exerciseStore(t *testing.T, s Store, max int) {
	t.Helper()
	ctx := context.Background()

	got, err := s.RecentBroadcasts(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, got)

	for i := 0; i < max+3; i++ {
		require.NoError(t, s.AppendBroadcast(ctx, entry(i)))
	}

	got, err = s.RecentBroadcasts(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, max)
	require.Equal(t, fmt.Sprintf("b-%d", max+2), got[0].BroadcastID, "newest first")
	require.Equal(t, "b-3", got[len(got)-1].BroadcastID, "oldest retained")
	require.Equal(t, 6, got[0].SuccessCount)
	require.Equal(t, "dry_run", got[0].Method)
	require.True(t, got[0].Timestamp.Equal(entry(max+2).Timestamp))

	got, err = s.RecentBroadcasts(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestFileStore(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "log", "broadcasts.jsonl")
	s, err := Open(Config{Driver: "file", Path: path, MaxEntries: 4}, logx.Nop())
	require.NoError(t, err)
	exerciseStore(t, s, 4)
	require.NoError(t, s.Close())

	// Reopen: the retained tail survives and the file was compacted.
	s, err = Open(Config{Driver: "file", Path: path, MaxEntries: 4}, logx.Nop())
	require.NoError(t, err)
	defer s.Close()
	got, err := s.RecentBroadcasts(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, got, 4)
	require.Equal(t, "b-6", got[0].BroadcastID)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.LessOrEqual(t, strings.Count(string(b), "\n"), 5)
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "courier.db")
	s, err := Open(Config{Driver: "sqlite", Path: path, MaxEntries: 5}, logx.Nop())
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s, 5)
}

func TestRedisStore(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	s, err := Open(Config{Driver: "redis", RedisAddr: mr.Addr(), RedisKey: "test:broadcasts", MaxEntries: 3}, logx.Nop())
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s, 3)

	n, err := mr.List("test:broadcasts")
	require.NoError(t, err)
	require.Len(t, n, 3)
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	t.Parallel()

	s, err := Open(Config{}, logx.Nop())
	require.NoError(t, err)
	require.Nil(t, s)

	_, err = Open(Config{Driver: "mongo"}, logx.Nop())
	require.ErrorContains(t, err, "unknown storage driver")

	_, err = Open(Config{Driver: "redis"}, logx.Nop())
	require.ErrorContains(t, err, "redis_addr")
}
