package ratelimit

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func itoa(v int64) string { return strconv.FormatInt(v, 10) }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func storeAt(t *testing.T, dir string) *Store {
	t.Helper()
	return NewStore(filepath.Join(dir, "rate-limits.json"), testLogger())
}

func TestIncrOpensDailyWindow(t *testing.T) {
	s := storeAt(t, t.TempDir())
	base := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	s.Incr(BucketDID, "did:key:zAlice")
	e, ok := s.Peek(BucketDID, "did:key:zAlice")
	require.True(t, ok)
	assert.Equal(t, 1, e.Count)
	assert.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC).Unix(), e.ResetAt)

	s.Incr(BucketDID, "did:key:zAlice")
	e, _ = s.Peek(BucketDID, "did:key:zAlice")
	assert.Equal(t, 2, e.Count)
}

func TestExpiredWindowIsAbsentAndReopens(t *testing.T) {
	s := storeAt(t, t.TempDir())
	base := time.Date(2026, 3, 14, 23, 59, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	s.Incr(BucketDID, "carol")
	s.Incr(BucketDID, "carol")

	// Cross midnight: the old window no longer counts.
	s.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, ok := s.Peek(BucketDID, "carol")
	assert.False(t, ok)

	s.Incr(BucketDID, "carol")
	e, ok := s.Peek(BucketDID, "carol")
	require.True(t, ok)
	assert.Equal(t, 1, e.Count)
	assert.Equal(t, time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC).Unix(), e.ResetAt)
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := storeAt(t, dir)
	s.Incr(BucketDID, "did:key:zAlice")
	s.Incr(BucketDID, "did:key:zAlice")
	s.Incr(BucketIP, "203.0.113.7")
	require.NoError(t, s.Save())

	// No temp file left behind and owner-only permissions on the snapshot.
	_, err := os.Stat(filepath.Join(dir, "rate-limits.json.tmp"))
	assert.True(t, os.IsNotExist(err))
	info, err := os.Stat(filepath.Join(dir, "rate-limits.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	reloaded := storeAt(t, dir)
	e, ok := reloaded.Peek(BucketDID, "did:key:zAlice")
	require.True(t, ok)
	assert.Equal(t, 2, e.Count)
	e, ok = reloaded.Peek(BucketIP, "203.0.113.7")
	require.True(t, ok)
	assert.Equal(t, 1, e.Count)
}

func TestLoadDiscardsExpiredAndHostileKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rate-limits.json")
	past := time.Now().Add(-time.Hour).Unix()
	future := time.Now().Add(time.Hour).Unix()
	raw := `{
		"did": {
			"stale": {"count": 9, "reset_at": ` + itoa(past) + `},
			"good": {"count": 3, "reset_at": ` + itoa(future) + `},
			"bad key; rm -rf": {"count": 1, "reset_at": ` + itoa(future) + `}
		},
		"ip": {
			"198.51.100.9": {"count": 2, "reset_at": ` + itoa(future) + `},
			"not-an-ip": {"count": 7, "reset_at": ` + itoa(future) + `}
		}
	}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	s := NewStore(path, testLogger())
	_, ok := s.Peek(BucketDID, "stale")
	assert.False(t, ok)
	_, ok = s.Peek(BucketDID, "bad key; rm -rf")
	assert.False(t, ok)
	e, ok := s.Peek(BucketDID, "good")
	require.True(t, ok)
	assert.Equal(t, 3, e.Count)
	_, ok = s.Peek(BucketIP, "not-an-ip")
	assert.False(t, ok)
	e, ok = s.Peek(BucketIP, "198.51.100.9")
	require.True(t, ok)
	assert.Equal(t, 2, e.Count)
}

func TestCorruptOrMissingFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rate-limits.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	s := NewStore(path, testLogger())
	_, ok := s.Peek(BucketDID, "anyone")
	assert.False(t, ok)

	s = NewStore(filepath.Join(dir, "never-written.json"), testLogger())
	_, ok = s.Peek(BucketDID, "anyone")
	assert.False(t, ok)
}

func TestCleanupPurgesExpiredWindows(t *testing.T) {
	s := storeAt(t, t.TempDir())
	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	s.Incr(BucketDID, "a")
	s.Incr(BucketIP, "203.0.113.7")

	s.now = func() time.Time { return base.Add(24 * time.Hour) }
	s.Cleanup()

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Empty(t, s.did)
	assert.Empty(t, s.ip)
}
