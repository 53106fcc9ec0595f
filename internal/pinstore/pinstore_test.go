package pinstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/livepeer/encoder-worker/config"
	"github.com/livepeer/encoder-worker/internal/job"
	"github.com/stretchr/testify/require"
)

func withFixedClock(t *testing.T, now time.Time) {
	t.Helper()
	original := config.Clock
	config.Clock = config.FixedTimestampGenerator{Timestamp: now}
	t.Cleanup(func() { config.Clock = original })
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "pending_pins.json"))
	require.NoError(t, err)
	return s
}

func TestAddAndNextReadyOrdersByAge(t *testing.T) {
	now := time.Now()
	s := newTestStore(t)

	withFixedClock(t, now.Add(-time.Hour))
	require.NoError(t, s.Add(job.PendingPin{CID: "older"}))

	withFixedClock(t, now)
	require.NoError(t, s.Add(job.PendingPin{CID: "newer"}))

	r, ok := s.NextReady()
	require.True(t, ok)
	require.Equal(t, "older", r.CID)
}

func TestMarkSuccessRemovesRecord(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Add(job.PendingPin{CID: "a"}))
	require.NoError(t, s.MarkSuccess("a"))
	require.Equal(t, 0, s.Stats().Total)
}

func TestMarkFailedEvictsAfterMaxAttempts(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Add(job.PendingPin{CID: "a"}))

	for i := 0; i < defaultMaxAttempts; i++ {
		require.NoError(t, s.MarkFailed("a"))
	}
	require.Equal(t, 0, s.Stats().Total)
}

func TestMarkFailedKeepsRecordUnderAttemptBudget(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Add(job.PendingPin{CID: "a"}))
	require.NoError(t, s.MarkFailed("a"))
	require.Equal(t, 1, s.Stats().Total)
}

func TestCleanupEvictsPastRetention(t *testing.T) {
	now := time.Now()
	s := newTestStore(t)

	withFixedClock(t, now.Add(-8*24*time.Hour))
	require.NoError(t, s.Add(job.PendingPin{CID: "stale"}))

	withFixedClock(t, now)
	removed, err := s.Cleanup()
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	require.Equal(t, 0, s.Stats().Total)
}

func TestAddEvictsOldestAtCapacity(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	for i := 0; i < job.MaxPendingPins; i++ {
		withFixedClock(t, now.Add(time.Duration(i)*time.Second))
		require.NoError(t, s.Add(job.PendingPin{CID: cidFor(i)}))
	}
	require.Equal(t, job.MaxPendingPins, s.Stats().Total)

	withFixedClock(t, now.Add(time.Duration(job.MaxPendingPins)*time.Second))
	require.NoError(t, s.Add(job.PendingPin{CID: "overflow"}))
	require.Equal(t, job.MaxPendingPins, s.Stats().Total)

	_, stillPresent := s.records[cidFor(0)]
	require.False(t, stillPresent)
}

func cidFor(i int) string {
	return "cid-" + string(rune('a'+i%26)) + string(rune('0'+i/26))
}
