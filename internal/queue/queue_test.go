package queue

import (
	"errors"
	"testing"
	"time"

	"github.com/livepeer/encoder-worker/config"
	"github.com/livepeer/encoder-worker/internal/job"
	"github.com/livepeer/encoder-worker/internal/xerrors"
	"github.com/stretchr/testify/require"
)

func withFixedClock(t *testing.T, now time.Time) {
	t.Helper()
	original := config.Clock
	config.Clock = config.FixedTimestampGenerator{Timestamp: now}
	t.Cleanup(func() { config.Clock = original })
}

func TestNextRespectsMaxConcurrent(t *testing.T) {
	q := New(1)
	j1 := q.AddGateway(job.Job{ID: "a"})
	q.AddGateway(job.Job{ID: "b"})

	next, ok := q.Next()
	require.True(t, ok)
	require.Equal(t, j1.ID, next.ID)

	_, ok = q.Next()
	require.False(t, ok)
}

func TestAddGatewayIsIdempotent(t *testing.T) {
	q := New(2)
	first := q.AddGateway(job.Job{ID: "a", InputURI: "ipfs://Qm1"})
	second := q.AddGateway(job.Job{ID: "a", InputURI: "ipfs://Qm2"})
	require.Equal(t, first.InputURI, second.InputURI)
}

func TestFailRequeuesWithRetryDelay(t *testing.T) {
	now := time.Now()
	withFixedClock(t, now)

	q := New(1)
	q.AddGateway(job.Job{ID: "a"})
	j, ok := q.Next()
	require.True(t, ok)
	j.Retry.MaxAttempts = 3

	err := q.Fail("a", errors.New("transient"), true)
	require.NoError(t, err)

	got, _ := q.Get("a")
	require.Equal(t, job.StatusQueued, got.Status)
	require.Equal(t, now.Add(time.Duration(config.DefaultRetryBaseMs)*time.Millisecond), got.Retry.NextRetry)
}

func TestFailUsesFasterDelayFor5xx(t *testing.T) {
	now := time.Now()
	withFixedClock(t, now)

	q := New(1)
	q.AddGateway(job.Job{ID: "a"})
	j, _ := q.Next()
	j.Retry.MaxAttempts = 3

	classified := xerrors.Classify(xerrors.KindTransientNetwork, 503, "", errors.New("service unavailable"))
	require.NoError(t, q.Fail("a", classified, true))

	got, _ := q.Get("a")
	expected := time.Duration(config.DefaultRetryBaseMs) / 2 * time.Millisecond
	require.Equal(t, now.Add(expected), got.Retry.NextRetry)
}

func TestFailMarksTerminalWhenAttemptsExhausted(t *testing.T) {
	q := New(1)
	q.AddGateway(job.Job{ID: "a"})
	j, _ := q.Next()
	j.Retry.MaxAttempts = 1

	require.NoError(t, q.Fail("a", errors.New("fatal"), true))
	got, _ := q.Get("a")
	require.Equal(t, job.StatusFailed, got.Status)
}

func TestDetectStuckFindsStaleActiveJobs(t *testing.T) {
	now := time.Now()
	withFixedClock(t, now.Add(-time.Hour))
	q := New(1)
	q.AddGateway(job.Job{ID: "a"})
	q.Next()

	withFixedClock(t, now)
	stuck := q.DetectStuck(30 * time.Minute)
	require.Contains(t, stuck, "a")
}

func TestAbandonRemovesFromPendingAndActive(t *testing.T) {
	q := New(2)
	q.AddGateway(job.Job{ID: "a"})
	q.AddGateway(job.Job{ID: "b"})
	q.Next()

	require.NoError(t, q.Abandon("b", "operator cancelled"))
	got, _ := q.Get("b")
	require.Equal(t, job.StatusFailed, got.Status)
	require.Equal(t, "operator cancelled", got.LastError)

	_, ok := q.Next()
	require.False(t, ok)
}

func TestCacheResultRoundTrip(t *testing.T) {
	q := New(1)
	q.CacheResult("a", job.CachedResult{JobID: "a", ResultCID: "Qmabc"})
	r, ok := q.GetCachedResult("a")
	require.True(t, ok)
	require.Equal(t, "Qmabc", r.ResultCID)

	q.ClearCachedResult("a")
	_, ok = q.GetCachedResult("a")
	require.False(t, ok)
}

func TestCleanupEvictsOldTerminalJobs(t *testing.T) {
	now := time.Now()
	withFixedClock(t, now.Add(-48*time.Hour))
	q := New(1)
	q.AddGateway(job.Job{ID: "a"})
	q.Complete("a", job.CachedResult{JobID: "a"})

	withFixedClock(t, now)
	removed := q.Cleanup(24 * time.Hour)
	require.Equal(t, 1, removed)
	_, ok := q.Get("a")
	require.False(t, ok)
}

func TestStatsReportsCounts(t *testing.T) {
	q := New(2)
	q.AddGateway(job.Job{ID: "a"})
	q.AddGateway(job.Job{ID: "b"})
	q.Next()

	s := q.Stats()
	require.Equal(t, 2, s.Total)
	require.Equal(t, 1, s.Pending)
	require.Equal(t, 1, s.Active)
}
