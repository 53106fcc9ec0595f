// Package queue implements the Job Queue (C6): a FIFO of pending job
// ids, an active set bounded by maxConcurrent, and per-job state,
// generalizing the teacher's generic mutex-guarded cache (cache/cache.go)
// from a single map into the richer pending/active/retry/cached-result
// bookkeeping spec.md §4.5 requires.
package queue

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/livepeer/encoder-worker/config"
	"github.com/livepeer/encoder-worker/internal/job"
	"github.com/livepeer/encoder-worker/internal/xerrors"
)

// DirectJobRequest is the inbound payload for a Direct API /encode call.
type DirectJobRequest struct {
	InputCID          string
	InputURI          string
	ProfilesRequested []string
	Short             bool
	WebhookURL        string
	Metadata          job.Metadata
}

// Queue owns every Job this worker knows about. All mutation happens
// under a single mutex; callers never see partial state.
type Queue struct {
	mu            sync.Mutex
	maxConcurrent int

	pending []string
	active  map[string]bool
	jobs    map[string]*job.Job

	cachedResults map[string]job.CachedResult
}

func New(maxConcurrent int) *Queue {
	return &Queue{
		maxConcurrent: maxConcurrent,
		active:        make(map[string]bool),
		jobs:          make(map[string]*job.Job),
		cachedResults: make(map[string]job.CachedResult),
	}
}

func (q *Queue) now() time.Time {
	return config.Clock.GetTime()
}

// AddGateway admits a job originating from the Gateway into the pending
// FIFO. Re-adding an id already known is a no-op, since a worker may
// observe the same job across multiple Poll cycles before it executes.
func (q *Queue) AddGateway(j job.Job) *job.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.jobs[j.ID]; ok {
		return existing
	}

	now := q.now()
	j.Origin = job.OriginGateway
	j.Status = job.StatusQueued
	j.CreatedAt = now
	j.UpdatedAt = now
	stored := j
	q.jobs[j.ID] = &stored
	q.pending = append(q.pending, j.ID)
	return &stored
}

// AddDirect admits a Direct-API job request, minting a fresh id.
func (q *Queue) AddDirect(req DirectJobRequest) *job.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	j := &job.Job{
		ID:                uuid.NewString(),
		Origin:            job.OriginDirect,
		Status:            job.StatusQueued,
		CreatedAt:         now,
		UpdatedAt:         now,
		InputURI:          req.InputURI,
		ProfilesRequested: req.ProfilesRequested,
		Short:             req.Short,
		WebhookURL:        req.WebhookURL,
		Metadata:          req.Metadata,
	}
	if j.InputURI == "" && req.InputCID != "" {
		j.InputURI = "ipfs://" + req.InputCID
	}

	q.jobs[j.ID] = j
	q.pending = append(q.pending, j.ID)
	return j
}

// Next pops the oldest ready job off the pending FIFO, respecting
// maxConcurrent and any pending retry delay. It returns (nil, false)
// when nothing is runnable right now.
func (q *Queue) Next() (*job.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.active) >= q.maxConcurrent {
		return nil, false
	}

	now := q.now()
	for i, id := range q.pending {
		j, ok := q.jobs[id]
		if !ok {
			continue
		}
		if !j.Retry.NextRetry.IsZero() && j.Retry.NextRetry.After(now) {
			continue
		}

		q.pending = append(q.pending[:i:i], q.pending[i+1:]...)
		q.active[id] = true
		j.Status = job.StatusRunning
		j.UpdatedAt = now
		return j, true
	}
	return nil, false
}

// Get returns the job id's current snapshot.
func (q *Queue) Get(id string) (*job.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	return j, ok
}

// UpdateProgress records a job's progress percent.
func (q *Queue) UpdateProgress(id string, pct float64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return fmt.Errorf("update progress: unknown job %s", id)
	}
	j.ProgressPercent = pct
	j.UpdatedAt = q.now()
	return nil
}

// Complete marks a job finished and releases its active slot.
func (q *Queue) Complete(id string, result job.CachedResult) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return fmt.Errorf("complete: unknown job %s", id)
	}
	delete(q.active, id)
	j.Status = job.StatusComplete
	j.ResultCID = result.ResultCID
	j.ProgressPercent = 100
	j.UpdatedAt = q.now()
	q.cachedResults[id] = result
	return nil
}

// retryDelay implements spec.md §4.5's policy: the normal base delay,
// or half that (capped at two minutes) when the failure was a 5xx.
func retryDelay(err error) time.Duration {
	base := time.Duration(config.DefaultRetryBaseMs) * time.Millisecond
	if classified, ok := xerrors.AsClassified(err); ok && classified.HTTPStatus >= 500 && classified.HTTPStatus < 600 {
		fast := base / 2
		ceiling := time.Duration(config.FiveXXRetryCapMs) * time.Millisecond
		if fast > ceiling {
			fast = ceiling
		}
		return fast
	}
	return base
}

// Fail records a failed attempt. If canRetry and attempts remain under
// the job's MaxAttempts, the job is requeued with nextRetry set per
// retryDelay; otherwise it's marked permanently Failed and its active
// slot released.
func (q *Queue) Fail(id string, cause error, canRetry bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return fmt.Errorf("fail: unknown job %s", id)
	}

	now := q.now()
	j.Retry.Attempts++
	j.Retry.LastAttempt = now
	if cause != nil {
		j.Retry.ErrorHistory = append(j.Retry.ErrorHistory, cause.Error())
		j.LastError = cause.Error()
	}

	maxAttempts := j.Retry.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = config.DefaultMaxAttempts
	}

	delete(q.active, id)

	if canRetry && j.Retry.Attempts < maxAttempts {
		j.Retry.NextRetry = now.Add(retryDelay(cause))
		j.Status = job.StatusQueued
		j.UpdatedAt = now
		q.pending = append(q.pending, id)
		return nil
	}

	j.Status = job.StatusFailed
	j.UpdatedAt = now
	return nil
}

// ProcessRetries reports every pending retried job whose nextRetry has
// passed and clears its nextRetry; it moves nothing. Since Fail already appends
// retried jobs to q.pending immediately, this exists for callers that
// keep retry bookkeeping separate; here it reports which ids are now
// ready to run, exactly once per invocation.
func (q *Queue) ProcessRetries() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var ready []string
	for _, id := range q.pending {
		j, ok := q.jobs[id]
		if !ok {
			continue
		}
		if j.Retry.Attempts > 0 && !j.Retry.NextRetry.IsZero() && !j.Retry.NextRetry.After(now) {
			ready = append(ready, id)
			j.Retry.NextRetry = time.Time{}
		}
	}
	return ready
}

// DetectStuck returns active job ids whose UpdatedAt precedes
// now-maxActive, for the Lifecycle Engine's stuck-sweeper to
// investigate.
func (q *Queue) DetectStuck(maxActive time.Duration) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().Add(-maxActive)
	var stuck []string
	for id := range q.active {
		j, ok := q.jobs[id]
		if !ok {
			continue
		}
		if j.UpdatedAt.Before(cutoff) {
			stuck = append(stuck, id)
		}
	}
	return stuck
}

// Abandon force-terminates a job regardless of its current state,
// releasing its active slot and removing it from the pending FIFO.
func (q *Queue) Abandon(id, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return fmt.Errorf("abandon: unknown job %s", id)
	}

	delete(q.active, id)
	for i, pid := range q.pending {
		if pid == id {
			q.pending = append(q.pending[:i:i], q.pending[i+1:]...)
			break
		}
	}

	j.Status = job.StatusFailed
	j.LastError = reason
	j.UpdatedAt = q.now()
	return nil
}

// CacheResult stores a job's successful upload outcome for smart-retry
// (a retry that only failed at the Gateway-reporting step can skip the
// re-transcode).
func (q *Queue) CacheResult(id string, r job.CachedResult) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cachedResults[id] = r
}

func (q *Queue) GetCachedResult(id string) (job.CachedResult, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.cachedResults[id]
	return r, ok
}

func (q *Queue) ClearCachedResult(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.cachedResults, id)
}

// Cleanup evicts terminal (complete/failed) jobs whose UpdatedAt
// precedes now-maxAge, bounding unbounded growth of the job map over a
// long-running worker's lifetime.
func (q *Queue) Cleanup(maxAge time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().Add(-maxAge)
	removed := 0
	for id, j := range q.jobs {
		if (j.Status == job.StatusComplete || j.Status == job.StatusFailed) && j.UpdatedAt.Before(cutoff) {
			delete(q.jobs, id)
			delete(q.cachedResults, id)
			removed++
		}
	}
	return removed
}

// Stats reports the counts GET /jobs on the Direct API surfaces.
type Stats struct {
	Total   int
	Pending int
	Active  int
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Total:   len(q.jobs),
		Pending: len(q.pending),
		Active:  len(q.active),
	}
}
