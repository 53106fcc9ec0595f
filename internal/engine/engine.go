// Package engine implements the Lifecycle Engine (C9): the single
// scheduler that runs the Poll, Execute and Stuck-sweep periodic
// activities plus the Direct-job event path, and drives the Gateway-job
// state machine in statemachine.go. Grounded on the teacher's
// pipeline/coordinator.go, which plays the analogous "one struct owns
// every concurrent job's lifecycle" role for its segment pipeline; the
// per-job panic recovery here is the same `recovered[T any]` shape
// coordinator.go uses around its own background work.
package engine

import (
	"context"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"github.com/livepeer/encoder-worker/config"
	"github.com/livepeer/encoder-worker/internal/dbverify"
	"github.com/livepeer/encoder-worker/internal/gateway"
	"github.com/livepeer/encoder-worker/internal/identity"
	"github.com/livepeer/encoder-worker/internal/job"
	"github.com/livepeer/encoder-worker/internal/metrics"
	"github.com/livepeer/encoder-worker/internal/pinstore"
	"github.com/livepeer/encoder-worker/internal/queue"
	"github.com/livepeer/encoder-worker/internal/store"
	"github.com/livepeer/encoder-worker/internal/transcode"
	"github.com/livepeer/encoder-worker/internal/webhook"
	"github.com/livepeer/encoder-worker/internal/xlog"
	"golang.org/x/sync/semaphore"
)

// consecutivePollFailureThreshold is how many back-to-back Poll
// failures the engine tolerates before logging the Gateway as offline.
const consecutivePollFailureThreshold = 5

// Engine wires every collaborator component together and owns their
// concurrent execution. It holds no job state of its own beyond what
// internal/queue already tracks.
type Engine struct {
	Queue     *queue.Queue
	Gateway   gatewayClient
	DB        dbClient
	Store     contentStore
	Processor jobProcessor
	Pinstore  *pinstore.Store
	Webhook   *webhook.Dispatcher
	Identity  *identity.Identity

	maxConcurrent int
	sem           *semaphore.Weighted

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	monitorsMu sync.Mutex
	monitors   map[string]context.CancelFunc

	pollFailures int
}

func New(q *queue.Queue, gw *gateway.Client, db *dbverify.Client, storeClient *store.Client, processor *transcode.Processor, pins *pinstore.Store, wh *webhook.Dispatcher, id *identity.Identity, maxConcurrent int) *Engine {
	return &Engine{
		Queue:         q,
		Gateway:       gw,
		DB:            db,
		Store:         storeClient,
		Processor:     processor,
		Pinstore:      pins,
		Webhook:       wh,
		Identity:      id,
		maxConcurrent: maxConcurrent,
		sem:           semaphore.NewWeighted(int64(maxConcurrent)),
		monitors:      make(map[string]context.CancelFunc),
	}
}

// ActiveCount reports how many jobs are currently executing, letting
// this Engine double as the Lazy Pinner's ActiveCounter.
func (e *Engine) ActiveCount() int {
	return e.Queue.Stats().Active
}

// Start launches the three periodic activities as background
// goroutines. It returns immediately; call Stop (or cancel ctx) to shut
// down.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true
	e.mu.Unlock()

	e.wg.Add(3)
	go func() { defer e.wg.Done(); e.runPollLoop(runCtx) }()
	go func() { defer e.wg.Done(); e.runExecuteLoop(runCtx) }()
	go func() { defer e.wg.Done(); e.runStuckSweepLoop(runCtx) }()
}

// Stop is idempotent: it cancels every background activity, attempts a
// best-effort bounded Reject for each still-active job, and waits for
// in-flight per-job goroutines to notice cancellation.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.rejectActiveJobsBestEffort()
	e.wg.Wait()
}

func (e *Engine) rejectActiveJobsBestEffort() {
	ids := e.Queue.DetectStuck(0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, id := range ids {
		if err := e.Gateway.Reject(ctx, id); err != nil {
			xlog.LogError(id, "best-effort shutdown reject failed", err)
		}
	}
}

// SubmitDirect admits a Direct-API job request into the queue; the next
// Execute tick picks it up.
func (e *Engine) SubmitDirect(req queue.DirectJobRequest) *job.Job {
	return e.Queue.AddDirect(req)
}

func (e *Engine) runPollLoop(ctx context.Context) {
	for {
		jitter := time.Duration(rand.Int63n(int64(config.GatewayPollJitterMax)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(config.GatewayPollInterval + jitter):
			e.recovered(func() { e.poll(ctx) })
		}
	}
}

func (e *Engine) poll(ctx context.Context) {
	if e.Queue.Stats().Active >= e.maxConcurrent {
		return
	}

	pollCtx, cancel := context.WithTimeout(ctx, config.GatewayPollTimeout)
	defer cancel()

	payload, err := e.Gateway.Poll(pollCtx)
	if err != nil {
		e.pollFailures++
		if e.pollFailures == consecutivePollFailureThreshold {
			xlog.LogNoJobID("gateway appears offline after consecutive poll failures", "failures", e.pollFailures, "err", err.Error())
		}
		return
	}
	e.pollFailures = 0

	if payload == nil {
		return
	}

	ourDID := e.Identity.DID()
	normalizedOwner := dbverify.NormalizeDID(payload.AssignedTo)
	if payload.AssignedTo != "" && normalizedOwner != ourDID {
		xlog.Log(payload.ID, "skipping job assigned to another encoder", "assignedTo", payload.AssignedTo)
		return
	}

	e.Queue.AddGateway(payload.ToJob())
}

func (e *Engine) runExecuteLoop(ctx context.Context) {
	ticker := time.NewTicker(config.ExecuteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.recovered(func() { e.execute(ctx) })
		}
	}
}

func (e *Engine) execute(ctx context.Context) {
	e.Queue.ProcessRetries()

	for {
		j, ok := e.Queue.Next()
		if !ok {
			return
		}
		if !e.sem.TryAcquire(1) {
			return
		}

		e.wg.Add(1)
		metrics.Metrics.JobsInFlight.Inc()
		go func(j *job.Job) {
			defer e.wg.Done()
			defer e.sem.Release(1)
			defer metrics.Metrics.JobsInFlight.Dec()
			e.recovered(func() { e.dispatch(ctx, j) })
		}(j)
	}
}

func (e *Engine) dispatch(ctx context.Context, j *job.Job) {
	switch j.Origin {
	case job.OriginDirect:
		e.executeDirect(ctx, j)
	default:
		e.executeGatewayJob(ctx, j)
	}
}

func (e *Engine) runStuckSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(config.StuckSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.recovered(func() { e.sweepStuck(ctx) })
		}
	}
}

func (e *Engine) sweepStuck(ctx context.Context) {
	for _, id := range e.Queue.DetectStuck(config.StuckThreshold) {
		metrics.Metrics.StuckJobsSwept.Inc()

		j, ok := e.Queue.Get(id)
		if !ok || j.Origin != job.OriginGateway {
			if ok {
				_ = e.Queue.Abandon(id, "stuck sweeper: exceeded max active duration")
			}
			continue
		}

		rejectCtx, cancel := context.WithTimeout(ctx, config.GatewayPostTimeout)
		if err := e.Gateway.Reject(rejectCtx, id); err != nil {
			xlog.LogError(id, "stuck sweeper reject failed", err)
		}
		cancel()

		_ = e.Queue.Abandon(id, "stuck sweeper: exceeded max active duration")
	}
}

// recovered runs f, logging and swallowing any panic so one bad job (or
// a collaborator's bug) can never bring down the scheduler, per the
// teacher's recovered[T]/recoverer idiom.
func (e *Engine) recovered(f func()) {
	defer func() {
		if rec := recover(); rec != nil {
			xlog.LogNoJobID("panic in lifecycle engine activity, recovering", "err", rec, "trace", string(debug.Stack()))
		}
	}()
	f()
}

// registerMonitor tracks a job's ownership-monitor cancel func so it
// can be unregistered from every exit path, per spec.md §4.7.2's
// "concurrency monitor cleanup" requirement.
func (e *Engine) registerMonitor(jobID string, cancel context.CancelFunc) {
	e.monitorsMu.Lock()
	defer e.monitorsMu.Unlock()
	e.monitors[jobID] = cancel
}

func (e *Engine) unregisterMonitor(jobID string) {
	e.monitorsMu.Lock()
	defer e.monitorsMu.Unlock()
	if cancel, ok := e.monitors[jobID]; ok {
		cancel()
		delete(e.monitors, jobID)
	}
}
