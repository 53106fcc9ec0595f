// Package lazypin implements the Lazy Pinner (C12): a periodic
// best-effort drain of the Pending Pin Store (C7), active only when
// this worker is otherwise idle so background pin retries never
// compete with an in-flight transcode for bandwidth or daemon load.
package lazypin

import (
	"context"
	"time"

	"github.com/livepeer/encoder-worker/internal/metrics"
	"github.com/livepeer/encoder-worker/internal/pinstore"
	"github.com/livepeer/encoder-worker/internal/xlog"
)

// ActiveCounter reports how many jobs are currently running, the gate
// spec.md §4.8 requires ("When the active set is empty...").
type ActiveCounter interface {
	ActiveCount() int
}

// Pinner is the seam to the Content Store Client's pin call.
type Pinner interface {
	Pin(cid string) error
}

// Runner periodically drains the pending pin store.
type Runner struct {
	Store    *pinstore.Store
	Active   ActiveCounter
	Pinner   Pinner
	Interval time.Duration
}

func New(store *pinstore.Store, active ActiveCounter, pinner Pinner, interval time.Duration) *Runner {
	return &Runner{Store: store, Active: active, Pinner: pinner, Interval: interval}
}

// Run blocks, ticking at r.Interval until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

func (r *Runner) tick() {
	metrics.Metrics.PendingPinCount.Set(float64(r.Store.Stats().Total))

	if r.Active.ActiveCount() != 0 {
		return
	}

	record, ok := r.Store.NextReady()
	if !ok {
		return
	}

	if err := r.Pinner.Pin(record.CID); err != nil {
		metrics.Metrics.PinFailures.WithLabelValues("lazy").Inc()
		xlog.LogNoJobID("lazy pin attempt failed", "cid", record.CID, "err", err.Error())
		if markErr := r.Store.MarkFailed(record.CID); markErr != nil {
			xlog.LogNoJobID("failed to record lazy pin failure", "cid", record.CID, "err", markErr.Error())
		}
		return
	}

	xlog.LogNoJobID("lazy pin succeeded", "cid", record.CID)
	if err := r.Store.MarkSuccess(record.CID); err != nil {
		xlog.LogNoJobID("failed to record lazy pin success", "cid", record.CID, "err", err.Error())
	}
}
