// Package memguard implements the Memory Guard (C11): a periodic
// sampler of this process's own heap usage, grounded on the teacher's
// periodic-goroutine-with-recover shape (clients/callback_client.go's
// recoverer) but sampling via runtime.ReadMemStats rather than an
// external system-stats library — "heap usage" in spec.md §4.9 is a
// Go-runtime-specific quantity that only the runtime package attributes
// correctly; gopsutil reports OS-level RSS/VirtualMemory, which
// conflates this process with the rest of the host and can't isolate
// Go's own heap.
package memguard

import (
	"context"
	"os"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/livepeer/encoder-worker/internal/metrics"
	"github.com/livepeer/encoder-worker/internal/subprocess"
	"github.com/livepeer/encoder-worker/internal/xlog"
)

// Exit is the process exit function; overridable in tests.
var Exit = os.Exit

// Guard samples heap usage on an interval and reacts per spec.md §4.9:
// warn and request a GC cycle above SoftThresholdBytes, kill every
// tracked encoder child and exit the process above HardThresholdBytes.
type Guard struct {
	Children           *subprocess.Registry
	Interval           time.Duration
	SoftThresholdBytes uint64
	HardThresholdBytes uint64
}

func New(children *subprocess.Registry, interval time.Duration, softThreshold, hardThreshold uint64) *Guard {
	return &Guard{
		Children:           children,
		Interval:           interval,
		SoftThresholdBytes: softThreshold,
		HardThresholdBytes: hardThreshold,
	}
}

// Run blocks, sampling every g.Interval until ctx is cancelled.
func (g *Guard) Run(ctx context.Context) {
	ticker := time.NewTicker(g.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			recoverer(g.tick)
		}
	}
}

func (g *Guard) tick() {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	heapInUse := stats.HeapAlloc
	metrics.Metrics.MemoryHeapBytes.Set(float64(heapInUse))

	if heapInUse >= g.HardThresholdBytes {
		metrics.Metrics.MemoryGuardTrip.WithLabelValues("hard").Inc()
		killed := 0
		if g.Children != nil {
			killed = g.Children.KillAll()
		}
		xlog.LogNoJobID("memory guard hard threshold exceeded, killing encoder children and exiting",
			"heapAllocBytes", heapInUse, "hardThresholdBytes", g.HardThresholdBytes, "childrenKilled", killed)
		Exit(1)
		return
	}

	if heapInUse >= g.SoftThresholdBytes {
		metrics.Metrics.MemoryGuardTrip.WithLabelValues("soft").Inc()
		xlog.LogNoJobID("memory guard soft threshold exceeded, requesting heap compaction",
			"heapAllocBytes", heapInUse, "softThresholdBytes", g.SoftThresholdBytes)
		debug.FreeOSMemory()
	}
}

func recoverer(f func()) {
	defer func() {
		if rec := recover(); rec != nil {
			xlog.LogNoJobID("panic in memory guard tick, recovering", "err", rec, "trace", string(debug.Stack()))
		}
	}()
	f()
}
