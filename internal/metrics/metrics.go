// Package metrics exposes the worker's Prometheus surface, grounded on
// the teacher's metrics package: a single struct of promauto-registered
// collectors built once at startup and held in a package var, plus
// WithRetryHook, which client libraries wire into their
// retryablehttp.Client.
package metrics

import (
	"context"
	"net/http"
	"strconv"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/livepeer/encoder-worker/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ClientMetrics mirrors the teacher's per-collaborator retry/failure/
// duration trio, reused here for the Gateway and Webhook HTTP clients.
type ClientMetrics struct {
	RetryCount      *prometheus.GaugeVec
	FailureCount    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// WorkerMetrics is this worker's full Prometheus surface.
type WorkerMetrics struct {
	Version *prometheus.CounterVec

	JobsInFlight    prometheus.Gauge
	JobsCompleted   *prometheus.CounterVec
	JobsFailed      *prometheus.CounterVec
	ClaimRaceLost   prometheus.Counter
	StuckJobsSwept  prometheus.Counter
	PendingPinCount prometheus.Gauge
	PinFailures     *prometheus.CounterVec
	MemoryHeapBytes prometheus.Gauge
	MemoryGuardTrip *prometheus.CounterVec

	GatewayClient ClientMetrics
	WebhookClient ClientMetrics
}

func NewWorkerMetrics() *WorkerMetrics {
	m := &WorkerMetrics{
		Version: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "version",
			Help: "Current Git SHA / Tag that's running. Incremented once on app startup.",
		}, []string{"app", "version"}),

		JobsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "jobs_in_flight",
			Help: "Number of jobs currently executing",
		}),
		JobsCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Number of jobs that reached the Done state",
		}, []string{"origin"}),
		JobsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Number of jobs that reached a terminal Failed or RaceLost state",
		}, []string{"origin", "kind"}),
		ClaimRaceLost: promauto.NewCounter(prometheus.CounterOpts{
			Name: "claim_race_lost_total",
			Help: "Number of jobs lost to another encoder during Claim or re-verification",
		}),
		StuckJobsSwept: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stuck_jobs_swept_total",
			Help: "Number of jobs force-abandoned by the stuck sweeper",
		}),
		PendingPinCount: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pending_pin_count",
			Help: "Number of CIDs currently awaiting background pinning",
		}),
		PinFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pin_failures_total",
			Help: "Number of pin attempts (immediate or lazy) that failed",
		}, []string{"stage"}),
		MemoryHeapBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "memory_heap_bytes",
			Help: "Go runtime heap bytes in use, as last observed by the Memory Guard",
		}),
		MemoryGuardTrip: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "memory_guard_trip_total",
			Help: "Number of times the Memory Guard crossed the soft or hard threshold",
		}, []string{"threshold"}),

		GatewayClient: newClientMetrics("gateway"),
		WebhookClient: newClientMetrics("webhook"),
	}

	m.Version.WithLabelValues("encoder-worker", config.Version).Inc()

	return m
}

func newClientMetrics(prefix string) ClientMetrics {
	return ClientMetrics{
		RetryCount: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "_client_retry_count",
			Help: "The number of retries on the last " + prefix + " request",
		}, []string{"host"}),
		FailureCount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_client_failure_count",
			Help: "The total number of failed " + prefix + " requests",
		}, []string{"host", "status_code"}),
		RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    prefix + "_client_request_duration_seconds",
			Help:    "Time taken to complete a " + prefix + " request",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"host"}),
	}
}

// Metrics is the process-wide collector set, built once at startup.
var Metrics = NewWorkerMetrics()

type retriesKey struct{}

type retryState struct {
	count          int
	lastStatusCode int
}

// WithRetryHook installs a CheckRetry onto client that counts attempts
// and records the last status code into the retry state ObserveRequest
// puts on the request context, then defers to DefaultRetryPolicy. It
// writes nothing into cm itself, and requests made without
// ObserveRequest are not counted.
func WithRetryHook(client *retryablehttp.Client, cm ClientMetrics) {
	client.CheckRetry = func(ctx context.Context, res *http.Response, err error) (bool, error) {
		state, _ := ctx.Value(retriesKey{}).(*retryState)
		if state != nil {
			if res == nil {
				state.lastStatusCode = 999
			} else {
				state.lastStatusCode = res.StatusCode
			}
			state.count++
		}
		return retryablehttp.DefaultRetryPolicy(ctx, res, err)
	}
}

// ObserveRequest wraps a request-scoped context with retry bookkeeping
// and reports the final retry count and any 4xx/5xx failure into cm.
// Grounded on the teacher's MonitorRequest/HttpRetryHook pair
// (metrics/monitor_request.go), generalized from a package-global
// context.Value key to one scoped to this package.
func ObserveRequest(ctx context.Context, host string, cm ClientMetrics, do func(ctx context.Context) (*http.Response, error)) (*http.Response, error) {
	state := &retryState{lastStatusCode: -1}
	ctx = context.WithValue(ctx, retriesKey{}, state)

	res, err := do(ctx)
	if state.lastStatusCode >= 400 {
		cm.FailureCount.WithLabelValues(host, statusLabel(state.lastStatusCode)).Inc()
	}
	cm.RetryCount.WithLabelValues(host).Set(float64(state.count))
	return res, err
}

func statusLabel(code int) string {
	if code == 999 {
		return "connection_error"
	}
	return strconv.Itoa(code)
}
