package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNewWorkerMetricsRegistersCollectors(t *testing.T) {
	require.NotNil(t, Metrics.JobsInFlight)
	require.NotNil(t, Metrics.GatewayClient.RetryCount)
	require.NotNil(t, Metrics.WebhookClient.FailureCount)
}

func TestObserveRequestRecordsFailureAndRetryCount(t *testing.T) {
	attempt := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempt++
		if attempt < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	do := func(ctx context.Context) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
		require.NoError(t, err)
		return http.DefaultClient.Do(req)
	}

	// Simulate the retryablehttp CheckRetry bookkeeping without a real
	// retry loop: ObserveRequest reads the retry count back out of the
	// context after do runs, regardless of who incremented it.
	before := testutil.ToFloat64(Metrics.GatewayClient.FailureCount.WithLabelValues("example.com", "500"))
	res, err := ObserveRequest(context.Background(), "example.com", Metrics.GatewayClient, func(ctx context.Context) (*http.Response, error) {
		res, err := do(ctx)
		if state, ok := ctx.Value(retriesKey{}).(*retryState); ok && err == nil {
			state.lastStatusCode = res.StatusCode
		}
		return res, err
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusInternalServerError, res.StatusCode)
	require.Equal(t, before+1, testutil.ToFloat64(Metrics.GatewayClient.FailureCount.WithLabelValues("example.com", "500")))
	require.Equal(t, 0.0, testutil.ToFloat64(Metrics.GatewayClient.RetryCount.WithLabelValues("example.com")))
}

func TestStatusLabel(t *testing.T) {
	require.Equal(t, "connection_error", statusLabel(999))
	require.Equal(t, "500", statusLabel(500))
}

func TestJobsFailedCounterIncrementsPerKind(t *testing.T) {
	before := testutil.ToFloat64(Metrics.JobsFailed.WithLabelValues("gateway", "race_lost"))
	Metrics.JobsFailed.WithLabelValues("gateway", "race_lost").Inc()
	require.Equal(t, before+1, testutil.ToFloat64(Metrics.JobsFailed.WithLabelValues("gateway", "race_lost")))
}
