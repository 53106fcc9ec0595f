package metrics

import (
	"net/http"

	"github.com/livepeer/encoder-worker/internal/xlog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ListenAndServe starts the Prometheus scrape endpoint on addr. It
// blocks; call it from its own goroutine.
func ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	xlog.LogNoJobID("starting prometheus metrics listener", "addr", addr)
	return http.ListenAndServe(addr, mux)
}
