// Package webhook implements the Webhook Dispatcher (C10): fire-and-
// forget delivery of Direct-API job completion/failure notifications,
// grounded on clients/callback_client.go's retryablehttp construction
// and its recoverer-wrapped background goroutine.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/livepeer/encoder-worker/internal/metrics"
	"github.com/livepeer/encoder-worker/internal/xlog"
)

// Payload is the envelope sent to a Direct-API job's webhookUrl on
// completion or failure, exactly per spec.md §4.7.1.
type Payload struct {
	Owner                 string  `json:"owner,omitempty"`
	Permlink              string  `json:"permlink,omitempty"`
	InputCID              string  `json:"input_cid,omitempty"`
	Status                string  `json:"status"`
	ManifestCID           string  `json:"manifest_cid,omitempty"`
	VideoURL              string  `json:"video_url,omitempty"`
	JobID                 string  `json:"jobId"`
	ProcessingTimeSeconds float64 `json:"processingTimeSeconds,omitempty"`
	QualitiesEncoded      int     `json:"qualitiesEncoded,omitempty"`
	EncoderID             string  `json:"encoderId"`
	Timestamp             int64   `json:"timestamp"`
	Error                 string  `json:"error,omitempty"`
}

// Dispatcher posts Payloads to a per-job URL, fire-and-forget: delivery
// runs on its own goroutine and its outcome is only logged, never
// awaited or retained, matching spec.md §5's fan-out rule for progress
// notifications.
type Dispatcher struct {
	httpClient *http.Client
}

func New() *Dispatcher {
	retryable := retryablehttp.NewClient()
	retryable.RetryMax = 2
	retryable.RetryWaitMin = 200 * time.Millisecond
	retryable.RetryWaitMax = 1 * time.Second
	retryable.Logger = nil
	metrics.WithRetryHook(retryable, metrics.Metrics.WebhookClient)
	std := retryable.StandardClient()
	std.Timeout = 10 * time.Second

	return &Dispatcher{httpClient: std}
}

// Dispatch sends payload to url on a background goroutine. It returns
// immediately; the caller never blocks on webhook delivery.
func (d *Dispatcher) Dispatch(jobID, url string, payload Payload) {
	if url == "" {
		return
	}
	go recoverer(jobID, func() {
		d.send(jobID, url, payload)
	})
}

func (d *Dispatcher) send(jobID, url string, payload Payload) {
	body, err := json.Marshal(payload)
	if err != nil {
		xlog.LogError(jobID, "failed marshaling webhook payload", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		xlog.LogError(jobID, "failed building webhook request", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		xlog.LogError(jobID, "webhook delivery failed", err, "url", xlog.RedactURL(url))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		xlog.Log(jobID, "webhook endpoint returned non-2xx", "status", resp.StatusCode, "url", xlog.RedactURL(url))
	}
}

func recoverer(jobID string, f func()) {
	defer func() {
		if rec := recover(); rec != nil {
			xlog.LogNoJobID("panic in webhook goroutine, recovering", "jobId", jobID, "err", rec, "trace", string(debug.Stack()))
		}
	}()
	f()
}
