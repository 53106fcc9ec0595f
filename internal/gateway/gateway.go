// Package gateway implements the Gateway Client (C4): a stateless HTTP
// adapter to the central job Gateway, generalizing the teacher's
// clients/broadcaster_remote.go retryablehttp-client construction and
// clients/callback_client.go's signed-envelope pattern to the polling
// worker protocol spec.md §4.1 and §6 describe.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/livepeer/encoder-worker/internal/identity"
	"github.com/livepeer/encoder-worker/internal/metrics"
	"github.com/livepeer/encoder-worker/internal/xlog"
)

// ResponseCapBytes bounds how much of any Gateway response body is kept
// in memory; anything past this is truncated to a placeholder before
// being attached to an error, per spec.md §4.1's memory-safety contract.
const ResponseCapBytes = 16 * 1024

// Client is a stateless adapter: it holds no job state of its own, it
// only translates Gateway HTTP calls and classifies their outcomes.
type Client struct {
	BaseURL  string
	Identity *identity.Identity

	httpClient *http.Client
}

// NodeInfo is sent once at startup via updateNode, registering this
// worker with the Gateway.
type NodeInfo struct {
	Name           string `json:"name"`
	CryptoAccounts string `json:"cryptoAccounts"`
	PeerID         string `json:"peer_id"`
	CommitHash     string `json:"commit_hash"`
}

// New constructs a Client whose write calls are retried per-call with a
// short bounded backoff, mirroring newRetryableClient in
// clients/broadcaster_remote.go.
func New(baseURL string, id *identity.Identity, timeout time.Duration) *Client {
	retryable := retryablehttp.NewClient()
	retryable.RetryMax = 2
	retryable.RetryWaitMin = 200 * time.Millisecond
	retryable.RetryWaitMax = 1 * time.Second
	// Hand the last response back once retries run out, so a final 5xx
	// reaches the status classification instead of becoming a transport
	// error.
	retryable.ErrorHandler = retryablehttp.PassthroughErrorHandler
	retryable.Logger = nil
	metrics.WithRetryHook(retryable, metrics.Metrics.GatewayClient)
	std := retryable.StandardClient()
	std.Timeout = timeout

	return &Client{BaseURL: baseURL, Identity: id, httpClient: std}
}

func (c *Client) url(path string) string {
	return c.BaseURL + path
}

// signedEnvelope wraps payload in a JWS signed by this worker's
// identity, the shape every Gateway write call's body takes per
// spec.md §6 ("Bodies are {jws: <signed-envelope>}").
func (c *Client) signedEnvelope(payload map[string]interface{}) ([]byte, error) {
	jws, err := c.Identity.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("signing gateway envelope: %w", err)
	}
	return json.Marshal(map[string]string{"jws": jws})
}

func (c *Client) doSigned(ctx context.Context, method, path string, payload map[string]interface{}) (*http.Response, []byte, error) {
	var body io.Reader
	if payload != nil {
		envelope, err := c.signedEnvelope(payload)
		if err != nil {
			return nil, nil, err
		}
		body = bytes.NewReader(envelope)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path), body)
	if err != nil {
		return nil, nil, fmt.Errorf("building gateway request for %s: %w", path, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, ResponseCapBytes+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return resp, nil, fmt.Errorf("reading gateway response for %s: %w", path, err)
	}
	if len(raw) > ResponseCapBytes {
		raw = append(raw[:ResponseCapBytes], []byte("...<truncated>")...)
	}

	return resp, raw, nil
}

// UpdateNode registers this worker's node info with the Gateway.
func (c *Client) UpdateNode(ctx context.Context, info NodeInfo) error {
	resp, raw, err := c.doSigned(ctx, http.MethodPost, "/api/v0/gateway/updateNode", map[string]interface{}{
		"node_info": info,
	})
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return classifyByStatus(resp.StatusCode, raw, "updateNode")
	}
	return nil
}

// Stats performs a liveness check against /api/v0/gateway/stats and
// returns only an error or nil. The worker makes no startup
// connectivity probe; nothing calls Stats at startup.
func (c *Client) Stats(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/api/v0/gateway/stats"), nil)
	if err != nil {
		return fmt.Errorf("building stats request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return classifyByStatus(resp.StatusCode, nil, "stats")
	}
	return nil
}

// Poll requests the next available job. A nil job with a nil error
// means there is nothing to do right now (Gateway returned 404).
func (c *Client) Poll(ctx context.Context) (*JobPayload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/api/v0/gateway/getJob"), nil)
	if err != nil {
		return nil, fmt.Errorf("building poll request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, ResponseCapBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading poll response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, classifyByStatus(resp.StatusCode, raw, "poll")
	}

	var job JobPayload
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("parsing poll response: %w", err)
	}
	return &job, nil
}

// Claim attempts to take ownership of a job.
func (c *Client) Claim(ctx context.Context, jobID string) error {
	resp, raw, err := c.doSigned(ctx, http.MethodPost, "/api/v0/gateway/acceptJob", map[string]interface{}{
		"job_id": jobID,
	})
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return classifyClaimResponse(resp.StatusCode, raw)
	}
	return nil
}

// Reject releases a job this worker decided not to (or can no longer)
// handle.
func (c *Client) Reject(ctx context.Context, jobID string) error {
	resp, raw, err := c.doSigned(ctx, http.MethodPost, "/api/v0/gateway/rejectJob", map[string]interface{}{
		"job_id": jobID,
	})
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return classifyByStatus(resp.StatusCode, raw, "reject")
	}
	return nil
}

// Ping reports progress. Per spec.md §6, progressPct must be >1 to
// trigger the Gateway's server-side transition to Running.
func (c *Client) Ping(ctx context.Context, jobID string, progressPct, downloadPct int) error {
	resp, raw, err := c.doSigned(ctx, http.MethodPost, "/api/v0/gateway/pingJob", map[string]interface{}{
		"job_id": jobID,
		"status": map[string]interface{}{
			"progressPct":  progressPct,
			"download_pct": downloadPct,
		},
	})
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return classifyByStatus(resp.StatusCode, raw, "ping")
	}
	return nil
}

// Finish reports job completion. A 500 matching the duplicate-keyword
// set is synthesized into a success with Duplicate=true rather than
// returned as an error, per spec.md §4.1.
func (c *Client) Finish(ctx context.Context, jobID, cid string) (duplicate bool, err error) {
	resp, raw, err := c.doSigned(ctx, http.MethodPost, "/api/v0/gateway/finishJob", map[string]interface{}{
		"job_id": jobID,
		"output": map[string]interface{}{"cid": cid},
	})
	if err != nil {
		return false, err
	}
	if resp.StatusCode >= 300 {
		classified := classifyByStatus(resp.StatusCode, raw, "finish")
		if resp.StatusCode == http.StatusInternalServerError && containsGatewayKeyword(raw) {
			xlog.Log(jobID, "finish reported duplicate completion, treating as success")
			return true, nil
		}
		return false, classified
	}
	return false, nil
}

// Fail reports job failure.
func (c *Client) Fail(ctx context.Context, jobID string, errorDetail string) error {
	resp, raw, err := c.doSigned(ctx, http.MethodPost, "/api/v0/gateway/failJob", map[string]interface{}{
		"job_id": jobID,
		"error":  errorDetail,
	})
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return classifyByStatus(resp.StatusCode, raw, "fail")
	}
	return nil
}

// Cancel is semantically identical to Reject from this worker's side:
// it releases ownership in response to an external cancellation.
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	return c.Reject(ctx, jobID)
}

// JobStatus is the forensic-probe response shape from
// GET /api/v0/gateway/jobstatus/:id.
type JobStatus struct {
	AssignedTo string `json:"assigned_to"`
	Status     string `json:"status"`
}

// Status performs the job-status probe C9 uses before claiming a job,
// to verify ownership after a claim, and from the ownership monitor.
func (c *Client) Status(ctx context.Context, jobID string) (JobStatus, error) {
	reqURL := c.url("/api/v0/gateway/jobstatus/" + url.PathEscape(jobID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return JobStatus{}, fmt.Errorf("building status request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return JobStatus{}, classifyTransportError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, ResponseCapBytes+1))
	if err != nil {
		return JobStatus{}, fmt.Errorf("reading status response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return JobStatus{}, classifyByStatus(resp.StatusCode, raw, "status")
	}

	var st JobStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return JobStatus{}, fmt.Errorf("parsing status response: %w", err)
	}
	return st, nil
}
