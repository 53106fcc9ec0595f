// Package store implements the Content Store Client (C2): streaming
// downloads from mirrors, multipart directory/file uploads to the
// content-addressed daemon, bulletproof pinning with verification, and
// persistence checks. It generalizes two teacher shapes: the two-tier
// dStorage gateway fan-out from clients/arweave_ipfs_s3.go and the
// adaptive-timeout upload pattern from clients/object_store_client.go.
package store

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/livepeer/encoder-worker/config"
)

// Client talks to a single local content-addressed daemon (an
// IPFS-shaped HTTP API) plus an ordered list of fast HTTP read-through
// gateways used for the first tier of Download.
type Client struct {
	DaemonURL string
	Gateways  []*url.URL

	httpClient       *http.Client
	daemonHTTPClient *http.Client

	// LocalPinFallback enables the second pin attempt (direct daemon
	// pin) when the remote/primary pin path fails within the hard
	// timeout envelope.
	LocalPinFallback bool
}

// New constructs a Client. daemonURL is the base URL of the local
// content-addressed daemon (e.g. http://127.0.0.1:5001); gateways is the
// ordered fallback list tried before falling back to the daemon for
// content-addressed downloads.
func New(daemonURL string, gateways []*url.URL, localPinFallback bool) *Client {
	return &Client{
		DaemonURL:        daemonURL,
		Gateways:         gateways,
		LocalPinFallback: localPinFallback,
		httpClient:       &http.Client{Timeout: config.GatewayDownloadTimeout},
		daemonHTTPClient: &http.Client{Timeout: config.DaemonDownloadTimeout},
	}
}

func (c *Client) daemonURL(pathAndQuery string) string {
	return c.DaemonURL + pathAndQuery
}

// PeerId returns the daemon's libp2p peer id, used when registering this
// worker's node-info payload with the Gateway.
func (c *Client) PeerId() (string, error) {
	resp, err := c.daemonHTTPClient.Post(c.daemonURL("/api/v0/id"), "", nil)
	if err != nil {
		return "", fmt.Errorf("content store /api/v0/id: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("content store /api/v0/id returned %d", resp.StatusCode)
	}

	var out struct {
		ID string `json:"ID"`
	}
	if err := decodeJSON(resp.Body, &out); err != nil {
		return "", fmt.Errorf("parsing /api/v0/id response: %w", err)
	}
	return out.ID, nil
}

// uploadTimeout computes t = base + perMB*sizeMB clamped to [base, cap],
// per spec.md §4.3's upload strategy.
func uploadTimeout(base, perMB time.Duration, sizeMB float64, cap time.Duration) time.Duration {
	t := base + time.Duration(float64(perMB)*sizeMB)
	if t < base {
		return base
	}
	if t > cap {
		return cap
	}
	return t
}
