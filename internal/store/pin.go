package store

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/livepeer/encoder-worker/config"
	"github.com/livepeer/encoder-worker/internal/xlog"
)

// PinAndAnnounce implements the bulletproof pin contract from spec.md
// §4.3: it resolves within PinHardTimeout no matter what. Pin failure
// is never fatal to the caller — it always returns, and the caller (C3
// via onPinFailed, or C12) decides what to do with a non-nil error.
func (c *Client) PinAndAnnounce(cid string) error {
	ctx, cancel := context.WithTimeout(context.Background(), config.PinHardTimeout)
	defer cancel()

	resultCh := make(chan error, 1)
	go func() {
		resultCh <- c.pinAndAnnounce(ctx, cid)
	}()

	select {
	case err := <-resultCh:
		return err
	case <-ctx.Done():
		return fmt.Errorf("pin hard timeout exceeded for cid %s", cid)
	}
}

func (c *Client) pinAndAnnounce(ctx context.Context, cid string) error {
	softCtx, cancel := context.WithTimeout(ctx, config.PinSoftTimeout)
	err := c.remotePin(softCtx, cid)
	cancel()

	if err != nil && c.LocalPinFallback {
		xlog.LogNoJobID("remote pin failed, attempting local pin", "cid", cid, "err", err.Error())
		err = c.Pin(cid)
	}
	if err != nil {
		return fmt.Errorf("pin failed for cid %s: %w", cid, err)
	}

	if verifyErr := c.verifyPinned(ctx, cid); verifyErr != nil {
		return fmt.Errorf("pin verification failed for cid %s: %w", cid, verifyErr)
	}

	// DHT-announce is best-effort; its failure never affects the
	// pin outcome.
	go func() {
		_, _ = c.daemonHTTPClient.Post(c.daemonURL("/api/v0/dht/provide?arg="+url.QueryEscape(cid)), "", nil)
	}()

	return nil
}

// remotePin is identical to Pin today (a single daemon); kept distinct
// so a future remote-pinning-service integration has a seam without
// touching the bulletproof envelope above.
func (c *Client) remotePin(ctx context.Context, cid string) error {
	return c.pinRequest(ctx, cid)
}

// Pin issues a direct pin request to the daemon.
func (c *Client) Pin(cid string) error {
	return c.pinRequest(context.Background(), cid)
}

func (c *Client) pinRequest(ctx context.Context, cid string) error {
	req, err := newPostRequest(ctx, c.daemonURL("/api/v0/pin/add?arg="+url.QueryEscape(cid)+"&recursive=true"))
	if err != nil {
		return err
	}
	resp, err := c.daemonHTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("pin/add for cid %s: %w", cid, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("pin/add for cid %s returned %d", cid, resp.StatusCode)
	}
	return nil
}

// Unpin releases a pin, allowing the content store's GC to reclaim it.
func (c *Client) Unpin(cid string) error {
	resp, err := c.daemonHTTPClient.Post(c.daemonURL("/api/v0/pin/rm?arg="+url.QueryEscape(cid)+"&recursive=true"), "", nil)
	if err != nil {
		return fmt.Errorf("pin/rm for cid %s: %w", cid, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("pin/rm for cid %s returned %d", cid, resp.StatusCode)
	}
	return nil
}

// verifyPinned retries listing pins up to PinVerifyRetries times with a
// short delay, per spec.md §4.3.
func (c *Client) verifyPinned(ctx context.Context, cid string) error {
	var lastErr error
	for i := 0; i < config.PinVerifyRetries; i++ {
		if i > 0 {
			time.Sleep(200 * time.Millisecond)
		}
		pinned, err := c.isPinned(ctx, cid)
		if err != nil {
			lastErr = err
			continue
		}
		if pinned {
			return nil
		}
		lastErr = fmt.Errorf("cid %s not present in pin list", cid)
	}
	return lastErr
}

func (c *Client) isPinned(ctx context.Context, cid string) (bool, error) {
	tryCtx, cancel := context.WithTimeout(ctx, config.PinVerifyPerTryTimeout)
	defer cancel()

	req, err := newPostRequest(tryCtx, c.daemonURL("/api/v0/pin/ls?arg="+url.QueryEscape(cid)+"&type=all"))
	if err != nil {
		return false, err
	}
	resp, err := c.daemonHTTPClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == 404 {
		return false, nil
	}
	if resp.StatusCode >= 300 {
		return false, fmt.Errorf("pin/ls returned %d", resp.StatusCode)
	}

	var out struct {
		Keys map[string]interface{} `json:"Keys"`
	}
	if err := decodeJSON(resp.Body, &out); err != nil {
		return false, err
	}
	_, ok := out.Keys[cid]
	return ok, nil
}

var recognizedPlaylistNames = map[string]bool{
	"master.m3u8":   true,
	"index.m3u8":    true,
	"playlist.m3u8": true,
}

var recognizedQualityFolders = map[string]bool{
	"1080p": true,
	"720p":  true,
	"480p":  true,
}

// VerifyPersistence asserts the cid is pinned and that listing it as a
// directory yields at least one recognized playlist or quality folder.
// A failing verification is advisory only per spec.md §4.3 — the
// content is demonstrably reachable via the upload response, so the
// caller proceeds to Gateway notification regardless.
func (c *Client) VerifyPersistence(cid string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), config.PinVerifyPerTryTimeout)
	defer cancel()

	pinned, err := c.isPinned(ctx, cid)
	if err != nil || !pinned {
		return false
	}

	entries, err := c.ls(ctx, cid)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if recognizedPlaylistNames[e] || recognizedQualityFolders[e] {
			return true
		}
	}
	return false
}

func (c *Client) ls(ctx context.Context, cid string) ([]string, error) {
	req, err := newPostRequest(ctx, c.daemonURL("/api/v0/ls?arg="+url.QueryEscape(cid)))
	if err != nil {
		return nil, err
	}
	resp, err := c.daemonHTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("ls for cid %s returned %d", cid, resp.StatusCode)
	}

	var out struct {
		Objects []struct {
			Links []struct {
				Name string `json:"Name"`
			} `json:"Links"`
		} `json:"Objects"`
	}
	if err := decodeJSON(resp.Body, &out); err != nil {
		return nil, err
	}

	var names []string
	for _, obj := range out.Objects {
		for _, l := range obj.Links {
			names = append(names, l.Name)
		}
	}
	return names, nil
}

// CleanupTemporary requests garbage collection of any unpinned content,
// used after uploads whose pin failed and were superseded.
func (c *Client) CleanupTemporary(cids []string) error {
	for _, cid := range cids {
		if err := c.Unpin(cid); err != nil {
			xlog.LogNoJobID("cleanup: failed to unpin", "cid", cid, "err", err.Error())
		}
	}
	resp, err := c.daemonHTTPClient.Post(c.daemonURL("/api/v0/repo/gc"), "", nil)
	if err != nil {
		return fmt.Errorf("repo/gc: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func newPostRequest(ctx context.Context, rawURL string) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodPost, rawURL, nil)
}
