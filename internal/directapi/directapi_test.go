package directapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/livepeer/encoder-worker/config"
	"github.com/livepeer/encoder-worker/internal/queue"
	"github.com/stretchr/testify/require"
)

func newTestServer(enabled bool) (*Server, *queue.Queue) {
	q := queue.New(2)
	s := New(q, config.Cli{
		DirectAPIEnabled: enabled,
		DirectAPIKey:     "test-key",
	})
	return s, q
}

func TestHealthIsUnauthenticated(t *testing.T) {
	s, _ := newTestServer(true)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestEncodeRejectsWhenDisabled(t *testing.T) {
	s, _ := newTestServer(false)
	req := httptest.NewRequest(http.MethodPost, "/encode", strings.NewReader(`{"inputUri":"ipfs://abc"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", "test-key")
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestEncodeRejectsMissingAPIKey(t *testing.T) {
	s, _ := newTestServer(true)
	req := httptest.NewRequest(http.MethodPost, "/encode", strings.NewReader(`{"inputUri":"ipfs://abc"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestEncodeRejectsMissingInput(t *testing.T) {
	s, _ := newTestServer(true)
	req := httptest.NewRequest(http.MethodPost, "/encode", strings.NewReader(`{"short":true}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", "test-key")
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEncodeAcceptsValidRequest(t *testing.T) {
	s, q := newTestServer(true)
	req := httptest.NewRequest(http.MethodPost, "/encode", strings.NewReader(`{"inputCid":"bafy123","short":true}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", "test-key")
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	var body encodeResponseBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body.JobID)

	_, ok := q.Get(body.JobID)
	require.True(t, ok)
}

func TestGetJobReturnsNotFoundForUnknownID(t *testing.T) {
	s, _ := newTestServer(true)
	req := httptest.NewRequest(http.MethodGet, "/job/does-not-exist", nil)
	req.Header.Set("X-API-Key", "test-key")
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListJobsReportsStats(t *testing.T) {
	s, q := newTestServer(true)
	q.AddDirect(queue.DirectJobRequest{InputURI: "ipfs://a"})

	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	req.Header.Set("X-API-Key", "test-key")
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body["total"])
	require.Equal(t, 1, body["pending"])
}
