package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/livepeer/encoder-worker/internal/identity"
	"github.com/livepeer/encoder-worker/internal/xerrors"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	id, err := identity.Load(filepath.Join(t.TempDir(), "identity.json"), "test")
	require.NoError(t, err)

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, id, 5*time.Second), srv
}

func TestPollReturnsNilOnNotFound(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	job, err := c.Poll(context.Background())
	require.NoError(t, err)
	require.Nil(t, job)
}

func TestPollParsesJobPayload(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"job-1","status":"queued","input":{"uri":"ipfs://Qm123"}}`))
	})
	job, err := c.Poll(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, "job-1", job.ID)
	require.Equal(t, "ipfs://Qm123", job.Input.URI)
}

func TestClaimClassifiesRaceLost(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"job already accepted"}`))
	})
	err := c.Claim(context.Background(), "job-1")
	require.Error(t, err)
	classified, ok := xerrors.AsClassified(err)
	require.True(t, ok)
	require.Equal(t, xerrors.KindRaceLost, classified.Kind)
}

func TestClaimClassifiesAmbiguousOn500(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"boom"}`))
	})
	err := c.Claim(context.Background(), "job-1")
	classified, ok := xerrors.AsClassified(err)
	require.True(t, ok)
	require.Equal(t, xerrors.KindAmbiguous, classified.Kind)
}

func TestFinishSynthesizesDuplicateSuccess(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"job not assigned to this worker"}`))
	})
	duplicate, err := c.Finish(context.Background(), "job-1", "Qmabc")
	require.NoError(t, err)
	require.True(t, duplicate)
}

func TestInfrastructureStatusIsRetryable(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	err := c.Ping(context.Background(), "job-1", 50, 100)
	classified, ok := xerrors.AsClassified(err)
	require.True(t, ok)
	require.Equal(t, xerrors.KindTransientNetwork, classified.Kind)
	require.True(t, classified.Kind.Retryable())
}

func TestStatusParsesAssignedTo(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"assigned_to":"did:key:z6Mkabc","status":"running"}`))
	})
	st, err := c.Status(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, "did:key:z6Mkabc", st.AssignedTo)
	require.Equal(t, "running", st.Status)
}
