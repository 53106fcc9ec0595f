package webhook

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDispatchDeliversPayload(t *testing.T) {
	var mu sync.Mutex
	var received Payload
	done := make(chan struct{})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		_ = json.NewDecoder(r.Body).Decode(&received)
		close(done)
	}))
	defer server.Close()

	d := New()
	d.Dispatch("job-1", server.URL, Payload{
		JobID:  "job-1",
		Status: "complete",
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was not delivered in time")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "job-1", received.JobID)
	require.Equal(t, "complete", received.Status)
}

func TestDispatchIsNoopWithoutURL(t *testing.T) {
	d := New()
	d.Dispatch("job-1", "", Payload{JobID: "job-1"})
}

func TestDispatchSurvivesServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	d := New()
	d.Dispatch("job-1", server.URL, Payload{JobID: "job-1", Status: "failed", Error: "boom"})
	time.Sleep(200 * time.Millisecond)
}
