// Package directapi implements the Direct API Server (C8): an
// operator-facing HTTP surface for submitting encode jobs outside the
// Gateway flow, routed with httprouter exactly as the teacher's
// cmd/http-server/http-server.go wires its own handlers, and
// API-key-gated the way middleware/auth.go gates Bearer tokens.
package directapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/livepeer/encoder-worker/config"
	"github.com/livepeer/encoder-worker/internal/job"
	"github.com/livepeer/encoder-worker/internal/queue"
	"github.com/livepeer/encoder-worker/internal/xerrors"
	"github.com/livepeer/encoder-worker/internal/xlog"
	"github.com/xeipuuv/gojsonschema"
)

// Server exposes the Direct API routes over the Job Queue.
type Server struct {
	Queue   *queue.Queue
	APIKey  string
	Enabled bool
}

func New(q *queue.Queue, cli config.Cli) *Server {
	return &Server{Queue: q, APIKey: cli.DirectAPIKey, Enabled: cli.DirectAPIEnabled}
}

// Router builds the httprouter.Router serving this Server's routes.
func (s *Server) Router() *httprouter.Router {
	router := httprouter.New()
	router.GET("/health", s.handleHealth)
	router.POST("/encode", s.requireEnabled(s.requireAPIKey(s.handleEncode)))
	router.GET("/job/:id", s.requireEnabled(s.requireAPIKey(s.handleGetJob)))
	router.GET("/jobs", s.requireEnabled(s.requireAPIKey(s.handleListJobs)))
	return router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// requireEnabled short-circuits with a machine-readable 503 when the
// Direct API has been configured off, per spec.md §4.6.
func (s *Server) requireEnabled(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		if !s.Enabled {
			xerrors.WriteHTTPServiceUnavailable(w, "direct API is disabled", nil)
			return
		}
		next(w, r, p)
	}
}

// requireAPIKey accepts either an X-API-Key header or a Bearer token,
// generalizing middleware/auth.go's Bearer-only check per spec.md §6.
func (s *Server) requireAPIKey(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		if !apiKeyMatches(r, s.APIKey) {
			xerrors.WriteHTTPUnauthorized(w, "missing or invalid API key", nil)
			return
		}
		next(w, r, p)
	}
}

func apiKeyMatches(r *http.Request, want string) bool {
	if want == "" {
		return false
	}
	if key := r.Header.Get("X-API-Key"); key == want {
		return true
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ") == want
	}
	return false
}

type encodeRequestBody struct {
	InputCid          string   `json:"inputCid"`
	InputUri          string   `json:"inputUri"`
	ProfilesRequested []string `json:"profilesRequested"`
	Short             bool     `json:"short"`
	WebhookUrl        string   `json:"webhookUrl"`
	Owner             string   `json:"owner"`
	Permlink          string   `json:"permlink"`
	App               string   `json:"app"`
}

type encodeResponseBody struct {
	JobID     string    `json:"jobId"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Server) handleEncode(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !hasJSONContentType(r) {
		xerrors.WriteHTTPBadRequest(w, "Content-Type must be application/json", nil)
		return
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		xerrors.WriteHTTPBadRequest(w, "failed reading request body", err)
		return
	}

	result, err := encodeSchemaCompiled.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		xerrors.WriteHTTPBadRequest(w, "failed validating request body", err)
		return
	}
	if !result.Valid() {
		xerrors.WriteHTTPBadBodySchema("POST /encode", w, result.Errors())
		return
	}

	var body encodeRequestBody
	if err := json.Unmarshal(payload, &body); err != nil {
		xerrors.WriteHTTPBadRequest(w, "failed parsing request body", err)
		return
	}

	j := s.Queue.AddDirect(queue.DirectJobRequest{
		InputCID:          body.InputCid,
		InputURI:          body.InputUri,
		ProfilesRequested: body.ProfilesRequested,
		Short:             body.Short,
		WebhookURL:        body.WebhookUrl,
		Metadata: job.Metadata{
			Owner:    body.Owner,
			Permlink: body.Permlink,
			App:      body.App,
		},
	})

	xlog.Log(j.ID, "direct job accepted", "inputUri", j.InputURI)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(encodeResponseBody{
		JobID:     j.ID,
		Status:    string(j.Status),
		CreatedAt: j.CreatedAt,
	})
}

type jobStateBody struct {
	JobID           string  `json:"jobId"`
	Status          string  `json:"status"`
	ProgressPercent float64 `json:"progressPercent"`
	ResultCID       string  `json:"resultCid,omitempty"`
	LastError       string  `json:"lastError,omitempty"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	id := p.ByName("id")
	j, ok := s.Queue.Get(id)
	if !ok {
		xerrors.WriteHTTPNotFound(w, "job not found", nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(jobStateBody{
		JobID:           j.ID,
		Status:          string(j.Status),
		ProgressPercent: j.ProgressPercent,
		ResultCID:       j.ResultCID,
		LastError:       j.LastError,
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	stats := s.Queue.Stats()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{
		"total":   stats.Total,
		"pending": stats.Pending,
		"active":  stats.Active,
	})
}

func hasJSONContentType(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "application/json")
}
