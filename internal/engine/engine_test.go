package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/livepeer/encoder-worker/internal/dbverify"
	"github.com/livepeer/encoder-worker/internal/gateway"
	"github.com/livepeer/encoder-worker/internal/identity"
	"github.com/livepeer/encoder-worker/internal/job"
	"github.com/livepeer/encoder-worker/internal/pinstore"
	"github.com/livepeer/encoder-worker/internal/queue"
	"github.com/livepeer/encoder-worker/internal/transcode"
	"github.com/livepeer/encoder-worker/internal/webhook"
	"github.com/livepeer/encoder-worker/internal/xerrors"
	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	statusResponses []gateway.JobStatus
	statusErr       error
	claimErr        error
	finishDuplicate bool
	finishErr       error
	failCalls       []string
	pingCalls       int
}

func (f *fakeGateway) Poll(ctx context.Context) (*gateway.JobPayload, error) { return nil, nil }

func (f *fakeGateway) Claim(ctx context.Context, jobID string) error { return f.claimErr }

func (f *fakeGateway) Reject(ctx context.Context, jobID string) error { return nil }

func (f *fakeGateway) Ping(ctx context.Context, jobID string, progressPct, downloadPct int) error {
	f.pingCalls++
	return nil
}

func (f *fakeGateway) Finish(ctx context.Context, jobID, cid string) (bool, error) {
	return f.finishDuplicate, f.finishErr
}

func (f *fakeGateway) Fail(ctx context.Context, jobID string, errorDetail string) error {
	f.failCalls = append(f.failCalls, errorDetail)
	return nil
}

func (f *fakeGateway) Status(ctx context.Context, jobID string) (gateway.JobStatus, error) {
	if len(f.statusResponses) == 0 {
		return gateway.JobStatus{}, f.statusErr
	}
	st := f.statusResponses[0]
	if len(f.statusResponses) > 1 {
		f.statusResponses = f.statusResponses[1:]
	}
	return st, f.statusErr
}

type fakeDB struct {
	enabled bool
}

func (f *fakeDB) Enabled() bool { return f.enabled }
func (f *fakeDB) VerifyOwnership(ctx context.Context, id, ourDID string) (dbverify.OwnershipResult, error) {
	return dbverify.OwnershipResult{}, xerrors.ErrNotEnabled
}
func (f *fakeDB) ForceAssign(ctx context.Context, id, ourDID string) error { return nil }
func (f *fakeDB) ForceComplete(ctx context.Context, id, cid string) error { return nil }

type fakeStore struct {
	persisted bool
}

func (f *fakeStore) VerifyPersistence(cid string) bool { return f.persisted }

type fakeProcessor struct {
	result transcode.Result
	err    error
}

func (f *fakeProcessor) Process(ctx context.Context, jobID, inputURI string, profileNames []string, short bool, onProgress transcode.ProgressFunc, onPinFailed func(cid, reason string)) (transcode.Result, error) {
	if onProgress != nil {
		onProgress(50)
	}
	return f.result, f.err
}

// testEngine bundles an Engine with the real identity it was built
// around, since identity.DID() is derived from a freshly generated
// ed25519 key and can't be pinned to a literal string.
type testEngine struct {
	*Engine
	did string
}

func newTestEngine(t *testing.T, gw *fakeGateway, proc *fakeProcessor) (*testEngine, *queue.Queue) {
	t.Helper()
	q := queue.New(4)
	id, err := identity.Load(filepath.Join(t.TempDir(), "identity.json"), "test")
	require.NoError(t, err)
	pins, err := pinstore.New(filepath.Join(t.TempDir(), "pending_pins.json"))
	require.NoError(t, err)

	e := New(q, nil, nil, nil, nil, pins, webhook.New(), id, 4)
	e.Gateway = gw
	e.DB = &fakeDB{}
	e.Store = &fakeStore{persisted: true}
	e.Processor = proc
	return &testEngine{Engine: e, did: id.DID()}, q
}

func startWebhookCatcher(t *testing.T, received chan<- webhook.Payload) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p webhook.Payload
		_ = json.NewDecoder(r.Body).Decode(&p)
		received <- p
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestExecuteGatewayJobHappyPath(t *testing.T) {
	proc := &fakeProcessor{result: transcode.Result{ManifestCID: "bafyresult"}}
	gw := &fakeGateway{}
	te, q := newTestEngine(t, gw, proc)
	gw.statusResponses = []gateway.JobStatus{{AssignedTo: ""}, {AssignedTo: te.did}}

	j := q.AddGateway(job.Job{ID: "job-1", InputURI: "ipfs://input"})
	te.executeGatewayJob(context.Background(), j)

	got, ok := q.Get("job-1")
	require.True(t, ok)
	require.Equal(t, job.StatusComplete, got.Status)
	require.Equal(t, "bafyresult", got.ResultCID)
}

func TestExecuteGatewayJobRaceLostOnClaim(t *testing.T) {
	proc := &fakeProcessor{}
	gw := &fakeGateway{
		claimErr: xerrors.Classify(xerrors.KindRaceLost, 409, "", nil),
	}
	te, q := newTestEngine(t, gw, proc)
	gw.statusResponses = []gateway.JobStatus{{AssignedTo: ""}}

	j := q.AddGateway(job.Job{ID: "job-2", InputURI: "ipfs://input"})
	te.executeGatewayJob(context.Background(), j)

	got, ok := q.Get("job-2")
	require.True(t, ok)
	require.Equal(t, job.StatusFailed, got.Status)
	require.Contains(t, got.LastError, "race_lost")
	require.Empty(t, gw.failCalls)
}

func TestExecuteGatewayJobSkipsClaimWhenAlreadyOwned(t *testing.T) {
	proc := &fakeProcessor{result: transcode.Result{ManifestCID: "bafyresult2"}}
	gw := &fakeGateway{}
	te, q := newTestEngine(t, gw, proc)
	gw.statusResponses = []gateway.JobStatus{{AssignedTo: te.did}}

	j := q.AddGateway(job.Job{ID: "job-3", InputURI: "ipfs://input"})
	te.executeGatewayJob(context.Background(), j)

	got, ok := q.Get("job-3")
	require.True(t, ok)
	require.Equal(t, job.StatusComplete, got.Status)
}

func TestExecuteDirectDispatchesCompletionWebhook(t *testing.T) {
	proc := &fakeProcessor{result: transcode.Result{ManifestCID: "bafydirect", Renditions: []transcode.RenditionOutput{{}}}}
	te, q := newTestEngine(t, &fakeGateway{}, proc)
	te.Webhook = webhook.New()

	received := make(chan webhook.Payload, 1)
	webhookURL := startWebhookCatcher(t, received)

	j := q.AddDirect(queue.DirectJobRequest{InputCID: "bafyinput", WebhookURL: webhookURL})
	te.executeDirect(context.Background(), j)

	payload := <-received
	require.Equal(t, "complete", payload.Status)
	require.Equal(t, "bafydirect", payload.ManifestCID)
	require.Equal(t, "bafyinput", payload.InputCID)

	got, ok := q.Get(j.ID)
	require.True(t, ok)
	require.Equal(t, job.StatusComplete, got.Status)
}

func TestExecuteDirectDispatchesFailureWebhook(t *testing.T) {
	proc := &fakeProcessor{err: xerrors.Classify(xerrors.KindInputMediaFatal, 0, "", require.AnError)}
	te, q := newTestEngine(t, &fakeGateway{}, proc)
	te.Webhook = webhook.New()

	received := make(chan webhook.Payload, 1)
	webhookURL := startWebhookCatcher(t, received)

	j := q.AddDirect(queue.DirectJobRequest{InputCID: "bafyinput", WebhookURL: webhookURL})
	te.executeDirect(context.Background(), j)

	payload := <-received
	require.Equal(t, "failed", payload.Status)
	require.NotEmpty(t, payload.Error)

	got, ok := q.Get(j.ID)
	require.True(t, ok)
	require.Equal(t, job.StatusFailed, got.Status)
}
