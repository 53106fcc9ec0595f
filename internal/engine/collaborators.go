package engine

import (
	"context"

	"github.com/livepeer/encoder-worker/internal/dbverify"
	"github.com/livepeer/encoder-worker/internal/gateway"
	"github.com/livepeer/encoder-worker/internal/transcode"
)

// These interfaces capture exactly the methods the Lifecycle Engine
// calls on its collaborators. *gateway.Client, *dbverify.Client,
// *store.Client and *transcode.Processor all satisfy them structurally,
// so production wiring passes the concrete types while tests substitute
// small fakes without any of the real network/database/ffmpeg machinery.

type gatewayClient interface {
	Poll(ctx context.Context) (*gateway.JobPayload, error)
	Claim(ctx context.Context, jobID string) error
	Reject(ctx context.Context, jobID string) error
	Ping(ctx context.Context, jobID string, progressPct, downloadPct int) error
	Finish(ctx context.Context, jobID, cid string) (duplicate bool, err error)
	Fail(ctx context.Context, jobID string, errorDetail string) error
	Status(ctx context.Context, jobID string) (gateway.JobStatus, error)
}

type dbClient interface {
	Enabled() bool
	VerifyOwnership(ctx context.Context, id, ourDID string) (dbverify.OwnershipResult, error)
	ForceAssign(ctx context.Context, id, ourDID string) error
	ForceComplete(ctx context.Context, id, cid string) error
}

type contentStore interface {
	VerifyPersistence(cid string) bool
}

type jobProcessor interface {
	Process(ctx context.Context, jobID, inputURI string, profileNames []string, short bool, onProgress transcode.ProgressFunc, onPinFailed func(cid, reason string)) (transcode.Result, error)
}
