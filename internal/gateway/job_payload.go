package gateway

import (
	"time"

	"github.com/livepeer/encoder-worker/internal/job"
)

// JobPayload is the wire shape of a Gateway-job document, matching the
// database schema fields spec.md §6 lists that this worker reads.
type JobPayload struct {
	ID           string    `json:"id"`
	Status       string    `json:"status"`
	AssignedTo   string    `json:"assigned_to"`
	AssignedDate time.Time `json:"assigned_date"`
	LastPinged   time.Time `json:"last_pinged"`
	CompletedAt  time.Time `json:"completed_at"`
	Metadata     struct {
		VideoOwner    string `json:"video_owner"`
		VideoPermlink string `json:"video_permlink"`
	} `json:"metadata"`
	StorageMetadata struct {
		App  string `json:"app"`
		Key  string `json:"key"`
		Type string `json:"type"`
	} `json:"storageMetadata"`
	Input struct {
		URI  string `json:"uri"`
		Size int64  `json:"size"`
	} `json:"input"`
	Result struct {
		CID     string `json:"cid"`
		Message string `json:"message"`
	} `json:"result"`
	Progress struct {
		Pct         int `json:"pct"`
		DownloadPct int `json:"download_pct"`
	} `json:"progress"`
}

// ToJob converts the wire payload into this worker's internal Job
// model, the form the Lifecycle Engine and Job Queue operate on.
func (p JobPayload) ToJob() job.Job {
	return job.Job{
		ID:       p.ID,
		Origin:   job.OriginGateway,
		Status:   statusFromGateway(p.Status),
		InputURI: p.Input.URI,
		Metadata: job.Metadata{
			Owner:    p.Metadata.VideoOwner,
			Permlink: p.Metadata.VideoPermlink,
			App:      p.StorageMetadata.App,
		},
		ResultCID:       p.Result.CID,
		ProgressPercent: float64(p.Progress.Pct),
	}
}

func statusFromGateway(s string) job.Status {
	switch s {
	case "complete":
		return job.StatusComplete
	case "failed":
		return job.StatusFailed
	case "running", "assigned":
		return job.StatusRunning
	default:
		return job.StatusQueued
	}
}
