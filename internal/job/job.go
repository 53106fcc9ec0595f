// Package job defines the data model shared by every component of the
// encoder worker: the Job record, its retry bookkeeping, the cached
// upload result used for smart-retry, and the pending-pin record.
package job

import "time"

// Origin identifies which collaborator submitted a Job.
type Origin string

const (
	OriginGateway Origin = "gateway"
	OriginDirect  Origin = "direct"
)

// Status is one of the four terminal/non-terminal job states. A Job is
// in exactly one of these at any observation point.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// Metadata carries the publisher fields the transcoder doesn't interpret
// but that flow through to the webhook/Gateway payloads unchanged.
type Metadata struct {
	Owner    string
	Permlink string
	App      string
}

// Job is a unit of transcode work. Fields are mutated only by the Job
// Queue (C6) that owns it; the Gateway Client and Database Verifier
// hold non-owning references to the id and never write this struct
// directly.
type Job struct {
	ID                string
	Origin            Origin
	Status            Status
	CreatedAt         time.Time
	UpdatedAt         time.Time
	InputURI          string
	ProfilesRequested []string
	Metadata          Metadata
	Short             bool
	ProgressPercent   float64
	ResultCID         string
	LastError         string

	// WebhookURL is populated for Direct-API jobs only; it is
	// irrelevant (empty) for Gateway jobs which report back
	// through C4 instead.
	WebhookURL string

	Retry RetryRecord
}

// RequestedOrDefaultProfiles returns the set of profile names a job should render,
// honoring Short mode which always collapses to a single 480p rendition.
func (j *Job) RequestedOrDefaultProfiles() []string {
	if j.Short {
		return []string{"480p"}
	}
	if len(j.ProfilesRequested) > 0 {
		return j.ProfilesRequested
	}
	return []string{"1080p", "720p", "480p"}
}

// RetryRecord tracks retry state for a Job. It is meaningful only while
// the Job's status is Queued with Attempts > 0, or during failure
// handling immediately prior to re-queueing.
type RetryRecord struct {
	Attempts     int
	MaxAttempts  int
	LastAttempt  time.Time
	NextRetry    time.Time
	ErrorHistory []string
}

// CachedResult is the fully computed upload outcome of a prior attempt,
// keyed by job id. It lets a retry that only failed at the
// Gateway-notification step skip straight to Report without redoing the
// transcode+upload.
type CachedResult struct {
	JobID          string
	ResultCID      string
	MasterPlaylist string
	CachedAt       time.Time
}

// PendingPinKind distinguishes single-file pins from directory pins.
type PendingPinKind string

const (
	PendingPinFile      PendingPinKind = "file"
	PendingPinDirectory PendingPinKind = "directory"
)

// PendingPin is a durable record of a CID awaiting background pinning,
// kept by the Pending Pin Store (C7) and drained by the Lazy Pinner (C12).
type PendingPin struct {
	CID              string
	OriginatingJobID string
	AddedAt          time.Time
	Attempts         int
	LastAttempt      time.Time
	SizeMB           float64
	Kind             PendingPinKind
}

// MaxPendingPins is the entry cap on the Pending Pin Store; the oldest
// record is evicted on overflow.
const MaxPendingPins = 1000

// PendingPinRetention is the absolute age past which a pending pin is
// evicted regardless of remaining attempts.
const PendingPinRetention = 7 * 24 * time.Hour
