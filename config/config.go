package config

import (
	"net/url"
	"time"
)

var Version string

// Used so that we can generate fixed timestamps in tests.
var Clock TimestampGenerator = RealTimestampGenerator{}

// Directory holding on-disk persistent state: identity file, pending-pin
// store and its lock file.
var DataDir = "data"

// Maximum number of jobs the Lifecycle Engine will run in parallel.
var MaxConcurrent = 2

// The maximum allowed input file size.
const MaxInputFileSizeBytes = 30 * 1024 * 1024 * 1024 // 30 GiB

// Gateway timeouts, per spec.md §5.
var (
	GatewayPollTimeout   = 15 * time.Second
	GatewayPostTimeout   = 30 * time.Second
	GatewayStatsTimeout  = 10 * time.Second
	GatewayPollInterval  = 60 * time.Second
	GatewayPollJitterMax = 10 * time.Second
	ExecuteInterval      = 5 * time.Second
	StuckSweepInterval   = 10 * time.Minute
	StuckThreshold       = 1 * time.Hour
	LazyPinInterval      = 2 * time.Minute
	MemoryGuardInterval  = 5 * time.Minute
	OwnershipMonitorTick = 60 * time.Second
)

// Content store upload/pin/timeouts, per spec.md §5.
var (
	UploadFileBaseTimeout      = 60 * time.Second
	UploadFilePerMBTimeout     = 10 * time.Second
	UploadFileCapTimeout       = 10 * time.Minute
	UploadDirBaseTimeout       = 120 * time.Second
	UploadDirPerMBTimeout      = 5 * time.Second
	UploadDirCapTimeout        = 15 * time.Minute
	GatewayDownloadTimeout     = 90 * time.Second
	DaemonDownloadTimeout      = 300 * time.Second
	PinHardTimeout             = 120 * time.Second
	PinSoftTimeout             = 60 * time.Second
	PinVerifyPerTryTimeout     = 30 * time.Second
	PinVerifyRetries           = 3
	ContentStoreTransientTries = 3
)

// Memory guard thresholds, per spec.md §4.9.
var (
	MemorySoftThresholdBytes uint64 = 1_500_000_000
	MemoryHardThresholdBytes uint64 = 10_000_000_000
)

var ImportIPFSGatewayURLs []*url.URL = []*url.URL{}
var ImportArweaveGatewayURLs []*url.URL = []*url.URL{}

// DefaultRetryBaseMs is the base retry delay used by the Job Queue (C6)
// for classifications other than 5xx-flavored infrastructure errors.
var DefaultRetryBaseMs int64 = 30_000

// FiveXXRetryCapMs caps the halved retry delay used for 5xx-flavored
// infrastructure errors (see spec.md §4.5).
var FiveXXRetryCapMs int64 = 2 * 60 * 1000

var DefaultMaxAttempts = 3
