package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/livepeer/encoder-worker/config"
	"github.com/livepeer/encoder-worker/internal/dbverify"
	"github.com/livepeer/encoder-worker/internal/job"
	"github.com/livepeer/encoder-worker/internal/metrics"
	"github.com/livepeer/encoder-worker/internal/xerrors"
	"github.com/livepeer/encoder-worker/internal/xlog"
)

// executeGatewayJob drives one Gateway-originated job through the
// Seen -> OwnershipProbed -> Claimed -> Verified -> Monitored ->
// Persisted -> Reported -> Done state machine, spec.md §4.7.2.
//
// ownedForReporting tracks whether this worker is confident it owns
// the job; it gates the "reporting discipline" rule that a failure is
// only ever reported to the Gateway once ownership was established.
func (e *Engine) executeGatewayJob(ctx context.Context, j *job.Job) {
	ourDID := e.Identity.DID()
	ownedForReporting := false

	// 1. Seen -> OwnershipProbed.
	statusCtx, cancel := context.WithTimeout(ctx, config.GatewayPollTimeout)
	st, statusErr := e.Gateway.Status(statusCtx, j.ID)
	cancel()

	skipClaim := false
	if statusErr == nil {
		normalized := dbverify.NormalizeDID(st.AssignedTo)
		switch {
		case st.AssignedTo == "":
			// proceed to claim
		case normalized == ourDID:
			ownedForReporting = true
			skipClaim = true
		default:
			e.finishRaceLost(j, "pre-claim status probe shows another owner")
			return
		}
	}

	// 2. OwnershipProbed -> Claimed.
	if !skipClaim {
		claimCtx, cancel := context.WithTimeout(ctx, config.GatewayPostTimeout)
		claimErr := e.Gateway.Claim(claimCtx, j.ID)
		cancel()

		if claimErr == nil {
			ownedForReporting = true
		} else if isRaceLost(claimErr) {
			e.finishRaceLost(j, "claim denied: race lost")
			return
		} else {
			// Infrastructure failure: defensive takeover via C5.
			outcome := e.defensiveTakeover(ctx, j.ID, ourDID)
			switch outcome {
			case takeoverOwned:
				ownedForReporting = true
			case takeoverRaceLost:
				e.finishRaceLost(j, "defensive takeover shows another owner")
				return
			case takeoverNotFound, takeoverFailed:
				e.finishFailed(ctx, j, claimErr, ownedForReporting)
				return
			}
		}
	}

	// 3. Claimed -> Verified.
	verifyCtx, cancel := context.WithTimeout(ctx, config.GatewayPollTimeout)
	reSt, reErr := e.Gateway.Status(verifyCtx, j.ID)
	cancel()

	if reErr == nil {
		normalized := dbverify.NormalizeDID(reSt.AssignedTo)
		if normalized != ourDID {
			if coreDIDsMatch(normalized, ourDID) {
				xlog.Log(j.ID, "owner DID format mismatch only, proceeding", "reported", reSt.AssignedTo)
			} else if e.dbEnabled() {
				res, err := e.DB.VerifyOwnership(ctx, j.ID, ourDID)
				if err == nil && res.IsOwned {
					ownedForReporting = true
				} else {
					e.finishRaceLost(j, "post-claim verification shows another owner")
					return
				}
			} else {
				e.finishFailed(ctx, j, fmt.Errorf("post-claim verification shows owner %q", reSt.AssignedTo), ownedForReporting)
				return
			}
		} else {
			ownedForReporting = true
		}
	}

	// 4. Verified -> Monitored.
	pingCtx, cancel := context.WithTimeout(ctx, config.GatewayPostTimeout)
	if err := e.Gateway.Ping(pingCtx, j.ID, 2, 100); err != nil {
		xlog.LogError(j.ID, "initial ping failed, continuing anyway", err)
	}
	cancel()

	jobCtx, jobCancel := context.WithCancel(ctx)
	defer jobCancel()

	monitorCtx, stopMonitor := context.WithCancel(ctx)
	e.registerMonitor(j.ID, stopMonitor)
	defer e.unregisterMonitor(j.ID)
	go e.ownershipMonitor(monitorCtx, j.ID, ourDID, jobCancel)

	if cached, ok := e.Queue.GetCachedResult(j.ID); ok {
		e.reportPersisted(ctx, j, cached.ResultCID, ownedForReporting)
		return
	}

	// 5. Monitored -> Persisted.
	onProgress := func(percent int) {
		_ = e.Queue.UpdateProgress(j.ID, float64(percent))
		go func() {
			pingCtx, cancel := context.WithTimeout(context.Background(), config.GatewayPostTimeout)
			defer cancel()
			if err := e.Gateway.Ping(pingCtx, j.ID, max(percent, 2), percent); err != nil {
				xlog.LogError(j.ID, "progress ping failed", err)
			}
		}()
	}
	onPinFailed := func(cid, reason string) {
		metrics.Metrics.PinFailures.WithLabelValues("immediate").Inc()
		if err := e.Pinstore.Add(job.PendingPin{
			CID:              cid,
			OriginatingJobID: j.ID,
			Kind:             job.PendingPinDirectory,
		}); err != nil {
			xlog.LogError(j.ID, "failed recording pending pin", err, "cid", cid, "reason", reason)
		}
	}

	result, err := e.Processor.Process(jobCtx, j.ID, j.InputURI, j.RequestedOrDefaultProfiles(), j.Short, onProgress, onPinFailed)
	if err != nil {
		e.classifyAndFail(ctx, j, err, ownedForReporting)
		return
	}

	e.Queue.CacheResult(j.ID, job.CachedResult{JobID: j.ID, ResultCID: result.ManifestCID, CachedAt: config.Clock.GetTime()})

	if !e.Store.VerifyPersistence(result.ManifestCID) {
		xlog.Log(j.ID, "advisory persistence verification failed, continuing", "cid", result.ManifestCID)
	}

	e.reportPersisted(ctx, j, result.ManifestCID, ownedForReporting)
}

// reportPersisted implements step 6, Persisted -> Reported -> Done.
func (e *Engine) reportPersisted(ctx context.Context, j *job.Job, cid string, ownedForReporting bool) {
	finishCtx, cancel := context.WithTimeout(ctx, config.GatewayPostTimeout)
	duplicate, err := e.Gateway.Finish(finishCtx, j.ID, cid)
	cancel()

	if err == nil || duplicate {
		_ = e.Queue.Complete(j.ID, job.CachedResult{JobID: j.ID, ResultCID: cid})
		e.Queue.ClearCachedResult(j.ID)
		metrics.Metrics.JobsCompleted.WithLabelValues("gateway").Inc()
		return
	}

	if isRaceLost(err) {
		e.finishRaceLost(j, "finish denied: race lost")
		return
	}

	if isInfrastructure(err) && cid != "" && e.dbEnabled() {
		if fcErr := e.DB.ForceComplete(ctx, j.ID, cid); fcErr == nil {
			_ = e.Queue.Complete(j.ID, job.CachedResult{JobID: j.ID, ResultCID: cid})
			e.Queue.ClearCachedResult(j.ID)
			metrics.Metrics.JobsCompleted.WithLabelValues("gateway").Inc()
			return
		}
	}

	e.classifyAndFail(ctx, j, err, ownedForReporting)
}

// classifyAndFail maps a lower-layer error to a retry or a terminal
// Failed transition, honoring the reporting discipline.
func (e *Engine) classifyAndFail(ctx context.Context, j *job.Job, cause error, ownedForReporting bool) {
	retryable := isRetryable(cause)
	if err := e.Queue.Fail(j.ID, cause, retryable); err != nil {
		xlog.LogError(j.ID, "failed to record job failure in queue", err)
	}
	if !retryable {
		metrics.Metrics.JobsFailed.WithLabelValues("gateway", classifiedKindLabel(cause)).Inc()
	}
	if ownedForReporting {
		e.reportFailureToGateway(j.ID, cause)
	}
}

func (e *Engine) finishFailed(ctx context.Context, j *job.Job, cause error, ownedForReporting bool) {
	if err := e.Queue.Fail(j.ID, cause, false); err != nil {
		xlog.LogError(j.ID, "failed to record terminal job failure in queue", err)
	}
	metrics.Metrics.JobsFailed.WithLabelValues("gateway", classifiedKindLabel(cause)).Inc()
	if ownedForReporting {
		e.reportFailureToGateway(j.ID, cause)
	}
}

// finishRaceLost is always terminal and never reports a failure to the
// Gateway, per spec.md §4.7.2's reporting discipline.
func (e *Engine) finishRaceLost(j *job.Job, reason string) {
	metrics.Metrics.ClaimRaceLost.Inc()
	xlog.Log(j.ID, "job transitioned to RaceLost", "reason", reason)
	if err := e.Queue.Abandon(j.ID, "race_lost: "+reason); err != nil {
		xlog.LogError(j.ID, "failed to abandon race-lost job", err)
	}
}

func classifiedKindLabel(err error) string {
	if ce, ok := xerrors.AsClassified(err); ok {
		return ce.Kind.String()
	}
	return "unknown"
}

func (e *Engine) reportFailureToGateway(jobID string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), config.GatewayPostTimeout)
	defer cancel()
	if err := e.Gateway.Fail(ctx, jobID, cause.Error()); err != nil {
		xlog.LogError(jobID, "failed to report job failure to gateway", err)
	}
}

type takeoverOutcome int

const (
	takeoverFailed takeoverOutcome = iota
	takeoverOwned
	takeoverRaceLost
	takeoverNotFound
)

// defensiveTakeover implements the "infrastructure failure during
// Claim" branch of spec.md §4.7.2 step 2: consult C5 and, if the
// database shows the job unassigned, force-assign it to ourselves.
func (e *Engine) defensiveTakeover(ctx context.Context, jobID, ourDID string) takeoverOutcome {
	if !e.dbEnabled() {
		return takeoverFailed
	}

	res, err := e.DB.VerifyOwnership(ctx, jobID, ourDID)
	if err != nil {
		return takeoverFailed
	}
	if !res.Exists {
		return takeoverNotFound
	}
	if res.IsOwned {
		return takeoverOwned
	}
	if res.ActualOwner == "" {
		if err := e.DB.ForceAssign(ctx, jobID, ourDID); err != nil {
			return takeoverFailed
		}
		return takeoverOwned
	}
	return takeoverRaceLost
}

func (e *Engine) dbEnabled() bool {
	return e.DB != nil && e.DB.Enabled()
}

// ownershipMonitor periodically re-checks that ourDID still owns
// jobID while it's encoding; on detecting another owner, it cooperatively
// cancels the job's execution context.
func (e *Engine) ownershipMonitor(ctx context.Context, jobID, ourDID string, abort context.CancelFunc) {
	ticker := time.NewTicker(config.OwnershipMonitorTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			statusCtx, cancel := context.WithTimeout(ctx, config.GatewayPollTimeout)
			st, err := e.Gateway.Status(statusCtx, jobID)
			cancel()
			if err != nil {
				continue
			}
			normalized := dbverify.NormalizeDID(st.AssignedTo)
			if st.AssignedTo != "" && normalized != ourDID {
				xlog.Log(jobID, "ownership monitor detected another owner, aborting encode", "assignedTo", st.AssignedTo)
				abort()
				return
			}
		}
	}
}

func isRaceLost(err error) bool {
	ce, ok := xerrors.AsClassified(err)
	return ok && ce.Kind == xerrors.KindRaceLost
}

func isInfrastructure(err error) bool {
	ce, ok := xerrors.AsClassified(err)
	if !ok {
		return false
	}
	return ce.Kind == xerrors.KindTransientNetwork || ce.Kind == xerrors.KindAmbiguous
}

func isRetryable(err error) bool {
	ce, ok := xerrors.AsClassified(err)
	if !ok {
		return false
	}
	return ce.Kind.Retryable()
}

// coreDIDsMatch catches cosmetic differences NormalizeDID doesn't
// account for (case, surrounding whitespace) so a benign format
// mismatch isn't mistaken for a genuine other-owner finding.
func coreDIDsMatch(normalizedA, normalizedB string) bool {
	return strings.EqualFold(strings.TrimSpace(normalizedA), strings.TrimSpace(normalizedB))
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
