package engine

import (
	"context"
	"strings"

	"github.com/livepeer/encoder-worker/config"
	"github.com/livepeer/encoder-worker/internal/job"
	"github.com/livepeer/encoder-worker/internal/metrics"
	"github.com/livepeer/encoder-worker/internal/webhook"
	"github.com/livepeer/encoder-worker/internal/xlog"
)

// executeDirect implements spec.md §4.7.1: run the same Transcoder
// pipeline a Gateway job uses, then dispatch a completion or failure
// webhook instead of reporting back to the Gateway.
func (e *Engine) executeDirect(ctx context.Context, j *job.Job) {
	startedAt := config.Clock.GetTime()

	onProgress := func(percent int) {
		_ = e.Queue.UpdateProgress(j.ID, float64(percent))
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

	result, err := e.Processor.Process(ctx, j.ID, j.InputURI, j.RequestedOrDefaultProfiles(), j.Short, onProgress, onPinFailed)
	if err != nil {
		_ = e.Queue.Fail(j.ID, err, isRetryable(err))
		metrics.Metrics.JobsFailed.WithLabelValues("direct", classifiedKindLabel(err)).Inc()
		e.dispatchWebhook(j, webhook.Payload{
			JobID:     j.ID,
			Status:    "failed",
			InputCID:  inputCID(j.InputURI),
			Owner:     j.Metadata.Owner,
			Permlink:  j.Metadata.Permlink,
			EncoderID: e.Identity.EncoderID(),
			Error:     err.Error(),
		})
		return
	}

	_ = e.Queue.Complete(j.ID, job.CachedResult{JobID: j.ID, ResultCID: result.ManifestCID})
	e.Identity.RecordJobCompleted()
	metrics.Metrics.JobsCompleted.WithLabelValues("direct").Inc()

	e.dispatchWebhook(j, webhook.Payload{
		JobID:                 j.ID,
		Status:                "complete",
		InputCID:              inputCID(j.InputURI),
		Owner:                 j.Metadata.Owner,
		Permlink:              j.Metadata.Permlink,
		ManifestCID:           result.ManifestCID,
		VideoURL:              "ipfs://" + result.ManifestCID + "/manifest.m3u8",
		ProcessingTimeSeconds: config.Clock.GetTime().Sub(startedAt).Seconds(),
		QualitiesEncoded:      len(result.Renditions),
		EncoderID:             e.Identity.EncoderID(),
	})
}

func (e *Engine) dispatchWebhook(j *job.Job, payload webhook.Payload) {
	payload.Timestamp = config.Clock.GetTime().Unix()
	e.Webhook.Dispatch(j.ID, j.WebhookURL, payload)
}

func inputCID(inputURI string) string {
	const scheme = "ipfs://"
	if strings.HasPrefix(inputURI, scheme) {
		return strings.TrimPrefix(inputURI, scheme)
	}
	return ""
}
