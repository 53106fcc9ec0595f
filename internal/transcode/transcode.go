// Package transcode implements the Transcoder (C3): it downloads a
// source, probes it, derives an encoding strategy, runs the codec
// cascade per requested profile (or passes the source through
// unchanged when eligible), assembles the HLS bundle manifest.m3u8
// describes, and uploads it, generalizing the teacher's transcode
// pipeline (transcode/transcode.go, pipeline/ffmpeg.go) from a single
// fixed encoder to the cascade-and-strategy model spec.md §4.4
// requires.
package transcode

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/livepeer/encoder-worker/internal/probe"
	"github.com/livepeer/encoder-worker/internal/store"
	"github.com/livepeer/encoder-worker/internal/subprocess"
	"github.com/livepeer/encoder-worker/internal/xlog"
)

// ProgressFunc reports a 0-100 percent complete value back to the
// caller (the Lifecycle Engine), which forwards it to the Gateway or
// keeps it for Direct API polling.
type ProgressFunc func(percent int)

// Result is everything the caller needs after a successful Process
// call: the bundle's content ID and the individual renditions produced.
type Result struct {
	ManifestCID string
	Renditions  []RenditionOutput
}

// Processor ties together probing, strategy derivation, cascade
// execution, manifest assembly and upload for one job.
type Processor struct {
	Store    *store.Client
	Prober   probe.Prober
	Cascade  []Backend
	WorkDir  string
	Children *subprocess.Registry
}

func NewProcessor(storeClient *store.Client, prober probe.Prober, workDir string, children *subprocess.Registry) *Processor {
	return &Processor{
		Store:    storeClient,
		Prober:   prober,
		Cascade:  DefaultCascade(),
		WorkDir:  workDir,
		Children: children,
	}
}

// Process runs the full download -> probe -> strategy -> encode ->
// manifest -> upload pipeline for one job, reporting progress per
// spec.md §4.4's weighting: download 5-25%, encode 25-95%, upload and
// publish 95-100%. The working directory is always removed on exit,
// success or failure, so a crashed job never leaks disk.
func (p *Processor) Process(ctx context.Context, jobID, inputURI string, profileNames []string, short bool, onProgress ProgressFunc, onPinFailed func(cid, reason string)) (Result, error) {
	jobDir := filepath.Join(p.WorkDir, jobID+"-"+uuid.NewString())
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("creating job working directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(jobDir); err != nil {
			xlog.LogError(jobID, "failed to clean up job working directory", err, "dir", jobDir)
		}
	}()

	report := func(percent int) {
		if onProgress != nil {
			onProgress(percent)
		}
	}

	report(5)
	inputPath := filepath.Join(jobDir, "input")
	if err := p.Store.Download(jobID, inputURI, inputPath); err != nil {
		return Result{}, fmt.Errorf("downloading input: %w", err)
	}
	report(25)

	probeResult, err := p.Prober.Probe(ctx, inputPath)
	if err != nil {
		return Result{}, fmt.Errorf("probing input: %w", err)
	}
	strategy := DeriveStrategy(probeResult)
	xlog.Log(jobID, "derived encoding strategy", "strategy", strategy.String())

	segDur := ClampSegmentDuration(probeResult.Duration, SegmentDuration(probeResult.Duration))

	outDir := filepath.Join(jobDir, "out")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("creating output directory: %w", err)
	}

	var renditions []RenditionOutput
	if strategy.Passthrough {
		// spec.md §4.4 point 8: passthrough skips the cascade entirely —
		// a single copy-only HLS segmentation into one quality (default
		// 480p folder), no encoder invoked, no CPU spent re-encoding.
		profile := ProfileFor("480p")
		profileDir := filepath.Join(outDir, profile.Name)
		if err := os.MkdirAll(profileDir, 0o755); err != nil {
			return Result{}, fmt.Errorf("creating profile directory %q: %w", profile.Name, err)
		}

		segmentCtx, cancel := context.WithTimeout(ctx, EncodeTimeout(probeResult, false))
		segments, err := RunPassthrough(segmentCtx, jobID, inputPath, profileDir, segDur.Seconds(), short, p.Children)
		cancel()
		if err != nil {
			return Result{}, fmt.Errorf("passthrough segmentation: %w", err)
		}
		renditions = append(renditions, RenditionOutput{Profile: profile, Segments: segments})
		report(95)
	} else {
		totalProfiles := len(profileNames)
		if totalProfiles == 0 {
			return Result{}, fmt.Errorf("no profiles requested")
		}
		renditions = make([]RenditionOutput, 0, totalProfiles)

		for i, name := range profileNames {
			profile := ProfileFor(name)
			profileDir := filepath.Join(outDir, profile.Name)
			if err := os.MkdirAll(profileDir, 0o755); err != nil {
				return Result{}, fmt.Errorf("creating profile directory %q: %w", profile.Name, err)
			}

			hardware := p.Cascade[0].Hardware
			encodeCtx, cancel := context.WithTimeout(ctx, EncodeTimeout(probeResult, hardware))
			cascadeResult, err := RunCascade(encodeCtx, jobID, inputPath, profileDir, profile, strategy, segDur.Seconds(), short, p.Cascade, p.Children)
			cancel()
			if err != nil {
				return Result{}, fmt.Errorf("encoding profile %s: %w", profile.Name, err)
			}

			renditions = append(renditions, RenditionOutput{Profile: profile, Segments: cascadeResult.Segments})

			progressRange := 95 - 25
			report(25 + (i+1)*progressRange/totalProfiles)
		}
	}

	masterPlaylist, err := buildMasterPlaylist(renditions)
	if err != nil {
		return Result{}, fmt.Errorf("building master playlist: %w", err)
	}
	if err := os.WriteFile(filepath.Join(outDir, "manifest.m3u8"), []byte(masterPlaylist), 0o644); err != nil {
		return Result{}, fmt.Errorf("writing master playlist: %w", err)
	}

	cid, err := p.Store.UploadDirectory(jobID, outDir, false, onPinFailed)
	if err != nil {
		return Result{}, fmt.Errorf("uploading bundle: %w", err)
	}
	report(100)

	return Result{ManifestCID: cid, Renditions: renditions}, nil
}
