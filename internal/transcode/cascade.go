package transcode

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/livepeer/encoder-worker/internal/subprocess"
	"github.com/livepeer/encoder-worker/internal/xlog"
)

// Backend is one entry in the codec cascade: a named ffmpeg encoder
// that the cascade tries, in order, until one succeeds.
type Backend struct {
	Name          string
	VideoEncoder  string
	Hardware      bool
	ExtraArgs     []string
}

// DefaultCascade is the hardware-first, software-last fallback order:
// a fixed list of nvenc, qsv and videotoolbox, then libx264 last as the
// universal fallback. The host is not probed for hardware, and the
// order does not change with which backends have worked before.
func DefaultCascade() []Backend {
	return []Backend{
		{Name: "nvenc", VideoEncoder: "h264_nvenc", Hardware: true},
		{Name: "qsv", VideoEncoder: "h264_qsv", Hardware: true},
		{Name: "videotoolbox", VideoEncoder: "h264_videotoolbox", Hardware: true},
		{Name: "libx264", VideoEncoder: "libx264", Hardware: false},
	}
}

// CascadeResult is one profile's successful encode.
type CascadeResult struct {
	Backend  Backend
	Segments []Segment
}

// shortModeMaxDuration is spec.md §3/§4.4's trim applied to Short jobs:
// at most 60 seconds of output regardless of source length.
const shortModeMaxDuration = 60

// RunCascade attempts each backend in order for one profile, killing a
// failed attempt's process and advancing to the next backend rather
// than failing the whole job on a single encoder's error.
func RunCascade(ctx context.Context, jobID string, inputPath, outDir string, profile Profile, strategy Strategy, segDur float64, short bool, cascade []Backend, children *subprocess.Registry) (CascadeResult, error) {
	var lastErr error
	for _, backend := range cascade {
		segments, err := attemptBackend(ctx, jobID, inputPath, outDir, profile, strategy, segDur, short, backend, children)
		if err == nil {
			return CascadeResult{Backend: backend, Segments: segments}, nil
		}
		xlog.LogError(jobID, "encoder backend failed, advancing cascade", err, "backend", backend.Name, "profile", profile.Name)
		lastErr = err
	}
	return CascadeResult{}, fmt.Errorf("all encoder backends failed for profile %s: %w", profile.Name, lastErr)
}

func attemptBackend(ctx context.Context, jobID string, inputPath, outDir string, profile Profile, strategy Strategy, segDur float64, short bool, backend Backend, children *subprocess.Registry) ([]Segment, error) {
	playlistPath := filepath.Join(outDir, "index.m3u8")
	segmentPattern := filepath.Join(outDir, "seg_%05d.ts")

	args := []string{"-y", "-i", inputPath}

	if strategy.ExcludeNonMediaStreams {
		args = append(args, "-map", "0:v:0", "-map", "0:a:0?")
	}

	filters := []string{}
	if strategy.RotationFilter != "" {
		filters = append(filters, strategy.RotationFilter)
	}
	if strategy.CapFramerate > 0 {
		filters = append(filters, fmt.Sprintf("fps=%v", strategy.CapFramerate))
	}
	if len(filters) > 0 {
		args = append(args, "-vf", joinFilters(filters))
	}

	args = append(args, "-c:v", backend.VideoEncoder)
	if strategy.ForcePixelFormat != "" {
		args = append(args, "-pix_fmt", strategy.ForcePixelFormat)
	}
	args = append(args, "-s", fmt.Sprintf("%dx%d", profile.Width, profile.Height))
	args = append(args, "-b:v", strconv.Itoa(profile.Bandwidth))
	args = append(args, "-c:a", strategy.ForceAudioCodec)

	if strategy.LongDurationFastPreset && !backend.Hardware {
		args = append(args, "-preset", "veryfast")
	}
	if strategy.FastStart {
		args = append(args, "-movflags", "+faststart")
	}
	args = append(args, "-threads", strconv.Itoa(strategy.ThreadCount))
	args = append(args, backend.ExtraArgs...)
	if short {
		args = append(args, "-t", strconv.Itoa(shortModeMaxDuration))
	}

	args = append(args,
		"-f", "hls",
		"-hls_segment_type", "mpegts",
		"-hls_playlist_type", "vod",
		"-hls_list_size", "0",
		"-hls_time", fmt.Sprintf("%v", segDur),
		"-hls_segment_filename", segmentPattern,
		playlistPath,
	)

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	stdout, stderr := subprocess.Attach(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting ffmpeg backend %s: %w", backend.Name, err)
	}
	var unregister func()
	if children != nil {
		unregister = children.Register(cmd)
	}
	err := cmd.Wait()
	if unregister != nil {
		unregister()
	}
	if err != nil {
		return nil, fmt.Errorf("ffmpeg backend %s: %w (stderr: %s)", backend.Name, err, stderr.String())
	}
	_ = stdout

	return segmentsFromPlaylist(playlistPath)
}

// RunPassthrough implements spec.md §4.4 point 8: no codec cascade, no
// encoder backend, just a single copy-only HLS segmentation of the
// source. It never invokes an encoder, so it burns no encoder CPU.
func RunPassthrough(ctx context.Context, jobID string, inputPath, outDir string, segDur float64, short bool, children *subprocess.Registry) ([]Segment, error) {
	playlistPath := filepath.Join(outDir, "index.m3u8")
	segmentPattern := filepath.Join(outDir, "seg_%05d.ts")

	args := []string{"-y", "-i", inputPath, "-c", "copy"}
	if short {
		args = append(args, "-t", strconv.Itoa(shortModeMaxDuration))
	}
	args = append(args,
		"-f", "hls",
		"-hls_segment_type", "mpegts",
		"-hls_playlist_type", "vod",
		"-hls_list_size", "0",
		"-hls_time", fmt.Sprintf("%v", segDur),
		"-hls_segment_filename", segmentPattern,
		playlistPath,
	)

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	stdout, stderr := subprocess.Attach(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting ffmpeg passthrough: %w", err)
	}
	var unregister func()
	if children != nil {
		unregister = children.Register(cmd)
	}
	err := cmd.Wait()
	if unregister != nil {
		unregister()
	}
	if err != nil {
		return nil, fmt.Errorf("ffmpeg passthrough: %w (stderr: %s)", err, stderr.String())
	}
	_ = stdout

	xlog.Log(jobID, "passthrough segmentation complete, no re-encode performed")
	return segmentsFromPlaylist(playlistPath)
}

func joinFilters(filters []string) string {
	out := ""
	for i, f := range filters {
		if i > 0 {
			out += ","
		}
		out += f
	}
	return out
}
