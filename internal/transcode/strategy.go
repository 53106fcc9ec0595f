package transcode

import (
	"fmt"
	"math"
	"time"

	"github.com/livepeer/encoder-worker/internal/probe"
)

// Strategy is the derived set of encoding decisions for one job, built
// from the probe result per spec.md §4.4 point 3.
type Strategy struct {
	ExcludeNonMediaStreams bool
	ForcePixelFormat       string
	RotationFilter         string
	FastStart              bool
	ForceVideoCodec        string
	ForceAudioCodec        string
	// CapFramerate, when nonzero, forces the output to this exact
	// framerate via an ffmpeg fps filter: 30 when the source exceeds
	// 60fps, 15 when the source is below 15fps.
	CapFramerate           float64
	LongDurationFastPreset bool
	ThreadCount            int
	Passthrough            bool
}

// frameCountThreadCap mirrors the teacher's pipeline.ffmpeg thread
// selection: more threads for long, high-frame-count sources, but never
// more than the machine reasonably has.
const frameCountThreadCap = 8

// DeriveStrategy turns a probe result into the concrete ffmpeg decisions
// the cascade runner applies uniformly across every encoder backend it
// tries.
func DeriveStrategy(r probe.Result) Strategy {
	s := Strategy{
		ForceVideoCodec: "libx264",
		ForceAudioCodec: "aac",
		ThreadCount:     2,
	}

	if r.NonMediaStreams > 0 {
		s.ExcludeNonMediaStreams = true
	}

	if r.BitDepth > 8 {
		s.ForcePixelFormat = "yuv420p"
	}

	if r.RotationDegrees != 0 {
		s.RotationFilter = rotationFilter(r.RotationDegrees)
	}

	if r.Container == "mov,mp4,m4a,3gp,3g2,mj2" {
		s.FastStart = true
	}

	if r.Framerate > 60 {
		s.CapFramerate = 30
	} else if r.Framerate > 0 && r.Framerate < 15 {
		s.CapFramerate = 15
	}

	if r.Duration > 2*time.Hour {
		s.LongDurationFastPreset = true
	}

	estimatedFrames := float64(r.Duration/time.Second) * r.Framerate
	if estimatedFrames > 500_000 {
		s.ThreadCount = frameCountThreadCap
	} else if estimatedFrames > 100_000 {
		s.ThreadCount = 4
	}

	s.Passthrough = isPassthroughEligible(r)

	return s
}

// rotationFilter produces the ffmpeg transpose/rotate filter chain that
// bakes stream-level rotation metadata into the pixels, since HLS
// players apply display-matrix rotation inconsistently.
func rotationFilter(degrees int64) string {
	switch degrees {
	case 90:
		return "transpose=1"
	case 180:
		return "transpose=1,transpose=1"
	case 270:
		return "transpose=2"
	default:
		return ""
	}
}

// isPassthroughEligible reports whether the source is already an
// acceptable H.264/AAC asset that needs repackaging into HLS segments
// but no re-encode.
func isPassthroughEligible(r probe.Result) bool {
	return r.VideoCodec == "h264" && r.AudioCodec == "aac" &&
		r.BitDepth <= 8 && r.RotationDegrees == 0 && r.Framerate <= 60
}

// SegmentDuration implements spec.md §4.4 point 4's adaptive segment
// length, scaling segment size up for longer sources so the hard
// 2000-segment ceiling is never crossed.
func SegmentDuration(duration time.Duration) time.Duration {
	switch {
	case duration <= time.Hour:
		return 6 * time.Second
	case duration <= 4*time.Hour:
		return 15 * time.Second
	case duration <= 12*time.Hour:
		return 30 * time.Second
	default:
		return 60 * time.Second
	}
}

const maxSegments = 2000

// ClampSegmentDuration enforces the hard 2000-segment ceiling: if the
// adaptive duration from SegmentDuration would still produce more than
// maxSegments, lengthen it until it doesn't.
func ClampSegmentDuration(duration time.Duration, segDur time.Duration) time.Duration {
	if segDur <= 0 {
		segDur = time.Second
	}
	segments := float64(duration) / float64(segDur)
	if segments <= maxSegments {
		return segDur
	}
	scaled := time.Duration(float64(duration) / maxSegments)
	return scaled + time.Second
}

// EncodeTimeout implements spec.md §4.4 point 5's adaptive encoding
// timeout: a base that differs for hardware vs. software backends,
// multiplied up for extreme sources, clamped to a 2h absolute ceiling.
func EncodeTimeout(r probe.Result, hardware bool) time.Duration {
	base := 30 * time.Minute
	if hardware {
		base = 60 * time.Second
	}

	extremeDuration := r.Duration > 4*time.Hour

	multiplier := 1.0
	if extremeDuration {
		multiplier *= 3
	} else if r.Duration > time.Hour {
		multiplier *= 1.5
	}

	estimatedFrames := float64(r.Duration/time.Second) * r.Framerate
	massiveFrameCount := estimatedFrames > 500_000
	if massiveFrameCount {
		multiplier *= 4
	}

	if r.Framerate > 0 && r.Framerate < 15 {
		multiplier *= 2
	}

	if hardware && (extremeDuration || massiveFrameCount) {
		multiplier *= 0.7
	}

	timeout := time.Duration(math.Round(float64(base) * multiplier))
	const absoluteCeiling = 2 * time.Hour
	if timeout > absoluteCeiling {
		timeout = absoluteCeiling
	}
	return timeout
}

func (s Strategy) String() string {
	return fmt.Sprintf("passthrough=%v codec=%s/%s threads=%d", s.Passthrough, s.ForceVideoCodec, s.ForceAudioCodec, s.ThreadCount)
}
