// Package probe wraps ffprobe to extract the fields the Transcoder (C3)
// needs to derive an encoding strategy, grounded on the teacher's
// video.Probe (video/probe.go): a bounded-retry ffprobe invocation
// followed by field extraction.
package probe

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	ffprobe "gopkg.in/vansante/go-ffprobe.v2"
)

// IssueSeverity classifies a detected probe issue.
type IssueSeverity string

const (
	SeverityInfo    IssueSeverity = "info"
	SeverityWarning IssueSeverity = "warning"
	SeverityError   IssueSeverity = "error"
)

type Issue struct {
	Message  string
	Severity IssueSeverity
}

// Result is everything spec.md §4.4 point 2 requires the probe to
// extract.
type Result struct {
	Container        string
	VideoCodec       string
	AudioCodec       string
	PixelFormat      string
	BitDepth         int
	HDRTransfer      string
	RotationDegrees  int64
	Width            int64
	Height           int64
	Framerate        float64
	Duration         time.Duration
	BitrateBPS       int64
	NonMediaStreams  int
	Issues           []Issue
}

// Prober is the seam tests mock against.
type Prober interface {
	Probe(ctx context.Context, path string) (Result, error)
}

type FFProbe struct{}

func (FFProbe) Probe(ctx context.Context, path string) (Result, error) {
	var data *ffprobe.ProbeData
	operation := func() error {
		probeCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
		defer cancel()
		var err error
		data, err = ffprobe.ProbeURL(probeCtx, path, "-loglevel", "error")
		return err
	}

	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = 500 * time.Millisecond
	backOff.MaxInterval = 2 * time.Second
	backOff.MaxElapsedTime = 0
	if err := backoff.Retry(operation, backoff.WithMaxRetries(backOff, 3)); err != nil {
		return Result{}, fmt.Errorf("probing %q: %w", path, err)
	}

	return parse(data)
}

func parse(data *ffprobe.ProbeData) (Result, error) {
	if data.Format == nil {
		return Result{}, fmt.Errorf("probe: format information missing")
	}

	videoStream := data.FirstVideoStream()
	if videoStream == nil {
		return Result{}, fmt.Errorf("probe: no video stream found")
	}

	r := Result{
		Container:   data.Format.FormatName,
		VideoCodec:  videoStream.CodecName,
		PixelFormat: videoStream.PixFmt,
		Width:       int64(videoStream.Width),
		Height:      int64(videoStream.Height),
	}

	if audio := data.FirstAudioStream(); audio != nil {
		r.AudioCodec = audio.CodecName
	}

	r.NonMediaStreams = nonMediaStreamCount(data)

	if bitDepth, err := bitDepthFromPixFmt(videoStream.PixFmt); err == nil {
		r.BitDepth = bitDepth
	}

	if fps, err := parseFps(videoStream.AvgFrameRate); err == nil && fps > 0 {
		r.Framerate = fps
	} else if fps, err := parseFps(videoStream.RFrameRate); err == nil {
		r.Framerate = fps
	}

	if d, err := strconv.ParseFloat(videoStream.Duration, 64); err == nil {
		r.Duration = time.Duration(d * float64(time.Second))
	} else {
		r.Duration = time.Duration(data.Format.DurationSeconds * float64(time.Second))
	}

	bitRateValue := videoStream.BitRate
	if bitRateValue == "" {
		bitRateValue = data.Format.BitRate
	}
	if bitRateValue != "" {
		if b, err := strconv.ParseInt(bitRateValue, 10, 64); err == nil {
			r.BitrateBPS = b
		}
	}

	if displaySideData, err := videoStream.SideDataList.GetSideData("Display Matrix"); err == nil {
		if rot, err := displaySideData.GetInt("rotation"); err == nil {
			r.RotationDegrees = normalizeRotation(rot)
		}
	}

	r.HDRTransfer = videoStream.ColorTransfer

	r.Issues = detectIssues(r)

	return r, nil
}

func normalizeRotation(rot int64) int64 {
	rot = rot % 360
	if rot < 0 {
		rot += 360
	}
	return rot
}

func nonMediaStreamCount(data *ffprobe.ProbeData) int {
	count := 0
	for _, s := range data.Streams {
		if s.CodecType != "video" && s.CodecType != "audio" {
			count++
		}
	}
	return count
}

func bitDepthFromPixFmt(pixFmt string) (int, error) {
	switch {
	case strings.Contains(pixFmt, "p10"):
		return 10, nil
	case strings.Contains(pixFmt, "p12"):
		return 12, nil
	case pixFmt == "":
		return 0, fmt.Errorf("unknown pixel format")
	default:
		return 8, nil
	}
}

func detectIssues(r Result) []Issue {
	var issues []Issue
	if r.NonMediaStreams > 0 {
		issues = append(issues, Issue{Message: "extra non-media streams present", Severity: SeverityInfo})
	}
	if r.BitDepth > 8 {
		issues = append(issues, Issue{Message: "bit depth exceeds 8", Severity: SeverityWarning})
	}
	if r.RotationDegrees != 0 {
		issues = append(issues, Issue{Message: "rotation metadata present", Severity: SeverityInfo})
	}
	if r.Framerate > 60 {
		issues = append(issues, Issue{Message: "framerate exceeds 60", Severity: SeverityWarning})
	}
	if r.Framerate > 0 && r.Framerate < 15 {
		issues = append(issues, Issue{Message: "framerate below 15", Severity: SeverityWarning})
	}
	if r.Duration > 2*time.Hour {
		issues = append(issues, Issue{Message: "duration exceeds 2 hours", Severity: SeverityInfo})
	}
	return issues
}

// function taken from the teacher's video.Probe (video/probe.go), which
// itself credits "task-runner task/probe.go".
func parseFps(framerate string) (float64, error) {
	if framerate == "" {
		return 0, nil
	}
	parts := strings.SplitN(framerate, "/", 2)
	if len(parts) < 2 {
		return strconv.ParseFloat(framerate, 64)
	}
	num, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("parsing framerate numerator: %w", err)
	}
	den, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("parsing framerate denominator: %w", err)
	}
	if den == 0 {
		if num == 0 {
			return 0, nil
		}
		return 0, fmt.Errorf("invalid framerate denominator 0")
	}
	return float64(num) / float64(den), nil
}
