package probe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseFpsFraction(t *testing.T) {
	fps, err := parseFps("30000/1001")
	require.NoError(t, err)
	require.InDelta(t, 29.97, fps, 0.01)
}

func TestParseFpsZeroDenominatorZeroNumerator(t *testing.T) {
	fps, err := parseFps("0/0")
	require.NoError(t, err)
	require.Equal(t, float64(0), fps)
}

func TestParseFpsInvalidDenominator(t *testing.T) {
	_, err := parseFps("30/0")
	require.Error(t, err)
}

func TestBitDepthFromPixFmt(t *testing.T) {
	depth, err := bitDepthFromPixFmt("yuv420p10le")
	require.NoError(t, err)
	require.Equal(t, 10, depth)

	depth, err = bitDepthFromPixFmt("yuv420p")
	require.NoError(t, err)
	require.Equal(t, 8, depth)
}

func TestNormalizeRotation(t *testing.T) {
	require.Equal(t, int64(270), normalizeRotation(-90))
	require.Equal(t, int64(180), normalizeRotation(180))
}

func TestDetectIssuesFlagsHighBitDepthAndFramerate(t *testing.T) {
	issues := detectIssues(Result{BitDepth: 10, Framerate: 90, Duration: 3 * time.Hour})
	var severities []IssueSeverity
	for _, i := range issues {
		severities = append(severities, i.Severity)
	}
	require.Contains(t, severities, SeverityWarning)
}
