package memguard

import (
	"testing"

	"github.com/livepeer/encoder-worker/internal/subprocess"
	"github.com/stretchr/testify/require"
)

func TestTickBelowThresholdsDoesNothing(t *testing.T) {
	exited := false
	original := Exit
	Exit = func(code int) { exited = true }
	defer func() { Exit = original }()

	g := New(subprocess.NewRegistry(), 0, 1<<40, 1<<41)
	g.tick()

	require.False(t, exited)
}

func TestTickAboveHardThresholdKillsChildrenAndExits(t *testing.T) {
	var exitCode int
	exited := false
	original := Exit
	Exit = func(code int) { exited = true; exitCode = code }
	defer func() { Exit = original }()

	children := subprocess.NewRegistry()
	g := New(children, 0, 0, 0)
	g.tick()

	require.True(t, exited)
	require.Equal(t, 1, exitCode)
}
