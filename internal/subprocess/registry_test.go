package subprocess

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegisterAndKillAll(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sleep", "5")
	require.NoError(t, cmd.Start())

	r := NewRegistry()
	unregister := r.Register(cmd)
	require.Equal(t, 1, r.Count())

	killed := r.KillAll()
	require.Equal(t, 1, killed)

	_ = cmd.Wait()
	unregister()
	require.Equal(t, 0, r.Count())
}

func TestKillAllWithNoChildrenIsNoop(t *testing.T) {
	r := NewRegistry()
	require.Equal(t, 0, r.KillAll())
}
