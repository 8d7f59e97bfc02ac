package childproc

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpawnSurvivesLivenessWindow(t *testing.T) {
	h, err := Spawn(context.Background(), Spec{
		Command: "sh",
		Args:    []string{"-c", "sleep 2"},
	})
	require.NoError(t, err)
	require.NotNil(t, h.Cmd.Process)

	defer Kill(h)
}

func TestSpawnDetectsStartupDeath(t *testing.T) {
	_, err := Spawn(context.Background(), Spec{
		Command: "sh",
		Args:    []string{"-c", "exit 1"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "startup died")
}

func TestSpawnUnresolvableCommand(t *testing.T) {
	_, err := Spawn(context.Background(), Spec{Command: "routa-does-not-exist-binary"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resolve")
}

func TestSpawnPipesUsable(t *testing.T) {
	h, err := Spawn(context.Background(), Spec{
		Command: "sh",
		Args:    []string{"-c", "read line; echo \"got: $line\"; sleep 2"},
	})
	require.NoError(t, err)
	defer Kill(h)

	_, err = h.Stdin.Write([]byte("hello\n"))
	require.NoError(t, err)

	buf := make([]byte, 64)
	done := make(chan struct{})
	var n int
	go func() {
		n, _ = h.Stdout.Read(buf)
		close(done)
	}()

	select {
	case <-done:
		assert.Contains(t, string(buf[:n]), "got: hello")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out reading from child stdout")
	}
}

func TestResolveHostPathShellsOutForFullPath(t *testing.T) {
	original := os.Getenv("SHELL")
	defer os.Setenv("SHELL", original)

	require.NoError(t, os.Setenv("SHELL", "/bin/sh"))
	path := resolveHostPath()
	assert.NotEmpty(t, path)
}

func TestResolveHostPathFallsBackOnUnusableShell(t *testing.T) {
	original := os.Getenv("SHELL")
	defer os.Setenv("SHELL", original)

	require.NoError(t, os.Setenv("SHELL", "/no/such/shell"))
	assert.Equal(t, os.Getenv("PATH"), resolveHostPath())
}
