package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routa-run/routa/internal/config"
	"github.com/routa-run/routa/internal/events"
	"github.com/routa-run/routa/internal/logger"
	"github.com/routa-run/routa/internal/manager"
	"github.com/routa-run/routa/internal/orchestrator"
	"github.com/routa-run/routa/internal/store/sqlite"
	"github.com/routa-run/routa/internal/trace"
)

// TestRoutadWiring exercises the exact construction order main() uses —
// config, store, trace recorder, event bus, manager, orchestrator — and
// drives one delegation through the whole stack, without ever calling
// main() itself (which blocks on an OS signal). There is no fake anywhere
// in this chain: DelegateTaskWithSpawn really does reach
// childproc.Spawn, which fails to resolve "claude" on PATH in this
// environment, so the assertions are that the failure surfaces through the
// whole wired stack, that failSpawn leaves the task blocked, and that no
// child is recorded — not that a real child starts. The agent's Error
// status is not read back: the Store has no agent getter.
func TestRoutadWiring(t *testing.T) {
	tmp := t.TempDir()

	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.Store.Path = filepath.Join(tmp, "routa.db")
	cfg.Trace.Dir = filepath.Join(tmp, "traces")

	log := logger.Default()

	store, err := sqlite.Open(cfg.Store.Path)
	require.NoError(t, err)
	defer store.Close()

	recorder := trace.New(cfg.Trace, log)
	defer recorder.Close()

	bus := events.NewBus(2, log)
	defer bus.Close()

	agentManager := manager.New(log, manager.WithTraceRecorder(recorder))
	defer agentManager.Shutdown()

	orch := orchestrator.New(log, store, agentManager, bus)

	ctx := context.Background()
	require.NoError(t, store.SaveTask(ctx, &orchestrator.Task{
		ID:        "task-1",
		Title:     "Wire the thing",
		Objective: "prove the stack is connected",
		Status:    orchestrator.TaskPending,
	}))

	_, err = orch.DelegateTaskWithSpawn(ctx, "task-1", "coordinator-1", "parent-session-1", "crafter", "claude", tmp, orchestrator.WaitImmediate)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create session for")

	task, err := store.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.TaskBlocked, task.Status)

	assert.Empty(t, orch.ListChildren("coordinator-1"))
}
