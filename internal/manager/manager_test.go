package manager

import (
	"context"
	"testing"

	"github.com/routa-run/routa/internal/logger"
	"github.com/routa-run/routa/internal/normalize"
	"github.com/routa-run/routa/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChildProcess is an in-memory session.ChildProcess stand-in so manager
// tests never spawn a real OS process.
type fakeChildProcess struct {
	alive      bool
	prompts    []string
	cancelled  int
	killed     int
	stopReason string
}

func (f *fakeChildProcess) Prompt(ctx context.Context, text string) (string, error) {
	f.prompts = append(f.prompts, text)
	return f.stopReason, nil
}

func (f *fakeChildProcess) Cancel(ctx context.Context) error {
	f.cancelled++
	return nil
}

func (f *fakeChildProcess) Kill() error {
	f.killed++
	f.alive = false
	return nil
}

func (f *fakeChildProcess) Alive() bool { return f.alive }

func (f *fakeChildProcess) Debug() map[string]any {
	return map[string]any{"prompts": len(f.prompts)}
}

// fakeTraceRecorder records every call it receives, for assertions.
type fakeTraceRecorder struct {
	starts   []string
	messages []string
	ends     []string
	updates  []normalize.SessionUpdate
}

func (f *fakeTraceRecorder) SessionStart(sessionID, workspaceID, provider, model string) {
	f.starts = append(f.starts, sessionID)
}

func (f *fakeTraceRecorder) UserMessage(sessionID, text string) {
	f.messages = append(f.messages, text)
}

func (f *fakeTraceRecorder) SessionEnd(sessionID string) {
	f.ends = append(f.ends, sessionID)
}

func (f *fakeTraceRecorder) HandleSessionUpdate(update normalize.SessionUpdate) {
	f.updates = append(f.updates, update)
}

// spawnerFor returns a childSpawner that hands back child for every call and
// captures the publish func it was given, so a test can drive it directly.
func spawnerFor(child *fakeChildProcess, capturedPublish *func(normalize.SessionUpdate)) Option {
	return WithChildSpawner(func(ctx context.Context, sessionID, cwd, provider, model string, publish func(normalize.SessionUpdate)) (spawnedChild, error) {
		if capturedPublish != nil {
			*capturedPublish = publish
		}
		return spawnedChild{child: child, agentSessionID: "agent-internal", presetID: provider}, nil
	})
}

func TestCreateSessionPromptKillLifecycle(t *testing.T) {
	child := &fakeChildProcess{alive: true, stopReason: "end_turn"}
	trace := &fakeTraceRecorder{}
	m := New(logger.Default(), spawnerFor(child, nil), WithTraceRecorder(trace))

	ctx := context.Background()
	require.NoError(t, m.CreateSession(ctx, "s1", "/tmp/work", "ws-1", "claude", "developer", "sonnet"))
	assert.Equal(t, []string{"s1"}, trace.starts)

	reason, err := m.Prompt(ctx, "s1", "do the task")
	require.NoError(t, err)
	assert.Equal(t, "end_turn", reason)
	assert.Equal(t, []string{"do the task"}, child.prompts)
	assert.Equal(t, []string{"do the task"}, trace.messages)

	require.NoError(t, m.Cancel(ctx, "s1"))
	assert.Equal(t, 1, child.cancelled)

	require.NoError(t, m.KillSession("s1"))
	assert.Equal(t, 1, child.killed)
	assert.Equal(t, []string{"s1"}, trace.ends)
	assert.False(t, m.IsAlive("s1"))
	assert.Empty(t, m.ListSessions())

	_, err = m.Prompt(ctx, "s1", "too late")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCreateSessionDuplicateFails(t *testing.T) {
	child := &fakeChildProcess{alive: true}
	m := New(logger.Default(), spawnerFor(child, nil))

	ctx := context.Background()
	require.NoError(t, m.CreateSession(ctx, "dup", "/tmp", "ws", "claude", "", ""))
	err := m.CreateSession(ctx, "dup", "/tmp", "ws", "claude", "", "")
	assert.ErrorIs(t, err, ErrSessionExists)
}

func TestPromptFailsWhenChildNotAlive(t *testing.T) {
	child := &fakeChildProcess{alive: false}
	m := New(logger.Default(), spawnerFor(child, nil))

	ctx := context.Background()
	require.NoError(t, m.CreateSession(ctx, "dead", "/tmp", "ws", "claude", "", ""))

	_, err := m.Prompt(ctx, "dead", "hello")
	assert.ErrorIs(t, err, ErrNotAlive)
}

func TestSubscribeSeesOnlyPostSubscriptionUpdates(t *testing.T) {
	child := &fakeChildProcess{alive: true}
	var publish func(normalize.SessionUpdate)
	m := New(logger.Default(), spawnerFor(child, &publish))

	ctx := context.Background()
	require.NoError(t, m.CreateSession(ctx, "stream", "/tmp", "ws", "claude", "", ""))

	publish(normalize.SessionUpdate{SessionID: "stream", EventType: normalize.EventAgentMessage, Message: "before"})

	ch, unsubscribe, err := m.Subscribe("stream")
	require.NoError(t, err)
	defer unsubscribe()

	publish(normalize.SessionUpdate{SessionID: "stream", EventType: normalize.EventAgentMessage, Message: "after"})

	select {
	case u := <-ch:
		assert.Equal(t, "after", u.Message)
	default:
		t.Fatal("expected a buffered update")
	}

	select {
	case u := <-ch:
		t.Fatalf("unexpected extra update: %+v", u)
	default:
	}
}

func TestKillSessionUnknownIsNoop(t *testing.T) {
	m := New(logger.Default())
	assert.NoError(t, m.KillSession("never-existed"))
}

func TestResolvePresetRegistrySuffixForcesRegistry(t *testing.T) {
	m := New(logger.Default(), WithRegistryClient(stubRegistry{
		dist: Distribution{Kind: "npx", Package: "@acme/other-gemini", Args: []string{"--acp"}},
	}))

	preset, presetID, err := m.resolvePreset(context.Background(), "gemini-registry")
	require.NoError(t, err)
	assert.Equal(t, "gemini-registry", presetID)
	assert.Equal(t, "npx", preset.Command)
	assert.Equal(t, []string{"-y", "@acme/other-gemini", "--acp"}, preset.Args)
}

func TestResolvePresetUsesStaticTableByDefault(t *testing.T) {
	m := New(logger.Default())
	preset, presetID, err := m.resolvePreset(context.Background(), "gemini")
	require.NoError(t, err)
	assert.Equal(t, "gemini", presetID)
	assert.Equal(t, staticPresets["gemini"].Command, preset.Command)
}

func TestResolvePresetUnknownFailsClosedWithoutRegistry(t *testing.T) {
	m := New(logger.Default())
	_, _, err := m.resolvePreset(context.Background(), "totally-unknown")
	assert.Error(t, err)
}

type stubRegistry struct {
	dist Distribution
	err  error
}

func (s stubRegistry) Resolve(ctx context.Context, presetID string) (Distribution, error) {
	return s.dist, s.err
}

var _ session.ChildProcess = (*fakeChildProcess)(nil)
