package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/routa-run/routa/internal/logger"
	"github.com/routa-run/routa/internal/normalize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockChild is a hand-rolled ACP agent: it reads lines from childStdin
// (what the driver writes) and writes reply lines to childStdout (what the
// driver reads), entirely in-process over io.Pipe, so no real process is
// spawned for these tests.
type mockChild struct {
	in  *bufio.Reader
	out io.Writer
}

func newMockChild(stdinR io.Reader, stdoutW io.Writer) *mockChild {
	return &mockChild{in: bufio.NewReader(stdinR), out: stdoutW}
}

func (m *mockChild) readRequest(t *testing.T) map[string]any {
	t.Helper()
	line, err := m.in.ReadString('\n')
	require.NoError(t, err)
	var req map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &req))
	return req
}

func (m *mockChild) reply(t *testing.T, id any, result any) {
	t.Helper()
	resp := Response{JSONRPC: "2.0", ID: id}
	raw, err := json.Marshal(result)
	require.NoError(t, err)
	resp.Result = raw
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	_, err = m.out.Write(append(data, '\n'))
	require.NoError(t, err)
}

func (m *mockChild) notify(t *testing.T, method string, params any) {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	note := Notification{JSONRPC: "2.0", Method: method, Params: raw}
	data, err := json.Marshal(note)
	require.NoError(t, err)
	_, err = m.out.Write(append(data, '\n'))
	require.NoError(t, err)
}

// newDriverOverPipes builds a Driver wired directly to a Client over
// io.Pipe, bypassing childproc.Spawn — the driver's transport-level
// behavior is what's under test here, not process spawning (covered
// separately in the childproc package).
func newDriverOverPipes(t *testing.T, sessionID string, updates chan normalize.SessionUpdate) (*Driver, *mockChild) {
	t.Helper()

	driverWritesR, driverWritesW := io.Pipe()
	childWritesR, childWritesW := io.Pipe()

	d := NewDriver(sessionID, "codex", t.TempDir(), func(u normalize.SessionUpdate) {
		updates <- u
	}, logger.Default())

	d.client = NewClient(driverWritesW, childWritesR, logger.Default())
	d.client.SetNotificationHandler(d.handleNotification)
	d.client.SetRequestHandler(d.handleRequest)
	<-d.client.Start(context.Background())
	d.alive.Store(true)

	t.Cleanup(func() { d.client.Stop() })

	return d, newMockChild(driverWritesR, childWritesW)
}

func TestHappyPathACPPrompt(t *testing.T) {
	updates := make(chan normalize.SessionUpdate, 16)
	d, child := newDriverOverPipes(t, "S", updates)

	// initialize
	go func() {
		req := child.readRequest(t)
		assert.Equal(t, MethodInitialize, req["method"])
		child.reply(t, req["id"], map[string]any{})
	}()
	require.NoError(t, d.Initialize(context.Background()))

	// session/new
	go func() {
		req := child.readRequest(t)
		assert.Equal(t, MethodSessionNew, req["method"])
		child.reply(t, req["id"], SessionNewResult{SessionID: "agent-X"})
	}()
	agentSID, err := d.NewSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "agent-X", agentSID)

	// session/prompt: three notifications, then the response.
	go func() {
		req := child.readRequest(t)
		assert.Equal(t, MethodSessionPrompt, req["method"])

		child.notify(t, NotificationSessionUpdate, SessionUpdateParams{
			SessionID: "agent-X",
			Update:    json.RawMessage(`{"sessionUpdate":"agent_thought_chunk","text":"thinking..."}`),
		})
		child.notify(t, NotificationSessionUpdate, SessionUpdateParams{
			SessionID: "agent-X",
			Update:    json.RawMessage(`{"sessionUpdate":"agent_message_chunk","text":"hello"}`),
		})
		child.notify(t, NotificationSessionUpdate, SessionUpdateParams{
			SessionID: "agent-X",
			Update:    json.RawMessage(`{"sessionUpdate":"agent_message_chunk","text":" world"}`),
		})

		child.reply(t, req["id"], SessionPromptResult{StopReason: "end_turn"})
	}()

	stopReason, err := d.Prompt(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "end_turn", stopReason)

	var got []normalize.SessionUpdate
	for i := 0; i < 4; i++ { // 3 notifications + the synthetic TurnComplete
		select {
		case u := <-updates:
			got = append(got, u)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for update %d", i)
		}
	}

	require.Len(t, got, 4)
	assert.Equal(t, normalize.EventAgentThought, got[0].EventType)
	assert.Equal(t, "thinking...", got[0].Message)
	assert.Equal(t, "S", got[0].SessionID)
	assert.Equal(t, normalize.EventAgentMessage, got[1].EventType)
	assert.Equal(t, "hello", got[1].Message)
	assert.Equal(t, normalize.EventAgentMessage, got[2].EventType)
	assert.Equal(t, " world", got[2].Message)
	assert.Equal(t, normalize.EventTurnComplete, got[3].EventType)
	assert.Equal(t, "end_turn", got[3].StopReason)
}

func TestSessionIDRewrite(t *testing.T) {
	updates := make(chan normalize.SessionUpdate, 4)
	d, child := newDriverOverPipes(t, "caller-visible-id", updates)

	child.notify(t, NotificationSessionUpdate, SessionUpdateParams{
		SessionID: "internal-child-id",
		Update:    json.RawMessage(`{"sessionUpdate":"agent_message","text":"hi"}`),
	})

	select {
	case u := <-updates:
		assert.Equal(t, "caller-visible-id", u.SessionID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for update")
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	updates := make(chan normalize.SessionUpdate, 4)
	d, child := newDriverOverPipes(t, "S", updates)

	go func() {
		req1 := child.readRequest(t)
		_ = req1
		req2 := child.readRequest(t)
		_ = req2
	}()

	require.NoError(t, d.Cancel(context.Background()))
	require.NoError(t, d.Cancel(context.Background()))
}

func TestKillIsIdempotentAndFailsPendingCalls(t *testing.T) {
	updates := make(chan normalize.SessionUpdate, 4)
	d, _ := newDriverOverPipes(t, "S", updates)

	done := make(chan error, 1)
	go func() {
		_, err := d.Prompt(context.Background(), "hi")
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, d.Kill())
	require.NoError(t, d.Kill()) // second call is a no-op

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Kill did not fail the pending prompt")
	}

	assert.False(t, d.Alive())
	assert.Equal(t, StateDead, d.State())
}

func TestCallsAfterDeathFailFast(t *testing.T) {
	updates := make(chan normalize.SessionUpdate, 4)
	d, _ := newDriverOverPipes(t, "S", updates)
	require.NoError(t, d.Kill())

	_, err := d.NewSession(context.Background())
	assert.ErrorIs(t, err, ErrProcessNotAlive)
}

func TestReadTextFileWindowing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("l0\nl1\nl2\nl3\nl4"), 0o644))

	d := NewDriver("S", "codex", dir, func(normalize.SessionUpdate) {}, logger.Default())

	line := 1
	limit := 2
	raw, _ := json.Marshal(ReadTextFileParams{Path: "a.txt", Line: &line, Limit: &limit})
	result, err := d.handleReadTextFile(raw)
	require.NoError(t, err)

	res, ok := result.(ReadTextFileResult)
	require.True(t, ok)
	assert.Equal(t, "l1\nl2", res.Content)
}

func TestReadTextFileRejectsPathTraversal(t *testing.T) {
	dir := t.TempDir()
	d := NewDriver("S", "codex", dir, func(normalize.SessionUpdate) {}, logger.Default())

	raw, _ := json.Marshal(ReadTextFileParams{Path: "../../etc/passwd"})
	_, err := d.handleReadTextFile(raw)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes")
}

func TestRequestPermissionAutoApproves(t *testing.T) {
	updates := make(chan normalize.SessionUpdate, 4)
	d, _ := newDriverOverPipes(t, "S", updates)

	raw, _ := json.Marshal(RequestPermissionParams{
		SessionID: "agent-X",
		Options:   []PermissionOption{{OptionID: "allow-once", Kind: "allow"}},
	})
	result, err := d.handleRequestPermission(raw)
	require.NoError(t, err)

	res, ok := result.(RequestPermissionResult)
	require.True(t, ok)
	assert.Equal(t, "allow-once", res.Outcome.OptionID)
}
