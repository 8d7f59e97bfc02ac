package streamjson

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/routa-run/routa/internal/childproc"
	"github.com/routa-run/routa/internal/logger"
	"github.com/routa-run/routa/internal/normalize"
	"go.uber.org/zap"
)

// ErrProcessNotAlive is returned by any call made after the driver's child
// has died.
var ErrProcessNotAlive = fmt.Errorf("process not alive")

const promptTimeout = 300 * time.Second

// promptResult is what resolves a Prompt call's one-shot completion slot:
// either the terminal "result" message, or the reason it will never arrive.
type promptResult struct {
	msg CLIMessage
	err error
}

// Publisher receives every normalized update a driver produces.
type Publisher func(normalize.SessionUpdate)

// Driver owns one Stream-JSON child process. Unlike the ACP driver there
// is no request/response correlation on the wire: prompt installs a single
// one-shot completion slot before writing, and the terminal "result"
// message resolves it.
type Driver struct {
	sessionID string
	provider  string
	cwd       string

	handle  *childproc.Handle
	log     *logger.Logger
	publish Publisher

	agentSessionID string

	writeMu sync.Mutex

	mu          sync.Mutex
	completion  chan promptResult
	producedAny bool

	alive atomic.Bool
}

// NewDriver constructs a Driver for the given caller-visible session.
func NewDriver(sessionID, cwd string, publish Publisher, log *logger.Logger) *Driver {
	return &Driver{
		sessionID: sessionID,
		provider:  "claude",
		cwd:       cwd,
		publish:   publish,
		log:       log.With(zap.String("component", "streamjson-driver"), zap.String("session_id", sessionID)),
	}
}

// Alive reports whether the child process is still considered live.
func (d *Driver) Alive() bool { return d.alive.Load() }

// Spawn starts the claude child with piped stdio and begins the reader
// loop. There is no separate initialize/new_session handshake: the child's
// own session ID arrives in the first "system"/"init" message.
func (d *Driver) Spawn(ctx context.Context, command string, args []string) error {
	handle, err := childproc.Spawn(ctx, childproc.Spec{
		Command: command,
		Args:    args,
		Cwd:     d.cwd,
		ExtraEnv: []string{
			"PATH=" + childproc.HostPath(),
			"NODE_NO_READLINE=1",
		},
	})
	if err != nil {
		return fmt.Errorf("spawn: %w", err)
	}
	d.handle = handle
	d.alive.Store(true)

	go d.readLoop(ctx)
	go d.drainStderr()
	go d.watchExit()

	return nil
}

func (d *Driver) watchExit() {
	<-d.handle.Exited
	d.alive.Store(false)
	d.failPendingCompletion(fmt.Errorf("process exited"))
}

func (d *Driver) drainStderr() {
	scanner := bufio.NewScanner(d.handle.Stderr)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		d.publish(normalize.SessionUpdate{
			SessionID: d.sessionID,
			Provider:  d.provider,
			EventType: normalize.EventAgentMessage,
			Message:   line,
			Source:    "stderr",
			Timestamp: time.Now(),
		})
	}
}

func (d *Driver) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(d.handle.Stdout)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		d.handleLine(line)
	}

	if err := scanner.Err(); err != nil {
		d.log.Warn("read loop error", zap.Error(err))
	}
}

func (d *Driver) handleLine(line []byte) {
	var msg CLIMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		d.log.Debug("dropping unparseable line", zap.Error(err))
		return
	}

	switch msg.Type {
	case TypeSystem:
		if msg.Subtype == "init" && msg.SessionID != "" {
			d.mu.Lock()
			d.agentSessionID = msg.SessionID
			d.mu.Unlock()
		}
	case TypeStreamEvent:
		d.handleStreamEvent(msg.Event)
	case TypeAssistant:
		d.handleAssistant(msg.Message)
	case TypeUser:
		d.handleUser(msg.Message)
	case TypeResult:
		d.handleResult(msg)
	}
}

func (d *Driver) handleStreamEvent(ev *StreamEvent) {
	if ev == nil || ev.Type != "content_block_delta" || ev.Delta == nil {
		return
	}

	switch ev.Delta.Type {
	case DeltaText:
		d.markProduced()
		d.publish(normalize.NewChunk(d.sessionID, d.provider, normalize.EventAgentMessage, ev.Delta.Text))
	case DeltaThinking:
		d.markProduced()
		d.publish(normalize.NewChunk(d.sessionID, d.provider, normalize.EventAgentThought, ev.Delta.Thinking))
	case DeltaInputJSON:
		// Partial tool input accumulates vendor-side; the finalized tool_use
		// block on the assistant message carries the complete input, so
		// intermediate deltas are not surfaced downstream.
	}
}

func (d *Driver) handleAssistant(msg *Message) {
	if msg == nil {
		return
	}
	for _, block := range msg.Content {
		if block.Type != "tool_use" {
			continue
		}
		mapped := mapToolName(block.Name)
		tc := &normalize.ToolCall{
			ToolCallID:     block.ID,
			Name:           mapped,
			Title:          buildTitle(block.Name, block.Input),
			Status:         normalize.ToolStatusRunning,
			Input:          block.Input,
			InputFinalized: true,
		}
		d.publish(normalize.NewToolCallUpdate(d.sessionID, d.provider, tc, false))
	}
}

func (d *Driver) handleUser(msg *Message) {
	if msg == nil {
		return
	}
	for _, block := range msg.Content {
		if block.Type != "tool_result" {
			continue
		}
		status := normalize.ToolStatusCompleted
		if block.IsError {
			status = normalize.ToolStatusFailed
		}
		tc := &normalize.ToolCall{
			ToolCallID:     block.ToolUseID,
			Status:         status,
			Output:         block.Content,
			IsError:        block.IsError,
			InputFinalized: true,
		}
		d.publish(normalize.NewToolCallUpdate(d.sessionID, d.provider, tc, true))
	}
}

func (d *Driver) handleResult(msg CLIMessage) {
	d.mu.Lock()
	produced := d.producedAny
	d.producedAny = false
	d.mu.Unlock()

	if !produced {
		text := resultText(msg.Result)
		if text != "" {
			d.publish(normalize.SessionUpdate{
				SessionID: d.sessionID,
				Provider:  d.provider,
				EventType: normalize.EventAgentMessage,
				Message:   text,
				Timestamp: time.Now(),
			})
		}
	}

	stopReason := msg.Subtype
	d.publish(normalize.NewTurnComplete(d.sessionID, d.provider, stopReason))
	d.resolveCompletion(promptResult{msg: msg})
}

func resultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var data ResultData
	if err := json.Unmarshal(raw, &data); err == nil {
		return data.Text
	}
	return ""
}

func buildTitle(name string, input map[string]any) string {
	if name == "Bash" {
		if cmd, ok := input["command"].(string); ok {
			return fmt.Sprintf("Bash: %s", cmd)
		}
	}
	return name
}

func (d *Driver) markProduced() {
	d.mu.Lock()
	d.producedAny = true
	d.mu.Unlock()
}

// Prompt writes one user-turn line and blocks until the matching "result"
// message arrives, the context is cancelled, or the timeout elapses.
func (d *Driver) Prompt(ctx context.Context, text string) (string, error) {
	if !d.alive.Load() {
		return "", ErrProcessNotAlive
	}

	slot := make(chan promptResult, 1)
	d.mu.Lock()
	d.completion = slot
	d.producedAny = false
	d.mu.Unlock()

	turn := OutboundUserTurn{
		Type:      "user",
		Message:   OutboundBody{Role: "user", Content: []ContentBlock{{Type: "text", Text: text}}},
		SessionID: d.agentSessionIDSnapshot(),
	}
	if err := d.writeLine(turn); err != nil {
		return "", fmt.Errorf("write prompt: %w", err)
	}

	timer := time.NewTimer(promptTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
		return "", fmt.Errorf("prompt timed out after %s", promptTimeout)
	case res := <-slot:
		if res.err != nil {
			return "", res.err
		}
		return res.msg.Subtype, nil
	}
}

func (d *Driver) agentSessionIDSnapshot() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.agentSessionID
}

func (d *Driver) resolveCompletion(res promptResult) {
	d.mu.Lock()
	slot := d.completion
	d.completion = nil
	d.mu.Unlock()

	if slot == nil {
		return
	}
	select {
	case slot <- res:
	default:
	}
}

func (d *Driver) failPendingCompletion(err error) {
	d.mu.Lock()
	slot := d.completion
	d.completion = nil
	d.mu.Unlock()
	if slot == nil {
		return
	}
	select {
	case slot <- promptResult{err: err}:
	default:
	}
}

func (d *Driver) writeLine(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	_, err = d.handle.Stdin.Write(data)
	return err
}

// Cancel has no wire-level equivalent in Stream-JSON; there is no request
// to interrupt mid-flight. What it must do is unblock any Prompt call
// already waiting on the completion slot, the same way Kill does, so a
// cancelled turn fails fast instead of sitting on the full promptTimeout.
func (d *Driver) Cancel(ctx context.Context) error {
	d.failPendingCompletion(fmt.Errorf("prompt cancelled"))
	return nil
}

// Kill terminates the OS process and its group. Idempotent.
func (d *Driver) Kill() error {
	if !d.alive.CompareAndSwap(true, false) {
		return nil
	}
	d.failPendingCompletion(fmt.Errorf("process killed"))
	if d.handle != nil && d.handle.Cmd != nil {
		return childproc.Kill(d.handle)
	}
	return nil
}

// Debug returns an introspection snapshot used by AgentManager.Debug().
func (d *Driver) Debug() map[string]any {
	return map[string]any{
		"session_id": d.sessionID,
		"provider":   d.provider,
		"alive":      d.alive.Load(),
	}
}
