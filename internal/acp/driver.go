package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/routa-run/routa/internal/childproc"
	"github.com/routa-run/routa/internal/logger"
	"github.com/routa-run/routa/internal/normalize"
	"go.uber.org/zap"
)

// State is a ChildProcess lifecycle stage. Dead is absorbing: once reached,
// no further transition is possible.
type State string

const (
	StateSpawned      State = "Spawned"
	StateInitialized  State = "Initialized"
	StateSessionReady State = "SessionReady"
	StatePrompting    State = "Prompting"
	StateIdle         State = "Idle"
	StateDead         State = "Dead"
)

// Per-method timeouts. initialize/session/new wait longer for npx/uvx
// spawns since the first run may need to fetch the package.
const (
	timeoutLocalHandshake = 15 * time.Second
	timeoutNpxHandshake   = 120 * time.Second
	timeoutPrompt         = 300 * time.Second
	timeoutDefault        = 30 * time.Second
)

// ErrProcessNotAlive is returned by any call made after the driver has
// transitioned to Dead.
var ErrProcessNotAlive = fmt.Errorf("process not alive")

// Publisher receives every normalized update a driver produces.
type Publisher func(normalize.SessionUpdate)

// Driver owns one ACP child process: its stdio, its JSON-RPC Client, and
// the translation from wire notifications to normalize.SessionUpdate.
type Driver struct {
	sessionID string // caller-visible session ID, never the child's own
	provider  string
	cwd       string
	usesFetch bool // true for npx/uvx spawns, which get the longer handshake timeout

	handle *childproc.Handle
	client *Client
	log    *logger.Logger

	publish Publisher

	agentSessionID string

	alive atomic.Bool
	state atomic.Value // State

	mu sync.Mutex
}

// NewDriver constructs a Driver. Spawn must be called before any other
// method.
func NewDriver(sessionID, provider, cwd string, publish Publisher, log *logger.Logger) *Driver {
	d := &Driver{
		sessionID: sessionID,
		provider:  provider,
		cwd:       cwd,
		publish:   publish,
		log:       log.With(zap.String("component", "acp-driver"), zap.String("session_id", sessionID)),
	}
	d.state.Store(StateSpawned)
	return d
}

func (d *Driver) setState(s State) { d.state.Store(s) }

// State returns the current lifecycle stage.
func (d *Driver) State() State { return d.state.Load().(State) }

// Alive reports whether the child process is still considered live.
func (d *Driver) Alive() bool { return d.alive.Load() }

// Spawn resolves command on PATH, starts the child with piped stdio, and
// begins the background reader. usesFetch marks a distribution (npx/uvx)
// that may need network access on first run, widening the handshake
// timeout.
func (d *Driver) Spawn(ctx context.Context, command string, args []string, usesFetch bool) error {
	d.usesFetch = usesFetch

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

	d.client = NewClient(handle.Stdin, handle.Stdout, d.log)
	d.client.SetNotificationHandler(d.handleNotification)
	d.client.SetRequestHandler(d.handleRequest)
	<-d.client.Start(ctx)

	go d.drainStderr()
	go d.watchExit()

	return nil
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

func (d *Driver) watchExit() {
	<-d.handle.Exited
	d.alive.Store(false)
	d.setState(StateDead)
	d.client.Stop()
}

// handshakeTimeout returns the initialize/session-new timeout appropriate
// for this driver's distribution kind.
func (d *Driver) handshakeTimeout() time.Duration {
	if d.usesFetch {
		return timeoutNpxHandshake
	}
	return timeoutLocalHandshake
}

// Initialize performs the ACP handshake. Must succeed before any session
// call.
func (d *Driver) Initialize(ctx context.Context) error {
	if !d.alive.Load() {
		return ErrProcessNotAlive
	}
	_, err := d.client.Call(ctx, MethodInitialize, InitializeParams{
		ProtocolVersion: 1,
		ClientInfo:      ClientInfo{Name: "routad", Version: "0.1.0"},
		Capabilities:    ClientCapabilities{Streaming: true},
	}, d.handshakeTimeout())
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	d.setState(StateInitialized)
	return nil
}

// NewSession opens a session on the child and returns its internally
// visible session ID (kept only to re-target outbound prompt/cancel calls;
// it is never surfaced to callers of the driver).
func (d *Driver) NewSession(ctx context.Context) (string, error) {
	if !d.alive.Load() {
		return "", ErrProcessNotAlive
	}
	raw, err := d.client.Call(ctx, MethodSessionNew, SessionNewParams{Cwd: d.cwd}, d.handshakeTimeout())
	if err != nil {
		return "", fmt.Errorf("session/new: %w", err)
	}
	var result SessionNewResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("session/new: malformed result: %w", err)
	}
	if result.SessionID == "" {
		return "", fmt.Errorf("session/new: missing sessionId in reply")
	}

	d.mu.Lock()
	d.agentSessionID = result.SessionID
	d.mu.Unlock()

	d.setState(StateSessionReady)
	return result.SessionID, nil
}

// Prompt sends text as a new user turn and returns the stop reason.
func (d *Driver) Prompt(ctx context.Context, text string) (string, error) {
	if !d.alive.Load() {
		return "", ErrProcessNotAlive
	}

	d.mu.Lock()
	agentSID := d.agentSessionID
	d.mu.Unlock()

	d.setState(StatePrompting)
	raw, err := d.client.Call(ctx, MethodSessionPrompt, SessionPromptParams{
		SessionID: agentSID,
		Content:   []ContentBlock{{Type: "text", Text: text}},
	}, timeoutPrompt)
	d.setState(StateIdle)
	if err != nil {
		return "", fmt.Errorf("session/prompt: %w", err)
	}

	var result SessionPromptResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("session/prompt: malformed result: %w", err)
	}

	d.publish(normalize.NewTurnComplete(d.sessionID, d.provider, result.StopReason))
	return result.StopReason, nil
}

// Cancel sends a fire-and-forget session/cancel notification. Safe to call
// more than once: each call sends the notification again and none waits
// for a reply.
func (d *Driver) Cancel(ctx context.Context) error {
	if !d.alive.Load() {
		return nil
	}
	d.mu.Lock()
	agentSID := d.agentSessionID
	d.mu.Unlock()

	return d.client.Notify(MethodSessionCancel, SessionCancelParams{SessionID: agentSID})
}

// Kill flips alive to false, terminates the OS process (and its group),
// and fails every outstanding pending call. Idempotent.
func (d *Driver) Kill() error {
	if !d.alive.CompareAndSwap(true, false) {
		d.setState(StateDead)
		return nil
	}
	d.setState(StateDead)
	d.client.Stop()
	if d.handle != nil {
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
		"state":      string(d.State()),
	}
}

func (d *Driver) handleNotification(method string, params json.RawMessage) {
	if method != NotificationSessionUpdate {
		return
	}

	var p SessionUpdateParams
	if err := json.Unmarshal(params, &p); err != nil {
		d.log.Debug("malformed session/update params", zap.Error(err))
		return
	}

	update := d.translateUpdate(p.Update)
	if update == nil {
		return
	}
	// Session-ID rewrite: downstream never sees the child's own ID.
	update.SessionID = d.sessionID
	update.Provider = d.provider
	update.Timestamp = time.Now()
	d.publish(*update)
}

// translateUpdate converts one session/update payload variant into the
// normalized shape. Unknown variants are dropped.
func (d *Driver) translateUpdate(raw json.RawMessage) *normalize.SessionUpdate {
	var disc sessionUpdateDiscriminator
	if err := json.Unmarshal(raw, &disc); err != nil {
		return nil
	}

	var body map[string]any
	_ = json.Unmarshal(raw, &body)

	textOf := func(key string) string {
		if v, ok := body[key].(string); ok {
			return v
		}
		if content, ok := body["content"].(map[string]any); ok {
			if text, ok := content["text"].(string); ok {
				return text
			}
		}
		return ""
	}

	switch disc.SessionUpdate {
	case "agent_message_chunk":
		return &normalize.SessionUpdate{EventType: normalize.EventAgentMessage, Message: textOf("text"), IsChunk: true}
	case "agent_message":
		return &normalize.SessionUpdate{EventType: normalize.EventAgentMessage, Message: textOf("text")}
	case "agent_thought_chunk":
		return &normalize.SessionUpdate{EventType: normalize.EventAgentThought, Message: textOf("text"), IsChunk: true}
	case "agent_thought":
		return &normalize.SessionUpdate{EventType: normalize.EventAgentThought, Message: textOf("text")}
	case "tool_call":
		tc := toolCallFromMap(body, false)
		return &normalize.SessionUpdate{EventType: normalize.EventToolCall, ToolCall: tc}
	case "tool_call_update":
		tc := toolCallFromMap(body, true)
		return &normalize.SessionUpdate{EventType: normalize.EventToolCallUpdate, ToolCall: tc}
	default:
		return nil
	}
}

func toolCallFromMap(body map[string]any, isUpdate bool) *normalize.ToolCall {
	tc := &normalize.ToolCall{}
	if v, ok := body["toolCallId"].(string); ok {
		tc.ToolCallID = v
	}
	if v, ok := body["title"].(string); ok {
		tc.Title = v
	}
	if v, ok := body["kind"].(string); ok {
		tc.Name = v
	}
	status := normalize.ToolStatusRunning
	if v, ok := body["status"].(string); ok {
		switch v {
		case "completed":
			status = normalize.ToolStatusCompleted
		case "failed":
			status = normalize.ToolStatusFailed
		}
	}
	tc.Status = status

	if input, ok := body["input"].(map[string]any); ok {
		tc.Input = input
		tc.InputFinalized = true
	} else if !isUpdate {
		tc.InputFinalized = false
	} else {
		tc.InputFinalized = true
	}

	if rawOutput, ok := body["rawOutput"]; ok {
		if s, ok := rawOutput.(string); ok {
			tc.Output = s
		} else if b, err := json.Marshal(rawOutput); err == nil {
			tc.Output = string(b)
		}
	}
	return tc
}

// handleRequest answers inbound requests from the child: permission
// prompts are auto-approved, filesystem ops are performed against the
// session's cwd with a path-traversal guard, terminal ops are stubbed, and
// anything unrecognized gets an empty reply.
func (d *Driver) handleRequest(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case MethodRequestPermission:
		return d.handleRequestPermission(params)
	case MethodFsReadTextFile:
		return d.handleReadTextFile(params)
	case MethodFsWriteTextFile:
		return d.handleWriteTextFile(params)
	case MethodTerminalCreate, MethodTerminalOutput, MethodTerminalKill, MethodTerminalRelease:
		return map[string]any{}, nil
	default:
		return map[string]any{}, nil
	}
}

func (d *Driver) handleRequestPermission(params json.RawMessage) (any, error) {
	var p RequestPermissionParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("malformed request_permission params: %w", err)
	}
	if len(p.Options) == 0 {
		return RequestPermissionResult{Outcome: PermissionOutcome{Outcome: "selected"}}, nil
	}
	return RequestPermissionResult{
		Outcome: PermissionOutcome{Outcome: "selected", OptionID: p.Options[0].OptionID},
	}, nil
}

func (d *Driver) handleReadTextFile(params json.RawMessage) (any, error) {
	var p ReadTextFileParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("malformed read_text_file params: %w", err)
	}
	resolved, err := resolvePath(d.cwd, p.Path)
	if err != nil {
		return nil, err
	}

	content, err := readFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p.Path, err)
	}

	if p.Line != nil || p.Limit != nil {
		content = windowLines(content, p.Line, p.Limit)
	}

	return ReadTextFileResult{Content: content}, nil
}

func (d *Driver) handleWriteTextFile(params json.RawMessage) (any, error) {
	var p WriteTextFileParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("malformed write_text_file params: %w", err)
	}
	resolved, err := resolvePath(d.cwd, p.Path)
	if err != nil {
		return nil, err
	}
	if err := writeFile(resolved, p.Content); err != nil {
		return nil, fmt.Errorf("write %s: %w", p.Path, err)
	}
	return map[string]any{}, nil
}

// resolvePath joins a (possibly relative) path against cwd and rejects any
// result that escapes cwd, guarding against path traversal from the child.
func resolvePath(cwd, path string) (string, error) {
	joined := path
	if !filepath.IsAbs(path) {
		joined = filepath.Join(cwd, path)
	}
	cleaned := filepath.Clean(joined)

	cleanCwd := filepath.Clean(cwd)
	if cleaned != cleanCwd && !strings.HasPrefix(cleaned, cleanCwd+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes session workspace", path)
	}
	return cleaned, nil
}

// windowLines applies 0-indexed line/limit windowing, mirroring the ACP
// fs/read_text_file contract.
func windowLines(content string, line, limit *int) string {
	lines := strings.Split(content, "\n")

	start := 0
	if line != nil && *line > 0 {
		start = *line
	}
	if start > len(lines) {
		start = len(lines)
	}

	end := len(lines)
	if limit != nil {
		if want := start + *limit; want < end {
			end = want
		}
	}

	return strings.Join(lines[start:end], "\n")
}
