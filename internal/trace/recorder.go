package trace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/routa-run/routa/internal/config"
	"github.com/routa-run/routa/internal/logger"
	"github.com/routa-run/routa/internal/normalize"
)

// sessionState is the Recorder's per-session bookkeeping: the contributor
// identity stamped on every record for that session, pending tool calls
// awaiting their finalized input, and the chunk buffers for in-flight
// AgentMessage/AgentThought text.
type sessionState struct {
	workspaceID string
	contributor Contributor

	pending map[string]*pendingToolCall

	messageBuf strings.Builder
	thoughtBuf strings.Builder
}

type pendingToolCall struct {
	toolCallID string
	name       string
	written    bool
}

// Recorder is the JSONL Trace Recorder. It implements the duck-typed
// TraceRecorder interface manager.Manager consumes: SessionStart,
// UserMessage, SessionEnd, HandleSessionUpdate.
type Recorder struct {
	log       *logger.Logger
	dir       string
	flushSize int

	mu       sync.Mutex
	sessions map[string]*sessionState

	fileMu   sync.Mutex
	filePath string
	file     *os.File
}

// New constructs a Recorder writing under cfg.Dir. The file it appends to
// is opened on the first write, named after that moment — a single
// Recorder instance is a single append-only run.
func New(cfg config.TraceConfig, log *logger.Logger) *Recorder {
	threshold := cfg.ChunkFlushThreshold
	if threshold <= 0 {
		threshold = 100
	}
	return &Recorder{
		log:       log.With(zap.String("component", "trace-recorder")),
		dir:       cfg.Dir,
		flushSize: threshold,
		sessions:  make(map[string]*sessionState),
	}
}

// SessionStart registers session_id's contributor identity and writes a
// SessionStart record.
func (r *Recorder) SessionStart(sessionID, workspaceID, provider, model string) {
	r.mu.Lock()
	r.sessions[sessionID] = &sessionState{
		workspaceID: workspaceID,
		contributor: Contributor{Provider: provider, Model: model},
		pending:     make(map[string]*pendingToolCall),
	}
	r.mu.Unlock()

	r.write(Record{
		SessionID:   sessionID,
		WorkspaceID: workspaceID,
		Contributor: Contributor{Provider: provider, Model: model},
		EventType:   "SessionStart",
	})
}

// UserMessage writes an immediate trace record for a prompt sent to
// session_id. text is expected pre-truncated by the caller (manager.Prompt
// truncates to 500 chars before calling this).
func (r *Recorder) UserMessage(sessionID, text string) {
	r.write(Record{
		SessionID:    sessionID,
		Contributor:  r.contributorFor(sessionID),
		WorkspaceID:  r.workspaceFor(sessionID),
		EventType:    "UserMessage",
		Conversation: text,
	})
}

// SessionEnd flushes any buffered chunk text, writes a SessionEnd record,
// and drops the session's bookkeeping.
func (r *Recorder) SessionEnd(sessionID string) {
	r.flushBuffers(sessionID)

	r.write(Record{
		SessionID:   sessionID,
		Contributor: r.contributorFor(sessionID),
		WorkspaceID: r.workspaceFor(sessionID),
		EventType:   "SessionEnd",
	})

	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()
}

// HandleSessionUpdate applies spec's write rules for every SessionUpdate a
// driver emits: finalized tool calls and terminal tool results write
// immediately, partial tool-call input is stashed until a later update
// carries it, chunked agent text is buffered until it crosses flushSize or
// the turn ends.
func (r *Recorder) HandleSessionUpdate(update normalize.SessionUpdate) {
	switch update.EventType {
	case normalize.EventToolCall:
		r.handleToolCall(update)
	case normalize.EventToolCallUpdate:
		r.handleToolCallUpdate(update)
	case normalize.EventAgentMessage:
		r.handleChunked(update, &r.stateOrNil(update.SessionID).messageBuf, "AgentMessage")
	case normalize.EventAgentThought:
		r.handleChunked(update, &r.stateOrNil(update.SessionID).thoughtBuf, "AgentThought")
	case normalize.EventTurnComplete:
		r.flushBuffers(update.SessionID)
	case normalize.EventUserMessage:
		r.write(Record{
			SessionID:    update.SessionID,
			Contributor:  r.contributorFor(update.SessionID),
			WorkspaceID:  r.workspaceFor(update.SessionID),
			EventType:    "UserMessage",
			Conversation: update.Message,
		})
	case normalize.EventError:
		r.write(Record{
			SessionID:    update.SessionID,
			Contributor:  r.contributorFor(update.SessionID),
			WorkspaceID:  r.workspaceFor(update.SessionID),
			EventType:    "Error",
			Conversation: update.Message,
		})
	}
}

func (r *Recorder) handleToolCall(update normalize.SessionUpdate) {
	tc := update.ToolCall
	if tc == nil {
		return
	}
	if tc.InputFinalized {
		r.writeToolCall(update.SessionID, tc)
		return
	}

	r.mu.Lock()
	st := r.sessions[update.SessionID]
	if st != nil {
		st.pending[tc.ToolCallID] = &pendingToolCall{toolCallID: tc.ToolCallID, name: tc.Name}
	}
	r.mu.Unlock()
}

func (r *Recorder) handleToolCallUpdate(update normalize.SessionUpdate) {
	tc := update.ToolCall
	if tc == nil {
		return
	}

	r.mu.Lock()
	st := r.sessions[update.SessionID]
	var pc *pendingToolCall
	if st != nil {
		pc = st.pending[tc.ToolCallID]
	}
	r.mu.Unlock()

	if pc != nil && !pc.written && len(tc.Input) > 0 {
		r.writeToolCall(update.SessionID, tc)
		r.mu.Lock()
		pc.written = true
		r.mu.Unlock()
	}

	if tc.Status == normalize.ToolStatusCompleted || tc.Status == normalize.ToolStatusFailed {
		r.write(Record{
			SessionID:    update.SessionID,
			Contributor:  r.contributorFor(update.SessionID),
			WorkspaceID:  r.workspaceFor(update.SessionID),
			EventType:    "ToolResult",
			Tool:         tc.Name,
			Files:        extractFiles(tc),
			Conversation: tc.Output,
			Metadata: map[string]any{
				"tool_call_id": tc.ToolCallID,
				"status":       string(tc.Status),
				"is_error":     tc.IsError,
			},
		})

		r.mu.Lock()
		if st != nil {
			delete(st.pending, tc.ToolCallID)
		}
		r.mu.Unlock()
	}
}

func (r *Recorder) writeToolCall(sessionID string, tc *normalize.ToolCall) {
	r.write(Record{
		SessionID:    sessionID,
		Contributor:  r.contributorFor(sessionID),
		WorkspaceID:  r.workspaceFor(sessionID),
		EventType:    "ToolCall",
		Tool:         tc.Name,
		Files:        extractFiles(tc),
		Conversation: tc.Title,
		Metadata: map[string]any{
			"tool_call_id": tc.ToolCallID,
			"input":        tc.Input,
		},
	})
}

// handleChunked appends a chunk to buf, flushing as its own trace record
// once buf crosses flushSize. A non-chunk update (IsChunk false) is the
// whole message and writes immediately without touching buf.
func (r *Recorder) handleChunked(update normalize.SessionUpdate, buf *strings.Builder, eventType string) {
	if !update.IsChunk {
		r.write(Record{
			SessionID:    update.SessionID,
			Contributor:  r.contributorFor(update.SessionID),
			WorkspaceID:  r.workspaceFor(update.SessionID),
			EventType:    eventType,
			Conversation: update.Message,
		})
		return
	}

	r.mu.Lock()
	buf.WriteString(update.Message)
	shouldFlush := buf.Len() >= r.flushSize
	var text string
	if shouldFlush {
		text = buf.String()
		buf.Reset()
	}
	r.mu.Unlock()

	if shouldFlush {
		r.write(Record{
			SessionID:    update.SessionID,
			Contributor:  r.contributorFor(update.SessionID),
			WorkspaceID:  r.workspaceFor(update.SessionID),
			EventType:    eventType,
			Conversation: text,
		})
	}
}

// flushBuffers writes out whatever partial chunk text session_id has
// accumulated, for both the message and thought buffers.
func (r *Recorder) flushBuffers(sessionID string) {
	r.mu.Lock()
	st := r.sessions[sessionID]
	if st == nil {
		r.mu.Unlock()
		return
	}
	msg := st.messageBuf.String()
	st.messageBuf.Reset()
	thought := st.thoughtBuf.String()
	st.thoughtBuf.Reset()
	r.mu.Unlock()

	if msg != "" {
		r.write(Record{
			SessionID:    sessionID,
			Contributor:  r.contributorFor(sessionID),
			WorkspaceID:  r.workspaceFor(sessionID),
			EventType:    "AgentMessage",
			Conversation: msg,
		})
	}
	if thought != "" {
		r.write(Record{
			SessionID:    sessionID,
			Contributor:  r.contributorFor(sessionID),
			WorkspaceID:  r.workspaceFor(sessionID),
			EventType:    "AgentThought",
			Conversation: thought,
		})
	}
}

// stateOrNil returns session_id's bookkeeping, creating and registering an
// empty one if the session was never registered via SessionStart; it never
// returns nil. A driver can emit
// updates for a session this Recorder never saw start (e.g. recorder
// attached mid-flight), and that must never panic.
func (r *Recorder) stateOrNil(sessionID string) *sessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.sessions[sessionID]
	if !ok {
		st = &sessionState{pending: make(map[string]*pendingToolCall)}
		r.sessions[sessionID] = st
	}
	return st
}

func (r *Recorder) contributorFor(sessionID string) Contributor {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.sessions[sessionID]; ok {
		return st.contributor
	}
	return Contributor{}
}

func (r *Recorder) workspaceFor(sessionID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.sessions[sessionID]; ok {
		return st.workspaceID
	}
	return ""
}

// write stamps id/version/timestamp and appends rec to this Recorder's
// trace file.
// Best-effort: an I/O failure is logged, never returned or panicked on — a
// dropped trace line must never take down a session.
func (r *Recorder) write(rec Record) {
	rec.Version = recordVersion
	rec.ID = uuid.New().String()
	rec.Timestamp = time.Now()

	line, err := json.Marshal(rec)
	if err != nil {
		r.log.Warn("marshal trace record", zap.Error(err))
		return
	}

	if err := r.appendLine(line); err != nil {
		r.log.Warn("append trace record", zap.Error(err))
	}
}

func (r *Recorder) appendLine(line []byte) error {
	r.fileMu.Lock()
	defer r.fileMu.Unlock()

	f, err := r.currentFile()
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	return err
}

// currentFile returns the single file this Recorder instance appends to
// for its whole lifetime, opening it lazily on first use under
// <dir>/<YYYY-MM-DD>/traces-<YYYY-MM-DDTHH-MM-SS.mmm>.jsonl.
func (r *Recorder) currentFile() (*os.File, error) {
	if r.file != nil {
		return r.file, nil
	}

	now := time.Now()
	dayDir := filepath.Join(r.dir, now.Format("2006-01-02"))
	if err := os.MkdirAll(dayDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dayDir, err)
	}

	r.filePath = filepath.Join(dayDir, fmt.Sprintf("traces-%s.jsonl", now.Format("2006-01-02T15-04-05.000")))
	f, err := os.OpenFile(r.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", r.filePath, err)
	}
	r.file = f
	return f, nil
}

// Close flushes and closes the underlying trace file, if one was opened.
func (r *Recorder) Close() error {
	r.fileMu.Lock()
	defer r.fileMu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// stripMCPPrefix strips an "mcp__<server>__" prefix down to the bare tool
// name, mirroring the Stream-JSON driver's own normalization so
// file-editing tools are recognized regardless of which wire protocol
// produced them.
func stripMCPPrefix(name string) string {
	const prefix = "mcp__"
	if !strings.HasPrefix(name, prefix) {
		return name
	}
	rest := name[len(prefix):]
	idx := strings.Index(rest, "__")
	if idx < 0 {
		return name
	}
	return rest[idx+2:]
}

// extractFiles pulls a FileRange out of tc's input when tc's tool is one of
// normalize.FileEditingTools. Edit/MultiEdit additionally carry a line
// range when their input names one.
func extractFiles(tc *normalize.ToolCall) []FileRange {
	name := stripMCPPrefix(tc.Name)
	if !normalize.FileEditingTools[name] {
		return nil
	}

	path, _ := stringField(tc.Input, "file_path")
	if path == "" {
		path, _ = stringField(tc.Input, "path")
	}
	if path == "" {
		return nil
	}

	fr := FileRange{Path: path}
	if name == "Edit" || name == "MultiEdit" {
		if sl, ok := intField(tc.Input, "startLine"); ok {
			fr.StartLine = &sl
		}
		if el, ok := intField(tc.Input, "endLine"); ok {
			fr.EndLine = &el
		}
	}
	return []FileRange{fr}
}

func stringField(input map[string]any, key string) (string, bool) {
	v, ok := input[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func intField(input map[string]any, key string) (int, bool) {
	v, ok := input[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
