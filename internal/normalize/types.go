// Package normalize defines the protocol-neutral shapes that every
// ChildProcess driver translates its wire format into. The rest of the
// runtime — the broadcast fan-out, the TraceRecorder, the EventBus bridge —
// consumes only these types and never sees ACP or Stream-JSON framing
// directly.
package normalize

import "time"

// EventType enumerates the kinds of SessionUpdate the runtime distinguishes.
type EventType string

const (
	EventAgentMessage   EventType = "AgentMessage"
	EventAgentThought   EventType = "AgentThought"
	EventUserMessage    EventType = "UserMessage"
	EventToolCall       EventType = "ToolCall"
	EventToolCallUpdate EventType = "ToolCallUpdate"
	EventTurnComplete   EventType = "TurnComplete"
	EventPlanUpdate     EventType = "PlanUpdate"
	EventError          EventType = "Error"
)

// ToolStatus enumerates the lifecycle states of a normalized ToolCall.
type ToolStatus string

const (
	ToolStatusRunning   ToolStatus = "Running"
	ToolStatusCompleted ToolStatus = "Completed"
	ToolStatusFailed    ToolStatus = "Failed"
)

// ToolCall is the normalized shape for a tool invocation observed on a
// child's stdout, regardless of which wire protocol produced it.
type ToolCall struct {
	ToolCallID     string         `json:"tool_call_id"`
	Name           string         `json:"name"`
	Title          string         `json:"title,omitempty"`
	Status         ToolStatus     `json:"status"`
	Input          map[string]any `json:"input,omitempty"`
	Output         string         `json:"output,omitempty"`
	IsError        bool           `json:"is_error,omitempty"`
	InputFinalized bool           `json:"input_finalized"`
}

// PlanEntry is one step of a normalized plan update.
type PlanEntry struct {
	Content  string `json:"content"`
	Priority string `json:"priority,omitempty"`
	Status   string `json:"status,omitempty"`
}

// SessionUpdate is the protocol-neutral notification shape the rest of the
// system consumes. A driver emits one of these for every line it parses off
// a child's stdout that is meaningful to downstream consumers.
type SessionUpdate struct {
	SessionID string    `json:"session_id"`
	Provider  string    `json:"provider"`
	EventType EventType `json:"event_type"`

	// Message carries text for AgentMessage, AgentThought, UserMessage and
	// Error events. IsChunk marks an incremental delta the recorder must
	// concatenate until a non-chunk event or TurnComplete flushes it.
	Message string `json:"message,omitempty"`
	IsChunk bool   `json:"is_chunk,omitempty"`

	ToolCall *ToolCall   `json:"tool_call,omitempty"`
	Plan     []PlanEntry `json:"plan,omitempty"`

	// StopReason is populated on TurnComplete.
	StopReason string `json:"stop_reason,omitempty"`

	// Source is "stderr" on the AgentMessage updates a driver republishes
	// from the child's stderr, and empty on updates parsed from stdout.
	// Stderr lines have no event type of their own.
	Source string `json:"source,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// NewChunk builds a chunked AgentMessage/AgentThought update.
func NewChunk(sessionID, provider string, eventType EventType, text string) SessionUpdate {
	return SessionUpdate{
		SessionID: sessionID,
		Provider:  provider,
		EventType: eventType,
		Message:   text,
		IsChunk:   true,
		Timestamp: time.Now(),
	}
}

// NewTurnComplete builds a TurnComplete update.
func NewTurnComplete(sessionID, provider, stopReason string) SessionUpdate {
	return SessionUpdate{
		SessionID:  sessionID,
		Provider:   provider,
		EventType:  EventTurnComplete,
		StopReason: stopReason,
		Timestamp:  time.Now(),
	}
}

// NewToolCallUpdate builds a ToolCall or ToolCallUpdate SessionUpdate.
func NewToolCallUpdate(sessionID, provider string, tc *ToolCall, isUpdate bool) SessionUpdate {
	et := EventToolCall
	if isUpdate {
		et = EventToolCallUpdate
	}
	return SessionUpdate{
		SessionID: sessionID,
		Provider:  provider,
		EventType: et,
		ToolCall:  tc,
		Timestamp: time.Now(),
	}
}

// AgentEventType enumerates coordination signals exchanged between agents
// over the EventBus — distinct from SessionUpdate, which is streaming I/O
// from a single child.
type AgentEventType string

const (
	AgentCreated      AgentEventType = "AgentCreated"
	AgentActivated    AgentEventType = "AgentActivated"
	AgentCompleted    AgentEventType = "AgentCompleted"
	AgentError        AgentEventType = "AgentError"
	TaskAssigned      AgentEventType = "TaskAssigned"
	TaskCompleted     AgentEventType = "TaskCompleted"
	TaskFailed        AgentEventType = "TaskFailed"
	TaskStatusChanged AgentEventType = "TaskStatusChanged"
	MessageSent       AgentEventType = "MessageSent"
	ReportSubmitted   AgentEventType = "ReportSubmitted"
	WorkspaceUpdated  AgentEventType = "WorkspaceUpdated"
)

// AgentEvent is a coordination signal published on the EventBus.
type AgentEvent struct {
	Type        AgentEventType `json:"type"`
	AgentID     string         `json:"agent_id"`
	WorkspaceID string         `json:"workspace_id,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// NewAgentEvent constructs an AgentEvent stamped with the current time.
func NewAgentEvent(t AgentEventType, agentID, workspaceID string, data map[string]any) AgentEvent {
	return AgentEvent{
		Type:        t,
		AgentID:     agentID,
		WorkspaceID: workspaceID,
		Data:        data,
		Timestamp:   time.Now(),
	}
}

// FileEditingTools is the set of tool names whose input is inspected for
// file-range extraction by the TraceRecorder.
var FileEditingTools = map[string]bool{
	"Read":         true,
	"Write":        true,
	"Edit":         true,
	"MultiEdit":    true,
	"NotebookRead": true,
	"NotebookEdit": true,
}
