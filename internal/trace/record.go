// Package trace implements the JSONL Trace Recorder: an append-only,
// best-effort audit log of everything a child session does, written one
// record per line under a per-day directory so every contribution an agent
// makes to a workspace can be replayed or attributed after the fact.
package trace

import "time"

// Contributor identifies which agent produced a Record.
type Contributor struct {
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
}

// FileRange is one file a ToolCall record touched, with the line range the
// tool's input named, if any.
type FileRange struct {
	Path      string `json:"path"`
	StartLine *int   `json:"start_line,omitempty"`
	EndLine   *int   `json:"end_line,omitempty"`
}

// Record is one line of a trace file. version is bumped whenever a field is
// added or repurposed, so a reader can tell which shape it's looking at.
type Record struct {
	Version     int            `json:"version"`
	ID          string         `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	SessionID   string         `json:"session_id"`
	WorkspaceID string         `json:"workspace_id,omitempty"`
	Contributor Contributor    `json:"contributor"`
	EventType   string         `json:"event_type"`
	Tool        string         `json:"tool,omitempty"`
	Files       []FileRange    `json:"files,omitempty"`
	Conversation string        `json:"conversation,omitempty"`
	VCS         map[string]any `json:"vcs,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

const recordVersion = 1
