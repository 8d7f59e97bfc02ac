// Package session defines Session, the per-conversation record the
// AgentManager owns, and ChildProcess, the interface both wire-protocol
// drivers satisfy so the rest of the runtime never branches on provider.
package session

import (
	"context"
	"time"
)

// ChildProcess is the behavior shared by the ACP driver and the
// Stream-JSON driver: the one child process a Session exclusively owns.
// Once Alive reports false it never reports true again; every pending
// call has already been resolved with an error by that point.
type ChildProcess interface {
	Prompt(ctx context.Context, text string) (string, error)
	Cancel(ctx context.Context) error
	Kill() error
	Alive() bool
	Debug() map[string]any
}

// Session is the caller-visible record AgentManager keeps per session_id.
// It holds exactly one ChildProcess for its lifetime.
type Session struct {
	SessionID      string
	Cwd            string
	WorkspaceID    string
	Provider       string
	Role           string
	Model          string
	AgentSessionID string // the child's own internal session ID; never surfaced to callers
	PresetID       string
	CreatedAt      time.Time

	Child ChildProcess
}

// IsAlive reports whether the session's child process is still live.
// A Session with a nil Child (never fully spawned) is never alive.
func (s *Session) IsAlive() bool {
	return s.Child != nil && s.Child.Alive()
}
