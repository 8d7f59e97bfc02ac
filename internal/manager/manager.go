// Package manager implements AgentManager: the session registry that owns
// every ChildProcess in the process, selects the wire protocol driver for
// a given provider, and fans normalized updates out to subscribers and the
// trace pipeline.
package manager

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/routa-run/routa/internal/acp"
	"github.com/routa-run/routa/internal/logger"
	"github.com/routa-run/routa/internal/normalize"
	"github.com/routa-run/routa/internal/session"
	"github.com/routa-run/routa/internal/streamjson"
	"github.com/routa-run/routa/internal/tracing"
)

// providerClaude is the special vendor identifier routed to the
// Stream-JSON driver instead of through ACP preset resolution.
const providerClaude = "claude"

// ErrSessionNotFound is returned when a caller references a session_id the
// Manager has no record of.
var ErrSessionNotFound = fmt.Errorf("session not found")

// ErrSessionExists is returned by CreateSession when session_id is already
// registered.
var ErrSessionExists = fmt.Errorf("session already exists")

// ErrNotAlive is returned by Prompt/Cancel when the session's child has
// already died.
var ErrNotAlive = fmt.Errorf("session not alive")

// TraceRecorder is the subset of the trace pipeline AgentManager drives
// directly. The normal per-update path (ToolCall/AgentMessage/etc.) goes
// through HandleSessionUpdate; SessionStart/UserMessage/SessionEnd are
// Manager-initiated events that never arrive as a normalize.SessionUpdate.
type TraceRecorder interface {
	SessionStart(sessionID, workspaceID, provider, model string)
	UserMessage(sessionID, text string)
	SessionEnd(sessionID string)
	HandleSessionUpdate(update normalize.SessionUpdate)
}

// Preset is a static provider configuration: the command and arguments used
// to spawn an ACP-speaking child for that provider.
type Preset struct {
	Command     string
	Args        []string
	Description string
	// UsesFetch marks a distribution (npx/uvx) that may reach the network
	// on first run, widening the driver's handshake timeout.
	UsesFetch bool
}

// staticPresets seeds the provider names the core ships adapters for,
// matching the breadth of the teacher's adapter factory without
// implementing the adapters outside this core's scope.
var staticPresets = map[string]Preset{
	"gemini": {
		Command:     "npx",
		Args:        []string{"-y", "@google/gemini-cli", "--experimental-acp"},
		Description: "Gemini CLI, ACP mode",
		UsesFetch:   true,
	},
	"codex": {
		Command:     "npx",
		Args:        []string{"-y", "@openai/codex-acp"},
		Description: "Codex ACP adapter",
		UsesFetch:   true,
	},
	"opencode": {
		Command:     "npx",
		Args:        []string{"-y", "opencode-acp"},
		Description: "Opencode ACP adapter",
		UsesFetch:   true,
	},
}

// Distribution describes how a registry-resolved preset is packaged.
type Distribution struct {
	Kind    string // "npx" | "uvx" | "bin"
	Package string
	Args    []string
}

// RegistryClient resolves a preset ID not found in the static table against
// a remote agent registry. The default client always fails closed; callers
// that want registry support inject a real implementation.
type RegistryClient interface {
	Resolve(ctx context.Context, presetID string) (Distribution, error)
}

type noopRegistryClient struct{}

func (noopRegistryClient) Resolve(ctx context.Context, presetID string) (Distribution, error) {
	return Distribution{}, fmt.Errorf("preset %q: no registry configured", presetID)
}

// entry is the Manager's per-session bookkeeping: the session record, and
// the broadcaster notifications for it fan out through.
type entry struct {
	sess *session.Session
	bc   *broadcaster
	span oteltrace.Span
}

// Manager is AgentManager. One Manager owns every session in the process.
type Manager struct {
	log      *logger.Logger
	trace    TraceRecorder
	registry RegistryClient
	spawn    childSpawner

	mu       sync.RWMutex
	sessions map[string]*entry
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithTraceRecorder attaches the trace pipeline. Nil (the default) means
// updates are fanned out to subscribers but never recorded.
func WithTraceRecorder(t TraceRecorder) Option {
	return func(m *Manager) { m.trace = t }
}

// WithRegistryClient overrides the default fail-closed registry client.
func WithRegistryClient(c RegistryClient) Option {
	return func(m *Manager) { m.registry = c }
}

// New constructs an empty Manager.
func New(log *logger.Logger, opts ...Option) *Manager {
	m := &Manager{
		log:      log.With(zap.String("component", "agent-manager")),
		registry: noopRegistryClient{},
		sessions: make(map[string]*entry),
	}
	m.spawn = m.defaultSpawnChild
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// resolvePreset picks the command/args for an ACP provider name. A
// "-registry" suffix forces the remote-registry path even when a static
// preset of the same base name exists, letting a registry entry shadow a
// built-in with a different command.
func (m *Manager) resolvePreset(ctx context.Context, providerOrPresetID string) (Preset, string, error) {
	if strings.HasSuffix(providerOrPresetID, "-registry") {
		base := strings.TrimSuffix(providerOrPresetID, "-registry")
		p, err := m.fetchFromRegistry(ctx, base)
		return p, providerOrPresetID, err
	}
	if p, ok := staticPresets[providerOrPresetID]; ok {
		return p, providerOrPresetID, nil
	}
	p, err := m.fetchFromRegistry(ctx, providerOrPresetID)
	return p, providerOrPresetID, err
}

func (m *Manager) fetchFromRegistry(ctx context.Context, presetID string) (Preset, error) {
	dist, err := m.registry.Resolve(ctx, presetID)
	if err != nil {
		return Preset{}, err
	}
	switch dist.Kind {
	case "npx":
		return Preset{Command: "npx", Args: append([]string{"-y", dist.Package}, dist.Args...), UsesFetch: true}, nil
	case "uvx":
		return Preset{Command: "uvx", Args: append([]string{dist.Package}, dist.Args...), UsesFetch: true}, nil
	default:
		return Preset{}, fmt.Errorf("preset %q: distribution kind %q requires a separately managed install", presetID, dist.Kind)
	}
}

// claudeArgs builds the Stream-JSON invocation for the claude CLI. model,
// when non-empty, is passed through as --model.
func claudeArgs(model string) []string {
	args := []string{"--print", "--output-format", "stream-json", "--input-format", "stream-json", "--verbose"}
	if model != "" {
		args = append(args, "--model", model)
	}
	return args
}

// spawnedChild is what childSpawner hands back to CreateSession: the
// session.ChildProcess to store, its internal agent session ID (empty for
// Stream-JSON, which has no request/response correlation to re-target),
// and the preset ID actually used (empty for the "claude" fast path).
type spawnedChild struct {
	child          session.ChildProcess
	agentSessionID string
	presetID       string
}

// childSpawner is the seam between CreateSession and real process spawning.
// Production wiring uses defaultSpawnChild; tests substitute a function
// that builds an in-memory session.ChildProcess so no real subprocess is
// ever spawned.
type childSpawner func(ctx context.Context, sessionID, cwd, provider, model string, publish func(normalize.SessionUpdate)) (spawnedChild, error)

// WithChildSpawner overrides how CreateSession spawns a session's child.
// Exposed for tests; production callers should leave this at its default.
func WithChildSpawner(fn childSpawner) Option {
	return func(m *Manager) { m.spawn = fn }
}

func (m *Manager) spawnChild(ctx context.Context, sessionID, cwd, provider, model string, publish func(normalize.SessionUpdate)) (spawnedChild, error) {
	return m.spawn(ctx, sessionID, cwd, provider, model, publish)
}

// defaultSpawnChild is the production childSpawner: "claude" goes through
// the Stream-JSON driver, everything else resolves an ACP preset (static
// table first, registry fallback) and runs the ACP handshake.
func (m *Manager) defaultSpawnChild(ctx context.Context, sessionID, cwd, provider, model string, publish func(normalize.SessionUpdate)) (spawnedChild, error) {
	if provider == providerClaude {
		driver := streamjson.NewDriver(sessionID, cwd, publish, m.log)
		if err := driver.Spawn(ctx, "claude", claudeArgs(model)); err != nil {
			return spawnedChild{}, fmt.Errorf("spawn claude: %w", err)
		}
		return spawnedChild{child: driver}, nil
	}

	preset, presetID, err := m.resolvePreset(ctx, provider)
	if err != nil {
		return spawnedChild{}, fmt.Errorf("resolve preset %q: %w", provider, err)
	}
	driver := acp.NewDriver(sessionID, provider, cwd, publish, m.log)
	if err := driver.Spawn(ctx, preset.Command, preset.Args, preset.UsesFetch); err != nil {
		return spawnedChild{}, fmt.Errorf("spawn %s: %w", provider, err)
	}
	if err := driver.Initialize(ctx); err != nil {
		_ = driver.Kill()
		return spawnedChild{}, fmt.Errorf("initialize %s: %w", provider, err)
	}
	agentSID, err := driver.NewSession(ctx)
	if err != nil {
		_ = driver.Kill()
		return spawnedChild{}, fmt.Errorf("new session %s: %w", provider, err)
	}
	return spawnedChild{child: driver, agentSessionID: agentSID, presetID: presetID}, nil
}

// CreateSession spawns provider's child process, performs whatever
// handshake its protocol requires, and registers the session under
// session_id. Records a SessionStart trace before returning.
func (m *Manager) CreateSession(ctx context.Context, sessionID, cwd, workspaceID, provider, role, model string) error {
	m.mu.RLock()
	_, exists := m.sessions[sessionID]
	m.mu.RUnlock()
	if exists {
		return ErrSessionExists
	}

	bc := newBroadcaster()
	publish := func(u normalize.SessionUpdate) {
		bc.publish(u)
		if m.trace != nil {
			m.trace.HandleSessionUpdate(u)
		}
	}

	sess := &session.Session{
		SessionID:   sessionID,
		Cwd:         cwd,
		WorkspaceID: workspaceID,
		Provider:    provider,
		Role:        role,
		Model:       model,
		CreatedAt:   time.Now(),
	}

	spanCtx, span := tracing.StartSession(ctx, sessionID, provider, model)
	spawned, err := m.spawnChild(spanCtx, sessionID, cwd, provider, model, publish)
	if err != nil {
		tracing.EndWithError(span, err)
		return err
	}
	sess.Child = spawned.child
	sess.AgentSessionID = spawned.agentSessionID
	sess.PresetID = spawned.presetID

	m.mu.Lock()
	m.sessions[sessionID] = &entry{sess: sess, bc: bc, span: span}
	m.mu.Unlock()

	if m.trace != nil {
		m.trace.SessionStart(sessionID, workspaceID, provider, model)
	}

	m.log.Info("session created",
		zap.String("session_id", sessionID),
		zap.String("provider", provider),
		zap.String("workspace_id", workspaceID))
	return nil
}

func (m *Manager) get(sessionID string) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	return e, ok
}

// Prompt records a UserMessage trace (content truncated to 500 chars) and
// dispatches text to session_id's child. Fails with ErrNotAlive if the
// child has died, ErrSessionNotFound if session_id is unknown.
func (m *Manager) Prompt(ctx context.Context, sessionID, text string) (string, error) {
	e, ok := m.get(sessionID)
	if !ok {
		return "", ErrSessionNotFound
	}
	if !e.sess.IsAlive() {
		return "", ErrNotAlive
	}

	if m.trace != nil {
		m.trace.UserMessage(sessionID, truncate(text, 500))
	}

	return e.sess.Child.Prompt(ctx, text)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Cancel sends the driver's cancel signal. A no-op on an already-dead
// session — cancel is inherently best-effort. Fails with
// ErrSessionNotFound for an unknown session_id.
func (m *Manager) Cancel(ctx context.Context, sessionID string) error {
	e, ok := m.get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	if !e.sess.IsAlive() {
		return nil
	}
	return e.sess.Child.Cancel(ctx)
}

// KillSession kills session_id's child, records SessionEnd, and removes the
// session and its broadcaster. Idempotent: killing twice is a no-op the
// second time.
func (m *Manager) KillSession(sessionID string) error {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	e.bc.closeAll()

	var err error
	if e.sess.Child != nil {
		err = e.sess.Child.Kill()
	}

	if m.trace != nil {
		m.trace.SessionEnd(sessionID)
	}
	tracing.EndWithError(e.span, err)

	m.log.Info("session killed", zap.String("session_id", sessionID))
	if err != nil {
		return fmt.Errorf("kill %s: %w", sessionID, err)
	}
	return nil
}

// Subscribe hands out a receive-only channel of session_id's future
// notifications. New subscribers see only updates published after this
// call; there is no replay. The returned unsubscribe func must be called
// once the caller is done reading.
func (m *Manager) Subscribe(sessionID string) (<-chan normalize.SessionUpdate, func(), error) {
	e, ok := m.get(sessionID)
	if !ok {
		return nil, nil, ErrSessionNotFound
	}
	id, ch := e.bc.subscribe()
	return ch, func() { e.bc.unsubscribe(id) }, nil
}

// IsAlive reports whether session_id's child is alive. Returns false for an
// unknown session_id as well as a dead one.
func (m *Manager) IsAlive(sessionID string) bool {
	e, ok := m.get(sessionID)
	return ok && e.sess.IsAlive()
}

// SessionInfo is the read-only view ListSessions/Debug expose. It never
// leaks the child's internal handle.
type SessionInfo struct {
	SessionID   string
	Cwd         string
	WorkspaceID string
	Provider    string
	Role        string
	Model       string
	PresetID    string
	CreatedAt   time.Time
	Alive       bool
}

// ListSessions returns a snapshot of every registered session.
func (m *Manager) ListSessions() []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]SessionInfo, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, SessionInfo{
			SessionID:   e.sess.SessionID,
			Cwd:         e.sess.Cwd,
			WorkspaceID: e.sess.WorkspaceID,
			Provider:    e.sess.Provider,
			Role:        e.sess.Role,
			Model:       e.sess.Model,
			PresetID:    e.sess.PresetID,
			CreatedAt:   e.sess.CreatedAt,
			Alive:       e.sess.IsAlive(),
		})
	}
	return out
}

// Stats counts live and dead sessions per provider, the way the teacher's
// streaming manager counts running readers with GetActiveCount.
type Stats struct {
	TotalSessions  int
	LiveByProvider map[string]int
	DeadByProvider map[string]int
}

// Stats returns the current live/dead-per-provider breakdown.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{
		TotalSessions:  len(m.sessions),
		LiveByProvider: make(map[string]int),
		DeadByProvider: make(map[string]int),
	}
	for _, e := range m.sessions {
		if e.sess.IsAlive() {
			s.LiveByProvider[e.sess.Provider]++
		} else {
			s.DeadByProvider[e.sess.Provider]++
		}
	}
	return s
}

// Shutdown kills every live session concurrently and waits for all of them
// to finish, for an orderly process exit. Individual kill failures are
// logged, not returned — one stuck child must never block the rest.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := m.KillSession(id); err != nil {
				m.log.Warn("shutdown kill failed", zap.String("session_id", id), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Debug returns a per-session introspection map, including the child
// driver's own Debug() payload, keyed by session_id.
func (m *Manager) Debug() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]any, len(m.sessions))
	for id, e := range m.sessions {
		childDebug := map[string]any{}
		if e.sess.Child != nil {
			childDebug = e.sess.Child.Debug()
		}
		out[id] = map[string]any{
			"provider":   e.sess.Provider,
			"preset_id":  e.sess.PresetID,
			"alive":      e.sess.IsAlive(),
			"created_at": e.sess.CreatedAt,
			"child":      childDebug,
		}
	}
	return out
}
