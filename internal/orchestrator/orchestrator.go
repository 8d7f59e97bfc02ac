// Package orchestrator implements task delegation between agents: spawning
// a specialist child session for a task, tracking it until it reports
// back, and waking the parent session with a synthetic prompt once its
// delegated work (or a whole group of it) completes.
package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/routa-run/routa/internal/logger"
	"github.com/routa-run/routa/internal/normalize"
	"github.com/routa-run/routa/internal/tracing"
)

// ErrPromptAfterSpawn marks the open-question decision for a failed
// initial-prompt send after a successful spawn: the session is kept alive
// and the task is NOT transitioned to Blocked, since a retried prompt may
// still succeed. Wraps the underlying send error.
var ErrPromptAfterSpawn = fmt.Errorf("prompt failed after successful spawn")

// WaitMode controls whether a delegated child's completion wakes its
// parent immediately or is batched with siblings into one group wake.
type WaitMode string

const (
	WaitImmediate WaitMode = "immediate"
	WaitAfterAll  WaitMode = "after_all"
)

// ChildAgentRecord is the Orchestrator's own bookkeeping for one delegated
// child, distinct from the Store's Agent (which is the persisted record;
// this is the in-memory routing entry used to wake the parent and to
// resolve group membership).
type ChildAgentRecord struct {
	AgentID         string
	SessionID       string
	ParentAgentID   string
	ParentSessionID string
	TaskID          string
	Role            string
	Provider        string
	// GroupID is non-empty when this child was delegated with
	// wait_mode=after_all and is still (or was, at completion time) a
	// member of a DelegationGroup.
	GroupID string
}

// DelegationGroup batches several children delegated with
// wait_mode=after_all under one parent; the group fires its wake prompt
// only once every expected child has reported.
type DelegationGroup struct {
	GroupID         string
	ParentAgentID   string
	ParentSessionID string
	Expected        []string
	Completed       map[string]bool
}

func (g *DelegationGroup) isComplete() bool {
	return len(g.Completed) >= len(g.Expected)
}

// SessionManager is the subset of AgentManager the Orchestrator drives:
// spawn a child session, send it its initial prompt or wake prompt, and
// kill it during cleanup. Satisfied by *manager.Manager.
type SessionManager interface {
	CreateSession(ctx context.Context, sessionID, cwd, workspaceID, provider, role, model string) error
	Prompt(ctx context.Context, sessionID, text string) (string, error)
	KillSession(sessionID string) error
}

// EventPublisher is the subset of EventBus the Orchestrator emits
// coordination signals on. Satisfied by *events.Bus.
type EventPublisher interface {
	Emit(event normalize.AgentEvent)
}

// Report is what a child passes to handle_report_submitted when it calls
// its report_to_parent tool.
type Report struct {
	TaskID  string
	Summary string
	Success bool
}

// Orchestrator maintains the four delegation tables described in spec
// §4.4: child agent records, the agent→session map, delegation groups, and
// each parent's currently-open group.
type Orchestrator struct {
	log     *logger.Logger
	store   Store
	manager SessionManager
	bus     EventPublisher

	idGen func() string

	specialistsMu sync.RWMutex
	specialists   map[string]SpecialistConfig

	mu                 sync.Mutex
	childAgents        map[string]*ChildAgentRecord // agent_id -> record
	agentSessionMap    map[string]string            // agent_id -> session_id
	delegationGroups   map[string]*DelegationGroup  // group_id -> group
	activeGroupByAgent map[string]string            // parent_agent_id -> group_id
}

// New constructs an Orchestrator with the three seeded specialists and no
// delegations yet in flight.
func New(log *logger.Logger, store Store, manager SessionManager, bus EventPublisher) *Orchestrator {
	return &Orchestrator{
		log:                log.With(zap.String("component", "orchestrator")),
		store:              store,
		manager:            manager,
		bus:                bus,
		idGen:              func() string { return uuid.New().String() },
		specialists:        defaultSpecialists(),
		childAgents:        make(map[string]*ChildAgentRecord),
		agentSessionMap:    make(map[string]string),
		delegationGroups:   make(map[string]*DelegationGroup),
		activeGroupByAgent: make(map[string]string),
	}
}

// buildInitialPrompt renders the prompt a freshly spawned specialist child
// receives as its first turn, per spec §4.4 step 4.
func buildInitialPrompt(cfg SpecialistConfig, childID, parentID string, task *Task) string {
	return fmt.Sprintf(
		"%s\n\n---\n\n**Your Agent ID:** %s\n**Your Parent Agent ID:** %s\n**Task ID:** %s\n\n"+
			"# Task: %s\n\n## Objective\n%s\n\n## Scope\n%s\n\n## Definition of Done\n%s\n\n## Verification\n%s\n\n"+
			"---\n**Reminder:** %s\n\n**SCOPE: Complete THIS task only.** When done, call report_to_parent.",
		cfg.SystemPrompt, childID, parentID, task.ID,
		task.Title, task.Objective, task.Scope, task.DefinitionOfDone, task.Verification,
		cfg.RoleReminder,
	)
}

// individualWakePrompt renders the wake-up prompt sent to a parent whose
// single delegated child just reported, per spec §4.4.
func individualWakePrompt(agentName, agentID, taskTitle, status, summary string) string {
	return fmt.Sprintf(
		"## Agent Completion Report\n\n**Agent:** %s (%s)\n**Task:** %s\n**Status:** %s\n**Summary:** %s\n\n"+
			"Review the results and decide next steps.",
		agentName, agentID, taskTitle, status, summary,
	)
}

// groupWakePrompt renders the wake-up prompt sent to a parent once every
// child in its delegation group has reported, per spec §4.4.
const groupWakePrompt = "## Delegation Group Complete\n\n" +
	"All delegated agents have completed their work.\n" +
	"Review the results and decide next steps.\n" +
	"You may want to delegate a GATE (verifier) agent to validate the work."

// DelegateTaskWithSpawn implements spec §4.4's nine-step
// delegate_task_with_spawn flow: resolve the specialist, look up the task,
// persist the child agent record, spawn its session, send its initial
// prompt, register it for completion tracking, and emit TaskAssigned.
func (o *Orchestrator) DelegateTaskWithSpawn(ctx context.Context, taskID, callerAgentID, callerSessionID, specialist, provider, cwd string, waitMode WaitMode) (string, error) {
	ctx, span := tracing.StartDelegation(ctx, taskID, specialist, callerSessionID)
	var spawnErr error
	defer func() { tracing.EndWithError(span, spawnErr) }()

	cfg, err := o.resolveSpecialist(specialist)
	if err != nil {
		spawnErr = err
		return "", err
	}

	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		spawnErr = fmt.Errorf("get task %s: %w", taskID, err)
		return "", spawnErr
	}

	childID := o.idGen()
	if err := o.store.SaveAgent(ctx, &Agent{
		ID:              childID,
		Role:            cfg.Role,
		Status:          AgentStatusPending,
		ParentAgentID:   callerAgentID,
		ParentSessionID: callerSessionID,
		TaskID:          taskID,
	}); err != nil {
		spawnErr = fmt.Errorf("save agent %s: %w", childID, err)
		return "", spawnErr
	}
	task.Status = TaskInProgress
	if err := o.store.SaveTask(ctx, task); err != nil {
		spawnErr = fmt.Errorf("save task %s: %w", taskID, err)
		return "", spawnErr
	}

	prompt := buildInitialPrompt(cfg, childID, callerAgentID, task)

	sessionID := o.idGen()
	if err := o.manager.CreateSession(ctx, sessionID, cwd, "", provider, cfg.Role, cfg.DefaultModel); err != nil {
		o.failSpawn(ctx, childID, task)
		spawnErr = fmt.Errorf("create session for %s: %w", childID, err)
		return "", spawnErr
	}

	if _, err := o.manager.Prompt(ctx, sessionID, prompt); err != nil {
		// Open question decision: keep the session alive, do not mark the
		// task Blocked; the caller may retry the prompt later.
		o.log.Warn("initial delegation prompt failed after spawn",
			zap.String("child_agent_id", childID), zap.Error(err))
		o.bus.Emit(normalize.NewAgentEvent(normalize.AgentError, childID, "", map[string]any{"task_id": taskID, "reason": err.Error()}))
		spawnErr = fmt.Errorf("%w: %v", ErrPromptAfterSpawn, err)
		return childID, spawnErr
	}

	record := &ChildAgentRecord{
		AgentID:         childID,
		SessionID:       sessionID,
		ParentAgentID:   callerAgentID,
		ParentSessionID: callerSessionID,
		TaskID:          taskID,
		Role:            cfg.Role,
		Provider:        provider,
	}

	o.mu.Lock()
	if waitMode == WaitAfterAll {
		groupID, ok := o.activeGroupByAgent[callerAgentID]
		if !ok {
			groupID = o.idGen()
			o.delegationGroups[groupID] = &DelegationGroup{
				GroupID:         groupID,
				ParentAgentID:   callerAgentID,
				ParentSessionID: callerSessionID,
				Completed:       make(map[string]bool),
			}
			o.activeGroupByAgent[callerAgentID] = groupID
		}
		group := o.delegationGroups[groupID]
		group.Expected = append(group.Expected, childID)
		record.GroupID = groupID
	}
	o.childAgents[childID] = record
	o.agentSessionMap[childID] = sessionID
	o.mu.Unlock()

	o.bus.Emit(normalize.NewAgentEvent(normalize.TaskAssigned, childID, "", map[string]any{
		"task_id":         taskID,
		"parent_agent_id": callerAgentID,
	}))

	return childID, nil
}

// failSpawn applies spec §4.4's failure-semantics rollback: the agent goes
// to Error, the task to Blocked, an event is emitted. The caller still gets
// a plain error back — delegation failure is never fatal to the caller,
// but that decision belongs above this package.
func (o *Orchestrator) failSpawn(ctx context.Context, childID string, task *Task) {
	_ = o.store.UpdateAgentStatus(ctx, childID, AgentStatusError)
	task.Status = TaskBlocked
	_ = o.store.SaveTask(ctx, task)
	o.bus.Emit(normalize.NewAgentEvent(normalize.AgentError, childID, "", map[string]any{"task_id": task.ID, "reason": "spawn failed"}))
}

// GetChildAgent returns the in-memory record for agent_id, if any.
func (o *Orchestrator) GetChildAgent(agentID string) (*ChildAgentRecord, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.childAgents[agentID]
	return r, ok
}

// ListChildren returns every child currently delegated under
// parentAgentID, in no particular order.
func (o *Orchestrator) ListChildren(parentAgentID string) []ChildAgentRecord {
	o.mu.Lock()
	defer o.mu.Unlock()

	var out []ChildAgentRecord
	for _, r := range o.childAgents {
		if r.ParentAgentID == parentAgentID {
			out = append(out, *r)
		}
	}
	return out
}

// HandleReportSubmitted is the child→parent completion entry point,
// invoked when a child calls its report_to_parent tool. An unknown
// child_agent_id is logged and ignored: an orphaned report must never
// crash the coordinator.
func (o *Orchestrator) HandleReportSubmitted(ctx context.Context, childAgentID string, report Report) error {
	o.mu.Lock()
	record, ok := o.childAgents[childAgentID]
	o.mu.Unlock()
	if !ok {
		o.log.Warn("report_submitted for unknown child agent, ignoring",
			zap.String("child_agent_id", childAgentID))
		return nil
	}

	task, err := o.store.GetTask(ctx, report.TaskID)
	if err != nil {
		return fmt.Errorf("get task %s: %w", report.TaskID, err)
	}
	task.CompletionSummary = report.Summary
	if report.Success {
		task.Status = TaskCompleted
	} else {
		task.Status = TaskNeedsFix
	}
	if err := o.store.SaveTask(ctx, task); err != nil {
		return fmt.Errorf("save task %s: %w", report.TaskID, err)
	}
	if err := o.store.UpdateAgentStatus(ctx, childAgentID, AgentStatusCompleted); err != nil {
		return fmt.Errorf("update agent status %s: %w", childAgentID, err)
	}

	status := "Completed"
	if !report.Success {
		status = "NeedsFix"
	}

	eventType := normalize.TaskCompleted
	if !report.Success {
		eventType = normalize.TaskFailed
	}
	o.bus.Emit(normalize.NewAgentEvent(eventType, childAgentID, "", map[string]any{
		"task_id": report.TaskID, "summary": report.Summary,
	}))
	o.bus.Emit(normalize.NewAgentEvent(normalize.ReportSubmitted, childAgentID, "", map[string]any{
		"task_id": report.TaskID,
	}))

	wake, wakeSessionID, fire := o.resolveCompletion(record)
	if !fire {
		return nil
	}

	if wake == "" {
		wake = individualWakePrompt(record.Role, childAgentID, task.Title, status, report.Summary)
	}

	if _, err := o.manager.Prompt(ctx, wakeSessionID, wake); err != nil {
		o.log.Warn("wake prompt failed", zap.String("parent_session_id", wakeSessionID), zap.Error(err))
		return fmt.Errorf("wake parent %s: %w", wakeSessionID, err)
	}
	return nil
}

// resolveCompletion applies spec §4.4's completion semantics: a grouped
// child only fires once its whole group is done; an ungrouped child always
// fires. The write lock is released before this returns so the caller can
// send the wake prompt without holding it across an async Manager call, per
// spec §5's "a drop happens before the wake prompt" rule.
func (o *Orchestrator) resolveCompletion(record *ChildAgentRecord) (wakeText, wakeSessionID string, fire bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if record.GroupID == "" {
		return "", record.ParentSessionID, true
	}

	group, ok := o.delegationGroups[record.GroupID]
	if !ok {
		// Group already fired and was removed; this child's completion
		// was already accounted for, or the bookkeeping raced — either
		// way there is nothing left to wake.
		return "", "", false
	}
	group.Completed[record.AgentID] = true
	if !group.isComplete() {
		return "", "", false
	}

	delete(o.delegationGroups, group.GroupID)
	if o.activeGroupByAgent[group.ParentAgentID] == group.GroupID {
		delete(o.activeGroupByAgent, group.ParentAgentID)
	}
	return groupWakePrompt, group.ParentSessionID, true
}

// Cleanup drops every child record whose own session_id or parent
// session_id matches sessionID, killing each child's session concurrently.
// Called when a root session ends.
func (o *Orchestrator) Cleanup(sessionID string) {
	o.mu.Lock()
	var toKill []string
	for agentID, r := range o.childAgents {
		if r.SessionID == sessionID || r.ParentSessionID == sessionID {
			toKill = append(toKill, r.SessionID)
			delete(o.childAgents, agentID)
			delete(o.agentSessionMap, agentID)
		}
	}
	o.mu.Unlock()

	var g errgroup.Group
	for _, childSessionID := range toKill {
		childSessionID := childSessionID
		g.Go(func() error {
			if err := o.manager.KillSession(childSessionID); err != nil {
				o.log.Warn("cleanup: kill child session failed",
					zap.String("session_id", childSessionID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}
