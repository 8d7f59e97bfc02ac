package orchestrator

import "context"

// TaskStatus is the lifecycle stage of a delegated Task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "Pending"
	TaskInProgress TaskStatus = "InProgress"
	TaskCompleted  TaskStatus = "Completed"
	TaskNeedsFix   TaskStatus = "NeedsFix"
	TaskBlocked    TaskStatus = "Blocked"
)

// AgentStatus is the lifecycle stage of a persisted Agent.
type AgentStatus string

const (
	AgentStatusPending   AgentStatus = "Pending"
	AgentStatusActive    AgentStatus = "Active"
	AgentStatusCompleted AgentStatus = "Completed"
	AgentStatusError     AgentStatus = "Error"
)

// Task is the unit of work a specialist agent is delegated. Field names
// mirror the sections the initial delegation prompt quotes verbatim.
type Task struct {
	ID                string
	Title             string
	Objective         string
	Scope             string
	DefinitionOfDone  string
	Verification      string
	Status            TaskStatus
	CompletionSummary string
}

// Agent is the persisted record behind an orchestrator-spawned child. It is
// the Store's view; ChildAgentRecord is the Orchestrator's own in-memory
// bookkeeping and carries additional routing fields the Store doesn't need.
type Agent struct {
	ID              string
	Name            string
	Role            string
	Status          AgentStatus
	ParentAgentID   string
	ParentSessionID string
	TaskID          string
}

// Store is the persistence capability the Orchestrator consumes. Its
// implementation (HTTP routing, schema, the actual database) lives outside
// this core's scope — this interface is the only contract bound here.
type Store interface {
	GetTask(ctx context.Context, id string) (*Task, error)
	SaveTask(ctx context.Context, task *Task) error
	SaveAgent(ctx context.Context, agent *Agent) error
	UpdateAgentStatus(ctx context.Context, id string, status AgentStatus) error
}
