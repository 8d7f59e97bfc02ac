package orchestrator

import (
	"fmt"
	"strings"
)

// coordinatorRole is the one role delegate_task_with_spawn refuses to
// spawn: the coordinator delegates work, it is never delegated to.
const coordinatorRole = "routa"

// SpecialistConfig is a delegation target's fixed configuration: the system
// prompt its child session is spawned with, the reminder appended to every
// initial task prompt, and the model tier used when the caller doesn't
// override one.
type SpecialistConfig struct {
	Role         string
	SystemPrompt string
	RoleReminder string
	DefaultModel string
}

// defaultSpecialists seeds the three roles that can be delegated to
// (crafter, gate, developer); the coordinator role is rejected by
// resolveSpecialist. Callers extend
// this table at runtime via RegisterSpecialist rather than editing it.
func defaultSpecialists() map[string]SpecialistConfig {
	return map[string]SpecialistConfig{
		"crafter": {
			Role:         "crafter",
			SystemPrompt: "You are CRAFTER, a focused implementation agent. You write code to satisfy exactly the task you are given.",
			RoleReminder: "Stay within your assigned task's scope. Do not refactor unrelated code.",
			DefaultModel: "sonnet",
		},
		"gate": {
			Role:         "gate",
			SystemPrompt: "You are GATE, a verification agent. You check another agent's work against its definition of done and report pass or fail.",
			RoleReminder: "Verify, don't fix. If the work fails, report exactly why.",
			DefaultModel: "sonnet",
		},
		"developer": {
			Role:         "developer",
			SystemPrompt: "You are DEVELOPER, a general-purpose engineering agent capable of both implementation and verification work.",
			RoleReminder: "Complete the task end to end, including any tests it calls for.",
			DefaultModel: "sonnet",
		},
	}
}

// resolveSpecialist looks up name case-insensitively and rejects the
// coordinator role, which cannot be delegated to.
func (o *Orchestrator) resolveSpecialist(name string) (SpecialistConfig, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == coordinatorRole {
		return SpecialistConfig{}, fmt.Errorf("specialist %q is the coordinator role and cannot be delegated to", name)
	}

	o.specialistsMu.RLock()
	defer o.specialistsMu.RUnlock()

	cfg, ok := o.specialists[key]
	if !ok {
		return SpecialistConfig{}, fmt.Errorf("unknown specialist %q", name)
	}
	return cfg, nil
}

// RegisterSpecialist adds or replaces a specialist configuration, keyed
// case-insensitively. It is the extension point for roles beyond the three
// seeded by defaultSpecialists.
func (o *Orchestrator) RegisterSpecialist(name string, cfg SpecialistConfig) {
	key := strings.ToLower(strings.TrimSpace(name))

	o.specialistsMu.Lock()
	defer o.specialistsMu.Unlock()
	o.specialists[key] = cfg
}
