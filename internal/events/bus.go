// Package events implements the priority-ordered pub/sub bus agents use to
// coordinate: task assignment, completion reports, and wait-group
// synchronization for delegated work.
package events

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/routa-run/routa/internal/logger"
	"github.com/routa-run/routa/internal/normalize"
)

// Subscription describes one agent's interest in the bus.
type Subscription struct {
	ID          string
	AgentID     string
	AgentName   string
	EventTypes  map[normalize.AgentEventType]bool
	ExcludeSelf bool
	OneShot     bool
	WaitGroupID string
	Priority    int32
}

func (s *Subscription) wants(et normalize.AgentEventType) bool {
	if len(s.EventTypes) == 0 {
		return true
	}
	return s.EventTypes[et]
}

// WaitGroup tracks delegated children the bus itself watches for
// completion, independent of the Orchestrator's own DelegationGroup
// bookkeeping. Emit marks an expected agent completed on AgentCompleted or
// ReportSubmitted and removes the group once every expected agent has
// completed; the bus invokes no callback when that happens. A group whose
// expected agents never complete stays registered indefinitely.
type WaitGroup struct {
	ID            string
	ParentAgentID string
	Expected      map[string]bool
	Completed     map[string]bool
}

func (g *WaitGroup) isComplete() bool {
	for id := range g.Expected {
		if !g.Completed[id] {
			return false
		}
	}
	return true
}

// completionEventTypes are the AgentEvent types that advance wait groups.
var completionEventTypes = map[normalize.AgentEventType]bool{
	normalize.AgentCompleted:  true,
	normalize.ReportSubmitted: true,
}

// handlerEntry is one registration for the direct on/off mechanism.
type handlerEntry struct {
	key string
	fn  func(normalize.AgentEvent)
}

// Bus is the thread-safe, in-memory EventBus. Agent-facing delivery goes
// through pending per-agent queues (emit/subscribe/drain_pending_events);
// a secondary on/off mechanism lets non-agent consumers (e.g. the trace
// pipeline) register direct handlers without polling a queue.
type Bus struct {
	log *logger.Logger

	mu            sync.RWMutex
	subscriptions map[string]*Subscription   // by subscription ID
	byAgent       map[string][]*Subscription // agent_id -> subs, kept priority-sorted
	pending       map[string][]normalize.AgentEvent
	waitGroups    map[string]*WaitGroup

	handlersMu sync.Mutex
	handlers   []handlerEntry

	pool *workerPool
}

// NewBus constructs a Bus backed by a bounded worker pool of the given
// size for direct-handler dispatch, so a pathological subscriber cannot
// exhaust OS threads the way one goroutine per emit would.
func NewBus(workers int, log *logger.Logger) *Bus {
	if workers <= 0 {
		workers = 8
	}
	return &Bus{
		log:           log.With(zap.String("component", "event-bus")),
		subscriptions: make(map[string]*Subscription),
		byAgent:       make(map[string][]*Subscription),
		pending:       make(map[string][]normalize.AgentEvent),
		waitGroups:    make(map[string]*WaitGroup),
		pool:          newWorkerPool(workers),
	}
}

// Subscribe registers sub, keeping its agent's subscription slice sorted
// descending by priority so emit delivers in priority order.
func (b *Bus) Subscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscriptions[sub.ID] = sub
	list := append(b.byAgent[sub.AgentID], sub)
	sort.SliceStable(list, func(i, j int) bool { return list[i].Priority > list[j].Priority })
	b.byAgent[sub.AgentID] = list
}

// Unsubscribe removes a subscription by ID.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeSubscriptionLocked(id)
}

// removeSubscriptionLocked must be called with mu held for writing.
func (b *Bus) removeSubscriptionLocked(id string) {
	sub, ok := b.subscriptions[id]
	if !ok {
		return
	}
	delete(b.subscriptions, id)

	list := b.byAgent[sub.AgentID]
	for i, s := range list {
		if s.ID == id {
			b.byAgent[sub.AgentID] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

// ListSubscriptions returns agentID's subscriptions, priority-ordered.
func (b *Bus) ListSubscriptions(agentID string) []*Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Subscription, len(b.byAgent[agentID]))
	copy(out, b.byAgent[agentID])
	return out
}

// Emit delivers event to every matching subscription, priority-first,
// removes one-shot subscriptions that matched, and advances any wait
// groups the event's agent belongs to. The scan holds the write lock for
// its whole duration, matching the spec's "emit holds one write lock for
// the duration of the scan" guarantee.
func (b *Bus) Emit(event normalize.AgentEvent) {
	b.mu.Lock()

	var oneShotMatched []string
	for agentID, subs := range b.byAgent {
		for _, sub := range subs {
			if sub.ExcludeSelf && event.AgentID == agentID {
				continue
			}
			if !sub.wants(event.Type) {
				continue
			}
			b.pending[agentID] = append(b.pending[agentID], event)
			if sub.OneShot {
				oneShotMatched = append(oneShotMatched, sub.ID)
			}
		}
	}
	for _, id := range oneShotMatched {
		b.removeSubscriptionLocked(id)
	}

	var completedGroups []*WaitGroup
	if completionEventTypes[event.Type] {
		for _, g := range b.waitGroups {
			if !g.Expected[event.AgentID] {
				continue
			}
			g.Completed[event.AgentID] = true
			if g.isComplete() {
				completedGroups = append(completedGroups, g)
				delete(b.waitGroups, g.ID)
			}
		}
	}

	b.mu.Unlock()

	for _, g := range completedGroups {
		b.log.Debug("wait group complete", zap.String("group_id", g.ID), zap.String("parent_agent_id", g.ParentAgentID))
	}

	b.dispatchHandlers(event)
}

// DrainPendingEvents returns and clears agentID's pending queue.
func (b *Bus) DrainPendingEvents(agentID string) []normalize.AgentEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	events := b.pending[agentID]
	delete(b.pending, agentID)
	return events
}

// RegisterWaitGroup installs g so future Emit calls can advance it.
func (b *Bus) RegisterWaitGroup(g *WaitGroup) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.waitGroups[g.ID] = g
}

// On registers a direct handler under key, replacing any previous
// registration with the same key.
func (b *Bus) On(key string, fn func(normalize.AgentEvent)) {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	for i, h := range b.handlers {
		if h.key == key {
			b.handlers[i].fn = fn
			return
		}
	}
	b.handlers = append(b.handlers, handlerEntry{key: key, fn: fn})
}

// Off removes the direct handler registered under key.
func (b *Bus) Off(key string) {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	for i, h := range b.handlers {
		if h.key == key {
			b.handlers = append(b.handlers[:i], b.handlers[i+1:]...)
			return
		}
	}
}

func (b *Bus) dispatchHandlers(event normalize.AgentEvent) {
	b.handlersMu.Lock()
	fns := make([]func(normalize.AgentEvent), len(b.handlers))
	for i, h := range b.handlers {
		fns[i] = h.fn
	}
	b.handlersMu.Unlock()

	for _, fn := range fns {
		fn := fn
		b.pool.submit(func() { fn(event) })
	}
}

// Close stops direct-handler dispatch: handlers already queued in the
// worker pool still run, and Close returns once they have. Later Emit calls
// still fill pending queues but no longer invoke direct handlers. Pending
// per-agent queues and subscriptions are left intact.
func (b *Bus) Close() {
	b.pool.stop()
}
