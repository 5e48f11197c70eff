// Package chart is a Harel-statechart interpreter: parallel regions, shallow
// and deep history, guarded and `in`-conditioned transitions, delayed
// ("after") transitions, invoked services, and an actor-style orchestrator
// that routes events between many machines.
//
// A machine is built from a permissive JSON-like description (pkg/chart's
// document parser tolerates single quotes, unquoted keys, comments, and
// trailing commas), bound against a host-supplied Registry of named
// actions/guards/services, and driven one event at a time through its
// single-consumer event loop.
//
// Example:
//
//	reg := chart.NewRegistry()
//	reg.Action("log", func(ctx *chart.ActionContext) error { return nil })
//
//	g, seedCtx, err := chart.ParseAndBuild([]byte(`{
//	  id: 'trafficLight', initial: 'green',
//	  states: {
//	    green:  { on: { TIMER: 'yellow' } },
//	    yellow: { on: { TIMER: 'red' } },
//	    red:    { on: { TIMER: 'green' } },
//	  },
//	}`), reg)
//
//	m := chart.NewMachine(g, reg, seedCtx, chart.WithLogger(core.NewDefaultLogger()))
//	m.Start(ctx).Await(ctx)
//	m.Send(ctx, chart.Event{Name: "TIMER"})
package chart

import (
	"time"
)

// Event is a named occurrence delivered to a machine: an external send, a
// timer fire (after:<id>), a service completion (onDone/onError), or the
// eventless pseudo-event ("").
type Event struct {
	ID        string
	Name      string
	Data      interface{}
	Timestamp time.Time
}

// Reserved context keys under which service completion results and errors
// are stored before the corresponding onDone/onError transition runs.
const (
	ContextKeyServiceResult = "_result"
	ContextKeyServiceError  = "_error"
)

// Pseudo-event names recognized by the step engine.
const (
	EventEventless = ""
	EventOnDone    = "onDone"
	EventOnError   = "onError"
)

// AfterEventName returns the synthetic event name a timer posts when it
// fires: "after:<id>".
func AfterEventName(timerID string) string {
	return "after:" + timerID
}

// DoneEventName returns the synthetic event name raised when a compound
// state's final child is entered, or when every region of a parallel state
// has reached one of its own final children: "done:<id>".
func DoneEventName(nodeID string) string {
	return "done:" + nodeID
}

// MachineStatus is the coarse lifecycle/runtime status of a Machine.
type MachineStatus string

const (
	StatusConstructed MachineStatus = "constructed"
	StatusRunning     MachineStatus = "running"
	StatusError       MachineStatus = "error" // entered after an ActionError; still accepts events
	StatusStopped     MachineStatus = "stopped"
)

// ActionFunc is a host-supplied callback invoked for entry/exit/transition
// actions. It receives a mutable context handle and may enqueue events to
// itself or, via the orchestrator, to other machines. It must not block.
type ActionFunc func(ctx *ActionContext) error

// GuardFunc is a host-supplied pure predicate gating a transition. It
// receives a read-only context handle and must be fast and side-effect free.
type GuardFunc func(ctx *GuardContext) bool

// ServiceFunc is a host-supplied long-running task launched when its
// declaring node is entered. It receives no cancellation signal: when that
// node is exited first, the task runs on to completion and its result is
// discarded.
type ServiceFunc func(ctx *ActionContext) (interface{}, error)

// GuardContext is the read-only view of a machine's context map and the
// triggering event, passed to guard evaluation.
type GuardContext struct {
	Event Event
	store *ContextStore
}

// Get reads a context value by key.
func (g *GuardContext) Get(key string) (interface{}, bool) {
	return g.store.Get(key)
}

// ActiveConfiguration returns the fully-qualified ids of the nodes in the
// machine's current active configuration.
func (g *GuardContext) ActiveConfiguration() []string {
	return g.store.activeSnapshot()
}

// ActionContext is the mutable handle passed to actions and services. It
// exposes context read/write and the two sanctioned ways of producing
// further events: enqueueing a self-event, or — when the machine is
// attached to an orchestrator — sending to another machine by identifier.
type ActionContext struct {
	Event    Event
	store    *ContextStore
	self     func(Event)
	send     func(toID string, ev Event)
	broadcast func(ev Event)
}

// Get reads a context value by key.
func (a *ActionContext) Get(key string) (interface{}, bool) {
	return a.store.Get(key)
}

// Set writes a context value. Only the owning machine's event-loop thread
// ever calls this, so no synchronization is needed here.
func (a *ActionContext) Set(key string, value interface{}) {
	a.store.Set(key, value)
}

// Enqueue posts an event to this machine's own queue, processed after the
// current macrostep settles.
func (a *ActionContext) Enqueue(ev Event) {
	if a.self != nil {
		a.self(ev)
	}
}

// Send posts an event to another machine via the orchestrator. A no-op if
// the machine was constructed without one.
func (a *ActionContext) Send(toID string, ev Event) {
	if a.send != nil {
		a.send(toID, ev)
	}
}

// Broadcast fans an event out to this machine's orchestrator subscribers.
// A no-op if the machine was constructed without an orchestrator.
func (a *ActionContext) Broadcast(ev Event) {
	if a.broadcast != nil {
		a.broadcast(ev)
	}
}
