package chart

import (
	"errors"
	"fmt"
)

// ParseError is returned by the document parser for malformed input.
// It is fatal to construction.
type ParseError struct {
	Line   int
	Column int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at %d:%d: %s", e.Line, e.Column, e.Reason)
}

// BindError is returned when a description references an action, guard, or
// service name that was not supplied to the registry. Fatal to construction.
type BindError struct {
	Kind string // "action", "guard", or "service"
	Name string
	Node string
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind error: unregistered %s %q referenced by %s", e.Kind, e.Name, e.Node)
}

// GraphError reports a structural violation found while building the state
// graph: a missing initial child, an unresolved transition target, or an
// unguarded eventless transition that keeps its own source active (longer
// eventless cycles through distinct states are not detected). Fatal to
// construction.
type GraphError struct {
	Reason string
}

func (e *GraphError) Error() string {
	return "graph error: " + e.Reason
}

// ConflictError is raised at step time when transitions selected from
// parallel regions have overlapping exit sets. The step is aborted and the
// machine remains in its pre-step configuration.
type ConflictError struct {
	Event string
	Nodes []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict error: transitions for event %q have overlapping exit sets: %v", e.Event, e.Nodes)
}

// GuardError wraps a panic or error raised by a guard callback. Treated as
// guard-false; reported to the observation hook, never propagated.
type GuardError struct {
	Guard string
	Err   error
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("guard %q failed: %v", e.Guard, e.Err)
}

func (e *GuardError) Unwrap() error { return e.Err }

// ActionError wraps a panic or error raised by an action callback. The step
// completes its remaining actions best-effort and the machine enters the
// distinguished Error runtime status; further events are still accepted.
type ActionError struct {
	Action string
	Node   string
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %q (node %s) failed: %v", e.Action, e.Node, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// ServiceError wraps a failure raised by an invoked service. It synthesizes
// an onError event carrying the message in a reserved context key rather
// than propagating to the caller.
type ServiceError struct {
	Service string
	Node    string
	Err     error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("service %q (node %s) failed: %v", e.Service, e.Node, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// InfiniteLoopError is raised when eventless-transition settling exceeds the
// configured iteration cap within a single macrostep.
type InfiniteLoopError struct {
	Event      string
	Iterations int
}

func (e *InfiniteLoopError) Error() string {
	return fmt.Sprintf("infinite loop: eventless settling exceeded %d iterations after event %q", e.Iterations, e.Event)
}

// ErrTimeout is returned by WaitForState when the deadline elapses before
// the target state is observed. It is never raised from within the core.
var ErrTimeout = errors.New("chart: wait for state timed out")

// ErrMachineStopped is returned when an operation is attempted against a
// machine that has already reached its Stopped lifecycle phase.
var ErrMachineStopped = errors.New("chart: machine is stopped")

// ErrUnknownMachine is returned by orchestrator operations addressing an
// identifier that is not currently registered.
var ErrUnknownMachine = errors.New("chart: unknown machine identifier")

// ErrAlreadyStarted reports a second start of an already-started machine.
// Machine.Start does not return it: a repeated Start call returns the first
// call's future.
var ErrAlreadyStarted = errors.New("chart: machine already started")
