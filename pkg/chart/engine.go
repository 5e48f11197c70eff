package chart

import (
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fluxorio/statechart/pkg/core"
)

// Record is one observation emitted during a macrostep, consumed by an
// ObservationHub subscriber.
type Record struct {
	Kind     string // "event", "step", "guard", "transition", "enter", "exit", "error"; the Machine adds "service" and "status", the Orchestrator "send", "send-dropped" and "broadcast"
	Detail   string
	Event    Event
	Err      error
	Duration time.Duration // populated on the "step" Record closing a Step call
}

// lifecycle is the set of side-effecting hooks the owning Machine installs
// on its Engine so that timer arming/cancellation and service
// launch/cancellation happen as a side effect of entry and exit, without
// the step algorithm itself knowing about goroutines or worker pools.
type lifecycle struct {
	onEnter func(n *Node)
	onExit  func(n *Node)
}

// Engine runs the macrostep algorithm against one Graph: transition
// selection, exit/entry set computation via the graph's LCCA helper,
// history capture/restore, and ordered action execution. It holds the live
// active configuration and is not itself safe for concurrent use — the
// owning per-machine loop (loop.go) guarantees only one goroutine ever
// calls Step/Start at a time.
type Engine struct {
	graph *Graph
	reg   *Registry
	store *ContextStore
	hooks lifecycle

	active       map[*Node]bool
	historyShallow map[*Node][]*Node
	historyDeep    map[*Node][]*Node

	observe func(Record)
	logger  core.Logger
	tracer  trace.Tracer

	selfFn      func(Event)
	sendFn      func(toID string, ev Event)
	broadcastFn func(ev Event)

	iterationCap int
}

// setActionHooks wires the closures an ActionContext exposes for
// self-enqueue, cross-machine send, and orchestrator broadcast. Called once
// by the owning Machine at construction.
func (e *Engine) setActionHooks(self func(Event), send func(string, Event), broadcast func(Event)) {
	e.selfFn = self
	e.sendFn = send
	e.broadcastFn = broadcast
}

// NewEngine creates a step engine bound to a built graph, a bound registry,
// and a context store. The returned engine has no active configuration
// until Start is called.
func NewEngine(g *Graph, reg *Registry, store *ContextStore, logger core.Logger) *Engine {
	e := &Engine{
		graph:          g,
		reg:            reg,
		store:          store,
		active:         make(map[*Node]bool),
		historyShallow: make(map[*Node][]*Node),
		historyDeep:    make(map[*Node][]*Node),
		logger:         logger,
		iterationCap:   1000,
	}
	store.setActiveConfigFunc(e.ActiveConfiguration)
	return e
}

func (e *Engine) setHooks(h lifecycle)            { e.hooks = h }
func (e *Engine) setObserver(fn func(Record))      { e.observe = fn }

func (e *Engine) emit(r Record) {
	if e.observe != nil {
		e.observe(r)
	}
}

// ActiveConfiguration returns the fully-qualified ids of every node in the
// current active configuration, in no particular order.
func (e *Engine) ActiveConfiguration() []string {
	out := make([]string, 0, len(e.active))
	for n := range e.active {
		out = append(out, n.ID)
	}
	return out
}

// ActiveLeaves returns the ids of the active configuration's leaf nodes
// (atomic or final states with no active children) — the conventional
// "current state" display for a machine with no parallel regions.
func (e *Engine) ActiveLeaves() []string {
	out := make([]string, 0)
	for n := range e.active {
		if !e.hasActiveChild(n) {
			out = append(out, n.ID)
		}
	}
	sort.Strings(out)
	return out
}

func (e *Engine) hasActiveChild(n *Node) bool {
	for _, c := range n.Children {
		if e.active[c] {
			return true
		}
	}
	return false
}

func (e *Engine) isActive(n *Node) bool { return e.active[n] }

// Start performs the initial entry into the machine: descending from the
// root through every compound node's initial child and every parallel
// node's regions, running entry actions and lifecycle hooks in document
// order, then settling any eventless transitions before returning.
func (e *Engine) Start() error {
	entrySet := e.defaultEntrySet(e.graph.Root)
	e.enter(entrySet)
	return e.settle()
}

// Step delivers one external (or pseudo-) event to the machine: a single
// macrostep followed by eventless settling to quiescence.
func (e *Engine) Step(ev Event) error {
	_, span := e.startStepSpan(ev)
	defer span.End()

	start := time.Now()
	e.emit(Record{Kind: "event", Detail: ev.Name, Event: ev})
	err := e.microstep(ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	// A conflict leaves the configuration exactly as it was; re-selecting
	// would just conflict again, so settling is skipped. An action error, by
	// contrast, is reported best-effort — the transition it belongs to has
	// already exited/entered, so eventless settling still needs a chance to
	// run against the new configuration.
	if _, conflict := err.(*ConflictError); !conflict {
		if settleErr := e.settle(); settleErr != nil {
			span.RecordError(settleErr)
			span.SetStatus(codes.Error, settleErr.Error())
			if err == nil {
				err = settleErr
			}
		}
	}
	e.emit(Record{Kind: "step", Detail: ev.Name, Event: ev, Duration: time.Since(start)})
	return err
}

// settle repeatedly takes eventless ("") transitions until none are
// enabled, bounded by iterationCap to surface a modeling bug as
// InfiniteLoopError rather than hanging the machine's loop goroutine. A
// ConflictError stops settling immediately (the configuration didn't move,
// so retrying would just conflict again); an ActionError is remembered and
// returned once settling runs dry rather than aborting the remaining rounds.
func (e *Engine) settle() error {
	var firstErr error
	for i := 0; i < e.iterationCap; i++ {
		selected := e.selectTransitions(Event{Name: EventEventless})
		if len(selected) == 0 {
			return firstErr
		}
		if err := e.applySelected(Event{Name: EventEventless}, selected); err != nil {
			if _, conflict := err.(*ConflictError); conflict {
				return err
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return &InfiniteLoopError{Event: EventEventless, Iterations: e.iterationCap}
}

func (e *Engine) microstep(ev Event) error {
	selected := e.selectTransitions(ev)
	if len(selected) == 0 {
		return nil
	}
	return e.applySelected(ev, selected)
}

// selectTransitions implements descendant-wins conflict resolution:
// active nodes are examined deepest-first, and once a node (or any of its
// ancestors) has contributed a selected transition, no ancestor further up
// that same lineage is allowed to also select one for this event. Disjoint
// parallel regions are unaffected, since a sibling region's lineage never
// shares nodes with the winner's below their common parallel ancestor.
func (e *Engine) selectTransitions(ev Event) []*Transition {
	actives := make([]*Node, 0, len(e.active))
	for n := range e.active {
		actives = append(actives, n)
	}
	sort.Slice(actives, func(i, j int) bool { return actives[i].Depth() > actives[j].Depth() })

	consumed := make(map[*Node]bool)
	var selected []*Transition

	for _, n := range actives {
		if consumed[n] {
			continue
		}
		t := e.firstEnabledTransition(n, ev)
		if t == nil {
			continue
		}
		selected = append(selected, t)
		for _, anc := range n.Path() {
			consumed[anc] = true
		}
	}
	return selected
}

func (e *Engine) firstEnabledTransition(n *Node, ev Event) *Transition {
	cands := n.On[ev.Name]
	if len(cands) == 0 {
		return nil
	}
	sorted := make([]*Transition, len(cands))
	copy(sorted, cands)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].docOrder < sorted[j].docOrder })

	for _, t := range sorted {
		if t.In != "" {
			target, ok := e.graph.Node(t.In)
			if !ok || !e.isActive(target) {
				continue
			}
		}
		if t.Guard == "" {
			return t
		}
		fn, ok := e.reg.guardFor(t.Guard)
		if !ok {
			e.emit(Record{Kind: "error", Detail: t.Guard, Err: &GuardError{Guard: t.Guard}})
			continue
		}
		gc := &GuardContext{Event: ev, store: e.store}
		pass, guardErr := func() (pass bool, guardErr error) {
			defer func() {
				if r := recover(); r != nil {
					pass, guardErr = false, fmt.Errorf("panic: %v", r)
				}
			}()
			return fn(gc), nil
		}()
		if guardErr != nil {
			e.emit(Record{Kind: "error", Detail: t.Guard, Err: &GuardError{Guard: t.Guard, Err: guardErr}})
			continue
		}
		if pass {
			e.emit(Record{Kind: "guard", Detail: t.Guard})
			return t
		}
		e.emit(Record{Kind: "guard", Detail: t.Guard, Err: errGuardRejected})
	}
	return nil
}

// errGuardRejected marks a "guard" Record as a rejection rather than a pass;
// it never propagates out of Step.
var errGuardRejected = &GuardError{Guard: "rejected"}

// applySelected executes one macrostep's worth of already-selected
// transitions: conflict-checks their exit sets, then for each transition
// exits, cancels lifecycle for exited nodes, runs transition actions, and
// enters the resolved entry set.
func (e *Engine) applySelected(ev Event, selected []*Transition) error {
	exitSets := make([][]*Node, len(selected))
	for i, t := range selected {
		if t.Kind == TransitionInternal {
			continue // internal transitions exit nothing; never a conflict participant
		}
		exitSets[i] = e.exitSetFor(t)
	}
	for i := 0; i < len(selected); i++ {
		for j := i + 1; j < len(selected); j++ {
			if overlaps(exitSets[i], exitSets[j]) {
				names := []string{selected[i].Source.ID, selected[j].Source.ID}
				return &ConflictError{Event: ev.Name, Nodes: names}
			}
		}
	}

	// An action error is reported, not fatal: the rest of this transition's
	// work (and any other selected transition) still runs best-effort, so a
	// broken action in one region never strands a sibling region mid-step.
	var firstErr error
	for i, t := range selected {
		e.emit(Record{Kind: "transition", Detail: t.Kind.String(), Event: ev})
		if t.Kind == TransitionInternal {
			if err := e.runActions(t.Actions, ev); err != nil && firstErr == nil {
				firstErr = err
			}
			continue
		}
		e.exit(exitSets[i])
		if err := e.runActions(t.Actions, ev); err != nil && firstErr == nil {
			firstErr = err
		}
		entrySet := e.entrySetFor(t)
		e.enter(entrySet)
	}
	return firstErr
}

func overlaps(a, b []*Node) bool {
	set := make(map[*Node]bool, len(a))
	for _, n := range a {
		set[n] = true
	}
	for _, n := range b {
		if set[n] {
			return true
		}
	}
	return false
}

// transitionAnchor returns the node exit/entry set computation is rooted at.
// For an ordinary transition that is the LCCA of source and targets; an
// external-self transition's LCCA is its own source (a self-loop), which
// would otherwise exclude the source from its own exit set, so it is
// anchored one level up at the source's parent instead — the source then
// falls out of the active configuration like any other descendant of the
// anchor and is re-entered via the normal default-entry descent.
func transitionAnchor(t *Transition) *Node {
	if t.Kind == TransitionExternalSelf && t.Source.Parent != nil {
		return t.Source.Parent
	}
	return lcca(append([]*Node{t.Source}, t.Targets...)...)
}

// exitSetFor returns the nodes to exit for transition t: every currently
// active descendant of the transition's anchor, ordered deepest-first so
// exit actions run leaf-to-root.
func (e *Engine) exitSetFor(t *Transition) []*Node {
	anchor := transitionAnchor(t)
	var out []*Node
	for n := range e.active {
		if n == anchor {
			continue
		}
		if anchor.IsAncestorOf(n) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Depth() > out[j].Depth() })
	return out
}

// entrySetFor returns the nodes to enter for transition t, in document/
// outermost-first order: the path from the transition's anchor down to each
// target, then each target's default (or history-restored) descent.
func (e *Engine) entrySetFor(t *Transition) []*Node {
	anchor := transitionAnchor(t)
	var out []*Node
	seen := make(map[*Node]bool)
	add := func(n *Node) {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	for _, target := range t.Targets {
		for _, n := range target.Path() {
			if n == anchor || !anchor.IsAncestorOf(n) {
				continue
			}
			add(n)
		}
		for _, n := range e.defaultEntrySet(target) {
			add(n)
		}
	}
	return out
}

// defaultEntrySet returns n plus the nodes n's own entry logic pulls in:
// history-slot restoration for a history pseudo-state, all regions for a
// parallel node, and the resolved initial child chain for a compound node.
// Atomic and final nodes contribute only themselves.
func (e *Engine) defaultEntrySet(n *Node) []*Node {
	switch n.Kind {
	case NodeHistoryShallow:
		if recorded, ok := e.historyShallow[n]; ok && len(recorded) > 0 {
			var out []*Node
			for _, r := range recorded {
				out = append(out, e.defaultEntrySet(r)...)
			}
			return out
		}
		if n.Parent != nil && n.Parent.Initial != nil {
			return e.defaultEntrySet(n.Parent.Initial)
		}
		return nil
	case NodeHistoryDeep:
		if recorded, ok := e.historyDeep[n]; ok && len(recorded) > 0 {
			return recorded
		}
		if n.Parent != nil && n.Parent.Initial != nil {
			return e.defaultEntrySet(n.Parent.Initial)
		}
		return nil
	case NodeParallel:
		out := []*Node{n}
		for _, c := range n.Children {
			out = append(out, e.defaultEntrySet(c)...)
		}
		return out
	case NodeCompound:
		out := []*Node{n}
		if n.Initial != nil {
			out = append(out, e.defaultEntrySet(n.Initial)...)
		}
		return out
	default: // atomic, final
		return []*Node{n}
	}
}

// Stop exits every node in the active configuration, deepest first, running
// exit actions and the lifecycle hook (timer/service cancellation)
// bottom-up, then clears the active configuration.
func (e *Engine) Stop() {
	nodes := make([]*Node, 0, len(e.active))
	for n := range e.active {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Depth() > nodes[j].Depth() })
	e.exit(nodes)
}

// exit removes nodes from the active configuration in the given order,
// capturing history for any exiting compound/parallel node that owns a
// history child, cancelling lifecycle hooks, then running exit actions.
func (e *Engine) exit(nodes []*Node) {
	for _, n := range nodes {
		e.captureHistory(n)
	}
	for _, n := range nodes {
		if e.hooks.onExit != nil {
			e.hooks.onExit(n)
		}
	}
	for _, n := range nodes {
		delete(e.active, n)
		e.emit(Record{Kind: "exit", Detail: n.ID})
		for _, action := range n.Exit {
			if err := e.runAction(action, Event{}); err != nil {
				e.emit(Record{Kind: "error", Detail: action, Err: err})
			}
		}
	}
}

// captureHistory records, for each history child of n, the nodes that
// would need to be restored if n is re-entered via that history pseudo-
// state: the direct active child (shallow) or the full active descendant
// leaf set (deep).
func (e *Engine) captureHistory(n *Node) {
	for _, c := range n.Children {
		switch c.Kind {
		case NodeHistoryShallow:
			for _, cc := range n.Children {
				if e.active[cc] && cc.Kind != NodeHistoryShallow && cc.Kind != NodeHistoryDeep {
					e.historyShallow[c] = []*Node{cc}
				}
			}
		case NodeHistoryDeep:
			var leaves []*Node
			for active := range e.active {
				if n.IsAncestorOf(active) && !e.hasActiveChild(active) {
					leaves = append(leaves, active)
				}
			}
			if len(leaves) > 0 {
				e.historyDeep[c] = leaves
			}
		}
	}
}

// enter adds nodes to the active configuration in order, running entry
// actions and the lifecycle hook, then synthesizes onDone for a compound
// parent whose only active child is a final state.
func (e *Engine) enter(nodes []*Node) {
	for _, n := range nodes {
		e.active[n] = true
		e.emit(Record{Kind: "enter", Detail: n.ID})
		for _, action := range n.Entry {
			if err := e.runAction(action, Event{}); err != nil {
				e.emit(Record{Kind: "error", Detail: action, Err: err})
			}
		}
		if e.hooks.onEnter != nil {
			e.hooks.onEnter(n)
		}
		e.checkDone(n)
	}
}

// checkDone raises a "done:<id>" pseudo-event when entering a final state
// completes its compound parent, or completes every region of a parallel
// parent. The event is delivered through the same self-enqueue path actions
// use, so it is processed on the next macrostep rather than re-entering the
// step algorithm recursively.
func (e *Engine) checkDone(n *Node) {
	if n.Kind != NodeFinal || n.Parent == nil {
		return
	}
	parent := n.Parent
	switch parent.Kind {
	case NodeCompound:
		e.postDone(parent)
	case NodeParallel:
		for _, region := range parent.Children {
			if !e.regionReachedFinal(region) {
				return
			}
		}
		e.postDone(parent)
	}
}

func (e *Engine) regionReachedFinal(region *Node) bool {
	if region.Kind == NodeFinal {
		return e.active[region]
	}
	for active := range e.active {
		if active.Kind == NodeFinal && region.IsAncestorOf(active) {
			return true
		}
	}
	return false
}

func (e *Engine) postDone(parent *Node) {
	if e.selfFn != nil {
		e.selfFn(Event{Name: DoneEventName(parent.ID)})
	}
}

// runActions runs every named action in document order, best-effort: a
// failing action is reported via an "error" Record but does not stop the
// rest of the list from running. It returns the first error encountered, if
// any, for the caller to propagate.
func (e *Engine) runActions(names []string, ev Event) error {
	var firstErr error
	for _, name := range names {
		if err := e.runAction(name, ev); err != nil {
			e.emit(Record{Kind: "error", Detail: name, Err: err})
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (e *Engine) runAction(name string, ev Event) (err error) {
	fns := e.reg.actionsFor(name)
	if len(fns) == 0 {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = &ActionError{Action: name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	ac := &ActionContext{Event: ev, store: e.store, self: e.selfFn, send: e.sendFn, broadcast: e.broadcastFn}
	for _, fn := range fns {
		if err := fn(ac); err != nil {
			return &ActionError{Action: name, Err: err}
		}
	}
	return nil
}
