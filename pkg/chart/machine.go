package chart

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/fluxorio/statechart/pkg/core"
	"github.com/fluxorio/statechart/pkg/fluxor"
	"github.com/fluxorio/statechart/pkg/worker"
)

// Machine is one running statechart instance: a bound Graph, its context
// store, and the single goroutine that serializes every event through the
// step engine. All public methods are safe to call from any goroutine;
// only runLoop ever touches the engine directly.
type Machine struct {
	graph *Graph
	reg   *Registry
	store *ContextStore

	engine   *Engine
	timers   *timerManager
	services *serviceManager

	logger       core.Logger
	hub          *ObservationHub
	orchestrator *Orchestrator
	workerPool   *worker.WorkerPool
	tracer       trace.Tracer

	events chan envelope

	mu     sync.RWMutex
	status MachineStatus

	waitersMu   sync.Mutex
	waiters     []*waiter
	waiterCheck chan struct{} // nudges runLoop to re-run checkWaiters outside the normal event path

	stopCh       chan struct{}
	doneCh       chan struct{}
	startOnce    sync.Once
	stopOnce     sync.Once
	startPromise *fluxor.PromiseT[string]
}

// Option configures a Machine at construction time.
type Option func(*Machine)

// WithLogger sets the logger used for step-error diagnostics.
func WithLogger(l core.Logger) Option { return func(m *Machine) { m.logger = l } }

// WithObservationHub attaches the hub every engine Record is fanned out to.
func WithObservationHub(h *ObservationHub) Option { return func(m *Machine) { m.hub = h } }

// WithOrchestrator attaches the multi-machine registry this machine can
// send to and broadcast through, and registers the machine under its
// graph's MachineID.
func WithOrchestrator(o *Orchestrator) Option { return func(m *Machine) { m.orchestrator = o } }

// WithWorkerPool routes invoked services through a shared bounded pool
// instead of a bare goroutine per invocation.
func WithWorkerPool(p *worker.WorkerPool) Option { return func(m *Machine) { m.workerPool = p } }

// WithTracer wraps every Step call in a span from t. Without this option,
// Step still traces through otel's default global tracer, which is a no-op
// until a host registers its own TracerProvider (NewStdoutTracerProvider,
// or one wired to a real collector).
func WithTracer(t trace.Tracer) Option {
	return func(m *Machine) { m.tracer = t }
}

// NewMachine builds a Machine ready to Start from a bound Graph, the same
// Registry it was built with, and an optional seed context (the parsed
// document's top-level `context` object, typically).
func NewMachine(g *Graph, reg *Registry, initialContext map[string]interface{}, opts ...Option) *Machine {
	store := NewContextStore(initialContext)
	m := &Machine{
		graph:        g,
		reg:          reg,
		store:        store,
		logger:       core.NewDefaultLogger(),
		events:       make(chan envelope, 256),
		status:       StatusConstructed,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
		startPromise: fluxor.NewPromiseT[string](),
		waiterCheck:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.engine = NewEngine(g, reg, store, m.logger)
	m.engine.setActionHooks(m.enqueue, m.sendToOther, m.broadcast)
	m.engine.setTracer(m.tracer)
	m.engine.setObserver(func(r Record) {
		if m.hub != nil {
			m.hub.emit(g.MachineID, r)
		}
	})

	m.timers = newTimerManager(m.enqueue)
	m.services = newServiceManager(m.workerPool, reg, store, m.enqueue)
	m.engine.setHooks(lifecycle{
		onEnter: func(n *Node) { m.timers.arm(n); m.services.launch(n) },
		onExit:  func(n *Node) { m.timers.cancel(n); m.services.cancel(n) },
	})

	if m.orchestrator != nil {
		m.orchestrator.register(g.MachineID, m)
	}
	return m
}

func (m *Machine) sendToOther(toID string, ev Event) {
	if m.orchestrator != nil {
		m.orchestrator.Send(m.graph.MachineID, toID, ev)
	}
}

func (m *Machine) broadcast(ev Event) {
	if m.orchestrator != nil {
		m.orchestrator.Broadcast(m.graph.MachineID, ev)
	}
}

func (m *Machine) setStatus(s MachineStatus) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
	if m.hub != nil {
		m.hub.emit(m.graph.MachineID, Record{Kind: "status", Detail: string(s)})
	}
}

// Status returns the machine's current lifecycle status.
func (m *Machine) Status() MachineStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// ID returns the machine's identifier, as declared in its description.
func (m *Machine) ID() string { return m.graph.MachineID }

// Start performs the initial entry and launches the machine's event loop.
// The returned future resolves with the semicolon-joined active leaf state
// names once the initial configuration (including any eventless settling)
// is reached. Calling Start more than once returns the same future.
func (m *Machine) Start(ctx context.Context) *fluxor.FutureT[string] {
	m.startOnce.Do(func() {
		go m.runLoop()
	})
	return &m.startPromise.FutureT
}

// Send enqueues an external event and returns a future that resolves with
// the active leaf state names once that event's macrostep (and any
// eventless settling it triggers) has completed. A runtime step error is
// reported to the ObservationHub rather than failing this future — the
// machine remains responsive and the future still resolves with whatever
// configuration resulted.
func (m *Machine) Send(ctx context.Context, ev Event) *fluxor.FutureT[string] {
	promise := fluxor.NewPromiseT[string]()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if ev.ID == "" {
		ev.ID = core.GenerateRequestID()
	}
	m.mu.RLock()
	stopped := m.status == StatusStopped
	m.mu.RUnlock()
	if stopped {
		promise.Fail(ErrMachineStopped)
		return &promise.FutureT
	}
	select {
	case m.events <- envelope{ev: ev, promise: promise}:
	case <-ctx.Done():
		promise.Fail(ctx.Err())
	}
	return &promise.FutureT
}

// WaitForState returns a future that resolves with the active leaf state
// names as soon as the node named by partialID (a fully-qualified id, or a
// bare leaf name) enters the active configuration, or fails with
// ErrTimeout if timeout elapses first.
func (m *Machine) WaitForState(partialID string, timeout time.Duration) *fluxor.FutureT[string] {
	promise := fluxor.NewPromiseT[string]()
	n, ok := m.resolveWaitTarget(partialID)
	if !ok {
		promise.Fail(&GraphError{Reason: "WaitForState: unknown state '" + partialID + "'"})
		return &promise.FutureT
	}

	// The active configuration is only ever read or mutated on runLoop's
	// goroutine (engine.go's owning-goroutine invariant), so this can't
	// check isActive directly: it registers a waiter unconditionally and
	// asks runLoop to evaluate it via checkWaiters, same as every other
	// waiter resolution.
	w := &waiter{matchID: n.ID, promise: promise}
	w.timer = time.AfterFunc(timeout, func() {
		promise.Fail(ErrTimeout)
	})
	m.waitersMu.Lock()
	m.waiters = append(m.waiters, w)
	m.waitersMu.Unlock()

	select {
	case m.waiterCheck <- struct{}{}:
	default:
	}
	return &promise.FutureT
}

func (m *Machine) resolveWaitTarget(partialID string) (*Node, bool) {
	if n, ok := m.graph.Node(partialID); ok {
		return n, true
	}
	for _, n := range m.graph.Nodes() {
		if leafName(n.ID) == partialID {
			return n, true
		}
	}
	return nil, false
}

// GetActiveStateNames returns the active configuration as a semicolon-
// joined string of fully-qualified ids. When leafOnly is true, only leaf
// (childless-in-the-active-configuration) nodes are included, which is the
// conventional "current state" display for a machine without parallel
// regions.
func (m *Machine) GetActiveStateNames(leafOnly bool) string {
	if leafOnly {
		return m.activeSnapshotString()
	}
	all := m.engine.ActiveConfiguration()
	sort.Strings(all)
	return strings.Join(all, ";")
}

// Stop halts the machine's event loop, cancels any outstanding timers, and
// causes subsequent Send calls to fail with ErrMachineStopped.
func (m *Machine) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
}

// Done returns a channel closed once the event loop has fully exited,
// useful for waiting out a Stop.
func (m *Machine) Done() <-chan struct{} { return m.doneCh }
