package chart

import (
	"context"
	"sync"

	"github.com/fluxorio/statechart/pkg/worker"
)

// serviceManager launches invoked services on a shared worker pool when
// their owning node is entered, and cancels them when that node is exited.
// Cancelling does not interrupt a running service; its eventual result is
// discarded rather than posted, so
// a machine that has already moved past an invoking state never observes a
// stale onDone/onError for it.
type serviceManager struct {
	pool  *worker.WorkerPool
	post  func(Event)
	reg   *Registry
	store *ContextStore

	mu          sync.Mutex
	generation  map[string]uint64 // node id -> current generation
	cancelFuncs map[string]context.CancelFunc
}

func newServiceManager(pool *worker.WorkerPool, reg *Registry, store *ContextStore, post func(Event)) *serviceManager {
	return &serviceManager{
		pool:        pool,
		post:        post,
		reg:         reg,
		store:       store,
		generation:  make(map[string]uint64),
		cancelFuncs: make(map[string]context.CancelFunc),
	}
}

func (m *serviceManager) launch(n *Node) {
	if n.Invoke == nil {
		return
	}
	fn, ok := m.reg.serviceFor(n.Invoke.Service)
	if !ok {
		return // bound at construction time; absence here cannot happen
	}

	m.mu.Lock()
	m.generation[n.ID]++
	gen := m.generation[n.ID]
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelFuncs[n.ID] = cancel
	m.mu.Unlock()

	submit := func() {
		// The service runs on a worker goroutine, never the machine's own
		// loop goroutine, so it gets a private copy of the context rather
		// than the live store: a snapshot to read from, safe to mutate
		// without racing the loop's own Set calls. Its return value still
		// flows back to the machine via onDone/onError.
		store := NewContextStore(m.store.Snapshot())
		ac := &ActionContext{Event: Event{Name: EventEventless}, store: store}
		result, err := fn(ac)

		m.mu.Lock()
		current := m.generation[n.ID]
		m.mu.Unlock()
		if current != gen {
			return // node already exited; drop the stale completion
		}
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			m.post(Event{Name: EventOnError, Data: serviceOutcome{NodeID: n.ID, Err: err}})
			return
		}
		m.post(Event{Name: EventOnDone, Data: serviceOutcome{NodeID: n.ID, Result: result}})
	}

	if m.pool != nil {
		if err := m.pool.Submit(submit); err != nil {
			go submit()
		}
		return
	}
	go submit()
}

func (m *serviceManager) cancel(n *Node) {
	if n.Invoke == nil {
		return
	}
	m.mu.Lock()
	m.generation[n.ID]++
	if cancel, ok := m.cancelFuncs[n.ID]; ok {
		cancel()
		delete(m.cancelFuncs, n.ID)
	}
	m.mu.Unlock()
}

// cancelAll cancels every outstanding invoked service, used when a machine
// is stopped.
func (m *serviceManager) cancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, cancel := range m.cancelFuncs {
		cancel()
		m.generation[id]++
		delete(m.cancelFuncs, id)
	}
}

// serviceOutcome travels as an Event's Data payload from the worker
// goroutine back into the machine's own loop, which stores it under the
// reserved context keys before running the onDone/onError transition.
type serviceOutcome struct {
	NodeID string
	Result interface{}
	Err    error
}
