package chart

import (
	"sort"
	"strings"
	"time"

	"github.com/fluxorio/statechart/pkg/fluxor"
)

// envelope carries one event through a machine's single-consumer queue
// together with the promise (if any) a caller is waiting on for the
// resulting state snapshot.
type envelope struct {
	ev      Event
	promise *fluxor.PromiseT[string]
}

// waiter is a pending WaitForState registration: it resolves the first
// time matchID is found in the active configuration, or fails with
// ErrTimeout if its deadline elapses first.
type waiter struct {
	matchID string
	promise *fluxor.PromiseT[string]
	timer   *time.Timer
}

// enqueue appends ev (with no result promise) to the machine's queue.
// Silently drops the event if the machine has already stopped, matching
// the documented silent-drop-to-a-stopped-machine behavior.
func (m *Machine) enqueue(ev Event) {
	m.mu.RLock()
	stopped := m.status == StatusStopped
	m.mu.RUnlock()
	if stopped {
		return
	}
	select {
	case m.events <- envelope{ev: ev}:
	default:
		// Queue is saturated; drop rather than block the submitting
		// goroutine (which may itself be this machine's own action).
	}
}

func (m *Machine) runLoop() {
	defer close(m.doneCh)

	if err := m.engine.Start(); err != nil {
		m.setStatus(StatusError)
		m.emitError(err)
		m.startPromise.Fail(err)
		return
	}
	m.setStatus(StatusRunning)
	m.startPromise.Complete(m.activeSnapshotString())
	m.checkWaiters()

	for {
		select {
		case env, ok := <-m.events:
			if !ok {
				return
			}
			m.applyServiceOutcome(env.ev)
			if err := m.engine.Step(env.ev); err != nil {
				m.emitError(err)
				switch err.(type) {
				case *InfiniteLoopError, *ActionError:
					// A distinguished, visible status; the loop keeps
					// accepting events regardless.
					m.setStatus(StatusError)
				}
			}
			snapshot := m.activeSnapshotString()
			if env.promise != nil {
				env.promise.Complete(snapshot)
			}
			m.checkWaiters()
		case <-m.waiterCheck:
			m.checkWaiters()
		case <-m.stopCh:
			// Cancel every outstanding timer and service before running exit
			// actions, so neither can fire into a machine that no longer
			// reads its event queue.
			m.timers.stopAll()
			m.services.cancelAll()
			m.engine.Stop()
			m.setStatus(StatusStopped)
			return
		}
	}
}

// applyServiceOutcome stores a completed invoked service's result or error
// under the reserved context keys before the corresponding onDone/onError
// transition's guard or actions run.
func (m *Machine) applyServiceOutcome(ev Event) {
	outcome, ok := ev.Data.(serviceOutcome)
	if !ok {
		return
	}
	if outcome.Err != nil {
		m.store.Set(ContextKeyServiceError, outcome.Err)
		m.emitService("error")
	} else {
		m.store.Set(ContextKeyServiceResult, outcome.Result)
		m.emitService("done")
	}
}

func (m *Machine) emitService(outcome string) {
	if m.hub != nil {
		m.hub.emit(m.graph.MachineID, Record{Kind: "service", Detail: outcome})
	}
}

func (m *Machine) activeSnapshotString() string {
	leaves := m.engine.ActiveLeaves()
	sort.Strings(leaves)
	return strings.Join(leaves, ";")
}

func (m *Machine) checkWaiters() {
	m.waitersMu.Lock()
	defer m.waitersMu.Unlock()
	remaining := m.waiters[:0]
	for _, w := range m.waiters {
		if n, ok := m.graph.Node(w.matchID); ok && m.engine.isActive(n) {
			w.timer.Stop()
			w.promise.Complete(m.activeSnapshotString())
			continue
		}
		remaining = append(remaining, w)
	}
	m.waiters = remaining
}

func (m *Machine) emitError(err error) {
	if m.hub != nil {
		m.hub.emit(m.graph.MachineID, Record{Kind: "error", Err: err})
	}
	if m.logger != nil {
		m.logger.Error("chart: machine ", m.graph.MachineID, " step error: ", err)
	}
}
