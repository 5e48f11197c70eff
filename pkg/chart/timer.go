package chart

import (
	"sync"
	"time"
)

// timerManager arms and cancels the Go timers backing `after` delayed
// transitions. A timer is armed when its owning node is entered and
// cancelled when that node is exited; a fire that loses the race against a
// same-tick exit is filtered out by generation number rather than by
// relying on time.Timer.Stop's best-effort semantics alone.
type timerManager struct {
	mu   sync.Mutex
	post func(Event)

	generation map[string]uint64 // timer id -> current generation
	timers     map[string]*time.Timer
}

func newTimerManager(post func(Event)) *timerManager {
	return &timerManager{
		post:       post,
		generation: make(map[string]uint64),
		timers:     make(map[string]*time.Timer),
	}
}

// arm starts every timer declared on n. A zero-delay timer still fires
// after the current macrostep yields rather than synchronously within it,
// matching the ordinary timer path through the event loop.
func (m *timerManager) arm(n *Node) {
	for _, spec := range n.After {
		m.armOne(spec)
	}
}

func (m *timerManager) armOne(spec *TimerSpec) {
	m.mu.Lock()
	m.generation[spec.ID]++
	gen := m.generation[spec.ID]
	m.mu.Unlock()

	delay := time.Duration(spec.Delay) * time.Millisecond
	t := time.AfterFunc(delay, func() {
		m.mu.Lock()
		current := m.generation[spec.ID]
		m.mu.Unlock()
		if current != gen {
			return // cancelled and possibly rearmed since this fire was scheduled
		}
		m.post(Event{Name: AfterEventName(spec.ID), Timestamp: time.Now()})
	})

	m.mu.Lock()
	m.timers[spec.ID] = t
	m.mu.Unlock()
}

// cancel invalidates every timer declared on n so a fire already in flight
// is dropped on arrival instead of waking a machine that has moved on.
func (m *timerManager) cancel(n *Node) {
	for _, spec := range n.After {
		m.mu.Lock()
		m.generation[spec.ID]++
		if t, ok := m.timers[spec.ID]; ok {
			t.Stop()
			delete(m.timers, spec.ID)
		}
		m.mu.Unlock()
	}
}

// stopAll cancels every outstanding timer, used when a machine is stopped.
func (m *timerManager) stopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
}
