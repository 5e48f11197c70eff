package chart

import (
	"fmt"
	"sync"

	"github.com/fluxorio/statechart/pkg/core"
)

// Observation is one Record tagged with the machine it came from, the unit
// an ObservationHub subscriber actually receives.
type Observation struct {
	MachineID string
	Record    Record
}

// ObservationHub is the non-blocking, multi-subscriber fan-out point for
// every Record (event received, guard evaluated, transition taken, state
// entered/exited, step finished, error, service completed/errored, status
// changed, orchestrator send/broadcast). Each subscriber has its own bounded mailbox; a slow subscriber
// drops its oldest queued observation rather than stalling the machine
// goroutine that produced it.
type ObservationHub struct {
	mu          sync.RWMutex
	subscribers map[string]chan Observation
}

// NewObservationHub creates an empty hub. Each subscriber's mailbox
// capacity is set by its own Subscribe call.
func NewObservationHub() *ObservationHub {
	return &ObservationHub{subscribers: make(map[string]chan Observation)}
}

// Subscribe registers name with a mailbox of the given capacity and returns
// it for the caller to range over. Re-subscribing the same name replaces
// its mailbox.
func (h *ObservationHub) Subscribe(name string, capacity int) <-chan Observation {
	ch := make(chan Observation, capacity)
	h.mu.Lock()
	h.subscribers[name] = ch
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes name's mailbox.
func (h *ObservationHub) Unsubscribe(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subscribers[name]; ok {
		close(ch)
		delete(h.subscribers, name)
	}
}

func (h *ObservationHub) emit(machineID string, r Record) {
	obs := Observation{MachineID: machineID, Record: r}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subscribers {
		deliverDropOldest(ch, obs)
	}
}

func deliverDropOldest(ch chan Observation, obs Observation) {
	select {
	case ch <- obs:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- obs:
	default:
	}
}

// LoggingSubscriber drains a hub subscription onto a core.Logger until the
// mailbox is closed. Call it in its own goroutine.
func LoggingSubscriber(logger core.Logger, ch <-chan Observation) {
	for obs := range ch {
		if obs.Record.Err != nil {
			logger.Error(fmt.Sprintf("%s: %s: %v", obs.MachineID, obs.Record.Kind, obs.Record.Err))
			continue
		}
		logger.Info(fmt.Sprintf("%s: %s %s", obs.MachineID, obs.Record.Kind, obs.Record.Detail))
	}
}

// CountingSubscriber tallies observations by machine and record kind until
// the mailbox is closed, for tests and simple introspection without
// standing up the Prometheus collector.
type CountingSubscriber struct {
	mu     sync.Mutex
	counts map[string]map[string]int
}

func NewCountingSubscriber() *CountingSubscriber {
	return &CountingSubscriber{counts: make(map[string]map[string]int)}
}

// Run drains ch, tallying until it closes. Call it in its own goroutine.
func (c *CountingSubscriber) Run(ch <-chan Observation) {
	for obs := range ch {
		c.mu.Lock()
		byKind, ok := c.counts[obs.MachineID]
		if !ok {
			byKind = make(map[string]int)
			c.counts[obs.MachineID] = byKind
		}
		byKind[obs.Record.Kind]++
		c.mu.Unlock()
	}
}

// Count returns the tally for one machine/kind pair.
func (c *CountingSubscriber) Count(machineID, kind string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[machineID][kind]
}
