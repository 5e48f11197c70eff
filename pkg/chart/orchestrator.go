package chart

import (
	"context"
	"strings"
	"sync"

	"github.com/fluxorio/statechart/pkg/bus"
	"github.com/fluxorio/statechart/pkg/fluxor"
)

func machineTopic(id string) string    { return "machine:" + id }
func publisherTopic(id string) string { return "broadcast:" + id }

// RemoteBridge is the seam a host can implement to forward orchestrator
// traffic to machines running in another process. No implementation ships
// in this package — wiring an actual transport (gRPC, a message broker) is
// out of scope here, but Send consults a configured bridge for any
// identifier the local registry doesn't recognize before giving up.
// Broadcast does not use the bridge; it reaches local subscribers only.
type RemoteBridge interface {
	// Deliver attempts to forward ev to toID. ok reports whether toID is
	// known to the bridge at all; err reports a delivery failure for a
	// known recipient.
	Deliver(ctx context.Context, fromID, toID string, ev Event) (ok bool, err error)
}

// Orchestrator is a registry of running machines addressed by their
// MachineID, acting as the message fabric an action's Send/Broadcast calls
// go through. The registry itself (who's known, looked up by id) is a plain
// RWMutex-guarded map, matching the low-churn, read-heavy access pattern of
// a small number of long-lived machines; actual event delivery is handed
// off to a topic bus so a machine's mailbox and its broadcast subscription
// share the same drop-oldest backpressure policy as every other fan-out in
// this package.
type Orchestrator struct {
	mu       sync.RWMutex
	machines map[string]*Machine
	mailbox  map[string]bus.Mailbox
	// subscribers maps a publisher id to the set of subscriber ids that
	// receive its broadcasts. A machine hears nothing from Broadcast until
	// something has explicitly Subscribed to the publisher.
	subscribers map[string]map[string]bool
	transport   bus.Bus
	bridge      RemoteBridge
	hub         *ObservationHub
}

// NewOrchestrator creates an empty orchestrator. An optional RemoteBridge
// can be attached with SetRemoteBridge for identifiers not registered
// locally.
func NewOrchestrator() *Orchestrator {
	return &Orchestrator{
		machines:    make(map[string]*Machine),
		mailbox:     make(map[string]bus.Mailbox),
		subscribers: make(map[string]map[string]bool),
		transport:   bus.NewBus(),
	}
}

// SetRemoteBridge attaches the bridge consulted for unrecognized recipient
// identifiers.
func (o *Orchestrator) SetRemoteBridge(b RemoteBridge) { o.bridge = b }

// SetObservationHub attaches the hub orchestrator-level events (send,
// broadcast, unknown-recipient drops) are reported to.
func (o *Orchestrator) SetObservationHub(h *ObservationHub) { o.hub = h }

// register adds m to the registry under id, called by NewMachine when
// constructed WithOrchestrator. Re-registering an id replaces the prior
// machine's registry entry and its mailbox subscription. It does not
// subscribe id to anyone's broadcasts; call Subscribe for that.
func (o *Orchestrator) register(id string, m *Machine) {
	o.mu.Lock()
	if old, ok := o.mailbox[id]; ok {
		o.transport.Unsubscribe(machineTopic(id), id, old)
		close(old)
	}
	mbox := make(bus.Mailbox, 64)
	o.machines[id] = m
	o.mailbox[id] = mbox
	o.transport.Subscribe(machineTopic(id), id, mbox)
	for pubID, subs := range o.subscribers {
		if subs[id] {
			o.transport.Subscribe(publisherTopic(pubID), id, mbox)
		}
	}
	o.mu.Unlock()

	go o.deliver(id, mbox)
}

// deliver drains id's mailbox, forwarding every message addressed to it
// into the corresponding machine's own event queue. A broadcast echoed back
// to its own sender (a publisher that subscribed to itself) is dropped.
func (o *Orchestrator) deliver(id string, mbox bus.Mailbox) {
	for msg := range mbox {
		if strings.HasPrefix(msg.Topic, "broadcast:") && msg.CorrelationID == id {
			continue
		}
		ev, ok := msg.Payload.(Event)
		if !ok {
			continue
		}
		o.mu.RLock()
		m, ok := o.machines[id]
		o.mu.RUnlock()
		if ok {
			m.enqueue(ev)
		}
	}
}

// Subscribe registers subscriberID to receive publisherID's broadcasts.
// Broadcast fans out only to machines that have subscribed to the sending
// publisher — there is no implicit "everyone hears everything" fan-out.
func (o *Orchestrator) Subscribe(subscriberID, publisherID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.subscribers[publisherID] == nil {
		o.subscribers[publisherID] = make(map[string]bool)
	}
	o.subscribers[publisherID][subscriberID] = true
	if mbox, ok := o.mailbox[subscriberID]; ok {
		o.transport.Subscribe(publisherTopic(publisherID), subscriberID, mbox)
	}
}

// UnsubscribeFrom removes subscriberID from publisherID's subscriber list.
func (o *Orchestrator) UnsubscribeFrom(subscriberID, publisherID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.unsubscribeLocked(subscriberID, publisherID)
}

func (o *Orchestrator) unsubscribeLocked(subscriberID, publisherID string) {
	if subs, ok := o.subscribers[publisherID]; ok {
		delete(subs, subscriberID)
	}
	if mbox, ok := o.mailbox[subscriberID]; ok {
		o.transport.Unsubscribe(publisherTopic(publisherID), subscriberID, mbox)
	}
}

// Unregister removes a machine from the registry and tears down its
// mailbox and broadcast subscriptions, both as a subscriber and as a
// publisher. Idempotent.
func (o *Orchestrator) Unregister(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for pubID, subs := range o.subscribers {
		if subs[id] {
			o.unsubscribeLocked(id, pubID)
		}
	}
	for subID := range o.subscribers[id] {
		o.unsubscribeLocked(subID, id)
	}
	delete(o.subscribers, id)
	if mbox, ok := o.mailbox[id]; ok {
		o.transport.Unsubscribe(machineTopic(id), id, mbox)
		close(mbox)
		delete(o.mailbox, id)
	}
	delete(o.machines, id)
}

// Lookup returns the registered machine for id, if any.
func (o *Orchestrator) Lookup(id string) (*Machine, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	m, ok := o.machines[id]
	return m, ok
}

// Send delivers ev to toID asynchronously. An unknown recipient is a
// silent drop — the returned future still resolves successfully, since a
// misdirected Send is a routing miss, not a failure the sender's action
// should have to handle.
func (o *Orchestrator) Send(fromID, toID string, ev Event) *fluxor.FutureT[bool] {
	promise := fluxor.NewPromiseT[bool]()
	o.mu.RLock()
	_, ok := o.machines[toID]
	o.mu.RUnlock()

	if ok {
		msg := bus.Message{Topic: machineTopic(toID), Payload: ev, CorrelationID: fromID}
		if err := o.transport.Send(machineTopic(toID), msg); err != nil {
			o.emit(Record{Kind: "send-dropped", Detail: fromID + "->" + toID, Event: ev, Err: err})
		} else {
			o.emit(Record{Kind: "send", Detail: fromID + "->" + toID, Event: ev})
		}
		promise.Complete(true)
		return &promise.FutureT
	}

	if o.bridge != nil {
		go func() {
			known, err := o.bridge.Deliver(context.Background(), fromID, toID, ev)
			if err != nil {
				promise.Fail(err)
				return
			}
			if !known {
				o.emit(Record{Kind: "send-dropped", Detail: fromID + "->" + toID, Event: ev})
			}
			promise.Complete(true)
		}()
		return &promise.FutureT
	}

	o.emit(Record{Kind: "send-dropped", Detail: fromID + "->" + toID, Event: ev})
	promise.Complete(true)
	return &promise.FutureT
}

// Broadcast delivers ev to every machine currently subscribed to fromID via
// Subscribe. A publisher with no subscribers reaches nobody.
func (o *Orchestrator) Broadcast(fromID string, ev Event) *fluxor.FutureT[bool] {
	promise := fluxor.NewPromiseT[bool]()
	topic := publisherTopic(fromID)
	o.transport.Publish(topic, bus.Message{Topic: topic, Payload: ev, CorrelationID: fromID})
	o.emit(Record{Kind: "broadcast", Detail: fromID, Event: ev})
	promise.Complete(true)
	return &promise.FutureT
}

func (o *Orchestrator) emit(r Record) {
	if o.hub != nil {
		o.hub.emit("#orchestrator", r)
	}
}
