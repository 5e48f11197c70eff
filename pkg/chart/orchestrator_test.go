package chart

import (
	"context"
	"sync"
	"testing"
	"time"
)

func pingPongDocs() (map[string]interface{}, map[string]interface{}) {
	sender := map[string]interface{}{
		"id":      "pp-sender",
		"initial": "idle",
		"states": map[string]interface{}{
			"idle": map[string]interface{}{
				"on": map[string]interface{}{"GO": map[string]interface{}{"target": ".", "actions": "ping"}},
			},
		},
	}
	receiver := map[string]interface{}{
		"id":      "pp-receiver",
		"initial": "waiting",
		"states": map[string]interface{}{
			"waiting": map[string]interface{}{"on": map[string]interface{}{"PONG": "heard"}},
			"heard":   map[string]interface{}{},
		},
	}
	return sender, receiver
}

func TestOrchestratorSendRoutesToRegisteredMachine(t *testing.T) {
	orch := NewOrchestrator()
	senderDoc, receiverDoc := pingPongDocs()

	senderReg := NewRegistry()
	senderReg.Action("ping", func(ac *ActionContext) error {
		ac.Send("pp-receiver", Event{Name: "PONG"})
		return nil
	})
	sg, sSeed, err := BuildGraph(senderDoc, senderReg)
	if err != nil {
		t.Fatalf("BuildGraph sender: %v", err)
	}
	rg, rSeed, err := BuildGraph(receiverDoc, NewRegistry())
	if err != nil {
		t.Fatalf("BuildGraph receiver: %v", err)
	}

	sender := NewMachine(sg, senderReg, sSeed, WithOrchestrator(orch))
	receiver := NewMachine(rg, NewRegistry(), rSeed, WithOrchestrator(orch))

	ctx := context.Background()
	if _, err := sender.Start(ctx).Await(ctx); err != nil {
		t.Fatalf("sender Start: %v", err)
	}
	if _, err := receiver.Start(ctx).Await(ctx); err != nil {
		t.Fatalf("receiver Start: %v", err)
	}
	if _, ok := orch.Lookup("pp-sender"); !ok {
		t.Fatal("sender should be registered")
	}

	if _, err := sender.Send(ctx, Event{Name: "GO"}).Await(ctx); err != nil {
		t.Fatalf("Send GO: %v", err)
	}
	snap, err := receiver.WaitForState("heard", time.Second).Await(ctx)
	if err != nil {
		t.Fatalf("WaitForState: %v", err)
	}
	if snap != "#pp-receiver.heard" {
		t.Fatalf("snapshot = %q, want #pp-receiver.heard", snap)
	}

	sender.Stop()
	receiver.Stop()
	<-sender.Done()
	<-receiver.Done()
}

func TestOrchestratorSendToUnknownRecipientIsSilentDrop(t *testing.T) {
	orch := NewOrchestrator()
	var mu sync.Mutex
	var records []Record
	hub := NewObservationHub()
	orch.SetObservationHub(hub)
	ch := hub.Subscribe("watch", 8)
	done := make(chan struct{})
	go func() {
		for obs := range ch {
			mu.Lock()
			records = append(records, obs.Record)
			mu.Unlock()
		}
		close(done)
	}()

	ok, err := orch.Send("ghost-sender", "ghost-receiver", Event{Name: "X"}).Await(context.Background())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !ok {
		t.Fatal("Send to an unknown recipient should still resolve true (a routing miss, not a failure)")
	}

	hub.Unsubscribe("watch")
	<-done
	mu.Lock()
	defer mu.Unlock()
	found := false
	for _, r := range records {
		if r.Kind == "send-dropped" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a send-dropped record, got %+v", records)
	}
}

func TestOrchestratorBroadcastReachesAllButSender(t *testing.T) {
	orch := NewOrchestrator()

	broadcaster := map[string]interface{}{
		"id":      "bc-sender",
		"initial": "idle",
		"states": map[string]interface{}{
			"idle": map[string]interface{}{
				"on": map[string]interface{}{"SHOUT": map[string]interface{}{"target": ".", "actions": "shout"}},
			},
		},
	}
	listenerDoc := func(id string) map[string]interface{} {
		return map[string]interface{}{
			"id":      id,
			"initial": "waiting",
			"states": map[string]interface{}{
				"waiting": map[string]interface{}{"on": map[string]interface{}{"PONG": "heard"}},
				"heard":   map[string]interface{}{},
			},
		}
	}

	bcReg := NewRegistry()
	bcReg.Action("shout", func(ac *ActionContext) error {
		ac.Broadcast(Event{Name: "PONG"})
		return nil
	})
	bg, bSeed, err := BuildGraph(broadcaster, bcReg)
	if err != nil {
		t.Fatalf("BuildGraph broadcaster: %v", err)
	}
	l1g, l1Seed, err := BuildGraph(listenerDoc("bc-l1"), NewRegistry())
	if err != nil {
		t.Fatalf("BuildGraph l1: %v", err)
	}
	l2g, l2Seed, err := BuildGraph(listenerDoc("bc-l2"), NewRegistry())
	if err != nil {
		t.Fatalf("BuildGraph l2: %v", err)
	}

	bcMachine := NewMachine(bg, bcReg, bSeed, WithOrchestrator(orch))
	l1 := NewMachine(l1g, NewRegistry(), l1Seed, WithOrchestrator(orch))
	l2 := NewMachine(l2g, NewRegistry(), l2Seed, WithOrchestrator(orch))

	// Broadcast only reaches machines that have subscribed to the publisher.
	orch.Subscribe("bc-l1", "bc-sender")
	orch.Subscribe("bc-l2", "bc-sender")

	ctx := context.Background()
	for _, m := range []*Machine{bcMachine, l1, l2} {
		if _, err := m.Start(ctx).Await(ctx); err != nil {
			t.Fatalf("Start: %v", err)
		}
	}

	if _, err := bcMachine.Send(ctx, Event{Name: "SHOUT"}).Await(ctx); err != nil {
		t.Fatalf("Send SHOUT: %v", err)
	}
	if _, err := l1.WaitForState("heard", time.Second).Await(ctx); err != nil {
		t.Fatalf("l1 WaitForState: %v", err)
	}
	if _, err := l2.WaitForState("heard", time.Second).Await(ctx); err != nil {
		t.Fatalf("l2 WaitForState: %v", err)
	}
	// The broadcaster is still running after its own shout.
	if bcMachine.Status() != StatusRunning {
		t.Fatalf("broadcaster status = %v", bcMachine.Status())
	}

	for _, m := range []*Machine{bcMachine, l1, l2} {
		m.Stop()
		<-m.Done()
	}
}

func TestOrchestratorBroadcastSkipsUnsubscribedMachines(t *testing.T) {
	orch := NewOrchestrator()

	broadcaster := map[string]interface{}{
		"id":      "bc2-sender",
		"initial": "idle",
		"states": map[string]interface{}{
			"idle": map[string]interface{}{
				"on": map[string]interface{}{"SHOUT": map[string]interface{}{"target": ".", "actions": "shout"}},
			},
		},
	}
	listenerDoc := map[string]interface{}{
		"id":      "bc2-l1",
		"initial": "waiting",
		"states": map[string]interface{}{
			"waiting": map[string]interface{}{"on": map[string]interface{}{"PONG": "heard"}},
			"heard":   map[string]interface{}{},
		},
	}

	bcReg := NewRegistry()
	bcReg.Action("shout", func(ac *ActionContext) error {
		ac.Broadcast(Event{Name: "PONG"})
		return nil
	})
	bg, bSeed, err := BuildGraph(broadcaster, bcReg)
	if err != nil {
		t.Fatalf("BuildGraph broadcaster: %v", err)
	}
	lg, lSeed, err := BuildGraph(listenerDoc, NewRegistry())
	if err != nil {
		t.Fatalf("BuildGraph listener: %v", err)
	}

	bcMachine := NewMachine(bg, bcReg, bSeed, WithOrchestrator(orch))
	listener := NewMachine(lg, NewRegistry(), lSeed, WithOrchestrator(orch))
	// listener never subscribes to bc2-sender.

	ctx := context.Background()
	for _, m := range []*Machine{bcMachine, listener} {
		if _, err := m.Start(ctx).Await(ctx); err != nil {
			t.Fatalf("Start: %v", err)
		}
	}

	if _, err := bcMachine.Send(ctx, Event{Name: "SHOUT"}).Await(ctx); err != nil {
		t.Fatalf("Send SHOUT: %v", err)
	}
	if _, err := listener.WaitForState("heard", 30*time.Millisecond).Await(ctx); err != ErrTimeout {
		t.Fatalf("unsubscribed listener should never hear the broadcast, got %v", err)
	}

	bcMachine.Stop()
	listener.Stop()
	<-bcMachine.Done()
	<-listener.Done()
}

func TestOrchestratorUnregisterStopsRouting(t *testing.T) {
	orch := NewOrchestrator()
	senderDoc, receiverDoc := pingPongDocs()
	senderReg := NewRegistry()
	senderReg.Action("ping", func(ac *ActionContext) error {
		ac.Send("pp-receiver", Event{Name: "PONG"})
		return nil
	})
	sg, sSeed, _ := BuildGraph(senderDoc, senderReg)
	rg, rSeed, _ := BuildGraph(receiverDoc, NewRegistry())

	sender := NewMachine(sg, senderReg, sSeed, WithOrchestrator(orch))
	receiver := NewMachine(rg, NewRegistry(), rSeed, WithOrchestrator(orch))
	ctx := context.Background()
	sender.Start(ctx).Await(ctx)
	receiver.Start(ctx).Await(ctx)

	orch.Unregister("pp-receiver")
	if _, ok := orch.Lookup("pp-receiver"); ok {
		t.Fatal("receiver should no longer be registered")
	}

	if _, err := sender.Send(ctx, Event{Name: "GO"}).Await(ctx); err != nil {
		t.Fatalf("Send GO: %v", err)
	}
	// The receiver's own configuration must not have advanced; it never got PONG.
	if _, err := receiver.WaitForState("heard", 30*time.Millisecond).Await(ctx); err != ErrTimeout {
		t.Fatalf("expected ErrTimeout since the receiver was unregistered, got %v", err)
	}

	sender.Stop()
	receiver.Stop()
	<-sender.Done()
	<-receiver.Done()
}
