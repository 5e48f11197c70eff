package chart

import "testing"

func TestObservationHubFanOutToMultipleSubscribers(t *testing.T) {
	hub := NewObservationHub()
	a := hub.Subscribe("a", 4)
	b := hub.Subscribe("b", 4)

	hub.emit("m1", Record{Kind: "event", Detail: "TIMER"})

	obsA := <-a
	obsB := <-b
	if obsA.MachineID != "m1" || obsA.Record.Kind != "event" {
		t.Fatalf("subscriber a got %+v", obsA)
	}
	if obsB.MachineID != "m1" || obsB.Record.Kind != "event" {
		t.Fatalf("subscriber b got %+v", obsB)
	}
}

func TestObservationHubUnsubscribeClosesChannel(t *testing.T) {
	hub := NewObservationHub()
	ch := hub.Subscribe("x", 1)
	hub.Unsubscribe("x")

	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after Unsubscribe")
	}
	// Emitting after Unsubscribe must not reach any (now-absent) subscriber
	// and must not panic.
	hub.emit("m1", Record{Kind: "event"})
}

func TestObservationHubDropsOldestWhenFull(t *testing.T) {
	hub := NewObservationHub()
	ch := hub.Subscribe("slow", 1)

	hub.emit("m1", Record{Kind: "event", Detail: "first"})
	hub.emit("m1", Record{Kind: "event", Detail: "second"})

	got := <-ch
	if got.Record.Detail != "second" {
		t.Fatalf("expected the newest observation to survive, got %q", got.Record.Detail)
	}
}

func TestCountingSubscriberTalliesByMachineAndKind(t *testing.T) {
	hub := NewObservationHub()
	ch := hub.Subscribe("count", 16)
	cs := NewCountingSubscriber()
	done := make(chan struct{})
	go func() {
		cs.Run(ch)
		close(done)
	}()

	hub.emit("m1", Record{Kind: "transition"})
	hub.emit("m1", Record{Kind: "transition"})
	hub.emit("m1", Record{Kind: "guard"})
	hub.emit("m2", Record{Kind: "transition"})

	hub.Unsubscribe("count")
	<-done

	if got := cs.Count("m1", "transition"); got != 2 {
		t.Fatalf("m1/transition = %d, want 2", got)
	}
	if got := cs.Count("m1", "guard"); got != 1 {
		t.Fatalf("m1/guard = %d, want 1", got)
	}
	if got := cs.Count("m2", "transition"); got != 1 {
		t.Fatalf("m2/transition = %d, want 1", got)
	}
}
