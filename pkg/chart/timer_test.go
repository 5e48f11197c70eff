package chart

import (
	"sync"
	"testing"
	"time"
)

func TestTimerManagerArmFiresAfterEvent(t *testing.T) {
	var mu sync.Mutex
	var posted []Event
	tm := newTimerManager(func(ev Event) {
		mu.Lock()
		posted = append(posted, ev)
		mu.Unlock()
	})

	n := &Node{ID: "#m.s", After: []*TimerSpec{{ID: "#m.s:10", Delay: 10}}}
	tm.arm(n)

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		got := len(posted)
		mu.Unlock()
		if got > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timer never fired")
		case <-time.After(time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if posted[0].Name != AfterEventName("#m.s:10") {
		t.Fatalf("fired event = %q, want %q", posted[0].Name, AfterEventName("#m.s:10"))
	}
}

func TestTimerManagerCancelSuppressesFire(t *testing.T) {
	var mu sync.Mutex
	fired := false
	tm := newTimerManager(func(ev Event) {
		mu.Lock()
		fired = true
		mu.Unlock()
	})

	n := &Node{ID: "#m.s", After: []*TimerSpec{{ID: "#m.s:30", Delay: 30}}}
	tm.arm(n)
	tm.cancel(n)

	time.Sleep(60 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if fired {
		t.Fatal("cancelled timer should not have fired")
	}
}

func TestTimerManagerRearmInvalidatesPriorGeneration(t *testing.T) {
	var mu sync.Mutex
	var posted []Event
	tm := newTimerManager(func(ev Event) {
		mu.Lock()
		posted = append(posted, ev)
		mu.Unlock()
	})

	n := &Node{ID: "#m.s", After: []*TimerSpec{{ID: "#m.s:20", Delay: 20}}}
	tm.arm(n) // generation 1, scheduled to fire at +20ms

	time.Sleep(5 * time.Millisecond)
	tm.cancel(n) // invalidate generation 1's in-flight fire
	tm.arm(n)    // generation 3 (cancel bumped it to 2), scheduled to fire at +20ms from now

	time.Sleep(40 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(posted) != 1 {
		t.Fatalf("expected exactly one fire from the rearmed generation, got %d: %v", len(posted), posted)
	}
}

func TestTimerManagerStopAllCancelsEverything(t *testing.T) {
	var mu sync.Mutex
	fired := 0
	tm := newTimerManager(func(ev Event) {
		mu.Lock()
		fired++
		mu.Unlock()
	})

	n1 := &Node{ID: "#m.a", After: []*TimerSpec{{ID: "#m.a:15", Delay: 15}}}
	n2 := &Node{ID: "#m.b", After: []*TimerSpec{{ID: "#m.b:15", Delay: 15}}}
	tm.arm(n1)
	tm.arm(n2)
	tm.stopAll()

	time.Sleep(40 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if fired != 0 {
		t.Fatalf("expected no fires after stopAll, got %d", fired)
	}
}
