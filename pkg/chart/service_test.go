package chart

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fluxorio/statechart/pkg/worker"
)

func TestServiceManagerLaunchPostsOnDone(t *testing.T) {
	var mu sync.Mutex
	var posted []Event
	reg := NewRegistry()
	reg.Service("fetch", func(ac *ActionContext) (interface{}, error) {
		return "payload", nil
	})
	sm := newServiceManager(nil, reg, NewContextStore(nil), func(ev Event) {
		mu.Lock()
		posted = append(posted, ev)
		mu.Unlock()
	})

	n := &Node{ID: "#m.loading", Invoke: &InvokeSpec{Service: "fetch"}}
	sm.launch(n)

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
			t.Fatal("service never posted its outcome")
		case <-time.After(time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if posted[0].Name != EventOnDone {
		t.Fatalf("posted event = %q, want %q", posted[0].Name, EventOnDone)
	}
	outcome, ok := posted[0].Data.(serviceOutcome)
	if !ok || outcome.Result != "payload" {
		t.Fatalf("posted outcome = %+v", posted[0].Data)
	}
}

func TestServiceManagerLaunchPostsOnError(t *testing.T) {
	var mu sync.Mutex
	var posted []Event
	reg := NewRegistry()
	reg.Service("fetch", func(ac *ActionContext) (interface{}, error) {
		return nil, errBoom
	})
	sm := newServiceManager(nil, reg, NewContextStore(nil), func(ev Event) {
		mu.Lock()
		posted = append(posted, ev)
		mu.Unlock()
	})

	n := &Node{ID: "#m.loading", Invoke: &InvokeSpec{Service: "fetch"}}
	sm.launch(n)

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
			t.Fatal("service never posted its outcome")
		case <-time.After(time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if posted[0].Name != EventOnError {
		t.Fatalf("posted event = %q, want %q", posted[0].Name, EventOnError)
	}
}

func TestServiceManagerCancelDropsStaleOutcome(t *testing.T) {
	var mu sync.Mutex
	var posted []Event
	entered := make(chan struct{})
	release := make(chan struct{})
	reg := NewRegistry()
	reg.Service("fetch", func(ac *ActionContext) (interface{}, error) {
		close(entered)
		<-release
		return "too-late", nil
	})
	sm := newServiceManager(nil, reg, NewContextStore(nil), func(ev Event) {
		mu.Lock()
		posted = append(posted, ev)
		mu.Unlock()
	})

	n := &Node{ID: "#m.loading", Invoke: &InvokeSpec{Service: "fetch"}}
	sm.launch(n)
	<-entered
	sm.cancel(n)
	close(release)

	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(posted) != 0 {
		t.Fatalf("cancelled service's outcome should have been dropped, got %v", posted)
	}
}

func TestServiceManagerLaunchIsNoopWithoutInvoke(t *testing.T) {
	sm := newServiceManager(nil, NewRegistry(), NewContextStore(nil), func(ev Event) {
		t.Fatal("post should never be called for a node with no invoke")
	})
	sm.launch(&Node{ID: "#m.idle"})
}

func TestServiceManagerUsesWorkerPoolWhenProvided(t *testing.T) {
	pool := worker.NewWorkerPool(2, 4)
	pool.Start()
	defer pool.Stop(context.Background())

	var mu sync.Mutex
	var posted []Event
	reg := NewRegistry()
	reg.Service("fetch", func(ac *ActionContext) (interface{}, error) {
		return "from-pool", nil
	})
	sm := newServiceManager(pool, reg, NewContextStore(nil), func(ev Event) {
		mu.Lock()
		posted = append(posted, ev)
		mu.Unlock()
	})

	sm.launch(&Node{ID: "#m.loading", Invoke: &InvokeSpec{Service: "fetch"}})

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
			t.Fatal("service submitted to the pool never completed")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestServiceManagerLaunchSeesAContextSnapshot(t *testing.T) {
	var mu sync.Mutex
	var posted []Event
	store := NewContextStore(map[string]interface{}{"userID": "u-42"})
	reg := NewRegistry()
	reg.Service("fetch", func(ac *ActionContext) (interface{}, error) {
		v, _ := ac.Get("userID")
		return v, nil
	})
	sm := newServiceManager(nil, reg, store, func(ev Event) {
		mu.Lock()
		posted = append(posted, ev)
		mu.Unlock()
	})

	sm.launch(&Node{ID: "#m.loading", Invoke: &InvokeSpec{Service: "fetch"}})

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
			t.Fatal("service never posted its outcome")
		case <-time.After(time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	outcome, ok := posted[0].Data.(serviceOutcome)
	if !ok || outcome.Result != "u-42" {
		t.Fatalf("service should see the machine's context as of invocation time, got %+v", posted[0].Data)
	}
}

var errBoom = &serviceTestError{"boom"}

type serviceTestError struct{ msg string }

func (e *serviceTestError) Error() string { return e.msg }
