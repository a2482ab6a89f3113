package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRegisterNewestFirstNoDuplicates(t *testing.T) {
	r := New()
	if !r.Register("a") || !r.Register("b") {
		t.Fatal("first registrations should succeed")
	}
	if r.Register("a") {
		t.Fatal("duplicate registration should be rejected")
	}
	got := r.Entries()
	if len(got) != 2 || got[0].LayerName != "b" || got[1].LayerName != "a" {
		t.Fatalf("Entries = %+v", got)
	}
	for _, e := range got {
		if e.IsActive {
			t.Errorf("%s registered active", e.LayerName)
		}
	}
}

func TestToggleAndReset(t *testing.T) {
	r := New()
	r.Register("raster")
	r.Register("vector")

	on, err := r.Toggle("raster")
	if err != nil || !on {
		t.Fatalf("Toggle = %v, %v", on, err)
	}
	r.SetActive("vector", true)
	if got := r.Active(); len(got) != 2 || got[0] != "vector" || got[1] != "raster" {
		t.Fatalf("Active = %v", got)
	}

	r.ResetAll()
	if got := r.Active(); len(got) != 0 {
		t.Fatalf("Active after reset = %v", got)
	}
	if len(r.Entries()) != 2 {
		t.Fatal("reset should keep registrations")
	}

	if _, err := r.Toggle("missing"); !errors.Is(err, ErrUnknownLayer) {
		t.Fatalf("Toggle missing err = %v", err)
	}
	r.SetActive("missing", true)

	r.Clear()
	if len(r.Entries()) != 0 {
		t.Fatal("Clear should drop every layer")
	}
}

func TestWatchersSeeChangeBeforeReturn(t *testing.T) {
	r := New()
	r.Register("a")

	var mu sync.Mutex
	var seen []Change
	stop := r.Watch(func(c Change) {
		mu.Lock()
		seen = append(seen, c)
		mu.Unlock()
	})

	entries, err := r.ToggleAndWait(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	if len(seen) != 1 || seen[0].Action != "activated" || !seen[0].Entries[0].IsActive {
		t.Fatalf("watcher saw %+v", seen)
	}
	mu.Unlock()
	if !entries[0].IsActive {
		t.Fatal("ToggleAndWait returned stale state")
	}

	if _, err := r.ResetAllAndWait(context.Background()); err != nil {
		t.Fatal(err)
	}
	stop()
	r.Register("b")
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[1].Action != "reset" {
		t.Fatalf("watcher saw %+v", seen)
	}
}

func TestWaitRespectsCancelledContext(t *testing.T) {
	r := New()
	r.Register("a")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.ToggleAndWait(ctx, "a"); err == nil {
		t.Fatal("expected context error")
	}
	if _, ok := r.Get("a"); !ok {
		t.Fatal("Get should find a")
	}
	if e, _ := r.Get("a"); e.IsActive {
		t.Fatal("cancelled toggle should not apply")
	}
}

func TestAwaitCountsDistinctNames(t *testing.T) {
	r := New()
	r.Register("a")
	r.Register("b")

	go func() {
		time.Sleep(5 * time.Millisecond)
		r.MarkReady("a")
		r.MarkReady("a")
		r.MarkReady("b")
	}()

	ready, complete := r.Await(context.Background(), []string{"a", "a", "b"}, time.Second)
	if ready != 2 || !complete {
		t.Fatalf("Await = %d, %v", ready, complete)
	}
}

func TestAwaitTimesOutWithoutError(t *testing.T) {
	r := New()
	r.MarkReady("fast")
	start := time.Now()
	ready, complete := r.Await(context.Background(), []string{"slow", "fast"}, 30*time.Millisecond)
	if complete || ready != 1 {
		t.Fatalf("Await = %d, %v", ready, complete)
	}
	if time.Since(start) > time.Second {
		t.Fatal("Await overran its timeout")
	}
}

func TestAwaitEmpty(t *testing.T) {
	r := New()
	if ready, complete := r.Await(context.Background(), nil, time.Millisecond); ready != 0 || !complete {
		t.Fatalf("Await(nil) = %d, %v", ready, complete)
	}
}

func TestDeactivationResetsReadiness(t *testing.T) {
	r := New()
	r.Register("a")
	r.SetActive("a", true)
	r.MarkReady("a")
	if !r.Ready("a") {
		t.Fatal("expected ready")
	}
	r.SetActive("a", false)
	if r.Ready("a") {
		t.Fatal("deactivation should reset readiness")
	}
	if _, complete := r.Await(context.Background(), []string{"a"}, 10*time.Millisecond); complete {
		t.Fatal("Await should not complete after reset")
	}
}
