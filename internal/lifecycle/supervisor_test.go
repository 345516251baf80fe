package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/elchinoo/benchctl/internal/logging"
	"github.com/elchinoo/benchctl/pkg/bench"
)

type fakeWorker struct {
	id     int
	status atomic32
}

type atomic32 struct {
	mu sync.Mutex
	v  bench.WorkerStatus
}

func (a *atomic32) set(v bench.WorkerStatus) {
	a.mu.Lock()
	a.v = v
	a.mu.Unlock()
}

func (a *atomic32) get() bench.WorkerStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}

func (f *fakeWorker) Run(ctx context.Context) error {
	f.status.set(bench.WorkerRunning)
	<-ctx.Done()
	f.status.set(bench.WorkerStopped)
	return nil
}

func (f *fakeWorker) Status() bench.WorkerStatus { return f.status.get() }

func TestSupervisorScaleUpReusesLowestFreeIDs(t *testing.T) {
	var mu sync.Mutex
	spawned := map[int]*fakeWorker{}

	factory := func(id int) Runnable {
		mu.Lock()
		defer mu.Unlock()
		w := &fakeWorker{id: id}
		spawned[id] = w
		return w
	}

	sup := NewSupervisor(context.Background(), factory, logging.NewDefaultLogger(), 0)
	sup.SetTarget(3)
	time.Sleep(10 * time.Millisecond)

	if sup.Count() != 3 {
		t.Fatalf("expected 3 live workers, got %d", sup.Count())
	}

	mu.Lock()
	ids := make([]int, 0, len(spawned))
	for id := range spawned {
		ids = append(ids, id)
	}
	mu.Unlock()
	if len(ids) != 3 {
		t.Fatalf("expected 3 distinct worker ids spawned, got %v", ids)
	}
	for _, id := range ids {
		if id < 0 || id > 2 {
			t.Fatalf("expected the lowest free ids 0..2, got %v", ids)
		}
	}

	sup.Shutdown()
}

func TestSupervisorScaleDownStopsHighestIDsFirst(t *testing.T) {
	factory := func(id int) Runnable { return &fakeWorker{id: id} }

	sup := NewSupervisor(context.Background(), factory, logging.NewDefaultLogger(), 0)
	sup.SetTarget(5)
	time.Sleep(10 * time.Millisecond)
	if sup.Count() != 5 {
		t.Fatalf("expected 5 workers, got %d", sup.Count())
	}

	sup.SetTarget(2)
	time.Sleep(10 * time.Millisecond)
	if sup.Count() != 2 {
		t.Fatalf("expected scale-down to 2, got %d", sup.Count())
	}

	sup.Shutdown()
	if sup.Count() != 0 {
		t.Fatalf("expected 0 workers after shutdown, got %d", sup.Count())
	}
}

// dyingWorker exits on its own shortly after starting, simulating a DEAD
// transition (too many consecutive errors) rather than a supervisor-driven
// stop.
type dyingWorker struct {
	id     int
	status atomic32
}

func (w *dyingWorker) Run(ctx context.Context) error {
	w.status.set(bench.WorkerRunning)
	time.Sleep(50 * time.Millisecond)
	w.status.set(bench.WorkerDead)
	return nil
}

func (w *dyingWorker) Status() bench.WorkerStatus { return w.status.get() }

func TestSupervisorCountDropsAfterWorkerDiesOnItsOwnAndSetTargetReplacesIt(t *testing.T) {
	var mu sync.Mutex
	spawnCount := 0

	factory := func(id int) Runnable {
		mu.Lock()
		spawnCount++
		mu.Unlock()
		return &dyingWorker{id: id}
	}

	sup := NewSupervisor(context.Background(), factory, logging.NewDefaultLogger(), 0)
	sup.SetTarget(2)
	time.Sleep(10 * time.Millisecond)
	if sup.Count() != 2 {
		t.Fatalf("expected 2 live workers, got %d", sup.Count())
	}

	// Give both dyingWorkers time to exit on their own.
	time.Sleep(100 * time.Millisecond)
	if sup.Count() != 0 {
		t.Fatalf("expected both self-exited workers' handles to be reaped, got count %d", sup.Count())
	}

	// A fresh SetTarget call at the same target must notice the shortfall
	// and spawn replacements rather than treating 0 == 2 as already met.
	sup.SetTarget(2)
	time.Sleep(10 * time.Millisecond)
	if sup.Count() != 2 {
		t.Fatalf("expected SetTarget to spawn replacement workers, got count %d", sup.Count())
	}

	mu.Lock()
	if spawnCount < 4 {
		t.Errorf("expected at least 4 factory calls (2 original + 2 replacements), got %d", spawnCount)
	}
	mu.Unlock()

	sup.Shutdown()
}

func TestSupervisorShutdownWaitsForWorkers(t *testing.T) {
	factory := func(id int) Runnable { return &fakeWorker{id: id} }
	sup := NewSupervisor(context.Background(), factory, logging.NewDefaultLogger(), 0)
	sup.SetTarget(1)
	time.Sleep(5 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		sup.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return in time")
	}
}
