package syncer

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestGuard(t *testing.T) {
	g := NewGuard()

	id, ok := g.TryAcquire()
	if !ok || id == 0 {
		t.Fatalf("expected first acquire to succeed, got %d %v", id, ok)
	}
	if _, ok := g.TryAcquire(); ok {
		t.Fatal("second acquire must fail while held")
	}

	t.Run("stale release after force release is ignored", func(t *testing.T) {
		g.ForceRelease()
		next, ok := g.TryAcquire()
		if !ok {
			t.Fatal("expected acquire after force release")
		}
		if g.Release(id) {
			t.Error("old owner must not release the new run's slot")
		}
		if !g.Held() {
			t.Error("guard must still be held by the new run")
		}
		if !g.Release(next) {
			t.Error("owner release must succeed")
		}
	})

	if g.Held() {
		t.Error("expected guard to be free")
	}
}

func TestGuardConcurrentAcquire(t *testing.T) {
	g := NewGuard()

	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, ok := g.TryAcquire(); ok {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("expected exactly one winner, got %d", wins.Load())
	}
}
