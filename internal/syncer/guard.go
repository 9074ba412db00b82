package syncer

import "sync/atomic"

// Guard admits at most one running sync. Each successful acquire gets a
// distinct run id, and only the holder of the current id can release it, so a
// run that was force-released cannot free a newer run's slot.
type Guard struct {
	owner atomic.Uint64
	next  atomic.Uint64
}

// NewGuard returns an unheld guard.
func NewGuard() *Guard {
	return &Guard{}
}

// TryAcquire takes the slot if it is free.
func (g *Guard) TryAcquire() (uint64, bool) {
	id := g.next.Add(1)
	if g.owner.CompareAndSwap(0, id) {
		return id, true
	}
	return 0, false
}

// Release frees the slot if id still owns it.
func (g *Guard) Release(id uint64) bool {
	return g.owner.CompareAndSwap(id, 0)
}

// ForceRelease frees the slot regardless of owner.
func (g *Guard) ForceRelease() {
	g.owner.Store(0)
}

// Held reports whether a run owns the slot.
func (g *Guard) Held() bool {
	return g.owner.Load() != 0
}
