package session

import (
	"sync"
	"sync/atomic"
)

// Guard serializes all access to the shared, not-thread-safe transport
// handle. One Guard exists per session and is shared by every channel and
// the SFTP sub-channel opened on it. It is held only around non-blocking
// protocol calls, never across socket waits.
//
// The overlap counters exist so tests can prove protocol calls are never
// interleaved mid-call.
type Guard struct {
	mu sync.Mutex

	active  atomic.Int32
	overlap atomic.Int32
	entries atomic.Int64
}

// Lock acquires the guard.
func (g *Guard) Lock() {
	g.mu.Lock()
	g.entries.Add(1)
	if depth := g.active.Add(1); depth > g.overlap.Load() {
		g.overlap.Store(depth)
	}
}

// Unlock releases the guard.
func (g *Guard) Unlock() {
	g.active.Add(-1)
	g.mu.Unlock()
}

// Do runs op while holding the guard, releasing it on every exit path.
func (g *Guard) Do(op func()) {
	g.Lock()
	defer g.Unlock()
	op()
}

// Entries reports how many times the guard has been acquired.
func (g *Guard) Entries() int64 { return g.entries.Load() }

// MaxOverlap reports the maximum number of callers ever observed inside the
// guarded region at once. Anything above one indicates broken exclusion.
func (g *Guard) MaxOverlap() int32 { return g.overlap.Load() }
