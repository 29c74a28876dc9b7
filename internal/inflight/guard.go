// Package inflight rejects a second concurrent run of the same keyed
// operation inside one process.
package inflight

import "sync"

// Guard tracks which keys currently have an operation running.
// The zero value is ready to use.
type Guard struct {
	running sync.Map
}

// TryAcquire marks key as running. ok is false when another caller already
// holds it. release must be called exactly once when ok is true; calling it
// again is a no-op.
func (g *Guard) TryAcquire(key string) (release func(), ok bool) {
	if _, loaded := g.running.LoadOrStore(key, struct{}{}); loaded {
		return func() {}, false
	}
	var once sync.Once
	return func() {
		once.Do(func() { g.running.Delete(key) })
	}, true
}

// Running reports whether key is currently held.
func (g *Guard) Running(key string) bool {
	_, ok := g.running.Load(key)
	return ok
}
