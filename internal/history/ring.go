package history

import (
	"context"
	"sync"
)

// Ring keeps the most recent events in memory. It is the backing store of the
// events endpoint and always enabled.
type Ring struct {
	mu    sync.RWMutex
	buf   []Event
	start int
	count int
}

// NewRing returns a ring holding up to size events (minimum 1).
func NewRing(size int) *Ring {
	if size < 1 {
		size = 1
	}
	return &Ring{buf: make([]Event, size)}
}

// Send implements Sink.
func (r *Ring) Send(_ context.Context, e Event) error {
	r.Add(e)
	return nil
}

// Add appends e, evicting the oldest event when full.
func (r *Ring) Add(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

// Recent returns up to n events, oldest first. n <= 0 returns everything held.
func (r *Ring) Recent(n int) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n <= 0 || n > r.count {
		n = r.count
	}
	out := make([]Event, n)
	skip := r.count - n
	for i := 0; i < n; i++ {
		out[i] = r.buf[(r.start+skip+i)%len(r.buf)]
	}
	return out
}

// Len returns the number of held events.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}
