package bus

import (
	"context"
	"sync"
)

// monitor is a mutex paired with a broadcast channel that is closed and
// replaced on every state change. It gives sync.Cond semantics with context
// cancellation.
type monitor struct {
	mu      sync.Mutex
	changed chan struct{}
}

func (m *monitor) init() {
	m.changed = make(chan struct{})
}

// broadcastLocked wakes every waiter. mu must be held.
func (m *monitor) broadcastLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

// waitLocked blocks until ready returns true or ctx is done. mu must be held
// on entry and is held on return.
func (m *monitor) waitLocked(ctx context.Context, ready func() bool) error {
	for !ready() {
		ch := m.changed
		m.mu.Unlock()
		select {
		case <-ch:
			m.mu.Lock()
		case <-ctx.Done():
			m.mu.Lock()
			return ctx.Err()
		}
	}
	return nil
}
