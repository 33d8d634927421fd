package protocol

import "sync"

const maxPendingEchoes = 64

// EchoSet holds lines this client typed and expects the server to echo
// back. Matches are consumed in typing order. It is shared between the input filter
// and the interactor.
type EchoSet struct {
	mu      sync.Mutex
	pending []string
}

// NewEchoSet creates an empty set.
func NewEchoSet() *EchoSet {
	return &EchoSet{}
}

// Expect records line as the next expected echo. When too many echoes are
// outstanding the oldest is forgotten.
func (e *EchoSet) Expect(line string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.pending) >= maxPendingEchoes {
		e.pending = e.pending[1:]
	}
	e.pending = append(e.pending, line)
}

// Match consumes the oldest expected echo equal to line. Echoes typed before
// it never came back and are dropped with it.
func (e *EchoSet) Match(line string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, want := range e.pending {
		if want == line {
			e.pending = e.pending[k+1:]
			return true
		}
	}
	return false
}

// Len returns the number of outstanding echoes.
func (e *EchoSet) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}
