// Package filter holds the pipeline stages that sit between a stream pump
// and the protocol layer. Every stage is a domain.Sender wrapping another.
//
// Stages that accept input from more than one goroutine (the pump and the
// scheduler's idle marker) serialize their Send and hold that lock while
// delivering downstream. Delivery only ever flows downstream, so the locks
// are always taken in pipeline order.
package filter

import (
	"context"
	"fmt"
	"sync/atomic"

	"chatwire/internal/domain"
)

// safeSend calls target.Send, turning a panic into an error so that one
// misbehaving stage cannot unwind through its callers.
func safeSend(target domain.Sender, msg domain.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("send panicked: %v", r)
		}
	}()
	return target.Send(msg)
}

// Gate relays to its target until cut. Stop is irreversible.
type Gate struct {
	target  domain.Sender
	stopped atomic.Bool
}

// NewGate creates an open gate in front of target.
func NewGate(target domain.Sender) *Gate {
	return &Gate{target: target}
}

// Send relays msg, or fails with domain.ErrSenderClosed once stopped.
func (g *Gate) Send(msg domain.Message) error {
	if g.stopped.Load() {
		return domain.ErrSenderClosed
	}
	return safeSend(g.target, msg)
}

// WaitUntilEmpty delegates to the target.
func (g *Gate) WaitUntilEmpty(ctx context.Context) error {
	return g.target.WaitUntilEmpty(ctx)
}

// Stop cuts the gate.
func (g *Gate) Stop() {
	g.stopped.Store(true)
}

// Stopped reports whether the gate has been cut.
func (g *Gate) Stopped() bool {
	return g.stopped.Load()
}
