package filter

import (
	"context"
	"log/slog"
	"sync"

	"chatwire/internal/domain"
)

// Resender fans every message out to a dynamic set of targets, in
// registration order.
type Resender struct {
	mu      sync.RWMutex
	targets []domain.Sender
	closed  bool
	logger  *slog.Logger
}

// NewResender creates a resender with the given initial targets.
func NewResender(logger *slog.Logger, targets ...domain.Sender) *Resender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resender{targets: append([]domain.Sender(nil), targets...), logger: logger}
}

// Add registers another target.
func (r *Resender) Add(target domain.Sender) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return domain.ErrSenderClosed
	}
	r.targets = append(r.targets, target)
	return nil
}

// Remove unregisters target. Unknown targets are ignored.
func (r *Resender) Remove(target domain.Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, t := range r.targets {
		if t == target {
			r.targets = append(r.targets[:i:i], r.targets[i+1:]...)
			return
		}
	}
}

// Send relays msg to every target. A failing target is logged and does not
// keep msg from the others.
func (r *Resender) Send(msg domain.Message) error {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return domain.ErrSenderClosed
	}
	targets := r.targets
	r.mu.RUnlock()

	for i, t := range targets {
		if err := safeSend(t, msg); err != nil {
			r.logger.Warn("resend failed", "target", i, "err", err)
		}
	}
	return nil
}

// WaitUntilEmpty waits on every target in turn.
func (r *Resender) WaitUntilEmpty(ctx context.Context) error {
	r.mu.RLock()
	targets := r.targets
	r.mu.RUnlock()

	for _, t := range targets {
		if err := t.WaitUntilEmpty(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Stop drops all targets and closes the resender for good.
func (r *Resender) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.targets = nil
}

// Len returns the number of registered targets.
func (r *Resender) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.targets)
}
