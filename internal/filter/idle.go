package filter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"chatwire/internal/domain"
	"chatwire/internal/scheduler"
)

// IdleFilter relays to its target and sends it a domain.Idle marker once the
// stream has been quiet for the configured duration. Every Send restarts the
// countdown.
type IdleFilter struct {
	mu      sync.Mutex
	target  domain.Sender
	idle    time.Duration
	timer   *scheduler.ScheduledSend
	stopped bool
	logger  *slog.Logger
}

// NewIdleFilter creates an idle filter. The idle marker is delivered by
// sched straight to target.
func NewIdleFilter(target domain.Sender, idle time.Duration, sched *scheduler.Scheduler, logger *slog.Logger) *IdleFilter {
	if logger == nil {
		logger = slog.Default()
	}
	return &IdleFilter{
		target: target,
		idle:   idle,
		timer:  sched.NewSend(target, domain.Idle{}),
		logger: logger,
	}
}

// Send relays msg, then re-arms the idle timer.
func (f *IdleFilter) Send(msg domain.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.stopped {
		return domain.ErrSenderClosed
	}
	err := safeSend(f.target, msg)
	if serr := f.timer.Schedule(f.idle); serr != nil {
		f.logger.Warn("idle timer not armed", "idle", f.idle, "err", serr)
	}
	return err
}

// WaitUntilEmpty delegates to the target.
func (f *IdleFilter) WaitUntilEmpty(ctx context.Context) error {
	return f.target.WaitUntilEmpty(ctx)
}

// Stop cancels any pending idle marker and stops forwarding.
func (f *IdleFilter) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timer.Cancel()
	f.stopped = true
}
