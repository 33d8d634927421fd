// Package scheduler delivers delayed, cancelable one-shot sends.
//
// One Scheduler is built at process start and passed to everything that needs
// timers. A single goroutine keeps a min-heap of deadlines; due entries are
// handed to a small worker pool, so a slow target never holds up the timer
// loop or other targets' deliveries.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatwire/internal/bus"
	"chatwire/internal/domain"
	"chatwire/internal/metrics"
)

// ErrInvalidDelay is returned by Schedule for a non-positive delay.
var ErrInvalidDelay = errors.New("scheduler: delay must be positive")

const defaultWorkers = 4

// Config configures a Scheduler.
type Config struct {
	Workers int // goroutines delivering fired sends (default 4)
	Logger  *slog.Logger
}

// Scheduler owns the deadline heap and its servicing goroutines.
type Scheduler struct {
	mu      sync.Mutex
	pending sendHeap
	seq     uint64

	wake     chan struct{}
	fired    *bus.FifoQueue
	workers  int
	logger   *slog.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// firing is a due send waiting for a worker.
type firing struct {
	target  domain.Sender
	payload domain.Message
}

// New creates a Scheduler. Nothing fires until Start runs.
func New(cfg Config) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		wake:    make(chan struct{}, 1),
		fired:   bus.NewFifoQueue(),
		workers: cfg.Workers,
		logger:  cfg.Logger,
		stopCh:  make(chan struct{}),
	}
}

// NewSend creates an inactive handle that will deliver payload to target
// each time it is scheduled and fires.
func (s *Scheduler) NewSend(target domain.Sender, payload domain.Message) *ScheduledSend {
	return &ScheduledSend{sched: s, target: target, payload: payload, index: -1}
}

// Start runs the timer loop and blocks until ctx is cancelled or Stop is
// called. Sends already handed to workers are still delivered before Start
// returns.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("scheduler started", "workers", s.workers)

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	defer func() {
		s.fired.Close()
		s.wg.Wait()
	}()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		var timerC <-chan time.Time
		if wait, ok := s.fireDue(time.Now()); ok {
			timer.Reset(wait)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return
		case <-s.stopCh:
			s.logger.Info("scheduler stopped")
			return
		case <-s.wake:
		case <-timerC:
		}
		timer.Stop()
	}
}

// Stop halts the timer loop. Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}

// Pending returns the number of armed sends.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Len()
}

// fireDue pops every entry whose deadline has passed and queues it for the
// workers. It returns the wait until the next deadline, or false when the
// heap is empty.
func (s *Scheduler) fireDue(now time.Time) (time.Duration, bool) {
	var due []firing
	var wait time.Duration
	armed := false

	s.mu.Lock()
	for s.pending.Len() > 0 {
		head := s.pending[0]
		if head.deadline.After(now) {
			wait = head.deadline.Sub(now)
			armed = true
			break
		}
		heap.Pop(&s.pending)
		due = append(due, firing{target: head.target, payload: head.payload})
	}
	s.mu.Unlock()

	for _, f := range due {
		if err := s.fired.Send(f); err != nil {
			s.logger.Warn("scheduler dispatch queue closed, dropping send", "err", err)
		}
	}
	return wait, armed
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		msg, err := s.fired.Receive(context.Background())
		if err != nil {
			return
		}
		f := msg.(firing)
		if err := deliver(f); err != nil {
			metrics.ScheduledFailures.Inc()
			s.logger.Debug("scheduled send rejected", "err", err)
			continue
		}
		metrics.ScheduledFires.Inc()
	}
}

// deliver calls the target's Send, turning a panic into an error.
func deliver(f firing) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduled send panicked: %v", r)
		}
	}()
	return f.target.Send(f.payload)
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// ScheduledSend is a reusable handle for one delayed delivery. While active
// it sits in exactly one place in its scheduler's heap.
type ScheduledSend struct {
	sched    *Scheduler
	target   domain.Sender
	payload  domain.Message
	deadline time.Time
	seq      uint64
	index    int // heap position, -1 when inactive
}

// Schedule arms the send to fire after d, replacing any earlier arming of
// the same handle.
func (ss *ScheduledSend) Schedule(d time.Duration) error {
	if d <= 0 {
		return ErrInvalidDelay
	}
	s := ss.sched

	s.mu.Lock()
	if ss.index >= 0 {
		heap.Remove(&s.pending, ss.index)
	}
	s.seq++
	ss.seq = s.seq
	ss.deadline = time.Now().Add(d)
	heap.Push(&s.pending, ss)
	isHead := ss.index == 0
	s.mu.Unlock()

	if isHead {
		s.poke()
	}
	return nil
}

// Cancel disarms the send. It is a no-op if the send is inactive or has
// already fired.
func (ss *ScheduledSend) Cancel() {
	s := ss.sched
	s.mu.Lock()
	defer s.mu.Unlock()
	if ss.index >= 0 {
		heap.Remove(&s.pending, ss.index)
	}
}

// Active reports whether the send is armed.
func (ss *ScheduledSend) Active() bool {
	s := ss.sched
	s.mu.Lock()
	defer s.mu.Unlock()
	return ss.index >= 0
}

// Deadline returns the time the send is armed for. Meaningless when inactive.
func (ss *ScheduledSend) Deadline() time.Time {
	s := ss.sched
	s.mu.Lock()
	defer s.mu.Unlock()
	return ss.deadline
}
