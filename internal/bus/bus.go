package bus

import (
	"context"
	"time"

	"chatwire/internal/domain"
)

// FifoQueue is an unbounded, ordered rendezvous. Send never blocks; Receive
// blocks while the queue is empty.
type FifoQueue struct {
	m      monitor
	items  []domain.Message
	closed bool
}

// NewFifoQueue creates an empty queue.
func NewFifoQueue() *FifoQueue {
	q := &FifoQueue{}
	q.m.init()
	return q
}

// Send appends msg. It fails only after Close.
func (q *FifoQueue) Send(msg domain.Message) error {
	q.m.mu.Lock()
	defer q.m.mu.Unlock()

	if q.closed {
		return domain.ErrSenderClosed
	}
	q.items = append(q.items, msg)
	q.m.broadcastLocked()
	return nil
}

// Receive removes and returns the oldest message. Once the queue is closed
// and drained it returns domain.ErrSenderClosed.
func (q *FifoQueue) Receive(ctx context.Context) (domain.Message, error) {
	q.m.mu.Lock()
	defer q.m.mu.Unlock()

	if err := q.m.waitLocked(ctx, func() bool { return len(q.items) > 0 || q.closed }); err != nil {
		return nil, err
	}
	if len(q.items) == 0 {
		return nil, domain.ErrSenderClosed
	}
	msg := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	q.m.broadcastLocked()
	return msg, nil
}

// ReceiveTimeout is Receive bounded by timeout; false means no message.
func (q *FifoQueue) ReceiveTimeout(timeout time.Duration) (domain.Message, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	msg, err := q.Receive(ctx)
	return msg, err == nil
}

// WaitUntilFull blocks until at least one message is queued.
func (q *FifoQueue) WaitUntilFull(ctx context.Context) error {
	q.m.mu.Lock()
	defer q.m.mu.Unlock()

	if err := q.m.waitLocked(ctx, func() bool { return len(q.items) > 0 || q.closed }); err != nil {
		return err
	}
	if len(q.items) == 0 {
		return domain.ErrSenderClosed
	}
	return nil
}

// WaitUntilEmpty blocks until every queued message has been received.
func (q *FifoQueue) WaitUntilEmpty(ctx context.Context) error {
	q.m.mu.Lock()
	defer q.m.mu.Unlock()
	return q.m.waitLocked(ctx, func() bool { return len(q.items) == 0 })
}

// Len returns the number of pending messages.
func (q *FifoQueue) Len() int {
	q.m.mu.Lock()
	defer q.m.mu.Unlock()
	return len(q.items)
}

// Close rejects further sends. Pending messages can still be received.
// Safe to call multiple times.
func (q *FifoQueue) Close() {
	q.m.mu.Lock()
	defer q.m.mu.Unlock()

	if !q.closed {
		q.closed = true
		q.m.broadcastLocked()
	}
}

func (q *FifoQueue) SendOnly() domain.Sender      { return SendOnly(q) }
func (q *FifoQueue) ReceiveOnly() domain.Receiver { return ReceiveOnly(q) }
