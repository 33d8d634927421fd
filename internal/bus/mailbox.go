package bus

import (
	"context"
	"time"

	"chatwire/internal/domain"
)

// MailBox is a single-slot rendezvous. Send blocks while the slot is full and
// Receive blocks while it is empty, so full and empty strictly alternate.
type MailBox struct {
	m    monitor
	full bool
	msg  domain.Message
}

// NewMailBox creates an empty mailbox.
func NewMailBox() *MailBox {
	mb := &MailBox{}
	mb.m.init()
	return mb
}

// Send blocks until the slot is free, then fills it.
func (mb *MailBox) Send(msg domain.Message) error {
	return mb.SendContext(context.Background(), msg)
}

// SendContext is Send that gives up when ctx is done.
func (mb *MailBox) SendContext(ctx context.Context, msg domain.Message) error {
	mb.m.mu.Lock()
	defer mb.m.mu.Unlock()

	if err := mb.m.waitLocked(ctx, func() bool { return !mb.full }); err != nil {
		return err
	}
	mb.msg = msg
	mb.full = true
	mb.m.broadcastLocked()
	return nil
}

// Receive blocks until the slot is full, then empties it.
func (mb *MailBox) Receive(ctx context.Context) (domain.Message, error) {
	mb.m.mu.Lock()
	defer mb.m.mu.Unlock()

	if err := mb.m.waitLocked(ctx, func() bool { return mb.full }); err != nil {
		return nil, err
	}
	msg := mb.msg
	mb.msg = nil
	mb.full = false
	mb.m.broadcastLocked()
	return msg, nil
}

// ReceiveTimeout is Receive bounded by timeout; false means no message.
func (mb *MailBox) ReceiveTimeout(timeout time.Duration) (domain.Message, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	msg, err := mb.Receive(ctx)
	return msg, err == nil
}

// WaitUntilFull blocks until a message is pending, without taking it.
func (mb *MailBox) WaitUntilFull(ctx context.Context) error {
	mb.m.mu.Lock()
	defer mb.m.mu.Unlock()
	return mb.m.waitLocked(ctx, func() bool { return mb.full })
}

// WaitUntilEmpty blocks until the pending message has been taken.
func (mb *MailBox) WaitUntilEmpty(ctx context.Context) error {
	mb.m.mu.Lock()
	defer mb.m.mu.Unlock()
	return mb.m.waitLocked(ctx, func() bool { return !mb.full })
}

// Full reports whether a message is pending.
func (mb *MailBox) Full() bool {
	mb.m.mu.Lock()
	defer mb.m.mu.Unlock()
	return mb.full
}

func (mb *MailBox) SendOnly() domain.Sender      { return SendOnly(mb) }
func (mb *MailBox) ReceiveOnly() domain.Receiver { return ReceiveOnly(mb) }
