package domain

import (
	"context"
	"errors"
	"time"
)

// ErrSenderClosed is returned by Send once a sender has been stopped or cut.
var ErrSenderClosed = errors.New("sender closed")

// Message is an untyped payload. Once handed to Send it is never mutated.
type Message any

// Sender delivers messages to a receiving side. Implementations may block
// (MailBox) or not (FifoQueue). Send must not panic into the caller; stages
// that wrap a Send recover and log instead.
type Sender interface {
	Send(msg Message) error
	// WaitUntilEmpty blocks until everything sent has been taken by the
	// receiving side, or ctx is done.
	WaitUntilEmpty(ctx context.Context) error
}

// Receiver is the consuming half of a rendezvous.
type Receiver interface {
	// Receive blocks until a message is available or ctx is done.
	Receive(ctx context.Context) (Message, error)
	// ReceiveTimeout returns false when no message arrives within timeout.
	ReceiveTimeout(timeout time.Duration) (Message, bool)
	// WaitUntilFull blocks until a message is pending, without consuming it.
	WaitUntilFull(ctx context.Context) error
}

// Rendezvous is a paired send/receive endpoint that can hand out narrowed
// capabilities.
type Rendezvous interface {
	Sender
	Receiver
	SendOnly() Sender
	ReceiveOnly() Receiver
}
