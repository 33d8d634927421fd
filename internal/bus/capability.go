package bus

import (
	"context"
	"time"

	"chatwire/internal/domain"
)

// sendOnly hides everything but the sending half of a rendezvous. The
// wrapped value is unexported so it cannot be asserted back.
type sendOnly struct {
	s domain.Sender
}

// SendOnly narrows s to its sending capability.
func SendOnly(s domain.Sender) domain.Sender {
	if so, ok := s.(sendOnly); ok {
		return so
	}
	return sendOnly{s: s}
}

func (so sendOnly) Send(msg domain.Message) error { return so.s.Send(msg) }

func (so sendOnly) WaitUntilEmpty(ctx context.Context) error { return so.s.WaitUntilEmpty(ctx) }

type receiveOnly struct {
	r domain.Receiver
}

// ReceiveOnly narrows r to its receiving capability.
func ReceiveOnly(r domain.Receiver) domain.Receiver {
	if ro, ok := r.(receiveOnly); ok {
		return ro
	}
	return receiveOnly{r: r}
}

func (ro receiveOnly) Receive(ctx context.Context) (domain.Message, error) { return ro.r.Receive(ctx) }

func (ro receiveOnly) ReceiveTimeout(timeout time.Duration) (domain.Message, bool) {
	return ro.r.ReceiveTimeout(timeout)
}

func (ro receiveOnly) WaitUntilFull(ctx context.Context) error { return ro.r.WaitUntilFull(ctx) }

var (
	_ domain.Rendezvous = (*FifoQueue)(nil)
	_ domain.Rendezvous = (*MailBox)(nil)
)
