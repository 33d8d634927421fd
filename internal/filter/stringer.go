package filter

import (
	"context"

	"chatwire/internal/domain"
)

// BurstStringer converts character bursts to plain strings for consumers
// that do not care about line structure. Other messages pass through unchanged.
type BurstStringer struct {
	target domain.Sender
}

// NewBurstStringer creates a converter feeding target.
func NewBurstStringer(target domain.Sender) *BurstStringer {
	return &BurstStringer{target: target}
}

// Send forwards a CharBurst as a string and anything else as is.
func (s *BurstStringer) Send(msg domain.Message) error {
	if burst, ok := msg.(domain.CharBurst); ok {
		return safeSend(s.target, string(burst))
	}
	return safeSend(s.target, msg)
}

// WaitUntilEmpty waits on the target.
func (s *BurstStringer) WaitUntilEmpty(ctx context.Context) error {
	return s.target.WaitUntilEmpty(ctx)
}
