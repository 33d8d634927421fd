package filter

import (
	"context"
	"sync"

	"chatwire/internal/domain"
	"chatwire/internal/metrics"
)

// LineAssembler turns character bursts into domain.Line values. CR, LF and
// CRLF each end a line with a single "\n". Any other message is a delimiter:
// it flushes a partial line (without a newline) and is then relayed as is.
type LineAssembler struct {
	mu        sync.Mutex
	target    domain.Sender
	buf       []rune
	swallowLF bool
}

// NewLineAssembler creates an assembler feeding target.
func NewLineAssembler(target domain.Sender) *LineAssembler {
	return &LineAssembler{target: target}
}

// Send consumes msg.
func (la *LineAssembler) Send(msg domain.Message) error {
	la.mu.Lock()
	defer la.mu.Unlock()

	burst, ok := msg.(domain.CharBurst)
	if !ok {
		if err := la.flush(false); err != nil {
			return err
		}
		return safeSend(la.target, msg)
	}

	for _, r := range burst {
		switch r {
		case '\r':
			if err := la.flush(true); err != nil {
				return err
			}
			la.swallowLF = true
		case '\n':
			if la.swallowLF {
				la.swallowLF = false
				continue
			}
			if err := la.flush(true); err != nil {
				return err
			}
		default:
			la.buf = append(la.buf, r)
			la.swallowLF = false
		}
	}
	return nil
}

// flush emits the buffered text. A bare flush of an empty buffer emits
// nothing; a newline flush always emits at least "\n". mu must be held.
func (la *LineAssembler) flush(newline bool) error {
	if !newline && len(la.buf) == 0 {
		return nil
	}
	if newline {
		la.buf = append(la.buf, '\n')
	}
	line := domain.Line(la.buf)
	la.buf = la.buf[:0]
	metrics.LinesTotal.Inc()
	return safeSend(la.target, line)
}

// WaitUntilEmpty delegates to the target.
func (la *LineAssembler) WaitUntilEmpty(ctx context.Context) error {
	return la.target.WaitUntilEmpty(ctx)
}
