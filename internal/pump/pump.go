// Package pump adapts a blocking character source into a domain.Sender
// pipeline.
package pump

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"chatwire/internal/domain"
	"chatwire/internal/metrics"
)

// ErrStopTimeout is returned by StopSending when the reading goroutine did
// not exit within Options.StopTimeout after its source was closed.
var ErrStopTimeout = errors.New("pump: reader did not stop in time")

const defaultStopTimeout = 5 * time.Second

// Options configures a Pump.
type Options struct {
	BurstLimit  int           // max runes per burst; 0 means unbounded
	StopTimeout time.Duration // how long StopSending waits (default 5s)
	Logger      *slog.Logger
}

// Pump reads from src on its own goroutine and forwards what it reads to
// target as domain.CharBurst values. When the source ends it sends a single
// domain.EndOfStream and never sends again.
type Pump struct {
	src    io.ReadCloser
	r      *bufio.Reader
	target domain.Sender
	opts   Options
	logger *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stopping  atomic.Bool
	stopErr   error
	done      chan struct{}
}

// New creates a pump. Call Start to begin reading.
func New(src io.ReadCloser, target domain.Sender, opts Options) *Pump {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = defaultStopTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Pump{
		src:    src,
		r:      bufio.NewReader(src),
		target: target,
		opts:   opts,
		logger: opts.Logger,
		done:   make(chan struct{}),
	}
}

// Start launches the reading goroutine. Cancelling ctx has the same effect
// as StopSending. Only the first call does anything.
func (p *Pump) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		go p.run()
		go func() {
			select {
			case <-ctx.Done():
				if err := p.StopSending(); err != nil {
					p.logger.Warn("pump stop after cancel", "err", err)
				}
			case <-p.done:
			}
		}()
	})
}

// Done is closed once the reading goroutine has exited.
func (p *Pump) Done() <-chan struct{} {
	return p.done
}

// StopSending stops the pump. The source is closed so that a read parked
// inside it returns; the call then waits up to StopTimeout for the reading
// goroutine to exit. Safe to call from any goroutine, any number of times.
func (p *Pump) StopSending() error {
	p.stopOnce.Do(func() {
		p.stopping.Store(true)

		// A pump that never started has nothing to wait for.
		p.startOnce.Do(func() { close(p.done) })

		if err := p.src.Close(); err != nil {
			p.logger.Debug("pump source close", "err", err)
		}
		select {
		case <-p.done:
		case <-time.After(p.opts.StopTimeout):
			p.stopErr = ErrStopTimeout
			p.logger.Error("pump reader stuck after close", "timeout", p.opts.StopTimeout)
		}
	})
	return p.stopErr
}

func (p *Pump) run() {
	defer close(p.done)

	for {
		burst, terminal := p.readBurst()

		// Reads that fail because we closed the source are not news.
		if p.stopping.Load() {
			return
		}

		if len(burst) > 0 {
			metrics.BurstsTotal.Inc()
			if err := p.target.Send(burst); err != nil {
				if errors.Is(err, domain.ErrSenderClosed) {
					p.logger.Debug("pump target closed, stopping")
					return
				}
				p.logger.Warn("pump send failed", "err", err)
			}
		}

		if terminal != nil {
			if err := p.target.Send(*terminal); err != nil {
				p.logger.Debug("pump terminal send failed", "err", err)
			}
			return
		}
	}
}

// readBurst blocks for one rune, then takes whatever complete runes are
// already buffered, up to the burst limit.
func (p *Pump) readBurst() (domain.CharBurst, *domain.EndOfStream) {
	r, _, err := p.r.ReadRune()
	if err != nil {
		return nil, terminalFor(err)
	}
	burst := domain.CharBurst{r}

	for p.opts.BurstLimit <= 0 || len(burst) < p.opts.BurstLimit {
		n := p.r.Buffered()
		if n == 0 {
			break
		}
		peek, _ := p.r.Peek(n)
		if !utf8.FullRune(peek) {
			break
		}
		r, _, err = p.r.ReadRune()
		if err != nil {
			return burst, terminalFor(err)
		}
		burst = append(burst, r)
	}
	return burst, nil
}

func terminalFor(err error) *domain.EndOfStream {
	if errors.Is(err, io.EOF) {
		return &domain.EndOfStream{}
	}
	return &domain.EndOfStream{Err: err}
}
