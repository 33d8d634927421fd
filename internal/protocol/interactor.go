package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chatwire/internal/bus"
	"chatwire/internal/domain"
	"chatwire/internal/metrics"
)

var (
	// ErrDisconnected is returned for commands on a session that has ended.
	ErrDisconnected = errors.New("protocol: session disconnected")
	// ErrLoginRejected is returned by Login when the server asks for the
	// login again after the password.
	ErrLoginRejected = errors.New("protocol: login rejected")

	errWaitTimeout = errors.New("timed out waiting for server")
)

// ViolationError reports server output that contradicts what the running
// command expected. It ends the command but not the session.
type ViolationError struct {
	Reason string
	Line   string
}

func (e *ViolationError) Error() string {
	if e.Line == "" {
		return "protocol violation: " + e.Reason
	}
	return fmt.Sprintf("protocol violation: %s (%q)", e.Reason, strings.TrimRight(e.Line, "\n"))
}

const (
	defaultPromptTimeout = 30 * time.Second
	defaultLookahead     = 3 * time.Second
	loginLookahead       = 3
)

// InteractorConfig configures an Interactor.
type InteractorConfig struct {
	Source        string        // session ID used as event source
	Wire          *Wire         // server dialect
	Echoes        *EchoSet      // shared with the InputFilter
	Events        *bus.EventBus // where unsolicited events go
	Output        io.Writer     // lines typed to the server
	PromptTimeout time.Duration // wait for an expected prompt (default 30s)
	Lookahead     time.Duration // per-event wait in gotPrompt (default 3s)
	Logger        *slog.Logger
}

// Interactor runs all protocol logic for one session on a single goroutine.
// Inbound events and queued commands share one FIFO queue. A command that is
// waiting for server output defers any command it meets and leaves later
// events to the owner.
//
// Callers on any goroutine use the exported methods: some only enqueue, the
// others block on a private MailBox until the command has run.
type Interactor struct {
	queue         *bus.FifoQueue
	out           io.Writer
	wire          *Wire
	echoes        *EchoSet
	events        *bus.EventBus
	source        string
	promptTimeout time.Duration
	lookahead     time.Duration
	logger        *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	done      chan struct{}
	gone      atomic.Bool

	// Owned by the run goroutine.
	pushback     []domain.Message
	deferred     []domain.Command
	userID       string
	channel      string
	nominalLeave bool
	lastPrompt   domain.PromptKind
	atPrompt     bool // server is waiting at lastPrompt, nothing typed since
	disconnected bool
	cause        error
}

// NewInteractor creates an interactor. Call Start to run it.
func NewInteractor(cfg InteractorConfig) *Interactor {
	if cfg.Wire == nil {
		cfg.Wire = DefaultWire()
	}
	if cfg.Echoes == nil {
		cfg.Echoes = NewEchoSet()
	}
	if cfg.PromptTimeout <= 0 {
		cfg.PromptTimeout = defaultPromptTimeout
	}
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = defaultLookahead
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Output == nil {
		cfg.Output = io.Discard
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Interactor{
		queue:         bus.NewFifoQueue(),
		out:           cfg.Output,
		wire:          cfg.Wire,
		echoes:        cfg.Echoes,
		events:        cfg.Events,
		source:        cfg.Source,
		promptTimeout: cfg.PromptTimeout,
		lookahead:     cfg.Lookahead,
		logger:        cfg.Logger,
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
}

// Inbox is where the pipeline delivers events, Idle and EndOfStream.
func (i *Interactor) Inbox() domain.Sender {
	return i.queue.SendOnly()
}

// Start runs the interactor goroutine. Cancelling ctx disconnects the
// session.
func (i *Interactor) Start(ctx context.Context) {
	i.startOnce.Do(func() {
		stop := context.AfterFunc(ctx, i.cancel)
		go func() {
			defer stop()
			i.run()
		}()
	})
}

// Close disconnects the session. It does not wait; use Done for that.
func (i *Interactor) Close() {
	i.cancel()
	i.startOnce.Do(func() { go i.run() })
}

// Done is closed after the session has ended and every queued command has
// been answered.
func (i *Interactor) Done() <-chan struct{} {
	return i.done
}

// Disconnected reports whether the session has ended.
func (i *Interactor) Disconnected() bool {
	return i.gone.Load()
}

// Login runs the login handshake and the format setup that follows it.
func (i *Interactor) Login(ctx context.Context, userID, password string) error {
	_, err := i.call(ctx, func() (any, error) {
		return nil, i.login(userID, password)
	})
	return err
}

// SendExpectSend types cmd, then answers the prompt of the given kind with
// line. It returns once the command is queued.
func (i *Interactor) SendExpectSend(cmd string, kind domain.PromptKind, line string) error {
	return i.post(cmd, func() error {
		_, err := i.sendExpectSend(cmd, kind, line)
		return err
	})
}

// SendExpectSend2 is SendExpectSend with a second prompt answered after the
// first.
func (i *Interactor) SendExpectSend2(cmd string, kind1 domain.PromptKind, line1 string, kind2 domain.PromptKind, line2 string) error {
	return i.post(cmd, func() error {
		ok, err := i.sendExpectSend(cmd, kind1, line1)
		if err != nil || !ok {
			return err
		}
		_, err = i.promptThenTypeOrPublish(kind2, line2)
		return err
	})
}

// SendGather types cmd and returns the lines of its response.
func (i *Interactor) SendGather(ctx context.Context, cmd string) ([]string, error) {
	v, err := i.call(ctx, func() (any, error) {
		if err := i.typeLine(cmd); err != nil {
			return nil, err
		}
		return i.gatherResponse()
	})
	lines, _ := v.([]string)
	return lines, err
}

// SendExpectSendGather types cmd, answers the prompt, and returns the lines
// of the response. When the server answers with text instead of the prompt,
// that text is the response.
func (i *Interactor) SendExpectSendGather(ctx context.Context, cmd string, kind domain.PromptKind, line string) ([]string, error) {
	v, err := i.call(ctx, func() (any, error) {
		if err := i.typeLine(cmd); err != nil {
			return nil, err
		}
		ok, text, err := i.promptThenType(kind, line)
		if err != nil {
			return nil, err
		}
		if !ok {
			return []string{text}, nil
		}
		return i.gatherResponse()
	})
	lines, _ := v.([]string)
	return lines, err
}

// TypeLine sends line and expects the server to echo it.
func (i *Interactor) TypeLine(line string) error {
	return i.post("type", func() error { return i.typeLine(line) })
}

// RawSend sends text without expecting an echo.
func (i *Interactor) RawSend(text string) error {
	return i.post("raw", func() error { return i.rawSend(text) })
}

// Channel returns the channel the session is in, as last announced by the
// server.
func (i *Interactor) Channel(ctx context.Context) (string, error) {
	v, err := i.call(ctx, func() (any, error) { return i.channel, nil })
	channel, _ := v.(string)
	return channel, err
}

type reply struct {
	value any
	err   error
}

// call runs fn on the interactor goroutine and waits for its result.
func (i *Interactor) call(ctx context.Context, fn func() (any, error)) (any, error) {
	if i.gone.Load() {
		return nil, ErrDisconnected
	}
	start := time.Now()
	box := bus.NewMailBox()
	cmd := domain.Command(func() {
		v, err := fn()
		i.report(err)
		_ = box.Send(reply{value: v, err: err})
	})
	if err := i.queue.Send(cmd); err != nil {
		return nil, ErrDisconnected
	}

	msg, err := box.Receive(ctx)
	if err != nil {
		return nil, err
	}
	metrics.CommandLatency.Observe(time.Since(start).Seconds())
	r := msg.(reply)
	return r.value, r.err
}

// post queues fn without waiting. Failures are logged and violations
// reported as bug events.
func (i *Interactor) post(name string, fn func() error) error {
	cmd := domain.Command(func() {
		if err := fn(); err != nil {
			i.report(err)
			i.logger.Debug("command failed", "command", name, "err", err)
		}
	})
	if err := i.queue.Send(cmd); err != nil {
		return ErrDisconnected
	}
	return nil
}

func (i *Interactor) report(err error) {
	var v *ViolationError
	if errors.As(err, &v) {
		i.publish(domain.BugReport{Reason: v.Reason, Line: v.Line})
	}
}

func (i *Interactor) run() {
	defer i.finish()

	for !i.disconnected {
		if len(i.deferred) > 0 {
			cmd := i.deferred[0]
			i.deferred = i.deferred[1:]
			i.runCommand(cmd)
			continue
		}
		if len(i.pushback) > 0 {
			msg := i.pushback[0]
			i.pushback = i.pushback[1:]
			i.dispatch(msg)
			continue
		}

		msg, err := i.queue.Receive(i.ctx)
		if err != nil {
			i.markDisconnected(err)
			break
		}
		switch m := msg.(type) {
		case domain.Command:
			i.runCommand(m)
		case domain.EndOfStream:
			i.markDisconnected(streamCause(m))
		default:
			i.dispatch(m)
		}
	}
}

// finish answers everything still queued, then announces the disconnect.
func (i *Interactor) finish() {
	i.queue.Close()
	i.pushback = nil

	for len(i.deferred) > 0 {
		cmd := i.deferred[0]
		i.deferred = i.deferred[1:]
		i.runCommand(cmd)
	}
	for {
		msg, err := i.queue.Receive(context.Background())
		if err != nil {
			break
		}
		if cmd, ok := msg.(domain.Command); ok {
			i.runCommand(cmd)
		}
	}

	if i.cause != nil && !errors.Is(i.cause, io.EOF) {
		i.publish(domain.ErrorEvent{Err: i.cause})
	}
	i.publish(domain.DisconnectEvent{Cause: i.cause})
	i.logger.Info("session ended", "session", i.source, "cause", i.cause)
	close(i.done)
}

func (i *Interactor) runCommand(cmd domain.Command) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("interactor command panic", "session", i.source, "panic", r)
		}
	}()
	metrics.CommandsTotal.Inc()
	cmd()
}

func (i *Interactor) dispatch(msg domain.Message) {
	if ev, ok := msg.(domain.Event); ok {
		i.publish(ev)
	}
}

// observe keeps session state current. It returns false for events the
// owner should not see.
func (i *Interactor) observe(ev domain.Event) bool {
	switch e := ev.(type) {
	case domain.ChannelEvent:
		i.channel = e.Channel
	case domain.PromptEvent:
		i.lastPrompt = e.Prompt
		i.atPrompt = true
	case domain.NoticeEvent:
		if i.nominalLeave && e.Leaving() && e.UserID == i.userID {
			i.nominalLeave = false
			return false
		}
	}
	return true
}

func (i *Interactor) publish(ev domain.Event) {
	if !i.observe(ev) {
		return
	}
	metrics.EventsTotal.Inc()
	if ev.Kind() == domain.KindBug {
		metrics.BugReportsTotal.Inc()
	}
	if i.events != nil {
		i.events.Publish(i.source, ev)
	}
}

func (i *Interactor) markDisconnected(err error) {
	if i.disconnected {
		return
	}
	i.disconnected = true
	i.gone.Store(true)
	if errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrSenderClosed) {
		err = nil
	}
	i.cause = err
}

func streamCause(eos domain.EndOfStream) error {
	if eos.Err == nil {
		return io.EOF
	}
	return eos.Err
}

// nextEvent returns the next pushed-back or inbound event or Idle marker.
// Commands met on the way are deferred.
func (i *Interactor) nextEvent(timeout time.Duration) (domain.Message, error) {
	if len(i.pushback) > 0 {
		msg := i.pushback[0]
		i.pushback = i.pushback[1:]
		return msg, nil
	}
	if i.disconnected {
		return nil, ErrDisconnected
	}

	ctx, cancel := context.WithTimeout(i.ctx, timeout)
	defer cancel()
	for {
		msg, err := i.queue.Receive(ctx)
		if err != nil {
			if i.ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				return nil, errWaitTimeout
			}
			i.markDisconnected(err)
			return nil, ErrDisconnected
		}
		switch m := msg.(type) {
		case domain.Command:
			i.deferred = append(i.deferred, m)
		case domain.EndOfStream:
			i.markDisconnected(streamCause(m))
			return nil, ErrDisconnected
		default:
			return m, nil
		}
	}
}

func waitErr(err error, what string) error {
	if errors.Is(err, errWaitTimeout) {
		return &ViolationError{Reason: "timed out waiting for " + what}
	}
	return err
}

// expectPrompt waits for the next prompt, passing other events to the
// owner, and fails if it is not of the given kind.
func (i *Interactor) expectPrompt(kind domain.PromptKind) error {
	return i.awaitPrompt(kind, true)
}

// ignoreUntilPrompt is expectPrompt that drops the events in between.
func (i *Interactor) ignoreUntilPrompt(kind domain.PromptKind) error {
	return i.awaitPrompt(kind, false)
}

func (i *Interactor) awaitPrompt(kind domain.PromptKind, forward bool) error {
	for {
		msg, err := i.nextEvent(i.promptTimeout)
		if err != nil {
			return waitErr(err, string(kind)+" prompt")
		}
		switch ev := msg.(type) {
		case domain.PromptEvent:
			i.lastPrompt = ev.Prompt
			if ev.Prompt != kind {
				return &ViolationError{
					Reason: fmt.Sprintf("expected %s prompt, got %s", kind, ev.Prompt),
					Line:   ev.Text,
				}
			}
			return nil
		case domain.BugReport:
			i.publish(ev)
		case domain.Event:
			if forward {
				i.publish(ev)
			} else {
				i.observe(ev)
			}
		}
	}
}

// gotPrompt looks ahead up to maxLines events for a prompt of the given
// kind. Events looked at are pushed back unless they were that prompt. The
// lookahead also ends when the server goes quiet after saying something,
// or on timeout. The outcome depends on server timing.
func (i *Interactor) gotPrompt(maxLines int, kind domain.PromptKind) (bool, error) {
	var seen []domain.Message
	defer func() {
		i.pushback = append(seen, i.pushback...)
	}()

	for len(seen) < maxLines {
		msg, err := i.nextEvent(i.lookahead)
		if errors.Is(err, errWaitTimeout) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if _, ok := msg.(domain.Idle); ok {
			// An Idle before any reply is left over from the prompt we
			// just answered.
			if len(seen) > 0 {
				return false, nil
			}
			continue
		}
		if p, ok := msg.(domain.PromptEvent); ok && p.Prompt == kind {
			i.lastPrompt = kind
			return true, nil
		}
		seen = append(seen, msg)
	}
	return false, nil
}

// promptThenType waits for the prompt and types line. If the server answers
// with plain text instead, the sequence is abandoned and the text returned.
func (i *Interactor) promptThenType(kind domain.PromptKind, line string) (bool, string, error) {
	for {
		msg, err := i.nextEvent(i.promptTimeout)
		if err != nil {
			return false, "", waitErr(err, string(kind)+" prompt")
		}
		switch ev := msg.(type) {
		case domain.PromptEvent:
			i.lastPrompt = ev.Prompt
			if ev.Prompt != kind {
				return false, "", &ViolationError{
					Reason: fmt.Sprintf("expected %s prompt, got %s", kind, ev.Prompt),
					Line:   ev.Text,
				}
			}
			return true, "", i.typeLine(line)
		case domain.TextEvent:
			return false, ev.Text, nil
		case domain.Event:
			i.publish(ev)
		}
	}
}

// promptThenTypeOrPublish is promptThenType that hands a refusal to the
// owner.
func (i *Interactor) promptThenTypeOrPublish(kind domain.PromptKind, line string) (bool, error) {
	ok, text, err := i.promptThenType(kind, line)
	if err == nil && !ok {
		i.publish(domain.TextEvent{Text: text})
	}
	return ok, err
}

func (i *Interactor) sendExpectSend(cmd string, kind domain.PromptKind, line string) (bool, error) {
	if err := i.typeLine(cmd); err != nil {
		return false, err
	}
	return i.promptThenTypeOrPublish(kind, line)
}

func (i *Interactor) sendExpectType(cmd string, kind domain.PromptKind, line string) error {
	if err := i.typeLine(cmd); err != nil {
		return err
	}
	if err := i.expectPrompt(kind); err != nil {
		return err
	}
	return i.typeLine(line)
}

// typeLine sends line and records it as an expected echo.
func (i *Interactor) typeLine(line string) error {
	if i.disconnected {
		return ErrDisconnected
	}
	i.echoes.Expect(line)
	return i.rawSend(line)
}

// rawSend sends text as a line without expecting an echo.
func (i *Interactor) rawSend(text string) error {
	if i.disconnected {
		return ErrDisconnected
	}
	i.atPrompt = false
	if _, err := io.WriteString(i.out, text+"\n"); err != nil {
		i.markDisconnected(err)
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return nil
}

// gatherResponse sends the sentinel and collects plain text until the
// sentinel's echo and its rejection come back. Neither is returned.
func (i *Interactor) gatherResponse() ([]string, error) {
	if err := i.rawSend(GatherSentinel); err != nil {
		return nil, err
	}

	var lines []string
	sawSentinel := false
	for {
		msg, err := i.nextEvent(i.promptTimeout)
		if err != nil {
			return lines, waitErr(err, "end of response")
		}
		switch ev := msg.(type) {
		case domain.TextEvent:
			switch {
			case ev.Text == GatherSentinel:
				sawSentinel = true
			case sawSentinel && ev.Text == RejectionLine:
				return lines, nil
			default:
				lines = append(lines, ev.Text)
			}
		case domain.Event:
			i.publish(ev)
		}
	}
}

func (i *Interactor) login(userID, password string) error {
	// The login prompt may have arrived before this command ran.
	if !i.atPrompt || i.lastPrompt != domain.PromptLogin {
		if err := i.ignoreUntilPrompt(domain.PromptLogin); err != nil {
			return err
		}
	}
	if err := i.typeLine(userID); err != nil {
		return err
	}
	if err := i.expectPrompt(domain.PromptPassword); err != nil {
		return err
	}
	if err := i.rawSend(password); err != nil {
		return err
	}
	rejected, err := i.gotPrompt(loginLookahead, domain.PromptLogin)
	if err != nil {
		return err
	}
	if rejected {
		return ErrLoginRejected
	}
	i.userID = userID

	// Banners may still be arriving, so these wait for their prompt
	// instead of treating text as a refusal.
	cmds := i.wire.Commands
	if err := i.sendExpectType(cmds.SpeechFormat, domain.PromptFormat, i.wire.SpeechFormat); err != nil {
		return fmt.Errorf("set speech format: %w", err)
	}
	if err := i.sendExpectType(cmds.Width, domain.PromptWidth, "0"); err != nil {
		return fmt.Errorf("set width: %w", err)
	}
	i.logger.Info("logged in", "session", i.source, "user", userID)
	return nil
}
