package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"chatwire/internal/bus"
	"chatwire/internal/domain"
	"chatwire/internal/filter"
	"chatwire/internal/metrics"
	"chatwire/internal/pump"
	"chatwire/internal/scheduler"

	"github.com/google/uuid"
)

const (
	defaultDialTimeout = 10 * time.Second
	defaultIdle        = 300 * time.Millisecond
)

// Config configures a Connection.
type Config struct {
	Addr          string // host:port, used by Dial
	DialTimeout   time.Duration
	Idle          time.Duration // quiet period that flushes partial lines (default 300ms)
	BurstLimit    int
	StopTimeout   time.Duration
	PromptTimeout time.Duration
	Lookahead     time.Duration

	Wire      *Wire
	Scheduler *scheduler.Scheduler // required
	Events    *bus.EventBus
	RawTap    domain.Sender // optional; receives server output as strings
	Logger    *slog.Logger
}

// Connection wires a duplex stream into the input pipeline and an
// interactor:
//
//	pump → fan-out ─┬→ idle → lines → input filter → gate → interactor
//	                └→ stringer → raw tap
type Connection struct {
	id         string
	conn       io.ReadWriteCloser
	pump       *pump.Pump
	fanout     *filter.Resender
	idle       *filter.IdleFilter
	input      *InputFilter
	gate       *filter.Gate
	interactor *Interactor
	events     *bus.EventBus
	logger     *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Dial connects to cfg.Addr over TCP and starts a connection on it.
func Dial(ctx context.Context, cfg Config) (*Connection, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	d := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Addr, err)
	}
	c, err := NewConnection(ctx, conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// NewConnection starts the pipeline on an established stream. Cancelling
// ctx ends the session.
func NewConnection(ctx context.Context, conn io.ReadWriteCloser, cfg Config) (*Connection, error) {
	if cfg.Scheduler == nil {
		return nil, errors.New("protocol: connection needs a scheduler")
	}
	if cfg.Wire == nil {
		cfg.Wire = DefaultWire()
	}
	if cfg.Idle <= 0 {
		cfg.Idle = defaultIdle
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	id := uuid.NewString()
	logger := cfg.Logger.With("session", id)
	echoes := NewEchoSet()

	it := NewInteractor(InteractorConfig{
		Source:        id,
		Wire:          cfg.Wire,
		Echoes:        echoes,
		Events:        cfg.Events,
		Output:        &lineWriter{w: conn},
		PromptTimeout: cfg.PromptTimeout,
		Lookahead:     cfg.Lookahead,
		Logger:        logger,
	})
	gate := filter.NewGate(it.Inbox())
	input := NewInputFilter(InputConfig{Target: gate, Wire: cfg.Wire, Echoes: echoes, Logger: logger})
	lines := filter.NewLineAssembler(input)
	idle := filter.NewIdleFilter(lines, cfg.Idle, cfg.Scheduler, logger)
	fanout := filter.NewResender(logger, idle)
	if cfg.RawTap != nil {
		if err := fanout.Add(filter.NewBurstStringer(cfg.RawTap)); err != nil {
			return nil, fmt.Errorf("attach raw tap: %w", err)
		}
	}

	c := &Connection{
		id:   id,
		conn: conn,
		pump: pump.New(conn, fanout, pump.Options{
			BurstLimit:  cfg.BurstLimit,
			StopTimeout: cfg.StopTimeout,
			Logger:      logger,
		}),
		fanout:     fanout,
		idle:       idle,
		input:      input,
		gate:       gate,
		interactor: it,
		events:     cfg.Events,
		logger:     logger,
	}

	metrics.ActiveSessions.Inc()
	it.Start(ctx)
	c.pump.Start(ctx)
	go func() {
		<-it.Done()
		if err := c.Close(); err != nil {
			logger.Warn("connection teardown", "err", err)
		}
	}()

	logger.Info("session started")
	return c, nil
}

// ID returns the session ID.
func (c *Connection) ID() string { return c.id }

// Interactor returns the session's interactor.
func (c *Connection) Interactor() *Interactor { return c.interactor }

// Session returns the command API for this connection.
func (c *Connection) Session() *Session { return &Session{conn: c, it: c.interactor} }

// Input returns the session's input filter.
func (c *Connection) Input() *InputFilter { return c.input }

// Done is closed once the session has ended.
func (c *Connection) Done() <-chan struct{} { return c.interactor.Done() }

// Login logs in. Any failure other than a lost connection is reported as an
// error event and ends the session.
func (c *Connection) Login(ctx context.Context, userID, password string) error {
	err := c.interactor.Login(ctx, userID, password)
	if err == nil || errors.Is(err, ErrDisconnected) {
		return err
	}
	if c.events != nil {
		c.events.Publish(c.id, domain.ErrorEvent{Err: err})
	}
	c.logger.Warn("login failed", "user", userID, "err", err)
	if cerr := c.Close(); cerr != nil {
		c.logger.Debug("close after failed login", "err", cerr)
	}
	return err
}

// Close tears the pipeline down front to back and closes the stream. It is
// safe to call more than once and from any goroutine.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.gate.Stop()
		if err := c.pump.StopSending(); err != nil {
			c.closeErr = fmt.Errorf("stop pump: %w", err)
		}
		c.idle.Stop()
		c.fanout.Stop()
		c.input.Stop()
		c.interactor.Close()
		metrics.ActiveSessions.Dec()
		c.logger.Debug("connection closed")
	})
	return c.closeErr
}

// lineWriter serializes writes to the stream. Some platforms report a
// zero errno on a write that succeeded; that is not an error.
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (lw *lineWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	n, err := lw.w.Write(p)
	if isBenignWriteError(err) {
		return len(p), nil
	}
	return n, err
}

func isBenignWriteError(err error) bool {
	var errno syscall.Errno
	return errors.As(err, &errno) && errno == 0
}
