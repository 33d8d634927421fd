package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"chatwire/internal/bus"
	"chatwire/internal/config"
	"chatwire/internal/domain"
	"chatwire/internal/protocol"
	"chatwire/internal/scheduler"
	"chatwire/internal/transcript"
)

const hangUpWait = 5 * time.Second

// loadRuntimeConfig loads the config and replaces the global logger with one
// built from it. The returned closer releases the log file, if any.
func loadRuntimeConfig() (*config.Config, func(), error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.General.LogLevel = logLevel
	}
	l, closeLog, err := newLogger(cfg.General)
	if err != nil {
		return nil, nil, err
	}
	logger = l
	return cfg, closeLog, nil
}

func newLogger(g config.GeneralConfig) (*slog.Logger, func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(g.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	closeLog := func() {}
	if g.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(g.LogFile), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(g.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
		closeLog = func() { f.Close() }
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})), closeLog, nil
}

// stack is the process-wide plumbing a session runs on.
type stack struct {
	cfg      *config.Config
	sched    *scheduler.Scheduler
	events   *bus.EventBus
	wire     *protocol.Wire
	store    *transcript.Store
	recorder *transcript.Recorder

	wg sync.WaitGroup
}

// newStack builds the scheduler, event bus, protocol dialect and, when
// enabled, the transcript. Start must be called before dialing.
func newStack(cfg *config.Config) (*stack, error) {
	wire, err := protocol.LoadProfile(cfg.Protocol.Profile, logger)
	if err != nil {
		return nil, err
	}
	st := &stack{
		cfg:    cfg,
		sched:  scheduler.New(scheduler.Config{Workers: cfg.Scheduler.Workers, Logger: logger}),
		events: bus.NewEventBus(logger),
		wire:   wire,
	}
	if cfg.Transcript.Enabled {
		store, err := transcript.Open(cfg.Transcript.DBPath, logger)
		if err != nil {
			return nil, err
		}
		st.store = store
		st.recorder = transcript.NewRecorder(store, logger)
		st.recorder.Attach(st.events)
	}
	return st, nil
}

// start runs the scheduler and the transcript writer until Close. They
// ignore ctx cancellation so the goodbye and the disconnect event that follow
// a Ctrl+C are still recorded.
func (st *stack) start(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	st.wg.Add(1)
	go func() {
		defer st.wg.Done()
		st.sched.Start(ctx)
	}()
	if st.recorder != nil {
		st.wg.Add(1)
		go func() {
			defer st.wg.Done()
			if err := st.recorder.Run(ctx); err != nil {
				logger.Warn("transcript recorder stopped", "err", err)
			}
		}()
	}
}

// Close stops the scheduler, flushes the transcript and closes the store.
func (st *stack) Close() {
	st.sched.Stop()
	if st.recorder != nil {
		st.recorder.Close()
	}
	st.wg.Wait()
	if st.store != nil {
		st.store.Close()
	}
}

// connCloser is the part of a connection hangUp needs.
type connCloser interface {
	Close() error
	Done() <-chan struct{}
}

// hangUp closes conn and waits for its final events to be published, so they
// reach the transcript before Close.
func (st *stack) hangUp(conn connCloser) {
	if err := conn.Close(); err != nil {
		logger.Debug("close connection", "err", err)
	}
	select {
	case <-conn.Done():
	case <-time.After(hangUpWait):
		logger.Warn("connection did not finish closing")
	}
}

// dial connects, logs in and applies the configured nickname and channel.
func (st *stack) dial(ctx context.Context, rawTap domain.Sender) (*protocol.Connection, error) {
	cfg := st.cfg
	if cfg.Account.UserID == "" {
		return nil, errors.New("account.userId is not set (chatwire config set account.userId <id>)")
	}

	conn, err := protocol.Dial(ctx, protocol.Config{
		Addr:          cfg.Server.Addr(),
		DialTimeout:   cfg.Server.DialTimeout(),
		Idle:          cfg.Pipeline.Idle(),
		BurstLimit:    cfg.Pipeline.BurstLimit,
		StopTimeout:   cfg.Pipeline.StopTimeout(),
		PromptTimeout: cfg.Pipeline.PromptTimeout(),
		Lookahead:     cfg.Pipeline.Lookahead(),
		Wire:          st.wire,
		Scheduler:     st.sched,
		Events:        st.events,
		RawTap:        rawTap,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	if st.store != nil {
		rec := transcript.SessionRecord{ID: conn.ID(), Addr: cfg.Server.Addr(), UserID: cfg.Account.UserID}
		if err := st.store.OpenSession(ctx, rec); err != nil {
			logger.Warn("transcript session not recorded", "err", err)
		}
	}

	loginCtx, cancel := context.WithTimeout(ctx, cfg.Pipeline.PromptTimeout()*3)
	defer cancel()
	if err := conn.Login(loginCtx, cfg.Account.UserID, cfg.Account.Password); err != nil {
		conn.Close()
		return nil, fmt.Errorf("login as %s: %w", cfg.Account.UserID, err)
	}
	logger.Info("logged in", "server", cfg.Server.Addr(), "user", cfg.Account.UserID, "session", conn.ID())

	sess := conn.Session()
	if cfg.Account.Nickname != "" {
		if err := sess.SetNickname(cfg.Account.Nickname); err != nil {
			st.hangUp(conn)
			return nil, err
		}
	}
	if cfg.Account.Channel != "" {
		if err := sess.Join(cfg.Account.Channel); err != nil {
			st.hangUp(conn)
			return nil, err
		}
	}
	return conn, nil
}

// writerSender prints raw server output, one burst at a time.
type writerSender struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *writerSender) Send(msg domain.Message) error {
	text, ok := msg.(string)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := io.WriteString(s.w, strings.ReplaceAll(text, "\r", ""))
	return err
}

func (s *writerSender) WaitUntilEmpty(ctx context.Context) error { return nil }
