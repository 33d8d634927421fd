package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"chatwire/internal/domain"
	"chatwire/internal/metrics"
	"chatwire/internal/protocol"
	"chatwire/internal/relay"
	"chatwire/internal/scheduler"
	"chatwire/internal/transcript"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 10 * time.Second
	pruneInterval   = 24 * time.Hour
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run a headless session with the relay and metrics endpoints",
		Long:  "Logs in and keeps the session open, recording the transcript and serving the enabled relay and metrics endpoints. Press Ctrl+C to stop.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway()
		},
	}
}

func runGateway() error {
	cfg, closeLog, err := loadRuntimeConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := newStack(cfg)
	if err != nil {
		return err
	}
	st.start(ctx)
	defer st.Close()

	if st.store != nil && cfg.Transcript.RetentionDays > 0 {
		job := &pruneJob{store: st.store, days: cfg.Transcript.RetentionDays}
		job.ss = st.sched.NewSend(job, nil)
		job.Send(nil)
		defer job.ss.Cancel()
	}

	conn, err := st.dial(ctx, nil)
	if err != nil {
		return err
	}
	defer st.hangUp(conn)
	sess := conn.Session()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case <-conn.Done():
			return fmt.Errorf("session %s ended: %w", conn.ID(), protocol.ErrDisconnected)
		case <-gctx.Done():
			logger.Info("logging out")
			sess.Quit()
			select {
			case <-conn.Done():
			case <-time.After(2 * time.Second):
			}
			return nil
		}
	})

	muxes := make(map[string]*http.ServeMux)
	mux := func(host string, port int) *http.ServeMux {
		addr := net.JoinHostPort(host, strconv.Itoa(port))
		if m, ok := muxes[addr]; ok {
			return m
		}
		m := http.NewServeMux()
		muxes[addr] = m
		return m
	}

	if cfg.Relay.Enabled {
		r := relay.New(relay.Config{
			Path:   cfg.Relay.Path,
			Token:  cfg.Relay.Token,
			Events: st.events,
			Target: sess,
			Logger: logger,
		})
		defer r.Close()
		mux(cfg.Relay.Host, cfg.Relay.Port).Handle(r.Path(), r)
		logger.Info("relay enabled", "addr", net.JoinHostPort(cfg.Relay.Host, strconv.Itoa(cfg.Relay.Port)), "path", r.Path())
	}
	if cfg.Metrics.Enabled {
		mux(cfg.Metrics.Host, cfg.Metrics.Port).Handle(cfg.Metrics.Endpoint, metrics.Collector.Handler())
		logger.Info("metrics enabled", "addr", net.JoinHostPort(cfg.Metrics.Host, strconv.Itoa(cfg.Metrics.Port)), "endpoint", cfg.Metrics.Endpoint)
	}

	for addr, m := range muxes {
		srv := &http.Server{Addr: addr, Handler: m, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s: %w", addr, err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	logger.Info("gateway started. Press Ctrl+C to stop.", "session", conn.ID())
	err = g.Wait()
	logger.Info("gateway stopped")
	if ctx.Err() != nil {
		// Interrupted by signal: a clean shutdown.
		return nil
	}
	return err
}

// pruneJob applies transcript retention, then re-arms itself on the
// scheduler.
type pruneJob struct {
	store *transcript.Store
	days  int
	ss    *scheduler.ScheduledSend
}

func (p *pruneJob) Send(domain.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, err := p.store.PruneDays(ctx, p.days); err != nil {
		logger.Warn("transcript prune failed", "err", err)
	}
	return p.ss.Schedule(pruneInterval)
}

func (p *pruneJob) WaitUntilEmpty(context.Context) error { return nil }
