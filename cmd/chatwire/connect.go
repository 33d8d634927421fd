package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatwire/internal/channel"
	"chatwire/internal/domain"

	"github.com/spf13/cobra"
)

func connectCmd() *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Log in and chat from the terminal",
		Long:  "Connects to the configured server, logs in, and runs an interactive console. Type /help once connected.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnect(raw)
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "also print raw server output to stderr")
	return cmd
}

func runConnect(raw bool) error {
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

	var tap domain.Sender
	if raw {
		tap = &writerSender{w: os.Stderr}
	}

	// The console subscribes before dialing so the banner and login
	// chatter are shown.
	console := channel.NewConsole(channel.ConsoleConfig{
		Events: st.events,
		Ignore: cfg.Account.Ignores,
		Logger: logger,
	})
	defer console.Close()

	conn, err := st.dial(ctx, tap)
	if err != nil {
		return err
	}
	defer st.hangUp(conn)

	console.Attach(conn.Session())
	if err := console.Start(ctx); err != nil {
		return err
	}

	// Give the server a moment to hang up after /quit.
	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
	case <-ctx.Done():
	}
	return nil
}
