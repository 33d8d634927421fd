package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"chatwire/internal/domain"
	"chatwire/internal/transcript"

	"github.com/spf13/cobra"
)

func transcriptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transcript",
		Short: "Browse and prune the session transcript",
	}

	var limit int
	sessions := &cobra.Command{
		Use:   "sessions",
		Short: "List recent sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTranscript(func(ctx context.Context, store *transcript.Store) error {
				list, err := store.Sessions(ctx, limit)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "SESSION\tUSER\tSERVER\tSTARTED\tENDED\tEVENTS")
				for _, s := range list {
					ended := "open"
					if !s.EndedAt.IsZero() {
						ended = s.EndedAt.Format(time.DateTime)
						if s.EndCause != "" {
							ended += " (" + s.EndCause + ")"
						}
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
						s.ID, s.UserID, s.Addr, s.StartedAt.Format(time.DateTime), ended, s.Events)
				}
				return w.Flush()
			})
		},
	}
	sessions.Flags().IntVarP(&limit, "limit", "n", 20, "number of sessions")
	cmd.AddCommand(sessions)

	var (
		showLimit int
		kinds     []string
		since     time.Duration
	)
	show := &cobra.Command{
		Use:   "show [session]",
		Short: "Print recorded events, optionally for one session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := transcript.Query{Limit: showLimit}
			if len(args) == 1 {
				q.SessionID = args[0]
			}
			for _, k := range kinds {
				q.Kinds = append(q.Kinds, domain.EventKind(k))
			}
			if since > 0 {
				q.Since = time.Now().Add(-since)
			}
			return withTranscript(func(ctx context.Context, store *transcript.Store) error {
				entries, err := store.Events(ctx, q)
				if err != nil {
					return err
				}
				for _, e := range entries {
					fmt.Println(formatEntry(e))
				}
				return nil
			})
		},
	}
	show.Flags().IntVarP(&showLimit, "limit", "n", 100, "number of events")
	show.Flags().StringSliceVarP(&kinds, "kind", "k", nil, "only these event kinds (speech, notice, bug, ...)")
	show.Flags().DurationVar(&since, "since", 0, "only events newer than this (e.g. 2h)")
	cmd.AddCommand(show)

	var days int
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete events older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTranscript(func(ctx context.Context, store *transcript.Store) error {
				n, err := store.PruneDays(ctx, days)
				if err != nil {
					return err
				}
				fmt.Printf("pruned %d events\n", n)
				return nil
			})
		},
	}
	prune.Flags().IntVar(&days, "days", 90, "keep this many days")
	cmd.AddCommand(prune)

	return cmd
}

func withTranscript(fn func(context.Context, *transcript.Store) error) error {
	cfg, closeLog, err := loadRuntimeConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	store, err := transcript.Open(cfg.Transcript.DBPath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	return fn(ctx, store)
}

func formatEntry(e transcript.Entry) string {
	var b strings.Builder
	b.WriteString(e.At.Format(time.DateTime))
	b.WriteString("  ")
	b.WriteString(fmt.Sprintf("%-10s", e.Kind))
	switch e.Kind {
	case domain.KindSpeech:
		fmt.Fprintf(&b, "%s <%s> %s", e.Detail, e.Nickname, e.Text)
	case domain.KindBug:
		fmt.Fprintf(&b, "%s: %s", e.Detail, e.Text)
	case domain.KindChannel:
		b.WriteString(e.Channel)
	case domain.KindBeep:
		fmt.Fprintf(&b, "from %s (%s)", e.Nickname, e.UserID)
	default:
		b.WriteString(e.Text)
	}
	return b.String()
}
