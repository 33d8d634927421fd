package transcript

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"chatwire/internal/bus"
	"chatwire/internal/domain"
	"chatwire/internal/metrics"
)

// Recorder copies every event published on an EventBus into a Store. Bus
// handlers run on the interactor goroutine, so the handler only queues the
// event; Run does the writing.
type Recorder struct {
	store  *Store
	queue  *bus.FifoQueue
	logger *slog.Logger

	events    *bus.EventBus
	handlerID string
}

// NewRecorder creates a Recorder writing into store.
func NewRecorder(store *Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, queue: bus.NewFifoQueue(), logger: logger}
}

// Attach subscribes the recorder to every event on eb.
func (r *Recorder) Attach(eb *bus.EventBus) {
	r.events = eb
	r.handlerID = eb.On(bus.Wildcard, func(e bus.Event) {
		if err := r.queue.Send(e); err != nil {
			r.logger.Debug("transcript closed, event dropped", "kind", e.Type)
		}
	})
}

// Run writes queued events until Close is called or ctx is done. Events
// queued before Close are still written.
func (r *Recorder) Run(ctx context.Context) error {
	writeCtx := context.WithoutCancel(ctx)
	for {
		msg, err := r.queue.Receive(ctx)
		if errors.Is(err, domain.ErrSenderClosed) {
			return nil
		}
		if err != nil {
			r.flush()
			return nil
		}
		r.write(writeCtx, msg.(bus.Event))
	}
}

// flush writes whatever is left in the queue after cancellation.
func (r *Recorder) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for r.queue.Len() > 0 {
		msg, err := r.queue.Receive(ctx)
		if err != nil {
			return
		}
		r.write(ctx, msg.(bus.Event))
	}
}

// Close unsubscribes and lets Run finish once the queue drains.
func (r *Recorder) Close() {
	if r.events != nil {
		r.events.Off(bus.Wildcard, r.handlerID)
	}
	r.queue.Close()
}

func (r *Recorder) write(ctx context.Context, e bus.Event) {
	entry := EntryFor(e)
	if _, err := r.store.Append(ctx, entry); err != nil {
		metrics.TranscriptErrors.Inc()
		r.logger.Warn("transcript write failed", "kind", e.Type, "session", e.Source, "err", err)
		return
	}
	metrics.TranscriptWrites.Inc()

	if e.Type == domain.KindDisconnect {
		if err := r.store.EndSession(ctx, e.Source, entry.At, entry.Text); err != nil {
			r.logger.Warn("transcript session close failed", "session", e.Source, "err", err)
		}
	}
}

// EntryFor flattens a bus event into a transcript row.
func EntryFor(e bus.Event) Entry {
	entry := Entry{SessionID: e.Source, Kind: e.Type, At: e.Timestamp}
	if entry.At.IsZero() {
		entry.At = time.Now()
	}

	switch p := e.Payload.(type) {
	case domain.PromptEvent:
		entry.Text = strings.TrimRight(p.Text, "\n")
		entry.Detail = string(p.Prompt)
	case domain.SpeechEvent:
		entry.UserID, entry.Nickname, entry.Text = p.UserID, p.Nickname, p.Text
		entry.Detail = string(p.Speech)
	case domain.NoticeEvent:
		entry.UserID, entry.Nickname, entry.Channel = p.UserID, p.Nickname, p.Channel
		entry.Text = strings.TrimRight(p.Raw, "\n")
		entry.Detail = p.Action
		if p.NewNick != "" {
			entry.Detail = p.Action + " " + p.NewNick
		}
	case domain.ChannelEvent:
		entry.Channel = p.Channel
	case domain.BeepEvent:
		entry.UserID, entry.Nickname = p.UserID, p.Nickname
	case domain.TextEvent:
		entry.Text = p.Text
	case domain.BugReport:
		entry.Text = strings.TrimRight(p.Line, "\n")
		entry.Detail = p.Reason
	case domain.ErrorEvent:
		if p.Err != nil {
			entry.Text = p.Err.Error()
		}
	case domain.DisconnectEvent:
		if p.Cause != nil {
			entry.Text = p.Cause.Error()
		}
	}
	return entry
}
