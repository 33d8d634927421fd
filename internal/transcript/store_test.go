package transcript

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"chatwire/internal/bus"
	"chatwire/internal/domain"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sub", "transcript.db"), testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_AppendAndQuery(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	entries := []Entry{
		{SessionID: "s1", Kind: domain.KindSpeech, UserID: "alice", Nickname: "Al", Text: "hi", Detail: "broadcast", At: base},
		{SessionID: "s1", Kind: domain.KindNotice, UserID: "bob", Channel: "lobby", Detail: "has entered", At: base.Add(time.Second)},
		{SessionID: "s2", Kind: domain.KindSpeech, UserID: "carol", Text: "yo", At: base.Add(2 * time.Second)},
	}
	for _, e := range entries {
		if _, err := s.Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := s.Events(ctx, Query{SessionID: "s1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Text != "hi" || got[1].Kind != domain.KindNotice {
		t.Fatalf("unexpected s1 events: %+v", got)
	}
	if got[0].At.UnixMilli() != base.UnixMilli() {
		t.Errorf("timestamp lost: %v vs %v", got[0].At, base)
	}

	speech, _ := s.Events(ctx, Query{Kinds: []domain.EventKind{domain.KindSpeech}})
	if len(speech) != 2 {
		t.Errorf("expected 2 speech events, got %d", len(speech))
	}

	recent, _ := s.Events(ctx, Query{Limit: 1})
	if len(recent) != 1 || recent[0].UserID != "carol" {
		t.Errorf("limit should keep the newest entry: %+v", recent)
	}

	since, _ := s.Events(ctx, Query{Since: base.Add(1500 * time.Millisecond)})
	if len(since) != 1 {
		t.Errorf("expected 1 event since cutoff, got %d", len(since))
	}
}

func TestStore_AppendNeedsSession(t *testing.T) {
	s := testStore(t)
	if _, err := s.Append(context.Background(), Entry{Kind: domain.KindText}); err == nil {
		t.Fatal("expected error for entry without session")
	}
}

func TestStore_Sessions(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	start := time.Now().Add(-time.Hour)

	if err := s.OpenSession(ctx, SessionRecord{ID: "a", Addr: "chat:7777", UserID: "alice", StartedAt: start}); err != nil {
		t.Fatal(err)
	}
	s.Append(ctx, Entry{SessionID: "a", Kind: domain.KindText, Text: "motd"})
	// A second OpenSession with empty fields keeps the earlier values.
	if err := s.OpenSession(ctx, SessionRecord{ID: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := s.EndSession(ctx, "a", time.Now(), "connection reset"); err != nil {
		t.Fatal(err)
	}

	list, err := s.Sessions(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 session, got %d", len(list))
	}
	r := list[0]
	if r.Addr != "chat:7777" || r.UserID != "alice" {
		t.Errorf("session fields overwritten: %+v", r)
	}
	if r.EndedAt.IsZero() || r.EndCause != "connection reset" || r.Events != 1 {
		t.Errorf("unexpected session record: %+v", r)
	}
}

func TestStore_Prune(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	old := time.Now().AddDate(0, 0, -100)

	s.Append(ctx, Entry{SessionID: "old", Kind: domain.KindText, Text: "ancient", At: old})
	s.EndSession(ctx, "old", old.Add(time.Minute), "")
	s.Append(ctx, Entry{SessionID: "new", Kind: domain.KindText, Text: "fresh"})

	n, err := s.PruneDays(ctx, 90)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 pruned event, got %d", n)
	}

	list, _ := s.Sessions(ctx, 10)
	if len(list) != 1 || list[0].ID != "new" {
		t.Errorf("expected only the new session to remain, got %+v", list)
	}

	if n, _ := s.PruneDays(ctx, 0); n != 0 {
		t.Errorf("retention 0 should keep everything, pruned %d", n)
	}
}

func TestRecorder_WritesBusEvents(t *testing.T) {
	s := testStore(t)
	eb := bus.NewEventBus(testLogger())
	rec := NewRecorder(s, testLogger())
	rec.Attach(eb)

	done := make(chan error, 1)
	go func() { done <- rec.Run(context.Background()) }()

	eb.Publish("sess", domain.SpeechEvent{Speech: domain.SpeechPrivate, UserID: "bob", Nickname: "B", Text: "psst"})
	eb.Publish("sess", domain.BugReport{Reason: "notice not recognized", Line: "-- garbage\n"})
	eb.Publish("sess", domain.DisconnectEvent{Cause: errors.New("reset by peer")})

	rec.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}

	// Events after Close are not recorded.
	eb.Publish("sess", domain.TextEvent{Text: "late"})

	got, err := s.Events(context.Background(), Query{SessionID: "sess"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %+v", got)
	}
	if got[0].Detail != "private" || got[0].Text != "psst" {
		t.Errorf("unexpected speech entry %+v", got[0])
	}
	if got[1].Text != "-- garbage" || got[1].Detail != "notice not recognized" {
		t.Errorf("unexpected bug entry %+v", got[1])
	}

	list, _ := s.Sessions(context.Background(), 1)
	if len(list) != 1 || list[0].EndCause != "reset by peer" || list[0].EndedAt.IsZero() {
		t.Errorf("disconnect should close the session: %+v", list)
	}
}

func TestRecorder_CancelFlushesQueue(t *testing.T) {
	s := testStore(t)
	rec := NewRecorder(s, testLogger())
	eb := bus.NewEventBus(testLogger())
	rec.Attach(eb)

	eb.Publish("x", domain.TextEvent{Text: "one"})
	eb.Publish("x", domain.TextEvent{Text: "two"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := rec.Run(ctx); err != nil {
		t.Fatal(err)
	}

	got, _ := s.Events(context.Background(), Query{SessionID: "x"})
	if len(got) != 2 {
		t.Errorf("queued events should be flushed on cancel, got %d", len(got))
	}
}

func TestEntryFor_Notice(t *testing.T) {
	e := EntryFor(bus.Event{
		Type:   domain.KindNotice,
		Source: "s",
		Payload: domain.NoticeEvent{
			Action: "is now", UserID: "u", Nickname: "Old", NewNick: "New", Raw: "-- u Old is now New\n",
		},
	})
	if e.Detail != "is now New" || e.Text != "-- u Old is now New" || e.At.IsZero() {
		t.Errorf("unexpected entry %+v", e)
	}
}
