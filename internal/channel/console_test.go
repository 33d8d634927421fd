package channel

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"chatwire/internal/bus"
	"chatwire/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type fakeSession struct {
	mu    sync.Mutex
	calls []string
	done  chan struct{}
	who   []string
	err   error
}

func newFakeSession() *fakeSession { return &fakeSession{done: make(chan struct{})} }

func (f *fakeSession) record(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, s)
}

func (f *fakeSession) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeSession) Say(text string) error { f.record("say " + text); return f.err }
func (f *fakeSession) Private(to, text string) error {
	f.record("private " + to + " " + text)
	return nil
}
func (f *fakeSession) Join(ch string) error       { f.record("join " + ch); return nil }
func (f *fakeSession) SetNickname(n string) error { f.record("nick " + n); return nil }
func (f *fakeSession) Raw(text string) error      { f.record("raw " + text); return nil }
func (f *fakeSession) Quit() error                { f.record("quit"); return nil }
func (f *fakeSession) Done() <-chan struct{}      { return f.done }

func (f *fakeSession) Topic(ctx context.Context, ch string) ([]string, error) {
	f.record("topic " + ch)
	return []string{"Topic of " + ch + ": testing"}, nil
}

func (f *fakeSession) Who(ctx context.Context) ([]string, error) {
	f.record("who")
	return f.who, nil
}

func (f *fakeSession) Channel(ctx context.Context) (string, error) {
	return "lobby", nil
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func runConsole(t *testing.T, sess *fakeSession, input string) string {
	t.Helper()
	out := &syncBuffer{}
	c := NewConsole(ConsoleConfig{
		Session: sess,
		In:      strings.NewReader(input),
		Out:     out,
		Logger:  testLogger(),
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return out.String()
}

func TestConsole_Commands(t *testing.T) {
	sess := newFakeSession()
	sess.who = []string{"alice  lobby", "bob    lobby"}

	out := runConsole(t, sess, strings.Join([]string{
		"hello there",
		"",
		"/join games",
		"/nick Speedy",
		"/msg bob see you",
		"/topic",
		"/topic games",
		"/who",
		"/raw /beep bob",
		"/quit",
		"never sent",
	}, "\n"))

	want := []string{
		"say hello there",
		"join games",
		"nick Speedy",
		"private bob see you",
		"topic lobby",
		"topic games",
		"who",
		"raw /beep bob",
		"quit",
	}
	got := sess.Calls()
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("calls:\n got  %q\n want %q", got, want)
	}
	for _, s := range []string{"Topic of lobby: testing", "alice  lobby", "bob    lobby"} {
		if !strings.Contains(out, s) {
			t.Errorf("output missing %q:\n%s", s, out)
		}
	}
}

func TestConsole_UsageErrors(t *testing.T) {
	sess := newFakeSession()
	out := runConsole(t, sess, "/join\n/msg bob\n/frobnicate\n/where\n")

	if len(sess.Calls()) != 0 {
		t.Errorf("bad commands should not reach the session: %v", sess.Calls())
	}
	for _, s := range []string{"usage: /join", "usage: /msg", "unknown command /frobnicate", "you are in channel lobby"} {
		if !strings.Contains(out, s) {
			t.Errorf("output missing %q:\n%s", s, out)
		}
	}
}

func TestConsole_SessionErrorShown(t *testing.T) {
	sess := newFakeSession()
	sess.err = errors.New("session disconnected")
	out := runConsole(t, sess, "hi\n")
	if !strings.Contains(out, "! session disconnected") {
		t.Errorf("expected error line, got:\n%s", out)
	}
}

func TestConsole_StopsWhenSessionEnds(t *testing.T) {
	sess := newFakeSession()
	pr, pw := io.Pipe()
	defer pw.Close()

	c := NewConsole(ConsoleConfig{Session: sess, In: pr, Out: io.Discard, Logger: testLogger()})
	done := make(chan error, 1)
	go func() { done <- c.Start(context.Background()) }()

	close(sess.done)
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("console did not stop after the session ended")
	}
}

func TestConsole_RendersEvents(t *testing.T) {
	eb := bus.NewEventBus(testLogger())
	sess := newFakeSession()
	pr, pw := io.Pipe()
	out := &syncBuffer{}

	c := NewConsole(ConsoleConfig{
		Session: sess,
		Events:  eb,
		Ignore:  func(uid string) bool { return uid == "troll" },
		In:      pr,
		Out:     out,
		Logger:  testLogger(),
	})
	done := make(chan error, 1)
	go func() { done <- c.Start(context.Background()) }()

	eb.Publish("s", domain.SpeechEvent{Speech: domain.SpeechBroadcast, UserID: "alice", Nickname: "Al", Text: "hi"})
	eb.Publish("s", domain.SpeechEvent{Speech: domain.SpeechPrivate, UserID: "bob", Nickname: "Bo", Text: "psst"})
	eb.Publish("s", domain.SpeechEvent{Speech: domain.SpeechBroadcast, UserID: "troll", Nickname: "T", Text: "spam"})
	eb.Publish("s", domain.BeepEvent{UserID: "troll", Nickname: "T"})
	eb.Publish("s", domain.ChannelEvent{Channel: "games"})
	eb.Publish("s", domain.PromptEvent{Prompt: domain.PromptText})
	eb.Publish("s", domain.DisconnectEvent{Cause: errors.New("reset")})

	pw.Close()
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	text := out.String()
	for _, s := range []string{"<Al> hi", "*Bo* psst", "-- now in channel games", "-- disconnected: reset"} {
		if !strings.Contains(text, s) {
			t.Errorf("output missing %q:\n%s", s, text)
		}
	}
	if strings.Contains(text, "spam") || strings.Contains(text, "beep from T") {
		t.Errorf("ignored user should be hidden:\n%s", text)
	}

	// Unsubscribed once Start returned.
	eb.Publish("s", domain.TextEvent{Text: "after close"})
	if strings.Contains(out.String(), "after close") {
		t.Error("console still printing after Start returned")
	}
}

func TestConsole_Render(t *testing.T) {
	c := NewConsole(ConsoleConfig{Session: newFakeSession(), Out: io.Discard})
	tests := []struct {
		ev   domain.Event
		want string
		show bool
	}{
		{domain.SpeechEvent{Speech: domain.SpeechEmote, Nickname: "Al", Text: "waves"}, "* Al waves", true},
		{domain.NoticeEvent{Raw: "-- alice Al has entered channel lobby\n"}, "-- alice Al has entered channel lobby", true},
		{domain.BugReport{Reason: "bad", Line: "x\n"}, "[bug] bad: x", true},
		{domain.DisconnectEvent{}, "-- disconnected", true},
		{domain.PromptEvent{Prompt: domain.PromptLogin}, "", false},
	}
	for _, tt := range tests {
		got, ok := c.Render(tt.ev)
		if ok != tt.show || got != tt.want {
			t.Errorf("Render(%#v) = %q, %v; want %q, %v", tt.ev, got, ok, tt.want, tt.show)
		}
	}
}

func TestConsole_NeedsSession(t *testing.T) {
	c := NewConsole(ConsoleConfig{In: strings.NewReader(""), Out: io.Discard})
	if err := c.Start(context.Background()); err == nil {
		t.Fatal("expected an error without a session")
	}
	c.Attach(newFakeSession())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start after Attach: %v", err)
	}
}
