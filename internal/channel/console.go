// Package channel holds the front ends that drive a chat session.
package channel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"chatwire/internal/bus"
	"chatwire/internal/domain"
)

const gatherTimeout = 30 * time.Second

// Session is what the console needs from a logged-in connection.
type Session interface {
	Say(text string) error
	Private(to, text string) error
	Join(channel string) error
	SetNickname(nick string) error
	Topic(ctx context.Context, channel string) ([]string, error)
	Who(ctx context.Context) ([]string, error)
	Channel(ctx context.Context) (string, error)
	Raw(text string) error
	Quit() error
	Done() <-chan struct{}
}

// ConsoleConfig configures a Console.
type ConsoleConfig struct {
	Session Session
	Events  *bus.EventBus
	Ignore  func(userID string) bool // speech and beeps from these users are hidden
	In      io.Reader
	Out     io.Writer
	Logger  *slog.Logger
}

// Console is an interactive terminal front end: it prints session events
// and turns typed lines into session operations.
type Console struct {
	session Session
	events  *bus.EventBus
	ignore  func(string) bool
	in      io.Reader
	logger  *slog.Logger

	outMu sync.Mutex
	out   io.Writer

	handlerID string
}

// NewConsole creates a Console and subscribes it to cfg.Events.
func NewConsole(cfg ConsoleConfig) *Console {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Ignore == nil {
		cfg.Ignore = func(string) bool { return false }
	}
	c := &Console{
		session: cfg.Session,
		events:  cfg.Events,
		ignore:  cfg.Ignore,
		in:      cfg.In,
		out:     cfg.Out,
		logger:  cfg.Logger,
	}
	if c.events != nil {
		c.handlerID = c.events.On(bus.Wildcard, c.show)
	}
	return c
}

// Attach sets the session commands go to. Events may be shown before a
// session is attached.
func (c *Console) Attach(s Session) {
	c.session = s
}

// Start reads commands until input ends, /quit, the session ends, or ctx is
// cancelled. A session must be set.
func (c *Console) Start(ctx context.Context) error {
	if c.session == nil {
		return errors.New("console: no session attached")
	}
	defer c.Close()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	c.println("chatwire console. Type /help for commands.")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.session.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					return err
				default:
					return nil
				}
			}
			quit, err := c.execute(ctx, strings.TrimSpace(line))
			if err != nil {
				c.println("! " + err.Error())
			}
			if quit {
				c.logger.Info("user requested quit")
				return nil
			}
		}
	}
}

// Close unsubscribes the console from session events.
func (c *Console) Close() {
	if c.events != nil && c.handlerID != "" {
		c.events.Off(bus.Wildcard, c.handlerID)
		c.handlerID = ""
	}
}

func (c *Console) execute(ctx context.Context, line string) (quit bool, err error) {
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, c.session.Say(line)
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/join", "/j":
		if arg == "" {
			return false, fmt.Errorf("usage: /join <channel>")
		}
		return false, c.session.Join(arg)
	case "/nick", "/n":
		if arg == "" {
			return false, fmt.Errorf("usage: /nick <nickname>")
		}
		return false, c.session.SetNickname(arg)
	case "/msg", "/m":
		to, text, ok := strings.Cut(arg, " ")
		if !ok || strings.TrimSpace(text) == "" {
			return false, fmt.Errorf("usage: /msg <userid> <text>")
		}
		return false, c.session.Private(to, strings.TrimSpace(text))
	case "/topic", "/t":
		if arg == "" {
			ch, err := c.channel(ctx)
			if err != nil {
				return false, err
			}
			arg = ch
		}
		return false, c.gather(ctx, func(ctx context.Context) ([]string, error) {
			return c.session.Topic(ctx, arg)
		})
	case "/who", "/w":
		return false, c.gather(ctx, c.session.Who)
	case "/where":
		ch, err := c.channel(ctx)
		if err != nil {
			return false, err
		}
		c.println("-- you are in channel " + ch)
		return false, nil
	case "/raw":
		return false, c.session.Raw(arg)
	case "/quit", "/q", "/exit":
		return true, c.session.Quit()
	case "/help", "/?":
		c.println(consoleHelp)
		return false, nil
	default:
		return false, fmt.Errorf("unknown command %s, type /help", cmd)
	}
}

const consoleHelp = `commands:
  /join <channel>       move to a channel
  /nick <nickname>      change nickname
  /msg <userid> <text>  private message
  /topic [channel]      show a channel topic
  /who                  list users
  /where                show the current channel
  /raw <text>           send a line to the server unchanged
  /quit                 log out
anything else is said to the current channel`

func (c *Console) channel(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, gatherTimeout)
	defer cancel()
	return c.session.Channel(ctx)
}

func (c *Console) gather(ctx context.Context, fn func(context.Context) ([]string, error)) error {
	ctx, cancel := context.WithTimeout(ctx, gatherTimeout)
	defer cancel()
	lines, err := fn(ctx)
	if err != nil {
		return err
	}
	for _, l := range lines {
		c.println(l)
	}
	return nil
}

func (c *Console) show(e bus.Event) {
	if text, ok := c.Render(e.Payload); ok {
		c.println(text)
	}
}

// Render formats an event for the terminal. It reports false for events
// that are not shown.
func (c *Console) Render(ev domain.Event) (string, bool) {
	switch e := ev.(type) {
	case domain.SpeechEvent:
		if c.ignore(e.UserID) {
			return "", false
		}
		switch e.Speech {
		case domain.SpeechPrivate:
			return fmt.Sprintf("*%s* %s", e.Nickname, e.Text), true
		case domain.SpeechEmote:
			return fmt.Sprintf("* %s %s", e.Nickname, e.Text), true
		default:
			return fmt.Sprintf("<%s> %s", e.Nickname, e.Text), true
		}
	case domain.BeepEvent:
		if c.ignore(e.UserID) {
			return "", false
		}
		return fmt.Sprintf("*** beep from %s (%s)\a", e.Nickname, e.UserID), true
	case domain.NoticeEvent:
		return strings.TrimRight(e.Raw, "\n"), true
	case domain.ChannelEvent:
		return "-- now in channel " + e.Channel, true
	case domain.TextEvent:
		return e.Text, true
	case domain.BugReport:
		return "[bug] " + e.String(), true
	case domain.ErrorEvent:
		return fmt.Sprintf("[error] %v", e.Err), true
	case domain.DisconnectEvent:
		if e.Cause != nil {
			return fmt.Sprintf("-- disconnected: %v", e.Cause), true
		}
		return "-- disconnected", true
	default:
		return "", false
	}
}

func (c *Console) println(s string) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	_, _ = fmt.Fprintln(c.out, s)
}
