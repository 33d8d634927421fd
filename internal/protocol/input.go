package protocol

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"chatwire/internal/domain"
)

// InputConfig configures an InputFilter.
type InputConfig struct {
	Target domain.Sender // receives domain.Event values plus Idle and EndOfStream
	Wire   *Wire
	Echoes *EchoSet
	Logger *slog.Logger
}

type userState struct {
	channel  string
	nickname string
}

// InputFilter turns assembled lines into session events. Lines that arrive
// in pieces are carried until they complete. Output that breaks the grammar
// becomes a domain.BugReport instead of an error, so the pipeline keeps
// running.
type InputFilter struct {
	mu      sync.Mutex
	target  domain.Sender
	wire    *Wire
	echoes  *EchoSet
	logger  *slog.Logger
	carry   string
	users   map[string]*userState
	stopped bool
}

// NewInputFilter creates an input filter.
func NewInputFilter(cfg InputConfig) *InputFilter {
	if cfg.Wire == nil {
		cfg.Wire = DefaultWire()
	}
	if cfg.Echoes == nil {
		cfg.Echoes = NewEchoSet()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &InputFilter{
		target: cfg.Target,
		wire:   cfg.Wire,
		echoes: cfg.Echoes,
		logger: cfg.Logger,
		users:  make(map[string]*userState),
	}
}

// Send interprets a domain.Line. Other messages are relayed unchanged.
func (f *InputFilter) Send(msg domain.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return domain.ErrSenderClosed
	}

	switch m := msg.(type) {
	case domain.Line:
		return f.handleLine(string(m))
	case domain.EndOfStream:
		var errs []error
		if f.carry != "" {
			errs = append(errs, f.bug("stream ended inside a line", f.carry))
			f.carry = ""
		}
		errs = append(errs, f.target.Send(m))
		return errors.Join(errs...)
	default:
		return f.target.Send(m)
	}
}

// WaitUntilEmpty delegates to the target.
func (f *InputFilter) WaitUntilEmpty(ctx context.Context) error {
	return f.target.WaitUntilEmpty(ctx)
}

// Stop makes every later Send fail with domain.ErrSenderClosed.
func (f *InputFilter) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

// LastKnown returns the channel and nickname last seen for userID.
func (f *InputFilter) LastKnown(userID string) (channel, nickname string, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return "", "", false
	}
	return u.channel, u.nickname, true
}

func (f *InputFilter) handleLine(line string) error {
	var errs []error

	if f.carry != "" {
		carry := f.carry
		f.carry = ""
		switch {
		case !strings.HasSuffix(carry, "\n"):
			line = carry + line
		case isContinuation(line):
			line = carry + strings.TrimLeft(line, " \t")
		default:
			errs = append(errs, f.bug("speech block not closed", carry))
		}
	}

	if kind, ok := f.wire.Prompt(line); ok {
		errs = append(errs, f.emit(domain.PromptEvent{Prompt: kind, Text: line}))
		return errors.Join(errs...)
	}

	if !strings.HasSuffix(line, "\n") || isSpeechOpener(line) {
		f.carry = line
		return errors.Join(errs...)
	}

	text := strings.TrimSuffix(line, "\n")
	if f.echoes.Match(text) {
		return errors.Join(errs...)
	}

	errs = append(errs, f.classify(line, text))
	return errors.Join(errs...)
}

func (f *InputFilter) classify(line, text string) error {
	switch {
	case strings.TrimSpace(text) == "", strings.HasPrefix(text, commentMark):
		return nil
	case strings.HasPrefix(text, speechDelim):
		return f.speech(line, text)
	case strings.HasPrefix(text, noticeDash), strings.HasPrefix(text, noticeStar):
		return f.notice(line, text[len(noticeDash):])
	case strings.HasPrefix(text, channelIntro):
		channel := strings.TrimSuffix(text[len(channelIntro):], ".")
		if channel == "" {
			return f.bug("channel banner without a channel", line)
		}
		return f.emit(domain.ChannelEvent{Channel: channel})
	case strings.HasPrefix(text, beepIntro) && strings.HasSuffix(text, beepOutro):
		body := text[len(beepIntro) : len(text)-len(beepOutro)]
		uid, nick, rest, ok := splitUser(body)
		if !ok || rest != "" {
			return f.bug("malformed beep", line)
		}
		return f.emit(domain.BeepEvent{UserID: uid, Nickname: nick})
	default:
		return f.emit(domain.TextEvent{Text: text})
	}
}

// speech parses ~~~<kind> <userid>~$`<nickname>~$`<text>~~~. A text with
// embedded newlines yields one event per line.
func (f *InputFilter) speech(line, text string) error {
	inner := text[len(speechDelim) : len(text)-len(speechDelim)]
	sp := strings.IndexByte(inner, ' ')
	if sp < 0 {
		return f.bug("speech without a kind", line)
	}
	kind, ok := speechTokens[inner[:sp]]
	if !ok {
		return f.bug("unknown speech kind", line)
	}
	fields := strings.SplitN(inner[sp+1:], fieldSep, 3)
	if len(fields) != 3 || fields[0] == "" {
		return f.bug("malformed speech", line)
	}
	uid, nick := fields[0], fields[1]

	if u, ok := f.users[uid]; ok {
		u.nickname = nick
	} else {
		f.users[uid] = &userState{nickname: nick}
	}

	var errs []error
	for _, t := range strings.Split(fields[2], "\n") {
		errs = append(errs, f.emit(domain.SpeechEvent{
			Speech:   kind,
			UserID:   uid,
			Nickname: nick,
			Text:     t,
		}))
	}
	return errors.Join(errs...)
}

// notice parses "userid (nickname) <action> channel <chan>." and
// "userid (nickname) is now <nick>." and keeps per-user state current.
func (f *InputFilter) notice(line, body string) error {
	uid, nick, rest, ok := splitUser(body)
	if !ok || !strings.HasSuffix(rest, ".") {
		return f.bug("unrecognized notice", line)
	}
	text := strings.TrimSuffix(line, "\n")

	if strings.HasPrefix(rest, noticeIsNow) {
		newNick := rest[len(noticeIsNow) : len(rest)-1]
		if newNick == "" {
			return f.bug("nickname change without a nickname", line)
		}
		var errs []error
		u, known := f.users[uid]
		if !known {
			u = &userState{}
			f.users[uid] = u
		} else if u.nickname != "" && u.nickname != nick {
			errs = append(errs, f.bug("nickname change does not match last known nickname", line))
		}
		u.nickname = newNick
		errs = append(errs, f.emit(domain.NoticeEvent{
			Action:   strings.TrimSpace(noticeIsNow),
			UserID:   uid,
			Nickname: nick,
			NewNick:  newNick,
			Raw:      text,
		}))
		return errors.Join(errs...)
	}

	idx := strings.Index(rest, noticeChan)
	if idx <= 0 {
		return f.bug("unrecognized notice", line)
	}
	ev := domain.NoticeEvent{
		Action:   rest[:idx],
		UserID:   uid,
		Nickname: nick,
		Channel:  rest[idx+len(noticeChan) : len(rest)-1],
		Raw:      text,
	}
	if ev.Channel == "" {
		return f.bug("notice without a channel", line)
	}

	var errs []error
	u, known := f.users[uid]
	switch {
	case ev.Leaving() && !known:
		errs = append(errs, f.bug("leave notice for unknown user", line))
		f.users[uid] = &userState{nickname: nick}
	case ev.Leaving():
		if u.channel == ev.Channel {
			u.channel = ""
		}
		u.nickname = nick
	default:
		f.users[uid] = &userState{channel: ev.Channel, nickname: nick}
	}
	errs = append(errs, f.emit(ev))
	return errors.Join(errs...)
}

func (f *InputFilter) emit(ev domain.Event) error {
	return f.target.Send(ev)
}

func (f *InputFilter) bug(reason, line string) error {
	f.logger.Debug("protocol violation", "reason", reason, "line", strings.TrimRight(line, "\n"))
	return f.emit(domain.BugReport{Reason: reason, Line: line})
}

// splitUser splits "userid (nickname) rest" into its parts.
func splitUser(s string) (uid, nick, rest string, ok bool) {
	open := strings.Index(s, " (")
	if open <= 0 {
		return "", "", "", false
	}
	end := strings.IndexByte(s[open+2:], ')')
	if end < 0 {
		return "", "", "", false
	}
	uid = s[:open]
	nick = s[open+2 : open+2+end]
	rest = strings.TrimPrefix(s[open+2+end+1:], " ")
	return uid, nick, rest, true
}

func isContinuation(line string) bool {
	return line != "" && (line[0] == ' ' || line[0] == '\t')
}

// isSpeechOpener reports whether a complete line opens a speech block that
// continues on following lines.
func isSpeechOpener(line string) bool {
	text := strings.TrimSuffix(line, "\n")
	if !strings.HasPrefix(text, speechDelim) {
		return false
	}
	closed := len(text) >= 2*len(speechDelim) && strings.HasSuffix(text, speechDelim)
	return !closed
}
