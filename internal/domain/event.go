package domain

import "strings"

// EventKind tags a session event so owners can dispatch on it without type
// switches.
type EventKind string

const (
	KindPrompt     EventKind = "prompt"
	KindSpeech     EventKind = "speech"
	KindNotice     EventKind = "notice"
	KindChannel    EventKind = "channel"
	KindBeep       EventKind = "beep"
	KindText       EventKind = "text"
	KindBug        EventKind = "bug"
	KindError      EventKind = "error"
	KindDisconnect EventKind = "disconnect"
)

// Event is anything the protocol layer reports about a session.
type Event interface {
	Kind() EventKind
}

// PromptKind names a server prompt recognized verbatim.
type PromptKind string

const (
	PromptLogin     PromptKind = "login"
	PromptPassword  PromptKind = "password"
	PromptChannel   PromptKind = "channel"
	PromptNickname  PromptKind = "nickname"
	PromptText      PromptKind = "text"
	PromptRecipient PromptKind = "recipient"
	PromptFormat    PromptKind = "format"
	PromptWidth     PromptKind = "width"
)

// SpeechKind classifies a speech line.
type SpeechKind string

const (
	SpeechBroadcast SpeechKind = "broadcast"
	SpeechPrivate   SpeechKind = "private"
	SpeechEmote     SpeechKind = "emote"
)

// PromptEvent reports a recognized prompt.
type PromptEvent struct {
	Prompt PromptKind
	Text   string
}

func (PromptEvent) Kind() EventKind { return KindPrompt }

// SpeechEvent is one line of something a user said.
type SpeechEvent struct {
	Speech   SpeechKind
	UserID   string
	Nickname string
	Text     string
}

func (SpeechEvent) Kind() EventKind { return KindSpeech }

// NoticeEvent is a parsed system notice about a user.
type NoticeEvent struct {
	Action   string // "has entered", "has left", "is now", ...
	UserID   string
	Nickname string
	Channel  string // empty for nickname changes
	NewNick  string // set for nickname changes
	Raw      string
}

func (NoticeEvent) Kind() EventKind { return KindNotice }

// Leaving reports whether the notice announces a user leaving a channel.
func (n NoticeEvent) Leaving() bool {
	return n.Channel != "" && strings.Contains(n.Action, "left")
}

// ChannelEvent reports that this session moved to a channel.
type ChannelEvent struct {
	Channel string
}

func (ChannelEvent) Kind() EventKind { return KindChannel }

// BeepEvent reports a beep from another user.
type BeepEvent struct {
	UserID   string
	Nickname string
}

func (BeepEvent) Kind() EventKind { return KindBeep }

// TextEvent is a plain server line that carries no recognized markup.
type TextEvent struct {
	Text string
}

func (TextEvent) Kind() EventKind { return KindText }

// BugReport records server output that contradicts the expected grammar.
type BugReport struct {
	Reason string
	Line   string
}

func (BugReport) Kind() EventKind { return KindBug }

func (b BugReport) String() string {
	return b.Reason + ": " + strings.TrimRight(b.Line, "\n")
}

// ErrorEvent reports a connection-level failure.
type ErrorEvent struct {
	Err error
}

func (ErrorEvent) Kind() EventKind { return KindError }

// DisconnectEvent is emitted once when a session ends.
type DisconnectEvent struct {
	Cause error
}

func (DisconnectEvent) Kind() EventKind { return KindDisconnect }
