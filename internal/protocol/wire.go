// Package protocol drives a session with a line-oriented, prompt-driven chat
// server: it turns assembled lines into typed events, runs the login
// handshake and command exchanges on a single goroutine, and wires a network
// connection into the filter pipeline.
package protocol

import (
	"maps"

	"chatwire/internal/domain"
)

// Fixed markup of the server's output.
const (
	speechDelim  = "~~~"
	fieldSep     = "~$`"
	noticeDash   = "-- "
	noticeStar   = " * "
	noticeChan   = " channel "
	noticeIsNow  = "is now "
	channelIntro = "You are now in channel "
	beepIntro    = "*** Beep from "
	beepOutro    = " ***"
	commentMark  = "#"
)

// GatherSentinel is a command the server always rejects. Its echo and the
// rejection line mark the end of a multi-line response.
const GatherSentinel = "/_"

// RejectionLine is what the server prints for an unknown command.
const RejectionLine = "Invalid command, type /? for help."

// DefaultSpeechFormat is typed at the Format prompt during login so that
// speech arrives in the delimited form the input filter parses.
const DefaultSpeechFormat = "~~~%k %u~$`%n~$`%t~~~"

var speechTokens = map[string]domain.SpeechKind{
	`\P\_B_`: domain.SpeechBroadcast,
	`\P\_P_`: domain.SpeechPrivate,
	`\P\_E_`: domain.SpeechEmote,
}

// DefaultPrompts maps exact prompt text to its kind.
func DefaultPrompts() map[string]domain.PromptKind {
	return map[string]domain.PromptKind{
		"Login: ":    domain.PromptLogin,
		"Password: ": domain.PromptPassword,
		"Channel: ":  domain.PromptChannel,
		"Nickname: ": domain.PromptNickname,
		"Text: ":     domain.PromptText,
		"To: ":       domain.PromptRecipient,
		"Format: ":   domain.PromptFormat,
		"Width: ":    domain.PromptWidth,
	}
}

// Commands holds the command strings typed to the server.
type Commands struct {
	Join         string `yaml:"join"`
	Nickname     string `yaml:"nickname"`
	Topic        string `yaml:"topic"`
	Speak        string `yaml:"speak"`
	Private      string `yaml:"private"`
	Who          string `yaml:"who"`
	SpeechFormat string `yaml:"speech_format"`
	Width        string `yaml:"width"`
	Quit         string `yaml:"quit"`
}

// DefaultCommands returns the stock command set.
func DefaultCommands() Commands {
	return Commands{
		Join:         "/j",
		Nickname:     "/n",
		Topic:        "/t",
		Speak:        "/s",
		Private:      "/p",
		Who:          "/w",
		SpeechFormat: "/fs",
		Width:        "/fw",
		Quit:         "/q",
	}
}

// Wire is the dialect of one server. It is fixed for the life of a
// connection.
type Wire struct {
	Prompts      map[string]domain.PromptKind
	Commands     Commands
	SpeechFormat string
}

// DefaultWire returns the stock dialect.
func DefaultWire() *Wire {
	return &Wire{
		Prompts:      DefaultPrompts(),
		Commands:     DefaultCommands(),
		SpeechFormat: DefaultSpeechFormat,
	}
}

// Prompt returns the prompt kind for an exact line, if any.
func (w *Wire) Prompt(line string) (domain.PromptKind, bool) {
	kind, ok := w.Prompts[line]
	return kind, ok
}

func (w *Wire) clone() *Wire {
	c := *w
	c.Prompts = maps.Clone(w.Prompts)
	return &c
}
