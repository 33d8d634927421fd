package protocol

import (
	"context"

	"chatwire/internal/domain"
)

// Session is the command API of a connection. Methods that return only an
// error queue their command and return; the others wait for the server's
// response.
type Session struct {
	conn *Connection
	it   *Interactor
}

// ID returns the session ID.
func (s *Session) ID() string { return s.conn.id }

// Join moves to channel. The server's notice that we left the old channel
// is not passed on. A refused join leaves later leave notices visible.
func (s *Session) Join(channel string) error {
	i := s.it
	return i.post("join", func() error {
		if i.channel != "" && i.channel != channel {
			i.nominalLeave = true
		}
		ok, err := i.sendExpectSend(i.wire.Commands.Join, domain.PromptChannel, channel)
		if err != nil || !ok {
			i.nominalLeave = false
		}
		return err
	})
}

// SetNickname changes the session's nickname.
func (s *Session) SetNickname(nick string) error {
	return s.it.SendExpectSend(s.it.wire.Commands.Nickname, domain.PromptNickname, nick)
}

// Say speaks text in the current channel.
func (s *Session) Say(text string) error {
	return s.it.SendExpectSend(s.it.wire.Commands.Speak, domain.PromptText, text)
}

// Private sends text to one user.
func (s *Session) Private(to, text string) error {
	c := s.it.wire.Commands
	return s.it.SendExpectSend2(c.Private, domain.PromptRecipient, to, domain.PromptText, text)
}

// Topic returns the topic of channel.
func (s *Session) Topic(ctx context.Context, channel string) ([]string, error) {
	return s.it.SendExpectSendGather(ctx, s.it.wire.Commands.Topic, domain.PromptChannel, channel)
}

// Who lists the users in the current channel.
func (s *Session) Who(ctx context.Context) ([]string, error) {
	return s.it.SendGather(ctx, s.it.wire.Commands.Who)
}

// Channel returns the current channel.
func (s *Session) Channel(ctx context.Context) (string, error) {
	return s.it.Channel(ctx)
}

// Raw sends text as typed, without expecting an echo.
func (s *Session) Raw(text string) error {
	return s.it.RawSend(text)
}

// Quit asks the server to end the session.
func (s *Session) Quit() error {
	return s.it.TypeLine(s.it.wire.Commands.Quit)
}

// Close ends the session without telling the server.
func (s *Session) Close() error {
	return s.conn.Close()
}

// Done is closed once the session has ended.
func (s *Session) Done() <-chan struct{} {
	return s.conn.Done()
}
