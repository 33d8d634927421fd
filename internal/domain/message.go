package domain

import "fmt"

// CharBurst is a run of characters read from a stream in one go.
type CharBurst []rune

// Line is an assembled line of text. Complete lines end in "\n"; a Line
// without one is a partial line flushed by a delimiter.
type Line string

// Complete reports whether the line ends with a newline.
func (l Line) Complete() bool {
	return len(l) > 0 && l[len(l)-1] == '\n'
}

// EndOfStream is the terminal marker of a stream. A nil Err means EOF.
type EndOfStream struct {
	Err error
}

func (e EndOfStream) String() string {
	if e.Err == nil {
		return "EOF"
	}
	return fmt.Sprintf("stream error: %v", e.Err)
}

// Idle is the marker emitted after a period of pipeline inactivity.
type Idle struct{}

// Command is a unit of work queued for the interactor goroutine.
type Command func()
