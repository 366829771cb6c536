// Package logging centralises zerolog construction so every component
// gets the same field conventions (component, conversation_id, turn_id).
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New builds the root logger. Writer defaults to a colorized console
// writer on a terminal, stdlib JSON otherwise, matching the teacher's
// zerolog bootstrap convention. forceJSON overrides the terminal
// detection, for settings.yaml's log.json flag.
func New(level zerolog.Level, forceJSON bool) zerolog.Logger {
	var w io.Writer = os.Stderr
	if !forceJSON && isTerminal(os.Stderr) {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	}
	return zerolog.New(w).With().Timestamp().Logger().Level(level)
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

// Component returns a child logger tagged with the given component name.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}

// ForConversation tags a logger with a conversation id, used throughout
// the agent loop and session buffer.
func ForConversation(base zerolog.Logger, conversationID string) zerolog.Logger {
	return base.With().Str("conversation_id", conversationID).Logger()
}

// ForTurn further tags a conversation logger with a turn id.
func ForTurn(base zerolog.Logger, turnID string) zerolog.Logger {
	return base.With().Str("turn_id", turnID).Logger()
}
