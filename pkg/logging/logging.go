// Package logging provides the shared zerolog setup used by every other
// package in this module. There is no per-package logger type; callers
// pull a component-scoped child logger via New and attach call/connection
// tokens as fields rather than formatting them into the message.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu   sync.Mutex
	base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
)

// SetOutput redirects all future component loggers to w. Tests use this to
// capture output or silence it with io.Discard.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	base = zerolog.New(w).With().Timestamp().Logger()
}

// New returns a logger tagged with component, e.g. New("manager"),
// New("rtpsession").
func New(component string) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return base.With().Str("component", component).Logger()
}
