// Package logging provides a shared zerolog logger for engine components.
package logging

import (
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu   sync.Mutex
	base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
)

// SetLevel sets the minimum level for all component loggers.
func SetLevel(level zerolog.Level) {
	mu.Lock()
	defer mu.Unlock()
	base = base.Level(level)
}

// SetOutput redirects logging output, e.g. to a file in headless mode.
func SetOutput(w zerolog.ConsoleWriter) {
	mu.Lock()
	defer mu.Unlock()
	base = zerolog.New(w).With().Timestamp().Logger()
}

// WithComponent returns a logger tagged with the given component name, the
// convention every package in this module uses to identify its log lines.
func WithComponent(component string) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return base.With().Str("component", component).Logger()
}
