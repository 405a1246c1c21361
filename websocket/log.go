package websocket

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger is the logging capability injected into an Engine at
// construction, kept as a narrow interface (rather than a concrete
// *zerolog.Logger field) so the core stays pure per spec.md §9's design
// note: "the source uses process-wide loggers; specify logging as a
// capability injected per engine to keep the core pure."
type Logger interface {
	Debug(peer, msg string)
	Warn(peer, msg string)
}

// zerologLogger is the default Logger, backed by
// github.com/rs/zerolog (grounded on tzrikka-timpani's dependency on
// zerolog for structured logging).
type zerologLogger struct {
	log zerolog.Logger
}

// NewLogger builds the default Logger writing to w (os.Stderr if nil) as
// zerolog JSON lines with a timestamp field.
func NewLogger(w io.Writer) Logger {
	if w == nil {
		w = os.Stderr
	}
	return &zerologLogger{log: zerolog.New(w).With().Timestamp().Logger()}
}

func (l *zerologLogger) Debug(peer, msg string) {
	l.log.Debug().Str("peer", peer).Msg(msg)
}

func (l *zerologLogger) Warn(peer, msg string) {
	l.log.Warn().Str("peer", peer).Msg(msg)
}

// noopLogger discards everything; used as the Engine default so
// unconfigured engines don't write to stderr unexpectedly.
type noopLogger struct{}

func (noopLogger) Debug(string, string) {}
func (noopLogger) Warn(string, string)  {}
