package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds the CLI logger. Output is human-readable when w is a terminal
// and JSON otherwise.
func New(level string, w io.Writer) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.WarnLevel
	}

	out := w
	if isTerminal(w) {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}

	return zerolog.New(out).Level(lvl).With().Timestamp().Logger(), nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

// KV adapts a zerolog.Logger to loggers that take a message followed by
// alternating key/value arguments, as the HTTP retry client does.
type KV struct {
	log zerolog.Logger
}

// NewKV wraps logger.
func NewKV(logger zerolog.Logger) KV {
	return KV{log: logger}
}

func (l KV) Debug(msg string, args ...any) { l.log.Debug().Fields(args).Msg(msg) }
func (l KV) Info(msg string, args ...any)  { l.log.Info().Fields(args).Msg(msg) }
func (l KV) Warn(msg string, args ...any)  { l.log.Warn().Fields(args).Msg(msg) }
func (l KV) Error(msg string, args ...any) { l.log.Error().Fields(args).Msg(msg) }
