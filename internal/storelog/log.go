// Package storelog provides the structured logger used for the store's
// recoverable-condition warnings: tail corruption stopping WAL replay,
// capacity self-repair on open, and a missing binary-vector file being
// recreated from the quantized array. None of these return an error to
// the caller (see the engine's error-handling design); they are logged
// here instead so operators can see them happening.
package storelog

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu      sync.RWMutex
	current = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger().
		Level(zerolog.InfoLevel)
)

// SetOutput redirects all subsequent log lines to w, JSON-encoded. Tests
// use this to capture warnings without touching stderr.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	current = zerolog.New(w).With().Timestamp().Logger().Level(current.GetLevel())
}

// SetLevel adjusts the minimum emitted level.
func SetLevel(level zerolog.Level) {
	mu.Lock()
	defer mu.Unlock()

	current = current.Level(level)
}

func logger() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()

	return &current
}

// Warn logs a recoverable-condition event with the given base-path and
// structured fields. Callers pass pairs of (key string, value any).
func Warn(base, msg string, fields ...any) {
	event := logger().Warn().Str("base", base)
	event = withFields(event, fields)
	event.Msg(msg)
}

// Info logs a normal lifecycle event (store created/opened/closed, grow
// completed, snapshot taken).
func Info(base, msg string, fields ...any) {
	event := logger().Info().Str("base", base)
	event = withFields(event, fields)
	event.Msg(msg)
}

// Error logs a surfaced-failure event right before it is returned to the
// caller as a typed error, so operators have a trail even though the
// caller also receives the error value.
func Error(base string, err error, msg string, fields ...any) {
	event := logger().Error().Str("base", base).Err(err)
	event = withFields(event, fields)
	event.Msg(msg)
}

func withFields(event *zerolog.Event, fields []any) *zerolog.Event {
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}

		switch v := fields[i+1].(type) {
		case string:
			event = event.Str(key, v)
		case int:
			event = event.Int(key, v)
		case int64:
			event = event.Int64(key, v)
		case uint32:
			event = event.Uint32(key, v)
		case uint64:
			event = event.Uint64(key, v)
		case float64:
			event = event.Float64(key, v)
		case bool:
			event = event.Bool(key, v)
		case error:
			event = event.AnErr(key, v)
		default:
			event = event.Interface(key, v)
		}
	}

	return event
}
