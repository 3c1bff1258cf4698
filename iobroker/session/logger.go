package session

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger is a thin structured-logging facade over zerolog, giving every
// component the same Info(msg, key, value, ...) call shape the pool and
// session code use throughout this package.
type Logger struct {
	z zerolog.Logger
}

// NewLogger builds a Logger writing to w (os.Stdout if nil) tagged with name.
func NewLogger(name string, w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	z := zerolog.New(w).With().Timestamp().Str("component", name).Logger()
	return Logger{z: z}
}

func applyFields(ev *zerolog.Event, kv []interface{}) *zerolog.Event {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		ev = ev.Interface(key, kv[i+1])
	}
	return ev
}

// Debug logs at debug level with key/value pairs.
func (l Logger) Debug(msg string, kv ...interface{}) {
	applyFields(l.z.Debug(), kv).Msg(msg)
}

// Info logs at info level with key/value pairs.
func (l Logger) Info(msg string, kv ...interface{}) {
	applyFields(l.z.Info(), kv).Msg(msg)
}

// Warn logs at warn level with key/value pairs.
func (l Logger) Warn(msg string, kv ...interface{}) {
	applyFields(l.z.Warn(), kv).Msg(msg)
}

// Error logs at error level with key/value pairs.
func (l Logger) Error(msg string, kv ...interface{}) {
	applyFields(l.z.Error(), kv).Msg(msg)
}

// With returns a Logger with an additional static field attached, used to
// tag a session's log lines with its endpoint key for the lifetime of the
// connection.
func (l Logger) With(key string, value interface{}) Logger {
	return Logger{z: l.z.With().Interface(key, value).Logger()}
}
