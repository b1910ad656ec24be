// Package logger provides the structured logging convention used across
// the signaling core: leveled calls that take a message and a bag of
// contextual fields, backed by logrus.
package logger

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Ctx is a set of structured fields attached to a log line.
type Ctx map[string]any

// Logger is the structured logger handed to every component at
// construction. No package looks one up by name; see DESIGN.md.
type Logger struct {
	entry *logrus.Entry
}

// New returns a Logger that writes to stderr at the given level.
func New(component string, level logrus.Level) *Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &Logger{entry: l.WithField("component", component)}
}

// With returns a child logger that always carries the given fields.
func (lg *Logger) With(fields Ctx) *Logger {
	return &Logger{entry: lg.entry.WithFields(logrus.Fields(fields))}
}

func (lg *Logger) Debug(msg string, ctx ...Ctx) { lg.log(logrus.DebugLevel, msg, ctx...) }
func (lg *Logger) Info(msg string, ctx ...Ctx)  { lg.log(logrus.InfoLevel, msg, ctx...) }
func (lg *Logger) Warn(msg string, ctx ...Ctx)  { lg.log(logrus.WarnLevel, msg, ctx...) }
func (lg *Logger) Error(msg string, ctx ...Ctx) { lg.log(logrus.ErrorLevel, msg, ctx...) }

func (lg *Logger) log(level logrus.Level, msg string, ctx ...Ctx) {
	entry := lg.entry
	for _, c := range ctx {
		entry = entry.WithFields(logrus.Fields(c))
	}
	entry.Log(level, msg)
}

var (
	defaultOnce sync.Once
	defaultLog  *Logger
)

// Default returns a process-wide fallback logger for components that are
// not explicitly handed one (tests, example wiring). Production call
// sites should pass a Logger through their constructor instead.
func Default() *Logger {
	defaultOnce.Do(func() {
		defaultLog = New("redfire", logrus.InfoLevel)
	})
	return defaultLog
}
