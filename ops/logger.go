// Package ops provides a small logging facade used throughout the pull
// replicator, so call sites depend on an interface rather than directly on
// logrus.
package ops

import (
	log "github.com/sirupsen/logrus"
)

// Logger is the interface every replication component logs through.
type Logger interface {
	WithField(key string, value interface{}) Logger
	WithFields(fields log.Fields) Logger
	WithError(err error) Logger

	Trace(args ...interface{})
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
}

// StdLogger returns a Logger backed by logrus's standard logger, tagged
// with a "component" field. This is the Logger used outside of tests.
func StdLogger(component string) Logger {
	return &entryLogger{entry: log.WithField("component", component)}
}

// NewTestLogger returns a Logger at Debug level writing to logrus's
// standard logger, for use from tests that want visibility into a failure.
func NewTestLogger(component string) Logger {
	log.SetLevel(log.DebugLevel)
	return StdLogger(component)
}

type entryLogger struct {
	entry *log.Entry
}

func (l *entryLogger) WithField(key string, value interface{}) Logger {
	return &entryLogger{entry: l.entry.WithField(key, value)}
}

func (l *entryLogger) WithFields(fields log.Fields) Logger {
	return &entryLogger{entry: l.entry.WithFields(fields)}
}

func (l *entryLogger) WithError(err error) Logger {
	return &entryLogger{entry: l.entry.WithError(err)}
}

func (l *entryLogger) Trace(args ...interface{}) { l.entry.Trace(args...) }
func (l *entryLogger) Debug(args ...interface{}) { l.entry.Debug(args...) }
func (l *entryLogger) Info(args ...interface{})  { l.entry.Info(args...) }
func (l *entryLogger) Warn(args ...interface{})  { l.entry.Warn(args...) }
func (l *entryLogger) Error(args ...interface{}) { l.entry.Error(args...) }
