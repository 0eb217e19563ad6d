// Package logging wraps logrus the way the teacher's logger package wraps
// it: a small Logger handle that pre-attaches structured fields (worker id,
// request id, remote address) rather than passing them at every call site.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is a thin handle around a logrus.Entry.
type Logger struct {
	entry *logrus.Entry
}

// Config controls the base logger construction.
type Config struct {
	Level  string // "debug","info","warn","error"
	JSON   bool
	Output io.Writer // defaults to os.Stderr
}

// New builds a root Logger from Config.
func New(cfg Config) *Logger {
	l := logrus.New()
	if cfg.Output != nil {
		l.SetOutput(cfg.Output)
	} else {
		l.SetOutput(os.Stderr)
	}
	if cfg.JSON {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	lvl, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return &Logger{entry: logrus.NewEntry(l)}
}

// With returns a derived Logger carrying additional structured fields.
func (l *Logger) With(fields map[string]interface{}) *Logger {
	return &Logger{entry: l.entry.WithFields(fields)}
}

// WorkerLogger tags every subsequent entry with the owning worker id.
func (l *Logger) WorkerLogger(workerID int) *Logger {
	return l.With(map[string]interface{}{"worker": workerID})
}

// ConnLogger tags every subsequent entry with a request id and remote
// address, the two fields the connection state machine cares about most.
func (l *Logger) ConnLogger(requestID, remoteAddr string) *Logger {
	return l.With(map[string]interface{}{"request_id": requestID, "remote_addr": remoteAddr})
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

// WithError attaches an error field for the next call.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{entry: l.entry.WithError(err)}
}
