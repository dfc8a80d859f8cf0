// Package log implements the process logger on top of logrus.
package log

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

type Logger interface {
	Print(args ...interface{})
	Printf(format string, args ...interface{})

	Trace(args ...interface{})
	Tracef(format string, args ...interface{})

	Debug(args ...interface{})
	Debugf(format string, args ...interface{})

	Info(args ...interface{})
	Infof(format string, args ...interface{})

	Warn(args ...interface{})
	Warnf(format string, args ...interface{})

	Error(args ...interface{})
	Errorf(format string, args ...interface{})

	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})

	WithField(field string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
	WithError(err error) Logger

	IsTraceEnabled() bool
	IsDebugEnabled() bool
	IsInfoEnabled() bool
}

var (
	mu     sync.RWMutex
	logger Logger = newDefault(os.Stderr)
)

// GetLogger returns the process logger. Before Init it logs at info level
// to stderr.
func GetLogger() Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// SetLogger replaces the process logger.
func SetLogger(l Logger) {
	mu.Lock()
	logger = l
	mu.Unlock()
}

// Init builds the process logger from cfg and installs it.
func Init(cfg *Config) error {
	l, err := New(cfg)
	if err != nil {
		return err
	}
	SetLogger(l)
	return nil
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() Logger {
	return newDefault(io.Discard)
}

func newDefault(w io.Writer) Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(logrus.InfoLevel)
	return &logrusAdapter{entry: logrus.NewEntry(l)}
}
