package log

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

type logrusAdapter struct {
	entry *logrus.Entry
}

// New builds a logger from cfg without installing it.
func New(cfg *Config) (Logger, error) {
	return newWithStdout(cfg, os.Stdout)
}

func newWithStdout(cfg *Config, stdout io.Writer) (Logger, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	l := logrus.New()

	level := logrus.InfoLevel
	if cfg.Level != "" {
		var err error
		level, err = logrus.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}
	l.SetLevel(level)

	timeLayout := cfg.Time
	if timeLayout == "" {
		timeLayout = DefaultTimeLayout
	}
	switch strings.ToLower(cfg.Format) {
	case "", "pattern":
		pattern := cfg.Pattern
		if pattern == "" {
			pattern = DefaultPattern
		}
		if strings.Contains(pattern, "%caller") || strings.Contains(pattern, "%func") {
			l.SetReportCaller(true)
		}
		l.SetFormatter(&formatter{pattern: pattern, time: timeLayout})
	case "prefixed":
		l.SetFormatter(&prefixed.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: timeLayout,
		})
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: timeLayout})
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.Format)
	}

	out := NewMultiWriter().Add(stdout)
	if cfg.File.Enabled {
		if cfg.File.Filename == "" {
			return nil, fmt.Errorf("log file enabled but filename is empty")
		}
		out.AddFileAppender(cfg.File)
	}
	l.SetOutput(out)

	return &logrusAdapter{entry: logrus.NewEntry(l)}, nil
}

func (l *logrusAdapter) Print(args ...interface{})                 { l.entry.Print(args...) }
func (l *logrusAdapter) Printf(format string, args ...interface{}) { l.entry.Printf(format, args...) }

func (l *logrusAdapter) Trace(args ...interface{})                 { l.entry.Trace(args...) }
func (l *logrusAdapter) Tracef(format string, args ...interface{}) { l.entry.Tracef(format, args...) }

func (l *logrusAdapter) Debug(args ...interface{})                 { l.entry.Debug(args...) }
func (l *logrusAdapter) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }

func (l *logrusAdapter) Info(args ...interface{})                 { l.entry.Info(args...) }
func (l *logrusAdapter) Infof(format string, args ...interface{}) { l.entry.Infof(format, args...) }

func (l *logrusAdapter) Warn(args ...interface{})                 { l.entry.Warn(args...) }
func (l *logrusAdapter) Warnf(format string, args ...interface{}) { l.entry.Warnf(format, args...) }

func (l *logrusAdapter) Error(args ...interface{})                 { l.entry.Error(args...) }
func (l *logrusAdapter) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

func (l *logrusAdapter) Fatal(args ...interface{})                 { l.entry.Fatal(args...) }
func (l *logrusAdapter) Fatalf(format string, args ...interface{}) { l.entry.Fatalf(format, args...) }

func (l *logrusAdapter) WithField(field string, value interface{}) Logger {
	return &logrusAdapter{entry: l.entry.WithField(field, value)}
}
func (l *logrusAdapter) WithFields(fields map[string]interface{}) Logger {
	return &logrusAdapter{entry: l.entry.WithFields(fields)}
}
func (l *logrusAdapter) WithError(err error) Logger {
	return &logrusAdapter{entry: l.entry.WithError(err)}
}

func (l *logrusAdapter) IsTraceEnabled() bool {
	return l.entry.Logger.IsLevelEnabled(logrus.TraceLevel)
}
func (l *logrusAdapter) IsDebugEnabled() bool {
	return l.entry.Logger.IsLevelEnabled(logrus.DebugLevel)
}
func (l *logrusAdapter) IsInfoEnabled() bool {
	return l.entry.Logger.IsLevelEnabled(logrus.InfoLevel)
}
