// Package observability defines shared logging primitives.
package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

// F is shorthand for constructing a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Err attaches an error under the conventional "error" key.
func Err(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

var defaultLogger Logger = noopLogger{}

// SetLogger overrides the global logger used by the system.
func SetLogger(logger Logger) {
	if logger == nil {
		defaultLogger = noopLogger{}
		return
	}
	defaultLogger = logger
}

// Log returns the current global logger instance.
func Log() Logger {
	return defaultLogger
}

// Component returns a logger that stamps every entry with the component name.
func Component(name string) Logger {
	return componentLogger{name: name}
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Warn(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}

// componentLogger resolves the global logger lazily so SetLogger after construction still applies.
type componentLogger struct {
	name string
}

func (c componentLogger) with(fields []Field) []Field {
	return append([]Field{{Key: "component", Value: c.name}}, fields...)
}

func (c componentLogger) Debug(msg string, fields ...Field) { Log().Debug(msg, c.with(fields)...) }
func (c componentLogger) Info(msg string, fields ...Field)  { Log().Info(msg, c.with(fields)...) }
func (c componentLogger) Warn(msg string, fields ...Field)  { Log().Warn(msg, c.with(fields)...) }
func (c componentLogger) Error(msg string, fields ...Field) { Log().Error(msg, c.with(fields)...) }

// LogrusConfig configures the logrus-backed logger.
type LogrusConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Output     io.Writer
}

// LogrusLogger adapts logrus to the Logger interface.
type LogrusLogger struct {
	entry *logrus.Logger
}

// NewLogrusLogger builds a JSON logrus logger. When File is set, output is rotated through lumberjack.
func NewLogrusLogger(cfg LogrusConfig) *LogrusLogger {
	logger := logrus.New()

	level := strings.TrimSpace(cfg.Level)
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	if lvl, err := logrus.ParseLevel(strings.ToLower(level)); err == nil {
		logger.SetLevel(lvl)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})

	switch {
	case cfg.Output != nil:
		logger.SetOutput(cfg.Output)
	case strings.TrimSpace(cfg.File) != "":
		logger.SetOutput(io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    defaultInt(cfg.MaxSizeMB, 100),
			MaxBackups: defaultInt(cfg.MaxBackups, 5),
			MaxAge:     defaultInt(cfg.MaxAgeDays, 14),
			Compress:   true,
		}))
	default:
		logger.SetOutput(os.Stdout)
	}

	return &LogrusLogger{entry: logger}
}

func (l *LogrusLogger) fields(fields []Field) *logrus.Entry {
	data := make(logrus.Fields, len(fields))
	for _, f := range fields {
		if f.Key == "" {
			continue
		}
		data[f.Key] = f.Value
	}
	return l.entry.WithFields(data)
}

func (l *LogrusLogger) Debug(msg string, fields ...Field) { l.fields(fields).Debug(msg) }
func (l *LogrusLogger) Info(msg string, fields ...Field)  { l.fields(fields).Info(msg) }
func (l *LogrusLogger) Warn(msg string, fields ...Field)  { l.fields(fields).Warn(msg) }
func (l *LogrusLogger) Error(msg string, fields ...Field) { l.fields(fields).Error(msg) }

func defaultInt(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}
