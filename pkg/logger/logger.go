// Package logger wraps logrus with a module tag on every entry and an
// optional rotated JSON file that the logs endpoint can read back.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Fields type is an alias for logrus.Fields
type Fields = logrus.Fields

// Logger is a logrus logger bound to one module name.
type Logger struct {
	*logrus.Logger
	module string
}

var root *logrus.Logger

const (
	// DefaultFile is where the agent logs unless told otherwise. "-" disables
	// the file and leaves stdout to journald.
	DefaultFile = "/var/log/otad.log"
	StdoutOnly  = "-"

	timestampFormat = "2006-01-02 15:04:05"
)

// Config selects level, format and the rotated log file.
type Config struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// Init builds the process wide logger. NewLogger panics until it ran.
func Init(config Config) error {
	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %v", err)
	}

	l := logrus.New()
	l.SetLevel(level)
	l.SetFormatter(formatter(config.Format))
	l.SetReportCaller(true)

	out, file := outputs(config, os.Stdout)
	l.SetOutput(out)
	root = l

	NewLogger("logger").WithFields(Fields{
		"level":  level.String(),
		"format": config.Format,
		"file":   file,
	}).Debug("Logger initialized")
	return nil
}

func formatter(format string) logrus.Formatter {
	if format == "json" {
		return &logrus.JSONFormatter{
			CallerPrettyfier: callerPrettyfier,
			TimestampFormat:  timestampFormat,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		}
	}
	return &logrus.TextFormatter{
		FullTimestamp:          true,
		CallerPrettyfier:       callerPrettyfier,
		DisableSorting:         true,
		DisableLevelTruncation: true,
		PadLevelText:           true,
		TimestampFormat:        timestampFormat,
	}
}

// outputs tees console into the rotated file when one is configured and its
// directory exists. It returns the file actually used, or "-".
func outputs(config Config, console io.Writer) (io.Writer, string) {
	path := config.File
	if path == "" {
		path = DefaultFile
	}
	if path == StdoutOnly {
		return console, StdoutOnly
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create log directory for %s: %v\n", path, err)
		return console, StdoutOnly
	}

	return io.MultiWriter(console, &lumberjack.Logger{
		Filename:   path,
		MaxSize:    config.MaxSize,
		MaxAge:     config.MaxAge,
		MaxBackups: config.MaxBackups,
		Compress:   config.Compress,
	}), path
}

// callerPrettyfier reports the first frame outside logrus and this package.
func callerPrettyfier(f *runtime.Frame) (string, string) {
	pcs := make([]uintptr, 15)
	n := runtime.Callers(4, pcs)

	frames := runtime.CallersFrames(pcs[:n])
	for n > 0 {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "pkg/logger") &&
			!strings.Contains(frame.File, "sirupsen/logrus") {
			return "", fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line)
		}
		if !more {
			break
		}
	}

	return "", fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
}

// NewLogger returns the module's view of the process logger.
func NewLogger(module string) *Logger {
	if root == nil {
		panic("logger not initialized. Call logger.Init() first")
	}
	return &Logger{Logger: root, module: module}
}

// NewNop returns a logger that discards everything. Meant for tests.
func NewNop() *Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &Logger{Logger: l, module: "nop"}
}

// Module returns a copy of l tagged with another module name.
func (l *Logger) Module(module string) *Logger {
	return &Logger{Logger: l.Logger, module: module}
}

// WithFields adds fields plus the module tag.
func (l *Logger) WithFields(fields Fields) *logrus.Entry {
	if l.module != "" {
		if fields == nil {
			fields = Fields{}
		}
		fields["module"] = l.module
	}
	return l.Logger.WithFields(fields)
}

func (l *Logger) WithField(key string, value any) *logrus.Entry {
	return l.WithFields(Fields{key: value})
}

func (l *Logger) WithError(err error) *logrus.Entry {
	return l.WithFields(Fields{logrus.ErrorKey: err})
}

func (l *Logger) Debug(args ...any)                 { l.WithFields(nil).Debug(args...) }
func (l *Logger) Debugf(format string, args ...any) { l.WithFields(nil).Debugf(format, args...) }
func (l *Logger) Info(args ...any)                  { l.WithFields(nil).Info(args...) }
func (l *Logger) Infof(format string, args ...any)  { l.WithFields(nil).Infof(format, args...) }
func (l *Logger) Warn(args ...any)                  { l.WithFields(nil).Warn(args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.WithFields(nil).Warnf(format, args...) }
func (l *Logger) Error(args ...any)                 { l.WithFields(nil).Error(args...) }
func (l *Logger) Errorf(format string, args ...any) { l.WithFields(nil).Errorf(format, args...) }
