package logger

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps a zap sugared logger with a debug flag
type Logger struct {
	debug bool
	*zap.SugaredLogger
}

// New creates a new logger writing to stderr
func New(debug bool) *Logger {
	return NewWithWriter(debug, os.Stderr)
}

// NewWithWriter creates a logger writing to w. Without debug only warnings and errors are written.
func NewWithWriter(debug bool, w io.Writer) *Logger {
	level := zapcore.WarnLevel
	if debug {
		level = zapcore.DebugLevel
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.AddSync(w),
		level,
	)
	return &Logger{
		debug:         debug,
		SugaredLogger: zap.New(core).Sugar(),
	}
}

// NewNop returns a logger that discards everything
func NewNop() *Logger {
	return &Logger{SugaredLogger: zap.NewNop().Sugar()}
}

// With returns a child logger carrying the given key/value pairs
func (l *Logger) With(args ...interface{}) *Logger {
	return &Logger{debug: l.debug, SugaredLogger: l.SugaredLogger.With(args...)}
}

// Printf logs if debug is enabled
func (l *Logger) Printf(format string, v ...interface{}) {
	if l.debug {
		l.SugaredLogger.Infof(format, v...)
	}
}

// Println logs if debug is enabled
func (l *Logger) Println(v ...interface{}) {
	if l.debug {
		l.SugaredLogger.Infoln(v...)
	}
}

// DebugEnabled reports whether debug output is enabled
func (l *Logger) DebugEnabled() bool {
	return l.debug
}
