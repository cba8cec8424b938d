// Package log provides the leveled, structured logger shared by every
// crunchmesh component. It wraps zap's sugared logger behind a small
// interface so packages can be handed pre-named child loggers.
package log

import (
	"context"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type logger struct {
	*zap.SugaredLogger
}

// Logger is an interface that can log to different levels.
type Logger interface {
	Info(keyvals ...interface{})
	Debug(keyvals ...interface{})
	Warn(keyvals ...interface{})
	Error(keyvals ...interface{})
	Fatal(keyvals ...interface{})
	Panic(keyvals ...interface{})
	Infow(msg string, keyvals ...interface{})
	Debugw(msg string, keyvals ...interface{})
	Warnw(msg string, keyvals ...interface{})
	Errorw(msg string, keyvals ...interface{})
	Fatalw(msg string, keyvals ...interface{})
	Panicw(msg string, keyvals ...interface{})
	With(args ...interface{}) Logger
	Named(s string) Logger
	AddCallerSkip(skip int) Logger
}

func (l *logger) AddCallerSkip(skip int) Logger {
	return &logger{l.WithOptions(zap.AddCallerSkip(skip))}
}

func (l *logger) With(args ...interface{}) Logger {
	return &logger{l.SugaredLogger.With(args...)}
}

func (l *logger) Named(s string) Logger {
	return &logger{l.SugaredLogger.Named(s)}
}

const (
	InfoLevel  = int(zapcore.InfoLevel)
	DebugLevel = int(zapcore.DebugLevel)
	ErrorLevel = int(zapcore.ErrorLevel)
	FatalLevel = int(zapcore.FatalLevel)
	PanicLevel = int(zapcore.PanicLevel)
	WarnLevel  = int(zapcore.WarnLevel)
)

// DefaultLevel is the level the default logger logs at. Change it before the
// first DefaultLogger call to affect the default logger.
var DefaultLevel = InfoLevel

// Lets test runs flip the whole suite to debug output without touching code.
//
//nolint:gochecknoinits // the env override must win before any logger exists
func init() {
	if v, ok := os.LookupEnv("CRUNCHMESH_TEST_LOGS"); ok && v == "DEBUG" {
		DefaultLevel = DebugLevel
	}
}

var defaultLoggerOnce sync.Once

// ConfigureDefaultLogger replaces the process-global logger with one writing
// to the given sink at the given level.
func ConfigureDefaultLogger(output zapcore.WriteSyncer, level int, jsonFormat bool) {
	zap.ReplaceGlobals(newZapLogger(output, newEncoder(jsonFormat), level))
}

// DefaultLogger is the fallback logger, logging JSON to stdout at DefaultLevel.
func DefaultLogger() Logger {
	defaultLoggerOnce.Do(func() {
		zap.ReplaceGlobals(newZapLogger(nil, newEncoder(true), DefaultLevel))
	})

	return &logger{zap.S()}
}

// New returns a logger that prints statements at the given level.
func New(output zapcore.WriteSyncer, level int, jsonFormat bool) Logger {
	l := newZapLogger(output, newEncoder(jsonFormat), level)
	return &logger{l.Sugar()}
}

func newZapLogger(output zapcore.WriteSyncer, encoder zapcore.Encoder, level int) *zap.Logger {
	if output == nil {
		output = os.Stdout
	}

	core := zapcore.NewCore(encoder, output, zapcore.Level(level))
	return zap.New(core, zap.WithCaller(true))
}

func newEncoder(jsonFormat bool) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder

	if jsonFormat {
		return zapcore.NewJSONEncoder(cfg)
	}
	return zapcore.NewConsoleEncoder(cfg)
}

type ctxLoggerKey string

const ctxLogger ctxLoggerKey = "crunchmeshLogger"

// ToContext sets the logger on the context.
func ToContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, ctxLogger, l)
}

// FromContextOrDefault returns the logger set with ToContext, or the default
// logger when the context carries none.
func FromContextOrDefault(ctx context.Context) Logger {
	l, ok := ctx.Value(ctxLogger).(Logger)
	if !ok {
		l = DefaultLogger()
	}
	return l
}
