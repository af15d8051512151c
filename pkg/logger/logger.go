// Package logger is the zap facade shared by the server and worker processes.
// Rebuild jobs and periodic passes attach their correlation ids to a
// context, and FromContext turns them into fields.
package logger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Field = zapcore.Field

type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)
	With(fields ...Field) Logger
	Named(name string) Logger
	Sync() error
}

// Rotation bounds file outputs. Sizes are in megabytes, ages in days.
type Rotation struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

type options struct {
	level    string
	encoding string
	outputs  []string
	rotation Rotation
}

type logger struct {
	zap *zap.Logger
}

type Option func(*options)

func WithLevel(level string) Option {
	return func(o *options) { o.level = level }
}

// WithEncoding selects "json" or "console".
func WithEncoding(encoding string) Option {
	return func(o *options) { o.encoding = encoding }
}

// WithOutputPaths sets the sinks: stdout, stderr or a file path.
func WithOutputPaths(paths []string) Option {
	return func(o *options) { o.outputs = paths }
}

func WithRotation(r Rotation) Option {
	return func(o *options) { o.rotation = r }
}

// NewLogger builds a logger writing every entry to each output.
func NewLogger(opts ...Option) (Logger, error) {
	o := &options{
		level:    "info",
		encoding: "json",
		outputs:  []string{"stdout"},
		rotation: Rotation{MaxSizeMB: 100, MaxBackups: 3, MaxAgeDays: 7, Compress: true},
	}
	for _, opt := range opts {
		opt(o)
	}

	level, err := zapcore.ParseLevel(o.level)
	if err != nil {
		return nil, fmt.Errorf("can't parse log level: %w", err)
	}
	if o.encoding != "json" && o.encoding != "console" {
		return nil, fmt.Errorf("unknown log encoding %q", o.encoding)
	}

	cores := make([]zapcore.Core, 0, len(o.outputs))
	for _, path := range o.outputs {
		writer, err := o.writer(path)
		if err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(o.encoder(), writer, level))
	}

	return &logger{zap: zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1))}, nil
}

func (o *options) writer(path string) (zapcore.WriteSyncer, error) {
	switch path {
	case "stdout":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("can't create log directory: %w", err)
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    o.rotation.MaxSizeMB,
		MaxBackups: o.rotation.MaxBackups,
		MaxAge:     o.rotation.MaxAgeDays,
		Compress:   o.rotation.Compress,
	}), nil
}

func (o *options) encoder() zapcore.Encoder {
	cfg := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if o.encoding == "console" {
		return zapcore.NewConsoleEncoder(cfg)
	}
	return zapcore.NewJSONEncoder(cfg)
}

// Various field constructors
func String(key string, val string) Field          { return zap.String(key, val) }
func Strings(key string, val []string) Field       { return zap.Strings(key, val) }
func Int(key string, val int) Field                { return zap.Int(key, val) }
func Int64(key string, val int64) Field            { return zap.Int64(key, val) }
func Bool(key string, val bool) Field              { return zap.Bool(key, val) }
func Any(key string, val interface{}) Field        { return zap.Any(key, val) }
func Error(err error) Field                        { return zap.Error(err) }
func Time(key string, val time.Time) Field         { return zap.Time(key, val) }
func Duration(key string, val time.Duration) Field { return zap.Duration(key, val) }

func (l *logger) Debug(msg string, fields ...Field) {
	l.zap.Debug(msg, fields...)
}

func (l *logger) Info(msg string, fields ...Field) {
	l.zap.Info(msg, fields...)
}

func (l *logger) Warn(msg string, fields ...Field) {
	l.zap.Warn(msg, fields...)
}

func (l *logger) Error(msg string, fields ...Field) {
	l.zap.Error(msg, fields...)
}

func (l *logger) Fatal(msg string, fields ...Field) {
	l.zap.Fatal(msg, fields...)
}

func (l *logger) With(fields ...Field) Logger {
	return &logger{zap: l.zap.With(fields...)}
}

func (l *logger) Named(name string) Logger {
	return &logger{zap: l.zap.Named(name)}
}

func (l *logger) Sync() error {
	return l.zap.Sync()
}

type ctxKey int

const (
	taskIDKey ctxKey = iota
	updateCodeKey
)

// WithTaskID tags ctx with the correlation id of a rebuild job.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey, taskID)
}

// TaskID returns the rebuild job correlation id carried by ctx, if any.
func TaskID(ctx context.Context) string {
	id, _ := ctx.Value(taskIDKey).(string)
	return id
}

// WithUpdateCode tags ctx with the correlation id of a scan or sweep pass.
func WithUpdateCode(ctx context.Context, code string) context.Context {
	return context.WithValue(ctx, updateCodeKey, code)
}

// FromContext returns l enriched with the correlation ids found in ctx.
func FromContext(ctx context.Context, l Logger) Logger {
	fields := make([]Field, 0, 2)
	if id, ok := ctx.Value(taskIDKey).(string); ok && id != "" {
		fields = append(fields, String("taskId", id))
	}
	if code, ok := ctx.Value(updateCodeKey).(string); ok && code != "" {
		fields = append(fields, String("updateCode", code))
	}
	if len(fields) == 0 {
		return l
	}
	return l.With(fields...)
}
