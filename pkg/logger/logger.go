// Package logger zerolog 结构化 JSON 日志
package logger

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

func init() {
	zerolog.TimestampFieldName = "timestamp"
}

type Fields map[string]interface{}

// Logger 不可变，With* 返回新实例
type Logger struct {
	zl zerolog.Logger
}

// New w 为 nil 时写 stdout
func New(service string, w io.Writer) *Logger {
	if w == nil {
		w = os.Stdout
	}
	return &Logger{zl: zerolog.New(w).With().Timestamp().Str("service", service).Logger()}
}

func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// SetLevel 无法识别的级别按 info 处理
func (l *Logger) SetLevel(level string) *Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return &Logger{zl: l.zl.Level(lvl)}
}

// WithContext 附加当前 span 的 trace_id/span_id
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if ctx == nil {
		return l
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return l
	}
	return &Logger{zl: l.zl.With().
		Str("trace_id", sc.TraceID().String()).
		Str("span_id", sc.SpanID().String()).
		Logger()}
}

func (l *Logger) WithError(err error) *Logger {
	return &Logger{zl: l.zl.With().Err(err).Logger()}
}

func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{zl: l.zl.With().Interface(key, value).Logger()}
}

func (l *Logger) WithFields(fields Fields) *Logger {
	return &Logger{zl: l.zl.With().Fields(map[string]interface{}(fields)).Logger()}
}

func (l *Logger) emit(lvl zerolog.Level, msg string, fields Fields) {
	ev := l.zl.WithLevel(lvl)
	if ev == nil {
		return
	}
	if len(fields) > 0 {
		ev = ev.Fields(map[string]interface{}(fields))
	}
	ev.Msg(msg)
}

func (l *Logger) Debug(msg string) { l.emit(zerolog.DebugLevel, msg, nil) }
func (l *Logger) Info(msg string)  { l.emit(zerolog.InfoLevel, msg, nil) }
func (l *Logger) Warn(msg string)  { l.emit(zerolog.WarnLevel, msg, nil) }
func (l *Logger) Error(msg string) { l.emit(zerolog.ErrorLevel, msg, nil) }

// Debugf 等带字段版本；f 指 fields，非格式化
func (l *Logger) Debugf(msg string, fields Fields) { l.emit(zerolog.DebugLevel, msg, fields) }
func (l *Logger) Infof(msg string, fields Fields)  { l.emit(zerolog.InfoLevel, msg, fields) }
func (l *Logger) Warnf(msg string, fields Fields)  { l.emit(zerolog.WarnLevel, msg, fields) }
func (l *Logger) Errorf(msg string, fields Fields) { l.emit(zerolog.ErrorLevel, msg, fields) }
