package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	levelVar   slog.LevelVar
	loggerMu   sync.RWMutex
	baseLogger *slog.Logger
)

func init() {
	levelVar.Set(slog.LevelInfo)
	baseLogger = newLogger(os.Stdout)
}

func newLogger(w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: &levelVar})
	return slog.New(handler)
}

func SetOutput(w io.Writer) {
	loggerMu.Lock()
	baseLogger = newLogger(w)
	loggerMu.Unlock()
}

// ParseLevel 将配置中的字符串级别转换为 slog.Level，未知值回退到 info。
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func SetLevel(level string) {
	levelVar.Set(ParseLevel(level))
}

func activeLogger() *slog.Logger {
	loggerMu.RLock()
	l := baseLogger
	loggerMu.RUnlock()
	if l != nil {
		return l
	}
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if baseLogger == nil {
		baseLogger = newLogger(os.Stdout)
	}
	return baseLogger
}

func Debugf(format string, v ...any) {
	activeLogger().Debug(fmt.Sprintf(format, v...))
}

func Infof(format string, v ...any) {
	activeLogger().Info(fmt.Sprintf(format, v...))
}

func Warnf(format string, v ...any) {
	activeLogger().Warn(fmt.Sprintf(format, v...))
}

func Errorf(format string, v ...any) {
	activeLogger().Error(fmt.Sprintf(format, v...))
}

// Scoped 为某个组件/feed 附加固定的结构化字段。
// 每次调用都取当前 baseLogger，SetOutput 之后依然生效。
type Scoped struct {
	attrs []any
}

// With 返回带有 key/value 字段的 Scoped logger。
func With(kv ...any) Scoped {
	return Scoped{attrs: append([]any(nil), kv...)}
}

func (s Scoped) With(kv ...any) Scoped {
	attrs := make([]any, 0, len(s.attrs)+len(kv))
	attrs = append(attrs, s.attrs...)
	attrs = append(attrs, kv...)
	return Scoped{attrs: attrs}
}

func (s Scoped) Debugf(format string, v ...any) {
	activeLogger().Debug(fmt.Sprintf(format, v...), s.attrs...)
}

func (s Scoped) Infof(format string, v ...any) {
	activeLogger().Info(fmt.Sprintf(format, v...), s.attrs...)
}

func (s Scoped) Warnf(format string, v ...any) {
	activeLogger().Warn(fmt.Sprintf(format, v...), s.attrs...)
}

func (s Scoped) Errorf(format string, v ...any) {
	activeLogger().Error(fmt.Sprintf(format, v...), s.attrs...)
}
