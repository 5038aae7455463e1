// Package logging builds the zap loggers used throughout the SDK.
package logging

import (
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Component logger names
const (
	ComponentSDK      = "sdk"
	ComponentSession  = "session"
	ComponentNetwork  = "network"
	ComponentRewards  = "rewards"
	ComponentWebView  = "webview"
	ComponentPlaytime = "playtime"
)

// ParseLevel maps a level name to a zap level. Unknown names map to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Logger pairs a zap logger with the atomic level controlling it, so the
// threshold can be changed after construction.
type Logger struct {
	*zap.Logger
	level zap.AtomicLevel
}

// New creates a JSON logger writing to w at the given level
func New(w io.Writer, level string) *Logger {
	atom := zap.NewAtomicLevelAt(ParseLevel(level))

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(w), atom)
	return &Logger{
		Logger: zap.New(core, zap.AddCaller()),
		level:  atom,
	}
}

// NewDefault creates a logger writing to stderr
func NewDefault(level string) *Logger {
	return New(os.Stderr, level)
}

// Wrap adopts an existing zap logger. SetLevel can only raise the
// threshold above what the wrapped core already enables.
func Wrap(l *zap.Logger) *Logger {
	if l == nil {
		l = zap.NewNop()
	}
	atom := zap.NewAtomicLevelAt(zapcore.DebugLevel)
	return &Logger{
		Logger: l.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
			return &levelFilterCore{Core: c, level: atom}
		})),
		level: atom,
	}
}

type levelFilterCore struct {
	zapcore.Core
	level zap.AtomicLevel
}

func (c *levelFilterCore) Enabled(lvl zapcore.Level) bool {
	return c.level.Enabled(lvl) && c.Core.Enabled(lvl)
}

func (c *levelFilterCore) With(fields []zapcore.Field) zapcore.Core {
	return &levelFilterCore{Core: c.Core.With(fields), level: c.level}
}

func (c *levelFilterCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.level.Enabled(ent.Level) {
		return ce
	}
	return c.Core.Check(ent, ce)
}

// SetLevel changes the minimum level that is emitted
func (l *Logger) SetLevel(level string) {
	l.level.SetLevel(ParseLevel(level))
}

// Level returns the current threshold
func (l *Logger) Level() zapcore.Level {
	return l.level.Level()
}

// Component returns a named child logger
func (l *Logger) Component(name string) *zap.Logger {
	return l.Logger.Named(name)
}
