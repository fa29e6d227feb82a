package log

import (
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/comonadd/fetch-tg-links/internal/ports"
)

// ZapBridge передает записи zap-логгера библиотеки Telegram в обработчик
// журнала с уровнями подробности в стиле TDLib: 0 - фатальная ошибка,
// 1 - ошибка, 2 - предупреждение, 3 - информация, 4 и выше - отладка.
type ZapBridge struct {
	level zap.AtomicLevel

	mu sync.RWMutex
	cb ports.LogCallback
}

// NewZapBridge создает мост с уровнем подробности 1.
func NewZapBridge() *ZapBridge {
	return &ZapBridge{level: zap.NewAtomicLevelAt(VerbosityToLevel(1))}
}

// SetCallback устанавливает обработчик. nil отключает передачу записей.
func (b *ZapBridge) SetCallback(cb ports.LogCallback) {
	b.mu.Lock()
	b.cb = cb
	b.mu.Unlock()
}

// SetVerbosity меняет минимальный уровень передаваемых записей.
func (b *ZapBridge) SetVerbosity(verbosity int) {
	b.level.SetLevel(VerbosityToLevel(verbosity))
}

// Logger возвращает zap-логгер, записи которого уходят в обработчик.
func (b *ZapBridge) Logger() *zap.Logger {
	enc := zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		MessageKey:       "msg",
		NameKey:          "logger",
		ConsoleSeparator: " ",
		EncodeDuration:   zapcore.StringDurationEncoder,
		EncodeName:       zapcore.FullNameEncoder,
	})
	return zap.New(&bridgeCore{LevelEnabler: b.level, enc: enc, bridge: b})
}

func (b *ZapBridge) callback() ports.LogCallback {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cb
}

// VerbosityToLevel переводит уровень подробности в уровень zap.
func VerbosityToLevel(verbosity int) zapcore.Level {
	switch {
	case verbosity <= 0:
		return zapcore.DPanicLevel
	case verbosity == 1:
		return zapcore.ErrorLevel
	case verbosity == 2:
		return zapcore.WarnLevel
	case verbosity == 3:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

// LevelToVerbosity переводит уровень zap в уровень подробности.
func LevelToVerbosity(level zapcore.Level) int {
	switch {
	case level >= zapcore.DPanicLevel:
		return 0
	case level == zapcore.ErrorLevel:
		return 1
	case level == zapcore.WarnLevel:
		return 2
	case level == zapcore.InfoLevel:
		return 3
	default:
		return 4
	}
}

type bridgeCore struct {
	zapcore.LevelEnabler
	enc    zapcore.Encoder
	bridge *ZapBridge
}

func (c *bridgeCore) With(fields []zapcore.Field) zapcore.Core {
	enc := c.enc.Clone()
	for _, f := range fields {
		f.AddTo(enc)
	}
	return &bridgeCore{LevelEnabler: c.LevelEnabler, enc: enc, bridge: c.bridge}
}

func (c *bridgeCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *bridgeCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	cb := c.bridge.callback()
	if cb == nil {
		return nil
	}
	buf, err := c.enc.EncodeEntry(ent, fields)
	if err != nil {
		return err
	}
	defer buf.Free()

	cb(LevelToVerbosity(ent.Level), strings.TrimSpace(buf.String()))
	return nil
}

func (c *bridgeCore) Sync() error { return nil }
