package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	globalMu     sync.RWMutex
	globalLogger *zap.Logger
)

// Options 日志配置
type Options struct {
	Level  string    // debug, info, warn, error
	Format string    // json, console
	Output io.Writer // 默认 os.Stderr
}

// fixedWidthColorLevelEncoder 固定宽度（5字符）的彩色日志等级编码器
func fixedWidthColorLevelEncoder(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	s := level.CapitalString()
	for len(s) < 5 {
		s += " "
	}
	switch level {
	case zapcore.DebugLevel:
		s = "\x1b[35m" + s + "\x1b[0m" // 紫色
	case zapcore.InfoLevel:
		s = "\x1b[34m" + s + "\x1b[0m" // 蓝色
	case zapcore.WarnLevel:
		s = "\x1b[33m" + s + "\x1b[0m" // 黄色
	default:
		s = "\x1b[31m" + s + "\x1b[0m" // 红色
	}
	enc.AppendString(s)
}

func parseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(level) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("未知的日志级别 %q", level)
	}
}

// New 按配置创建独立的 Logger (不影响全局 Logger)
func New(opts Options) (*zap.Logger, error) {
	zapLevel, err := parseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	var encoder zapcore.Encoder
	switch opts.Format {
	case "json":
		cfg := zap.NewProductionEncoderConfig()
		cfg.TimeKey = "time"
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(cfg)
	case "", "console":
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.TimeKey = "time"
		cfg.EncodeLevel = fixedWidthColorLevelEncoder
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout("[2006-01-02 15:04:05]")
		cfg.ConsoleSeparator = " "
		encoder = zapcore.NewConsoleEncoder(cfg)
	default:
		return nil, fmt.Errorf("未知的日志格式 %q", opts.Format)
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(out), zapLevel)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

// Init 初始化全局日志器，可重复调用以应用新配置
func Init(opts Options) error {
	l, err := New(opts)
	if err != nil {
		return err
	}
	globalMu.Lock()
	globalLogger = l
	globalMu.Unlock()
	return nil
}

// Get 获取全局 Logger，未初始化时使用 info/console
func Get() *zap.Logger {
	globalMu.RLock()
	l := globalLogger
	globalMu.RUnlock()
	if l != nil {
		return l
	}

	_ = Init(Options{})
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// Named 创建命名的组件 Logger
func Named(name string) *zap.Logger {
	return Get().Named(name)
}

// OrNamed 注入的 Logger 为空时回退到全局组件 Logger
func OrNamed(l *zap.Logger, name string) *zap.Logger {
	if l != nil {
		return l
	}
	return Named(name)
}

// Sync 刷新日志缓冲
func Sync() {
	globalMu.RLock()
	l := globalLogger
	globalMu.RUnlock()
	if l != nil {
		_ = l.Sync()
	}
}

// 便捷字段函数 (从 zap 导出)
var (
	String   = zap.String
	Int      = zap.Int
	Uint32   = zap.Uint32
	Uint64   = zap.Uint64
	Bool     = zap.Bool
	Duration = zap.Duration
	Err      = zap.Error
	Stringer = zap.Stringer
)
