package diag

import (
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger 为结构化日志器：事件形如 comp/stage/code/dur_ms，底层由 zap 输出单行 JSON。
// 所有方法对 nil 接收者安全，调用方无需判空。
type Logger struct {
	z    *zap.Logger
	sink *RotatingFile
}

// NewLogger 通过配置的 level 初始化，并将日志写入 dir（默认 logs），10MiB 轮转。
func NewLogger(corrID, level, dir string) *Logger {
	if strings.TrimSpace(dir) == "" {
		dir = "logs"
	}
	sink := NewRotatingFile(dir, 10*1024*1024)
	l := NewLoggerTo(sink, corrID, level)
	l.sink = sink
	return l
}

// NewLoggerTo 将日志写入任意 io.Writer（测试或 stderr 调试）。
func NewLoggerTo(w io.Writer, corrID, level string) *Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.MessageKey = "msg"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(w), zap.NewAtomicLevelAt(parseLevel(level)))
	z := zap.New(core)
	if corrID != "" {
		z = z.With(zap.String("corr_id", corrID))
	}
	return &Logger{z: z}
}

// NewNop 返回丢弃全部事件的日志器。
func NewNop() *Logger { return &Logger{z: zap.NewNop()} }

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Sync 刷新缓冲并关闭轮转文件。
func (l *Logger) Sync() error {
	if l == nil || l.z == nil {
		return nil
	}
	_ = l.z.Sync()
	if l.sink != nil {
		return l.sink.Close()
	}
	return nil
}

func event(comp, stage string, extra ...zap.Field) []zap.Field {
	return append([]zap.Field{zap.String("comp", comp), zap.String("stage", stage)}, extra...)
}

func fileField(fileID string) zap.Field {
	if fileID == "" {
		return zap.Skip()
	}
	return zap.String("file_id", fileID)
}

func kvField(kv map[string]string) zap.Field {
	if len(kv) == 0 {
		return zap.Skip()
	}
	return zap.Any("kv", kv)
}

func durField(since *time.Time) zap.Field {
	if since == nil {
		return zap.Skip()
	}
	return zap.Int64("dur_ms", time.Since(*since).Milliseconds())
}

// Start 记录 start 事件；返回计时器用于 Finish。
func (l *Logger) Start(comp, msg string) *Timer {
	return l.StartWithKV(comp, msg, "", nil)
}

// StartWith 记录带 file_id 的 start。
func (l *Logger) StartWith(comp, msg, fileID string) *Timer {
	return l.StartWithKV(comp, msg, fileID, nil)
}

// StartWithKV 记录带 file_id 与键值的 start。
func (l *Logger) StartWithKV(comp, msg, fileID string, kv map[string]string) *Timer {
	if l == nil || l.z == nil {
		return nil
	}
	l.z.Info(msg, event(comp, "start", fileField(fileID), kvField(kv))...)
	return &Timer{l: l, comp: comp, fileID: fileID, t0: time.Now()}
}

// Error 记录 error 事件。
func (l *Logger) Error(comp, code, msg string, durSince *time.Time) {
	l.ErrorWithKV(comp, code, msg, durSince, "", nil)
}

// ErrorWith 支持 file_id。
func (l *Logger) ErrorWith(comp, code, msg string, durSince *time.Time, fileID string) {
	l.ErrorWithKV(comp, code, msg, durSince, fileID, nil)
}

// ErrorWithKV 支持附带键值对（例如行号、原始错误文本）。
func (l *Logger) ErrorWithKV(comp, code, msg string, durSince *time.Time, fileID string, kv map[string]string) {
	if l == nil || l.z == nil {
		return
	}
	l.z.Error(msg, event(comp, "error", zap.String("code", code), durField(durSince), fileField(fileID), kvField(kv))...)
}

// Warn 记录 warn 事件（软错误，例如跳过的文件）。
func (l *Logger) Warn(comp, msg, fileID string, kv map[string]string) {
	if l == nil || l.z == nil {
		return
	}
	l.z.Warn(msg, event(comp, "warn", fileField(fileID), kvField(kv))...)
}

// InfoFinish 在已有起点的情况下记录 finish。
func (l *Logger) InfoFinish(comp, msg string, start time.Time, count int64) {
	if l == nil || l.z == nil {
		return
	}
	l.z.Info(msg, event(comp, "finish", durField(&start), zap.Int64("count", count))...)
}

// DebugStart 输出调试级别的“start”类事件（仅在 level=debug 时生效）。
func (l *Logger) DebugStart(comp, msg, fileID string, kv map[string]string) {
	if l == nil || l.z == nil {
		return
	}
	l.z.Debug(msg, event(comp, "start", fileField(fileID), kvField(kv))...)
}

// Timer 用于 start→finish 计时。
type Timer struct {
	l      *Logger
	comp   string
	fileID string
	t0     time.Time
}

// Finish 记录 finish；可选 count。
func (t *Timer) Finish(msg string, count int64) {
	if t == nil || t.l == nil || t.l.z == nil {
		return
	}
	t.l.z.Info(msg, event(t.comp, "finish", durField(&t.t0), zap.Int64("count", count), fileField(t.fileID))...)
}
