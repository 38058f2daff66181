package logger

import (
	"context"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// context keys carried into every log line
const (
	TraceIdKey = "trace_id"
	ConnIdKey  = "conn_id"
)

type ctxKey string

// Log is the process-wide logger. It starts as a no-op so packages and tests
// can log before Init is called.
var Log = zap.NewNop()

// Init 初始化日志组件
// serviceName: 服务名 (例如 "stomp-relay")
// level: debug, info, warn, error
func Init(serviceName string, level string) {
	InitWithFile(serviceName, level, "")
}

// InitWithFile 初始化日志组件，logFile 为空时使用 logs/{serviceName}.log；
// logFile 为 "-" 时只写控制台。
func InitWithFile(serviceName string, level string, logFile string) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zap.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.MessageKey = "msg"

	writeSyncers := []zapcore.WriteSyncer{
		zapcore.AddSync(os.Stdout),
	}

	if logFile == "" {
		logFile = filepath.Join("logs", serviceName+".log")
	}
	if logFile != "-" {
		// 目录或文件打不开时只输出到控制台，不中断启动
		if err := os.MkdirAll(filepath.Dir(logFile), 0755); err == nil {
			file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err == nil {
				writeSyncers = append(writeSyncers, zapcore.AddSync(file))
			}
		}
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.NewMultiWriteSyncer(writeSyncers...),
		zapLevel,
	)

	// Skip 1: 行号指向调用方而不是 logger.go
	Log = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).
		With(zap.String("service", serviceName))
}

// WithConnID returns a context whose log lines carry the connection id.
func WithConnID(ctx context.Context, connID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxKey(ConnIdKey), connID)
}

// WithTraceID returns a context whose log lines carry the trace id.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxKey(TraceIdKey), traceID)
}

func Info(ctx context.Context, msg string, fields ...zap.Field) {
	extractFields(ctx, &fields)
	Log.Info(msg, fields...)
}

func Error(ctx context.Context, msg string, fields ...zap.Field) {
	extractFields(ctx, &fields)
	Log.Error(msg, fields...)
}

func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	extractFields(ctx, &fields)
	Log.Warn(msg, fields...)
}

func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	extractFields(ctx, &fields)
	Log.Debug(msg, fields...)
}

// Fatal 会调用 os.Exit
func Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	extractFields(ctx, &fields)
	Log.Fatal(msg, fields...)
}

// extractFields 从 ctx 取 trace_id / conn_id 追加到 fields。
// gin.Context 直接传进来时用字符串 key 也能取到。
func extractFields(ctx context.Context, fields *[]zap.Field) {
	if ctx == nil {
		return
	}
	for _, key := range [...]string{TraceIdKey, ConnIdKey} {
		v, ok := ctx.Value(ctxKey(key)).(string)
		if !ok {
			v, ok = ctx.Value(key).(string)
		}
		if ok && v != "" {
			*fields = append(*fields, zap.String(key, v))
		}
	}
}

// Sync 刷新缓冲区 (main 里 defer 调用)
func Sync() {
	if Log != nil {
		_ = Log.Sync()
	}
}
