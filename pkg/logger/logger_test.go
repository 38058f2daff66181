package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// captureLog 把全局 Log 换成写 buffer 的 JSON logger
func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	buffer := &bytes.Buffer{}
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.MessageKey = "msg"

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(buffer),
		zap.DebugLevel,
	)
	prev := Log
	Log = zap.New(core)
	t.Cleanup(func() { Log = prev })
	return buffer
}

func TestLogger_Info_WithTraceAndConnID(t *testing.T) {
	buffer := captureLog(t)

	ctx := WithTraceID(context.Background(), "test-trace-12345")
	ctx = WithConnID(ctx, "conn-1")

	Info(ctx, "session connected", zap.String("remote", "127.0.0.1:5000"))

	var logEntry map[string]interface{}
	require.NoError(t, json.Unmarshal(buffer.Bytes(), &logEntry), "日志输出必须是合法的 JSON")

	assert.Equal(t, "info", logEntry["level"])
	assert.Equal(t, "session connected", logEntry["msg"])
	assert.Equal(t, "127.0.0.1:5000", logEntry["remote"])
	assert.Equal(t, "test-trace-12345", logEntry["trace_id"])
	assert.Equal(t, "conn-1", logEntry["conn_id"])
}

func TestLogger_Error_NoContextFields(t *testing.T) {
	buffer := captureLog(t)

	Error(context.Background(), "write failed", zap.String("dest", "/queue"))

	var logEntry map[string]interface{}
	require.NoError(t, json.Unmarshal(buffer.Bytes(), &logEntry))

	_, hasTrace := logEntry["trace_id"]
	_, hasConn := logEntry["conn_id"]
	assert.False(t, hasTrace)
	assert.False(t, hasConn)
	assert.Equal(t, "error", logEntry["level"])
}

func TestLogger_PlainStringKey(t *testing.T) {
	buffer := captureLog(t)

	//nolint:staticcheck // gin.Context 用字符串 key 存值
	ctx := context.WithValue(context.Background(), TraceIdKey, "from-gin")
	Warn(ctx, "rate limited")

	var logEntry map[string]interface{}
	require.NoError(t, json.Unmarshal(buffer.Bytes(), &logEntry))
	assert.Equal(t, "from-gin", logEntry["trace_id"])
}

func TestInitWithFile_WritesFile(t *testing.T) {
	prev := Log
	t.Cleanup(func() { Log = prev })

	path := filepath.Join(t.TempDir(), "relay.log")
	InitWithFile("stomp-relay", "debug", path)
	Debug(nil, "hello")
	Sync()

	assert.FileExists(t, path)
}
