package safe

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"go.uber.org/zap"
	"stomprelay.com/pkg/logger"
)

var panics atomic.Uint64

// Panics returns how many goroutine panics were recovered so far.
func Panics() uint64 { return panics.Load() }

// Go 安全启动协程
func Go(name string, fn func()) {
	GoCtx(context.Background(), name, func(context.Context) { fn() })
}

// GoCtx 安全启动携带 context 的协程，日志里保留 conn_id / trace_id。
func GoCtx(ctx context.Context, name string, fn func(ctx context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		defer Recover(ctx, name)
		fn(ctx)
	}()
}

// Recover logs a panic instead of crashing the process. Use it deferred.
func Recover(ctx context.Context, name string) {
	r := recover()
	if r == nil {
		return
	}
	panics.Add(1)
	stack := string(debug.Stack())
	if logger.Log != nil {
		logger.Error(ctx, "goroutine panic recovered",
			zap.String("goroutine", name),
			zap.String("panic", fmt.Sprint(r)),
			zap.String("stack", stack),
		)
		return
	}
	fmt.Printf("goroutine %s panic: %v\nStack: %s\n", name, r, stack)
}
