package safe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGoCtx_RecoversPanic(t *testing.T) {
	before := Panics()
	done := make(chan struct{})

	GoCtx(context.Background(), "boom", func(ctx context.Context) {
		defer close(done)
		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
	assert.Eventually(t, func() bool { return Panics() == before+1 }, time.Second, 5*time.Millisecond)
}

func TestGo_RunsFn(t *testing.T) {
	ran := make(chan struct{})
	Go("ok", func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("fn not executed")
	}
}
