package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakers_TripsAfterConsecutiveFailures(t *testing.T) {
	var transitions []gobreaker.State
	b := NewBreakers(Rule{TripConsecutiveFailures: 3, Timeout: time.Minute}, nil,
		func(name string, from, to gobreaker.State) {
			transitions = append(transitions, to)
		})

	boom := errors.New("nats down")
	for i := 0; i < 3; i++ {
		require.ErrorIs(t, b.Do("broker", func() error { return boom }), boom)
	}

	called := false
	err := b.Do("broker", func() error { called = true; return nil })
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.False(t, called)
	assert.Equal(t, []gobreaker.State{gobreaker.StateOpen}, transitions)

	// 其他名字互不影响
	assert.NoError(t, b.Do("other", func() error { return nil }))
}

func TestBreakers_CanceledIsNotFailure(t *testing.T) {
	b := NewBreakers(Rule{TripConsecutiveFailures: 1}, nil, nil)
	for i := 0; i < 5; i++ {
		_ = b.Do("broker", func() error { return context.Canceled })
	}
	assert.Equal(t, gobreaker.StateClosed, b.Get("broker").State())
}
