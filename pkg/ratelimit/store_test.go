package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestStore_AllowPerKey(t *testing.T) {
	s := NewStore(rate.Every(time.Hour), 2, time.Minute)

	assert.True(t, s.Allow("conn-a"))
	assert.True(t, s.Allow("conn-a"))
	assert.False(t, s.Allow("conn-a"), "burst exhausted")

	// 另一个 key 有自己的桶
	assert.True(t, s.Allow("conn-b"))
	assert.Equal(t, 2, s.Len())

	s.Forget("conn-a")
	assert.Equal(t, 1, s.Len())
	assert.True(t, s.Allow("conn-a"), "fresh bucket after Forget")
}

func TestStore_ZeroRateDisables(t *testing.T) {
	s := NewStore(0, 0, 0)
	for i := 0; i < 100; i++ {
		require.True(t, s.Allow("k"))
	}

	var nilStore *Store
	assert.True(t, nilStore.Allow("k"))
}

func TestStore_Cleanup(t *testing.T) {
	s := NewStore(rate.Limit(10), 1, time.Nanosecond)
	s.Allow("old")
	time.Sleep(time.Millisecond)
	s.cleanup()
	assert.Equal(t, 0, s.Len())
}
