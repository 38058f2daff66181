package conn

import (
	"errors"
	"sync"
	"testing"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"stomprelay.com/pkg/xerr"
)

func msg(body string) Outbound {
	f := frame.New(frame.MESSAGE, frame.Destination, "/queue")
	f.Body = []byte(body)
	return Outbound{Frame: f}
}

func TestConn_Lifecycle(t *testing.T) {
	c := New("ws", "127.0.0.1:1", 4)
	assert.NotEmpty(t, c.ID())
	assert.Equal(t, Connecting, c.State())

	require.True(t, c.MarkConnected())
	assert.False(t, c.MarkConnected(), "only Connecting -> Connected")
	assert.Equal(t, Connected, c.State())

	assert.True(t, c.Close("client_disconnect"))
	assert.False(t, c.Close("again"), "close is idempotent")
	assert.Equal(t, Disconnected, c.State())
	assert.Equal(t, "client_disconnect", c.CloseReason())
	assert.True(t, c.Closed())
	assert.False(t, c.MarkConnected(), "Disconnected is terminal")
}

func TestConn_IDsUnique(t *testing.T) {
	seen := make(map[ID]struct{})
	for i := 0; i < 1000; i++ {
		id := New("ws", "", 1).ID()
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
	}
}

func TestConn_OfferQueueFull(t *testing.T) {
	c := New("ws", "", 2)
	c.MarkConnected()

	require.NoError(t, c.Offer(msg("1")))
	require.NoError(t, c.Offer(msg("2")))
	err := c.Offer(msg("3"))
	assert.True(t, errors.Is(err, ErrQueueFull))
	assert.True(t, errors.Is(err, xerr.ErrDeliveryFailure))
	assert.Equal(t, uint64(1), c.Dropped())
	assert.Equal(t, uint64(2), c.Offered())

	got := <-c.Outbound()
	assert.Equal(t, "1", string(got.Frame.Body))
}

func TestConn_NoOfferAfterClose(t *testing.T) {
	c := New("ws", "", 8)
	c.MarkConnected()
	c.Close("test")

	assert.ErrorIs(t, c.Offer(msg("late")), ErrClosed)
	assert.Len(t, c.Outbound(), 0)
}

func TestConn_ConcurrentOfferAndClose(t *testing.T) {
	c := New("ws", "", 1024)
	c.MarkConnected()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = c.Offer(msg("x"))
			}
		}()
	}
	c.Close("race")
	wg.Wait()

	// Close 之后队列不再增长
	n := len(c.Outbound())
	assert.ErrorIs(t, c.Offer(msg("after")), ErrClosed)
	assert.Equal(t, n, len(c.Outbound()))
}
