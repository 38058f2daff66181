package registry

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"stomprelay.com/internal/relay/conn"
	"stomprelay.com/pkg/xerr"
)

func TestRegistry_RegisterLookupDeregister(t *testing.T) {
	r := New()
	c := conn.New("ws", "", 1)

	id := r.Register(c)
	assert.Equal(t, c.ID(), id)
	assert.Equal(t, 1, r.Len())

	got, err := r.Lookup(id)
	require.NoError(t, err)
	assert.Same(t, c, got)

	assert.True(t, r.Deregister(id))
	assert.False(t, r.Deregister(id), "deregister is idempotent")

	_, err = r.Lookup(id)
	assert.ErrorIs(t, err, xerr.ErrConnectionNotFound)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_HookSeesLiveID(t *testing.T) {
	r := New()
	c := conn.New("ws", "", 1)
	id := r.Register(c)

	var stillThere bool
	r.OnDeregister(func(got conn.ID) {
		_, err := r.Lookup(got)
		stillThere = err == nil
	})

	r.Deregister(id)
	assert.True(t, stillThere, "hooks run before the id becomes invalid")
}

func TestRegistry_ConcurrentDeregisterRunsHooksOnceEffective(t *testing.T) {
	r := New()
	var calls atomic.Int32
	r.OnDeregister(func(conn.ID) { calls.Add(1) })

	c := conn.New("ws", "", 1)
	id := r.Register(c)

	var wg sync.WaitGroup
	var removed atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Deregister(id) {
				removed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), removed.Load())
	assert.GreaterOrEqual(t, calls.Load(), int32(1))
}

func TestRegistry_Range(t *testing.T) {
	r := New()
	for i := 0; i < 5; i++ {
		r.Register(conn.New("tcp", "", 1))
	}
	n := 0
	r.Range(func(*conn.Conn) bool { n++; return n < 3 })
	assert.Equal(t, 3, n)
}
