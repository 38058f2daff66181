// Package conn holds the per-connection state shared by the registry, the
// subscription table, the router and the transports.
package conn

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"stomprelay.com/pkg/xerr"
)

// ID identifies a connection for the lifetime of its socket. It doubles as
// the STOMP user name.
type ID string

type State int32

const (
	Connecting State = iota
	Connected
	Disconnected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	}
	return "unknown"
}

var (
	ErrClosed    = xerr.New(xerr.ConnectionClosed, "connection closed")
	ErrQueueFull = xerr.New(xerr.DeliveryFailure, "outbound queue full")
)

const DefaultQueueSize = 256

// Outbound is one frame waiting for the transport writer.
type Outbound struct {
	Frame *frame.Frame
	// Final asks the transport to close the socket once this frame is written
	// (RECEIPT for DISCONNECT, ERROR).
	Final bool
}

type Conn struct {
	id        ID
	transport string
	remote    string
	createdAt time.Time

	state atomic.Int32

	// mu 保证 Offer 和 Close 互斥：Close 之后不会再有帧进队列
	mu          sync.Mutex
	out         chan Outbound
	done        chan struct{}
	closeReason string
	privateAddr string

	offered atomic.Uint64
	dropped atomic.Uint64
}

// New creates a connection in the Connecting state with a fresh random id.
func New(transport, remote string, queueSize int) *Conn {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Conn{
		id:        ID(uuid.NewString()),
		transport: transport,
		remote:    remote,
		createdAt: time.Now(),
		out:       make(chan Outbound, queueSize),
		done:      make(chan struct{}),
	}
}

func (c *Conn) ID() ID               { return c.id }
func (c *Conn) Transport() string    { return c.transport }
func (c *Conn) Remote() string       { return c.remote }
func (c *Conn) CreatedAt() time.Time { return c.createdAt }
func (c *Conn) State() State         { return State(c.state.Load()) }

// Outbound is drained by exactly one transport writer.
func (c *Conn) Outbound() <-chan Outbound { return c.out }

// Done is closed on disconnect.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) PrivateAddress() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.privateAddr
}

// SetPrivateAddress records the address bound by the subscription table.
func (c *Conn) SetPrivateAddress(addr string) {
	c.mu.Lock()
	c.privateAddr = addr
	c.mu.Unlock()
}

// MarkConnected moves Connecting -> Connected. It reports false for any other
// starting state.
func (c *Conn) MarkConnected() bool {
	return c.state.CompareAndSwap(int32(Connecting), int32(Connected))
}

// Offer enqueues o without blocking. It fails with ErrClosed after Close and
// with ErrQueueFull when the writer is behind.
func (c *Conn) Offer(o Outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() == Disconnected {
		return ErrClosed
	}
	select {
	case c.out <- o:
		c.offered.Add(1)
		return nil
	default:
		c.dropped.Add(1)
		return ErrQueueFull
	}
}

// Close moves the connection to Disconnected and releases its writer. Only
// the first call returns true.
func (c *Conn) Close(reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if State(c.state.Swap(int32(Disconnected))) == Disconnected {
		return false
	}
	c.closeReason = reason
	close(c.done)
	return true
}

func (c *Conn) CloseReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}

// Closed reports whether Close has run. Writers check it before each write
// so nothing reaches the socket after disconnect.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) Offered() uint64 { return c.offered.Load() }
func (c *Conn) Dropped() uint64 { return c.dropped.Load() }
