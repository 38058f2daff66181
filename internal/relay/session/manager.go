// Package session owns the lifecycle of relay connections: it opens them,
// runs one ordered frame loop per connection and tears them down exactly once.
package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"stomprelay.com/internal/relay/conn"
	"stomprelay.com/internal/relay/metrics"
	"stomprelay.com/internal/relay/presence"
	"stomprelay.com/internal/relay/registry"
	"stomprelay.com/internal/relay/router"
	"stomprelay.com/internal/relay/subs"
	"stomprelay.com/pkg/logger"
	"stomprelay.com/pkg/ratelimit"
	"stomprelay.com/pkg/safe"
)

const (
	PolicyDrop       = "drop"
	PolicyDisconnect = "disconnect"
)

type Options struct {
	InboundQueue  int    `mapstructure:"inbound_queue"`
	OutboundQueue int    `mapstructure:"outbound_queue"`
	SlowConsumer  string `mapstructure:"slow_consumer"` // drop | disconnect
	// ConnectTimeout closes sockets that never send CONNECT. 0 disables.
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	PresenceTimeout time.Duration `mapstructure:"presence_timeout"`
}

func DefaultOptions() Options {
	return Options{
		InboundQueue:    64,
		OutboundQueue:   conn.DefaultQueueSize,
		SlowConsumer:    PolicyDrop,
		ConnectTimeout:  10 * time.Second,
		PresenceTimeout: 500 * time.Millisecond,
	}
}

type Manager struct {
	reg      *registry.Registry
	table    *subs.Table
	router   *router.Router
	limiter  *ratelimit.Store
	presence presence.Store
	opts     Options

	wg sync.WaitGroup
}

// NewManager wires the teardown hooks: deregistering a connection drops its
// subscriptions, its send limiter and its presence entry.
func NewManager(reg *registry.Registry, table *subs.Table, rt *router.Router, limiter *ratelimit.Store, ps presence.Store, opts Options) *Manager {
	def := DefaultOptions()
	if opts.InboundQueue <= 0 {
		opts.InboundQueue = def.InboundQueue
	}
	if opts.OutboundQueue <= 0 {
		opts.OutboundQueue = def.OutboundQueue
	}
	if opts.SlowConsumer == "" {
		opts.SlowConsumer = def.SlowConsumer
	}
	if opts.PresenceTimeout <= 0 {
		opts.PresenceTimeout = def.PresenceTimeout
	}
	if ps == nil {
		ps = presence.Noop{}
	}

	m := &Manager{reg: reg, table: table, router: rt, limiter: limiter, presence: ps, opts: opts}

	reg.OnDeregister(func(id conn.ID) {
		n := table.RemoveConn(id)
		limiter.Forget(string(id))
		metrics.SubOpsTotal.WithLabelValues("cleanup").Add(float64(n))
		metrics.Topics.Set(float64(table.Stats().Topics))

		ctx, cancel := context.WithTimeout(context.Background(), m.opts.PresenceTimeout)
		defer cancel()
		if err := ps.Remove(ctx, string(id)); err != nil {
			logger.Warn(ctx, "presence remove failed", zap.String(logger.ConnIdKey, string(id)), zap.Error(err))
		}
	})
	rt.SetSlowConsumer(m.onSlowConsumer)
	return m
}

func (m *Manager) Router() *router.Router       { return m.router }
func (m *Manager) Table() *subs.Table           { return m.table }
func (m *Manager) Registry() *registry.Registry { return m.reg }

// Open registers a new connection in the Connecting state, binds its private
// address and starts its frame loop.
func (m *Manager) Open(ctx context.Context, transport, remote string) *Session {
	c := conn.New(transport, remote, m.opts.OutboundQueue)
	m.reg.Register(c)
	c.SetPrivateAddress(m.table.Bind(c.ID()))
	metrics.OnOpen(transport)

	s := &Session{
		m:      m,
		c:      c,
		ctx:    logger.WithConnID(ctx, string(c.ID())),
		in:     make(chan inbound, m.opts.InboundQueue),
		subIDs: make(map[string]subscription, 4),
	}
	logger.Debug(s.ctx, "session opened", zap.String("transport", transport), zap.String("remote", remote))

	m.wg.Add(1)
	safe.GoCtx(s.ctx, "session-loop", func(ctx context.Context) {
		defer m.wg.Done()
		s.loop()
	})
	if m.opts.ConnectTimeout > 0 {
		safe.GoCtx(s.ctx, "session-connect-timeout", s.connectDeadline)
	}
	return s
}

// Disconnect moves c to Disconnected. The outbound queue is closed first so
// nothing is delivered afterwards, then the connection is deregistered, which
// removes its subscriptions. Only the first call has any effect.
func (m *Manager) Disconnect(c *conn.Conn, reason string) bool {
	if !c.Close(reason) {
		return false
	}
	m.release(c, reason)
	return true
}

// release runs the deregistration hooks (subscriptions, limiter, presence)
// for a connection that is already closed.
func (m *Manager) release(c *conn.Conn, reason string) {
	m.reg.Deregister(c.ID())
	metrics.OnClose(reason)

	ctx := logger.WithConnID(context.Background(), string(c.ID()))
	logger.Info(ctx, "session disconnected",
		zap.String("reason", reason),
		zap.Duration("age", time.Since(c.CreatedAt())),
		zap.Uint64("dropped", c.Dropped()),
	)
}

// onSlowConsumer runs inside a fan-out. Closing is synchronous so no further
// frame reaches c; the hooks (a presence round trip among them) run on their
// own goroutine so the remaining recipients are not held up.
func (m *Manager) onSlowConsumer(c *conn.Conn) {
	if m.opts.SlowConsumer != PolicyDisconnect {
		return
	}
	if !c.Close("slow_consumer") {
		return
	}
	m.wg.Add(1)
	safe.Go("slow-consumer-release", func() {
		defer m.wg.Done()
		m.release(c, "slow_consumer")
	})
}

// Len is the number of live connections.
func (m *Manager) Len() int { return m.reg.Len() }

// Shutdown disconnects every session and waits for their loops to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.reg.Range(func(c *conn.Conn) bool {
		m.Disconnect(c, "shutdown")
		return true
	})

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) presenceAdd(s *Session) {
	ctx, cancel := context.WithTimeout(s.ctx, m.opts.PresenceTimeout)
	defer cancel()
	info := presence.Info{Transport: s.c.Transport(), Remote: s.c.Remote(), CreatedAt: s.c.CreatedAt()}
	if err := m.presence.Add(ctx, string(s.c.ID()), info); err != nil {
		logger.Warn(ctx, "presence add failed", zap.Error(err))
	}
}

func (m *Manager) presenceRemove(s *Session) {
	ctx, cancel := context.WithTimeout(s.ctx, m.opts.PresenceTimeout)
	defer cancel()
	if err := m.presence.Remove(ctx, string(s.c.ID())); err != nil {
		logger.Warn(ctx, "presence remove failed", zap.Error(err))
	}
}

// PresenceCount reports the sessions recorded in the presence store.
func (m *Manager) PresenceCount(ctx context.Context) (int64, error) {
	return m.presence.Count(ctx)
}
