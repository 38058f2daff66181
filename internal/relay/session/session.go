package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"go.uber.org/zap"
	"stomprelay.com/internal/relay/conn"
	"stomprelay.com/internal/relay/metrics"
	"stomprelay.com/internal/relay/router"
	"stomprelay.com/internal/relay/stomp"
	"stomprelay.com/pkg/logger"
	pkgmetrics "stomprelay.com/pkg/metrics"
	"stomprelay.com/pkg/xerr"
)

type inbound struct {
	f *frame.Frame
}

type subscription struct {
	dest  string
	topic string
	id    string // 客户端给的 id，可能为空
}

// Session is one connection plus its ordered inbound queue. Frames are
// handled one at a time on the session loop; subIDs is only touched there.
type Session struct {
	m   *Manager
	c   *conn.Conn
	ctx context.Context
	in  chan inbound

	subIDs  map[string]subscription // STOMP subscription id (or destination) -> subscription
	version string
	closing bool

	// 最后一帧（RECEIPT/ERROR）写完后由传输层关闭时使用的原因
	finalReason atomic.Pointer[string]
}

func (s *Session) Conn() *conn.Conn         { return s.c }
func (s *Session) ID() conn.ID              { return s.c.ID() }
func (s *Session) Context() context.Context { return s.ctx }

// Enqueue hands a decoded frame to the session loop, waiting while the
// inbound queue is full. It fails with conn.ErrClosed once the session is
// gone.
func (s *Session) Enqueue(f *frame.Frame) error {
	select {
	case <-s.c.Done():
		return conn.ErrClosed
	default:
	}
	select {
	case s.in <- inbound{f: f}:
		return nil
	case <-s.c.Done():
		return conn.ErrClosed
	}
}

// Close tears the session down. A reason recorded by a final frame wins over
// the transport's.
func (s *Session) Close(reason string) bool {
	if r := s.finalReason.Load(); r != nil {
		reason = *r
	}
	return s.m.Disconnect(s.c, reason)
}

func (s *Session) loop() {
	for {
		select {
		case <-s.c.Done():
			return
		case it := <-s.in:
			if s.closing {
				continue
			}
			s.handle(it.f)
		}
	}
}

func (s *Session) connectDeadline(ctx context.Context) {
	t := time.NewTimer(s.m.opts.ConnectTimeout)
	defer t.Stop()
	select {
	case <-s.c.Done():
	case <-t.C:
		if s.c.State() == conn.Connecting {
			logger.Info(ctx, "no CONNECT in time, closing")
			s.m.Disconnect(s.c, "connect_timeout")
		}
	}
}

func (s *Session) handle(f *frame.Frame) {
	metrics.FramesInTotal.WithLabelValues(f.Command).Inc()

	if s.c.State() != conn.Connected {
		switch f.Command {
		case frame.CONNECT, frame.STOMP:
			s.onConnect(f)
		default:
			s.fail(f, xerr.Wrap(xerr.ErrBadFrame, xerr.BadFrame, fmt.Sprintf("%s before CONNECT", f.Command)))
		}
		return
	}

	var err error
	switch f.Command {
	case frame.CONNECT, frame.STOMP:
		err = xerr.Wrap(xerr.ErrBadFrame, xerr.BadFrame, "already connected")
	case frame.SUBSCRIBE:
		err = s.onSubscribe(f)
	case frame.UNSUBSCRIBE:
		err = s.onUnsubscribe(f)
	case frame.SEND:
		err = s.onSend(f)
	case frame.DISCONNECT:
		s.onDisconnect(f)
		return
	case frame.ACK, frame.NACK, frame.BEGIN, frame.COMMIT, frame.ABORT:
		// 没有 ack 模式和事务，收下即可
	default:
		err = xerr.Wrap(xerr.ErrBadFrame, xerr.BadFrame, fmt.Sprintf("unsupported command %s", f.Command))
	}
	if err != nil {
		s.fail(f, err)
		return
	}
	s.receipt(f)
}

func (s *Session) onConnect(f *frame.Frame) {
	version, err := stomp.Negotiate(f.Header.Get(frame.AcceptVersion))
	if err != nil {
		s.fail(f, err)
		return
	}
	if !s.c.MarkConnected() {
		return
	}
	s.version = version
	id := string(s.c.ID())
	if err := s.c.Offer(conn.Outbound{Frame: stomp.Connected(version, id, id)}); err != nil {
		s.m.Disconnect(s.c, "connect_failed")
		return
	}

	s.m.presenceAdd(s)
	if s.c.Closed() {
		// 与断开赛跑：保证不留下过期的 presence
		s.m.presenceRemove(s)
	}
	logger.Info(s.ctx, "session connected",
		zap.String("version", version),
		zap.String("private", s.c.PrivateAddress()),
		zap.String("transport", s.c.Transport()),
	)
}

func (s *Session) onSubscribe(f *frame.Frame) error {
	dest := f.Header.Get(frame.Destination)
	subID := f.Header.Get(frame.Id)
	key := subID
	if key == "" {
		// STOMP 1.0 允许省略 id
		key = dest
	}
	if prev, ok := s.subIDs[key]; ok && prev.dest != dest {
		return xerr.Wrap(xerr.ErrBadFrame, xerr.BadFrame, fmt.Sprintf("subscription id %q already in use", key))
	}

	topic, err := s.m.router.ResolveSubscription(s.c.ID(), dest)
	if err != nil {
		return err
	}
	added, err := s.m.table.Subscribe(s.c.ID(), topic, subID)
	if err != nil {
		return err
	}
	s.subIDs[key] = subscription{dest: dest, topic: topic, id: subID}
	if added {
		metrics.SubOpsTotal.WithLabelValues("sub").Inc()
		metrics.Topics.Set(float64(s.m.table.Stats().Topics))
	}
	logger.Debug(s.ctx, "subscribed", zap.String("destination", dest), zap.String("topic", topic), zap.String("id", subID))
	return nil
}

func (s *Session) onUnsubscribe(f *frame.Frame) error {
	key := f.Header.Get(frame.Id)
	if key == "" {
		key = f.Header.Get(frame.Destination)
	}
	sub, ok := s.subIDs[key]
	if !ok {
		logger.Debug(s.ctx, "unsubscribe of unknown id", zap.String("id", key))
		return nil
	}
	delete(s.subIDs, key)
	topic := sub.topic
	for _, other := range s.subIDs {
		if other.topic == topic {
			// 另一个 id 还订阅着同一个 topic：保留表项，改用它的 id 投递
			if err := s.m.table.SetSubID(s.c.ID(), topic, other.id); err != nil && !errors.Is(err, xerr.ErrSubscriptionNotFound) {
				return err
			}
			return nil
		}
	}
	if err := s.m.table.Unsubscribe(s.c.ID(), topic); err != nil && !errors.Is(err, xerr.ErrSubscriptionNotFound) {
		return err
	}
	metrics.SubOpsTotal.WithLabelValues("unsub").Inc()
	metrics.Topics.Set(float64(s.m.table.Stats().Topics))
	return nil
}

func (s *Session) onSend(f *frame.Frame) error {
	dest := f.Header.Get(frame.Destination)
	if dest == "" {
		return xerr.Wrap(xerr.ErrBadFrame, xerr.BadFrame, "SEND without destination")
	}
	if !s.m.limiter.Allow(string(s.c.ID())) {
		metrics.DroppedTotal.WithLabelValues("rate_limited").Inc()
		pkgmetrics.RateLimitBlockTotal.WithLabelValues("send", "token_bucket").Inc()
		logger.Warn(s.ctx, "send rate limited", zap.String("destination", dest))
		return nil
	}

	d := s.m.router.Destinations()
	switch {
	case dest == d.Register:
		_, err := s.m.router.Route(s.ctx, router.Event{Sender: s.c.ID(), Body: string(f.Body)})
		if err != nil && !errors.Is(err, xerr.ErrConnectionNotFound) {
			logger.Error(s.ctx, "route failed", zap.Error(err))
		}
	case d.IsBroker(dest) && !s.m.table.IsPrivate(dest):
		s.m.router.Publish(s.ctx, "publish", dest, string(f.Body))
	default:
		logger.Debug(s.ctx, "send to unknown destination ignored", zap.String("destination", dest))
	}
	return nil
}

func (s *Session) onDisconnect(f *frame.Frame) {
	if id, ok := stomp.ReceiptOf(f); ok {
		// 先退订，RECEIPT 写出后由传输层断开
		s.m.table.RemoveConn(s.c.ID())
		s.finish(stomp.Receipt(id), "client_disconnect")
		return
	}
	s.closing = true
	s.m.Disconnect(s.c, "client_disconnect")
}

func (s *Session) receipt(f *frame.Frame) {
	id, ok := stomp.ReceiptOf(f)
	if !ok {
		return
	}
	if err := s.c.Offer(conn.Outbound{Frame: stomp.Receipt(id)}); err != nil {
		logger.Debug(s.ctx, "receipt not delivered", zap.Error(err))
	}
}

// fail answers a protocol error with an ERROR frame and closes afterwards.
func (s *Session) fail(f *frame.Frame, err error) {
	receipt, _ := stomp.ReceiptOf(f)
	logger.Warn(s.ctx, "protocol error", zap.String("command", f.Command), zap.Error(err))
	s.finish(stomp.Error(xerr.MapErrMsg(xerr.CodeOf(err)), err.Error(), receipt), "protocol_error")
}

// finish queues the last frame. The transport closes the socket once it is
// written; if it cannot even be queued the session ends right away.
func (s *Session) finish(f *frame.Frame, reason string) {
	s.closing = true
	s.offerFinal(f, reason)
}

func (s *Session) offerFinal(f *frame.Frame, reason string) {
	s.finalReason.Store(&reason)
	if err := s.c.Offer(conn.Outbound{Frame: f, Final: true}); err != nil {
		s.m.Disconnect(s.c, reason)
	}
}

// Reject answers bytes the transport could not decode with an ERROR frame.
// Transports call it from their reader goroutine.
func (s *Session) Reject(err error) {
	logger.Warn(s.ctx, "undecodable frame", zap.Error(err))
	s.offerFinal(stomp.Error(xerr.MapErrMsg(xerr.CodeOf(err)), err.Error(), ""), "protocol_error")
}
