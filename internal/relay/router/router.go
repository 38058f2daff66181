// Package router resolves destinations and delivers registration events: one
// private reply to the sender, one broadcast frame to every subscriber.
package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-stomp/stomp/v3/frame"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"stomprelay.com/internal/relay/conn"
	"stomprelay.com/internal/relay/metrics"
	"stomprelay.com/internal/relay/stomp"
	"stomprelay.com/internal/relay/subs"
	"stomprelay.com/pkg/logger"
	"stomprelay.com/pkg/xerr"
)

const (
	DefaultReplyText       = "Thanks for your registration!"
	DefaultBroadcastFormat = "Someone just registered saying: %s"
)

var tracer = otel.Tracer("stomprelay.com/internal/relay/router")

// Event is one registration submitted by Sender.
type Event struct {
	Sender conn.ID
	Body   string
}

// DeliveryResult summarises one Route or Publish. Reply is nil when the
// private reply was enqueued.
type DeliveryResult struct {
	Reply     error
	Attempted int
	Delivered int
	Failed    int
}

// Lookup resolves a live connection; the registry satisfies it.
type Lookup interface {
	Lookup(id conn.ID) (*conn.Conn, error)
}

// Tap observes routed registrations. It must not block for long: it runs on
// the sender's session loop.
type Tap interface {
	OnRegistration(ctx context.Context, ev Event)
}

// SlowConsumerFunc is called when a recipient's outbound queue is full.
type SlowConsumerFunc func(c *conn.Conn)

type Options struct {
	Dest            stomp.Destinations
	ReplyText       string
	BroadcastFormat string
	OnSlowConsumer  SlowConsumerFunc
	Tap             Tap
}

type Router struct {
	conns Lookup
	table *subs.Table
	dest  stomp.Destinations

	replyText string
	bcastFmt  string
	onSlow    SlowConsumerFunc
	tap       Tap
}

func New(conns Lookup, table *subs.Table, opts Options) *Router {
	r := &Router{
		conns:     conns,
		table:     table,
		dest:      opts.Dest.WithDefaults(),
		replyText: opts.ReplyText,
		bcastFmt:  opts.BroadcastFormat,
		onSlow:    opts.OnSlowConsumer,
		tap:       opts.Tap,
	}
	if r.replyText == "" {
		r.replyText = DefaultReplyText
	}
	if r.bcastFmt == "" {
		r.bcastFmt = DefaultBroadcastFormat
	} else if err := CheckBroadcastFormat(r.bcastFmt); err != nil {
		logger.Warn(context.Background(), "bad broadcast format, using default",
			zap.String("format", r.bcastFmt), zap.Error(err))
		r.bcastFmt = DefaultBroadcastFormat
	}
	return r
}

// CheckBroadcastFormat accepts a format with exactly one %s and no other verb.
// "%%" stays a literal percent sign.
func CheckBroadcastFormat(f string) error {
	n := 0
	for i := 0; i < len(f); i++ {
		if f[i] != '%' {
			continue
		}
		if i+1 == len(f) {
			return xerr.New(xerr.RequestParamsError, "broadcast format ends with a lone %")
		}
		switch f[i+1] {
		case '%':
		case 's':
			n++
		default:
			return xerr.New(xerr.RequestParamsError, fmt.Sprintf("broadcast format: only %%s is allowed, got %%%c", f[i+1]))
		}
		i++
	}
	if n != 1 {
		return xerr.New(xerr.RequestParamsError, fmt.Sprintf("broadcast format needs exactly one %%s, got %d", n))
	}
	return nil
}

func (r *Router) Destinations() stomp.Destinations { return r.dest }

// SetTap installs the registration tap after construction (the gateway needs
// the router first).
func (r *Router) SetTap(t Tap) { r.tap = t }

// SetSlowConsumer installs the full-queue hook; the session manager uses it
// to evict slow recipients.
func (r *Router) SetSlowConsumer(fn SlowConsumerFunc) { r.onSlow = fn }

// Route delivers ev: the private reply is enqueued first, then the broadcast
// fans out over a snapshot of the broadcast topic. A sender that is already
// gone makes Route a no-op returning ErrConnectionNotFound.
func (r *Router) Route(ctx context.Context, ev Event) (DeliveryResult, error) {
	var res DeliveryResult
	ctx, span := tracer.Start(ctx, "relay.route", trace.WithAttributes(
		attribute.String(logger.ConnIdKey, string(ev.Sender)),
	))
	defer span.End()

	sender, err := r.conns.Lookup(ev.Sender)
	if err != nil {
		metrics.DroppedTotal.WithLabelValues("sender_gone").Inc()
		logger.Warn(ctx, "route: sender gone", zap.String("sender", string(ev.Sender)))
		span.SetStatus(codes.Error, "sender gone")
		return res, err
	}
	_, self, err := r.table.PrivateTarget(ev.Sender)
	if err != nil {
		metrics.DroppedTotal.WithLabelValues("sender_gone").Inc()
		logger.Warn(ctx, "route: sender has no private address", zap.String("sender", string(ev.Sender)))
		span.SetStatus(codes.Error, "no private address")
		return res, err
	}

	// 1) 私有回执
	res.Reply = r.deliver(ctx, sender, stomp.Message(r.dest.UserReply(), self.SubID, r.replyText))

	// 2) 广播
	body := fmt.Sprintf(r.bcastFmt, ev.Body)
	r.fanOut(ctx, r.dest.Broadcast, body, r.table.SubscribersOf(r.dest.Broadcast), &res)

	metrics.RoutedTotal.WithLabelValues("register").Inc()
	span.SetAttributes(
		attribute.Int("relay.recipients", res.Attempted),
		attribute.Int("relay.failed", res.Failed),
	)
	logger.Info(ctx, "registration routed",
		zap.String("sender", string(ev.Sender)),
		zap.String("payload", ev.Body),
		zap.Int("recipients", res.Attempted),
		zap.Int("failed", res.Failed),
	)

	if r.tap != nil {
		r.tap.OnRegistration(ctx, ev)
	}
	return res, nil
}

// Publish fans body out as-is to the subscribers of dest. kind labels the
// metric (publish for client SENDs to broker destinations, announce for
// server-originated broadcasts).
func (r *Router) Publish(ctx context.Context, kind, dest, body string) DeliveryResult {
	var res DeliveryResult
	r.fanOut(ctx, dest, body, r.table.SubscribersOf(dest), &res)
	metrics.RoutedTotal.WithLabelValues(kind).Inc()
	return res
}

func (r *Router) fanOut(ctx context.Context, dest, body string, recipients []subs.Subscriber, res *DeliveryResult) {
	metrics.FanoutSize.Observe(float64(len(recipients)))
	for _, s := range recipients {
		res.Attempted++
		c, err := r.conns.Lookup(s.Conn)
		if err != nil {
			// 快照之后断开的连接，跳过
			metrics.DroppedTotal.WithLabelValues("closed").Inc()
			res.Failed++
			continue
		}
		if err := r.deliver(ctx, c, stomp.Message(dest, s.SubID, body)); err != nil {
			res.Failed++
			continue
		}
		res.Delivered++
	}
}

// deliver offers f to c without blocking. Failures stay with this recipient.
func (r *Router) deliver(ctx context.Context, c *conn.Conn, f *frame.Frame) error {
	err := c.Offer(conn.Outbound{Frame: f})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, conn.ErrQueueFull):
		metrics.DroppedTotal.WithLabelValues("queue_full").Inc()
		logger.Warn(ctx, "slow consumer, frame dropped", zap.String("recipient", string(c.ID())))
		if r.onSlow != nil {
			r.onSlow(c)
		}
	default:
		metrics.DroppedTotal.WithLabelValues("closed").Inc()
		logger.Debug(ctx, "recipient closed", zap.String("recipient", string(c.ID())), zap.Error(err))
	}
	return err
}

// ResolveSubscription maps a client SUBSCRIBE destination onto a table
// topic. The user reply destination becomes the caller's private address;
// other user destinations are rejected.
func (r *Router) ResolveSubscription(id conn.ID, dest string) (string, error) {
	if dest == "" {
		return "", xerr.Wrap(xerr.ErrBadFrame, xerr.BadFrame, "missing destination")
	}
	if !r.dest.IsUserDestination(dest) {
		return dest, nil
	}
	if dest != r.dest.UserReply() {
		return "", xerr.Wrap(xerr.ErrBadFrame, xerr.BadFrame, fmt.Sprintf("unknown user destination %s", dest))
	}
	return r.table.PrivateAddressOf(id)
}
