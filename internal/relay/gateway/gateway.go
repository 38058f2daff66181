package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"stomprelay.com/internal/relay/metrics"
	"stomprelay.com/internal/relay/router"
	"stomprelay.com/pkg/logger"
	"stomprelay.com/pkg/ratelimit"
	"stomprelay.com/pkg/xerr"
)

const (
	KindMemory = "memory"
	KindNats   = "nats"

	breakerName = "broker"
)

var errBrokerClosed = xerr.New(xerr.BrokerUnavailable, "broker closed")

type Options struct {
	Kind string `mapstructure:"kind"` // memory | nats
	URL  string `mapstructure:"url"`
	// RegistrationsTopic receives every routed registration.
	RegistrationsTopic string `mapstructure:"registrations_topic"`
	// AnnounceTopic 上的消息原样广播到 AnnounceDestination
	AnnounceTopic       string        `mapstructure:"announce_topic"`
	AnnounceDestination string        `mapstructure:"announce_destination"`
	PublishTimeout      time.Duration `mapstructure:"publish_timeout"`
}

func DefaultOptions() Options {
	return Options{
		Kind:                KindMemory,
		RegistrationsTopic:  "relay:registrations",
		AnnounceTopic:       "relay:announce",
		AnnounceDestination: "/queue",
		PublishTimeout:      time.Second,
	}
}

// Registration is the tap payload.
type Registration struct {
	ConnID string    `json:"conn_id"`
	Body   string    `json:"body"`
	At     time.Time `json:"at"`
}

// Gateway bridges the relay and the broker: routed registrations go out on
// RegistrationsTopic, announcements come in on AnnounceTopic.
type Gateway struct {
	broker   Broker
	router   *router.Router
	breakers *ratelimit.Breakers
	opts     Options
}

func New(broker Broker, rt *router.Router, breakers *ratelimit.Breakers, opts Options) *Gateway {
	def := DefaultOptions()
	if opts.RegistrationsTopic == "" {
		opts.RegistrationsTopic = def.RegistrationsTopic
	}
	if opts.AnnounceTopic == "" {
		opts.AnnounceTopic = def.AnnounceTopic
	}
	if opts.AnnounceDestination == "" {
		opts.AnnounceDestination = rt.Destinations().Broadcast
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = def.PublishTimeout
	}
	if breakers == nil {
		breakers = ratelimit.NewBreakers(ratelimit.Rule{}, nil, nil)
	}
	return &Gateway{broker: broker, router: rt, breakers: breakers, opts: opts}
}

// NewBroker builds the broker named by opts.Kind.
func NewBroker(opts Options) (Broker, error) {
	switch opts.Kind {
	case "", KindMemory:
		return NewMemBroker(), nil
	case KindNats:
		b, err := NewNatsBroker(opts.URL)
		if err != nil {
			return nil, fmt.Errorf("connect nats %s: %w", opts.URL, err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown broker kind %q", opts.Kind)
	}
}

// OnRegistration publishes ev through the breaker. Failures are logged and
// counted only; routing never waits on the broker.
func (g *Gateway) OnRegistration(ctx context.Context, ev router.Event) {
	payload, err := json.Marshal(Registration{ConnID: string(ev.Sender), Body: ev.Body, At: time.Now().UTC()})
	if err != nil {
		logger.Error(ctx, "marshal registration", zap.Error(err))
		return
	}

	err = g.breakers.Do(breakerName, func() error {
		pctx, cancel := context.WithTimeout(ctx, g.opts.PublishTimeout)
		defer cancel()
		return g.broker.Publish(pctx, g.opts.RegistrationsTopic, payload)
	})
	switch {
	case err == nil:
		metrics.TapPublishTotal.WithLabelValues("ok").Inc()
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.TapPublishTotal.WithLabelValues("open").Inc()
	default:
		metrics.TapPublishTotal.WithLabelValues("error").Inc()
		logger.Warn(ctx, "registration publish failed", zap.String("topic", g.opts.RegistrationsTopic), zap.Error(err))
	}
}

// Run bridges announcements into the relay until ctx ends.
func (g *Gateway) Run(ctx context.Context) error {
	ch, err := g.broker.Subscribe(ctx, []string{g.opts.AnnounceTopic})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", g.opts.AnnounceTopic, err)
	}
	logger.Info(ctx, "gateway bridging announcements",
		zap.String("topic", g.opts.AnnounceTopic),
		zap.String("destination", g.opts.AnnounceDestination),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			res := g.router.Publish(ctx, "announce", g.opts.AnnounceDestination, string(m.Payload))
			logger.Debug(ctx, "announcement relayed", zap.Int("recipients", res.Delivered))
		}
	}
}

func (g *Gateway) Close() error { return g.broker.Close() }
