package gateway

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"stomprelay.com/internal/relay/conn"
	"stomprelay.com/internal/relay/registry"
	"stomprelay.com/internal/relay/router"
	"stomprelay.com/internal/relay/subs"
	"stomprelay.com/pkg/ratelimit"
)

func newRouter() (*router.Router, *registry.Registry, *subs.Table) {
	reg := registry.New()
	table := subs.NewTable("", "")
	return router.New(reg, table, router.Options{}), reg, table
}

func recv(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for broker message")
		return Message{}
	}
}

func TestMemBroker_PublishSubscribe(t *testing.T) {
	b := NewMemBroker()
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := b.Subscribe(ctx, []string{"relay:a", "relay:b"})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "relay:a", []byte("1")))
	require.NoError(t, b.Publish(ctx, "relay:c", []byte("nobody")))
	require.NoError(t, b.Publish(ctx, "relay:b", []byte("2")))

	assert.Equal(t, Message{Topic: "relay:a", Payload: []byte("1")}, recv(t, ch))
	assert.Equal(t, Message{Topic: "relay:b", Payload: []byte("2")}, recv(t, ch))

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-ch
		return !open
	}, time.Second, 5*time.Millisecond)

	b.mu.RLock()
	assert.Empty(t, b.subs, "subscription removed on ctx end")
	b.mu.RUnlock()
	assert.NoError(t, b.Publish(context.Background(), "relay:a", []byte("late")))
}

func TestMemBroker_Closed(t *testing.T) {
	b := NewMemBroker()
	require.NoError(t, b.Close())
	assert.Error(t, b.Publish(context.Background(), "x", nil))
	_, err := b.Subscribe(context.Background(), []string{"x"})
	assert.Error(t, err)
}

func TestTopicSubjectMapping(t *testing.T) {
	assert.Equal(t, "relay.registrations", topicToSubject("relay:registrations"))
	assert.Equal(t, "relay:announce", subjectToTopic("relay.announce"))
}

func TestGateway_TapPublishesRegistration(t *testing.T) {
	rt, _, _ := newRouter()
	b := NewMemBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := b.Subscribe(ctx, []string{"relay:registrations"})
	require.NoError(t, err)

	g := New(b, rt, nil, Options{})
	g.OnRegistration(ctx, router.Event{Sender: "c1", Body: "hello guys"})

	m := recv(t, ch)
	var reg Registration
	require.NoError(t, json.Unmarshal(m.Payload, &reg))
	assert.Equal(t, "c1", reg.ConnID)
	assert.Equal(t, "hello guys", reg.Body)
	assert.False(t, reg.At.IsZero())
}

type failingBroker struct {
	*MemBroker
	calls atomic.Int32
}

func (f *failingBroker) Publish(context.Context, string, []byte) error {
	f.calls.Add(1)
	return errors.New("nats down")
}

func TestGateway_BreakerOpensOnFailures(t *testing.T) {
	rt, _, _ := newRouter()
	fb := &failingBroker{MemBroker: NewMemBroker()}
	breakers := ratelimit.NewBreakers(ratelimit.Rule{TripConsecutiveFailures: 3, Timeout: time.Minute}, nil, nil)
	g := New(fb, rt, breakers, Options{})

	for i := 0; i < 10; i++ {
		g.OnRegistration(context.Background(), router.Event{Sender: "c1", Body: "x"})
	}
	assert.Equal(t, int32(3), fb.calls.Load(), "open breaker stops calling the broker")
	assert.Equal(t, gobreaker.StateOpen, breakers.Get(breakerName).State())
}

func TestGateway_RunRelaysAnnouncements(t *testing.T) {
	rt, reg, table := newRouter()
	c := conn.New("test", "", 4)
	reg.Register(c)
	table.Bind(c.ID())
	_, err := table.Subscribe(c.ID(), "/queue", "q")
	require.NoError(t, err)

	b := NewMemBroker()
	g := New(b, rt, nil, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	require.Eventually(t, func() bool {
		_ = b.Publish(ctx, "relay:announce", []byte("maintenance at noon"))
		return len(c.Outbound()) > 0
	}, 2*time.Second, 10*time.Millisecond)

	o := <-c.Outbound()
	assert.Equal(t, "maintenance at noon", string(o.Frame.Body))
	assert.Equal(t, "q", o.Frame.Header.Get("subscription"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestNewBroker(t *testing.T) {
	b, err := NewBroker(Options{Kind: KindMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemBroker{}, b)

	_, err = NewBroker(Options{Kind: "kafka"})
	assert.Error(t, err)
}

// 需要本地 nats：RELAY_TEST_NATS=nats://127.0.0.1:4222
func TestNatsBroker(t *testing.T) {
	url := os.Getenv("RELAY_TEST_NATS")
	if url == "" {
		t.Skip("RELAY_TEST_NATS not set")
	}
	b, err := NewNatsBroker(url)
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := b.Subscribe(ctx, []string{"relay:test"})
	require.NoError(t, err)
	require.NoError(t, b.nc.Flush())

	require.NoError(t, b.Publish(ctx, "relay:test", []byte("ping")))
	m := recv(t, ch)
	assert.Equal(t, "relay:test", m.Topic)
	assert.Equal(t, "ping", string(m.Payload))
}
