package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"stomprelay.com/internal/relay/registry"
	"stomprelay.com/internal/relay/router"
	"stomprelay.com/internal/relay/session"
	"stomprelay.com/internal/relay/stomp"
	"stomprelay.com/internal/relay/subs"
)

type stompClient struct {
	t       *testing.T
	ws      *websocket.Conn
	pending []*frame.Frame
}

func newRelay(t *testing.T) (*session.Manager, string) {
	t.Helper()
	return newRelayWith(t, Options{PingJitter: 10 * time.Millisecond})
}

func newRelayWith(t *testing.T, opts Options) (*session.Manager, string) {
	t.Helper()
	reg := registry.New()
	table := subs.NewTable("", "")
	rt := router.New(reg, table, router.Options{})
	mgr := session.NewManager(reg, table, rt, nil, nil, session.Options{})
	srv := NewServer(mgr, opts)

	mux := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/connect", "/register":
			srv.ServeWS(w, r)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
		mux.Close()
	})
	return mgr, "ws" + strings.TrimPrefix(mux.URL, "http")
}

func dial(t *testing.T, url string) *stompClient {
	t.Helper()
	d := websocket.Dialer{Subprotocols: []string{"v12.stomp"}, HandshakeTimeout: 2 * time.Second}
	c, resp, err := d.Dial(url, nil)
	require.NoError(t, err)
	assert.Equal(t, "v12.stomp", resp.Header.Get("Sec-Websocket-Protocol"))
	t.Cleanup(func() { _ = c.Close() })

	sc := &stompClient{t: t, ws: c}
	sc.send(frame.CONNECT, "", frame.AcceptVersion, "1.1,1.2", frame.Host, "localhost")
	got := sc.next()
	require.Equal(t, frame.CONNECTED, got.Command)
	require.NotEmpty(t, got.Header.Get("user-name"))
	return sc
}

func (c *stompClient) send(cmd, body string, headers ...string) {
	c.t.Helper()
	f := frame.New(cmd, headers...)
	if body != "" {
		f.Body = []byte(body)
	}
	b, err := stomp.Encode(f)
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteMessage(websocket.TextMessage, b))
}

func (c *stompClient) read() ([]*frame.Frame, error) {
	_ = c.ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, b, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	return stomp.Decode(b)
}

func (c *stompClient) next() *frame.Frame {
	c.t.Helper()
	for len(c.pending) == 0 {
		frames, err := c.read()
		require.NoError(c.t, err)
		c.pending = append(c.pending, frames...)
	}
	f := c.pending[0]
	c.pending = c.pending[1:]
	return f
}

// sync 发一个带 receipt 的空操作，收到 RECEIPT 说明之前的帧都处理完了
func (c *stompClient) sync(id string) []*frame.Frame {
	c.t.Helper()
	c.send(frame.ACK, "", frame.Id, "noop", frame.Receipt, id)
	var before []*frame.Frame
	for {
		f := c.next()
		if f.Command == frame.RECEIPT && f.Header.Get(frame.ReceiptId) == id {
			return before
		}
		before = append(before, f)
	}
}

func bodies(frames []*frame.Frame, dest string) []string {
	var out []string
	for _, f := range frames {
		if f.Command == frame.MESSAGE && f.Header.Get(frame.Destination) == dest {
			out = append(out, string(f.Body))
		}
	}
	return out
}

func TestWS_E2E_HelloGuys(t *testing.T) {
	_, url := newRelay(t)
	a := dial(t, url+"/connect")
	b := dial(t, url+"/register")

	for _, c := range []*stompClient{a, b} {
		c.send(frame.SUBSCRIBE, "", frame.Destination, "/queue", frame.Id, "sub-0")
		c.send(frame.SUBSCRIBE, "", frame.Destination, "/private/reply", frame.Id, "sub-1")
		c.sync("subscribed")
	}

	a.send(frame.SEND, "hello guys", frame.Destination, "/register")
	gotA := a.sync("a1")
	assert.Equal(t, []string{"Thanks for your registration!"}, bodies(gotA, "/private/reply"))
	assert.Equal(t, []string{"Someone just registered saying: hello guys"}, bodies(gotA, "/queue"))

	gotB := b.sync("b1")
	assert.Empty(t, bodies(gotB, "/private/reply"))
	assert.Equal(t, []string{"Someone just registered saying: hello guys"}, bodies(gotB, "/queue"))

	b.send(frame.SEND, "yo!", frame.Destination, "/register")
	gotB = b.sync("b2")
	assert.Equal(t, []string{"Thanks for your registration!"}, bodies(gotB, "/private/reply"))
	assert.Equal(t, []string{"Someone just registered saying: yo!"}, bodies(gotB, "/queue"))
	assert.Equal(t, []string{"Someone just registered saying: yo!"}, bodies(a.sync("a2"), "/queue"))
}

func TestWS_E2E_DisconnectThenLateSubscriber(t *testing.T) {
	mgr, url := newRelay(t)
	a := dial(t, url+"/connect")
	a.send(frame.SUBSCRIBE, "", frame.Destination, "/queue", frame.Id, "0")
	a.send(frame.SEND, "bye", frame.Destination, "/register")
	a.send(frame.DISCONNECT, "", frame.Receipt, "d")

	var receipt *frame.Frame
	for receipt == nil {
		f := a.next()
		if f.Command == frame.RECEIPT {
			receipt = f
		}
	}
	assert.Equal(t, "d", receipt.Header.Get(frame.ReceiptId))

	// 服务端在 RECEIPT 之后关闭连接
	_, err := a.read()
	assert.Error(t, err)
	require.Eventually(t, func() bool { return mgr.Len() == 0 }, 2*time.Second, 10*time.Millisecond)

	b := dial(t, url+"/connect")
	b.send(frame.SUBSCRIBE, "", frame.Destination, "/queue", frame.Id, "0")
	assert.Empty(t, b.sync("s"), "no earlier broadcast is replayed")
}

func TestWS_E2E_GarbageGetsError(t *testing.T) {
	mgr, url := newRelay(t)
	c := dial(t, url+"/connect")

	require.NoError(t, c.ws.WriteMessage(websocket.TextMessage, []byte("BOGUS\nbad header\n\n\x00")))
	f := c.next()
	assert.Equal(t, frame.ERROR, f.Command)

	_, err := c.read()
	assert.Error(t, err, "socket closed after ERROR")
	require.Eventually(t, func() bool { return mgr.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWS_E2E_ClientDropCleansUp(t *testing.T) {
	mgr, url := newRelay(t)
	a := dial(t, url+"/connect")
	a.send(frame.SUBSCRIBE, "", frame.Destination, "/queue", frame.Id, "0")
	a.sync("s")
	require.Len(t, mgr.Table().SubscribersOf("/queue"), 1)

	_ = a.ws.Close()
	require.Eventually(t, func() bool {
		return mgr.Len() == 0 && len(mgr.Table().SubscribersOf("/queue")) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

// ping 的随机错开不能推迟第一帧的下发
func TestWS_E2E_FirstFramesNotDelayedByPingJitter(t *testing.T) {
	big := DefaultOptions()
	big.PingJitter = 5 * time.Second

	for name, opts := range map[string]Options{"default": DefaultOptions(), "large_jitter": big} {
		t.Run(name, func(t *testing.T) {
			_, url := newRelayWith(t, opts)
			for i := 0; i < 5; i++ {
				start := time.Now()
				c := dial(t, url+"/connect")
				c.send(frame.SUBSCRIBE, "", frame.Destination, "/queue", frame.Id, "0")
				c.send(frame.SEND, "hi", frame.Destination, "/register")
				got := c.sync("r")
				assert.Less(t, time.Since(start), 500*time.Millisecond, "dial %d", i)
				assert.Equal(t, []string{"Someone just registered saying: hi"}, bodies(got, "/queue"))
			}
		})
	}
}
