// Package ws carries STOMP sessions over gorilla websockets: one read pump
// feeding the session queue, one write pump draining the connection's
// outbound queue.
package ws

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"stomprelay.com/internal/relay/conn"
	"stomprelay.com/internal/relay/metrics"
	"stomprelay.com/internal/relay/session"
	"stomprelay.com/internal/relay/stomp"
	"stomprelay.com/pkg/logger"
	"stomprelay.com/pkg/safe"
)

// Subprotocols offered during the upgrade, newest first.
var Subprotocols = []string{"v12.stomp", "v11.stomp", "v10.stomp"}

type Options struct {
	PongWait   time.Duration `mapstructure:"pong_wait"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	PingJitter time.Duration `mapstructure:"ping_jitter"`
	WriteWait  time.Duration `mapstructure:"write_wait"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	// MaxBatch 单次 flush 最多写多少帧
	MaxBatch int `mapstructure:"max_batch"`
	// AllowedOrigins empty means any origin.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

func DefaultOptions() Options {
	return Options{
		PongWait:   60 * time.Second,
		PingPeriod: 30 * time.Second,
		PingJitter: 100 * time.Millisecond,
		WriteWait:  5 * time.Second,
		ReadLimit:  64 << 10,
		MaxBatch:   64,
	}
}

type Server struct {
	Sessions *session.Manager
	Upgrader websocket.Upgrader

	PongWait   time.Duration
	PingPeriod time.Duration
	PingJitter time.Duration
	WriteWait  time.Duration
	ReadLimit  int64
	MaxBatch   int
}

func NewServer(mgr *session.Manager, opts Options) *Server {
	def := DefaultOptions()
	if opts.PongWait <= 0 {
		opts.PongWait = def.PongWait
	}
	if opts.PingPeriod <= 0 || opts.PingPeriod >= opts.PongWait {
		opts.PingPeriod = opts.PongWait * 9 / 10
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = def.WriteWait
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = def.ReadLimit
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = def.MaxBatch
	}
	return &Server{
		Sessions: mgr,
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			Subprotocols:    Subprotocols,
			CheckOrigin:     originChecker(opts.AllowedOrigins),
		},
		PongWait:   opts.PongWait,
		PingPeriod: opts.PingPeriod,
		PingJitter: opts.PingJitter,
		WriteWait:  opts.WriteWait,
		ReadLimit:  opts.ReadLimit,
		MaxBatch:   opts.MaxBatch,
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// 写缓冲按次借用，空闲连接不占内存
var bufPool = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, 4096))
	},
}

func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn(r.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}
	// 升级后 request ctx 会被取消，只保留其中的 request id
	sess := s.Sessions.Open(context.WithoutCancel(r.Context()), "ws", r.RemoteAddr)
	safe.GoCtx(sess.Context(), "ws-write-pump", func(ctx context.Context) { s.writePump(sess, wsConn) })
	safe.GoCtx(sess.Context(), "ws-read-pump", func(ctx context.Context) { s.readPump(sess, wsConn) })
}

func (s *Server) readPump(sess *session.Session, ws *websocket.Conn) {
	ctx := sess.Context()
	reason := "read_error"
	defer func() {
		sess.Close(reason)
		_ = ws.Close()
	}()

	ws.SetReadLimit(s.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(s.PongWait))
	ws.SetPongHandler(func(string) error {
		_ = ws.SetReadDeadline(time.Now().Add(s.PongWait))
		return nil
	})

	for {
		_, b, err := ws.ReadMessage()
		if err != nil {
			var ne net.Error
			switch {
			case errors.As(err, &ne) && ne.Timeout():
				reason = "read_timeout"
				metrics.PongTimeoutTotal.Inc()
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
				reason = "client_close"
			default:
				logger.Debug(ctx, "ws read error", zap.Error(err))
			}
			return
		}
		// 收到任何数据都说明对端还活着
		_ = ws.SetReadDeadline(time.Now().Add(s.PongWait))

		frames, derr := stomp.Decode(b)
		for _, f := range frames {
			if err := sess.Enqueue(f); err != nil {
				return
			}
		}
		if derr != nil {
			sess.Reject(derr)
			// 等 ERROR 写出去，写泵会关闭连接
			select {
			case <-sess.Conn().Done():
			case <-time.After(s.WriteWait):
			}
			return
		}
	}
}

func (s *Server) writePump(sess *session.Session, ws *websocket.Conn) {
	c := sess.Conn()
	ctx := sess.Context()

	// 只错开第一次 ping，之后按 PingPeriod 走；出站帧从一开始就写
	first := s.PingPeriod
	if s.PingJitter > 0 {
		first += time.Duration(rand.Int63n(int64(s.PingJitter)))
	}
	ping := time.NewTimer(first)
	defer func() {
		ping.Stop()
		_ = ws.Close()
	}()

	batch := make([]conn.Outbound, 0, s.MaxBatch)
	for {
		select {
		case o := <-c.Outbound():
			batch = append(batch[:0], o)
			batch = drainInto(batch, c.Outbound(), s.MaxBatch)

			final, err := s.flush(c, ws, batch)
			if err != nil {
				logger.Debug(ctx, "ws write failed", zap.Error(err))
				sess.Close("write_error")
				return
			}
			if final {
				s.closeSocket(ws)
				sess.Close("final_frame")
				return
			}
		case <-ping.C:
			ping.Reset(s.PingPeriod)
			if err := ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(s.WriteWait)); err != nil {
				logger.Debug(ctx, "ws ping failed", zap.Error(err))
				sess.Close("ping_error")
				return
			}
			metrics.PingSentTotal.Inc()
		case <-c.Done():
			s.closeSocket(ws)
			return
		}
	}
}

// drainInto appends already queued frames without blocking, up to max.
func drainInto(batch []conn.Outbound, ch <-chan conn.Outbound, max int) []conn.Outbound {
	for len(batch) < max {
		select {
		case o := <-ch:
			batch = append(batch, o)
		default:
			return batch
		}
	}
	return batch
}

// flush writes the batch as one text message. Frames after a final frame are
// discarded, and nothing is written once the connection is closed.
func (s *Server) flush(c *conn.Conn, ws *websocket.Conn, batch []conn.Outbound) (final bool, err error) {
	if c.Closed() {
		return false, nil
	}
	buf := bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufPool.Put(buf)
	n := 0
	for _, o := range batch {
		if err := stomp.EncodeTo(buf, o.Frame); err != nil {
			return false, err
		}
		n++
		if o.Final {
			final = true
			break
		}
	}

	start := time.Now()
	_ = ws.SetWriteDeadline(start.Add(s.WriteWait))
	err = ws.WriteMessage(websocket.TextMessage, buf.Bytes())
	metrics.ObserveWrite(n, buf.Len(), time.Since(start), err)
	return final, err
}

func (s *Server) closeSocket(ws *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.WriteWait))
	_ = ws.Close()
}
