// Package tcp serves STOMP sessions over plain TCP sockets.
package tcp

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"go.uber.org/zap"
	"stomprelay.com/internal/relay/metrics"
	"stomprelay.com/internal/relay/session"
	"stomprelay.com/pkg/logger"
	"stomprelay.com/pkg/safe"
	"stomprelay.com/pkg/xerr"
)

type Options struct {
	Addr        string        `mapstructure:"addr"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	WriteWait   time.Duration `mapstructure:"write_wait"`
}

type Server struct {
	mgr  *session.Manager
	opts Options
	ctx  context.Context

	mu sync.Mutex
	ln net.Listener
}

func NewServer(ctx context.Context, mgr *session.Manager, opts Options) *Server {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 2 * time.Minute
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = 5 * time.Second
	}
	return &Server{mgr: mgr, opts: opts, ctx: ctx}
}

func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	return nil
}

func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts until the listener is closed.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	logger.Info(s.ctx, "stomp tcp listening", zap.String("addr", ln.Addr().String()))

	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return err
		}
		sess := s.mgr.Open(s.ctx, "tcp", nc.RemoteAddr().String())
		safe.GoCtx(sess.Context(), "tcp-write-pump", func(context.Context) { s.writePump(sess, nc) })
		safe.GoCtx(sess.Context(), "tcp-read-pump", func(context.Context) { s.readPump(sess, nc) })
	}
}

func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

func (s *Server) readPump(sess *session.Session, nc net.Conn) {
	reason := "read_error"
	defer func() {
		sess.Close(reason)
		_ = nc.Close()
	}()

	r := frame.NewReader(nc)
	for {
		_ = nc.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
		f, err := r.Read()
		if err != nil {
			var ne net.Error
			switch {
			case errors.Is(err, io.EOF):
				reason = "client_close"
			case errors.As(err, &ne) && ne.Timeout():
				reason = "idle_timeout"
				metrics.PongTimeoutTotal.Inc()
			case errors.Is(err, net.ErrClosed):
			default:
				// 帧格式错误：回 ERROR，等写泵关闭连接
				sess.Reject(xerr.Wrap(xerr.ErrBadFrame, xerr.BadFrame, err.Error()))
				select {
				case <-sess.Conn().Done():
				case <-time.After(s.opts.WriteWait):
				}
			}
			return
		}
		if f == nil {
			continue // heart-beat
		}
		if err := sess.Enqueue(f); err != nil {
			return
		}
	}
}

func (s *Server) writePump(sess *session.Session, nc net.Conn) {
	c := sess.Conn()
	w := frame.NewWriter(nc) // 每帧写完自动 flush
	defer func() { _ = nc.Close() }()

	for {
		select {
		case o := <-c.Outbound():
			if c.Closed() {
				return
			}
			start := time.Now()
			_ = nc.SetWriteDeadline(start.Add(s.opts.WriteWait))
			err := w.Write(o.Frame)
			metrics.ObserveWrite(1, len(o.Frame.Body), time.Since(start), err)
			if err != nil {
				logger.Debug(sess.Context(), "tcp write failed", zap.Error(err))
				sess.Close("write_error")
				return
			}
			if o.Final {
				sess.Close("final_frame")
				return
			}
		case <-c.Done():
			return
		}
	}
}
