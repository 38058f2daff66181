// relay-client connects to a stomp-relay over websocket, registers once and
// prints every frame it receives.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/go-stomp/stomp/v3/frame"
	"stomprelay.com/internal/relay/stomp"
)

func main() {
	url := flag.String("url", "ws://127.0.0.1:8080/connect", "relay websocket endpoint")
	msg := flag.String("msg", "hello guys", "registration message")
	wait := flag.Duration("wait", 5*time.Second, "how long to keep listening after sending")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *url, *msg, *wait); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("relay-client: %v", err)
	}
}

func run(ctx context.Context, url, msg string, wait time.Duration) error {
	// Dial timeout：避免网络黑洞卡死
	dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	conn, _, err := websocket.Dial(dctx, url, &websocket.DialOptions{Subprotocols: []string{"v12.stomp", "v11.stomp"}})
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer func() { _ = conn.CloseNow() }()
	log.Printf("[dial] connected: %s subprotocol=%q", url, conn.Subprotocol())

	c := &client{conn: conn}
	if err := c.write(ctx, frame.New(frame.CONNECT, frame.AcceptVersion, "1.1,1.2", frame.Host, "stomp-relay")); err != nil {
		return err
	}
	connected, err := c.next(ctx)
	if err != nil {
		return err
	}
	if connected.Command != frame.CONNECTED {
		return fmt.Errorf("handshake: got %s %s", connected.Command, connected.Header.Get(frame.Message))
	}
	log.Printf("[stomp] connected version=%s session=%s", connected.Header.Get(frame.Version), connected.Header.Get(frame.Session))

	steps := []*frame.Frame{
		frame.New(frame.SUBSCRIBE, frame.Destination, "/queue", frame.Id, "sub-0"),
		frame.New(frame.SUBSCRIBE, frame.Destination, "/private/reply", frame.Id, "sub-1"),
	}
	send := frame.New(frame.SEND, frame.Destination, "/register", frame.ContentType, stomp.ContentText)
	send.Body = []byte(msg)
	steps = append(steps, send)
	for _, f := range steps {
		if err := c.write(ctx, f); err != nil {
			return err
		}
	}

	// Reader：Read 的 ctx 被取消会关闭连接，所以单独一个 goroutine 读到底
	frames := make(chan *frame.Frame, 64)
	readErr := make(chan error, 1)
	go func() {
		for {
			f, err := c.next(ctx)
			if err != nil {
				readErr <- err
				return
			}
			frames <- f
		}
	}()

	timer := time.NewTimer(wait)
	defer timer.Stop()
listen:
	for {
		select {
		case f := <-frames:
			printFrame(f)
		case err := <-readErr:
			return err
		case <-timer.C:
			break listen
		}
	}

	if err := c.write(ctx, frame.New(frame.DISCONNECT, frame.Receipt, "bye")); err != nil {
		return err
	}
	deadline := time.NewTimer(2 * time.Second)
	defer deadline.Stop()
	for {
		select {
		case f := <-frames:
			if f.Command == frame.RECEIPT {
				log.Printf("[stomp] disconnected receipt=%s", f.Header.Get(frame.ReceiptId))
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return nil
			}
			printFrame(f)
		case err := <-readErr:
			// 服务端写完 RECEIPT 就关连接
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return err
		case <-deadline.C:
			return errors.New("no RECEIPT for DISCONNECT")
		}
	}
}

type client struct {
	conn    *websocket.Conn
	pending []*frame.Frame
}

func (c *client) write(ctx context.Context, f *frame.Frame) error {
	b, err := stomp.Encode(f)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.conn.Write(wctx, websocket.MessageText, b)
}

// 一条 websocket 消息里可能有多帧
func (c *client) next(ctx context.Context) (*frame.Frame, error) {
	for len(c.pending) == 0 {
		_, raw, err := c.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		frames, err := stomp.Decode(raw)
		if err != nil {
			return nil, err
		}
		c.pending = append(c.pending, frames...)
	}
	f := c.pending[0]
	c.pending = c.pending[1:]
	return f, nil
}

func printFrame(f *frame.Frame) {
	switch f.Command {
	case frame.MESSAGE:
		fmt.Printf("%s [%s] %s\n", f.Command, f.Header.Get(frame.Destination), f.Body)
	case frame.ERROR:
		fmt.Printf("%s %s: %s\n", f.Command, f.Header.Get(frame.Message), f.Body)
	default:
		fmt.Printf("%s\n", f.Command)
	}
}
