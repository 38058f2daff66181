package gateway

import (
	"context"
	"sync"
)

// MemBroker is the single-process broker. Delivery is at-most-once: a full
// subscriber channel drops the message.
type MemBroker struct {
	mu     sync.RWMutex
	subs   map[string][]chan Message
	closed bool
}

func NewMemBroker() *MemBroker {
	return &MemBroker{subs: make(map[string][]chan Message)}
}

func (b *MemBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errBrokerClosed
	}

	msg := Message{Topic: topic, Payload: payload}
	for _, ch := range b.subs[topic] {
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

func (b *MemBroker) Subscribe(ctx context.Context, topics []string) (<-chan Message, error) {
	ch := make(chan Message, 4096)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errBrokerClosed
	}
	for _, t := range topics {
		b.subs[t] = append(b.subs[t], ch)
	}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.remove(ch, topics)
	}()
	return ch, nil
}

// remove 在写锁下摘掉 ch 再关闭，Publish 持读锁所以不会写已关闭的 channel
func (b *MemBroker) remove(ch chan Message, topics []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range topics {
		list := b.subs[t]
		for i, c := range list {
			if c == ch {
				list = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(b.subs, t)
		} else {
			b.subs[t] = list
		}
	}
	close(ch)
}

func (b *MemBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}
