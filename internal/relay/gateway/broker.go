package gateway

import "context"

type Message struct {
	Topic   string
	Payload []byte
}

// Broker moves relay events between processes. Topics use ':' separators
// (relay:registrations); the NATS broker maps them to subjects.
type Broker interface {
	// publish
	Publish(ctx context.Context, topic string, payload []byte) error
	// 订阅，ctx 结束时 channel 关闭
	Subscribe(ctx context.Context, topics []string) (<-chan Message, error)
	// 关闭
	Close() error
}
