package broker

import "context"

// Message is one record read from the bus.
type Message struct {
	Topic     string
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int
	Offset    int64
	// ID is the broker assigned message id where the broker has one.
	ID string
}

// Ack is the broker's acknowledgement of a publish. Brokers without
// partitions report partition 0 and offset -1.
type Ack struct {
	Topic     string
	Partition int
	Offset    int64
	MessageID string
}

// Handler processes one message. A nil error acknowledges it.
type Handler func(ctx context.Context, msg Message) error

// MessageBroker is an at-least-once topic bus. It never deduplicates.
type MessageBroker interface {
	// Publish sends value to topic. Messages sharing a key keep their order.
	Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) (Ack, error)
	// Subscribe consumes topics as part of group until ctx is cancelled.
	// Messages of one partition are handled sequentially. It returns nil on
	// cancellation and an error when the subscription cannot continue.
	Subscribe(ctx context.Context, group string, topics []string, handler Handler) error
	// EnsureTopic creates topic when missing. It is idempotent.
	EnsureTopic(ctx context.Context, topic string) error
	// Close cleans up any resources (connections).
	Close() error
}
