package broker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/zoff-tech/go-contactsync/pkg/config"
)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("broker: closed")

type memoryTopic struct {
	logs    [][]Message
	offsets map[string][]int
	owners  map[string][]bool
	notify  chan struct{}
}

// memoryBroker is a single-process bus with Kafka-like semantics: key-hash
// partitions, committed offsets per consumer group and one sequential
// consumer per partition. New groups start from the earliest message.
type memoryBroker struct {
	mu         sync.Mutex
	partitions int
	balancer   *kafka.Hash
	topics     map[string]*memoryTopic
	attempts   int
	delay      time.Duration
	logger     *slog.Logger
	done       chan struct{}
	closeOnce  sync.Once
}

type MemoryBrokerCreator func(settings *config.BrokerSettings, logger *slog.Logger) MessageBroker

var NewMemoryBroker MemoryBrokerCreator = func(settings *config.BrokerSettings, logger *slog.Logger) MessageBroker {
	partitions := max(settings.Partitions, 1)
	return &memoryBroker{
		partitions: partitions,
		balancer:   &kafka.Hash{},
		topics:     map[string]*memoryTopic{},
		attempts:   max(settings.HandlerAttempts, 1),
		delay:      settings.ConnectBackoff,
		logger:     orDefault(logger).With("broker", "memory"),
		done:       make(chan struct{}),
	}
}

func (b *memoryBroker) topic(name string) *memoryTopic {
	t, ok := b.topics[name]
	if !ok {
		t = &memoryTopic{
			logs:    make([][]Message, b.partitions),
			offsets: map[string][]int{},
			owners:  map[string][]bool{},
			notify:  make(chan struct{}),
		}
		b.topics[name] = t
	}
	return t
}

func (b *memoryBroker) isClosed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

func (b *memoryBroker) EnsureTopic(_ context.Context, topic string) error {
	if b.isClosed() {
		return ErrClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topic(topic)
	return nil
}

func (b *memoryBroker) partitionFor(key string) int {
	ids := make([]int, b.partitions)
	for i := range ids {
		ids[i] = i
	}
	return b.balancer.Balance(kafka.Message{Key: []byte(key)}, ids...)
}

func (b *memoryBroker) Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) (Ack, error) {
	ctx, span := startPublishSpan(ctx, "memory", topic)
	defer span.End()
	if b.isClosed() {
		return Ack{}, ErrClosed
	}

	msg := Message{
		Topic:   topic,
		Key:     key,
		Value:   bytes.Clone(value),
		Headers: withTraceHeaders(ctx, headers),
	}
	partition := b.partitionFor(key)

	b.mu.Lock()
	t := b.topic(topic)
	msg.Partition = partition
	msg.Offset = int64(len(t.logs[partition]))
	t.logs[partition] = append(t.logs[partition], msg)
	close(t.notify)
	t.notify = make(chan struct{})
	b.mu.Unlock()

	return Ack{Topic: topic, Partition: msg.Partition, Offset: msg.Offset}, nil
}

func (b *memoryBroker) Subscribe(ctx context.Context, group string, topics []string, handler Handler) error {
	if group == "" {
		return errors.New("memory broker: subscribe requires a consumer group")
	}
	if len(topics) == 0 {
		return errors.New("memory broker: subscribe requires at least one topic")
	}
	if b.isClosed() {
		return ErrClosed
	}

	type claim struct {
		topic     string
		partition int
	}
	var claims []claim
	b.mu.Lock()
	for _, name := range topics {
		t := b.topic(name)
		if _, ok := t.offsets[group]; !ok {
			t.offsets[group] = make([]int, b.partitions)
			t.owners[group] = make([]bool, b.partitions)
		}
		for p := range b.partitions {
			if !t.owners[group][p] {
				t.owners[group][p] = true
				claims = append(claims, claim{name, p})
			}
		}
	}
	b.mu.Unlock()

	if len(claims) == 0 {
		return fmt.Errorf("memory broker: group %s already owns every partition of %v", group, topics)
	}

	b.logger.Info("subscribed", "group", group, "topics", topics, "partitions", len(claims))
	var wg sync.WaitGroup
	for _, c := range claims {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.consume(ctx, group, c.topic, c.partition, handler)
		}()
	}
	wg.Wait()

	b.mu.Lock()
	for _, c := range claims {
		b.topics[c.topic].owners[group][c.partition] = false
	}
	b.mu.Unlock()

	if b.isClosed() && ctx.Err() == nil {
		return ErrClosed
	}
	return nil
}

func (b *memoryBroker) consume(ctx context.Context, group, topic string, partition int, handler Handler) {
	for {
		b.mu.Lock()
		t := b.topics[topic]
		offset := t.offsets[group][partition]
		var next *Message
		if offset < len(t.logs[partition]) {
			m := t.logs[partition][offset]
			m.Value = bytes.Clone(m.Value)
			m.Headers = maps.Clone(m.Headers)
			next = &m
		}
		notify := t.notify
		b.mu.Unlock()

		if next == nil {
			select {
			case <-ctx.Done():
				return
			case <-b.done:
				return
			case <-notify:
				continue
			}
		}

		hctx, span := startConsumeSpan(ctx, "memory", group, *next)
		ok := handle(hctx, b.logger, b.attempts, b.delay, handler, *next)
		span.End()
		if !ok {
			return
		}

		b.mu.Lock()
		t.offsets[group][partition] = offset + 1
		b.mu.Unlock()
	}
}

func (b *memoryBroker) Close() error {
	b.closeOnce.Do(func() { close(b.done) })
	return nil
}
