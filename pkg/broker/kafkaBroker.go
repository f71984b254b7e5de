package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"

	"github.com/zoff-tech/go-contactsync/pkg/config"
)

type KafkaBrokerCreator func(ctx context.Context, settings *config.BrokerSettings, logger *slog.Logger) (MessageBroker, error)

var NewKafkaBroker KafkaBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings, logger *slog.Logger) (MessageBroker, error) {
	if len(settings.Brokers) == 0 {
		return nil, errors.New("kafka broker requires at least one broker address")
	}
	logger = orDefault(logger).With("broker", "kafka")
	client := &kafka.Client{
		Addr:    kafka.TCP(settings.Brokers...),
		Timeout: 10 * time.Second,
	}

	err := withRetry(ctx, logger, "kafka connect", settings.ConnectAttempts, settings.ConnectBackoff, func() error {
		_, err := client.Metadata(ctx, &kafka.MetadataRequest{})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Kafka: %w", err)
	}
	logger.Info("connected", "brokers", settings.Brokers)

	return &kafkaBroker{
		client:     client,
		settings:   settings,
		logger:     logger,
		balancer:   &kafka.Hash{},
		partitions: map[string][]int{},
	}, nil
}

type kafkaBroker struct {
	client   *kafka.Client
	settings *config.BrokerSettings
	logger   *slog.Logger
	balancer *kafka.Hash

	mu         sync.Mutex
	partitions map[string][]int
}

func (k *kafkaBroker) EnsureTopic(ctx context.Context, topic string) error {
	return withRetry(ctx, k.logger, "kafka create topic", k.settings.ConnectAttempts, k.settings.ConnectBackoff, func() error {
		resp, err := k.client.CreateTopics(ctx, &kafka.CreateTopicsRequest{
			Topics: []kafka.TopicConfig{{
				Topic:             topic,
				NumPartitions:     k.settings.Partitions,
				ReplicationFactor: k.settings.ReplicationFactor,
			}},
		})
		if err != nil {
			return err
		}
		if terr := resp.Errors[topic]; terr != nil && !errors.Is(terr, kafka.TopicAlreadyExists) {
			return terr
		}
		k.mu.Lock()
		delete(k.partitions, topic)
		k.mu.Unlock()
		return nil
	})
}

// partitionFor hashes key onto the topic's partitions the same way the
// kafka-go Hash balancer does for writers.
func (k *kafkaBroker) partitionFor(ctx context.Context, topic, key string) (int, error) {
	k.mu.Lock()
	ids, ok := k.partitions[topic]
	k.mu.Unlock()
	if !ok {
		resp, err := k.client.Metadata(ctx, &kafka.MetadataRequest{Topics: []string{topic}})
		if err != nil {
			return 0, err
		}
		for _, t := range resp.Topics {
			if t.Name != topic {
				continue
			}
			if t.Error != nil {
				return 0, t.Error
			}
			for _, p := range t.Partitions {
				ids = append(ids, p.ID)
			}
		}
		if len(ids) == 0 {
			return 0, fmt.Errorf("topic %s has no partitions", topic)
		}
		slices.Sort(ids)
		k.mu.Lock()
		k.partitions[topic] = ids
		k.mu.Unlock()
	}
	return k.balancer.Balance(kafka.Message{Key: []byte(key)}, ids...), nil
}

func toKafkaHeaders(headers map[string]string) []kafka.Header {
	out := make([]kafka.Header, 0, len(headers))
	for key, value := range headers {
		out = append(out, kafka.Header{Key: key, Value: []byte(value)})
	}
	return out
}

func fromKafkaMessage(m kafka.Message) Message {
	headers := make(map[string]string, len(m.Headers))
	for _, h := range m.Headers {
		headers[h.Key] = string(h.Value)
	}
	return Message{
		Topic:     m.Topic,
		Key:       string(m.Key),
		Value:     m.Value,
		Headers:   headers,
		Partition: m.Partition,
		Offset:    m.Offset,
	}
}

func (k *kafkaBroker) Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) (Ack, error) {
	ctx, span := startPublishSpan(ctx, "kafka", topic, semconv.MessagingKafkaMessageKeyKey.String(key))
	defer span.End()

	headers = withTraceHeaders(ctx, headers)
	partition, err := k.partitionFor(ctx, topic, key)
	if err != nil {
		span.RecordError(err)
		return Ack{}, err
	}

	var resp *kafka.ProduceResponse
	err = withRetry(ctx, k.logger, "kafka produce", k.settings.ConnectAttempts, k.settings.ConnectBackoff, func() error {
		var err error
		resp, err = k.client.Produce(ctx, &kafka.ProduceRequest{
			Topic:        topic,
			Partition:    partition,
			RequiredAcks: kafka.RequireAll,
			Records: kafka.NewRecordReader(kafka.Record{
				Time:    time.Now().UTC(),
				Key:     kafka.NewBytes([]byte(key)),
				Value:   kafka.NewBytes(value),
				Headers: toKafkaHeaders(headers),
			}),
		})
		if err == nil && resp.Error != nil {
			err = resp.Error
		}
		return err
	})
	if err != nil {
		span.RecordError(err)
		return Ack{}, err
	}

	span.SetAttributes(semconv.MessagingKafkaPartitionKey.Int(partition))
	return Ack{Topic: topic, Partition: partition, Offset: resp.BaseOffset}, nil
}

func (k *kafkaBroker) Subscribe(ctx context.Context, group string, topics []string, handler Handler) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.settings.Brokers,
		GroupID:     group,
		GroupTopics: topics,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
		StartOffset: kafka.FirstOffset,
	})
	defer reader.Close()
	k.logger.Info("subscribed", "group", group, "topics", topics)

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}

		msg := fromKafkaMessage(m)
		hctx, span := startConsumeSpan(ctx, "kafka", group, msg)
		ok := handle(hctx, k.logger, k.settings.HandlerAttempts, k.settings.ConnectBackoff, handler, msg)
		span.End()
		if !ok {
			return nil
		}

		if err := reader.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka commit: %w", err)
		}
	}
}

func (k *kafkaBroker) Close() error {
	return nil
}
