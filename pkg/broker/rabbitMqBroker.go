package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"

	"github.com/zoff-tech/go-contactsync/pkg/config"
)

type RabbitMQBrokerCreator func(ctx context.Context, settings *config.BrokerSettings, logger *slog.Logger) (MessageBroker, error)

// NewRabbitMqBroker maps every topic to a durable topic exchange and every
// consumer group to one durable queue per topic named "<group>.<topic>".
var NewRabbitMqBroker RabbitMQBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings, logger *slog.Logger) (MessageBroker, error) {
	if settings.PoolSize <= 0 {
		return nil, errors.New("poolSize must be greater than 0")
	}

	broker := &rabbitMqBroker{
		channelPool:     make(chan *pooledChannel, settings.PoolSize),
		settings:        settings,
		logger:          orDefault(logger).With("broker", "rabbitmq"),
		reconnectTicker: time.NewTicker(5 * time.Second),
		stopReconnect:   make(chan struct{}),
	}

	err := withRetry(ctx, broker.logger, "rabbitmq connect", settings.ConnectAttempts, settings.ConnectBackoff, broker.connectAndInitialize)
	if err != nil {
		broker.reconnectTicker.Stop()
		return nil, err
	}

	go broker.recoverConnection()
	return broker, nil
}

type rabbitMqBroker struct {
	connection      *amqp.Connection
	channelPool     chan *pooledChannel
	mu              sync.Mutex
	settings        *config.BrokerSettings
	logger          *slog.Logger
	reconnectTicker *time.Ticker
	stopReconnect   chan struct{}
	closeOnce       sync.Once
}

func declareExchange(ch *amqp.Channel, topic string) error {
	// ExchangeDeclare is idempotent and has no effect if the exchange is already in place
	if err := ch.ExchangeDeclare(topic, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	return nil
}

func (r *rabbitMqBroker) EnsureTopic(_ context.Context, topic string) error {
	pooledChan, err := r.getChannel()
	if err != nil {
		return err
	}
	defer r.releaseChannel(pooledChan)
	return declareExchange(pooledChan.channel, topic)
}

func (r *rabbitMqBroker) Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) (Ack, error) {
	ctx, span := startPublishSpan(ctx, "rabbitmq", topic, semconv.MessagingRabbitmqRoutingKeyKey.String(key))
	defer span.End()

	amqpHeaders := make(amqp.Table)
	for k, v := range withTraceHeaders(ctx, headers) {
		amqpHeaders[k] = v
	}
	messageID := uuid.NewString()

	err := withRetry(ctx, r.logger, "rabbitmq publish", r.settings.ConnectAttempts, r.settings.ConnectBackoff, func() error {
		return r.publishOnce(ctx, topic, key, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    messageID,
			Timestamp:    time.Now().UTC(),
			Body:         value,
			Headers:      amqpHeaders,
		})
	})
	if err != nil {
		span.RecordError(err)
		return Ack{}, err
	}

	span.SetAttributes(
		semconv.MessagingMessageIDKey.String(messageID),
		attribute.Int("messaging.message_payload_size_bytes", len(value)),
	)
	return Ack{Topic: topic, Partition: 0, Offset: -1, MessageID: messageID}, nil
}

func (r *rabbitMqBroker) publishOnce(ctx context.Context, topic, key string, msg amqp.Publishing) error {
	pooledChan, err := r.getChannel()
	if err != nil {
		return err
	}
	if err := pooledChan.channel.Publish(topic, key, false, false, msg); err != nil {
		pooledChan.channel.Close()
		return err
	}
	select {
	case confirm, ok := <-pooledChan.confirms:
		if !ok {
			return amqp.ErrClosed
		}
		r.releaseChannel(pooledChan)
		if !confirm.Ack {
			return fmt.Errorf("rabbitmq nacked message %s", msg.MessageId)
		}
		return nil
	case <-ctx.Done():
		// the confirm is still outstanding so the channel cannot be reused
		pooledChan.channel.Close()
		return ctx.Err()
	}
}

func tableToHeaders(table amqp.Table) map[string]string {
	out := make(map[string]string, len(table))
	for k, v := range table {
		if s, ok := v.(string); ok {
			out[k] = s
			continue
		}
		out[k] = fmt.Sprint(v)
	}
	return out
}

func queueName(group, topic string) string {
	return group + "." + topic
}

// openConsumer declares the group queues and merges their deliveries.
func (r *rabbitMqBroker) openConsumer(group string, topics []string) (*amqp.Channel, []<-chan amqp.Delivery, error) {
	conn := r.currentConnection()
	if conn == nil || conn.IsClosed() {
		return nil, nil, amqp.ErrClosed
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, err
	}
	// one unacked message at a time keeps handling sequential
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		return nil, nil, err
	}
	streams := make([]<-chan amqp.Delivery, 0, len(topics))
	for _, topic := range topics {
		queue := queueName(group, topic)
		if err := declareExchange(ch, topic); err != nil {
			ch.Close()
			return nil, nil, err
		}
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			ch.Close()
			return nil, nil, err
		}
		if err := ch.QueueBind(queue, "#", topic, false, nil); err != nil {
			ch.Close()
			return nil, nil, err
		}
		deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
		if err != nil {
			ch.Close()
			return nil, nil, err
		}
		streams = append(streams, deliveries)
	}
	return ch, streams, nil
}

func (r *rabbitMqBroker) Subscribe(ctx context.Context, group string, topics []string, handler Handler) error {
	for {
		var (
			ch      *amqp.Channel
			streams []<-chan amqp.Delivery
		)
		err := withRetry(ctx, r.logger, "rabbitmq consume", r.settings.ConnectAttempts, r.settings.ConnectBackoff, func() error {
			var err error
			ch, streams, err = r.openConsumer(group, topics)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("rabbitmq subscribe: %w", err)
		}
		r.logger.Info("subscribed", "group", group, "topics", topics)

		merged := make(chan amqp.Delivery)
		var wg sync.WaitGroup
		stop := make(chan struct{})
		for _, s := range streams {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for d := range s {
					select {
					case merged <- d:
					case <-stop:
						return
					}
				}
			}()
		}
		go func() {
			wg.Wait()
			close(merged)
		}()

		cancelled := r.consumeDeliveries(ctx, group, merged, handler)
		close(stop)
		ch.Close()
		if cancelled {
			return nil
		}
		r.logger.Warn("consumer stream closed, resubscribing", "group", group)
	}
}

// consumeDeliveries handles deliveries until the stream closes (false) or
// ctx is cancelled (true).
func (r *rabbitMqBroker) consumeDeliveries(ctx context.Context, group string, deliveries <-chan amqp.Delivery, handler Handler) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case d, ok := <-deliveries:
			if !ok {
				return ctx.Err() != nil
			}
			msg := Message{
				Topic:   d.Exchange,
				Key:     d.RoutingKey,
				Value:   d.Body,
				Headers: tableToHeaders(d.Headers),
				Offset:  int64(d.DeliveryTag),
				ID:      d.MessageId,
			}
			hctx, span := startConsumeSpan(ctx, "rabbitmq", group, msg)
			handled := handle(hctx, r.logger, r.settings.HandlerAttempts, r.settings.ConnectBackoff, handler, msg)
			span.End()
			if !handled {
				_ = d.Nack(false, true)
				return true
			}
			if err := d.Ack(false); err != nil {
				r.logger.Error("ack failed", "topic", msg.Topic, "error", err)
			}
		}
	}
}

func (r *rabbitMqBroker) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.stopReconnect)
		r.reconnectTicker.Stop()

		r.mu.Lock()
		defer r.mu.Unlock()
		r.drainPool()
		if r.connection != nil {
			err = r.connection.Close()
		}
	})
	return err
}
