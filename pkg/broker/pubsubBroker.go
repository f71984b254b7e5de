package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/zoff-tech/go-contactsync/pkg/config"
)

// PubSubBrokerCreator defines a function type for creating Pub/Sub clients.
type PubSubBrokerCreator func(ctx context.Context, settings *config.BrokerSettings, logger *slog.Logger, opts ...option.ClientOption) (MessageBroker, error)

// NewPubSubClient builds the Pub/Sub adapter. A configured endpoint points
// the client at an emulator without credentials.
var NewPubSubClient PubSubBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings, logger *slog.Logger, opts ...option.ClientOption) (MessageBroker, error) {
	if settings.Endpoint != "" {
		opts = append(opts,
			option.WithEndpoint(settings.Endpoint),
			option.WithoutAuthentication(),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}
	logger = orDefault(logger).With("broker", "gcp-pubsub")

	var client *pubsub.Client
	err := withRetry(ctx, logger, "pubsub connect", settings.ConnectAttempts, settings.ConnectBackoff, func() error {
		var err error
		client, err = pubsub.NewClient(ctx, settings.ProjectID, opts...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Pub/Sub: %w", err)
	}
	return &pubSubBroker{
		client:   client,
		settings: settings,
		logger:   logger,
		topics:   map[string]*pubsub.Topic{},
	}, nil
}

type pubSubBroker struct {
	client   *pubsub.Client
	settings *config.BrokerSettings
	logger   *slog.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

func (p *pubSubBroker) topic(name string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.topics[name]
	if !ok {
		t = p.client.Topic(name)
		t.EnableMessageOrdering = true
		p.topics[name] = t
	}
	return t
}

func (p *pubSubBroker) EnsureTopic(ctx context.Context, topic string) error {
	return withRetry(ctx, p.logger, "pubsub create topic", p.settings.ConnectAttempts, p.settings.ConnectBackoff, func() error {
		exists, err := p.client.Topic(topic).Exists(ctx)
		if err != nil || exists {
			return err
		}
		if _, err := p.client.CreateTopic(ctx, topic); err != nil {
			// lost a race with another creator
			if exists, _ := p.client.Topic(topic).Exists(ctx); exists {
				return nil
			}
			return err
		}
		p.logger.Info("created topic", "topic", topic)
		return nil
	})
}

func (p *pubSubBroker) Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) (Ack, error) {
	ctx, span := startPublishSpan(ctx, "pubsub", topic)
	defer span.End()

	t := p.topic(topic)
	var id string
	err := withRetry(ctx, p.logger, "pubsub publish", p.settings.ConnectAttempts, p.settings.ConnectBackoff, func() error {
		res := t.Publish(ctx, &pubsub.Message{
			Data:        value,
			Attributes:  withTraceHeaders(ctx, headers),
			OrderingKey: key,
		})
		var err error
		id, err = res.Get(ctx) // wait for server ack
		if err != nil && key != "" {
			// a failed ordered publish pauses the key until resumed
			t.ResumePublish(key)
		}
		return err
	})
	if err != nil {
		span.RecordError(err)
		return Ack{}, err
	}

	span.SetAttributes(
		semconv.MessagingMessageIDKey.String(id),
		attribute.Int("messaging.message_payload_size_bytes", len(value)),
	)
	return Ack{Topic: topic, Partition: 0, Offset: -1, MessageID: id}, nil
}

func subscriptionID(group, topic string) string {
	return group + "-" + topic
}

func (p *pubSubBroker) subscription(ctx context.Context, group, topic string) (*pubsub.Subscription, error) {
	id := subscriptionID(group, topic)
	sub := p.client.Subscription(id)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if !exists {
		sub, err = p.client.CreateSubscription(ctx, id, pubsub.SubscriptionConfig{
			Topic:                 p.client.Topic(topic),
			AckDeadline:           60 * time.Second,
			EnableMessageOrdering: true,
		})
		if err != nil {
			return nil, err
		}
	}
	sub.ReceiveSettings.NumGoroutines = 1
	sub.ReceiveSettings.MaxOutstandingMessages = 1
	return sub, nil
}

func (p *pubSubBroker) Subscribe(ctx context.Context, group string, topics []string, handler Handler) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, topic := range topics {
		var sub *pubsub.Subscription
		err := withRetry(ctx, p.logger, "pubsub subscription", p.settings.ConnectAttempts, p.settings.ConnectBackoff, func() error {
			var err error
			sub, err = p.subscription(ctx, group, topic)
			return err
		})
		if err != nil {
			return fmt.Errorf("pubsub subscribe %s: %w", topic, err)
		}
		g.Go(func() error {
			return sub.Receive(gctx, func(ctx context.Context, m *pubsub.Message) {
				msg := Message{
					Topic:   topic,
					Key:     m.OrderingKey,
					Value:   m.Data,
					Headers: m.Attributes,
					Offset:  -1,
					ID:      m.ID,
				}
				hctx, span := startConsumeSpan(ctx, "pubsub", group, msg)
				defer span.End()
				if handle(hctx, p.logger, p.settings.HandlerAttempts, p.settings.ConnectBackoff, handler, msg) {
					m.Ack()
					return
				}
				m.Nack()
			})
		})
	}
	p.logger.Info("subscribed", "group", group, "topics", topics)
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (p *pubSubBroker) Close() error {
	p.mu.Lock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.mu.Unlock()
	return p.client.Close()
}
