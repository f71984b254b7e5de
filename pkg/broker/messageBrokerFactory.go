package broker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/zoff-tech/go-contactsync/pkg/config"
)

// NewBroker builds the adapter selected by cfg.Type and wraps it so topics
// are provisioned on first use.
func NewBroker(ctx context.Context, cfg *config.BrokerSettings, logger *slog.Logger) (MessageBroker, error) {
	var (
		inner MessageBroker
		err   error
	)
	switch cfg.Type {
	case "kafka":
		inner, err = NewKafkaBroker(ctx, cfg, logger)
	case "rabbitmq":
		inner, err = NewRabbitMqBroker(ctx, cfg, logger)
	case "gcp-pubsub":
		inner, err = NewPubSubClient(ctx, cfg, logger)
	case "memory":
		inner = NewMemoryBroker(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported broker type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	return NewProvisioningBroker(inner), nil
}
