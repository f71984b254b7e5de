package broker

import (
	"context"
	"sync"
)

// provisioningBroker ensures every topic once before it is first used.
type provisioningBroker struct {
	MessageBroker
	mu      sync.Mutex
	ensured map[string]bool
}

// NewProvisioningBroker wraps inner so that Publish and Subscribe create
// missing topics on first use.
func NewProvisioningBroker(inner MessageBroker) MessageBroker {
	return &provisioningBroker{MessageBroker: inner, ensured: map[string]bool{}}
}

func (p *provisioningBroker) ensure(ctx context.Context, topics ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, topic := range topics {
		if p.ensured[topic] {
			continue
		}
		if err := p.MessageBroker.EnsureTopic(ctx, topic); err != nil {
			return err
		}
		p.ensured[topic] = true
	}
	return nil
}

func (p *provisioningBroker) EnsureTopic(ctx context.Context, topic string) error {
	return p.ensure(ctx, topic)
}

func (p *provisioningBroker) Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) (Ack, error) {
	if err := p.ensure(ctx, topic); err != nil {
		return Ack{}, err
	}
	return p.MessageBroker.Publish(ctx, topic, key, value, headers)
}

func (p *provisioningBroker) Subscribe(ctx context.Context, group string, topics []string, handler Handler) error {
	if err := p.ensure(ctx, topics...); err != nil {
		return err
	}
	return p.MessageBroker.Subscribe(ctx, group, topics, handler)
}
