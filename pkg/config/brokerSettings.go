package config

import "time"

// BrokerSettings holds configuration for connecting to a message broker.
type BrokerSettings struct {
	Type              string        `mapstructure:"type" validate:"required,oneof=kafka rabbitmq gcp-pubsub memory"`
	Brokers           []string      `mapstructure:"brokers" validate:"required_if=Type kafka"`
	URL               string        `mapstructure:"url" validate:"required_if=Type rabbitmq"`
	ProjectID         string        `mapstructure:"project_id" validate:"required_if=Type gcp-pubsub"` // GCP Pub/Sub only
	Endpoint          string        `mapstructure:"endpoint"`                                          // optional Pub/Sub emulator endpoint
	PoolSize          int           `mapstructure:"pool_size" validate:"gte=0"`                        // RabbitMQ channel pool
	Partitions        int           `mapstructure:"partitions" validate:"gte=1"`
	ReplicationFactor int           `mapstructure:"replication_factor" validate:"gte=1"`
	TopicPrefix       string        `mapstructure:"topic_prefix"`
	ConnectAttempts   int           `mapstructure:"connect_attempts" validate:"gte=1"`
	ConnectBackoff    time.Duration `mapstructure:"connect_backoff"`
	HandlerAttempts   int           `mapstructure:"handler_attempts" validate:"gte=1"`
}
