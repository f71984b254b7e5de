package config

import "time"

type ServerSettings struct {
	Addr              string        `mapstructure:"addr" validate:"required"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// WebhookSettings configures inbound webhook authentication.
type WebhookSettings struct {
	Secret string        `mapstructure:"secret" validate:"required"`
	MaxAge time.Duration `mapstructure:"max_age" validate:"gt=0"`
	Source string        `mapstructure:"source" validate:"required"`
}

type ProcessorSettings struct {
	ConsumerGroup string `mapstructure:"consumer_group" validate:"required"`
	// RedeliverFailed hands processing failures back to the broker adapter
	// so the message is redelivered instead of acknowledged.
	RedeliverFailed bool `mapstructure:"redeliver_failed"`
}

// DeliverySettings configures outbound webhook delivery and its retries.
type DeliverySettings struct {
	Secret           string        `mapstructure:"secret" validate:"required"`
	InitialDelay     time.Duration `mapstructure:"initial_delay" validate:"gt=0"`
	MaxDelay         time.Duration `mapstructure:"max_delay" validate:"gtefield=InitialDelay"`
	MaxRetries       int           `mapstructure:"max_retries" validate:"gte=0"`
	Timeout          time.Duration `mapstructure:"timeout" validate:"gt=0"`
	Workers          int           `mapstructure:"workers" validate:"gte=1"`
	RetriesPerSecond float64       `mapstructure:"retries_per_second" validate:"gte=0"`
	Burst            int           `mapstructure:"burst" validate:"gte=1"`
}
