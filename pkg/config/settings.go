package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	configName = "contactsync"
	envPrefix  = "CONTACTSYNC"
)

type Settings struct {
	Database      DbSettings        `mapstructure:"database"`
	Broker        BrokerSettings    `mapstructure:"broker"`
	Server        ServerSettings    `mapstructure:"server"`
	Webhook       WebhookSettings   `mapstructure:"webhook"`
	Processor     ProcessorSettings `mapstructure:"processor"`
	Delivery      DeliverySettings  `mapstructure:"delivery"`
	Observability Observability     `mapstructure:"observability"` // Observability settings
}

func (c *Settings) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

// envKeys lists every key that may be overridden from the environment,
// e.g. CONTACTSYNC_DATABASE_DSN or CONTACTSYNC_DELIVERY_MAX_RETRIES.
var envKeys = []string{
	"database.type",
	"database.dsn",
	"database.auto_migrate",
	"database.max_open_conns",
	"broker.type",
	"broker.brokers",
	"broker.url",
	"broker.project_id",
	"broker.endpoint",
	"broker.pool_size",
	"broker.partitions",
	"broker.replication_factor",
	"broker.topic_prefix",
	"broker.connect_attempts",
	"broker.connect_backoff",
	"broker.handler_attempts",
	"server.addr",
	"server.read_header_timeout",
	"server.shutdown_timeout",
	"webhook.secret",
	"webhook.max_age",
	"webhook.source",
	"processor.consumer_group",
	"processor.redeliver_failed",
	"delivery.secret",
	"delivery.initial_delay",
	"delivery.max_delay",
	"delivery.max_retries",
	"delivery.timeout",
	"delivery.workers",
	"delivery.retries_per_second",
	"delivery.burst",
	"observability.enabled",
	"observability.service_name",
	"observability.tracing_url",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.type", "postgres")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("broker.type", "kafka")
	v.SetDefault("broker.pool_size", 5)
	v.SetDefault("broker.partitions", 3)
	v.SetDefault("broker.replication_factor", 1)
	v.SetDefault("broker.topic_prefix", "crm")
	v.SetDefault("broker.connect_attempts", 5)
	v.SetDefault("broker.connect_backoff", 500*time.Millisecond)
	v.SetDefault("broker.handler_attempts", 3)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_header_timeout", 5*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("webhook.max_age", 5*time.Minute)
	v.SetDefault("webhook.source", "acmecrm")
	v.SetDefault("processor.consumer_group", "contact-sync-processor")
	v.SetDefault("processor.redeliver_failed", false)
	v.SetDefault("delivery.initial_delay", time.Second)
	v.SetDefault("delivery.max_delay", time.Minute)
	v.SetDefault("delivery.max_retries", 3)
	v.SetDefault("delivery.timeout", 10*time.Second)
	v.SetDefault("delivery.workers", 4)
	v.SetDefault("delivery.retries_per_second", 20.0)
	v.SetDefault("delivery.burst", 5)
	v.SetDefault("observability.enabled", false)
	v.SetDefault("observability.service_name", "contactsync")
}

// LoadFromFile reads contactsync.yaml from filePath (or the working
// directory), merges contactsync.<ENVIRONMENT>.yaml when present, applies
// environment overrides and validates the result.
func LoadFromFile(filePath string) (*Settings, error) {
	env := getEnvWithDefaultLookup("ENVIRONMENT", "development")

	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	v.SetConfigName(configName)
	v.AddConfigPath(filePath)
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	if err := mergeConfig(v, filePath, configName+"."+env); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	return load(v)
}

// LoadFromEnv builds settings from defaults and environment variables only.
func LoadFromEnv() (*Settings, error) {
	v := viper.New()
	setDefaults(v)
	return load(v)
}

func load(v *viper.Viper) (*Settings, error) {
	bindEnv(v)

	cfg := &Settings{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}
}

func mergeConfig(v *viper.Viper, path string, name string) error {
	v.SetConfigName(name)
	v.AddConfigPath(path)
	return v.MergeInConfig()
}

func getEnvWithDefaultLookup(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}
