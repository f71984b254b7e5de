package config

// DbSettings selects and configures the event record store.
type DbSettings struct {
	Type         string `mapstructure:"type" validate:"required,oneof=postgres memory"`
	DSN          string `mapstructure:"dsn" validate:"required_if=Type postgres"`
	AutoMigrate  bool   `mapstructure:"auto_migrate"`
	MaxOpenConns int    `mapstructure:"max_open_conns" validate:"gte=0"`
}
