package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/zoff-tech/go-contactsync/pkg/config"
)

var (
	sqlOpen    = sql.Open
	runMigrate = Migrate
)

// NewRepository builds the repository selected by cfg.Type.
func NewRepository(ctx context.Context, cfg config.DbSettings) (Repository, error) {
	switch cfg.Type {
	case "postgres":
		db, err := sqlOpen("postgres", cfg.DSN)
		if err != nil {
			return nil, err
		}
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		if cfg.AutoMigrate {
			if err := runMigrate(cfg.DSN); err != nil {
				_ = db.Close()
				return nil, err
			}
		}
		return NewPostgresRepository(db), nil
	case "memory":
		return NewMemoryRepository(), nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
}
