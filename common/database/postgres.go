package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rayjennings3rd/paige-ai/common/config"

	_ "github.com/lib/pq"
)

const (
	defaultMaxConns = 20
	connMaxLifetime = 30 * time.Minute
	connMaxIdleTime = 5 * time.Minute
)

// NewPostgresDB 打开连接池并确认数据库可达
func NewPostgresDB(ctx context.Context, cfg *config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s on %s: %w", cfg.Database, cfg.Host, err)
	}
	configurePool(db, cfg)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database %s on %s:%d unreachable: %w", cfg.Database, cfg.Host, cfg.Port, err)
	}
	return db, nil
}

// configurePool 空闲连接数不超过最大连接数
func configurePool(db *sql.DB, cfg *config.DatabaseConfig) {
	maxOpen := cfg.MaxConns
	if maxOpen <= 0 {
		maxOpen = defaultMaxConns
	}
	idle := cfg.MaxIdle
	if idle <= 0 || idle > maxOpen {
		idle = maxOpen/4 + 1
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(idle)
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetConnMaxIdleTime(connMaxIdleTime)
}
