// Package database 负责建立到元数据存储的连接。
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"filecenter/internal/config"
)

const pingTimeout = 5 * time.Second

// poolSettings 是 database/sql 连接池参数。
type poolSettings struct {
	maxOpen     int
	maxIdle     int
	maxLifetime time.Duration
	maxIdleTime time.Duration
}

// postgresPool 按配置计算连接池大小。
// 每个正在下载的分块文件在读完前独占一个连接，空闲连接保留三分之一即可。
func postgresPool(cfg *config.Config) poolSettings {
	maxOpen := cfg.DBMaxConns
	if maxOpen <= 0 {
		maxOpen = config.DefaultDBMaxConns
	}
	return poolSettings{
		maxOpen:     maxOpen,
		maxIdle:     max(1, maxOpen/3),
		maxLifetime: 30 * time.Minute,
		maxIdleTime: 5 * time.Minute,
	}
}

// Connect 打开 PostgreSQL 连接池并确认数据库可达。
func Connect(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	db, err := sql.Open("pgx", cfg.PostgresDSN())
	if err != nil {
		return nil, fmt.Errorf("open postgres %s/%s: %w", cfg.DBHost, cfg.DBName, err)
	}

	pool := postgresPool(cfg)
	db.SetMaxOpenConns(pool.maxOpen)
	db.SetMaxIdleConns(pool.maxIdle)
	db.SetConnMaxLifetime(pool.maxLifetime)
	db.SetConnMaxIdleTime(pool.maxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres %s/%s: %w", cfg.DBHost, cfg.DBName, err)
	}
	return db, nil
}
