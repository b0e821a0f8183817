package database

import (
	"context"
	"fmt"

	"filecenter/internal/config"
	"filecenter/internal/repository"
	"filecenter/internal/repository/memory"
	"filecenter/internal/repository/mongodb"
	"filecenter/internal/repository/postgres"
	"filecenter/internal/storage"
	"filecenter/internal/storage/local"
	"filecenter/internal/storage/s3"
)

// OpenStores 按配置打开元数据、分块与设置存储。
// 返回的 closer 释放底层连接，调用方必须在退出前调用。
func OpenStores(ctx context.Context, cfg *config.Config) (repository.Stores, func(), error) {
	var (
		stores repository.Stores
		closer = func() {}
	)

	switch cfg.StoreDriver {
	case config.StoreMongo:
		client, db, err := ConnectMongo(ctx, cfg)
		if err != nil {
			return stores, nil, err
		}
		stores = mongodb.NewStores(db)
		closer = func() { _ = client.Disconnect(context.Background()) }
	case config.StorePostgres:
		db, err := Connect(ctx, cfg)
		if err != nil {
			return stores, nil, err
		}
		stores = postgres.NewStores(db)
		closer = func() { _ = db.Close() }
	case config.StoreMemory:
		stores = memory.NewStores()
	default:
		return stores, nil, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}

	chunks, err := openChunks(cfg)
	if err != nil {
		closer()
		return stores, nil, err
	}
	if chunks != nil {
		stores.Chunks = chunks
	}
	return stores, closer, nil
}

// openChunks 返回对象存储上的分块存储；store 驱动返回 nil，沿用元数据后端。
func openChunks(cfg *config.Config) (repository.ChunkRepository, error) {
	switch cfg.ChunkDriver {
	case config.ChunkStore, "":
		return nil, nil
	case config.ChunkLocal:
		return storage.NewChunkRepository(local.New(cfg.ChunkDir)), nil
	case config.ChunkS3:
		store, err := s3.New(s3.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Prefix:    cfg.S3Prefix,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			return nil, err
		}
		return storage.NewChunkRepository(store), nil
	default:
		return nil, fmt.Errorf("unsupported chunk driver %q", cfg.ChunkDriver)
	}
}
