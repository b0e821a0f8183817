package database

import (
	"context"
	"testing"

	"filecenter/internal/config"
	"filecenter/internal/repository/memory"
	"filecenter/internal/storage"
)

func TestOpenStores_Memory(t *testing.T) {
	stores, closer, err := OpenStores(context.Background(), &config.Config{
		StoreDriver: config.StoreMemory,
		ChunkDriver: config.ChunkStore,
	})
	if err != nil {
		t.Fatalf("OpenStores returned error: %v", err)
	}
	defer closer()

	if _, ok := stores.Chunks.(*memory.ChunkRepository); !ok {
		t.Fatalf("expected memory chunks, got %T", stores.Chunks)
	}
}

func TestOpenStores_LocalChunks(t *testing.T) {
	stores, closer, err := OpenStores(context.Background(), &config.Config{
		StoreDriver: config.StoreMemory,
		ChunkDriver: config.ChunkLocal,
		ChunkDir:    t.TempDir(),
	})
	if err != nil {
		t.Fatalf("OpenStores returned error: %v", err)
	}
	defer closer()

	if _, ok := stores.Chunks.(*storage.ChunkRepository); !ok {
		t.Fatalf("expected object chunk store, got %T", stores.Chunks)
	}
	if _, ok := stores.Files.(*memory.FileRepository); !ok {
		t.Fatalf("expected memory files, got %T", stores.Files)
	}
}

func TestOpenStores_UnknownDriver(t *testing.T) {
	if _, _, err := OpenStores(context.Background(), &config.Config{StoreDriver: "redis"}); err == nil {
		t.Fatal("expected unknown store driver to fail")
	}
	if _, _, err := OpenStores(context.Background(), &config.Config{StoreDriver: config.StoreMemory, ChunkDriver: "ftp"}); err == nil {
		t.Fatal("expected unknown chunk driver to fail")
	}
}

func TestConnect_NilConfig(t *testing.T) {
	if _, err := Connect(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil config")
	}
	if _, _, err := ConnectMongo(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil config")
	}
}

func TestPostgresPool(t *testing.T) {
	pool := postgresPool(&config.Config{DBMaxConns: 30})
	if pool.maxOpen != 30 || pool.maxIdle != 10 {
		t.Fatalf("unexpected pool %+v", pool)
	}

	pool = postgresPool(&config.Config{})
	if pool.maxOpen != config.DefaultDBMaxConns || pool.maxIdle != config.DefaultDBMaxConns/3 {
		t.Fatalf("unexpected default pool %+v", pool)
	}

	pool = postgresPool(&config.Config{DBMaxConns: 2})
	if pool.maxIdle != 1 {
		t.Fatalf("expected at least one idle connection, got %+v", pool)
	}
}
