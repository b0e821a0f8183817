package postgres

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"filecenter/internal/repository"
	"filecenter/internal/repository/repotest"
)

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *[]byte:
			if r.values[i] != nil {
				*p = r.values[i].([]byte)
			}
		default:
			if s, ok := d.(sql.Scanner); ok {
				if err := s.Scan(r.values[i]); err != nil {
					return err
				}
				continue
			}
			switch p := d.(type) {
			case *int64:
				*p = r.values[i].(int64)
			case *int32:
				*p = int32(r.values[i].(int64))
			case *string:
				*p = r.values[i].(string)
			case *time.Time:
				*p = r.values[i].(time.Time)
			}
		}
	}
	return nil
}

func row(id, chunkID []byte, data any, hash ...any) fakeRow {
	if len(hash) == 0 {
		hash = []any{nil, nil, nil, nil}
	}
	values := []any{id}
	values = append(values, hash...)
	values = append(values,
		int64(3),
		"a.txt",
		"text/plain",
		time.Date(2024, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600)),
		nil,
		int64(1),
		data,
		chunkID,
	)
	return fakeRow{values: values}
}

func TestScanFileRecord_Inline(t *testing.T) {
	id := repository.NewID()
	rec, err := scanFileRecord(row(id[:], nil, []byte("abc"), int64(1), int64(2), int64(3), int64(4)))
	if err != nil {
		t.Fatalf("scanFileRecord returned error: %v", err)
	}
	if rec.ID != id || string(rec.Data) != "abc" || rec.Chunked() {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.Hash == nil || rec.Hash[3] != 4 {
		t.Fatalf("unexpected hash %v", rec.Hash)
	}
	if rec.CreateTime.Location() != time.UTC {
		t.Fatal("expected create time normalized to UTC")
	}
}

func TestScanFileRecord_Chunked(t *testing.T) {
	id, chunkID := repository.NewID(), repository.NewID()
	rec, err := scanFileRecord(row(id[:], chunkID[:], nil))
	if err != nil {
		t.Fatalf("scanFileRecord returned error: %v", err)
	}
	if !rec.Chunked() || *rec.ChunkID != chunkID || rec.Hash != nil {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestScanFileRecord_SchemaErrors(t *testing.T) {
	id := repository.NewID()
	cases := map[string]fakeRow{
		"short id":     row([]byte{1, 2, 3}, nil, []byte("x")),
		"no variant":   row(id[:], nil, nil),
		"partial hash": row(id[:], nil, []byte("x"), int64(1), nil, int64(3), int64(4)),
	}
	for name, r := range cases {
		_, err := scanFileRecord(r)
		var schemaErr *repository.SchemaError
		if !errors.As(err, &schemaErr) {
			t.Fatalf("%s: expected SchemaError, got %v", name, err)
		}
	}
}

func TestScanFileRecord_NotFound(t *testing.T) {
	if _, err := scanFileRecord(fakeRow{err: sql.ErrNoRows}); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("skipping integration test: TEST_INTEGRATION is not set")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		tcpostgres.WithDatabase("filecenter_test"),
		tcpostgres.WithUsername("filecenter"),
		tcpostgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestIntegration(t *testing.T) {
	db := setupTestDB(t)
	open := func(t *testing.T) repository.Stores { return NewStores(db) }

	t.Run("Files", func(t *testing.T) { repotest.RunFiles(t, open) })
	t.Run("Chunks", func(t *testing.T) {
		repotest.RunChunks(t, func(t *testing.T) repository.ChunkRepository { return NewChunkRepository(db) })
	})
	t.Run("Settings", func(t *testing.T) { repotest.RunSettings(t, open) })
	t.Run("Engine", func(t *testing.T) { repotest.RunEngine(t, open) })
}
