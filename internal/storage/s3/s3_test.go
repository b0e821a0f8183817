package s3

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"filecenter/internal/repository"
	"filecenter/internal/repository/repotest"
	"filecenter/internal/storage"
)

func TestObjectName(t *testing.T) {
	store, err := New(Config{Endpoint: "localhost:9000", Bucket: "chunks", Prefix: "/filecenter/"})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	cases := map[string]string{
		"":          "filecenter/",
		"abc/":      "filecenter/abc/",
		"abc/001":   "filecenter/abc/001",
		"../escape": "filecenter/escape",
	}
	for key, want := range cases {
		if got := store.objectName(key); got != want {
			t.Fatalf("objectName(%q) = %q, want %q", key, got, want)
		}
	}
}

func TestNew_RequiresBucket(t *testing.T) {
	if _, err := New(Config{Endpoint: "localhost:9000"}); err == nil {
		t.Fatal("expected error without bucket")
	}
}

func setupMinio(t *testing.T) *Store {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("skipping integration test: TEST_INTEGRATION is not set")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "minio/minio:latest",
			ExposedPorts: []string{"9000/tcp"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     "filecenter",
				"MINIO_ROOT_PASSWORD": "test-password",
			},
			Cmd: []string{"server", "/data"},
			WaitingFor: wait.ForHTTP("/minio/health/live").
				WithPort("9000/tcp").
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start minio container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	endpoint, err := container.PortEndpoint(ctx, "9000/tcp", "")
	if err != nil {
		t.Fatalf("minio endpoint: %v", err)
	}

	store, err := New(Config{
		Endpoint:  endpoint,
		AccessKey: "filecenter",
		SecretKey: "test-password",
		Bucket:    "file-center-test",
		Prefix:    "chunks",
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return store
}

func TestIntegration(t *testing.T) {
	store := setupMinio(t)
	repotest.RunChunks(t, func(t *testing.T) repository.ChunkRepository {
		return storage.NewChunkRepository(store)
	})
}
