package local

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"filecenter/internal/repository"
	"filecenter/internal/repository/repotest"
	"filecenter/internal/storage"
)

func TestChunkRepository(t *testing.T) {
	dir := t.TempDir()
	repotest.RunChunks(t, func(t *testing.T) repository.ChunkRepository {
		return storage.NewChunkRepository(New(dir))
	})
}

func TestStore_WriteReadRemove(t *testing.T) {
	ctx := context.Background()
	store := New(t.TempDir())
	if err := store.Prepare(ctx); err != nil {
		t.Fatalf("Prepare returned error: %v", err)
	}

	if err := store.Write(ctx, "a/b", strings.NewReader("hello"), 5); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	rc, err := store.Read(ctx, "a/b")
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if !bytes.Equal(data, []byte("hello")) {
		t.Fatalf("unexpected content %q", data)
	}

	objects, err := store.List(ctx, "a/")
	if err != nil || len(objects) != 1 || objects[0].Key != "a/b" || objects[0].Size != 5 {
		t.Fatalf("List = %+v, %v", objects, err)
	}
	if objects[0].ModTime.IsZero() {
		t.Fatal("expected modification time to be reported")
	}

	if err := store.Remove(ctx, []string{"a/b", "a/missing"}); err != nil {
		t.Fatalf("Remove returned error: %v", err)
	}
	if _, err := store.Read(ctx, "a/b"); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(store.BaseDir, "a")); !os.IsNotExist(err) {
		t.Fatalf("expected empty directory to be removed, got %v", err)
	}
}

func TestStore_ShortWrite(t *testing.T) {
	ctx := context.Background()
	store := New(t.TempDir())

	if err := store.Write(ctx, "x", strings.NewReader("abc"), 10); err == nil {
		t.Fatal("expected short write to fail")
	}
	keys, err := store.List(ctx, "")
	if err != nil || len(keys) != 0 {
		t.Fatalf("failed write must leave nothing behind, got %v (%v)", keys, err)
	}
}

func TestStore_ListSkipsTempFiles(t *testing.T) {
	ctx := context.Background()
	store := New(t.TempDir())

	if err := os.WriteFile(filepath.Join(store.BaseDir, ".half-1"+tempSuffix), []byte("x"), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	keys, err := store.List(ctx, "")
	if err != nil || len(keys) != 0 {
		t.Fatalf("List = %v, %v", keys, err)
	}
}

func TestStore_RejectsEscapingKeys(t *testing.T) {
	ctx := context.Background()
	store := New(t.TempDir())

	for _, key := range []string{"../x", "/etc/passwd", ".", ""} {
		if err := store.Write(ctx, key, strings.NewReader("x"), 1); err == nil {
			t.Fatalf("expected key %q to be rejected", key)
		}
	}
}

func TestStore_ListMissingDir(t *testing.T) {
	store := New(filepath.Join(t.TempDir(), "absent"))
	keys, err := store.List(context.Background(), "")
	if err != nil || len(keys) != 0 {
		t.Fatalf("List = %v, %v", keys, err)
	}
}
