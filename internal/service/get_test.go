package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"filecenter/internal/repository"
)

func TestGet_NotFound(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.fc.Get(context.Background(), repository.NewID()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCheckExists(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.fc.PutByBuffer(ctx, []byte("hello"), "", "")
	if err != nil {
		t.Fatalf("PutByBuffer returned error: %v", err)
	}

	exists, err := env.fc.CheckExists(ctx, id)
	if err != nil || !exists {
		t.Fatalf("expected file to exist, got %v (%v)", exists, err)
	}
	exists, err = env.fc.CheckExists(ctx, repository.NewID())
	if err != nil || exists {
		t.Fatalf("expected unknown id to be absent, got %v (%v)", exists, err)
	}
}

func TestCheckExists_DoesNotConsumeTemporary(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.fc.PutByBufferTemporarily(ctx, []byte("once"), "", "")
	if err != nil {
		t.Fatalf("PutByBufferTemporarily returned error: %v", err)
	}
	for i := 0; i < 2; i++ {
		if exists, _ := env.fc.CheckExists(ctx, id); !exists {
			t.Fatal("existence check must not consume the temporary file")
		}
	}
	if _, err := env.fc.Get(ctx, id); err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
}

func TestGet_TemporaryIsOneShot(t *testing.T) {
	for _, size := range []int{3, 100} {
		env := newTestEnv(t)
		ctx := context.Background()
		data := payload(size, 7)

		id, err := env.fc.PutByBufferTemporarily(ctx, data, "", "")
		if err != nil {
			t.Fatalf("%d: PutByBufferTemporarily returned error: %v", size, err)
		}

		item, err := env.fc.Get(ctx, id)
		if err != nil {
			t.Fatalf("%d: first Get returned error: %v", size, err)
		}
		if got := readItem(t, item); !bytes.Equal(got, data) {
			t.Fatalf("%d: content mismatch", size)
		}

		if _, err := env.fc.Get(ctx, id); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%d: expected ErrNotFound on second Get, got %v", size, err)
		}
		if exists, _ := env.fc.CheckExists(ctx, id); exists {
			t.Fatalf("%d: record must be gone after Get", size)
		}
	}
}

func TestGet_ExpiredTemporaryIsDeleted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.fc.PutByBufferTemporarily(ctx, []byte("late"), "", "")
	if err != nil {
		t.Fatalf("PutByBufferTemporarily returned error: %v", err)
	}
	env.clock.Advance(TemporaryLifeTime)

	if _, err := env.fc.Get(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for expired file, got %v", err)
	}
	if exists, _ := env.fc.CheckExists(ctx, id); exists {
		t.Fatal("expired record must be deleted on Get")
	}
}

func TestGet_StreamNextChunk(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	data := payload(int(testThreshold)*2+5, 1)

	id, err := env.fc.PutByBuffer(ctx, data, "", "")
	if err != nil {
		t.Fatalf("PutByBuffer returned error: %v", err)
	}
	item, err := env.fc.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	defer item.Stream.Close()

	var sizes []int
	var got []byte
	for {
		chunk, err := item.Stream.NextChunk()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("NextChunk returned error: %v", err)
		}
		sizes = append(sizes, len(chunk))
		got = append(got, chunk...)
	}

	if len(sizes) != 3 || sizes[0] != int(testThreshold) || sizes[1] != int(testThreshold) || sizes[2] != 5 {
		t.Fatalf("unexpected chunk sizes %v", sizes)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("content mismatch")
	}
	if _, err := item.Stream.NextChunk(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected stream to stay exhausted, got %v", err)
	}
}

func TestGet_StreamAfterClose(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.fc.PutByBuffer(ctx, payload(50, 1), "", "")
	if err != nil {
		t.Fatalf("PutByBuffer returned error: %v", err)
	}
	item, err := env.fc.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if err := item.Stream.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if _, err := item.Stream.Read(make([]byte, 4)); err == nil {
		t.Fatal("expected error reading a closed stream")
	}
}

func TestGet_StreamHonoursContext(t *testing.T) {
	env := newTestEnv(t)

	id, err := env.fc.PutByBuffer(context.Background(), payload(50, 1), "", "")
	if err != nil {
		t.Fatalf("PutByBuffer returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	item, err := env.fc.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	cancel()

	if _, err := io.ReadAll(item.Reader()); !errors.Is(err, context.Canceled) || KindOf(err) != KindStore {
		t.Fatalf("expected cancellation surfaced as store error, got %v", err)
	}
}

func TestFileItem_ReaderForInline(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.fc.PutByBuffer(ctx, []byte("tiny"), "", "")
	if err != nil {
		t.Fatalf("PutByBuffer returned error: %v", err)
	}
	item, err := env.fc.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}

	rc := item.Reader()
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil || string(got) != "tiny" {
		t.Fatalf("unexpected content %q (%v)", got, err)
	}
}

// rewriteChunks 用给定的分块替换文件现有的分块。
func rewriteChunks(t *testing.T, env *testEnv, id repository.ID, chunks map[int32][]byte) {
	t.Helper()
	ctx := context.Background()

	if _, err := env.chunks.DeleteByFileIDs(ctx, []repository.ID{id}); err != nil {
		t.Fatalf("DeleteByFileIDs returned error: %v", err)
	}
	for n, data := range chunks {
		chunk := &repository.ChunkRecord{ID: repository.NewID(), FileID: id, N: n, Data: data}
		if err := env.chunks.Insert(ctx, chunk); err != nil {
			t.Fatalf("Insert returned error: %v", err)
		}
	}
}

func TestGet_StreamDetectsMissingChunks(t *testing.T) {
	data := payload(int(testThreshold)*3, 4)
	first := data[:testThreshold]
	second := data[testThreshold : 2*testThreshold]
	third := data[2*testThreshold:]

	for name, chunks := range map[string]map[int32][]byte{
		"truncated": {0: first, 1: second},
		"gap":       {0: first, 2: third},
		"head":      {1: second, 2: third},
	} {
		env := newTestEnv(t)
		ctx := context.Background()

		id, err := env.fc.PutByBuffer(ctx, data, "", "")
		if err != nil {
			t.Fatalf("%s: PutByBuffer returned error: %v", name, err)
		}
		rewriteChunks(t, env, id, chunks)

		item, err := env.fc.Get(ctx, id)
		if err != nil {
			t.Fatalf("%s: Get returned error: %v", name, err)
		}
		if _, err := item.ReadAll(); !errors.Is(err, io.ErrUnexpectedEOF) || KindOf(err) != KindStore {
			t.Fatalf("%s: expected KindStore wrapping io.ErrUnexpectedEOF, got %v", name, err)
		}
	}
}

func TestGet_StreamRejectsOversizedChunks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	data := payload(int(testThreshold)+4, 4)

	id, err := env.fc.PutByBuffer(ctx, data, "", "")
	if err != nil {
		t.Fatalf("PutByBuffer returned error: %v", err)
	}
	rewriteChunks(t, env, id, map[int32][]byte{0: data[:testThreshold], 1: payload(int(testThreshold), 1)})

	item, err := env.fc.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if _, err := item.ReadAll(); err == nil || KindOf(err) != KindStore {
		t.Fatalf("expected KindStore error, got %v", err)
	}
}
