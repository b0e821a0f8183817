package service

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"filecenter/internal/repository"
)

func TestClearGarbage_KeepsLiveData(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var ids []repository.ID
	for i, size := range []int{0, 5, 16, 17, 200} {
		id, err := env.fc.PutByBuffer(ctx, payload(size, byte(i)), "", "")
		if err != nil {
			t.Fatalf("PutByBuffer returned error: %v", err)
		}
		ids = append(ids, id)
	}

	result, err := env.fc.ClearGarbage(ctx)
	if err != nil {
		t.Fatalf("ClearGarbage returned error: %v", err)
	}
	if result != (GCResult{}) {
		t.Fatalf("expected nothing to collect, got %+v", result)
	}

	for _, id := range ids {
		item, err := env.fc.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get(%s) returned error after GC: %v", id.Hex(), err)
		}
		readItem(t, item)
	}
}

func TestClearGarbage_RemovesDanglingRecords(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.fc.PutByBuffer(ctx, payload(100, 1), "", "")
	if err != nil {
		t.Fatalf("PutByBuffer returned error: %v", err)
	}
	if _, err := env.chunks.DeleteByFileIDs(ctx, []repository.ID{id}); err != nil {
		t.Fatalf("DeleteByFileIDs returned error: %v", err)
	}

	result, err := env.fc.ClearGarbage(ctx)
	if err != nil {
		t.Fatalf("ClearGarbage returned error: %v", err)
	}
	if result.DanglingFiles != 1 {
		t.Fatalf("expected 1 dangling file, got %+v", result)
	}
	if exists, _ := env.fc.CheckExists(ctx, id); exists {
		t.Fatal("dangling record must be removed")
	}
}

func TestClearGarbage_RemovesExhaustedRecordsWithChunks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	chunked, err := env.fc.PutByBuffer(ctx, payload(100, 1), "", "")
	if err != nil {
		t.Fatalf("PutByBuffer returned error: %v", err)
	}
	inline, err := env.fc.PutByBuffer(ctx, payload(4, 1), "", "")
	if err != nil {
		t.Fatalf("PutByBuffer returned error: %v", err)
	}
	env.files.SetCount(chunked, 0)
	env.files.SetCount(inline, -1)

	result, err := env.fc.ClearGarbage(ctx)
	if err != nil {
		t.Fatalf("ClearGarbage returned error: %v", err)
	}
	if result.ExhaustedFiles != 2 {
		t.Fatalf("expected 2 exhausted files, got %+v", result)
	}
	if env.chunks.Count(chunked) != 0 {
		t.Fatal("chunks of exhausted record must be removed")
	}
}

func TestClearGarbage_RemovesOrphanedChunks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	orphan := repository.NewID()
	for n := int32(0); n < 3; n++ {
		chunk := &repository.ChunkRecord{ID: repository.NewID(), FileID: orphan, N: n, Data: []byte("x")}
		if err := env.chunks.Insert(ctx, chunk); err != nil {
			t.Fatalf("Insert returned error: %v", err)
		}
	}

	result, err := env.fc.ClearGarbage(ctx)
	if err != nil {
		t.Fatalf("ClearGarbage returned error: %v", err)
	}
	if result.OrphanedChunks != 3 {
		t.Fatalf("expected 3 orphaned chunks, got %+v", result)
	}
	if env.chunks.Count(orphan) != 0 {
		t.Fatal("orphaned chunks must be removed")
	}
}

func TestClearGarbage_GracePeriodFollowsNewestChunk(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fc.gcGrace = time.Hour
	now := env.clock.Now()

	insert := func(fileID repository.ID, n int32, written time.Time) {
		chunk := &repository.ChunkRecord{ID: repository.NewID(), FileID: fileID, N: n, Data: []byte("x"), CreateTime: written}
		if err := env.chunks.Insert(ctx, chunk); err != nil {
			t.Fatalf("Insert returned error: %v", err)
		}
	}

	fresh := repository.NewID()
	insert(fresh, 0, now.Add(-10*time.Minute))

	stale := primitive.NewObjectIDFromTimestamp(now.Add(-3 * time.Hour))
	insert(stale, 0, now.Add(-3*time.Hour))
	insert(stale, 1, now.Add(-2*time.Hour))

	// 标识很旧但仍在写入的分块集合。
	slow := primitive.NewObjectIDFromTimestamp(now.Add(-3 * time.Hour))
	insert(slow, 0, now.Add(-3*time.Hour))
	insert(slow, 1, now.Add(-time.Minute))

	result, err := env.fc.ClearGarbage(ctx)
	if err != nil {
		t.Fatalf("ClearGarbage returned error: %v", err)
	}
	if result.OrphanedChunks != 2 {
		t.Fatalf("expected only the stale set to be collected, got %+v", result)
	}
	if env.chunks.Count(fresh) != 1 || env.chunks.Count(slow) != 2 || env.chunks.Count(stale) != 0 {
		t.Fatal("grace period not honoured")
	}
}

func TestClearGarbage_SkipsChunksOfRunningPut(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	data := payload(167, 9)

	var (
		gcResult GCResult
		gcErr    error
	)
	r := &hookReader{r: bytes.NewReader(data), after: 8, hook: func() {
		gcResult, gcErr = env.fc.ClearGarbage(ctx)
	}}

	id, err := env.fc.PutByReader(ctx, r, "", "")
	if err != nil {
		t.Fatalf("PutByReader returned error: %v", err)
	}
	if !r.fired {
		t.Fatal("garbage collection did not run during the put")
	}
	if gcErr != nil {
		t.Fatalf("ClearGarbage returned error: %v", gcErr)
	}
	if gcResult.OrphanedChunks != 0 {
		t.Fatalf("chunks of a running put were collected: %+v", gcResult)
	}

	item, err := env.fc.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got := readItem(t, item); !bytes.Equal(got, data) {
		t.Fatalf("content mismatch: read %d of %d bytes", len(got), len(data))
	}
}

func TestClearGarbage_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.fc.PutByBuffer(ctx, payload(100, 1), "", "")
	if err != nil {
		t.Fatalf("PutByBuffer returned error: %v", err)
	}
	env.files.SetCount(id, 0)

	if _, err := env.fc.ClearGarbage(ctx); err != nil {
		t.Fatalf("ClearGarbage returned error: %v", err)
	}
	result, err := env.fc.ClearGarbage(ctx)
	if err != nil {
		t.Fatalf("ClearGarbage returned error: %v", err)
	}
	if result != (GCResult{}) {
		t.Fatalf("second run should be a no-op, got %+v", result)
	}
}

// hookReader 每次最多读 8 字节，第 after 次读取前调用一次 hook。
type hookReader struct {
	r     io.Reader
	after int
	hook  func()
	reads int
	fired bool
}

func (h *hookReader) Read(p []byte) (int, error) {
	h.reads++
	if h.reads == h.after && !h.fired {
		h.fired = true
		h.hook()
	}
	if len(p) > 8 {
		p = p[:8]
	}
	return h.r.Read(p)
}
