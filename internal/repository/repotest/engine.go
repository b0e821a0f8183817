package repotest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"filecenter/internal/repository"
	"filecenter/internal/service"
)

const engineThreshold = 64

func content(n int, seed byte) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = seed ^ byte(i*13)
	}
	return data
}

func openEngine(t *testing.T, stores repository.Stores) *service.FileCenter {
	t.Helper()

	fc, err := service.New(context.Background(), stores, service.Options{
		InitialFileSizeThreshold: engineThreshold,
		Logger:                   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("service.New returned error: %v", err)
	}
	return fc
}

// RunEngine 在给定后端上跑一遍引擎的核心性质：往返一致、去重、引用计数和垃圾回收。
func RunEngine(t *testing.T, open StoresFunc) {
	t.Run("RoundTrip", func(t *testing.T) {
		fc := openEngine(t, freshStores(t, open))
		ctx := context.Background()

		for _, size := range []int{0, engineThreshold - 1, engineThreshold, engineThreshold + 1, 10*engineThreshold + 137} {
			data := content(size, byte(size))
			id, err := fc.PutByReader(ctx, bytes.NewReader(data), "file.bin", "")
			if err != nil {
				t.Fatalf("%d: PutByReader returned error: %v", size, err)
			}

			item, err := fc.Get(ctx, id)
			if err != nil {
				t.Fatalf("%d: Get returned error: %v", size, err)
			}
			if item.IsStream() != (size > engineThreshold) {
				t.Fatalf("%d: unexpected representation", size)
			}
			got, err := item.ReadAll()
			if err != nil {
				t.Fatalf("%d: ReadAll returned error: %v", size, err)
			}
			if !bytes.Equal(got, data) {
				t.Fatalf("%d: content mismatch", size)
			}
		}
	})

	t.Run("DedupAndDelete", func(t *testing.T) {
		fc := openEngine(t, freshStores(t, open))
		ctx := context.Background()
		data := content(500, 3)

		first, err := fc.PutByBuffer(ctx, data, "", "")
		if err != nil {
			t.Fatalf("PutByBuffer returned error: %v", err)
		}
		second, err := fc.PutByReader(ctx, bytes.NewReader(data), "", "")
		if err != nil {
			t.Fatalf("PutByReader returned error: %v", err)
		}
		if first != second {
			t.Fatal("expected identical content to share an id")
		}

		for i := 0; i < 2; i++ {
			if n, err := fc.Delete(ctx, first); err != nil || n != int64(len(data)) {
				t.Fatalf("Delete = %d, %v", n, err)
			}
		}
		if _, err := fc.Get(ctx, first); !errors.Is(err, service.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}

		result, err := fc.ClearGarbage(ctx)
		if err != nil {
			t.Fatalf("ClearGarbage returned error: %v", err)
		}
		if result != (service.GCResult{}) {
			t.Fatalf("delete must leave nothing for GC, got %+v", result)
		}
	})

	t.Run("ConcurrentPut", func(t *testing.T) {
		fc := openEngine(t, freshStores(t, open))
		ctx := context.Background()
		data := content(300, 9)

		ids := make([]repository.ID, 2)
		errs := make([]error, 2)
		var wg sync.WaitGroup
		for i := range ids {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ids[i], errs[i] = fc.PutByBuffer(ctx, data, "", "")
			}(i)
		}
		wg.Wait()

		for _, err := range errs {
			if err != nil {
				t.Fatalf("concurrent put returned error: %v", err)
			}
		}
		if ids[0] != ids[1] {
			t.Fatal("concurrent puts must converge on one record")
		}
		for i := 0; i < 2; i++ {
			if _, err := fc.Delete(ctx, ids[0]); err != nil {
				t.Fatalf("Delete returned error: %v", err)
			}
		}
		if exists, _ := fc.CheckExists(ctx, ids[0]); exists {
			t.Fatal("expected count 2 to be fully released by two deletes")
		}
	})

	t.Run("Temporary", func(t *testing.T) {
		fc := openEngine(t, freshStores(t, open))
		ctx := context.Background()
		data := content(200, 5)

		id, err := fc.PutByBufferTemporarily(ctx, data, "", "")
		if err != nil {
			t.Fatalf("PutByBufferTemporarily returned error: %v", err)
		}
		item, err := fc.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get returned error: %v", err)
		}
		got, err := item.ReadAll()
		if err != nil || !bytes.Equal(got, data) {
			t.Fatalf("temporary content mismatch (%v)", err)
		}
		if _, err := fc.Get(ctx, id); !errors.Is(err, service.ErrNotFound) {
			t.Fatalf("expected ErrNotFound on second read, got %v", err)
		}
	})
}
