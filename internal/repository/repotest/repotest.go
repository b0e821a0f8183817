// Package repotest 提供各存储后端共用的一致性测试。
package repotest

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"filecenter/internal/fingerprint"
	"filecenter/internal/repository"
)

// StoresFunc 返回一组可用的存储，测试会先清空再建表。
type StoresFunc func(t *testing.T) repository.Stores

// ChunksFunc 返回一个可用的分块存储。
type ChunksFunc func(t *testing.T) repository.ChunkRepository

// base 位于未来，避免后端的 TTL 机制抢先删除测试数据。
var base = time.Now().UTC().Truncate(time.Millisecond).Add(24 * time.Hour)

func baseTime() time.Time {
	return base
}

func key(seed int64) fingerprint.Key {
	return fingerprint.Key{seed, -seed, seed * 31, 1<<62 + seed}
}

func freshStores(t *testing.T, open StoresFunc) repository.Stores {
	t.Helper()
	ctx := context.Background()

	stores := open(t)
	for _, step := range []func(context.Context) error{
		stores.Files.Drop, stores.Chunks.Drop, stores.Settings.Drop,
		stores.Files.EnsureSchema, stores.Chunks.EnsureSchema, stores.Settings.EnsureSchema,
	} {
		if err := step(ctx); err != nil {
			t.Fatalf("prepare stores: %v", err)
		}
	}
	return stores
}

func freshChunks(t *testing.T, open ChunksFunc) repository.ChunkRepository {
	t.Helper()
	ctx := context.Background()

	chunks := open(t)
	if err := chunks.Drop(ctx); err != nil {
		t.Fatalf("drop chunks: %v", err)
	}
	if err := chunks.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure chunk schema: %v", err)
	}
	return chunks
}

func inlineRecord(seed int64, data []byte) *repository.FileRecord {
	k := key(seed)
	return &repository.FileRecord{
		ID:         repository.NewID(),
		Hash:       &k,
		Size:       int64(len(data)),
		Name:       "inline.txt",
		MimeType:   "text/plain",
		CreateTime: baseTime(),
		Count:      1,
		Data:       data,
	}
}

func chunkedRecord(expireAt *time.Time) *repository.FileRecord {
	chunkID := repository.NewID()
	return &repository.FileRecord{
		ID:         repository.NewID(),
		Size:       1000,
		Name:       "chunked.bin",
		MimeType:   "application/octet-stream",
		CreateTime: baseTime(),
		ExpireAt:   expireAt,
		Count:      1,
		ChunkID:    &chunkID,
	}
}

// RunFiles 校验 FileRepository 的约定。
func RunFiles(t *testing.T, open StoresFunc) {
	t.Run("InsertAndGet", func(t *testing.T) {
		files := freshStores(t, open).Files
		ctx := context.Background()

		inline := inlineRecord(1, []byte("hello"))
		expireAt := baseTime().Add(time.Minute)
		temp := chunkedRecord(&expireAt)
		empty := inlineRecord(2, []byte{})

		for _, rec := range []*repository.FileRecord{inline, temp, empty} {
			if err := files.Insert(ctx, rec); err != nil {
				t.Fatalf("Insert returned error: %v", err)
			}
		}

		got, err := files.GetByID(ctx, inline.ID)
		if err != nil {
			t.Fatalf("GetByID returned error: %v", err)
		}
		if got.Hash == nil || *got.Hash != *inline.Hash {
			t.Fatalf("hash mismatch: %v", got.Hash)
		}
		if got.Size != 5 || got.Name != "inline.txt" || got.MimeType != "text/plain" || got.Count != 1 {
			t.Fatalf("unexpected record %+v", got)
		}
		if !got.CreateTime.Equal(inline.CreateTime) {
			t.Fatalf("create time mismatch: %v", got.CreateTime)
		}
		if !bytes.Equal(got.Data, []byte("hello")) || got.Chunked() || got.Temporary() {
			t.Fatalf("unexpected storage variant %+v", got)
		}

		got, err = files.GetByID(ctx, temp.ID)
		if err != nil {
			t.Fatalf("GetByID returned error: %v", err)
		}
		if got.Hash != nil || !got.Chunked() || *got.ChunkID != *temp.ChunkID {
			t.Fatalf("unexpected chunked record %+v", got)
		}
		if got.ExpireAt == nil || !got.ExpireAt.Equal(expireAt) {
			t.Fatalf("expire_at mismatch: %v", got.ExpireAt)
		}

		got, err = files.GetByID(ctx, empty.ID)
		if err != nil {
			t.Fatalf("GetByID returned error: %v", err)
		}
		if got.Chunked() || len(got.Data) != 0 {
			t.Fatalf("expected empty inline record, got %+v", got)
		}

		if _, err := files.GetByID(ctx, repository.NewID()); !errors.Is(err, repository.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("UniqueHash", func(t *testing.T) {
		files := freshStores(t, open).Files
		ctx := context.Background()

		if err := files.Insert(ctx, inlineRecord(7, []byte("a"))); err != nil {
			t.Fatalf("Insert returned error: %v", err)
		}
		if err := files.Insert(ctx, inlineRecord(7, []byte("a"))); !errors.Is(err, repository.ErrDuplicateHash) {
			t.Fatalf("expected ErrDuplicateHash, got %v", err)
		}

		// 没有哈希的记录之间不冲突。
		for i := 0; i < 2; i++ {
			expireAt := baseTime()
			if err := files.Insert(ctx, chunkedRecord(&expireAt)); err != nil {
				t.Fatalf("Insert without hash returned error: %v", err)
			}
		}
	})

	t.Run("RefCounting", func(t *testing.T) {
		files := freshStores(t, open).Files
		ctx := context.Background()

		rec := inlineRecord(3, []byte("abc"))
		if err := files.Insert(ctx, rec); err != nil {
			t.Fatalf("Insert returned error: %v", err)
		}

		hit, err := files.IncrementByHash(ctx, *rec.Hash)
		if err != nil {
			t.Fatalf("IncrementByHash returned error: %v", err)
		}
		if hit.ID != rec.ID || hit.Count != 2 {
			t.Fatalf("expected post-image with count 2, got %+v", hit)
		}
		if _, err := files.IncrementByHash(ctx, key(99)); !errors.Is(err, repository.ErrNotFound) {
			t.Fatalf("expected ErrNotFound for unknown hash, got %v", err)
		}

		dec, err := files.Decrement(ctx, rec.ID)
		if err != nil {
			t.Fatalf("Decrement returned error: %v", err)
		}
		if dec.Count != 1 || dec.Size != 3 || dec.Chunked {
			t.Fatalf("unexpected decrement %+v", dec)
		}
		if deleted, err := files.DeleteExhausted(ctx, rec.ID); err != nil || deleted {
			t.Fatalf("DeleteExhausted must not remove a referenced record: %v %v", deleted, err)
		}

		if dec, err = files.Decrement(ctx, rec.ID); err != nil || dec.Count != 0 {
			t.Fatalf("expected count 0, got %+v (%v)", dec, err)
		}
		if _, err := files.IncrementByHash(ctx, *rec.Hash); !errors.Is(err, repository.ErrNotFound) {
			t.Fatalf("exhausted record must not be revived, got %v", err)
		}

		ids, err := files.ExhaustedIDs(ctx)
		if err != nil || len(ids) != 1 || ids[0] != rec.ID {
			t.Fatalf("expected exhausted id, got %v (%v)", ids, err)
		}

		if deleted, err := files.DeleteExhausted(ctx, rec.ID); err != nil || !deleted {
			t.Fatalf("DeleteExhausted = %v, %v", deleted, err)
		}
		if _, err := files.Decrement(ctx, rec.ID); !errors.Is(err, repository.ErrNotFound) {
			t.Fatalf("expected ErrNotFound after removal, got %v", err)
		}
	})

	t.Run("DeleteExhaustedByHash", func(t *testing.T) {
		files := freshStores(t, open).Files
		ctx := context.Background()

		rec := inlineRecord(11, []byte("abc"))
		if err := files.Insert(ctx, rec); err != nil {
			t.Fatalf("Insert returned error: %v", err)
		}
		if _, err := files.DeleteExhaustedByHash(ctx, *rec.Hash); !errors.Is(err, repository.ErrNotFound) {
			t.Fatalf("referenced record must not be removed, got %v", err)
		}

		if _, err := files.Decrement(ctx, rec.ID); err != nil {
			t.Fatalf("Decrement returned error: %v", err)
		}
		removed, err := files.DeleteExhaustedByHash(ctx, *rec.Hash)
		if err != nil {
			t.Fatalf("DeleteExhaustedByHash returned error: %v", err)
		}
		if removed.ID != rec.ID || removed.Chunked() {
			t.Fatalf("unexpected removed record %+v", removed)
		}
		if _, err := files.GetByID(ctx, rec.ID); !errors.Is(err, repository.ErrNotFound) {
			t.Fatalf("expected record to be gone, got %v", err)
		}

		// 哈希释放后可以重新插入。
		if err := files.Insert(ctx, inlineRecord(11, []byte("abc"))); err != nil {
			t.Fatalf("Insert after removal returned error: %v", err)
		}
		if _, err := files.DeleteExhaustedByHash(ctx, key(12)); !errors.Is(err, repository.ErrNotFound) {
			t.Fatalf("expected ErrNotFound for unknown hash, got %v", err)
		}
	})

	t.Run("BulkOperations", func(t *testing.T) {
		files := freshStores(t, open).Files
		ctx := context.Background()

		inline := inlineRecord(4, []byte("x"))
		permanent := chunkedRecord(nil)
		k := key(5)
		permanent.Hash = &k
		expired := baseTime().Add(-time.Second)
		stale := chunkedRecord(&expired)
		future := baseTime().Add(time.Hour)
		fresh := chunkedRecord(&future)

		for _, rec := range []*repository.FileRecord{inline, permanent, stale, fresh} {
			if err := files.Insert(ctx, rec); err != nil {
				t.Fatalf("Insert returned error: %v", err)
			}
		}

		ids, err := files.ChunkedIDs(ctx)
		if err != nil {
			t.Fatalf("ChunkedIDs returned error: %v", err)
		}
		assertIDs(t, ids, permanent.ID, stale.ID, fresh.ID)

		n, err := files.DeleteExpired(ctx, baseTime())
		if err != nil || n != 1 {
			t.Fatalf("DeleteExpired = %d, %v", n, err)
		}
		if exists, _ := files.Exists(ctx, stale.ID); exists {
			t.Fatal("expired record survived")
		}

		n, err = files.DeleteMany(ctx, []repository.ID{inline.ID, fresh.ID, repository.NewID()})
		if err != nil || n != 2 {
			t.Fatalf("DeleteMany = %d, %v", n, err)
		}

		if deleted, err := files.Delete(ctx, permanent.ID); err != nil || !deleted {
			t.Fatalf("Delete = %v, %v", deleted, err)
		}
		if deleted, err := files.Delete(ctx, permanent.ID); err != nil || deleted {
			t.Fatalf("second Delete = %v, %v", deleted, err)
		}
		if exists, err := files.Exists(ctx, permanent.ID); err != nil || exists {
			t.Fatalf("Exists = %v, %v", exists, err)
		}
	})
}

// RunChunks 校验 ChunkRepository 的约定。
func RunChunks(t *testing.T, open ChunksFunc) {
	t.Run("OrderedRead", func(t *testing.T) {
		chunks := freshChunks(t, open)
		ctx := context.Background()
		fileID := repository.NewID()

		for _, n := range []int32{2, 0, 1} {
			chunk := &repository.ChunkRecord{ID: repository.NewID(), FileID: fileID, N: n, Data: []byte{byte('a' + n)}}
			if err := chunks.Insert(ctx, chunk); err != nil {
				t.Fatalf("Insert returned error: %v", err)
			}
		}

		cursor, err := chunks.Open(ctx, fileID)
		if err != nil {
			t.Fatalf("Open returned error: %v", err)
		}
		defer cursor.Close(ctx)

		var got []byte
		for n := int32(0); cursor.Next(ctx); n++ {
			if cursor.N() != n {
				t.Fatalf("expected chunk %d, cursor reports %d", n, cursor.N())
			}
			got = append(got, cursor.Data()...)
		}
		if err := cursor.Err(); err != nil {
			t.Fatalf("cursor error: %v", err)
		}
		if string(got) != "abc" {
			t.Fatalf("expected ordered chunks, got %q", got)
		}
	})

	t.Run("EmptyChunk", func(t *testing.T) {
		chunks := freshChunks(t, open)
		ctx := context.Background()
		fileID := repository.NewID()

		if err := chunks.Insert(ctx, &repository.ChunkRecord{ID: repository.NewID(), FileID: fileID}); err != nil {
			t.Fatalf("Insert returned error: %v", err)
		}
		ids, err := chunks.FileIDs(ctx)
		if err != nil {
			t.Fatalf("FileIDs returned error: %v", err)
		}
		assertIDs(t, ids, fileID)

		cursor, err := chunks.Open(ctx, fileID)
		if err != nil {
			t.Fatalf("Open returned error: %v", err)
		}
		defer cursor.Close(ctx)
		if !cursor.Next(ctx) || len(cursor.Data()) != 0 {
			t.Fatal("expected one empty chunk")
		}
		if cursor.Next(ctx) {
			t.Fatal("expected a single chunk")
		}
	})

	t.Run("Stats", func(t *testing.T) {
		chunks := freshChunks(t, open)
		ctx := context.Background()
		a, b := repository.NewID(), repository.NewID()

		for i, c := range []struct {
			fileID repository.ID
			n      int32
			data   string
		}{{a, 0, "abcd"}, {a, 1, "ef"}, {b, 0, "xyz"}} {
			chunk := &repository.ChunkRecord{
				ID:         repository.NewID(),
				FileID:     c.fileID,
				N:          c.n,
				Data:       []byte(c.data),
				CreateTime: baseTime().Add(time.Duration(i) * time.Second),
			}
			if err := chunks.Insert(ctx, chunk); err != nil {
				t.Fatalf("Insert returned error: %v", err)
			}
		}

		stats, err := chunks.Stats(ctx, []repository.ID{a, b, repository.NewID()})
		if err != nil {
			t.Fatalf("Stats returned error: %v", err)
		}
		if len(stats) != 2 {
			t.Fatalf("expected stats for two files, got %+v", stats)
		}
		byID := make(map[repository.ID]repository.ChunkStat)
		for _, stat := range stats {
			if stat.LastWrite.IsZero() {
				t.Fatalf("missing last write time in %+v", stat)
			}
			byID[stat.FileID] = stat
		}
		if got := byID[a]; got.Chunks != 2 || got.Bytes != 6 {
			t.Fatalf("unexpected stat for a: %+v", got)
		}
		if got := byID[b]; got.Chunks != 1 || got.Bytes != 3 {
			t.Fatalf("unexpected stat for b: %+v", got)
		}

		if stats, err := chunks.Stats(ctx, []repository.ID{repository.NewID()}); err != nil || len(stats) != 0 {
			t.Fatalf("Stats for unknown file = %+v, %v", stats, err)
		}
	})

	t.Run("GroupAndDelete", func(t *testing.T) {
		chunks := freshChunks(t, open)
		ctx := context.Background()
		a, b, c := repository.NewID(), repository.NewID(), repository.NewID()
		expired := baseTime().Add(-time.Minute)

		insert := func(fileID repository.ID, n int32, expireAt *time.Time) {
			chunk := &repository.ChunkRecord{ID: repository.NewID(), FileID: fileID, N: n, Data: []byte("chunk"), ExpireAt: expireAt}
			if err := chunks.Insert(ctx, chunk); err != nil {
				t.Fatalf("Insert returned error: %v", err)
			}
		}
		insert(a, 0, nil)
		insert(a, 1, nil)
		insert(b, 0, nil)
		insert(c, 0, &expired)
		insert(c, 1, &expired)

		ids, err := chunks.FileIDs(ctx)
		if err != nil {
			t.Fatalf("FileIDs returned error: %v", err)
		}
		assertIDs(t, ids, a, b, c)

		n, err := chunks.DeleteExpired(ctx, baseTime())
		if err != nil || n != 2 {
			t.Fatalf("DeleteExpired = %d, %v", n, err)
		}

		n, err = chunks.DeleteByFileIDs(ctx, []repository.ID{a, repository.NewID()})
		if err != nil || n != 2 {
			t.Fatalf("DeleteByFileIDs = %d, %v", n, err)
		}

		ids, err = chunks.FileIDs(ctx)
		if err != nil {
			t.Fatalf("FileIDs returned error: %v", err)
		}
		assertIDs(t, ids, b)

		cursor, err := chunks.Open(ctx, a)
		if err != nil {
			t.Fatalf("Open returned error: %v", err)
		}
		defer cursor.Close(ctx)
		if cursor.Next(ctx) {
			t.Fatal("deleted chunk set must be empty")
		}
	})
}

// RunSettings 校验 SettingsRepository 的约定。
func RunSettings(t *testing.T, open StoresFunc) {
	t.Run("InitOnce", func(t *testing.T) {
		settings := freshStores(t, open).Settings
		ctx := context.Background()

		v, err := settings.InitInt(ctx, repository.SettingFileSizeThreshold, 100)
		if err != nil || v != 100 {
			t.Fatalf("InitInt = %d, %v", v, err)
		}
		v, err = settings.InitInt(ctx, repository.SettingFileSizeThreshold, 200)
		if err != nil || v != 100 {
			t.Fatalf("second InitInt = %d, %v", v, err)
		}

		if err := settings.SetInt(ctx, repository.SettingFileSizeThreshold, 300); err != nil {
			t.Fatalf("SetInt returned error: %v", err)
		}
		if v, _ = settings.InitInt(ctx, repository.SettingFileSizeThreshold, 1); v != 300 {
			t.Fatalf("expected 300 after SetInt, got %d", v)
		}

		created := baseTime()
		got, err := settings.InitTime(ctx, repository.SettingCreateTime, created)
		if err != nil || !got.Equal(created) {
			t.Fatalf("InitTime = %v, %v", got, err)
		}
		got, err = settings.InitTime(ctx, repository.SettingCreateTime, created.Add(time.Hour))
		if err != nil || !got.Equal(created) {
			t.Fatalf("second InitTime = %v, %v", got, err)
		}
	})

	t.Run("TypeMismatch", func(t *testing.T) {
		settings := freshStores(t, open).Settings
		ctx := context.Background()

		if _, err := settings.InitTime(ctx, repository.SettingVersion, baseTime()); err != nil {
			t.Fatalf("InitTime returned error: %v", err)
		}
		_, err := settings.InitInt(ctx, repository.SettingVersion, 1)
		var schemaErr *repository.SchemaError
		if !errors.As(err, &schemaErr) {
			t.Fatalf("expected SchemaError, got %v", err)
		}
	})
}

func assertIDs(t *testing.T, got []repository.ID, want ...repository.ID) {
	t.Helper()

	sortIDs := func(ids []repository.ID) {
		sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })
	}
	got = append([]repository.ID{}, got...)
	want = append([]repository.ID{}, want...)
	sortIDs(got)
	sortIDs(want)

	if len(got) != len(want) {
		t.Fatalf("expected ids %v, got %v", want, got)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("expected ids %v, got %v", want, got)
		}
	}
}
