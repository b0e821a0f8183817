// Package memory 提供进程内的存储实现，用于开发模式和测试。
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"filecenter/internal/fingerprint"
	"filecenter/internal/repository"
)

// NewStores 返回一组共享进程生命周期的内存存储。
func NewStores() repository.Stores {
	return repository.Stores{
		Files:    NewFileRepository(),
		Chunks:   NewChunkRepository(),
		Settings: NewSettingsRepository(),
	}
}

// FileRepository 实现 repository.FileRepository。
type FileRepository struct {
	mu      sync.Mutex
	records map[repository.ID]*repository.FileRecord
	hashes  map[fingerprint.Key]repository.ID
}

func NewFileRepository() *FileRepository {
	return &FileRepository{
		records: make(map[repository.ID]*repository.FileRecord),
		hashes:  make(map[fingerprint.Key]repository.ID),
	}
}

func (r *FileRepository) EnsureSchema(ctx context.Context) error {
	return nil
}

func (r *FileRepository) Insert(ctx context.Context, record *repository.FileRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[record.ID]; ok {
		return fmt.Errorf("memory: duplicate id %s", record.ID.Hex())
	}
	if record.Hash != nil {
		if _, ok := r.hashes[*record.Hash]; ok {
			return repository.ErrDuplicateHash
		}
		r.hashes[*record.Hash] = record.ID
	}
	r.records[record.ID] = cloneRecord(record)
	return nil
}

func (r *FileRepository) GetByID(ctx context.Context, id repository.ID) (*repository.FileRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (r *FileRepository) Exists(ctx context.Context, id repository.ID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.records[id]
	return ok, nil
}

func (r *FileRepository) IncrementByHash(ctx context.Context, key fingerprint.Key) (*repository.FileRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.hashes[key]
	if !ok {
		return nil, repository.ErrNotFound
	}
	rec := r.records[id]
	if rec.Count <= 0 {
		return nil, repository.ErrNotFound
	}
	rec.Count++
	return cloneRecord(rec), nil
}

func (r *FileRepository) Decrement(ctx context.Context, id repository.ID) (*repository.Decrement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	rec.Count--
	return &repository.Decrement{Count: rec.Count, Size: rec.Size, Chunked: rec.Chunked()}, nil
}

func (r *FileRepository) DeleteExhausted(ctx context.Context, id repository.ID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok || rec.Count > 0 {
		return false, nil
	}
	r.deleteLocked(id)
	return true, nil
}

func (r *FileRepository) DeleteExhaustedByHash(ctx context.Context, key fingerprint.Key) (*repository.FileRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.hashes[key]
	if !ok || r.records[id].Count > 0 {
		return nil, repository.ErrNotFound
	}
	rec := cloneRecord(r.records[id])
	r.deleteLocked(id)
	return rec, nil
}

func (r *FileRepository) Delete(ctx context.Context, id repository.ID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[id]; !ok {
		return false, nil
	}
	r.deleteLocked(id)
	return true, nil
}

func (r *FileRepository) ChunkedIDs(ctx context.Context) ([]repository.ID, error) {
	return r.collect(func(rec *repository.FileRecord) bool { return rec.Chunked() }), nil
}

func (r *FileRepository) ExhaustedIDs(ctx context.Context) ([]repository.ID, error) {
	return r.collect(func(rec *repository.FileRecord) bool { return rec.Count <= 0 }), nil
}

func (r *FileRepository) DeleteMany(ctx context.Context, ids []repository.ID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var deleted int64
	for _, id := range ids {
		if _, ok := r.records[id]; ok {
			r.deleteLocked(id)
			deleted++
		}
	}
	return deleted, nil
}

func (r *FileRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var deleted int64
	for id, rec := range r.records {
		if rec.ExpireAt != nil && !rec.ExpireAt.After(now) {
			r.deleteLocked(id)
			deleted++
		}
	}
	return deleted, nil
}

func (r *FileRepository) Drop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records = make(map[repository.ID]*repository.FileRecord)
	r.hashes = make(map[fingerprint.Key]repository.ID)
	return nil
}

// SetCount 直接改写计数，仅用于测试模拟外部修改。
func (r *FileRepository) SetCount(id repository.ID, count int32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if ok {
		rec.Count = count
	}
	return ok
}

func (r *FileRepository) deleteLocked(id repository.ID) {
	rec := r.records[id]
	if rec.Hash != nil {
		delete(r.hashes, *rec.Hash)
	}
	delete(r.records, id)
}

func (r *FileRepository) collect(match func(*repository.FileRecord) bool) []repository.ID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []repository.ID
	for id, rec := range r.records {
		if match(rec) {
			ids = append(ids, id)
		}
	}
	return ids
}

func cloneRecord(rec *repository.FileRecord) *repository.FileRecord {
	out := *rec
	if rec.Hash != nil {
		h := *rec.Hash
		out.Hash = &h
	}
	if rec.ExpireAt != nil {
		t := *rec.ExpireAt
		out.ExpireAt = &t
	}
	if rec.ChunkID != nil {
		c := *rec.ChunkID
		out.ChunkID = &c
	}
	if rec.Data != nil {
		out.Data = append([]byte{}, rec.Data...)
	}
	return &out
}

// ChunkRepository 实现 repository.ChunkRepository。
type ChunkRepository struct {
	mu     sync.Mutex
	chunks map[repository.ID][]*repository.ChunkRecord
}

func NewChunkRepository() *ChunkRepository {
	return &ChunkRepository{chunks: make(map[repository.ID][]*repository.ChunkRecord)}
}

func (r *ChunkRepository) EnsureSchema(ctx context.Context) error {
	return nil
}

func (r *ChunkRepository) Insert(ctx context.Context, chunk *repository.ChunkRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c := *chunk
	c.Data = append([]byte{}, chunk.Data...)
	r.chunks[chunk.FileID] = append(r.chunks[chunk.FileID], &c)
	return nil
}

func (r *ChunkRepository) Open(ctx context.Context, fileID repository.ID) (repository.ChunkCursor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := make([]*repository.ChunkRecord, len(r.chunks[fileID]))
	copy(list, r.chunks[fileID])
	sort.Slice(list, func(i, j int) bool { return list[i].N < list[j].N })

	return &cursor{chunks: list, pos: -1}, nil
}

func (r *ChunkRepository) FileIDs(ctx context.Context) ([]repository.ID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]repository.ID, 0, len(r.chunks))
	for id := range r.chunks {
		ids = append(ids, id)
	}
	return ids, nil
}

func (r *ChunkRepository) Stats(ctx context.Context, ids []repository.ID) ([]repository.ChunkStat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stats []repository.ChunkStat
	for id := range repository.IDSet(ids) {
		list := r.chunks[id]
		if len(list) == 0 {
			continue
		}
		stat := repository.ChunkStat{FileID: id, Chunks: int64(len(list))}
		for _, c := range list {
			stat.Bytes += int64(len(c.Data))
			written := c.CreateTime
			if written.IsZero() {
				written = c.ID.Timestamp()
			}
			if written.After(stat.LastWrite) {
				stat.LastWrite = written
			}
		}
		stats = append(stats, stat)
	}
	return stats, nil
}

func (r *ChunkRepository) DeleteByFileIDs(ctx context.Context, ids []repository.ID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var deleted int64
	for _, id := range ids {
		deleted += int64(len(r.chunks[id]))
		delete(r.chunks, id)
	}
	return deleted, nil
}

func (r *ChunkRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var deleted int64
	for id, list := range r.chunks {
		kept := list[:0]
		for _, c := range list {
			if c.ExpireAt != nil && !c.ExpireAt.After(now) {
				deleted++
				continue
			}
			kept = append(kept, c)
		}
		if len(kept) == 0 {
			delete(r.chunks, id)
		} else {
			r.chunks[id] = kept
		}
	}
	return deleted, nil
}

func (r *ChunkRepository) Drop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.chunks = make(map[repository.ID][]*repository.ChunkRecord)
	return nil
}

// Count 返回某个文件当前的分块数。
func (r *ChunkRepository) Count(fileID repository.ID) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.chunks[fileID])
}

type cursor struct {
	chunks []*repository.ChunkRecord
	pos    int
	err    error
}

func (c *cursor) Next(ctx context.Context) bool {
	if c.err != nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		c.err = err
		return false
	}
	if c.pos+1 >= len(c.chunks) {
		return false
	}
	c.pos++
	return true
}

func (c *cursor) N() int32 {
	if c.pos < 0 || c.pos >= len(c.chunks) {
		return -1
	}
	return c.chunks[c.pos].N
}

func (c *cursor) Data() []byte {
	if c.pos < 0 || c.pos >= len(c.chunks) {
		return nil
	}
	return c.chunks[c.pos].Data
}

func (c *cursor) Err() error {
	return c.err
}

func (c *cursor) Close(ctx context.Context) error {
	c.chunks = nil
	return nil
}

// SettingsRepository 实现 repository.SettingsRepository。
type SettingsRepository struct {
	mu     sync.Mutex
	values map[string]any
}

func NewSettingsRepository() *SettingsRepository {
	return &SettingsRepository{values: make(map[string]any)}
}

func (r *SettingsRepository) EnsureSchema(ctx context.Context) error {
	return nil
}

func (r *SettingsRepository) InitInt(ctx context.Context, key string, value int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.values[key]
	if !ok {
		r.values[key] = value
		return value, nil
	}
	v, ok := stored.(int64)
	if !ok {
		return 0, repository.UnexpectedType(key, stored)
	}
	return v, nil
}

func (r *SettingsRepository) InitTime(ctx context.Context, key string, value time.Time) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.values[key]
	if !ok {
		r.values[key] = value
		return value, nil
	}
	v, ok := stored.(time.Time)
	if !ok {
		return time.Time{}, repository.UnexpectedType(key, stored)
	}
	return v, nil
}

func (r *SettingsRepository) SetInt(ctx context.Context, key string, value int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.values[key] = value
	return nil
}

// SetRaw 写入任意值，用于测试模拟版本不兼容或损坏的设置。
func (r *SettingsRepository) SetRaw(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.values[key] = value
}

func (r *SettingsRepository) Drop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.values = make(map[string]any)
	return nil
}
