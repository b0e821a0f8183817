// Package storage 把分块存放在对象存储（本地目录或 S3）中，
// 元数据与设置仍由数据库后端负责。
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"filecenter/internal/repository"
)

// ErrObjectNotFound 表示对象不存在。
var ErrObjectNotFound = errors.New("storage: object not found")

// ObjectStore 定义分块所需的最小对象存储能力。
type ObjectStore interface {
	// Prepare 创建目录或 bucket，可重复调用。
	Prepare(ctx context.Context) error
	Write(ctx context.Context, key string, r io.Reader, size int64) error
	Read(ctx context.Context, key string) (io.ReadCloser, error)
	// List 返回以 prefix 开头的全部对象。
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	// Remove 删除给定 key，不存在的 key 忽略。
	Remove(ctx context.Context, keys []string) error
}

// ObjectInfo 是列举时返回的对象信息。
type ObjectInfo struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// ChunkKey 生成分块的对象 key：<file_id hex>/<n>，临时分块追加 .<过期毫秒>。
func ChunkKey(fileID repository.ID, n int32, expireAt *time.Time) string {
	key := fmt.Sprintf("%s/%010d", fileID.Hex(), n)
	if expireAt != nil {
		key += "." + strconv.FormatInt(expireAt.UnixMilli(), 10)
	}
	return key
}

// ChunkObject 是解析后的分块 key。
type ChunkObject struct {
	Key      string
	FileID   repository.ID
	N        int32
	ExpireAt *time.Time

	// 以下字段来自列举结果。
	Size    int64
	ModTime time.Time
}

// ParseChunkKey 解析 ChunkKey 生成的 key。
func ParseChunkKey(key string) (ChunkObject, error) {
	obj := ChunkObject{Key: key}

	dir, name, ok := strings.Cut(key, "/")
	if !ok {
		return obj, fmt.Errorf("chunk key %q: missing file id", key)
	}
	fileID, err := primitive.ObjectIDFromHex(dir)
	if err != nil {
		return obj, fmt.Errorf("chunk key %q: %w", key, err)
	}
	obj.FileID = fileID

	seq, expire, temporary := strings.Cut(name, ".")
	n, err := strconv.ParseInt(seq, 10, 32)
	if err != nil || n < 0 {
		return obj, fmt.Errorf("chunk key %q: invalid sequence", key)
	}
	obj.N = int32(n)

	if temporary {
		ms, err := strconv.ParseInt(expire, 10, 64)
		if err != nil {
			return obj, fmt.Errorf("chunk key %q: invalid expiry", key)
		}
		t := time.UnixMilli(ms).UTC()
		obj.ExpireAt = &t
	}
	return obj, nil
}

// ChunkRepository 基于 ObjectStore 实现 repository.ChunkRepository。
// 每个分块是一个对象，chunk 的 _id 与 create_time 不落盘，读取只依赖 file_id 与 n，
// 写入时间取对象存储记录的修改时间。
type ChunkRepository struct {
	store ObjectStore
}

func NewChunkRepository(store ObjectStore) *ChunkRepository {
	return &ChunkRepository{store: store}
}

func (r *ChunkRepository) EnsureSchema(ctx context.Context) error {
	return r.store.Prepare(ctx)
}

func (r *ChunkRepository) Insert(ctx context.Context, chunk *repository.ChunkRecord) error {
	key := ChunkKey(chunk.FileID, chunk.N, chunk.ExpireAt)
	if err := r.store.Write(ctx, key, bytes.NewReader(chunk.Data), int64(len(chunk.Data))); err != nil {
		return fmt.Errorf("write chunk %s: %w", key, err)
	}
	return nil
}

// Open 先列出文件的全部分块，再在迭代时逐个读取对象。
func (r *ChunkRepository) Open(ctx context.Context, fileID repository.ID) (repository.ChunkCursor, error) {
	objects, err := r.list(ctx, fileID.Hex()+"/")
	if err != nil {
		return nil, err
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].N < objects[j].N })
	return &chunkCursor{store: r.store, objects: objects}, nil
}

func (r *ChunkRepository) FileIDs(ctx context.Context) ([]repository.ID, error) {
	objects, err := r.list(ctx, "")
	if err != nil {
		return nil, err
	}
	seen := make(map[repository.ID]struct{})
	var ids []repository.ID
	for _, obj := range objects {
		if _, ok := seen[obj.FileID]; ok {
			continue
		}
		seen[obj.FileID] = struct{}{}
		ids = append(ids, obj.FileID)
	}
	return ids, nil
}

func (r *ChunkRepository) Stats(ctx context.Context, ids []repository.ID) ([]repository.ChunkStat, error) {
	objects, err := r.listFiles(ctx, ids)
	if err != nil {
		return nil, err
	}

	index := make(map[repository.ID]int)
	var stats []repository.ChunkStat
	for _, obj := range objects {
		i, ok := index[obj.FileID]
		if !ok {
			i = len(stats)
			index[obj.FileID] = i
			stats = append(stats, repository.ChunkStat{FileID: obj.FileID})
		}
		stat := &stats[i]
		stat.Chunks++
		stat.Bytes += obj.Size
		if obj.ModTime.After(stat.LastWrite) {
			stat.LastWrite = obj.ModTime
		}
	}
	return stats, nil
}

func (r *ChunkRepository) DeleteByFileIDs(ctx context.Context, ids []repository.ID) (int64, error) {
	objects, err := r.listFiles(ctx, ids)
	if err != nil {
		return 0, err
	}
	keys := make([]string, len(objects))
	for i, obj := range objects {
		keys[i] = obj.Key
	}
	return r.remove(ctx, keys)
}

func (r *ChunkRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	objects, err := r.list(ctx, "")
	if err != nil {
		return 0, err
	}
	var keys []string
	for _, obj := range objects {
		if obj.ExpireAt != nil && !obj.ExpireAt.After(now) {
			keys = append(keys, obj.Key)
		}
	}
	return r.remove(ctx, keys)
}

// Drop 删除全部分块对象，非分块对象保持不动。
func (r *ChunkRepository) Drop(ctx context.Context) error {
	objects, err := r.list(ctx, "")
	if err != nil {
		return err
	}
	keys := make([]string, len(objects))
	for i, obj := range objects {
		keys[i] = obj.Key
	}
	_, err = r.remove(ctx, keys)
	return err
}

// listFiles 列出给定文件的分块。单个文件按前缀列举，多个文件只列举一次再按 file_id 过滤。
func (r *ChunkRepository) listFiles(ctx context.Context, ids []repository.ID) ([]ChunkObject, error) {
	switch len(ids) {
	case 0:
		return nil, nil
	case 1:
		return r.list(ctx, ids[0].Hex()+"/")
	}

	objects, err := r.list(ctx, "")
	if err != nil {
		return nil, err
	}
	want := repository.IDSet(ids)
	kept := objects[:0]
	for _, obj := range objects {
		if _, ok := want[obj.FileID]; ok {
			kept = append(kept, obj)
		}
	}
	return kept, nil
}

func (r *ChunkRepository) list(ctx context.Context, prefix string) ([]ChunkObject, error) {
	infos, err := r.store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	objects := make([]ChunkObject, 0, len(infos))
	for _, info := range infos {
		obj, err := ParseChunkKey(info.Key)
		if err != nil {
			continue
		}
		obj.Size = info.Size
		obj.ModTime = info.ModTime.UTC()
		objects = append(objects, obj)
	}
	return objects, nil
}

func (r *ChunkRepository) remove(ctx context.Context, keys []string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	if err := r.store.Remove(ctx, keys); err != nil {
		return 0, fmt.Errorf("remove chunks: %w", err)
	}
	return int64(len(keys)), nil
}

type chunkCursor struct {
	store   ObjectStore
	objects []ChunkObject
	next    int
	data    []byte
	err     error
}

func (c *chunkCursor) Next(ctx context.Context) bool {
	if c.err != nil || c.next >= len(c.objects) {
		return false
	}
	if err := ctx.Err(); err != nil {
		c.err = err
		return false
	}

	obj := c.objects[c.next]
	c.next++

	rc, err := c.store.Read(ctx, obj.Key)
	if err != nil {
		c.err = fmt.Errorf("read chunk %s: %w", obj.Key, err)
		return false
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		c.err = fmt.Errorf("read chunk %s: %w", obj.Key, err)
		return false
	}
	c.data = data
	return true
}

func (c *chunkCursor) N() int32 {
	if c.next == 0 {
		return -1
	}
	return c.objects[c.next-1].N
}

func (c *chunkCursor) Data() []byte {
	return c.data
}

func (c *chunkCursor) Err() error {
	return c.err
}

func (c *chunkCursor) Close(ctx context.Context) error {
	c.data = nil
	c.next = len(c.objects)
	return nil
}
