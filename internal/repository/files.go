package repository

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"filecenter/internal/fingerprint"
)

// 集合（表）名称，三个后端保持一致。
const (
	CollectionFiles       = "file_center"
	CollectionFilesChunks = "file_center_chunks"
	CollectionSettings    = "file_center_settings"
)

// 设置项的键。
const (
	SettingFileSizeThreshold = "file_size_threshold"
	SettingCreateTime        = "create_time"
	SettingVersion           = "version"
)

// ID 是 12 字节的对象标识，创建时生成，永不复用。
type ID = primitive.ObjectID

// NewID 生成新的对象标识。
func NewID() ID {
	return primitive.NewObjectID()
}

// FileRecord 代表一个逻辑文件的元数据。
// 内容要么内联在 Data 中，要么由 ChunkID 指向分块存储，二者只能有其一。
type FileRecord struct {
	ID         ID
	Hash       *fingerprint.Key
	Size       int64
	Name       string
	MimeType   string
	CreateTime time.Time
	ExpireAt   *time.Time
	Count      int32
	Data       []byte
	ChunkID    *ID
}

// Chunked 表示内容是否存放在分块存储中。
func (r *FileRecord) Chunked() bool {
	return r.ChunkID != nil
}

// Temporary 表示是否为临时文件。
func (r *FileRecord) Temporary() bool {
	return r.ExpireAt != nil
}

// Decrement 是引用计数递减后的结果。
type Decrement struct {
	Count   int32
	Size    int64
	Chunked bool
}

// ChunkRecord 是分块存储中的一个有序分块。
type ChunkRecord struct {
	ID         ID
	FileID     ID
	N          int32
	Data       []byte
	ExpireAt   *time.Time
	CreateTime time.Time
}

// ChunkStat 汇总某个文件当前的分块。
type ChunkStat struct {
	FileID ID
	Chunks int64
	Bytes  int64
	// LastWrite 是最新一个分块的写入时间。
	LastWrite time.Time
}

// ChunkCursor 按 n 升序逐块读取某个文件的分块。
type ChunkCursor interface {
	Next(ctx context.Context) bool
	N() int32
	Data() []byte
	Err() error
	Close(ctx context.Context) error
}

// FileRepository 是元数据存储接口。
// 所有修改引用计数的方法都必须在单个文档上原子执行。
type FileRepository interface {
	EnsureSchema(ctx context.Context) error
	// Insert 插入新记录，哈希冲突时返回 ErrDuplicateHash。
	Insert(ctx context.Context, record *FileRecord) error
	GetByID(ctx context.Context, id ID) (*FileRecord, error)
	Exists(ctx context.Context, id ID) (bool, error)
	// IncrementByHash 将 count > 0 且哈希匹配的记录计数加一并返回更新后的记录。
	IncrementByHash(ctx context.Context, key fingerprint.Key) (*FileRecord, error)
	// Decrement 将计数减一并返回减后的计数与大小。
	Decrement(ctx context.Context, id ID) (*Decrement, error)
	// DeleteExhausted 仅当 count <= 0 时删除记录。
	DeleteExhausted(ctx context.Context, id ID) (bool, error)
	// DeleteExhaustedByHash 删除哈希匹配且 count <= 0 的记录并返回它，没有匹配时返回 ErrNotFound。
	DeleteExhaustedByHash(ctx context.Context, key fingerprint.Key) (*FileRecord, error)
	Delete(ctx context.Context, id ID) (bool, error)
	ChunkedIDs(ctx context.Context) ([]ID, error)
	ExhaustedIDs(ctx context.Context) ([]ID, error)
	DeleteMany(ctx context.Context, ids []ID) (int64, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	Drop(ctx context.Context) error
}

// ChunkRepository 是分块存储接口。
type ChunkRepository interface {
	EnsureSchema(ctx context.Context) error
	Insert(ctx context.Context, chunk *ChunkRecord) error
	Open(ctx context.Context, fileID ID) (ChunkCursor, error)
	// FileIDs 返回所有拥有分块的文件标识（去重）。
	FileIDs(ctx context.Context) ([]ID, error)
	// Stats 在一次读取中汇总给定文件的分块，没有分块的文件不出现在结果中。
	Stats(ctx context.Context, ids []ID) ([]ChunkStat, error)
	DeleteByFileIDs(ctx context.Context, ids []ID) (int64, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	Drop(ctx context.Context) error
}

// SettingsRepository 保存引擎设置。
type SettingsRepository interface {
	EnsureSchema(ctx context.Context) error
	// InitInt 在键不存在时写入 value，返回最终存储的值。
	InitInt(ctx context.Context, key string, value int64) (int64, error)
	// InitTime 在键不存在时写入 value，返回最终存储的值。
	InitTime(ctx context.Context, key string, value time.Time) (time.Time, error)
	SetInt(ctx context.Context, key string, value int64) error
	Drop(ctx context.Context) error
}

// Stores 聚合引擎需要的三个存储。
type Stores struct {
	Files    FileRepository
	Chunks   ChunkRepository
	Settings SettingsRepository
}

// IDSet 把标识列表转换为集合，供垃圾回收做差集。
func IDSet(ids []ID) map[ID]struct{} {
	set := make(map[ID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
