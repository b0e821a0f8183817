package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"filecenter/internal/fingerprint"
	"filecenter/internal/idtoken"
	"filecenter/internal/repository"
)

const (
	// DefaultFileSizeThreshold 是默认的内联/分块阈值（字节）。
	DefaultFileSizeThreshold int64 = 261_120
	// MaxFileSizeThreshold 是阈值上限，保证内联文档不超过存储的单文档限制。
	MaxFileSizeThreshold int64 = 16_770_000

	// TemporaryLifeTime 是临时文件记录的存活时间。
	TemporaryLifeTime = 60 * time.Second
	// TemporaryChunkLifeTime 是临时文件分块的存活时间。
	TemporaryChunkLifeTime = time.Hour

	// Version 是当前程序支持的存储版本。
	Version int64 = 1

	maxDedupAttempts = 8
	retryBaseDelay   = 2 * time.Millisecond
	retryMaxDelay    = 100 * time.Millisecond
	cleanupTimeout   = 30 * time.Second
)

// Options 配置 FileCenter。零值可用。
type Options struct {
	// InitialFileSizeThreshold 仅在存储首次初始化时写入，0 表示使用默认值。
	InitialFileSizeThreshold int64
	// Hasher 默认为 SHA3-256。同一个存储必须始终使用同一种算法。
	Hasher fingerprint.Hasher
	Logger *slog.Logger
	// GCGracePeriod 内仍有分块写入的孤立分块集合不会被垃圾回收。
	// 本进程内正在写入的分块无论是否超过该时长都不会被回收。
	GCGracePeriod time.Duration
	Now           func() time.Time
}

// FileCenter 是内容寻址、去重的文件存储引擎。
type FileCenter struct {
	files    repository.FileRepository
	chunks   repository.ChunkRepository
	settings repository.SettingsRepository

	hasher  fingerprint.Hasher
	logger  *slog.Logger
	now     func() time.Time
	gcGrace time.Duration

	threshold  atomic.Int64
	createTime time.Time
	tokens     *idtoken.Codec
	uploads    *uploads
}

// New 初始化存储结构与设置，并校验存储版本。
// 返回错误时不会产生可用的引擎。
func New(ctx context.Context, stores repository.Stores, opts Options) (*FileCenter, error) {
	const op = "open"

	if stores.Files == nil || stores.Chunks == nil || stores.Settings == nil {
		return nil, newError(KindConfig, op, errors.New("stores are not fully configured"))
	}

	initial := opts.InitialFileSizeThreshold
	if initial == 0 {
		initial = DefaultFileSizeThreshold
	}
	if err := validateThreshold(initial); err != nil {
		return nil, newError(KindConfig, op, err)
	}

	fc := &FileCenter{
		files:    stores.Files,
		chunks:   stores.Chunks,
		settings: stores.Settings,
		hasher:   opts.Hasher,
		logger:   opts.Logger,
		now:      opts.Now,
		gcGrace:  opts.GCGracePeriod,
		uploads:  newUploads(),
	}
	if fc.hasher == nil {
		fc.hasher = fingerprint.SHA3_256
	}
	if fc.logger == nil {
		fc.logger = slog.Default()
	}
	fc.logger = fc.logger.With("component", "service")
	if fc.now == nil {
		fc.now = time.Now
	}

	if err := fc.files.EnsureSchema(ctx); err != nil {
		return nil, storeError(op, fmt.Errorf("ensure files schema: %w", err))
	}
	if err := fc.chunks.EnsureSchema(ctx); err != nil {
		return nil, storeError(op, fmt.Errorf("ensure chunks schema: %w", err))
	}
	if err := fc.settings.EnsureSchema(ctx); err != nil {
		return nil, storeError(op, fmt.Errorf("ensure settings schema: %w", err))
	}

	threshold, err := fc.settings.InitInt(ctx, repository.SettingFileSizeThreshold, initial)
	if err != nil {
		return nil, storeError(op, err)
	}
	if err := validateThreshold(threshold); err != nil {
		return nil, newError(KindConfig, op, fmt.Errorf("stored threshold %d: %w", threshold, err))
	}
	fc.threshold.Store(threshold)

	createTime, err := fc.settings.InitTime(ctx, repository.SettingCreateTime, fc.now().UTC().Truncate(time.Millisecond))
	if err != nil {
		return nil, storeError(op, err)
	}
	fc.createTime = createTime
	fc.tokens = idtoken.New(fmt.Sprintf("FileCenter-%d", createTime.UnixMilli()))

	version, err := fc.settings.InitInt(ctx, repository.SettingVersion, Version)
	if err != nil {
		return nil, storeError(op, err)
	}
	switch {
	case version <= 0:
		return nil, newError(KindVersion, op, ErrInvalidVersion)
	case version > Version:
		return nil, newError(KindVersion, op, &VersionTooNewError{Supported: Version, Current: version})
	}

	return fc, nil
}

func validateThreshold(n int64) error {
	if n <= 0 || n > MaxFileSizeThreshold {
		return ErrFileSizeThreshold
	}
	return nil
}

// FileSizeThreshold 返回当前阈值。
func (fc *FileCenter) FileSizeThreshold() int64 {
	return fc.threshold.Load()
}

// SetFileSizeThreshold 持久化新的阈值，只影响之后的写入。
func (fc *FileCenter) SetFileSizeThreshold(ctx context.Context, n int64) error {
	const op = "set file size threshold"

	if err := validateThreshold(n); err != nil {
		return newError(KindConfig, op, err)
	}
	if n == fc.threshold.Load() {
		return nil
	}
	if err := fc.settings.SetInt(ctx, repository.SettingFileSizeThreshold, n); err != nil {
		return storeError(op, err)
	}
	fc.threshold.Store(n)
	fc.logger.Info("file size threshold updated", "threshold", n)
	return nil
}

// CreateTime 返回存储的创建时间。
func (fc *FileCenter) CreateTime() time.Time {
	return fc.createTime
}

// EncodeID 把文件标识编码为对外令牌。
func (fc *FileCenter) EncodeID(id repository.ID) string {
	return fc.tokens.Encode(id)
}

// DecodeID 把令牌还原为文件标识。
func (fc *FileCenter) DecodeID(token string) (repository.ID, error) {
	id, err := fc.tokens.Decode(token)
	if err != nil {
		return repository.ID{}, newError(KindToken, "decode id", err)
	}
	return id, nil
}

// DropAll 删除三个集合。之后不应再使用该实例。
func (fc *FileCenter) DropAll(ctx context.Context) error {
	const op = "drop all"

	if err := fc.files.Drop(ctx); err != nil {
		return storeError(op, err)
	}
	if err := fc.chunks.Drop(ctx); err != nil {
		return storeError(op, err)
	}
	if err := fc.settings.Drop(ctx); err != nil {
		return storeError(op, err)
	}
	fc.logger.Warn("file center dropped")
	return nil
}

// cleanupContext 为尽力清理派生一个不受调用方取消影响的上下文。
func cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
}
