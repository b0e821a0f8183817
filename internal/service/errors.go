package service

import (
	"errors"
	"fmt"

	"filecenter/internal/repository"
)

// Kind 区分错误来源，方便调用方决定如何处理。
type Kind int

const (
	KindStore Kind = iota + 1
	KindSchema
	KindConfig
	KindVersion
	KindIO
	KindToken
)

func (k Kind) String() string {
	switch k {
	case KindStore:
		return "store"
	case KindSchema:
		return "schema"
	case KindConfig:
		return "config"
	case KindVersion:
		return "version"
	case KindIO:
		return "io"
	case KindToken:
		return "token"
	default:
		return "unknown"
	}
}

var (
	// ErrNotFound 表示文件不存在，或临时文件已过期。
	ErrNotFound = errors.New("filecenter: file not found")
	// ErrFileSizeThreshold 表示阈值不在 (0, MaxFileSizeThreshold] 范围内。
	ErrFileSizeThreshold = errors.New("filecenter: the file size threshold is incorrect")
	// ErrInvalidVersion 表示存储中的版本号不是正数。
	ErrInvalidVersion = errors.New("filecenter: the version is incorrect")

	errDedupContention  = errors.New("too many concurrent writers for the same content")
	errIncompleteChunks = errors.New("chunks were removed while the file was being written")
)

// VersionTooNewError 表示存储由更新版本的程序创建。
type VersionTooNewError struct {
	Supported int64
	Current   int64
}

func (e *VersionTooNewError) Error() string {
	return fmt.Sprintf("filecenter: store version %d is newer than supported version %d", e.Current, e.Supported)
}

// Error 是引擎返回的带分类错误。
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("filecenter: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf 返回错误链中第一个 *Error 的分类，没有则返回 0。
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func newError(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// storeError 包装存储层错误；字段损坏归为 KindSchema。
func storeError(op string, err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	var schemaErr *repository.SchemaError
	if errors.As(err, &schemaErr) {
		return newError(KindSchema, op, err)
	}
	return newError(KindStore, op, err)
}

func ioError(op string, err error) error {
	return newError(KindIO, op, err)
}
