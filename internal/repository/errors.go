package repository

import (
	"errors"
	"fmt"
)

// ErrNotFound 表示目标记录不存在。
var ErrNotFound = errors.New("repository: record not found")

// ErrDuplicateHash 表示插入时违反了 (hash_1..hash_4) 唯一约束。
var ErrDuplicateHash = errors.New("repository: duplicate content hash")

// SchemaError 表示存储中的字段缺失或类型不符，通常意味着数据损坏或版本不一致。
type SchemaError struct {
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("repository: field %q %s", e.Field, e.Reason)
}

// MissingField 构造字段缺失错误。
func MissingField(field string) error {
	return &SchemaError{Field: field, Reason: "is missing"}
}

// UnexpectedType 构造字段类型错误。
func UnexpectedType(field string, got any) error {
	return &SchemaError{Field: field, Reason: fmt.Sprintf("has unexpected type %v", got)}
}
