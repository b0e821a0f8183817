package service

import (
	"context"
	"errors"

	"filecenter/internal/repository"
)

// Delete 释放一个引用并返回文件大小。最后一个引用释放时同时删除记录和分块。
func (fc *FileCenter) Delete(ctx context.Context, id repository.ID) (int64, error) {
	const op = "delete"

	dec, err := fc.files.Decrement(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			deletesTotal.WithLabelValues("not_found").Inc()
			return 0, ErrNotFound
		}
		return 0, storeError(op, err)
	}

	if dec.Count > 0 {
		deletesTotal.WithLabelValues("released").Inc()
		return dec.Size, nil
	}

	deleted, err := fc.files.DeleteExhausted(ctx, id)
	if err != nil {
		return 0, storeError(op, err)
	}
	if deleted && dec.Chunked {
		if _, err := fc.chunks.DeleteByFileIDs(ctx, []repository.ID{id}); err != nil {
			return 0, storeError(op, err)
		}
	}

	deletesTotal.WithLabelValues("removed").Inc()
	return dec.Size, nil
}
