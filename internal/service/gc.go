package service

import (
	"context"

	"filecenter/internal/repository"
)

// GCResult 是一次垃圾回收各阶段删除的数量。
type GCResult struct {
	DanglingFiles  int64 `json:"dangling_files"`
	ExhaustedFiles int64 `json:"exhausted_files"`
	OrphanedChunks int64 `json:"orphaned_chunks"`
}

// ClearGarbage 依次清理：没有分块的分块记录、计数耗尽的记录、没有记录的分块。
// 每个阶段都是幂等的，可以与正常读写并发执行。
func (fc *FileCenter) ClearGarbage(ctx context.Context) (GCResult, error) {
	const op = "clear garbage"
	var result GCResult

	// 1. 悬空记录
	chunked, err := fc.files.ChunkedIDs(ctx)
	if err != nil {
		return result, storeError(op, err)
	}
	owners, err := fc.chunks.FileIDs(ctx)
	if err != nil {
		return result, storeError(op, err)
	}
	ownerSet := repository.IDSet(owners)

	var dangling []repository.ID
	for _, id := range chunked {
		if _, ok := ownerSet[id]; !ok {
			dangling = append(dangling, id)
		}
	}
	if len(dangling) > 0 {
		if result.DanglingFiles, err = fc.files.DeleteMany(ctx, dangling); err != nil {
			return result, storeError(op, err)
		}
	}

	// 2. 计数耗尽
	exhausted, err := fc.files.ExhaustedIDs(ctx)
	if err != nil {
		return result, storeError(op, err)
	}
	if len(exhausted) > 0 {
		if result.ExhaustedFiles, err = fc.files.DeleteMany(ctx, exhausted); err != nil {
			return result, storeError(op, err)
		}
		if _, err := fc.chunks.DeleteByFileIDs(ctx, exhausted); err != nil {
			return result, storeError(op, err)
		}
	}

	// 3. 孤立分块。依次读分块归属、本进程写入中的标识、分块记录：
	// 读取期间完成插入的记录要么已在记录集合里，要么仍登记为写入中。
	owners, err = fc.chunks.FileIDs(ctx)
	if err != nil {
		return result, storeError(op, err)
	}
	inflight := fc.uploads.snapshot()
	chunked, err = fc.files.ChunkedIDs(ctx)
	if err != nil {
		return result, storeError(op, err)
	}
	chunkedSet := repository.IDSet(chunked)

	var candidates []repository.ID
	for _, id := range owners {
		if _, ok := chunkedSet[id]; ok {
			continue
		}
		if _, ok := inflight[id]; ok {
			continue
		}
		candidates = append(candidates, id)
	}
	orphaned, err := fc.pastGrace(ctx, candidates)
	if err != nil {
		return result, storeError(op, err)
	}
	if len(orphaned) > 0 {
		if result.OrphanedChunks, err = fc.chunks.DeleteByFileIDs(ctx, orphaned); err != nil {
			return result, storeError(op, err)
		}
	}

	gcRemovedTotal.WithLabelValues("dangling").Add(float64(result.DanglingFiles))
	gcRemovedTotal.WithLabelValues("exhausted").Add(float64(result.ExhaustedFiles))
	gcRemovedTotal.WithLabelValues("orphaned").Add(float64(result.OrphanedChunks))

	fc.logger.Info("garbage collected",
		"dangling_files", result.DanglingFiles,
		"exhausted_files", result.ExhaustedFiles,
		"orphaned_chunks", result.OrphanedChunks,
	)
	return result, nil
}

// pastGrace 过滤掉宽限期内仍有分块写入的文件。
// 以最新分块的写入时间为准，长时间的流式写入在写完前不会过期。
func (fc *FileCenter) pastGrace(ctx context.Context, ids []repository.ID) ([]repository.ID, error) {
	if fc.gcGrace <= 0 || len(ids) == 0 {
		return ids, nil
	}

	stats, err := fc.chunks.Stats(ctx, ids)
	if err != nil {
		return nil, err
	}
	cutoff := fc.now().Add(-fc.gcGrace)

	recent := make(map[repository.ID]struct{}, len(stats))
	for _, st := range stats {
		if st.LastWrite.After(cutoff) {
			recent[st.FileID] = struct{}{}
		}
	}

	expired := ids[:0]
	for _, id := range ids {
		if _, ok := recent[id]; !ok {
			expired = append(expired, id)
		}
	}
	return expired, nil
}
