package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"filecenter/internal/fingerprint"
	"filecenter/internal/repository"
)

// fileMeta 是写入时由调用方提供的描述信息。
type fileMeta struct {
	name     string
	mimeType string
}

// PutByPath 存入本地文件。name 为空时取路径的文件名，mimeType 为空时按扩展名推断。
func (fc *FileCenter) PutByPath(ctx context.Context, path, name, mimeType string) (repository.ID, error) {
	return fc.putByPath(ctx, path, name, mimeType, false)
}

// PutByPathTemporarily 以临时文件方式存入本地文件，不参与去重。
func (fc *FileCenter) PutByPathTemporarily(ctx context.Context, path, name, mimeType string) (repository.ID, error) {
	return fc.putByPath(ctx, path, name, mimeType, true)
}

// PutByBuffer 存入内存中的内容。
func (fc *FileCenter) PutByBuffer(ctx context.Context, data []byte, name, mimeType string) (repository.ID, error) {
	return fc.putByBuffer(ctx, data, fileMeta{name: name, mimeType: resolveMimeType(mimeType, name)}, false)
}

// PutByBufferTemporarily 以临时文件方式存入内存中的内容。
func (fc *FileCenter) PutByBufferTemporarily(ctx context.Context, data []byte, name, mimeType string) (repository.ID, error) {
	return fc.putByBuffer(ctx, data, fileMeta{name: name, mimeType: resolveMimeType(mimeType, name)}, true)
}

// PutByReader 以流的方式存入内容，内存中最多保留阈值加一字节的预读数据和一个分块。
func (fc *FileCenter) PutByReader(ctx context.Context, r io.Reader, name, mimeType string) (repository.ID, error) {
	return fc.putByReader(ctx, r, fileMeta{name: name, mimeType: resolveMimeType(mimeType, name)}, false)
}

// PutByReaderTemporarily 以临时文件方式存入流。
func (fc *FileCenter) PutByReaderTemporarily(ctx context.Context, r io.Reader, name, mimeType string) (repository.ID, error) {
	return fc.putByReader(ctx, r, fileMeta{name: name, mimeType: resolveMimeType(mimeType, name)}, true)
}

func (fc *FileCenter) putByPath(ctx context.Context, path, name, mimeType string, temporary bool) (repository.ID, error) {
	const op = "put by path"

	file, err := os.Open(path)
	if err != nil {
		return repository.ID{}, ioError(op, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return repository.ID{}, ioError(op, err)
	}
	if info.IsDir() {
		return repository.ID{}, ioError(op, fmt.Errorf("%s is a directory", path))
	}

	if name == "" {
		name = filepath.Base(path)
	}
	meta := fileMeta{name: name, mimeType: resolveMimeType(mimeType, name)}
	threshold := fc.threshold.Load()
	chunked := info.Size() > threshold

	if temporary {
		if chunked {
			return fc.insertTemporaryChunked(ctx, op, file, meta, threshold)
		}
		data, err := io.ReadAll(file)
		if err != nil {
			return repository.ID{}, ioError(op, err)
		}
		return fc.insertTemporaryInline(ctx, op, data, meta)
	}

	key, _, err := fingerprint.SumReader(fc.hasher, withContext(ctx, file))
	if err != nil {
		return repository.ID{}, ioError(op, err)
	}

	id, done := fc.trackUpload()
	defer done()

	return fc.dedupOrInsert(ctx, op, key, nil, func() (*candidate, error) {
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return nil, ioError(op, err)
		}
		if chunked {
			return fc.writeCandidate(ctx, op, id, withContext(ctx, file), &key, meta, threshold)
		}
		data, err := io.ReadAll(withContext(ctx, file))
		if err != nil {
			return nil, ioError(op, err)
		}
		return &candidate{record: fc.newInlineRecord(&key, data, meta, nil)}, nil
	})
}

func (fc *FileCenter) putByBuffer(ctx context.Context, data []byte, meta fileMeta, temporary bool) (repository.ID, error) {
	const op = "put by buffer"

	threshold := fc.threshold.Load()
	chunked := int64(len(data)) > threshold

	if temporary {
		if chunked {
			return fc.insertTemporaryChunked(ctx, op, bytes.NewReader(data), meta, threshold)
		}
		return fc.insertTemporaryInline(ctx, op, data, meta)
	}

	key, err := fingerprint.SumBytes(fc.hasher, data)
	if err != nil {
		return repository.ID{}, ioError(op, err)
	}

	id, done := fc.trackUpload()
	defer done()

	return fc.dedupOrInsert(ctx, op, key, nil, func() (*candidate, error) {
		if chunked {
			return fc.writeCandidate(ctx, op, id, bytes.NewReader(data), &key, meta, threshold)
		}
		return &candidate{record: fc.newInlineRecord(&key, data, meta, nil)}, nil
	})
}

func (fc *FileCenter) putByReader(ctx context.Context, r io.Reader, meta fileMeta, temporary bool) (repository.ID, error) {
	const op = "put by reader"

	threshold := fc.threshold.Load()
	r = withContext(ctx, r)

	decision, head, err := lookahead(r, threshold)
	if err != nil {
		return repository.ID{}, ioError(op, err)
	}

	switch decision {
	case decisionInline:
		if temporary {
			return fc.insertTemporaryInline(ctx, op, head, meta)
		}
		key, err := fingerprint.SumBytes(fc.hasher, head)
		if err != nil {
			return repository.ID{}, ioError(op, err)
		}
		return fc.dedupOrInsert(ctx, op, key, nil, func() (*candidate, error) {
			return &candidate{record: fc.newInlineRecord(&key, head, meta, nil)}, nil
		})
	default:
		source := io.MultiReader(bytes.NewReader(head), r)
		if temporary {
			return fc.insertTemporaryChunked(ctx, op, source, meta, threshold)
		}

		// 分块先于指纹落地，去重命中时再删除这些分块。
		id, done := fc.trackUpload()
		defer done()

		h := fc.hasher()
		set, err := fc.writeChunks(ctx, op, id, io.TeeReader(source, h), threshold, nil)
		if err != nil {
			return repository.ID{}, err
		}
		key, err := fingerprint.Finish(h)
		if err != nil {
			fc.discardChunks(ctx, id)
			return repository.ID{}, ioError(op, err)
		}
		cand := &candidate{
			record: fc.newRecord(id, &key, set.size, meta, nil, &set.firstID),
			chunks: set.chunks,
		}
		return fc.dedupOrInsert(ctx, op, key, cand, nil)
	}
}

// candidate 是等待插入的记录。分块记录带上写入的分块数，插入后据此核对。
type candidate struct {
	record *repository.FileRecord
	chunks int32
}

func (c *candidate) kind() string {
	if c == nil {
		return kindInline
	}
	return recordKind(c.record)
}

// writeCandidate 把内容写成 id 名下的分块，返回对应的记录。
func (fc *FileCenter) writeCandidate(
	ctx context.Context,
	op string,
	id repository.ID,
	r io.Reader,
	key *fingerprint.Key,
	meta fileMeta,
	chunkSize int64,
) (*candidate, error) {
	set, err := fc.writeChunks(ctx, op, id, r, chunkSize, nil)
	if err != nil {
		return nil, err
	}
	return &candidate{
		record: fc.newRecord(id, key, set.size, meta, nil, &set.firstID),
		chunks: set.chunks,
	}, nil
}

// dedupOrInsert 先尝试对已有内容加引用，未命中再插入新记录。
// prepared 是已经写好分块的记录；为 nil 时在首次未命中后调用 materialize 生成记录。
func (fc *FileCenter) dedupOrInsert(
	ctx context.Context,
	op string,
	key fingerprint.Key,
	prepared *candidate,
	materialize func() (*candidate, error),
) (repository.ID, error) {
	cand := prepared
	retry := newDedupBackoff()

	fail := func(err error) (repository.ID, error) {
		if cand != nil && cand.record.Chunked() {
			fc.discardChunks(ctx, cand.record.ID)
		}
		putsTotal.WithLabelValues(cand.kind(), outcomeFailed).Inc()
		return repository.ID{}, err
	}

	for attempt := 0; attempt < maxDedupAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepContext(ctx, retry.NextBackOff()); err != nil {
				return fail(ioError(op, err))
			}
		}

		existing, err := fc.files.IncrementByHash(ctx, key)
		if err == nil {
			if cand != nil && cand.record.Chunked() {
				fc.discardChunks(ctx, cand.record.ID)
			}
			putsTotal.WithLabelValues(recordKind(existing), outcomeHit).Inc()
			fc.logger.Debug("deduplicated put", "op", op, "id", existing.ID.Hex(), "count", existing.Count)
			return existing.ID, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return fail(storeError(op, err))
		}

		if cand == nil {
			cand, err = materialize()
			if err != nil {
				return fail(err)
			}
		}

		err = fc.files.Insert(ctx, cand.record)
		if err == nil {
			if err := fc.verifyChunks(ctx, op, cand); err != nil {
				return fail(err)
			}
			putsTotal.WithLabelValues(cand.kind(), outcomeInserted).Inc()
			ingestedBytesTotal.Add(float64(cand.record.Size))
			return cand.record.ID, nil
		}
		if !errors.Is(err, repository.ErrDuplicateHash) {
			return fail(storeError(op, err))
		}

		// 加引用没有命中而哈希已被占用：占用者要么刚被别的写入插入，
		// 要么是计数已耗尽、还没来得及删除的记录。后者直接删掉。
		if err := fc.clearExhausted(ctx, op, key); err != nil {
			return fail(err)
		}
		fc.logger.Debug("hash already taken, retrying", "op", op, "attempt", attempt+1)
	}

	return fail(newError(KindStore, op, errDedupContention))
}

// clearExhausted 删除占着哈希、计数已耗尽的记录及其分块。
func (fc *FileCenter) clearExhausted(ctx context.Context, op string, key fingerprint.Key) error {
	stale, err := fc.files.DeleteExhaustedByHash(ctx, key)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return storeError(op, err)
	}

	fc.logger.Debug("removed exhausted record", "op", op, "id", stale.ID.Hex())
	if stale.Chunked() {
		fc.discardChunks(ctx, stale.ID)
	}
	return nil
}

// verifyChunks 在分块记录插入后核对分块数与字节数。
// 不一致说明写入期间分块被删除，此时撤回记录，不留下指向残缺内容的记录。
func (fc *FileCenter) verifyChunks(ctx context.Context, op string, cand *candidate) error {
	record := cand.record
	if !record.Chunked() {
		return nil
	}

	stats, err := fc.chunks.Stats(ctx, []repository.ID{record.ID})
	if err == nil && len(stats) == 1 && stats[0].Chunks == int64(cand.chunks) && stats[0].Bytes == record.Size {
		return nil
	}

	cleanupCtx, cancel := cleanupContext(ctx)
	defer cancel()
	if _, derr := fc.files.Delete(cleanupCtx, record.ID); derr != nil {
		fc.logger.Error("failed to withdraw record", "op", op, "id", record.ID.Hex(), "error", derr)
	}

	if err != nil {
		return storeError(op, err)
	}
	var gotChunks, gotBytes int64
	if len(stats) == 1 {
		gotChunks, gotBytes = stats[0].Chunks, stats[0].Bytes
	}
	fc.logger.Warn("chunks changed during write",
		"op", op,
		"file_id", record.ID.Hex(),
		"want_chunks", cand.chunks,
		"want_bytes", record.Size,
		"chunks", gotChunks,
		"bytes", gotBytes,
	)
	return newError(KindStore, op, errIncompleteChunks)
}

// newDedupBackoff 返回去重重试之间的等待策略，指数增长并带抖动。
// 次数由 maxDedupAttempts 限制，这里不设总时长。
func newDedupBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryBaseDelay
	b.MaxInterval = retryMaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (fc *FileCenter) insertTemporaryInline(ctx context.Context, op string, data []byte, meta fileMeta) (repository.ID, error) {
	now := fc.now().UTC()
	expireAt := now.Add(TemporaryLifeTime)

	record := fc.newInlineRecord(nil, data, meta, &expireAt)
	record.CreateTime = now
	if err := fc.files.Insert(ctx, record); err != nil {
		putsTotal.WithLabelValues(kindInline, outcomeFailed).Inc()
		return repository.ID{}, storeError(op, err)
	}

	putsTotal.WithLabelValues(kindInline, outcomeTemporary).Inc()
	ingestedBytesTotal.Add(float64(record.Size))
	return record.ID, nil
}

func (fc *FileCenter) insertTemporaryChunked(ctx context.Context, op string, r io.Reader, meta fileMeta, threshold int64) (repository.ID, error) {
	now := fc.now().UTC()
	expireAt := now.Add(TemporaryLifeTime)
	chunkExpireAt := now.Add(TemporaryChunkLifeTime)

	id, done := fc.trackUpload()
	defer done()

	set, err := fc.writeChunks(ctx, op, id, withContext(ctx, r), threshold, &chunkExpireAt)
	if err != nil {
		putsTotal.WithLabelValues(kindChunked, outcomeFailed).Inc()
		return repository.ID{}, err
	}

	record := fc.newRecord(id, nil, set.size, meta, &expireAt, &set.firstID)
	record.CreateTime = now
	err = fc.files.Insert(ctx, record)
	if err != nil {
		err = storeError(op, err)
	} else {
		err = fc.verifyChunks(ctx, op, &candidate{record: record, chunks: set.chunks})
	}
	if err != nil {
		fc.discardChunks(ctx, id)
		putsTotal.WithLabelValues(kindChunked, outcomeFailed).Inc()
		return repository.ID{}, err
	}

	putsTotal.WithLabelValues(kindChunked, outcomeTemporary).Inc()
	ingestedBytesTotal.Add(float64(set.size))
	return id, nil
}

// chunkSet 描述一次写入产生的分块。
type chunkSet struct {
	firstID repository.ID
	chunks  int32
	size    int64
}

// writeChunks 把 r 切成 chunkSize 大小的分块写入分块存储。
// 出错时已写入的分块会被尽力删除。
func (fc *FileCenter) writeChunks(
	ctx context.Context,
	op string,
	fileID repository.ID,
	r io.Reader,
	chunkSize int64,
	expireAt *time.Time,
) (chunkSet, error) {
	uploadID := uuid.NewString()
	w := newChunkWriter(ctx, fc.chunks, fileID, int(chunkSize), expireAt)
	w.now = fc.now

	_, err := io.Copy(w, r)
	if err == nil {
		err = w.Close()
	}
	if err != nil {
		fc.discardChunks(ctx, fileID)
		fc.logger.Warn("chunked write aborted",
			"op", op,
			"upload_id", uploadID,
			"file_id", fileID.Hex(),
			"chunks", w.n,
			"error", err,
		)
		if w.err != nil {
			return chunkSet{}, storeError(op, w.err)
		}
		return chunkSet{}, ioError(op, err)
	}

	fc.logger.Debug("chunked write finished",
		"op", op,
		"upload_id", uploadID,
		"file_id", fileID.Hex(),
		"chunks", w.n,
		"bytes", w.total,
	)
	return chunkSet{firstID: w.firstID, chunks: w.n, size: w.total}, nil
}

// discardChunks 尽力删除某个文件的全部分块，失败只记录日志。
func (fc *FileCenter) discardChunks(ctx context.Context, fileID repository.ID) {
	cleanupCtx, cancel := cleanupContext(ctx)
	defer cancel()

	if _, err := fc.chunks.DeleteByFileIDs(cleanupCtx, []repository.ID{fileID}); err != nil {
		fc.logger.Warn("failed to discard chunks", "file_id", fileID.Hex(), "error", err)
	}
}

func (fc *FileCenter) newInlineRecord(key *fingerprint.Key, data []byte, meta fileMeta, expireAt *time.Time) *repository.FileRecord {
	if data == nil {
		data = []byte{}
	}
	record := fc.newRecord(repository.NewID(), key, int64(len(data)), meta, expireAt, nil)
	record.Data = data
	return record
}

func (fc *FileCenter) newRecord(id repository.ID, key *fingerprint.Key, size int64, meta fileMeta, expireAt *time.Time, chunkID *repository.ID) *repository.FileRecord {
	return &repository.FileRecord{
		ID:         id,
		Hash:       key,
		Size:       size,
		Name:       meta.name,
		MimeType:   meta.mimeType,
		CreateTime: fc.now().UTC(),
		ExpireAt:   expireAt,
		Count:      1,
		ChunkID:    chunkID,
	}
}

func recordKind(record *repository.FileRecord) string {
	if record != nil && record.Chunked() {
		return kindChunked
	}
	return kindInline
}

// sizeDecision 是预读之后对存储形态的判断。
type sizeDecision int

const (
	decisionInline sizeDecision = iota
	decisionChunked
)

// lookahead 读取至多 threshold+1 字节。读满说明内容超过阈值，需要分块。
func lookahead(r io.Reader, threshold int64) (sizeDecision, []byte, error) {
	buf := make([]byte, threshold+1)
	n, err := io.ReadFull(r, buf)
	switch {
	case err == nil:
		return decisionChunked, buf, nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return decisionInline, buf[:n], nil
	default:
		return decisionInline, nil, err
	}
}

// chunkWriter 把写入的字节累积成固定大小的分块，依次写入分块存储。
type chunkWriter struct {
	ctx      context.Context
	chunks   repository.ChunkRepository
	fileID   repository.ID
	size     int
	expireAt *time.Time
	now      func() time.Time

	buf     []byte
	n       int32
	total   int64
	firstID repository.ID
	err     error
}

func newChunkWriter(ctx context.Context, chunks repository.ChunkRepository, fileID repository.ID, size int, expireAt *time.Time) *chunkWriter {
	return &chunkWriter{
		ctx:      ctx,
		chunks:   chunks,
		fileID:   fileID,
		size:     size,
		expireAt: expireAt,
		now:      time.Now,
		buf:      make([]byte, 0, size),
	}
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}

	written := 0
	for len(p) > 0 {
		take := min(w.size-len(w.buf), len(p))
		w.buf = append(w.buf, p[:take]...)
		p = p[take:]
		written += take

		if len(w.buf) == w.size {
			if err := w.flush(); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// Close 写出剩余数据。即使内容为空也保证 n=0 的分块存在。
func (w *chunkWriter) Close() error {
	if w.err != nil {
		return w.err
	}
	if len(w.buf) > 0 || w.n == 0 {
		return w.flush()
	}
	return nil
}

func (w *chunkWriter) flush() error {
	chunk := &repository.ChunkRecord{
		ID:         repository.NewID(),
		FileID:     w.fileID,
		N:          w.n,
		Data:       w.buf,
		ExpireAt:   w.expireAt,
		CreateTime: w.now().UTC(),
	}
	if err := w.chunks.Insert(w.ctx, chunk); err != nil {
		w.err = fmt.Errorf("insert chunk %d: %w", w.n, err)
		return w.err
	}

	if w.n == 0 {
		w.firstID = chunk.ID
	}
	w.n++
	w.total += int64(len(w.buf))
	w.buf = w.buf[:0]
	return nil
}

// contextReader 在每次读取前检查上下文，使长时间的流式写入可以被取消。
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func withContext(ctx context.Context, r io.Reader) io.Reader {
	return &contextReader{ctx: ctx, r: r}
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
