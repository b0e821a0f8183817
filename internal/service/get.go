package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"filecenter/internal/repository"
)

// FileItem 是一次读取的结果。内联内容在 Buffer 中，分块内容通过 Stream 按序读取。
type FileItem struct {
	ID         repository.ID
	Name       string
	MimeType   string
	Size       int64
	CreateTime time.Time
	ExpireAt   *time.Time

	Buffer []byte
	Stream *ChunkStream
}

// IsStream 表示内容是否需要通过 Stream 读取。
func (f *FileItem) IsStream() bool {
	return f.Stream != nil
}

// Reader 以统一的方式返回内容。调用方负责关闭。
func (f *FileItem) Reader() io.ReadCloser {
	if f.Stream != nil {
		return f.Stream
	}
	return io.NopCloser(bytes.NewReader(f.Buffer))
}

// ReadAll 读出全部内容并关闭流。
func (f *FileItem) ReadAll() ([]byte, error) {
	if f.Stream == nil {
		return f.Buffer, nil
	}
	defer f.Stream.Close()

	buf := bytes.NewBuffer(make([]byte, 0, f.Size))
	if _, err := io.Copy(buf, f.Stream); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ChunkStream 按 n 升序惰性读取分块，只能遍历一次，同一时刻只持有一个分块。
// 分块序号不连续或总长度与记录不符时返回包装了 io.ErrUnexpectedEOF 的错误。
type ChunkStream struct {
	ctx     context.Context
	cursor  repository.ChunkCursor
	size    int64
	read    int64
	next    int32
	pending []byte
	err     error
	closed  bool
}

func newChunkStream(ctx context.Context, cursor repository.ChunkCursor, size int64) *ChunkStream {
	return &ChunkStream{ctx: ctx, cursor: cursor, size: size}
}

// NextChunk 返回下一个完整分块，读完后返回 io.EOF。
func (s *ChunkStream) NextChunk() ([]byte, error) {
	if len(s.pending) > 0 {
		chunk := s.pending
		s.pending = nil
		return chunk, nil
	}
	if s.err != nil {
		return nil, s.err
	}
	if s.closed {
		s.err = errors.New("filecenter: read on closed stream")
		return nil, s.err
	}

	if !s.cursor.Next(s.ctx) {
		switch err := s.cursor.Err(); {
		case err != nil:
			s.err = storeError("read chunk", err)
		case s.read != s.size:
			s.err = newError(KindStore, "read chunk",
				fmt.Errorf("read %d of %d bytes: %w", s.read, s.size, io.ErrUnexpectedEOF))
		default:
			s.err = io.EOF
		}
		return nil, s.err
	}

	if n := s.cursor.N(); n != s.next {
		s.err = newError(KindStore, "read chunk",
			fmt.Errorf("expected chunk %d, found %d: %w", s.next, n, io.ErrUnexpectedEOF))
		return nil, s.err
	}
	data := s.cursor.Data()
	s.next++
	s.read += int64(len(data))
	if s.read > s.size {
		s.err = newError(KindStore, "read chunk", fmt.Errorf("chunks exceed the file size %d", s.size))
		return nil, s.err
	}
	return data, nil
}

func (s *ChunkStream) Read(p []byte) (int, error) {
	for len(s.pending) == 0 {
		chunk, err := s.NextChunk()
		if err != nil {
			return 0, err
		}
		s.pending = chunk
	}

	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	if len(s.pending) == 0 {
		s.pending = nil
	}
	return n, nil
}

// Close 释放底层游标。
func (s *ChunkStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.pending = nil
	return s.cursor.Close(context.WithoutCancel(s.ctx))
}

// CheckExists 只探测记录是否存在，不读取内容。
func (fc *FileCenter) CheckExists(ctx context.Context, id repository.ID) (bool, error) {
	exists, err := fc.files.Exists(ctx, id)
	if err != nil {
		return false, storeError("check exists", err)
	}
	return exists, nil
}

// Get 读取文件。临时文件在读取时即被删除，只能成功读取一次。
func (fc *FileCenter) Get(ctx context.Context, id repository.ID) (*FileItem, error) {
	const op = "get"

	record, err := fc.files.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, storeError(op, err)
	}

	if record.Temporary() {
		deleted, err := fc.files.Delete(ctx, id)
		if err != nil {
			return nil, storeError(op, err)
		}
		// 并发读取时只有删除成功的一方拿到内容。
		if !deleted || !record.ExpireAt.After(fc.now()) {
			return nil, ErrNotFound
		}
	}

	item := &FileItem{
		ID:         record.ID,
		Name:       record.Name,
		MimeType:   record.MimeType,
		Size:       record.Size,
		CreateTime: record.CreateTime,
		ExpireAt:   record.ExpireAt,
	}

	if !record.Chunked() {
		item.Buffer = record.Data
		if item.Buffer == nil {
			item.Buffer = []byte{}
		}
		return item, nil
	}

	cursor, err := fc.chunks.Open(ctx, record.ID)
	if err != nil {
		return nil, storeError(op, err)
	}
	item.Stream = newChunkStream(ctx, cursor, record.Size)
	return item, nil
}
