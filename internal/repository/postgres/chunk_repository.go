package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"filecenter/internal/migrations"
	"filecenter/internal/repository"
)

// ChunkRepository 实现 repository.ChunkRepository。
type ChunkRepository struct {
	db *sql.DB
}

func NewChunkRepository(db *sql.DB) *ChunkRepository {
	return &ChunkRepository{db: db}
}

func (r *ChunkRepository) EnsureSchema(ctx context.Context) error {
	return migrations.Apply(ctx, r.db)
}

func (r *ChunkRepository) Insert(ctx context.Context, chunk *repository.ChunkRecord) error {
	var expireAt sql.NullTime
	if chunk.ExpireAt != nil {
		expireAt = sql.NullTime{Time: *chunk.ExpireAt, Valid: true}
	}
	var createTime sql.NullTime
	if !chunk.CreateTime.IsZero() {
		createTime = sql.NullTime{Time: chunk.CreateTime, Valid: true}
	}
	data := chunk.Data
	if data == nil {
		data = []byte{}
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, file_id, n, data, expire_at, create_time)
	VALUES ($1, $2, $3, $4, $5, COALESCE($6, now()))`, repository.CollectionFilesChunks)
	if _, err := r.db.ExecContext(ctx, query, chunk.ID[:], chunk.FileID[:], chunk.N, data, expireAt, createTime); err != nil {
		return fmt.Errorf("insert chunk: %w", err)
	}
	return nil
}

// Open 按 n 升序逐行读取，行数据在迭代时才从连接上取回。
func (r *ChunkRepository) Open(ctx context.Context, fileID repository.ID) (repository.ChunkCursor, error) {
	query := fmt.Sprintf(`SELECT n, data FROM %s WHERE file_id = $1 ORDER BY n`, repository.CollectionFilesChunks)
	rows, err := r.db.QueryContext(ctx, query, fileID[:])
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	return &chunkCursor{rows: rows}, nil
}

func (r *ChunkRepository) FileIDs(ctx context.Context) ([]repository.ID, error) {
	query := fmt.Sprintf(`SELECT DISTINCT file_id FROM %s`, repository.CollectionFilesChunks)
	return queryIDs(ctx, r.db, query)
}

func (r *ChunkRepository) Stats(ctx context.Context, ids []repository.ID) ([]repository.ChunkStat, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT file_id, count(*), COALESCE(sum(octet_length(data)), 0), max(create_time)
	FROM %s WHERE file_id = ANY($1) GROUP BY file_id`, repository.CollectionFilesChunks)

	rows, err := r.db.QueryContext(ctx, query, idArray(ids))
	if err != nil {
		return nil, fmt.Errorf("stat chunks: %w", err)
	}
	defer rows.Close()

	var stats []repository.ChunkStat
	for rows.Next() {
		var (
			stat   repository.ChunkStat
			fileID []byte
		)
		if err := rows.Scan(&fileID, &stat.Chunks, &stat.Bytes, &stat.LastWrite); err != nil {
			return nil, fmt.Errorf("scan chunk stat: %w", err)
		}
		if stat.FileID, err = toID("file_id", fileID); err != nil {
			return nil, err
		}
		stat.LastWrite = stat.LastWrite.UTC()
		stats = append(stats, stat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunk stats: %w", err)
	}
	return stats, nil
}

func (r *ChunkRepository) DeleteByFileIDs(ctx context.Context, ids []repository.ID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE file_id = ANY($1)`, repository.CollectionFilesChunks)
	return execCount(ctx, r.db, query, idArray(ids))
}

func (r *ChunkRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE expire_at <= $1`, repository.CollectionFilesChunks)
	return execCount(ctx, r.db, query, now)
}

func (r *ChunkRepository) Drop(ctx context.Context) error {
	return truncate(ctx, r.db, repository.CollectionFilesChunks)
}

type chunkCursor struct {
	rows *sql.Rows
	n    int32
	data []byte
	err  error
}

func (c *chunkCursor) Next(ctx context.Context) bool {
	if c.err != nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		c.err = err
		return false
	}
	if !c.rows.Next() {
		if err := c.rows.Err(); err != nil {
			c.err = fmt.Errorf("iterate chunks: %w", err)
		}
		return false
	}

	var (
		n    int32
		data []byte
	)
	if err := c.rows.Scan(&n, &data); err != nil {
		c.err = fmt.Errorf("scan chunk: %w", err)
		return false
	}
	c.n = n
	c.data = data
	return true
}

func (c *chunkCursor) N() int32 {
	return c.n
}

func (c *chunkCursor) Data() []byte {
	return c.data
}

func (c *chunkCursor) Err() error {
	return c.err
}

func (c *chunkCursor) Close(ctx context.Context) error {
	c.data = nil
	return c.rows.Close()
}
