// Package postgres 基于 PostgreSQL 实现元数据、分块与设置存储。
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"filecenter/internal/fingerprint"
	"filecenter/internal/migrations"
	"filecenter/internal/repository"
)

const (
	uniqueViolation = "23505"
	hashIndexName   = "file_center_hash_idx"
)

// NewStores 返回共享同一个连接池的三个存储。
func NewStores(db *sql.DB) repository.Stores {
	return repository.Stores{
		Files:    NewFileRepository(db),
		Chunks:   NewChunkRepository(db),
		Settings: NewSettingsRepository(db),
	}
}

// NewFileRepository 返回基于 *sql.DB 的 Postgres 实现。
func NewFileRepository(db *sql.DB) *FileRepository {
	return &FileRepository{db: db}
}

// FileRepository 实现 repository.FileRepository。
type FileRepository struct {
	db *sql.DB
}

var fileColumns = []string{
	"id",
	"hash_1",
	"hash_2",
	"hash_3",
	"hash_4",
	"file_size",
	"file_name",
	"mime_type",
	"create_time",
	"expire_at",
	"count",
	"file_data",
	"chunk_id",
}

var fileSelect = strings.Join(fileColumns, ",")

// EnsureSchema 执行内嵌迁移。
func (r *FileRepository) EnsureSchema(ctx context.Context) error {
	return migrations.Apply(ctx, r.db)
}

// Insert 插入记录；命中哈希唯一索引时返回 ErrDuplicateHash。
func (r *FileRepository) Insert(ctx context.Context, record *repository.FileRecord) error {
	if record == nil {
		return fmt.Errorf("file record is nil")
	}

	placeholders := make([]string, len(fileColumns))
	for i := range fileColumns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		repository.CollectionFiles, fileSelect, strings.Join(placeholders, ","))

	var hash [4]sql.NullInt64
	if record.Hash != nil {
		for i, v := range record.Hash {
			hash[i] = sql.NullInt64{Int64: v, Valid: true}
		}
	}

	var expireAt sql.NullTime
	if record.ExpireAt != nil {
		expireAt = sql.NullTime{Time: *record.ExpireAt, Valid: true}
	}

	var data, chunkID any
	if record.ChunkID != nil {
		chunkID = record.ChunkID[:]
	} else {
		inline := record.Data
		if inline == nil {
			inline = []byte{}
		}
		data = inline
	}

	_, err := r.db.ExecContext(ctx, query,
		record.ID[:],
		hash[0], hash[1], hash[2], hash[3],
		record.Size,
		record.Name,
		record.MimeType,
		record.CreateTime,
		expireAt,
		record.Count,
		data,
		chunkID,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == hashIndexName {
			return repository.ErrDuplicateHash
		}
		return fmt.Errorf("insert file: %w", err)
	}
	return nil
}

// GetByID 通过主键查询文件记录。
func (r *FileRepository) GetByID(ctx context.Context, id repository.ID) (*repository.FileRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, fileSelect, repository.CollectionFiles)
	return scanFileRecord(r.db.QueryRowContext(ctx, query, id[:]))
}

func (r *FileRepository) Exists(ctx context.Context, id repository.ID) (bool, error) {
	var exists bool
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, repository.CollectionFiles)
	if err := r.db.QueryRowContext(ctx, query, id[:]).Scan(&exists); err != nil {
		return false, fmt.Errorf("check file: %w", err)
	}
	return exists, nil
}

// IncrementByHash 在单条 UPDATE 中完成匹配与加一，count <= 0 的记录不会被复活。
func (r *FileRepository) IncrementByHash(ctx context.Context, key fingerprint.Key) (*repository.FileRecord, error) {
	query := fmt.Sprintf(`UPDATE %s SET count = count + 1
	WHERE hash_1 = $1 AND hash_2 = $2 AND hash_3 = $3 AND hash_4 = $4 AND count > 0
	RETURNING %s`, repository.CollectionFiles, fileSelect)
	return scanFileRecord(r.db.QueryRowContext(ctx, query, key[0], key[1], key[2], key[3]))
}

func (r *FileRepository) Decrement(ctx context.Context, id repository.ID) (*repository.Decrement, error) {
	query := fmt.Sprintf(`UPDATE %s SET count = count - 1 WHERE id = $1
	RETURNING count, file_size, chunk_id IS NOT NULL`, repository.CollectionFiles)

	var dec repository.Decrement
	err := r.db.QueryRowContext(ctx, query, id[:]).Scan(&dec.Count, &dec.Size, &dec.Chunked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("decrement file: %w", err)
	}
	return &dec, nil
}

func (r *FileRepository) DeleteExhausted(ctx context.Context, id repository.ID) (bool, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1 AND count <= 0`, repository.CollectionFiles)
	n, err := execCount(ctx, r.db, query, id[:])
	return n > 0, err
}

// DeleteExhaustedByHash 删除占着哈希索引但计数已耗尽的记录。
func (r *FileRepository) DeleteExhaustedByHash(ctx context.Context, key fingerprint.Key) (*repository.FileRecord, error) {
	query := fmt.Sprintf(`DELETE FROM %s
	WHERE hash_1 = $1 AND hash_2 = $2 AND hash_3 = $3 AND hash_4 = $4 AND count <= 0
	RETURNING %s`, repository.CollectionFiles, fileSelect)
	return scanFileRecord(r.db.QueryRowContext(ctx, query, key[0], key[1], key[2], key[3]))
}

func (r *FileRepository) Delete(ctx context.Context, id repository.ID) (bool, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, repository.CollectionFiles)
	n, err := execCount(ctx, r.db, query, id[:])
	return n > 0, err
}

func (r *FileRepository) ChunkedIDs(ctx context.Context) ([]repository.ID, error) {
	query := fmt.Sprintf(`SELECT id FROM %s WHERE chunk_id IS NOT NULL`, repository.CollectionFiles)
	return queryIDs(ctx, r.db, query)
}

func (r *FileRepository) ExhaustedIDs(ctx context.Context) ([]repository.ID, error) {
	query := fmt.Sprintf(`SELECT id FROM %s WHERE count <= 0`, repository.CollectionFiles)
	return queryIDs(ctx, r.db, query)
}

func (r *FileRepository) DeleteMany(ctx context.Context, ids []repository.ID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ANY($1)`, repository.CollectionFiles)
	return execCount(ctx, r.db, query, idArray(ids))
}

// DeleteExpired 删除过期记录；Postgres 没有 TTL 索引，依赖清理器定期调用。
func (r *FileRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE expire_at <= $1`, repository.CollectionFiles)
	return execCount(ctx, r.db, query, now)
}

// Drop 清空表，表结构由迁移维护。
func (r *FileRepository) Drop(ctx context.Context) error {
	return truncate(ctx, r.db, repository.CollectionFiles)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFileRecord(rs rowScanner) (*repository.FileRecord, error) {
	var (
		rec      repository.FileRecord
		id       []byte
		hash     [4]sql.NullInt64
		expireAt sql.NullTime
		data     sql.Null[[]byte]
		chunkID  []byte
	)

	if err := rs.Scan(
		&id,
		&hash[0], &hash[1], &hash[2], &hash[3],
		&rec.Size,
		&rec.Name,
		&rec.MimeType,
		&rec.CreateTime,
		&expireAt,
		&rec.Count,
		&data,
		&chunkID,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan file: %w", err)
	}

	var err error
	if rec.ID, err = toID("id", id); err != nil {
		return nil, err
	}
	rec.CreateTime = rec.CreateTime.UTC()

	if hash[0].Valid {
		var key fingerprint.Key
		for i, v := range hash {
			if !v.Valid {
				return nil, repository.MissingField(fmt.Sprintf("hash_%d", i+1))
			}
			key[i] = v.Int64
		}
		rec.Hash = &key
	}

	if expireAt.Valid {
		t := expireAt.Time.UTC()
		rec.ExpireAt = &t
	}

	switch {
	case chunkID != nil:
		cid, err := toID("chunk_id", chunkID)
		if err != nil {
			return nil, err
		}
		rec.ChunkID = &cid
	case data.Valid:
		rec.Data = data.V
		if rec.Data == nil {
			rec.Data = []byte{}
		}
	default:
		return nil, repository.MissingField("file_data")
	}

	return &rec, nil
}

func toID(field string, b []byte) (repository.ID, error) {
	var id repository.ID
	if len(b) != len(id) {
		return id, repository.UnexpectedType(field, fmt.Sprintf("%d-byte value", len(b)))
	}
	copy(id[:], b)
	return id, nil
}

func idArray(ids []repository.ID) [][]byte {
	out := make([][]byte, len(ids))
	for i := range ids {
		out[i] = ids[i][:]
	}
	return out
}

func queryIDs(ctx context.Context, db *sql.DB, query string, args ...any) ([]repository.ID, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ids: %w", err)
	}
	defer rows.Close()

	var ids []repository.ID
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		id, err := toID("id", raw)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

func execCount(ctx context.Context, db *sql.DB, query string, args ...any) (int64, error) {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func truncate(ctx context.Context, db *sql.DB, table string) error {
	if _, err := db.ExecContext(ctx, fmt.Sprintf(`TRUNCATE TABLE %s`, table)); err != nil {
		var pgErr *pgconn.PgError
		// 表尚未创建时视为已清空。
		if errors.As(err, &pgErr) && pgErr.Code == "42P01" {
			return nil
		}
		return fmt.Errorf("truncate %s: %w", table, err)
	}
	return nil
}
