// Package mongodb 基于 MongoDB 实现元数据、分块与设置存储。
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"filecenter/internal/fingerprint"
	"filecenter/internal/repository"
)

// NewStores 返回同一数据库上的三个存储。
func NewStores(db *mongo.Database) repository.Stores {
	return repository.Stores{
		Files:    NewFileRepository(db),
		Chunks:   NewChunkRepository(db),
		Settings: NewSettingsRepository(db),
	}
}

// FileRepository 实现 repository.FileRepository。
type FileRepository struct {
	coll *mongo.Collection
}

func NewFileRepository(db *mongo.Database) *FileRepository {
	return &FileRepository{coll: db.Collection(repository.CollectionFiles)}
}

func fileIndexes() []mongo.IndexModel {
	hashKeys := bson.D{}
	for _, field := range hashFields {
		hashKeys = append(hashKeys, bson.E{Key: field, Value: 1})
	}

	return []mongo.IndexModel{
		{
			Keys: hashKeys,
			Options: options.Index().
				SetName("hash").
				SetUnique(true).
				SetPartialFilterExpression(bson.D{{Key: hashFields[0], Value: bson.D{{Key: "$exists", Value: true}}}}),
		},
		{Keys: bson.D{{Key: fieldCreateTime, Value: 1}}},
		{Keys: bson.D{{Key: fieldCount, Value: 1}}},
		{Keys: bson.D{{Key: fieldChunkID, Value: 1}}, Options: options.Index().SetSparse(true)},
		{Keys: bson.D{{Key: fieldExpireAt, Value: 1}}, Options: options.Index().SetExpireAfterSeconds(0)},
	}
}

func (r *FileRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.coll.Indexes().CreateMany(ctx, fileIndexes()); err != nil {
		return fmt.Errorf("create file indexes: %w", err)
	}
	return nil
}

func (r *FileRepository) Insert(ctx context.Context, record *repository.FileRecord) error {
	if _, err := r.coll.InsertOne(ctx, encodeFile(record)); err != nil {
		if mongo.IsDuplicateKeyError(err) && record.Hash != nil {
			return repository.ErrDuplicateHash
		}
		return fmt.Errorf("insert file: %w", err)
	}
	return nil
}

func (r *FileRepository) GetByID(ctx context.Context, id repository.ID) (*repository.FileRecord, error) {
	raw, err := r.coll.FindOne(ctx, byID(id)).Raw()
	if err != nil {
		return nil, notFound(err)
	}
	return decodeFile(raw)
}

func (r *FileRepository) Exists(ctx context.Context, id repository.ID) (bool, error) {
	n, err := r.coll.CountDocuments(ctx, byID(id), options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("count file: %w", err)
	}
	return n > 0, nil
}

func (r *FileRepository) IncrementByHash(ctx context.Context, key fingerprint.Key) (*repository.FileRecord, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	raw, err := r.coll.FindOneAndUpdate(ctx, liveByHash(key), incrementCount(1), opts).Raw()
	if err != nil {
		return nil, notFound(err)
	}
	return decodeFile(raw)
}

func (r *FileRepository) Decrement(ctx context.Context, id repository.ID) (*repository.Decrement, error) {
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetProjection(bson.D{
			{Key: fieldCount, Value: 1},
			{Key: fieldSize, Value: 1},
			{Key: fieldChunkID, Value: 1},
		})
	raw, err := r.coll.FindOneAndUpdate(ctx, byID(id), incrementCount(-1), opts).Raw()
	if err != nil {
		return nil, notFound(err)
	}

	count, err := intField(raw, fieldCount)
	if err != nil {
		return nil, err
	}
	size, err := intField(raw, fieldSize)
	if err != nil {
		return nil, err
	}
	_, chunked := lookup(raw, fieldChunkID)
	return &repository.Decrement{Count: int32(count), Size: size, Chunked: chunked}, nil
}

func (r *FileRepository) DeleteExhausted(ctx context.Context, id repository.ID) (bool, error) {
	res, err := r.coll.DeleteOne(ctx, exhaustedByID(id))
	if err != nil {
		return false, fmt.Errorf("delete exhausted file: %w", err)
	}
	return res.DeletedCount > 0, nil
}

func (r *FileRepository) DeleteExhaustedByHash(ctx context.Context, key fingerprint.Key) (*repository.FileRecord, error) {
	raw, err := r.coll.FindOneAndDelete(ctx, exhaustedByHash(key)).Raw()
	if err != nil {
		return nil, notFound(err)
	}
	return decodeFile(raw)
}

func (r *FileRepository) Delete(ctx context.Context, id repository.ID) (bool, error) {
	res, err := r.coll.DeleteOne(ctx, byID(id))
	if err != nil {
		return false, fmt.Errorf("delete file: %w", err)
	}
	return res.DeletedCount > 0, nil
}

func (r *FileRepository) ChunkedIDs(ctx context.Context) ([]repository.ID, error) {
	return r.findIDs(ctx, chunked())
}

func (r *FileRepository) ExhaustedIDs(ctx context.Context) ([]repository.ID, error) {
	return r.findIDs(ctx, exhausted())
}

func (r *FileRepository) DeleteMany(ctx context.Context, ids []repository.ID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := r.coll.DeleteMany(ctx, byIDs(ids))
	if err != nil {
		return 0, fmt.Errorf("delete files: %w", err)
	}
	return res.DeletedCount, nil
}

// DeleteExpired 兜底清理；TTL 索引通常已经先一步删除了这些记录。
func (r *FileRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.coll.DeleteMany(ctx, expiredBefore(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired files: %w", err)
	}
	return res.DeletedCount, nil
}

func (r *FileRepository) Drop(ctx context.Context) error {
	if err := r.coll.Drop(ctx); err != nil {
		return fmt.Errorf("drop files: %w", err)
	}
	return nil
}

func (r *FileRepository) findIDs(ctx context.Context, filter bson.D) ([]repository.ID, error) {
	cursor, err := r.coll.Find(ctx, filter, options.Find().SetProjection(idOnly()))
	if err != nil {
		return nil, fmt.Errorf("find file ids: %w", err)
	}
	return collectIDs(ctx, cursor)
}

func collectIDs(ctx context.Context, cursor *mongo.Cursor) ([]repository.ID, error) {
	defer cursor.Close(ctx)

	var ids []repository.ID
	for cursor.Next(ctx) {
		id, err := objectIDField(cursor.Current, fieldID)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate ids: %w", err)
	}
	return ids, nil
}

func notFound(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return repository.ErrNotFound
	}
	return err
}
