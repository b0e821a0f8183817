package mongodb

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"filecenter/internal/repository"
)

// ChunkRepository 实现 repository.ChunkRepository。
type ChunkRepository struct {
	coll *mongo.Collection
}

func NewChunkRepository(db *mongo.Database) *ChunkRepository {
	return &ChunkRepository{coll: db.Collection(repository.CollectionFilesChunks)}
}

func (r *ChunkRepository) EnsureSchema(ctx context.Context) error {
	models := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: fieldFileID, Value: 1}, {Key: fieldN, Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: fieldExpireAt, Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
	}
	if _, err := r.coll.Indexes().CreateMany(ctx, models); err != nil {
		return fmt.Errorf("create chunk indexes: %w", err)
	}
	return nil
}

func (r *ChunkRepository) Insert(ctx context.Context, chunk *repository.ChunkRecord) error {
	if _, err := r.coll.InsertOne(ctx, encodeChunk(chunk)); err != nil {
		return fmt.Errorf("insert chunk: %w", err)
	}
	return nil
}

// Open 以批大小 1 读取分块，内存中最多只有一个分块。
func (r *ChunkRepository) Open(ctx context.Context, fileID repository.ID) (repository.ChunkCursor, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: fieldN, Value: 1}}).
		SetProjection(bson.D{{Key: fieldN, Value: 1}, {Key: fieldChunkData, Value: 1}}).
		SetBatchSize(1)

	cur, err := r.coll.Find(ctx, chunksOf(fileID), opts)
	if err != nil {
		return nil, fmt.Errorf("find chunks: %w", err)
	}
	return &chunkCursor{cur: cur}, nil
}

func (r *ChunkRepository) FileIDs(ctx context.Context) ([]repository.ID, error) {
	cursor, err := r.coll.Aggregate(ctx, groupByFileID())
	if err != nil {
		return nil, fmt.Errorf("group chunks: %w", err)
	}
	return collectIDs(ctx, cursor)
}

func (r *ChunkRepository) Stats(ctx context.Context, ids []repository.ID) ([]repository.ChunkStat, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cursor, err := r.coll.Aggregate(ctx, chunkStats(ids))
	if err != nil {
		return nil, fmt.Errorf("stat chunks: %w", err)
	}
	defer cursor.Close(ctx)

	var stats []repository.ChunkStat
	for cursor.Next(ctx) {
		stat, err := decodeChunkStat(cursor.Current)
		if err != nil {
			return nil, err
		}
		stats = append(stats, stat)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunk stats: %w", err)
	}
	return stats, nil
}

func (r *ChunkRepository) DeleteByFileIDs(ctx context.Context, ids []repository.ID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := r.coll.DeleteMany(ctx, chunksOfAny(ids))
	if err != nil {
		return 0, fmt.Errorf("delete chunks: %w", err)
	}
	return res.DeletedCount, nil
}

func (r *ChunkRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.coll.DeleteMany(ctx, expiredBefore(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired chunks: %w", err)
	}
	return res.DeletedCount, nil
}

func (r *ChunkRepository) Drop(ctx context.Context) error {
	if err := r.coll.Drop(ctx); err != nil {
		return fmt.Errorf("drop chunks: %w", err)
	}
	return nil
}

type chunkCursor struct {
	cur  *mongo.Cursor
	n    int32
	data []byte
	err  error
}

func (c *chunkCursor) Next(ctx context.Context) bool {
	if c.err != nil {
		return false
	}
	if !c.cur.Next(ctx) {
		if err := c.cur.Err(); err != nil {
			c.err = fmt.Errorf("iterate chunks: %w", err)
		}
		return false
	}

	n, err := intField(c.cur.Current, fieldN)
	if err != nil {
		c.err = err
		return false
	}
	data, err := binaryField(c.cur.Current, fieldChunkData)
	if err != nil {
		c.err = err
		return false
	}
	c.n = int32(n)
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
	return c.cur.Close(ctx)
}
