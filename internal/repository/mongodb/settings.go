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

// SettingsRepository 实现 repository.SettingsRepository，每个设置项一个文档。
type SettingsRepository struct {
	coll *mongo.Collection
}

func NewSettingsRepository(db *mongo.Database) *SettingsRepository {
	return &SettingsRepository{coll: db.Collection(repository.CollectionSettings)}
}

func (r *SettingsRepository) EnsureSchema(ctx context.Context) error {
	return nil
}

func (r *SettingsRepository) InitInt(ctx context.Context, key string, value int64) (int64, error) {
	v, err := r.init(ctx, key, value)
	if err != nil {
		return 0, err
	}
	return intValue(key, v)
}

func (r *SettingsRepository) InitTime(ctx context.Context, key string, value time.Time) (time.Time, error) {
	v, err := r.init(ctx, key, value)
	if err != nil {
		return time.Time{}, err
	}
	return timeValue(key, v)
}

// init 以 $setOnInsert 写入默认值，并发初始化时所有调用方读到同一个值。
func (r *SettingsRepository) init(ctx context.Context, key string, value any) (bson.RawValue, error) {
	update := bson.D{{Key: "$setOnInsert", Value: bson.D{{Key: fieldValue, Value: value}}}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	raw, err := r.coll.FindOneAndUpdate(ctx, settingByKey(key), update, opts).Raw()
	if err != nil {
		return bson.RawValue{}, fmt.Errorf("init setting %s: %w", key, err)
	}
	v, ok := lookup(raw, fieldValue)
	if !ok {
		return bson.RawValue{}, repository.MissingField(key)
	}
	return v, nil
}

func (r *SettingsRepository) SetInt(ctx context.Context, key string, value int64) error {
	update := bson.D{{Key: "$set", Value: bson.D{{Key: fieldValue, Value: value}}}}
	if _, err := r.coll.UpdateOne(ctx, settingByKey(key), update, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

func (r *SettingsRepository) Drop(ctx context.Context) error {
	if err := r.coll.Drop(ctx); err != nil {
		return fmt.Errorf("drop settings: %w", err)
	}
	return nil
}
