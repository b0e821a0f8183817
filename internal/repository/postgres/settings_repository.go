package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"filecenter/internal/migrations"
	"filecenter/internal/repository"
)

// SettingsRepository 实现 repository.SettingsRepository。
// 整数与时间分列存放，读取时类型不符视为数据损坏。
type SettingsRepository struct {
	db *sql.DB
}

func NewSettingsRepository(db *sql.DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

func (r *SettingsRepository) EnsureSchema(ctx context.Context) error {
	return migrations.Apply(ctx, r.db)
}

func (r *SettingsRepository) InitInt(ctx context.Context, key string, value int64) (int64, error) {
	query := fmt.Sprintf(`INSERT INTO %s (key, int_value) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`,
		repository.CollectionSettings)
	if _, err := r.db.ExecContext(ctx, query, key, value); err != nil {
		return 0, fmt.Errorf("init setting %s: %w", key, err)
	}

	intValue, timeValue, err := r.load(ctx, key)
	if err != nil {
		return 0, err
	}
	if !intValue.Valid {
		return 0, mismatch(key, timeValue.Valid, "timestamp")
	}
	return intValue.Int64, nil
}

func (r *SettingsRepository) InitTime(ctx context.Context, key string, value time.Time) (time.Time, error) {
	query := fmt.Sprintf(`INSERT INTO %s (key, time_value) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`,
		repository.CollectionSettings)
	if _, err := r.db.ExecContext(ctx, query, key, value); err != nil {
		return time.Time{}, fmt.Errorf("init setting %s: %w", key, err)
	}

	intValue, timeValue, err := r.load(ctx, key)
	if err != nil {
		return time.Time{}, err
	}
	if !timeValue.Valid {
		return time.Time{}, mismatch(key, intValue.Valid, "integer")
	}
	return timeValue.Time.UTC(), nil
}

func (r *SettingsRepository) SetInt(ctx context.Context, key string, value int64) error {
	query := fmt.Sprintf(`INSERT INTO %s (key, int_value) VALUES ($1, $2)
	ON CONFLICT (key) DO UPDATE SET int_value = EXCLUDED.int_value, time_value = NULL`,
		repository.CollectionSettings)
	if _, err := r.db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

func (r *SettingsRepository) Drop(ctx context.Context) error {
	return truncate(ctx, r.db, repository.CollectionSettings)
}

func (r *SettingsRepository) load(ctx context.Context, key string) (sql.NullInt64, sql.NullTime, error) {
	var (
		intValue  sql.NullInt64
		timeValue sql.NullTime
	)
	query := fmt.Sprintf(`SELECT int_value, time_value FROM %s WHERE key = $1`, repository.CollectionSettings)
	if err := r.db.QueryRowContext(ctx, query, key).Scan(&intValue, &timeValue); err != nil {
		return intValue, timeValue, fmt.Errorf("load setting %s: %w", key, err)
	}
	return intValue, timeValue, nil
}

func mismatch(key string, otherSet bool, otherType string) error {
	if otherSet {
		return repository.UnexpectedType(key, otherType)
	}
	return repository.MissingField(key)
}
