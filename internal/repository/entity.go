package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/langchou/abrphome/internal/models"
)

// EntityRepository 实体仓库，承担宿主平台的实体注册与状态存储
type EntityRepository struct {
	db *DB
}

// NewEntityRepository 创建实体仓库
func NewEntityRepository(db *DB) *EntityRepository {
	return &EntityRepository{db: db}
}

// Create 创建实体
func (r *EntityRepository) Create(ctx context.Context, e *models.Entity) error {
	query := `
		INSERT INTO entities (entry_id, metric_key, name, unit, device_class, icon, state, availability, last_updated, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	err := r.db.Pool.QueryRow(ctx, query,
		e.EntryID,
		e.MetricKey,
		e.Name,
		e.Unit,
		e.DeviceClass,
		e.Icon,
		e.State,
		e.Availability,
		e.LastUpdated,
		e.CreatedAt,
	).Scan(&e.ID)

	if err != nil {
		return fmt.Errorf("insert entity: %w", err)
	}
	return nil
}

// Update 更新实体状态
func (r *EntityRepository) Update(ctx context.Context, e *models.Entity) error {
	query := `
		UPDATE entities SET state = $1, availability = $2, last_updated = $3
		WHERE entry_id = $4 AND metric_key = $5
	`
	_, err := r.db.Pool.Exec(ctx, query,
		e.State,
		e.Availability,
		e.LastUpdated,
		e.EntryID,
		e.MetricKey,
	)
	if err != nil {
		return fmt.Errorf("update entity: %w", err)
	}
	return nil
}

// ListByEntry 按创建顺序获取某条目的全部实体
func (r *EntityRepository) ListByEntry(ctx context.Context, entryID int64) ([]*models.Entity, error) {
	query := `
		SELECT id, entry_id, metric_key, name, unit, device_class, icon, state, availability, last_updated, created_at
		FROM entities WHERE entry_id = $1 ORDER BY id
	`
	rows, err := r.db.Pool.Query(ctx, query, entryID)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	var entities []*models.Entity
	for rows.Next() {
		e := &models.Entity{}
		err := rows.Scan(
			&e.ID,
			&e.EntryID,
			&e.MetricKey,
			&e.Name,
			&e.Unit,
			&e.DeviceClass,
			&e.Icon,
			&e.State,
			&e.Availability,
			&e.LastUpdated,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		entities = append(entities, e)
	}

	return entities, nil
}

// GetByKey 按指标键获取实体
func (r *EntityRepository) GetByKey(ctx context.Context, entryID int64, metricKey string) (*models.Entity, error) {
	query := `
		SELECT id, entry_id, metric_key, name, unit, device_class, icon, state, availability, last_updated, created_at
		FROM entities WHERE entry_id = $1 AND metric_key = $2
	`
	e := &models.Entity{}
	err := r.db.Pool.QueryRow(ctx, query, entryID, metricKey).Scan(
		&e.ID,
		&e.EntryID,
		&e.MetricKey,
		&e.Name,
		&e.Unit,
		&e.DeviceClass,
		&e.Icon,
		&e.State,
		&e.Availability,
		&e.LastUpdated,
		&e.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entity by key: %w", err)
	}
	return e, nil
}
