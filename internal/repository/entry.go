package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/langchou/abrphome/internal/models"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("not found")

// EntryRepository 配置条目仓库。API Key 和用户 Token 存在这里，
// 对核心逻辑而言是不透明字符串。
type EntryRepository struct {
	db *DB
}

// NewEntryRepository 创建配置条目仓库
func NewEntryRepository(db *DB) *EntryRepository {
	return &EntryRepository{db: db}
}

// Create 创建配置条目
func (r *EntryRepository) Create(ctx context.Context, entry *models.Entry) error {
	query := `
		INSERT INTO entries (api_key, user_token, vehicle_name, needs_reauth, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	now := time.Now()
	err := r.db.Pool.QueryRow(ctx, query,
		entry.APIKey,
		entry.UserToken,
		entry.VehicleName,
		entry.NeedsReauth,
		now,
		now,
	).Scan(&entry.ID)

	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}

	entry.CreatedAt = now
	entry.UpdatedAt = now
	return nil
}

// GetByID 通过 ID 获取配置条目
func (r *EntryRepository) GetByID(ctx context.Context, id int64) (*models.Entry, error) {
	query := `
		SELECT id, api_key, user_token, vehicle_name, needs_reauth, created_at, updated_at
		FROM entries WHERE id = $1
	`
	entry := &models.Entry{}
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&entry.ID,
		&entry.APIKey,
		&entry.UserToken,
		&entry.VehicleName,
		&entry.NeedsReauth,
		&entry.CreatedAt,
		&entry.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entry by id: %w", err)
	}
	return entry, nil
}

// List 获取所有配置条目
func (r *EntryRepository) List(ctx context.Context) ([]*models.Entry, error) {
	query := `
		SELECT id, api_key, user_token, vehicle_name, needs_reauth, created_at, updated_at
		FROM entries ORDER BY id
	`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.Entry
	for rows.Next() {
		entry := &models.Entry{}
		err := rows.Scan(
			&entry.ID,
			&entry.APIKey,
			&entry.UserToken,
			&entry.VehicleName,
			&entry.NeedsReauth,
			&entry.CreatedAt,
			&entry.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

// Delete 删除配置条目（级联删除其实体）
func (r *EntryRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM entries WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetNeedsReauth 标记/清除“需要重新认证”
func (r *EntryRepository) SetNeedsReauth(ctx context.Context, id int64, needsReauth bool) error {
	query := `UPDATE entries SET needs_reauth = $1, updated_at = $2 WHERE id = $3`
	if _, err := r.db.Pool.Exec(ctx, query, needsReauth, time.Now(), id); err != nil {
		return fmt.Errorf("set needs_reauth: %w", err)
	}
	return nil
}

// RotateToken 更换用户 Token 并清除重新认证标记
func (r *EntryRepository) RotateToken(ctx context.Context, id int64, userToken, vehicleName string) error {
	query := `
		UPDATE entries SET user_token = $1, vehicle_name = $2, needs_reauth = false, updated_at = $3
		WHERE id = $4
	`
	tag, err := r.db.Pool.Exec(ctx, query, userToken, vehicleName, time.Now(), id)
	if err != nil {
		return fmt.Errorf("rotate token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
