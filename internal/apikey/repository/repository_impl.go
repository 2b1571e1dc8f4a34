package repository

import (
	"context"
	"time"

	apikeydomain "github.com/smallbiznis/claudeauth/internal/apikey/domain"
	"gorm.io/gorm"
)

const selectColumns = `SELECT id, user_id, key_id, name, key_hash, is_active, created_at, updated_at, last_used_at, expires_at
	 FROM claude_api_keys`

type repo struct{}

func Provide() apikeydomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, key *apikeydomain.APIKey) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO claude_api_keys (id, user_id, key_id, name, key_hash, is_active, created_at, updated_at, last_used_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID,
		key.UserID,
		key.KeyID,
		key.Name,
		key.KeyHash,
		key.IsActive,
		key.CreatedAt,
		key.UpdatedAt,
		key.LastUsedAt,
		key.ExpiresAt,
	).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, key *apikeydomain.APIKey) error {
	return db.WithContext(ctx).Exec(
		`UPDATE claude_api_keys
		 SET name = ?, is_active = ?, updated_at = ?, last_used_at = ?, expires_at = ?
		 WHERE key_id = ?`,
		key.Name,
		key.IsActive,
		key.UpdatedAt,
		key.LastUsedAt,
		key.ExpiresAt,
		key.KeyID,
	).Error
}

func (r *repo) FindByKeyID(ctx context.Context, db *gorm.DB, keyID string) (*apikeydomain.APIKey, error) {
	return r.findOne(ctx, db, selectColumns+` WHERE key_id = ? LIMIT 1`, keyID)
}

func (r *repo) FindByHash(ctx context.Context, db *gorm.DB, hash string) (*apikeydomain.APIKey, error) {
	return r.findOne(ctx, db, selectColumns+` WHERE key_hash = ? LIMIT 1`, hash)
}

func (r *repo) List(ctx context.Context, db *gorm.DB, userID string) ([]apikeydomain.APIKey, error) {
	var keys []apikeydomain.APIKey
	err := db.WithContext(ctx).Raw(
		selectColumns+` WHERE user_id = ? ORDER BY created_at DESC`,
		userID,
	).Scan(&keys).Error
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (r *repo) TouchLastUsed(ctx context.Context, db *gorm.DB, keyID string, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE claude_api_keys SET last_used_at = ? WHERE key_id = ?`,
		at,
		keyID,
	).Error
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, query string, arg any) (*apikeydomain.APIKey, error) {
	var key apikeydomain.APIKey
	if err := db.WithContext(ctx).Raw(query, arg).Scan(&key).Error; err != nil {
		return nil, err
	}
	if key.ID == 0 {
		return nil, nil
	}
	return &key, nil
}
