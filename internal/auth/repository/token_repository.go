package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/claudeauth/internal/auth/domain"
	"github.com/smallbiznis/claudeauth/internal/clock"
	"github.com/smallbiznis/claudeauth/pkg/db"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const BackendName = "database"

// TokenRepository is the durable token tier. Token values are sealed with
// the configured cipher before every write.
type TokenRepository struct {
	db     *gorm.DB
	cipher domain.Cipher
	genID  *snowflake.Node
	clock  clock.Clock
	log    *zap.Logger
}

func NewTokenRepository(conn *gorm.DB, cipher domain.Cipher, genID *snowflake.Node, clk clock.Clock, log *zap.Logger) *TokenRepository {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &TokenRepository{
		db:     conn,
		cipher: cipher,
		genID:  genID,
		clock:  clk,
		log:    log.Named("auth.repository"),
	}
}

func (r *TokenRepository) Name() string { return BackendName }

func (r *TokenRepository) Get(ctx context.Context, userID string) (*domain.Token, error) {
	var rec domain.TokenRecord
	err := r.db.WithContext(ctx).
		Where("user_id = ?", strings.TrimSpace(userID)).
		Take(&rec).Error
	if err != nil {
		return nil, r.classify(err)
	}
	return r.decode(&rec)
}

// Put upserts on user_id. created_at/created_by survive updates and
// refresh_count is never lowered by a stale writer.
func (r *TokenRepository) Put(ctx context.Context, token *domain.Token) error {
	if err := token.Validate(); err != nil {
		return err
	}
	rec, err := r.encode(token)
	if err != nil {
		return err
	}

	conn := r.db.WithContext(ctx)
	err = conn.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: append(
			clause.AssignmentColumns([]string{
				"access_token_encrypted",
				"refresh_token_encrypted",
				"expires_at",
				"scopes",
				"updated_by",
				"updated_at",
			}),
			clause.Assignment{
				Column: clause.Column{Name: "refresh_count"},
				Value:  greatestRefreshCount(conn.Dialector.Name()),
			},
		),
	}).Create(rec).Error
	if err != nil {
		return r.classify(err)
	}
	return nil
}

func (r *TokenRepository) Delete(ctx context.Context, userID string) error {
	err := r.db.WithContext(ctx).
		Where("user_id = ?", strings.TrimSpace(userID)).
		Delete(&domain.TokenRecord{}).Error
	if err != nil {
		return r.classify(err)
	}
	return nil
}

func (r *TokenRepository) Touch(ctx context.Context, userID string, at time.Time) error {
	err := r.db.WithContext(ctx).
		Model(&domain.TokenRecord{}).
		Where("user_id = ?", strings.TrimSpace(userID)).
		UpdateColumn("last_used", at.UTC()).Error
	if err != nil {
		return r.classify(err)
	}
	return nil
}

// ListExpiring returns users with a refresh token whose access token
// expires at or before the given instant, soonest first.
func (r *TokenRepository) ListExpiring(ctx context.Context, before time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	var userIDs []string
	err := r.db.WithContext(ctx).
		Model(&domain.TokenRecord{}).
		Where("refresh_token_encrypted IS NOT NULL AND refresh_token_encrypted <> ''").
		Where("expires_at <= ?", before.UTC()).
		Order("expires_at ASC").
		Limit(limit).
		Pluck("user_id", &userIDs).Error
	if err != nil {
		return nil, r.classify(err)
	}
	return userIDs, nil
}

func (r *TokenRepository) ListUnrefreshable(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	var userIDs []string
	err := r.db.WithContext(ctx).
		Model(&domain.TokenRecord{}).
		Where("refresh_token_encrypted IS NULL OR refresh_token_encrypted = ''").
		Where("expires_at <= ?", now.UTC()).
		Order("expires_at ASC").
		Limit(limit).
		Pluck("user_id", &userIDs).Error
	if err != nil {
		return nil, r.classify(err)
	}
	return userIDs, nil
}

// Stats counts every stored token as active. Expiring soon includes tokens
// that have already expired.
func (r *TokenRepository) Stats(ctx context.Context, now time.Time, threshold time.Duration) (domain.RepositoryStats, error) {
	now = now.UTC()
	soon := now.Add(threshold)

	var row struct {
		Active         int64
		ExpiringSoon   int64
		Expired        int64
		TotalRefreshes int64
	}
	err := r.db.WithContext(ctx).
		Model(&domain.TokenRecord{}).
		Select(`COUNT(*) AS active,
			COALESCE(SUM(CASE WHEN expires_at <= ? THEN 1 ELSE 0 END), 0) AS expiring_soon,
			COALESCE(SUM(CASE WHEN expires_at <= ? THEN 1 ELSE 0 END), 0) AS expired,
			COALESCE(SUM(refresh_count), 0) AS total_refreshes`,
			soon, now).
		Scan(&row).Error
	if err != nil {
		return domain.RepositoryStats{}, r.classify(err)
	}
	return domain.RepositoryStats{
		Active:         row.Active,
		ExpiringSoon:   row.ExpiringSoon,
		Expired:        row.Expired,
		TotalRefreshes: row.TotalRefreshes,
	}, nil
}

func (r *TokenRepository) encode(token *domain.Token) (*domain.TokenRecord, error) {
	access, err := r.cipher.Encrypt(token.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("seal access token: %w", err)
	}
	var refresh *string
	if token.HasRefreshToken() {
		sealed, err := r.cipher.Encrypt(token.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("seal refresh token: %w", err)
		}
		refresh = &sealed
	}

	now := r.clock.Now()
	scopes := token.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	createdBy := token.CreatedBy
	if createdBy == "" {
		createdBy = token.UpdatedBy
	}
	return &domain.TokenRecord{
		ID:                    r.genID.Generate(),
		UserID:                strings.TrimSpace(token.UserID),
		AccessTokenEncrypted:  access,
		RefreshTokenEncrypted: refresh,
		ExpiresAt:             token.ExpiresAt.UTC(),
		Scopes:                datatypes.JSONSlice[string](scopes),
		RefreshCount:          token.RefreshCount,
		CreatedBy:             createdBy,
		UpdatedBy:             token.UpdatedBy,
		LastUsed:              token.LastUsed,
		CreatedAt:             now,
		UpdatedAt:             now,
	}, nil
}

func (r *TokenRepository) decode(rec *domain.TokenRecord) (*domain.Token, error) {
	access, err := r.cipher.Decrypt(rec.AccessTokenEncrypted)
	if err != nil {
		r.log.Warn("stored access token unreadable", zap.String("user_id", rec.UserID))
		return nil, err
	}
	var refresh string
	if rec.RefreshTokenEncrypted != nil && *rec.RefreshTokenEncrypted != "" {
		refresh, err = r.cipher.Decrypt(*rec.RefreshTokenEncrypted)
		if err != nil {
			r.log.Warn("stored refresh token unreadable", zap.String("user_id", rec.UserID))
			return nil, err
		}
	}
	return &domain.Token{
		UserID:       rec.UserID,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    rec.ExpiresAt.UTC(),
		Scopes:       []string(rec.Scopes),
		RefreshCount: rec.RefreshCount,
		CreatedBy:    rec.CreatedBy,
		UpdatedBy:    rec.UpdatedBy,
		LastUsed:     rec.LastUsed,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}, nil
}

func (r *TokenRepository) classify(err error) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return domain.ErrTokenNotFound
	case db.IsUnavailableErr(err):
		return fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
	default:
		return err
	}
}

func greatestRefreshCount(dialect string) clause.Expr {
	switch dialect {
	case "sqlite":
		return gorm.Expr("MAX(claude_oauth_tokens.refresh_count, excluded.refresh_count)")
	case "mysql":
		return gorm.Expr("GREATEST(refresh_count, VALUES(refresh_count))")
	default:
		return gorm.Expr("GREATEST(claude_oauth_tokens.refresh_count, EXCLUDED.refresh_count)")
	}
}

var _ domain.TokenRepository = (*TokenRepository)(nil)
