package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// TokenRecord is the encrypted at-rest row for a user's token.
type TokenRecord struct {
	ID                    snowflake.ID                `gorm:"primaryKey"`
	UserID                string                      `gorm:"column:user_id;type:text;not null;uniqueIndex"`
	AccessTokenEncrypted  string                      `gorm:"column:access_token_encrypted;type:text;not null"`
	RefreshTokenEncrypted *string                     `gorm:"column:refresh_token_encrypted;type:text"`
	ExpiresAt             time.Time                   `gorm:"column:expires_at;not null;index"`
	Scopes                datatypes.JSONSlice[string] `gorm:"column:scopes"`
	RefreshCount          int64                       `gorm:"column:refresh_count;not null;default:0"`
	CreatedBy             string                      `gorm:"column:created_by;type:text"`
	UpdatedBy             string                      `gorm:"column:updated_by;type:text"`
	LastUsed              *time.Time                  `gorm:"column:last_used"`
	CreatedAt             time.Time                   `gorm:"column:created_at;not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt             time.Time                   `gorm:"column:updated_at;not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (TokenRecord) TableName() string { return "claude_oauth_tokens" }
