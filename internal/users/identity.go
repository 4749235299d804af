package users

import (
	"strings"
	"time"
)

// Identity stores the display profile attached to a verified user id.
type Identity struct {
	UserID      string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Email       string    `gorm:"column:user_email;size:320"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	AvatarURL   string    `gorm:"column:user_avatar_url;size:512"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

// Profile is the presence-facing view of an identity.
type Profile struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
