package users

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/FpSilSha/G4-CollabBoard-sub002/internal/auth"
	"gorm.io/gorm"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for profile resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service records and serves the display profiles shown in presence rosters.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:  cfg.Database,
		now: clock,
	}, nil
}

// ResolveProfile upserts the identity row from verified session claims and
// returns the profile to attach to presence entries.
func (s *Service) ResolveProfile(claims auth.SessionClaims) (Profile, error) {
	userID := normalize(claims.Subject)
	if userID == "" {
		return Profile{}, ErrInvalidIdentity
	}

	if cached, ok := s.cache.Load(userID); ok {
		if profile, ok := cached.(Profile); ok && profile.DisplayName == normalize(claims.DisplayName) {
			return profile, nil
		}
	}

	var identity Identity
	err := s.db.Where("user_id = ?", userID).First(&identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		identity = Identity{
			UserID:      userID,
			Email:       normalize(claims.Email),
			DisplayName: normalize(claims.DisplayName),
			AvatarURL:   normalize(claims.AvatarURL),
			LastSeenAt:  s.now(),
		}
		if err := s.db.Create(&identity).Error; err != nil {
			return Profile{}, err
		}
	} else if err != nil {
		return Profile{}, err
	} else {
		updates := map[string]interface{}{"last_seen_at": s.now()}
		if email := normalize(claims.Email); email != "" && email != identity.Email {
			updates["user_email"] = email
			identity.Email = email
		}
		if display := normalize(claims.DisplayName); display != "" && display != identity.DisplayName {
			updates["user_display_name"] = display
			identity.DisplayName = display
		}
		if avatar := normalize(claims.AvatarURL); avatar != "" && avatar != identity.AvatarURL {
			updates["user_avatar_url"] = avatar
			identity.AvatarURL = avatar
		}
		_ = s.db.Model(&Identity{}).
			Where("user_id = ?", userID).
			Updates(updates).
			Error
	}

	if identity.DisplayName == "" {
		identity.DisplayName = userID
	}

	profile := Profile{
		UserID:      userID,
		DisplayName: identity.DisplayName,
		AvatarURL:   identity.AvatarURL,
	}
	s.cache.Store(userID, profile)
	return profile, nil
}
