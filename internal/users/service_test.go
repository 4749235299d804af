package users

import (
	"fmt"
	"testing"
	"time"

	"github.com/FpSilSha/G4-CollabBoard-sub002/internal/auth"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Identity{}); err != nil {
		t.Fatalf("failed to migrate identity schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, db
}

func TestResolveProfileCreatesIdentityOnce(t *testing.T) {
	service, db := newTestService(t)

	claims := auth.SessionClaims{
		Subject:     "user-123",
		Email:       "user@example.com",
		DisplayName: "Example User",
		AvatarURL:   "https://example.com/avatar.png",
	}
	profile, err := service.ResolveProfile(claims)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if profile.UserID != "user-123" || profile.DisplayName != "Example User" {
		t.Fatalf("unexpected profile %+v", profile)
	}

	// second call should hit cache and not create a duplicate record.
	if _, err := service.ResolveProfile(claims); err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	var count int64
	if err := db.Model(&Identity{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one identity row, got %d", count)
	}
}

func TestResolveProfileFallsBackToSubject(t *testing.T) {
	service, _ := newTestService(t)

	profile, err := service.ResolveProfile(auth.SessionClaims{Subject: "anon-7"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if profile.DisplayName != "anon-7" {
		t.Fatalf("expected subject as fallback display name, got %q", profile.DisplayName)
	}
}

func TestResolveProfileRefreshesChangedDisplayName(t *testing.T) {
	service, _ := newTestService(t)

	first := auth.SessionClaims{Subject: "user-1", DisplayName: "Old Name"}
	if _, err := service.ResolveProfile(first); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	renamed := auth.SessionClaims{Subject: "user-1", DisplayName: "New Name"}
	profile, err := service.ResolveProfile(renamed)
	if err != nil {
		t.Fatalf("resolve after rename failed: %v", err)
	}
	if profile.DisplayName != "New Name" {
		t.Fatalf("expected refreshed display name, got %q", profile.DisplayName)
	}
}

func TestResolveProfileRejectsEmptySubject(t *testing.T) {
	service, _ := newTestService(t)
	if _, err := service.ResolveProfile(auth.SessionClaims{}); err == nil {
		t.Fatal("expected error for empty subject")
	}
}
