package xtopsupport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

var (
	columnUserProfileLocale   = "locale"
	columnUserProfileLastSeen = "last_seen"
	columnUserProfileUsername = "username"
)

// UserProfile is a record of a Discord user as seen by the support bot.
// A requester must have Locale set before they can raise an assistance
// request.
type UserProfile struct {
	// ID is the Discord user ID
	ID string `json:"id" gorm:"primaryKey;type:string"`

	// Username, not unique
	Username string `json:"username" gorm:"type:string"`

	// GlobalName is the user's display name
	GlobalName string `json:"global_name" gorm:"type:string"`

	// Locale is the user's chosen language tag (e.g. "en-US"). Empty means
	// not yet set.
	Locale string `json:"locale" gorm:"type:string"`

	// LastSeen is the last time this user was seen in a Discord interaction
	LastSeen int64 `json:"last_seen" gorm:"column:last_seen"`

	ModelUnixTime
}

func NewUserProfile(u discordgo.User) *UserProfile {
	return &UserProfile{
		ID:         u.ID,
		Username:   u.Username,
		GlobalName: u.GlobalName,
		LastSeen:   time.Now().UTC().UnixMilli(),
	}
}

func (u *UserProfile) String() string {
	return fmt.Sprintf("%s [%s]", u.Username, u.ID)
}

func (u *UserProfile) LogValue() slog.Value {
	if u == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("id", u.ID),
		slog.String("username", u.Username),
		slog.String("locale", u.Locale),
	)
}

// UserProfileStore caches profiles in memory in front of the database,
// keyed by Discord user ID.
type UserProfileStore struct {
	db       DBI
	logger   *slog.Logger
	mu       sync.Mutex
	profiles map[string]*UserProfile
}

func NewUserProfileStore(db DBI, logger *slog.Logger) *UserProfileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &UserProfileStore{
		db:       db,
		logger:   logger.With(loggerNameKey, "user_profiles"),
		profiles: map[string]*UserProfile{},
	}
}

// GetOrCreate retrieves a profile from the cache or the database, creating
// a new record if one does not exist. The second return value is true when
// a new profile was created.
func (s *UserProfileStore) GetOrCreate(
	ctx context.Context,
	u discordgo.User,
) (*UserProfile, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if profile, ok := s.profiles[u.ID]; ok {
		profile.LastSeen = time.Now().UTC().UnixMilli()
		updates := map[string]any{columnUserProfileLastSeen: profile.LastSeen}
		if profile.Username != u.Username {
			profile.Username = u.Username
			profile.GlobalName = u.GlobalName
			updates[columnUserProfileUsername] = u.Username
		}
		if _, err := s.db.Updates(ctx, profile, updates); err != nil {
			s.logger.Error("error updating user profile", "user", profile, tint.Err(err))
		}
		return profile, false, nil
	}

	var existing UserProfile
	err := s.db.DB().WithContext(ctx).Where("id = ?", u.ID).Take(&existing).Error
	switch {
	case err == nil:
		s.profiles[u.ID] = &existing
		return &existing, false, nil
	case err != gorm.ErrRecordNotFound:
		return nil, false, err
	}

	profile := NewUserProfile(u)
	s.logger.InfoContext(ctx, "creating new user profile", "user", profile)
	if _, err := s.db.Create(ctx, profile); err != nil {
		return nil, true, err
	}
	s.profiles[u.ID] = profile
	return profile, true, nil
}

// SetLocale updates the user's locale both in cache and storage.
func (s *UserProfileStore) SetLocale(
	ctx context.Context,
	userID string,
	locale string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	profile, ok := s.profiles[userID]
	if !ok {
		var existing UserProfile
		if err := s.db.DB().WithContext(ctx).Where(
			"id = ?", userID,
		).Take(&existing).Error; err != nil {
			return err
		}
		profile = &existing
		s.profiles[userID] = profile
	}

	profile.Locale = locale
	_, err := s.db.Update(ctx, profile, columnUserProfileLocale, locale)
	return err
}

// Locale returns the user's locale, or empty if the user is unknown or has
// not chosen one.
func (s *UserProfileStore) Locale(ctx context.Context, userID string) string {
	s.mu.Lock()
	if profile, ok := s.profiles[userID]; ok {
		locale := profile.Locale
		s.mu.Unlock()
		return locale
	}
	s.mu.Unlock()

	var existing UserProfile
	if err := s.db.DB().WithContext(ctx).Where(
		"id = ?", userID,
	).Take(&existing).Error; err != nil {
		return ""
	}

	s.mu.Lock()
	s.profiles[userID] = &existing
	s.mu.Unlock()
	return existing.Locale
}
