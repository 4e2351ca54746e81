package xtopsupport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"
)

const (
	DefaultRuntimeConfigPausedMessage    = "Support requests are paused right now. Please try again later!"
	DefaultRuntimeConfigRateLimitMessage = "You're doing that too much. Try again later."
)

// RuntimeConfig is operator-adjustable configuration stored as a single
// database row, editable through the admin API without a restart. Every
// instance caches it and refreshes on TTL or on a reload notification.
//
//nolint:lll // struct tags can't be split
type RuntimeConfig struct {
	ID uint `gorm:"primaryKey" json:"-"`

	// Paused stops new assistance requests from being created; requests
	// already searching or active proceed normally
	Paused bool `json:"paused" gorm:"type:bool;default:false"`

	// NotificationChannelID receives startup messages and operator alerts
	NotificationChannelID string `json:"notification_channel_id" gorm:"type:string"`

	// PausedMessage is shown to users attempting to request assistance
	// while Paused is set
	PausedMessage string `json:"paused_message" gorm:"type:string" validate:"max=500"`

	// ErrorMessage is the generic user-facing failure message
	ErrorMessage string `json:"error_message" gorm:"type:string" validate:"max=500"`

	// RateLimitMessage is shown to users denied by the request limiter
	RateLimitMessage string `json:"rate_limit_message" gorm:"type:string" validate:"max=500"`

	// SurveyEnabled controls the post-close feedback survey
	SurveyEnabled bool `json:"survey_enabled" gorm:"type:bool;default:true"`

	// AdminUsername and AdminPasswordHash authenticate the admin API; set
	// with the `init` command. The hash is argon2id.
	AdminUsername     string `json:"-" gorm:"type:string"`
	AdminPasswordHash string `json:"-" gorm:"type:string" log:"[redacted]"`

	ModelUnixTime
}

func (RuntimeConfig) LogValue() slog.Value {
	return slog.StringValue("runtime_config")
}

// RuntimeConfigUpdate is the admin API's PATCH payload; nil fields are
// left unchanged.
//
//nolint:lll // struct tags can't be split
type RuntimeConfigUpdate struct {
	Paused                *bool   `json:"paused,omitempty"`
	NotificationChannelID *string `json:"notification_channel_id,omitempty"`
	PausedMessage         *string `json:"paused_message,omitempty" validate:"omitempty,max=500"`
	ErrorMessage          *string `json:"error_message,omitempty" validate:"omitempty,max=500"`
	RateLimitMessage      *string `json:"rate_limit_message,omitempty" validate:"omitempty,max=500"`
	SurveyEnabled         *bool   `json:"survey_enabled,omitempty"`
}

// DefaultRuntimeConfig returns the runtime configuration used to seed the
// singleton row on first run.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		PausedMessage:    DefaultRuntimeConfigPausedMessage,
		ErrorMessage:     DefaultDiscordErrorMessage,
		RateLimitMessage: DefaultRuntimeConfigRateLimitMessage,
		SurveyEnabled:    true,
	}
}

// loadOrCreateRuntimeConfig fetches the singleton row, creating it with
// defaults on first run.
func loadOrCreateRuntimeConfig(ctx context.Context, db DBI) (RuntimeConfig, error) {
	var cfg RuntimeConfig
	err := db.DB().WithContext(ctx).Order("id asc").Take(&cfg).Error
	if err == nil {
		return cfg, nil
	}
	if !isRecordNotFound(err) {
		return cfg, err
	}

	cfg = DefaultRuntimeConfig()
	if _, err := db.Create(ctx, &cfg); err != nil {
		return cfg, fmt.Errorf("error creating runtime config: %w", err)
	}
	return cfg, nil
}

// RuntimeConfig returns a copy of the cached runtime configuration.
func (x *XTopSupport) RuntimeConfig() RuntimeConfig {
	x.cfgMu.RLock()
	defer x.cfgMu.RUnlock()
	return x.runtimeConfig
}

// refreshRuntimeConfig reloads the cache from the database.
func (x *XTopSupport) refreshRuntimeConfig(ctx context.Context) error {
	var cfg RuntimeConfig
	if err := x.db.DB().WithContext(ctx).Order("id asc").Take(&cfg).Error; err != nil {
		return err
	}
	x.cfgMu.Lock()
	x.runtimeConfig = cfg
	x.cfgMu.Unlock()
	x.logger.DebugContext(ctx, "refreshed runtime config")
	return nil
}

// updateRuntimeConfig applies a partial update, persists it, refreshes the
// local cache, and notifies other instances.
func (x *XTopSupport) updateRuntimeConfig(
	ctx context.Context,
	update RuntimeConfigUpdate,
) (RuntimeConfig, error) {
	if err := x.validate.StructCtx(ctx, update); err != nil {
		return RuntimeConfig{}, err
	}

	x.cfgMu.Lock()
	cfg := x.runtimeConfig
	updates := map[string]any{}
	if update.Paused != nil {
		cfg.Paused = *update.Paused
		updates["paused"] = *update.Paused
	}
	if update.NotificationChannelID != nil {
		cfg.NotificationChannelID = *update.NotificationChannelID
		updates["notification_channel_id"] = *update.NotificationChannelID
	}
	if update.PausedMessage != nil {
		cfg.PausedMessage = *update.PausedMessage
		updates["paused_message"] = *update.PausedMessage
	}
	if update.ErrorMessage != nil {
		cfg.ErrorMessage = *update.ErrorMessage
		updates["error_message"] = *update.ErrorMessage
	}
	if update.RateLimitMessage != nil {
		cfg.RateLimitMessage = *update.RateLimitMessage
		updates["rate_limit_message"] = *update.RateLimitMessage
	}
	if update.SurveyEnabled != nil {
		cfg.SurveyEnabled = *update.SurveyEnabled
		updates["survey_enabled"] = *update.SurveyEnabled
	}

	if len(updates) == 0 {
		x.cfgMu.Unlock()
		return cfg, nil
	}

	if _, err := x.writeDB.Updates(ctx, &cfg, updates); err != nil {
		x.cfgMu.Unlock()
		return RuntimeConfig{}, err
	}
	x.runtimeConfig = cfg
	x.cfgMu.Unlock()

	x.logger.InfoContext(ctx, "updated runtime config", "fields", len(updates))
	if x.dbNotifier != nil {
		nctx, cancel := context.WithTimeout(ctx, dbNotifierSendTimeout)
		defer cancel()
		x.dbNotifier.ReloadRuntimeConfig(nctx)
	}
	return cfg, nil
}

// watchRuntimeConfig refreshes the cached runtime config on TTL expiry and
// on reload notifications, until the context ends.
func (x *XTopSupport) watchRuntimeConfig(ctx context.Context) {
	ttl := x.config.RuntimeConfigTTL
	if ttl <= 0 {
		ttl = DefaultRuntimeConfigTTL
	}
	ticker := time.NewTicker(ttl)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := x.refreshRuntimeConfig(ctx); err != nil {
				x.logger.ErrorContext(
					ctx, "error refreshing runtime config", tint.Err(err),
				)
			}
		case <-x.triggerRuntimeConfigRefreshCh:
			if err := x.refreshRuntimeConfig(ctx); err != nil {
				x.logger.ErrorContext(
					ctx, "error refreshing runtime config", tint.Err(err),
				)
			}
			ticker.Reset(ttl)
		}
	}
}
