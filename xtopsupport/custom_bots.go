package xtopsupport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"
)

// customBotProcessPrefix namespaces supervised processes so reconciliation
// can tell this bot's children apart from anything else pm2 may be running.
const customBotProcessPrefix = "custom-bot-"

var (
	ErrCustomBotNotFound   = errors.New("no such custom bot")
	ErrCustomBotQuota      = errors.New("custom bot limit reached for tier")
	ErrCustomBotNotOffline = errors.New("custom bot is not offline")
)

var columnCustomBotTokenInvalid = "token_invalid"

// BotTrackingState is the supervisor's in-memory claim on a custom bot's
// process. It gates concurrent starts: a bot moves untracked -> processing
// -> processed, and only an untracked bot can begin provisioning.
type BotTrackingState int

const (
	BotUntracked BotTrackingState = iota
	BotProcessing
	BotProcessed
)

func (s BotTrackingState) String() string {
	switch s {
	case BotProcessing:
		return "processing"
	case BotProcessed:
		return "processed"
	default:
		return "untracked"
	}
}

// CustomBotStatus is the derived, user-facing disposition of a custom bot.
// Like request status, it is never stored.
type CustomBotStatus string

const (
	CustomBotStatusTokenInvalid CustomBotStatus = "token_invalid"
	CustomBotStatusRunning      CustomBotStatus = "running"
	CustomBotStatusProvisioning CustomBotStatus = "provisioning"
	CustomBotStatusOffline      CustomBotStatus = "offline"
)

// CustomBot is a user-owned Discord bot run as a supervised child process.
//
//nolint:lll // struct tags can't be split
type CustomBot struct {
	ID string `json:"id" gorm:"primaryKey;type:string"`

	// OwnerID is the Discord user ID of the subscriber who owns this bot
	OwnerID string `json:"owner_id" gorm:"index;not null;default:null"`

	// Token is the bot token the child process authenticates with
	Token string `json:"-" gorm:"type:string;not null" log:"[redacted]"`

	// BotUserID/BotUsername/ApplicationID are captured at validation time
	BotUserID     string `json:"bot_user_id" gorm:"uniqueIndex;type:string"`
	BotUsername   string `json:"bot_username" gorm:"type:string"`
	ApplicationID string `json:"application_id" gorm:"type:string"`

	// Tier is the owner's subscription tier at creation time
	Tier int `json:"tier" gorm:"not null;default:1"`

	// TokenInvalid is latched when Discord rejects the stored token; the
	// owner must supply a new token to clear it
	TokenInvalid bool `json:"token_invalid" gorm:"type:bool;default:false"`

	ModelUnixTime
}

// ProcessName is the bot's identity with the external process manager.
func (b *CustomBot) ProcessName() string {
	return customBotProcessPrefix + b.BotUserID
}

func (b *CustomBot) LogValue() slog.Value {
	if b == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("id", b.ID),
		slog.String("owner_id", b.OwnerID),
		slog.String("bot_user_id", b.BotUserID),
		slog.String("bot_username", b.BotUsername),
		slog.Int("tier", b.Tier),
	)
}

// botsCapForTier returns how many custom bots an owner may register, by
// subscription tier.
func botsCapForTier(tier int) int {
	switch {
	case tier >= 3:
		return 5
	case tier == 2:
		return 2
	default:
		return 1
	}
}

// CustomBotsManager supervises custom bot child processes through an
// external process manager. It owns the tracking map that serializes
// provisioning, and runs the daily reconciliation pass in which the
// process manager's view of the world wins over the database's.
type CustomBotsManager struct {
	db        DBI
	pm        ProcessManager
	validator *TokenValidator
	logger    *slog.Logger

	mu       sync.Mutex
	tracking map[string]BotTrackingState

	// nowFunc is swappable for tests
	nowFunc func() time.Time
}

func NewCustomBotsManager(
	db DBI,
	pm ProcessManager,
	validator *TokenValidator,
	logger *slog.Logger,
) *CustomBotsManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &CustomBotsManager{
		db:        db,
		pm:        pm,
		validator: validator,
		logger:    logger.With(loggerNameKey, "custom_bots"),
		tracking:  map[string]BotTrackingState{},
		nowFunc:   func() time.Time { return time.Now().UTC() },
	}
}

// Tracking returns the supervisor's current claim on the bot's process.
func (m *CustomBotsManager) Tracking(botID string) BotTrackingState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tracking[botID]
}

func (m *CustomBotsManager) setTracking(botID string, state BotTrackingState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state == BotUntracked {
		delete(m.tracking, botID)
		return
	}
	m.tracking[botID] = state
}

// claimProvisioning atomically moves an untracked bot to processing. It
// reports false if another caller already holds a claim, which is how
// concurrent start attempts on the same bot collapse to one winner.
func (m *CustomBotsManager) claimProvisioning(botID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tracking[botID] != BotUntracked {
		return false
	}
	m.tracking[botID] = BotProcessing
	return true
}

// Fetch returns the custom bot with the given ID, or ErrCustomBotNotFound.
func (m *CustomBotsManager) Fetch(
	ctx context.Context,
	botID string,
) (*CustomBot, error) {
	var bot CustomBot
	err := m.db.DB().WithContext(ctx).Where("id = ?", botID).Take(&bot).Error
	if err != nil {
		if isRecordNotFound(err) {
			return nil, ErrCustomBotNotFound
		}
		return nil, err
	}
	return &bot, nil
}

// FetchOwner returns the owner's custom bots, oldest first, truncated to
// the tier's bot cap, along with how many more bots the owner may register
// under that cap. An owner can hold more bots than the cap after a tier
// downgrade; the extras are hidden rather than deleted.
func (m *CustomBotsManager) FetchOwner(
	ctx context.Context,
	ownerID string,
	tier int,
) ([]*CustomBot, int, error) {
	var bots []*CustomBot
	err := m.db.DB().WithContext(ctx).Where(
		"owner_id = ?", ownerID,
	).Order("created_at asc").Find(&bots).Error
	if err != nil {
		return nil, 0, err
	}

	limit := botsCapForTier(tier)
	remaining := limit - len(bots)
	if remaining < 0 {
		remaining = 0
	}
	if len(bots) > limit {
		bots = bots[:limit]
	}
	return bots, remaining, nil
}

// Create validates the candidate token and registers a new custom bot for
// the owner, subject to the tier's bot cap. A validation verdict of
// ErrTokenInvalid is returned to the caller and nothing new is stored —
// but a token Discord rejected in the first two stages also latches
// token-invalid on any existing bot registered with that same token.
func (m *CustomBotsManager) Create(
	ctx context.Context,
	ownerID string,
	token string,
	tier int,
) (*CustomBot, error) {
	_, remaining, err := m.FetchOwner(ctx, ownerID, tier)
	if err != nil {
		return nil, err
	}
	if remaining == 0 {
		return nil, ErrCustomBotQuota
	}

	identity, err := m.validator.Validate(ctx, token, tier)
	if err != nil {
		// stage 3 is a tier-cap verdict, not a statement about the token
		var verr *TokenValidationError
		if errors.As(err, &verr) && verr.Stage < 3 {
			m.invalidateMatching(ctx, ownerID, token)
		}
		return nil, err
	}

	bot := &CustomBot{
		ID:            uuid.NewString(),
		OwnerID:       ownerID,
		Token:         token,
		BotUserID:     identity.UserID,
		BotUsername:   identity.Username,
		ApplicationID: identity.ApplicationID,
		Tier:          tier,
	}
	if _, err := m.db.Create(ctx, bot); err != nil {
		return nil, err
	}

	if _, err := m.db.Create(ctx, newAuditLog(
		AuditEventCustomBotCreated, bot.ID, "", ownerID, bot.BotUsername,
	)); err != nil {
		m.logger.ErrorContext(ctx, "error writing audit log", tint.Err(err))
	}

	m.logger.InfoContext(ctx, "registered custom bot", "bot", bot)
	return bot, nil
}

// invalidateMatching latches token-invalid on any of the owner's existing
// bots registered with the rejected token.
func (m *CustomBotsManager) invalidateMatching(
	ctx context.Context,
	ownerID string,
	token string,
) {
	var bots []*CustomBot
	err := m.db.DB().WithContext(ctx).Where(
		"owner_id = ? AND token = ?", ownerID, token,
	).Find(&bots).Error
	if err != nil {
		m.logger.ErrorContext(
			ctx, "error loading bots for invalidation", tint.Err(err),
		)
		return
	}
	for _, bot := range bots {
		if bot.TokenInvalid {
			continue
		}
		bot.TokenInvalid = true
		if _, err := m.db.Update(
			ctx, bot, columnCustomBotTokenInvalid, true,
		); err != nil {
			m.logger.ErrorContext(
				ctx, "error latching invalid token", "bot", bot, tint.Err(err),
			)
			continue
		}
		m.logger.WarnContext(
			ctx, "latched token-invalid on existing custom bot", "bot", bot,
		)
	}
}

// Start provisions a child process for the bot. Only an offline bot can be
// started: a latched-invalid token, a live process, or a provisioning claim
// held by another caller all refuse the start. The stored token is
// revalidated first; if Discord now rejects it, the bot is latched
// token-invalid and the claim is rolled back, leaving the bot offline.
//
// A successful spawn leaves the optimistic processing claim in place; the
// daily reconciliation promotes it to processed once the process manager
// reports the child online, or releases it if the spawn silently died.
func (m *CustomBotsManager) Start(
	ctx context.Context,
	botID string,
	actorID string,
) error {
	bot, err := m.Fetch(ctx, botID)
	if err != nil {
		return err
	}

	status, err := m.Status(ctx, bot)
	if err != nil {
		return err
	}
	if status != CustomBotStatusOffline {
		return ErrCustomBotNotOffline
	}

	if !m.claimProvisioning(bot.ID) {
		return ErrCustomBotNotOffline
	}

	if _, err := m.validator.Validate(ctx, bot.Token, bot.Tier); err != nil {
		m.setTracking(bot.ID, BotUntracked)
		if errors.Is(err, ErrTokenInvalid) {
			bot.TokenInvalid = true
			if _, uerr := m.db.Update(
				ctx, bot, columnCustomBotTokenInvalid, true,
			); uerr != nil {
				m.logger.ErrorContext(
					ctx, "error latching invalid token", "bot", bot, tint.Err(uerr),
				)
			}
			m.logger.WarnContext(
				ctx, "custom bot token no longer valid", "bot", bot, tint.Err(err),
			)
		}
		return err
	}

	err = m.pm.Spawn(
		ctx, ProcessSpec{
			Name: bot.ProcessName(),
			Env: map[string]string{
				"CUSTOM_BOT_TOKEN": bot.Token,
				"CUSTOM_BOT_ID":    bot.ID,
			},
		},
	)
	if err != nil {
		m.setTracking(bot.ID, BotUntracked)
		return fmt.Errorf("error starting custom bot process: %w", err)
	}

	if _, err := m.db.Create(ctx, newAuditLog(
		AuditEventCustomBotStarted, bot.ID, "", actorID, bot.BotUsername,
	)); err != nil {
		m.logger.ErrorContext(ctx, "error writing audit log", tint.Err(err))
	}

	m.logger.InfoContext(ctx, "started custom bot", "bot", bot)
	return nil
}

// Status derives the bot's disposition: a latched-invalid token dominates;
// otherwise the in-memory tracking map decides. Processed reads running,
// processing reads provisioning, untracked reads offline. The map is kept
// honest by the daily reconciliation against the process manager, so the
// derivation itself never consults it.
func (m *CustomBotsManager) Status(
	_ context.Context,
	bot *CustomBot,
) (CustomBotStatus, error) {
	if bot.TokenInvalid {
		return CustomBotStatusTokenInvalid, nil
	}

	switch m.Tracking(bot.ID) {
	case BotProcessed:
		return CustomBotStatusRunning, nil
	case BotProcessing:
		return CustomBotStatusProvisioning, nil
	default:
		return CustomBotStatusOffline, nil
	}
}

// Reconcile aligns the tracking map and the process manager with the
// database, treating the process manager's list as the source of truth for
// what is actually running:
//
//   - supervised processes with no matching registered bot are deleted;
//   - registered bots with a live process are marked processed;
//   - tracked bots with no live process fall back to untracked, whether
//     the claim was processed (the process vanished) or still processing
//     (the spawn never came up), so the owner can start them again.
//
// It runs daily at the reconciliation hour and on demand via the admin API.
func (m *CustomBotsManager) Reconcile(ctx context.Context) error {
	processes, err := m.pm.List(ctx)
	if err != nil {
		return fmt.Errorf("error listing supervised processes: %w", err)
	}

	var bots []*CustomBot
	if err := m.db.DB().WithContext(ctx).Find(&bots).Error; err != nil {
		return fmt.Errorf("error loading custom bots: %w", err)
	}

	botsByProcess := make(map[string]*CustomBot, len(bots))
	for _, bot := range bots {
		botsByProcess[bot.ProcessName()] = bot
	}

	live := map[string]bool{}
	for _, p := range processes {
		if !strings.HasPrefix(p.Name, customBotProcessPrefix) {
			continue
		}
		bot, known := botsByProcess[p.Name]
		if !known {
			m.logger.WarnContext(
				ctx, "deleting orphan supervised process", "name", p.Name,
			)
			if err := m.pm.Delete(ctx, p.Name); err != nil {
				m.logger.ErrorContext(
					ctx, "error deleting orphan process", "name", p.Name, tint.Err(err),
				)
			}
			continue
		}
		if p.Status == ProcessStatusOnline {
			live[bot.ID] = true
		}
	}

	for _, bot := range bots {
		switch {
		case live[bot.ID]:
			m.setTracking(bot.ID, BotProcessed)
		case m.Tracking(bot.ID) != BotUntracked:
			// the process manager does not run it; external list wins
			m.logger.InfoContext(
				ctx, "custom bot process not running; marking offline", "bot", bot,
			)
			m.setTracking(bot.ID, BotUntracked)
		}
	}

	m.logger.InfoContext(
		ctx, "reconciled custom bots",
		"bots", len(bots),
		"live", len(live),
	)
	return nil
}
