package xtopsupport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"
)

// ErrTokenInvalid marks a custom bot token that Discord rejected or whose
// application fails a validation stage. It is a terminal verdict for the
// token, as opposed to transport errors, which are retryable.
var ErrTokenInvalid = errors.New("custom bot token is invalid")

// Application flag bits for privileged gateway intents, per the Discord API
// docs. A custom bot application requesting these is rejected.
const (
	appFlagGatewayPresence           = 1 << 12
	appFlagGatewayGuildMembers       = 1 << 14
	appFlagGatewayMessageContent     = 1 << 18
	appFlagPrivilegedIntents         = appFlagGatewayPresence |
		appFlagGatewayGuildMembers | appFlagGatewayMessageContent
)

// TokenValidationError wraps ErrTokenInvalid with the failing stage and a
// user-presentable reason.
type TokenValidationError struct {
	Stage  int
	Reason string
}

func (e *TokenValidationError) Error() string {
	return fmt.Sprintf(
		"token validation failed at stage %d: %s", e.Stage, e.Reason,
	)
}

func (e *TokenValidationError) Unwrap() error {
	return ErrTokenInvalid
}

// BotIdentity is the validated identity of a custom bot token.
type BotIdentity struct {
	UserID        string
	Username      string
	ApplicationID string
	GuildCount    int
}

// botSession is the slice of a discordgo session the validator consumes,
// substitutable in tests.
type botSession interface {
	User(
		userID string,
		options ...discordgo.RequestOption,
	) (*discordgo.User, error)
	Application(appID string) (*discordgo.Application, error)
	UserGuilds(
		limit int,
		beforeID string,
		afterID string,
		withCounts bool,
		options ...discordgo.RequestOption,
	) ([]*discordgo.UserGuild, error)
}

// TokenValidator verifies a candidate custom bot token in three stages,
// each requiring its own REST call:
//
//  1. the token authenticates as a bot account (a 401 means the token
//     itself is dead);
//  2. the application is private and requests no privileged intents;
//  3. the bot's guild count fits the owner's tier cap.
//
// All REST calls pass through a shared client-side rate limiter. Discord
// 429 responses are retried exactly once; a second 429 surfaces as an
// error, not a verdict on the token.
type TokenValidator struct {
	limiter *rate.Limiter
	logger  *slog.Logger

	// newSession is swappable for tests
	newSession func(token string) (botSession, error)
}

func NewTokenValidator(
	config *CustomBotsConfig,
	logger *slog.Logger,
) *TokenValidator {
	if logger == nil {
		logger = slog.Default()
	}
	v := &TokenValidator{
		limiter: rate.NewLimiter(rate.Limit(config.RESTRatePerSecond), 1),
		logger:  logger.With(loggerNameKey, "token_validator"),
	}
	v.newSession = v.restSession
	return v
}

func (v *TokenValidator) restSession(token string) (botSession, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	// one automatic retry on a 429, then give up
	session.MaxRestRetries = 1
	return session, nil
}

// guildCapForTier returns the maximum guild count a custom bot may already
// be in, by owner tier.
func guildCapForTier(tier int) int {
	switch {
	case tier >= 3:
		return 10
	case tier == 2:
		return 3
	default:
		return 1
	}
}

// isUnauthorized reports whether the error is a Discord 401, i.e. the
// token itself was rejected.
func isUnauthorized(err error) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return false
	}
	return restErr.Response != nil &&
		restErr.Response.StatusCode == http.StatusUnauthorized
}

// Validate runs all three stages against the candidate token and returns
// the bot's identity on success. An error wrapping ErrTokenInvalid is a
// terminal verdict; any other error means validation could not complete
// and may be retried later.
func (v *TokenValidator) Validate(
	ctx context.Context,
	token string,
	tier int,
) (*BotIdentity, error) {
	// stage 1: the token must authenticate as a bot account
	session, err := v.newSession(token)
	if err != nil {
		return nil, fmt.Errorf("error creating validation session: %w", err)
	}

	if err := v.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	botUser, err := session.User("@me")
	if err != nil {
		if isUnauthorized(err) {
			return nil, &TokenValidationError{
				Stage:  1,
				Reason: "discord rejected the token",
			}
		}
		return nil, fmt.Errorf("error fetching bot user: %w", err)
	}
	if !botUser.Bot {
		return nil, &TokenValidationError{
			Stage:  1,
			Reason: "token does not belong to a bot account",
		}
	}
	if botUser.PublicFlags&discordgo.UserFlagVerifiedBot != 0 {
		return nil, &TokenValidationError{
			Stage:  1,
			Reason: "verified bots cannot be managed as custom bots",
		}
	}

	// stage 2: the application must be private, with no privileged intents
	if err := v.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	app, err := session.Application("@me")
	if err != nil {
		if isUnauthorized(err) {
			return nil, &TokenValidationError{
				Stage:  2,
				Reason: "discord rejected the token",
			}
		}
		return nil, fmt.Errorf("error fetching application: %w", err)
	}
	if app.BotPublic {
		return nil, &TokenValidationError{
			Stage:  2,
			Reason: "application must have 'public bot' disabled",
		}
	}
	if app.Flags&appFlagPrivilegedIntents != 0 {
		return nil, &TokenValidationError{
			Stage:  2,
			Reason: "application must not request privileged gateway intents",
		}
	}

	// stage 3: the bot's guild count must fit the owner's tier
	if err := v.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	guilds, err := session.UserGuilds(200, "", "", false)
	if err != nil {
		if isUnauthorized(err) {
			return nil, &TokenValidationError{
				Stage:  3,
				Reason: "discord rejected the token",
			}
		}
		return nil, fmt.Errorf("error fetching bot guilds: %w", err)
	}
	if cap := guildCapForTier(tier); len(guilds) > cap {
		return nil, &TokenValidationError{
			Stage: 3,
			Reason: fmt.Sprintf(
				"bot is in %d guilds; tier allows at most %d", len(guilds), cap,
			),
		}
	}

	identity := &BotIdentity{
		UserID:        botUser.ID,
		Username:      botUser.Username,
		ApplicationID: app.ID,
		GuildCount:    len(guilds),
	}
	v.logger.InfoContext(
		ctx, "validated custom bot token",
		"bot_user_id", identity.UserID,
		"bot_username", identity.Username,
	)
	return identity, nil
}
