package xtopsupport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	// DiscordSlashCommandSupport raises an assistance request.
	DiscordSlashCommandSupport = "support"

	// DiscordSlashCommandLanguage sets the user's locale.
	DiscordSlashCommandLanguage = "language"

	// supportCommandIssueOption is the option name for the issue description.
	supportCommandIssueOption = "issue"

	// languageCommandLocaleOption is the option name for the locale choice.
	languageCommandLocaleOption = "locale"

	// customIDSeparator joins the parts of a message component custom ID.
	customIDSeparator = ":"

	// threadAutoArchiveMinutes is the auto-archive duration for
	// assistance threads.
	threadAutoArchiveMinutes = 1440

	// assistantRolePrefix and assistancePoolChannelPrefix encode the
	// guild+locale naming convention for assistant pools.
	assistantRolePrefix         = "assistant-"
	assistancePoolChannelPrefix = "assistance-"
)

// Component custom ID actions.
const (
	componentActionAccept        = "accept"
	componentActionCancel        = "cancel"
	componentActionCloseSolved   = "close_solved"
	componentActionCloseInactive = "close_inactive"
	componentActionSurvey        = "survey"
)

// supportedLocales is the set of locales a user can choose from; each maps
// to an assistant pool per guild.
var supportedLocales = []string{"en-US", "es-ES", "fr", "de", "pt-BR", "ar"}

// DiscordSessionHandler abstracts the discordgo session operations the bot
// consumes, primarily to enable substituting a fake in tests.
type DiscordSessionHandler interface {
	Open() error
	Close() error
	AddHandler(handler any) func()
	UpdateCustomStatus(status string) error
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	GuildMember(
		guildID, userID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Member, error)
	GuildRoles(
		guildID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Role, error)
	GuildChannels(
		guildID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Channel, error)
	GuildMemberRoleAdd(
		guildID, userID, roleID string,
		options ...discordgo.RequestOption,
	) error
	GuildMemberRoleRemove(
		guildID, userID, roleID string,
		options ...discordgo.RequestOption,
	) error

	ThreadStart(
		channelID, name string,
		typ discordgo.ChannelType,
		archiveDuration int,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)
	ThreadMemberAdd(
		threadID, memberID string,
		options ...discordgo.RequestOption,
	) error

	ChannelMessageSend(
		channelID string,
		content string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	ChannelEditComplex(
		channelID string,
		data *discordgo.ChannelEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error
	FollowupMessageCreate(
		interaction *discordgo.Interaction,
		wait bool,
		data *discordgo.WebhookParams,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
}

// DiscordSession wraps a discordgo.Session, implementing
// DiscordSessionHandler by delegation.
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error  { return d.session.Open() }
func (d DiscordSession) Close() error { return d.session.Close() }

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	return d.session.ApplicationCommandBulkOverwrite(appID, guildID, commands, options...)
}

func (d DiscordSession) GuildMember(
	guildID, userID string,
	options ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	return d.session.GuildMember(guildID, userID, options...)
}

func (d DiscordSession) GuildRoles(
	guildID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Role, error) {
	return d.session.GuildRoles(guildID, options...)
}

func (d DiscordSession) GuildChannels(
	guildID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Channel, error) {
	return d.session.GuildChannels(guildID, options...)
}

func (d DiscordSession) GuildMemberRoleAdd(
	guildID, userID, roleID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.GuildMemberRoleAdd(guildID, userID, roleID, options...)
}

func (d DiscordSession) GuildMemberRoleRemove(
	guildID, userID, roleID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.GuildMemberRoleRemove(guildID, userID, roleID, options...)
}

func (d DiscordSession) ThreadStart(
	channelID, name string,
	typ discordgo.ChannelType,
	archiveDuration int,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.ThreadStart(channelID, name, typ, archiveDuration, options...)
}

func (d DiscordSession) ThreadMemberAdd(
	threadID, memberID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ThreadMemberAdd(threadID, memberID, options...)
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	content string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, content, options...)
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSendComplex(channelID, data, options...)
}

func (d DiscordSession) ChannelEditComplex(
	channelID string,
	data *discordgo.ChannelEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.ChannelEditComplex(channelID, data, options...)
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) FollowupMessageCreate(
	interaction *discordgo.Interaction,
	wait bool,
	data *discordgo.WebhookParams,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.FollowupMessageCreate(interaction, wait, data, options...)
}

// Discord manages the gateway connection, slash command registration, and
// interaction dispatch for the support bot.
type Discord struct {
	session DiscordSessionHandler
	config  *DiscordConfig
	logger  *slog.Logger

	metricConnects    atomic.Int64
	metricDisconnects atomic.Int64
	connected         atomic.Bool

	discordgoRemoveHandlerFuncs []func()
	x                           *XTopSupport
}

func newDiscord(config *DiscordConfig) (*Discord, error) {
	if config.Token == "" {
		return nil, fmt.Errorf("discord token is required")
	}
	return &Discord{
		config:                      config,
		discordgoRemoveHandlerFuncs: []func(){},
	}, nil
}

// newSession initializes a new gateway session for the bot account.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{
		logger: d.logger.With(loggerNameKey, "discord_session_handler"),
	}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	disc.Identify.Intents = d.config.GatewayIntents
	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		d.logger.With(loggerNameKey, "discordgo").Handler(),
	)
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}
	session.session = disc
	return session, nil
}

// appCommandSupport creates the slash command used to raise an assistance
// request.
func (*Discord) appCommandSupport() *discordgo.ApplicationCommand {
	minLength := 1
	maxLength := RequestIssueMaxLength

	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandSupport,
		Description: "Request help from a human assistant",
		Type:        discordgo.ChatApplicationCommand,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        supportCommandIssueOption,
				Description: "Briefly, what do you need help with?",
				Required:    true,
				MinLength:   &minLength,
				MaxLength:   maxLength,
			},
		},
	}
}

// appCommandLanguage creates the slash command used to pick a locale.
func (*Discord) appCommandLanguage() *discordgo.ApplicationCommand {
	choices := make(
		[]*discordgo.ApplicationCommandOptionChoice,
		0,
		len(supportedLocales),
	)
	for _, locale := range supportedLocales {
		choices = append(
			choices, &discordgo.ApplicationCommandOptionChoice{
				Name:  locale,
				Value: locale,
			},
		)
	}
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandLanguage,
		Description: "Choose your language",
		Type:        discordgo.ChatApplicationCommand,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        languageCommandLocaleOption,
				Description: "Language for your support requests",
				Required:    true,
				Choices:     choices,
			},
		},
	}
}

// registerCommands overwrites the application's slash commands.
func (d *Discord) registerCommands() error {
	commands := []*discordgo.ApplicationCommand{
		d.appCommandSupport(),
		d.appCommandLanguage(),
	}
	_, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
	)
	return err
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	c *discordgo.Connect,
) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.Info("Connected to discord gateway")

		if d.config.CustomStatus != "" {
			if err := d.session.UpdateCustomStatus(d.config.CustomStatus); err != nil {
				d.logger.Warn("error setting custom status", tint.Err(err))
			}
		}

		if d.config.StartupMessage == "" || d.x == nil {
			return
		}
		channelID := d.x.RuntimeConfig().NotificationChannelID
		if channelID == "" {
			return
		}
		if _, err := d.session.ChannelMessageSend(
			channelID,
			d.config.StartupMessage,
		); err != nil {
			d.logger.Warn("error sending startup message", tint.Err(err))
		}
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	dc *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.metricDisconnects.Add(1)
		d.connected.Store(false)
		d.logger.Warn("Disconnected from discord gateway")
	}
}

// customID builds a component custom ID from an action and a request ID.
func customID(action string, requestID string) string {
	return strings.Join(
		[]string{"assistance", action, requestID},
		customIDSeparator,
	)
}

// parseCustomID splits a component custom ID into action and request ID.
// The boolean is false for custom IDs this bot did not mint.
func parseCustomID(id string) (action string, requestID string, ok bool) {
	parts := strings.Split(id, customIDSeparator)
	if len(parts) != 3 || parts[0] != "assistance" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// assistantPool resolves the role and channel for a guild+locale assistant
// pool by naming convention: role 'assistant-<locale>', channel
// 'assistance-<locale>', both lowercased.
func (d *Discord) assistantPool(guildID, locale string) (
	roleID string,
	channelID string,
	err error,
) {
	suffix := strings.ToLower(locale)

	roles, err := d.session.GuildRoles(guildID)
	if err != nil {
		return "", "", fmt.Errorf("error fetching guild roles: %w", err)
	}
	for _, role := range roles {
		if strings.EqualFold(role.Name, assistantRolePrefix+suffix) {
			roleID = role.ID
			break
		}
	}
	if roleID == "" {
		return "", "", fmt.Errorf(
			"no assistant pool role for locale %q in guild %s", locale, guildID,
		)
	}

	channels, err := d.session.GuildChannels(guildID)
	if err != nil {
		return "", "", fmt.Errorf("error fetching guild channels: %w", err)
	}
	for _, channel := range channels {
		if strings.EqualFold(channel.Name, assistancePoolChannelPrefix+suffix) {
			channelID = channel.ID
			break
		}
	}
	if channelID == "" {
		return "", "", fmt.Errorf(
			"no assistance channel for locale %q in guild %s", locale, guildID,
		)
	}

	return roleID, channelID, nil
}

// isUnknownMember reports whether the error is Discord's 'unknown member'
// REST error, which callers treat as a distinct non-fatal case.
func isUnknownMember(err error) bool {
	if err == nil {
		return false
	}
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return false
	}
	return restErr.Message != nil &&
		restErr.Message.Code == discordgo.ErrCodeUnknownMember
}

// archiveAndLockThread archives and locks the given thread.
func (d *Discord) archiveAndLockThread(threadID string) error {
	archived := true
	locked := true
	_, err := d.session.ChannelEditComplex(
		threadID, &discordgo.ChannelEdit{
			Archived: &archived,
			Locked:   &locked,
		},
	)
	return err
}

// interactionUser returns the invoking user for guild or DM interactions.
func interactionUser(i *discordgo.InteractionCreate) *discordgo.User {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}
	return i.User
}

// logInteraction persists an InteractionLog row for every inbound
// interaction; failures are logged and otherwise ignored.
func (d *Discord) logInteraction(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	u *discordgo.User,
) {
	logger := d.logger.With(
		slog.Group("interaction", interactionLogAttrs(*i)...),
	)
	il, err := newInteractionLog(i, u)
	if err != nil {
		logger.WarnContext(ctx, "error building interaction log", tint.Err(err))
		return
	}
	if _, err := d.x.writeDB.Create(ctx, il); err != nil {
		logger.ErrorContext(ctx, "error saving interaction log", tint.Err(err))
	}
}

// threadName builds the assistance thread name from the requester's
// username and the request timestamp.
func threadName(username string, requestedAt int64) string {
	ts := time.UnixMilli(requestedAt).UTC().Format("2006-01-02")
	return truncate(fmt.Sprintf("support-%s-%s", username, ts), 100)
}
