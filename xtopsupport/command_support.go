package xtopsupport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// handlerInteractionCreate is the single gateway entry point for slash
// commands and message components. Every inbound interaction is logged to
// the database before it is dispatched.
func (d *Discord) handlerInteractionCreate() func(
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
) {
	return func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
		ctx := WithLogger(context.Background(), d.logger)

		u := interactionUser(i)
		if u == nil {
			d.logger.Warn("interaction without a user", "interaction_id", i.ID)
			return
		}
		d.logInteraction(ctx, i, u)

		switch i.Type {
		case discordgo.InteractionApplicationCommand:
			data := i.ApplicationCommandData()
			switch data.Name {
			case DiscordSlashCommandSupport:
				d.x.handleSupportCommand(ctx, i, u)
			case DiscordSlashCommandLanguage:
				d.x.handleLanguageCommand(ctx, i, u)
			default:
				d.logger.Warn("unknown command", "name", data.Name)
			}
		case discordgo.InteractionMessageComponent:
			d.x.handleComponent(ctx, i, u)
		default:
			d.logger.Debug("ignoring interaction", "type", i.Type.String())
		}
	}
}

// respondEphemeral answers the interaction with a message only the invoking
// user can see.
func (x *XTopSupport) respondEphemeral(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	content string,
	components ...discordgo.MessageComponent,
) {
	resp := &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	}
	if len(components) > 0 {
		resp.Data.Components = []discordgo.MessageComponent{
			discordgo.ActionsRow{Components: components},
		}
	}
	if err := x.discord.session.InteractionRespond(i.Interaction, resp); err != nil {
		x.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	}
}

// userFacingError maps lifecycle sentinel errors onto messages shown to the
// invoking user; anything else gets the configured generic error message.
func (x *XTopSupport) userFacingError(err error) string {
	switch {
	case errors.Is(err, ErrLocaleNotSet):
		return fmt.Sprintf(
			"Please choose your language first with `/%s`.",
			DiscordSlashCommandLanguage,
		)
	case errors.Is(err, ErrAlreadyRequested):
		return "You already have an open support request."
	case errors.Is(err, ErrQuotaExceeded):
		return "You've reached today's support request limit. Try again tomorrow!"
	case errors.Is(err, ErrRequestNotSearching):
		return "That request is no longer open."
	case errors.Is(err, ErrRequestNotActive):
		return "That request doesn't have an open thread."
	case errors.Is(err, ErrNotRequester):
		return "Only the person who opened this request can cancel it."
	case errors.Is(err, ErrNotAssistant):
		return "Only the assigned assistant can do that."
	case errors.Is(err, ErrSelfAccept):
		return "You can't accept your own request."
	case errors.Is(err, ErrRequesterLeftGuild):
		return "The requester has left the server; the request was cancelled."
	case errors.Is(err, ErrRequestNotFound), errors.Is(err, ErrCustomBotNotFound):
		return "Sorry, I couldn't find that."
	case errors.Is(err, ErrCustomBotQuota):
		return "You've reached your custom bot limit."
	case errors.Is(err, ErrCustomBotNotOffline):
		return "That bot isn't offline right now."
	case errors.Is(err, ErrTokenInvalid):
		var verr *TokenValidationError
		if errors.As(err, &verr) {
			return "That token didn't pass validation: " + verr.Reason
		}
		return "That token didn't pass validation."
	default:
		return x.RuntimeConfig().ErrorMessage
	}
}

// interactionMintTime recovers the interaction's creation time from its
// snowflake ID, falling back to the local clock.
func interactionMintTime(i *discordgo.InteractionCreate) time.Time {
	ts, err := discordgo.SnowflakeTimestamp(i.ID)
	if err != nil {
		return time.Now().UTC()
	}
	return ts.UTC()
}

// handleSupportCommand creates a new assistance request and announces it to
// the locale's assistant pool.
func (x *XTopSupport) handleSupportCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	u *discordgo.User,
) {
	if !x.requestLimiter.IsAllowed(u.ID) {
		x.respondEphemeral(ctx, i, x.RuntimeConfig().RateLimitMessage)
		return
	}
	if x.RuntimeConfig().Paused {
		x.respondEphemeral(ctx, i, x.RuntimeConfig().PausedMessage)
		return
	}
	if i.GuildID == "" {
		x.respondEphemeral(ctx, i, "Support requests can only be made in a server.")
		return
	}

	options := discordInteractionOptions(i)
	issueOpt, ok := options[supportCommandIssueOption]
	if !ok {
		x.respondEphemeral(ctx, i, x.RuntimeConfig().ErrorMessage)
		return
	}
	issue := strings.TrimSpace(issueOpt.StringValue())

	profile, _, err := x.profiles.GetOrCreate(ctx, *u)
	if err != nil {
		x.logger.ErrorContext(ctx, "error loading user profile", tint.Err(err))
		x.respondEphemeral(ctx, i, x.RuntimeConfig().ErrorMessage)
		return
	}

	req, err := x.requests.Create(
		ctx,
		u.ID,
		i.GuildID,
		issue,
		profile.Locale,
		i.Token,
		interactionMintTime(i),
	)
	if err != nil {
		if !isExpectedRequestError(err) {
			x.logger.ErrorContext(ctx, "error creating request", tint.Err(err))
		}
		x.respondEphemeral(ctx, i, x.userFacingError(err))
		return
	}

	x.respondEphemeral(
		ctx, i,
		"Got it! Searching for an assistant. This request expires in 15 minutes.",
		discordgo.Button{
			Label:    "Cancel request",
			Style:    discordgo.DangerButton,
			CustomID: customID(componentActionCancel, req.ID),
		},
	)

	x.announceRequest(ctx, req)
}

// announceRequest posts the new request to the assistant pool channel for
// its guild and locale, with an accept button. Best effort: a request with
// no announcement is still searching and still expires normally.
func (x *XTopSupport) announceRequest(ctx context.Context, req *RequestAssistant) {
	_, channelID, err := x.discord.assistantPool(req.GuildID, req.Locale)
	if err != nil {
		x.logger.ErrorContext(ctx, "error resolving assistant pool", tint.Err(err))
		return
	}

	_, err = x.discord.session.ChannelMessageSendComplex(
		channelID, &discordgo.MessageSend{
			Content: fmt.Sprintf(
				"New support request from <@%s>:\n> %s", req.UserID, req.Issue,
			),
			Components: []discordgo.MessageComponent{
				discordgo.ActionsRow{
					Components: []discordgo.MessageComponent{
						discordgo.Button{
							Label:    "Accept",
							Style:    discordgo.SuccessButton,
							CustomID: customID(componentActionAccept, req.ID),
						},
					},
				},
			},
		},
	)
	if err != nil {
		x.logger.ErrorContext(ctx, "error announcing request", "request", req, tint.Err(err))
	}
}

// handleLanguageCommand sets the invoking user's locale.
func (x *XTopSupport) handleLanguageCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	u *discordgo.User,
) {
	options := discordInteractionOptions(i)
	localeOpt, ok := options[languageCommandLocaleOption]
	if !ok {
		x.respondEphemeral(ctx, i, x.RuntimeConfig().ErrorMessage)
		return
	}
	locale := localeOpt.StringValue()

	if _, _, err := x.profiles.GetOrCreate(ctx, *u); err != nil {
		x.logger.ErrorContext(ctx, "error loading user profile", tint.Err(err))
		x.respondEphemeral(ctx, i, x.RuntimeConfig().ErrorMessage)
		return
	}
	if err := x.profiles.SetLocale(ctx, u.ID, locale); err != nil {
		x.logger.ErrorContext(ctx, "error setting locale", tint.Err(err))
		x.respondEphemeral(ctx, i, x.RuntimeConfig().ErrorMessage)
		return
	}
	x.respondEphemeral(ctx, i, fmt.Sprintf("Language set to **%s**.", locale))
}

// handleComponent dispatches button and select interactions by custom ID.
func (x *XTopSupport) handleComponent(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	u *discordgo.User,
) {
	id := i.MessageComponentData().CustomID

	// survey custom IDs carry a trailing verdict segment
	if parts := strings.Split(id, customIDSeparator); len(parts) == 4 &&
		parts[0] == "assistance" && parts[1] == componentActionSurvey {
		x.handleSurvey(ctx, i, u, parts[2], parts[3])
		return
	}

	action, requestID, ok := parseCustomID(id)
	if !ok {
		x.logger.Warn("unrecognized component custom ID", "custom_id", id)
		return
	}

	var err error
	var content string
	switch action {
	case componentActionAccept:
		_, err = x.assistance.Accept(ctx, requestID, *u)
		content = "You've accepted the request; a thread has been opened."
	case componentActionCancel:
		_, err = x.assistance.Cancel(ctx, requestID, u.ID)
		content = "Your request has been cancelled."
	case componentActionCloseSolved:
		_, err = x.assistance.Close(ctx, requestID, u.ID, CloseReasonSolved)
		content = "Closed as solved. Nice work!"
	case componentActionCloseInactive:
		_, err = x.assistance.Close(ctx, requestID, u.ID, CloseReasonInactive)
		content = "Closed; the requester was inactive."
	default:
		x.logger.Warn("unknown component action", "action", action)
		return
	}

	if err != nil {
		if !isExpectedRequestError(err) {
			x.logger.ErrorContext(
				ctx, "component action failed",
				"action", action,
				"request_id", requestID,
				tint.Err(err),
			)
		}
		content = x.userFacingError(err)
	}
	x.respondEphemeral(ctx, i, content)
}

// handleSurvey records post-close feedback in the audit log.
func (x *XTopSupport) handleSurvey(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	u *discordgo.User,
	requestID string,
	verdict string,
) {
	if verdict != "good" && verdict != "bad" {
		x.logger.Warn("unexpected survey verdict", "verdict", verdict)
		return
	}
	req, err := x.requests.Fetch(ctx, requestID, false)
	if err != nil || req == nil || req.UserID != u.ID {
		x.respondEphemeral(ctx, i, "Thanks for the feedback!")
		return
	}

	if _, err := x.writeDB.Create(ctx, newAuditLog(
		auditEventSurveyResponse, req.ID, req.GuildID, u.ID, verdict,
	)); err != nil {
		x.logger.ErrorContext(ctx, "error recording survey response", tint.Err(err))
	}
	x.respondEphemeral(ctx, i, "Thanks for the feedback!")
}

// isExpectedRequestError reports whether the error is a sentinel lifecycle
// condition the user is told about, rather than a fault worth an error log.
func isExpectedRequestError(err error) bool {
	for _, sentinel := range []error{
		ErrLocaleNotSet, ErrAlreadyRequested, ErrQuotaExceeded,
		ErrRequestNotSearching, ErrRequestNotActive, ErrNotRequester,
		ErrNotAssistant, ErrSelfAccept, ErrRequesterLeftGuild,
		ErrRequestNotFound,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
