package xtopsupport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// AssistanceService drives assistance requests through their lifecycle:
// cancellation by the requester, acceptance by an assistant, and closure by
// the assigned assistant. Every transition is a guard-then-act sequence run
// under the registry's per-request lock, so two racing actors cannot both
// pass the same guard.
type AssistanceService struct {
	db       DBI
	requests *RequestRegistry
	discord  *Discord
	profiles *UserProfileStore
	logger   *slog.Logger

	// nowFunc is swappable for tests
	nowFunc func() time.Time
}

func NewAssistanceService(
	db DBI,
	requests *RequestRegistry,
	discord *Discord,
	profiles *UserProfileStore,
	logger *slog.Logger,
) *AssistanceService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AssistanceService{
		db:       db,
		requests: requests,
		discord:  discord,
		profiles: profiles,
		logger:   logger.With(loggerNameKey, "assistance"),
		nowFunc:  func() time.Time { return time.Now().UTC() },
	}
}

// Cancel ends a searching request at the requester's initiative. Only the
// requester may cancel, and only while the request is still searching. A
// cancel that lands after the expiry window still closes the request, but
// the resulting disposition is expired rather than cancelled.
func (s *AssistanceService) Cancel(
	ctx context.Context,
	requestID string,
	actorID string,
) (*RequestAssistant, error) {
	req, err := s.requests.Fetch(ctx, requestID, false)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, ErrRequestNotFound
	}

	err = s.requests.WithRequestLock(
		req.ID, func() error {
			if req.Status() != RequestStatusSearching {
				return ErrRequestNotSearching
			}
			if req.UserID != actorID {
				return ErrNotRequester
			}

			req.ClosedAt = s.nowFunc().UnixMilli()
			if err := s.requests.PersistTerminal(ctx, req); err != nil {
				return err
			}

			event := AuditEventRequestCancelled
			if req.Status() == RequestStatusExpired {
				event = AuditEventRequestExpired
			}
			s.audit(ctx, event, req, actorID, "")
			s.logger.InfoContext(ctx, "request cancelled", "request", req)
			return nil
		},
	)
	if err != nil {
		return nil, err
	}
	return req, nil
}

// Accept assigns an assistant to a searching request and provisions the
// private support thread. The guards, in order: the request must still be
// searching and unexpired, the acceptor must not be the requester, the
// acceptor must hold the assistant pool role for the request's locale, and
// the requester must still be a member of the guild. A requester who has
// left the guild causes the request to be auto-cancelled.
//
// All of this runs under the per-request lock, so concurrent accepts on the
// same request serialize and exactly one wins; the rest fail the searching
// guard.
func (s *AssistanceService) Accept(
	ctx context.Context,
	requestID string,
	assistant discordgo.User,
) (*RequestAssistant, error) {
	req, err := s.requests.Fetch(ctx, requestID, false)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, ErrRequestNotFound
	}

	err = s.requests.WithRequestLock(
		req.ID, func() error {
			now := s.nowFunc()

			if req.Status() != RequestStatusSearching {
				return ErrRequestNotSearching
			}
			if req.TokenExpired(now) {
				req.ClosedAt = now.UnixMilli()
				if perr := s.requests.PersistTerminal(ctx, req); perr != nil {
					s.logger.ErrorContext(
						ctx, "error persisting expired request", tint.Err(perr),
					)
				}
				s.audit(ctx, AuditEventRequestExpired, req, "", "")
				return ErrRequestNotSearching
			}
			if assistant.ID == req.UserID {
				return ErrSelfAccept
			}

			poolRoleID, poolChannelID, err := s.discord.assistantPool(
				req.GuildID, req.Locale,
			)
			if err != nil {
				return err
			}
			if err := s.requireRole(req.GuildID, assistant.ID, poolRoleID); err != nil {
				return err
			}

			// the requester may have left the guild since requesting; if so
			// there is nobody to help, and the request self-cancels
			_, err = s.discord.session.GuildMember(req.GuildID, req.UserID)
			if err != nil {
				if !isUnknownMember(err) {
					return fmt.Errorf("error checking requester membership: %w", err)
				}
				req.ClosedAt = now.UnixMilli()
				if perr := s.requests.PersistTerminal(ctx, req); perr != nil {
					s.logger.ErrorContext(
						ctx, "error persisting auto-cancelled request", tint.Err(perr),
					)
				}
				s.audit(
					ctx, AuditEventRequestCancelled, req, assistant.ID,
					"requester left guild",
				)
				return ErrRequesterLeftGuild
			}

			profile, _, err := s.profiles.GetOrCreate(
				ctx, discordgo.User{ID: req.UserID},
			)
			requesterName := req.UserID
			if err == nil && profile.Username != "" {
				requesterName = profile.Username
			}

			thread, err := s.discord.session.ThreadStart(
				poolChannelID,
				threadName(requesterName, req.RequestedAt),
				discordgo.ChannelTypeGuildPrivateThread,
				threadAutoArchiveMinutes,
			)
			if err != nil {
				return fmt.Errorf("error creating support thread: %w", err)
			}

			for _, memberID := range []string{req.UserID, assistant.ID} {
				if err := s.discord.session.ThreadMemberAdd(
					thread.ID, memberID,
				); err != nil {
					s.logger.WarnContext(
						ctx, "error adding thread member",
						"thread_id", thread.ID,
						"member_id", memberID,
						tint.Err(err),
					)
				}
			}

			req.ThreadID = thread.ID
			req.ThreadCreatedAt = now.UnixMilli()
			req.AssistantID = assistant.ID
			s.requests.IndexThread(req)

			if err := s.requests.PersistTerminal(ctx, req); err != nil {
				return err
			}

			if _, err := s.discord.session.ChannelMessageSend(
				thread.ID,
				fmt.Sprintf(
					"<@%s> will be helping you, <@%s>!\n> %s",
					assistant.ID, req.UserID, req.Issue,
				),
			); err != nil {
				s.logger.WarnContext(
					ctx, "error sending thread opening message", tint.Err(err),
				)
			}

			s.audit(ctx, AuditEventRequestAccepted, req, assistant.ID, "")
			s.logger.InfoContext(ctx, "request accepted", "request", req)
			return nil
		},
	)
	if err != nil {
		return nil, err
	}
	return req, nil
}

// Close ends an active request at the assigned assistant's initiative, with
// the given disposition. The thread is archived and locked, and the
// requester is offered a feedback survey if the originating interaction
// token is still live. Thread-side Discord calls are best effort: the
// terminal state persists even if Discord rejects them.
func (s *AssistanceService) Close(
	ctx context.Context,
	requestID string,
	actorID string,
	reason CloseReason,
) (*RequestAssistant, error) {
	req, err := s.requests.Fetch(ctx, requestID, false)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, ErrRequestNotFound
	}

	err = s.requests.WithRequestLock(
		req.ID, func() error {
			if req.Status() != RequestStatusActive {
				return ErrRequestNotActive
			}
			if req.AssistantID != actorID {
				return ErrNotAssistant
			}

			req.ClosedAt = s.nowFunc().UnixMilli()
			req.RequesterInactive = reason == CloseReasonInactive

			if err := s.requests.PersistTerminal(ctx, req); err != nil {
				return err
			}

			// a requester who also holds the pool role loses it on close
			s.removePoolRole(ctx, req)

			if _, err := s.discord.session.ChannelMessageSend(
				req.ThreadID,
				fmt.Sprintf("This request has been closed (%s). Thanks!", reason),
			); err != nil {
				s.logger.WarnContext(
					ctx, "error sending thread closing message", tint.Err(err),
				)
			}

			s.sendSurvey(ctx, req)

			if err := s.discord.archiveAndLockThread(req.ThreadID); err != nil {
				s.logger.WarnContext(
					ctx, "error archiving thread",
					"thread_id", req.ThreadID,
					tint.Err(err),
				)
			}

			s.audit(ctx, AuditEventRequestClosed, req, actorID, string(reason))
			s.logger.InfoContext(ctx, "request closed", "request", req, "reason", reason)
			return nil
		},
	)
	if err != nil {
		return nil, err
	}
	return req, nil
}

// sendSurvey sends the requester a followup feedback prompt through the
// originating interaction's webhook. Skipped once the token has outlived
// its window; Discord would reject the followup anyway.
func (s *AssistanceService) sendSurvey(ctx context.Context, req *RequestAssistant) {
	if req.InteractionToken == "" || req.TokenExpired(s.nowFunc()) {
		return
	}
	if s.discord.x != nil && !s.discord.x.RuntimeConfig().SurveyEnabled {
		return
	}
	// nobody to survey if the requester no longer resolves as a member
	if _, err := s.discord.session.GuildMember(req.GuildID, req.UserID); err != nil {
		if !isUnknownMember(err) {
			s.logger.WarnContext(
				ctx, "error resolving survey recipient", tint.Err(err),
			)
		}
		return
	}

	interaction := &discordgo.Interaction{
		AppID: s.discord.config.ApplicationID,
		Token: req.InteractionToken,
	}
	_, err := s.discord.session.FollowupMessageCreate(
		interaction, false, &discordgo.WebhookParams{
			Content: "Your support request is closed. How did we do?",
			Flags:   discordgo.MessageFlagsEphemeral,
			Components: []discordgo.MessageComponent{
				discordgo.ActionsRow{
					Components: []discordgo.MessageComponent{
						discordgo.Button{
							Label:    "Good",
							Style:    discordgo.SuccessButton,
							CustomID: customID(componentActionSurvey, req.ID) + ":good",
						},
						discordgo.Button{
							Label:    "Bad",
							Style:    discordgo.DangerButton,
							CustomID: customID(componentActionSurvey, req.ID) + ":bad",
						},
					},
				},
			},
		},
	)
	if err != nil {
		s.logger.WarnContext(ctx, "error sending survey followup", tint.Err(err))
	}
}

// removePoolRole strips the locale's assistant-pool role from the requester
// if they happen to hold it. Best effort; failures are logged only.
func (s *AssistanceService) removePoolRole(
	ctx context.Context,
	req *RequestAssistant,
) {
	poolRoleID, _, err := s.discord.assistantPool(req.GuildID, req.Locale)
	if err != nil {
		s.logger.WarnContext(ctx, "error resolving assistant pool", tint.Err(err))
		return
	}
	member, err := s.discord.session.GuildMember(req.GuildID, req.UserID)
	if err != nil {
		if !isUnknownMember(err) {
			s.logger.WarnContext(ctx, "error fetching requester", tint.Err(err))
		}
		return
	}
	for _, r := range member.Roles {
		if r != poolRoleID {
			continue
		}
		if err := s.discord.session.GuildMemberRoleRemove(
			req.GuildID, req.UserID, poolRoleID,
		); err != nil {
			s.logger.WarnContext(ctx, "error removing pool role", tint.Err(err))
		}
		return
	}
}

// requireRole verifies the user holds the given role in the guild.
func (s *AssistanceService) requireRole(
	guildID string,
	userID string,
	roleID string,
) error {
	member, err := s.discord.session.GuildMember(guildID, userID)
	if err != nil {
		if isUnknownMember(err) {
			return ErrNotAssistant
		}
		return fmt.Errorf("error checking assistant membership: %w", err)
	}
	for _, r := range member.Roles {
		if r == roleID {
			return nil
		}
	}
	return ErrNotAssistant
}

func (s *AssistanceService) audit(
	ctx context.Context,
	event AuditEvent,
	req *RequestAssistant,
	actorID string,
	detail string,
) {
	if _, err := s.db.Create(
		ctx, newAuditLog(event, req.ID, req.GuildID, actorID, detail),
	); err != nil {
		s.logger.ErrorContext(ctx, "error writing audit log", tint.Err(err))
	}
}
