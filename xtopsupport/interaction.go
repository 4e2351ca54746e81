package xtopsupport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
)

//nolint:lll // struct tags can't be split
type InteractionLog struct {
	ID            uint   `gorm:"primaryKey" json:"id"`
	InteractionID string `json:"interaction_id" gorm:"not null"`
	Type          string `json:"type" gorm:"type:string"`
	UserID        string `json:"user_id" gorm:"not null"`
	Username      string `json:"username" gorm:"type:string"`
	AppID         string `json:"application_id" gorm:"type:string"`
	GuildID       string `json:"guild_id" gorm:"type:string"`
	ChannelID     string `json:"channel_id" gorm:"type:string"`
	Payload       string `json:"payload" gorm:"type:string"`
	CreatedAt     int64  `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func newInteractionLog(
	i *discordgo.InteractionCreate,
	u *discordgo.User,
) (*InteractionLog, error) {
	p, err := json.Marshal(i)
	if err != nil {
		return nil, fmt.Errorf("error marshaling interaction: %w", err)
	}

	return &InteractionLog{
		InteractionID: i.ID,
		Type:          i.Type.String(),
		UserID:        u.ID,
		Username:      u.String(),
		GuildID:       i.GuildID,
		ChannelID:     i.ChannelID,
		AppID:         i.AppID,
		Payload:       string(p),
	}, nil
}

// AuditEvent names a staff-visible lifecycle event written to the audit log.
type AuditEvent string

const (
	AuditEventRequestCreated   AuditEvent = "request_created"
	AuditEventRequestAccepted  AuditEvent = "request_accepted"
	AuditEventRequestCancelled AuditEvent = "request_cancelled"
	AuditEventRequestExpired   AuditEvent = "request_expired"

	// AuditEventRequestClosed covers both close reasons; the Detail field
	// records whether the requester went inactive or the issue was solved.
	AuditEventRequestClosed AuditEvent = "request_closed"

	AuditEventCustomBotCreated AuditEvent = "custom_bot_created"
	AuditEventCustomBotStarted AuditEvent = "custom_bot_started"

	// auditEventSurveyResponse records the requester's post-close verdict
	auditEventSurveyResponse AuditEvent = "survey_response"
)

// AuditLog records lifecycle events for staff review.
//
//nolint:lll // struct tags can't be split
type AuditLog struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	Event     AuditEvent `json:"event" gorm:"type:string;index;not null"`
	RequestID string     `json:"request_id" gorm:"type:string;index"`
	GuildID   string     `json:"guild_id" gorm:"type:string"`
	ActorID   string     `json:"actor_id" gorm:"type:string"`
	Detail    string     `json:"detail" gorm:"type:string"`
	CreatedAt int64      `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func newAuditLog(
	event AuditEvent,
	requestID string,
	guildID string,
	actorID string,
	detail string,
) *AuditLog {
	return &AuditLog{
		Event:     event,
		RequestID: requestID,
		GuildID:   guildID,
		ActorID:   actorID,
		Detail:    detail,
		CreatedAt: time.Now().UTC().UnixMilli(),
	}
}
