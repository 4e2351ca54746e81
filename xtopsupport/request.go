package xtopsupport

import (
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// RequestExpiryWindow is how long a request may sit in the searching state
// before it is considered expired. It is measured from the moment the
// originating interaction token was minted, which matches the lifespan of
// Discord interaction tokens.
const RequestExpiryWindow = 15 * time.Minute

// RequestIssueMaxLength caps the free-text issue description on ingestion.
const RequestIssueMaxLength = DefaultRequestIssueMaxLength

// Daily (UTC) creation quotas for assistance requests, enforced
// independently of one another.
const (
	maxRequestsPerDay         = 3
	maxTerminalRequestsPerDay = 2
	maxInactiveRequestsPerDay = 2
)

var (
	columnRequestThreadID          = "thread_id"
	columnRequestThreadCreatedAt   = "thread_created_at"
	columnRequestAssistantID       = "assistant_id"
	columnRequestClosedAt          = "closed_at"
	columnRequestRequesterInactive = "requester_inactive"
)

// Sentinel errors surfaced to the interaction layer. These are 'expected'
// conditions: they are shown to the user and are not logged as faults.
var (
	ErrRequestNotFound     = errors.New("no such assistance request")
	ErrQuotaExceeded       = errors.New("daily assistance request quota exceeded")
	ErrAlreadyRequested    = errors.New("user already has a searching request")
	ErrLocaleNotSet        = errors.New("user has no locale set")
	ErrRequestNotSearching = errors.New("request is no longer searching")
	ErrRequestNotActive    = errors.New("request is not active")
	ErrNotRequester        = errors.New("only the requester may cancel this request")
	ErrNotAssistant        = errors.New("only the assigned assistant may close this request")
	ErrSelfAccept          = errors.New("requester cannot accept their own request")
	ErrRequesterLeftGuild  = errors.New("requester is no longer a member of the guild")
)

// RequestStatus is the derived disposition of a RequestAssistant. It is
// never stored: it is always computed from the persisted fields, so it can
// not drift out of sync with them.
type RequestStatus string

const (
	RequestStatusSearching RequestStatus = "searching"
	RequestStatusActive    RequestStatus = "active"
	RequestStatusSolved    RequestStatus = "solved"
	RequestStatusInactive  RequestStatus = "inactive"
	RequestStatusCancelled RequestStatus = "cancelled"
	RequestStatusExpired   RequestStatus = "expired"
)

func (s RequestStatus) String() string {
	return string(s)
}

// Terminal indicates whether the status is a terminal disposition.
func (s RequestStatus) Terminal() bool {
	switch s {
	case RequestStatusSolved, RequestStatusInactive,
		RequestStatusCancelled, RequestStatusExpired:
		return true
	default:
		return false
	}
}

// CloseReason is the disposition an assistant chooses when closing an
// active request thread.
type CloseReason string

const (
	CloseReasonSolved   CloseReason = "solved"
	CloseReasonInactive CloseReason = "inactive"
)

// RequestAssistant is a support ticket raised by an end user seeking a
// human assistant.
//
// All timestamp fields are Unix milliseconds. ThreadID, AssistantID,
// ThreadCreatedAt and ClosedAt are set at most once each; zero values mean
// 'not set'.
//
//nolint:lll // struct tags can't be split
type RequestAssistant struct {
	// ID is a client-side generated UUID, never reused
	ID string `json:"id" gorm:"primaryKey;type:string"`

	// UserID is the Discord user ID of the requester
	UserID string `json:"user_id" gorm:"index;not null;default:null"`

	// GuildID is the guild/community the request belongs to
	GuildID string `json:"guild_id" gorm:"not null;default:null"`

	// Issue is the requester's free-text description, capped at
	// RequestIssueMaxLength on ingestion
	Issue string `json:"issue" gorm:"type:string"`

	// Locale determines which assistant pool can serve the request
	Locale string `json:"locale" gorm:"type:string;not null;default:null"`

	// RequestedAt is the creation timestamp (immutable)
	RequestedAt int64 `json:"requested_at" gorm:"not null"`

	// TokenMintedAt is when the originating interaction token was minted.
	// The expiry window is measured from here rather than RequestedAt, to
	// tolerate transport-imposed interaction IDs. In practice the two are
	// equal.
	TokenMintedAt int64 `json:"token_minted_at" gorm:"not null"`

	// InteractionToken is the webhook token of the originating interaction,
	// used for followups (e.g. the closing survey) while it is unexpired
	InteractionToken string `json:"-" gorm:"type:string" log:"[redacted]"`

	// ThreadID is set exactly once, when an assistant accepts
	ThreadID string `json:"thread_id" gorm:"index;type:string"`

	// ThreadCreatedAt is paired with ThreadID
	ThreadCreatedAt int64 `json:"thread_created_at"`

	// AssistantID is the identity of the accepting assistant, set exactly once
	AssistantID string `json:"assistant_id" gorm:"type:string"`

	// ClosedAt is set when the request reaches a terminal disposition
	ClosedAt int64 `json:"closed_at"`

	// RequesterInactive distinguishes 'solved' from 'requester went silent'
	RequesterInactive bool `json:"requester_inactive" gorm:"type:bool;default:false"`

	ModelUnixTime
}

// NewRequestAssistant builds a searching request with a fresh UUID. The
// issue text is truncated to RequestIssueMaxLength.
func NewRequestAssistant(
	userID string,
	guildID string,
	issue string,
	locale string,
	interactionToken string,
	mintedAt time.Time,
) *RequestAssistant {
	now := time.Now().UTC()
	return &RequestAssistant{
		ID:               uuid.NewString(),
		UserID:           userID,
		GuildID:          guildID,
		Issue:            truncate(issue, RequestIssueMaxLength),
		Locale:           locale,
		RequestedAt:      now.UnixMilli(),
		TokenMintedAt:    mintedAt.UTC().UnixMilli(),
		InteractionToken: interactionToken,
	}
}

// Status derives the request's disposition from its persisted fields:
//
//   - no thread, not closed: searching
//   - no thread, closed: expired when the close landed past the expiry
//     window (measured from the token mint), otherwise cancelled
//   - thread, not closed: active
//   - thread, closed: inactive when the requester went silent, else solved
func (r *RequestAssistant) Status() RequestStatus {
	if r.ThreadID == "" {
		if r.ClosedAt != 0 {
			if r.ClosedAt-r.TokenMintedAt > RequestExpiryWindow.Milliseconds() {
				return RequestStatusExpired
			}
			return RequestStatusCancelled
		}
		return RequestStatusSearching
	}
	if r.ClosedAt != 0 {
		if r.RequesterInactive {
			return RequestStatusInactive
		}
		return RequestStatusSolved
	}
	return RequestStatusActive
}

// TokenExpired reports whether the originating interaction token has
// outlived the expiry window at the given instant.
func (r *RequestAssistant) TokenExpired(now time.Time) bool {
	return now.UTC().UnixMilli()-r.TokenMintedAt > RequestExpiryWindow.Milliseconds()
}

func (r *RequestAssistant) LogValue() slog.Value {
	if r == nil {
		return slog.Value{}
	}
	attrs := []slog.Attr{
		slog.String("id", r.ID),
		slog.String("user_id", r.UserID),
		slog.String("guild_id", r.GuildID),
		slog.String("locale", r.Locale),
		slog.String("status", r.Status().String()),
	}
	if r.ThreadID != "" {
		attrs = append(attrs, slog.String("thread_id", r.ThreadID))
	}
	if r.AssistantID != "" {
		attrs = append(attrs, slog.String("assistant_id", r.AssistantID))
	}
	return slog.GroupValue(attrs...)
}

// startOfUTCDay returns the UTC midnight preceding t.
func startOfUTCDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// dailyQuotaExceeded applies the three independent UTC-day caps to the
// given set of requests, which must already be scoped to a single user and
// the current UTC day (by RequestedAt or ClosedAt).
func dailyQuotaExceeded(requests []*RequestAssistant, now time.Time) bool {
	dayStart := startOfUTCDay(now).UnixMilli()

	var createdToday, terminalToday, inactiveToday int
	for _, r := range requests {
		if r.RequestedAt >= dayStart {
			createdToday++
		}
		status := r.Status()
		if r.ClosedAt >= dayStart && r.ClosedAt != 0 {
			switch status {
			case RequestStatusSolved:
				terminalToday++
			case RequestStatusInactive:
				terminalToday++
				inactiveToday++
			}
		}
	}

	return createdToday >= maxRequestsPerDay ||
		terminalToday >= maxTerminalRequestsPerDay ||
		inactiveToday >= maxInactiveRequestsPerDay
}
