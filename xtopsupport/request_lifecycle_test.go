package xtopsupport

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lifecycleFixture struct {
	db       DBI
	registry *RequestRegistry
	session  *fakeSession
	service  *AssistanceService
}

func newLifecycleFixture(t testing.TB) *lifecycleFixture {
	t.Helper()
	db := testDB(t)
	registry := NewRequestRegistry(db, testLogger(t))
	session := newFakeSession()
	discord := testDiscord(t, session)
	profiles := NewUserProfileStore(db, testLogger(t))
	service := NewAssistanceService(
		db, registry, discord, profiles, testLogger(t),
	)
	return &lifecycleFixture{
		db:       db,
		registry: registry,
		session:  session,
		service:  service,
	}
}

// memberWithRoles makes the fake guild return the assistant pool role for
// the given user IDs, and a bare member for everyone else.
func (f *lifecycleFixture) memberWithRoles(assistantIDs ...string) {
	pool := map[string]bool{}
	for _, id := range assistantIDs {
		pool[id] = true
	}
	f.session.guildMemberFunc = func(_, userID string) (*discordgo.Member, error) {
		member := &discordgo.Member{User: &discordgo.User{ID: userID}}
		if pool[userID] {
			member.Roles = []string{"role-en"}
		}
		return member, nil
	}
}

func (f *lifecycleFixture) createRequest(t testing.TB, userID string) *RequestAssistant {
	t.Helper()
	req, err := f.registry.Create(
		context.Background(),
		userID, "guild-1", "my bot is on fire", "en-US", "tok",
		time.Now().UTC(),
	)
	require.NoError(t, err)
	return req
}

func TestCancelRequest(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	req := f.createRequest(t, "user-1")

	t.Run(
		"only the requester may cancel", func(t *testing.T) {
			_, err := f.service.Cancel(ctx, req.ID, "someone-else")
			assert.ErrorIs(t, err, ErrNotRequester)
			assert.Equal(t, RequestStatusSearching, req.Status())
		},
	)

	t.Run(
		"requester cancels", func(t *testing.T) {
			got, err := f.service.Cancel(ctx, req.ID, "user-1")
			require.NoError(t, err)
			assert.Equal(t, RequestStatusCancelled, got.Status())
		},
	)

	t.Run(
		"cancel is not repeatable", func(t *testing.T) {
			_, err := f.service.Cancel(ctx, req.ID, "user-1")
			assert.ErrorIs(t, err, ErrRequestNotSearching)
		},
	)

	t.Run(
		"unknown request", func(t *testing.T) {
			_, err := f.service.Cancel(ctx, "nope", "user-1")
			assert.ErrorIs(t, err, ErrRequestNotFound)
		},
	)
}

func TestAcceptRequest(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	f.memberWithRoles("assistant-1")

	req := f.createRequest(t, "user-1")
	assistant := discordgo.User{ID: "assistant-1", Username: "helper"}

	t.Run(
		"requester cannot accept their own request", func(t *testing.T) {
			_, err := f.service.Accept(
				ctx, req.ID, discordgo.User{ID: "user-1"},
			)
			assert.ErrorIs(t, err, ErrSelfAccept)
		},
	)

	t.Run(
		"non-assistant cannot accept", func(t *testing.T) {
			_, err := f.service.Accept(
				ctx, req.ID, discordgo.User{ID: "random-user"},
			)
			assert.ErrorIs(t, err, ErrNotAssistant)
		},
	)

	t.Run(
		"assistant accepts", func(t *testing.T) {
			got, err := f.service.Accept(ctx, req.ID, assistant)
			require.NoError(t, err)
			assert.Equal(t, RequestStatusActive, got.Status())
			assert.Equal(t, "assistant-1", got.AssistantID)
			assert.NotEmpty(t, got.ThreadID)
			assert.NotZero(t, got.ThreadCreatedAt)

			// both participants were added to the thread
			assert.Contains(t, f.session.threadMembers, got.ThreadID+"/user-1")
			assert.Contains(t, f.session.threadMembers, got.ThreadID+"/assistant-1")

			// thread is fetchable by its ID
			byThread, err := f.registry.Fetch(ctx, got.ThreadID, false)
			require.NoError(t, err)
			assert.Same(t, got, byThread)
		},
	)

	t.Run(
		"second accept loses", func(t *testing.T) {
			_, err := f.service.Accept(
				ctx, req.ID, discordgo.User{ID: "assistant-2"},
			)
			assert.ErrorIs(t, err, ErrRequestNotSearching)
		},
	)
}

func TestAcceptExpiredRequest(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	f.memberWithRoles("assistant-1")

	req := f.createRequest(t, "user-1")
	// age the token past the window
	req.TokenMintedAt = time.Now().UTC().
		Add(-(RequestExpiryWindow + time.Minute)).UnixMilli()

	_, err := f.service.Accept(
		ctx, req.ID, discordgo.User{ID: "assistant-1"},
	)
	assert.ErrorIs(t, err, ErrRequestNotSearching)
	assert.Equal(t, RequestStatusExpired, req.Status())
	assert.Zero(t, f.session.threadStarts.Load())
}

func TestAcceptRequesterLeftGuild(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()

	req := f.createRequest(t, "user-1")
	f.session.guildMemberFunc = func(_, userID string) (*discordgo.Member, error) {
		if userID == "user-1" {
			return nil, unknownMemberErr()
		}
		return &discordgo.Member{
			User:  &discordgo.User{ID: userID},
			Roles: []string{"role-en"},
		}, nil
	}

	_, err := f.service.Accept(
		ctx, req.ID, discordgo.User{ID: "assistant-1"},
	)
	assert.ErrorIs(t, err, ErrRequesterLeftGuild)
	assert.Equal(t, RequestStatusCancelled, req.Status())
	assert.Zero(t, f.session.threadStarts.Load())
}

// Concurrent accepts on the same request must produce exactly one winner
// and exactly one thread; everyone else fails the searching guard.
func TestAcceptConcurrent(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()

	assistants := make([]string, 8)
	for i := range assistants {
		assistants[i] = fmt.Sprintf("assistant-%d", i)
	}
	f.memberWithRoles(assistants...)

	req := f.createRequest(t, "user-1")

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := []string{}
	for _, id := range assistants {
		wg.Add(1)
		go func(assistantID string) {
			defer wg.Done()
			_, err := f.service.Accept(
				ctx, req.ID, discordgo.User{ID: assistantID},
			)
			if err == nil {
				mu.Lock()
				winners = append(winners, assistantID)
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrRequestNotSearching)
			}
		}(id)
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, winners[0], req.AssistantID)
	assert.Equal(t, int64(1), f.session.threadStarts.Load())
	assert.Equal(t, RequestStatusActive, req.Status())
}

func TestCloseRequest(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	f.memberWithRoles("assistant-1")

	req := f.createRequest(t, "user-1")

	t.Run(
		"cannot close a searching request", func(t *testing.T) {
			_, err := f.service.Close(
				ctx, req.ID, "assistant-1", CloseReasonSolved,
			)
			assert.ErrorIs(t, err, ErrRequestNotActive)
		},
	)

	_, err := f.service.Accept(
		ctx, req.ID, discordgo.User{ID: "assistant-1"},
	)
	require.NoError(t, err)

	t.Run(
		"only the assigned assistant may close", func(t *testing.T) {
			_, err := f.service.Close(
				ctx, req.ID, "assistant-2", CloseReasonSolved,
			)
			assert.ErrorIs(t, err, ErrNotAssistant)
		},
	)

	t.Run(
		"assistant closes as solved", func(t *testing.T) {
			got, err := f.service.Close(
				ctx, req.ID, "assistant-1", CloseReasonSolved,
			)
			require.NoError(t, err)
			assert.Equal(t, RequestStatusSolved, got.Status())

			// thread archived+locked, survey followup sent
			assert.Contains(t, f.session.channelEdits, req.ThreadID)
			assert.Equal(t, int64(1), f.session.followupsSent.Load())
		},
	)

	t.Run(
		"close is not repeatable", func(t *testing.T) {
			_, err := f.service.Close(
				ctx, req.ID, "assistant-1", CloseReasonInactive,
			)
			assert.ErrorIs(t, err, ErrRequestNotActive)
		},
	)
}

func TestCloseSkipsSurveyWhenRequesterGone(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	f.memberWithRoles("assistant-1")

	req := f.createRequest(t, "user-1")
	_, err := f.service.Accept(ctx, req.ID, discordgo.User{ID: "assistant-1"})
	require.NoError(t, err)

	// the requester left between accept and close
	f.session.guildMemberFunc = func(_, userID string) (*discordgo.Member, error) {
		if userID == "user-1" {
			return nil, unknownMemberErr()
		}
		return &discordgo.Member{User: &discordgo.User{ID: userID}}, nil
	}

	got, err := f.service.Close(ctx, req.ID, "assistant-1", CloseReasonSolved)
	require.NoError(t, err)
	assert.Equal(t, RequestStatusSolved, got.Status())

	// the close completes, but there is no one left to survey
	assert.Zero(t, f.session.followupsSent.Load())
	assert.Contains(t, f.session.channelEdits, got.ThreadID)
}

func TestCloseInactive(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	// the requester here also holds the pool role
	f.memberWithRoles("assistant-1", "user-1")

	req := f.createRequest(t, "user-1")
	_, err := f.service.Accept(
		ctx, req.ID, discordgo.User{ID: "assistant-1"},
	)
	require.NoError(t, err)

	got, err := f.service.Close(
		ctx, req.ID, "assistant-1", CloseReasonInactive,
	)
	require.NoError(t, err)
	assert.Equal(t, RequestStatusInactive, got.Status())
	assert.True(t, got.RequesterInactive)

	// closing strips the pool role from the requester
	assert.Contains(t, f.session.rolesRemoved, "user-1/role-en")
	assert.Contains(t, f.session.channelEdits, got.ThreadID)
}

// Full lifecycle: create, accept, close; the terminal state persists and
// the audit log records every transition.
func TestRequestLifecycleEndToEnd(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	f.memberWithRoles("assistant-1")

	req := f.createRequest(t, "user-1")
	assert.Equal(t, RequestStatusSearching, req.Status())

	_, err := f.service.Accept(ctx, req.ID, discordgo.User{ID: "assistant-1"})
	require.NoError(t, err)
	assert.Equal(t, RequestStatusActive, req.Status())

	_, err = f.service.Close(ctx, req.ID, "assistant-1", CloseReasonSolved)
	require.NoError(t, err)
	assert.Equal(t, RequestStatusSolved, req.Status())

	// a cold registry derives the same terminal state from storage
	registry2 := NewRequestRegistry(f.db, testLogger(t))
	fromStorage, err := registry2.Fetch(ctx, req.ID, false)
	require.NoError(t, err)
	assert.Equal(t, RequestStatusSolved, fromStorage.Status())
	assert.Equal(t, "assistant-1", fromStorage.AssistantID)

	for _, event := range []AuditEvent{
		AuditEventRequestCreated,
		AuditEventRequestAccepted,
		AuditEventRequestClosed,
	} {
		var entry AuditLog
		err := f.db.DB().Where(
			"event = ? AND request_id = ?", event, req.ID,
		).Take(&entry).Error
		assert.NoErrorf(t, err, "missing audit event %s", event)
	}
}
