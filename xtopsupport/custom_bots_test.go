package xtopsupport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type customBotsFixture struct {
	db      DBI
	pm      *fakeProcessManager
	session *fakeBotSession
	manager *CustomBotsManager
}

func newCustomBotsFixture(t testing.TB) *customBotsFixture {
	t.Helper()
	session := validBotSession()
	f := &customBotsFixture{
		db:      testDB(t),
		pm:      newFakeProcessManager(),
		session: &session,
	}
	validator := testTokenValidator(t, f.session)
	f.manager = NewCustomBotsManager(f.db, f.pm, validator, testLogger(t))
	return f
}

func (f *customBotsFixture) createBot(t testing.TB, tier int) *CustomBot {
	t.Helper()
	bot, err := f.manager.Create(context.Background(), "owner-1", "tok", tier)
	require.NoError(t, err)
	require.NotNil(t, bot)
	return bot
}

func unauthorizedErr() error {
	return &discordgo.RESTError{
		Response: &http.Response{StatusCode: http.StatusUnauthorized},
		Message:  &discordgo.APIErrorMessage{Message: "401: Unauthorized"},
	}
}

func TestCustomBotCreate(t *testing.T) {
	f := newCustomBotsFixture(t)
	ctx := context.Background()

	bot := f.createBot(t, 1)
	assert.Equal(t, "owner-1", bot.OwnerID)
	assert.Equal(t, "bot-1", bot.BotUserID)
	assert.Equal(t, "testbot", bot.BotUsername)
	assert.Equal(t, "app-1", bot.ApplicationID)
	assert.False(t, bot.TokenInvalid)

	got, err := f.manager.Fetch(ctx, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, bot.ID, got.ID)

	owned, remaining, err := f.manager.FetchOwner(ctx, "owner-1", 1)
	require.NoError(t, err)
	assert.Len(t, owned, 1)
	assert.Zero(t, remaining)

	var entry AuditLog
	err = f.db.DB().Where(
		"event = ? AND request_id = ?", AuditEventCustomBotCreated, bot.ID,
	).Take(&entry).Error
	assert.NoError(t, err)
}

func TestCustomBotCreateQuota(t *testing.T) {
	f := newCustomBotsFixture(t)
	ctx := context.Background()

	// tier 1 allows a single bot
	f.createBot(t, 1)
	_, err := f.manager.Create(ctx, "owner-1", "tok2", 1)
	assert.ErrorIs(t, err, ErrCustomBotQuota)

	// a different owner is unaffected
	f.session.user = &discordgo.User{ID: "bot-2", Username: "otherbot", Bot: true}
	_, err = f.manager.Create(ctx, "owner-2", "tok3", 1)
	assert.NoError(t, err)
}

func TestCustomBotCreateInvalidToken(t *testing.T) {
	f := newCustomBotsFixture(t)
	ctx := context.Background()
	f.session.userErr = unauthorizedErr()

	_, err := f.manager.Create(ctx, "owner-1", "badtok", 1)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	// a rejected token leaves nothing behind
	owned, remaining, err := f.manager.FetchOwner(ctx, "owner-1", 1)
	require.NoError(t, err)
	assert.Empty(t, owned)
	assert.Equal(t, 1, remaining)
}

func TestCustomBotCreateInvalidatesExistingRecord(t *testing.T) {
	f := newCustomBotsFixture(t)
	ctx := context.Background()

	bot := f.createBot(t, 2)

	// the token rotted; re-registering it fails and poisons the original
	f.session.userErr = unauthorizedErr()
	_, err := f.manager.Create(ctx, "owner-1", "tok", 2)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	stored, err := f.manager.Fetch(ctx, bot.ID)
	require.NoError(t, err)
	assert.True(t, stored.TokenInvalid)
}

func TestCustomBotCreateGuildCapLeavesExistingRecord(t *testing.T) {
	f := newCustomBotsFixture(t)
	ctx := context.Background()

	bot := f.createBot(t, 2)

	// a tier-cap refusal says nothing about the token itself
	guilds := make([]*discordgo.UserGuild, guildCapForTier(2)+1)
	for i := range guilds {
		guilds[i] = &discordgo.UserGuild{ID: fmt.Sprintf("g-%d", i)}
	}
	f.session.guilds = guilds
	_, err := f.manager.Create(ctx, "owner-1", "tok", 2)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	stored, err := f.manager.Fetch(ctx, bot.ID)
	require.NoError(t, err)
	assert.False(t, stored.TokenInvalid)
}

func TestCustomBotFetchOwnerCap(t *testing.T) {
	f := newCustomBotsFixture(t)
	ctx := context.Background()

	first := f.createBot(t, 2)
	f.session.user = &discordgo.User{ID: "bot-2", Username: "secondbot", Bot: true}
	_, err := f.manager.Create(ctx, "owner-1", "tok2", 2)
	require.NoError(t, err)

	// a downgraded tier truncates the view to its cap
	owned, remaining, err := f.manager.FetchOwner(ctx, "owner-1", 1)
	require.NoError(t, err)
	require.Len(t, owned, 1)
	assert.Equal(t, first.ID, owned[0].ID)
	assert.Zero(t, remaining)

	owned, remaining, err = f.manager.FetchOwner(ctx, "owner-1", 3)
	require.NoError(t, err)
	assert.Len(t, owned, 2)
	assert.Equal(t, 3, remaining)
}

func TestCustomBotFetchNotFound(t *testing.T) {
	f := newCustomBotsFixture(t)
	_, err := f.manager.Fetch(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrCustomBotNotFound)
}

func TestCustomBotStart(t *testing.T) {
	f := newCustomBotsFixture(t)
	ctx := context.Background()
	bot := f.createBot(t, 1)

	require.NoError(t, f.manager.Start(ctx, bot.ID, "owner-1"))
	assert.Equal(t, BotProcessing, f.manager.Tracking(bot.ID))
	assert.Equal(t, int64(1), f.pm.spawns.Load())

	// the spawn is optimistic: provisioning until reconciliation confirms
	status, err := f.manager.Status(ctx, bot)
	require.NoError(t, err)
	assert.Equal(t, CustomBotStatusProvisioning, status)

	info, err := f.pm.Describe(ctx, bot.ProcessName())
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, ProcessStatusOnline, info.Status)

	t.Run(
		"provisioning bot cannot be started again", func(t *testing.T) {
			err := f.manager.Start(ctx, bot.ID, "owner-1")
			assert.ErrorIs(t, err, ErrCustomBotNotOffline)
		},
	)

	t.Run(
		"reconciliation promotes a live process to running", func(t *testing.T) {
			require.NoError(t, f.manager.Reconcile(ctx))
			assert.Equal(t, BotProcessed, f.manager.Tracking(bot.ID))

			status, err := f.manager.Status(ctx, bot)
			require.NoError(t, err)
			assert.Equal(t, CustomBotStatusRunning, status)

			err = f.manager.Start(ctx, bot.ID, "owner-1")
			assert.ErrorIs(t, err, ErrCustomBotNotOffline)
		},
	)
}

func TestCustomBotStartLatchesInvalidToken(t *testing.T) {
	f := newCustomBotsFixture(t)
	ctx := context.Background()
	bot := f.createBot(t, 1)

	// the token died between registration and start
	f.session.userErr = unauthorizedErr()

	err := f.manager.Start(ctx, bot.ID, "owner-1")
	assert.ErrorIs(t, err, ErrTokenInvalid)
	assert.Zero(t, f.pm.spawns.Load())

	// the claim was rolled back and the verdict latched
	assert.Equal(t, BotUntracked, f.manager.Tracking(bot.ID))
	stored, err := f.manager.Fetch(ctx, bot.ID)
	require.NoError(t, err)
	assert.True(t, stored.TokenInvalid)

	status, serr := f.manager.Status(ctx, stored)
	require.NoError(t, serr)
	assert.Equal(t, CustomBotStatusTokenInvalid, status)

	// a latched bot refuses to start until a new token clears it
	err = f.manager.Start(ctx, bot.ID, "owner-1")
	assert.ErrorIs(t, err, ErrCustomBotNotOffline)
}

// Concurrent starts on the same bot collapse to one provisioner and one
// spawned process; the losers see the not-offline refusal.
func TestCustomBotStartConcurrent(t *testing.T) {
	f := newCustomBotsFixture(t)
	ctx := context.Background()
	bot := f.createBot(t, 1)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			err := f.manager.Start(ctx, bot.ID, fmt.Sprintf("actor-%d", n))
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrCustomBotNotOffline)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, int64(1), f.pm.spawns.Load())
	assert.Equal(t, BotProcessing, f.manager.Tracking(bot.ID))
}

func TestCustomBotStatusPrecedence(t *testing.T) {
	f := newCustomBotsFixture(t)
	ctx := context.Background()
	bot := f.createBot(t, 1)

	status, err := f.manager.Status(ctx, bot)
	require.NoError(t, err)
	assert.Equal(t, CustomBotStatusOffline, status)

	f.manager.setTracking(bot.ID, BotProcessing)
	status, err = f.manager.Status(ctx, bot)
	require.NoError(t, err)
	assert.Equal(t, CustomBotStatusProvisioning, status)

	// processed reads running without consulting the process manager;
	// only reconciliation corrects a stale claim
	f.manager.setTracking(bot.ID, BotProcessed)
	status, err = f.manager.Status(ctx, bot)
	require.NoError(t, err)
	assert.Equal(t, CustomBotStatusRunning, status)

	// a latched token dominates everything
	bot.TokenInvalid = true
	status, err = f.manager.Status(ctx, bot)
	require.NoError(t, err)
	assert.Equal(t, CustomBotStatusTokenInvalid, status)
}

func TestCustomBotReconcile(t *testing.T) {
	f := newCustomBotsFixture(t)
	ctx := context.Background()

	registered := f.createBot(t, 1)
	require.NoError(t, f.manager.Start(ctx, registered.ID, "owner-1"))

	// a supervised process nothing registered: left over from a deleted bot
	require.NoError(
		t, f.pm.Spawn(ctx, ProcessSpec{Name: customBotProcessPrefix + "zzz"}),
	)
	// an unrelated process the reconciler must not touch
	require.NoError(t, f.pm.Spawn(ctx, ProcessSpec{Name: "other-service"}))

	require.NoError(t, f.manager.Reconcile(ctx))

	assert.Contains(t, f.pm.deletes, customBotProcessPrefix+"zzz")
	assert.NotContains(t, f.pm.deletes, "other-service")
	assert.Equal(t, BotProcessed, f.manager.Tracking(registered.ID))

	t.Run(
		"vanished process falls back to untracked", func(t *testing.T) {
			// the process died outside our control
			require.NoError(t, f.pm.Delete(ctx, registered.ProcessName()))

			require.NoError(t, f.manager.Reconcile(ctx))
			assert.Equal(t, BotUntracked, f.manager.Tracking(registered.ID))

			status, err := f.manager.Status(ctx, registered)
			require.NoError(t, err)
			assert.Equal(t, CustomBotStatusOffline, status)

			// and the owner can start it again
			assert.NoError(t, f.manager.Start(ctx, registered.ID, "owner-1"))
		},
	)

	t.Run(
		"stalled provisioning claim is released", func(t *testing.T) {
			// the restart above left a provisioning claim; kill the process
			// behind it to simulate a spawn that silently died
			require.Equal(t, BotProcessing, f.manager.Tracking(registered.ID))
			require.NoError(t, f.pm.Delete(ctx, registered.ProcessName()))

			require.NoError(t, f.manager.Reconcile(ctx))
			assert.Equal(t, BotUntracked, f.manager.Tracking(registered.ID))
		},
	)
}

func TestCustomBotReconcileNotConnected(t *testing.T) {
	f := newCustomBotsFixture(t)
	f.pm.connected = false

	err := f.manager.Reconcile(context.Background())
	assert.ErrorIs(t, err, ErrProcessManagerNotConnected)
}

func TestBotsCapForTier(t *testing.T) {
	assert.Equal(t, 1, botsCapForTier(0))
	assert.Equal(t, 1, botsCapForTier(1))
	assert.Equal(t, 2, botsCapForTier(2))
	assert.Equal(t, 5, botsCapForTier(3))
	assert.Equal(t, 5, botsCapForTier(7))
}
