package xtopsupport

import (
	"context"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserProfileGetOrCreate(t *testing.T) {
	store := NewUserProfileStore(testDB(t), testLogger(t))
	ctx := context.Background()

	profile, created, err := store.GetOrCreate(
		ctx, discordgo.User{ID: "user-1", Username: "alice"},
	)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "alice", profile.Username)
	assert.Empty(t, profile.Locale)

	again, created, err := store.GetOrCreate(
		ctx, discordgo.User{ID: "user-1", Username: "alice"},
	)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, profile, again)
}

func TestUserProfileUsernameRefresh(t *testing.T) {
	store := NewUserProfileStore(testDB(t), testLogger(t))
	ctx := context.Background()

	_, _, err := store.GetOrCreate(
		ctx, discordgo.User{ID: "user-1", Username: "alice"},
	)
	require.NoError(t, err)

	// the user renamed themselves since we last saw them
	profile, created, err := store.GetOrCreate(
		ctx, discordgo.User{ID: "user-1", Username: "alicia"},
	)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "alicia", profile.Username)
}

func TestUserProfileSetLocale(t *testing.T) {
	db := testDB(t)
	store := NewUserProfileStore(db, testLogger(t))
	ctx := context.Background()

	_, _, err := store.GetOrCreate(ctx, discordgo.User{ID: "user-1"})
	require.NoError(t, err)

	require.NoError(t, store.SetLocale(ctx, "user-1", "es-ES"))
	assert.Equal(t, "es-ES", store.Locale(ctx, "user-1"))

	// a cold store reads it back from storage
	store2 := NewUserProfileStore(db, testLogger(t))
	assert.Equal(t, "es-ES", store2.Locale(ctx, "user-1"))

	// unknown users have no locale
	assert.Empty(t, store.Locale(ctx, "nobody"))

	err = store.SetLocale(ctx, "nobody", "fr")
	assert.Error(t, err)
}
