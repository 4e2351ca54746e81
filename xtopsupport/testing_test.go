package xtopsupport

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func testLogger(t testing.TB) *slog.Logger {
	t.Helper()
	return slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{Level: slog.LevelDebug, AddSource: true},
		),
	)
}

func testDB(t testing.TB) DBI {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.sqlite3")
	gormDB, err := gorm.Open(
		sqlite.Open(dbPath), &gorm.Config{
			NowFunc: func() time.Time { return time.Now().UTC() },
		},
	)
	require.NoError(t, err)

	require.NoError(
		t, gormDB.Migrator().AutoMigrate(
			&UserProfile{},
			&RequestAssistant{},
			&CustomBot{},
			&InteractionLog{},
			&AuditLog{},
			&RuntimeConfig{},
		),
	)

	t.Cleanup(
		func() {
			sqlDB, _ := gormDB.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)
	return NewDatabase(gormDB, testLogger(t), false)
}

func unknownMemberErr() error {
	return &discordgo.RESTError{
		Response: &http.Response{StatusCode: http.StatusNotFound},
		Message: &discordgo.APIErrorMessage{
			Code:    discordgo.ErrCodeUnknownMember,
			Message: "Unknown Member",
		},
	}
}

// fakeSession is a DiscordSessionHandler whose behavior is driven by
// per-method override funcs; unset methods succeed with zero values.
type fakeSession struct {
	mu sync.Mutex

	guildMemberFunc func(guildID, userID string) (*discordgo.Member, error)
	threadStartFunc func(channelID, name string) (*discordgo.Channel, error)

	roles    []*discordgo.Role
	channels []*discordgo.Channel

	threadStarts    atomic.Int64
	sentMessages    []string
	threadMembers   []string
	channelEdits    []string
	rolesRemoved    []string
	followupsSent   atomic.Int64
	statusesUpdated []string
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		roles: []*discordgo.Role{
			{ID: "role-en", Name: "assistant-en-us"},
		},
		channels: []*discordgo.Channel{
			{ID: "chan-en", Name: "assistance-en-us"},
		},
	}
}

func (f *fakeSession) Open() error { return nil }

func (f *fakeSession) Close() error { return nil }

func (f *fakeSession) AddHandler(_ any) func() { return func() {} }

func (f *fakeSession) UpdateCustomStatus(status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusesUpdated = append(f.statusesUpdated, status)
	return nil
}

func (f *fakeSession) ApplicationCommandBulkOverwrite(
	_ string, _ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	return commands, nil
}

func (f *fakeSession) GuildMember(
	guildID, userID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	if f.guildMemberFunc != nil {
		return f.guildMemberFunc(guildID, userID)
	}
	return &discordgo.Member{User: &discordgo.User{ID: userID}}, nil
}

func (f *fakeSession) GuildRoles(
	_ string, _ ...discordgo.RequestOption,
) ([]*discordgo.Role, error) {
	return f.roles, nil
}

func (f *fakeSession) GuildChannels(
	_ string, _ ...discordgo.RequestOption,
) ([]*discordgo.Channel, error) {
	return f.channels, nil
}

func (f *fakeSession) GuildMemberRoleAdd(
	_, _, _ string, _ ...discordgo.RequestOption,
) error {
	return nil
}

func (f *fakeSession) GuildMemberRoleRemove(
	_, userID, roleID string, _ ...discordgo.RequestOption,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rolesRemoved = append(f.rolesRemoved, userID+"/"+roleID)
	return nil
}

func (f *fakeSession) ThreadStart(
	channelID, name string,
	_ discordgo.ChannelType,
	_ int,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	if f.threadStartFunc != nil {
		return f.threadStartFunc(channelID, name)
	}
	n := f.threadStarts.Add(1)
	return &discordgo.Channel{
		ID:   "thread-" + name + "-" + string(rune('0'+n)),
		Name: name,
	}, nil
}

func (f *fakeSession) ThreadMemberAdd(
	threadID, memberID string,
	_ ...discordgo.RequestOption,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threadMembers = append(f.threadMembers, threadID+"/"+memberID)
	return nil
}

func (f *fakeSession) ChannelMessageSend(
	channelID string,
	content string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentMessages = append(f.sentMessages, channelID+": "+content)
	return &discordgo.Message{ChannelID: channelID, Content: content}, nil
}

func (f *fakeSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentMessages = append(f.sentMessages, channelID+": "+data.Content)
	return &discordgo.Message{ChannelID: channelID, Content: data.Content}, nil
}

func (f *fakeSession) ChannelEditComplex(
	channelID string,
	_ *discordgo.ChannelEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channelEdits = append(f.channelEdits, channelID)
	return &discordgo.Channel{ID: channelID}, nil
}

func (f *fakeSession) InteractionRespond(
	_ *discordgo.Interaction,
	_ *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	return nil
}

func (f *fakeSession) FollowupMessageCreate(
	_ *discordgo.Interaction,
	_ bool,
	data *discordgo.WebhookParams,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	f.followupsSent.Add(1)
	return &discordgo.Message{Content: data.Content}, nil
}

func testDiscord(t testing.TB, session DiscordSessionHandler) *Discord {
	t.Helper()
	d := &Discord{
		session: session,
		config: &DiscordConfig{
			Token:         "test-token",
			ApplicationID: "test-app",
		},
		logger: testLogger(t),
	}
	return d
}

// fakeProcessManager is an in-memory ProcessManager.
type fakeProcessManager struct {
	mu        sync.Mutex
	connected bool
	processes map[string]ProcessInfo
	spawns    atomic.Int64
	deletes   []string
}

func newFakeProcessManager() *fakeProcessManager {
	return &fakeProcessManager{
		connected: true,
		processes: map[string]ProcessInfo{},
	}
}

func (f *fakeProcessManager) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeProcessManager) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeProcessManager) List(context.Context) ([]ProcessInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return nil, ErrProcessManagerNotConnected
	}
	out := make([]ProcessInfo, 0, len(f.processes))
	for _, p := range f.processes {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeProcessManager) Describe(
	_ context.Context,
	name string,
) (*ProcessInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return nil, ErrProcessManagerNotConnected
	}
	if p, ok := f.processes[name]; ok {
		return &p, nil
	}
	return nil, nil
}

func (f *fakeProcessManager) Spawn(_ context.Context, spec ProcessSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return ErrProcessManagerNotConnected
	}
	f.spawns.Add(1)
	f.processes[spec.Name] = ProcessInfo{
		Name:   spec.Name,
		PID:    int(f.spawns.Load()),
		Status: ProcessStatusOnline,
	}
	return nil
}

func (f *fakeProcessManager) Delete(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return ErrProcessManagerNotConnected
	}
	delete(f.processes, name)
	f.deletes = append(f.deletes, name)
	return nil
}

// fakeBotSession drives the token validator in tests.
type fakeBotSession struct {
	user    *discordgo.User
	userErr error

	app    *discordgo.Application
	appErr error

	guilds    []*discordgo.UserGuild
	guildsErr error
}

func (f fakeBotSession) User(
	_ string, _ ...discordgo.RequestOption,
) (*discordgo.User, error) {
	return f.user, f.userErr
}

func (f fakeBotSession) Application(
	_ string,
) (*discordgo.Application, error) {
	return f.app, f.appErr
}

func (f fakeBotSession) UserGuilds(
	_ int, _, _ string, _ bool, _ ...discordgo.RequestOption,
) ([]*discordgo.UserGuild, error) {
	return f.guilds, f.guildsErr
}

func validBotSession() fakeBotSession {
	return fakeBotSession{
		user: &discordgo.User{ID: "bot-1", Username: "testbot", Bot: true},
		app:  &discordgo.Application{ID: "app-1", BotPublic: false},
		guilds: []*discordgo.UserGuild{
			{ID: "guild-1", Name: "one"},
		},
	}
}

func testTokenValidator(t testing.TB, session botSession) *TokenValidator {
	t.Helper()
	v := NewTokenValidator(
		&CustomBotsConfig{RESTRatePerSecond: 1000}, testLogger(t),
	)
	v.newSession = func(string) (botSession, error) { return session, nil }
	return v
}
