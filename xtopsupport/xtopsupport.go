package xtopsupport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

// XTopSupport is the top-level composition of the support bot: the Discord
// gateway consumer, the assistance request registry and lifecycle, the
// custom bot supervisor, the admin API, and the shared database.
type XTopSupport struct {
	config     *Config
	logger     *slog.Logger
	logHandler slog.Handler

	db      DBI
	writeDB DBI

	dbNotifier DBNotifier
	discord    *Discord
	api        *API

	requests       *RequestRegistry
	assistance     *AssistanceService
	profiles       *UserProfileStore
	requestLimiter *RateLimiter

	processManager ProcessManager
	customBots     *CustomBotsManager

	cfgMu         sync.RWMutex
	runtimeConfig RuntimeConfig

	validate *validator.Validate

	// signalReady closes once startup completes; signalStop requests a
	// shutdown from anywhere (OS signal, API, DB notification); eventShutdown
	// closes when shutdown has finished.
	signalReady   chan struct{}
	signalStop    chan struct{}
	eventShutdown chan struct{}

	triggerRequestRefreshCh       chan string
	triggerRuntimeConfigRefreshCh chan bool

	runMu     sync.Mutex
	startedAt time.Time
}

// New assembles an XTopSupport instance from the given configuration. It
// opens the database and runs migrations, but does not connect to Discord
// or begin serving; that happens in Run.
func New(config *Config) (*XTopSupport, error) {
	if config == nil {
		return nil, errors.New("nil config")
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logHandler := tint.NewHandler(
		os.Stdout, &tint.Options{
			Level:     config.LogLevel,
			AddSource: true,
		},
	)
	logger := slog.New(logHandler).With(loggerNameKey, "xtopsupport")

	x := &XTopSupport{
		config:                        config,
		logger:                        logger,
		logHandler:                    logHandler,
		validate:                      validate,
		signalReady:                   make(chan struct{}, 1),
		signalStop:                    make(chan struct{}, 1),
		eventShutdown:                 make(chan struct{}, 1),
		triggerRequestRefreshCh:       make(chan string),
		triggerRuntimeConfigRefreshCh: make(chan bool),
	}

	gormDB, err := CreateDB(
		context.Background(), config.DatabaseType, config.Database,
	)
	if err != nil {
		return nil, fmt.Errorf("error initializing database: %w", err)
	}
	db := NewDatabase(
		gormDB,
		slog.New(logHandler),
		config.DatabaseType == dbTypePostgres,
	)
	x.db = db
	x.writeDB = db

	x.requests = NewRequestRegistry(db, slog.New(logHandler))
	x.profiles = NewUserProfileStore(db, slog.New(logHandler))
	x.requestLimiter = NewRateLimiter(
		config.RequestRateLimit, slog.New(logHandler),
	)

	discord, err := newDiscord(config.Discord)
	if err != nil {
		return nil, err
	}
	discord.logger = slog.New(logHandler).With(loggerNameKey, "discord")
	discord.x = x
	x.discord = discord

	x.assistance = NewAssistanceService(
		db, x.requests, discord, x.profiles, slog.New(logHandler),
	)

	tokenValidator := NewTokenValidator(config.CustomBots, slog.New(logHandler))
	x.processManager = NewPM2Client(config.CustomBots, slog.New(logHandler))
	x.customBots = NewCustomBotsManager(
		db, x.processManager, tokenValidator, slog.New(logHandler),
	)

	api, err := newAPI(x, config.API)
	if err != nil {
		return nil, fmt.Errorf("error initializing api: %w", err)
	}
	x.api = api

	return x, nil
}

// Run starts the bot and blocks until the context is cancelled, a stop is
// signalled, or a fatal error occurs. Startup must complete within
// Config.StartupTimeout; shutdown is given Config.ShutdownTimeout before
// connections are force closed.
func (x *XTopSupport) Run(ctx context.Context) error {
	x.runMu.Lock()
	defer x.runMu.Unlock()

	x.startedAt = time.Now().UTC()
	x.logger.InfoContext(ctx, "starting", "config", x.config)

	startupCtx, startupCancel := context.WithTimeout(ctx, x.config.StartupTimeout)
	defer startupCancel()

	cfg, err := loadOrCreateRuntimeConfig(startupCtx, x.writeDB)
	if err != nil {
		return fmt.Errorf("error loading runtime config: %w", err)
	}
	x.cfgMu.Lock()
	x.runtimeConfig = cfg
	x.cfgMu.Unlock()

	notifier, err := newDBNotifier(x)
	if err != nil {
		return fmt.Errorf("error creating db notifier: %w", err)
	}
	x.dbNotifier = notifier
	x.requests.SetNotifier(notifier)

	session, err := x.discord.newSession()
	if err != nil {
		return err
	}
	x.discord.session = session

	x.discord.discordgoRemoveHandlerFuncs = []func(){
		session.AddHandler(x.discord.handlerConnect()),
		session.AddHandler(x.discord.handlerDisconnect()),
		session.AddHandler(x.discord.handlerInteractionCreate()),
	}

	if err := session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}
	if err := x.discord.registerCommands(); err != nil {
		_ = session.Close()
		return fmt.Errorf("error registering slash commands: %w", err)
	}

	if x.config.CustomBots.Enabled {
		if err := x.processManager.Connect(startupCtx); err != nil {
			// custom bot operations fail fast until an admin-triggered
			// reconnect; the rest of the bot runs normally
			x.logger.WarnContext(
				ctx, "process manager unavailable", tint.Err(err),
			)
		}
	}

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()

	g, gCtx := errgroup.WithContext(runCtx)

	g.Go(func() error { return x.api.Serve(gCtx) })
	g.Go(
		func() error {
			x.watchRuntimeConfig(gCtx)
			return nil
		},
	)
	g.Go(
		func() error {
			x.watchRequestRefresh(gCtx)
			return nil
		},
	)
	g.Go(
		func() error {
			x.runReconciliationSchedule(gCtx)
			return nil
		},
	)

	if x.config.DatabaseType == dbTypePostgres {
		for _, channel := range []string{
			notifier.RuntimeConfigChannelName(),
			notifier.RequestUpdatedChannelName(),
			notifier.StopChannelName(),
		} {
			channel := channel
			g.Go(func() error { return notifier.Listen(gCtx, channel) })
		}
	}

	// stop watcher: translates a stop signal into context cancellation
	g.Go(
		func() error {
			select {
			case <-gCtx.Done():
				return nil
			case <-x.signalStop:
				x.logger.Warn("stop signal received")
				runCancel()
				return nil
			}
		},
	)

	select {
	case x.signalReady <- struct{}{}:
	default:
	}
	x.logger.InfoContext(ctx, "startup complete")

	<-gCtx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(), x.config.ShutdownTimeout,
	)
	defer shutdownCancel()

	if err := x.api.Shutdown(shutdownCtx); err != nil {
		x.logger.Error("error shutting down api", tint.Err(err))
	}
	if err := x.discord.session.Close(); err != nil {
		x.logger.Error("error closing discord session", tint.Err(err))
	}
	for _, remove := range x.discord.discordgoRemoveHandlerFuncs {
		remove()
	}

	err = g.Wait()

	select {
	case x.eventShutdown <- struct{}{}:
	default:
	}
	x.logger.Info("shutdown complete")

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Stop requests a shutdown.
func (x *XTopSupport) Stop() {
	select {
	case x.signalStop <- struct{}{}:
	default:
	}
}

// watchRequestRefresh force-refreshes cached requests named by update
// notifications from other instances.
func (x *XTopSupport) watchRequestRefresh(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case requestID := <-x.triggerRequestRefreshCh:
			if _, err := x.requests.Fetch(ctx, requestID, true); err != nil {
				x.logger.ErrorContext(
					ctx, "error refreshing request",
					"request_id", requestID,
					tint.Err(err),
				)
			}
		}
	}
}

// nextReconciliation returns the next daily reconciliation instant: the
// configured UTC hour, tomorrow if today's has passed.
func nextReconciliation(now time.Time, hourUTC int) time.Time {
	now = now.UTC()
	next := time.Date(
		now.Year(), now.Month(), now.Day(), hourUTC, 0, 0, 0, time.UTC,
	)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// runReconciliationSchedule reconciles custom bots daily at the configured
// UTC hour (midnight by default), until the context ends.
func (x *XTopSupport) runReconciliationSchedule(ctx context.Context) {
	if !x.config.CustomBots.Enabled {
		return
	}
	for {
		next := nextReconciliation(time.Now(), DefaultReconciliationHourUTC)
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			x.logger.InfoContext(ctx, "running scheduled reconciliation")
			if err := x.customBots.Reconcile(ctx); err != nil {
				x.logger.ErrorContext(
					ctx, "scheduled reconciliation failed", tint.Err(err),
				)
			}
		}
	}
}
