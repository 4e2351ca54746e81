package xtopsupport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
	"github.com/lmittmann/tint"
)

const (
	xRequestIDHeader = "X-Request-ID"

	sessionName        = "xtopsupport"
	sessionKeyUsername = "username"

	apiPrefix = "/api"
)

// API is the backend admin server: request browsing, custom bot control,
// and runtime configuration, behind cookie-session authentication.
type API struct {
	x          *XTopSupport
	config     *APIConfig
	logger     *slog.Logger
	engine     *gin.Engine
	httpServer *http.Server
	listener   net.Listener
}

func newAPI(x *XTopSupport, config *APIConfig) (*API, error) {
	if config == nil {
		return nil, errors.New("nil api config")
	}
	secretKey := []byte(config.Secret)
	if len(secretKey) == 0 {
		// sessions won't survive a restart, but the API stays usable
		secretKey = securecookie.GenerateRandomKey(64)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	api := &API{
		x:      x,
		config: config,
		engine: engine,
		logger: x.logger.With(loggerNameKey, "api"),
	}

	store := cookie.NewStore(secretKey)
	sameSite := http.SameSiteStrictMode
	if config.Development {
		sameSite = http.SameSiteNoneMode
	}
	store.Options(
		sessions.Options{
			Path:     "/",
			MaxAge:   int(config.SessionMaxAge.Seconds()),
			Secure:   true,
			HttpOnly: true,
			SameSite: sameSite,
		},
	)

	engine.Use(api.middlewareRequestID())
	engine.Use(api.middlewareLogging())
	engine.Use(cors.New(config.CORS.GINConfig()))
	engine.Use(sessions.Sessions(sessionName, store))

	if config.Development {
		pprof.Register(engine)
	}

	api.registerRoutes()

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           engine,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}
	if config.SSL.Cert != "" && config.SSL.Key != "" {
		tlsCfg, err := tlsConfig(
			config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion,
		)
		if err != nil {
			return nil, fmt.Errorf("error loading TLS config: %w", err)
		}
		api.httpServer.TLSConfig = tlsCfg
	}

	return api, nil
}

func (a *API) middlewareRequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(xRequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(xRequestIDHeader, requestID)
		c.Set("request_id", requestID)
		c.Next()
	}
}

func (a *API) middlewareLogging() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.logger.Info(
			"api request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"request_id", c.GetString("request_id"),
		)
	}
}

// middlewareAuth rejects requests without an authenticated session.
func (a *API) middlewareAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		if username, ok := session.Get(sessionKeyUsername).(string); !ok ||
			username == "" {
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				gin.H{"error": "authentication required"},
			)
			return
		}
		c.Next()
	}
}

func (a *API) registerRoutes() {
	root := a.engine.Group(apiPrefix)
	root.GET("/health", a.health)
	root.POST("/login", a.login)
	root.POST("/logout", a.logout)

	authed := root.Group("", a.middlewareAuth())
	authed.GET("/requests", a.listRequests)
	authed.GET("/requests/:id", a.getRequest)
	authed.GET("/users/:id/requests", a.listUserRequests)
	authed.GET("/custom_bots", a.listCustomBots)
	authed.GET("/custom_bots/:id", a.getCustomBot)
	authed.POST("/custom_bots/:id/start", a.startCustomBot)
	authed.POST("/custom_bots/reconcile", a.reconcileCustomBots)
	authed.GET("/config", a.getRuntimeConfig)
	authed.PATCH("/config", a.patchRuntimeConfig)
	authed.POST("/quit", a.quit)
}

func (a *API) health(c *gin.Context) {
	c.JSON(
		http.StatusOK, gin.H{
			"status":            "ok",
			"discord_connected": a.x.discord.connected.Load(),
			"started_at":        a.x.startedAt,
		},
	)
}

type loginPayload struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (a *API) login(c *gin.Context) {
	var payload loginPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	cfg := a.x.RuntimeConfig()
	if cfg.AdminUsername == "" || cfg.AdminPasswordHash == "" {
		c.JSON(
			http.StatusServiceUnavailable,
			gin.H{"error": "admin credentials not initialized"},
		)
		return
	}

	match, err := verifyPassword(cfg.AdminPasswordHash, payload.Password)
	if err != nil || !match || payload.Username != cfg.AdminUsername {
		a.logger.Warn("failed admin login", "username", payload.Username)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	session := sessions.Default(c)
	session.Set(sessionKeyUsername, payload.Username)
	if err := session.Save(); err != nil {
		a.logger.Error("error saving session", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"username": payload.Username})
}

func (a *API) logout(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	session.Options(sessions.Options{MaxAge: -1, Path: "/"})
	if err := session.Save(); err != nil {
		a.logger.Error("error clearing session", tint.Err(err))
	}
	c.Status(http.StatusNoContent)
}

// requestView is the API's representation of an assistance request, with
// the derived status included.
type requestView struct {
	*RequestAssistant
	Status RequestStatus `json:"status"`
}

func newRequestView(req *RequestAssistant) requestView {
	return requestView{RequestAssistant: req, Status: req.Status()}
}

func (a *API) listRequests(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit < 1 || limit > 500 {
		limit = 50
	}
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	var rows []*RequestAssistant
	err := a.x.db.DB().WithContext(c.Request.Context()).
		Order("requested_at desc").Limit(limit).Offset(offset).
		Find(&rows).Error
	if err != nil {
		a.logger.Error("error listing requests", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
		return
	}

	views := make([]requestView, 0, len(rows))
	for _, row := range rows {
		views = append(views, newRequestView(row))
	}
	c.JSON(http.StatusOK, gin.H{"requests": views})
}

func (a *API) getRequest(c *gin.Context) {
	req, err := a.x.requests.Fetch(c.Request.Context(), c.Param("id"), true)
	if err != nil {
		a.logger.Error("error fetching request", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
		return
	}
	if req == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, newRequestView(req))
}

func (a *API) listUserRequests(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit < 1 || limit > 500 {
		limit = 50
	}
	rows, err := a.x.requests.FetchUser(
		c.Request.Context(), c.Param("id"), limit, nil,
	)
	if err != nil {
		a.logger.Error("error fetching user requests", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
		return
	}
	views := make([]requestView, 0, len(rows))
	for _, row := range rows {
		views = append(views, newRequestView(row))
	}
	c.JSON(http.StatusOK, gin.H{"requests": views})
}

// customBotView includes the derived status alongside the stored record.
type customBotView struct {
	*CustomBot
	Status CustomBotStatus `json:"status"`
}

func (a *API) listCustomBots(c *gin.Context) {
	var bots []*CustomBot
	err := a.x.db.DB().WithContext(c.Request.Context()).
		Order("created_at asc").Find(&bots).Error
	if err != nil {
		a.logger.Error("error listing custom bots", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
		return
	}

	views := make([]customBotView, 0, len(bots))
	for _, bot := range bots {
		status, serr := a.x.customBots.Status(c.Request.Context(), bot)
		if serr != nil {
			status = CustomBotStatusOffline
		}
		views = append(views, customBotView{CustomBot: bot, Status: status})
	}
	c.JSON(http.StatusOK, gin.H{"custom_bots": views})
}

func (a *API) getCustomBot(c *gin.Context) {
	bot, err := a.x.customBots.Fetch(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrCustomBotNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		a.logger.Error("error fetching custom bot", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
		return
	}
	status, err := a.x.customBots.Status(c.Request.Context(), bot)
	if err != nil {
		a.logger.Error("error deriving custom bot status", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status error"})
		return
	}
	c.JSON(http.StatusOK, customBotView{CustomBot: bot, Status: status})
}

func (a *API) startCustomBot(c *gin.Context) {
	err := a.x.customBots.Start(c.Request.Context(), c.Param("id"), "admin")
	switch {
	case err == nil:
		c.Status(http.StatusAccepted)
	case errors.Is(err, ErrCustomBotNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, ErrCustomBotNotOffline):
		c.JSON(http.StatusConflict, gin.H{"error": "bot is not offline"})
	case errors.Is(err, ErrTokenInvalid):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, ErrProcessManagerNotConnected):
		c.JSON(
			http.StatusServiceUnavailable,
			gin.H{"error": "process manager not connected"},
		)
	default:
		a.logger.Error("error starting custom bot", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "start failed"})
	}
}

func (a *API) reconcileCustomBots(c *gin.Context) {
	if err := a.x.customBots.Reconcile(c.Request.Context()); err != nil {
		if errors.Is(err, ErrProcessManagerNotConnected) {
			c.JSON(
				http.StatusServiceUnavailable,
				gin.H{"error": "process manager not connected"},
			)
			return
		}
		a.logger.Error("error reconciling custom bots", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconcile failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) getRuntimeConfig(c *gin.Context) {
	c.JSON(http.StatusOK, a.x.RuntimeConfig())
}

func (a *API) patchRuntimeConfig(c *gin.Context) {
	var update RuntimeConfigUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	cfg, err := a.x.updateRuntimeConfig(c.Request.Context(), update)
	if err != nil {
		a.logger.Error("error updating runtime config", tint.Err(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// quit asks every instance to shut down, via the DB notifier.
func (a *API) quit(c *gin.Context) {
	a.logger.Warn("shutdown requested via api")
	ctx, cancel := context.WithTimeout(
		c.Request.Context(), dbNotifierSendTimeout,
	)
	defer cancel()
	a.x.dbNotifier.Stop(ctx)
	c.Status(http.StatusAccepted)
}

// Serve begins accepting connections, blocking until the listener closes.
func (a *API) Serve(ctx context.Context) error {
	network := a.config.ListenNetwork
	if network == "" {
		network = defaultListenNetwork
	}
	listener, err := net.Listen(network, a.config.Listen)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
	}
	a.listener = listener
	a.logger.InfoContext(ctx, "api listening", "address", listener.Addr().String())

	if a.httpServer.TLSConfig != nil {
		err = a.httpServer.ServeTLS(listener, "", "")
	} else {
		err = a.httpServer.Serve(listener)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (a *API) Shutdown(ctx context.Context) error {
	if a.httpServer == nil {
		return nil
	}
	return a.httpServer.Shutdown(ctx)
}
