package scene

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
)

const (
	apiPrefix          = "/api"
	apiHealthCheck     = "/healthz"
	apiPathGuilds      = "/guilds"
	apiPathGuild       = "/guilds/:id"
	apiPathGuildReload = "/guilds/:id/reload"
	apiPathSizeTiers   = "/size_tiers"
	pprofPrefix        = "/debug"
	pprofPath          = "/pprof"
)

const (
	xRequestIDHeader = "X-Request-ID"
	bearerPrefix     = "Bearer "
)

var (
	structValidator = validator.New()
)

type httpError struct {
	Error string `json:"error"`
}

// API is the admin HTTP server, for inspecting and updating guild
// policies while the bot runs
type API struct {
	config     *APIConfig
	scene      *Scene
	httpServer *http.Server
	engine     *gin.Engine
	logger     *slog.Logger

	mu       sync.Mutex
	listener net.Listener
}

func newAPI(s *Scene, config *APIConfig) (*API, error) {
	logger := slog.New(newLogHandler(config.LogLevel)).With(loggerNameKey, "api")

	r := gin.New()
	api := &API{
		config: config,
		scene:  s,
		engine: r,
		logger: logger,
	}

	var tlsCfg *tls.Config
	if config.SSL.Cert != "" && config.SSL.Key != "" {
		cfg, err := tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
		tlsCfg = cfg
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		cors.New(config.CORS.GINConfig()),
	)

	handlers := &apiHandlers{scene: s}
	r.GET(apiHealthCheck, handlers.healthCheck)

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(config.Secret))
	protected.GET(apiPathGuilds, handlers.listGuilds)
	protected.GET(apiPathGuild, handlers.getGuild)
	protected.PATCH(apiPathGuild, handlers.updateGuild)
	protected.POST(apiPathGuildReload, handlers.reloadGuild)
	protected.GET(apiPathSizeTiers, handlers.sizeTiers)

	if config.Development {
		debug := r.Group(pprofPrefix, authMiddleware(config.Secret))
		ginPprof.RouteRegister(debug, pprofPath)
		logger.Warn("profiling endpoints enabled", "path", pprofPrefix+pprofPath)
	}

	return api, nil
}

// Serve listens on the configured address, over TLS if a certificate
// is configured
func (a *API) Serve(ctx context.Context) error {
	a.mu.Lock()
	ln := a.listener
	if ln == nil {
		network := a.config.ListenNetwork
		if network == "" {
			network = defaultListenNetwork
		}
		listenCfg := &net.ListenConfig{}
		var err error
		ln, err = listenCfg.Listen(ctx, network, a.config.Listen)
		if err != nil {
			a.mu.Unlock()
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	a.mu.Unlock()

	a.logger.InfoContext(ctx, "api listening", "address", ln.Addr().String())
	return a.httpServer.Serve(ln)
}

// listenAddr returns the address the server is listening on, or an
// empty string if it isn't listening yet
func (a *API) listenAddr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

type apiHandlers struct {
	scene *Scene
}

type healthCheckResponse struct {
	DiscordGatewayConnected bool  `json:"discord_gateway_connected"`
	Guilds                  int   `json:"guilds"`
	PersistFailures         int64 `json:"persist_failures"`
}

func (h *apiHandlers) healthCheck(c *gin.Context) {
	resp := healthCheckResponse{
		DiscordGatewayConnected: h.scene.discord.connected.Load(),
	}
	if guilds := h.scene.guilds; guilds != nil {
		resp.Guilds = guilds.Len()
		resp.PersistFailures = guilds.PersistFailures()
	}
	c.JSON(http.StatusOK, resp)
}

// guildStore returns the guild store, or replies with 503 if the bot
// hasn't finished starting
func (h *apiHandlers) guildStore(c *gin.Context) (*GuildConfigStore, bool) {
	if h.scene.guilds == nil {
		c.AbortWithStatusJSON(
			http.StatusServiceUnavailable,
			httpError{Error: "guild configuration not loaded"},
		)
		return nil, false
	}
	return h.scene.guilds, true
}

func guildIDParam(c *gin.Context) (uint64, bool) {
	id, err := parseSnowflake(c.Param("id"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return 0, false
	}
	return id, true
}

func (h *apiHandlers) listGuilds(c *gin.Context) {
	guilds, ok := h.guildStore(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, guilds.Policies())
}

func (h *apiHandlers) getGuild(c *gin.Context) {
	guilds, ok := h.guildStore(c)
	if !ok {
		return
	}
	guildID, ok := guildIDParam(c)
	if !ok {
		return
	}
	policy, err := guilds.Snapshot(guildID)
	if err != nil {
		c.JSON(http.StatusNotFound, httpError{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, policy)
}

// apiPatchGuild is the body of a guild policy update. The size tier is
// given by its ID.
type apiPatchGuild struct {
	AutoResizeEnabled       *bool   `json:"auto_resize_enabled"`
	DefaultSizeTier         *string `json:"default_size_tier" binding:"omitnil,min=1"`
	AutoWebPTransferEnabled *bool   `json:"auto_webp_transfer_enabled"`
}

func (p apiPatchGuild) update() (GuildPolicyUpdate, error) {
	update := GuildPolicyUpdate{
		AutoResizeEnabled:       p.AutoResizeEnabled,
		AutoWebPTransferEnabled: p.AutoWebPTransferEnabled,
	}
	if p.DefaultSizeTier != nil {
		tier, err := ParseSizeTier(*p.DefaultSizeTier)
		if err != nil {
			return update, err
		}
		update.DefaultSizeTier = &tier
	}
	return update, nil
}

func (h *apiHandlers) updateGuild(c *gin.Context) {
	log := ginContextLogger(c)
	guilds, ok := h.guildStore(c)
	if !ok {
		return
	}
	guildID, ok := guildIDParam(c)
	if !ok {
		return
	}

	var patch apiPatchGuild
	if err := c.ShouldBindJSON(&patch); err != nil {
		log.Warn("bad request", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	update, err := patch.update()
	if err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	policy, err := guilds.SetPolicy(c.Request.Context(), guildID, update)
	if err != nil {
		c.JSON(http.StatusNotFound, httpError{Error: err.Error()})
		return
	}
	log.Info("updated guild policy", "policy", policy)
	c.JSON(http.StatusAccepted, policy)
}

func (h *apiHandlers) reloadGuild(c *gin.Context) {
	log := ginContextLogger(c)
	guilds, ok := h.guildStore(c)
	if !ok {
		return
	}
	guildID, ok := guildIDParam(c)
	if !ok {
		return
	}
	policy, err := guilds.Reload(c.Request.Context(), guildID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, policy)
	case errors.Is(err, ErrGuildPolicyNotFound), errors.Is(err, ErrPolicyDocumentNotFound):
		c.JSON(http.StatusNotFound, httpError{Error: err.Error()})
	default:
		log.Error("error reloading guild policy", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "error reloading guild policy"})
	}
}

type apiSizeTier struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

func (h *apiHandlers) sizeTiers(c *gin.Context) {
	tiers := SizeTiers()
	rv := make([]apiSizeTier, 0, len(tiers))
	for _, t := range tiers {
		w, ht, _ := t.Dimensions()
		rv = append(rv, apiSizeTier{ID: t.String(), Label: t.Label(), Width: w, Height: ht})
	}
	c.JSON(http.StatusOK, rv)
}

// authMiddleware requires 'Authorization: Bearer <secret>' when a
// secret is configured
func authMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), bearerPrefix)
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			ginContextLogger(c).Warn("unauthorized request")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		c.Next()
	}
}

// requestIDMiddleware assigns a random request ID to each request,
// and returns it in the X-Request-ID header
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := logger.(*slog.Logger); ok {
			return requestLogger
		}
	}
	requestID, _ := c.Get(xRequestIDHeader)
	p := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		p = p + "?" + raw
	}

	requestLogger := slog.Default().With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", p,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID, _ := c.Get(xRequestIDHeader)
		requestLogger := logger.With(
			slog.Group(
				"request",
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"remote_ip", c.RemoteIP(),
			),
			slog.Any(xRequestIDHeader, requestID),
		)
		c.Set(string(loggerContextKey), requestLogger)

		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		msg := fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(msg, "duration", latency, "errors", errs.Errors(), response)
			return
		}
		requestLogger.Info(msg, "duration", latency, response)
	}
}

//nolint:gochecknoinits // validator tag name must be set before use
func init() {
	structValidator.SetTagName("binding")
}
