// Package registry maps actor addresses to actor hosts and dispatches HTTP
// and WebSocket traffic to them, spawning instances lazily on first use.
//
// The HTTP surface is a single route family:
//
//	GET  /api/<actorType>/<actorId>            -> {snapshot, checksum}
//	POST /api/<actorType>/<actorId>            -> {ok: true}
//	GET  /api/<actorType>/<actorId> (Upgrade)  -> WebSocket patch stream
//
// Unknown actor types are 404, unknown methods 405, and missing or invalid
// tokens 401 with a diagnostic pointing the caller at the token helper.
// WebSocket upgrades carry the token in the accessToken query parameter
// because browser WebSocket clients cannot set headers.
package registry

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/jonmumm/actor-kit/internal/actor"
	"github.com/jonmumm/actor-kit/internal/apperr"
	"github.com/jonmumm/actor-kit/internal/auth"
	"github.com/jonmumm/actor-kit/internal/logger"
	"github.com/jonmumm/actor-kit/internal/middleware"
	"github.com/jonmumm/actor-kit/internal/storage"
)

// ConnectionTokenHeader carries the freshly minted connection token on the
// WebSocket upgrade response.
const ConnectionTokenHeader = "X-Connection-Token"

const maxEventBodySize = 1 << 20

// Config configures a Registry.
type Config struct {
	// SigningKey verifies access tokens and signs connection tokens.
	SigningKey string

	// Store is the persistence backend shared by all hosts; nil disables
	// persistence.
	Store storage.Store

	// AllowedOrigins is the Origin allowlist for WebSocket upgrades. Empty
	// allows non-browser clients and localhost only.
	AllowedOrigins []string

	Logger *zerolog.Logger
}

// Registry is the process-wide address -> host map.
//
// The map itself is guarded by a mutex; spawning is serialized per address by
// the host's own lifecycle state, so distinct addresses spawn in parallel.
type Registry struct {
	cfg Config
	log zerolog.Logger

	mu        sync.Mutex
	hosts     map[string]*actor.Host
	factories map[string]actor.MachineFactory

	cron *cron.Cron
}

// New creates a registry and starts the periodic snapshot-cache sweep.
func New(cfg Config) *Registry {
	log := logger.Registry()
	if cfg.Logger != nil {
		log = cfg.Logger
	}
	r := &Registry{
		cfg:       cfg,
		log:       *log,
		hosts:     make(map[string]*actor.Host),
		factories: make(map[string]actor.MachineFactory),
		cron:      cron.New(),
	}
	// Cache entries expire five minutes after last reference; a minutely
	// sweep keeps eviction within one minute of the deadline.
	r.cron.AddFunc("* * * * *", r.sweepCaches)
	r.cron.Start()
	return r
}

// RegisterType binds an actor type name to its machine factory. Requests for
// unregistered types are 404.
func (r *Registry) RegisterType(actorType string, factory actor.MachineFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[actorType] = factory
}

// Routes registers the actor route family and the health endpoint.
func (r *Registry) Routes(engine *gin.Engine) {
	engine.Use(middleware.RequestID())
	engine.Use(middleware.StructuredLogger())
	engine.Use(gin.Recovery())
	engine.Any("/api/:actorType/:actorId", r.handleActor)
	engine.GET("/health", r.handleHealth)
}

// HostFor returns the host for an address, spawning it on first contact. The
// registry spawns with an empty input; callers needing initial input construct
// the host through a framework-specific path.
func (r *Registry) HostFor(ctx context.Context, actorType, actorID string, initialCaller actor.Caller) (*actor.Host, error) {
	r.mu.Lock()
	factory, ok := r.factories[actorType]
	if !ok {
		r.mu.Unlock()
		return nil, apperr.NotFound("actor type " + actorType)
	}
	key := actorType + "/" + actorID
	host, exists := r.hosts[key]
	if !exists {
		host = actor.NewHost(actor.HostConfig{
			ActorType:   actorType,
			ActorID:     actorID,
			Factory:     factory,
			Store:       r.cfg.Store,
			CheckOrigin: r.checkOrigin,
		})
		r.hosts[key] = host
	}
	r.mu.Unlock()

	if exists {
		return host, nil
	}

	props := actor.SpawnProps{
		ActorType:     actorType,
		ActorID:       actorID,
		InitialCaller: initialCaller,
		Input:         map[string]any{},
	}
	if err := host.Spawn(ctx, props); err != nil {
		if apperr.Is(err, apperr.ErrCodeAlreadySpawnedDifferent) {
			// Lost a race against another spawner; the host is up.
			return host, nil
		}
		return nil, err
	}
	return host, nil
}

// HostCount returns the number of spawned hosts.
func (r *Registry) HostCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hosts)
}

// Shutdown stops the sweep job and every host, persisting final snapshots.
func (r *Registry) Shutdown(ctx context.Context) {
	r.cron.Stop()

	r.mu.Lock()
	hosts := make([]*actor.Host, 0, len(r.hosts))
	for _, h := range r.hosts {
		hosts = append(hosts, h)
	}
	r.mu.Unlock()

	for _, h := range hosts {
		h.Stop(ctx)
	}
	r.log.Info().Int("hosts", len(hosts)).Msg("Registry shut down")
}

func (r *Registry) sweepCaches() {
	r.mu.Lock()
	hosts := make([]*actor.Host, 0, len(r.hosts))
	for _, h := range r.hosts {
		hosts = append(hosts, h)
	}
	r.mu.Unlock()

	removed := 0
	for _, h := range hosts {
		removed += h.Cache().Sweep()
	}
	if removed > 0 {
		r.log.Debug().Int("evicted", removed).Msg("Snapshot cache sweep")
	}
}

// checkOrigin validates the Origin of WebSocket upgrade requests against the
// configured allowlist. Requests without an Origin (non-browser clients) and
// localhost origins always pass.
func (r *Registry) checkOrigin(req *http.Request) bool {
	origin := req.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range r.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1")
}

func (r *Registry) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "actors": r.HostCount()})
}

func (r *Registry) handleActor(c *gin.Context) {
	actorType := c.Param("actorType")
	actorID := c.Param("actorId")

	r.mu.Lock()
	_, known := r.factories[actorType]
	r.mu.Unlock()
	if !known {
		respondError(c, apperr.NotFound("actor type "+actorType))
		return
	}

	switch {
	case c.Request.Method == http.MethodGet && websocket.IsWebSocketUpgrade(c.Request):
		r.handleConnect(c, actorType, actorID)
	case c.Request.Method == http.MethodGet:
		r.handleGet(c, actorType, actorID)
	case c.Request.Method == http.MethodPost:
		r.handlePost(c, actorType, actorID)
	default:
		respondError(c, apperr.MethodNotAllowed(c.Request.Method))
	}
}

func (r *Registry) handleGet(c *gin.Context, actorType, actorID string) {
	caller, appErr := r.bearerCaller(c, actorType, actorID)
	if appErr != nil {
		respondError(c, appErr)
		return
	}

	host, err := r.HostFor(c.Request.Context(), actorType, actorID, caller)
	if err != nil {
		respondError(c, err)
		return
	}

	wait := waitOptionsFromQuery(c)
	res, err := host.GetSnapshot(c.Request.Context(), caller, wait)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (r *Registry) handlePost(c *gin.Context, actorType, actorID string) {
	caller, appErr := r.bearerCaller(c, actorType, actorID)
	if appErr != nil {
		respondError(c, appErr)
		return
	}

	host, err := r.HostFor(c.Request.Context(), actorType, actorID, caller)
	if err != nil {
		respondError(c, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxEventBodySize))
	if err != nil {
		respondError(c, apperr.BadEvent("unreadable request body"))
		return
	}
	event, err := actor.DecodeWireEvent(body, caller)
	if err != nil {
		respondError(c, apperr.Wrap(apperr.ErrCodeBadEvent, "event rejected", err))
		return
	}
	event.RequestInfo = &actor.RequestInfo{
		RemoteAddr: c.ClientIP(),
		UserAgent:  c.Request.UserAgent(),
		RequestID:  middleware.GetRequestID(c),
	}

	if err := host.Send(c.Request.Context(), event); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (r *Registry) handleConnect(c *gin.Context, actorType, actorID string) {
	// Browser WebSocket clients cannot set headers; the token rides in the
	// query. A re-entering client may present a connection token instead to
	// reclaim its caller record.
	var caller actor.Caller
	var appErr *apperr.AppError
	if accessToken := c.Query("accessToken"); accessToken != "" {
		caller, appErr = auth.VerifyAccess(r.cfg.SigningKey, accessToken, actorType, actorID)
	} else if connToken := c.Query("connectionToken"); connToken != "" {
		caller, _, appErr = auth.VerifyConnection(r.cfg.SigningKey, connToken, actorType)
	} else {
		appErr = apperr.Unauthorized("missing accessToken query parameter; mint one with auth.IssueAccessToken")
	}
	if appErr != nil {
		respondError(c, appErr)
		return
	}

	host, err := r.HostFor(c.Request.Context(), actorType, actorID, caller)
	if err != nil {
		respondError(c, err)
		return
	}

	respHeader := http.Header{}
	connectionID := uuid.NewString()
	if connToken, tokenErr := auth.IssueConnectionToken(r.cfg.SigningKey, actorType, connectionID, caller); tokenErr == nil {
		respHeader.Set(ConnectionTokenHeader, connToken)
	}

	if err := host.Connect(c.Writer, c.Request, caller, c.Query("checksum"), respHeader); err != nil {
		// The upgrade may already have consumed the connection; only respond
		// when the handshake never happened.
		if !c.Writer.Written() {
			respondError(c, err)
		}
		return
	}
	// The connection is hijacked; nothing more to write here.
}

func (r *Registry) bearerCaller(c *gin.Context, actorType, actorID string) (actor.Caller, *apperr.AppError) {
	header := c.GetHeader("Authorization")
	if header == "" {
		return actor.Caller{}, apperr.Unauthorized(
			"missing Authorization header; mint a token with auth.IssueAccessToken and send it as 'Authorization: Bearer <token>'")
	}
	tokenString := strings.TrimPrefix(header, "Bearer ")
	if tokenString == header {
		return actor.Caller{}, apperr.Unauthorized("Authorization header must use the Bearer scheme")
	}
	return auth.VerifyAccess(r.cfg.SigningKey, tokenString, actorType, actorID)
}

func waitOptionsFromQuery(c *gin.Context) *actor.WaitOptions {
	waitForEvent := c.Query("waitForEvent")
	waitForState := c.Query("waitForState")
	if waitForEvent == "" && waitForState == "" {
		return nil
	}
	wait := &actor.WaitOptions{
		Event:          waitForEvent,
		State:          waitForState,
		ErrorOnTimeout: c.Query("errorOnWaitTimeout") == "true",
	}
	if raw := c.Query("timeout"); raw != "" {
		if ms, err := strconv.Atoi(raw); err == nil && ms > 0 {
			wait.Timeout = time.Duration(ms) * time.Millisecond
		}
	}
	return wait
}

func respondError(c *gin.Context, err error) {
	if appErr, ok := err.(*apperr.AppError); ok {
		c.JSON(appErr.StatusCode, appErr.ToResponse())
		return
	}
	fallback := apperr.Internal("unexpected error", err)
	c.JSON(fallback.StatusCode, fallback.ToResponse())
}
