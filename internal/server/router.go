package server

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/loykin/procwatch/internal/auth"
	"github.com/loykin/procwatch/internal/history"
	"github.com/loykin/procwatch/internal/manager"
	"github.com/loykin/procwatch/internal/metrics"
	"github.com/loykin/procwatch/internal/supervisor"
)

// Router provides embeddable HTTP handlers for the supervisor.
// Endpoints, relative to basePath:
//
//	GET    /targets                      list configs + runtime state
//	POST   /targets                      register (?start=true to start)
//	GET    /targets/:name
//	PUT    /targets/:name                update a stopped target
//	DELETE /targets/:name                stop and unregister
//	POST   /targets/:name/start
//	POST   /targets/:name/stop
//	POST   /targets/:name/reset          clear restart count
//	POST   /targets/:name/notify/test
//	GET    /targets/:name/stats          recent stat samples
//	GET    /targets/:name/history        persisted events (?limit=)
//	GET    /system
//	GET    /events                       websocket (?target=)
//	POST   /auth/login                   only WithAuth; returns a bearer token
type Router struct {
	mgr      *manager.Manager
	auth     *auth.Service
	basePath string
	history  history.Querier
	metrics  http.Handler
	logger   *slog.Logger
	upgrader websocket.Upgrader
	system   func() (metrics.System, error)

	mu      sync.Mutex
	clients map[string]*wsClient
	closed  bool
}

type Option func(*Router)

// WithHistory enables GET /targets/:name/history.
func WithHistory(q history.Querier) Option { return func(r *Router) { r.history = q } }

// WithMetrics mounts h at /metrics, outside basePath.
func WithMetrics(h http.Handler) Option { return func(r *Router) { r.metrics = h } }

// WithAuth requires a token or basic credentials on every route under
// basePath and enables POST /auth/login. /metrics stays open.
func WithAuth(s *auth.Service) Option { return func(r *Router) { r.auth = s } }

func WithLogger(l *slog.Logger) Option { return func(r *Router) { r.logger = l } }

// NewRouter constructs a Router. basePath may be empty or start with '/'.
func NewRouter(mgr *manager.Manager, basePath string, opts ...Option) *Router {
	r := &Router{
		mgr:      mgr,
		basePath: sanitizeBase(basePath),
		logger:   slog.Default(),
		system:   metrics.SystemStats,
		clients:  make(map[string]*wsClient),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	if r.metrics != nil {
		g.GET("/metrics", gin.WrapH(r.metrics))
	}
	group := g.Group(r.basePath)
	if r.auth != nil {
		group.POST("/auth/login", r.handleLogin)
		group = group.Group("", auth.GinAuth(r.auth))
	}
	group.GET("/targets", r.handleList)
	group.POST("/targets", r.handleRegister)
	group.GET("/targets/:name", r.handleGet)
	group.PUT("/targets/:name", r.handleUpdate)
	group.DELETE("/targets/:name", r.handleUnregister)
	group.POST("/targets/:name/start", r.handleStart)
	group.POST("/targets/:name/stop", r.handleStop)
	group.POST("/targets/:name/reset", r.handleReset)
	group.POST("/targets/:name/notify/test", r.handleNotifyTest)
	group.GET("/targets/:name/stats", r.handleStats)
	group.GET("/targets/:name/history", r.handleHistory)
	group.GET("/system", r.handleSystem)
	group.GET("/events", r.handleEvents)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// NewServer starts serving r on addr in the background, over TLS when tc is
// not nil.
func NewServer(addr string, r *Router, tc *tls.Config) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		TLSConfig:         tc,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		var err error
		if tc != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server stopped", "addr", addr, "error", err)
		}
	}()
	return server
}

// TargetView is the API representation of one target.
type TargetView struct {
	Config supervisor.TargetConfig `json:"config"`
	State  supervisor.RuntimeState `json:"state"`
}

func (r *Router) view(name string) (TargetView, error) {
	cfg, err := r.mgr.Get(name)
	if err != nil {
		return TargetView{}, err
	}
	st, err := r.mgr.Status(name)
	if err != nil {
		return TargetView{}, err
	}
	return TargetView{Config: cfg.Redacted(), State: st}, nil
}

func (r *Router) handleList(c *gin.Context) {
	cfgs := r.mgr.Targets()
	out := make([]TargetView, 0, len(cfgs))
	for _, cfg := range cfgs {
		st, err := r.mgr.Status(cfg.Name)
		if err != nil {
			// unregistered concurrently
			continue
		}
		out = append(out, TargetView{Config: cfg.Redacted(), State: st})
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) bindConfig(c *gin.Context) (supervisor.TargetConfig, bool) {
	var cfg supervisor.TargetConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return cfg, false
	}
	if err := checkPaths(cfg); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return cfg, false
	}
	return cfg, true
}

func (r *Router) handleRegister(c *gin.Context) {
	cfg, ok := r.bindConfig(c)
	if !ok {
		return
	}
	if err := r.mgr.Register(cfg); err != nil {
		writeError(c, err)
		return
	}
	if start, _ := strconv.ParseBool(c.Query("start")); start {
		if _, err := r.mgr.Start(cfg.Name); err != nil {
			writeError(c, err)
			return
		}
	}
	v, err := r.view(cfg.Name)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, v)
}

func (r *Router) handleGet(c *gin.Context) {
	v, err := r.view(c.Param("name"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, v)
}

func (r *Router) handleUpdate(c *gin.Context) {
	cfg, ok := r.bindConfig(c)
	if !ok {
		return
	}
	cfg.Name = c.Param("name")
	if err := r.mgr.Update(cfg); err != nil {
		writeError(c, err)
		return
	}
	v, err := r.view(cfg.Name)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, v)
}

func (r *Router) handleUnregister(c *gin.Context) {
	if err := r.mgr.Unregister(c.Param("name")); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStart(c *gin.Context) {
	w, err := r.mgr.Start(c.Param("name"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, w.Snapshot())
}

func (r *Router) handleStop(c *gin.Context) {
	name := c.Param("name")
	if err := r.mgr.StopSupervision(name); err != nil {
		writeError(c, err)
		return
	}
	st, err := r.mgr.Status(name)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleReset(c *gin.Context) {
	if err := r.mgr.ResetRestarts(c.Param("name")); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleNotifyTest(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()
	if err := r.mgr.TestNotification(ctx, c.Param("name")); err != nil {
		if statusFor(err) == http.StatusInternalServerError {
			// delivery failure, not a server fault
			writeJSON(c, http.StatusBadGateway, errorResp{Error: err.Error()})
			return
		}
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStats(c *gin.Context) {
	pts, err := r.mgr.StatsHistory(c.Param("name"))
	if err != nil {
		writeError(c, err)
		return
	}
	if pts == nil {
		pts = []metrics.Point{}
	}
	writeJSON(c, http.StatusOK, pts)
}

func (r *Router) handleHistory(c *gin.Context) {
	if r.history == nil {
		writeJSON(c, http.StatusNotImplemented, errorResp{Error: "no queryable history sink configured"})
		return
	}
	name := c.Param("name")
	if _, err := r.mgr.Get(name); err != nil {
		writeError(c, err)
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	recs, err := r.history.Recent(c.Request.Context(), name, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if recs == nil {
		recs = []history.Record{}
	}
	writeJSON(c, http.StatusOK, recs)
}

func (r *Router) handleSystem(c *gin.Context) {
	s, err := r.system()
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, s)
}

func (r *Router) handleLogin(c *gin.Context) {
	var req auth.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "username and password are required"})
		return
	}
	tok, err := r.auth.Login(req.Username, req.Password)
	if err != nil {
		r.logger.Warn("login failed", "user", req.Username, "remote", c.ClientIP())
		writeJSON(c, http.StatusUnauthorized, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, tok)
}
