package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/janus/internal/history"
	"github.com/loykin/janus/internal/metrics"
	"github.com/loykin/janus/internal/process"
)

// Supervisor is the part of the supervisor the control API drives.
type Supervisor interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	StartOne(ctx context.Context, name string) error
	StopOne(ctx context.Context, name string) error
	RestartOne(ctx context.Context, name string) error
	SignalOne(name string, sig syscall.Signal) error
	Status() []process.Status
	StatusOne(name string) (process.Status, error)
	Events(n int) []history.Event
}

// Router provides embeddable HTTP handlers for the control API.
// Endpoints, relative to basePath:
//
//	GET  /status                    every process, declaration order
//	GET  /status/:name              one process
//	GET  /events?n=50               recent state changes, oldest first
//	POST /start | /stop | /restart  whole-supervisor commands, ?timeout=5s caps stops
//	POST /processes/:name/start|stop|restart
//	POST /processes/:name/signal?sig=HUP
//	GET  /processes/:name/resources
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	sup       Supervisor
	basePath  string
	resources *metrics.ResourceCollector
	logger    *slog.Logger
	guards    []gin.HandlerFunc
}

// NewRouter constructs a Router. resources may be nil.
func NewRouter(sup Supervisor, basePath string, resources *metrics.ResourceCollector, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{sup: sup, basePath: sanitizeBase(basePath), resources: resources, logger: logger}
}

// sanitizeBase normalizes a mount point to "" or "/x/y".
func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" {
		return ""
	}
	bp = path.Clean("/" + bp)
	if bp == "/" {
		return ""
	}
	return bp
}

// Use adds middleware in front of every API route, e.g. authentication.
func (r *Router) Use(mw ...gin.HandlerFunc) *Router {
	r.guards = append(r.guards, mw...)
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath, r.guards...)
	group.GET("/status", r.handleStatus)
	group.GET("/status/:name", r.handleStatusOne)
	group.GET("/events", r.handleEvents)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.POST("/restart", r.handleRestart)

	procs := group.Group("/processes/:name", r.requireName)
	procs.POST("/start", r.handleStartOne)
	procs.POST("/stop", r.handleStopOne)
	procs.POST("/restart", r.handleRestartOne)
	procs.POST("/signal", r.handleSignal)
	procs.GET("/resources", r.handleResources)
	return g
}

// NewServer wraps handler in an http.Server with the usual timeouts. Stop
// and restart requests wait for processes to exit, so the write timeout
// leaves room for a full shutdown grace period.
func NewServer(addr string, handler http.Handler, grace time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      grace + 30*time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type resourcesResp struct {
	Name    string          `json:"name"`
	Latest  *metrics.Usage  `json:"latest,omitempty"`
	History []metrics.Usage `json:"history"`
}

func (r *Router) requireName(c *gin.Context) {
	if process.ValidName(c.Param("name")) != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid process name"})
		c.Abort()
		return
	}
	c.Next()
}

func (r *Router) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, r.sup.Status())
}

func (r *Router) handleStatusOne(c *gin.Context) {
	st, err := r.sup.StatusOne(c.Param("name"))
	if err != nil {
		r.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (r *Router) handleEvents(c *gin.Context) {
	n := 0
	if v := c.Query("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, errorResp{Error: "n must be a non-negative integer"})
			return
		}
		n = parsed
	}
	c.JSON(http.StatusOK, r.sup.Events(n))
}

func (r *Router) handleStart(c *gin.Context) {
	r.reply(c, r.sup.Start(c.Request.Context()))
}

func (r *Router) handleStop(c *gin.Context) {
	ctx, cancel, ok := stopContext(c)
	if !ok {
		return
	}
	defer cancel()
	r.reply(c, r.sup.Stop(ctx))
}

func (r *Router) handleRestart(c *gin.Context) {
	ctx, cancel, ok := stopContext(c)
	if !ok {
		return
	}
	defer cancel()
	r.reply(c, r.sup.Restart(ctx))
}

func (r *Router) handleStartOne(c *gin.Context) {
	r.reply(c, r.sup.StartOne(c.Request.Context(), c.Param("name")))
}

func (r *Router) handleStopOne(c *gin.Context) {
	ctx, cancel, ok := stopContext(c)
	if !ok {
		return
	}
	defer cancel()
	r.reply(c, r.sup.StopOne(ctx, c.Param("name")))
}

func (r *Router) handleRestartOne(c *gin.Context) {
	ctx, cancel, ok := stopContext(c)
	if !ok {
		return
	}
	defer cancel()
	r.reply(c, r.sup.RestartOne(ctx, c.Param("name")))
}

func (r *Router) handleSignal(c *gin.Context) {
	sig, err := process.ParseSignal(c.DefaultQuery("sig", "HUP"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	r.reply(c, r.sup.SignalOne(c.Param("name"), sig))
}

func (r *Router) handleResources(c *gin.Context) {
	name := c.Param("name")
	if _, err := r.sup.StatusOne(name); err != nil {
		r.fail(c, err)
		return
	}
	if !r.resources.Enabled() {
		c.JSON(http.StatusNotFound, errorResp{Error: "resource collection is disabled"})
		return
	}
	resp := resourcesResp{Name: name, History: r.resources.History(name)}
	if u, ok := r.resources.Latest(name); ok {
		resp.Latest = &u
	}
	if resp.History == nil {
		resp.History = []metrics.Usage{}
	}
	c.JSON(http.StatusOK, resp)
}

// stopContext derives the request context, bounded by ?timeout= when given.
// Cancelling it makes the supervisor kill whatever has not exited yet.
func stopContext(c *gin.Context) (context.Context, context.CancelFunc, bool) {
	v := c.Query("timeout")
	if v == "" {
		ctx, cancel := context.WithCancel(c.Request.Context())
		return ctx, cancel, true
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid timeout: " + v})
		return nil, nil, false
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), d)
	return ctx, cancel, true
}

func (r *Router) reply(c *gin.Context, err error) {
	if err != nil {
		r.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (r *Router) fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		r.logger.Warn("control request failed", "method", c.Request.Method, "path", c.Request.URL.Path, "error", err)
	}
	c.JSON(code, errorResp{Error: err.Error()})
}

func statusFor(err error) int {
	var spawn *process.SpawnError
	switch {
	case errors.Is(err, process.ErrUnknownProcess):
		return http.StatusNotFound
	case errors.Is(err, process.ErrNotRunning):
		return http.StatusConflict
	case errors.As(err, &spawn):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
