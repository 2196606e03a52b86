// Package server implements the HTTP control plane against a
// manager.Registry: a thin gin Router exposing the entry lifecycle over
// JSON via id-addressed routes.
package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"exeio/internal/apierr"
	"exeio/internal/auth"
	"exeio/internal/manager"
	"exeio/internal/metrics"
	"exeio/internal/process"
)

// Router builds the gin engine mounting the control plane's routes.
type Router struct {
	reg       *manager.Registry
	startedAt time.Time
	bind      string
	version   string

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New constructs a Router. bind and version feed the /info response.
func New(reg *manager.Registry, bind, version string) *Router {
	return &Router{reg: reg, startedAt: time.Now(), bind: bind, version: version, shutdownCh: make(chan struct{})}
}

// Handler returns the http.Handler to mount, with the api-key middleware
// applied to every route except /info and /metrics.
func (rt *Router) Handler(apiKey string) http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())

	g.GET("/info", rt.handleInfo)
	g.GET("/metrics", gin.WrapH(metrics.Handler()))

	authed := g.Group("/")
	authed.Use(auth.Middleware(apiKey))
	authed.POST("/add", rt.handleAdd)
	authed.POST("/restart/:id", rt.handleRestart)
	authed.POST("/stop/:id", rt.handleStop)
	authed.POST("/remove/:id", rt.handleRemove)
	authed.GET("/list", rt.handleList)
	authed.GET("/logs/:id", rt.handleLogs)
	authed.POST("/input/:id", rt.handleInput)
	authed.POST("/clear-log/:id", rt.handleClearLog)
	authed.POST("/restart-all", rt.handleRestartAll)
	authed.POST("/stop-all", rt.handleStopAll)
	authed.POST("/shutdown", rt.handleShutdown)

	return g
}

// errorResp and okResp are the two small JSON envelopes every handler below
// replies with.
type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func writeJSON(c *gin.Context, code int, v any) {
	c.JSON(code, v)
}

// statusFor maps an apierr.Kind to its HTTP status, so handlers never
// string-match errors.
func statusFor(kind apierr.Kind) int {
	switch kind {
	case apierr.KindValidation:
		return http.StatusBadRequest
	case apierr.KindConflict:
		return http.StatusConflict
	case apierr.KindNotFound:
		return http.StatusNotFound
	case apierr.KindState:
		return http.StatusConflict
	case apierr.KindAuth:
		return http.StatusUnauthorized
	case apierr.KindSpawn, apierr.KindIO:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(c *gin.Context, err error) {
	writeJSON(c, statusFor(apierr.KindOf(err)), errorResp{Error: err.Error()})
}

func (rt *Router) handleAdd(c *gin.Context) {
	var e process.Entry
	if err := c.ShouldBindJSON(&e); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	snap, err := rt.reg.Add(e)
	if err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, snap)
}

func (rt *Router) withMonitor(c *gin.Context, fn func(*manager.Monitor) error) {
	id := c.Param("id")
	mon, _, ok := rt.reg.Get(id)
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown id " + id})
		return
	}
	if err := fn(mon); err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (rt *Router) handleRestart(c *gin.Context) {
	rt.withMonitor(c, func(m *manager.Monitor) error { return m.Restart() })
}

func (rt *Router) handleStop(c *gin.Context) {
	rt.withMonitor(c, func(m *manager.Monitor) error { return m.Stop() })
}

func (rt *Router) handleRemove(c *gin.Context) {
	id := c.Param("id")
	if err := rt.reg.Remove(id); err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (rt *Router) handleList(c *gin.Context) {
	writeJSON(c, http.StatusOK, rt.reg.Snapshot())
}

type logsResp struct {
	Total    int      `json:"total"`
	Page     int      `json:"page"`
	PageSize int      `json:"page_size"`
	Lines    []string `json:"lines"`
}

func (rt *Router) handleLogs(c *gin.Context) {
	id := c.Param("id")
	_, logw, ok := rt.reg.Get(id)
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown id " + id})
		return
	}
	page := queryInt(c, "page", 1)
	pageSize := queryInt(c, "page_size", 100)
	lines, total, err := logw.ReadPage(page, pageSize)
	if err != nil {
		writeErr(c, apierr.IO("logs", err))
		return
	}
	writeJSON(c, http.StatusOK, logsResp{Total: total, Page: page, PageSize: pageSize, Lines: lines})
}

func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n := 0
	for _, r := range v {
		if r < '0' || r > '9' {
			return def
		}
		n = n*10 + int(r-'0')
	}
	if n == 0 {
		return def
	}
	return n
}

type inputReq struct {
	Input string `json:"input"`
}

func (rt *Router) handleInput(c *gin.Context) {
	var req inputReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	rt.withMonitor(c, func(m *manager.Monitor) error { return m.Input(req.Input) })
}

func (rt *Router) handleClearLog(c *gin.Context) {
	id := c.Param("id")
	_, logw, ok := rt.reg.Get(id)
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown id " + id})
		return
	}
	if err := logw.Clear(); err != nil {
		writeErr(c, apierr.IO("clear-log", err))
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

type outcomeResp struct {
	ID    string `json:"id"`
	Error string `json:"error,omitempty"`
}

func toOutcomeResp(outs []manager.Outcome) []outcomeResp {
	out := make([]outcomeResp, len(outs))
	for i, o := range outs {
		r := outcomeResp{ID: o.ID}
		if o.Err != nil {
			r.Error = o.Err.Error()
		}
		out[i] = r
	}
	return out
}

func (rt *Router) handleRestartAll(c *gin.Context) {
	writeJSON(c, http.StatusOK, toOutcomeResp(rt.reg.RestartAll()))
}

func (rt *Router) handleStopAll(c *gin.Context) {
	writeJSON(c, http.StatusOK, toOutcomeResp(rt.reg.StopAll()))
}

func (rt *Router) handleShutdown(c *gin.Context) {
	writeJSON(c, http.StatusOK, okResp{OK: true})
	rt.shutdownOnce.Do(func() { close(rt.shutdownCh) })
}

type infoResp struct {
	Version   string    `json:"version"`
	StartedAt time.Time `json:"started_at"`
	Bind      string    `json:"bind"`
}

func (rt *Router) handleInfo(c *gin.Context) {
	writeJSON(c, http.StatusOK, infoResp{
		Version:   rt.version,
		StartedAt: rt.startedAt,
		Bind:      rt.bind,
	})
}

// ShutdownRequested returns a channel that closes once /shutdown has been
// called, so cmd/exeio's serve loop can select on it and tear the process
// down instead of the request handler doing it behind the response.
func (rt *Router) ShutdownRequested() <-chan struct{} { return rt.shutdownCh }
