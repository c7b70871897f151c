package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mcfleet/mcfleet/internal/metrics"
	"github.com/mcfleet/mcfleet/internal/reconcile"
	"github.com/mcfleet/mcfleet/internal/registry"
	"github.com/mcfleet/mcfleet/internal/statestore"
)

// Router provides the admin HTTP API over the registry.
// Endpoints:
//
//	POST   /servers                create a server
//	GET    /servers                list servers
//	GET    /servers/:id            one server document
//	POST   /servers/:id/start      dispatch a worker
//	POST   /servers/:id/stop       raise the shutdown flag
//	POST   /servers/:id/command    queue a console command
//	DELETE /servers/:id            delete a stopped server
//	POST   /tunnels/validate       run the DNS reconciler
//	GET    /metrics                Prometheus metrics
type Router struct {
	reg        *registry.Registry
	reconciler *reconcile.Reconciler
}

func NewRouter(reg *registry.Registry, rec *reconcile.Reconciler) *Router {
	return &Router{reg: reg, reconciler: rec}
}

// Handler returns an http.Handler powered by gin that can be mounted in any mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.POST("/servers", r.handleCreate)
	g.GET("/servers", r.handleList)
	g.GET("/servers/:id", r.handleGet)
	g.POST("/servers/:id/start", r.handleStart)
	g.POST("/servers/:id/stop", r.handleStop)
	g.POST("/servers/:id/command", r.handleCommand)
	g.DELETE("/servers/:id", r.handleDelete)
	g.POST("/tunnels/validate", r.handleValidate)
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr string, reg *registry.Registry, rec *reconcile.Reconciler) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewRouter(reg, rec).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) handleCreate(c *gin.Context) {
	var req registry.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	rec, err := r.reg.Create(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (r *Router) handleList(c *gin.Context) {
	recs, err := r.reg.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, recs)
}

func (r *Router) handleGet(c *gin.Context) {
	rec, err := r.reg.Get(c.Param("id"))
	if err != nil {
		c.JSON(statusFor(err), errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (r *Router) handleStart(c *gin.Context) {
	if err := r.reg.Start(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(statusFor(err), errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, okResp{OK: true})
}

func (r *Router) handleStop(c *gin.Context) {
	if err := r.reg.Stop(c.Param("id")); err != nil {
		c.JSON(statusFor(err), errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, okResp{OK: true})
}

type commandReq struct {
	Command string `json:"command"`
}

func (r *Router) handleCommand(c *gin.Context) {
	var req commandReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if err := r.reg.SendCommand(c.Param("id"), req.Command); err != nil {
		c.JSON(statusFor(err), errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, okResp{OK: true})
}

func (r *Router) handleDelete(c *gin.Context) {
	if err := r.reg.Delete(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(statusFor(err), errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

type validateReq struct {
	FQDN   string `json:"fqdn"`
	DryRun bool   `json:"dry_run"`
}

func (r *Router) handleValidate(c *gin.Context) {
	var req validateReq
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
			return
		}
	}
	// Copy so a dry-run request never flips the shared reconciler.
	rec := *r.reconciler
	rec.DryRun = req.DryRun
	mismatches, err := rec.Validate(c.Request.Context(), req.FQDN)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if mismatches == nil {
		mismatches = []reconcile.Mismatch{}
	}
	c.JSON(http.StatusOK, gin.H{"mismatches": mismatches})
}

// statusFor maps the registry's sentinel errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, statestore.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrServerActive), errors.Is(err, registry.ErrCommandPending):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}
