// Package api exposes the keeper's admin HTTP surface: provider catalog,
// credential management, guard configuration, routing, and the request
// ledger, behind JWT auth and per-client rate limiting.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/BrandonDucar/api-keeper/internal/config"
	"github.com/BrandonDucar/api-keeper/internal/discovery"
	"github.com/BrandonDucar/api-keeper/internal/guards"
	"github.com/BrandonDucar/api-keeper/internal/keystore"
	"github.com/BrandonDucar/api-keeper/internal/ratelimit"
	"github.com/BrandonDucar/api-keeper/internal/registry"
	"github.com/BrandonDucar/api-keeper/internal/router"
	"github.com/BrandonDucar/api-keeper/internal/scheduler"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Server wires the keeper services into HTTP handlers.
type Server struct {
	cfg       config.Config
	registry  *registry.Registry
	store     *keystore.Store
	guards    *guards.Service
	router    *router.Router
	scheduler *scheduler.Scheduler
	discovery *discovery.Engine
	limiter   *ratelimit.Manager

	httpServer *http.Server
}

// New constructs the admin API server.
func New(cfg config.Config, reg *registry.Registry, store *keystore.Store, guardSvc *guards.Service, rt *router.Router, sched *scheduler.Scheduler, engine *discovery.Engine, limiter *ratelimit.Manager) *Server {
	return &Server{
		cfg:       cfg,
		registry:  reg,
		store:     store,
		guards:    guardSvc,
		router:    rt,
		scheduler: sched,
		discovery: engine,
		limiter:   limiter,
	}
}

// Start begins serving and blocks until the listener fails or ctx is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())
	s.registerRoutes(engine)

	addr := net.JoinHostPort("", fmt.Sprintf("%d", s.cfg.Port))
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("admin api listening on %s", addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
		return ctx.Err()
	case errServe := <-errCh:
		if errors.Is(errServe, http.ErrServerClosed) {
			return nil
		}
		return errServe
	}
}

// registerRoutes attaches every endpoint to the gin engine.
func (s *Server) registerRoutes(engine *gin.Engine) {
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v0 := engine.Group("/v0")
	v0.POST("/admin/login", s.rateLimitMiddleware(), s.handleLogin)

	admin := v0.Group("/admin", s.rateLimitMiddleware(), s.authMiddleware())
	{
		admin.GET("/status", s.handleStatus)
		admin.POST("/discovery/run", s.handleDiscoveryRun)

		admin.GET("/providers", s.handleListProviders)
		admin.GET("/providers/:id", s.handleGetProvider)
		admin.POST("/providers", s.handleUpsertProvider)

		admin.GET("/credentials", s.handleListCredentials)
		admin.GET("/credentials/:id", s.handleGetCredential)
		admin.POST("/credentials", s.handleRegisterCredential)
		admin.PUT("/credentials/:id/status", s.handleCredentialStatus)

		admin.GET("/guards", s.handleListGuards)
		admin.POST("/guards", s.handleCreateGuard)
		admin.PUT("/guards/:id/enabled", s.handleGuardEnabled)

		admin.GET("/requests", s.handleListRequests)
		admin.POST("/route", s.handleRoute)
		admin.POST("/execute", s.handleExecute)
	}
}

// requestLogger emits one structured line per request.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		log.WithField("method", c.Request.Method).
			WithField("path", c.Request.URL.Path).
			WithField("status", c.Writer.Status()).
			WithField("latency", time.Since(started).String()).
			Debug("http request")
	}
}

// rateLimitMiddleware enforces the per-client admin call budget.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	limit := s.cfg.Admin.RateLimitPerMinute
	return func(c *gin.Context) {
		allowed, _, errAllow := s.limiter.Allow(c.Request.Context(), c.ClientIP(), limit, time.Minute)
		if errAllow != nil {
			log.WithError(errAllow).Warn("api: rate limiter error")
			c.Next()
			return
		}
		if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
