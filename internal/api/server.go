// Package api exposes attendance operations over HTTP.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"registrar/internal/attendance"
	"registrar/internal/auth"
	"registrar/internal/httpmiddleware"
	"registrar/internal/queue"
	"registrar/internal/report"
)

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) bool

// Options wires a Server.
type Options struct {
	Service     *attendance.Service
	Reports     *report.Publisher
	Queue       queue.Queue // optional; enables asynchronous report refreshes
	Checks      map[string]HealthCheck
	Metrics     http.Handler
	Limiter     *httpmiddleware.TokenBucket
	CORSOrigins []string // empty allows any origin
	JWTKey      string
	JWTIssuer   string
	AccessTTL   time.Duration
	AdminKey    string
	Log         zerolog.Logger
}

// Server holds the HTTP handlers. Long administrative jobs run in the
// background under the server's own context.
type Server struct {
	opts Options
	log  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	jobs   sync.WaitGroup
}

// New creates a server.
func New(opts Options) *Server {
	if opts.AccessTTL <= 0 {
		opts.AccessTTL = 12 * time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:   opts,
		log:    opts.Log.With().Str("component", "api").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Router builds the gin engine.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestID())
	r.Use(accessLog(s.log, "/healthz", "/metrics"))
	r.Use(corsMiddleware(s.opts.CORSOrigins))
	r.Use(securityHeaders())
	if s.opts.Limiter != nil {
		r.Use(s.opts.Limiter.GinMiddleware())
	}

	if s.opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.opts.Metrics))
	}
	r.GET("/healthz", s.health)

	v1 := r.Group("/v1", auth.Bearer(s.opts.JWTKey, s.opts.JWTIssuer, s.opts.AdminKey))
	v1.POST("/tokens", auth.AdminOnly(), s.issueToken)

	org := v1.Group("/orgs/:org", auth.OrgScope())
	org.POST("/attendance", s.setStatus)
	org.GET("/config", s.getConfig)
	org.GET("/records", s.listRecords)
	org.GET("/leaderboard", s.leaderboard)
	org.GET("/report", s.showReport)

	admin := org.Group("", auth.AdminOnly())
	admin.PATCH("/config", s.patchConfig)
	admin.PUT("/window", s.setWindow)
	admin.GET("/setup", s.setup)
	admin.DELETE("/records/:subject", s.clearRecord)
	admin.POST("/reset", s.fullReset)
	admin.POST("/roles/:role/reset", s.bulkRevoke)
	admin.POST("/report", s.refreshReport)
	admin.DELETE("/report", s.removeReport)
	return r
}

// Shutdown cancels background jobs and waits for them until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.jobs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every background job has finished.
func (s *Server) Wait() { s.jobs.Wait() }

// background runs fn detached from the request.
func (s *Server) background(name, orgID string, fn func(ctx context.Context) error) {
	s.jobs.Add(1)
	go func() {
		defer s.jobs.Done()
		start := time.Now()
		if err := fn(s.ctx); err != nil {
			s.log.Error().Err(err).Str("job", name).Str("org", orgID).Msg("background job failed")
			return
		}
		s.log.Info().Str("job", name).Str("org", orgID).Dur("took", time.Since(start)).Msg("background job finished")
	}()
}

func (s *Server) health(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "ok"}
	for name, check := range s.opts.Checks {
		ok := check(c.Request.Context())
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}
