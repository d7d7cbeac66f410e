// Package api exposes an instance over HTTP and WebSocket.
//
// Routes:
//
//	GET  /healthz
//	GET  /metrics
//	GET  /v1/contexts                      list heads
//	POST /v1/contexts/:id/init             genesis commit
//	GET  /v1/contexts/:id/head             current head
//	GET  /v1/contexts/:id/value?path=a.b   value at path in the head state
//	GET  /v1/contexts/:id/history?limit=n  commits, newest first
//	GET  /v1/contexts/:id/objects/:hash    value of a hash the context holds
//	POST /v1/contexts/:id/apply            run a named reducer
//	POST /v1/contexts/:id/import           import a handle
//	GET  /v1/contexts/:id/watch?path=a.b   websocket stream of changes
//	POST /v1/export                        export a hash between contexts
//	GET  /v1/diff?a=&b=                    hashes that differ between commits
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/roach88/dagstate/internal/instance"
	"github.com/roach88/dagstate/internal/telemetry"
)

// Server serves one instance.
type Server struct {
	inst        *instance.Instance
	router      *gin.Engine
	logger      *slog.Logger
	watchBuffer int

	allowedOrigins []string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithWatchBuffer sets how many notifications a websocket client may lag
// behind before it is disconnected.
func WithWatchBuffer(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.watchBuffer = n
		}
	}
}

// WithAllowedOrigins sets the cross-origin pages that may open watch
// streams. Same-origin requests are always accepted.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) { s.allowedOrigins = origins }
}

// New builds the router for inst.
func New(inst *instance.Instance, opts ...Option) *Server {
	s := &Server{inst: inst, logger: slog.Default(), watchBuffer: 64}
	for _, opt := range opts {
		opt(s)
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))

	v1 := r.Group("/v1")
	v1.GET("/contexts", s.listContexts)
	v1.POST("/export", s.export)
	v1.GET("/diff", s.diff)

	ctx := v1.Group("/contexts/:id")
	ctx.POST("/init", s.initContext)
	ctx.GET("/head", s.head)
	ctx.GET("/value", s.value)
	ctx.GET("/history", s.history)
	ctx.GET("/objects/:hash", s.object)
	ctx.POST("/apply", s.apply)
	ctx.POST("/import", s.importHandle)
	ctx.GET("/watch", s.watch)

	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Serve listens on addr until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
