// Package admin serves health, readiness, metrics and loop stats over HTTP.
// It runs beside the event loop and only reads the loop's atomic state.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/danmuck/framesrv/internal/auth"
	"github.com/danmuck/framesrv/internal/observability"
	"github.com/danmuck/framesrv/internal/server"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

// StatusSource is the read-only view of a running server.
type StatusSource interface {
	State() server.State
	Stats() server.Stats
}

type Config struct {
	Name        string
	Addr        string
	Token       string
	CorsOrigins []string
	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout time.Duration
}

type Admin struct {
	cfg     Config
	src     StatusSource
	router  *gin.Engine
	started time.Time
}

func New(cfg Config, src StatusSource) *Admin {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger, "/health", "/ready", "/metrics"))
	r.Use(observability.RequestMetricsMiddleware(cfg.Name))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CorsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	a := &Admin{cfg: cfg, src: src, router: r, started: time.Now()}
	a.registerRoutes()
	return a
}

func (a *Admin) Router() *gin.Engine {
	return a.router
}

func (a *Admin) registerRoutes() {
	a.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(a.started).String(),
			"server":  a.cfg.Name,
			"version": version,
		})
	})

	a.router.GET("/ready", func(c *gin.Context) {
		state := a.src.State()
		status := http.StatusOK
		if state != server.Running {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":  state == server.Running,
			"state":  state.String(),
			"server": a.cfg.Name,
		})
	})

	a.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	stats := a.router.Group("/stats")
	if a.cfg.Token != "" {
		stats.Use(RequireToken(auth.StaticToken{Token: a.cfg.Token}))
	}
	stats.GET("", func(c *gin.Context) {
		c.JSON(http.StatusOK, a.src.Stats())
	})
}

// RequireToken rejects requests without a valid bearer token.
func RequireToken(v auth.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := auth.CheckHeader(v, c.GetHeader("Authorization")); err != nil {
			c.Header("WWW-Authenticate", `Bearer realm="framesrv"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}

// ListenAndServe binds cfg.Addr and serves until ctx is done.
func (a *Admin) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Addr)
	if err != nil {
		return fmt.Errorf("admin: listen %s: %w", a.cfg.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
func (a *Admin) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errs := make(chan error, 1)
	go func() {
		log.Info().Str("addr", ln.Addr().String()).Msg("admin listening")
		errs <- srv.Serve(ln)
	}()

	select {
	case err := <-errs:
		return fmt.Errorf("admin: serve: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin: shutdown: %w", err)
	}
	if err := <-errs; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin: serve: %w", err)
	}
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
