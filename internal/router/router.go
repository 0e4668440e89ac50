package router

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Session *handler.SessionHandler
	WS      *handler.WSHandler
	System  *handler.SystemHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
// ctx bounds background middleware state such as the rate limiter sweep.
func SetupRouter(
	ctx context.Context,
	authService *service.AuthService,
	handlers *Handlers,
	cfg *config.Config,
	log zerolog.Logger,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so the shell works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())
	router.Use(response.RequestLogger(log))
	router.Use(middleware.RequestMetrics())

	brotliConfig := middleware.DefaultBrotliConfig
	brotliConfig.Skip = func(c *gin.Context) bool {
		p := c.Request.URL.Path
		return p == "/metrics" || strings.HasSuffix(p, "/stream")
	}
	router.Use(middleware.BrotliWithConfig(brotliConfig))

	// Health check.
	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// ─── 1. Session Group (Shell JWT + Single Controller) ──────────────
	startLimiter := middleware.NewRateLimiter(ctx, cfg.RateLimit, time.Minute)

	sessionAPI := router.Group("/api/v1/session")
	sessionAPI.Use(
		middleware.RequireShellJWT(authService),
		middleware.CheckShellSession(authService),
		middleware.NoStore(),
	)
	{
		sessionAPI.POST("", startLimiter.Middleware(), handlers.Session.Start)
		sessionAPI.GET("", handlers.Session.Get)
		sessionAPI.DELETE("", handlers.Session.End)
		sessionAPI.POST("/answers", handlers.Session.SelectOption)
		sessionAPI.POST("/review", handlers.Session.ToggleReview)
		sessionAPI.POST("/navigate", handlers.Session.Navigate)
		sessionAPI.POST("/visibility", handlers.Session.Visibility)
		sessionAPI.POST("/submit", handlers.Session.Submit)
		sessionAPI.GET("/results", handlers.Session.Results)
	}

	// ─── 2. System Group (Shell JWT) ───────────────────────────────────
	systemAPI := router.Group("/api/v1/system")
	systemAPI.Use(
		middleware.RequireShellJWT(authService),
		middleware.CheckShellSession(authService),
		middleware.NoStore(),
	)
	{
		systemAPI.GET("/status", handlers.System.Status)
		systemAPI.GET("/status/stream", handlers.System.StatusSSE)
	}

	// ─── 3. WebSocket Group (Shell WS Auth) ────────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(
		middleware.RequireShellWSAuth(authService),
		middleware.CheckShellSession(authService),
	)
	{
		ws.GET("/session/events", handlers.WS.SessionEvents)
	}

	return router
}
