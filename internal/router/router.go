package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/pengawas-backend/internal/config"
	"github.com/stemsi/pengawas-backend/internal/handler"
	"github.com/stemsi/pengawas-backend/internal/middleware"
	"github.com/stemsi/pengawas-backend/internal/response"
	"github.com/stemsi/pengawas-backend/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Session *handler.SessionHandler
	Monitor *handler.MonitorHandler
	WS      *handler.WSHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	authService *service.AuthService,
	alertLimiter *middleware.RateLimiter,
	handlers *Handlers,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.Default()

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())

	// Health check.
	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})

	// ─── 1. Participant Group (JWT) ────────────────────────────────────
	participantAPI := router.Group("/api/v1/participant")
	participantAPI.Use(middleware.RequireParticipantJWT(authService))
	{
		participantAPI.POST("/assessments/:assessment_id/open", handlers.Session.Open)
		participantAPI.POST("/sessions/:session_id/begin", handlers.Session.Begin)
		participantAPI.GET("/sessions/:session_id/state", handlers.Session.State)
		participantAPI.GET("/sessions/:session_id/paper", handlers.Session.Paper)
		participantAPI.POST("/sessions/:session_id/submit", handlers.Session.Submit)
		participantAPI.POST("/sessions/:session_id/alerts",
			alertLimiter.BySessionParam(),
			handlers.Session.ReportAlert,
		)
	}

	// ─── 2. Monitor Group (JWT) ────────────────────────────────────────
	monitorAPI := router.Group("/api/v1/monitor")
	monitorAPI.Use(middleware.RequireMonitorJWT(authService))
	{
		monitorAPI.GET("/assessments/:assessment_id/sessions", handlers.Monitor.Sessions)
		monitorAPI.GET("/assessments/:assessment_id/alerts", handlers.Monitor.Alerts)
		monitorAPI.POST("/assessments/:assessment_id/broadcast", handlers.Monitor.Broadcast)
		monitorAPI.POST("/sessions/:session_id/command", handlers.Monitor.Command)
	}

	// ─── 3. WebSocket Group ────────────────────────────────────────────
	// Browsers cannot set headers on upgrade requests, so the JWT rides the
	// token query parameter here.
	ws := router.Group("/ws/v1")
	{
		ws.GET("/participant/sessions/:session_id/stream",
			middleware.RequireParticipantJWT(authService),
			handlers.WS.ParticipantStream,
		)
		ws.GET("/monitor/assessments/:assessment_id/stream",
			middleware.RequireMonitorJWT(authService),
			handlers.WS.MonitorStream,
		)
	}

	return router
}
