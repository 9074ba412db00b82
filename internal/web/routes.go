package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RouteConfig holds the HTTP access settings.
type RouteConfig struct {
	APIUsername string
	APIPassword string
	RateLimit   float64
	RateBurst   int
	// AllowedOrigins turns on CORS when non-empty.
	AllowedOrigins []string
}

// SetupRoutes configures all application routes.
func SetupRoutes(r *gin.Engine, h *Handlers, cfg RouteConfig) {
	// Calendar IDs can be CalDAV hrefs; clients escape their slashes
	r.UseRawPath = true
	r.UnescapePathValues = true

	if len(cfg.AllowedOrigins) > 0 {
		r.Use(CORS(cfg.AllowedOrigins))
	}

	// Health endpoint (no auth, no rate limit)
	r.GET("/health", h.HealthCheck)

	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 30
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 60
	}

	api := r.Group("/api")
	api.Use(RateLimiter(cfg.RateLimit, cfg.RateBurst))
	if cfg.APIUsername != "" && cfg.APIPassword != "" {
		api.Use(BasicAuth(cfg.APIUsername, cfg.APIPassword))
	}
	api.Use(RequireJSONContentType())
	{
		api.GET("/sync/state", h.APIGetSyncState)
		api.GET("/sync/logs", h.APIGetSyncLogs)
		api.PUT("/calendars/:id/visibility", h.APISetCalendarVisibility)
		api.GET("/calendars", h.APIListCalendars)
		api.GET("/events", h.APIGetAgenda)
		api.POST("/events", h.APICreateEvent)
		api.PUT("/events/:id", h.APIUpdateEvent)
		api.DELETE("/events/:id", h.APIDeleteEvent)
	}

	// Sync control makes network calls; keep it on a stricter limiter
	syncAPI := r.Group("/api/sync")
	syncAPI.Use(RateLimiter(2, 5))
	if cfg.APIUsername != "" && cfg.APIPassword != "" {
		syncAPI.Use(BasicAuth(cfg.APIUsername, cfg.APIPassword))
	}
	syncAPI.Use(RequireJSONContentType())
	{
		syncAPI.POST("", h.APITriggerSync)
		syncAPI.POST("/cancel", h.APICancelSync)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})
}
