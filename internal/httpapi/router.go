package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/colorific/internal/common"
	"github.com/suPer8Hu/colorific/internal/httpapi/handlers"
	"github.com/suPer8Hu/colorific/internal/httpapi/middleware"
)

// NewRouter wires the HTTP surface. limiter may be nil (rate limiting off).
func NewRouter(h *handlers.Handler, limiter middleware.Limiter) *gin.Engine {
	cfg := h.Cfg

	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, "Not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, "Method not allowed")
	})

	r.Use(middleware.RequestID())

	r.GET("/ping", h.Ping)

	api := r.Group("/api/v1")

	// worker trigger (shared secret)
	api.GET("/worker", h.WorkerHealth)
	api.POST("/worker", middleware.SharedSecret(cfg.WorkerSecretToken), h.WorkerTrigger)

	// dashboard (user token)
	authGroup := api.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))
	authGroup.Use(middleware.RateLimit(limiter, cfg.RateLimitRequests, cfg.RateLimitWindow))
	authGroup.GET("/queue", h.ListQueue)
	authGroup.POST("/queue", h.QueueAction)
	authGroup.POST("/jobs", h.CreateJob)
	authGroup.GET("/jobs/:id", h.GetJob)

	api.GET("/queue/ws",
		middleware.WebsocketAuth(cfg.JWTSecret),
		middleware.RateLimit(limiter, cfg.RateLimitRequests, cfg.RateLimitWindow),
		h.QueueEvents,
	)

	cron := r.Group("/api/cron")
	cron.Use(middleware.SharedSecret(cfg.CronSecret))
	cron.GET("/process-queue", h.CronProcessQueue)
	cron.POST("/process-queue", h.CronProcessQueue)

	return r
}
