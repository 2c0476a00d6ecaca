package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/paulomaciel91/cactosaude-sub003/config"
	"github.com/paulomaciel91/cactosaude-sub003/internal/middleware"
	"github.com/paulomaciel91/cactosaude-sub003/internal/redis"
)

// NewRouter wires the control API.
func NewRouter(cfg *config.Config, sessions *Sessions, rooms *Rooms) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger())

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", health)

	auth := middleware.JWTAuth(cfg.JWTSecret)

	api := router.Group("/api")
	{
		api.POST("/auth/login", Login(cfg.JWTSecret))

		api.GET("/rooms/:roomId", rooms.Get)
		api.DELETE("/rooms/:roomId", auth, rooms.Delete)

		api.POST("/sessions", auth, sessions.Start)
		api.GET("/sessions/:sessionId", auth, sessions.Status)
		api.POST("/sessions/:sessionId/:device", auth, sessions.Toggle)
		api.DELETE("/sessions/:sessionId", auth, sessions.End)
	}

	ws := router.Group("/ws")
	{
		ws.GET("/sessions/:sessionId/events", auth, sessions.Events)
	}

	return router
}

// health reports degraded while a configured Redis does not answer, since
// no session can signal without it.
func health(c *gin.Context) {
	if client := redis.GetClient(); client != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "redis": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
