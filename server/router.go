package server

import (
	"time"

	httpHandler "crosspost/interfaces/http"
	"crosspost/interfaces/middleware"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handlers groups everything the router mounts.
type Handlers struct {
	Publish httpHandler.IPublishHandler
	OAuth   httpHandler.IOAuthHandler
	Webhook httpHandler.IWebhookHandler
	Media   httpHandler.IMediaHandler
	Health  httpHandler.IHealthHandler
	// Stream serves the caller's task status events.
	Stream gin.HandlerFunc
}

func InitiateRouter(allowedOrigins []string, secretKey string, h Handlers) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Metrics())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Requested-With"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", h.Health.Healthz)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Public: correlated by OAuth state or verified by the destination signature.
	router.GET("/auth/:destination/callback", h.OAuth.Callback)
	router.POST("/webhooks/:destination", h.Webhook.Receive)

	api := router.Group("api")
	api.Use(middleware.Auth(secretKey))
	{
		api.GET("/auth/:destination", h.OAuth.GetAuthURL)
		api.GET("/accounts", h.OAuth.Accounts)

		api.POST("/media", h.Media.Upload)

		api.POST("/publish", h.Publish.Submit)
		api.GET("/publish/:requestId/tasks", h.Publish.Tasks)
		api.POST("/publish/:requestId/cancel", h.Publish.Cancel)
		if h.Stream != nil {
			api.GET("/publish/stream", h.Stream)
		}
	}
	return router
}
