package routes

import (
	"ovinet_backend/internal/config"
	"ovinet_backend/internal/handlers"
	"ovinet_backend/internal/metrics"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes wires every HTTP route.
func RegisterRoutes(
	ginRouter *gin.Engine,
	appHandlers *handlers.AppHandlers,
	cfg *config.Config,
) {
	api := ginRouter.Group("/api/v1")
	{
		appHandlers.WebhookHandler.RegisterRoutes(api)
		appHandlers.SessionHandler.RegisterRoutes(api, []byte(cfg.JWT.Secret))
	}

	// Prometheus scrape endpoint, outside the API group and unauthenticated
	ginRouter.GET("/metrics", gin.WrapH(metrics.Handler()))
}
