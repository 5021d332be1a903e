package api

import (
	"net/http"

	"telesync/internal/auth"
	ingestionHandler "telesync/internal/ingestion/handler"
	integrationsHandler "telesync/internal/integrations/handler"
	"telesync/internal/ratelimit"

	"github.com/gin-gonic/gin"
)

type API struct {
	router              *gin.RouterGroup
	authValidator       *auth.Validator
	webhookHandler      *ingestionHandler.Handler
	integrationsHandler *integrationsHandler.Handler
	rateLimiter         *ratelimit.Service
	webhookRPM          int
}

func New(router *gin.RouterGroup, authValidator *auth.Validator, webhookHandler *ingestionHandler.Handler, integrationsHandler *integrationsHandler.Handler, rateLimiter *ratelimit.Service, webhookRPM int) API {
	return API{
		router:              router,
		authValidator:       authValidator,
		webhookHandler:      webhookHandler,
		integrationsHandler: integrationsHandler,
		rateLimiter:         rateLimiter,
		webhookRPM:          webhookRPM,
	}
}

func (a *API) RegisterRoutes() {
	a.Health()

	// Provider deliveries authenticate via the per-integration token in the
	// path, not via JWT.
	a.router.POST("/webhooks/:provider/:token",
		a.rateLimiter.Middleware(a.webhookRPM),
		a.webhookHandler.HandleProviderWebhook,
	)

	apiGroup := a.router.Group("/api/v1", a.authValidator.Middleware)
	{
		apiGroup.POST("/integrations", a.integrationsHandler.HandleConnect)
		apiGroup.GET("/integrations", a.integrationsHandler.HandleList)
		apiGroup.GET("/integrations/:id", a.integrationsHandler.HandleGet)
		apiGroup.POST("/integrations/:id/rotate-token", a.integrationsHandler.HandleRotateToken)
		apiGroup.DELETE("/integrations/:id", a.integrationsHandler.HandleDeactivate)

		apiGroup.GET("/integrations/:id/events", a.integrationsHandler.HandleListEvents)
		apiGroup.GET("/integrations/:id/events/unprocessed", a.integrationsHandler.HandleListUnprocessedEvents)
		apiGroup.GET("/integrations/:id/sync-status", a.integrationsHandler.HandleGetSyncStatus)
		apiGroup.GET("/integrations/:id/metrics", a.integrationsHandler.HandleGetMetrics)
		apiGroup.GET("/integrations/:id/deliveries", a.integrationsHandler.HandleGetDeliveries)
		apiGroup.GET("/events/:id/thread", a.integrationsHandler.HandleGetThread)
	}
}

func (a *API) Health() {
	a.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})
}
