// Package handler exposes integration management and read endpoints.
package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"telesync/internal/apierrors"
	"telesync/internal/auth"
	"telesync/internal/integrations/processor"
	"telesync/internal/observability"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Handler handles integration HTTP requests.
type Handler struct {
	processor *processor.Processor
	logger    *observability.Logger
}

// New creates a new Handler.
func New(processor *processor.Processor, logger *observability.Logger) *Handler {
	return &Handler{
		processor: processor,
		logger:    logger,
	}
}

// handleError maps processor errors to API error responses.
func (h *Handler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, processor.ErrIntegrationNotFound):
		apierrors.NotFound(c, "Integration not found")
	case errors.Is(err, processor.ErrEventNotFound):
		apierrors.NotFound(c, "Event not found")
	case errors.Is(err, processor.ErrUnauthorized):
		apierrors.Forbidden(c, "FORBIDDEN", "You do not have access to this integration")
	case errors.Is(err, processor.ErrUnsupportedProvider):
		apierrors.BadRequest(c, "UNSUPPORTED_PROVIDER", "Provider is not supported")
	default:
		apierrors.InternalError(c, err)
	}
}

func (h *Handler) userID(c *gin.Context) (uuid.UUID, bool) {
	raw, ok := c.Get(auth.UserIDKey)
	if !ok {
		apierrors.Unauthorized(c, "Authentication required")
		return uuid.Nil, false
	}
	userID, err := uuid.Parse(raw.(string))
	if err != nil {
		apierrors.Unauthorized(c, "Authentication required")
		return uuid.Nil, false
	}
	return userID, true
}

func (h *Handler) integrationID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		apierrors.BadRequest(c, "INVALID_ID", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// ConnectRequest is the body for creating an integration.
type ConnectRequest struct {
	Provider             string   `json:"provider" binding:"required"`
	EncryptedCredentials string   `json:"encrypted_credentials" binding:"required"`
	Capabilities         []string `json:"capabilities"`
}

// ConnectResponse returns the new integration and its webhook token. The
// token is shown only here and on rotation.
type ConnectResponse struct {
	Integration  interface{} `json:"integration"`
	WebhookToken string      `json:"webhook_token"`
	WebhookPath  string      `json:"webhook_path"`
}

// HandleConnect handles POST /api/v1/integrations.
func (h *Handler) HandleConnect(c *gin.Context) {
	ctx := c.Request.Context()
	userID, ok := h.userID(c)
	if !ok {
		return
	}

	var req ConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.ValidationError(c, err)
		return
	}

	account, err := h.processor.Connect(ctx, processor.ConnectParams{
		UserID:               userID,
		Provider:             req.Provider,
		EncryptedCredentials: req.EncryptedCredentials,
		Capabilities:         req.Capabilities,
	})
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusCreated, ConnectResponse{
		Integration:  account,
		WebhookToken: account.WebhookToken,
		WebhookPath:  "/webhooks/" + account.Provider + "/" + account.WebhookToken,
	})
}

// HandleList handles GET /api/v1/integrations.
func (h *Handler) HandleList(c *gin.Context) {
	ctx := c.Request.Context()
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	accounts, err := h.processor.List(ctx, userID)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"integrations": accounts})
}

// HandleGet handles GET /api/v1/integrations/:id.
func (h *Handler) HandleGet(c *gin.Context) {
	ctx := c.Request.Context()
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	integrationID, ok := h.integrationID(c)
	if !ok {
		return
	}
	account, err := h.processor.Get(ctx, userID, integrationID)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, account)
}

// HandleRotateToken handles POST /api/v1/integrations/:id/rotate-token.
func (h *Handler) HandleRotateToken(c *gin.Context) {
	ctx := c.Request.Context()
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	integrationID, ok := h.integrationID(c)
	if !ok {
		return
	}
	token, err := h.processor.RotateToken(ctx, userID, integrationID)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"webhook_token": token})
}

// HandleDeactivate handles DELETE /api/v1/integrations/:id.
func (h *Handler) HandleDeactivate(c *gin.Context) {
	ctx := c.Request.Context()
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	integrationID, ok := h.integrationID(c)
	if !ok {
		return
	}
	if err := h.processor.Deactivate(ctx, userID, integrationID); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deactivated": true})
}

// HandleListEvents handles GET /api/v1/integrations/:id/events.
func (h *Handler) HandleListEvents(c *gin.Context) {
	ctx := c.Request.Context()
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	integrationID, ok := h.integrationID(c)
	if !ok {
		return
	}

	filters := processor.EventFilters{
		Since:  parseTimeQuery(c, "since"),
		Until:  parseTimeQuery(c, "until"),
		Limit:  parseIntQuery(c, "limit"),
		Offset: parseIntQuery(c, "offset"),
	}

	events, err := h.processor.ListEvents(ctx, userID, integrationID, filters)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// HandleListUnprocessedEvents handles GET /api/v1/integrations/:id/events/unprocessed.
func (h *Handler) HandleListUnprocessedEvents(c *gin.Context) {
	ctx := c.Request.Context()
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	integrationID, ok := h.integrationID(c)
	if !ok {
		return
	}
	events, err := h.processor.ListUnprocessedEvents(ctx, userID, integrationID, parseIntQuery(c, "limit"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// HandleGetThread handles GET /api/v1/events/:id/thread.
func (h *Handler) HandleGetThread(c *gin.Context) {
	ctx := c.Request.Context()
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	eventID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		apierrors.BadRequest(c, "INVALID_ID", "id must be a valid UUID")
		return
	}
	thread, err := h.processor.GetThread(ctx, userID, eventID)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"thread": thread})
}

// HandleGetSyncStatus handles GET /api/v1/integrations/:id/sync-status.
func (h *Handler) HandleGetSyncStatus(c *gin.Context) {
	ctx := c.Request.Context()
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	integrationID, ok := h.integrationID(c)
	if !ok {
		return
	}
	status, err := h.processor.GetSyncStatus(ctx, userID, integrationID)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// HandleGetMetrics handles GET /api/v1/integrations/:id/metrics.
func (h *Handler) HandleGetMetrics(c *gin.Context) {
	ctx := c.Request.Context()
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	integrationID, ok := h.integrationID(c)
	if !ok {
		return
	}
	window := processor.MetricsWindow{
		Provider: c.Query("provider"),
		Since:    parseTimeQuery(c, "since"),
		Until:    parseTimeQuery(c, "until"),
	}
	summary, err := h.processor.GetMetrics(ctx, userID, integrationID, window)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// HandleGetDeliveries handles GET /api/v1/integrations/:id/deliveries.
func (h *Handler) HandleGetDeliveries(c *gin.Context) {
	ctx := c.Request.Context()
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	integrationID, ok := h.integrationID(c)
	if !ok {
		return
	}
	logs, err := h.processor.GetDeliveries(ctx, userID, integrationID, parseIntQuery(c, "limit"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": logs})
}

func parseTimeQuery(c *gin.Context, name string) *time.Time {
	raw := c.Query(name)
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

func parseIntQuery(c *gin.Context, name string) int {
	raw := c.Query(name)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
