// Package handler exposes the inbound webhook endpoint. Providers are told
// about this endpoint with a per-integration token in the path; there is no
// session auth on it.
package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"telesync/internal/apierrors"
	"telesync/internal/ingestion/processor"
	"telesync/internal/observability"
	"telesync/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// AccountStore resolves webhook tokens to integration accounts.
type AccountStore interface {
	GetIntegrationAccountByWebhookToken(ctx context.Context, provider, token string) (store.IntegrationAccount, error)
}

// Ingestor runs a raw payload through the ingestion pipeline.
type Ingestor interface {
	Ingest(ctx context.Context, account store.IntegrationAccount, payload []byte, via store.ReceivedVia) (processor.Result, error)
}

// SyncRecorder feeds webhook channel outcomes into the sync status tracker.
type SyncRecorder interface {
	RecordWebhookSuccess(ctx context.Context, integrationID uuid.UUID, newEvents int, durationMs int64) (store.SyncStatus, error)
	RecordWebhookFailure(ctx context.Context, integrationID uuid.UUID, cause error) (store.SyncStatus, error)
}

// DeliveryLogger queues the audit row for one delivery attempt.
type DeliveryLogger interface {
	LogDelivery(ctx context.Context, params store.CreateWebhookDeliveryLogParams) error
}

// Handler receives provider webhook deliveries.
type Handler struct {
	accounts   AccountStore
	ingestor   Ingestor
	sync       SyncRecorder
	deliveries DeliveryLogger
	logger     *observability.Logger
}

// New creates the webhook handler. deliveries may be nil when the dispatch
// pool is not wired.
func New(accounts AccountStore, ingestor Ingestor, sync SyncRecorder, deliveries DeliveryLogger, logger *observability.Logger) *Handler {
	return &Handler{
		accounts:   accounts,
		ingestor:   ingestor,
		sync:       sync,
		deliveries: deliveries,
		logger:     logger,
	}
}

// HandleProviderWebhook handles POST /webhooks/:provider/:token.
//
// Providers retry on non-2xx, so any payload we managed to read gets a 200
// even when its contents could not be normalized; the raw delivery is kept
// for reprocessing. Only infrastructure failures return a 5xx to trigger a
// provider-side retry.
func (h *Handler) HandleProviderWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	start := time.Now()
	provider := c.Param("provider")
	token := c.Param("token")

	ctx = observability.WithFields(ctx, observability.Field{Key: "provider", Value: provider})

	account, err := h.accounts.GetIntegrationAccountByWebhookToken(ctx, provider, token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Unknown or rotated token. Logged with no integration so token
			// probing is still visible in the delivery feed.
			h.logDelivery(ctx, nil, provider, http.StatusNotFound, strPtr("unknown webhook token"), start)
			apierrors.NotFound(c, "Unknown webhook endpoint")
			return
		}
		h.logDelivery(ctx, nil, provider, http.StatusInternalServerError, strPtr(err.Error()), start)
		apierrors.InternalError(c, err)
		return
	}

	ctx = observability.WithFields(ctx, observability.Field{Key: "integration_id", Value: account.ID})

	payload, err := c.GetRawData()
	if err != nil || len(payload) == 0 {
		if err == nil {
			err = errors.New("empty webhook body")
		}
		h.recordFailure(ctx, account.ID, err)
		h.logDelivery(ctx, &account.ID, provider, http.StatusBadRequest, strPtr(err.Error()), start)
		apierrors.BadRequest(c, "EMPTY_BODY", "Request body is required")
		return
	}

	result, err := h.ingestor.Ingest(ctx, account, payload, store.ReceivedViaWebhook)
	if err != nil {
		// Storage failure. The provider should retry this delivery.
		h.recordFailure(ctx, account.ID, err)
		h.logDelivery(ctx, &account.ID, provider, http.StatusInternalServerError, strPtr(err.Error()), start)
		apierrors.InternalError(c, err)
		return
	}

	newEvents := 0
	if result.Created && !result.Unprocessed {
		newEvents = 1
	}
	if _, err := h.sync.RecordWebhookSuccess(ctx, account.ID, newEvents, time.Since(start).Milliseconds()); err != nil {
		h.logger.Error(ctx, "failed to record webhook success", err)
	}

	h.logDelivery(ctx, &account.ID, provider, http.StatusOK, nil, start)

	c.JSON(http.StatusOK, gin.H{
		"received": true,
		"event_id": result.Event.ID,
	})
}

func (h *Handler) recordFailure(ctx context.Context, integrationID uuid.UUID, cause error) {
	if _, err := h.sync.RecordWebhookFailure(ctx, integrationID, cause); err != nil {
		h.logger.Error(ctx, "failed to record webhook failure", err)
	}
}

func (h *Handler) logDelivery(ctx context.Context, integrationID *uuid.UUID, provider string, status int, errMsg *string, start time.Time) {
	if h.deliveries == nil {
		return
	}
	params := store.CreateWebhookDeliveryLogParams{
		IntegrationID:    integrationID,
		Provider:         provider,
		RequestMethod:    http.MethodPost,
		ResponseStatus:   status,
		ErrorMessage:     errMsg,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
	}
	if err := h.deliveries.LogDelivery(ctx, params); err != nil {
		h.logger.Warn(ctx, fmt.Sprintf("failed to queue delivery log: %v", err))
	}
}

func strPtr(s string) *string {
	return &s
}
