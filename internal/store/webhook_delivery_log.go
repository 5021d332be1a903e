package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// CreateWebhookDeliveryLogParams represents parameters for one inbound delivery attempt
type CreateWebhookDeliveryLogParams struct {
	IntegrationID    *uuid.UUID
	Provider         string
	RequestMethod    string
	ResponseStatus   int
	ErrorMessage     *string
	ProcessingTimeMs int64
}

const sqlCreateWebhookDeliveryLog = `
INSERT INTO webhook_delivery_logs (integration_id, provider, request_method, response_status, error_message, processing_time_ms)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id, integration_id, provider, request_method, response_status, error_message, processing_time_ms, created_at
`

// CreateWebhookDeliveryLog appends one audit row per inbound webhook call,
// including rejected and failed attempts
func (s *Store) CreateWebhookDeliveryLog(ctx context.Context, params CreateWebhookDeliveryLogParams) (WebhookDeliveryLog, error) {
	var logRow WebhookDeliveryLog
	err := s.db.GetContext(ctx, &logRow, sqlCreateWebhookDeliveryLog,
		params.IntegrationID,
		params.Provider,
		params.RequestMethod,
		params.ResponseStatus,
		params.ErrorMessage,
		params.ProcessingTimeMs)
	if err != nil {
		s.logger.Error(ctx, "failed to create webhook delivery log", err)
		return WebhookDeliveryLog{}, fmt.Errorf("failed to create webhook delivery log: %w", err)
	}
	return logRow, nil
}

const sqlGetRecentWebhookDeliveryLogs = `
SELECT id, integration_id, provider, request_method, response_status, error_message, processing_time_ms, created_at
FROM webhook_delivery_logs
WHERE integration_id = $1
ORDER BY created_at DESC
LIMIT $2
`

// GetRecentWebhookDeliveryLogs retrieves the most recent delivery attempts for
// an integration, newest first
func (s *Store) GetRecentWebhookDeliveryLogs(ctx context.Context, integrationID uuid.UUID, limit int) ([]WebhookDeliveryLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var logs []WebhookDeliveryLog
	err := s.db.SelectContext(ctx, &logs, sqlGetRecentWebhookDeliveryLogs, integrationID, limit)
	if err != nil {
		s.logger.Error(ctx, "failed to get recent webhook delivery logs", err)
		return nil, fmt.Errorf("failed to get recent webhook delivery logs: %w", err)
	}
	return logs, nil
}
