package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const syncStatusColumns = `id, integration_id, webhook_enabled, polling_enabled,
	last_webhook_received_at, webhook_failure_count, webhook_health_status,
	last_poll_at, last_successful_poll_at, polling_failure_count, polling_health_status,
	overall_health, sync_confidence_percentage, consecutive_error_count,
	last_error_message, last_error_at, retry_count, next_retry_at, backoff_seconds,
	total_events_synced, last_sync_duration_ms, average_sync_duration_ms,
	webhook_successes_window, webhook_attempts_window,
	polling_successes_window, polling_attempts_window, updated_at`

const sqlCreateSyncStatus = `
INSERT INTO sync_statuses (integration_id, webhook_enabled, polling_enabled,
	webhook_health_status, polling_health_status, overall_health, sync_confidence_percentage)
VALUES ($1, $2, $3, 'unknown', 'unknown', 'unknown', 0)
ON CONFLICT (integration_id) DO NOTHING
`

// CreateSyncStatus creates the health row for a newly activated integration.
// Idempotent so re-activation never duplicates or resets an existing row.
func (s *Store) CreateSyncStatus(ctx context.Context, integrationID uuid.UUID, webhookEnabled, pollingEnabled bool) (SyncStatus, error) {
	_, err := s.db.ExecContext(ctx, sqlCreateSyncStatus, integrationID, webhookEnabled, pollingEnabled)
	if err != nil {
		s.logger.Error(ctx, "failed to create sync status", err)
		return SyncStatus{}, fmt.Errorf("failed to create sync status: %w", err)
	}
	return s.GetSyncStatus(ctx, integrationID)
}

const sqlGetSyncStatus = `
SELECT ` + syncStatusColumns + `
FROM sync_statuses
WHERE integration_id = $1
`

// GetSyncStatus retrieves the sync status row for an integration
func (s *Store) GetSyncStatus(ctx context.Context, integrationID uuid.UUID) (SyncStatus, error) {
	var status SyncStatus
	err := s.db.GetContext(ctx, &status, sqlGetSyncStatus, integrationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SyncStatus{}, ErrNotFound
		}
		s.logger.Error(ctx, "failed to get sync status", err)
		return SyncStatus{}, fmt.Errorf("failed to get sync status: %w", err)
	}
	return status, nil
}

const sqlGetSyncStatusForUpdate = `
SELECT ` + syncStatusColumns + `
FROM sync_statuses
WHERE integration_id = $1
FOR UPDATE
`

const sqlWriteSyncStatus = `
UPDATE sync_statuses SET
	webhook_enabled = $2,
	polling_enabled = $3,
	last_webhook_received_at = $4,
	webhook_failure_count = $5,
	webhook_health_status = $6,
	last_poll_at = $7,
	last_successful_poll_at = $8,
	polling_failure_count = $9,
	polling_health_status = $10,
	overall_health = $11,
	sync_confidence_percentage = $12,
	consecutive_error_count = $13,
	last_error_message = $14,
	last_error_at = $15,
	retry_count = $16,
	next_retry_at = $17,
	backoff_seconds = $18,
	total_events_synced = $19,
	last_sync_duration_ms = $20,
	average_sync_duration_ms = $21,
	webhook_successes_window = $22,
	webhook_attempts_window = $23,
	polling_successes_window = $24,
	polling_attempts_window = $25,
	updated_at = CURRENT_TIMESTAMP
WHERE integration_id = $1
`

// MutateSyncStatus applies a read-modify-write of the sync status row under a
// row lock. The lock is the per-integration serialization point: the webhook
// and poll paths both recompute overall_health and confidence, and each must
// see the other's freshest write, never a stale snapshot.
func (s *Store) MutateSyncStatus(ctx context.Context, integrationID uuid.UUID, mutate func(*SyncStatus) error) (SyncStatus, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.logger.Error(ctx, "failed to begin sync status transaction", err)
		return SyncStatus{}, fmt.Errorf("failed to begin sync status transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var status SyncStatus
	if err := tx.GetContext(ctx, &status, sqlGetSyncStatusForUpdate, integrationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SyncStatus{}, ErrNotFound
		}
		s.logger.Error(ctx, "failed to lock sync status", err)
		return SyncStatus{}, fmt.Errorf("failed to lock sync status: %w", err)
	}

	if err := mutate(&status); err != nil {
		return SyncStatus{}, err
	}

	_, err = tx.ExecContext(ctx, sqlWriteSyncStatus,
		status.IntegrationID,
		status.WebhookEnabled,
		status.PollingEnabled,
		status.LastWebhookReceivedAt,
		status.WebhookFailureCount,
		status.WebhookHealthStatus,
		status.LastPollAt,
		status.LastSuccessfulPollAt,
		status.PollingFailureCount,
		status.PollingHealthStatus,
		status.OverallHealth,
		status.SyncConfidence,
		status.ConsecutiveErrorCount,
		status.LastErrorMessage,
		status.LastErrorAt,
		status.RetryCount,
		status.NextRetryAt,
		status.BackoffSeconds,
		status.TotalEventsSynced,
		status.LastSyncDurationMs,
		status.AverageSyncDurationMs,
		status.WebhookSuccessesWindow,
		status.WebhookAttemptsWindow,
		status.PollingSuccessesWindow,
		status.PollingAttemptsWindow)
	if err != nil {
		s.logger.Error(ctx, "failed to write sync status", err)
		return SyncStatus{}, fmt.Errorf("failed to write sync status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		s.logger.Error(ctx, "failed to commit sync status", err)
		return SyncStatus{}, fmt.Errorf("failed to commit sync status: %w", err)
	}
	return status, nil
}

const sqlListSyncStatusesDueForRetry = `
SELECT ` + syncStatusColumns + `
FROM sync_statuses
WHERE polling_enabled = TRUE
  AND (next_retry_at IS NULL OR next_retry_at <= CURRENT_TIMESTAMP)
`

// ListSyncStatusesDueForRetry returns the sync rows whose polling backoff has
// elapsed, so the scheduler skips integrations still cooling down.
func (s *Store) ListSyncStatusesDueForRetry(ctx context.Context) ([]SyncStatus, error) {
	var statuses []SyncStatus
	err := s.db.SelectContext(ctx, &statuses, sqlListSyncStatusesDueForRetry)
	if err != nil {
		s.logger.Error(ctx, "failed to list sync statuses due for retry", err)
		return nil, fmt.Errorf("failed to list sync statuses due for retry: %w", err)
	}
	return statuses, nil
}
