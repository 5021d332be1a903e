package syncstatus

import (
	"context"
	"fmt"
	"time"

	"telesync/internal/observability"
	"telesync/internal/store"

	"github.com/google/uuid"
)

// Service applies channel outcomes to the per-integration sync status row.
// Every mutation runs under the store's row lock, so both ingestion paths
// always recompute health and confidence from the freshest combined row.
type Service struct {
	store   SyncStore
	tracker *Tracker
	logger  *observability.Logger
	now     func() time.Time
}

// New creates a sync status service.
func New(store SyncStore, tracker *Tracker, logger *observability.Logger) *Service {
	return &Service{
		store:   store,
		tracker: tracker,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// EnsureStatus creates the sync status row for a newly activated integration.
func (s *Service) EnsureStatus(ctx context.Context, integrationID uuid.UUID, webhookEnabled, pollingEnabled bool) (store.SyncStatus, error) {
	status, err := s.store.CreateSyncStatus(ctx, integrationID, webhookEnabled, pollingEnabled)
	if err != nil {
		return store.SyncStatus{}, fmt.Errorf("failed to ensure sync status: %w", err)
	}
	return status, nil
}

// GetStatus returns the current sync status row for an integration.
func (s *Service) GetStatus(ctx context.Context, integrationID uuid.UUID) (store.SyncStatus, error) {
	return s.store.GetSyncStatus(ctx, integrationID)
}

// ListDueForPolling returns every integration whose polling is enabled and
// whose backoff window, if any, has elapsed.
func (s *Service) ListDueForPolling(ctx context.Context) ([]store.SyncStatus, error) {
	return s.store.ListSyncStatusesDueForRetry(ctx)
}

// RecordWebhookSuccess records a successfully processed webhook delivery.
func (s *Service) RecordWebhookSuccess(ctx context.Context, integrationID uuid.UUID, newEvents int, durationMs int64) (store.SyncStatus, error) {
	return s.mutate(ctx, integrationID, func(status *store.SyncStatus) error {
		now := s.now()
		status.LastWebhookReceivedAt = &now
		status.WebhookFailureCount = 0
		RecordWindowAttempt(&status.WebhookSuccessesWindow, &status.WebhookAttemptsWindow, true)
		s.applySuccess(status, int64(newEvents), durationMs, now)
		return nil
	})
}

// RecordWebhookFailure records a webhook delivery that could not be processed.
// The provider keeps its own retry schedule, so no backoff is set here.
func (s *Service) RecordWebhookFailure(ctx context.Context, integrationID uuid.UUID, cause error) (store.SyncStatus, error) {
	return s.mutate(ctx, integrationID, func(status *store.SyncStatus) error {
		now := s.now()
		status.WebhookFailureCount++
		RecordWindowAttempt(&status.WebhookSuccessesWindow, &status.WebhookAttemptsWindow, false)
		status.ConsecutiveErrorCount++
		s.applyError(status, cause, now)
		s.refreshDerived(status, now)
		return nil
	})
}

// RecordPollSuccess records a completed poll cycle.
func (s *Service) RecordPollSuccess(ctx context.Context, integrationID uuid.UUID, fetched int, durationMs int64) (store.SyncStatus, error) {
	return s.mutate(ctx, integrationID, func(status *store.SyncStatus) error {
		now := s.now()
		status.LastPollAt = &now
		status.LastSuccessfulPollAt = &now
		status.PollingFailureCount = 0
		RecordWindowAttempt(&status.PollingSuccessesWindow, &status.PollingAttemptsWindow, true)
		s.applySuccess(status, int64(fetched), durationMs, now)
		return nil
	})
}

// RecordPollFailure records a failed poll cycle and schedules the next retry
// under exponential backoff. An auth failure additionally suspends polling
// until the account owner re-authorizes; health numerics are left intact.
func (s *Service) RecordPollFailure(ctx context.Context, integrationID uuid.UUID, cause error, suspendPolling bool) (store.SyncStatus, error) {
	return s.mutate(ctx, integrationID, func(status *store.SyncStatus) error {
		now := s.now()
		status.LastPollAt = &now
		status.PollingFailureCount++
		RecordWindowAttempt(&status.PollingSuccessesWindow, &status.PollingAttemptsWindow, false)
		status.ConsecutiveErrorCount++
		status.RetryCount++
		s.applyError(status, cause, now)

		nextRetry, backoffSeconds := s.tracker.NextRetry(status.ConsecutiveErrorCount, now)
		status.NextRetryAt = &nextRetry
		status.BackoffSeconds = backoffSeconds

		if suspendPolling {
			status.PollingEnabled = false
		}
		s.refreshDerived(status, now)
		return nil
	})
}

// applySuccess resets the shared error counters and folds sync volume and
// timing into the row, then refreshes derived fields.
func (s *Service) applySuccess(status *store.SyncStatus, newEvents, durationMs int64, now time.Time) {
	status.ConsecutiveErrorCount = 0
	status.RetryCount = 0
	status.NextRetryAt = nil
	status.BackoffSeconds = 0
	status.TotalEventsSynced += newEvents

	status.LastSyncDurationMs = &durationMs
	if status.AverageSyncDurationMs == nil {
		status.AverageSyncDurationMs = &durationMs
	} else {
		// Exponentially weighted rolling average.
		avg := (*status.AverageSyncDurationMs*9 + durationMs) / 10
		status.AverageSyncDurationMs = &avg
	}

	s.refreshDerived(status, now)
}

func (s *Service) applyError(status *store.SyncStatus, cause error, now time.Time) {
	if cause != nil {
		msg := cause.Error()
		status.LastErrorMessage = &msg
		status.LastErrorAt = &now
	}
}

// refreshDerived recomputes both channel states and the row-level aggregates.
// Staleness on the channel that did NOT produce this update can still move
// its state, which is why the recompute always runs on the locked fresh row.
func (s *Service) refreshDerived(status *store.SyncStatus, now time.Time) {
	status.WebhookHealthStatus = s.tracker.ChannelState(status.WebhookFailureCount, status.LastWebhookReceivedAt, now)
	status.PollingHealthStatus = s.tracker.ChannelState(status.PollingFailureCount, status.LastSuccessfulPollAt, now)
	status.OverallHealth = s.tracker.OverallHealth(*status)
	status.SyncConfidence = s.tracker.Confidence(*status, now)
}

func (s *Service) mutate(ctx context.Context, integrationID uuid.UUID, fn func(*store.SyncStatus) error) (store.SyncStatus, error) {
	ctx = observability.WithFields(ctx, observability.Field{Key: "integration_id", Value: integrationID})
	status, err := s.store.MutateSyncStatus(ctx, integrationID, fn)
	if err != nil {
		s.logger.Error(ctx, "failed to update sync status", err)
		return store.SyncStatus{}, fmt.Errorf("failed to update sync status: %w", err)
	}
	return status, nil
}
