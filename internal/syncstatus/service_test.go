package syncstatus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"telesync/internal/observability"
	"telesync/internal/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSyncStore keeps sync status rows in memory and serializes mutations the
// way the database row lock does.
type fakeSyncStore struct {
	mu   sync.Mutex
	rows map[uuid.UUID]store.SyncStatus
}

func newFakeSyncStore() *fakeSyncStore {
	return &fakeSyncStore{rows: make(map[uuid.UUID]store.SyncStatus)}
}

func (f *fakeSyncStore) CreateSyncStatus(_ context.Context, integrationID uuid.UUID, webhookEnabled, pollingEnabled bool) (store.SyncStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.rows[integrationID]; ok {
		return existing, nil
	}
	status := store.SyncStatus{
		ID:                  uuid.New(),
		IntegrationID:       integrationID,
		WebhookEnabled:      webhookEnabled,
		PollingEnabled:      pollingEnabled,
		WebhookHealthStatus: store.ChannelUnknown,
		PollingHealthStatus: store.ChannelUnknown,
		OverallHealth:       store.OverallUnknown,
	}
	f.rows[integrationID] = status
	return status, nil
}

func (f *fakeSyncStore) GetSyncStatus(_ context.Context, integrationID uuid.UUID) (store.SyncStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.rows[integrationID]
	if !ok {
		return store.SyncStatus{}, store.ErrNotFound
	}
	return status, nil
}

func (f *fakeSyncStore) ListSyncStatusesDueForRetry(_ context.Context) ([]store.SyncStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var due []store.SyncStatus
	for _, status := range f.rows {
		if !status.PollingEnabled {
			continue
		}
		if status.NextRetryAt != nil && status.NextRetryAt.After(time.Now().UTC()) {
			continue
		}
		due = append(due, status)
	}
	return due, nil
}

func (f *fakeSyncStore) MutateSyncStatus(_ context.Context, integrationID uuid.UUID, mutate func(*store.SyncStatus) error) (store.SyncStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.rows[integrationID]
	if !ok {
		return store.SyncStatus{}, store.ErrNotFound
	}
	if err := mutate(&status); err != nil {
		return store.SyncStatus{}, err
	}
	f.rows[integrationID] = status
	return status, nil
}

func newTestService(t *testing.T, fake *fakeSyncStore) *Service {
	t.Helper()
	svc := New(fake, NewTracker(testHealthConfig()), observability.NewLogger())
	return svc
}

func TestService_WebhookSuccessMakesChannelHealthy(t *testing.T) {
	fake := newFakeSyncStore()
	svc := newTestService(t, fake)
	ctx := context.Background()
	integrationID := uuid.New()

	_, err := svc.EnsureStatus(ctx, integrationID, true, true)
	require.NoError(t, err)

	status, err := svc.RecordWebhookSuccess(ctx, integrationID, 2, 40)
	require.NoError(t, err)

	assert.Equal(t, store.ChannelHealthy, status.WebhookHealthStatus)
	assert.Equal(t, store.ChannelUnknown, status.PollingHealthStatus)
	assert.Equal(t, 0, status.WebhookFailureCount)
	assert.Equal(t, 0, status.ConsecutiveErrorCount)
	assert.Equal(t, int64(2), status.TotalEventsSynced)
	require.NotNil(t, status.LastWebhookReceivedAt)
	require.NotNil(t, status.LastSyncDurationMs)
	assert.Equal(t, int64(40), *status.LastSyncDurationMs)
}

func TestService_FailuresDegradeThenFail(t *testing.T) {
	fake := newFakeSyncStore()
	svc := newTestService(t, fake)
	ctx := context.Background()
	integrationID := uuid.New()

	_, err := svc.EnsureStatus(ctx, integrationID, true, true)
	require.NoError(t, err)
	_, err = svc.RecordPollSuccess(ctx, integrationID, 5, 120)
	require.NoError(t, err)

	var status store.SyncStatus
	for i := 0; i < 3; i++ {
		status, err = svc.RecordPollFailure(ctx, integrationID, errors.New("connect timeout"), false)
		require.NoError(t, err)
	}
	assert.Equal(t, store.ChannelDegraded, status.PollingHealthStatus)
	assert.Equal(t, store.OverallWarning, status.OverallHealth)

	for i := 0; i < 7; i++ {
		status, err = svc.RecordPollFailure(ctx, integrationID, errors.New("connect timeout"), false)
		require.NoError(t, err)
	}
	assert.Equal(t, store.ChannelFailing, status.PollingHealthStatus)
	assert.Equal(t, store.OverallError, status.OverallHealth)
	assert.Equal(t, 10, status.PollingFailureCount)
	require.NotNil(t, status.LastErrorMessage)
	assert.Equal(t, "connect timeout", *status.LastErrorMessage)
}

func TestService_SuccessResetsFailuresAndBackoff(t *testing.T) {
	fake := newFakeSyncStore()
	svc := newTestService(t, fake)
	ctx := context.Background()
	integrationID := uuid.New()

	_, err := svc.EnsureStatus(ctx, integrationID, true, true)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err = svc.RecordPollFailure(ctx, integrationID, errors.New("boom"), false)
		require.NoError(t, err)
	}
	status, err := svc.GetStatus(ctx, integrationID)
	require.NoError(t, err)
	assert.Equal(t, 4, status.RetryCount)
	require.NotNil(t, status.NextRetryAt)
	assert.Greater(t, status.BackoffSeconds, 0)

	status, err = svc.RecordPollSuccess(ctx, integrationID, 1, 50)
	require.NoError(t, err)
	assert.Equal(t, store.ChannelHealthy, status.PollingHealthStatus)
	assert.Equal(t, 0, status.PollingFailureCount)
	assert.Equal(t, 0, status.ConsecutiveErrorCount)
	assert.Equal(t, 0, status.RetryCount)
	assert.Equal(t, 0, status.BackoffSeconds)
	assert.Nil(t, status.NextRetryAt)
}

func TestService_BackoffGrowsWithConsecutiveErrors(t *testing.T) {
	fake := newFakeSyncStore()
	svc := newTestService(t, fake)
	ctx := context.Background()
	integrationID := uuid.New()

	_, err := svc.EnsureStatus(ctx, integrationID, true, true)
	require.NoError(t, err)

	prev := 0
	for i := 0; i < 6; i++ {
		status, err := svc.RecordPollFailure(ctx, integrationID, errors.New("boom"), false)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, status.BackoffSeconds, prev, "attempt %d", i)
		prev = status.BackoffSeconds
	}
}

func TestService_AuthFailureSuspendsPolling(t *testing.T) {
	fake := newFakeSyncStore()
	svc := newTestService(t, fake)
	ctx := context.Background()
	integrationID := uuid.New()

	_, err := svc.EnsureStatus(ctx, integrationID, true, true)
	require.NoError(t, err)

	status, err := svc.RecordPollFailure(ctx, integrationID, errors.New("credentials expired"), true)
	require.NoError(t, err)
	assert.False(t, status.PollingEnabled)

	// Webhook channel keeps working and keeps its own health.
	status, err = svc.RecordWebhookSuccess(ctx, integrationID, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, store.ChannelHealthy, status.WebhookHealthStatus)
	assert.False(t, status.PollingEnabled)
}

func TestService_BothChannelsHealthyReachesFullConfidence(t *testing.T) {
	fake := newFakeSyncStore()
	svc := newTestService(t, fake)
	ctx := context.Background()
	integrationID := uuid.New()

	_, err := svc.EnsureStatus(ctx, integrationID, true, true)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err = svc.RecordWebhookSuccess(ctx, integrationID, 1, 10)
		require.NoError(t, err)
		_, err = svc.RecordPollSuccess(ctx, integrationID, 1, 20)
		require.NoError(t, err)
	}

	status, err := svc.GetStatus(ctx, integrationID)
	require.NoError(t, err)
	assert.Equal(t, store.OverallHealthy, status.OverallHealth)
	assert.Equal(t, 100.0, status.SyncConfidence)
}

func TestService_ConcurrentUpdatesDoNotLoseWrites(t *testing.T) {
	fake := newFakeSyncStore()
	svc := newTestService(t, fake)
	ctx := context.Background()
	integrationID := uuid.New()

	_, err := svc.EnsureStatus(ctx, integrationID, true, true)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = svc.RecordWebhookSuccess(ctx, integrationID, 1, 10)
		}()
		go func() {
			defer wg.Done()
			_, _ = svc.RecordPollSuccess(ctx, integrationID, 1, 10)
		}()
	}
	wg.Wait()

	status, err := svc.GetStatus(ctx, integrationID)
	require.NoError(t, err)
	assert.Equal(t, int64(40), status.TotalEventsSynced)
	assert.Equal(t, store.OverallHealthy, status.OverallHealth)
}

func TestService_EnsureStatusIdempotent(t *testing.T) {
	fake := newFakeSyncStore()
	svc := newTestService(t, fake)
	ctx := context.Background()
	integrationID := uuid.New()

	first, err := svc.EnsureStatus(ctx, integrationID, true, true)
	require.NoError(t, err)
	_, err = svc.RecordWebhookSuccess(ctx, integrationID, 3, 10)
	require.NoError(t, err)

	again, err := svc.EnsureStatus(ctx, integrationID, true, true)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	status, err := svc.GetStatus(ctx, integrationID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), status.TotalEventsSynced)
}

func TestService_ListDueForPollingSkipsSuspendedAndBackedOff(t *testing.T) {
	fake := newFakeSyncStore()
	svc := newTestService(t, fake)
	ctx := context.Background()

	healthy := uuid.New()
	suspended := uuid.New()
	backedOff := uuid.New()
	for _, id := range []uuid.UUID{healthy, suspended, backedOff} {
		_, err := svc.EnsureStatus(ctx, id, true, true)
		require.NoError(t, err)
	}

	_, err := svc.RecordPollFailure(ctx, suspended, errors.New("credentials expired"), true)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = svc.RecordPollFailure(ctx, backedOff, errors.New("boom"), false)
		require.NoError(t, err)
	}

	due, err := svc.ListDueForPolling(ctx)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, healthy, due[0].IntegrationID)
}

func TestService_StaleWebhookDegradesDuringPollUpdate(t *testing.T) {
	fake := newFakeSyncStore()
	svc := newTestService(t, fake)
	ctx := context.Background()
	integrationID := uuid.New()

	_, err := svc.EnsureStatus(ctx, integrationID, true, true)
	require.NoError(t, err)
	_, err = svc.RecordWebhookSuccess(ctx, integrationID, 1, 10)
	require.NoError(t, err)

	// Shift the service clock 30 minutes forward: the webhook channel is now
	// stale even though only the poll path reports in.
	svc.now = func() time.Time { return time.Now().UTC().Add(30 * time.Minute) }

	status, err := svc.RecordPollSuccess(ctx, integrationID, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, store.ChannelDegraded, status.WebhookHealthStatus)
	assert.Equal(t, store.ChannelHealthy, status.PollingHealthStatus)
	assert.Equal(t, store.OverallWarning, status.OverallHealth)
}
