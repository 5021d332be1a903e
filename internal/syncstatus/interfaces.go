package syncstatus

import (
	"context"

	"telesync/internal/store"

	"github.com/google/uuid"
)

// SyncStore defines the database operations required by the Service.
type SyncStore interface {
	CreateSyncStatus(ctx context.Context, integrationID uuid.UUID, webhookEnabled, pollingEnabled bool) (store.SyncStatus, error)
	GetSyncStatus(ctx context.Context, integrationID uuid.UUID) (store.SyncStatus, error)
	ListSyncStatusesDueForRetry(ctx context.Context) ([]store.SyncStatus, error)
	MutateSyncStatus(ctx context.Context, integrationID uuid.UUID, mutate func(*store.SyncStatus) error) (store.SyncStatus, error)
}
