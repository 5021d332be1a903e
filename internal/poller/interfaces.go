package poller

import (
	"context"
	"time"

	"telesync/internal/credentials"
	"telesync/internal/ingestion/processor"
	"telesync/internal/store"

	"github.com/google/uuid"
)

// Page is one batch of raw event payloads from a provider's read API.
type Page struct {
	// Payloads are provider-shaped event bodies, fed to the same normalizer
	// the webhook path uses.
	Payloads [][]byte
	// NextCursor resumes fetching after this page. Opaque to everything but
	// the source that produced it. Empty means the sweep is complete.
	NextCursor string
	HasMore    bool
}

// EventSource pages through a provider's historical event records. A
// non-zero since narrows the listing to records after that instant.
type EventSource interface {
	Provider() string
	FetchPage(ctx context.Context, creds credentials.Credentials, since time.Time, cursor string, limit int) (Page, error)
}

// AccountStore lists pollable integrations and persists their checkpoints.
type AccountStore interface {
	ListActiveIntegrationAccounts(ctx context.Context) ([]store.IntegrationAccount, error)
	AdvancePollCheckpoint(ctx context.Context, accountID uuid.UUID, checkpoint string) error
}

// SyncService gates poll eligibility and records cycle outcomes.
type SyncService interface {
	EnsureStatus(ctx context.Context, integrationID uuid.UUID, webhookEnabled, pollingEnabled bool) (store.SyncStatus, error)
	GetStatus(ctx context.Context, integrationID uuid.UUID) (store.SyncStatus, error)
	ListDueForPolling(ctx context.Context) ([]store.SyncStatus, error)
	RecordPollSuccess(ctx context.Context, integrationID uuid.UUID, newEvents int, durationMs int64) (store.SyncStatus, error)
	RecordPollFailure(ctx context.Context, integrationID uuid.UUID, cause error, suspendPolling bool) (store.SyncStatus, error)
}

// Ingestor runs fetched payloads through the shared ingestion pipeline.
type Ingestor interface {
	Ingest(ctx context.Context, account store.IntegrationAccount, payload []byte, via store.ReceivedVia) (processor.Result, error)
}

// Leaser provides the cross-node mutual exclusion lease per integration. A
// nil *redis.Client satisfies it by granting every lease.
type Leaser interface {
	AcquireLease(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key, token string) error
}
