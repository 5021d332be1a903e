// Package processor implements integration account management and the read
// operations behind the API: events, threads, sync status, metrics, and the
// delivery feed.
package processor

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"telesync/internal/ingestion/normalizer"
	"telesync/internal/metrics"
	"telesync/internal/observability"
	"telesync/internal/store"

	"github.com/google/uuid"
)

var (
	ErrIntegrationNotFound = errors.New("integration not found")
	ErrUnsupportedProvider = errors.New("unsupported provider")
	ErrUnauthorized        = errors.New("integration belongs to another user")
	ErrEventNotFound       = errors.New("event not found")
)

// Store covers the persistence operations the processor needs.
type Store interface {
	CreateIntegrationAccount(ctx context.Context, params store.CreateIntegrationAccountParams) (store.IntegrationAccount, error)
	GetIntegrationAccountByID(ctx context.Context, accountID uuid.UUID) (store.IntegrationAccount, error)
	ListIntegrationAccountsByUser(ctx context.Context, userID uuid.UUID) ([]store.IntegrationAccount, error)
	RotateWebhookToken(ctx context.Context, accountID uuid.UUID, newToken string) error
	SetIntegrationAccountActive(ctx context.Context, accountID uuid.UUID, active bool) error

	ListTelephonyEvents(ctx context.Context, params store.ListTelephonyEventsParams) ([]store.TelephonyEvent, error)
	ListUnprocessedEvents(ctx context.Context, integrationID uuid.UUID, limit int) ([]store.TelephonyEvent, error)
	GetTelephonyEventByID(ctx context.Context, eventID uuid.UUID) (store.TelephonyEvent, error)
	GetEventThread(ctx context.Context, eventID uuid.UUID) ([]store.TelephonyEvent, error)
	GetRecentWebhookDeliveryLogs(ctx context.Context, integrationID uuid.UUID, limit int) ([]store.WebhookDeliveryLog, error)
}

// SyncStatusService provisions and reads per-integration sync health.
type SyncStatusService interface {
	EnsureStatus(ctx context.Context, integrationID uuid.UUID, webhookEnabled, pollingEnabled bool) (store.SyncStatus, error)
	GetStatus(ctx context.Context, integrationID uuid.UUID) (store.SyncStatus, error)
}

// Processor handles integration lifecycle and reads.
type Processor struct {
	store      Store
	syncStatus SyncStatusService
	registry   *normalizer.Registry
	aggregator *metrics.Aggregator
	logger     *observability.Logger
}

// New creates the integrations processor.
func New(st Store, syncStatus SyncStatusService, registry *normalizer.Registry, aggregator *metrics.Aggregator, logger *observability.Logger) *Processor {
	return &Processor{
		store:      st,
		syncStatus: syncStatus,
		registry:   registry,
		aggregator: aggregator,
		logger:     logger,
	}
}

// ConnectParams describes a new provider connection.
type ConnectParams struct {
	UserID               uuid.UUID
	Provider             string
	EncryptedCredentials string
	Capabilities         []string
}

// Connect creates an integration account with a fresh webhook token and
// provisions its sync status row.
func (p *Processor) Connect(ctx context.Context, params ConnectParams) (store.IntegrationAccount, error) {
	if _, ok := p.registry.Get(params.Provider); !ok {
		return store.IntegrationAccount{}, ErrUnsupportedProvider
	}

	token, err := newWebhookToken()
	if err != nil {
		return store.IntegrationAccount{}, err
	}

	account, err := p.store.CreateIntegrationAccount(ctx, store.CreateIntegrationAccountParams{
		UserID:               params.UserID,
		Provider:             params.Provider,
		EncryptedCredentials: params.EncryptedCredentials,
		Capabilities:         params.Capabilities,
		WebhookToken:         token,
	})
	if err != nil {
		return store.IntegrationAccount{}, fmt.Errorf("failed to connect integration: %w", err)
	}

	if _, err := p.syncStatus.EnsureStatus(ctx, account.ID, true, true); err != nil {
		p.logger.Error(ctx, "failed to provision sync status for new integration", err)
	}

	p.logger.Info(ctx, "integration connected",
		observability.Field{Key: "integration_id", Value: account.ID},
		observability.Field{Key: "provider", Value: account.Provider},
	)
	return account, nil
}

// Get returns an integration owned by the user.
func (p *Processor) Get(ctx context.Context, userID, integrationID uuid.UUID) (store.IntegrationAccount, error) {
	return p.owned(ctx, userID, integrationID)
}

// List returns all of a user's integrations.
func (p *Processor) List(ctx context.Context, userID uuid.UUID) ([]store.IntegrationAccount, error) {
	accounts, err := p.store.ListIntegrationAccountsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list integrations: %w", err)
	}
	return accounts, nil
}

// RotateToken replaces an integration's webhook token. The old token stops
// authenticating immediately.
func (p *Processor) RotateToken(ctx context.Context, userID, integrationID uuid.UUID) (string, error) {
	if _, err := p.owned(ctx, userID, integrationID); err != nil {
		return "", err
	}

	token, err := newWebhookToken()
	if err != nil {
		return "", err
	}
	if err := p.store.RotateWebhookToken(ctx, integrationID, token); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrIntegrationNotFound
		}
		return "", fmt.Errorf("failed to rotate webhook token: %w", err)
	}
	p.logger.Info(ctx, "webhook token rotated",
		observability.Field{Key: "integration_id", Value: integrationID})
	return token, nil
}

// Deactivate turns an integration off: webhook deliveries 404 and the poll
// sweep skips it.
func (p *Processor) Deactivate(ctx context.Context, userID, integrationID uuid.UUID) error {
	if _, err := p.owned(ctx, userID, integrationID); err != nil {
		return err
	}
	if err := p.store.SetIntegrationAccountActive(ctx, integrationID, false); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrIntegrationNotFound
		}
		return fmt.Errorf("failed to deactivate integration: %w", err)
	}
	return nil
}

// EventFilters narrows event listings.
type EventFilters struct {
	Since  *time.Time
	Until  *time.Time
	Limit  int
	Offset int
}

// ListEvents returns an integration's canonical events, newest first.
func (p *Processor) ListEvents(ctx context.Context, userID, integrationID uuid.UUID, filters EventFilters) ([]store.TelephonyEvent, error) {
	if _, err := p.owned(ctx, userID, integrationID); err != nil {
		return nil, err
	}
	events, err := p.store.ListTelephonyEvents(ctx, store.ListTelephonyEventsParams{
		IntegrationID: integrationID,
		Since:         filters.Since,
		Until:         filters.Until,
		Limit:         filters.Limit,
		Offset:        filters.Offset,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return events, nil
}

// ListUnprocessedEvents returns events stored raw because normalization
// failed, newest first. They carry the original payload for inspection.
func (p *Processor) ListUnprocessedEvents(ctx context.Context, userID, integrationID uuid.UUID, limit int) ([]store.TelephonyEvent, error) {
	if _, err := p.owned(ctx, userID, integrationID); err != nil {
		return nil, err
	}
	events, err := p.store.ListUnprocessedEvents(ctx, integrationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unprocessed events: %w", err)
	}
	return events, nil
}

// GetThread returns the full thread containing an event, root first.
func (p *Processor) GetThread(ctx context.Context, userID, eventID uuid.UUID) ([]store.TelephonyEvent, error) {
	event, err := p.store.GetTelephonyEventByID(ctx, eventID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	if _, err := p.owned(ctx, userID, event.IntegrationID); err != nil {
		return nil, err
	}
	thread, err := p.store.GetEventThread(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to get event thread: %w", err)
	}
	return thread, nil
}

// GetSyncStatus returns the integration's sync health snapshot.
func (p *Processor) GetSyncStatus(ctx context.Context, userID, integrationID uuid.UUID) (store.SyncStatus, error) {
	if _, err := p.owned(ctx, userID, integrationID); err != nil {
		return store.SyncStatus{}, err
	}
	status, err := p.syncStatus.GetStatus(ctx, integrationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return p.syncStatus.EnsureStatus(ctx, integrationID, true, true)
		}
		return store.SyncStatus{}, fmt.Errorf("failed to get sync status: %w", err)
	}
	return status, nil
}

// MetricsWindow bounds a metrics computation.
type MetricsWindow struct {
	Provider string
	Since    *time.Time
	Until    *time.Time
}

// metricsEventCap bounds how many events one metrics request aggregates.
const metricsEventCap = 10000

// GetMetrics aggregates an integration's events into summary statistics.
func (p *Processor) GetMetrics(ctx context.Context, userID, integrationID uuid.UUID, window MetricsWindow) (metrics.Summary, error) {
	if _, err := p.owned(ctx, userID, integrationID); err != nil {
		return metrics.Summary{}, err
	}
	events, err := p.store.ListTelephonyEvents(ctx, store.ListTelephonyEventsParams{
		IntegrationID: integrationID,
		Since:         window.Since,
		Until:         window.Until,
		Limit:         metricsEventCap,
	})
	if err != nil {
		return metrics.Summary{}, fmt.Errorf("failed to load events for metrics: %w", err)
	}
	return p.aggregator.Compute(events, metrics.Filters{Provider: window.Provider}), nil
}

// GetDeliveries returns the recent webhook delivery feed.
func (p *Processor) GetDeliveries(ctx context.Context, userID, integrationID uuid.UUID, limit int) ([]store.WebhookDeliveryLog, error) {
	if _, err := p.owned(ctx, userID, integrationID); err != nil {
		return nil, err
	}
	logs, err := p.store.GetRecentWebhookDeliveryLogs(ctx, integrationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery logs: %w", err)
	}
	return logs, nil
}

// owned fetches an integration and verifies the caller owns it.
func (p *Processor) owned(ctx context.Context, userID, integrationID uuid.UUID) (store.IntegrationAccount, error) {
	account, err := p.store.GetIntegrationAccountByID(ctx, integrationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.IntegrationAccount{}, ErrIntegrationNotFound
		}
		return store.IntegrationAccount{}, fmt.Errorf("failed to get integration: %w", err)
	}
	if account.UserID != userID {
		return store.IntegrationAccount{}, ErrUnauthorized
	}
	return account, nil
}

// newWebhookToken generates the opaque token embedded in webhook URLs.
func newWebhookToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate webhook token: %w", err)
	}
	return "whk_" + hex.EncodeToString(buf), nil
}
