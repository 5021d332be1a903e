package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const integrationAccountColumns = `id, user_id, provider, encrypted_credentials, capabilities,
	webhook_token, poll_checkpoint, is_active, created_at, updated_at`

// CreateIntegrationAccountParams represents parameters for connecting a provider account
type CreateIntegrationAccountParams struct {
	UserID               uuid.UUID
	Provider             string
	EncryptedCredentials string
	Capabilities         []string
	WebhookToken         string
}

const sqlCreateIntegrationAccount = `
INSERT INTO integration_accounts (user_id, provider, encrypted_credentials, capabilities, webhook_token, is_active)
VALUES ($1, $2, $3, $4, $5, TRUE)
RETURNING ` + integrationAccountColumns + `
`

// CreateIntegrationAccount creates a new integration account
func (s *Store) CreateIntegrationAccount(ctx context.Context, params CreateIntegrationAccountParams) (IntegrationAccount, error) {
	var account IntegrationAccount
	err := s.db.GetContext(ctx, &account, sqlCreateIntegrationAccount,
		params.UserID,
		params.Provider,
		params.EncryptedCredentials,
		StringArray(params.Capabilities),
		params.WebhookToken)
	if err != nil {
		s.logger.Error(ctx, "failed to create integration account", err)
		return IntegrationAccount{}, fmt.Errorf("failed to create integration account: %w", err)
	}
	return account, nil
}

const sqlGetIntegrationAccountByID = `
SELECT ` + integrationAccountColumns + `
FROM integration_accounts
WHERE id = $1
`

// GetIntegrationAccountByID retrieves an integration account by ID
func (s *Store) GetIntegrationAccountByID(ctx context.Context, accountID uuid.UUID) (IntegrationAccount, error) {
	var account IntegrationAccount
	err := s.db.GetContext(ctx, &account, sqlGetIntegrationAccountByID, accountID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return IntegrationAccount{}, ErrNotFound
		}
		s.logger.Error(ctx, "failed to get integration account", err)
		return IntegrationAccount{}, fmt.Errorf("failed to get integration account: %w", err)
	}
	return account, nil
}

const sqlGetIntegrationAccountByWebhookToken = `
SELECT ` + integrationAccountColumns + `
FROM integration_accounts
WHERE provider = $1 AND webhook_token = $2 AND is_active = TRUE
`

// GetIntegrationAccountByWebhookToken authenticates an inbound webhook
// delivery by its per-integration opaque token
func (s *Store) GetIntegrationAccountByWebhookToken(ctx context.Context, provider, token string) (IntegrationAccount, error) {
	var account IntegrationAccount
	err := s.db.GetContext(ctx, &account, sqlGetIntegrationAccountByWebhookToken, provider, token)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return IntegrationAccount{}, ErrNotFound
		}
		s.logger.Error(ctx, "failed to get integration account by webhook token", err)
		return IntegrationAccount{}, fmt.Errorf("failed to get integration account by webhook token: %w", err)
	}
	return account, nil
}

const sqlListActiveIntegrationAccounts = `
SELECT ` + integrationAccountColumns + `
FROM integration_accounts
WHERE is_active = TRUE
ORDER BY created_at ASC
`

// ListActiveIntegrationAccounts retrieves all active integration accounts
func (s *Store) ListActiveIntegrationAccounts(ctx context.Context) ([]IntegrationAccount, error) {
	var accounts []IntegrationAccount
	err := s.db.SelectContext(ctx, &accounts, sqlListActiveIntegrationAccounts)
	if err != nil {
		s.logger.Error(ctx, "failed to list active integration accounts", err)
		return nil, fmt.Errorf("failed to list active integration accounts: %w", err)
	}
	return accounts, nil
}

const sqlListIntegrationAccountsByUser = `
SELECT ` + integrationAccountColumns + `
FROM integration_accounts
WHERE user_id = $1
ORDER BY created_at DESC
`

// ListIntegrationAccountsByUser retrieves all integration accounts for a user
func (s *Store) ListIntegrationAccountsByUser(ctx context.Context, userID uuid.UUID) ([]IntegrationAccount, error) {
	var accounts []IntegrationAccount
	err := s.db.SelectContext(ctx, &accounts, sqlListIntegrationAccountsByUser, userID)
	if err != nil {
		s.logger.Error(ctx, "failed to list integration accounts by user", err)
		return nil, fmt.Errorf("failed to list integration accounts by user: %w", err)
	}
	return accounts, nil
}

const sqlRotateWebhookToken = `
UPDATE integration_accounts
SET webhook_token = $2,
    updated_at = CURRENT_TIMESTAMP
WHERE id = $1 AND is_active = TRUE
`

// RotateWebhookToken replaces the opaque webhook token for an integration
func (s *Store) RotateWebhookToken(ctx context.Context, accountID uuid.UUID, newToken string) error {
	res, err := s.db.ExecContext(ctx, sqlRotateWebhookToken, accountID, newToken)
	if err != nil {
		s.logger.Error(ctx, "failed to rotate webhook token", err)
		return fmt.Errorf("failed to rotate webhook token: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

const sqlSetIntegrationAccountActive = `
UPDATE integration_accounts
SET is_active = $2,
    updated_at = CURRENT_TIMESTAMP
WHERE id = $1
`

// SetIntegrationAccountActive activates or deactivates an integration.
// Deactivation disables both ingestion channels.
func (s *Store) SetIntegrationAccountActive(ctx context.Context, accountID uuid.UUID, active bool) error {
	res, err := s.db.ExecContext(ctx, sqlSetIntegrationAccountActive, accountID, active)
	if err != nil {
		s.logger.Error(ctx, "failed to set integration account active", err)
		return fmt.Errorf("failed to set integration account active: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

const sqlAdvancePollCheckpoint = `
UPDATE integration_accounts
SET poll_checkpoint = $2,
    updated_at = CURRENT_TIMESTAMP
WHERE id = $1
`

// AdvancePollCheckpoint persists the cursor of the last fully committed page.
// Called only after a page's events are durably upserted, so a failed cycle
// resumes from here instead of re-fetching or skipping.
func (s *Store) AdvancePollCheckpoint(ctx context.Context, accountID uuid.UUID, checkpoint string) error {
	_, err := s.db.ExecContext(ctx, sqlAdvancePollCheckpoint, accountID, checkpoint)
	if err != nil {
		s.logger.Error(ctx, "failed to advance poll checkpoint", err)
		return fmt.Errorf("failed to advance poll checkpoint: %w", err)
	}
	return nil
}
