// Package credentials fetches decrypted provider credentials from the
// external secrets service. Plaintext credentials live only on the stack of a
// single poll cycle; nothing here caches them.
package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"telesync/internal/config"
	"telesync/internal/ingestion"
	"telesync/internal/observability"
	"telesync/internal/store"
)

// Credentials is one provider account's decrypted secret material.
type Credentials struct {
	AccountID string            `json:"account_id"`
	APIKey    string            `json:"api_key"`
	APISecret string            `json:"api_secret"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// Decryptor resolves an integration's stored ciphertext into usable
// credentials.
type Decryptor interface {
	Decrypt(ctx context.Context, account store.IntegrationAccount) (Credentials, error)
}

// ServiceClient calls the decrypt-on-demand HTTP service.
type ServiceClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *observability.Logger
}

// NewServiceClient creates a client for the credentials service.
func NewServiceClient(cfg config.CredentialsConfig, logger *observability.Logger) *ServiceClient {
	return &ServiceClient{
		baseURL: cfg.ServiceURL,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

type decryptRequest struct {
	IntegrationID string `json:"integration_id"`
	Provider      string `json:"provider"`
	Ciphertext    string `json:"ciphertext"`
}

// Decrypt exchanges an integration's ciphertext for plaintext credentials. A
// 401 or 403 from the service means the stored credentials were revoked or
// the grant expired, which surfaces as an auth failure for the integration.
func (c *ServiceClient) Decrypt(ctx context.Context, account store.IntegrationAccount) (Credentials, error) {
	body, err := json.Marshal(decryptRequest{
		IntegrationID: account.ID.String(),
		Provider:      account.Provider,
		Ciphertext:    account.EncryptedCredentials,
	})
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to marshal decrypt request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/decrypt", bytes.NewReader(body))
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to build decrypt request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Credentials{}, &ingestion.InfrastructureError{
			Component: "credentials service",
			Err:       err,
		}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var creds Credentials
		if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
			return Credentials{}, fmt.Errorf("failed to decode decrypt response: %w", err)
		}
		return creds, nil

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Credentials{}, &ingestion.AuthError{
			Provider: account.Provider,
			Err:      fmt.Errorf("credentials rejected (%d): %s", resp.StatusCode, msg),
		}

	case resp.StatusCode >= 500:
		return Credentials{}, &ingestion.InfrastructureError{
			Component: "credentials service",
			Err:       fmt.Errorf("service returned %d", resp.StatusCode),
		}

	default:
		return Credentials{}, fmt.Errorf("credentials service returned unexpected status %d", resp.StatusCode)
	}
}
