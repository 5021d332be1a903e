package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"telesync/internal/credentials"
	"telesync/internal/ingestion"
	"telesync/internal/poller"
)

const defaultTelnyxBaseURL = "https://api.telnyx.com"

// TelnyxSource pages event records from the Telnyx v2 API. Records come back
// in the same envelope shape as Telnyx webhooks.
type TelnyxSource struct {
	baseURL    string
	httpClient *http.Client
}

// NewTelnyxSource creates the Telnyx poll source. baseURL overrides the
// production API host when non-empty.
func NewTelnyxSource(baseURL string) *TelnyxSource {
	if baseURL == "" {
		baseURL = defaultTelnyxBaseURL
	}
	return &TelnyxSource{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *TelnyxSource) Provider() string {
	return "telnyx"
}

type telnyxListResponse struct {
	Data []json.RawMessage `json:"data"`
	Meta struct {
		PageNumber int `json:"page_number"`
		TotalPages int `json:"total_pages"`
	} `json:"meta"`
}

// FetchPage lists one page of events. The cursor is the page number of
// Telnyx's paged listing; a non-zero since filters by occurred_at.
func (s *TelnyxSource) FetchPage(ctx context.Context, creds credentials.Credentials, since time.Time, cursor string, limit int) (poller.Page, error) {
	pageNumber := 1
	if cursor != "" {
		parsed, err := strconv.Atoi(cursor)
		if err != nil {
			return poller.Page{}, fmt.Errorf("unrecognized telnyx cursor %q", cursor)
		}
		pageNumber = parsed
	}

	query := url.Values{}
	query.Set("page[number]", strconv.Itoa(pageNumber))
	query.Set("page[size]", strconv.Itoa(limit))
	if !since.IsZero() {
		query.Set("filter[occurred_at][gte]", since.UTC().Format(time.RFC3339))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.baseURL+"/v2/events?"+query.Encode(), nil)
	if err != nil {
		return poller.Page{}, fmt.Errorf("failed to build telnyx request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return poller.Page{}, &ingestion.TransientProviderError{Provider: "telnyx", Op: "list events", Err: err}
	}
	defer resp.Body.Close()

	if err := classifyHTTPStatus("telnyx", "list events", resp.StatusCode); err != nil {
		return poller.Page{}, err
	}

	var listing telnyxListResponse
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return poller.Page{}, fmt.Errorf("failed to decode telnyx listing: %w", err)
	}

	page := poller.Page{}
	for _, record := range listing.Data {
		// Re-wrap each record in the webhook envelope the normalizer expects.
		payload, err := json.Marshal(map[string]json.RawMessage{"data": record})
		if err != nil {
			return poller.Page{}, fmt.Errorf("failed to wrap telnyx record: %w", err)
		}
		page.Payloads = append(page.Payloads, payload)
	}

	if listing.Meta.TotalPages > pageNumber {
		page.NextCursor = strconv.Itoa(pageNumber + 1)
		page.HasMore = true
	}
	return page, nil
}

// classifyHTTPStatus maps a provider HTTP status onto the ingestion error
// taxonomy. A 2xx returns nil.
func classifyHTTPStatus(provider, op string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &ingestion.AuthError{
			Provider: provider,
			Err:      fmt.Errorf("%s returned %d", op, status),
		}
	case status == http.StatusTooManyRequests || status >= 500:
		return &ingestion.TransientProviderError{
			Provider: provider,
			Op:       op,
			Err:      fmt.Errorf("status %d", status),
		}
	default:
		return fmt.Errorf("%s %s returned unexpected status %d", provider, op, status)
	}
}
