// Package providers implements the per-provider poll sources. Each source
// pages a provider's read API and emits payloads shaped like that provider's
// webhook bodies, so the normalizers serve both ingestion paths.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"telesync/internal/credentials"
	"telesync/internal/ingestion"
	"telesync/internal/poller"

	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Cursor phases: a Twilio sweep walks calls first, then messages.
const (
	twilioCallsPhase    = "calls:"
	twilioMessagesPhase = "messages:"
)

// TwilioSource pages call and message records from the Twilio REST API.
type TwilioSource struct {
	newClient func(creds credentials.Credentials) *twilio.RestClient
}

// NewTwilioSource creates the Twilio poll source.
func NewTwilioSource() *TwilioSource {
	return &TwilioSource{
		newClient: func(creds credentials.Credentials) *twilio.RestClient {
			return twilio.NewRestClientWithParams(twilio.ClientParams{
				Username:   creds.APIKey,
				Password:   creds.APISecret,
				AccountSid: creds.AccountID,
			})
		},
	}
}

func (s *TwilioSource) Provider() string {
	return "twilio"
}

// FetchPage returns one page of call or message records. The cursor encodes
// which collection is being walked plus Twilio's own page token. A non-zero
// since narrows both listings to records after the last completed sweep.
func (s *TwilioSource) FetchPage(ctx context.Context, creds credentials.Credentials, since time.Time, cursor string, limit int) (poller.Page, error) {
	client := s.newClient(creds)

	phase, token := splitTwilioCursor(cursor)
	switch phase {
	case twilioCallsPhase:
		return s.fetchCalls(ctx, client, since, token, limit)
	case twilioMessagesPhase:
		return s.fetchMessages(ctx, client, since, token, limit)
	default:
		return poller.Page{}, fmt.Errorf("unrecognized twilio cursor %q", cursor)
	}
}

func (s *TwilioSource) fetchCalls(_ context.Context, client *twilio.RestClient, since time.Time, token string, limit int) (poller.Page, error) {
	params := &openapi.ListCallParams{}
	params.SetPageSize(limit)
	if !since.IsZero() {
		params.SetStartTimeAfter(since.UTC())
	}

	resp, err := client.Api.PageCall(params, token, "")
	if err != nil {
		return poller.Page{}, classifyTwilioError("list calls", err)
	}

	page := poller.Page{HasMore: true}
	for _, call := range resp.Calls {
		payload, err := json.Marshal(map[string]string{
			"CallSid":       deref(call.Sid),
			"ParentCallSid": deref(call.ParentCallSid),
			"CallStatus":    deref(call.Status),
			"Direction":     deref(call.Direction),
			"From":          deref(call.From),
			"To":            deref(call.To),
			"StartTime":     deref(call.StartTime),
			"EndTime":       deref(call.EndTime),
			"CallDuration":  deref(call.Duration),
			"Price":         deref(call.Price),
			"PriceUnit":     deref(call.PriceUnit),
			"Timestamp":     deref(call.DateUpdated),
		})
		if err != nil {
			return poller.Page{}, fmt.Errorf("failed to marshal call record: %w", err)
		}
		page.Payloads = append(page.Payloads, payload)
	}

	if next := pageTokenFromURI(deref(resp.NextPageUri)); next != "" {
		page.NextCursor = twilioCallsPhase + next
	} else {
		// Calls exhausted; continue with messages on the next fetch.
		page.NextCursor = twilioMessagesPhase
	}
	return page, nil
}

func (s *TwilioSource) fetchMessages(_ context.Context, client *twilio.RestClient, since time.Time, token string, limit int) (poller.Page, error) {
	params := &openapi.ListMessageParams{}
	params.SetPageSize(limit)
	if !since.IsZero() {
		params.SetDateSentAfter(since.UTC())
	}

	resp, err := client.Api.PageMessage(params, token, "")
	if err != nil {
		return poller.Page{}, classifyTwilioError("list messages", err)
	}

	var page poller.Page
	for _, msg := range resp.Messages {
		record := map[string]string{
			"MessageSid":    deref(msg.Sid),
			"MessageStatus": deref(msg.Status),
			"Direction":     deref(msg.Direction),
			"From":          deref(msg.From),
			"To":            deref(msg.To),
			"Price":         deref(msg.Price),
			"PriceUnit":     deref(msg.PriceUnit),
			"Timestamp":     deref(msg.DateSent),
		}
		if msg.ErrorCode != nil {
			record["ErrorCode"] = fmt.Sprintf("%d", *msg.ErrorCode)
		}
		payload, err := json.Marshal(record)
		if err != nil {
			return poller.Page{}, fmt.Errorf("failed to marshal message record: %w", err)
		}
		page.Payloads = append(page.Payloads, payload)
	}

	if next := pageTokenFromURI(deref(resp.NextPageUri)); next != "" {
		page.NextCursor = twilioMessagesPhase + next
		page.HasMore = true
	}
	return page, nil
}

func splitTwilioCursor(cursor string) (phase, token string) {
	switch {
	case cursor == "":
		return twilioCallsPhase, ""
	case strings.HasPrefix(cursor, twilioCallsPhase):
		return twilioCallsPhase, strings.TrimPrefix(cursor, twilioCallsPhase)
	case strings.HasPrefix(cursor, twilioMessagesPhase):
		return twilioMessagesPhase, strings.TrimPrefix(cursor, twilioMessagesPhase)
	default:
		return cursor, ""
	}
}

// pageTokenFromURI pulls Twilio's PageToken out of a next_page_uri value.
func pageTokenFromURI(uri string) string {
	if uri == "" {
		return ""
	}
	parsed, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return parsed.Query().Get("PageToken")
}

func classifyTwilioError(op string, err error) error {
	var restErr *twclient.TwilioRestError
	if errors.As(err, &restErr) {
		switch {
		case restErr.Status == 401 || restErr.Status == 403:
			return &ingestion.AuthError{Provider: "twilio", Err: err}
		case restErr.Status == 429 || restErr.Status >= 500:
			return &ingestion.TransientProviderError{Provider: "twilio", Op: op, Err: err}
		default:
			return fmt.Errorf("twilio %s failed: %w", op, err)
		}
	}
	// Connection-level failures have no REST status.
	return &ingestion.TransientProviderError{Provider: "twilio", Op: op, Err: err}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
