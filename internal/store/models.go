package store

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JSONB is a custom type for JSONB fields
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface for JSONB
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface for JSONB
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return errors.New("incompatible type for JSONB")
	}

	if len(bytes) == 0 || string(bytes) == "null" {
		*j = make(JSONB)
		return nil
	}

	result := make(JSONB)
	err := json.Unmarshal(bytes, &result)
	if err != nil {
		return err
	}
	*j = result
	return nil
}

// StringArray is a custom type for PostgreSQL text[] arrays
type StringArray []string

// Value implements the driver.Valuer interface for StringArray
func (a StringArray) Value() (driver.Value, error) {
	if a == nil {
		return nil, nil
	}
	if len(a) == 0 {
		return "{}", nil
	}
	return "{" + strings.Join(a, ",") + "}", nil
}

// Scan implements the sql.Scanner interface for StringArray
func (a *StringArray) Scan(value interface{}) error {
	if value == nil {
		*a = nil
		return nil
	}

	var str string
	switch v := value.(type) {
	case []byte:
		str = string(v)
	case string:
		str = v
	default:
		return fmt.Errorf("unsupported type for StringArray: %T", value)
	}

	str = strings.Trim(str, "{}")
	if str == "" {
		*a = []string{}
		return nil
	}
	*a = strings.Split(str, ",")
	return nil
}

// ============================================================================
// Telephony event enums
// ============================================================================

// EventType identifies the canonical lifecycle event carried by a provider
// delivery.
type EventType string

const (
	EventTypeCallStarted  EventType = "call.started"
	EventTypeCallRinging  EventType = "call.ringing"
	EventTypeCallAnswered EventType = "call.answered"
	EventTypeCallEnded    EventType = "call.ended"
	EventTypeSMSSent      EventType = "sms.sent"
	EventTypeSMSDelivered EventType = "sms.delivered"
	EventTypeSMSFailed    EventType = "sms.failed"
)

// IsCall reports whether the event belongs to the call layer of a thread.
func (t EventType) IsCall() bool {
	return strings.HasPrefix(string(t), "call.")
}

// EventStatus is the normalized per-event status. Call statuses advance along
// started < ringing < answered < ended; SMS statuses along
// sent < delivered/failed. A delivery may never move a stored status backward.
type EventStatus string

const (
	StatusStarted   EventStatus = "started"
	StatusRinging   EventStatus = "ringing"
	StatusAnswered  EventStatus = "answered"
	StatusEnded     EventStatus = "ended"
	StatusSent      EventStatus = "sent"
	StatusDelivered EventStatus = "delivered"
	StatusFailed    EventStatus = "failed"
)

// StatusRank returns the position of a status in its forward order. Unknown
// statuses rank lowest so they never displace a known one. The SQL upsert in
// telephony_event.go carries the same ladder; the two must stay in step.
func StatusRank(s EventStatus) int {
	switch s {
	case StatusStarted, StatusSent:
		return 1
	case StatusRinging:
		return 2
	case StatusAnswered:
		return 3
	case StatusEnded, StatusDelivered, StatusFailed:
		return 4
	default:
		return 0
	}
}

// ReceivedVia records which delivery channel carried an event.
type ReceivedVia string

const (
	ReceivedViaWebhook ReceivedVia = "webhook"
	ReceivedViaPoll    ReceivedVia = "poll"
)

// Direction of a call or message relative to the account owner.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// ============================================================================
// Sync health enums
// ============================================================================

// ChannelHealth is the per-channel state machine state.
type ChannelHealth string

const (
	ChannelUnknown  ChannelHealth = "unknown"
	ChannelHealthy  ChannelHealth = "healthy"
	ChannelDegraded ChannelHealth = "degraded"
	ChannelFailing  ChannelHealth = "failing"
)

// OverallHealth is the worst-of mapping across the two channels.
type OverallHealth string

const (
	OverallUnknown OverallHealth = "unknown"
	OverallHealthy OverallHealth = "healthy"
	OverallWarning OverallHealth = "warning"
	OverallError   OverallHealth = "error"
)

// ============================================================================
// Row types
// ============================================================================

// TelephonyEvent is one canonical record per provider-reported occurrence.
// (provider, provider_event_id) is unique; duplicate deliveries merge into the
// existing row.
type TelephonyEvent struct {
	ID                    uuid.UUID   `db:"id" json:"id"`
	IntegrationID         uuid.UUID   `db:"integration_id" json:"integration_id"`
	Provider              string      `db:"provider" json:"provider"`
	ProviderEventID       string      `db:"provider_event_id" json:"provider_event_id"`
	EventType             EventType   `db:"event_type" json:"event_type"`
	ParentEventID         *uuid.UUID  `db:"parent_event_id" json:"parent_event_id,omitempty"`
	ParentProviderEventID *string     `db:"parent_provider_event_id" json:"-"`
	Direction             *Direction  `db:"direction" json:"direction,omitempty"`
	Status                EventStatus `db:"status" json:"status"`
	FromNumber            *string     `db:"from_number" json:"from,omitempty"`
	ToNumber              *string     `db:"to_number" json:"to,omitempty"`
	StartedAt             *time.Time  `db:"started_at" json:"started_at,omitempty"`
	EndedAt               *time.Time  `db:"ended_at" json:"ended_at,omitempty"`
	EndedReason           *string     `db:"ended_reason" json:"ended_reason,omitempty"`
	DurationSeconds       *int        `db:"duration_seconds" json:"duration_seconds,omitempty"`
	CostAmount            *float64    `db:"cost_amount" json:"cost_amount,omitempty"`
	CostCurrency          *string     `db:"cost_currency" json:"cost_currency,omitempty"`
	RawPayload            JSONB       `db:"raw_payload" json:"-"`
	Processed             bool        `db:"processed" json:"processed"`
	ReceivedVia           ReceivedVia `db:"received_via" json:"received_via"`
	ReceivedAt            time.Time   `db:"received_at" json:"received_at"`
	EventTimestamp        *time.Time  `db:"event_timestamp" json:"event_timestamp,omitempty"`
	CreatedAt             time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time   `db:"updated_at" json:"updated_at"`
}

// IntegrationAccount is a connected telephony provider account.
type IntegrationAccount struct {
	ID                   uuid.UUID   `db:"id" json:"id"`
	UserID               uuid.UUID   `db:"user_id" json:"user_id"`
	Provider             string      `db:"provider" json:"provider"`
	EncryptedCredentials string      `db:"encrypted_credentials" json:"-"`
	Capabilities         StringArray `db:"capabilities" json:"capabilities"`
	WebhookToken         string      `db:"webhook_token" json:"-"`
	PollCheckpoint       *string     `db:"poll_checkpoint" json:"-"`
	IsActive             bool        `db:"is_active" json:"is_active"`
	CreatedAt            time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time   `db:"updated_at" json:"updated_at"`
}

// SyncStatus is the per-integration health row mutated by both ingestion
// paths.
type SyncStatus struct {
	ID                     uuid.UUID     `db:"id" json:"id"`
	IntegrationID          uuid.UUID     `db:"integration_id" json:"integration_id"`
	WebhookEnabled         bool          `db:"webhook_enabled" json:"webhook_enabled"`
	PollingEnabled         bool          `db:"polling_enabled" json:"polling_enabled"`
	LastWebhookReceivedAt  *time.Time    `db:"last_webhook_received_at" json:"last_webhook_received_at,omitempty"`
	WebhookFailureCount    int           `db:"webhook_failure_count" json:"webhook_failure_count"`
	WebhookHealthStatus    ChannelHealth `db:"webhook_health_status" json:"webhook_health_status"`
	LastPollAt             *time.Time    `db:"last_poll_at" json:"last_poll_at,omitempty"`
	LastSuccessfulPollAt   *time.Time    `db:"last_successful_poll_at" json:"last_successful_poll_at,omitempty"`
	PollingFailureCount    int           `db:"polling_failure_count" json:"polling_failure_count"`
	PollingHealthStatus    ChannelHealth `db:"polling_health_status" json:"polling_health_status"`
	OverallHealth          OverallHealth `db:"overall_health" json:"overall_health"`
	SyncConfidence         float64       `db:"sync_confidence_percentage" json:"sync_confidence_percentage"`
	ConsecutiveErrorCount  int           `db:"consecutive_error_count" json:"consecutive_error_count"`
	LastErrorMessage       *string       `db:"last_error_message" json:"last_error_message,omitempty"`
	LastErrorAt            *time.Time    `db:"last_error_at" json:"last_error_at,omitempty"`
	RetryCount             int           `db:"retry_count" json:"retry_count"`
	NextRetryAt            *time.Time    `db:"next_retry_at" json:"next_retry_at,omitempty"`
	BackoffSeconds         int           `db:"backoff_seconds" json:"backoff_seconds"`
	TotalEventsSynced      int64         `db:"total_events_synced" json:"total_events_synced"`
	LastSyncDurationMs     *int64        `db:"last_sync_duration_ms" json:"last_sync_duration_ms,omitempty"`
	AverageSyncDurationMs  *int64        `db:"average_sync_duration_ms" json:"average_sync_duration_ms,omitempty"`
	WebhookSuccessesWindow int           `db:"webhook_successes_window" json:"-"`
	WebhookAttemptsWindow  int           `db:"webhook_attempts_window" json:"-"`
	PollingSuccessesWindow int           `db:"polling_successes_window" json:"-"`
	PollingAttemptsWindow  int           `db:"polling_attempts_window" json:"-"`
	UpdatedAt              time.Time     `db:"updated_at" json:"updated_at"`
}

// WebhookDeliveryLog is one append-only audit row per inbound webhook call.
type WebhookDeliveryLog struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	IntegrationID    *uuid.UUID `db:"integration_id" json:"integration_id,omitempty"`
	Provider         string     `db:"provider" json:"provider"`
	RequestMethod    string     `db:"request_method" json:"request_method"`
	ResponseStatus   int        `db:"response_status" json:"response_status"`
	ErrorMessage     *string    `db:"error_message" json:"error_message,omitempty"`
	ProcessingTimeMs int64      `db:"processing_time_ms" json:"processing_time_ms"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
}
