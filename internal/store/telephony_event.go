package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UpsertTelephonyEventParams represents parameters for upserting a telephony event
type UpsertTelephonyEventParams struct {
	IntegrationID         uuid.UUID
	Provider              string
	ProviderEventID       string
	EventType             EventType
	ParentProviderEventID *string
	Direction             *Direction
	Status                EventStatus
	FromNumber            *string
	ToNumber              *string
	StartedAt             *time.Time
	EndedAt               *time.Time
	EndedReason           *string
	DurationSeconds       *int
	CostAmount            *float64
	CostCurrency          *string
	RawPayload            JSONB
	Processed             bool
	ReceivedVia           ReceivedVia
	EventTimestamp        *time.Time
}

// statusRankSQL mirrors StatusRank in models.go. The ladder lives in the
// statement itself so the merge is a single atomic conditional write; the
// webhook and poll paths race on the same (provider, provider_event_id) and a
// read-then-write here would lose updates.
const statusRankSQL = `(CASE %s
	WHEN 'started' THEN 1 WHEN 'sent' THEN 1
	WHEN 'ringing' THEN 2
	WHEN 'answered' THEN 3
	WHEN 'ended' THEN 4 WHEN 'delivered' THEN 4 WHEN 'failed' THEN 4
	ELSE 0 END)`

var sqlUpsertTelephonyEvent = fmt.Sprintf(`
INSERT INTO telephony_events (
	integration_id, provider, provider_event_id, event_type,
	parent_provider_event_id, direction, status, from_number, to_number,
	started_at, ended_at, ended_reason, duration_seconds,
	cost_amount, cost_currency, raw_payload, processed,
	received_via, received_at, event_timestamp
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, CURRENT_TIMESTAMP, $19)
ON CONFLICT (provider, provider_event_id) DO UPDATE SET
	event_type = CASE WHEN `+statusRankSQL+` > `+statusRankSQL+`
		THEN EXCLUDED.event_type ELSE telephony_events.event_type END,
	status = CASE WHEN `+statusRankSQL+` > `+statusRankSQL+`
		THEN EXCLUDED.status ELSE telephony_events.status END,
	parent_provider_event_id = COALESCE(EXCLUDED.parent_provider_event_id, telephony_events.parent_provider_event_id),
	direction = COALESCE(EXCLUDED.direction, telephony_events.direction),
	from_number = COALESCE(EXCLUDED.from_number, telephony_events.from_number),
	to_number = COALESCE(EXCLUDED.to_number, telephony_events.to_number),
	started_at = COALESCE(EXCLUDED.started_at, telephony_events.started_at),
	ended_at = COALESCE(EXCLUDED.ended_at, telephony_events.ended_at),
	ended_reason = COALESCE(EXCLUDED.ended_reason, telephony_events.ended_reason),
	duration_seconds = COALESCE(EXCLUDED.duration_seconds, telephony_events.duration_seconds),
	cost_amount = COALESCE(EXCLUDED.cost_amount, telephony_events.cost_amount),
	cost_currency = COALESCE(EXCLUDED.cost_currency, telephony_events.cost_currency),
	raw_payload = COALESCE(EXCLUDED.raw_payload, telephony_events.raw_payload),
	processed = telephony_events.processed OR EXCLUDED.processed,
	received_via = EXCLUDED.received_via,
	received_at = EXCLUDED.received_at,
	event_timestamp = COALESCE(EXCLUDED.event_timestamp, telephony_events.event_timestamp),
	updated_at = CURRENT_TIMESTAMP
RETURNING id, integration_id, provider, provider_event_id, event_type, parent_event_id,
	parent_provider_event_id, direction, status, from_number, to_number, started_at, ended_at,
	ended_reason, duration_seconds, cost_amount, cost_currency, raw_payload, processed,
	received_via, received_at, event_timestamp, created_at, updated_at,
	(xmax = 0) AS inserted
`,
	"EXCLUDED.status", "telephony_events.status",
	"EXCLUDED.status", "telephony_events.status")

type upsertedTelephonyEvent struct {
	TelephonyEvent
	Inserted bool `db:"inserted"`
}

// UpsertTelephonyEvent inserts a new canonical event or merges a duplicate
// delivery into the existing row. The returned bool is true when a genuinely
// new logical event was created, false when the delivery merged into an
// existing one.
func (s *Store) UpsertTelephonyEvent(ctx context.Context, params UpsertTelephonyEventParams) (TelephonyEvent, bool, error) {
	var row upsertedTelephonyEvent
	err := s.db.GetContext(ctx, &row, sqlUpsertTelephonyEvent,
		params.IntegrationID,
		params.Provider,
		params.ProviderEventID,
		params.EventType,
		params.ParentProviderEventID,
		params.Direction,
		params.Status,
		params.FromNumber,
		params.ToNumber,
		params.StartedAt,
		params.EndedAt,
		params.EndedReason,
		params.DurationSeconds,
		params.CostAmount,
		params.CostCurrency,
		params.RawPayload,
		params.Processed,
		params.ReceivedVia,
		params.EventTimestamp)
	if err != nil {
		s.logger.Error(ctx, "failed to upsert telephony event", err)
		return TelephonyEvent{}, false, fmt.Errorf("failed to upsert telephony event: %w", err)
	}
	return row.TelephonyEvent, row.Inserted, nil
}

const sqlLinkEventToParent = `
UPDATE telephony_events c
SET parent_event_id = p.id,
    updated_at = CURRENT_TIMESTAMP
FROM telephony_events p
WHERE c.id = $1
  AND c.parent_event_id IS NULL
  AND c.parent_provider_event_id IS NOT NULL
  AND p.provider = c.provider
  AND p.integration_id = c.integration_id
  AND p.provider_event_id = c.parent_provider_event_id
`

const sqlLinkWaitingChildren = `
UPDATE telephony_events c
SET parent_event_id = $1,
    updated_at = CURRENT_TIMESTAMP
WHERE c.parent_event_id IS NULL
  AND c.parent_provider_event_id = $2
  AND c.provider = $3
  AND c.integration_id = $4
  AND c.id <> $1
`

// ResolveEventLinks connects the given event into its thread in both
// directions: it links the event to an already-stored parent, and links any
// children that arrived before this event and are still waiting on it. Safe
// to call repeatedly; linkage only applies within one integration.
func (s *Store) ResolveEventLinks(ctx context.Context, event TelephonyEvent) error {
	if event.ParentProviderEventID != nil && event.ParentEventID == nil {
		if _, err := s.db.ExecContext(ctx, sqlLinkEventToParent, event.ID); err != nil {
			s.logger.Error(ctx, "failed to link event to parent", err)
			return fmt.Errorf("failed to link event to parent: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, sqlLinkWaitingChildren,
		event.ID, event.ProviderEventID, event.Provider, event.IntegrationID)
	if err != nil {
		s.logger.Error(ctx, "failed to link waiting children", err)
		return fmt.Errorf("failed to link waiting children: %w", err)
	}
	return nil
}

const telephonyEventColumns = `id, integration_id, provider, provider_event_id, event_type, parent_event_id,
	parent_provider_event_id, direction, status, from_number, to_number, started_at, ended_at,
	ended_reason, duration_seconds, cost_amount, cost_currency, raw_payload, processed,
	received_via, received_at, event_timestamp, created_at, updated_at`

const sqlGetTelephonyEventByID = `
SELECT ` + telephonyEventColumns + `
FROM telephony_events
WHERE id = $1
`

// GetTelephonyEventByID retrieves an event by its internal ID
func (s *Store) GetTelephonyEventByID(ctx context.Context, eventID uuid.UUID) (TelephonyEvent, error) {
	var event TelephonyEvent
	err := s.db.GetContext(ctx, &event, sqlGetTelephonyEventByID, eventID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TelephonyEvent{}, ErrNotFound
		}
		s.logger.Error(ctx, "failed to get telephony event", err)
		return TelephonyEvent{}, fmt.Errorf("failed to get telephony event: %w", err)
	}
	return event, nil
}

const sqlGetTelephonyEventByProviderEventID = `
SELECT ` + telephonyEventColumns + `
FROM telephony_events
WHERE provider = $1 AND provider_event_id = $2
`

// GetTelephonyEventByProviderEventID retrieves an event by its idempotency key
func (s *Store) GetTelephonyEventByProviderEventID(ctx context.Context, provider, providerEventID string) (TelephonyEvent, error) {
	var event TelephonyEvent
	err := s.db.GetContext(ctx, &event, sqlGetTelephonyEventByProviderEventID, provider, providerEventID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TelephonyEvent{}, ErrNotFound
		}
		s.logger.Error(ctx, "failed to get telephony event by provider event id", err)
		return TelephonyEvent{}, fmt.Errorf("failed to get telephony event by provider event id: %w", err)
	}
	return event, nil
}

const sqlListChildEvents = `
SELECT ` + telephonyEventColumns + `
FROM telephony_events
WHERE parent_event_id = $1
ORDER BY received_at ASC
`

// GetEventThread returns the thread containing the given event: the root
// first, followed by its child legs in arrival order. Threads are resolved by
// pointer lookup on the flat store, never by nesting.
func (s *Store) GetEventThread(ctx context.Context, eventID uuid.UUID) ([]TelephonyEvent, error) {
	event, err := s.GetTelephonyEventByID(ctx, eventID)
	if err != nil {
		return nil, err
	}

	// Walk up to the root. Legs normally point straight at the root; the hop
	// bound guards against pathological data.
	root := event
	for hops := 0; root.ParentEventID != nil && hops < 10; hops++ {
		parent, err := s.GetTelephonyEventByID(ctx, *root.ParentEventID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				break
			}
			return nil, err
		}
		root = parent
	}

	var children []TelephonyEvent
	if err := s.db.SelectContext(ctx, &children, sqlListChildEvents, root.ID); err != nil {
		s.logger.Error(ctx, "failed to list child events", err)
		return nil, fmt.Errorf("failed to list child events: %w", err)
	}

	thread := make([]TelephonyEvent, 0, len(children)+1)
	thread = append(thread, root)
	thread = append(thread, children...)
	return thread, nil
}

const sqlListTelephonyEvents = `
SELECT ` + telephonyEventColumns + `
FROM telephony_events
WHERE integration_id = $1
  AND ($2::timestamptz IS NULL OR received_at >= $2)
  AND ($3::timestamptz IS NULL OR received_at < $3)
ORDER BY received_at DESC
LIMIT $4 OFFSET $5
`

// ListTelephonyEventsParams represents filters for listing events
type ListTelephonyEventsParams struct {
	IntegrationID uuid.UUID
	Since         *time.Time
	Until         *time.Time
	Limit         int
	Offset        int
}

// ListTelephonyEvents retrieves events for an integration with pagination
func (s *Store) ListTelephonyEvents(ctx context.Context, params ListTelephonyEventsParams) ([]TelephonyEvent, error) {
	if params.Limit <= 0 {
		params.Limit = 100
	}
	var events []TelephonyEvent
	err := s.db.SelectContext(ctx, &events, sqlListTelephonyEvents,
		params.IntegrationID, params.Since, params.Until, params.Limit, params.Offset)
	if err != nil {
		s.logger.Error(ctx, "failed to list telephony events", err)
		return nil, fmt.Errorf("failed to list telephony events: %w", err)
	}
	return events, nil
}

const sqlListUnprocessedEvents = `
SELECT ` + telephonyEventColumns + `
FROM telephony_events
WHERE integration_id = $1 AND processed = FALSE
ORDER BY received_at DESC
LIMIT $2
`

// ListUnprocessedEvents retrieves raw payloads that failed normalization and
// are waiting for a mapping fix
func (s *Store) ListUnprocessedEvents(ctx context.Context, integrationID uuid.UUID, limit int) ([]TelephonyEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var events []TelephonyEvent
	err := s.db.SelectContext(ctx, &events, sqlListUnprocessedEvents, integrationID, limit)
	if err != nil {
		s.logger.Error(ctx, "failed to list unprocessed events", err)
		return nil, fmt.Errorf("failed to list unprocessed events: %w", err)
	}
	return events, nil
}
