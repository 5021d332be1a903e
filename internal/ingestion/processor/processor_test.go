package processor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"telesync/internal/ingestion/normalizer"
	"telesync/internal/observability"
	"telesync/internal/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryEventStore mirrors the merge semantics of the SQL upsert: last
// non-null wins per field, status only advances, links resolved by pointer
// lookup.
type memoryEventStore struct {
	mu     sync.Mutex
	byKey  map[string]*store.TelephonyEvent
	byID   map[uuid.UUID]*store.TelephonyEvent
	events []*store.TelephonyEvent
}

func newMemoryEventStore() *memoryEventStore {
	return &memoryEventStore{
		byKey: make(map[string]*store.TelephonyEvent),
		byID:  make(map[uuid.UUID]*store.TelephonyEvent),
	}
}

func key(provider, providerEventID string) string {
	return provider + "|" + providerEventID
}

func (m *memoryEventStore) UpsertTelephonyEvent(_ context.Context, params store.UpsertTelephonyEventParams) (store.TelephonyEvent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	existing, ok := m.byKey[key(params.Provider, params.ProviderEventID)]
	if !ok {
		event := &store.TelephonyEvent{
			ID:                    uuid.New(),
			IntegrationID:         params.IntegrationID,
			Provider:              params.Provider,
			ProviderEventID:       params.ProviderEventID,
			EventType:             params.EventType,
			ParentProviderEventID: params.ParentProviderEventID,
			Direction:             params.Direction,
			Status:                params.Status,
			FromNumber:            params.FromNumber,
			ToNumber:              params.ToNumber,
			StartedAt:             params.StartedAt,
			EndedAt:               params.EndedAt,
			EndedReason:           params.EndedReason,
			DurationSeconds:       params.DurationSeconds,
			CostAmount:            params.CostAmount,
			CostCurrency:          params.CostCurrency,
			RawPayload:            params.RawPayload,
			Processed:             params.Processed,
			ReceivedVia:           params.ReceivedVia,
			ReceivedAt:            now,
			EventTimestamp:        params.EventTimestamp,
			CreatedAt:             now,
			UpdatedAt:             now,
		}
		m.byKey[key(params.Provider, params.ProviderEventID)] = event
		m.byID[event.ID] = event
		m.events = append(m.events, event)
		return *event, true, nil
	}

	if store.StatusRank(params.Status) > store.StatusRank(existing.Status) {
		existing.Status = params.Status
		existing.EventType = params.EventType
	}
	if params.ParentProviderEventID != nil {
		existing.ParentProviderEventID = params.ParentProviderEventID
	}
	if params.Direction != nil {
		existing.Direction = params.Direction
	}
	if params.FromNumber != nil {
		existing.FromNumber = params.FromNumber
	}
	if params.ToNumber != nil {
		existing.ToNumber = params.ToNumber
	}
	if params.StartedAt != nil {
		existing.StartedAt = params.StartedAt
	}
	if params.EndedAt != nil {
		existing.EndedAt = params.EndedAt
	}
	if params.EndedReason != nil {
		existing.EndedReason = params.EndedReason
	}
	if params.DurationSeconds != nil {
		existing.DurationSeconds = params.DurationSeconds
	}
	if params.CostAmount != nil {
		existing.CostAmount = params.CostAmount
	}
	if params.CostCurrency != nil {
		existing.CostCurrency = params.CostCurrency
	}
	if params.RawPayload != nil {
		existing.RawPayload = params.RawPayload
	}
	if params.EventTimestamp != nil {
		existing.EventTimestamp = params.EventTimestamp
	}
	existing.Processed = existing.Processed || params.Processed
	existing.ReceivedVia = params.ReceivedVia
	existing.ReceivedAt = now
	existing.UpdatedAt = now
	return *existing, false, nil
}

func (m *memoryEventStore) ResolveEventLinks(_ context.Context, event store.TelephonyEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := m.byID[event.ID]
	if stored == nil {
		return store.ErrNotFound
	}

	// Link this event up to an already-present parent.
	if stored.ParentEventID == nil && stored.ParentProviderEventID != nil {
		if parent, ok := m.byKey[key(stored.Provider, *stored.ParentProviderEventID)]; ok && parent.IntegrationID == stored.IntegrationID {
			id := parent.ID
			stored.ParentEventID = &id
		}
	}

	// Link children that arrived first and are waiting on this event.
	for _, child := range m.events {
		if child.ID == stored.ID || child.ParentEventID != nil || child.ParentProviderEventID == nil {
			continue
		}
		if child.Provider == stored.Provider &&
			child.IntegrationID == stored.IntegrationID &&
			*child.ParentProviderEventID == stored.ProviderEventID {
			id := stored.ID
			child.ParentEventID = &id
		}
	}
	return nil
}

func (m *memoryEventStore) get(provider, providerEventID string) *store.TelephonyEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byKey[key(provider, providerEventID)]
}

func (m *memoryEventStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []store.TelephonyEvent
}

func (d *recordingDispatcher) DispatchEventCreated(_ context.Context, event store.TelephonyEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	return nil
}

func telnyxAccount() store.IntegrationAccount {
	return store.IntegrationAccount{
		ID:       uuid.New(),
		UserID:   uuid.New(),
		Provider: "telnyx",
		IsActive: true,
	}
}

func newTestProcessor(eventStore EventStore, dispatcher Dispatcher) *Processor {
	return New(eventStore, normalizer.DefaultRegistry(), dispatcher, observability.NewLogger())
}

func telnyxCallPayload(legID, sessionID, eventType string, extra string) []byte {
	return []byte(fmt.Sprintf(`{
		"data": {
			"id": "evt_%s_%s",
			"event_type": "%s",
			"payload": {"call_leg_id": "%s", "call_session_id": "%s"%s}
		}
	}`, legID, eventType, eventType, legID, sessionID, extra))
}

func TestIngest_IdempotentAcrossRepeatedDeliveries(t *testing.T) {
	eventStore := newMemoryEventStore()
	dispatcher := &recordingDispatcher{}
	proc := newTestProcessor(eventStore, dispatcher)
	account := telnyxAccount()
	ctx := context.Background()

	payload := telnyxCallPayload("leg_a", "sess_a", "call.answered", `, "from": "+1555", "start_time": "2024-05-01T10:00:00Z"`)

	var created, merged int
	for i := 0; i < 5; i++ {
		res, err := proc.Ingest(ctx, account, payload, store.ReceivedViaWebhook)
		require.NoError(t, err)
		if res.Created {
			created++
		} else {
			merged++
		}
	}

	assert.Equal(t, 1, created)
	assert.Equal(t, 4, merged)
	assert.Equal(t, 1, eventStore.count())
	// Only the genuinely new event is dispatched downstream.
	assert.Len(t, dispatcher.events, 1)
}

func TestIngest_StatusNeverRegresses(t *testing.T) {
	eventStore := newMemoryEventStore()
	proc := newTestProcessor(eventStore, nil)
	account := telnyxAccount()
	ctx := context.Background()

	answered := telnyxCallPayload("leg_b", "sess_b", "call.answered", "")
	_, err := proc.Ingest(ctx, account, answered, store.ReceivedViaWebhook)
	require.NoError(t, err)

	// A late ringing delivery still contributes fields but not status.
	ringing := telnyxCallPayload("leg_b", "sess_b", "call.ringing", `, "from": "+15551234567"`)
	res, err := proc.Ingest(ctx, account, ringing, store.ReceivedViaPoll)
	require.NoError(t, err)
	assert.False(t, res.Created)

	stored := eventStore.get("telnyx", "leg_b")
	require.NotNil(t, stored)
	assert.Equal(t, store.StatusAnswered, stored.Status)
	assert.Equal(t, store.EventTypeCallAnswered, stored.EventType)
	require.NotNil(t, stored.FromNumber)
	assert.Equal(t, "+15551234567", *stored.FromNumber)
}

func TestIngest_ChildBeforeParentLinksOnParentArrival(t *testing.T) {
	eventStore := newMemoryEventStore()
	proc := newTestProcessor(eventStore, nil)
	account := telnyxAccount()
	ctx := context.Background()

	// Child leg arrives first, pointing at a session not yet stored.
	child := telnyxCallPayload("leg_child", "sess_root", "call.answered", "")
	res, err := proc.Ingest(ctx, account, child, store.ReceivedViaWebhook)
	require.NoError(t, err)
	assert.Nil(t, res.Event.ParentEventID)

	// Root leg arrives; its leg id matches the session id the child waits on.
	root := telnyxCallPayload("sess_root", "sess_root", "call.initiated", "")
	rootRes, err := proc.Ingest(ctx, account, root, store.ReceivedViaPoll)
	require.NoError(t, err)

	linked := eventStore.get("telnyx", "leg_child")
	require.NotNil(t, linked)
	require.NotNil(t, linked.ParentEventID)
	assert.Equal(t, rootRes.Event.ID, *linked.ParentEventID)
}

func TestIngest_ParentLinkageScopedToIntegration(t *testing.T) {
	eventStore := newMemoryEventStore()
	proc := newTestProcessor(eventStore, nil)
	ctx := context.Background()

	accountA := telnyxAccount()
	accountB := telnyxAccount()

	// Parent stored under account A, child under account B with the same
	// session id: they must not link across integrations.
	_, err := proc.Ingest(ctx, accountA, telnyxCallPayload("sess_x", "sess_x", "call.initiated", ""), store.ReceivedViaWebhook)
	require.NoError(t, err)
	_, err = proc.Ingest(ctx, accountB, telnyxCallPayload("leg_y", "sess_x", "call.answered", ""), store.ReceivedViaWebhook)
	require.NoError(t, err)

	child := eventStore.get("telnyx", "leg_y")
	require.NotNil(t, child)
	assert.Nil(t, child.ParentEventID)
}

func TestIngest_UnrecognizedEventPersistedUnprocessed(t *testing.T) {
	eventStore := newMemoryEventStore()
	dispatcher := &recordingDispatcher{}
	proc := newTestProcessor(eventStore, dispatcher)
	account := telnyxAccount()

	payload := telnyxCallPayload("leg_z", "sess_z", "call.quantum_entangled", "")
	res, err := proc.Ingest(context.Background(), account, payload, store.ReceivedViaWebhook)
	require.NoError(t, err)

	assert.True(t, res.Unprocessed)
	assert.True(t, res.Created)
	stored := eventStore.get("telnyx", "leg_z")
	require.NotNil(t, stored)
	assert.False(t, stored.Processed)
	assert.NotEmpty(t, stored.RawPayload)
	// Unprocessed payloads never notify downstream consumers.
	assert.Empty(t, dispatcher.events)
}

func TestIngest_MalformedPayloadStillPersisted(t *testing.T) {
	eventStore := newMemoryEventStore()
	proc := newTestProcessor(eventStore, nil)
	account := telnyxAccount()

	res, err := proc.Ingest(context.Background(), account, []byte("%%not-json%%"), store.ReceivedViaWebhook)
	require.NoError(t, err)

	assert.True(t, res.Unprocessed)
	assert.Contains(t, res.Event.ProviderEventID, "unprocessed-")
	assert.Equal(t, "%%not-json%%", res.Event.RawPayload["_raw"])
}

func TestIngest_UnknownProviderRejected(t *testing.T) {
	proc := newTestProcessor(newMemoryEventStore(), nil)
	account := store.IntegrationAccount{ID: uuid.New(), Provider: "carrier-pigeon"}

	_, err := proc.Ingest(context.Background(), account, []byte("{}"), store.ReceivedViaWebhook)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no normalizer registered")
}

// Mirrors the double-delivery scenario: telnyx event arrives first via
// webhook as ringing, later via poll as answered with a start time. The
// stored event must end answered with the start time filled and received_via
// reflecting the most recent write.
func TestIngest_WebhookThenPollDoubleDelivery(t *testing.T) {
	eventStore := newMemoryEventStore()
	proc := newTestProcessor(eventStore, nil)
	account := telnyxAccount()
	ctx := context.Background()

	webhook := telnyxCallPayload("evt_123", "sess_123", "call.ringing", "")
	res1, err := proc.Ingest(ctx, account, webhook, store.ReceivedViaWebhook)
	require.NoError(t, err)
	assert.True(t, res1.Created)

	poll := telnyxCallPayload("evt_123", "sess_123", "call.answered", `, "start_time": "2024-05-01T10:00:00Z"`)
	res2, err := proc.Ingest(ctx, account, poll, store.ReceivedViaPoll)
	require.NoError(t, err)
	assert.False(t, res2.Created)

	stored := eventStore.get("telnyx", "evt_123")
	require.NotNil(t, stored)
	assert.Equal(t, store.StatusAnswered, stored.Status)
	require.NotNil(t, stored.StartedAt)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), stored.StartedAt.UTC())
	assert.Equal(t, store.ReceivedViaPoll, stored.ReceivedVia)
	assert.Equal(t, 1, eventStore.count())
}

func TestIngest_ConcurrentDeliveriesProduceOneEvent(t *testing.T) {
	eventStore := newMemoryEventStore()
	proc := newTestProcessor(eventStore, nil)
	account := telnyxAccount()
	payload := telnyxCallPayload("leg_race", "sess_race", "call.answered", "")

	var wg sync.WaitGroup
	createdCount := make(chan bool, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(via store.ReceivedVia) {
			defer wg.Done()
			res, err := proc.Ingest(context.Background(), account, payload, via)
			if err == nil {
				createdCount <- res.Created
			}
		}(map[bool]store.ReceivedVia{true: store.ReceivedViaWebhook, false: store.ReceivedViaPoll}[i%2 == 0])
	}
	wg.Wait()
	close(createdCount)

	created := 0
	for c := range createdCount {
		if c {
			created++
		}
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, eventStore.count())
}
