package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"telesync/internal/observability"
	"telesync/internal/store"
	"telesync/internal/workers"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDeliveryLogStore struct {
	mu   sync.Mutex
	rows []store.CreateWebhookDeliveryLogParams
}

func (f *fakeDeliveryLogStore) CreateWebhookDeliveryLog(_ context.Context, params store.CreateWebhookDeliveryLogParams) (store.WebhookDeliveryLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, params)
	return store.WebhookDeliveryLog{ID: uuid.New(), Provider: params.Provider}, nil
}

type fakePublisher struct {
	mu       sync.Mutex
	messages map[string][][]byte
}

func (f *fakePublisher) Publish(_ context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.messages == nil {
		f.messages = make(map[string][][]byte)
	}
	f.messages[channel] = append(f.messages[channel], payload)
	return nil
}

func TestHandler_AppendsDeliveryLog(t *testing.T) {
	logs := &fakeDeliveryLogStore{}
	handler := NewHandler(logs, nil, observability.NewLogger())
	integrationID := uuid.New()
	errMsg := "unknown token"

	task := workers.Task{
		ID:            uuid.New(),
		Kind:          workers.TaskKindDeliveryLog,
		IntegrationID: integrationID,
		Provider:      "twilio",
		Payload: map[string]interface{}{
			"request_method":     "POST",
			"response_status":    404,
			"processing_time_ms": int64(12),
			"error_message":      errMsg,
		},
	}
	require.NoError(t, handler.Process(context.Background(), task))

	require.Len(t, logs.rows, 1)
	row := logs.rows[0]
	assert.Equal(t, "twilio", row.Provider)
	assert.Equal(t, "POST", row.RequestMethod)
	assert.Equal(t, 404, row.ResponseStatus)
	assert.Equal(t, int64(12), row.ProcessingTimeMs)
	require.NotNil(t, row.IntegrationID)
	assert.Equal(t, integrationID, *row.IntegrationID)
	require.NotNil(t, row.ErrorMessage)
	assert.Equal(t, errMsg, *row.ErrorMessage)
}

func TestHandler_DeliveryLogWithoutIntegration(t *testing.T) {
	logs := &fakeDeliveryLogStore{}
	handler := NewHandler(logs, nil, observability.NewLogger())

	task := workers.Task{
		ID:       uuid.New(),
		Kind:     workers.TaskKindDeliveryLog,
		Provider: "telnyx",
		Payload: map[string]interface{}{
			"request_method":  "POST",
			"response_status": 404,
		},
	}
	require.NoError(t, handler.Process(context.Background(), task))
	require.Len(t, logs.rows, 1)
	assert.Nil(t, logs.rows[0].IntegrationID)
}

func TestHandler_AnnouncesNewEvent(t *testing.T) {
	pub := &fakePublisher{}
	handler := NewHandler(&fakeDeliveryLogStore{}, pub, observability.NewLogger())
	eventID := uuid.New()

	task := workers.Task{
		ID:       uuid.New(),
		Kind:     workers.TaskKindEventCreated,
		EventID:  eventID,
		Provider: "vonage",
		Payload: map[string]interface{}{
			"event_type": "call.ended",
			"status":     "ended",
		},
	}
	require.NoError(t, handler.Process(context.Background(), task))

	msgs := pub.messages[EventCreatedChannel]
	require.Len(t, msgs, 1)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(msgs[0], &decoded))
	assert.Equal(t, eventID.String(), decoded["event_id"])
	assert.Equal(t, "call.ended", decoded["event_type"])
}

func TestHandler_NilPublisherDropsAnnouncement(t *testing.T) {
	handler := NewHandler(&fakeDeliveryLogStore{}, nil, observability.NewLogger())
	task := workers.Task{Kind: workers.TaskKindEventCreated, EventID: uuid.New()}
	require.NoError(t, handler.Process(context.Background(), task))
}

func TestHandler_UnknownKindRejected(t *testing.T) {
	handler := NewHandler(&fakeDeliveryLogStore{}, nil, observability.NewLogger())
	err := handler.Process(context.Background(), workers.Task{Kind: "mystery"})
	require.Error(t, err)
}

func TestQueue_RoundTripThroughPool(t *testing.T) {
	logs := &fakeDeliveryLogStore{}
	pub := &fakePublisher{}
	logger := observability.NewLogger()
	handler := NewHandler(logs, pub, logger)
	pool := workers.NewPool(workers.PoolConfig{NumWorkers: 2}, handler, logger)
	ctx := context.Background()
	require.NoError(t, pool.Start(ctx))

	queue := NewQueue(pool, logger)
	integrationID := uuid.New()

	event := store.TelephonyEvent{
		ID:            uuid.New(),
		IntegrationID: integrationID,
		Provider:      "twilio",
		EventType:     store.EventTypeCallStarted,
		Status:        store.StatusStarted,
	}
	require.NoError(t, queue.DispatchEventCreated(ctx, event))
	require.NoError(t, queue.LogDelivery(ctx, store.CreateWebhookDeliveryLogParams{
		IntegrationID:    &integrationID,
		Provider:         "twilio",
		RequestMethod:    "POST",
		ResponseStatus:   200,
		ProcessingTimeMs: 8,
	}))

	require.NoError(t, pool.Drain(ctx))
	assert.Len(t, logs.rows, 1)
	assert.Len(t, pub.messages[EventCreatedChannel], 1)
}
