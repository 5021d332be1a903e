// Package dispatch carries deferred ingestion work: delivery-log appends and
// new-event notifications run on a worker pool so the webhook response path
// never waits on them.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"telesync/internal/observability"
	"telesync/internal/store"
	"telesync/internal/workers"

	"github.com/google/uuid"
)

// EventCreatedChannel is the pub/sub channel new events are announced on.
const EventCreatedChannel = "telesync:events:created"

// DeliveryLogStore persists webhook delivery audit rows.
type DeliveryLogStore interface {
	CreateWebhookDeliveryLog(ctx context.Context, params store.CreateWebhookDeliveryLogParams) (store.WebhookDeliveryLog, error)
}

// Publisher announces new events to downstream consumers. May be a nil
// *redis.Client; a disabled publisher drops announcements.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Queue submits deferred tasks to the worker pool. It satisfies the ingestion
// processor's Dispatcher interface.
type Queue struct {
	pool   workers.WorkerPool
	logger *observability.Logger
}

// NewQueue creates a dispatch queue over a started worker pool.
func NewQueue(pool workers.WorkerPool, logger *observability.Logger) *Queue {
	return &Queue{pool: pool, logger: logger}
}

// DispatchEventCreated queues a notification for a genuinely new event.
func (q *Queue) DispatchEventCreated(ctx context.Context, event store.TelephonyEvent) error {
	task := workers.Task{
		ID:            uuid.New(),
		Kind:          workers.TaskKindEventCreated,
		IntegrationID: event.IntegrationID,
		EventID:       event.ID,
		Provider:      event.Provider,
		Payload: map[string]interface{}{
			"event_type": string(event.EventType),
			"status":     string(event.Status),
		},
		EnqueuedAt: time.Now().UTC(),
	}
	return q.pool.Submit(ctx, task)
}

// LogDelivery queues a delivery-log append for one inbound webhook call.
func (q *Queue) LogDelivery(ctx context.Context, params store.CreateWebhookDeliveryLogParams) error {
	payload := map[string]interface{}{
		"request_method":     params.RequestMethod,
		"response_status":    params.ResponseStatus,
		"processing_time_ms": params.ProcessingTimeMs,
	}
	if params.ErrorMessage != nil {
		payload["error_message"] = *params.ErrorMessage
	}
	task := workers.Task{
		ID:         uuid.New(),
		Kind:       workers.TaskKindDeliveryLog,
		Provider:   params.Provider,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}
	if params.IntegrationID != nil {
		task.IntegrationID = *params.IntegrationID
	}
	return q.pool.Submit(ctx, task)
}

// Handler processes dispatch tasks. It implements workers.TaskProcessor.
type Handler struct {
	deliveryLogs DeliveryLogStore
	publisher    Publisher
	logger       *observability.Logger
}

// NewHandler creates the dispatch task handler. publisher may be nil.
func NewHandler(deliveryLogs DeliveryLogStore, publisher Publisher, logger *observability.Logger) *Handler {
	return &Handler{deliveryLogs: deliveryLogs, publisher: publisher, logger: logger}
}

func (h *Handler) Name() string {
	return "dispatch"
}

// Process routes one task by kind.
func (h *Handler) Process(ctx context.Context, task workers.Task) error {
	switch task.Kind {
	case workers.TaskKindDeliveryLog:
		return h.appendDeliveryLog(ctx, task)
	case workers.TaskKindEventCreated:
		return h.announceEvent(ctx, task)
	default:
		return fmt.Errorf("unknown dispatch task kind %q", task.Kind)
	}
}

func (h *Handler) appendDeliveryLog(ctx context.Context, task workers.Task) error {
	params := store.CreateWebhookDeliveryLogParams{
		Provider:         task.Provider,
		RequestMethod:    stringField(task.Payload, "request_method"),
		ResponseStatus:   intField(task.Payload, "response_status"),
		ProcessingTimeMs: int64(intField(task.Payload, "processing_time_ms")),
	}
	if task.IntegrationID != uuid.Nil {
		id := task.IntegrationID
		params.IntegrationID = &id
	}
	if msg := stringField(task.Payload, "error_message"); msg != "" {
		params.ErrorMessage = &msg
	}
	if _, err := h.deliveryLogs.CreateWebhookDeliveryLog(ctx, params); err != nil {
		return fmt.Errorf("failed to append delivery log: %w", err)
	}
	return nil
}

func (h *Handler) announceEvent(ctx context.Context, task workers.Task) error {
	if h.publisher == nil {
		return nil
	}
	msg, err := json.Marshal(map[string]interface{}{
		"event_id":       task.EventID,
		"integration_id": task.IntegrationID,
		"provider":       task.Provider,
		"event_type":     stringField(task.Payload, "event_type"),
		"status":         stringField(task.Payload, "status"),
		"enqueued_at":    task.EnqueuedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event announcement: %w", err)
	}
	if err := h.publisher.Publish(ctx, EventCreatedChannel, msg); err != nil {
		return fmt.Errorf("failed to announce event: %w", err)
	}
	return nil
}

func stringField(payload map[string]interface{}, key string) string {
	if payload == nil {
		return ""
	}
	if s, ok := payload[key].(string); ok {
		return s
	}
	return ""
}

func intField(payload map[string]interface{}, key string) int {
	if payload == nil {
		return 0
	}
	switch v := payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
