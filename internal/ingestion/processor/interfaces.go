package processor

import (
	"context"

	"telesync/internal/store"
)

// EventStore defines the database operations required by the Processor.
type EventStore interface {
	UpsertTelephonyEvent(ctx context.Context, params store.UpsertTelephonyEventParams) (store.TelephonyEvent, bool, error)
	ResolveEventLinks(ctx context.Context, event store.TelephonyEvent) error
}

// Dispatcher queues deferred downstream work for a genuinely new event so
// ingestion never blocks on it.
type Dispatcher interface {
	DispatchEventCreated(ctx context.Context, event store.TelephonyEvent) error
}
