package processor

import (
	"context"
	"errors"
	"fmt"

	"telesync/internal/ingestion"
	"telesync/internal/ingestion/normalizer"
	"telesync/internal/observability"
	"telesync/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const pgUniqueViolation = "23505"

// Processor is the shared ingestion pipeline: normalize a provider payload,
// merge it into the event store, and resolve thread links. Both the webhook
// receiver and the poll reconciler feed it; they may race on the same
// provider event because the underlying upsert is atomic.
type Processor struct {
	eventStore EventStore
	registry   *normalizer.Registry
	dispatcher Dispatcher
	logger     *observability.Logger
}

// New creates an ingestion processor. dispatcher may be nil when deferred
// dispatch is not wired (tests, one-off backfills).
func New(eventStore EventStore, registry *normalizer.Registry, dispatcher Dispatcher, logger *observability.Logger) *Processor {
	return &Processor{
		eventStore: eventStore,
		registry:   registry,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Result reports what one delivery did to the store.
type Result struct {
	Event store.TelephonyEvent
	// Created is true for a genuinely new logical event, false for a merge.
	// Callers use it to avoid double-counting and double-notifying.
	Created bool
	// Unprocessed is true when the payload was persisted raw because its
	// shape was not recognized. The channel itself still delivered
	// successfully.
	Unprocessed bool
}

// Ingest runs one provider payload through normalize → upsert → link.
func (p *Processor) Ingest(ctx context.Context, account store.IntegrationAccount, payload []byte, via store.ReceivedVia) (Result, error) {
	ctx = observability.WithFields(ctx,
		observability.Field{Key: "integration_id", Value: account.ID},
		observability.Field{Key: "provider", Value: account.Provider},
		observability.Field{Key: "received_via", Value: via},
	)

	norm, ok := p.registry.Get(account.Provider)
	if !ok {
		return Result{}, fmt.Errorf("no normalizer registered for provider %q", account.Provider)
	}

	event, normErr := norm.Normalize(payload)
	processed := normErr == nil
	if normErr != nil {
		var unrecognized *normalizer.UnrecognizedEventError
		var malformed *normalizer.MalformedPayloadError
		switch {
		case errors.As(normErr, &unrecognized):
			event = unrecognized.Partial
			p.logger.Warn(ctx, fmt.Sprintf("unrecognized %s event persisted unprocessed: %v", account.Provider, normErr))
		case errors.As(normErr, &malformed):
			event = normalizer.NormalizedEvent{Raw: store.JSONB{"_raw": string(payload)}}
			p.logger.Warn(ctx, fmt.Sprintf("malformed %s payload persisted unprocessed: %v", account.Provider, normErr))
		default:
			return Result{}, fmt.Errorf("failed to normalize payload: %w", normErr)
		}
	}

	// Nothing is dropped: a payload without an extractable id still gets a
	// synthetic one so the raw bytes are retained for later reprocessing.
	if event.ProviderEventID == "" {
		event.ProviderEventID = "unprocessed-" + uuid.New().String()
	}

	stored, created, err := p.eventStore.UpsertTelephonyEvent(ctx, upsertParams(account, event, via, processed))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			// The ON CONFLICT clause should have absorbed this; reaching here
			// means the dedup guarantee is broken.
			p.logger.Error(observability.WithFields(ctx, observability.Field{Key: "system_alert", Value: true}),
				"atomic upsert leaked a unique violation", err)
			return Result{}, fmt.Errorf("%w: %v", ingestion.ErrIdempotencyConflict, err)
		}
		return Result{}, fmt.Errorf("failed to store event: %w", err)
	}

	if err := p.eventStore.ResolveEventLinks(ctx, stored); err != nil {
		// Linkage is retried on the next delivery for the thread; the event
		// itself is durable.
		p.logger.Error(ctx, "failed to resolve event links", err)
	}

	if created && p.dispatcher != nil && processed {
		if err := p.dispatcher.DispatchEventCreated(ctx, stored); err != nil {
			p.logger.Error(ctx, "failed to dispatch new event", err)
		}
	}

	return Result{Event: stored, Created: created, Unprocessed: !processed}, nil
}

func upsertParams(account store.IntegrationAccount, event normalizer.NormalizedEvent, via store.ReceivedVia, processed bool) store.UpsertTelephonyEventParams {
	return store.UpsertTelephonyEventParams{
		IntegrationID:         account.ID,
		Provider:              account.Provider,
		ProviderEventID:       event.ProviderEventID,
		EventType:             event.EventType,
		ParentProviderEventID: event.ParentProviderEventID,
		Direction:             event.Direction,
		Status:                event.Status,
		FromNumber:            event.FromNumber,
		ToNumber:              event.ToNumber,
		StartedAt:             event.StartedAt,
		EndedAt:               event.EndedAt,
		EndedReason:           event.EndedReason,
		DurationSeconds:       event.DurationSeconds,
		CostAmount:            event.CostAmount,
		CostCurrency:          event.CostCurrency,
		RawPayload:            event.Raw,
		Processed:             processed,
		ReceivedVia:           via,
		EventTimestamp:        event.EventTimestamp,
	}
}
