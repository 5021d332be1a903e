// Package poller reconciles provider history against the event store. Each
// sweep pages through every active integration's recent events and feeds them
// into the same ingestion pipeline webhooks use, so events missed by a
// webhook outage converge back in.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"telesync/internal/config"
	"telesync/internal/credentials"
	"telesync/internal/ingestion"
	"telesync/internal/observability"
	"telesync/internal/store"

	"github.com/google/uuid"
)

const leaseKeyPrefix = "telesync:poll-lease:"

// Reconciler runs poll cycles for all active integrations.
type Reconciler struct {
	cfg       config.PollerConfig
	accounts  AccountStore
	sync      SyncService
	ingestor  Ingestor
	decryptor credentials.Decryptor
	leaser    Leaser
	sources   map[string]EventSource
	logger    *observability.Logger

	// cycleLocks prevents overlapping cycles for one integration inside this
	// process; the redis lease covers other nodes.
	mu         sync.Mutex
	cycleLocks map[uuid.UUID]*sync.Mutex

	now func() time.Time
}

// NewReconciler creates the poll reconciler.
func NewReconciler(
	cfg config.PollerConfig,
	accounts AccountStore,
	syncService SyncService,
	ingestor Ingestor,
	decryptor credentials.Decryptor,
	leaser Leaser,
	sources []EventSource,
	logger *observability.Logger,
) *Reconciler {
	byProvider := make(map[string]EventSource, len(sources))
	for _, s := range sources {
		byProvider[s.Provider()] = s
	}
	return &Reconciler{
		cfg:        cfg,
		accounts:   accounts,
		sync:       syncService,
		ingestor:   ingestor,
		decryptor:  decryptor,
		leaser:     leaser,
		sources:    byProvider,
		logger:     logger,
		cycleLocks: make(map[uuid.UUID]*sync.Mutex),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// RunSweep polls every due integration once, fanning the cycles out in
// parallel. Per-integration failures are recorded against that integration's
// sync status and do not abort the sweep; an infrastructure failure aborts it
// and is returned.
func (r *Reconciler) RunSweep(ctx context.Context) error {
	accounts, err := r.accounts.ListActiveIntegrationAccounts(ctx)
	if err != nil {
		return fmt.Errorf("failed to list integrations for poll sweep: %w", err)
	}

	due, err := r.sync.ListDueForPolling(ctx)
	if err != nil {
		return fmt.Errorf("failed to list integrations due for polling: %w", err)
	}
	dueSet := make(map[uuid.UUID]struct{}, len(due))
	for _, status := range due {
		dueSet[status.IntegrationID] = struct{}{}
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		infraErr error
	)
	for _, account := range accounts {
		if ctx.Err() != nil {
			break
		}
		mu.Lock()
		aborted := infraErr != nil
		mu.Unlock()
		if aborted {
			break
		}
		if _, ok := r.sources[account.Provider]; !ok {
			continue
		}
		if _, ok := dueSet[account.ID]; !ok {
			r.provisionMissingStatus(ctx, account)
			continue
		}
		wg.Add(1)
		go func(account store.IntegrationAccount) {
			defer wg.Done()
			if err := r.RunPollCycle(ctx, account); err != nil {
				mu.Lock()
				if infraErr == nil {
					infraErr = err
				}
				mu.Unlock()
			}
		}(account)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if infraErr != nil {
		return infraErr
	}
	return ctx.Err()
}

// provisionMissingStatus backfills a sync status row for an integration the
// due query has never seen, so it becomes eligible on the next sweep.
func (r *Reconciler) provisionMissingStatus(ctx context.Context, account store.IntegrationAccount) {
	_, err := r.sync.GetStatus(ctx, account.ID)
	if errors.Is(err, store.ErrNotFound) {
		if _, err := r.sync.EnsureStatus(ctx, account.ID, true, true); err != nil {
			r.logger.Error(ctx, fmt.Sprintf("failed to provision sync status for integration %s", account.ID), err)
		}
		return
	}
	if err != nil {
		r.logger.Error(ctx, fmt.Sprintf("failed to check sync status for integration %s", account.ID), err)
	}
}

// RunPollCycle pages through one integration's provider history. The
// checkpoint advances only after a page's events are fully committed, so a
// failed cycle resumes from the last durable page rather than refetching or
// skipping. The returned error is non-nil only for infrastructure failures,
// which the caller treats as a sweep-wide abort; channel failures are
// absorbed into the integration's sync status.
func (r *Reconciler) RunPollCycle(ctx context.Context, account store.IntegrationAccount) error {
	lock := r.cycleLock(account.ID)
	if !lock.TryLock() {
		return nil
	}
	defer lock.Unlock()

	ctx = observability.WithFields(ctx,
		observability.Field{Key: "integration_id", Value: account.ID},
		observability.Field{Key: "provider", Value: account.Provider},
	)

	leaseKey := leaseKeyPrefix + account.ID.String()
	leaseToken := uuid.New().String()
	acquired, err := r.leaser.AcquireLease(ctx, leaseKey, leaseToken, r.cfg.LockTTL)
	if err != nil {
		r.logger.Error(ctx, "failed to acquire poll lease", err)
		return nil
	}
	if !acquired {
		return nil
	}
	defer func() {
		if err := r.leaser.ReleaseLease(context.WithoutCancel(ctx), leaseKey, leaseToken); err != nil {
			r.logger.Warn(ctx, fmt.Sprintf("failed to release poll lease: %v", err))
		}
	}()

	start := r.now()
	cycleCtx, cancel := context.WithTimeout(ctx, r.cfg.CycleTimeout)
	defer cancel()

	created, err := r.pollPages(cycleCtx, account)
	durationMs := r.now().Sub(start).Milliseconds()

	if err != nil {
		if ingestion.IsInfrastructureError(err) {
			// Not the integration's fault; leave its sync status alone and
			// abort the sweep.
			alertCtx := observability.WithFields(ctx, observability.Field{Key: "system_alert", Value: true})
			r.logger.Error(alertCtx, "poll cycle aborted on infrastructure failure", err)
			return err
		}
		cause := err
		if errors.Is(err, context.DeadlineExceeded) {
			cause = &ingestion.ChannelTimeoutError{Provider: account.Provider, Budget: r.cfg.CycleTimeout}
		}
		suspend := ingestion.IsAuthError(err)
		if _, recErr := r.sync.RecordPollFailure(ctx, account.ID, cause, suspend); recErr != nil {
			r.logger.Error(ctx, "failed to record poll failure", recErr)
		}
		r.logger.Error(ctx, "poll cycle failed", cause)
		return nil
	}

	if _, err := r.sync.RecordPollSuccess(ctx, account.ID, created, durationMs); err != nil {
		r.logger.Error(ctx, "failed to record poll success", err)
	}
	return nil
}

// pollPages runs the page loop and returns how many genuinely new events were
// stored.
func (r *Reconciler) pollPages(ctx context.Context, account store.IntegrationAccount) (int, error) {
	source := r.sources[account.Provider]

	creds, err := r.decryptor.Decrypt(ctx, account)
	if err != nil {
		return 0, err
	}

	cp := checkpoint{}
	if account.PollCheckpoint != nil {
		cp = decodeCheckpoint(*account.PollCheckpoint)
	}
	cycleStart := r.now()

	created := 0
	for {
		page, err := source.FetchPage(ctx, creds, cp.Since, cp.Cursor, r.cfg.PageSize)
		if err != nil {
			return created, err
		}

		for _, payload := range page.Payloads {
			result, err := r.ingestor.Ingest(ctx, account, payload, store.ReceivedViaPoll)
			if err != nil {
				// The checkpoint stays at the last fully committed page;
				// already-stored events from this page dedupe on retry.
				return created, err
			}
			if result.Created && !result.Unprocessed {
				created++
			}
		}

		next := checkpoint{Since: cp.Since, Cursor: page.NextCursor}
		if !page.HasMore {
			// Sweep complete: the next one only reaches back to where this
			// one began.
			next = checkpoint{Since: cycleStart}
		}
		if err := r.accounts.AdvancePollCheckpoint(ctx, account.ID, next.encode()); err != nil {
			return created, err
		}
		cp = next

		if !page.HasMore {
			return created, nil
		}
	}
}

func (r *Reconciler) cycleLock(id uuid.UUID) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.cycleLocks[id]
	if !ok {
		lock = &sync.Mutex{}
		r.cycleLocks[id] = lock
	}
	return lock
}
