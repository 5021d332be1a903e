// Package ingestion defines the error taxonomy shared by the webhook and poll
// ingestion paths.
package ingestion

import (
	"errors"
	"fmt"
	"time"
)

// ErrIdempotencyConflict indicates a unique-key violation that escaped the
// atomic upsert. It must never occur in correct operation; observing it means
// the dedup guarantee is broken, so it is alerted on rather than retried.
var ErrIdempotencyConflict = errors.New("idempotency conflict on atomic upsert")

// TransientProviderError wraps a network or 5xx failure talking to a
// provider. Retried under backoff; degrades channel health without failing
// fast.
type TransientProviderError struct {
	Provider string
	Op       string
	Err      error
}

func (e *TransientProviderError) Error() string {
	return fmt.Sprintf("transient %s error during %s: %v", e.Provider, e.Op, e.Err)
}

func (e *TransientProviderError) Unwrap() error {
	return e.Err
}

// AuthError indicates expired or invalid provider credentials. Polling for
// the integration is suspended and surfaced to the account owner.
type AuthError struct {
	Provider string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s authorization failed: %v", e.Provider, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// InfrastructureError wraps a failure of this system's own infrastructure
// (event store, credentials service). It aborts the ingestion pass and raises
// a system-level alert; per-integration channel health is never touched,
// since the integration's channels did nothing wrong.
type InfrastructureError struct {
	Component string
	Err       error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("%s infrastructure failure: %v", e.Component, e.Err)
}

func (e *InfrastructureError) Unwrap() error {
	return e.Err
}

// ChannelTimeoutError indicates a poll cycle exceeded its hard budget.
// Partial progress already committed is retained.
type ChannelTimeoutError struct {
	Provider string
	Budget   time.Duration
}

func (e *ChannelTimeoutError) Error() string {
	return fmt.Sprintf("%s poll cycle exceeded %s budget", e.Provider, e.Budget)
}

// IsAuthError reports whether err is (or wraps) an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// IsInfrastructureError reports whether err is (or wraps) an
// InfrastructureError.
func IsInfrastructureError(err error) bool {
	var infraErr *InfrastructureError
	return errors.As(err, &infraErr)
}
