// Package normalizer maps heterogeneous provider payloads into the canonical
// telephony event shape. Adapters are pure functions over raw bytes so each
// provider mapping is unit-testable against fixture payloads without I/O.
package normalizer

import (
	"fmt"
	"time"

	"telesync/internal/store"
)

// NormalizedEvent is the canonical event produced by every provider adapter.
type NormalizedEvent struct {
	ProviderEventID       string
	ParentProviderEventID *string
	EventType             store.EventType
	Status                store.EventStatus
	Direction             *store.Direction
	FromNumber            *string
	ToNumber              *string
	StartedAt             *time.Time
	EndedAt               *time.Time
	EndedReason           *string
	DurationSeconds       *int
	CostAmount            *float64
	CostCurrency          *string
	EventTimestamp        *time.Time
	Raw                   store.JSONB
}

// Normalizer maps one provider's payloads to canonical events.
type Normalizer interface {
	Provider() string
	Normalize(payload []byte) (NormalizedEvent, error)
}

// UnrecognizedEventError reports a payload whose event type has no canonical
// mapping. The partial event carries whatever could still be extracted
// (notably the provider event id and raw payload) so the delivery is persisted
// unprocessed rather than silently lost.
type UnrecognizedEventError struct {
	Provider  string
	EventType string
	Partial   NormalizedEvent
}

func (e *UnrecognizedEventError) Error() string {
	return fmt.Sprintf("unrecognized %s event type %q", e.Provider, e.EventType)
}

// MalformedPayloadError reports a payload that could not be parsed at all.
type MalformedPayloadError struct {
	Provider string
	Cause    error
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("malformed %s payload: %v", e.Provider, e.Cause)
}

func (e *MalformedPayloadError) Unwrap() error {
	return e.Cause
}

// Registry holds one adapter per provider.
type Registry struct {
	normalizers map[string]Normalizer
}

// NewRegistry creates a registry with the given adapters.
func NewRegistry(normalizers ...Normalizer) *Registry {
	r := &Registry{normalizers: make(map[string]Normalizer, len(normalizers))}
	for _, n := range normalizers {
		r.normalizers[n.Provider()] = n
	}
	return r
}

// DefaultRegistry returns a registry with all supported provider adapters.
func DefaultRegistry() *Registry {
	return NewRegistry(NewTwilio(), NewTelnyx(), NewVonage())
}

// Get returns the adapter for a provider.
func (r *Registry) Get(provider string) (Normalizer, bool) {
	n, ok := r.normalizers[provider]
	return n, ok
}

// Providers lists the registered provider names.
func (r *Registry) Providers() []string {
	out := make([]string, 0, len(r.normalizers))
	for p := range r.normalizers {
		out = append(out, p)
	}
	return out
}

// deriveDuration fills duration from the start/end pair when the provider
// omitted it.
func deriveDuration(ev *NormalizedEvent) {
	if ev.DurationSeconds != nil || ev.StartedAt == nil || ev.EndedAt == nil {
		return
	}
	secs := int(ev.EndedAt.Sub(*ev.StartedAt) / time.Second)
	if secs < 0 {
		return
	}
	ev.DurationSeconds = &secs
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func parseTimePtr(s string, layouts ...string) *time.Time {
	if s == "" {
		return nil
	}
	if len(layouts) == 0 {
		layouts = []string{time.RFC3339, time.RFC3339Nano, time.RFC1123Z, "2006-01-02 15:04:05"}
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
