// Package metrics derives call and message statistics from canonical events.
// Aggregation is pure over an event slice so it can serve both the read API
// and offline reporting without extra queries.
package metrics

import (
	"time"

	"telesync/internal/store"

	"github.com/google/uuid"
)

// Filters narrows which events contribute to a summary.
type Filters struct {
	Provider string
	Since    *time.Time
	Until    *time.Time
}

// ProviderStats breaks a summary down per provider.
type ProviderStats struct {
	Calls int     `json:"calls"`
	SMS   int     `json:"sms"`
	Cost  float64 `json:"cost"`
}

// Summary is the aggregate view over one integration's events.
type Summary struct {
	TotalCalls           int     `json:"total_calls"`
	TotalSMS             int     `json:"total_sms"`
	InProgressCalls      int     `json:"in_progress_calls"`
	TotalDurationSeconds int     `json:"total_duration_seconds"`
	AvgDurationSeconds   float64 `json:"avg_duration_seconds"`
	TotalCost            float64 `json:"total_cost"`
	Currency             string  `json:"currency"`
	// Estimated is true when any cost came from the rate table rather than
	// the provider.
	Estimated  bool                     `json:"estimated"`
	ByProvider map[string]ProviderStats `json:"by_provider"`
}

// thread is one logical call or message: a root event plus its linked legs.
type thread struct {
	root   store.TelephonyEvent
	events []store.TelephonyEvent
}

// Aggregator computes summaries over canonical events.
type Aggregator struct{}

// NewAggregator creates the metrics aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Compute aggregates the given events into a summary. Events already carry
// resolved parent links; anything whose parent is absent from the slice is
// treated as its own root so partial windows still add up.
func (a *Aggregator) Compute(events []store.TelephonyEvent, filters Filters) Summary {
	summary := Summary{
		Currency:   "USD",
		ByProvider: make(map[string]ProviderStats),
	}

	filtered := filterEvents(events, filters)
	threads := assembleThreads(filtered)

	resolvedCalls := 0
	for _, th := range threads {
		stats := summary.ByProvider[th.root.Provider]

		if th.root.EventType.IsCall() {
			summary.TotalCalls++
			stats.Calls++

			if inProgress(th.root) {
				summary.InProgressCalls++
			} else {
				resolvedCalls++
				if secs := threadDuration(th); secs > 0 {
					summary.TotalDurationSeconds += secs
				}
			}

			cost, estimated := callThreadCost(th)
			summary.TotalCost += cost
			stats.Cost += cost
			summary.Estimated = summary.Estimated || estimated
		} else {
			summary.TotalSMS++
			stats.SMS++

			cost, estimated := messageCost(th.root)
			summary.TotalCost += cost
			stats.Cost += cost
			summary.Estimated = summary.Estimated || estimated
		}

		summary.ByProvider[th.root.Provider] = stats
	}

	if resolvedCalls > 0 {
		summary.AvgDurationSeconds = float64(summary.TotalDurationSeconds) / float64(resolvedCalls)
	}
	return summary
}

func filterEvents(events []store.TelephonyEvent, filters Filters) []store.TelephonyEvent {
	out := make([]store.TelephonyEvent, 0, len(events))
	for _, ev := range events {
		if filters.Provider != "" && ev.Provider != filters.Provider {
			continue
		}
		ts := eventTime(ev)
		if filters.Since != nil && ts.Before(*filters.Since) {
			continue
		}
		if filters.Until != nil && ts.After(*filters.Until) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// assembleThreads groups events under their root. Unprocessed raw payloads
// never form threads.
func assembleThreads(events []store.TelephonyEvent) []thread {
	present := make(map[uuid.UUID]bool, len(events))
	for _, ev := range events {
		present[ev.ID] = true
	}

	byID := make(map[uuid.UUID]store.TelephonyEvent, len(events))
	for _, ev := range events {
		byID[ev.ID] = ev
	}

	threadsByRoot := make(map[uuid.UUID]*thread)
	order := make([]uuid.UUID, 0)

	for _, ev := range events {
		if !ev.Processed {
			continue
		}
		rootID := ev.ID
		// Hop limit guards against a link cycle from bad provider data.
		for hops := 0; hops < 10; hops++ {
			current := byID[rootID]
			if current.ParentEventID == nil || !present[*current.ParentEventID] {
				break
			}
			rootID = *current.ParentEventID
		}

		th, ok := threadsByRoot[rootID]
		if !ok {
			th = &thread{root: byID[rootID]}
			threadsByRoot[rootID] = th
			order = append(order, rootID)
		}
		th.events = append(th.events, ev)
	}

	out := make([]thread, 0, len(order))
	for _, rootID := range order {
		out = append(out, *threadsByRoot[rootID])
	}
	return out
}

// inProgress reports whether a call thread is still live: its root has not
// ended and carries no terminal reason.
func inProgress(root store.TelephonyEvent) bool {
	return root.Status != store.StatusEnded && root.EndedAt == nil && root.EndedReason == nil
}

// threadDuration picks the root's duration when present, otherwise the
// longest leg.
func threadDuration(th thread) int {
	if th.root.DurationSeconds != nil {
		return *th.root.DurationSeconds
	}
	longest := 0
	for _, ev := range th.events {
		if ev.DurationSeconds != nil && *ev.DurationSeconds > longest {
			longest = *ev.DurationSeconds
		}
	}
	return longest
}

// callThreadCost sums provider-reported costs across the thread; a resolved
// thread with no reported cost gets a rate-table estimate.
func callThreadCost(th thread) (float64, bool) {
	total := 0.0
	reported := false
	for _, ev := range th.events {
		if ev.CostAmount != nil {
			total += *ev.CostAmount
			reported = true
		}
	}
	if reported {
		return total, false
	}
	if inProgress(th.root) {
		return 0, false
	}
	if secs := threadDuration(th); secs > 0 {
		return estimateCallCost(th.root.Provider, secs), true
	}
	return 0, false
}

func messageCost(root store.TelephonyEvent) (float64, bool) {
	if root.CostAmount != nil {
		return *root.CostAmount, false
	}
	return estimateMessageCost(root.Provider), true
}

func eventTime(ev store.TelephonyEvent) time.Time {
	if ev.EventTimestamp != nil {
		return *ev.EventTimestamp
	}
	return ev.ReceivedAt
}
