// Package syncstatus maintains per-integration channel health, the sync
// confidence score, and the retry/backoff schedule.
package syncstatus

import (
	"math"
	"math/rand"
	"time"

	"telesync/internal/config"
	"telesync/internal/store"
)

// windowSize bounds the trailing attempt counters used for the per-channel
// success ratio. Counters are halved when the window fills, approximating a
// sliding window without storing individual attempts.
const windowSize = 20

// Confidence component weights. Recency + both ratios + cross-validation
// bonus total exactly 100, and the bonus requires both channels healthy, so
// 100 is reachable only in the cross-validated case.
const (
	recencyWeight       = 40.0
	channelRatioWeight  = 25.0
	crossValidatedBonus = 10.0
	singleChannelCap    = 85.0
	errorDecayFactor    = 0.82
)

// Tracker computes channel states, overall health, confidence, and backoff.
// All methods are pure; persistence belongs to the caller.
type Tracker struct {
	cfg config.SyncHealthConfig
}

// NewTracker creates a tracker with the given thresholds.
func NewTracker(cfg config.SyncHealthConfig) *Tracker {
	return &Tracker{cfg: cfg}
}

// ChannelState evaluates a channel from its failure count and the time of its
// last success. Failure thresholds and staleness bounds both drive the
// unknown → healthy ⇄ degraded ⇄ failing ladder.
func (t *Tracker) ChannelState(failureCount int, lastSuccess *time.Time, now time.Time) store.ChannelHealth {
	if lastSuccess == nil {
		if failureCount >= t.cfg.FailingFailures {
			return store.ChannelFailing
		}
		if failureCount >= t.cfg.DegradedFailures {
			return store.ChannelDegraded
		}
		return store.ChannelUnknown
	}

	staleness := now.Sub(*lastSuccess)
	if failureCount >= t.cfg.FailingFailures || staleness > t.cfg.FailingStaleness {
		return store.ChannelFailing
	}
	if failureCount >= t.cfg.DegradedFailures || staleness > t.cfg.DegradedStaleness {
		return store.ChannelDegraded
	}
	return store.ChannelHealthy
}

// channelSeverity orders channel states from best to worst.
func channelSeverity(s store.ChannelHealth) int {
	switch s {
	case store.ChannelHealthy:
		return 0
	case store.ChannelUnknown:
		return 1
	case store.ChannelDegraded:
		return 2
	case store.ChannelFailing:
		return 3
	default:
		return 1
	}
}

// OverallHealth maps the worse of the two channel states onto the
// consumer-facing scale. A disabled channel is excluded from the comparison.
func (t *Tracker) OverallHealth(status store.SyncStatus) store.OverallHealth {
	states := make([]store.ChannelHealth, 0, 2)
	if status.WebhookEnabled {
		states = append(states, status.WebhookHealthStatus)
	}
	if status.PollingEnabled {
		states = append(states, status.PollingHealthStatus)
	}
	if len(states) == 0 {
		return store.OverallUnknown
	}

	worst := states[0]
	for _, s := range states[1:] {
		if channelSeverity(s) > channelSeverity(worst) {
			worst = s
		}
	}

	switch worst {
	case store.ChannelHealthy:
		return store.OverallHealthy
	case store.ChannelDegraded:
		return store.OverallWarning
	case store.ChannelFailing:
		return store.OverallError
	default:
		return store.OverallUnknown
	}
}

// Confidence derives the [0,100] trust score for the reconciled history.
// It decreases strictly as staleness grows past the healthy bound, reaches
// 100 only when both channels are healthy with a recent success, and decays
// toward 0 as consecutive errors accumulate.
func (t *Tracker) Confidence(status store.SyncStatus, now time.Time) float64 {
	score := t.recencyScore(status, now)
	score += channelRatioWeight * ratio(status.WebhookSuccessesWindow, status.WebhookAttemptsWindow)
	score += channelRatioWeight * ratio(status.PollingSuccessesWindow, status.PollingAttemptsWindow)

	bothHealthy := status.WebhookHealthStatus == store.ChannelHealthy &&
		status.PollingHealthStatus == store.ChannelHealthy
	if bothHealthy {
		score += crossValidatedBonus
	}

	// A single active channel cannot be cross-validated against the other.
	if !status.WebhookEnabled || !status.PollingEnabled {
		score = math.Min(score, singleChannelCap)
	}

	if status.ConsecutiveErrorCount > 0 {
		score *= math.Pow(errorDecayFactor, float64(status.ConsecutiveErrorCount))
	}

	return math.Max(0, math.Min(100, score))
}

// recencyScore scores the freshest success on either channel: full credit
// within the healthy staleness bound, then a linear strict decay to zero at
// the failing bound.
func (t *Tracker) recencyScore(status store.SyncStatus, now time.Time) float64 {
	last := latestTime(status.LastWebhookReceivedAt, status.LastSuccessfulPollAt)
	if last == nil {
		return 0
	}

	staleness := now.Sub(*last)
	if staleness <= t.cfg.DegradedStaleness {
		return recencyWeight
	}
	if staleness >= t.cfg.FailingStaleness {
		return 0
	}

	span := t.cfg.FailingStaleness - t.cfg.DegradedStaleness
	excess := staleness - t.cfg.DegradedStaleness
	return recencyWeight * (1 - float64(excess)/float64(span))
}

// Backoff returns the deterministic retry delay for the nth consecutive
// error: base * 2^n, capped. Non-decreasing in n.
func (t *Tracker) Backoff(consecutiveErrors int) time.Duration {
	if consecutiveErrors < 0 {
		consecutiveErrors = 0
	}
	backoff := t.cfg.BaseBackoff
	for i := 0; i < consecutiveErrors; i++ {
		backoff *= 2
		if backoff >= t.cfg.MaxBackoff {
			return t.cfg.MaxBackoff
		}
	}
	return backoff
}

// NextRetry schedules the next attempt: the capped exponential backoff plus
// up to 10% positive jitter so a fleet of integrations does not retry in
// lockstep.
func (t *Tracker) NextRetry(consecutiveErrors int, now time.Time) (time.Time, int) {
	backoff := t.Backoff(consecutiveErrors)
	jitter := time.Duration(rand.Int63n(int64(backoff)/10 + 1))
	return now.Add(backoff + jitter), int(backoff / time.Second)
}

// RecordWindowAttempt folds one attempt into the trailing window counters.
func RecordWindowAttempt(successes, attempts *int, success bool) {
	if *attempts >= windowSize {
		*attempts /= 2
		*successes /= 2
	}
	*attempts++
	if success {
		*successes++
	}
}

func ratio(successes, attempts int) float64 {
	if attempts <= 0 {
		return 0
	}
	return float64(successes) / float64(attempts)
}

func latestTime(times ...*time.Time) *time.Time {
	var latest *time.Time
	for _, t := range times {
		if t == nil {
			continue
		}
		if latest == nil || t.After(*latest) {
			latest = t
		}
	}
	return latest
}
