package metrics

import "math"

// Rate is the fallback price card used when a provider did not report cost
// on the event itself. Amounts are list prices in USD.
type Rate struct {
	// CallPerMinute is charged per started minute.
	CallPerMinute float64
	// PerMessage is the flat per-SMS rate.
	PerMessage float64
	Currency   string
}

// defaultRates approximates published US pricing per provider. Estimates made
// from this table are flagged on the summary.
var defaultRates = map[string]Rate{
	"twilio": {CallPerMinute: 0.0140, PerMessage: 0.0079, Currency: "USD"},
	"telnyx": {CallPerMinute: 0.0110, PerMessage: 0.0040, Currency: "USD"},
	"vonage": {CallPerMinute: 0.0139, PerMessage: 0.0062, Currency: "USD"},
}

var fallbackRate = Rate{CallPerMinute: 0.0150, PerMessage: 0.0080, Currency: "USD"}

func rateFor(provider string) Rate {
	if rate, ok := defaultRates[provider]; ok {
		return rate
	}
	return fallbackRate
}

// estimateCallCost prices a call duration per started minute.
func estimateCallCost(provider string, durationSeconds int) float64 {
	if durationSeconds <= 0 {
		return 0
	}
	minutes := math.Ceil(float64(durationSeconds) / 60.0)
	return minutes * rateFor(provider).CallPerMinute
}

func estimateMessageCost(provider string) float64 {
	return rateFor(provider).PerMessage
}
