package normalizer

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"telesync/internal/store"
)

// Twilio normalizes Twilio voice and messaging status callbacks. Webhook
// deliveries arrive application/x-www-form-urlencoded; the poll path feeds the
// same field names as JSON, so both forms are accepted.
// Ref: https://www.twilio.com/docs/voice/api/call-resource
type Twilio struct{}

// NewTwilio creates the Twilio adapter.
func NewTwilio() *Twilio {
	return &Twilio{}
}

func (t *Twilio) Provider() string {
	return "twilio"
}

// Normalize maps a Twilio callback or call record to a canonical event.
func (t *Twilio) Normalize(payload []byte) (NormalizedEvent, error) {
	fields, err := t.parse(payload)
	if err != nil {
		return NormalizedEvent{}, &MalformedPayloadError{Provider: t.Provider(), Cause: err}
	}

	raw := make(store.JSONB, len(fields))
	for k, v := range fields {
		raw[k] = v
	}

	ev := NormalizedEvent{Raw: raw}

	if sid := fields["CallSid"]; sid != "" {
		ev.ProviderEventID = sid
		ev.ParentProviderEventID = strPtr(fields["ParentCallSid"])
		return t.normalizeCall(ev, fields)
	}
	if sid := firstNonEmpty(fields["MessageSid"], fields["SmsSid"]); sid != "" {
		ev.ProviderEventID = sid
		return t.normalizeMessage(ev, fields)
	}

	return ev, &UnrecognizedEventError{Provider: t.Provider(), EventType: "", Partial: ev}
}

func (t *Twilio) normalizeCall(ev NormalizedEvent, fields map[string]string) (NormalizedEvent, error) {
	ev.Direction = twilioDirection(fields["Direction"])
	ev.FromNumber = strPtr(strings.TrimSpace(fields["From"]))
	ev.ToNumber = strPtr(strings.TrimSpace(fields["To"]))
	ev.EventTimestamp = parseTimePtr(fields["Timestamp"])
	ev.StartedAt = parseTimePtr(fields["StartTime"])
	ev.EndedAt = parseTimePtr(fields["EndTime"])
	ev.CostAmount, ev.CostCurrency = twilioPrice(fields["Price"], fields["PriceUnit"])

	if d := fields["CallDuration"]; d != "" {
		if secs, err := strconv.Atoi(d); err == nil {
			ev.DurationSeconds = &secs
		}
	}

	callStatus := fields["CallStatus"]
	switch callStatus {
	case "queued", "initiated":
		ev.EventType = store.EventTypeCallStarted
		ev.Status = store.StatusStarted
	case "ringing":
		ev.EventType = store.EventTypeCallRinging
		ev.Status = store.StatusRinging
	case "in-progress", "answered":
		ev.EventType = store.EventTypeCallAnswered
		ev.Status = store.StatusAnswered
	case "completed", "busy", "failed", "no-answer", "canceled":
		ev.EventType = store.EventTypeCallEnded
		ev.Status = store.StatusEnded
		ev.EndedReason = strPtr(callStatus)
	default:
		return ev, &UnrecognizedEventError{Provider: t.Provider(), EventType: callStatus, Partial: ev}
	}

	deriveDuration(&ev)
	return ev, nil
}

func (t *Twilio) normalizeMessage(ev NormalizedEvent, fields map[string]string) (NormalizedEvent, error) {
	ev.Direction = twilioDirection(fields["Direction"])
	ev.FromNumber = strPtr(strings.TrimSpace(fields["From"]))
	ev.ToNumber = strPtr(strings.TrimSpace(fields["To"]))
	ev.EventTimestamp = parseTimePtr(fields["Timestamp"])
	ev.CostAmount, ev.CostCurrency = twilioPrice(fields["Price"], fields["PriceUnit"])

	msgStatus := firstNonEmpty(fields["MessageStatus"], fields["SmsStatus"])
	switch msgStatus {
	case "queued", "accepted", "sending", "sent":
		ev.EventType = store.EventTypeSMSSent
		ev.Status = store.StatusSent
	case "delivered", "read":
		ev.EventType = store.EventTypeSMSDelivered
		ev.Status = store.StatusDelivered
	case "failed", "undelivered":
		ev.EventType = store.EventTypeSMSFailed
		ev.Status = store.StatusFailed
		ev.EndedReason = strPtr(firstNonEmpty(fields["ErrorCode"], msgStatus))
	default:
		return ev, &UnrecognizedEventError{Provider: t.Provider(), EventType: msgStatus, Partial: ev}
	}
	return ev, nil
}

// parse accepts form-encoded callback bodies or a flat JSON object with the
// same field names.
func (t *Twilio) parse(payload []byte) (map[string]string, error) {
	trimmed := strings.TrimSpace(string(payload))
	fields := make(map[string]string)

	if strings.HasPrefix(trimmed, "{") {
		var obj map[string]interface{}
		if err := json.Unmarshal(payload, &obj); err != nil {
			return nil, err
		}
		for k, v := range obj {
			switch val := v.(type) {
			case string:
				fields[k] = val
			case float64:
				fields[k] = strconv.FormatFloat(val, 'f', -1, 64)
			}
		}
		return fields, nil
	}

	values, err := url.ParseQuery(trimmed)
	if err != nil {
		return nil, err
	}
	for k := range values {
		fields[k] = values.Get(k)
	}
	return fields, nil
}

func twilioDirection(raw string) *store.Direction {
	switch {
	case raw == "inbound":
		d := store.DirectionInbound
		return &d
	case strings.HasPrefix(raw, "outbound"):
		d := store.DirectionOutbound
		return &d
	default:
		return nil
	}
}

// twilioPrice parses Twilio's negative-amount price convention into a positive
// cost.
func twilioPrice(price, unit string) (*float64, *string) {
	if price == "" {
		return nil, nil
	}
	amount, err := strconv.ParseFloat(price, 64)
	if err != nil {
		return nil, nil
	}
	if amount < 0 {
		amount = -amount
	}
	currency := unit
	if currency == "" {
		currency = "USD"
	}
	return &amount, &currency
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
