package normalizer

import (
	"encoding/json"
	"strconv"

	"telesync/internal/store"
)

// Vonage normalizes Vonage voice event webhooks and SMS delivery receipts.
// Ref: https://developer.vonage.com/en/voice/voice-api/webhook-reference
type Vonage struct{}

// NewVonage creates the Vonage adapter.
func NewVonage() *Vonage {
	return &Vonage{}
}

func (v *Vonage) Provider() string {
	return "vonage"
}

type vonageEvent struct {
	// Voice event fields
	UUID             string `json:"uuid"`
	ConversationUUID string `json:"conversation_uuid"`
	Status           string `json:"status"`
	Direction        string `json:"direction"`
	From             string `json:"from"`
	To               string `json:"to"`
	StartTime        string `json:"start_time"`
	EndTime          string `json:"end_time"`
	Duration         string `json:"duration"`
	Price            string `json:"price"`
	Timestamp        string `json:"timestamp"`

	// SMS delivery receipt fields
	MessageID string `json:"messageId"`
	MSISDN    string `json:"msisdn"`
	ErrCode   string `json:"err-code"`
}

// Normalize maps a Vonage event to a canonical event.
func (v *Vonage) Normalize(payload []byte) (NormalizedEvent, error) {
	var event vonageEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return NormalizedEvent{}, &MalformedPayloadError{Provider: v.Provider(), Cause: err}
	}

	raw := make(store.JSONB)
	_ = json.Unmarshal(payload, (*map[string]interface{})(&raw))

	if event.MessageID != "" {
		return v.normalizeMessage(event, raw)
	}
	if event.UUID != "" {
		return v.normalizeVoice(event, raw)
	}

	ev := NormalizedEvent{Raw: raw}
	return ev, &UnrecognizedEventError{Provider: v.Provider(), EventType: event.Status, Partial: ev}
}

func (v *Vonage) normalizeVoice(event vonageEvent, raw store.JSONB) (NormalizedEvent, error) {
	ev := NormalizedEvent{
		ProviderEventID: event.UUID,
		FromNumber:      strPtr(event.From),
		ToNumber:        strPtr(event.To),
		StartedAt:       parseTimePtr(event.StartTime),
		EndedAt:         parseTimePtr(event.EndTime),
		EventTimestamp:  parseTimePtr(event.Timestamp),
		Raw:             raw,
	}

	switch event.Direction {
	case "inbound":
		d := store.DirectionInbound
		ev.Direction = &d
	case "outbound":
		d := store.DirectionOutbound
		ev.Direction = &d
	}

	if event.ConversationUUID != "" && event.ConversationUUID != event.UUID {
		ev.ParentProviderEventID = strPtr(event.ConversationUUID)
	}

	if event.Duration != "" {
		if secs, err := strconv.Atoi(event.Duration); err == nil {
			ev.DurationSeconds = &secs
		}
	}
	if event.Price != "" {
		if amount, err := strconv.ParseFloat(event.Price, 64); err == nil {
			currency := "EUR" // Vonage voice pricing is quoted in EUR
			ev.CostAmount = &amount
			ev.CostCurrency = &currency
		}
	}

	switch event.Status {
	case "started":
		ev.EventType = store.EventTypeCallStarted
		ev.Status = store.StatusStarted
	case "ringing":
		ev.EventType = store.EventTypeCallRinging
		ev.Status = store.StatusRinging
	case "answered", "human", "machine":
		ev.EventType = store.EventTypeCallAnswered
		ev.Status = store.StatusAnswered
	case "completed", "failed", "busy", "timeout", "rejected", "cancelled", "unanswered":
		ev.EventType = store.EventTypeCallEnded
		ev.Status = store.StatusEnded
		ev.EndedReason = strPtr(event.Status)
	default:
		return ev, &UnrecognizedEventError{Provider: v.Provider(), EventType: event.Status, Partial: ev}
	}

	deriveDuration(&ev)
	return ev, nil
}

func (v *Vonage) normalizeMessage(event vonageEvent, raw store.JSONB) (NormalizedEvent, error) {
	ev := NormalizedEvent{
		ProviderEventID: event.MessageID,
		FromNumber:      strPtr(event.From),
		ToNumber:        strPtr(firstNonEmpty(event.To, event.MSISDN)),
		EventTimestamp:  parseTimePtr(event.Timestamp),
		Raw:             raw,
	}

	switch event.Status {
	case "submitted", "accepted", "buffered":
		ev.EventType = store.EventTypeSMSSent
		ev.Status = store.StatusSent
	case "delivered":
		ev.EventType = store.EventTypeSMSDelivered
		ev.Status = store.StatusDelivered
	case "failed", "rejected", "expired":
		ev.EventType = store.EventTypeSMSFailed
		ev.Status = store.StatusFailed
		ev.EndedReason = strPtr(firstNonEmpty(event.ErrCode, event.Status))
	default:
		return ev, &UnrecognizedEventError{Provider: v.Provider(), EventType: event.Status, Partial: ev}
	}
	return ev, nil
}
