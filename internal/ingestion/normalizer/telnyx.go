package normalizer

import (
	"encoding/json"

	"telesync/internal/store"
)

// Telnyx normalizes Telnyx v2 webhook envelopes and polled event records.
// Payloads are JSON, either wrapped in {"data": {...}} or bare.
// Ref: https://developers.telnyx.com/docs/voice/programmable-voice/webhooks
type Telnyx struct{}

// NewTelnyx creates the Telnyx adapter.
func NewTelnyx() *Telnyx {
	return &Telnyx{}
}

func (t *Telnyx) Provider() string {
	return "telnyx"
}

type telnyxEnvelope struct {
	Data *telnyxEvent `json:"data"`
	// Bare event fields when the envelope is absent (poll path).
	telnyxEvent
}

type telnyxEvent struct {
	ID         string        `json:"id"`
	EventType  string        `json:"event_type"`
	OccurredAt string        `json:"occurred_at"`
	Payload    telnyxPayload `json:"payload"`
}

type telnyxPayload struct {
	CallLegID     string      `json:"call_leg_id"`
	CallSessionID string      `json:"call_session_id"`
	Direction     string      `json:"direction"`
	From          string      `json:"from"`
	To            string      `json:"to"`
	StartTime     string      `json:"start_time"`
	EndTime       string      `json:"end_time"`
	HangupCause   string      `json:"hangup_cause"`
	Status        string      `json:"status"`
	Cost          *telnyxCost `json:"cost"`
}

type telnyxCost struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// Normalize maps a Telnyx event to a canonical event.
func (t *Telnyx) Normalize(payload []byte) (NormalizedEvent, error) {
	var envelope telnyxEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return NormalizedEvent{}, &MalformedPayloadError{Provider: t.Provider(), Cause: err}
	}
	event := envelope.telnyxEvent
	if envelope.Data != nil {
		event = *envelope.Data
	}

	raw := make(store.JSONB)
	_ = json.Unmarshal(payload, (*map[string]interface{})(&raw))

	ev := NormalizedEvent{
		ProviderEventID: firstNonEmpty(event.Payload.CallLegID, event.ID),
		EventTimestamp:  parseTimePtr(event.OccurredAt),
		FromNumber:      strPtr(event.Payload.From),
		ToNumber:        strPtr(event.Payload.To),
		StartedAt:       parseTimePtr(event.Payload.StartTime),
		EndedAt:         parseTimePtr(event.Payload.EndTime),
		Raw:             raw,
	}

	switch event.Payload.Direction {
	case "incoming", "inbound":
		d := store.DirectionInbound
		ev.Direction = &d
	case "outgoing", "outbound":
		d := store.DirectionOutbound
		ev.Direction = &d
	}

	// A leg threads under its call session; the session id doubles as the
	// root leg's event id.
	if event.Payload.CallSessionID != "" && event.Payload.CallSessionID != ev.ProviderEventID {
		ev.ParentProviderEventID = strPtr(event.Payload.CallSessionID)
	}

	if event.Payload.Cost != nil {
		amount := event.Payload.Cost.Amount
		currency := event.Payload.Cost.Currency
		if currency == "" {
			currency = "USD"
		}
		ev.CostAmount = &amount
		ev.CostCurrency = &currency
	}

	switch event.EventType {
	case "call.initiated":
		ev.EventType = store.EventTypeCallStarted
		ev.Status = store.StatusStarted
	case "call.ringing":
		ev.EventType = store.EventTypeCallRinging
		ev.Status = store.StatusRinging
	case "call.answered", "call.bridged":
		ev.EventType = store.EventTypeCallAnswered
		ev.Status = store.StatusAnswered
	case "call.hangup":
		ev.EventType = store.EventTypeCallEnded
		ev.Status = store.StatusEnded
		ev.EndedReason = strPtr(event.Payload.HangupCause)
	case "message.sent":
		ev.EventType = store.EventTypeSMSSent
		ev.Status = store.StatusSent
	case "message.finalized":
		return t.finalizeMessage(ev, event)
	default:
		return ev, &UnrecognizedEventError{Provider: t.Provider(), EventType: event.EventType, Partial: ev}
	}

	deriveDuration(&ev)
	return ev, nil
}

// finalizeMessage resolves message.finalized into delivered or failed from the
// payload status.
func (t *Telnyx) finalizeMessage(ev NormalizedEvent, event telnyxEvent) (NormalizedEvent, error) {
	switch event.Payload.Status {
	case "delivered":
		ev.EventType = store.EventTypeSMSDelivered
		ev.Status = store.StatusDelivered
	case "sending_failed", "delivery_failed", "failed":
		ev.EventType = store.EventTypeSMSFailed
		ev.Status = store.StatusFailed
		ev.EndedReason = strPtr(event.Payload.Status)
	default:
		return ev, &UnrecognizedEventError{Provider: t.Provider(), EventType: "message.finalized/" + event.Payload.Status, Partial: ev}
	}
	return ev, nil
}
