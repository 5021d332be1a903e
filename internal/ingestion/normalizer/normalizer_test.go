package normalizer

import (
	"errors"
	"testing"
	"time"

	"telesync/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTwilio_NormalizeVoiceForm(t *testing.T) {
	payload := []byte("CallSid=CA123&ParentCallSid=CA000&CallStatus=ringing&Direction=inbound&From=%2B15551234567&To=%2B15557654321")

	ev, err := NewTwilio().Normalize(payload)
	require.NoError(t, err)

	assert.Equal(t, "CA123", ev.ProviderEventID)
	require.NotNil(t, ev.ParentProviderEventID)
	assert.Equal(t, "CA000", *ev.ParentProviderEventID)
	assert.Equal(t, store.EventTypeCallRinging, ev.EventType)
	assert.Equal(t, store.StatusRinging, ev.Status)
	require.NotNil(t, ev.Direction)
	assert.Equal(t, store.DirectionInbound, *ev.Direction)
	require.NotNil(t, ev.FromNumber)
	assert.Equal(t, "+15551234567", *ev.FromNumber)
}

func TestTwilio_NormalizeVoiceJSON(t *testing.T) {
	payload := []byte(`{
		"CallSid": "CA456",
		"CallStatus": "completed",
		"Direction": "outbound-api",
		"StartTime": "2024-05-01T10:00:00Z",
		"EndTime": "2024-05-01T10:02:30Z",
		"Price": "-0.0225",
		"PriceUnit": "USD"
	}`)

	ev, err := NewTwilio().Normalize(payload)
	require.NoError(t, err)

	assert.Equal(t, store.EventTypeCallEnded, ev.EventType)
	assert.Equal(t, store.StatusEnded, ev.Status)
	require.NotNil(t, ev.EndedReason)
	assert.Equal(t, "completed", *ev.EndedReason)
	require.NotNil(t, ev.Direction)
	assert.Equal(t, store.DirectionOutbound, *ev.Direction)

	// Duration derived from start/end when CallDuration is absent.
	require.NotNil(t, ev.DurationSeconds)
	assert.Equal(t, 150, *ev.DurationSeconds)

	// Twilio reports prices as negative amounts.
	require.NotNil(t, ev.CostAmount)
	assert.InDelta(t, 0.0225, *ev.CostAmount, 1e-9)
	assert.Equal(t, "USD", *ev.CostCurrency)
}

func TestTwilio_NormalizeSMS(t *testing.T) {
	payload := []byte("MessageSid=SM789&MessageStatus=delivered&From=%2B15550001111&To=%2B15550002222")

	ev, err := NewTwilio().Normalize(payload)
	require.NoError(t, err)

	assert.Equal(t, "SM789", ev.ProviderEventID)
	assert.Equal(t, store.EventTypeSMSDelivered, ev.EventType)
	assert.Equal(t, store.StatusDelivered, ev.Status)
}

func TestTwilio_UnrecognizedStatusKeepsPartial(t *testing.T) {
	payload := []byte("CallSid=CA999&CallStatus=warp-speed")

	ev, err := NewTwilio().Normalize(payload)
	require.Error(t, err)

	var unrec *UnrecognizedEventError
	require.True(t, errors.As(err, &unrec))
	assert.Equal(t, "warp-speed", unrec.EventType)
	assert.Equal(t, "CA999", ev.ProviderEventID)
	assert.Equal(t, "CA999", unrec.Partial.ProviderEventID)
	assert.NotEmpty(t, unrec.Partial.Raw)
}

func TestTelnyx_NormalizeCallAnswered(t *testing.T) {
	payload := []byte(`{
		"data": {
			"id": "evt_abc",
			"event_type": "call.answered",
			"occurred_at": "2024-05-01T10:00:05Z",
			"payload": {
				"call_leg_id": "leg_1",
				"call_session_id": "sess_1",
				"direction": "incoming",
				"from": "+15551230000",
				"to": "+15559870000",
				"start_time": "2024-05-01T10:00:00Z"
			}
		}
	}`)

	ev, err := NewTelnyx().Normalize(payload)
	require.NoError(t, err)

	assert.Equal(t, "leg_1", ev.ProviderEventID)
	require.NotNil(t, ev.ParentProviderEventID)
	assert.Equal(t, "sess_1", *ev.ParentProviderEventID)
	assert.Equal(t, store.EventTypeCallAnswered, ev.EventType)
	assert.Equal(t, store.StatusAnswered, ev.Status)
	require.NotNil(t, ev.StartedAt)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), ev.StartedAt.UTC())
}

func TestTelnyx_NormalizeHangupWithCost(t *testing.T) {
	payload := []byte(`{
		"data": {
			"id": "evt_def",
			"event_type": "call.hangup",
			"payload": {
				"call_leg_id": "leg_2",
				"call_session_id": "sess_2",
				"hangup_cause": "normal_clearing",
				"start_time": "2024-05-01T10:00:00Z",
				"end_time": "2024-05-01T10:01:00Z",
				"cost": {"amount": 0.014, "currency": "USD"}
			}
		}
	}`)

	ev, err := NewTelnyx().Normalize(payload)
	require.NoError(t, err)

	assert.Equal(t, store.StatusEnded, ev.Status)
	require.NotNil(t, ev.EndedReason)
	assert.Equal(t, "normal_clearing", *ev.EndedReason)
	require.NotNil(t, ev.DurationSeconds)
	assert.Equal(t, 60, *ev.DurationSeconds)
	require.NotNil(t, ev.CostAmount)
	assert.InDelta(t, 0.014, *ev.CostAmount, 1e-9)
}

func TestTelnyx_BareEventWithoutEnvelope(t *testing.T) {
	payload := []byte(`{"id": "evt_bare", "event_type": "message.sent", "payload": {"from": "+1555", "to": "+1666"}}`)

	ev, err := NewTelnyx().Normalize(payload)
	require.NoError(t, err)
	assert.Equal(t, "evt_bare", ev.ProviderEventID)
	assert.Equal(t, store.EventTypeSMSSent, ev.EventType)
}

func TestTelnyx_MalformedPayload(t *testing.T) {
	_, err := NewTelnyx().Normalize([]byte("not json"))
	var malformed *MalformedPayloadError
	require.True(t, errors.As(err, &malformed))
}

func TestVonage_NormalizeVoiceCompleted(t *testing.T) {
	payload := []byte(`{
		"uuid": "aaaa-bbbb",
		"conversation_uuid": "CON-cccc",
		"status": "completed",
		"direction": "outbound",
		"from": "15551112222",
		"to": "15553334444",
		"start_time": "2024-05-01T09:00:00Z",
		"end_time": "2024-05-01T09:03:00Z",
		"duration": "180",
		"price": "0.024"
	}`)

	ev, err := NewVonage().Normalize(payload)
	require.NoError(t, err)

	assert.Equal(t, "aaaa-bbbb", ev.ProviderEventID)
	require.NotNil(t, ev.ParentProviderEventID)
	assert.Equal(t, "CON-cccc", *ev.ParentProviderEventID)
	assert.Equal(t, store.StatusEnded, ev.Status)
	require.NotNil(t, ev.DurationSeconds)
	assert.Equal(t, 180, *ev.DurationSeconds)
	require.NotNil(t, ev.CostAmount)
	assert.InDelta(t, 0.024, *ev.CostAmount, 1e-9)
}

func TestVonage_NormalizeDeliveryReceipt(t *testing.T) {
	payload := []byte(`{"messageId": "msg-1", "msisdn": "15559998888", "status": "failed", "err-code": "1"}`)

	ev, err := NewVonage().Normalize(payload)
	require.NoError(t, err)

	assert.Equal(t, "msg-1", ev.ProviderEventID)
	assert.Equal(t, store.EventTypeSMSFailed, ev.EventType)
	require.NotNil(t, ev.EndedReason)
	assert.Equal(t, "1", *ev.EndedReason)
}

func TestRegistry_Lookup(t *testing.T) {
	registry := DefaultRegistry()

	for _, provider := range []string{"twilio", "telnyx", "vonage"} {
		n, ok := registry.Get(provider)
		require.True(t, ok, provider)
		assert.Equal(t, provider, n.Provider())
	}

	_, ok := registry.Get("carrier-pigeon")
	assert.False(t, ok)
}

func TestDeriveDuration_NegativeSpanIgnored(t *testing.T) {
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(-time.Minute)
	ev := NormalizedEvent{StartedAt: &start, EndedAt: &end}
	deriveDuration(&ev)
	assert.Nil(t, ev.DurationSeconds)
}
