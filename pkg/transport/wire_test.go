package transport

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"chatcore/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWireFrame_ToLifecycleEvent(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03}
	raw := `{
		"type": "message",
		"room_id": "r-1",
		"event": "stored",
		"message_id": "m-1",
		"sender_id": "peer",
		"key_id": "k-1",
		"payload": "` + base64.StdEncoding.EncodeToString(payload) + `",
		"timestamp": 100,
		"order_value": 42,
		"from_history": true
	}`

	var frame wireFrame
	require.NoError(t, json.Unmarshal([]byte(raw), &frame))

	ev, err := frame.toLifecycleEvent()
	require.NoError(t, err)
	assert.Equal(t, models.EventStored, ev.Kind)
	assert.Equal(t, "r-1", ev.RoomID)
	assert.Equal(t, "m-1", ev.MessageID)
	assert.Equal(t, "peer", ev.SenderID)
	assert.Equal(t, "k-1", ev.KeyID)
	assert.Equal(t, payload, ev.Payload)
	assert.Equal(t, int64(100), ev.Timestamp)
	assert.Equal(t, int64(42), ev.OrderValue)
	assert.True(t, ev.FromHistory)
}

func TestWireFrame_EventKinds(t *testing.T) {
	tests := map[string]models.LifecycleEventKind{
		"stored":           models.EventStored,
		"confirmed":        models.EventConfirmed,
		"discarded":        models.EventDiscarded,
		"expired":          models.EventExpired,
		"restored-expired": models.EventRestoredExpired,
		"edited":           models.EventEdited,
		"truncated":        models.EventTruncated,
	}
	for name, kind := range tests {
		ev, err := wireFrame{Type: frameMessage, Event: name}.toLifecycleEvent()
		require.NoError(t, err, name)
		assert.Equal(t, kind, ev.Kind, name)
	}

	_, err := wireFrame{Type: frameMessage, Event: "unheard-of"}.toLifecycleEvent()
	assert.Error(t, err)
}

func TestWireFrame_InvalidPayloadEncoding(t *testing.T) {
	_, err := wireFrame{Type: frameMessage, Event: "stored", Payload: "not-base64!"}.toLifecycleEvent()
	assert.Error(t, err)
}

func TestWireFrame_ToCallSignal(t *testing.T) {
	frame := wireFrame{
		Type:      frameCall,
		RoomID:    "r-1",
		Signal:    "hangup",
		SessionID: "s-1",
		PeerID:    "peer",
		Cause:     "busy",
		StreamRef: "stream-1",
	}

	sig, err := frame.toCallSignal()
	require.NoError(t, err)
	assert.Equal(t, models.SignalHangup, sig.Kind)
	assert.Equal(t, "r-1", sig.RoomID)
	assert.Equal(t, "s-1", sig.SessionID)
	assert.Equal(t, "peer", sig.PeerID)
	assert.Equal(t, models.CauseBusy, sig.Cause)
	assert.Equal(t, "stream-1", sig.StreamRef)

	_, err = wireFrame{Type: frameCall, Signal: "wave"}.toCallSignal()
	assert.Error(t, err)
}

func TestWireFrame_SignalKinds(t *testing.T) {
	tests := map[string]models.CallSignalKind{
		"invite":            models.SignalInvite,
		"accept":            models.SignalAccept,
		"reject":            models.SignalReject,
		"hangup":            models.SignalHangup,
		"media":             models.SignalMedia,
		"handled-elsewhere": models.SignalHandledElsewhere,
	}
	for name, kind := range tests {
		sig, err := wireFrame{Type: frameCall, Signal: name}.toCallSignal()
		require.NoError(t, err, name)
		assert.Equal(t, kind, sig.Kind, name)
	}
}
