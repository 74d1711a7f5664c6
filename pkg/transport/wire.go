package transport

import (
	"encoding/base64"
	"fmt"

	"chatcore/internal/models"
)

// Frame types on the feed.
const (
	frameMessage      = "message"
	frameCall         = "call"
	frameHistoryCount = "history_count"
	frameHistoryDone  = "history_done"
)

// wireFrame is the envelope every feed frame arrives in. Only the fields
// matching Type are populated.
type wireFrame struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`

	// Message lifecycle fields.
	Event       string `json:"event,omitempty"`
	MessageID   string `json:"message_id,omitempty"`
	InternalID  string `json:"internal_id,omitempty"`
	SenderID    string `json:"sender_id,omitempty"`
	KeyID       string `json:"key_id,omitempty"`
	Payload     string `json:"payload,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"`
	Updated     int64  `json:"updated,omitempty"`
	OrderValue  int64  `json:"order_value,omitempty"`
	FromHistory bool   `json:"from_history,omitempty"`

	// History acknowledgment fields.
	Count int `json:"count,omitempty"`

	// Call signaling fields.
	Signal    string `json:"signal,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	PeerID    string `json:"peer_id,omitempty"`
	Cause     string `json:"cause,omitempty"`
	StreamRef string `json:"stream_ref,omitempty"`
}

var eventKinds = map[string]models.LifecycleEventKind{
	"stored":           models.EventStored,
	"confirmed":        models.EventConfirmed,
	"discarded":        models.EventDiscarded,
	"expired":          models.EventExpired,
	"restored-expired": models.EventRestoredExpired,
	"edited":           models.EventEdited,
	"truncated":        models.EventTruncated,
}

var signalKinds = map[string]models.CallSignalKind{
	"invite":            models.SignalInvite,
	"accept":            models.SignalAccept,
	"reject":            models.SignalReject,
	"hangup":            models.SignalHangup,
	"media":             models.SignalMedia,
	"handled-elsewhere": models.SignalHandledElsewhere,
}

func (f wireFrame) toLifecycleEvent() (models.LifecycleEvent, error) {
	kind, ok := eventKinds[f.Event]
	if !ok {
		return models.LifecycleEvent{}, fmt.Errorf("unknown lifecycle event %q", f.Event)
	}
	var payload []byte
	if f.Payload != "" {
		raw, err := base64.StdEncoding.DecodeString(f.Payload)
		if err != nil {
			return models.LifecycleEvent{}, fmt.Errorf("invalid payload encoding: %w", err)
		}
		payload = raw
	}
	return models.LifecycleEvent{
		Kind:        kind,
		RoomID:      f.RoomID,
		MessageID:   f.MessageID,
		InternalID:  f.InternalID,
		SenderID:    f.SenderID,
		KeyID:       f.KeyID,
		Payload:     payload,
		Timestamp:   f.Timestamp,
		Updated:     f.Updated,
		OrderValue:  f.OrderValue,
		FromHistory: f.FromHistory,
	}, nil
}

func (f wireFrame) toCallSignal() (models.CallSignal, error) {
	kind, ok := signalKinds[f.Signal]
	if !ok {
		return models.CallSignal{}, fmt.Errorf("unknown call signal %q", f.Signal)
	}
	return models.CallSignal{
		Kind:      kind,
		RoomID:    f.RoomID,
		SessionID: f.SessionID,
		PeerID:    f.PeerID,
		Cause:     models.HangupCause(f.Cause),
		StreamRef: f.StreamRef,
	}, nil
}
