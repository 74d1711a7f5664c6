package models

import "fmt"

// LifecycleEventKind is the closed union of inbound message lifecycle
// events. Dispatching over it is exhaustive; an unknown kind is a
// programming error, not a silently dropped event.
type LifecycleEventKind int

const (
	EventStored LifecycleEventKind = iota
	EventConfirmed
	EventDiscarded
	EventExpired
	EventRestoredExpired
	EventEdited
	EventTruncated
)

func (k LifecycleEventKind) String() string {
	switch k {
	case EventStored:
		return "stored"
	case EventConfirmed:
		return "confirmed"
	case EventDiscarded:
		return "discarded"
	case EventExpired:
		return "expired"
	case EventRestoredExpired:
		return "restored-expired"
	case EventEdited:
		return "edited"
	case EventTruncated:
		return "truncated"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// LifecycleEvent is a single inbound message event from the transport
// layer. Identifiers are opaque; pending (client-local) ids travel in
// InternalID while MessageID carries the backend-assigned id once known.
type LifecycleEvent struct {
	Kind       LifecycleEventKind
	RoomID     string
	MessageID  string
	InternalID string
	SenderID   string
	KeyID      string
	Payload    []byte
	// Timestamp is the send time in seconds since epoch.
	Timestamp int64
	// Updated carries the edit time for Edited events, zero otherwise.
	Updated    int64
	OrderValue int64
	// FromHistory marks events replayed from a backward history page.
	FromHistory bool
}

// PayloadKind discriminates what a decrypted payload represents.
type PayloadKind int

const (
	PayloadNormal PayloadKind = iota
	PayloadTruncate
)

// DecryptedPayload is the result of the decryption capability.
type DecryptedPayload struct {
	Text string
	Kind PayloadKind
	// References and Identity are optional causal-order markers carried
	// inside the plaintext envelope.
	References []string
	Identity   string
}
