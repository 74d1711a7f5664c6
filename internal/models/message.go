package models

import (
	"fmt"
)

// MessageState is the finite set of delivery states a message can be in.
type MessageState int

const (
	StateNull MessageState = iota
	StateNotSent
	StateSent
	StateNotSentExpired
	StateDelivered
	StateSeen
	StateNotSeen
	StateDeleted
)

func (s MessageState) String() string {
	switch s {
	case StateNull:
		return "null"
	case StateNotSent:
		return "not-sent"
	case StateSent:
		return "sent"
	case StateNotSentExpired:
		return "not-sent-expired"
	case StateDelivered:
		return "delivered"
	case StateSeen:
		return "seen"
	case StateNotSeen:
		return "not-seen"
	case StateDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// DialogType tags management messages (participant changes, topic changes,
// truncation markers) so the UI can render them apart from payload messages.
type DialogType string

const (
	DialogNone              DialogType = ""
	DialogParticipantChange DialogType = "participant-change"
	DialogTopicChange       DialogType = "topic-change"
	DialogTruncate          DialogType = "truncate"
	DialogCall              DialogType = "call"
)

// MessageRecord is the store entity for a single message. Exactly one record
// exists per message id at any time; replacement is atomic.
type MessageRecord struct {
	// MessageID is the store key. Before backend confirmation a self-authored
	// message carries its client-local pending id here.
	MessageID string
	SenderID  string
	KeyID     string

	// Payload is the ciphertext as received. TextContents stays nil until
	// decryption settles.
	Payload      []byte
	TextContents *string

	// SendTimestamp is seconds since epoch, authoritative once confirmed.
	SendTimestamp int64
	// OrderValue is the backend-assigned monotonic sequence number. Zero
	// means not yet confirmed.
	OrderValue int64
	EditedAt   *int64

	// Sent reports backend confirmation for self-authored messages.
	Sent bool
	// Expired marks a send that timed out before confirmation landed.
	Expired bool
	// RequiresManualRetry is set when automatic resend is not safe.
	RequiresManualRetry bool

	Deleted bool
	Revoked bool

	DialogType DialogType

	// References and Identity are causal-order markers: the identities of
	// prior messages this one was composed after, used for tamper detection.
	References []string
	Identity   string
}

// Renderable reports whether the record may be shown as content.
func (r *MessageRecord) Renderable() bool {
	return r != nil && !r.Deleted && !r.Revoked
}

// Decrypted reports whether the payload has settled into text.
func (r *MessageRecord) Decrypted() bool {
	return r != nil && r.TextContents != nil
}

// Clone returns a deep copy. The store hands copies to listeners so callers
// cannot mutate records behind its back.
func (r *MessageRecord) Clone() *MessageRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.Payload != nil {
		c.Payload = append([]byte(nil), r.Payload...)
	}
	if r.TextContents != nil {
		t := *r.TextContents
		c.TextContents = &t
	}
	if r.EditedAt != nil {
		e := *r.EditedAt
		c.EditedAt = &e
	}
	if r.References != nil {
		c.References = append([]string(nil), r.References...)
	}
	return &c
}

// OrderBefore reports whether r sorts strictly before other in the store's
// total order of (order_value, send_timestamp). A zero order value means
// the backend has not assigned one yet and compares as +infinity, so
// unconfirmed records always sort after confirmed history.
func (r *MessageRecord) OrderBefore(other *MessageRecord) bool {
	if r.OrderValue != other.OrderValue {
		if r.OrderValue == 0 {
			return false
		}
		if other.OrderValue == 0 {
			return true
		}
		return r.OrderValue < other.OrderValue
	}
	return r.SendTimestamp < other.SendTimestamp
}
