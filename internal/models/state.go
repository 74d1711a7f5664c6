package models

import "fmt"

// StateView is the room-local context a state derivation needs: who "self"
// is and where the seen/delivered markers sit. Missing markers compare as
// order value 0; a missing comparison target compares as +infinity. The
// fallbacks exist only at comparison sites and are never stored.
type StateView struct {
	SelfUserID         string
	LastSeenOrder      int64
	LastDeliveredOrder int64
}

// DeriveState computes the message state as a pure function of the record
// and the room view. It never mutates the record. A record no rule matches
// is a modeling error and is returned as such, not defaulted.
func DeriveState(rec *MessageRecord, view StateView) (MessageState, error) {
	if rec == nil {
		return StateNull, nil
	}
	if rec.SenderID == "" {
		return StateNull, fmt.Errorf("state underivable: record %q has no sender", rec.MessageID)
	}

	if rec.Deleted {
		return StateDeleted, nil
	}

	if rec.SenderID == view.SelfUserID {
		switch {
		case rec.Expired:
			return StateNotSentExpired, nil
		case !rec.Sent:
			return StateNotSent, nil
		case rec.OrderValue != 0 && rec.OrderValue <= view.LastDeliveredOrder:
			return StateDelivered, nil
		default:
			return StateSent, nil
		}
	}

	// Remote authorship: seen is purely a comparison against the room's
	// last-seen marker.
	if rec.OrderValue <= view.LastSeenOrder {
		return StateSeen, nil
	}
	return StateNotSeen, nil
}
