package models

import "fmt"

// CallState is the lifecycle state of a single call session.
type CallState int

const (
	CallInitialised CallState = iota
	CallWaitingResponseOutgoing
	CallWaitingResponseIncoming
	CallStarting
	CallStarted
	CallRejected
	CallAborted
	CallMissed
	CallHandledElsewhere
	CallFailed
	CallTimeout
	CallEnded
)

func (s CallState) String() string {
	switch s {
	case CallInitialised:
		return "initialised"
	case CallWaitingResponseOutgoing:
		return "waiting-response-outgoing"
	case CallWaitingResponseIncoming:
		return "waiting-response-incoming"
	case CallStarting:
		return "starting"
	case CallStarted:
		return "started"
	case CallRejected:
		return "rejected"
	case CallAborted:
		return "aborted"
	case CallMissed:
		return "missed"
	case CallHandledElsewhere:
		return "handled-elsewhere"
	case CallFailed:
		return "failed"
	case CallTimeout:
		return "timeout"
	case CallEnded:
		return "ended"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Terminal reports whether the call's outcome is decided and no further
// media-level transition is expected.
func (s CallState) Terminal() bool {
	switch s {
	case CallEnded, CallRejected, CallAborted, CallFailed, CallMissed,
		CallTimeout, CallHandledElsewhere:
		return true
	}
	return false
}

// EndReason is the caller-supplied reason passed to EndCall.
type EndReason string

const (
	EndReasonFailed EndReason = "failed"
	EndReasonBusy   EndReason = "busy"
	EndReasonCaller EndReason = "caller"
	EndReasonOther  EndReason = "other"
)

// HangupCause is the wire-level cause code sent to the signaling layer.
type HangupCause string

const (
	CauseNormal   HangupCause = "normal"
	CauseCanceled HangupCause = "canceled"
	CauseBusy     HangupCause = "busy"
	CauseFailed   HangupCause = "failed"
	CauseRejected HangupCause = "rejected"
	CauseOther    HangupCause = "other"
)

// CallSignalKind is the closed union of inbound call signaling events.
type CallSignalKind int

const (
	SignalInvite CallSignalKind = iota
	SignalAccept
	SignalReject
	SignalHangup
	SignalMedia
	SignalHandledElsewhere
)

// CallSignal is a single inbound signaling event for a call session.
type CallSignal struct {
	Kind      CallSignalKind
	RoomID    string
	SessionID string
	PeerID    string
	// Cause carries the termination code on reject/hangup.
	Cause HangupCause
	// StreamRef identifies a media stream owned by the signaling layer.
	StreamRef string
}

// Contact is a resolved directory entry for a peer.
type Contact struct {
	UserID      string
	DisplayName string
}
