package call

import (
	"sync"

	"chatcore/internal/errors"
	"chatcore/internal/metrics"
	"chatcore/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Registry owns the call sessions of all rooms. A room holds at most one
// active session: a fresh invite supersedes whatever was there, driving the
// old session terminal first. Signals address sessions by id, so a late
// signal for a superseded session still finds its target.
type Registry struct {
	mu sync.Mutex

	// byID holds every session not yet garbage-collected.
	byID map[string]*Session
	// activeByRoom holds the single live session per room.
	activeByRoom map[string]*Session

	sessionCfg SessionConfig
	logger     *logrus.Entry
}

// NewRegistry creates a registry. The template config supplies the shared
// collaborators (events, signaler, asserter, logger) for every session it
// creates.
func NewRegistry(template SessionConfig) *Registry {
	logger := template.Logger
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		byID:         make(map[string]*Session),
		activeByRoom: make(map[string]*Session),
		sessionCfg:   template,
		logger:       logger.WithField("component", "call-registry"),
	}
}

// Active returns the room's live session, if any.
func (g *Registry) Active(roomID string) (*Session, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.activeByRoom[roomID]
	return s, ok
}

// Get returns a session by id regardless of whether it is still active.
func (g *Registry) Get(sessionID string) (*Session, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.byID[sessionID]
	return s, ok
}

// StartOutgoing creates a session for a call the local user initiates and
// moves it to waiting-response. An empty session id gets a generated one.
func (g *Registry) StartOutgoing(sessionID, roomID string, peer models.Contact) (*Session, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	s := g.install(sessionID, roomID, peer)
	if err := s.Transition(models.CallWaitingResponseOutgoing); err != nil {
		return nil, err
	}
	return s, nil
}

// install creates and registers a session, superseding the room's previous
// one if still live.
func (g *Registry) install(sessionID, roomID string, peer models.Contact) *Session {
	cfg := g.sessionCfg
	cfg.ID = sessionID
	cfg.RoomID = roomID
	cfg.Peer = peer
	s := NewSession(cfg)

	g.mu.Lock()
	prev := g.activeByRoom[roomID]
	g.byID[sessionID] = s
	g.activeByRoom[roomID] = s
	g.mu.Unlock()

	if prev != nil && !prev.IsTerminated() {
		g.logger.WithFields(logrus.Fields{
			"room_id":    roomID,
			"superseded": prev.ID(),
			"session_id": sessionID,
		}).Info("Call session superseded")
		if _, err := prev.EndCall(models.EndReasonOther); err != nil {
			g.logger.WithError(err).WithField("session_id", prev.ID()).Warn("Failed to end superseded session")
		}
	}
	metrics.IncrementCounter("call_sessions_total", map[string]string{"room": roomID}, "Call sessions created")
	return s
}

// HandleSignal dispatches an inbound signaling event to its session. An
// invite creates the session; every other kind requires one to exist.
func (g *Registry) HandleSignal(sig models.CallSignal) error {
	if sig.Kind == models.SignalInvite {
		peer := models.Contact{UserID: sig.PeerID}
		s := g.install(sig.SessionID, sig.RoomID, peer)
		return s.Transition(models.CallWaitingResponseIncoming)
	}

	g.mu.Lock()
	s, ok := g.byID[sig.SessionID]
	g.mu.Unlock()
	if !ok {
		return errors.NewNotFoundError("call session", sig.SessionID)
	}

	switch sig.Kind {
	case models.SignalAccept:
		if err := s.Transition(models.CallStarting); err != nil {
			return err
		}
		if sig.StreamRef != "" {
			s.AttachStream(sig.PeerID, sig.StreamRef)
		}
		return nil
	case models.SignalMedia:
		if sig.StreamRef != "" {
			s.AttachStream(sig.PeerID, sig.StreamRef)
		}
		if s.State() == models.CallStarting {
			return s.Transition(models.CallStarted)
		}
		return nil
	case models.SignalReject:
		return s.Transition(models.CallRejected)
	case models.SignalHandledElsewhere:
		return s.Transition(models.CallHandledElsewhere)
	case models.SignalHangup:
		return g.handleHangup(s, sig.Cause)
	default:
		return errors.New(errors.ErrCodeInvalidInput, "unknown call signal kind").
			WithContext("kind", int(sig.Kind))
	}
}

// handleHangup settles a session on a remote hangup, mapping the wire cause
// to the appropriate terminal state for where the call currently is.
func (g *Registry) handleHangup(s *Session, cause models.HangupCause) error {
	if s.IsTerminated() {
		// Remote hangup raced a local termination; nothing left to do.
		return nil
	}
	var target models.CallState
	switch {
	case cause == models.CauseBusy:
		target = models.CallRejected
	case cause == models.CauseFailed:
		target = models.CallFailed
	case s.State() == models.CallStarted:
		target = models.CallEnded
	case s.State() == models.CallWaitingResponseIncoming:
		// Any other cause on a still-ringing incoming call means the caller
		// gave up: the call was missed, not aborted.
		target = models.CallMissed
	case s.State() == models.CallWaitingResponseOutgoing:
		target = models.CallAborted
	default:
		// Hung up mid-setup: the call never established.
		target = models.CallFailed
	}
	return s.Transition(target)
}

// EndCall terminates the room's active session with the given reason and
// returns the hangup cause to put on the wire.
func (g *Registry) EndCall(roomID string, reason models.EndReason) (models.HangupCause, error) {
	g.mu.Lock()
	s, ok := g.activeByRoom[roomID]
	g.mu.Unlock()
	if !ok {
		return "", errors.NewNotFoundError("call session", roomID)
	}
	return s.EndCall(reason)
}

// Collect drops terminated sessions from the registry. Live sessions and
// the active-per-room index are untouched.
func (g *Registry) Collect() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for id, s := range g.byID {
		if !s.IsTerminated() {
			continue
		}
		delete(g.byID, id)
		if g.activeByRoom[s.RoomID()] == s {
			delete(g.activeByRoom, s.RoomID())
		}
		removed++
	}
	return removed
}
