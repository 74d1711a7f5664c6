package call

import (
	"sync"
	"time"

	"chatcore/internal/errors"
	"chatcore/internal/metrics"
	"chatcore/internal/models"

	"github.com/sirupsen/logrus"
)

// allowedTransitions is the call lifecycle graph. Any transition not listed
// is a programming error routed through the assertion policy.
var allowedTransitions = map[models.CallState][]models.CallState{
	models.CallInitialised: {
		models.CallWaitingResponseIncoming,
		models.CallWaitingResponseOutgoing,
	},
	models.CallWaitingResponseOutgoing: {
		models.CallStarting,
		models.CallRejected,
		models.CallFailed,
		models.CallTimeout,
		models.CallAborted,
	},
	models.CallWaitingResponseIncoming: {
		models.CallStarting,
		models.CallFailed,
		models.CallMissed,
		models.CallHandledElsewhere,
		models.CallRejected,
	},
	models.CallStarting: {
		models.CallStarted,
		models.CallFailed,
		models.CallRejected,
	},
	models.CallStarted: {
		models.CallFailed,
		models.CallEnded,
	},
	models.CallRejected: {models.CallEnded},
	models.CallAborted:  {models.CallEnded},
}

// Events receives call lifecycle notifications.
type Events interface {
	OnStateChanged(sessionID string, from, to models.CallState)
	OnCallStarted(sessionID string)
	OnCallTerminated(sessionID string, state models.CallState)
}

// NopEvents discards all notifications.
type NopEvents struct{}

func (NopEvents) OnStateChanged(string, models.CallState, models.CallState) {}
func (NopEvents) OnCallStarted(string)                                      {}
func (NopEvents) OnCallTerminated(string, models.CallState)                 {}

// ActivitySignaler receives the periodic keep-alive emitted while a call is
// running.
type ActivitySignaler interface {
	SignalActive(sessionID string)
}

// Session tracks a single call from initiation through termination. The
// streams map is owned by the session; stream objects belong to the
// signaling layer and are referenced by id only. Mutation happens on the
// call's lifecycle thread; external readers use accessor snapshots.
type Session struct {
	mu sync.Mutex

	id     string
	roomID string
	state  models.CallState
	peer   models.Contact

	// streams maps peer id to a media stream reference.
	streams map[string]string

	startedAt        time.Time
	duration         time.Duration
	activityInterval time.Duration
	activityStop     chan struct{}
	signaler         ActivitySignaler

	// responseTimer bounds how long an outgoing call may ring unanswered.
	responseTimeout time.Duration
	responseTimer   *time.Timer

	events   Events
	asserter *errors.Asserter
	logger   *logrus.Entry
}

// SessionConfig bundles a session's collaborators.
type SessionConfig struct {
	ID               string
	RoomID           string
	Peer             models.Contact
	Events           Events
	Signaler         ActivitySignaler
	ActivityInterval time.Duration
	// ResponseTimeout bounds how long an outgoing call rings unanswered
	// before settling in Timeout. Zero disables the timer.
	ResponseTimeout time.Duration
	Asserter        *errors.Asserter
	Logger          *logrus.Logger
}

// NewSession creates a session in the Initialised state.
func NewSession(cfg SessionConfig) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
	}
	events := cfg.Events
	if events == nil {
		events = NopEvents{}
	}
	asserter := cfg.Asserter
	if asserter == nil {
		asserter = errors.NewAsserter(errors.AssertLog, errors.FromLogrus(logger))
	}
	return &Session{
		id:               cfg.ID,
		roomID:           cfg.RoomID,
		state:            models.CallInitialised,
		peer:             cfg.Peer,
		streams:          make(map[string]string),
		activityInterval: cfg.ActivityInterval,
		responseTimeout:  cfg.ResponseTimeout,
		signaler:         cfg.Signaler,
		events:           events,
		asserter:         asserter,
		logger: logger.WithFields(logrus.Fields{
			"session_id": cfg.ID,
			"room_id":    cfg.RoomID,
		}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// RoomID returns the owning room.
func (s *Session) RoomID() string { return s.roomID }

// State returns the current lifecycle state.
func (s *Session) State() models.CallState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Peer returns the resolved peer contact.
func (s *Session) Peer() models.Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// IsTerminated reports whether the call's outcome is decided.
func (s *Session) IsTerminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Terminal()
}

// Duration returns the running or final call duration.
func (s *Session) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == models.CallStarted {
		return time.Since(s.startedAt)
	}
	return s.duration
}

// Streams returns a snapshot of the peer-to-stream mapping.
func (s *Session) Streams() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.streams))
	for k, v := range s.streams {
		out[k] = v
	}
	return out
}

// AttachStream records a media stream reference for a peer.
func (s *Session) AttachStream(peerID, streamRef string) {
	s.mu.Lock()
	s.streams[peerID] = streamRef
	s.mu.Unlock()
}

// Transition moves the session to the given state, enforcing the lifecycle
// graph. An invalid transition goes through the assertion policy and
// returns its error in lenient mode.
func (s *Session) Transition(to models.CallState) error {
	s.mu.Lock()
	return s.transitionLocked(to)
}

// transitionLocked is Transition's body; it releases the mutex on every
// path so notifications run unlocked.
func (s *Session) transitionLocked(to models.CallState) error {
	from := s.state

	if !transitionAllowed(from, to) {
		s.mu.Unlock()
		return s.asserter.Fail(errors.NewTransitionError(s.id, from.String(), to.String()))
	}

	s.state = to
	if from == models.CallWaitingResponseOutgoing {
		s.stopResponseTimerLocked()
	}
	switch {
	case to == models.CallWaitingResponseOutgoing:
		s.armResponseTimerLocked()
	case to == models.CallStarted:
		s.startedAt = time.Now()
		s.startActivityLocked()
	case to.Terminal():
		if from == models.CallStarted {
			s.duration = time.Since(s.startedAt)
		}
		s.stopActivityLocked()
	}
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).Debug("Call state changed")
	metrics.IncrementCounter("call_transitions_total", map[string]string{"to": to.String()}, "Call state transitions")

	s.events.OnStateChanged(s.id, from, to)
	if to == models.CallStarted {
		s.events.OnCallStarted(s.id)
	}
	if to.Terminal() {
		s.events.OnCallTerminated(s.id, to)
	}
	return nil
}

func transitionAllowed(from, to models.CallState) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s *Session) startActivityLocked() {
	if s.signaler == nil || s.activityInterval <= 0 {
		return
	}
	stop := make(chan struct{})
	s.activityStop = stop
	go func() {
		ticker := time.NewTicker(s.activityInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.signaler.SignalActive(s.id)
			}
		}
	}()
}

func (s *Session) stopActivityLocked() {
	if s.activityStop != nil {
		close(s.activityStop)
		s.activityStop = nil
	}
}

func (s *Session) armResponseTimerLocked() {
	if s.responseTimeout <= 0 {
		return
	}
	s.responseTimer = time.AfterFunc(s.responseTimeout, s.onResponseTimeout)
}

func (s *Session) stopResponseTimerLocked() {
	if s.responseTimer != nil {
		s.responseTimer.Stop()
		s.responseTimer = nil
	}
}

// onResponseTimeout settles an outgoing call that was never answered. The
// state re-check under the lock guards against an answer racing the timer.
func (s *Session) onResponseTimeout() {
	s.mu.Lock()
	if s.state != models.CallWaitingResponseOutgoing {
		s.mu.Unlock()
		return
	}
	metrics.IncrementCounter("call_response_timeouts_total", nil, "Outgoing calls that rang out unanswered")
	if err := s.transitionLocked(models.CallTimeout); err != nil {
		s.logger.WithError(err).Warn("Failed to time out unanswered call")
	}
}

// EndCall maps an end reason and the current state to the hangup cause the
// signaling layer expects, then drives the session terminal. A session
// already terminal, or one whose state supports no hangup action for the
// reason, returns a typed no-op failure rather than asserting.
func (s *Session) EndCall(reason models.EndReason) (models.HangupCause, error) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	if state.Terminal() {
		return "", errors.New(errors.ErrCodeCallTerminated, "call already terminated").
			WithContext("session_id", s.id).
			WithContext("state", state.String())
	}

	cause, target := hangupFor(reason, state)
	if !transitionAllowed(state, target) {
		return "", errors.New(errors.ErrCodeCallTerminated, "no hangup action for call state").
			WithContext("session_id", s.id).
			WithContext("state", state.String()).
			WithContext("reason", string(reason))
	}
	if err := s.Transition(target); err != nil {
		return "", err
	}
	return cause, nil
}

// hangupFor maps reason x state to the wire cause code and the terminal
// state the session should settle in.
func hangupFor(reason models.EndReason, state models.CallState) (models.HangupCause, models.CallState) {
	switch reason {
	case models.EndReasonFailed:
		return models.CauseFailed, models.CallFailed
	case models.EndReasonBusy:
		return models.CauseBusy, models.CallRejected
	case models.EndReasonCaller:
		if state == models.CallWaitingResponseOutgoing {
			// Caller gave up before the callee answered.
			return models.CauseCanceled, models.CallAborted
		}
		if state == models.CallStarted {
			return models.CauseNormal, models.CallEnded
		}
		return models.CauseCanceled, models.CallAborted
	default:
		if state == models.CallStarted {
			return models.CauseOther, models.CallEnded
		}
		return models.CauseOther, models.CallFailed
	}
}
