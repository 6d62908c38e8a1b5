package sip

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"softphoned/internal/broadcast"
)

// DefaultIdleDecay is how long Ended/Failed stay visible before the state
// machine rests back at Idle.
const DefaultIdleDecay = time.Second

// MuteStatus is the broadcast payload for mute changes.
type MuteStatus struct {
	Muted bool `json:"muted"`
}

// SessionController owns the at-most-one call session. Its state only enters
// call-established states (Active, Held, RemoteHeld) on transport events,
// never on local requests; requests move it into pending states or fail it.
type SessionController struct {
	mu  *sync.Mutex
	reg *RegistrationController
	bc  broadcast.Broadcaster
	log *slog.Logger

	state   CallStatus
	session Session

	decay      time.Duration
	decayGen   int
	decayTimer *time.Timer
}

func NewSessionController(mu *sync.Mutex, bc broadcast.Broadcaster, log *slog.Logger, decay time.Duration) *SessionController {
	if log == nil {
		log = slog.Default()
	}
	if decay <= 0 {
		decay = DefaultIdleDecay
	}
	return &SessionController{
		mu:    mu,
		bc:    bc,
		log:   log,
		state: CallStatus{State: CallIdle},
		decay: decay,
	}
}

// Status returns the current call state with its details.
func (sc *SessionController) Status() CallStatus {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.state
}

// Dial places an outgoing call. Requires an active registration and a free
// session slot. The state moves to Calling when the transport reports the new
// session; a transport-level construction error fails the attempt directly.
func (sc *SessionController) Dial(target string, opts CallOptions) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if !sc.reg.registeredLocked() {
		return ErrNotRegistered
	}
	if sc.session != nil {
		return ErrCallInProgress
	}

	uri := target
	if !strings.HasPrefix(uri, "sip:") && !strings.Contains(uri, "@") {
		uri = "sip:" + target + "@" + sc.reg.domainLocked()
	}

	sc.log.Info("dialing", "target", uri)
	if err := sc.reg.transport.Call(uri, opts); err != nil {
		sc.log.Error("call initiation failed", "target", uri, "err", err)
		sc.setStateLocked(CallStatus{State: CallFailed, Cause: "dial-error"})
		sc.scheduleDecayLocked()
		return err
	}
	return nil
}

// Answer accepts the current incoming call. Valid only in Incoming; the state
// progresses to Active through session events, not through this call.
func (sc *SessionController) Answer(opts CallOptions) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.session == nil || sc.state.State != CallIncoming {
		return ErrNoIncomingCall
	}
	return sc.session.Answer(opts)
}

// HangUp terminates the current session. The termination reason depends on
// the call phase: an unanswered incoming call is declined, an outgoing call
// still ringing is cancelled, anything else gets the standard termination.
func (sc *SessionController) HangUp() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.session == nil {
		return ErrNoActiveCall
	}
	if sc.session.Ended() {
		return ErrCallEnded
	}

	var err error
	switch sc.state.State {
	case CallIncoming:
		err = sc.session.Terminate(603, "Decline")
	case CallCalling:
		err = sc.session.Terminate(487, "Request Terminated")
	default:
		err = sc.session.Terminate(0, "")
	}
	if err != nil {
		// The transport refused the termination; do not leave a stuck call.
		sc.log.Error("hangup failed", "err", err)
		sc.session = nil
		sc.setStateLocked(CallStatus{State: CallFailed, Cause: "hangup-error"})
		sc.scheduleDecayLocked()
		return err
	}
	// The session reference clears when the transport confirms the end.
	return nil
}

// SetMute forwards to the transport; the mute broadcast follows from the
// transport's event, not from this call.
func (sc *SessionController) SetMute(muted bool) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.session == nil {
		return ErrNoActiveCall
	}
	return sc.session.Mute(muted)
}

// SetHold forwards to the transport; the state changes when the hold event
// arrives.
func (sc *SessionController) SetHold(hold bool) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.session == nil {
		return ErrNoActiveCall
	}
	return sc.session.Hold(hold)
}

// handleEventLocked consumes session events. Caller holds the lock; this is
// the only writer that can occupy the session slot.
func (sc *SessionController) handleEventLocked(ev Event) {
	switch e := ev.(type) {
	case NewSession:
		if sc.session != nil {
			// Busy: reject at the boundary, never adopt a second session.
			sc.log.Warn("rejecting session while another is active", "remote", e.RemoteIdentity)
			if err := e.Session.Terminate(486, "Busy Here"); err != nil {
				sc.log.Error("busy reject failed", "err", err)
			}
			return
		}
		// A new call cancels a pending Ended/Failed decay so the timer cannot
		// reset it back to Idle.
		sc.cancelDecayLocked()
		sc.session = e.Session
		if e.Origin == OriginRemote {
			sc.log.Info("incoming call", "from", e.RemoteIdentity)
			sc.setStateLocked(CallStatus{State: CallIncoming, CallerID: e.RemoteIdentity})
		} else {
			sc.setStateLocked(CallStatus{State: CallCalling})
		}
	case SessionAccepted:
		if e.Session == sc.session {
			sc.setStateLocked(CallStatus{State: CallActive})
		}
	case SessionConfirmed:
		if e.Session == sc.session {
			sc.setStateLocked(CallStatus{State: CallActive})
		}
	case SessionHold:
		if e.Session != sc.session {
			return
		}
		if e.Origin == OriginLocal {
			sc.setStateLocked(CallStatus{State: CallHeld})
		} else {
			sc.setStateLocked(CallStatus{State: CallRemoteHeld})
		}
	case SessionUnhold:
		if e.Session == sc.session {
			sc.setStateLocked(CallStatus{State: CallActive})
		}
	case SessionMuted:
		if e.Session == sc.session {
			sc.bc.Publish(context.Background(), broadcast.New(broadcast.TypeMuteStatus, MuteStatus{Muted: e.Muted}))
		}
	case SessionEnded:
		if e.Session != sc.session {
			return
		}
		sc.session = nil
		sc.setStateLocked(CallStatus{State: CallEnded, Cause: e.Cause})
		sc.scheduleDecayLocked()
	case SessionFailed:
		if e.Session != sc.session {
			return
		}
		sc.session = nil
		sc.setStateLocked(CallStatus{State: CallFailed, Cause: e.Cause})
		sc.scheduleDecayLocked()
	}
}

// resetLocked returns the machine to Idle when the registration stops.
func (sc *SessionController) resetLocked() {
	sc.session = nil
	sc.cancelDecayLocked()
	sc.setStateLocked(CallStatus{State: CallIdle})
}

func (sc *SessionController) scheduleDecayLocked() {
	sc.decayGen++
	gen := sc.decayGen
	sc.decayTimer = time.AfterFunc(sc.decay, func() {
		sc.mu.Lock()
		defer sc.mu.Unlock()
		if sc.decayGen != gen {
			return
		}
		if sc.state.State == CallEnded || sc.state.State == CallFailed {
			sc.setStateLocked(CallStatus{State: CallIdle})
		}
	})
}

func (sc *SessionController) cancelDecayLocked() {
	sc.decayGen++
	if sc.decayTimer != nil {
		sc.decayTimer.Stop()
		sc.decayTimer = nil
	}
}

func (sc *SessionController) setStateLocked(st CallStatus) {
	if sc.state == st {
		return
	}
	sc.log.Info("call state changed", "from", sc.state.State, "to", st.State, "cause", st.Cause)
	sc.state = st
	sc.bc.Publish(context.Background(), broadcast.New(broadcast.TypeCallState, st))
}
