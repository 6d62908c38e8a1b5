package sip

import (
	"context"
	"log/slog"
	"sync"

	"softphoned/internal/broadcast"
)

// RegistrationController owns the connection/registration state machine and
// the transport lifecycle. All mutation happens under the shared manager lock:
// commands and transport events run to completion, never concurrently.
type RegistrationController struct {
	mu       *sync.Mutex
	factory  TransportFactory
	sessions *SessionController
	bc       broadcast.Broadcaster
	log      *slog.Logger

	transport Transport
	cfg       TransportConfig
	state     RegistrationState
	cause     string
}

func NewRegistrationController(mu *sync.Mutex, factory TransportFactory, sessions *SessionController, bc broadcast.Broadcaster, log *slog.Logger) *RegistrationController {
	if log == nil {
		log = slog.Default()
	}
	rc := &RegistrationController{
		mu:       mu,
		factory:  factory,
		sessions: sessions,
		bc:       bc,
		log:      log,
		state:    RegUnregistered,
	}
	sessions.reg = rc
	return rc
}

// Start connects and registers with the configured server. Calling it while
// already connecting or registered is a no-op. An incomplete configuration
// fails fast without touching the network.
func (rc *RegistrationController) Start(cfg TransportConfig) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.transport != nil {
		switch rc.state {
		case RegConnecting, RegConnected, RegRegistered:
			rc.log.Debug("registration already in progress", "state", rc.state)
			return nil
		}
	}

	if !cfg.Complete() {
		rc.setStateLocked(RegFailed, "config")
		return ErrIncompleteConfig
	}

	t, err := rc.factory(cfg)
	if err != nil {
		rc.setStateLocked(RegFailed, err.Error())
		return err
	}
	rc.transport = t
	rc.cfg = cfg
	rc.setStateLocked(RegConnecting, "")

	if err := t.Start(); err != nil {
		rc.transport = nil
		rc.setStateLocked(RegFailed, err.Error())
		return err
	}

	go rc.dispatch(t)
	return nil
}

// Stop unregisters if needed, stops the transport and resets the call state;
// an active call never outlives its registration.
func (rc *RegistrationController) Stop() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.stopLocked()
}

// Status returns the current state and, for Failed, its cause.
func (rc *RegistrationController) Status() (RegistrationState, string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state, rc.cause
}

// dispatch is the single consumer of one transport's event stream. It exits
// when Stop closes the channel.
func (rc *RegistrationController) dispatch(t Transport) {
	for ev := range t.Events() {
		rc.handle(t, ev)
	}
}

func (rc *RegistrationController) handle(t Transport, ev Event) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.transport != t {
		// Event from a transport that was already stopped/replaced.
		return
	}

	switch e := ev.(type) {
	case Connecting:
		rc.setStateLocked(RegConnecting, "")
	case Connected:
		rc.setStateLocked(RegConnected, "")
	case Registered:
		rc.setStateLocked(RegRegistered, "")
	case Unregistered:
		// A late unregister must not mask a failure already surfaced.
		if rc.state != RegFailed {
			rc.setStateLocked(RegUnregistered, "")
		}
	case RegistrationFailed:
		rc.setStateLocked(RegFailed, e.Cause)
		rc.stopLocked()
	case Disconnected:
		if rc.state != RegFailed {
			rc.setStateLocked(RegUnregistered, "")
		}
		rc.stopLocked()
	default:
		rc.sessions.handleEventLocked(ev)
	}
}

func (rc *RegistrationController) stopLocked() {
	if rc.transport == nil {
		return
	}
	t := rc.transport
	if rc.state == RegRegistered {
		t.Unregister()
	}
	rc.transport = nil
	t.Stop()
	if rc.state != RegUnregistered && rc.state != RegFailed {
		rc.setStateLocked(RegUnregistered, "")
	}
	rc.sessions.resetLocked()
}

func (rc *RegistrationController) registeredLocked() bool {
	return rc.transport != nil && rc.state == RegRegistered
}

func (rc *RegistrationController) domainLocked() string {
	return rc.cfg.Server
}

func (rc *RegistrationController) setStateLocked(s RegistrationState, cause string) {
	if rc.state == s && rc.cause == cause {
		return
	}
	rc.log.Info("registration state changed", "from", rc.state, "to", s, "cause", cause)
	rc.state = s
	rc.cause = cause
	rc.bc.Publish(context.Background(), broadcast.New(broadcast.TypeRegistrationStatus, RegistrationStatus{State: s, Cause: cause}))
}
