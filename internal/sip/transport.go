package sip

import (
	"fmt"
	"strings"
)

// Transport is the signaling boundary. Implementations own the wire protocol
// and surface lifecycle changes as tagged events on a single channel; the
// controllers never learn transport internals.
//
// Contract:
// - Events() is closed by Stop(); after that no more events arrive.
// - Stop must not block on event delivery.
// - Call reports only the invocation attempt; progress arrives as events,
//   starting with NewSession carrying OriginLocal.
type Transport interface {
	Start() error
	Stop()
	// Unregister issues an unregister request; the state settles through the
	// Unregistered event, not synchronously.
	Unregister()
	Call(target string, opts CallOptions) error
	Events() <-chan Event
}

// Session is one call's signaling context, owned by the transport.
type Session interface {
	ID() string
	RemoteIdentity() string
	Answer(opts CallOptions) error
	// Terminate ends the session. code 0 means the standard termination for
	// the session's current phase (BYE for established calls).
	Terminate(code int, reason string) error
	Hold(hold bool) error
	Mute(muted bool) error
	Ended() bool
}

// CallOptions carries per-call media preferences. Calls are audio-only.
type CallOptions struct {
	AudioInputDeviceID string
}

// TransportFactory builds a transport for one registration attempt.
type TransportFactory func(cfg TransportConfig) (Transport, error)

// TransportConfig is everything a transport needs to connect and register.
// The password arrives from the vault, never from the persisted record.
type TransportConfig struct {
	Server      string
	Port        int
	Username    string
	Password    string
	DisplayName string
	// Scheme is "WSS" or "WS"; unknown values fall back to WSS.
	Scheme string
}

// ServerAddress builds the endpoint URI with the scheme's default port when
// none is configured.
func (c TransportConfig) ServerAddress() string {
	scheme, port := "wss", 443
	if strings.EqualFold(c.Scheme, "WS") {
		scheme, port = "ws", 80
	}
	if c.Port > 0 {
		port = c.Port
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Server, port)
}

// URI is the SIP address-of-record for the configured account.
func (c TransportConfig) URI() string {
	return "sip:" + c.Username + "@" + c.Server
}

// Complete reports whether the config can be used to attempt a registration.
func (c TransportConfig) Complete() bool {
	return c.Server != "" && c.Username != "" && c.Password != ""
}

// Event is a tagged message from the transport, consumed by a single
// dispatcher. Only these messages move the established-call states.
type Event interface{ isTransportEvent() }

// Connection/registration lifecycle.
type (
	Connecting         struct{}
	Connected          struct{}
	Registered         struct{}
	Unregistered       struct{}
	RegistrationFailed struct{ Cause string }
	Disconnected       struct{}
)

func (Connecting) isTransportEvent()         {}
func (Connected) isTransportEvent()          {}
func (Registered) isTransportEvent()         {}
func (Unregistered) isTransportEvent()       {}
func (RegistrationFailed) isTransportEvent() {}
func (Disconnected) isTransportEvent()       {}

// Session lifecycle.
type (
	NewSession struct {
		Session        Session
		Origin         Origin
		RemoteIdentity string
	}
	SessionAccepted  struct{ Session Session }
	SessionConfirmed struct{ Session Session }
	SessionHold      struct {
		Session Session
		Origin  Origin
	}
	SessionUnhold struct{ Session Session }
	SessionMuted  struct {
		Session Session
		Muted   bool
	}
	SessionEnded struct {
		Session Session
		Cause   string
	}
	SessionFailed struct {
		Session Session
		Cause   string
	}
)

func (NewSession) isTransportEvent()       {}
func (SessionAccepted) isTransportEvent()  {}
func (SessionConfirmed) isTransportEvent() {}
func (SessionHold) isTransportEvent()      {}
func (SessionUnhold) isTransportEvent()    {}
func (SessionMuted) isTransportEvent()     {}
func (SessionEnded) isTransportEvent()     {}
func (SessionFailed) isTransportEvent()    {}
