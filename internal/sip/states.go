package sip

// RegistrationState is the connection/registration state against the
// signaling server. Owned exclusively by the RegistrationController.
type RegistrationState string

const (
	RegUnregistered RegistrationState = "Unregistered"
	RegConnecting   RegistrationState = "Connecting"
	RegConnected    RegistrationState = "Connected"
	RegRegistered   RegistrationState = "Registered"
	RegFailed       RegistrationState = "Failed"
)

// CallState is the state of the at-most-one call session. Idle is both the
// initial and the resting state; Ended and Failed decay back to Idle.
type CallState string

const (
	CallIdle       CallState = "Idle"
	CallCalling    CallState = "Calling"
	CallIncoming   CallState = "Incoming"
	CallActive     CallState = "Active"
	CallHeld       CallState = "Held"
	CallRemoteHeld CallState = "RemoteHeld"
	CallEnded      CallState = "Ended"
	CallFailed     CallState = "Failed"
)

// Origin tells which side initiated a session or an in-call action.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// RegistrationStatus is the broadcast payload for registration changes.
type RegistrationStatus struct {
	State RegistrationState `json:"state"`
	Cause string            `json:"cause,omitempty"`
}

// CallStatus is the broadcast payload for call-state changes.
type CallStatus struct {
	State    CallState `json:"state"`
	CallerID string    `json:"callerId,omitempty"`
	Cause    string    `json:"cause,omitempty"`
}
