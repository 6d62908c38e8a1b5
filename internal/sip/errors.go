package sip

import "errors"

var (
	ErrIncompleteConfig = errors.New("sip configuration is incomplete")
	ErrNotRegistered    = errors.New("not registered")
	ErrCallInProgress   = errors.New("another call is active")
	ErrNoIncomingCall   = errors.New("no incoming call to answer")
	ErrNoActiveCall     = errors.New("no active call")
	ErrCallEnded        = errors.New("call already ended")
)
