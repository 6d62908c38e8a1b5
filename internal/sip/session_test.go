package sip

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"softphoned/internal/broadcast"
)

func TestDialRequiresRegistration(t *testing.T) {
	rig := newTestRig(t, 0)
	if err := rig.sc.Dial("alice", CallOptions{}); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("Dial err = %v, want ErrNotRegistered", err)
	}
	if st := rig.sc.Status(); st.State != CallIdle {
		t.Fatalf("state = %s, want Idle", st.State)
	}
	if got := rig.bc.ofType(broadcast.TypeCallState); len(got) != 0 {
		t.Fatalf("unexpected call-state broadcasts: %d", len(got))
	}
}

func TestDialQualifiesBareTargets(t *testing.T) {
	rig := newTestRig(t, 0)
	rig.register(t)

	if err := rig.sc.Dial("alice", CallOptions{}); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := rig.sc.Dial("sip:bob@other.example.org", CallOptions{}); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	want := []string{"sip:alice@sip.example.com", "sip:bob@other.example.org"}
	if len(rig.ft.calls) != 2 || rig.ft.calls[0] != want[0] || rig.ft.calls[1] != want[1] {
		t.Fatalf("calls = %v, want %v", rig.ft.calls, want)
	}
}

func TestDialStaysPendingUntilSessionEvent(t *testing.T) {
	rig := newTestRig(t, 0)
	rig.register(t)

	if err := rig.sc.Dial("alice", CallOptions{}); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	// The state only moves when the transport reports the session.
	if st := rig.sc.Status(); st.State != CallIdle {
		t.Fatalf("state = %s before NewSession, want Idle", st.State)
	}

	s := &fakeSession{id: "c1"}
	rig.rc.handle(rig.ft, NewSession{Session: s, Origin: OriginLocal})
	if st := rig.sc.Status(); st.State != CallCalling {
		t.Fatalf("state = %s, want Calling", st.State)
	}

	rig.rc.handle(rig.ft, SessionAccepted{Session: s})
	if st := rig.sc.Status(); st.State != CallActive {
		t.Fatalf("state = %s, want Active", st.State)
	}
}

func TestDialTransportErrorFailsAndDecays(t *testing.T) {
	rig := newTestRig(t, 20*time.Millisecond)
	rig.register(t)
	rig.ft.callErr = errors.New("socket closed")

	if err := rig.sc.Dial("alice", CallOptions{}); err == nil {
		t.Fatal("Dial succeeded with a failing transport")
	}
	if st := rig.sc.Status(); st.State != CallFailed || st.Cause != "dial-error" {
		t.Fatalf("status = %s/%q, want Failed/dial-error", st.State, st.Cause)
	}

	waitFor(t, func() bool { return rig.sc.Status().State == CallIdle })
}

func TestSecondIncomingCallRejectedBusy(t *testing.T) {
	rig := newTestRig(t, 0)
	rig.register(t)

	first := &fakeSession{id: "c1", remote: "sip:alice@sip.example.com"}
	rig.rc.handle(rig.ft, NewSession{Session: first, Origin: OriginRemote, RemoteIdentity: first.remote})
	rig.rc.handle(rig.ft, SessionAccepted{Session: first})

	stateBroadcasts := len(rig.bc.ofType(broadcast.TypeCallState))

	second := &fakeSession{id: "c2", remote: "sip:eve@sip.example.com"}
	rig.rc.handle(rig.ft, NewSession{Session: second, Origin: OriginRemote, RemoteIdentity: second.remote})

	if !second.terminated || second.termCode != 486 || second.termReason != "Busy Here" {
		t.Fatalf("busy reject = %v %d %q, want 486 Busy Here", second.terminated, second.termCode, second.termReason)
	}
	if st := rig.sc.Status(); st.State != CallActive {
		t.Fatalf("state = %s, want Active untouched", st.State)
	}
	if got := len(rig.bc.ofType(broadcast.TypeCallState)); got != stateBroadcasts {
		t.Fatalf("busy reject broadcast a state change: %d -> %d", stateBroadcasts, got)
	}

	// Events for the rejected session must not leak into the active call.
	rig.rc.handle(rig.ft, SessionEnded{Session: second, Cause: "Rejected"})
	if st := rig.sc.Status(); st.State != CallActive {
		t.Fatalf("rejected session's end changed state to %s", st.State)
	}
}

func TestAnswerOnlyWhenIncoming(t *testing.T) {
	rig := newTestRig(t, 0)
	rig.register(t)

	if err := rig.sc.Answer(CallOptions{}); !errors.Is(err, ErrNoIncomingCall) {
		t.Fatalf("Answer err = %v, want ErrNoIncomingCall", err)
	}

	s := &fakeSession{id: "c1", remote: "sip:alice@sip.example.com"}
	rig.rc.handle(rig.ft, NewSession{Session: s, Origin: OriginRemote, RemoteIdentity: s.remote})
	if st := rig.sc.Status(); st.State != CallIncoming || st.CallerID != s.remote {
		t.Fatalf("status = %s/%q, want Incoming with caller id", st.State, st.CallerID)
	}

	if err := rig.sc.Answer(CallOptions{}); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if !s.answered {
		t.Fatal("Answer did not reach the session")
	}
	// No optimistic transition; Active comes from the accept event.
	if st := rig.sc.Status(); st.State != CallIncoming {
		t.Fatalf("state = %s right after Answer, want Incoming", st.State)
	}
	rig.rc.handle(rig.ft, SessionAccepted{Session: s})
	if st := rig.sc.Status(); st.State != CallActive {
		t.Fatalf("state = %s, want Active", st.State)
	}
}

func TestHangUpUsesPhaseSpecificTermination(t *testing.T) {
	cases := []struct {
		name       string
		setup      func(rig *testRig, s *fakeSession)
		wantCode   int
		wantReason string
	}{
		{
			name: "incoming declines",
			setup: func(rig *testRig, s *fakeSession) {
				rig.rc.handle(rig.ft, NewSession{Session: s, Origin: OriginRemote, RemoteIdentity: "sip:a@b"})
			},
			wantCode:   603,
			wantReason: "Decline",
		},
		{
			name: "calling cancels",
			setup: func(rig *testRig, s *fakeSession) {
				rig.rc.handle(rig.ft, NewSession{Session: s, Origin: OriginLocal})
			},
			wantCode:   487,
			wantReason: "Request Terminated",
		},
		{
			name: "active sends standard termination",
			setup: func(rig *testRig, s *fakeSession) {
				rig.rc.handle(rig.ft, NewSession{Session: s, Origin: OriginLocal})
				rig.rc.handle(rig.ft, SessionConfirmed{Session: s})
			},
			wantCode: 0,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rig := newTestRig(t, 0)
			rig.register(t)
			s := &fakeSession{id: "c1"}
			tc.setup(rig, s)

			if err := rig.sc.HangUp(); err != nil {
				t.Fatalf("HangUp: %v", err)
			}
			if !s.terminated || s.termCode != tc.wantCode || s.termReason != tc.wantReason {
				t.Fatalf("terminate = %v %d %q, want %d %q", s.terminated, s.termCode, s.termReason, tc.wantCode, tc.wantReason)
			}
		})
	}
}

func TestHangUpWithoutCall(t *testing.T) {
	rig := newTestRig(t, 0)
	rig.register(t)

	if err := rig.sc.HangUp(); !errors.Is(err, ErrNoActiveCall) {
		t.Fatalf("HangUp err = %v, want ErrNoActiveCall", err)
	}

	s := &fakeSession{id: "c1", ended: true}
	rig.rc.handle(rig.ft, NewSession{Session: s, Origin: OriginLocal})
	if err := rig.sc.HangUp(); !errors.Is(err, ErrCallEnded) {
		t.Fatalf("HangUp err = %v, want ErrCallEnded", err)
	}
}

func TestHangUpErrorForcesFailed(t *testing.T) {
	rig := newTestRig(t, 20*time.Millisecond)
	rig.register(t)

	s := &fakeSession{id: "c1", termErr: errors.New("transport gone")}
	rig.rc.handle(rig.ft, NewSession{Session: s, Origin: OriginLocal})

	if err := rig.sc.HangUp(); err == nil {
		t.Fatal("HangUp swallowed the transport error")
	}
	if st := rig.sc.Status(); st.State != CallFailed || st.Cause != "hangup-error" {
		t.Fatalf("status = %s/%q, want Failed/hangup-error", st.State, st.Cause)
	}
	waitFor(t, func() bool { return rig.sc.Status().State == CallIdle })
}

func TestHoldTransitions(t *testing.T) {
	rig := newTestRig(t, 0)
	rig.register(t)

	s := &fakeSession{id: "c1"}
	rig.rc.handle(rig.ft, NewSession{Session: s, Origin: OriginLocal})
	rig.rc.handle(rig.ft, SessionConfirmed{Session: s})

	rig.rc.handle(rig.ft, SessionHold{Session: s, Origin: OriginLocal})
	if st := rig.sc.Status(); st.State != CallHeld {
		t.Fatalf("state = %s, want Held", st.State)
	}
	rig.rc.handle(rig.ft, SessionUnhold{Session: s})
	if st := rig.sc.Status(); st.State != CallActive {
		t.Fatalf("state = %s, want Active", st.State)
	}
	rig.rc.handle(rig.ft, SessionHold{Session: s, Origin: OriginRemote})
	if st := rig.sc.Status(); st.State != CallRemoteHeld {
		t.Fatalf("state = %s, want RemoteHeld", st.State)
	}
}

func TestMuteBroadcast(t *testing.T) {
	rig := newTestRig(t, 0)
	rig.register(t)

	s := &fakeSession{id: "c1"}
	rig.rc.handle(rig.ft, NewSession{Session: s, Origin: OriginLocal})
	rig.rc.handle(rig.ft, SessionConfirmed{Session: s})

	if err := rig.sc.SetMute(true); err != nil {
		t.Fatalf("SetMute: %v", err)
	}
	if !s.muted {
		t.Fatal("mute did not reach the session")
	}
	rig.rc.handle(rig.ft, SessionMuted{Session: s, Muted: true})

	got := rig.bc.ofType(broadcast.TypeMuteStatus)
	if len(got) != 1 {
		t.Fatalf("mute broadcasts = %d, want 1", len(got))
	}
	var ms MuteStatus
	raw, _ := json.Marshal(got[0].Payload)
	if err := json.Unmarshal(raw, &ms); err != nil || !ms.Muted {
		t.Fatalf("mute payload = %+v (%v), want muted", ms, err)
	}
}

func TestEndedDecaysToIdle(t *testing.T) {
	rig := newTestRig(t, 20*time.Millisecond)
	rig.register(t)

	s := &fakeSession{id: "c1"}
	rig.rc.handle(rig.ft, NewSession{Session: s, Origin: OriginLocal})
	rig.rc.handle(rig.ft, SessionConfirmed{Session: s})
	rig.rc.handle(rig.ft, SessionEnded{Session: s, Cause: "Terminated"})

	if st := rig.sc.Status(); st.State != CallEnded || st.Cause != "Terminated" {
		t.Fatalf("status = %s/%q, want Ended/Terminated", st.State, st.Cause)
	}
	waitFor(t, func() bool { return rig.sc.Status().State == CallIdle })

	// The slot is free again.
	if err := rig.sc.Dial("alice", CallOptions{}); err != nil {
		t.Fatalf("Dial after decay: %v", err)
	}
}

func TestNewCallCancelsPendingDecay(t *testing.T) {
	rig := newTestRig(t, 30*time.Millisecond)
	rig.register(t)

	s := &fakeSession{id: "c1"}
	rig.rc.handle(rig.ft, NewSession{Session: s, Origin: OriginLocal})
	rig.rc.handle(rig.ft, SessionEnded{Session: s, Cause: "Terminated"})

	next := &fakeSession{id: "c2", remote: "sip:alice@sip.example.com"}
	rig.rc.handle(rig.ft, NewSession{Session: next, Origin: OriginRemote, RemoteIdentity: next.remote})

	time.Sleep(90 * time.Millisecond)
	if st := rig.sc.Status(); st.State != CallIncoming {
		t.Fatalf("state = %s after stale decay window, want Incoming", st.State)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
