package sip

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"softphoned/internal/broadcast"
)

type fakeTransport struct {
	events  chan Event
	started bool
	stopped bool
	unreg   bool
	calls   []string
	callErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan Event, 16)}
}

func (f *fakeTransport) Start() error { f.started = true; return nil }
func (f *fakeTransport) Stop() {
	if !f.stopped {
		f.stopped = true
		close(f.events)
	}
}
func (f *fakeTransport) Unregister() { f.unreg = true }
func (f *fakeTransport) Call(target string, opts CallOptions) error {
	f.calls = append(f.calls, target)
	return f.callErr
}
func (f *fakeTransport) Events() <-chan Event { return f.events }

type fakeSession struct {
	id         string
	remote     string
	ended      bool
	answered   bool
	terminated bool
	termCode   int
	termReason string
	termErr    error
	muted      bool
	held       bool
}

func (f *fakeSession) ID() string             { return f.id }
func (f *fakeSession) RemoteIdentity() string { return f.remote }
func (f *fakeSession) Ended() bool            { return f.ended }
func (f *fakeSession) Answer(opts CallOptions) error {
	f.answered = true
	return nil
}
func (f *fakeSession) Terminate(code int, reason string) error {
	f.terminated = true
	f.termCode, f.termReason = code, reason
	return f.termErr
}
func (f *fakeSession) Hold(hold bool) error  { f.held = hold; return nil }
func (f *fakeSession) Mute(muted bool) error { f.muted = muted; return nil }

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []broadcast.Event
}

func (r *recordingBroadcaster) Publish(_ context.Context, ev broadcast.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingBroadcaster) ofType(t string) []broadcast.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []broadcast.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type testRig struct {
	mu  sync.Mutex
	rc  *RegistrationController
	sc  *SessionController
	bc  *recordingBroadcaster
	ft  *fakeTransport
	cfg TransportConfig
}

func newTestRig(t *testing.T, decay time.Duration) *testRig {
	t.Helper()
	rig := &testRig{
		bc:  &recordingBroadcaster{},
		ft:  newFakeTransport(),
		cfg: TransportConfig{Server: "sip.example.com", Username: "100", Password: "pw"},
	}
	factory := func(cfg TransportConfig) (Transport, error) { return rig.ft, nil }
	rig.sc = NewSessionController(&rig.mu, rig.bc, nil, decay)
	rig.rc = NewRegistrationController(&rig.mu, factory, rig.sc, rig.bc, nil)
	return rig
}

// register starts the controller and feeds the events a successful
// registration produces.
func (r *testRig) register(t *testing.T) {
	t.Helper()
	if err := r.rc.Start(r.cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.rc.handle(r.ft, Connected{})
	r.rc.handle(r.ft, Registered{})
}

func TestStartIncompleteConfig(t *testing.T) {
	rig := newTestRig(t, 0)
	err := rig.rc.Start(TransportConfig{Server: "sip.example.com"})
	if !errors.Is(err, ErrIncompleteConfig) {
		t.Fatalf("Start err = %v, want ErrIncompleteConfig", err)
	}
	if st, cause := rig.rc.Status(); st != RegFailed || cause != "config" {
		t.Fatalf("status = %s/%q, want Failed/config", st, cause)
	}
	if rig.ft.started {
		t.Fatal("transport started with incomplete config")
	}
}

func TestRegistrationLifecycle(t *testing.T) {
	rig := newTestRig(t, 0)
	rig.register(t)

	if st, _ := rig.rc.Status(); st != RegRegistered {
		t.Fatalf("state = %s, want Registered", st)
	}

	// A repeated event for the current state must not broadcast again.
	before := len(rig.bc.ofType(broadcast.TypeRegistrationStatus))
	rig.rc.handle(rig.ft, Registered{})
	after := len(rig.bc.ofType(broadcast.TypeRegistrationStatus))
	if after != before {
		t.Fatalf("duplicate state broadcast: %d -> %d", before, after)
	}
}

func TestStartIsIdempotentWhileActive(t *testing.T) {
	rig := newTestRig(t, 0)
	rig.register(t)

	second := newFakeTransport()
	rig.ft = second
	if err := rig.rc.Start(rig.cfg); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if second.started {
		t.Fatal("second Start created a new transport")
	}
}

func TestStopUnregistersAndResetsCall(t *testing.T) {
	rig := newTestRig(t, 0)
	rig.register(t)

	s := &fakeSession{id: "c1", remote: "sip:alice@sip.example.com"}
	rig.rc.handle(rig.ft, NewSession{Session: s, Origin: OriginRemote, RemoteIdentity: s.remote})
	if st := rig.sc.Status(); st.State != CallIncoming {
		t.Fatalf("call state = %s, want Incoming", st.State)
	}

	rig.rc.Stop()

	if !rig.ft.unreg {
		t.Fatal("Stop did not unregister")
	}
	if !rig.ft.stopped {
		t.Fatal("Stop did not stop the transport")
	}
	if st, _ := rig.rc.Status(); st != RegUnregistered {
		t.Fatalf("state = %s, want Unregistered", st)
	}
	if st := rig.sc.Status(); st.State != CallIdle {
		t.Fatalf("call state = %s, want Idle after Stop", st.State)
	}
}

func TestRegistrationFailureStopsTransport(t *testing.T) {
	rig := newTestRig(t, 0)
	rig.register(t)

	ft := rig.ft
	rig.rc.handle(ft, RegistrationFailed{Cause: "403 Forbidden"})

	if st, cause := rig.rc.Status(); st != RegFailed || cause != "403 Forbidden" {
		t.Fatalf("status = %s/%q, want Failed/403 Forbidden", st, cause)
	}
	if !ft.stopped {
		t.Fatal("failed registration left the transport running")
	}

	// Events from the stopped transport are stale and must be ignored.
	rig.rc.handle(ft, Unregistered{})
	if st, _ := rig.rc.Status(); st != RegFailed {
		t.Fatalf("stale event changed state to %s", st)
	}
}

func TestDisconnectKeepsFailureCause(t *testing.T) {
	rig := newTestRig(t, 0)
	rig.register(t)

	rig.rc.handle(rig.ft, Disconnected{})
	if st, _ := rig.rc.Status(); st != RegUnregistered {
		t.Fatalf("state = %s, want Unregistered after disconnect", st)
	}
}

func TestFactoryErrorFailsStart(t *testing.T) {
	rig := newTestRig(t, 0)
	boom := errors.New("no websocket support")
	rig.rc.factory = func(cfg TransportConfig) (Transport, error) { return nil, boom }

	if err := rig.rc.Start(rig.cfg); !errors.Is(err, boom) {
		t.Fatalf("Start err = %v, want %v", err, boom)
	}
	if st, _ := rig.rc.Status(); st != RegFailed {
		t.Fatalf("state = %s, want Failed", st)
	}
}
