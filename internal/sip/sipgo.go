package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	sipmsg "github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"
)

const (
	registerExpiry = 600 * time.Second
	inviteTimeout  = 60 * time.Second
)

// NewSipgoTransport is the production TransportFactory. It registers over the
// configured websocket transport and carries calls as offerless INVITEs; media
// negotiation belongs to the media layer above.
func NewSipgoTransport(cfg TransportConfig, log *slog.Logger) (Transport, error) {
	if !cfg.Complete() {
		return nil, ErrIncompleteConfig
	}
	if log == nil {
		log = slog.Default()
	}
	return &sipgoTransport{
		cfg:      cfg,
		log:      log,
		events:   make(chan Event, 32),
		sessions: make(map[string]*sipgoSession),
	}, nil
}

type sipgoTransport struct {
	cfg TransportConfig
	log *slog.Logger

	ua     *sipgo.UserAgent
	client *sipgo.Client
	server *sipgo.Server
	cancel context.CancelFunc

	mu       sync.Mutex
	stopped  bool
	events   chan Event
	sessions map[string]*sipgoSession
}

func (t *sipgoTransport) Events() <-chan Event { return t.events }

func (t *sipgoTransport) Start() error {
	t.emit(Connecting{})

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(t.userAgent()))
	if err != nil {
		return fmt.Errorf("sip: user agent: %w", err)
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return fmt.Errorf("sip: client: %w", err)
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return fmt.Errorf("sip: server: %w", err)
	}
	server.OnRequest(sipmsg.INVITE, t.onInvite)
	server.OnRequest(sipmsg.ACK, t.onAck)
	server.OnRequest(sipmsg.BYE, t.onBye)
	server.OnRequest(sipmsg.CANCEL, t.onCancel)

	ctx, cancel := context.WithCancel(context.Background())
	t.ua, t.client, t.server, t.cancel = ua, client, server, cancel

	go t.registerLoop(ctx)
	return nil
}

func (t *sipgoTransport) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	close(t.events)
	t.mu.Unlock()

	if t.cancel != nil {
		t.cancel()
	}
	if t.client != nil {
		_ = t.client.Close()
	}
	if t.server != nil {
		_ = t.server.Close()
	}
	if t.ua != nil {
		_ = t.ua.Close()
	}
}

// Unregister issues a zero-expiry REGISTER and reports Unregistered once it
// has been sent; fire and forget.
func (t *sipgoTransport) Unregister() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := t.sendRegister(ctx, 0); err != nil {
			t.log.Warn("unregister failed", "err", err)
		}
		t.emit(Unregistered{})
	}()
}

func (t *sipgoTransport) Call(target string, opts CallOptions) error {
	var recipient sipmsg.Uri
	if err := sipmsg.ParseUri(target, &recipient); err != nil {
		return fmt.Errorf("sip: invalid target %q: %w", target, err)
	}

	callID := uuid.NewString()
	invite := t.newRequest(sipmsg.INVITE, recipient, callID, 1)
	invite.AppendHeader(sipmsg.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS, INFO"))

	s := &sipgoSession{
		t:      t,
		id:     callID,
		remote: recipient.String(),
		invite: invite,
	}
	t.mu.Lock()
	t.sessions[callID] = s
	t.mu.Unlock()

	t.emit(NewSession{Session: s, Origin: OriginLocal, RemoteIdentity: s.remote})
	if opts.AudioInputDeviceID != "" && opts.AudioInputDeviceID != "default" {
		t.log.Debug("using audio input device", "device", opts.AudioInputDeviceID)
	}

	go t.runInvite(s, invite)
	return nil
}

// registerLoop performs the initial registration and refreshes it at half the
// expiry until the transport stops.
func (t *sipgoTransport) registerLoop(ctx context.Context) {
	if err := t.sendRegister(ctx, int(registerExpiry.Seconds())); err != nil {
		if ctx.Err() == nil {
			t.emit(RegistrationFailed{Cause: err.Error()})
		}
		return
	}
	t.emit(Registered{})

	ticker := time.NewTicker(registerExpiry / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.sendRegister(ctx, int(registerExpiry.Seconds())); err != nil {
				if ctx.Err() == nil {
					t.emit(RegistrationFailed{Cause: err.Error()})
				}
				return
			}
		}
	}
}

// sendRegister sends a REGISTER, answering one digest challenge if the server
// issues one. The first successful exchange also confirms connectivity.
func (t *sipgoTransport) sendRegister(ctx context.Context, expires int) error {
	recipient := sipmsg.Uri{Host: t.cfg.Server, UriParams: t.transportParams()}
	callID := uuid.NewString()
	req := t.newRequest(sipmsg.REGISTER, recipient, callID, 1)
	req.AppendHeader(sipmsg.NewHeader("Expires", strconv.Itoa(expires)))

	resp, err := t.roundTrip(ctx, req)
	if err != nil {
		return err
	}
	t.emit(Connected{})

	if resp.StatusCode == sipmsg.StatusUnauthorized || resp.StatusCode == sipmsg.StatusProxyAuthRequired {
		name, cred, err := t.digestCredential(req, resp)
		if err != nil {
			return err
		}
		req = t.newRequest(sipmsg.REGISTER, recipient, callID, 2)
		req.AppendHeader(sipmsg.NewHeader("Expires", strconv.Itoa(expires)))
		req.AppendHeader(sipmsg.NewHeader(name, cred))
		resp, err = t.roundTrip(ctx, req)
		if err != nil {
			return err
		}
	}
	if resp.StatusCode != sipmsg.StatusOK {
		return fmt.Errorf("register rejected: %d %s", resp.StatusCode, resp.Reason)
	}
	return nil
}

// runInvite drives one outbound INVITE to a final response.
func (t *sipgoTransport) runInvite(s *sipgoSession, invite *sipmsg.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), inviteTimeout)
	defer cancel()

	resp, err := t.roundTrip(ctx, invite)
	if err == nil && (resp.StatusCode == sipmsg.StatusUnauthorized || resp.StatusCode == sipmsg.StatusProxyAuthRequired) {
		var name, cred string
		name, cred, err = t.digestCredential(invite, resp)
		if err == nil {
			authed := t.newRequest(sipmsg.INVITE, invite.Recipient, s.id, 2)
			authed.AppendHeader(sipmsg.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS, INFO"))
			authed.AppendHeader(sipmsg.NewHeader(name, cred))
			s.mu.Lock()
			s.invite = authed
			s.mu.Unlock()
			resp, err = t.roundTrip(ctx, authed)
		}
	}
	if err != nil {
		s.finish(SessionFailed{Session: s, Cause: err.Error()})
		return
	}

	switch {
	case resp.StatusCode == sipmsg.StatusOK:
		s.mu.Lock()
		s.inviteResp = resp
		s.answered = true
		s.mu.Unlock()
		if err := t.client.WriteRequest(sipmsg.NewAckRequest(s.currentInvite(), resp, nil)); err != nil {
			t.log.Error("ack failed", "call_id", s.id, "err", err)
			s.finish(SessionFailed{Session: s, Cause: "ack-error"})
			return
		}
		t.emit(SessionAccepted{Session: s})
		t.emit(SessionConfirmed{Session: s})
	case resp.StatusCode == sipmsg.StatusBusyHere:
		s.finish(SessionFailed{Session: s, Cause: "Busy"})
	case resp.StatusCode == 487:
		s.finish(SessionEnded{Session: s, Cause: "Canceled"})
	default:
		s.finish(SessionFailed{Session: s, Cause: fmt.Sprintf("%d %s", resp.StatusCode, resp.Reason)})
	}
}

// roundTrip runs one client transaction and waits for a final response.
// Provisional responses are progress only and are skipped.
func (t *sipgoTransport) roundTrip(ctx context.Context, req *sipmsg.Request) (*sipmsg.Response, error) {
	tx, err := t.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("transaction: %w", err)
	}
	defer tx.Terminate()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res, ok := <-tx.Responses():
			if !ok {
				return nil, errors.New("transaction terminated")
			}
			if res.StatusCode < sipmsg.StatusOK {
				continue
			}
			return res, nil
		}
	}
}

// digestCredential answers a digest challenge with the account credentials.
// It returns the name of the authorization header to attach and its value;
// the caller rebuilds the request with a bumped CSeq.
func (t *sipgoTransport) digestCredential(req *sipmsg.Request, resp *sipmsg.Response) (string, string, error) {
	headerName, respHeader := "WWW-Authenticate", "Authorization"
	if resp.StatusCode == sipmsg.StatusProxyAuthRequired {
		headerName, respHeader = "Proxy-Authenticate", "Proxy-Authorization"
	}
	h := resp.GetHeader(headerName)
	if h == nil {
		return "", "", errors.New("challenge response without auth header")
	}
	challenge, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return "", "", fmt.Errorf("invalid challenge: %w", err)
	}
	cred, err := digest.Digest(challenge, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: t.cfg.Username,
		Password: t.cfg.Password,
	})
	if err != nil {
		return "", "", fmt.Errorf("digest: %w", err)
	}
	return respHeader, cred.String(), nil
}

func (t *sipgoTransport) onInvite(req *sipmsg.Request, tx sipmsg.ServerTransaction) {
	callID := ""
	if req.CallID() != nil {
		callID = req.CallID().Value()
	}
	remote := ""
	if from := req.From(); from != nil {
		remote = from.Address.String()
	}

	s := &sipgoSession{
		t:       t,
		id:      callID,
		remote:  remote,
		inbound: true,
		invite:  req,
		stx:     tx,
	}
	t.mu.Lock()
	t.sessions[callID] = s
	t.mu.Unlock()

	if err := tx.Respond(sipmsg.NewResponseFromRequest(req, sipmsg.StatusRinging, "Ringing", nil)); err != nil {
		t.log.Warn("ringing response failed", "call_id", callID, "err", err)
	}
	t.emit(NewSession{Session: s, Origin: OriginRemote, RemoteIdentity: remote})
}

func (t *sipgoTransport) onAck(req *sipmsg.Request, tx sipmsg.ServerTransaction) {
	if s := t.lookup(req); s != nil && s.isAnswered() {
		t.emit(SessionConfirmed{Session: s})
	}
}

func (t *sipgoTransport) onBye(req *sipmsg.Request, tx sipmsg.ServerTransaction) {
	if err := tx.Respond(sipmsg.NewResponseFromRequest(req, sipmsg.StatusOK, "OK", nil)); err != nil {
		t.log.Warn("bye response failed", "err", err)
	}
	if s := t.lookup(req); s != nil {
		s.finish(SessionEnded{Session: s, Cause: "Terminated"})
	}
}

func (t *sipgoTransport) onCancel(req *sipmsg.Request, tx sipmsg.ServerTransaction) {
	if err := tx.Respond(sipmsg.NewResponseFromRequest(req, sipmsg.StatusOK, "OK", nil)); err != nil {
		t.log.Warn("cancel response failed", "err", err)
	}
	if s := t.lookup(req); s != nil && s.inbound && !s.isAnswered() {
		s.respondInvite(487, "Request Terminated")
		s.finish(SessionFailed{Session: s, Cause: "Canceled"})
	}
}

func (t *sipgoTransport) lookup(req *sipmsg.Request) *sipgoSession {
	if req.CallID() == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[req.CallID().Value()]
}

func (t *sipgoTransport) forget(id string) {
	t.mu.Lock()
	delete(t.sessions, id)
	t.mu.Unlock()
}

// emit delivers an event unless the transport is stopped. Delivery never
// blocks; the dispatcher drains a buffered channel.
func (t *sipgoTransport) emit(ev Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	select {
	case t.events <- ev:
	default:
		t.log.Warn("event dropped", "event", fmt.Sprintf("%T", ev))
	}
}

func (t *sipgoTransport) userAgent() string {
	if t.cfg.DisplayName != "" {
		return t.cfg.DisplayName
	}
	return t.cfg.Username
}

func (t *sipgoTransport) transportParams() sipmsg.HeaderParams {
	scheme := "wss"
	if strings.EqualFold(t.cfg.Scheme, "WS") {
		scheme = "ws"
	}
	params := sipmsg.NewParams()
	params.Add("transport", scheme)
	return params
}

func (t *sipgoTransport) serverAddr() string {
	return fmt.Sprintf("%s:%d", t.cfg.Server, t.serverPort())
}

func (t *sipgoTransport) serverPort() int {
	if t.cfg.Port > 0 {
		return t.cfg.Port
	}
	if strings.EqualFold(t.cfg.Scheme, "WS") {
		return 80
	}
	return 443
}

// newRequest builds a request with the dialog-identifying headers the account
// uses for every exchange.
func (t *sipgoTransport) newRequest(method sipmsg.RequestMethod, recipient sipmsg.Uri, callID string, cseq uint32) *sipmsg.Request {
	req := sipmsg.NewRequest(method, recipient)
	req.SetDestination(t.serverAddr())

	maxFwd := sipmsg.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	aor := sipmsg.Uri{Scheme: "sip", User: t.cfg.Username, Host: t.cfg.Server}
	fromParams := sipmsg.NewParams()
	fromParams.Add("tag", uuid.NewString()[:8])
	req.AppendHeader(&sipmsg.FromHeader{DisplayName: t.cfg.DisplayName, Address: aor, Params: fromParams})
	req.AppendHeader(&sipmsg.ToHeader{Address: aor, Params: sipmsg.NewParams()})

	cid := sipmsg.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sipmsg.CSeqHeader{SeqNo: cseq, MethodName: method})

	contact := sipmsg.Uri{Scheme: "sip", User: t.cfg.Username, Host: t.cfg.Server, UriParams: t.transportParams()}
	req.AppendHeader(&sipmsg.ContactHeader{Address: contact})
	return req
}

// sipgoSession is one call's signaling context.
type sipgoSession struct {
	t       *sipgoTransport
	id      string
	remote  string
	inbound bool

	mu         sync.Mutex
	invite     *sipmsg.Request
	inviteResp *sipmsg.Response
	stx        sipmsg.ServerTransaction
	answered   bool
	ended      bool
}

func (s *sipgoSession) ID() string             { return s.id }
func (s *sipgoSession) RemoteIdentity() string { return s.remote }

func (s *sipgoSession) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

func (s *sipgoSession) isAnswered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.answered
}

func (s *sipgoSession) currentInvite() *sipmsg.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invite
}

// Answer accepts an incoming call with a 200 OK. The answer SDP is supplied
// by the media layer once it attaches; signaling only commits the dialog.
func (s *sipgoSession) Answer(opts CallOptions) error {
	s.mu.Lock()
	if !s.inbound || s.ended {
		s.mu.Unlock()
		return errors.New("sip: session is not answerable")
	}
	if s.answered {
		s.mu.Unlock()
		return nil
	}
	s.answered = true
	req, tx := s.invite, s.stx
	s.mu.Unlock()

	if err := tx.Respond(sipmsg.NewResponseFromRequest(req, sipmsg.StatusOK, "OK", nil)); err != nil {
		return fmt.Errorf("sip: answer: %w", err)
	}
	s.t.emit(SessionAccepted{Session: s})
	return nil
}

func (s *sipgoSession) Terminate(code int, reason string) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil
	}
	inbound, answered := s.inbound, s.answered
	s.mu.Unlock()

	switch {
	case inbound && !answered:
		if code == 0 {
			code, reason = 603, "Decline"
		}
		if err := s.respondInvite(sipmsg.StatusCode(code), reason); err != nil {
			return err
		}
		s.finish(SessionEnded{Session: s, Cause: "Rejected"})
		return nil
	case !inbound && !answered:
		if err := s.sendCancel(); err != nil {
			return err
		}
		s.finish(SessionEnded{Session: s, Cause: "Canceled"})
		return nil
	default:
		if err := s.sendBye(); err != nil {
			return err
		}
		s.finish(SessionEnded{Session: s, Cause: "Terminated"})
		return nil
	}
}

// Hold and Mute are confirmed by the transport event path; renegotiation of
// the media direction belongs to the media layer.
func (s *sipgoSession) Hold(hold bool) error {
	if s.Ended() {
		return ErrCallEnded
	}
	if hold {
		s.t.emit(SessionHold{Session: s, Origin: OriginLocal})
	} else {
		s.t.emit(SessionUnhold{Session: s})
	}
	return nil
}

func (s *sipgoSession) Mute(muted bool) error {
	if s.Ended() {
		return ErrCallEnded
	}
	s.t.emit(SessionMuted{Session: s, Muted: muted})
	return nil
}

func (s *sipgoSession) respondInvite(code sipmsg.StatusCode, reason string) error {
	s.mu.Lock()
	req, tx := s.invite, s.stx
	s.mu.Unlock()
	if tx == nil {
		return errors.New("sip: no server transaction")
	}
	if err := tx.Respond(sipmsg.NewResponseFromRequest(req, code, reason, nil)); err != nil {
		return fmt.Errorf("sip: respond %d: %w", code, err)
	}
	return nil
}

func (s *sipgoSession) sendCancel() error {
	invite := s.currentInvite()
	cancel := sipmsg.NewRequest(sipmsg.CANCEL, invite.Recipient)
	cancel.SetDestination(s.t.serverAddr())
	sipmsg.CopyHeaders("Via", invite, cancel)
	sipmsg.CopyHeaders("From", invite, cancel)
	sipmsg.CopyHeaders("To", invite, cancel)
	sipmsg.CopyHeaders("Call-ID", invite, cancel)
	if cseq := invite.CSeq(); cseq != nil {
		cancel.AppendHeader(&sipmsg.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sipmsg.CANCEL})
	}
	ctx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFn()
	_, err := s.t.roundTrip(ctx, cancel)
	if err != nil {
		return fmt.Errorf("sip: cancel: %w", err)
	}
	return nil
}

func (s *sipgoSession) sendBye() error {
	s.mu.Lock()
	invite, resp := s.invite, s.inviteResp
	s.mu.Unlock()

	var bye *sipmsg.Request
	if s.inbound {
		// We answered their INVITE; the dialog headers mirror it.
		bye = sipmsg.NewRequest(sipmsg.BYE, invite.From().Address)
		sipmsg.CopyHeaders("Call-ID", invite, bye)
		bye.AppendHeader(&sipmsg.FromHeader{Address: invite.To().Address, Params: invite.To().Params})
		bye.AppendHeader(&sipmsg.ToHeader{Address: invite.From().Address, Params: invite.From().Params})
		bye.AppendHeader(&sipmsg.CSeqHeader{SeqNo: 1, MethodName: sipmsg.BYE})
		bye.SetDestination(invite.Source())
	} else {
		recipient := invite.Recipient
		if resp != nil {
			if contact := resp.Contact(); contact != nil {
				recipient = contact.Address
			}
		}
		bye = sipmsg.NewRequest(sipmsg.BYE, recipient)
		bye.SetDestination(s.t.serverAddr())
		sipmsg.CopyHeaders("From", invite, bye)
		sipmsg.CopyHeaders("Call-ID", invite, bye)
		if resp != nil && resp.To() != nil {
			bye.AppendHeader(&sipmsg.ToHeader{Address: resp.To().Address, Params: resp.To().Params})
		} else {
			sipmsg.CopyHeaders("To", invite, bye)
		}
		seq := uint32(2)
		if cseq := invite.CSeq(); cseq != nil {
			seq = cseq.SeqNo + 1
		}
		bye.AppendHeader(&sipmsg.CSeqHeader{SeqNo: seq, MethodName: sipmsg.BYE})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.t.roundTrip(ctx, bye); err != nil {
		return fmt.Errorf("sip: bye: %w", err)
	}
	return nil
}

// finish marks the session ended and emits its terminal event once.
func (s *sipgoSession) finish(ev Event) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.mu.Unlock()

	s.t.forget(s.id)
	s.t.emit(ev)
}
