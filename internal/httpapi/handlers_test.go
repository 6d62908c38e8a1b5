package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"softphoned/internal/broadcast"
	"softphoned/internal/phoneconfig"
	"softphoned/internal/sip"
	"softphoned/internal/softphone"
	"softphoned/internal/twilio"
	"softphoned/internal/vault"
)

type fakeTransport struct {
	mu      sync.Mutex
	events  chan sip.Event
	stopped bool
}

func (f *fakeTransport) Start() error {
	f.events <- sip.Connected{}
	f.events <- sip.Registered{}
	return nil
}

func (f *fakeTransport) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.stopped {
		f.stopped = true
		close(f.events)
	}
}

func (f *fakeTransport) Unregister()                                    {}
func (f *fakeTransport) Call(target string, opts sip.CallOptions) error { return nil }
func (f *fakeTransport) Events() <-chan sip.Event                       { return f.events }

type stubAPI struct {
	numbers []twilio.IncomingPhoneNumber
}

func (s *stubAPI) ListIncomingPhoneNumbers(ctx context.Context, limit int) ([]twilio.IncomingPhoneNumber, error) {
	return s.numbers, nil
}
func (s *stubAPI) FetchIncomingPhoneNumber(ctx context.Context, sid string) (twilio.IncomingPhoneNumber, error) {
	return twilio.IncomingPhoneNumber{SID: sid, PhoneNumber: "+15551234567"}, nil
}
func (s *stubAPI) UpdateIncomingPhoneNumber(ctx context.Context, sid string, params twilio.NumberUpdateParams) (twilio.IncomingPhoneNumber, error) {
	return twilio.IncomingPhoneNumber{SID: sid}, nil
}
func (s *stubAPI) ListApplications(ctx context.Context, friendlyName string, limit int) ([]twilio.Application, error) {
	return nil, nil
}
func (s *stubAPI) CreateApplication(ctx context.Context, params twilio.ApplicationParams) (twilio.Application, error) {
	return twilio.Application{SID: "AP001", FriendlyName: params.FriendlyName}, nil
}
func (s *stubAPI) UpdateApplication(ctx context.Context, sid string, params twilio.ApplicationParams) (twilio.Application, error) {
	return twilio.Application{SID: sid}, nil
}

func newTestRouter(t *testing.T) (*gin.Engine, *broadcast.Hub, *softphone.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := broadcast.NewHub()
	m, err := softphone.New(context.Background(), softphone.Options{
		Store:       phoneconfig.NewMemoryStore(),
		Vault:       vault.NewMemoryVault(),
		Broadcaster: hub,
		TransportFactory: func(cfg sip.TransportConfig) (sip.Transport, error) {
			return &fakeTransport{events: make(chan sip.Event, 8)}, nil
		},
		ClientFactory: func(accountSID, keySID, keySecret string) (twilio.API, error) {
			return &stubAPI{}, nil
		},
	})
	if err != nil {
		t.Fatalf("softphone.New: %v", err)
	}
	t.Cleanup(m.Shutdown)

	r := gin.New()
	Register(r, Handlers{Phone: m, Hub: hub})
	return r, hub, m
}

func doRequest(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestGetRegistrationStatusDefault(t *testing.T) {
	r, _, _ := newTestRouter(t)
	w := doRequest(r, http.MethodGet, "/v1/registration", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"state":"Unregistered"`) {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestStartCallWhileUnregistered(t *testing.T) {
	r, _, _ := newTestRouter(t)
	w := doRequest(r, http.MethodPost, "/v1/call", `{"target":"+15551234567"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "not registered") {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestStartCallValidation(t *testing.T) {
	r, _, _ := newTestRouter(t)
	if w := doRequest(r, http.MethodPost, "/v1/call", `{}`); w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if w := doRequest(r, http.MethodPost, "/v1/call", `{notjson`); w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestConfigRoundTripExcludesSecrets(t *testing.T) {
	r, _, _ := newTestRouter(t)

	w := doRequest(r, http.MethodPatch, "/v1/config",
		`{"server":"sip.example.com","username":"100","password":"hunter2","apiKeySid":"SK1","apiKeySecret":"shhh"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("patch status = %d: %s", w.Code, w.Body.String())
	}

	w = doRequest(r, http.MethodGet, "/v1/config", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	body := w.Body.String()
	if strings.Contains(body, "hunter2") || strings.Contains(body, "shhh") {
		t.Fatalf("config response leaked a secret: %s", body)
	}
	if !strings.Contains(body, `"server":"sip.example.com"`) {
		t.Fatalf("config response missing saved fields: %s", body)
	}
}

func TestActivateValidationReportsStep(t *testing.T) {
	r, _, _ := newTestRouter(t)
	w := doRequest(r, http.MethodPost, "/v1/account/activate", `{"credentials":{"accountSid":"AC1"}}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"step":"validate"`) {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestActivateAndToken(t *testing.T) {
	r, _, _ := newTestRouter(t)

	w := doRequest(r, http.MethodPost, "/v1/account/activate",
		`{"credentials":{"accountSid":"AC1","apiKeySid":"SK1","apiKeySecret":"shhh","functionUrl":"https://fn.example/voice"},"numberSid":"PN123"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("activate status = %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"twimlAppSid":"AP001"`) {
		t.Fatalf("activate body = %s", w.Body.String())
	}

	w = doRequest(r, http.MethodGet, "/v1/token?identity=alice", "")
	if w.Code != http.StatusOK {
		t.Fatalf("token status = %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"token":"`) {
		t.Fatalf("token body = %s", w.Body.String())
	}
}

func TestTokenBeforeActivation(t *testing.T) {
	r, _, _ := newTestRouter(t)
	w := doRequest(r, http.MethodGet, "/v1/token", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409: %s", w.Code, w.Body.String())
	}
}

func TestListPhoneNumbersWithTempCredentials(t *testing.T) {
	r, _, _ := newTestRouter(t)
	w := doRequest(r, http.MethodPost, "/v1/phone-numbers",
		`{"credentials":{"accountSid":"AC1","apiKeySid":"SK1","apiKeySecret":"shhh"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"numbers":[]`) {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestStreamEventsDeliversBroadcast(t *testing.T) {
	r, hub, _ := newTestRouter(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/v1/events", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.ServeHTTP(w, req)
	}()

	// Give the stream a moment to subscribe before publishing.
	time.Sleep(50 * time.Millisecond)
	hub.Publish(context.Background(), broadcast.New(broadcast.TypeMuteStatus, map[string]bool{"muted": true}))

	<-done
	body := w.Body.String()
	if !strings.Contains(body, "event: "+broadcast.TypeMuteStatus) {
		t.Fatalf("stream body = %q", body)
	}
	if !strings.Contains(body, `"muted":true`) {
		t.Fatalf("stream body = %q", body)
	}
}
