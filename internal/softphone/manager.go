// Package softphone ties the configuration record, the secret vault, the
// signaling controllers and the provisioning workflow into one command
// surface. All state lives on the Manager; nothing here is a global.
package softphone

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"softphoned/internal/broadcast"
	"softphoned/internal/phoneconfig"
	"softphoned/internal/provisioning"
	"softphoned/internal/sip"
	"softphoned/internal/twilio"
	"softphoned/internal/vault"
)

// DefaultIdentity is used for access tokens when the caller names none.
const DefaultIdentity = "default_user"

var ErrCredentialsNotConfigured = errors.New("softphone: calling-platform credentials not configured")

// TempCredentials lets callers list phone numbers before anything is saved.
type TempCredentials struct {
	AccountSID   string `json:"accountSid"`
	APIKeySID    string `json:"apiKeySid"`
	APIKeySecret string `json:"apiKeySecret"`
}

func (c TempCredentials) complete() bool {
	return c.AccountSID != "" && c.APIKeySID != "" && c.APIKeySecret != ""
}

// PhoneNumber is the number summary handed to the UI.
type PhoneNumber struct {
	Number string `json:"number"`
	SID    string `json:"id"`
}

// Options wires a Manager. Store, Vault and Broadcaster are required;
// TransportFactory defaults to the sipgo transport.
type Options struct {
	Store            phoneconfig.Store
	Vault            vault.Vault
	Broadcaster      broadcast.Broadcaster
	Logger           *slog.Logger
	TransportFactory sip.TransportFactory
	ClientFactory    provisioning.ClientFactory
	IdleDecay        time.Duration
}

// Manager owns the softphone state. Its mutex is shared with both signaling
// controllers, so commands and transport events serialize; a method never
// holds the lock while calling into a controller.
type Manager struct {
	mu  sync.Mutex
	log *slog.Logger

	store phoneconfig.Store
	vault vault.Vault
	bc    broadcast.Broadcaster

	cfg phoneconfig.Configuration

	reg      *sip.RegistrationController
	sessions *sip.SessionController

	orch   *provisioning.Orchestrator
	issuer *provisioning.TokenIssuer

	newClient provisioning.ClientFactory
	client    twilio.API
}

func New(ctx context.Context, opts Options) (*Manager, error) {
	if opts.Store == nil || opts.Vault == nil || opts.Broadcaster == nil {
		return nil, errors.New("softphone: store, vault and broadcaster are required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	m := &Manager{
		log:   log,
		store: opts.Store,
		vault: opts.Vault,
		bc:    opts.Broadcaster,
	}

	factory := opts.TransportFactory
	if factory == nil {
		factory = func(cfg sip.TransportConfig) (sip.Transport, error) {
			return sip.NewSipgoTransport(cfg, log)
		}
	}
	m.newClient = opts.ClientFactory
	if m.newClient == nil {
		m.newClient = func(accountSID, keySID, keySecret string) (twilio.API, error) {
			return twilio.NewClient(accountSID, keySID, keySecret)
		}
	}

	m.sessions = sip.NewSessionController(&m.mu, opts.Broadcaster, log, opts.IdleDecay)
	m.reg = sip.NewRegistrationController(&m.mu, factory, m.sessions, opts.Broadcaster, log)

	orch, err := provisioning.New(opts.Store, opts.Vault, opts.Broadcaster, log,
		provisioning.WithClientFactory(m.newClient))
	if err != nil {
		return nil, err
	}
	m.orch = orch

	issuer, err := provisioning.NewTokenIssuer(opts.Store, opts.Vault)
	if err != nil {
		return nil, err
	}
	m.issuer = issuer

	cfg, err := opts.Store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("softphone: load config: %w", err)
	}
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()

	return m, nil
}

// Boot starts registration when the stored account is complete. Registration
// failures are reported through the event stream, not as boot failures.
func (m *Manager) Boot(ctx context.Context) {
	m.mu.Lock()
	ready := m.cfg.HasSIPAccount()
	m.mu.Unlock()
	if !ready {
		m.log.Info("no sip account configured; registration not started")
		return
	}
	if err := m.StartRegistration(ctx); err != nil {
		m.log.Warn("startup registration failed", "err", err)
		m.bc.Publish(ctx, broadcast.New(broadcast.TypeError, map[string]string{"error": err.Error()}))
	}
}

// Shutdown stops registration and releases the transport.
func (m *Manager) Shutdown() {
	m.reg.Stop()
}

// --- registration ---

func (m *Manager) StartRegistration(ctx context.Context) error {
	tc, err := m.transportConfig(ctx)
	if err != nil {
		return err
	}
	return m.reg.Start(tc)
}

func (m *Manager) StopRegistration() {
	m.reg.Stop()
}

func (m *Manager) RegistrationStatus() sip.RegistrationStatus {
	state, cause := m.reg.Status()
	return sip.RegistrationStatus{State: state, Cause: cause}
}

// --- calls ---

func (m *Manager) CallStatus() sip.CallStatus {
	return m.sessions.Status()
}

func (m *Manager) StartCall(target string) error {
	return m.sessions.Dial(target, m.callOptions())
}

func (m *Manager) AnswerCall() error {
	return m.sessions.Answer(m.callOptions())
}

func (m *Manager) HangUpCall() error {
	return m.sessions.HangUp()
}

func (m *Manager) SetMute(muted bool) error {
	return m.sessions.SetMute(muted)
}

func (m *Manager) SetHold(hold bool) error {
	return m.sessions.SetHold(hold)
}

func (m *Manager) callOptions() sip.CallOptions {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sip.CallOptions{AudioInputDeviceID: m.cfg.AudioInputDeviceID}
}

// --- provisioning ---

func (m *Manager) CredentialsStatus() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.HasCredentials()
}

func (m *Manager) AccessToken(ctx context.Context, identity string) (string, error) {
	if identity == "" {
		identity = DefaultIdentity
	}
	return m.issuer.Issue(ctx, identity)
}

// ListPhoneNumbers lists the account's incoming numbers. With temp
// credentials it builds a throwaway client and persists nothing; otherwise it
// uses the cached client resolved from the stored credentials.
func (m *Manager) ListPhoneNumbers(ctx context.Context, temp *TempCredentials) ([]PhoneNumber, error) {
	var client twilio.API
	var err error
	if temp != nil {
		if !temp.complete() {
			return nil, errors.New("softphone: temporary credentials are incomplete")
		}
		client, err = m.newClient(temp.AccountSID, temp.APIKeySID, temp.APIKeySecret)
	} else {
		client, err = m.restClient(ctx)
	}
	if err != nil {
		return nil, err
	}

	numbers, err := client.ListIncomingPhoneNumbers(ctx, 100)
	if err != nil {
		if twilio.IsAuthFailure(err) {
			return nil, fmt.Errorf("softphone: authentication failed; check account sid and api key: %w", err)
		}
		return nil, fmt.Errorf("softphone: list numbers: %w", err)
	}
	out := make([]PhoneNumber, 0, len(numbers))
	for _, n := range numbers {
		out = append(out, PhoneNumber{Number: n.PhoneNumber, SID: n.SID})
	}
	return out, nil
}

// ActivateAccount runs the provisioning workflow. Whatever the outcome, the
// in-memory record is reloaded (partial progress persists on failure) and the
// cached REST client is dropped since credentials may have changed.
func (m *Manager) ActivateAccount(ctx context.Context, req provisioning.ActivateRequest) error {
	err := m.orch.Activate(ctx, req)

	cfg, loadErr := m.store.Load(ctx)
	if loadErr != nil {
		m.log.Error("config reload after activation failed", "err", loadErr)
	} else {
		m.mu.Lock()
		m.cfg = cfg
		m.client = nil
		m.mu.Unlock()
	}
	return err
}

// --- configuration ---

// Config returns a copy of the record; it never contains secret fields.
func (m *Manager) Config() phoneconfig.Configuration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

func (m *Manager) SelectedNumber() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.SelectedPhoneNumber
}

// SaveConfig applies a partial update. Secrets in the patch are routed to the
// vault and dropped. A change to connection fields restarts registration; a
// change to credential identifiers drops the cached REST client.
func (m *Manager) SaveConfig(ctx context.Context, patch phoneconfig.Patch) error {
	m.mu.Lock()
	next := patch.Apply(m.cfg)

	if patch.Password != nil && next.Username != "" {
		if err := m.vault.Store(ctx, vault.ServiceSIP, next.Username, *patch.Password); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("softphone: store sip password: %w", err)
		}
	}
	if patch.APIKeySecret != nil && next.APIKeySID != "" {
		if err := m.vault.Store(ctx, vault.ServiceTwilio, next.APIKeySID, *patch.APIKeySecret); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("softphone: store api key secret: %w", err)
		}
	}

	if err := m.store.Save(ctx, next); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("softphone: save config: %w", err)
	}
	m.cfg = next
	if patch.TouchesRESTCredentials() {
		m.client = nil
	}
	restart := patch.TouchesConnection()
	m.mu.Unlock()

	m.bc.Publish(ctx, broadcast.New(broadcast.TypeConfigUpdated, next))

	if restart {
		m.log.Info("connection settings changed; restarting registration")
		m.reg.Stop()
		if next.HasSIPAccount() {
			if err := m.StartRegistration(ctx); err != nil {
				m.log.Warn("registration restart failed", "err", err)
			}
		}
	}
	return nil
}

// ResetConfig wipes the record back to defaults and stops registration.
func (m *Manager) ResetConfig(ctx context.Context) error {
	if err := m.store.Reset(ctx); err != nil {
		return fmt.Errorf("softphone: reset config: %w", err)
	}
	m.reg.Stop()
	m.mu.Lock()
	m.cfg = phoneconfig.Defaults()
	m.client = nil
	m.mu.Unlock()
	m.bc.Publish(ctx, broadcast.New(broadcast.TypeConfigUpdated, phoneconfig.Defaults()))
	return nil
}

// --- helpers ---

func (m *Manager) transportConfig(ctx context.Context) (sip.TransportConfig, error) {
	m.mu.Lock()
	cfg := m.cfg
	m.mu.Unlock()

	password, err := m.vault.Retrieve(ctx, vault.ServiceSIP, cfg.Username)
	if err != nil && !errors.Is(err, vault.ErrNotFound) {
		return sip.TransportConfig{}, fmt.Errorf("softphone: sip password: %w", err)
	}
	return sip.TransportConfig{
		Server:      cfg.Server,
		Port:        cfg.Port,
		Username:    cfg.Username,
		Password:    password,
		DisplayName: cfg.DisplayName,
		Scheme:      cfg.Transport,
	}, nil
}

// restClient resolves the cached REST client from stored credentials and the
// vaulted secret, building it on first use.
func (m *Manager) restClient(ctx context.Context) (twilio.API, error) {
	m.mu.Lock()
	if m.client != nil {
		c := m.client
		m.mu.Unlock()
		return c, nil
	}
	cfg := m.cfg
	m.mu.Unlock()

	if cfg.AccountSID == "" || cfg.APIKeySID == "" {
		return nil, ErrCredentialsNotConfigured
	}
	secret, err := m.vault.Retrieve(ctx, vault.ServiceTwilio, cfg.APIKeySID)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return nil, ErrCredentialsNotConfigured
		}
		return nil, fmt.Errorf("softphone: api key secret: %w", err)
	}
	client, err := m.newClient(cfg.AccountSID, cfg.APIKeySID, secret)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.client = client
	m.mu.Unlock()
	return client, nil
}
