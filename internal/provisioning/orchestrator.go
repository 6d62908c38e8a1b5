// Package provisioning brings the remote calling-platform account into a
// usable state: secret stored, managed voice application in place, selected
// number routed through it, safe configuration persisted along the way.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"softphoned/internal/broadcast"
	"softphoned/internal/phoneconfig"
	"softphoned/internal/twilio"
	"softphoned/internal/vault"
)

// AppFriendlyName is the fixed name of the auto-managed voice application.
// Find-or-create keys on it, so re-running activation never duplicates apps.
const AppFriendlyName = "Softphoned Auto-App"

// Credentials is the raw activation input. The secret passes through to the
// vault and is never persisted with the record.
type Credentials struct {
	AccountSID   string `json:"accountSid"`
	APIKeySID    string `json:"apiKeySid"`
	APIKeySecret string `json:"apiKeySecret"`
	FunctionURL  string `json:"functionUrl"`

	AudioInputDeviceID  string `json:"audioInputDeviceId,omitempty"`
	AudioOutputDeviceID string `json:"audioOutputDeviceId,omitempty"`
}

// ActivateRequest selects the phone number the account should route through
// the managed application.
type ActivateRequest struct {
	Credentials Credentials `json:"credentials"`
	NumberSID   string      `json:"numberSid"`
}

// ClientFactory builds a REST client from credentials. Swapped in tests.
type ClientFactory func(accountSID, keySID, keySecret string) (twilio.API, error)

// Orchestrator runs the activation workflow. Each step persists its own
// progress before the next begins, so a failure at step n leaves steps 1..n-1
// durable and the whole workflow re-runnable.
type Orchestrator struct {
	store   phoneconfig.Store
	vault   vault.Vault
	bc      broadcast.Broadcaster
	log     *slog.Logger
	clients ClientFactory
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithClientFactory overrides how REST clients are constructed.
func WithClientFactory(f ClientFactory) Option {
	return func(o *Orchestrator) { o.clients = f }
}

func New(store phoneconfig.Store, v vault.Vault, bc broadcast.Broadcaster, log *slog.Logger, opts ...Option) (*Orchestrator, error) {
	if store == nil || v == nil || bc == nil {
		return nil, errors.New("provisioning: store, vault and broadcaster are required")
	}
	if log == nil {
		log = slog.Default()
	}
	o := &Orchestrator{
		store: store,
		vault: v,
		bc:    bc,
		log:   log,
		clients: func(accountSID, keySID, keySecret string) (twilio.API, error) {
			return twilio.NewClient(accountSID, keySID, keySecret)
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Activate runs the full workflow:
// validate, store the secret, persist the safe config subset, resolve a REST
// client, fetch the selected number string, find-or-create the managed
// application, bind the number to it, then broadcast the updated config.
//
// Nothing is rolled back on failure; persisted progress makes a re-run
// converge without duplicating remote resources.
func (o *Orchestrator) Activate(ctx context.Context, req ActivateRequest) error {
	if err := validate(req); err != nil {
		return stepErr(StepValidate, err)
	}
	creds := req.Credentials

	if err := o.vault.Store(ctx, vault.ServiceTwilio, creds.APIKeySID, creds.APIKeySecret); err != nil {
		return stepErr(StepStoreSecret, err)
	}
	o.log.Info("api key secret stored", "api_key_sid", creds.APIKeySID)

	cfg, err := o.store.Load(ctx)
	if err != nil {
		return stepErr(StepPersist, err)
	}
	cfg.AccountSID = creds.AccountSID
	cfg.APIKeySID = creds.APIKeySID
	cfg.FunctionURL = creds.FunctionURL
	cfg.SelectedPhoneNumberSID = req.NumberSID
	if creds.AudioInputDeviceID != "" {
		cfg.AudioInputDeviceID = creds.AudioInputDeviceID
	}
	if creds.AudioOutputDeviceID != "" {
		cfg.AudioOutputDeviceID = creds.AudioOutputDeviceID
	}
	if err := o.store.Save(ctx, cfg); err != nil {
		return stepErr(StepPersist, err)
	}

	client, err := o.clients(creds.AccountSID, creds.APIKeySID, creds.APIKeySecret)
	if err != nil {
		return stepErr(StepClient, err)
	}

	number, err := client.FetchIncomingPhoneNumber(ctx, req.NumberSID)
	if err != nil {
		return stepErr(StepFetchNumber, friendly(err))
	}
	if number.PhoneNumber == "" {
		return stepErr(StepFetchNumber, fmt.Errorf("number %s has no phone number string", req.NumberSID))
	}
	cfg.SelectedPhoneNumber = number.PhoneNumber
	if err := o.store.Save(ctx, cfg); err != nil {
		return stepErr(StepPersist, err)
	}
	o.log.Info("selected number resolved", "number_sid", req.NumberSID, "number", number.PhoneNumber)

	appSID, err := o.ensureApplication(ctx, client, creds.FunctionURL)
	if err != nil {
		return stepErr(StepApplication, friendly(err))
	}
	cfg.TwimlAppSID = appSID
	if err := o.store.Save(ctx, cfg); err != nil {
		return stepErr(StepPersist, err)
	}
	o.log.Info("voice application ready", "app_sid", appSID)

	// Route through the application only; clear any direct webhook and status
	// callback so there is a single source of routing truth.
	_, err = client.UpdateIncomingPhoneNumber(ctx, req.NumberSID, twilio.NumberUpdateParams{
		VoiceApplicationSID:  appSID,
		VoiceURL:             "",
		VoiceMethod:          "POST",
		StatusCallback:       "",
		StatusCallbackMethod: "POST",
	})
	if err != nil {
		return stepErr(StepBindNumber, friendly(fmt.Errorf("number binding failed: %w", err)))
	}
	o.log.Info("number bound to application", "number_sid", req.NumberSID, "app_sid", appSID)

	o.bc.Publish(ctx, broadcast.New(broadcast.TypeConfigUpdated, cfg))
	return nil
}

// ensureApplication finds the managed application by its fixed friendly name,
// updating it if its routing drifted, or creates it.
func (o *Orchestrator) ensureApplication(ctx context.Context, client twilio.API, functionURL string) (string, error) {
	apps, err := client.ListApplications(ctx, AppFriendlyName, 1)
	if err != nil {
		return "", err
	}
	if len(apps) > 0 {
		app := apps[0]
		if app.VoiceURL != functionURL || app.VoiceMethod != "POST" {
			if _, err := client.UpdateApplication(ctx, app.SID, twilio.ApplicationParams{
				VoiceURL:    functionURL,
				VoiceMethod: "POST",
			}); err != nil {
				return "", err
			}
			o.log.Info("voice application updated", "app_sid", app.SID)
		}
		return app.SID, nil
	}
	app, err := client.CreateApplication(ctx, twilio.ApplicationParams{
		FriendlyName: AppFriendlyName,
		VoiceURL:     functionURL,
		VoiceMethod:  "POST",
	})
	if err != nil {
		return "", err
	}
	return app.SID, nil
}

func validate(req ActivateRequest) error {
	var missing []string
	if req.Credentials.AccountSID == "" {
		missing = append(missing, "accountSid")
	}
	if req.Credentials.APIKeySID == "" {
		missing = append(missing, "apiKeySid")
	}
	if req.Credentials.APIKeySecret == "" {
		missing = append(missing, "apiKeySecret")
	}
	if req.Credentials.FunctionURL == "" {
		missing = append(missing, "functionUrl")
	}
	if req.NumberSID == "" {
		missing = append(missing, "numberSid")
	}
	if len(missing) > 0 {
		return &ValidationError{Missing: missing}
	}
	return nil
}

// friendly rewrites auth failures into a message that points at the
// credentials instead of echoing the raw API response.
func friendly(err error) error {
	if twilio.IsAuthFailure(err) {
		return fmt.Errorf("authentication failed; check account sid and api key: %w", err)
	}
	return err
}
