package provisioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"softphoned/internal/phoneconfig"
	"softphoned/internal/vault"
)

// TokenTTL is how long issued access tokens stay valid.
const TokenTTL = time.Hour

var (
	ErrTokenNotReady    = errors.New("provisioning: account sid, api key sid and application sid are required before tokens can be issued")
	ErrIdentityRequired = errors.New("provisioning: identity is required")
)

type voiceGrant struct {
	Outgoing struct {
		ApplicationSID string `json:"application_sid"`
	} `json:"outgoing"`
	Incoming struct {
		Allow bool `json:"allow"`
	} `json:"incoming"`
}

type tokenGrants struct {
	Identity string     `json:"identity"`
	Voice    voiceGrant `json:"voice"`
}

type accessClaims struct {
	jwt.RegisteredClaims
	Grants tokenGrants `json:"grants"`
}

// TokenIssuer signs short-lived voice access tokens with the API key secret
// held in the vault. The token authorizes the identity to place calls through
// the managed application and to receive inbound calls.
type TokenIssuer struct {
	store phoneconfig.Store
	vault vault.Vault
	now   func() time.Time
}

func NewTokenIssuer(store phoneconfig.Store, v vault.Vault) (*TokenIssuer, error) {
	if store == nil || v == nil {
		return nil, errors.New("provisioning: store and vault are required")
	}
	return &TokenIssuer{store: store, vault: v, now: time.Now}, nil
}

func (i *TokenIssuer) Issue(ctx context.Context, identity string) (string, error) {
	if identity == "" {
		return "", ErrIdentityRequired
	}
	cfg, err := i.store.Load(ctx)
	if err != nil {
		return "", fmt.Errorf("provisioning: load config: %w", err)
	}
	if !cfg.ReadyForToken() {
		return "", ErrTokenNotReady
	}
	secret, err := i.vault.Retrieve(ctx, vault.ServiceTwilio, cfg.APIKeySID)
	if err != nil {
		return "", fmt.Errorf("provisioning: api key secret: %w", err)
	}

	now := i.now().UTC()
	claims := accessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        fmt.Sprintf("%s-%d", cfg.APIKeySID, now.Unix()),
			Issuer:    cfg.APIKeySID,
			Subject:   cfg.AccountSID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
		},
	}
	claims.Grants.Identity = identity
	claims.Grants.Voice.Outgoing.ApplicationSID = cfg.TwimlAppSID
	claims.Grants.Voice.Incoming.Allow = true

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["cty"] = "twilio-fpa;v=1"

	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("provisioning: sign token: %w", err)
	}
	return signed, nil
}
