// Package vault stores secrets keyed by (service, account), keeping them out
// of the configuration record entirely.
package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Fixed service identifiers used by the daemon.
const (
	// ServiceTwilio keys API key secrets by their api key sid.
	ServiceTwilio = "softphoned.twilio"
	// ServiceSIP keys the SIP account password by its username.
	ServiceSIP = "softphoned.sip"
)

var ErrNotFound = errors.New("vault: secret not found")

// Vault stores and retrieves a single secret value per (service, account).
type Vault interface {
	Store(ctx context.Context, service, account, secret string) error
	Retrieve(ctx context.Context, service, account string) (string, error)
	Delete(ctx context.Context, service, account string) error
}

// PostgresVault persists secrets in a dedicated table, separate from the
// configuration record.
type PostgresVault struct {
	db *sql.DB
}

func NewPostgresVault(db *sql.DB) (*PostgresVault, error) {
	if db == nil {
		return nil, errors.New("vault: db is required")
	}
	return &PostgresVault{db: db}, nil
}

// EnsureSchema creates the backing table if it does not exist.
func (v *PostgresVault) EnsureSchema(ctx context.Context) error {
	_, err := v.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS vault_secrets (
			service    text NOT NULL,
			account    text NOT NULL,
			secret     text NOT NULL,
			updated_at timestamptz NOT NULL,
			PRIMARY KEY (service, account)
		)`)
	if err != nil {
		return fmt.Errorf("vault: ensure schema: %w", err)
	}
	return nil
}

func (v *PostgresVault) Store(ctx context.Context, service, account, secret string) error {
	if service == "" || account == "" {
		return errors.New("vault: service and account are required")
	}
	_, err := v.db.ExecContext(ctx, `
		INSERT INTO vault_secrets (service, account, secret, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (service, account) DO UPDATE SET secret = EXCLUDED.secret, updated_at = EXCLUDED.updated_at`,
		service, account, secret, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("vault: store: %w", err)
	}
	return nil
}

func (v *PostgresVault) Retrieve(ctx context.Context, service, account string) (string, error) {
	var secret string
	err := v.db.QueryRowContext(ctx,
		`SELECT secret FROM vault_secrets WHERE service = $1 AND account = $2`,
		service, account).Scan(&secret)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("vault: retrieve: %w", err)
	}
	return secret, nil
}

func (v *PostgresVault) Delete(ctx context.Context, service, account string) error {
	if _, err := v.db.ExecContext(ctx,
		`DELETE FROM vault_secrets WHERE service = $1 AND account = $2`,
		service, account); err != nil {
		return fmt.Errorf("vault: delete: %w", err)
	}
	return nil
}
