package phoneconfig

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Store persists the single softphone configuration record.
//
// Load must return the record merged with Defaults() so every known field is
// present; a store with no saved record returns Defaults() and no error.
type Store interface {
	Load(ctx context.Context) (Configuration, error)
	Save(ctx context.Context, c Configuration) error
	Reset(ctx context.Context) error
}

// PostgresStore keeps the record as a single JSONB row. Unknown keys written
// by older/newer builds are dropped by the typed decode; missing keys are
// filled from defaults. This keeps the record versionless and
// forward-compatible.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, errors.New("phoneconfig: db is required")
	}
	return &PostgresStore{db: db}, nil
}

// EnsureSchema creates the backing table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS softphone_config (
			id         smallint PRIMARY KEY CHECK (id = 1),
			data       jsonb NOT NULL,
			updated_at timestamptz NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("phoneconfig: ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context) (Configuration, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM softphone_config WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Defaults(), nil
	}
	if err != nil {
		return Configuration{}, fmt.Errorf("phoneconfig: load: %w", err)
	}
	var c Configuration
	if err := json.Unmarshal(raw, &c); err != nil {
		return Configuration{}, fmt.Errorf("phoneconfig: decode: %w", err)
	}
	return c.WithDefaults(), nil
}

func (s *PostgresStore) Save(ctx context.Context, c Configuration) error {
	raw, err := json.Marshal(c.WithDefaults())
	if err != nil {
		return fmt.Errorf("phoneconfig: encode: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO softphone_config (id, data, updated_at) VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		raw, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("phoneconfig: save: %w", err)
	}
	return nil
}

func (s *PostgresStore) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM softphone_config WHERE id = 1`); err != nil {
		return fmt.Errorf("phoneconfig: reset: %w", err)
	}
	return nil
}
