package state

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ajitpratap0/nebula-connectors/pkg/errors"
)

const createStateTable = `
CREATE TABLE IF NOT EXISTS connector_state (
	scope      TEXT PRIMARY KEY,
	state      JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresStore keeps state in a shared postgres table so several hosts can
// read one another's cursors.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgresStore connects and creates the state table if needed.
func OpenPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "postgres state store requires a dsn")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid postgres dsn")
	}
	if _, err := pool.Exec(ctx, createStateTable); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeState, "failed to create connector_state table")
	}
	return &PostgresStore{pool: pool}, nil
}

// Load implements Store.
func (s *PostgresStore) Load(ctx context.Context, scope string) (map[string]any, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT state FROM connector_state WHERE scope = $1`, scope).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeState, "failed to read state")
	}
	return decode(raw)
}

// Save implements Store.
func (s *PostgresStore) Save(ctx context.Context, scope string, data map[string]any) error {
	b, err := encode(data)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO connector_state (scope, state, updated_at) VALUES ($1, $2, now())
ON CONFLICT (scope) DO UPDATE SET state = EXCLUDED.state, updated_at = now()`, scope, b)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeState, "failed to write state")
	}
	return nil
}

// Delete implements Store.
func (s *PostgresStore) Delete(ctx context.Context, scope string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM connector_state WHERE scope = $1`, scope); err != nil {
		return errors.Wrap(err, errors.ErrorTypeState, "failed to delete state")
	}
	return nil
}

// Scopes implements Store.
func (s *PostgresStore) Scopes(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT scope FROM connector_state WHERE starts_with(scope, $1) ORDER BY scope`, prefix)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeState, "failed to list state")
	}
	scopes, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeState, "failed to list state")
	}
	return scopes, nil
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
