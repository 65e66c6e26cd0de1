package secrets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/onnwee/chatvox/backend/crypto"
)

// PostgresStore keeps sealed secret versions in the secret_versions table.
type PostgresStore struct {
	db     *sql.DB
	sealer crypto.Sealer
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore returns a store that seals every payload with sealer.
func NewPostgresStore(db *sql.DB, sealer crypto.Sealer) (*PostgresStore, error) {
	if db == nil || sealer == nil {
		return nil, errors.New("secrets: postgres store requires db and sealer")
	}
	return &PostgresStore{db: db, sealer: sealer}, nil
}

func (s *PostgresStore) Create(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO secrets(name) VALUES($1) ON CONFLICT (name) DO NOTHING`, name)
	if err != nil {
		return fmt.Errorf("create secret %s: %w", name, err)
	}
	return nil
}

// Write locks the secret row so concurrent writers get consecutive versions.
func (s *PostgresStore) Write(ctx context.Context, name string, payload []byte) (string, error) {
	sealed, err := s.sealer.Seal(name, payload)
	if err != nil {
		return "", fmt.Errorf("seal %s: %w", name, err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	var locked string
	if err := tx.QueryRowContext(ctx, `SELECT name FROM secrets WHERE name=$1 FOR UPDATE`, name).Scan(&locked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("write %s: %w", name, ErrNotFound)
		}
		return "", err
	}
	var version int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) + 1 FROM secret_versions WHERE secret_name=$1`, name).Scan(&version); err != nil {
		return "", err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO secret_versions(secret_name, version, payload) VALUES($1,$2,$3)`, name, version, sealed); err != nil {
		return "", fmt.Errorf("insert version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return strconv.FormatInt(version, 10), nil
}

func (s *PostgresStore) ReadLatest(ctx context.Context, name string) ([]byte, error) {
	var sealed []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM secret_versions WHERE secret_name=$1 ORDER BY version DESC LIMIT 1`, name).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	out, err := s.sealer.Open(name, sealed)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return out, nil
}
