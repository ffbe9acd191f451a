package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// APIClient identifies a backend consumer of the entitlements API. Clients
// authenticate with a key of the form "<name>.<secret>"; only the bcrypt
// hash of the secret is stored.
type APIClient struct {
	ID        int64
	Name      string
	KeyHash   string
	CreatedAt time.Time
}

type APIClientStore struct {
	db *sql.DB
}

func NewAPIClientStore(db *sql.DB) *APIClientStore {
	return &APIClientStore{db: db}
}

func (s *APIClientStore) Create(ctx context.Context, name, keyHash string) (*APIClient, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO api_clients (name, key_hash) VALUES (?, ?)`,
		name, keyHash,
	)
	if err != nil {
		return nil, fmt.Errorf("insert api client: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(ctx, id)
}

func (s *APIClientStore) GetByID(ctx context.Context, id int64) (*APIClient, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, key_hash, created_at FROM api_clients WHERE id = ?`, id)
	return scanAPIClient(row)
}

func (s *APIClientStore) GetByName(ctx context.Context, name string) (*APIClient, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, key_hash, created_at FROM api_clients WHERE name = ?`, name)
	return scanAPIClient(row)
}

func scanAPIClient(row *sql.Row) (*APIClient, error) {
	var c APIClient
	err := row.Scan(&c.ID, &c.Name, &c.KeyHash, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get api client: %w", err)
	}
	return &c, nil
}
