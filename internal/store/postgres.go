package store

import (
	"context"

	"github.com/anstrom/freeip/internal/db"
)

// Postgres is a Store backed by the kv_store table.
type Postgres struct {
	db *db.DB
}

// NewPostgres wraps an open, migrated database.
func NewPostgres(database *db.DB) *Postgres {
	return &Postgres{db: database}
}

// OpenPostgres connects, runs migrations, and returns the store.
func OpenPostgres(ctx context.Context, cfg *db.Config) (*Postgres, error) {
	database, err := db.ConnectAndMigrate(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewPostgres(database), nil
}

// Get returns the value stored under key.
func (p *Postgres) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := p.db.GetContext(ctx, &value, `SELECT value FROM kv_store WHERE key = $1`, key)
	if err != nil {
		return "", db.SanitizeError("get", key, err)
	}
	return value, nil
}

// Set upserts value under key.
func (p *Postgres) Set(ctx context.Context, key, value string) error {
	const query = `
		INSERT INTO kv_store (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`

	if _, err := p.db.ExecContext(ctx, query, key, value); err != nil {
		return db.SanitizeError("set", key, err)
	}
	return nil
}

// Ping checks the database connection.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

// Close closes the underlying connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}
