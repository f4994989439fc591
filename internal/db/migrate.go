package db

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/anstrom/freeip/internal/errors"
	"github.com/anstrom/freeip/internal/logging"
)

// schemaScripts are applied in file name order.
//
//go:embed *.sql
var schemaScripts embed.FS

const (
	createVersionTable = `CREATE TABLE IF NOT EXISTS freeip_schema (
	version    TEXT PRIMARY KEY,
	checksum   TEXT NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
	selectVersions = `SELECT version, checksum FROM freeip_schema`
	insertVersion  = `INSERT INTO freeip_schema (version, checksum) VALUES ($1, $2)`
)

type schemaVersion struct {
	Version  string `db:"version"`
	Checksum string `db:"checksum"`
}

// Migrator brings the kv_store schema up to date.
type Migrator struct {
	db     *sqlx.DB
	logger *logging.Logger
}

// NewMigrator returns a migrator for db.
func NewMigrator(db *sqlx.DB) *Migrator {
	return &Migrator{db: db, logger: logging.Default().WithComponent("migrate")}
}

// Up applies every embedded script not yet recorded in freeip_schema,
// each in its own transaction. A recorded script whose content has
// changed since it ran is logged and not applied again.
func (m *Migrator) Up(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, createVersionTable); err != nil {
		return fmt.Errorf("failed to create schema version table: %w", err)
	}

	var recorded []schemaVersion
	if err := m.db.SelectContext(ctx, &recorded, selectVersions); err != nil {
		return fmt.Errorf("failed to read schema versions: %w", err)
	}
	applied := make(map[string]string, len(recorded))
	for _, v := range recorded {
		applied[v.Version] = v.Checksum
	}

	names, err := fs.Glob(schemaScripts, "*.sql")
	if err != nil {
		return fmt.Errorf("failed to list schema scripts: %w", err)
	}

	for _, name := range names {
		script, err := schemaScripts.ReadFile(name)
		if err != nil {
			return fmt.Errorf("failed to read schema script %s: %w", name, err)
		}
		version := strings.TrimSuffix(name, ".sql")
		sum := scriptChecksum(script)

		if prev, ok := applied[version]; ok {
			if prev != sum {
				m.logger.Warn("Schema script changed after it was applied", "version", version)
			}
			continue
		}

		if err := m.apply(ctx, version, string(script), sum); err != nil {
			return fmt.Errorf("schema version %s failed: %w", version, err)
		}
		m.logger.Info("Schema version applied", "version", version)
	}
	return nil
}

func (m *Migrator) apply(ctx context.Context, version, script, sum string) error {
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, script); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, insertVersion, version, sum); err != nil {
		return err
	}
	return tx.Commit()
}

func scriptChecksum(script []byte) string {
	sum := sha256.Sum256(script)
	return hex.EncodeToString(sum[:])
}

// ConnectAndMigrate connects and applies any pending schema versions.
func ConnectAndMigrate(ctx context.Context, config *Config) (*DB, error) {
	database, err := Connect(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := NewMigrator(database.DB).Up(ctx); err != nil {
		_ = database.Close()
		return nil, errors.WrapStoreError(errors.CodeDatabaseMigration, "migrate", "", err)
	}
	return database, nil
}
