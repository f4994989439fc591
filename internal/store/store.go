// Package store defines the key-value contract the scan cache and the
// probe settings persist through, plus the backends that implement it.
package store

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks github.com/anstrom/freeip/internal/store Store

import (
	"context"
	"fmt"
	"strconv"

	"github.com/anstrom/freeip/internal/db"
	"github.com/anstrom/freeip/internal/errors"
)

// Store is a flat string key-value store. Each Set is expected to be
// atomic on its own; nothing is transactional across keys.
// Get returns an error with code errors.CodeNotFound for missing keys.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendPostgres = "postgres"
)

// IsNotFound reports whether err means the key was never written.
func IsNotFound(err error) bool {
	return errors.IsCode(err, errors.CodeNotFound)
}

// GetUint64 reads key as an unsigned decimal integer.
func GetUint64(ctx context.Context, s Store, key string) (uint64, error) {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, errors.WrapStoreError(errors.CodePersistence, "decode uint64", key, err)
	}
	return v, nil
}

// SetUint64 writes v under key.
func SetUint64(ctx context.Context, s Store, key string, v uint64) error {
	return s.Set(ctx, key, strconv.FormatUint(v, 10))
}

// GetBool reads key as a boolean.
func GetBool(ctx context.Context, s Store, key string) (bool, error) {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, errors.WrapStoreError(errors.CodePersistence, "decode bool", key, err)
	}
	return v, nil
}

// SetBool writes v under key.
func SetBool(ctx context.Context, s Store, key string, v bool) error {
	return s.Set(ctx, key, strconv.FormatBool(v))
}

// GetStringOr returns the value of key, or def when it is missing.
func GetStringOr(ctx context.Context, s Store, key, def string) (string, error) {
	v, err := s.Get(ctx, key)
	if IsNotFound(err) {
		return def, nil
	}
	return v, err
}

// Options selects and configures a backend for Open.
type Options struct {
	Backend  string
	FilePath string
	Postgres db.Config
}

// Open builds the backend named in opts.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case BackendMemory, "":
		return NewMemory(), nil
	case BackendFile:
		return OpenFile(opts.FilePath)
	case BackendPostgres:
		return OpenPostgres(ctx, &opts.Postgres)
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
}
