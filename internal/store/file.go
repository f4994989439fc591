package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/anstrom/freeip/internal/errors"
)

const (
	fileDirPerm  = 0750
	fileDataPerm = 0600
)

// File is a Store backed by a single YAML document that several
// processes may share, such as the daemon and a CLI command. Reads load
// the current document; the rename in every write keeps it whole. Set
// holds an advisory lock on a sibling ".lock" file while it re-reads the
// document, applies its key and writes the result through a temp file.
type File struct {
	mu   sync.Mutex
	path string
}

// OpenFile checks that the document at path is readable. A missing file
// is an empty store.
func OpenFile(path string) (*File, error) {
	if path == "" {
		return nil, errors.ErrConfigMissing("store.file_path")
	}

	f := &File{path: path}
	if _, err := f.read(); err != nil {
		return nil, err
	}
	return f, nil
}

// Path returns the backing file location.
func (f *File) Path() string {
	return f.path
}

// Get returns the value currently stored under key.
func (f *File) Get(_ context.Context, key string) (string, error) {
	data, err := f.read()
	if err != nil {
		return "", err
	}

	v, ok := data[key]
	if !ok {
		return "", errors.ErrKeyNotFound(key)
	}
	return v, nil
}

// Set stores value under key, keeping every other key as it is on disk.
// A failed write leaves the document unchanged.
func (f *File) Set(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	unlock, err := f.lock()
	if err != nil {
		return errors.WrapStoreError(errors.CodePersistence, "lock file", key, err)
	}
	defer unlock()

	data, err := f.read()
	if err != nil {
		return err
	}
	data[key] = value

	if err := f.flush(data); err != nil {
		return errors.WrapStoreError(errors.CodePersistence, "write file", key, err)
	}
	return nil
}

// Close is a no-op; every Set is already durable.
func (f *File) Close() error {
	return nil
}

func (f *File) read() (map[string]string, error) {
	data := make(map[string]string)

	raw, err := os.ReadFile(f.path)
	switch {
	case os.IsNotExist(err):
		return data, nil
	case err != nil:
		return nil, errors.WrapStoreError(errors.CodePersistence, "read file", "", err)
	}

	if err := yaml.Unmarshal(raw, &data); err != nil {
		return nil, errors.WrapStoreError(errors.CodePersistence, "decode file", "", err)
	}
	if data == nil {
		data = make(map[string]string)
	}
	return data, nil
}

// lock takes the exclusive writer lock and returns its release function.
func (f *File) lock() (func(), error) {
	if err := os.MkdirAll(filepath.Dir(f.path), fileDirPerm); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	lf, err := os.OpenFile(f.path+".lock", os.O_CREATE|os.O_RDWR, fileDataPerm)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := lockExclusive(lf); err != nil {
		_ = lf.Close()
		return nil, fmt.Errorf("failed to lock store: %w", err)
	}
	return func() { _ = lf.Close() }, nil
}

func (f *File) flush(data map[string]string) error {
	out, err := yaml.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal store: %w", err)
	}

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(out); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Chmod(fileDataPerm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	return os.Rename(tmpName, f.path)
}
