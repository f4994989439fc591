//go:build !unix

package store

import "os"

// lockExclusive is a no-op without flock; writers within one process are
// still serialized by File.mu.
func lockExclusive(*os.File) error {
	return nil
}
