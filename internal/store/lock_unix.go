//go:build unix

package store

import (
	"os"
	"syscall"
)

// lockExclusive blocks until f holds an exclusive flock. Closing f
// releases it.
func lockExclusive(f *os.File) error {
	for {
		err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX)
		if err != syscall.EINTR {
			return err
		}
	}
}
