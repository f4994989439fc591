//go:build unix

package probe

import (
	"bytes"
	"iter"
	"sync"
)

func iterPull(p *Process) (func() (string, bool), func()) {
	return iter.Pull(p.Lines())
}

type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
