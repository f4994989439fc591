// Package probe runs the external free-address probe and streams its
// standard output line by line.
package probe

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"iter"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anstrom/freeip/internal/errors"
	"github.com/anstrom/freeip/internal/logging"
)

const (
	// MaxLineSize bounds a single stdout line. Longer lines are cut to this
	// length and the remainder is discarded.
	MaxLineSize = 64 * 1024

	// pipeDrainDelay bounds how long Wait lingers on pipes inherited by
	// orphaned grandchildren after the probe itself has exited.
	pipeDrainDelay = 2 * time.Second
)

// Config describes one probe invocation.
type Config struct {
	// Path to the probe executable. It is run with no arguments.
	Path string

	// Env is appended to the current process environment.
	Env []string

	Logger *logging.Logger
}

// Process is a running probe. Lines may be consumed once; Wait and
// Terminate may be called any number of times from any goroutine.
type Process struct {
	cmd    *exec.Cmd
	path   string
	stdout *bufio.Reader
	logger *logging.Logger

	consumed   atomic.Bool
	terminated atomic.Bool
	exited     atomic.Bool

	readMu  sync.Mutex
	readErr error

	waitOnce sync.Once
	waitErr  error
	termOnce sync.Once
}

// CheckExecutable reports a launch error unless path names an existing,
// non-directory file that may be executed.
func CheckExecutable(path string) error {
	if path == "" {
		return errors.ErrProbeNotExecutable(path, nil)
	}
	info, err := os.Stat(path)
	if err != nil {
		return errors.ErrProbeNotExecutable(path, err)
	}
	if info.IsDir() || !isExecutable(info) {
		return errors.ErrProbeNotExecutable(path, nil)
	}
	return nil
}

// Start launches the probe. Cancelling ctx terminates it.
func Start(ctx context.Context, cfg Config) (*Process, error) {
	if err := CheckExecutable(cfg.Path); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithComponent("probe").WithProbe(cfg.Path)

	p := &Process{path: cfg.Path, logger: logger}

	cmd := exec.CommandContext(ctx, cfg.Path) //nolint:gosec // probe path comes from operator configuration
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Stderr = &stderrLogger{logger: logger}
	cmd.WaitDelay = pipeDrainDelay
	cmd.Cancel = func() error {
		p.Terminate()
		return nil
	}
	configureProcessGroup(cmd)
	p.cmd = cmd

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.WrapProbeError(errors.CodeLaunch, "Failed to open probe output", cfg.Path, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.WrapProbeError(errors.CodeLaunch, "Failed to start probe", cfg.Path, err)
	}

	p.stdout = bufio.NewReaderSize(stdout, 4096)

	logger.Debug("Probe started", "pid", cmd.Process.Pid)
	return p, nil
}

// Path returns the probe executable.
func (p *Process) Path() string {
	return p.path
}

// Pid returns the operating system process ID.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Lines yields each stdout line, without its "\n" or "\r\n" terminator,
// until the probe closes its output. A final unterminated line is yielded
// too. Lines over MaxLineSize are truncated and reading continues, so the
// probe is never left blocked on a full pipe. The sequence can be ranged
// over once; later calls yield nothing. A read error ends the sequence and
// is reported by Wait.
func (p *Process) Lines() iter.Seq[string] {
	return func(yield func(string) bool) {
		if p.consumed.Swap(true) {
			return
		}
		for {
			line, err := p.readLine()
			if err == nil || len(line) > 0 {
				if !yield(string(line)) {
					return
				}
			}
			if err == nil {
				continue
			}
			if err != io.EOF && !p.terminated.Load() {
				p.readMu.Lock()
				p.readErr = err
				p.readMu.Unlock()
			}
			return
		}
	}
}

// readLine reads up to the next newline, keeping at most MaxLineSize bytes.
func (p *Process) readLine() ([]byte, error) {
	var line []byte
	truncated := false
	for {
		chunk, err := p.stdout.ReadSlice('\n')
		if room := MaxLineSize - len(line); room >= len(chunk) {
			line = append(line, chunk...)
		} else {
			line = append(line, chunk[:room]...)
			truncated = true
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if truncated {
			p.logger.Debug("Probe output line truncated", "limit", MaxLineSize)
		}
		line = bytes.TrimSuffix(line, []byte("\n"))
		line = bytes.TrimSuffix(line, []byte("\r"))
		return line, err
	}
}

// Wait blocks until the probe has exited. It returns a probe runtime
// error when the probe was killed by a signal, exited non-zero, or its
// output could not be read.
func (p *Process) Wait() error {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		p.exited.Store(true)

		if err == nil {
			p.readMu.Lock()
			err = p.readErr
			p.readMu.Unlock()
		}
		if err != nil {
			p.waitErr = errors.ErrProbeExit(p.path, err)
		}
	})
	return p.waitErr
}

// Terminate kills the probe and any children sharing its process group.
// It does not wait for the exit; calling it again, or after the probe
// has exited, does nothing.
func (p *Process) Terminate() {
	p.termOnce.Do(func() {
		p.terminated.Store(true)
		if p.exited.Load() || p.cmd == nil || p.cmd.Process == nil {
			return
		}
		if err := killProcessGroup(p.cmd); err != nil {
			p.logger.Debug("Probe kill failed", "error", err)
		}
	})
}

// Terminated reports whether Terminate has been called.
func (p *Process) Terminated() bool {
	return p.terminated.Load()
}

// stderrLogger forwards complete stderr lines to the debug log.
type stderrLogger struct {
	mu      sync.Mutex
	logger  *logging.Logger
	pending []byte
}

func (w *stderrLogger) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending = append(w.pending, b...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimSpace(w.pending[:i]); len(line) > 0 {
			w.logger.Debug("Probe stderr", "line", string(line))
		}
		w.pending = w.pending[i+1:]
	}
	if len(w.pending) > MaxLineSize {
		w.pending = w.pending[:0]
	}
	return len(b), nil
}
