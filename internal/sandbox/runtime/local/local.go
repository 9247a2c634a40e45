// SPDX-License-Identifier: MIT

// Package local implements the runtime driver on the host with plain
// processes: each sandbox is a scratch directory, exec uses os/exec in a
// dedicated process group, and networks are nominal segment ids. It
// exists so the service runs end-to-end without a container engine;
// container-backed drivers plug in behind the same contract.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/Hemanthkumar2k04/coderunner/internal/protocol"
	"github.com/Hemanthkumar2k04/coderunner/internal/sandbox/runtime"
)

type sandboxState struct {
	workdir string
	network string
}

// Driver is the host-process runtime driver.
type Driver struct {
	baseDir string

	mu        sync.Mutex
	sandboxes map[runtime.Handle]*sandboxState
	networks  map[string]string // network id -> subnet
}

// New creates a driver rooted at baseDir (created on demand).
func New(baseDir string) *Driver {
	return &Driver{
		baseDir:   baseDir,
		sandboxes: make(map[runtime.Handle]*sandboxState),
		networks:  make(map[string]string),
	}
}

// CreateNetwork allocates a nominal network segment id. Host processes
// share the host network; the id still flows through the lifecycle so
// accounting matches container-backed drivers.
func (d *Driver) CreateNetwork(_ context.Context, subnet string) (string, error) {
	id := "net-" + uuid.NewString()
	d.mu.Lock()
	d.networks[id] = subnet
	d.mu.Unlock()
	return id, nil
}

// DestroyNetwork releases a network segment id.
func (d *Driver) DestroyNetwork(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.networks[id]; !ok {
		return fmt.Errorf("local: unknown network %q", id)
	}
	delete(d.networks, id)
	return nil
}

// Spawn provisions a scratch working directory. The image identifier is
// recorded in the directory name for debuggability only.
func (d *Driver) Spawn(_ context.Context, image, networkID string, _ runtime.Limits) (runtime.Handle, error) {
	h := runtime.Handle("sbx-" + uuid.NewString())
	workdir := filepath.Join(d.baseDir, string(h))
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return "", fmt.Errorf("local: create workdir: %w", err)
	}
	_ = image
	d.mu.Lock()
	d.sandboxes[h] = &sandboxState{workdir: workdir, network: networkID}
	d.mu.Unlock()
	return h, nil
}

// Ready verifies the working directory exists and is writable.
func (d *Driver) Ready(_ context.Context, h runtime.Handle) error {
	s, err := d.lookup(h)
	if err != nil {
		return err
	}
	probe := filepath.Join(s.workdir, ".ready")
	if err := os.WriteFile(probe, nil, 0o600); err != nil {
		return fmt.Errorf("local: readiness probe: %w", err)
	}
	return os.Remove(probe)
}

// Copy writes bytes under the sandbox working root. Paths are
// re-validated here so a driver used directly still confines writes.
func (d *Driver) Copy(_ context.Context, h runtime.Handle, path string, data []byte) error {
	s, err := d.lookup(h)
	if err != nil {
		return err
	}
	rel, err := protocol.SafeRelPath(path)
	if err != nil {
		return fmt.Errorf("local: %w", err)
	}
	dst := filepath.Join(s.workdir, rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("local: create parent dir: %w", err)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return fmt.Errorf("local: write %s: %w", rel, err)
	}
	return nil
}

// Exec launches cmd inside the sandbox working directory in its own
// process group so Signal reaches the whole tree.
func (d *Driver) Exec(ctx context.Context, h runtime.Handle, cmd []string, env []string) (runtime.Process, error) {
	s, err := d.lookup(h)
	if err != nil {
		return nil, err
	}
	if len(cmd) == 0 {
		return nil, fmt.Errorf("local: empty command")
	}

	c := exec.Command(cmd[0], cmd[1:]...)
	c.Dir = s.workdir
	c.Env = append(os.Environ(), env...)
	setProcessGroup(c)

	stdin, err := c.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("local: stdin pipe: %w", err)
	}
	// Output is routed through io.Pipe instead of StdoutPipe: Wait
	// closes StdoutPipe descriptors as soon as the child exits, losing
	// anything not yet read. With io.Pipe the exec copier holds Wait
	// open until readers drain; reap closes the writers afterwards so
	// readers see every byte before EOF.
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	c.Stdout = outW
	c.Stderr = errW

	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("local: start %q: %w", cmd[0], err)
	}
	_ = ctx

	p := &process{
		cmd:    c,
		stdin:  stdin,
		stdout: outR,
		stderr: errR,
		outW:   outW,
		errW:   errW,
		done:   make(chan struct{}),
	}
	go p.reap()
	return p, nil
}

// Reset clears the sandbox working root for reuse.
func (d *Driver) Reset(_ context.Context, h runtime.Handle) error {
	s, err := d.lookup(h)
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(s.workdir)
	if err != nil {
		return fmt.Errorf("local: reset: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(s.workdir, e.Name())); err != nil {
			return fmt.Errorf("local: reset %s: %w", e.Name(), err)
		}
	}
	return nil
}

// Destroy removes the sandbox working root. Idempotent.
func (d *Driver) Destroy(_ context.Context, h runtime.Handle) error {
	d.mu.Lock()
	s, ok := d.sandboxes[h]
	delete(d.sandboxes, h)
	d.mu.Unlock()
	if !ok {
		return nil
	}
	return os.RemoveAll(s.workdir)
}

func (d *Driver) lookup(h runtime.Handle) (*sandboxState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sandboxes[h]
	if !ok {
		return nil, fmt.Errorf("local: unknown sandbox %q", h)
	}
	return s, nil
}

// process wraps an exec.Cmd as a runtime.Process.
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
	outW   *io.PipeWriter
	errW   *io.PipeWriter

	done     chan struct{}
	exitCode int
}

func (p *process) reap() {
	err := p.cmd.Wait()
	if err == nil {
		p.exitCode = 0
	} else if exit, ok := err.(*exec.ExitError); ok {
		p.exitCode = exit.ExitCode()
		if p.exitCode < 0 {
			// Killed by signal; surface a conventional 128+signal style
			// nonzero code.
			p.exitCode = 137
		}
	} else {
		p.exitCode = -1
	}
	_ = p.outW.Close()
	_ = p.errW.Close()
	close(p.done)
}

func (p *process) Stdin() io.WriteCloser { return p.stdin }
func (p *process) Stdout() io.Reader     { return p.stdout }
func (p *process) Stderr() io.Reader     { return p.stderr }

func (p *process) Signal(sig runtime.Signal) error {
	if p.cmd.Process == nil {
		return nil
	}
	return signalGroup(p.cmd.Process.Pid, sig)
}

func (p *process) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.done:
		return p.exitCode, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
