// SPDX-License-Identifier: MIT

// Package fake provides an in-memory runtime driver for tests. Programs
// are Go functions wired to in-process pipes; spawn failures, delays,
// and signal behaviour are all scriptable.
package fake

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Hemanthkumar2k04/coderunner/internal/protocol"
	"github.com/Hemanthkumar2k04/coderunner/internal/sandbox/runtime"
)

// ExecCtx is what a scripted program sees while running.
type ExecCtx struct {
	Cmd    []string
	Env    []string
	Files  map[string][]byte
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	Term   <-chan struct{} // closed on graceful stop request
	Kill   <-chan struct{} // closed on force kill
}

// Behavior is the body of a scripted program; its return value is the
// exit code.
type Behavior func(e ExecCtx) int

// Exit0 is a program that does nothing and exits cleanly.
func Exit0(ExecCtx) int { return 0 }

// EchoLine reads one line from stdin and writes it back to stdout.
func EchoLine(e ExecCtx) int {
	buf := make([]byte, 1)
	line := make([]byte, 0, 64)
	for {
		n, err := e.Stdin.Read(buf)
		if n > 0 {
			line = append(line, buf[0])
			if buf[0] == '\n' {
				break
			}
		}
		if err != nil {
			break
		}
	}
	_, _ = e.Stdout.Write(line)
	return 0
}

// Print returns a program that writes s to stdout and exits cleanly.
func Print(s string) Behavior {
	return func(e ExecCtx) int {
		_, _ = io.WriteString(e.Stdout, s)
		return 0
	}
}

// SleepUntilSignal returns a program that blocks until terminated. If
// obeyTerm is false it ignores graceful stops and only dies on kill.
func SleepUntilSignal(obeyTerm bool) Behavior {
	return func(e ExecCtx) int {
		if obeyTerm {
			select {
			case <-e.Term:
				return 143
			case <-e.Kill:
				return 137
			}
		}
		<-e.Kill
		return 137
	}
}

type sandboxState struct {
	files   map[string][]byte
	network string
}

// Driver is the scriptable in-memory runtime.
type Driver struct {
	mu        sync.Mutex
	sandboxes map[runtime.Handle]*sandboxState
	networks  map[string]string

	// Scripting knobs. Set before use; not synchronised against
	// concurrent mutation.
	OnExec        Behavior      // default Exit0
	SpawnFailures int           // fail this many spawns before succeeding
	SpawnDelay    time.Duration // sleep before each spawn completes
	ReadyErr      error         // readiness probe failure
	CopyErr       error         // file transfer failure
	ResetErr      error         // reset failure (forces drain on release)

	spawned   int
	destroyed int
	resets    int
}

// New returns an empty fake driver.
func New() *Driver {
	return &Driver{
		sandboxes: make(map[runtime.Handle]*sandboxState),
		networks:  make(map[string]string),
	}
}

func (d *Driver) CreateNetwork(_ context.Context, subnet string) (string, error) {
	id := "fakenet-" + uuid.NewString()
	d.mu.Lock()
	d.networks[id] = subnet
	d.mu.Unlock()
	return id, nil
}

func (d *Driver) DestroyNetwork(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.networks, id)
	return nil
}

func (d *Driver) Spawn(ctx context.Context, _ string, networkID string, _ runtime.Limits) (runtime.Handle, error) {
	if d.SpawnDelay > 0 {
		select {
		case <-time.After(d.SpawnDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.SpawnFailures > 0 {
		d.SpawnFailures--
		return "", fmt.Errorf("fake: scripted spawn failure")
	}
	h := runtime.Handle("fake-" + uuid.NewString())
	d.sandboxes[h] = &sandboxState{files: make(map[string][]byte), network: networkID}
	d.spawned++
	return h, nil
}

func (d *Driver) Ready(_ context.Context, h runtime.Handle) error {
	if d.ReadyErr != nil {
		return d.ReadyErr
	}
	_, err := d.lookup(h)
	return err
}

func (d *Driver) Copy(_ context.Context, h runtime.Handle, path string, data []byte) error {
	if d.CopyErr != nil {
		return d.CopyErr
	}
	s, err := d.lookup(h)
	if err != nil {
		return err
	}
	rel, err := protocol.SafeRelPath(path)
	if err != nil {
		return err
	}
	d.mu.Lock()
	s.files[rel] = append([]byte(nil), data...)
	d.mu.Unlock()
	return nil
}

func (d *Driver) Exec(_ context.Context, h runtime.Handle, cmd []string, env []string) (runtime.Process, error) {
	s, err := d.lookup(h)
	if err != nil {
		return nil, err
	}
	behavior := d.OnExec
	if behavior == nil {
		behavior = Exit0
	}

	d.mu.Lock()
	files := make(map[string][]byte, len(s.files))
	for k, v := range s.files {
		files[k] = v
	}
	d.mu.Unlock()

	return startProgram(behavior, cmd, env, files), nil
}

func (d *Driver) Reset(_ context.Context, h runtime.Handle) error {
	if d.ResetErr != nil {
		return d.ResetErr
	}
	s, err := d.lookup(h)
	if err != nil {
		return err
	}
	d.mu.Lock()
	s.files = make(map[string][]byte)
	d.resets++
	d.mu.Unlock()
	return nil
}

func (d *Driver) Destroy(_ context.Context, h runtime.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.sandboxes[h]; ok {
		delete(d.sandboxes, h)
		d.destroyed++
	}
	return nil
}

func (d *Driver) lookup(h runtime.Handle) (*sandboxState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sandboxes[h]
	if !ok {
		return nil, fmt.Errorf("fake: unknown sandbox %q", h)
	}
	return s, nil
}

// Alive reports how many sandboxes currently exist.
func (d *Driver) Alive() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sandboxes)
}

// Networks reports how many networks currently exist.
func (d *Driver) Networks() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.networks)
}

// Spawned and Destroyed report lifetime counters.
func (d *Driver) Spawned() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.spawned
}

func (d *Driver) Destroyed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed
}

// Resets reports how many successful resets ran.
func (d *Driver) Resets() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resets
}

// Files returns a copy of the files currently inside a sandbox.
func (d *Driver) Files(h runtime.Handle) map[string][]byte {
	s, err := d.lookup(h)
	if err != nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string][]byte, len(s.files))
	for k, v := range s.files {
		out[k] = v
	}
	return out
}

// program adapts a Behavior to runtime.Process.
type program struct {
	stdinR *io.PipeReader
	stdinW *io.PipeWriter

	stdoutR *io.PipeReader
	stderrR *io.PipeReader

	termOnce sync.Once
	killOnce sync.Once
	term     chan struct{}
	kill     chan struct{}

	doneOnce sync.Once
	done     chan struct{}
	exitCode int
}

func startProgram(behavior Behavior, cmd, env []string, files map[string][]byte) *program {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	p := &program{
		stdinR:  stdinR,
		stdinW:  stdinW,
		stdoutR: stdoutR,
		stderrR: stderrR,
		term:    make(chan struct{}),
		kill:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	finish := func(code int) {
		p.doneOnce.Do(func() {
			p.exitCode = code
			_ = stdoutW.Close()
			_ = stderrW.Close()
			_ = stdinR.CloseWithError(runtime.ErrStdinClosed)
			close(p.done)
		})
	}

	go func() {
		code := behavior(ExecCtx{
			Cmd:    cmd,
			Env:    env,
			Files:  files,
			Stdin:  stdinR,
			Stdout: stdoutW,
			Stderr: stderrW,
			Term:   p.term,
			Kill:   p.kill,
		})
		finish(code)
	}()

	// A kill always terminates the process even if the behavior hangs.
	go func() {
		<-p.kill
		finish(137)
	}()

	return p
}

func (p *program) Stdin() io.WriteCloser { return p.stdinW }
func (p *program) Stdout() io.Reader     { return p.stdoutR }
func (p *program) Stderr() io.Reader     { return p.stderrR }

func (p *program) Signal(sig runtime.Signal) error {
	switch sig {
	case runtime.SignalTerm:
		p.termOnce.Do(func() { close(p.term) })
	case runtime.SignalKill:
		p.killOnce.Do(func() { close(p.kill) })
	}
	return nil
}

func (p *program) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.done:
		return p.exitCode, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
