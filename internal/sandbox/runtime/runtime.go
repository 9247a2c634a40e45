// SPDX-License-Identifier: MIT

// Package runtime defines the sandbox runtime driver contract the
// orchestrator consumes. Every call is assumed fallible and possibly
// slow; callers never hold pool locks across a driver call.
package runtime

import (
	"context"
	"errors"
	"io"
)

// Handle identifies one spawned sandbox inside a driver.
type Handle string

// Limits is the coarse resource envelope applied at spawn.
type Limits struct {
	MemMB int
	CPU   int
}

// Signal selects the termination mode for a running process.
type Signal int

const (
	// SignalTerm requests graceful termination.
	SignalTerm Signal = iota
	// SignalKill forces immediate termination.
	SignalKill
)

// ErrStdinClosed is returned by Process stdin writes after the program
// closed its input.
var ErrStdinClosed = errors.New("runtime: stdin closed")

// Process is one exec'd command inside a sandbox.
type Process interface {
	// Stdin returns the program's standard input writer.
	Stdin() io.WriteCloser
	// Stdout returns the program's standard output reader.
	Stdout() io.Reader
	// Stderr returns the program's standard error reader.
	Stderr() io.Reader
	// Signal delivers a termination signal to the program.
	Signal(sig Signal) error
	// Wait blocks until the program exits and returns its exit code.
	// Cancelling ctx abandons the wait, not the program.
	Wait(ctx context.Context) (int, error)
}

// Driver is the container-engine abstraction. Implementations must be
// safe for concurrent use.
type Driver interface {
	// CreateNetwork provisions an isolated network segment for one
	// sandbox, carved from the given subnet.
	CreateNetwork(ctx context.Context, subnet string) (string, error)
	// DestroyNetwork tears down a sandbox network.
	DestroyNetwork(ctx context.Context, id string) error

	// Spawn starts a sandbox from image, attached to networkID, with
	// the given limits applied.
	Spawn(ctx context.Context, image, networkID string, limits Limits) (Handle, error)
	// Ready probes whether a freshly spawned sandbox accepts execs.
	Ready(ctx context.Context, h Handle) error
	// Copy materialises bytes at path inside the sandbox working root.
	Copy(ctx context.Context, h Handle, path string, data []byte) error
	// Exec launches a command inside the sandbox.
	Exec(ctx context.Context, h Handle, cmd []string, env []string) (Process, error)
	// Reset restores the sandbox working root to a pristine state so
	// the sandbox can be reused.
	Reset(ctx context.Context, h Handle) error
	// Destroy tears the sandbox down. Idempotent.
	Destroy(ctx context.Context, h Handle) error
}
