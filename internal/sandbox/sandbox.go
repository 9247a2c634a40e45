// SPDX-License-Identifier: MIT

// Package sandbox implements the warm-pool scheduler over sandboxed
// runtimes: one MRU-ordered idle list per language, exclusive leases,
// global LRU eviction at capacity, and a background sweeper enforcing
// idle/age/overflow limits.
package sandbox

import (
	"fmt"
	"time"

	"github.com/Hemanthkumar2k04/coderunner/internal/lang"
	"github.com/Hemanthkumar2k04/coderunner/internal/sandbox/runtime"
)

// State is the sandbox lifecycle state.
type State string

const (
	StateSpawning State = "spawning"
	StateIdle     State = "idle"
	StateLeased   State = "leased"
	StateDraining State = "draining"
	StateGone     State = "gone"
)

// Sandbox is one reusable execution container. All fields are owned by
// the pool and guarded by the pool mutex.
type Sandbox struct {
	ID         string
	Language   lang.Tag
	State      State
	Handle     runtime.Handle
	NetworkID  string
	Subnet     string
	CreatedAt  time.Time
	LastUsedAt time.Time
	ReuseCount int
	leaseID    string // non-empty exactly while leased

	netTime   time.Duration // network provisioning time at spawn
	spawnTime time.Duration // container spawn plus readiness time
}

// Lease is the exclusive right to execute one job in one sandbox.
// NetworkTime and ContainerTime are zero for reused sandboxes.
type Lease struct {
	ID            string
	SessionID     string
	Sandbox       *Sandbox
	AcquiredAt    time.Time
	ReleasedAt    time.Time
	Reused        bool
	NetworkTime   time.Duration
	ContainerTime time.Duration
}

// Outcome describes how an execution left its sandbox. Only healthy
// outcomes return the sandbox to the warm pool.
type Outcome struct {
	ExitClean      bool // program exited without infrastructure error
	IOError        bool
	DeadlineBreach bool
}

// Healthy reports whether the sandbox may be reused.
func (o Outcome) Healthy() bool {
	return o.ExitClean && !o.IOError && !o.DeadlineBreach
}

// OutcomeHealthy is the common healthy release outcome.
var OutcomeHealthy = Outcome{ExitClean: true}

// transition validates a state edge; unknown edges are programming
// errors surfaced loudly.
func (s *Sandbox) transition(to State) error {
	valid := map[State][]State{
		StateSpawning: {StateIdle, StateLeased, StateDraining},
		StateIdle:     {StateLeased, StateDraining},
		StateLeased:   {StateIdle, StateDraining},
		StateDraining: {StateGone},
	}
	for _, allowed := range valid[s.State] {
		if allowed == to {
			s.State = to
			return nil
		}
	}
	return fmt.Errorf("sandbox %s: invalid transition %s -> %s", s.ID, s.State, to)
}
