// SPDX-License-Identifier: MIT

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sync"

	"github.com/google/uuid"

	"github.com/Hemanthkumar2k04/coderunner/internal/lang"
	"github.com/Hemanthkumar2k04/coderunner/internal/log"
	"github.com/Hemanthkumar2k04/coderunner/internal/sandbox/runtime"
	"github.com/Hemanthkumar2k04/coderunner/internal/telemetry"
)

// ErrUnavailable means no sandbox could be provided: spawn failed, the
// readiness probe timed out, or capacity was exhausted with nothing
// evictable.
var ErrUnavailable = errors.New("sandbox: unavailable")

// Config bounds the pool.
type Config struct {
	MaxSandboxes   int
	PerLangWarmCap int
	IdleTTL        time.Duration
	MaxAge         time.Duration
	SweepInterval  time.Duration
	SpawnTimeout   time.Duration
	ReleaseTimeout time.Duration
	SubnetPool     string
}

// Stats is the pool's observability snapshot.
type Stats struct {
	Spawning int `json:"spawning"`
	Idle     int `json:"idle"`
	Leased   int `json:"leased"`
	Draining int `json:"draining"`

	NetworksTotal  int `json:"networksTotal"`
	NetworksActive int `json:"networksActive"`
	NetworksUnused int `json:"networksUnused"`
}

// Pool maintains one warm set of sandboxes per language. The mutex
// guards the tables only; no runtime call ever runs under it.
type Pool struct {
	cfg      Config
	driver   runtime.Driver
	registry *lang.Registry
	rec      *telemetry.Recorder
	subnets  *subnetAllocator

	mu     sync.Mutex
	all    map[string]*Sandbox
	idle   map[lang.Tag][]*Sandbox // index 0 is MRU
	leases map[string]*Lease

	draining sync.WaitGroup
}

// NewPool builds a pool over the given driver.
func NewPool(cfg Config, driver runtime.Driver, registry *lang.Registry, rec *telemetry.Recorder) (*Pool, error) {
	subnets, err := newSubnetAllocator(cfg.SubnetPool)
	if err != nil {
		return nil, err
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.SpawnTimeout <= 0 {
		cfg.SpawnTimeout = 15 * time.Second
	}
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = 5 * time.Second
	}
	return &Pool{
		cfg:      cfg,
		driver:   driver,
		registry: registry,
		rec:      rec,
		subnets:  subnets,
		all:      make(map[string]*Sandbox),
		idle:     make(map[lang.Tag][]*Sandbox),
		leases:   make(map[string]*Lease),
	}, nil
}

// Driver exposes the underlying runtime for file transfer and exec.
func (p *Pool) Driver() runtime.Driver {
	return p.driver
}

// Acquire hands out an exclusive lease on a sandbox for the requested
// language, reusing the most recently used idle one when possible.
func (p *Pool) Acquire(ctx context.Context, tag lang.Tag, sessionID string, limits runtime.Limits) (*Lease, error) {
	profile, ok := p.registry.Resolve(tag)
	if !ok {
		return nil, fmt.Errorf("sandbox: %w: unknown language %q", ErrUnavailable, tag)
	}

	// Warm path: MRU idle sandbox of the same language.
	p.mu.Lock()
	if list := p.idle[tag]; len(list) > 0 {
		s := list[0]
		p.idle[tag] = list[1:]
		if err := s.transition(StateLeased); err != nil {
			p.mu.Unlock()
			return nil, err
		}
		s.ReuseCount++
		s.LastUsedAt = time.Now()
		lease := p.newLeaseLocked(s, sessionID, true)
		p.mu.Unlock()
		p.rec.SandboxReused(string(tag))
		return lease, nil
	}

	// Cold path: spawn, evicting the global LRU idle sandbox if the
	// total cap is reached. A placeholder holds the capacity slot while
	// the runtime call runs unlocked.
	var victim *Sandbox
	if p.totalLocked() >= p.cfg.MaxSandboxes {
		victim = p.popLRUIdleLocked()
		if victim == nil {
			p.mu.Unlock()
			return nil, fmt.Errorf("sandbox: %w: at capacity with no idle sandbox", ErrUnavailable)
		}
	}
	placeholder := &Sandbox{
		ID:        uuid.NewString(),
		Language:  tag,
		State:     StateSpawning,
		CreatedAt: time.Now(),
	}
	p.all[placeholder.ID] = placeholder
	p.mu.Unlock()

	if victim != nil {
		p.destroySandbox(victim)
	}

	if err := p.spawnInto(ctx, placeholder, profile, limits); err != nil {
		p.mu.Lock()
		delete(p.all, placeholder.ID)
		p.mu.Unlock()
		p.rec.SandboxSpawned(string(tag), false)
		return nil, err
	}
	p.rec.SandboxSpawned(string(tag), true)

	p.mu.Lock()
	if err := placeholder.transition(StateLeased); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	placeholder.LastUsedAt = time.Now()
	lease := p.newLeaseLocked(placeholder, sessionID, false)
	p.mu.Unlock()
	return lease, nil
}

// spawnInto provisions network and container for s. On failure all
// partial resources are torn down.
func (p *Pool) spawnInto(ctx context.Context, s *Sandbox, profile lang.Profile, limits runtime.Limits) error {
	spawnCtx, cancel := context.WithTimeout(ctx, p.cfg.SpawnTimeout)
	defer cancel()

	logger := log.WithComponent("pool")

	netStart := time.Now()
	subnet, err := p.subnets.allocate()
	if err != nil {
		return fmt.Errorf("sandbox: %w: %v", ErrUnavailable, err)
	}
	networkID, err := p.driver.CreateNetwork(spawnCtx, subnet)
	if err != nil {
		p.subnets.release(subnet)
		return fmt.Errorf("sandbox: %w: create network: %v", ErrUnavailable, err)
	}
	p.rec.NetworkCreated()

	cleanupNet := func() {
		if err := p.driver.DestroyNetwork(context.Background(), networkID); err != nil {
			logger.Warn().Err(err).Str("network_id", networkID).Msg("failed to destroy network after spawn failure")
		}
		p.subnets.release(subnet)
		p.rec.NetworkDestroyed()
	}

	s.netTime = time.Since(netStart)

	spawnStart := time.Now()
	handle, err := p.driver.Spawn(spawnCtx, profile.Image, networkID, limits)
	if err != nil {
		cleanupNet()
		return fmt.Errorf("sandbox: %w: spawn: %v", ErrUnavailable, err)
	}
	if err := p.driver.Ready(spawnCtx, handle); err != nil {
		if derr := p.driver.Destroy(context.Background(), handle); derr != nil {
			logger.Warn().Err(derr).Msg("failed to destroy unready sandbox")
		}
		cleanupNet()
		return fmt.Errorf("sandbox: %w: readiness probe: %v", ErrUnavailable, err)
	}

	s.Handle = handle
	s.NetworkID = networkID
	s.Subnet = subnet
	s.spawnTime = time.Since(spawnStart)
	logger.Debug().Str("sandbox_id", s.ID).Str("language", string(s.Language)).Str("subnet", subnet).Msg("sandbox spawned")
	return nil
}

func (p *Pool) newLeaseLocked(s *Sandbox, sessionID string, reused bool) *Lease {
	lease := &Lease{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Sandbox:    s,
		AcquiredAt: time.Now(),
		Reused:     reused,
	}
	if !reused {
		lease.NetworkTime = s.netTime
		lease.ContainerTime = s.spawnTime
	}
	s.leaseID = lease.ID
	p.leases[lease.ID] = lease
	return lease
}

// Release returns a leased sandbox. Healthy outcomes reset the working
// root and push the sandbox back as MRU; anything else drains it. The
// runtime destroy is fire-and-forget but tracked until Gone.
func (p *Pool) Release(lease *Lease, outcome Outcome) {
	p.mu.Lock()
	s := lease.Sandbox
	if s.leaseID != lease.ID {
		p.mu.Unlock()
		logger := log.WithComponent("pool")
		logger.Error().Str("lease_id", lease.ID).Str("sandbox_id", s.ID).Msg("release of stale lease ignored")
		return
	}
	lease.ReleasedAt = time.Now()
	delete(p.leases, lease.ID)
	s.leaseID = ""
	p.mu.Unlock()

	if outcome.Healthy() {
		resetCtx, cancel := context.WithTimeout(context.Background(), p.cfg.ReleaseTimeout)
		err := p.driver.Reset(resetCtx, s.Handle)
		cancel()
		if err == nil {
			p.mu.Lock()
			if terr := s.transition(StateIdle); terr == nil {
				s.LastUsedAt = time.Now()
				p.idle[s.Language] = append([]*Sandbox{s}, p.idle[s.Language]...)
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()
		} else {
			logger := log.WithComponent("pool")
			logger.Warn().Err(err).Str("sandbox_id", s.ID).Msg("workdir reset failed, draining sandbox")
		}
	}

	p.mu.Lock()
	_ = s.transition(StateDraining)
	p.mu.Unlock()
	p.draining.Add(1)
	go func() {
		defer p.draining.Done()
		p.destroySandbox(s)
	}()
}

// destroySandbox tears down container and network, then marks Gone.
// Callers must have removed s from any idle list and moved it to
// Draining (or hold the only reference to a Spawning placeholder).
func (p *Pool) destroySandbox(s *Sandbox) {
	logger := log.WithComponent("pool")
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ReleaseTimeout)
	defer cancel()

	if s.Handle != "" {
		if err := p.driver.Destroy(ctx, s.Handle); err != nil {
			logger.Warn().Err(err).Str("sandbox_id", s.ID).Msg("sandbox destroy reported error")
		}
	}
	if s.NetworkID != "" {
		if err := p.driver.DestroyNetwork(ctx, s.NetworkID); err != nil {
			logger.Warn().Err(err).Str("network_id", s.NetworkID).Msg("network destroy reported error")
		}
		p.subnets.release(s.Subnet)
		p.rec.NetworkDestroyed()
	}

	p.mu.Lock()
	_ = s.transition(StateGone)
	delete(p.all, s.ID)
	p.mu.Unlock()
	p.rec.SandboxDestroyed(string(s.Language))
	logger.Debug().Str("sandbox_id", s.ID).Int("reuse_count", s.ReuseCount).Msg("sandbox destroyed")
}

// totalLocked counts sandboxes occupying capacity.
func (p *Pool) totalLocked() int {
	return len(p.all)
}

// popLRUIdleLocked removes and returns the least recently used idle
// sandbox across all languages, already transitioned to Draining.
func (p *Pool) popLRUIdleLocked() *Sandbox {
	var oldest *Sandbox
	for _, list := range p.idle {
		for _, s := range list {
			if oldest == nil || s.LastUsedAt.Before(oldest.LastUsedAt) {
				oldest = s
			}
		}
	}
	if oldest == nil {
		return nil
	}
	p.removeFromIdleLocked(oldest)
	_ = oldest.transition(StateDraining)
	return oldest
}

func (p *Pool) removeFromIdleLocked(target *Sandbox) {
	list := p.idle[target.Language]
	for i, s := range list {
		if s == target {
			p.idle[target.Language] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Sweep runs one eviction pass: idle TTL, max age, and per-language
// warm-cap overflow.
func (p *Pool) Sweep(now time.Time) {
	var victims []*Sandbox

	p.mu.Lock()
	for tag, list := range p.idle {
		keep := list[:0]
		for _, s := range list {
			expired := (p.cfg.IdleTTL > 0 && now.Sub(s.LastUsedAt) > p.cfg.IdleTTL) ||
				(p.cfg.MaxAge > 0 && now.Sub(s.CreatedAt) > p.cfg.MaxAge)
			if expired {
				_ = s.transition(StateDraining)
				victims = append(victims, s)
				continue
			}
			keep = append(keep, s)
		}
		// Overflow trims from the LRU end.
		for len(keep) > p.cfg.PerLangWarmCap && p.cfg.PerLangWarmCap >= 0 {
			s := keep[len(keep)-1]
			keep = keep[:len(keep)-1]
			_ = s.transition(StateDraining)
			victims = append(victims, s)
		}
		p.idle[tag] = keep
	}
	p.mu.Unlock()

	if len(victims) > 0 {
		logger := log.WithComponent("pool")
		logger.Info().Int("count", len(victims)).Msg("sweeping sandboxes")
	}
	for _, s := range victims {
		p.destroySandbox(s)
	}
}

// Run drives the background sweeper until ctx ends.
func (p *Pool) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	logger := log.WithComponent("pool")
	logger.Info().Dur("interval", p.cfg.SweepInterval).Msg("pool sweeper started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			p.Sweep(now)
		}
	}
}

// Shutdown destroys every sandbox and waits for in-flight drains.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	var victims []*Sandbox
	for _, s := range p.all {
		switch s.State {
		case StateIdle, StateLeased, StateSpawning:
			p.removeFromIdleLocked(s)
			_ = s.transition(StateDraining)
			victims = append(victims, s)
		}
	}
	p.mu.Unlock()

	for _, s := range victims {
		p.destroySandbox(s)
	}

	done := make(chan struct{})
	go func() {
		p.draining.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Stats reports pool and network aggregates.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	var st Stats
	for _, s := range p.all {
		switch s.State {
		case StateSpawning:
			st.Spawning++
		case StateIdle:
			st.Idle++
		case StateLeased:
			st.Leased++
		case StateDraining:
			st.Draining++
		}
	}
	st.NetworksTotal = p.subnets.inUse()
	st.NetworksActive = st.Leased
	st.NetworksUnused = st.Idle
	return st
}

// IdleCount reports the idle list length for a language (tests).
func (p *Pool) IdleCount(tag lang.Tag) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle[tag])
}
