// SPDX-License-Identifier: MIT

package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hemanthkumar2k04/coderunner/internal/lang"
	"github.com/Hemanthkumar2k04/coderunner/internal/sandbox/runtime"
	"github.com/Hemanthkumar2k04/coderunner/internal/sandbox/runtime/fake"
	"github.com/Hemanthkumar2k04/coderunner/internal/telemetry"
)

func testPool(t *testing.T, driver *fake.Driver, mutate func(*Config)) *Pool {
	t.Helper()
	cfg := Config{
		MaxSandboxes:   4,
		PerLangWarmCap: 2,
		IdleTTL:        time.Minute,
		MaxAge:         time.Hour,
		SweepInterval:  time.Second,
		SpawnTimeout:   2 * time.Second,
		ReleaseTimeout: 2 * time.Second,
		SubnetPool:     "10.200.0.0/16",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := NewPool(cfg, driver, lang.NewRegistry(nil), telemetry.NewRecorder(""))
	require.NoError(t, err)
	return p
}

func waitDrained(t *testing.T, d *fake.Driver, want int) {
	t.Helper()
	require.Eventually(t, func() bool { return d.Destroyed() == want }, 2*time.Second, 5*time.Millisecond)
}

func TestAcquireSpawnsThenReuses(t *testing.T) {
	d := fake.New()
	p := testPool(t, d, nil)

	l1, err := p.Acquire(context.Background(), lang.Python, "s1", runtime.Limits{})
	require.NoError(t, err)
	assert.False(t, l1.Reused)
	assert.Equal(t, StateLeased, l1.Sandbox.State)
	assert.Equal(t, 1, d.Networks())

	p.Release(l1, OutcomeHealthy)
	assert.Equal(t, 1, p.IdleCount(lang.Python))
	assert.Equal(t, StateIdle, l1.Sandbox.State)
	assert.Equal(t, 1, d.Resets())

	l2, err := p.Acquire(context.Background(), lang.Python, "s2", runtime.Limits{})
	require.NoError(t, err)
	assert.True(t, l2.Reused)
	assert.Same(t, l1.Sandbox, l2.Sandbox)
	assert.Equal(t, 1, l2.Sandbox.ReuseCount)
	assert.Equal(t, 1, d.Spawned(), "reuse must not spawn")
	p.Release(l2, OutcomeHealthy)
}

func TestAcquireMRUOrder(t *testing.T) {
	d := fake.New()
	p := testPool(t, d, func(c *Config) { c.MaxSandboxes = 8; c.PerLangWarmCap = 8 })

	la, err := p.Acquire(context.Background(), lang.Python, "s1", runtime.Limits{})
	require.NoError(t, err)
	lb, err := p.Acquire(context.Background(), lang.Python, "s2", runtime.Limits{})
	require.NoError(t, err)

	p.Release(la, OutcomeHealthy) // idle: [a]
	p.Release(lb, OutcomeHealthy) // idle: [b, a] (b is MRU)

	next, err := p.Acquire(context.Background(), lang.Python, "s3", runtime.Limits{})
	require.NoError(t, err)
	assert.Same(t, lb.Sandbox, next.Sandbox, "MRU sandbox must be handed out first")
	p.Release(next, OutcomeHealthy)
}

func TestUnhealthyReleaseDrains(t *testing.T) {
	d := fake.New()
	p := testPool(t, d, nil)

	l, err := p.Acquire(context.Background(), lang.Python, "s1", runtime.Limits{})
	require.NoError(t, err)

	p.Release(l, Outcome{ExitClean: true, DeadlineBreach: true})
	waitDrained(t, d, 1)
	assert.Equal(t, 0, p.IdleCount(lang.Python))
	require.Eventually(t, func() bool { return p.Stats() == (Stats{}) }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, d.Networks(), "network destroyed with the sandbox")
}

func TestResetFailureDrains(t *testing.T) {
	d := fake.New()
	d.ResetErr = assert.AnError
	p := testPool(t, d, nil)

	l, err := p.Acquire(context.Background(), lang.Python, "s1", runtime.Limits{})
	require.NoError(t, err)
	p.Release(l, OutcomeHealthy)
	waitDrained(t, d, 1)
	assert.Equal(t, 0, p.IdleCount(lang.Python))
}

func TestGlobalLRUEvictionAtCap(t *testing.T) {
	d := fake.New()
	p := testPool(t, d, func(c *Config) { c.MaxSandboxes = 2; c.PerLangWarmCap = 2 })

	l1, err := p.Acquire(context.Background(), lang.Python, "s1", runtime.Limits{})
	require.NoError(t, err)
	l2, err := p.Acquire(context.Background(), lang.JavaScript, "s2", runtime.Limits{})
	require.NoError(t, err)
	p.Release(l1, OutcomeHealthy)
	time.Sleep(5 * time.Millisecond)
	p.Release(l2, OutcomeHealthy)

	// Cap is 2; acquiring a third language must evict the LRU idle
	// sandbox (python, released first).
	l3, err := p.Acquire(context.Background(), lang.CPP, "s3", runtime.Limits{})
	require.NoError(t, err)
	assert.Equal(t, 0, p.IdleCount(lang.Python))
	assert.Equal(t, 1, p.IdleCount(lang.JavaScript))
	assert.Equal(t, 1, d.Destroyed())
	p.Release(l3, OutcomeHealthy)
}

func TestAcquireFailsAtCapWithNoIdle(t *testing.T) {
	d := fake.New()
	p := testPool(t, d, func(c *Config) { c.MaxSandboxes = 1 })

	l1, err := p.Acquire(context.Background(), lang.Python, "s1", runtime.Limits{})
	require.NoError(t, err)

	_, err = p.Acquire(context.Background(), lang.Python, "s2", runtime.Limits{})
	assert.ErrorIs(t, err, ErrUnavailable)
	p.Release(l1, OutcomeHealthy)
}

func TestSpawnFailureCleansUp(t *testing.T) {
	d := fake.New()
	d.SpawnFailures = 1
	p := testPool(t, d, nil)

	_, err := p.Acquire(context.Background(), lang.Python, "s1", runtime.Limits{})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 0, d.Networks(), "network released after failed spawn")
	assert.Equal(t, Stats{}, p.Stats())

	// Second attempt succeeds; admission still held its single slot.
	l, err := p.Acquire(context.Background(), lang.Python, "s1", runtime.Limits{})
	require.NoError(t, err)
	p.Release(l, OutcomeHealthy)
}

func TestReadinessFailureDestroysSandbox(t *testing.T) {
	d := fake.New()
	d.ReadyErr = assert.AnError
	p := testPool(t, d, nil)

	_, err := p.Acquire(context.Background(), lang.Python, "s1", runtime.Limits{})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 0, d.Alive())
	assert.Equal(t, 0, d.Networks())
}

func TestSweepIdleTTL(t *testing.T) {
	d := fake.New()
	p := testPool(t, d, func(c *Config) { c.IdleTTL = 10 * time.Millisecond })

	l, err := p.Acquire(context.Background(), lang.Python, "s1", runtime.Limits{})
	require.NoError(t, err)
	p.Release(l, OutcomeHealthy)

	p.Sweep(time.Now().Add(time.Second))
	assert.Equal(t, 0, p.IdleCount(lang.Python))
	assert.Equal(t, 1, d.Destroyed())
}

func TestSweepWarmCapOverflow(t *testing.T) {
	d := fake.New()
	p := testPool(t, d, func(c *Config) { c.MaxSandboxes = 8; c.PerLangWarmCap = 1 })

	var leases []*Lease
	for i := 0; i < 3; i++ {
		l, err := p.Acquire(context.Background(), lang.Python, "s", runtime.Limits{})
		require.NoError(t, err)
		leases = append(leases, l)
	}
	for _, l := range leases {
		p.Release(l, OutcomeHealthy)
	}
	require.Equal(t, 3, p.IdleCount(lang.Python))

	p.Sweep(time.Now())
	assert.Equal(t, 1, p.IdleCount(lang.Python))
	assert.Equal(t, 2, d.Destroyed())
}

func TestShutdownDestroysEverything(t *testing.T) {
	d := fake.New()
	p := testPool(t, d, nil)

	l, err := p.Acquire(context.Background(), lang.Python, "s1", runtime.Limits{})
	require.NoError(t, err)
	p.Release(l, OutcomeHealthy)
	l2, err := p.Acquire(context.Background(), lang.JavaScript, "s2", runtime.Limits{})
	require.NoError(t, err)
	_ = l2

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p.Shutdown(ctx)

	assert.Equal(t, 0, d.Alive())
	assert.Equal(t, 0, d.Networks())
	assert.Equal(t, Stats{}, p.Stats())
}

func TestSubnetAllocator(t *testing.T) {
	a, err := newSubnetAllocator("10.50.0.0/22")
	require.NoError(t, err)

	seen := make(map[string]struct{})
	for i := 0; i < 4; i++ {
		s, err := a.allocate()
		require.NoError(t, err)
		seen[s] = struct{}{}
	}
	assert.Len(t, seen, 4)

	_, err = a.allocate()
	assert.Error(t, err, "pool of 4 segments is exhausted")

	for s := range seen {
		a.release(s)
	}
	got, err := a.allocate()
	require.NoError(t, err)
	assert.Contains(t, seen, got)

	_, err = newSubnetAllocator("not-a-cidr")
	assert.Error(t, err)
	_, err = newSubnetAllocator("10.0.0.0/30")
	assert.Error(t, err, "narrower than /24 is rejected")
}
