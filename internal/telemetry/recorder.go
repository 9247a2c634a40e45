// SPDX-License-Identifier: MIT

package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Hemanthkumar2k04/coderunner/internal/log"
	"github.com/Hemanthkumar2k04/coderunner/internal/protocol"
)

const (
	reservoirSamples = 1000
	slowCap          = 100
	slowThreshold    = 1000 * time.Millisecond
)

// Recorder is the thread-safe in-memory telemetry store. Rolling gauges
// use atomics; reservoir and rollup updates take the mutex.
type Recorder struct {
	queued        atomic.Int64
	active        atomic.Int64
	activeClients atomic.Int64
	sandboxTotal  atomic.Int64
	networkTotal  atomic.Int64

	mu     sync.Mutex
	stages map[Stage]*reservoir
	slow   []Execution
	day    *dayBucket

	reportDir string
	now       func() time.Time
}

type dayBucket struct {
	date       string
	total      int64
	successful int64
	failed     int64
	sessions   map[string]struct{}
	sandboxes  map[string]struct{}
	byLanguage map[string]int64
	byOutcome  map[string]int64
	totals     *reservoir
}

func newDayBucket(date string) *dayBucket {
	return &dayBucket{
		date:       date,
		sessions:   make(map[string]struct{}),
		sandboxes:  make(map[string]struct{}),
		byLanguage: make(map[string]int64),
		byOutcome:  make(map[string]int64),
		totals:     newReservoir(reservoirSamples),
	}
}

func (b *dayBucket) metrics() DailyMetrics {
	byLang := make(map[string]int64, len(b.byLanguage))
	for k, v := range b.byLanguage {
		byLang[k] = v
	}
	byOutcome := make(map[string]int64, len(b.byOutcome))
	for k, v := range b.byOutcome {
		byOutcome[k] = v
	}
	return DailyMetrics{
		Date:            b.date,
		Total:           b.total,
		Successful:      b.successful,
		Failed:          b.failed,
		UniqueSessions:  len(b.sessions),
		UniqueSandboxes: len(b.sandboxes),
		Latency:         summarize(b.totals.sorted()),
		ByLanguage:      byLang,
		ByOutcome:       byOutcome,
	}
}

// NewRecorder constructs a recorder archiving daily reports under
// reportDir. An empty reportDir disables archival.
func NewRecorder(reportDir string) *Recorder {
	r := &Recorder{
		stages:    make(map[Stage]*reservoir, len(Stages())),
		reportDir: reportDir,
		now:       time.Now,
	}
	for _, s := range Stages() {
		r.stages[s] = newReservoir(reservoirSamples)
	}
	r.day = newDayBucket(dateKey(r.now()))
	return r
}

func dateKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// JobQueued marks one job entering the admission queue.
func (r *Recorder) JobQueued() {
	r.queued.Add(1)
	queuedGauge.Inc()
}

// JobDequeued marks one job leaving the queue without being admitted.
func (r *Recorder) JobDequeued() {
	r.queued.Add(-1)
	queuedGauge.Dec()
}

// JobAdmitted marks a queued job becoming active.
func (r *Recorder) JobAdmitted(wait time.Duration) {
	r.queued.Add(-1)
	r.active.Add(1)
	queuedGauge.Dec()
	activeGauge.Inc()
	queueWait.Observe(wait.Seconds())
}

// JobFinished marks an active job as done.
func (r *Recorder) JobFinished() {
	r.active.Add(-1)
	activeGauge.Dec()
}

// SessionConnected counts a new client session.
func (r *Recorder) SessionConnected() {
	r.activeClients.Add(1)
	clientsGauge.Inc()
}

// SessionDisconnected counts a closed client session.
func (r *Recorder) SessionDisconnected() {
	r.activeClients.Add(-1)
	clientsGauge.Dec()
}

// SandboxSpawned records a sandbox spawn attempt outcome.
func (r *Recorder) SandboxSpawned(language string, ok bool) {
	outcome := "ok"
	if ok {
		r.sandboxTotal.Add(1)
	} else {
		outcome = "fail"
	}
	sandboxSpawns.WithLabelValues(language, outcome).Inc()
}

// SandboxReused records a warm-pool hit.
func (r *Recorder) SandboxReused(language string) {
	sandboxReuses.WithLabelValues(language).Inc()
}

// SandboxDestroyed records a sandbox reaching Gone.
func (r *Recorder) SandboxDestroyed(language string) {
	r.sandboxTotal.Add(-1)
	sandboxDestroys.WithLabelValues(language).Inc()
}

// NetworkCreated / NetworkDestroyed track per-sandbox network counts.
func (r *Recorder) NetworkCreated()   { r.networkTotal.Add(1) }
func (r *Recorder) NetworkDestroyed() { r.networkTotal.Add(-1) }

// RecordExecution stores one completed job. It also drives the daily
// rollover: the first record after local midnight archives the previous
// bucket.
func (r *Recorder) RecordExecution(exec Execution) {
	if exec.At.IsZero() {
		exec.At = r.now()
	}

	executionsTotal.WithLabelValues(string(exec.Language), string(exec.Outcome)).Inc()
	for _, s := range Stages() {
		stageSeconds.WithLabelValues(string(s)).Observe(exec.Timings.ByStage(s).Seconds())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.rolloverLocked(exec.At)

	for _, s := range Stages() {
		r.stages[s].add(exec.Timings.ByStage(s))
	}

	b := r.day
	b.total++
	if exec.Outcome == protocol.KindOK {
		b.successful++
	} else {
		b.failed++
	}
	b.sessions[exec.SessionID] = struct{}{}
	if exec.SandboxID != "" {
		b.sandboxes[exec.SandboxID] = struct{}{}
	}
	b.byLanguage[string(exec.Language)]++
	b.byOutcome[string(exec.Outcome)]++
	b.totals.add(exec.Timings.Total)

	if exec.Timings.Total > slowThreshold {
		r.slow = append(r.slow, exec)
		if len(r.slow) > slowCap {
			r.slow = r.slow[len(r.slow)-slowCap:]
		}
	}
}

// rolloverLocked archives the current bucket if the calendar day changed.
func (r *Recorder) rolloverLocked(now time.Time) {
	today := dateKey(now)
	if r.day.date == today {
		return
	}
	old := r.day.metrics()
	r.day = newDayBucket(today)
	if r.reportDir != "" {
		// Archive outside the lock path is not needed; writes are rare
		// (once a day) and renameio keeps them atomic.
		go func() {
			if err := WriteReport(r.reportDir, old); err != nil {
				logger := log.WithComponent("telemetry")
				logger.Error().Err(err).Str("date", old.Date).Msg("failed to archive daily report")
			}
		}()
	}
}

// RunRollover drives the midnight rollover on a timer until ctx ends.
func (r *Recorder) RunRollover(ctx context.Context) error {
	logger := log.WithComponent("telemetry")
	for {
		now := r.now()
		next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
		timer := time.NewTimer(next.Sub(now) + time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			r.mu.Lock()
			r.rolloverLocked(r.now())
			r.mu.Unlock()
			logger.Info().Str("date", dateKey(r.now())).Msg("daily metrics rolled over")
		}
	}
}

// Snapshot returns an immutable view of current counters and the
// in-progress daily rollup.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	today := r.day.metrics()
	r.mu.Unlock()

	return Snapshot{
		Queued:        r.queued.Load(),
		Active:        r.active.Load(),
		ActiveClients: r.activeClients.Load(),
		SandboxTotal:  r.sandboxTotal.Load(),
		NetworkTotal:  r.networkTotal.Load(),
		Today:         today,
		GeneratedAt:   r.now(),
	}
}

// Pipeline returns per-stage percentiles and the slow-execution ring.
func (r *Recorder) Pipeline() PipelineView {
	r.mu.Lock()
	defer r.mu.Unlock()

	stages := make([]StagePercentiles, 0, len(Stages()))
	for _, s := range Stages() {
		sorted := r.stages[s].sorted()
		stages = append(stages, StagePercentiles{
			Stage:   s,
			Samples: len(sorted),
			P50:     percentile(sorted, 50),
			P95:     percentile(sorted, 95),
			P99:     percentile(sorted, 99),
		})
	}
	slow := make([]Execution, len(r.slow))
	copy(slow, r.slow)
	return PipelineView{Stages: stages, Slow: slow}
}

// Reset zeroes rollups, reservoirs, and the slow ring. Rolling gauges
// track live state and are left untouched. Idempotent.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range Stages() {
		r.stages[s] = newReservoir(reservoirSamples)
	}
	r.slow = nil
	r.day = newDayBucket(dateKey(r.now()))
}

// Flush archives the in-progress daily bucket so a restart does not
// lose the day's rollup. No-op without a report directory.
func (r *Recorder) Flush() error {
	if r.reportDir == "" {
		return nil
	}
	r.mu.Lock()
	m := r.day.metrics()
	r.mu.Unlock()
	return WriteReport(r.reportDir, m)
}

// Report returns the rollup for the given date. Today's bucket is served
// live; past dates come from the archive.
func (r *Recorder) Report(date string) (DailyMetrics, error) {
	r.mu.Lock()
	if r.day.date == date {
		m := r.day.metrics()
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	return ReadReport(r.reportDir, date)
}
