// SPDX-License-Identifier: MIT

// Package telemetry implements the in-memory pipeline telemetry recorder:
// per-stage latency reservoirs, rolling counters, daily rollups with
// midnight rollover, a bounded slow-execution ring, and JSON report
// archival. Recording never fails a job; errors are logged and swallowed.
package telemetry

import (
	"time"

	"github.com/Hemanthkumar2k04/coderunner/internal/lang"
	"github.com/Hemanthkumar2k04/coderunner/internal/protocol"
)

// Stage names the timed phases of one execution.
type Stage string

const (
	StageQueue        Stage = "queue"
	StageNetwork      Stage = "network"
	StageContainer    Stage = "container"
	StageFileTransfer Stage = "file-transfer"
	StageExecution    Stage = "execution"
	StageCleanup      Stage = "cleanup"
	StageTotal        Stage = "total"
)

// Stages lists the timed stages in pipeline order, total last.
func Stages() []Stage {
	return []Stage{StageQueue, StageNetwork, StageContainer, StageFileTransfer, StageExecution, StageCleanup, StageTotal}
}

// StageTimings carries the wall-clock duration of each stage of one job.
type StageTimings struct {
	Queue        time.Duration `json:"queue"`
	Network      time.Duration `json:"network"`
	Container    time.Duration `json:"container"`
	FileTransfer time.Duration `json:"fileTransfer"`
	Execution    time.Duration `json:"execution"`
	Cleanup      time.Duration `json:"cleanup"`
	Total        time.Duration `json:"total"`
	Reused       bool          `json:"reused"`
}

// ByStage returns the duration recorded for a stage.
func (t StageTimings) ByStage(s Stage) time.Duration {
	switch s {
	case StageQueue:
		return t.Queue
	case StageNetwork:
		return t.Network
	case StageContainer:
		return t.Container
	case StageFileTransfer:
		return t.FileTransfer
	case StageExecution:
		return t.Execution
	case StageCleanup:
		return t.Cleanup
	case StageTotal:
		return t.Total
	}
	return 0
}

// Execution is one completed job as recorded.
type Execution struct {
	JobID     string        `json:"jobId"`
	SessionID string        `json:"sessionId"`
	SandboxID string        `json:"sandboxId,omitempty"`
	Language  lang.Tag      `json:"language"`
	Outcome   protocol.Kind `json:"outcome"`
	Timings   StageTimings  `json:"timings"`
	At        time.Time     `json:"at"`
}

// LatencySummary summarises total-duration samples in milliseconds.
type LatencySummary struct {
	Min    float64 `json:"min"`
	Avg    float64 `json:"avg"`
	Median float64 `json:"median"`
	P95    float64 `json:"p95"`
	P99    float64 `json:"p99"`
	Max    float64 `json:"max"`
}

// DailyMetrics aggregates one calendar day.
type DailyMetrics struct {
	Date            string         `json:"date"` // YYYY-MM-DD, server local time
	Total           int64          `json:"total"`
	Successful      int64          `json:"successful"`
	Failed          int64          `json:"failed"`
	UniqueSessions  int            `json:"uniqueSessions"`
	UniqueSandboxes int            `json:"uniqueSandboxes"`
	Latency         LatencySummary `json:"latency"`
	ByLanguage      map[string]int64 `json:"byLanguage"`
	ByOutcome       map[string]int64 `json:"byOutcome"`
}

// StagePercentiles reports the reservoir percentiles of one stage.
type StagePercentiles struct {
	Stage   Stage   `json:"stage"`
	Samples int     `json:"samples"`
	P50     float64 `json:"p50"`
	P95     float64 `json:"p95"`
	P99     float64 `json:"p99"`
}

// Snapshot is the immutable view exported to the admin surface.
type Snapshot struct {
	Queued        int64            `json:"queued"`
	Active        int64            `json:"active"`
	ActiveClients int64            `json:"activeClients"`
	SandboxTotal  int64            `json:"sandboxTotal"`
	NetworkTotal  int64            `json:"networkTotal"`
	Today         DailyMetrics     `json:"today"`
	GeneratedAt   time.Time        `json:"generatedAt"`
}

// PipelineView is the per-stage export for GET /pipeline-metrics.
type PipelineView struct {
	Stages []StagePercentiles `json:"stages"`
	Slow   []Execution        `json:"slowExecutions"`
}
