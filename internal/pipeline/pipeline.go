// SPDX-License-Identifier: MIT

// Package pipeline drives one job from admission to its exit frame:
// queue, sandbox acquire, file transfer, exec, streaming, collect,
// cleanup. Every path through the pipeline releases its lease and ends
// the session's frame stream for this job with exactly one exit frame.
package pipeline

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Hemanthkumar2k04/coderunner/internal/admission"
	"github.com/Hemanthkumar2k04/coderunner/internal/iomux"
	"github.com/Hemanthkumar2k04/coderunner/internal/lang"
	"github.com/Hemanthkumar2k04/coderunner/internal/log"
	"github.com/Hemanthkumar2k04/coderunner/internal/protocol"
	"github.com/Hemanthkumar2k04/coderunner/internal/sandbox"
	"github.com/Hemanthkumar2k04/coderunner/internal/sandbox/runtime"
	"github.com/Hemanthkumar2k04/coderunner/internal/telemetry"
)

// jobState names the phases of the per-job state machine.
type jobState string

const (
	stateQueued     jobState = "queued"
	statePreparing  jobState = "preparing"
	stateRunning    jobState = "running"
	stateFinalizing jobState = "finalizing"
	stateDone       jobState = "done"
	stateFailed     jobState = "failed"
)

const readChunk = 4096

// Config bounds pipeline timing behaviour.
type Config struct {
	// Grace is how long a termination request may take before the
	// process is force killed.
	Grace time.Duration
}

// Pipeline executes jobs. Safe for concurrent use; each Run call is one
// independent job.
type Pipeline struct {
	queue    *admission.Queue
	pool     *sandbox.Pool
	registry *lang.Registry
	rec      *telemetry.Recorder
	grace    time.Duration
}

// New wires a pipeline over its collaborators.
func New(queue *admission.Queue, pool *sandbox.Pool, registry *lang.Registry, rec *telemetry.Recorder, cfg Config) *Pipeline {
	grace := cfg.Grace
	if grace <= 0 {
		grace = 2 * time.Second
	}
	return &Pipeline{
		queue:    queue,
		pool:     pool,
		registry: registry,
		rec:      rec,
		grace:    grace,
	}
}

// job carries the mutable state of one Run call.
type job struct {
	id      string
	req     protocol.ExecutionRequest
	stream  *iomux.Stream
	state   jobState
	started time.Time
	timings telemetry.StageTimings
}

func (j *job) to(s jobState) {
	j.state = s
}

// Run drives one validated request to completion and returns the
// recorded execution. Cancelling ctx is the cancel verb: it aborts the
// current stage cooperatively and cleanup still runs.
func (p *Pipeline) Run(ctx context.Context, stream *iomux.Stream, req protocol.ExecutionRequest) telemetry.Execution {
	j := &job{
		id:      uuid.NewString(),
		req:     req,
		stream:  stream,
		state:   stateQueued,
		started: time.Now(),
	}
	ctx = log.ContextWithSessionID(ctx, req.SessionID)
	ctx = log.ContextWithJobID(ctx, j.id)
	logger := log.WithComponentFromContext(ctx, "pipeline").With().
		Str("language", string(req.Language)).
		Logger()

	// Stage 1: admission.
	queueStart := time.Now()
	ticket, err := p.queue.Admit(ctx)
	j.timings.Queue = time.Since(queueStart)
	if err != nil {
		if errors.Is(err, admission.ErrUnavailable) {
			// Zero capacity: the run never starts, so it is rejected
			// rather than exited.
			_ = stream.Push(protocol.RejectedFrame(protocol.KindServiceUnavailable, "execution service is not accepting jobs"))
			return p.finish(j, nil, nil, sandbox.Outcome{}, protocol.KindServiceUnavailable, 0, false)
		}
		logger.Debug().Msg("cancelled while queued")
		return p.finish(j, nil, nil, sandbox.Outcome{}, protocol.KindQueueCancelled, -1, true)
	}
	j.to(statePreparing)

	// Stage 2: sandbox acquire.
	lease, err := p.pool.Acquire(ctx, req.Language, req.SessionID, runtime.Limits{
		MemMB: req.Profile.MemMB,
		CPU:   req.Profile.CPU,
	})
	if err != nil {
		if ctx.Err() != nil {
			return p.finish(j, ticket, nil, sandbox.Outcome{}, protocol.KindQueueCancelled, -1, true)
		}
		logger.Warn().Err(err).Msg("sandbox acquire failed")
		return p.finish(j, ticket, nil, sandbox.Outcome{}, protocol.KindSandboxUnavailable, -1, true)
	}
	j.timings.Network = lease.NetworkTime
	j.timings.Container = time.Since(queueStart) - j.timings.Queue - lease.NetworkTime
	j.timings.Reused = lease.Reused
	ctx = log.ContextWithSandboxID(ctx, lease.Sandbox.ID)
	logger.Debug().Str("sandbox_id", lease.Sandbox.ID).Bool("reused", lease.Reused).Msg("sandbox leased")

	// Stage 3: file transfer. Nothing has executed yet, so failures and
	// cancellation here release the sandbox healthy.
	transferStart := time.Now()
	kind := p.transfer(ctx, lease, req)
	j.timings.FileTransfer = time.Since(transferStart)
	if kind != protocol.KindOK {
		if kind == protocol.KindPathEscape {
			return p.rejectPathEscape(j, ticket, lease)
		}
		return p.finish(j, ticket, lease, sandbox.OutcomeHealthy, kind, -1, true)
	}
	j.to(stateRunning)

	// Stages 4-6: exec, stream, collect.
	execStart := time.Now()
	code, kind, outcome := p.execute(ctx, stream, lease, req)
	j.timings.Execution = time.Since(execStart)

	j.to(stateFinalizing)
	if kind == protocol.KindPathEscape {
		return p.rejectPathEscape(j, ticket, lease)
	}
	return p.finish(j, ticket, lease, outcome, kind, code, true)
}

// rejectPathEscape refuses a run whose sources would leave the working
// root. The run never executed, so the client gets a rejected frame
// instead of an exit frame and the sandbox is released healthy.
// Validation already screens these paths; this is the transfer-stage
// re-check firing.
func (p *Pipeline) rejectPathEscape(j *job, ticket *admission.Ticket, lease *sandbox.Lease) telemetry.Execution {
	_ = j.stream.Push(protocol.RejectedFrame(protocol.KindPathEscape, "source path escapes the working root"))
	return p.finish(j, ticket, lease, sandbox.OutcomeHealthy, protocol.KindPathEscape, -1, false)
}

// transfer materialises every source inside the sandbox.
func (p *Pipeline) transfer(ctx context.Context, lease *sandbox.Lease, req protocol.ExecutionRequest) protocol.Kind {
	driver := p.pool.Driver()
	for _, src := range req.Sources {
		if ctx.Err() != nil {
			return protocol.KindQueueCancelled
		}
		rel, err := protocol.SafeRelPath(src.Path)
		if err != nil {
			return protocol.KindPathEscape
		}
		if err := driver.Copy(ctx, lease.Sandbox.Handle, rel, src.Bytes); err != nil {
			logger := log.WithComponentFromContext(ctx, "pipeline")
			logger.Warn().Err(err).Str("path", rel).Msg("file transfer failed")
			return protocol.KindFileTransferFailed
		}
	}
	return protocol.KindOK
}

// execute runs the compile step if the language has one, then the
// program, streaming both through the session's frame queue. The
// returned outcome decides whether the sandbox is reusable.
func (p *Pipeline) execute(ctx context.Context, stream *iomux.Stream, lease *sandbox.Lease, req protocol.ExecutionRequest) (int, protocol.Kind, sandbox.Outcome) {
	profile, _ := p.registry.Resolve(req.Language)
	entry, err := protocol.SafeRelPath(req.EntrySource().Path)
	if err != nil {
		return -1, protocol.KindPathEscape, sandbox.OutcomeHealthy
	}

	deadlineAt := time.Now().Add(req.Profile.Deadline)
	execStart := time.Now()

	if compile := profile.CompileCommand(entry); compile != nil {
		code, res := p.runProcess(ctx, stream, lease, compile, execStart, deadlineAt, false)
		switch {
		case res.infra:
			return -1, protocol.KindSandboxUnavailable, sandbox.Outcome{IOError: true}
		case res.breach:
			return code, protocol.KindDeadlineExceeded, sandbox.Outcome{ExitClean: true, DeadlineBreach: true}
		case res.cancelled:
			return code, protocol.KindKilled, sandbox.OutcomeHealthy
		case code != 0:
			// Compile diagnostics already went out as stderr frames.
			return code, protocol.KindCrashed, sandbox.OutcomeHealthy
		}
	}

	code, res := p.runProcess(ctx, stream, lease, profile.RunCommand(entry), execStart, deadlineAt, true)
	switch {
	case res.infra:
		return -1, protocol.KindSandboxUnavailable, sandbox.Outcome{IOError: true}
	case res.breach:
		return code, protocol.KindDeadlineExceeded, sandbox.Outcome{ExitClean: true, DeadlineBreach: true}
	case res.cancelled:
		return code, protocol.KindKilled, sandbox.OutcomeHealthy
	case code != 0:
		return code, protocol.KindCrashed, sandbox.OutcomeHealthy
	}
	return 0, protocol.KindOK, sandbox.OutcomeHealthy
}

type runResult struct {
	infra     bool // exec itself failed
	breach    bool // wall-clock deadline hit
	cancelled bool // job context ended mid-run
}

// runProcess execs one command and pumps its output until exit,
// deadline, or cancellation. Stdin is routed only for the main program,
// not the compile step.
func (p *Pipeline) runProcess(ctx context.Context, stream *iomux.Stream, lease *sandbox.Lease, cmd []string, jobStart, deadlineAt time.Time, routeStdin bool) (int, runResult) {
	logger := log.WithComponentFromContext(ctx, "pipeline")

	proc, err := p.pool.Driver().Exec(ctx, lease.Sandbox.Handle, cmd, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("exec failed")
		return -1, runResult{infra: true}
	}

	if routeStdin && stream != nil {
		stream.AttachStdin(proc.Stdin())
		defer stream.DetachStdin()
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go p.pump(&readers, proc.Stdout(), protocol.TypeStdout, stream, jobStart)
	go p.pump(&readers, proc.Stderr(), protocol.TypeStderr, stream, jobStart)

	exitCh := make(chan int, 1)
	go func() {
		// The wait context is deliberately detached: the kill path
		// below guarantees the process dies and the wait returns.
		code, werr := proc.Wait(context.Background())
		if werr != nil {
			logger.Warn().Err(werr).Msg("process wait failed")
			code = -1
		}
		exitCh <- code
	}()

	var res runResult
	var code int
	deadlineTimer := time.NewTimer(time.Until(deadlineAt))
	defer deadlineTimer.Stop()

	select {
	case code = <-exitCh:
	case <-deadlineTimer.C:
		res.breach = true
		if stream != nil {
			_ = stream.Push(protocol.SystemFrame("deadline exceeded", time.Since(jobStart)))
		}
		code = p.terminate(proc, exitCh)
	case <-ctx.Done():
		res.cancelled = true
		if stream != nil {
			_ = stream.Push(protocol.SystemFrame("cancelled", time.Since(jobStart)))
		}
		code = p.terminate(proc, exitCh)
	}

	// All output precedes the exit frame.
	readers.Wait()
	return code, res
}

// terminate asks nicely, waits out the grace period, then kills.
func (p *Pipeline) terminate(proc runtime.Process, exitCh <-chan int) int {
	_ = proc.Signal(runtime.SignalTerm)
	graceTimer := time.NewTimer(p.grace)
	defer graceTimer.Stop()
	select {
	case code := <-exitCh:
		return code
	case <-graceTimer.C:
		_ = proc.Signal(runtime.SignalKill)
		return <-exitCh
	}
}

// pump copies one output pipe into timestamped frames.
func (p *Pipeline) pump(wg *sync.WaitGroup, r io.Reader, kind string, stream *iomux.Stream, jobStart time.Time) {
	defer wg.Done()
	buf := make([]byte, readChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 && stream != nil {
			chunk := append([]byte(nil), buf[:n]...)
			if perr := stream.Push(protocol.OutputFrame(kind, chunk, time.Since(jobStart))); perr != nil {
				stream = nil // session gone, keep draining the pipe
			}
		}
		if err != nil {
			return
		}
	}
}

// finish is the cleanup stage: release lease and ticket, emit the exit
// frame last, record telemetry. It runs for every path through Run.
func (p *Pipeline) finish(j *job, ticket *admission.Ticket, lease *sandbox.Lease, outcome sandbox.Outcome, kind protocol.Kind, code int, emitExit bool) telemetry.Execution {
	cleanupStart := time.Now()
	sandboxID := ""
	if lease != nil {
		sandboxID = lease.Sandbox.ID
		p.pool.Release(lease, outcome)
	}
	if ticket != nil {
		ticket.Release()
	}
	j.timings.Cleanup = time.Since(cleanupStart)
	j.timings.Total = j.timings.Queue + j.timings.Network + j.timings.Container +
		j.timings.FileTransfer + j.timings.Execution + j.timings.Cleanup

	if emitExit {
		_ = j.stream.Push(protocol.ExitFrame(code, kind.Reason()))
	}

	if kind == protocol.KindOK {
		j.to(stateDone)
	} else {
		j.to(stateFailed)
	}

	exec := telemetry.Execution{
		JobID:     j.id,
		SessionID: j.req.SessionID,
		SandboxID: sandboxID,
		Language:  j.req.Language,
		Outcome:   kind,
		Timings:   j.timings,
	}
	p.rec.RecordExecution(exec)

	logger := log.WithComponent("pipeline")
	logger.Info().
		Str("job_id", j.id).
		Str("session_id", j.req.SessionID).
		Str("state", string(j.state)).
		Str("outcome", string(kind)).
		Int("exit_code", code).
		Dur("total", j.timings.Total).
		Msg("job finished")
	return exec
}
