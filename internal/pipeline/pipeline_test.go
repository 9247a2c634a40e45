// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hemanthkumar2k04/coderunner/internal/admission"
	"github.com/Hemanthkumar2k04/coderunner/internal/iomux"
	"github.com/Hemanthkumar2k04/coderunner/internal/lang"
	"github.com/Hemanthkumar2k04/coderunner/internal/protocol"
	"github.com/Hemanthkumar2k04/coderunner/internal/sandbox"
	"github.com/Hemanthkumar2k04/coderunner/internal/sandbox/runtime/fake"
	"github.com/Hemanthkumar2k04/coderunner/internal/telemetry"
)

type rig struct {
	driver *fake.Driver
	queue  *admission.Queue
	pool   *sandbox.Pool
	mux    *iomux.Mux
	rec    *telemetry.Recorder
	p      *Pipeline
}

func newRig(t *testing.T, maxConcurrent int) *rig {
	t.Helper()
	driver := fake.New()
	rec := telemetry.NewRecorder("")
	registry := lang.NewRegistry(nil)
	pool, err := sandbox.NewPool(sandbox.Config{
		MaxSandboxes:   4,
		PerLangWarmCap: 2,
		IdleTTL:        time.Minute,
		MaxAge:         time.Hour,
		SpawnTimeout:   2 * time.Second,
		ReleaseTimeout: 2 * time.Second,
		SubnetPool:     "10.200.0.0/16",
	}, driver, registry, rec)
	require.NoError(t, err)
	queue := admission.New(maxConcurrent, rec)
	return &rig{
		driver: driver,
		queue:  queue,
		pool:   pool,
		mux:    iomux.New(64),
		rec:    rec,
		p:      New(queue, pool, registry, rec, Config{Grace: 200 * time.Millisecond}),
	}
}

func pyRequest(sessionID, source string) protocol.ExecutionRequest {
	return protocol.ExecutionRequest{
		SessionID:  sessionID,
		Language:   lang.Python,
		Sources:    []protocol.Source{{Path: "main.py", Bytes: []byte(source), Entry: true}},
		Entrypoint: 0,
		Profile:    protocol.ResourceProfile{Deadline: 5 * time.Second},
	}
}

// collect drains frames until the terminal frame (exit or rejected).
func collect(t *testing.T, s *iomux.Stream) []protocol.ServerFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var frames []protocol.ServerFrame
	for {
		f, err := s.Next(ctx)
		require.NoError(t, err)
		frames = append(frames, f)
		if f.Type == protocol.TypeExit || f.Type == protocol.TypeRejected {
			return frames
		}
	}
}

func stdoutOf(frames []protocol.ServerFrame) string {
	var b strings.Builder
	for _, f := range frames {
		if f.Type == protocol.TypeStdout {
			b.WriteString(f.Data)
		}
	}
	return b.String()
}

func last(frames []protocol.ServerFrame) protocol.ServerFrame {
	return frames[len(frames)-1]
}

func TestHelloWorld(t *testing.T) {
	r := newRig(t, 4)
	r.driver.OnExec = fake.Print("hello\n")
	stream := r.mux.Open("s1")

	exec := r.p.Run(context.Background(), stream, pyRequest("s1", "print('hello')\n"))
	frames := collect(t, stream)

	assert.Equal(t, "hello\n", stdoutOf(frames))
	exit := last(frames)
	assert.Equal(t, protocol.TypeExit, exit.Type)
	assert.Equal(t, 0, exit.Code)
	assert.Equal(t, string(protocol.ReasonOK), exit.Reason)

	assert.Equal(t, protocol.KindOK, exec.Outcome)
	assert.False(t, exec.Timings.Reused)

	// Same language within the TTL reuses the warm sandbox.
	exec2 := r.p.Run(context.Background(), stream, pyRequest("s1", "print('hello')\n"))
	collect(t, stream)
	assert.True(t, exec2.Timings.Reused)
	assert.Equal(t, 1, r.driver.Spawned())
}

func TestInteractiveStdin(t *testing.T) {
	r := newRig(t, 4)
	r.driver.OnExec = fake.EchoLine
	stream := r.mux.Open("s1")

	done := make(chan telemetry.Execution, 1)
	go func() {
		done <- r.p.Run(context.Background(), stream, pyRequest("s1", "print(input())\n"))
	}()

	// Stdin routing appears once the program is attached.
	require.Eventually(t, func() bool {
		return stream.ForwardStdin([]byte("world\n")) == nil
	}, 2*time.Second, 10*time.Millisecond)

	frames := collect(t, stream)
	assert.Equal(t, "world\n", stdoutOf(frames))
	assert.Equal(t, string(protocol.ReasonOK), last(frames).Reason)
	exec := <-done
	assert.Equal(t, protocol.KindOK, exec.Outcome)
}

func TestDeadlineBreachDrainsSandbox(t *testing.T) {
	r := newRig(t, 4)
	r.driver.OnExec = fake.SleepUntilSignal(true)
	stream := r.mux.Open("s1")

	req := pyRequest("s1", "while True: pass\n")
	req.Profile.Deadline = 100 * time.Millisecond
	exec := r.p.Run(context.Background(), stream, req)
	frames := collect(t, stream)

	var sawNotice bool
	for _, f := range frames {
		if f.Type == protocol.TypeSystem && f.Data == "deadline exceeded" {
			sawNotice = true
		}
	}
	assert.True(t, sawNotice)
	exit := last(frames)
	assert.Equal(t, string(protocol.ReasonTimeout), exit.Reason)
	assert.NotEqual(t, 0, exit.Code)
	assert.Equal(t, protocol.KindDeadlineExceeded, exec.Outcome)

	// Unhealthy outcome: the sandbox must not return to the pool.
	require.Eventually(t, func() bool { return r.driver.Destroyed() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, r.pool.IdleCount(lang.Python))
}

func TestCancelMidRun(t *testing.T) {
	r := newRig(t, 4)
	r.driver.OnExec = fake.SleepUntilSignal(true)
	stream := r.mux.Open("s1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan telemetry.Execution, 1)
	go func() {
		done <- r.p.Run(ctx, stream, pyRequest("s1", "import time; time.sleep(60)\n"))
	}()
	time.Sleep(100 * time.Millisecond)
	cancel()

	frames := collect(t, stream)
	assert.Equal(t, string(protocol.ReasonCancelled), last(frames).Reason)
	exec := <-done
	assert.Equal(t, protocol.KindKilled, exec.Outcome)

	// Lease released; a cancelled run leaves a reusable sandbox behind.
	assert.Equal(t, 1, r.pool.IdleCount(lang.Python))
	assert.Equal(t, sandbox.Stats{Idle: 1, NetworksTotal: 1, NetworksUnused: 1}, r.pool.Stats())
}

func TestCancelIsIdempotent(t *testing.T) {
	r := newRig(t, 4)
	r.driver.OnExec = fake.SleepUntilSignal(true)
	stream := r.mux.Open("s1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan telemetry.Execution, 1)
	go func() {
		done <- r.p.Run(ctx, stream, pyRequest("s1", "x\n"))
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	cancel()
	cancel()

	frames := collect(t, stream)
	exits := 0
	for _, f := range frames {
		if f.Type == protocol.TypeExit {
			exits++
		}
	}
	assert.Equal(t, 1, exits)
	assert.Equal(t, protocol.KindKilled, (<-done).Outcome)
}

func TestPathEscapeFailsTransfer(t *testing.T) {
	r := newRig(t, 4)
	stream := r.mux.Open("s1")

	req := pyRequest("s1", "print(1)\n")
	req.Sources = append(req.Sources, protocol.Source{Path: "../escape.py", Bytes: []byte("x")})
	exec := r.p.Run(context.Background(), stream, req)
	frames := collect(t, stream)

	// The run never executed: a rejected frame, never an exit frame.
	rej := last(frames)
	assert.Equal(t, protocol.TypeRejected, rej.Type)
	assert.Equal(t, string(protocol.KindPathEscape), rej.Kind)
	for _, f := range frames {
		assert.NotEqual(t, protocol.TypeExit, f.Type)
	}
	assert.Equal(t, protocol.KindPathEscape, exec.Outcome)

	// Nothing executed, so the sandbox comes back healthy.
	assert.Equal(t, 1, r.pool.IdleCount(lang.Python))
}

func TestCopyErrorFailsTransfer(t *testing.T) {
	r := newRig(t, 4)
	r.driver.CopyErr = assert.AnError
	stream := r.mux.Open("s1")

	exec := r.p.Run(context.Background(), stream, pyRequest("s1", "print(1)\n"))
	frames := collect(t, stream)

	assert.Equal(t, string(protocol.ReasonIO), last(frames).Reason)
	assert.Equal(t, protocol.KindFileTransferFailed, exec.Outcome)
}

func TestSpawnFailureReleasesAdmission(t *testing.T) {
	r := newRig(t, 1)
	r.driver.SpawnFailures = 1
	stream := r.mux.Open("s1")

	exec := r.p.Run(context.Background(), stream, pyRequest("s1", "print(1)\n"))
	frames := collect(t, stream)
	assert.Equal(t, string(protocol.ReasonUnavailable), last(frames).Reason)
	assert.Equal(t, protocol.KindSandboxUnavailable, exec.Outcome)
	assert.Equal(t, 0, r.queue.Active(), "admission slot freed after failure")

	// Second attempt succeeds with the single admission slot.
	r.driver.OnExec = fake.Print("ok")
	exec2 := r.p.Run(context.Background(), stream, pyRequest("s1", "print(1)\n"))
	collect(t, stream)
	assert.Equal(t, protocol.KindOK, exec2.Outcome)
}

func TestZeroConcurrencyRejects(t *testing.T) {
	r := newRig(t, 0)
	stream := r.mux.Open("s1")

	exec := r.p.Run(context.Background(), stream, pyRequest("s1", "print(1)\n"))
	frames := collect(t, stream)

	terminal := last(frames)
	assert.Equal(t, protocol.TypeRejected, terminal.Type)
	assert.Equal(t, string(protocol.KindServiceUnavailable), terminal.Kind)
	assert.Equal(t, protocol.KindServiceUnavailable, exec.Outcome)
	assert.Equal(t, 0, r.driver.Spawned(), "no sandbox touched")
}

func TestCompileStepRuns(t *testing.T) {
	r := newRig(t, 4)
	r.driver.OnExec = func(e fake.ExecCtx) int {
		if e.Cmd[0] == "g++" {
			return 0
		}
		_, _ = e.Stdout.Write([]byte("compiled\n"))
		return 0
	}
	stream := r.mux.Open("s1")

	req := protocol.ExecutionRequest{
		SessionID:  "s1",
		Language:   lang.CPP,
		Sources:    []protocol.Source{{Path: "main.cpp", Bytes: []byte("int main(){}"), Entry: true}},
		Entrypoint: 0,
		Profile:    protocol.ResourceProfile{Deadline: 5 * time.Second},
	}
	exec := r.p.Run(context.Background(), stream, req)
	frames := collect(t, stream)

	assert.Equal(t, "compiled\n", stdoutOf(frames))
	assert.Equal(t, protocol.KindOK, exec.Outcome)
}

func TestCompileFailureIsCrash(t *testing.T) {
	r := newRig(t, 4)
	r.driver.OnExec = func(e fake.ExecCtx) int {
		if e.Cmd[0] == "g++" {
			_, _ = e.Stderr.Write([]byte("main.cpp:1: error\n"))
			return 1
		}
		return 0
	}
	stream := r.mux.Open("s1")

	req := protocol.ExecutionRequest{
		SessionID:  "s1",
		Language:   lang.CPP,
		Sources:    []protocol.Source{{Path: "main.cpp", Bytes: []byte("broken"), Entry: true}},
		Entrypoint: 0,
		Profile:    protocol.ResourceProfile{Deadline: 5 * time.Second},
	}
	exec := r.p.Run(context.Background(), stream, req)
	frames := collect(t, stream)

	var stderr strings.Builder
	for _, f := range frames {
		if f.Type == protocol.TypeStderr {
			stderr.WriteString(f.Data)
		}
	}
	assert.Contains(t, stderr.String(), "error")
	exit := last(frames)
	assert.Equal(t, string(protocol.ReasonCrash), exit.Reason)
	assert.Equal(t, 1, exit.Code)
	assert.Equal(t, protocol.KindCrashed, exec.Outcome)
}

func TestNonzeroExitIsCrashButHealthy(t *testing.T) {
	r := newRig(t, 4)
	r.driver.OnExec = func(e fake.ExecCtx) int { return 3 }
	stream := r.mux.Open("s1")

	exec := r.p.Run(context.Background(), stream, pyRequest("s1", "import sys; sys.exit(3)\n"))
	frames := collect(t, stream)

	exit := last(frames)
	assert.Equal(t, 3, exit.Code)
	assert.Equal(t, string(protocol.ReasonCrash), exit.Reason)
	assert.Equal(t, protocol.KindCrashed, exec.Outcome)
	assert.Equal(t, 1, r.pool.IdleCount(lang.Python), "a crashing program does not poison the sandbox")
}

func TestStageTimingsSumToTotal(t *testing.T) {
	r := newRig(t, 4)
	r.driver.OnExec = fake.Print("x")
	stream := r.mux.Open("s1")

	exec := r.p.Run(context.Background(), stream, pyRequest("s1", "print('x')\n"))
	collect(t, stream)

	tm := exec.Timings
	sum := tm.Queue + tm.Network + tm.Container + tm.FileTransfer + tm.Execution + tm.Cleanup
	assert.Equal(t, sum, tm.Total)
}

func TestFilesMaterialisedInSandbox(t *testing.T) {
	r := newRig(t, 4)
	var seen map[string][]byte
	r.driver.OnExec = func(e fake.ExecCtx) int {
		seen = e.Files
		return 0
	}
	stream := r.mux.Open("s1")

	req := pyRequest("s1", "print(1)\n")
	req.Sources = append(req.Sources, protocol.Source{Path: "lib/util.py", Bytes: []byte("def f(): pass\n")})
	r.p.Run(context.Background(), stream, req)
	collect(t, stream)

	require.NotNil(t, seen)
	assert.Equal(t, []byte("print(1)\n"), seen["main.py"])
	assert.Equal(t, []byte("def f(): pass\n"), seen["lib/util.py"])
}
