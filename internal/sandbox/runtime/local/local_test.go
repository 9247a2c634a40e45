// SPDX-License-Identifier: MIT

//go:build unix

package local

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hemanthkumar2k04/coderunner/internal/sandbox/runtime"
)

func newSandbox(t *testing.T) (*Driver, runtime.Handle) {
	t.Helper()
	d := New(t.TempDir())
	ctx := context.Background()

	netID, err := d.CreateNetwork(ctx, "10.200.1.0/24")
	require.NoError(t, err)
	h, err := d.Spawn(ctx, "coderunner/python:3", netID, runtime.Limits{})
	require.NoError(t, err)
	require.NoError(t, d.Ready(ctx, h))

	t.Cleanup(func() {
		_ = d.Destroy(ctx, h)
		_ = d.DestroyNetwork(ctx, netID)
	})
	return d, h
}

func TestCopyThenExecReadsFile(t *testing.T) {
	d, h := newSandbox(t)
	ctx := context.Background()
	require.NoError(t, d.Copy(ctx, h, "greeting.txt", []byte("hello from the sandbox\n")))

	proc, err := d.Exec(ctx, h, []string{"cat", "greeting.txt"}, nil)
	require.NoError(t, err)

	out, err := io.ReadAll(proc.Stdout())
	require.NoError(t, err)
	assert.Equal(t, "hello from the sandbox\n", string(out))

	code, err := proc.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestOutputSurvivesFastExit(t *testing.T) {
	d, h := newSandbox(t)
	ctx := context.Background()

	proc, err := d.Exec(ctx, h, []string{"sh", "-c", `head -c 4096 /dev/zero | tr '\0' x`}, nil)
	require.NoError(t, err)

	// The program writes everything at once and exits immediately; a
	// late reader must still receive the full output.
	time.Sleep(200 * time.Millisecond)
	out, err := io.ReadAll(proc.Stdout())
	require.NoError(t, err)
	assert.Len(t, out, 4096)

	code, err := proc.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestStderrDelivered(t *testing.T) {
	d, h := newSandbox(t)
	ctx := context.Background()

	proc, err := d.Exec(ctx, h, []string{"sh", "-c", "echo oops >&2"}, nil)
	require.NoError(t, err)

	errOut, err := io.ReadAll(proc.Stderr())
	require.NoError(t, err)
	assert.Equal(t, "oops\n", string(errOut))

	code, err := proc.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestExitCodePropagates(t *testing.T) {
	d, h := newSandbox(t)
	ctx := context.Background()

	proc, err := d.Exec(ctx, h, []string{"sh", "-c", "exit 3"}, nil)
	require.NoError(t, err)
	code, err := proc.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, code)
}

func TestStdinRoundTrip(t *testing.T) {
	d, h := newSandbox(t)
	ctx := context.Background()

	proc, err := d.Exec(ctx, h, []string{"cat"}, nil)
	require.NoError(t, err)

	_, err = proc.Stdin().Write([]byte("ping\n"))
	require.NoError(t, err)
	require.NoError(t, proc.Stdin().Close())

	out, err := io.ReadAll(proc.Stdout())
	require.NoError(t, err)
	assert.Equal(t, "ping\n", string(out))

	code, err := proc.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestKillEndsProcessGroup(t *testing.T) {
	d, h := newSandbox(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	proc, err := d.Exec(ctx, h, []string{"sh", "-c", "sleep 30"}, nil)
	require.NoError(t, err)
	require.NoError(t, proc.Signal(runtime.SignalKill))

	code, err := proc.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 137, code)
}

func TestResetClearsWorkdir(t *testing.T) {
	d, h := newSandbox(t)
	ctx := context.Background()
	require.NoError(t, d.Copy(ctx, h, "f.txt", []byte("x")))
	require.NoError(t, d.Reset(ctx, h))

	proc, err := d.Exec(ctx, h, []string{"sh", "-c", "test -f f.txt"}, nil)
	require.NoError(t, err)
	code, err := proc.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, code)
}

func TestCopyConfinesPaths(t *testing.T) {
	d, h := newSandbox(t)
	err := d.Copy(context.Background(), h, "../escape.txt", []byte("x"))
	assert.Error(t, err)
}

func TestDestroyIsIdempotent(t *testing.T) {
	d := New(t.TempDir())
	ctx := context.Background()

	h, err := d.Spawn(ctx, "img", "", runtime.Limits{})
	require.NoError(t, err)
	require.NoError(t, d.Destroy(ctx, h))
	require.NoError(t, d.Destroy(ctx, h))

	_, err = d.Exec(ctx, h, []string{"true"}, nil)
	assert.Error(t, err)
}

func TestNetworkLifecycle(t *testing.T) {
	d := New(t.TempDir())
	ctx := context.Background()

	id, err := d.CreateNetwork(ctx, "10.200.2.0/24")
	require.NoError(t, err)
	require.NoError(t, d.DestroyNetwork(ctx, id))
	assert.Error(t, d.DestroyNetwork(ctx, id))
}
