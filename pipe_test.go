// SPDX-License-Identifier: MPL-2.0

package xec

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPipe_StdoutFeedsStdin(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns real child processes")
	}

	e := Default()
	up := e.Command("printf", "a\\nb\\nc\\n")
	down := e.Command("grep", "b")

	out := up.Pipe(down)
	r, err := out.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "b\n", r.Stdout)
	require.Equal(t, 0, r.ExitCode)
	require.NotNil(t, out.PipedFrom())
}

func TestPipe_Associativity(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns real child processes")
	}

	e := Default()

	left := e.Command("printf", "a\\nb\\nc\\n").
		Pipe(e.Command("cat")).
		Pipe(e.Command("grep", "b"))
	lr, err := left.Wait(context.Background())
	require.NoError(t, err)

	right := e.Command("printf", "a\\nb\\nc\\n").
		Pipe(e.Command("cat").Pipe(e.Command("grep", "b")))
	rr, err := right.Wait(context.Background())
	require.NoError(t, err)

	require.Equal(t, lr.Stdout, rr.Stdout)
	require.Equal(t, "b\n", lr.Stdout)
}

func TestPipe_LazyUntilAwaited(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns real child processes")
	}

	e := Default()
	out := e.Command("echo", "held back").Pipe(e.Command("cat"))

	// Composing alone launches nothing: both stages stay configured until
	// the composite handle is awaited.
	time.Sleep(150 * time.Millisecond)
	require.Equal(t, StateConfigured, out.State())
	require.Equal(t, StateConfigured, out.PipedFrom().State())

	r, err := out.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "held back\n", r.Stdout)
	require.Equal(t, StateSucceeded, out.PipedFrom().State())
}

func TestPipe_UpstreamFailurePropagates(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns real child processes")
	}

	e := Default()
	up := e.Command("sh", "-c", "exit 3")
	down := e.Command("cat")

	out := up.Pipe(down)
	_, err := out.Wait(context.Background())

	// The error surfaced is the upstream's, not a bare cancellation.
	require.ErrorIs(t, err, ErrCommandFailed)
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	require.Equal(t, 3, cmdErr.Result.ExitCode)
}

func TestPipe_BackpressureDoesNotBufferUnbounded(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns real child processes")
	}

	e := Default()
	// head exits after 100000 bytes; yes would stream forever without the pipe
	// closing behind head's exit ending the upstream write.
	up := e.Command("sh", "-c", "yes | head -c 100000; echo tail")
	down := e.Command("tail", "-n", "1")

	out := up.Pipe(down)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r, err := out.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, "tail\n", r.Stdout)
}
