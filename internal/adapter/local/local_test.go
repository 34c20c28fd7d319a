// SPDX-License-Identifier: MPL-2.0

package local

import (
	"bytes"
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xec-sh/xec-core/internal/adapter"
)

func shellSpec(script string) adapter.Spec {
	return adapter.Spec{
		Shell:       "/bin/sh",
		ShellString: script,
		Stdout:      &bytes.Buffer{},
		Stderr:      &bytes.Buffer{},
	}
}

func TestAdapter_Launch_Exits0(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real child process")
	}

	a := New()
	require.True(t, a.Available())

	var stdout bytes.Buffer
	spec := shellSpec(`echo hello`)
	spec.Stdout = &stdout

	proc, err := a.Launch(context.Background(), spec)
	require.NoError(t, err)

	res, err := proc.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)
	require.Equal(t, "hello\n", stdout.String())
}

func TestAdapter_Launch_NonZeroExit(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real child process")
	}

	a := New()
	proc, err := a.Launch(context.Background(), shellSpec(`exit 7`))
	require.NoError(t, err)

	res, err := proc.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 7, res.ExitCode)
}

func TestAdapter_Launch_Argv(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real child process")
	}

	var stdout bytes.Buffer
	a := New()
	proc, err := a.Launch(context.Background(), adapter.Spec{
		Argv:   []string{"echo", "argv-mode"},
		Stdout: &stdout,
		Stderr: &bytes.Buffer{},
	})
	require.NoError(t, err)

	res, err := proc.Wait(context.Background())
	require.NoError(t, err)
	require.True(t, res.ExitCode == 0)
	require.Equal(t, "argv-mode\n", stdout.String())
}

func TestAdapter_Launch_ContextCancelKillsProcess(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real child process")
	}
	if runtime.GOOS == "windows" {
		t.Skip("process-group signal discipline is unix-specific")
	}

	a := New()
	ctx, cancel := context.WithCancel(context.Background())

	spec := shellSpec(`trap 'exit 0' TERM; sleep 30`)
	spec.KillGrace = 200 * time.Millisecond

	proc, err := a.Launch(ctx, spec)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	cancel()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()

	res, err := proc.Wait(waitCtx)
	require.NoError(t, err)
	require.True(t, res.ExitCode == 0 || res.Signal != "")
}

func TestAdapter_Launch_InteractiveAllocatesPty(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real child process")
	}
	if runtime.GOOS == "windows" {
		t.Skip("pty allocation is unix-specific")
	}

	var stdout bytes.Buffer
	a := New()
	spec := adapter.Spec{
		Shell:       "/bin/sh",
		ShellString: "test -t 0 && test -t 1 && echo on-a-tty",
		Stdout:      &stdout,
		Stderr:      &bytes.Buffer{},
		Interactive: true,
	}

	proc, err := a.Launch(context.Background(), spec)
	require.NoError(t, err)

	res, err := proc.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)
	require.Contains(t, stdout.String(), "on-a-tty")
}

func TestAdapter_Launch_NotInteractiveHasNoTty(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real child process")
	}
	if runtime.GOOS == "windows" {
		t.Skip("tty detection is unix-specific")
	}

	a := New()
	proc, err := a.Launch(context.Background(), shellSpec(`test -t 1`))
	require.NoError(t, err)

	res, err := proc.Wait(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, 0, res.ExitCode)
}

func TestAdapter_Launch_EmptyArgv(t *testing.T) {
	a := New()
	_, err := a.Launch(context.Background(), adapter.Spec{Stdout: &bytes.Buffer{}, Stderr: &bytes.Buffer{}})
	require.Error(t, err)
}
