// SPDX-License-Identifier: MPL-2.0

package dockeradapter

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xec-sh/xec-core/internal/adapter"
)

// requireDaemon skips the test unless a Docker daemon is actually reachable;
// these tests exercise the real SDK against a real daemon, not a mock.
func requireDaemon(t *testing.T) *Adapter {
	t.Helper()
	if testing.Short() {
		t.Skip("requires a reachable Docker daemon")
	}
	a, err := NewFromEnvironment()
	require.NoError(t, err)
	if !a.Available() {
		t.Skip("no Docker daemon reachable at DOCKER_HOST")
	}
	return a
}

func TestAdapter_Launch_Ephemeral_ExitsZero(t *testing.T) {
	a := requireDaemon(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var stdout bytes.Buffer
	spec := adapter.Spec{
		Shell:       "sh",
		ShellString: "echo ghost-hello",
		Stdout:      &stdout,
		Stderr:      &bytes.Buffer{},
		Docker: &adapter.DockerOptions{
			Image:      "alpine:latest",
			AutoRemove: true,
		},
	}

	proc, err := a.Launch(ctx, spec)
	require.NoError(t, err)

	res, err := proc.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)
	require.Contains(t, stdout.String(), "ghost-hello")
}

func TestAdapter_Launch_Ephemeral_NonZeroExit(t *testing.T) {
	a := requireDaemon(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	spec := adapter.Spec{
		Shell:       "sh",
		ShellString: "exit 3",
		Stdout:      &bytes.Buffer{},
		Stderr:      &bytes.Buffer{},
		Docker: &adapter.DockerOptions{
			Image:      "alpine:latest",
			AutoRemove: true,
		},
	}

	proc, err := a.Launch(ctx, spec)
	require.NoError(t, err)

	res, err := proc.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, res.ExitCode)
}

func TestDockerOptions_IsEphemeral(t *testing.T) {
	require.True(t, adapter.DockerOptions{Image: "alpine:latest"}.IsEphemeral())
	require.False(t, adapter.DockerOptions{Container: "my-running-container"}.IsEphemeral())
}
