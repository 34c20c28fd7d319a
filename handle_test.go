// SPDX-License-Identifier: MPL-2.0

package xec

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xec-sh/xec-core/internal/events"
)

func TestHandle_EchoHello(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real child process")
	}

	h := Default().Command("echo", "hello")
	r, err := h.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "hello\n", r.Stdout)
	require.Equal(t, 0, r.ExitCode)
	require.True(t, r.Ok())
	require.Empty(t, r.Cause)
	require.Equal(t, StateSucceeded, h.State())
}

func TestHandle_NonZeroExitThrows(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real child process")
	}

	h := Default().Command("sh", "-c", "exit 3")
	r, err := h.Wait(context.Background())
	require.ErrorIs(t, err, ErrCommandFailed)

	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	require.Equal(t, 3, cmdErr.Result.ExitCode)
	require.Equal(t, "exitCode: 3", cmdErr.Result.Cause)
	require.NotNil(t, r)
	require.Equal(t, StateFailed, h.State())
}

func TestHandle_NothrowResolvesWithOkFalse(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real child process")
	}

	h := Default().Command("sh", "-c", "exit 3").Nothrow()
	r, err := h.Wait(context.Background())
	require.NoError(t, err)
	require.False(t, r.Ok())
	require.Equal(t, 3, r.ExitCode)
	require.Equal(t, "exitCode: 3", r.Cause)
}

func TestHandle_ThrowOnNonZeroExitDisabledViaConfig(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real child process")
	}

	e := New(Config{ThrowOnNonZeroExit: Bool(false)})
	r, err := e.Command("sh", "-c", "exit 4").Wait(context.Background())
	require.NoError(t, err)
	require.False(t, r.Ok())
	require.Equal(t, "exitCode: 4", r.Cause)
}

func TestHandle_TimeoutRejectsAndReaps(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real child process")
	}

	h := Default().Command("sleep", "5").Timeout(200)
	started := time.Now()
	_, err := h.Wait(context.Background())

	require.ErrorIs(t, err, ErrTimeout)
	require.Equal(t, StateTimedOut, h.State())
	require.Less(t, time.Since(started), 3*time.Second)
}

func TestHandle_CancelIsIdempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real child process")
	}

	e := Default()

	var mu sync.Mutex
	cancelEvents := 0
	e.On(events.KindCancel, func(events.Event) {
		mu.Lock()
		cancelEvents++
		mu.Unlock()
	})

	h := e.Command("sleep", "5").Run()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, h.Cancel())
	require.NoError(t, h.Cancel())

	_, err := h.Wait(context.Background())
	require.ErrorIs(t, err, ErrCancelled)
	require.Equal(t, StateCancelled, h.State())

	// Cancel on a terminal handle stays a no-op.
	require.NoError(t, h.Cancel())

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, cancelEvents)
}

func TestHandle_ConfigureAfterLaunchFails(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real child process")
	}

	h := Default().Command("echo", "hi").Run()

	h2 := h.Cwd("/tmp")
	_, err := h2.Wait(context.Background())
	require.ErrorIs(t, err, ErrInvalidState)

	// The original still resolves normally.
	r, err := h.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "hi\n", r.Stdout)
}

func TestHandle_ReawaitYieldsSameResult(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real child process")
	}

	tmp := filepath.Join(t.TempDir(), "runs")
	h := Default().Command("sh", "-c", "echo x >> "+tmp+"; echo done")

	r1, err := h.Wait(context.Background())
	require.NoError(t, err)
	r2, err := h.Wait(context.Background())
	require.NoError(t, err)
	require.Same(t, r1, r2)

	data, err := os.ReadFile(tmp)
	require.NoError(t, err)
	require.Equal(t, "x\n", string(data))
}

func TestHandle_EmptyCommandIsValidationError(t *testing.T) {
	h := Default().Command()
	_, err := h.Wait(context.Background())
	require.ErrorIs(t, err, ErrValidation)
}

func TestHandle_EmptyShellStringIsValidationError(t *testing.T) {
	h := Default().ShellCmd("   ")
	_, err := h.Wait(context.Background())
	require.ErrorIs(t, err, ErrValidation)
}

func TestHandle_DockerContainerAndImageMutuallyExclusive(t *testing.T) {
	e := Default().Docker(DockerTarget{Container: "running-app", Image: "alpine:latest"})
	h := e.Command("echo", "hi")
	_, err := h.Wait(context.Background())
	require.ErrorIs(t, err, ErrValidation)
}

func TestHandle_EnvReachesChild(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real child process")
	}

	h := Default().Env(map[string]string{"XEC_TEST_VALUE": "plumbed"}).
		Command("sh", "-c", "echo $XEC_TEST_VALUE")
	out, err := h.Text()
	require.NoError(t, err)
	require.Equal(t, "plumbed\n", out)
}

func TestHandle_OSEnvironmentIsPreservedLocally(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real child process")
	}

	h := Default().Command("sh", "-c", "test -n \"$PATH\"")
	r, err := h.Wait(context.Background())
	require.NoError(t, err)
	require.True(t, r.Ok())
}

func TestHandle_CwdHonored(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real child process")
	}

	dir := t.TempDir()
	h := Default().Cd(dir).Command("pwd")
	out, err := h.Text()
	require.NoError(t, err)
	require.Equal(t, dir+"\n", out)
}

func TestHandle_StdinString(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real child process")
	}

	h := Default().Command("cat").StdinString("fed via stdin\n")
	out, err := h.Text()
	require.NoError(t, err)
	require.Equal(t, "fed via stdin\n", out)
}

func TestHandle_StreamStdoutAlsoCaptures(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real child process")
	}

	var sink bytes.Buffer
	h := Default().Command("echo", "streamed").StreamStdout(&sink)
	r, err := h.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "streamed\n", r.Stdout)
	require.Equal(t, "streamed\n", sink.String())
}

func TestHandle_Accessors(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real child process")
	}

	h := Default().Command("printf", `{"n": 7}`)
	var parsed struct{ N int }
	require.NoError(t, h.JSON(&parsed))
	require.Equal(t, 7, parsed.N)

	h2 := Default().Command("printf", "a\\nb\\nc\\n")
	lines, err := h2.Lines()
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, lines)
}

func TestHandle_RetrySucceedsAfterFailures(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real child process")
	}

	e := Default()

	var mu sync.Mutex
	retries := 0
	e.On(events.KindRetry, func(events.Event) {
		mu.Lock()
		retries++
		mu.Unlock()
	})

	counter := filepath.Join(t.TempDir(), "attempts")
	script := "n=$(cat " + counter + " 2>/dev/null || echo 0); n=$((n+1)); echo $n > " + counter + "; [ $n -ge 2 ]"

	h := e.Command("sh", "-c", script).RetryWith(RetryPolicy{Times: 3, BackoffMS: 10})
	r, err := h.Wait(context.Background())
	require.NoError(t, err)
	require.True(t, r.Ok())

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, retries)
}

func TestHandle_RetryNeverAppliesToValidationErrors(t *testing.T) {
	e := Default()

	var mu sync.Mutex
	retries := 0
	e.On(events.KindRetry, func(events.Event) {
		mu.Lock()
		retries++
		mu.Unlock()
	})

	h := e.Command().RetryWith(RetryPolicy{Times: 3, BackoffMS: 1})
	_, err := h.Wait(context.Background())
	require.ErrorIs(t, err, ErrValidation)

	mu.Lock()
	defer mu.Unlock()
	require.Zero(t, retries)
}

func TestHandle_EventOrdering(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real child process")
	}

	e := Default()

	var mu sync.Mutex
	var kinds []events.Kind
	e.OnAll(func(ev events.Event) {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
	})

	_, err := e.Command("echo", "ordered").Wait(context.Background())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(kinds), 3)
	require.Equal(t, events.KindStart, kinds[0])
	require.Equal(t, events.KindComplete, kinds[len(kinds)-1])
	for _, k := range kinds[1 : len(kinds)-1] {
		require.Contains(t, []events.Kind{events.KindStdout, events.KindStderr}, k)
	}
}

func TestHandle_RedactionAppliedToCapture(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real child process")
	}

	e := New(Config{RedactPatterns: []string{"hunter2"}})
	out, err := e.Command("echo", "password=hunter2").Text()
	require.NoError(t, err)
	require.Equal(t, "password=[REDACTED]\n", out)
}

func TestHandle_MaxBufferTruncatesWithIoError(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real child process")
	}

	e := New(Config{MaxBuffer: 8})
	r, err := e.Command("echo", "0123456789abcdef").Wait(context.Background())
	require.ErrorIs(t, err, ErrIO)
	require.NotNil(t, r)
	require.LessOrEqual(t, len(r.Stdout), 8)
}

func TestHandle_CacheSingleExecution(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real child process")
	}

	e := Default().Cache(60_000)
	counter := filepath.Join(t.TempDir(), "hits")
	argv := []string{"sh", "-c", "echo x >> " + counter + "; echo out"}

	r1, err := e.Command(argv...).Wait(context.Background())
	require.NoError(t, err)
	r2, err := e.Command(argv...).Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, r1.Stdout, r2.Stdout)

	data, err := os.ReadFile(counter)
	require.NoError(t, err)
	require.Equal(t, "x\n", string(data))
}

func TestBuildSpec_InteractivePropagatesToAdapters(t *testing.T) {
	h := Default().Interactive().
		K8s(KubernetesTarget{Namespace: "default", Pod: "web-0"}).
		Command("sh")
	spec, _, _, _, _ := h.buildSpec()
	require.True(t, spec.Interactive)
	require.True(t, spec.Kubernetes.TTY)

	// Without Interactive, the target's own TTY flag still decides.
	h2 := Default().
		K8s(KubernetesTarget{Namespace: "default", Pod: "web-0", TTY: true}).
		Command("sh")
	spec2, _, _, _, _ := h2.buildSpec()
	require.False(t, spec2.Interactive)
	require.True(t, spec2.Kubernetes.TTY)
}

func TestHandleState_String(t *testing.T) {
	require.Equal(t, "configured", StateConfigured.String())
	require.Equal(t, "succeeded", StateSucceeded.String())
	require.Equal(t, "timed-out", StateTimedOut.String())
	require.True(t, StateCancelled.isTerminal())
	require.False(t, StateRunning.isTerminal())
}
