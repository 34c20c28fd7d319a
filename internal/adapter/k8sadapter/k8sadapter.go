// SPDX-License-Identifier: MPL-2.0

// Package k8sadapter runs commands inside a Kubernetes pod's container via
// the exec subresource, streamed over SPDY. Adjacent pod operations (logs,
// port-forward, file copy) ride the same client.
//
// Cwd and env are applied by a wrapping `sh -c` script of `export`/`cd`
// lines rather than a literal `VAR=val` argv prefix; the values are part of
// that script, which is the shell's argument and so visible in `ps` inside
// the container.
package k8sadapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/portforward"
	"k8s.io/client-go/tools/remotecommand"
	"k8s.io/client-go/transport/spdy"
	utilexec "k8s.io/client-go/util/exec"

	"github.com/xec-sh/xec-core/internal/adapter"
	"github.com/xec-sh/xec-core/internal/shellquote"
)

// Adapter runs commands in Kubernetes pod containers via the exec subresource.
type Adapter struct {
	clientset *kubernetes.Clientset
	restCfg   *rest.Config
}

// New wraps an already-configured clientset and its REST config (the SPDY
// executor needs the raw rest.Config, not just the typed clientset).
func New(clientset *kubernetes.Clientset, restCfg *rest.Config) *Adapter {
	return &Adapter{clientset: clientset, restCfg: restCfg}
}

// NewFromKubeconfig loads a clientset from the given kubeconfig path (empty
// string means the client-go default loading rules: $KUBECONFIG, then
// ~/.kube/config) and context name (empty string means the kubeconfig's
// current-context).
func NewFromKubeconfig(kubeconfigPath, contextName string) (*Adapter, error) {
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeconfigPath != "" {
		loadingRules.ExplicitPath = kubeconfigPath
	}
	overrides := &clientcmd.ConfigOverrides{}
	if contextName != "" {
		overrides.CurrentContext = contextName
	}

	cfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, overrides).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("k8sadapter: loading kubeconfig: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("k8sadapter: building clientset: %w", err)
	}

	return New(clientset, cfg), nil
}

func (a *Adapter) Kind() adapter.Kind { return adapter.Kubernetes }

func (a *Adapter) Available() bool {
	_, err := a.clientset.Discovery().ServerVersion()
	return err == nil
}

func (a *Adapter) Launch(ctx context.Context, spec adapter.Spec) (adapter.Process, error) {
	if spec.Kubernetes == nil {
		return nil, errors.New("k8sadapter: spec.Kubernetes is required")
	}
	opts := spec.Kubernetes

	// Confirm the pod exists up front: the exec subresource's own "not found"
	// surfaces only after the SPDY upgrade, with a much less usable error.
	if _, err := a.clientset.CoreV1().Pods(opts.Namespace).Get(ctx, opts.Pod, metav1.GetOptions{}); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, fmt.Errorf("k8sadapter: pod %s/%s: %w: %w", opts.Namespace, opts.Pod, adapter.ErrNotFound, err)
		}
		if apierrors.IsForbidden(err) {
			return nil, fmt.Errorf("k8sadapter: pod %s/%s: %w: %w", opts.Namespace, opts.Pod, adapter.ErrForbidden, err)
		}
		return nil, fmt.Errorf("k8sadapter: looking up pod %s/%s: %w", opts.Namespace, opts.Pod, err)
	}

	command := execCommand(spec)

	req := a.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(opts.Pod).
		Namespace(opts.Namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: opts.Container,
			Command:   command,
			Stdin:     spec.Stdin != nil,
			Stdout:    true,
			Stderr:    true,
			TTY:       opts.TTY,
		}, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(a.restCfg, "POST", req.URL())
	if err != nil {
		return nil, fmt.Errorf("k8sadapter: creating executor: %w", err)
	}

	p := &process{done: make(chan struct{})}
	go p.run(ctx, executor, spec)
	return p, nil
}

// execCommand builds the exec argv. Unlike local/SSH, the Kubernetes exec
// API has no notion of a remote cwd or environment, so Cwd and Env are
// folded into a generated shell script whenever set.
func execCommand(spec adapter.Spec) []string {
	if spec.Cwd == "" && len(spec.Env) == 0 {
		if spec.Shell != "" {
			return []string{spec.Shell, "-c", spec.ShellString}
		}
		return spec.Argv
	}

	var script strings.Builder
	for _, kv := range spec.Env {
		if idx := strings.IndexByte(kv, '='); idx > 0 {
			fmt.Fprintf(&script, "export %s=%s\n", kv[:idx], shellquote.Quote(kv[idx+1:]))
		}
	}
	if spec.Cwd != "" {
		fmt.Fprintf(&script, "cd %s\n", shellquote.Quote(spec.Cwd))
	}
	if spec.Shell != "" {
		script.WriteString(spec.ShellString)
	} else {
		script.WriteString(shellquote.QuoteArray(spec.Argv))
	}

	return []string{"sh", "-c", script.String()}
}

type process struct {
	mu      sync.Mutex
	result  adapter.Result
	waitErr error
	done    chan struct{}
}

func (p *process) run(ctx context.Context, executor remotecommand.Executor, spec adapter.Spec) {
	defer close(p.done)

	err := executor.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdin:  spec.Stdin,
		Stdout: spec.Stdout,
		Stderr: spec.Stderr,
		Tty:    spec.Kubernetes.TTY,
	})

	p.mu.Lock()
	defer p.mu.Unlock()

	if err == nil {
		p.result = adapter.Result{ExitCode: 0}
		return
	}

	var codeErr utilexec.CodeExitError
	if errors.As(err, &codeErr) {
		p.result = adapter.Result{ExitCode: codeErr.Code}
		return
	}

	p.waitErr = err
}

func (p *process) Wait(ctx context.Context) (adapter.Result, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		return adapter.Result{}, ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result, p.waitErr
}

// Signal has no equivalent in the Kubernetes exec API: there is no channel
// to deliver a POSIX signal to a running `kubectl exec`-style stream short of
// tearing down the stream itself, which cancelling the context passed to
// Launch does; Dispose does nothing.
func (p *process) Signal(sig string) error {
	return errors.New("k8sadapter: signaling an exec stream is not supported; cancel its context instead")
}

func (p *process) Dispose(ctx context.Context) error {
	return nil
}

// LogsOptions selects what Logs streams.
type LogsOptions struct {
	Follow bool
	// Tail limits output to the last N lines; 0 means everything.
	Tail int64
	// SinceSeconds limits output to log lines newer than this; 0 means no limit.
	SinceSeconds int64
}

// Logs streams a pod container's log to w until EOF (or, with Follow, until
// ctx is cancelled).
func (a *Adapter) Logs(ctx context.Context, target adapter.KubernetesOptions, opts LogsOptions, w io.Writer) error {
	logOpts := &corev1.PodLogOptions{
		Container: target.Container,
		Follow:    opts.Follow,
	}
	if opts.Tail > 0 {
		logOpts.TailLines = &opts.Tail
	}
	if opts.SinceSeconds > 0 {
		logOpts.SinceSeconds = &opts.SinceSeconds
	}

	stream, err := a.clientset.CoreV1().Pods(target.Namespace).GetLogs(target.Pod, logOpts).Stream(ctx)
	if err != nil {
		return fmt.Errorf("k8sadapter: opening log stream: %w", err)
	}
	defer func() { _ = stream.Close() }()

	_, err = io.Copy(w, stream)
	return err
}

// PortForwardSession is a live local->pod port forward. Close releases the
// forwarder and its SPDY connection on every path; the scoped-acquisition
// contract means callers defer Close immediately after a successful
// PortForward call.
type PortForwardSession struct {
	stopCh chan struct{}
	once   sync.Once
	errCh  chan error
}

// Close tears the forward down. Safe to call more than once.
func (s *PortForwardSession) Close() {
	s.once.Do(func() { close(s.stopCh) })
}

// Err reports the forwarder's terminal error, if any, once it has stopped.
func (s *PortForwardSession) Err() <-chan error { return s.errCh }

// PortForward forwards localPort to remotePort on the target pod over SPDY,
// returning once the forward is ready to accept connections.
func (a *Adapter) PortForward(ctx context.Context, target adapter.KubernetesOptions, localPort, remotePort int) (*PortForwardSession, error) {
	req := a.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(target.Pod).
		Namespace(target.Namespace).
		SubResource("portforward")

	transport, upgrader, err := spdy.RoundTripperFor(a.restCfg)
	if err != nil {
		return nil, fmt.Errorf("k8sadapter: spdy round tripper: %w", err)
	}
	dialer := spdy.NewDialer(upgrader, &http.Client{Transport: transport}, http.MethodPost, req.URL())

	s := &PortForwardSession{stopCh: make(chan struct{}), errCh: make(chan error, 1)}
	readyCh := make(chan struct{})

	fw, err := portforward.New(dialer,
		[]string{fmt.Sprintf("%d:%d", localPort, remotePort)},
		s.stopCh, readyCh, io.Discard, io.Discard)
	if err != nil {
		return nil, fmt.Errorf("k8sadapter: creating port forwarder: %w", err)
	}

	go func() {
		s.errCh <- fw.ForwardPorts()
		close(s.errCh)
	}()

	select {
	case <-readyCh:
		return s, nil
	case err := <-s.errCh:
		return nil, fmt.Errorf("k8sadapter: port forward: %w", err)
	case <-ctx.Done():
		s.Close()
		return nil, ctx.Err()
	}
}

// CopyTo streams r into remotePath inside the target container, using the
// same exec channel Launch uses (there is no dedicated copy API; kubectl cp
// is exec under the hood too).
func (a *Adapter) CopyTo(ctx context.Context, target adapter.KubernetesOptions, r io.Reader, remotePath string) error {
	return a.execStream(ctx, target, r, io.Discard,
		[]string{"sh", "-c", "cat > " + shellquote.Quote(remotePath)})
}

// CopyFrom streams remotePath from the target container into w.
func (a *Adapter) CopyFrom(ctx context.Context, target adapter.KubernetesOptions, remotePath string, w io.Writer) error {
	return a.execStream(ctx, target, nil, w,
		[]string{"cat", remotePath})
}

func (a *Adapter) execStream(ctx context.Context, target adapter.KubernetesOptions, stdin io.Reader, stdout io.Writer, command []string) error {
	req := a.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(target.Pod).
		Namespace(target.Namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: target.Container,
			Command:   command,
			Stdin:     stdin != nil,
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(a.restCfg, "POST", req.URL())
	if err != nil {
		return fmt.Errorf("k8sadapter: creating executor: %w", err)
	}

	var stderr strings.Builder
	err = executor.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdin:  stdin,
		Stdout: stdout,
		Stderr: &stderr,
	})
	if err != nil {
		return fmt.Errorf("k8sadapter: copy stream: %w (stderr: %s)", err, stderr.String())
	}
	return nil
}
