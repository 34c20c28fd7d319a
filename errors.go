// SPDX-License-Identifier: MPL-2.0

package xec

import (
	"errors"
	"fmt"
)

// Sentinel errors for the execution-engine error taxonomy. Adapter-specific
// errors wrap one of these via Unwrap so callers can use errors.Is regardless
// of which adapter produced the failure.
var (
	// ErrValidation indicates bad engine/command configuration or template arguments.
	ErrValidation = errors.New("xec: validation error")
	// ErrInvalidState indicates a mutation after launch, or reuse of a terminal handle.
	ErrInvalidState = errors.New("xec: invalid state")
	// ErrAdapterUnavailable indicates a required substrate is missing (no Docker daemon, no kubeconfig, ...).
	ErrAdapterUnavailable = errors.New("xec: adapter unavailable")
	// ErrTimeout indicates a deadline elapsed before completion.
	ErrTimeout = errors.New("xec: timeout")
	// ErrCancelled indicates cooperative cancellation reached a terminal state.
	ErrCancelled = errors.New("xec: cancelled")
	// ErrCommandFailed indicates a non-zero exit while in throwing mode.
	ErrCommandFailed = errors.New("xec: command failed")
	// ErrIO indicates a stream read/write failure or a connection drop mid-run.
	ErrIO = errors.New("xec: io error")

	// ErrAuthFailure indicates SSH authentication was rejected.
	ErrAuthFailure = errors.New("xec: ssh auth failure")
	// ErrHostUnreachable indicates the SSH target host could not be reached.
	ErrHostUnreachable = errors.New("xec: ssh host unreachable")
	// ErrHandshakeFailure indicates the SSH transport handshake failed.
	ErrHandshakeFailure = errors.New("xec: ssh handshake failure")
	// ErrChannelOpenFailure indicates an SSH exec channel could not be opened.
	ErrChannelOpenFailure = errors.New("xec: ssh channel open failure")

	// ErrContainerNotFound indicates the named Docker container does not exist.
	ErrContainerNotFound = errors.New("xec: container not found")
	// ErrContainerNotRunning indicates the named Docker container exists but is not running.
	ErrContainerNotRunning = errors.New("xec: container not running")
	// ErrExecCreateFailed indicates the Docker exec-create call failed.
	ErrExecCreateFailed = errors.New("xec: docker exec create failed")
	// ErrImagePullFailed indicates an image pull failed for an ephemeral run.
	ErrImagePullFailed = errors.New("xec: image pull failed")
	// ErrDockerUnavailable indicates the Docker daemon could not be reached.
	ErrDockerUnavailable = errors.New("xec: docker unavailable")

	// ErrPodNotFound indicates the target Kubernetes pod does not exist.
	ErrPodNotFound = errors.New("xec: pod not found")
	// ErrForbidden indicates the Kubernetes API rejected the request on authorization grounds.
	ErrForbidden = errors.New("xec: forbidden")
	// ErrExecFailed indicates a Kubernetes pod exec failed for a reason other than a non-zero exit.
	ErrExecFailed = errors.New("xec: k8s exec failed")
	// ErrK8sUnavailable indicates the Kubernetes API server could not be reached.
	ErrK8sUnavailable = errors.New("xec: kubernetes unavailable")
)

// ValidationError wraps ErrValidation with the offending field and reason.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("xec: validation error: %s", e.Reason)
	}
	return fmt.Sprintf("xec: validation error: %s: %s", e.Field, e.Reason)
}

// Unwrap allows errors.Is(err, ErrValidation) to succeed.
func (e *ValidationError) Unwrap() error { return ErrValidation }

// InvalidStateError wraps ErrInvalidState with the state transition that was rejected.
type InvalidStateError struct {
	From, Attempted string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("xec: invalid state: cannot %s from %s", e.Attempted, e.From)
}

// Unwrap allows errors.Is(err, ErrInvalidState) to succeed.
func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// CommandError carries the complete ExecutionResult of a non-zero exit raised
// in throwing mode (nothrow not set). See ExecutionResult.Cause for the
// human-readable classification of exitCode vs signal termination.
type CommandError struct {
	Result *ExecutionResult
}

func (e *CommandError) Error() string {
	cause := "unknown"
	if e.Result != nil && e.Result.Cause != "" {
		cause = e.Result.Cause
	}
	return fmt.Sprintf("xec: command failed: %s", cause)
}

// Unwrap allows errors.Is(err, ErrCommandFailed) to succeed.
func (e *CommandError) Unwrap() error { return ErrCommandFailed }

// AdapterUnavailableError wraps ErrAdapterUnavailable naming the missing substrate.
type AdapterUnavailableError struct {
	Adapter string
	Reason  string
}

func (e *AdapterUnavailableError) Error() string {
	return fmt.Sprintf("xec: adapter %q unavailable: %s", e.Adapter, e.Reason)
}

// Unwrap allows errors.Is against both ErrAdapterUnavailable and the
// substrate-specific unavailability sentinel.
func (e *AdapterUnavailableError) Unwrap() []error {
	errs := []error{ErrAdapterUnavailable}
	switch e.Adapter {
	case "docker":
		errs = append(errs, ErrDockerUnavailable)
	case "kubernetes":
		errs = append(errs, ErrK8sUnavailable)
	}
	return errs
}

// TimeoutError wraps ErrTimeout with the configured deadline that elapsed.
type TimeoutError struct {
	TimeoutMS int64
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("xec: timeout after %dms", e.TimeoutMS)
}

// Unwrap allows errors.Is(err, ErrTimeout) to succeed.
func (e *TimeoutError) Unwrap() error { return ErrTimeout }
