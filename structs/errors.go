// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTaskNotFound is returned when an operation names an unknown task.
	ErrTaskNotFound = errors.New("task not found")

	// ErrDuplicateTask is returned when a task ID is admitted twice.
	ErrDuplicateTask = errors.New("task already exists")

	// ErrWouldCycle is returned when an edge would make the graph cyclic.
	ErrWouldCycle = errors.New("edge would introduce a cycle")

	// ErrInsufficientResources is returned when the budget cannot cover an
	// allocation request.
	ErrInsufficientResources = errors.New("insufficient resources")

	// ErrAlreadyRunning is returned when a second instance of a task is
	// submitted while one is active.
	ErrAlreadyRunning = errors.New("task already running")

	// ErrQueueFull is returned when the worker pool rejects a submission.
	ErrQueueFull = errors.New("worker queue full")

	// ErrAttemptsExhausted is returned when a task has consumed all of its
	// retry attempts.
	ErrAttemptsExhausted = errors.New("max attempts exhausted")

	// ErrNotReady is returned when a fired task fails its readiness check.
	ErrNotReady = errors.New("task not ready")

	// ErrShuttingDown is returned for operations arriving after Stop.
	ErrShuttingDown = errors.New("manager is shutting down")
)

// ErrorKind classifies task errors so the retry policy can tell transient
// failures apart from terminal ones.
type ErrorKind string

const (
	ErrKindConfig         ErrorKind = "config"
	ErrKindValidation     ErrorKind = "validation"
	ErrKindNotFound       ErrorKind = "not_found"
	ErrKindDuplicate      ErrorKind = "duplicate"
	ErrKindCycle          ErrorKind = "cycle"
	ErrKindInsufficient   ErrorKind = "insufficient_resources"
	ErrKindAlreadyRunning ErrorKind = "already_running"
	ErrKindTimeout        ErrorKind = "timeout"
	ErrKindCancelled      ErrorKind = "cancelled"
	ErrKindExecutor       ErrorKind = "executor"
	ErrKindStateIO        ErrorKind = "state_io"
	ErrKindScheduler      ErrorKind = "scheduler"
	ErrKindPermission     ErrorKind = "permission"
)

// Retryable returns whether a failed attempt with this kind may be retried.
// Timeouts and opaque executor errors are considered transient; validation,
// config, permission and cancellation failures are terminal.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrKindValidation, ErrKindConfig, ErrKindPermission, ErrKindCancelled:
		return false
	case ErrKindTimeout, ErrKindExecutor, ErrKindStateIO, ErrKindInsufficient:
		return true
	default:
		return false
	}
}

// TaskError carries an error kind alongside the message so callers can
// classify failures without string matching.
type TaskError struct {
	Kind ErrorKind
	Err  error
}

// NewTaskError wraps an error with a kind.
func NewTaskError(kind ErrorKind, format string, args ...any) *TaskError {
	return &TaskError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// WrapError attaches a kind to an existing error.
func WrapError(kind ErrorKind, err error) *TaskError {
	return &TaskError{Kind: kind, Err: err}
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// KindOf classifies an arbitrary error. Context errors map onto timeout and
// cancellation; unknown errors are treated as opaque executor errors.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var te *TaskError
	if errors.As(err, &te) {
		return te.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrKindTimeout
	case errors.Is(err, context.Canceled):
		return ErrKindCancelled
	case errors.Is(err, ErrTaskNotFound):
		return ErrKindNotFound
	case errors.Is(err, ErrDuplicateTask):
		return ErrKindDuplicate
	case errors.Is(err, ErrWouldCycle):
		return ErrKindCycle
	case errors.Is(err, ErrInsufficientResources):
		return ErrKindInsufficient
	case errors.Is(err, ErrAlreadyRunning):
		return ErrKindAlreadyRunning
	}
	return ErrKindExecutor
}
