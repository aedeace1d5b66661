// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package executor defines the contract between the orchestration core and
// the pluggable task executors, and the registry mapping task types to
// executor factories.
package executor

import (
	"context"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/hashicorp/taskforge/helper/clock"
	"github.com/hashicorp/taskforge/structs"
)

// Executor runs one task instance. Run is invoked exactly once per
// instance; Cancel requests cooperative termination and may be called
// concurrently with Run.
type Executor interface {
	Run(rc *RunContext) (*structs.Result, error)
	Cancel()
}

// Factory builds an executor for one task instance. Params is the opaque
// executor_params map from the task definition.
type Factory func(taskID string, params map[string]any, services *Services) (Executor, error)

// ParamsValidator shape-checks the executor_params for a task type before
// admission. It must not have side effects.
type ParamsValidator func(params map[string]any) error

// Services are the collaborators the core makes available to executors.
type Services struct {
	Logger hclog.Logger
	Clock  clock.Clock
}

// ProgressFunc receives executor progress reports. Safe for concurrent use.
type ProgressFunc func(fraction float64, message string)

// MetadataFunc receives executor metadata emissions. Safe for concurrent
// use.
type MetadataFunc func(key string, value any)

// RunContext carries everything an executor may touch during a run: the
// cancellation context with the task deadline, and the progress and
// metadata callbacks. Callbacks may be invoked from any goroutine the
// executor spawns.
type RunContext struct {
	ctx      context.Context
	taskID   string
	attempt  int
	clock    clock.Clock
	progress ProgressFunc
	metadata MetadataFunc
}

// NewRunContext builds a run context. Nil callbacks are replaced with
// no-ops so executors never need to nil-check.
func NewRunContext(ctx context.Context, taskID string, attempt int, clk clock.Clock, progress ProgressFunc, metadata MetadataFunc) *RunContext {
	if progress == nil {
		progress = func(float64, string) {}
	}
	if metadata == nil {
		metadata = func(string, any) {}
	}
	if clk == nil {
		clk = clock.New()
	}
	return &RunContext{
		ctx:      ctx,
		taskID:   taskID,
		attempt:  attempt,
		clock:    clk,
		progress: progress,
		metadata: metadata,
	}
}

// Context returns the cancellation context carrying the task deadline.
func (rc *RunContext) Context() context.Context { return rc.ctx }

// TaskID returns the ID of the task being run.
func (rc *RunContext) TaskID() string { return rc.taskID }

// Attempt returns the 1-based attempt number of this run.
func (rc *RunContext) Attempt() int { return rc.attempt }

// Clock returns the injected time source.
func (rc *RunContext) Clock() clock.Clock { return rc.clock }

// Deadline returns the task deadline, if one is set.
func (rc *RunContext) Deadline() (time.Time, bool) { return rc.ctx.Deadline() }

// ReportProgress forwards a completion fraction and message to the core.
func (rc *RunContext) ReportProgress(fraction float64, message string) {
	rc.progress(fraction, message)
}

// EmitMetadata forwards a metadata key/value to the core, which records it
// on the task's persistent state.
func (rc *RunContext) EmitMetadata(key string, value any) {
	rc.metadata(key, value)
}

// FuncExecutor adapts a plain function to the Executor interface for
// executors with no cancellation state beyond the context.
type FuncExecutor struct {
	fn func(rc *RunContext) (*structs.Result, error)

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewFuncExecutor wraps fn as an Executor.
func NewFuncExecutor(fn func(rc *RunContext) (*structs.Result, error)) *FuncExecutor {
	return &FuncExecutor{fn: fn}
}

// Run layers a cancellable context under the run context so Cancel can
// interrupt fn through ordinary context cancellation.
func (f *FuncExecutor) Run(rc *RunContext) (*structs.Result, error) {
	ctx, cancel := context.WithCancel(rc.ctx)
	f.mu.Lock()
	f.cancel = cancel
	f.mu.Unlock()
	defer cancel()

	inner := *rc
	inner.ctx = ctx
	return f.fn(&inner)
}

// Cancel interrupts a running Run.
func (f *FuncExecutor) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		f.cancel()
	}
}
