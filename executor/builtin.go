// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package executor

import (
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/hashicorp/taskforge/structs"
)

// RegisterBuiltins registers the executors that ship with the agent:
// "noop" and "exec".
func RegisterBuiltins(r *Registry) error {
	if err := r.Register("noop", NewNoopExecutor, nil); err != nil {
		return err
	}
	return r.Register("exec", NewExecExecutor, ValidateExecParams)
}

// NewNoopExecutor builds an executor that succeeds without side effects.
// Params: "sleep" (duration string) simulates work, "fail" (bool) forces a
// failure. Used for wiring checks and tests.
func NewNoopExecutor(taskID string, params map[string]any, services *Services) (Executor, error) {
	return NewFuncExecutor(func(rc *RunContext) (*structs.Result, error) {
		if raw, ok := params["sleep"]; ok {
			d, err := time.ParseDuration(fmt.Sprint(raw))
			if err != nil {
				return nil, structs.NewTaskError(structs.ErrKindConfig, "noop sleep: %v", err)
			}
			rc.ReportProgress(0.5, "sleeping")
			select {
			case <-rc.Context().Done():
				return nil, rc.Context().Err()
			case <-rc.Clock().After(d):
			}
		}
		if fail, _ := params["fail"].(bool); fail {
			return nil, structs.NewTaskError(structs.ErrKindExecutor, "noop forced failure")
		}
		rc.ReportProgress(1, "done")
		return structs.SuccessResult(map[string]any{"task_id": taskID}), nil
	}), nil
}

// ValidateExecParams shape-checks the params of the "exec" task type.
func ValidateExecParams(params map[string]any) error {
	raw, ok := params["command"]
	if !ok {
		return fmt.Errorf("command is required")
	}
	switch cmd := raw.(type) {
	case string:
		if strings.TrimSpace(cmd) == "" {
			return fmt.Errorf("command must not be empty")
		}
	case []any:
		if len(cmd) == 0 {
			return fmt.Errorf("command must not be empty")
		}
		for i, arg := range cmd {
			if _, ok := arg.(string); !ok {
				return fmt.Errorf("command argument %d is not a string", i)
			}
		}
	default:
		return fmt.Errorf("command must be a string or a list of strings")
	}
	return nil
}

// NewExecExecutor builds an executor that runs a subprocess. The process
// is killed when the run context is cancelled or its deadline passes.
func NewExecExecutor(taskID string, params map[string]any, services *Services) (Executor, error) {
	if err := ValidateExecParams(params); err != nil {
		return nil, structs.WrapError(structs.ErrKindConfig, err)
	}

	var argv []string
	switch cmd := params["command"].(type) {
	case string:
		argv = strings.Fields(cmd)
	case []any:
		for _, arg := range cmd {
			argv = append(argv, arg.(string))
		}
	}

	logger := services.Logger.Named("exec").With("task_id", taskID)

	return NewFuncExecutor(func(rc *RunContext) (*structs.Result, error) {
		cmd := exec.CommandContext(rc.Context(), argv[0], argv[1:]...)

		logger.Debug("starting process", "argv", argv)
		out, err := cmd.CombinedOutput()
		if ctxErr := rc.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if err != nil {
			return nil, structs.NewTaskError(structs.ErrKindExecutor,
				"process failed: %v: %s", err, strings.TrimSpace(string(out)))
		}

		rc.ReportProgress(1, "process exited")
		return structs.SuccessResult(map[string]any{
			"output": string(out),
		}), nil
	}), nil
}
