// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package executor

import (
	"fmt"
	"sync"

	multierror "github.com/hashicorp/go-multierror"

	"github.com/hashicorp/taskforge/structs"
)

// registration pairs an executor factory with its optional parameter
// validator.
type registration struct {
	factory  Factory
	validate ParamsValidator
}

// Registry maps task types to executor factories. Registration normally
// happens during agent wiring, lookups on every execution.
type Registry struct {
	mu    sync.RWMutex
	types map[string]registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]registration)}
}

// Register binds a task type to a factory. An existing binding for the
// same type is rejected.
func (r *Registry) Register(taskType string, factory Factory, validate ParamsValidator) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.types[taskType]; ok {
		return fmt.Errorf("registering executor %q: %w", taskType, structs.ErrDuplicateTask)
	}
	r.types[taskType] = registration{factory: factory, validate: validate}
	return nil
}

// Registered reports whether the task type has a factory.
func (r *Registry) Registered(taskType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[taskType]
	return ok
}

// Types lists the registered task types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types))
	for t := range r.types {
		out = append(out, t)
	}
	return out
}

// New constructs an executor for the definition.
func (r *Registry) New(def *structs.TaskDefinition, services *Services) (Executor, error) {
	r.mu.RLock()
	reg, ok := r.types[def.TaskType]
	r.mu.RUnlock()
	if !ok {
		return nil, structs.NewTaskError(structs.ErrKindConfig,
			"no executor registered for task type %q", def.TaskType)
	}
	return reg.factory(def.TaskID, def.ExecutorParams, services)
}

// ValidateDefinition runs every admission check over a definition: the
// structural checks on the definition itself, the task type binding, and
// the type's own parameter validation. A nil return admits the task.
func (r *Registry) ValidateDefinition(def *structs.TaskDefinition) error {
	var mErr multierror.Error

	if err := def.Validate(); err != nil {
		mErr.Errors = append(mErr.Errors, err)
	}

	r.mu.RLock()
	reg, ok := r.types[def.TaskType]
	r.mu.RUnlock()

	if !ok {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("task type %q is not registered", def.TaskType))
	} else if reg.validate != nil {
		if err := reg.validate(def.ExecutorParams); err != nil {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("executor params for %q: %w", def.TaskID, err))
		}
	}

	if err := mErr.ErrorOrNil(); err != nil {
		return structs.WrapError(structs.ErrKindValidation, err)
	}
	return nil
}
