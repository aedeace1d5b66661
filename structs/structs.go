// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package structs holds the core data model shared by every taskforge
// subsystem: task definitions, schedules, dependency edges, retry policy,
// execution results and persisted task state.
package structs

import (
	"fmt"
	"time"

	multierror "github.com/hashicorp/go-multierror"
	"github.com/mitchellh/copystructure"
	"github.com/mitchellh/hashstructure"
)

const (
	// PriorityMin and PriorityMax bound task priorities. Higher values are
	// scheduled first.
	PriorityMin = 1
	PriorityMax = 10

	// DefaultTimeout is applied to task definitions that do not set one.
	DefaultTimeout = 30 * time.Minute
)

// TaskStatus is the lifecycle state of a task instance.
type TaskStatus string

const (
	TaskStatusPending        TaskStatus = "pending"
	TaskStatusRunning        TaskStatus = "running"
	TaskStatusCompleted      TaskStatus = "completed"
	TaskStatusFailed         TaskStatus = "failed"
	TaskStatusCancelled      TaskStatus = "cancelled"
	TaskStatusReviewRequired TaskStatus = "review_required"
	TaskStatusReviewing      TaskStatus = "reviewing"
	TaskStatusApproved       TaskStatus = "approved"
	TaskStatusRejected       TaskStatus = "rejected"
)

// Valid returns whether the status is a member of the task status enum.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusCompleted,
		TaskStatusFailed, TaskStatusCancelled, TaskStatusReviewRequired,
		TaskStatusReviewing, TaskStatusApproved, TaskStatusRejected:
		return true
	}
	return false
}

// Terminal returns whether a task in this status has finished and will not
// transition again without being resubmitted.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled,
		TaskStatusApproved, TaskStatusRejected:
		return true
	}
	return false
}

// Active returns whether a task in this status occupies its single-instance
// slot. Reviewing counts the same as running so a review gate cannot be
// overlapped by a second instance.
func (s TaskStatus) Active() bool {
	return s == TaskStatusRunning || s == TaskStatusReviewing
}

// SatisfiesDependency returns whether a dependency in this status unblocks
// its dependents. Approved is equivalent to completed.
func (s TaskStatus) SatisfiesDependency() bool {
	return s == TaskStatusCompleted || s == TaskStatusApproved
}

// FailedLike returns whether this status counts as a failure for dependency
// purposes. Rejected is equivalent to failed.
func (s TaskStatus) FailedLike() bool {
	return s == TaskStatusFailed || s == TaskStatusRejected
}

// DependencyKind describes how strongly an edge gates its dependent.
type DependencyKind string

const (
	// DependencyRequired edges block the dependent until the upstream task
	// completes and its predicate, if any, holds.
	DependencyRequired DependencyKind = "required"

	// DependencyOptional edges never block; they only order execution when
	// both sides are submitted together.
	DependencyOptional DependencyKind = "optional"

	// DependencyConditional edges block until the predicate evaluates true
	// over the set of completed results.
	DependencyConditional DependencyKind = "conditional"
)

// Valid returns whether the kind is a member of the dependency kind enum.
func (k DependencyKind) Valid() bool {
	switch k {
	case DependencyRequired, DependencyOptional, DependencyConditional:
		return true
	}
	return false
}

// DependencyPredicate is a pure function over the results of completed
// tasks, keyed by task ID. Implementations must not block.
type DependencyPredicate func(completed map[string]*Result) bool

// DependencyEdge is a directed relation: the task carrying the edge cannot
// start until FromTaskID satisfies it.
type DependencyEdge struct {
	FromTaskID string         `json:"from_task_id"`
	Kind       DependencyKind `json:"kind"`

	// Predicate gates the edge for required and conditional kinds. Nil
	// means the edge is satisfied by completion alone. Predicates are not
	// persisted.
	Predicate DependencyPredicate `json:"-" hash:"ignore"`

	// Timeout optionally bounds how long the dependent may wait on this
	// edge before the orchestrator surfaces it; zero means no bound.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// ScheduleKind tags the schedule union.
type ScheduleKind string

const (
	ScheduleCron     ScheduleKind = "cron"
	ScheduleInterval ScheduleKind = "interval"
	ScheduleDate     ScheduleKind = "date"
	ScheduleManual   ScheduleKind = "manual"
)

// CronSchedule fires on standard 5-field cron expressions. Each expression
// registers its own scheduler job.
type CronSchedule struct {
	Expressions []string `json:"expressions"`
}

// IntervalSchedule fires every fixed period. The first fire is at
// scheduler start plus the interval unless StartAt overrides it.
type IntervalSchedule struct {
	Weeks   int `json:"weeks,omitempty"`
	Days    int `json:"days,omitempty"`
	Hours   int `json:"hours,omitempty"`
	Minutes int `json:"minutes,omitempty"`
	Seconds int `json:"seconds,omitempty"`

	StartAt time.Time `json:"start_at,omitempty"`
}

// Every returns the interval as a duration.
func (i *IntervalSchedule) Every() time.Duration {
	return time.Duration(i.Weeks)*7*24*time.Hour +
		time.Duration(i.Days)*24*time.Hour +
		time.Duration(i.Hours)*time.Hour +
		time.Duration(i.Minutes)*time.Minute +
		time.Duration(i.Seconds)*time.Second
}

// DateSchedule fires exactly once at a literal timestamp. A timestamp in
// the past at registration time never fires.
type DateSchedule struct {
	At time.Time `json:"at"`
}

// Schedule is the tagged union of trigger specifications. Exactly the
// variant matching Kind is non-nil; manual schedules carry no payload.
type Schedule struct {
	Kind     ScheduleKind      `json:"kind"`
	Cron     *CronSchedule     `json:"cron,omitempty"`
	Interval *IntervalSchedule `json:"interval,omitempty"`
	Date     *DateSchedule     `json:"date,omitempty"`
}

// NewCronSchedule builds a cron schedule over the given expressions.
func NewCronSchedule(exprs ...string) Schedule {
	return Schedule{Kind: ScheduleCron, Cron: &CronSchedule{Expressions: exprs}}
}

// NewIntervalSchedule builds an interval schedule from a duration.
func NewIntervalSchedule(every time.Duration) Schedule {
	return Schedule{Kind: ScheduleInterval, Interval: &IntervalSchedule{
		Seconds: int(every / time.Second),
	}}
}

// NewDateSchedule builds a one-shot schedule at the given time.
func NewDateSchedule(at time.Time) Schedule {
	return Schedule{Kind: ScheduleDate, Date: &DateSchedule{At: at}}
}

// NewManualSchedule builds a schedule that never fires on its own.
func NewManualSchedule() Schedule {
	return Schedule{Kind: ScheduleManual}
}

// Validate checks that the schedule shape matches its kind.
func (s *Schedule) Validate() error {
	var mErr multierror.Error
	switch s.Kind {
	case ScheduleCron:
		if s.Cron == nil || len(s.Cron.Expressions) == 0 {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("cron schedule requires at least one expression"))
		}
	case ScheduleInterval:
		if s.Interval == nil {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("interval schedule requires interval fields"))
		} else if s.Interval.Every() <= 0 {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("interval must be positive, got %s", s.Interval.Every()))
		}
	case ScheduleDate:
		if s.Date == nil || s.Date.At.IsZero() {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("date schedule requires a timestamp"))
		}
	case ScheduleManual:
		if s.Cron != nil || s.Interval != nil || s.Date != nil {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("manual schedule must not carry trigger data"))
		}
	default:
		mErr.Errors = append(mErr.Errors, fmt.Errorf("unknown schedule kind %q", s.Kind))
	}
	return mErr.ErrorOrNil()
}

// RetryPolicy controls retry of failed attempts. The delay before attempt
// n (n >= 2) is min(MaxDelay, BaseDelay * BackoffMultiplier^(n-2)), with
// uniform jitter of +/- Jitter applied by the retry tracker.
type RetryPolicy struct {
	MaxAttempts       int           `json:"max_attempts"`
	BaseDelay         time.Duration `json:"base_delay"`
	MaxDelay          time.Duration `json:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
	Jitter            float64       `json:"jitter"`
}

// DefaultRetryPolicy returns the policy applied when a task sets none.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		BaseDelay:         30 * time.Second,
		MaxDelay:          10 * time.Minute,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
	}
}

// DelayBeforeAttempt returns the un-jittered backoff delay preceding the
// given attempt number. Attempt 1 is the initial run and has no delay.
func (r *RetryPolicy) DelayBeforeAttempt(attempt int) time.Duration {
	if attempt < 2 {
		return 0
	}
	d := float64(r.BaseDelay)
	for i := 2; i < attempt; i++ {
		d *= r.BackoffMultiplier
		if r.MaxDelay > 0 && d >= float64(r.MaxDelay) {
			return r.MaxDelay
		}
	}
	if r.MaxDelay > 0 && d > float64(r.MaxDelay) {
		return r.MaxDelay
	}
	return time.Duration(d)
}

// Validate checks policy bounds.
func (r *RetryPolicy) Validate() error {
	var mErr multierror.Error
	if r.MaxAttempts < 1 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("max_attempts must be >= 1, got %d", r.MaxAttempts))
	}
	if r.BaseDelay < 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("base_delay must be >= 0, got %s", r.BaseDelay))
	}
	if r.MaxDelay < 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("max_delay must be >= 0, got %s", r.MaxDelay))
	}
	if r.BackoffMultiplier < 1 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("backoff_multiplier must be >= 1, got %f", r.BackoffMultiplier))
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("jitter must be within [0, 1], got %f", r.Jitter))
	}
	return mErr.ErrorOrNil()
}

// TaskDefinition is the declarative description of a task. Definitions are
// immutable once admitted; the orchestrator copies them on ingest.
type TaskDefinition struct {
	TaskID   string `json:"task_id"`
	TaskType string `json:"task_type"`
	Enabled  bool   `json:"enabled"`

	// Priority orders ready tasks, higher first. Bounded by PriorityMin
	// and PriorityMax.
	Priority int `json:"priority"`

	Schedule     Schedule         `json:"schedule"`
	Dependencies []DependencyEdge `json:"dependencies,omitempty"`

	// ResourceRequirements maps pool names (cpu, memory, disk, network,
	// gpu, ...) to the amount reserved for the whole run.
	ResourceRequirements map[string]float64 `json:"resource_requirements,omitempty"`

	RetryPolicy RetryPolicy   `json:"retry_policy"`
	Timeout     time.Duration `json:"timeout"`

	// ExecutorParams is opaque to the core and handed to the executor
	// factory unmodified.
	ExecutorParams map[string]any `json:"executor_params,omitempty"`
}

// Validate checks the structural invariants of a definition. Executor
// specific parameter checks live in the executor registry.
func (d *TaskDefinition) Validate() error {
	var mErr multierror.Error
	if d.TaskID == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("task_id is required"))
	}
	if d.TaskType == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("task_type is required"))
	}
	if d.Priority < PriorityMin || d.Priority > PriorityMax {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("priority must be within [%d, %d], got %d", PriorityMin, PriorityMax, d.Priority))
	}
	if d.Timeout <= 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("timeout must be positive, got %s", d.Timeout))
	}
	if err := d.Schedule.Validate(); err != nil {
		mErr.Errors = append(mErr.Errors, err)
	}
	if err := d.RetryPolicy.Validate(); err != nil {
		mErr.Errors = append(mErr.Errors, err)
	}
	for _, edge := range d.Dependencies {
		if edge.FromTaskID == "" {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("dependency edge is missing from_task_id"))
		}
		if edge.FromTaskID == d.TaskID {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("task %q must not depend on itself", d.TaskID))
		}
		if !edge.Kind.Valid() {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("unknown dependency kind %q", edge.Kind))
		}
	}
	for name, amount := range d.ResourceRequirements {
		if amount < 0 {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("resource %q requirement must be non-negative, got %f", name, amount))
		}
	}
	return mErr.ErrorOrNil()
}

// Copy returns a deep copy of the definition. Opaque maps are copied with
// copystructure so callers cannot mutate an admitted definition through a
// retained reference.
func (d *TaskDefinition) Copy() *TaskDefinition {
	if d == nil {
		return nil
	}
	nd := *d

	nd.Dependencies = make([]DependencyEdge, len(d.Dependencies))
	copy(nd.Dependencies, d.Dependencies)

	if d.ResourceRequirements != nil {
		nd.ResourceRequirements = make(map[string]float64, len(d.ResourceRequirements))
		for k, v := range d.ResourceRequirements {
			nd.ResourceRequirements[k] = v
		}
	}

	if d.ExecutorParams != nil {
		dup, err := copystructure.Copy(d.ExecutorParams)
		if err == nil {
			nd.ExecutorParams = dup.(map[string]any)
		}
	}

	if d.Schedule.Cron != nil {
		c := *d.Schedule.Cron
		c.Expressions = append([]string(nil), d.Schedule.Cron.Expressions...)
		nd.Schedule.Cron = &c
	}
	if d.Schedule.Interval != nil {
		i := *d.Schedule.Interval
		nd.Schedule.Interval = &i
	}
	if d.Schedule.Date != nil {
		dt := *d.Schedule.Date
		nd.Schedule.Date = &dt
	}

	return &nd
}

// Fingerprint hashes the definition so a changed definition can be detected
// across restarts. Predicates are excluded from the hash.
func (d *TaskDefinition) Fingerprint() (uint64, error) {
	return hashstructure.Hash(d, nil)
}

// Result is the outcome of one executor run.
type Result struct {
	OK        bool           `json:"ok"`
	Output    map[string]any `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorKind ErrorKind      `json:"error_kind,omitempty"`
}

// SuccessResult builds a successful result carrying optional output.
func SuccessResult(output map[string]any) *Result {
	return &Result{OK: true, Output: output}
}

// FailureResult builds a failed result from an error, classifying it.
func FailureResult(err error) *Result {
	return &Result{OK: false, Error: err.Error(), ErrorKind: KindOf(err)}
}
