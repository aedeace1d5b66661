// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package config loads and validates the agent configuration: runtime
// limits, retention, resource totals and the declarative task list.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	multierror "github.com/hashicorp/go-multierror"

	"github.com/hashicorp/taskforge/state"
	"github.com/hashicorp/taskforge/structs"
)

// Config is the agent configuration. Durations are strings in Go duration
// syntax ("30s", "5m") so the file stays plain JSON.
type Config struct {
	MaxConcurrentTasks int    `json:"max_concurrent_tasks,omitempty"`
	QueueDepth         int    `json:"queue_depth,omitempty"`
	StateDir           string `json:"state_dir,omitempty"`
	Timezone           string `json:"timezone,omitempty"`

	MisfireGrace    string `json:"misfire_grace,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
	CleanupInterval string `json:"cleanup_interval,omitempty"`

	RetentionDays     int               `json:"retention_days,omitempty"`
	CleanupStrategies map[string]string `json:"cleanup_strategies,omitempty"`
	CompressArchives  bool              `json:"compress_archives,omitempty"`

	ResourceTotals map[string]float64 `json:"resource_totals,omitempty"`

	DefaultRetry *RetryConfig  `json:"default_retry,omitempty"`
	Tasks        []*TaskConfig `json:"tasks,omitempty"`
}

// RetryConfig is the JSON shape of a retry policy.
type RetryConfig struct {
	MaxAttempts       int     `json:"max_attempts,omitempty"`
	BaseDelay         string  `json:"base_delay,omitempty"`
	MaxDelay          string  `json:"max_delay,omitempty"`
	BackoffMultiplier float64 `json:"backoff_multiplier,omitempty"`
	Jitter            float64 `json:"jitter,omitempty"`
}

// TaskConfig is the JSON shape of a task definition.
type TaskConfig struct {
	TaskID   string `json:"task_id"`
	TaskType string `json:"task_type"`

	// Enabled defaults to true when omitted.
	Enabled  *bool `json:"enabled,omitempty"`
	Priority int   `json:"priority,omitempty"`

	Schedule  ScheduleConfig      `json:"schedule"`
	DependsOn []*DependencyConfig `json:"depends_on,omitempty"`

	Resources map[string]float64 `json:"resources,omitempty"`
	Retry     *RetryConfig       `json:"retry,omitempty"`
	Timeout   string             `json:"timeout,omitempty"`

	ExecutorParams map[string]any `json:"executor_params,omitempty"`
}

// DependencyConfig is the JSON shape of one dependency edge.
type DependencyConfig struct {
	TaskID  string `json:"task_id"`
	Kind    string `json:"kind,omitempty"` // defaults to required
	Timeout string `json:"timeout,omitempty"`
}

// ScheduleConfig is the JSON shape of a schedule. Kind may be omitted and
// is then inferred from which trigger fields are set; no trigger fields
// means manual.
type ScheduleConfig struct {
	Kind string `json:"kind,omitempty"`

	// CronExpressions is the canonical cron shape.
	CronExpressions []string `json:"cron_expressions,omitempty"`

	// Cron is the legacy decomposed shape, normalized into a single
	// expression. Empty fields default to "*".
	Cron *LegacyCronConfig `json:"cron,omitempty"`

	Interval *IntervalConfig `json:"interval,omitempty"`

	// At is an RFC 3339 timestamp for one-shot schedules.
	At string `json:"at,omitempty"`
}

// LegacyCronConfig is the decomposed cron shape older configs carry.
type LegacyCronConfig struct {
	Minute     string `json:"minute,omitempty"`
	Hour       string `json:"hour,omitempty"`
	DayOfMonth string `json:"day_of_month,omitempty"`
	Month      string `json:"month,omitempty"`
	DayOfWeek  string `json:"day_of_week,omitempty"`
}

// Expression normalizes the decomposed fields into a 5-field expression.
func (l *LegacyCronConfig) Expression() string {
	field := func(v string) string {
		if v == "" {
			return "*"
		}
		return v
	}
	return strings.Join([]string{
		field(l.Minute), field(l.Hour), field(l.DayOfMonth),
		field(l.Month), field(l.DayOfWeek),
	}, " ")
}

// IntervalConfig is the JSON shape of an interval trigger.
type IntervalConfig struct {
	Weeks   int    `json:"weeks,omitempty"`
	Days    int    `json:"days,omitempty"`
	Hours   int    `json:"hours,omitempty"`
	Minutes int    `json:"minutes,omitempty"`
	Seconds int    `json:"seconds,omitempty"`
	StartAt string `json:"start_at,omitempty"`
}

// DefaultConfig returns the baseline the loaded file is merged over.
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrentTasks: 4,
		QueueDepth:         64,
		StateDir:           "taskforge-state",
		Timezone:           "UTC",
		MisfireGrace:       "60s",
		ShutdownTimeout:    "30s",
		CleanupInterval:    "1h",
		RetentionDays:      30,
		DefaultRetry: &RetryConfig{
			MaxAttempts:       3,
			BaseDelay:         "30s",
			MaxDelay:          "10m",
			BackoffMultiplier: 2.0,
			Jitter:            0.1,
		},
	}
}

// Load reads a JSON config file, expands ${NAME} environment references in
// the raw bytes, decodes it and merges it over the defaults.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}

	expanded := os.Expand(string(raw), func(name string) string {
		return os.Getenv(name)
	})

	var file Config
	if err := json.Unmarshal([]byte(expanded), &file); err != nil {
		return nil, fmt.Errorf("decoding config %q: %w", path, err)
	}
	return DefaultConfig().Merge(&file), nil
}

// Merge layers other over c and returns the result. Zero values in other
// keep c's value; task lists are concatenated.
func (c *Config) Merge(other *Config) *Config {
	result := *c
	if other == nil {
		return &result
	}

	if other.MaxConcurrentTasks != 0 {
		result.MaxConcurrentTasks = other.MaxConcurrentTasks
	}
	if other.QueueDepth != 0 {
		result.QueueDepth = other.QueueDepth
	}
	if other.StateDir != "" {
		result.StateDir = other.StateDir
	}
	if other.Timezone != "" {
		result.Timezone = other.Timezone
	}
	if other.MisfireGrace != "" {
		result.MisfireGrace = other.MisfireGrace
	}
	if other.ShutdownTimeout != "" {
		result.ShutdownTimeout = other.ShutdownTimeout
	}
	if other.CleanupInterval != "" {
		result.CleanupInterval = other.CleanupInterval
	}
	if other.RetentionDays != 0 {
		result.RetentionDays = other.RetentionDays
	}
	if other.CompressArchives {
		result.CompressArchives = true
	}
	if other.CleanupStrategies != nil {
		result.CleanupStrategies = other.CleanupStrategies
	}
	if other.ResourceTotals != nil {
		result.ResourceTotals = other.ResourceTotals
	}
	if other.DefaultRetry != nil {
		result.DefaultRetry = other.DefaultRetry
	}
	result.Tasks = append(append([]*TaskConfig{}, c.Tasks...), other.Tasks...)
	return &result
}

// Validate checks the whole config, collecting every problem.
func (c *Config) Validate() error {
	var mErr multierror.Error

	if c.MaxConcurrentTasks < 1 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("max_concurrent_tasks must be >= 1, got %d", c.MaxConcurrentTasks))
	}
	if c.QueueDepth < 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("queue_depth must be >= 0, got %d", c.QueueDepth))
	}
	if c.RetentionDays < 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("retention_days must be >= 0, got %d", c.RetentionDays))
	}

	for _, field := range []struct{ name, value string }{
		{"misfire_grace", c.MisfireGrace},
		{"shutdown_timeout", c.ShutdownTimeout},
		{"cleanup_interval", c.CleanupInterval},
	} {
		if field.value == "" {
			continue
		}
		if _, err := time.ParseDuration(field.value); err != nil {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("%s: %w", field.name, err))
		}
	}

	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("timezone: %w", err))
		}
	}

	for status, name := range c.CleanupStrategies {
		if !structs.TaskStatus(status).Valid() {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("cleanup strategy for unknown status %q", status))
		}
		if !state.Strategy(name).Valid() {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("unknown cleanup strategy %q for status %q", name, status))
		}
	}

	seen := make(map[string]bool, len(c.Tasks))
	for i, tc := range c.Tasks {
		if tc.TaskID != "" && seen[tc.TaskID] {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("task %d: duplicate task_id %q", i, tc.TaskID))
		}
		seen[tc.TaskID] = true

		def, err := tc.TaskDefinition(c.DefaultRetry)
		if err != nil {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("task %q: %w", tc.TaskID, err))
			continue
		}
		if err := def.Validate(); err != nil {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("task %q: %w", tc.TaskID, err))
		}
	}

	return mErr.ErrorOrNil()
}

// Location resolves the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}

// RetentionPolicy builds the retention policy from the config.
func (c *Config) RetentionPolicy() *state.RetentionPolicy {
	policy := &state.RetentionPolicy{
		RetentionDays: c.RetentionDays,
		Compress:      c.CompressArchives,
	}
	if len(c.CleanupStrategies) > 0 {
		policy.Strategies = make(map[structs.TaskStatus]state.Strategy, len(c.CleanupStrategies))
		for status, name := range c.CleanupStrategies {
			policy.Strategies[structs.TaskStatus(status)] = state.Strategy(name)
		}
	}
	return policy
}

// Durations parses the string duration fields. Validate must have passed.
func (c *Config) Durations() (misfireGrace, shutdownTimeout, cleanupInterval time.Duration, err error) {
	parse := func(v string) (time.Duration, error) {
		if v == "" {
			return 0, nil
		}
		return time.ParseDuration(v)
	}
	if misfireGrace, err = parse(c.MisfireGrace); err != nil {
		return
	}
	if shutdownTimeout, err = parse(c.ShutdownTimeout); err != nil {
		return
	}
	cleanupInterval, err = parse(c.CleanupInterval)
	return
}

// RetryPolicy converts the JSON shape, falling back to the library default
// for unset fields.
func (r *RetryConfig) RetryPolicy() (structs.RetryPolicy, error) {
	policy := structs.DefaultRetryPolicy()
	if r == nil {
		return policy, nil
	}
	if r.MaxAttempts != 0 {
		policy.MaxAttempts = r.MaxAttempts
	}
	if r.BaseDelay != "" {
		d, err := time.ParseDuration(r.BaseDelay)
		if err != nil {
			return policy, fmt.Errorf("base_delay: %w", err)
		}
		policy.BaseDelay = d
	}
	if r.MaxDelay != "" {
		d, err := time.ParseDuration(r.MaxDelay)
		if err != nil {
			return policy, fmt.Errorf("max_delay: %w", err)
		}
		policy.MaxDelay = d
	}
	if r.BackoffMultiplier != 0 {
		policy.BackoffMultiplier = r.BackoffMultiplier
	}
	if r.Jitter != 0 {
		policy.Jitter = r.Jitter
	}
	return policy, nil
}

// TaskDefinition normalizes the config shape into the core definition. The
// task's own retry settings layer over the config-wide default.
func (tc *TaskConfig) TaskDefinition(defaultRetry *RetryConfig) (*structs.TaskDefinition, error) {
	def := &structs.TaskDefinition{
		TaskID:               tc.TaskID,
		TaskType:             tc.TaskType,
		Enabled:              tc.Enabled == nil || *tc.Enabled,
		Priority:             tc.Priority,
		ResourceRequirements: tc.Resources,
		ExecutorParams:       tc.ExecutorParams,
	}
	if def.Priority == 0 {
		def.Priority = 5
	}

	sched, err := tc.Schedule.Schedule()
	if err != nil {
		return nil, err
	}
	def.Schedule = sched

	retryConfig := tc.Retry
	if retryConfig == nil {
		retryConfig = defaultRetry
	}
	policy, err := retryConfig.RetryPolicy()
	if err != nil {
		return nil, err
	}
	def.RetryPolicy = policy

	def.Timeout = structs.DefaultTimeout
	if tc.Timeout != "" {
		d, err := time.ParseDuration(tc.Timeout)
		if err != nil {
			return nil, fmt.Errorf("timeout: %w", err)
		}
		def.Timeout = d
	}

	for _, dep := range tc.DependsOn {
		edge := structs.DependencyEdge{
			FromTaskID: dep.TaskID,
			Kind:       structs.DependencyKind(dep.Kind),
		}
		if dep.Kind == "" {
			edge.Kind = structs.DependencyRequired
		}
		if dep.Timeout != "" {
			d, err := time.ParseDuration(dep.Timeout)
			if err != nil {
				return nil, fmt.Errorf("dependency %q timeout: %w", dep.TaskID, err)
			}
			edge.Timeout = d
		}
		def.Dependencies = append(def.Dependencies, edge)
	}

	return def, nil
}

// Schedule normalizes the config shape into the schedule union. The legacy
// decomposed cron object becomes one canonical expression.
func (sc *ScheduleConfig) Schedule() (structs.Schedule, error) {
	kind := structs.ScheduleKind(sc.Kind)
	if sc.Kind == "" {
		switch {
		case len(sc.CronExpressions) > 0 || sc.Cron != nil:
			kind = structs.ScheduleCron
		case sc.Interval != nil:
			kind = structs.ScheduleInterval
		case sc.At != "":
			kind = structs.ScheduleDate
		default:
			kind = structs.ScheduleManual
		}
	}

	switch kind {
	case structs.ScheduleCron:
		exprs := append([]string(nil), sc.CronExpressions...)
		if sc.Cron != nil {
			exprs = append(exprs, sc.Cron.Expression())
		}
		if len(exprs) == 0 {
			return structs.Schedule{}, fmt.Errorf("cron schedule requires cron_expressions or a cron object")
		}
		return structs.NewCronSchedule(exprs...), nil

	case structs.ScheduleInterval:
		if sc.Interval == nil {
			return structs.Schedule{}, fmt.Errorf("interval schedule requires an interval object")
		}
		interval := &structs.IntervalSchedule{
			Weeks:   sc.Interval.Weeks,
			Days:    sc.Interval.Days,
			Hours:   sc.Interval.Hours,
			Minutes: sc.Interval.Minutes,
			Seconds: sc.Interval.Seconds,
		}
		if sc.Interval.StartAt != "" {
			at, err := time.Parse(time.RFC3339, sc.Interval.StartAt)
			if err != nil {
				return structs.Schedule{}, fmt.Errorf("interval start_at: %w", err)
			}
			interval.StartAt = at
		}
		return structs.Schedule{Kind: structs.ScheduleInterval, Interval: interval}, nil

	case structs.ScheduleDate:
		if sc.At == "" {
			return structs.Schedule{}, fmt.Errorf("date schedule requires at")
		}
		at, err := time.Parse(time.RFC3339, sc.At)
		if err != nil {
			return structs.Schedule{}, fmt.Errorf("date at: %w", err)
		}
		return structs.NewDateSchedule(at), nil

	case structs.ScheduleManual:
		return structs.NewManualSchedule(), nil

	default:
		return structs.Schedule{}, fmt.Errorf("unknown schedule kind %q", sc.Kind)
	}
}
