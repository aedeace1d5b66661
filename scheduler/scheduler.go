// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package scheduler converts schedule specifications into wall-clock fire
// events. It never executes task logic itself; fires are posted to the
// orchestrator through per-job callbacks.
package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/cronexpr"
	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/hashicorp/taskforge/helper/clock"
	"github.com/hashicorp/taskforge/structs"
)

const (
	// DefaultMisfireGrace is how long a delayed fire may still be
	// delivered. Fires older than the grace are dropped as misfires.
	DefaultMisfireGrace = 60 * time.Second

	// retryJobSuffix names the one-shot job used for retry resubmission.
	// Each task has at most one pending retry trigger.
	retryJobSuffix = "#retry"
)

// FireFunc receives a fire event. The callback runs on the scheduler's
// dispatch goroutine and must hand off quickly.
type FireFunc func(taskID string, scheduled time.Time)

// MisfireFunc is invoked when a fire is dropped, either because the
// previous instance still runs or the grace window elapsed.
type MisfireFunc func(jobID string, scheduled time.Time)

// Config configures a Scheduler.
type Config struct {
	Logger hclog.Logger
	Clock  clock.Clock

	// MisfireGrace bounds how late a fire may be delivered.
	MisfireGrace time.Duration

	// Location is the timezone cron expressions evaluate in. Defaults to
	// UTC.
	Location *time.Location

	// IsRunning reports whether an instance of the task is active, for the
	// single-instance rule.
	IsRunning func(taskID string) bool

	// OnMisfire is called for every dropped fire. Optional.
	OnMisfire MisfireFunc
}

// job is the scheduler-internal record for one trigger.
type job struct {
	id     string
	taskID string
	kind   structs.ScheduleKind

	cron  *cronexpr.Expression
	every time.Duration

	nextFire time.Time
	paused   bool
	oneShot  bool

	fires    int
	misfires int

	onFire FireFunc
}

// JobInfo is the external view of a job.
type JobInfo struct {
	ID       string               `json:"id"`
	TaskID   string               `json:"task_id"`
	Kind     structs.ScheduleKind `json:"kind"`
	NextFire time.Time            `json:"next_fire"`
	Paused   bool                 `json:"paused"`
	Fires    int                  `json:"fires"`
	Misfires int                  `json:"misfires"`
}

// Stats aggregates scheduler counters.
type Stats struct {
	Jobs     int `json:"jobs"`
	Paused   int `json:"paused"`
	Fires    int `json:"fires"`
	Misfires int `json:"misfires"`
}

// Scheduler owns the job registry and the dispatch loop. The registry lock
// is never held while other subsystem locks are held.
type Scheduler struct {
	logger       hclog.Logger
	clock        clock.Clock
	misfireGrace time.Duration
	loc          *time.Location
	isRunning    func(string) bool
	onMisfire    MisfireFunc

	mu      sync.Mutex
	jobs    map[string]*job
	started bool
	stopped bool

	// totalFires and totalMisfires outlive one-shot jobs, which are
	// removed from the registry once dispatched.
	totalFires    int
	totalMisfires int

	wakeCh chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a stopped scheduler; call Start to begin dispatching.
func New(cfg Config) *Scheduler {
	grace := cfg.MisfireGrace
	if grace == 0 {
		grace = DefaultMisfireGrace
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	isRunning := cfg.IsRunning
	if isRunning == nil {
		isRunning = func(string) bool { return false }
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Scheduler{
		logger:       cfg.Logger.Named("scheduler"),
		clock:        clk,
		misfireGrace: grace,
		loc:          loc,
		isRunning:    isRunning,
		onMisfire:    cfg.OnMisfire,
		jobs:         make(map[string]*job),
		wakeCh:       make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Start launches the dispatch loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	go s.run()
}

// Stop halts dispatching. No fires are delivered after Stop returns.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.stopped = true
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
}

// ValidateSchedule checks that every trigger in the schedule can be
// compiled, without registering anything.
func ValidateSchedule(sched *structs.Schedule) error {
	var mErr multierror.Error
	if err := sched.Validate(); err != nil {
		return err
	}
	if sched.Kind == structs.ScheduleCron {
		for i, expr := range sched.Cron.Expressions {
			if _, err := cronexpr.Parse(expr); err != nil {
				mErr.Errors = append(mErr.Errors, fmt.Errorf("cron expression %d %q: %w", i, expr, err))
			}
		}
	}
	return mErr.ErrorOrNil()
}

// AddTask registers the jobs for a task definition. Cron schedules with
// multiple expressions register one job per expression named task_id#i;
// single-trigger schedules register one job named task_id. Manual
// schedules register nothing.
func (s *Scheduler) AddTask(def *structs.TaskDefinition, onFire FireFunc) error {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return structs.ErrShuttingDown
	}

	switch def.Schedule.Kind {
	case structs.ScheduleManual:
		return nil

	case structs.ScheduleCron:
		exprs := def.Schedule.Cron.Expressions
		for i, raw := range exprs {
			compiled, err := cronexpr.Parse(raw)
			if err != nil {
				return structs.NewTaskError(structs.ErrKindScheduler,
					"task %q cron expression %q: %v", def.TaskID, raw, err)
			}
			id := def.TaskID
			if len(exprs) > 1 {
				id = fmt.Sprintf("%s#%d", def.TaskID, i)
			}
			j := &job{
				id:     id,
				taskID: def.TaskID,
				kind:   structs.ScheduleCron,
				cron:   compiled,
				onFire: onFire,
			}
			j.nextFire = compiled.Next(now.In(s.loc))
			s.jobs[id] = j
		}

	case structs.ScheduleInterval:
		every := def.Schedule.Interval.Every()
		j := &job{
			id:     def.TaskID,
			taskID: def.TaskID,
			kind:   structs.ScheduleInterval,
			every:  every,
			onFire: onFire,
		}
		if start := def.Schedule.Interval.StartAt; !start.IsZero() {
			j.nextFire = start
		} else {
			j.nextFire = now.Add(every)
		}
		s.jobs[j.id] = j

	case structs.ScheduleDate:
		at := def.Schedule.Date.At
		if !at.After(now) {
			// Already in the past; never fires.
			s.logger.Warn("date trigger in the past, skipping",
				"task_id", def.TaskID, "at", at)
			return nil
		}
		s.jobs[def.TaskID] = &job{
			id:       def.TaskID,
			taskID:   def.TaskID,
			kind:     structs.ScheduleDate,
			nextFire: at,
			oneShot:  true,
			onFire:   onFire,
		}

	default:
		return structs.NewTaskError(structs.ErrKindScheduler,
			"task %q: unknown schedule kind %q", def.TaskID, def.Schedule.Kind)
	}

	s.wake()
	return nil
}

// ScheduleOnce registers (or replaces) the one-shot retry trigger for a
// task. The job is named task_id#retry so a pending retry never collides
// with the task's regular jobs.
func (s *Scheduler) ScheduleOnce(taskID string, at time.Time, onFire FireFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	id := taskID + retryJobSuffix
	s.jobs[id] = &job{
		id:       id,
		taskID:   taskID,
		kind:     structs.ScheduleDate,
		nextFire: at,
		oneShot:  true,
		onFire:   onFire,
	}
	s.wake()
}

// RemoveTask drops every job belonging to the task.
func (s *Scheduler) RemoveTask(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, j := range s.jobs {
		if j.taskID == taskID {
			delete(s.jobs, id)
		}
	}
	s.wake()
}

// PauseTask suppresses firing for every job of the task.
func (s *Scheduler) PauseTask(taskID string) {
	s.setPaused(taskID, true)
}

// ResumeTask restores firing for every job of the task.
func (s *Scheduler) ResumeTask(taskID string) {
	s.setPaused(taskID, false)
}

func (s *Scheduler) setPaused(taskID string, paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.taskID == taskID {
			j.paused = paused
		}
	}
	s.wake()
}

// TriggerNow moves the task's earliest job to fire immediately.
func (s *Scheduler) TriggerNow(taskID string) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var target *job
	for _, j := range s.jobs {
		if j.taskID != taskID || j.paused {
			continue
		}
		if target == nil || j.nextFire.Before(target.nextFire) {
			target = j
		}
	}
	if target != nil {
		target.nextFire = now
		s.wake()
	}
}

// JobInfo returns the external view of a job.
func (s *Scheduler) JobInfo(jobID string) (*JobInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %q: %w", jobID, structs.ErrTaskNotFound)
	}
	return j.info(), nil
}

// Jobs lists every registered job sorted by ID.
func (s *Scheduler) Jobs() []*JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.info())
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// Stats aggregates fire and misfire counters over every job.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Jobs:     len(s.jobs),
		Fires:    s.totalFires,
		Misfires: s.totalMisfires,
	}
	for _, j := range s.jobs {
		if j.paused {
			st.Paused++
		}
	}
	return st
}

func (j *job) info() *JobInfo {
	return &JobInfo{
		ID:       j.id,
		TaskID:   j.taskID,
		Kind:     j.kind,
		NextFire: j.nextFire,
		Paused:   j.paused,
		Fires:    j.fires,
		Misfires: j.misfires,
	}
}

// wake nudges the dispatch loop to recompute its sleep. Callers hold the
// registry lock.
func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// run is the dispatch loop: sleep until the earliest next fire, dispatch
// everything due, recompute.
func (s *Scheduler) run() {
	defer close(s.doneCh)

	for {
		var timer <-chan time.Time
		if next, ok := s.nextWake(); ok {
			d := next.Sub(s.clock.Now())
			if d < 0 {
				d = 0
			}
			timer = s.clock.After(d)
		}

		select {
		case <-s.stopCh:
			return
		case <-s.wakeCh:
			// Registry changed; recompute sleep.
		case <-timer:
			s.dispatchDue()
		}
	}
}

// nextWake returns the earliest pending fire time across unpaused jobs.
func (s *Scheduler) nextWake() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next time.Time
	found := false
	for _, j := range s.jobs {
		if j.paused || j.nextFire.IsZero() {
			continue
		}
		if !found || j.nextFire.Before(next) {
			next = j.nextFire
			found = true
		}
	}
	return next, found
}

// firing captures a fire decision made under the registry lock so the
// callback can run outside it.
type firing struct {
	onFire    FireFunc
	taskID    string
	scheduled time.Time
}

// misfired captures a dropped fire so the callback can run outside the
// registry lock.
type misfired struct {
	jobID     string
	scheduled time.Time
	reason    string
}

func (s *Scheduler) dispatchDue() {
	now := s.clock.Now()

	s.mu.Lock()
	var fires []firing
	var misses []misfired
	for id, j := range s.jobs {
		if j.paused || j.nextFire.IsZero() || j.nextFire.After(now) {
			continue
		}
		scheduled := j.nextFire

		// Advance before delivering so a slow consumer cannot double-fire.
		s.advanceLocked(j, now)
		if j.oneShot {
			delete(s.jobs, id)
		}

		if now.Sub(scheduled) > s.misfireGrace {
			j.misfires++
			s.totalMisfires++
			misses = append(misses, misfired{j.id, scheduled, "grace elapsed"})
			continue
		}
		if s.isRunning(j.taskID) {
			j.misfires++
			s.totalMisfires++
			misses = append(misses, misfired{j.id, scheduled, "instance still running"})
			continue
		}

		j.fires++
		s.totalFires++
		fires = append(fires, firing{onFire: j.onFire, taskID: j.taskID, scheduled: scheduled})
	}
	s.mu.Unlock()

	for _, m := range misses {
		s.noteMisfire(m.jobID, m.scheduled, m.reason)
	}
	for _, f := range fires {
		metrics.IncrCounter([]string{"taskforge", "scheduler", "fire"}, 1)
		f.onFire(f.taskID, f.scheduled)
	}
}

func (s *Scheduler) advanceLocked(j *job, now time.Time) {
	switch j.kind {
	case structs.ScheduleCron:
		j.nextFire = j.cron.Next(now.In(s.loc))
	case structs.ScheduleInterval:
		j.nextFire = now.Add(j.every)
	case structs.ScheduleDate:
		j.nextFire = time.Time{}
	}
}

func (s *Scheduler) noteMisfire(jobID string, scheduled time.Time, reason string) {
	metrics.IncrCounter([]string{"taskforge", "scheduler", "misfire"}, 1)
	s.logger.Warn("dropped fire", "job_id", jobID, "scheduled", scheduled, "reason", reason)
	if s.onMisfire != nil {
		s.onMisfire(jobID, scheduled)
	}
}
