// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package orchestrator wires the dependency engine, trigger scheduler,
// resource budget, state store and worker pool into the task manager that
// drives the full task lifecycle.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-set/v3"

	"github.com/hashicorp/taskforge/budget"
	"github.com/hashicorp/taskforge/engine"
	"github.com/hashicorp/taskforge/executor"
	"github.com/hashicorp/taskforge/helper/clock"
	"github.com/hashicorp/taskforge/helper/pointer"
	"github.com/hashicorp/taskforge/scheduler"
	"github.com/hashicorp/taskforge/state"
	"github.com/hashicorp/taskforge/structs"
	"github.com/hashicorp/taskforge/worker"
)

const (
	// DefaultMaxConcurrentTasks bounds the worker pool when the config does
	// not set one.
	DefaultMaxConcurrentTasks = 4

	// DefaultShutdownTimeout bounds how long Stop waits for running tasks.
	DefaultShutdownTimeout = 30 * time.Second

	// DefaultCleanupInterval is how often the retention policy runs.
	DefaultCleanupInterval = time.Hour
)

// Config configures a TaskManager. Store and Registry are required; every
// other collaborator has a default.
type Config struct {
	Logger   hclog.Logger
	Clock    clock.Clock
	Store    state.Store
	Registry *executor.Registry
	Notifier Notifier

	MaxConcurrentTasks int
	QueueDepth         int
	ResourceTotals     map[string]float64
	MisfireGrace       time.Duration
	ShutdownTimeout    time.Duration
	CleanupInterval    time.Duration
	Location           *time.Location
	Retention          *state.RetentionPolicy
}

// instance is one in-flight execution of a task.
type instance struct {
	taskID  string
	def     *structs.TaskDefinition
	attempt int

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	exec      executor.Executor
	cancelled bool
}

func (i *instance) setExecutor(ex executor.Executor) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.exec = ex
}

func (i *instance) markCancelled() executor.Executor {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.cancelled = true
	return i.exec
}

func (i *instance) wasCancelled() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.cancelled
}

// TaskManager owns the task lifecycle: admission, trigger fires, readiness
// dispatch, execution, retry, cancellation and shutdown.
//
// The manager lock is never held while calling into the scheduler; the
// scheduler calls back into the manager under its own dispatch lock.
type TaskManager struct {
	logger   hclog.Logger
	clock    clock.Clock
	store    state.Store
	registry *executor.Registry
	notifier Notifier

	budget *budget.Budget
	engine *engine.Engine
	sched  *scheduler.Scheduler
	pool   *worker.Pool

	retries         *retryTracker
	shutdownTimeout time.Duration
	cleanupInterval time.Duration
	retention       *state.RetentionPolicy

	mu      sync.Mutex
	started bool
	stopped bool
	running map[string]*instance

	// pending holds tasks armed for launch: explicit submissions, trigger
	// fires, retries, and dependency-gated tasks waiting on upstream
	// completions. dispatch launches pending tasks as they become ready.
	pending *set.Set[string]

	// armedAt records when each pending task was first armed, for the
	// per-edge dependency wait bounds.
	armedAt map[string]time.Time

	stopCh chan struct{}
}

// New builds a stopped manager; call Start to begin processing.
func New(cfg *Config) (*TaskManager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("task manager requires a state store")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("task manager requires an executor registry")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = hclog.Default()
	}
	logger = logger.Named("manager")

	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	notifier := cfg.Notifier
	if notifier == nil {
		notifier = NoopNotifier{}
	}

	maxConcurrent := cfg.MaxConcurrentTasks
	if maxConcurrent < 1 {
		maxConcurrent = DefaultMaxConcurrentTasks
	}
	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}
	cleanupInterval := cfg.CleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}
	retention := cfg.Retention
	if retention == nil {
		retention = state.DefaultRetentionPolicy()
	}

	m := &TaskManager{
		logger:          logger,
		clock:           clk,
		store:           cfg.Store,
		registry:        cfg.Registry,
		notifier:        notifier,
		retries:         newRetryTracker(clk.Now().UnixNano()),
		shutdownTimeout: shutdownTimeout,
		cleanupInterval: cleanupInterval,
		retention:       retention,
		running:         make(map[string]*instance),
		pending:         set.New[string](8),
		armedAt:         make(map[string]time.Time),
		stopCh:          make(chan struct{}),
	}

	m.budget = budget.New(logger, cfg.ResourceTotals)
	m.engine = engine.New(logger, clk, m.budget)
	m.pool = worker.NewPool(logger, maxConcurrent, cfg.QueueDepth)
	m.sched = scheduler.New(scheduler.Config{
		Logger:       logger,
		Clock:        clk,
		MisfireGrace: cfg.MisfireGrace,
		Location:     cfg.Location,
		IsRunning:    m.instanceRunning,
		OnMisfire:    m.onMisfire,
	})
	return m, nil
}

// Start reclaims orphaned records, verifies the graph is acyclic and begins
// dispatching triggers and work.
func (m *TaskManager) Start() error {
	m.mu.Lock()
	if m.started || m.stopped {
		m.mu.Unlock()
		return structs.ErrShuttingDown
	}
	m.started = true
	m.mu.Unlock()

	if err := m.reclaimOrphans(); err != nil {
		return err
	}
	if err := m.engine.ValidateAcyclic(); err != nil {
		return fmt.Errorf("refusing to start: %w", err)
	}

	m.pool.Start()
	m.sched.Start()
	go m.janitor()

	m.logger.Info("task manager started",
		"tasks", len(m.engine.Tasks()), "workers", m.pool.MaxWorkers())
	m.dispatch()
	return nil
}

// Stop halts triggering, cancels running instances and drains the pool.
func (m *TaskManager) Stop() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	insts := make([]*instance, 0, len(m.running))
	for _, inst := range m.running {
		insts = append(insts, inst)
	}
	m.mu.Unlock()

	close(m.stopCh)
	m.sched.Stop()

	for _, inst := range insts {
		ex := inst.markCancelled()
		inst.cancel()
		if ex != nil {
			ex.Cancel()
		}
	}

	err := m.pool.Shutdown(m.shutdownTimeout)
	m.logger.Info("task manager stopped")
	return err
}

// Admit validates a definition, persists its record, inserts it into the
// graph and registers its trigger jobs. Dependency-gated manual tasks are
// armed so they launch as soon as their upstream tasks complete.
func (m *TaskManager) Admit(def *structs.TaskDefinition) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return structs.ErrShuttingDown
	}
	m.mu.Unlock()

	if err := m.registry.ValidateDefinition(def); err != nil {
		return err
	}
	if err := m.engine.AddTask(def); err != nil {
		return err
	}

	if _, err := m.store.Create(def.TaskID, def.TaskType); err != nil {
		if !errors.Is(err, structs.ErrDuplicateTask) {
			_ = m.engine.RemoveTask(def.TaskID)
			return err
		}
		// Record survives restarts; the existing one is kept.
	}
	m.recordFingerprint(def)

	if err := m.sched.AddTask(def, m.onFire); err != nil {
		_ = m.engine.RemoveTask(def.TaskID)
		return err
	}
	if !def.Enabled {
		m.sched.PauseTask(def.TaskID)
	}

	if def.Schedule.Kind == structs.ScheduleManual && len(def.Dependencies) > 0 && def.Enabled {
		m.arm(def.TaskID)
	}

	m.logger.Info("task admitted", "task_id", def.TaskID, "type", def.TaskType,
		"schedule", def.Schedule.Kind, "deps", len(def.Dependencies))
	m.dispatch()
	return nil
}

// Remove drops the task's trigger jobs and graph node. The state record is
// kept for audit; retention ages it out.
func (m *TaskManager) Remove(id string) error {
	m.mu.Lock()
	if _, running := m.running[id]; running {
		m.mu.Unlock()
		return fmt.Errorf("removing %q: %w", id, structs.ErrAlreadyRunning)
	}
	m.pending.Remove(id)
	delete(m.armedAt, id)
	m.mu.Unlock()

	m.sched.RemoveTask(id)
	return m.engine.RemoveTask(id)
}

// SubmitNow arms the task for immediate launch, bypassing its schedule.
// Dependencies and resources still gate the actual start.
func (m *TaskManager) SubmitNow(id string) error {
	if _, ok := m.engine.Node(id); !ok {
		return fmt.Errorf("submitting %q: %w", id, structs.ErrTaskNotFound)
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return structs.ErrShuttingDown
	}
	if _, running := m.running[id]; running {
		m.mu.Unlock()
		return fmt.Errorf("submitting %q: %w", id, structs.ErrAlreadyRunning)
	}
	m.mu.Unlock()

	m.resetIfFinished(id, true)
	m.arm(id)
	m.dispatch()
	return nil
}

// Cancel stops a running instance or disarms a pending one. Cancellation is
// terminal for the current attempt and never retried.
func (m *TaskManager) Cancel(id string) error {
	m.mu.Lock()
	if inst, ok := m.running[id]; ok {
		m.mu.Unlock()
		ex := inst.markCancelled()
		inst.cancel()
		if ex != nil {
			ex.Cancel()
		}
		return nil
	}
	if m.pending.Contains(id) {
		m.pending.Remove(id)
		delete(m.armedAt, id)
		m.mu.Unlock()

		_, err := m.store.Update(id, &structs.StateUpdate{
			Status: pointer.Of(structs.TaskStatusCancelled),
		}, true)
		m.notify(&Event{Type: EventTaskCancelled, TaskID: id, At: m.clock.Now()})
		return err
	}
	m.mu.Unlock()
	return fmt.Errorf("cancelling %q: no pending or running instance", id)
}

// Status returns the persisted record of a task.
func (m *TaskManager) Status(id string) (*structs.TaskState, error) {
	return m.store.Load(id)
}

// ListStatuses returns a summary per known task record.
func (m *TaskManager) ListStatuses() ([]*structs.TaskStateSummary, error) {
	return m.store.List()
}

// SchedulerStats returns fire and misfire counters.
func (m *TaskManager) SchedulerStats() scheduler.Stats {
	return m.sched.Stats()
}

// SchedulerJobs lists the registered trigger jobs.
func (m *TaskManager) SchedulerJobs() []*scheduler.JobInfo {
	return m.sched.Jobs()
}

// GraphSnapshot captures the dependency graph.
func (m *TaskManager) GraphSnapshot() *engine.GraphSnapshot {
	return m.engine.Snapshot()
}

// ResourceStatus snapshots every budget pool.
func (m *TaskManager) ResourceStatus() map[string]budget.PoolStatus {
	return m.budget.Status()
}

// AddDependency adds an edge from -> to at runtime.
func (m *TaskManager) AddDependency(from, to string, kind structs.DependencyKind, predicate structs.DependencyPredicate) error {
	if err := m.engine.AddEdge(from, to, kind, predicate); err != nil {
		return err
	}
	m.dispatch()
	return nil
}

// RemoveDependency drops the edge from -> to.
func (m *TaskManager) RemoveDependency(from, to string) error {
	if err := m.engine.RemoveEdge(from, to); err != nil {
		return err
	}
	m.dispatch()
	return nil
}

// CheckCycles returns the cycles currently in the graph, if any.
func (m *TaskManager) CheckCycles() [][]string {
	return m.engine.CheckCycles()
}

// ExecutionOrder returns the topological layering of the graph.
func (m *TaskManager) ExecutionOrder() ([][]string, error) {
	return m.engine.ExecutionLayers()
}

// PauseTask suppresses the task's trigger jobs.
func (m *TaskManager) PauseTask(id string) { m.sched.PauseTask(id) }

// ResumeTask restores the task's trigger jobs.
func (m *TaskManager) ResumeTask(id string) { m.sched.ResumeTask(id) }

// PruneNow runs the retention policy immediately and returns how many
// records were archived or deleted.
func (m *TaskManager) PruneNow() (int, error) {
	return m.store.Prune(m.clock.Now(), m.retention)
}

// reclaimOrphans reclassifies records persisted as running by a previous
// process as failed. They can be retried through their regular triggers.
func (m *TaskManager) reclaimOrphans() error {
	ids, err := m.store.RunningIDs()
	if err != nil {
		return fmt.Errorf("reclaiming orphans: %w", err)
	}
	for _, id := range ids {
		_, err := m.store.Update(id, &structs.StateUpdate{
			Status:       pointer.Of(structs.TaskStatusFailed),
			ErrorMessage: pointer.Of("orphaned task: running at startup"),
		}, true)
		if err != nil {
			return fmt.Errorf("reclaiming orphan %q: %w", id, err)
		}
		m.logger.Warn("reclaimed orphaned task", "task_id", id)
		metrics.IncrCounter([]string{"taskforge", "manager", "orphans"}, 1)
	}
	return nil
}

// instanceRunning is the scheduler's single-instance check.
func (m *TaskManager) instanceRunning(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[id]
	return ok
}

// onFire receives trigger fires from the scheduler dispatch goroutine. A
// regular fire starts a fresh execution cycle, so the attempts budget of a
// finished task restarts.
func (m *TaskManager) onFire(taskID string, scheduled time.Time) {
	m.logger.Debug("trigger fired", "task_id", taskID, "scheduled", scheduled)
	m.resetIfFinished(taskID, true)
	m.arm(taskID)
	m.dispatch()
}

// onRetryFire receives the one-shot retry trigger. Retries continue the
// current cycle and keep its attempts count.
func (m *TaskManager) onRetryFire(taskID string, scheduled time.Time) {
	m.logger.Debug("retry trigger fired", "task_id", taskID, "scheduled", scheduled)
	m.resetIfFinished(taskID, false)
	m.arm(taskID)
	m.dispatch()
}

// onMisfire surfaces dropped fires as events.
func (m *TaskManager) onMisfire(jobID string, scheduled time.Time) {
	m.notify(&Event{
		Type:    EventSchedulerMisfire,
		TaskID:  jobID,
		At:      m.clock.Now(),
		Message: fmt.Sprintf("fire scheduled for %s dropped", scheduled.Format(time.RFC3339)),
	})
}

// resetIfFinished returns a finished task to the pending pool so a new fire
// or submission can run it again. When the reset starts a new execution
// cycle the persisted attempts counter restarts from zero.
func (m *TaskManager) resetIfFinished(id string, newCycle bool) {
	node, ok := m.engine.Node(id)
	if !ok || !node.Status.Terminal() {
		return
	}
	if err := m.engine.ResetTask(id); err != nil {
		m.logger.Warn("could not reset finished task", "task_id", id, "error", err)
		return
	}
	if newCycle {
		if _, err := m.store.Update(id, &structs.StateUpdate{
			Status:        pointer.Of(structs.TaskStatusPending),
			ResetAttempts: true,
		}, true); err != nil {
			m.logger.Warn("restarting attempts counter", "task_id", id, "error", err)
		}
	}
}

func (m *TaskManager) arm(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.pending.Insert(id)
	if _, ok := m.armedAt[id]; !ok {
		m.armedAt[id] = m.clock.Now()
	}
}

// dispatch launches every armed task that is ready, in readiness order:
// priority descending, then earliest admission. Tasks that cannot start
// stay armed for the next dispatch. Record I/O happens outside the manager
// lock; the claim step under the lock keeps a task from launching twice.
func (m *TaskManager) dispatch() {
	m.mu.Lock()
	active := m.started && !m.stopped
	m.mu.Unlock()
	if !active {
		return
	}

	for _, id := range m.engine.ReadySet() {
		m.mu.Lock()
		armed := m.pending.Contains(id)
		m.mu.Unlock()
		if !armed {
			continue
		}
		if err := m.startInstance(id); err != nil {
			m.logger.Debug("deferred launch", "task_id", id, "error", err)
		}
	}

	m.expireDependencyWaits()
}

// startInstance runs the admission gate, reserves resources, marks the task
// running and hands the instance to the pool. Every step is rolled back on
// failure. The manager lock is held only for the in-memory claim, never
// across record I/O.
func (m *TaskManager) startInstance(id string) error {
	node, ok := m.engine.Node(id)
	if !ok {
		return fmt.Errorf("launching %q: %w", id, structs.ErrTaskNotFound)
	}
	def := node.Definition

	prev, err := m.store.Load(id)
	if err != nil {
		return fmt.Errorf("launching %q: %w", id, err)
	}
	if prev.Attempts >= def.RetryPolicy.MaxAttempts {
		m.dropExhausted(id, prev.Attempts, def.RetryPolicy.MaxAttempts)
		return nil
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return structs.ErrShuttingDown
	}
	if !m.pending.Contains(id) {
		// Claimed by a concurrent dispatch or disarmed meanwhile.
		m.mu.Unlock()
		return nil
	}
	if err := m.budget.Allocate(id, def.ResourceRequirements); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("launching %q: %w", id, err)
	}
	if err := m.engine.MarkRunning(id); err != nil {
		m.budget.Release(id)
		m.mu.Unlock()
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), def.Timeout)
	inst := &instance{
		taskID: id,
		def:    def,
		ctx:    ctx,
		cancel: cancel,
	}
	m.running[id] = inst
	m.pending.Remove(id)
	delete(m.armedAt, id)
	m.mu.Unlock()

	st, err := m.store.Update(id, &structs.StateUpdate{
		Status:        pointer.Of(structs.TaskStatusRunning),
		Progress:      pointer.Of(0.0),
		AttemptsDelta: 1,
	}, true)
	if err != nil {
		m.unclaim(inst)
		m.engine.MarkFailed(id, err)
		return err
	}
	inst.attempt = st.Attempts

	if !m.pool.TrySubmit(func() { m.runInstance(inst) }) {
		m.unclaim(inst)
		m.engine.MarkFailed(id, structs.ErrQueueFull)
		_ = m.engine.ResetTask(id)
		if _, err := m.store.Update(id, &structs.StateUpdate{
			Status:        pointer.Of(structs.TaskStatusPending),
			AttemptsDelta: -1,
		}, false); err != nil {
			m.logger.Error("rolling back rejected submission", "task_id", id, "error", err)
		}
		return fmt.Errorf("launching %q: %w", id, structs.ErrQueueFull)
	}

	metrics.IncrCounter([]string{"taskforge", "manager", "launched"}, 1)
	m.notify(&Event{
		Type:     EventTaskStart,
		TaskID:   id,
		TaskType: def.TaskType,
		At:       m.clock.Now(),
		Attempt:  inst.attempt,
	})
	return nil
}

// unclaim reverses the in-memory claim of a failed launch and re-arms the
// task for a later dispatch.
func (m *TaskManager) unclaim(inst *instance) {
	id := inst.taskID
	inst.cancel()
	m.budget.Release(id)

	m.mu.Lock()
	delete(m.running, id)
	if !m.stopped {
		m.pending.Insert(id)
		if _, ok := m.armedAt[id]; !ok {
			m.armedAt[id] = m.clock.Now()
		}
	}
	m.mu.Unlock()
}

// dropExhausted disarms a task whose record shows the attempts budget of
// the current cycle already spent, and records the drop in the audit trail.
// A later non-retry fire starts a fresh cycle and a fresh budget.
func (m *TaskManager) dropExhausted(id string, attempts, max int) {
	m.mu.Lock()
	m.pending.Remove(id)
	delete(m.armedAt, id)
	m.mu.Unlock()

	if _, err := m.store.Update(id, &structs.StateUpdate{
		Metadata: map[string]any{
			"drop_reason": fmt.Sprintf("%s: %d of %d used", structs.ErrAttemptsExhausted, attempts, max),
		},
	}, true); err != nil {
		m.logger.Error("recording dropped submission", "task_id", id, "error", err)
	}
	m.logger.Warn("submission dropped, attempts exhausted",
		"task_id", id, "attempts", attempts, "max_attempts", max)
	metrics.IncrCounter([]string{"taskforge", "manager", "dropped"}, 1)
}

// expireDependencyWaits fails armed tasks that have been blocked on a
// bounded dependency edge for longer than the edge allows.
func (m *TaskManager) expireDependencyWaits() {
	m.mu.Lock()
	waiting := make(map[string]time.Time, len(m.armedAt))
	for id, since := range m.armedAt {
		if m.pending.Contains(id) {
			waiting[id] = since
		}
	}
	m.mu.Unlock()

	now := m.clock.Now()
	for id, since := range waiting {
		for _, edge := range m.engine.UnsatisfiedEdges(id) {
			if edge.Timeout > 0 && now.Sub(since) > edge.Timeout {
				m.failDependencyWait(id, edge.FromTaskID, edge.Timeout, now.Sub(since))
				break
			}
		}
	}
}

// failDependencyWait marks a task failed because a bounded dependency edge
// stayed unsatisfied past its wait bound.
func (m *TaskManager) failDependencyWait(id, from string, bound, waited time.Duration) {
	m.mu.Lock()
	m.pending.Remove(id)
	delete(m.armedAt, id)
	m.mu.Unlock()

	err := structs.NewTaskError(structs.ErrKindTimeout,
		"dependency %q unsatisfied after %s (bound %s)", from, waited, bound)
	m.engine.MarkFailed(id, err)
	if _, serr := m.store.Update(id, &structs.StateUpdate{
		Status:       pointer.Of(structs.TaskStatusFailed),
		ErrorMessage: pointer.Of(err.Error()),
	}, true); serr != nil {
		m.logger.Error("persisting dependency wait failure", "task_id", id, "error", serr)
	}

	typ := ""
	if node, ok := m.engine.Node(id); ok {
		typ = node.Definition.TaskType
	}
	m.notify(&Event{
		Type:      EventTaskError,
		TaskID:    id,
		TaskType:  typ,
		At:        m.clock.Now(),
		Message:   err.Error(),
		ErrorKind: structs.ErrKindTimeout,
	})
	m.logger.Error("dependency wait expired",
		"task_id", id, "dependency", from, "bound", bound, "waited", waited)
	metrics.IncrCounter([]string{"taskforge", "manager", "dep_wait_expired"}, 1)
}

// recordFingerprint persists the definition hash on the task record and
// flags drift against the value a previous process stored.
func (m *TaskManager) recordFingerprint(def *structs.TaskDefinition) {
	fp, err := def.Fingerprint()
	if err != nil {
		m.logger.Warn("fingerprinting definition", "task_id", def.TaskID, "error", err)
		return
	}
	sum := strconv.FormatUint(fp, 16)

	if st, err := m.store.Load(def.TaskID); err == nil {
		if prev, ok := st.Metadata["definition_fingerprint"].(string); ok && prev != sum {
			m.logger.Warn("task definition changed since it was last persisted",
				"task_id", def.TaskID, "previous_fingerprint", prev, "fingerprint", sum)
			metrics.IncrCounter([]string{"taskforge", "manager", "definition_drift"}, 1)
		}
	}
	if _, err := m.store.Update(def.TaskID, &structs.StateUpdate{
		Metadata: map[string]any{"definition_fingerprint": sum},
	}, false); err != nil {
		m.logger.Warn("persisting definition fingerprint", "task_id", def.TaskID, "error", err)
	}
}

// runInstance executes one attempt on a pool worker. The budget reservation
// is released before the outcome is observed so the readiness rescan sees
// the freed resources; the deferred release is an idempotent backstop for
// panics.
func (m *TaskManager) runInstance(inst *instance) {
	defer m.budget.Release(inst.taskID)
	defer inst.cancel()

	ex, err := m.registry.New(inst.def, &executor.Services{
		Logger: m.logger.Named("executor").With("task_id", inst.taskID),
		Clock:  m.clock,
	})
	if err != nil {
		m.budget.Release(inst.taskID)
		m.observe(inst, nil, err)
		return
	}
	inst.setExecutor(ex)

	rc := executor.NewRunContext(inst.ctx, inst.taskID, inst.attempt, m.clock,
		m.progressFunc(inst), m.metadataFunc(inst))

	start := m.clock.Now()
	res, err := ex.Run(rc)
	metrics.MeasureSince([]string{"taskforge", "manager", "run"}, start)

	m.budget.Release(inst.taskID)
	m.observe(inst, res, err)
}

// observe folds one finished attempt back into the engine, store and
// scheduler, then rescans for newly unblocked tasks. A retryable failure
// with attempts to spare returns the task to pending for its delayed
// resubmission; only a spent or terminal failure marks it failed.
func (m *TaskManager) observe(inst *instance, res *structs.Result, err error) {
	id := inst.taskID
	typ := inst.def.TaskType

	m.mu.Lock()
	delete(m.running, id)
	m.mu.Unlock()

	now := m.clock.Now()

	if err == nil {
		if res == nil {
			res = structs.SuccessResult(nil)
		}
		m.engine.MarkCompleted(id, res)
		if _, serr := m.store.Update(id, &structs.StateUpdate{
			Status:   pointer.Of(structs.TaskStatusCompleted),
			Progress: pointer.Of(1.0),
		}, true); serr != nil {
			m.logger.Error("persisting completion", "task_id", id, "error", serr)
		}
		m.notify(&Event{
			Type:          EventTaskComplete,
			TaskID:        id,
			TaskType:      typ,
			At:            now,
			Attempt:       inst.attempt,
			DurationMS:    m.runDurationMS(id),
			ResultSummary: res.Output,
		})
		metrics.IncrCounter([]string{"taskforge", "manager", "completed"}, 1)
		m.logger.Info("task completed", "task_id", id, "attempt", inst.attempt)
		m.dispatch()
		return
	}

	kind := structs.KindOf(err)

	if inst.wasCancelled() || kind == structs.ErrKindCancelled {
		m.engine.MarkFailed(id, err)
		if _, serr := m.store.Update(id, &structs.StateUpdate{
			Status:       pointer.Of(structs.TaskStatusCancelled),
			ErrorMessage: pointer.Of(err.Error()),
		}, true); serr != nil {
			m.logger.Error("persisting cancellation", "task_id", id, "error", serr)
		}
		m.notify(&Event{
			Type:      EventTaskCancelled,
			TaskID:    id,
			TaskType:  typ,
			At:        now,
			Attempt:   inst.attempt,
			Message:   err.Error(),
			ErrorKind: kind,
		})
		metrics.IncrCounter([]string{"taskforge", "manager", "cancelled"}, 1)
		m.logger.Info("task cancelled", "task_id", id, "attempt", inst.attempt)
		m.dispatch()
		return
	}

	policy := inst.def.RetryPolicy
	retrying := kind.Retryable() && inst.attempt < policy.MaxAttempts

	if retrying {
		m.engine.MarkRetrying(id, err)
		if _, serr := m.store.Update(id, &structs.StateUpdate{
			Status:       pointer.Of(structs.TaskStatusPending),
			ErrorMessage: pointer.Of(err.Error()),
		}, true); serr != nil {
			m.logger.Error("persisting retryable failure", "task_id", id, "error", serr)
		}
	} else {
		m.engine.MarkFailed(id, err)
		if _, serr := m.store.Update(id, &structs.StateUpdate{
			Status:       pointer.Of(structs.TaskStatusFailed),
			ErrorMessage: pointer.Of(err.Error()),
		}, true); serr != nil {
			m.logger.Error("persisting failure", "task_id", id, "error", serr)
		}
	}
	m.notify(&Event{
		Type:       EventTaskError,
		TaskID:     id,
		TaskType:   typ,
		At:         now,
		Attempt:    inst.attempt,
		Message:    err.Error(),
		ErrorKind:  kind,
		DurationMS: m.runDurationMS(id),
	})
	metrics.IncrCounter([]string{"taskforge", "manager", "failed"}, 1)

	if retrying {
		delay := m.retries.delayFor(&policy, inst.attempt+1)
		at := now.Add(delay)
		m.logger.Warn("task failed, retry scheduled",
			"task_id", id, "attempt", inst.attempt, "kind", kind, "delay", delay)
		m.sched.ScheduleOnce(id, at, m.onRetryFire)
	} else {
		m.logger.Error("task failed terminally",
			"task_id", id, "attempt", inst.attempt, "kind", kind, "error", err)
	}
	m.dispatch()
}

// runDurationMS reads the wall clock run time the engine recorded for the
// task's last attempt.
func (m *TaskManager) runDurationMS(id string) int64 {
	node, ok := m.engine.Node(id)
	if !ok {
		return 0
	}
	return node.ExecutionTime.Milliseconds()
}

// progressFunc persists executor progress reports and forwards them as
// events. Safe for concurrent use; the store serializes per record.
func (m *TaskManager) progressFunc(inst *instance) executor.ProgressFunc {
	return func(fraction float64, message string) {
		if _, err := m.store.Update(inst.taskID, &structs.StateUpdate{
			Progress: pointer.Of(fraction),
		}, false); err != nil {
			m.logger.Warn("persisting progress", "task_id", inst.taskID, "error", err)
		}
		m.notify(&Event{
			Type:    EventTaskProgress,
			TaskID:  inst.taskID,
			At:      m.clock.Now(),
			Attempt: inst.attempt,
			Message: message,
			Fields:  map[string]any{"progress": fraction},
		})
	}
}

// metadataFunc persists executor metadata emissions onto the task record.
func (m *TaskManager) metadataFunc(inst *instance) executor.MetadataFunc {
	return func(key string, value any) {
		if _, err := m.store.Update(inst.taskID, &structs.StateUpdate{
			Metadata: map[string]any{key: value},
		}, false); err != nil {
			m.logger.Warn("persisting metadata", "task_id", inst.taskID, "error", err)
		}
	}
}

// janitor applies the retention policy on a fixed cadence.
func (m *TaskManager) janitor() {
	for {
		select {
		case <-m.stopCh:
			return
		case <-m.clock.After(m.cleanupInterval):
			n, err := m.store.Prune(m.clock.Now(), m.retention)
			if err != nil {
				m.logger.Error("retention pass failed", "error", err)
				continue
			}
			if n > 0 {
				m.logger.Info("retention pass", "records", n)
			}
		}
	}
}

func (m *TaskManager) notify(e *Event) {
	m.notifier.Notify(e)
}
