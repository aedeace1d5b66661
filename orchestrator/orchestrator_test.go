// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/taskforge/executor"
	"github.com/hashicorp/taskforge/helper/clock"
	"github.com/hashicorp/taskforge/helper/testlog"
	"github.com/hashicorp/taskforge/state"
	"github.com/hashicorp/taskforge/structs"
)

type execFn func(rc *executor.RunContext) (*structs.Result, error)

// eventRecorder captures manager events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Notify(e *Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *e)
}

func (r *eventRecorder) count(typ EventType, taskID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == typ && e.TaskID == taskID {
			n++
		}
	}
	return n
}

func (r *eventRecorder) last(typ EventType, taskID string) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == typ && r.events[i].TaskID == taskID {
			return r.events[i], true
		}
	}
	return Event{}, false
}

// harness wires a manager over a MemStore with a "test" executor type whose
// behavior is set per task ID.
type harness struct {
	m      *TaskManager
	store  *state.MemStore
	events *eventRecorder

	mu  sync.Mutex
	fns map[string]execFn
}

func newHarness(t *testing.T, clk clock.Clock, mutate func(*Config)) *harness {
	t.Helper()
	if clk == nil {
		clk = clock.New()
	}

	h := &harness{
		store:  state.NewMemStore(clk),
		events: &eventRecorder{},
		fns:    make(map[string]execFn),
	}

	reg := executor.NewRegistry()
	must.NoError(t, reg.Register("test", h.factory, nil))

	cfg := &Config{
		Logger:             testlog.HCLogger(t),
		Clock:              clk,
		Store:              h.store,
		Registry:           reg,
		Notifier:           h.events,
		MaxConcurrentTasks: 3,
		ShutdownTimeout:    2 * time.Second,
	}
	if mutate != nil {
		mutate(cfg)
	}

	m, err := New(cfg)
	must.NoError(t, err)
	h.m = m
	t.Cleanup(func() { _ = m.Stop() })
	return h
}

func (h *harness) factory(taskID string, params map[string]any, services *executor.Services) (executor.Executor, error) {
	h.mu.Lock()
	fn := h.fns[taskID]
	h.mu.Unlock()
	if fn == nil {
		fn = func(*executor.RunContext) (*structs.Result, error) {
			return structs.SuccessResult(nil), nil
		}
	}
	return executor.NewFuncExecutor(fn), nil
}

func (h *harness) setFn(taskID string, fn execFn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fns[taskID] = fn
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) waitStatus(t *testing.T, id string, status structs.TaskStatus) {
	t.Helper()
	waitUntil(t, string(status)+" status of "+id, func() bool {
		st, err := h.store.Load(id)
		return err == nil && st.Status == status
	})
}

func testDef(id string, prio int, deps ...structs.DependencyEdge) *structs.TaskDefinition {
	return &structs.TaskDefinition{
		TaskID:       id,
		TaskType:     "test",
		Enabled:      true,
		Priority:     prio,
		Schedule:     structs.NewManualSchedule(),
		Dependencies: deps,
		RetryPolicy: structs.RetryPolicy{
			MaxAttempts:       1,
			BaseDelay:         time.Millisecond,
			MaxDelay:          time.Second,
			BackoffMultiplier: 2,
		},
		Timeout: 5 * time.Second,
	}
}

func requires(from string) structs.DependencyEdge {
	return structs.DependencyEdge{FromTaskID: from, Kind: structs.DependencyRequired}
}

func optional(from string) structs.DependencyEdge {
	return structs.DependencyEdge{FromTaskID: from, Kind: structs.DependencyOptional}
}

// TestManager_LinearChain runs a -> b -> c: submitting a alone drives the
// whole chain in dependency order.
func TestManager_LinearChain(t *testing.T) {
	h := newHarness(t, nil, nil)

	var mu sync.Mutex
	var order []string
	record := func(id string) execFn {
		return func(*executor.RunContext) (*structs.Result, error) {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return structs.SuccessResult(nil), nil
		}
	}
	h.setFn("a", record("a"))
	h.setFn("b", record("b"))
	h.setFn("c", record("c"))

	must.NoError(t, h.m.Admit(testDef("a", 5)))
	must.NoError(t, h.m.Admit(testDef("b", 5, requires("a"))))
	must.NoError(t, h.m.Admit(testDef("c", 5, requires("b"))))

	layers, err := h.m.ExecutionOrder()
	must.NoError(t, err)
	must.Eq(t, [][]string{{"a"}, {"b"}, {"c"}}, layers)

	must.NoError(t, h.m.Start())
	must.NoError(t, h.m.SubmitNow("a"))

	h.waitStatus(t, "c", structs.TaskStatusCompleted)

	mu.Lock()
	defer mu.Unlock()
	must.Eq(t, []string{"a", "b", "c"}, order)
}

// TestManager_OptionalDiamond fails c; d still runs once a and b complete
// because the c edge is optional.
func TestManager_OptionalDiamond(t *testing.T) {
	h := newHarness(t, nil, nil)

	h.setFn("c", func(*executor.RunContext) (*structs.Result, error) {
		return nil, structs.NewTaskError(structs.ErrKindExecutor, "c exploded")
	})

	must.NoError(t, h.m.Admit(testDef("a", 5)))
	must.NoError(t, h.m.Admit(testDef("b", 5, requires("a"))))
	must.NoError(t, h.m.Admit(testDef("c", 5, requires("a"))))
	must.NoError(t, h.m.Admit(testDef("d", 5, requires("b"), optional("c"))))

	must.NoError(t, h.m.Start())
	must.NoError(t, h.m.SubmitNow("a"))

	h.waitStatus(t, "d", structs.TaskStatusCompleted)
	h.waitStatus(t, "c", structs.TaskStatusFailed)
	must.Eq(t, 1, h.events.count(EventTaskError, "c"))
}

// TestManager_CycleRejected adds a -> b -> c, then an edge closing the
// cycle. The edge is rejected and the existing graph keeps working.
func TestManager_CycleRejected(t *testing.T) {
	h := newHarness(t, nil, nil)

	must.NoError(t, h.m.Admit(testDef("a", 5)))
	must.NoError(t, h.m.Admit(testDef("b", 5, requires("a"))))
	must.NoError(t, h.m.Admit(testDef("c", 5, requires("b"))))

	err := h.m.AddDependency("c", "a", structs.DependencyRequired, nil)
	must.Error(t, err)
	must.True(t, errors.Is(err, structs.ErrWouldCycle))

	must.Len(t, 0, h.m.CheckCycles())
	layers, err := h.m.ExecutionOrder()
	must.NoError(t, err)
	must.Eq(t, [][]string{{"a"}, {"b"}, {"c"}}, layers)
}

// TestManager_ResourceSaturation: cpu=100 with t1(60, prio 1), t2(60, prio
// 2), t3(30, prio 3) ready at once. t3 and t2 start; t1 waits for t2.
func TestManager_ResourceSaturation(t *testing.T) {
	h := newHarness(t, nil, func(cfg *Config) {
		cfg.ResourceTotals = map[string]float64{"cpu": 100}
		cfg.MaxConcurrentTasks = 3
	})

	release := map[string]chan struct{}{
		"t1": make(chan struct{}),
		"t2": make(chan struct{}),
		"t3": make(chan struct{}),
	}
	for id, ch := range release {
		ch := ch
		h.setFn(id, func(rc *executor.RunContext) (*structs.Result, error) {
			select {
			case <-ch:
				return structs.SuccessResult(nil), nil
			case <-rc.Context().Done():
				return nil, rc.Context().Err()
			}
		})
	}

	mkDef := func(id string, prio int, cpu float64) *structs.TaskDefinition {
		def := testDef(id, prio, requires("gate"))
		def.ResourceRequirements = map[string]float64{"cpu": cpu}
		return def
	}
	must.NoError(t, h.m.Admit(testDef("gate", 10)))
	must.NoError(t, h.m.Admit(mkDef("t1", 1, 60)))
	must.NoError(t, h.m.Admit(mkDef("t2", 2, 60)))
	must.NoError(t, h.m.Admit(mkDef("t3", 3, 30)))

	must.NoError(t, h.m.Start())
	must.NoError(t, h.m.SubmitNow("gate"))

	// t3 (prio 3) and t2 (prio 2) start; t1 would need 60 with only 10 free.
	h.waitStatus(t, "t3", structs.TaskStatusRunning)
	h.waitStatus(t, "t2", structs.TaskStatusRunning)

	pools := h.m.ResourceStatus()
	must.Eq(t, float64(90), pools["cpu"].Allocated)
	st, err := h.m.Status("t1")
	must.NoError(t, err)
	must.Eq(t, structs.TaskStatusPending, st.Status)

	// releasing t2 frees enough for t1
	close(release["t2"])
	h.waitStatus(t, "t2", structs.TaskStatusCompleted)
	h.waitStatus(t, "t1", structs.TaskStatusRunning)

	close(release["t1"])
	close(release["t3"])
	h.waitStatus(t, "t1", structs.TaskStatusCompleted)
	h.waitStatus(t, "t3", structs.TaskStatusCompleted)

	pools = h.m.ResourceStatus()
	must.Eq(t, float64(0), pools["cpu"].Allocated)
}

// TestManager_RetryBackoff fails twice with a retryable error, then
// succeeds. The task ends completed with attempts=3 and backoff gaps
// between the attempts.
func TestManager_RetryBackoff(t *testing.T) {
	h := newHarness(t, nil, nil)

	var mu sync.Mutex
	var attempts []time.Time
	h.setFn("r", func(*executor.RunContext) (*structs.Result, error) {
		mu.Lock()
		attempts = append(attempts, time.Now())
		n := len(attempts)
		mu.Unlock()
		if n < 3 {
			return nil, structs.NewTaskError(structs.ErrKindTimeout, "simulated timeout")
		}
		return structs.SuccessResult(nil), nil
	})

	def := testDef("r", 5)
	def.RetryPolicy = structs.RetryPolicy{
		MaxAttempts:       3,
		BaseDelay:         30 * time.Millisecond,
		MaxDelay:          time.Second,
		BackoffMultiplier: 2,
	}
	must.NoError(t, h.m.Admit(def))
	must.NoError(t, h.m.Start())
	must.NoError(t, h.m.SubmitNow("r"))

	h.waitStatus(t, "r", structs.TaskStatusCompleted)

	st, err := h.m.Status("r")
	must.NoError(t, err)
	must.Eq(t, 3, st.Attempts)
	must.Eq(t, 2, st.ErrorCount)
	must.Eq(t, 2, h.events.count(EventTaskError, "r"))
	must.Eq(t, 1, h.events.count(EventTaskComplete, "r"))

	mu.Lock()
	defer mu.Unlock()
	must.Len(t, 3, attempts)
	// base delay before attempt 2, doubled before attempt 3
	must.GreaterEq(t, 25*time.Millisecond, attempts[1].Sub(attempts[0]))
	must.GreaterEq(t, 55*time.Millisecond, attempts[2].Sub(attempts[1]))
}

// TestManager_TerminalFailure exhausts the retry budget.
func TestManager_TerminalFailure(t *testing.T) {
	h := newHarness(t, nil, nil)

	var runs atomic.Int64
	h.setFn("f", func(*executor.RunContext) (*structs.Result, error) {
		runs.Add(1)
		return nil, structs.NewTaskError(structs.ErrKindExecutor, "always broken")
	})

	def := testDef("f", 5)
	def.RetryPolicy = structs.RetryPolicy{
		MaxAttempts:       2,
		BaseDelay:         5 * time.Millisecond,
		MaxDelay:          time.Second,
		BackoffMultiplier: 2,
	}
	must.NoError(t, h.m.Admit(def))
	must.NoError(t, h.m.Start())
	must.NoError(t, h.m.SubmitNow("f"))

	waitUntil(t, "both attempts to run", func() bool { return runs.Load() == 2 })
	h.waitStatus(t, "f", structs.TaskStatusFailed)

	// no further attempts
	time.Sleep(50 * time.Millisecond)
	must.Eq(t, int64(2), runs.Load())
}

// TestManager_ValidationErrorNotRetried: a terminal error kind fails
// immediately regardless of remaining attempts.
func TestManager_ValidationErrorNotRetried(t *testing.T) {
	h := newHarness(t, nil, nil)

	var runs atomic.Int64
	h.setFn("v", func(*executor.RunContext) (*structs.Result, error) {
		runs.Add(1)
		return nil, structs.NewTaskError(structs.ErrKindValidation, "bad input")
	})

	def := testDef("v", 5)
	def.RetryPolicy.MaxAttempts = 3
	must.NoError(t, h.m.Admit(def))
	must.NoError(t, h.m.Start())
	must.NoError(t, h.m.SubmitNow("v"))

	h.waitStatus(t, "v", structs.TaskStatusFailed)
	time.Sleep(50 * time.Millisecond)
	must.Eq(t, int64(1), runs.Load())
}

// TestManager_OrphanReclamation reclassifies records persisted as running
// by a previous process.
func TestManager_OrphanReclamation(t *testing.T) {
	h := newHarness(t, nil, nil)

	_, err := h.store.Create("q", "test")
	must.NoError(t, err)
	_, err = h.store.Update("q", &structs.StateUpdate{
		Status:        statusPtr(structs.TaskStatusRunning),
		AttemptsDelta: 1,
	}, false)
	must.NoError(t, err)

	must.NoError(t, h.m.Start())

	st, err := h.store.Load("q")
	must.NoError(t, err)
	must.Eq(t, structs.TaskStatusFailed, st.Status)
	must.StrContains(t, st.LastErrorMessage, "orphaned")
	must.Eq(t, 1, st.ErrorCount)
	must.Len(t, 1, st.History)
	must.Eq(t, structs.TaskStatusRunning, st.History[0].PreviousStatus)
}

// TestManager_Cancel stops a running instance without retrying it.
func TestManager_Cancel(t *testing.T) {
	h := newHarness(t, nil, nil)

	h.setFn("long", func(rc *executor.RunContext) (*structs.Result, error) {
		<-rc.Context().Done()
		return nil, rc.Context().Err()
	})

	def := testDef("long", 5)
	def.RetryPolicy.MaxAttempts = 3
	must.NoError(t, h.m.Admit(def))
	must.NoError(t, h.m.Start())
	must.NoError(t, h.m.SubmitNow("long"))

	h.waitStatus(t, "long", structs.TaskStatusRunning)
	must.NoError(t, h.m.Cancel("long"))
	h.waitStatus(t, "long", structs.TaskStatusCancelled)

	must.Eq(t, 1, h.events.count(EventTaskCancelled, "long"))
	st, err := h.m.Status("long")
	must.NoError(t, err)
	must.Eq(t, 1, st.Attempts)

	// no retry was scheduled
	time.Sleep(50 * time.Millisecond)
	must.Eq(t, 1, st.Attempts)
}

// TestManager_SingleInstance rejects a second submission while one runs.
func TestManager_SingleInstance(t *testing.T) {
	h := newHarness(t, nil, nil)

	release := make(chan struct{})
	h.setFn("solo", func(rc *executor.RunContext) (*structs.Result, error) {
		select {
		case <-release:
			return structs.SuccessResult(nil), nil
		case <-rc.Context().Done():
			return nil, rc.Context().Err()
		}
	})

	must.NoError(t, h.m.Admit(testDef("solo", 5)))
	must.NoError(t, h.m.Start())
	must.NoError(t, h.m.SubmitNow("solo"))
	h.waitStatus(t, "solo", structs.TaskStatusRunning)

	err := h.m.SubmitNow("solo")
	must.Error(t, err)
	must.True(t, errors.Is(err, structs.ErrAlreadyRunning))

	close(release)
	h.waitStatus(t, "solo", structs.TaskStatusCompleted)
}

// TestManager_Timeout: the run context deadline fires and the attempt is
// recorded as a timeout failure.
func TestManager_Timeout(t *testing.T) {
	h := newHarness(t, nil, nil)

	h.setFn("slow", func(rc *executor.RunContext) (*structs.Result, error) {
		<-rc.Context().Done()
		return nil, rc.Context().Err()
	})

	def := testDef("slow", 5)
	def.Timeout = 30 * time.Millisecond
	must.NoError(t, h.m.Admit(def))
	must.NoError(t, h.m.Start())
	must.NoError(t, h.m.SubmitNow("slow"))

	h.waitStatus(t, "slow", structs.TaskStatusFailed)
	st, err := h.m.Status("slow")
	must.NoError(t, err)
	must.StrContains(t, st.LastErrorMessage, "deadline")
}

// TestManager_IntervalTriggerAndMisfire drives an interval task with the
// fake clock: the first fire runs it, an overlapping fire is dropped as a
// misfire, and the next fire after completion runs it again.
func TestManager_IntervalTriggerAndMisfire(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC))
	h := newHarness(t, clk, nil)

	var runs atomic.Int64
	release := make(chan struct{})
	h.setFn("tick", func(rc *executor.RunContext) (*structs.Result, error) {
		runs.Add(1)
		select {
		case <-release:
			return structs.SuccessResult(nil), nil
		case <-rc.Context().Done():
			return nil, rc.Context().Err()
		}
	})

	def := testDef("tick", 5)
	def.Schedule = structs.NewIntervalSchedule(time.Minute)
	must.NoError(t, h.m.Admit(def))
	must.NoError(t, h.m.Start())

	// first fire starts the instance
	clk.Advance(time.Minute)
	h.waitStatus(t, "tick", structs.TaskStatusRunning)

	// second fire overlaps the running instance and is dropped
	clk.Advance(time.Minute)
	waitUntil(t, "misfire event", func() bool {
		return h.events.count(EventSchedulerMisfire, "tick") >= 1
	})
	stats := h.m.SchedulerStats()
	must.Eq(t, 1, stats.Fires)
	must.GreaterEq(t, 1, stats.Misfires)

	close(release)
	h.waitStatus(t, "tick", structs.TaskStatusCompleted)

	// next fire starts a fresh cycle and reruns the finished task
	clk.Advance(time.Minute)
	waitUntil(t, "second run", func() bool { return runs.Load() == 2 })
	h.waitStatus(t, "tick", structs.TaskStatusCompleted)

	// each cycle spends its own attempts budget
	st, err := h.store.Load("tick")
	must.NoError(t, err)
	must.Eq(t, 1, st.Attempts)
}

// TestManager_AdmitRejectsBadDefinitions covers the admission gate.
func TestManager_AdmitRejectsBadDefinitions(t *testing.T) {
	h := newHarness(t, nil, nil)

	t.Run("unknown task type", func(t *testing.T) {
		def := testDef("x", 5)
		def.TaskType = "ghost"
		must.Error(t, h.m.Admit(def))
	})

	t.Run("duplicate id", func(t *testing.T) {
		must.NoError(t, h.m.Admit(testDef("dup", 5)))
		err := h.m.Admit(testDef("dup", 5))
		must.Error(t, err)
		must.True(t, errors.Is(err, structs.ErrDuplicateTask))
	})

	t.Run("self dependency", func(t *testing.T) {
		def := testDef("selfy", 5, requires("selfy"))
		must.Error(t, h.m.Admit(def))
	})
}

// TestManager_StopCancelsRunning drains a blocked instance at shutdown.
func TestManager_StopCancelsRunning(t *testing.T) {
	h := newHarness(t, nil, nil)

	h.setFn("hang", func(rc *executor.RunContext) (*structs.Result, error) {
		<-rc.Context().Done()
		return nil, rc.Context().Err()
	})

	must.NoError(t, h.m.Admit(testDef("hang", 5)))
	must.NoError(t, h.m.Start())
	must.NoError(t, h.m.SubmitNow("hang"))
	h.waitStatus(t, "hang", structs.TaskStatusRunning)

	must.NoError(t, h.m.Stop())
	h.waitStatus(t, "hang", structs.TaskStatusCancelled)

	// operations after stop are rejected
	must.Error(t, h.m.Admit(testDef("late", 5)))
}

// TestManager_CancelPending disarms a task waiting on dependencies.
func TestManager_CancelPending(t *testing.T) {
	h := newHarness(t, nil, nil)

	must.NoError(t, h.m.Admit(testDef("up", 5)))
	must.NoError(t, h.m.Admit(testDef("down", 5, requires("up"))))
	must.NoError(t, h.m.Start())

	// down is armed but blocked on up
	must.NoError(t, h.m.Cancel("down"))
	h.waitStatus(t, "down", structs.TaskStatusCancelled)

	must.NoError(t, h.m.SubmitNow("up"))
	h.waitStatus(t, "up", structs.TaskStatusCompleted)

	// down stays cancelled; it was disarmed before up completed
	time.Sleep(50 * time.Millisecond)
	st, err := h.m.Status("down")
	must.NoError(t, err)
	must.Eq(t, structs.TaskStatusCancelled, st.Status)
	must.Eq(t, 0, st.Attempts)
}

// TestManager_ProgressAndMetadata persists executor reports.
func TestManager_ProgressAndMetadata(t *testing.T) {
	h := newHarness(t, nil, nil)

	h.setFn("p", func(rc *executor.RunContext) (*structs.Result, error) {
		rc.ReportProgress(0.5, "halfway")
		rc.EmitMetadata("commit", "abc123")
		return structs.SuccessResult(nil), nil
	})

	must.NoError(t, h.m.Admit(testDef("p", 5)))
	must.NoError(t, h.m.Start())
	must.NoError(t, h.m.SubmitNow("p"))

	h.waitStatus(t, "p", structs.TaskStatusCompleted)
	st, err := h.m.Status("p")
	must.NoError(t, err)
	must.Eq(t, 1.0, st.Progress)
	must.Eq(t, "abc123", st.Metadata["commit"])
	must.Eq(t, 1, h.events.count(EventTaskProgress, "p"))
}

// TestManager_AttemptsGateDropsExhausted: a submission arriving while the
// record already shows the attempts budget spent is dropped with an audit
// entry instead of running.
func TestManager_AttemptsGateDropsExhausted(t *testing.T) {
	h := newHarness(t, nil, nil)

	var runs atomic.Int64
	h.setFn("g", func(*executor.RunContext) (*structs.Result, error) {
		runs.Add(1)
		return structs.SuccessResult(nil), nil
	})

	def := testDef("g", 5)
	def.RetryPolicy.MaxAttempts = 2
	must.NoError(t, h.m.Admit(def))

	// attempts spent by a previous process in the same cycle
	_, err := h.store.Update("g", &structs.StateUpdate{AttemptsDelta: 2}, false)
	must.NoError(t, err)

	must.NoError(t, h.m.Start())
	must.NoError(t, h.m.SubmitNow("g"))

	waitUntil(t, "drop audit entry", func() bool {
		st, err := h.store.Load("g")
		return err == nil && st.Metadata["drop_reason"] != nil
	})
	must.Eq(t, int64(0), runs.Load())

	st, err := h.m.Status("g")
	must.NoError(t, err)
	must.Eq(t, 2, st.Attempts)
	must.StrContains(t, st.Metadata["drop_reason"].(string), "exhausted")
}

// TestManager_ResubmitRestartsCycle: rerunning a terminally failed task
// restarts its attempts budget instead of growing it past the cap.
func TestManager_ResubmitRestartsCycle(t *testing.T) {
	h := newHarness(t, nil, nil)

	var runs atomic.Int64
	h.setFn("f", func(*executor.RunContext) (*structs.Result, error) {
		runs.Add(1)
		return nil, structs.NewTaskError(structs.ErrKindExecutor, "still broken")
	})

	must.NoError(t, h.m.Admit(testDef("f", 5))) // MaxAttempts: 1
	must.NoError(t, h.m.Start())

	must.NoError(t, h.m.SubmitNow("f"))
	h.waitStatus(t, "f", structs.TaskStatusFailed)

	must.NoError(t, h.m.SubmitNow("f"))
	waitUntil(t, "second run", func() bool { return runs.Load() == 2 })
	h.waitStatus(t, "f", structs.TaskStatusFailed)

	// two cycles ran, each within its own budget
	st, err := h.m.Status("f")
	must.NoError(t, err)
	must.Eq(t, int64(2), runs.Load())
	must.Eq(t, 1, st.Attempts)
}

// TestManager_RetryWaitsAsPending: between a retryable failure and its
// delayed resubmission the task is pending, not failed, so dependents and
// operators do not see a transient failure as terminal.
func TestManager_RetryWaitsAsPending(t *testing.T) {
	h := newHarness(t, nil, nil)

	var runs atomic.Int64
	h.setFn("r", func(*executor.RunContext) (*structs.Result, error) {
		if runs.Add(1) == 1 {
			return nil, structs.NewTaskError(structs.ErrKindTimeout, "flaky")
		}
		return structs.SuccessResult(nil), nil
	})

	def := testDef("r", 5)
	def.RetryPolicy = structs.RetryPolicy{
		MaxAttempts:       2,
		BaseDelay:         300 * time.Millisecond,
		MaxDelay:          time.Second,
		BackoffMultiplier: 2,
	}
	must.NoError(t, h.m.Admit(def))
	must.NoError(t, h.m.Start())
	must.NoError(t, h.m.SubmitNow("r"))

	waitUntil(t, "first failure", func() bool {
		st, err := h.store.Load("r")
		return err == nil && st.ErrorCount == 1
	})

	// the record waits out the backoff as pending with the error recorded
	st, err := h.m.Status("r")
	must.NoError(t, err)
	must.Eq(t, structs.TaskStatusPending, st.Status)
	must.Eq(t, 1, st.Attempts)
	must.StrContains(t, st.LastErrorMessage, "flaky")

	// the graph agrees: not failed, so dependents are not unblocked early
	snap := h.m.GraphSnapshot()
	must.Eq(t, structs.TaskStatusPending, snap.Nodes["r"].Status)

	h.waitStatus(t, "r", structs.TaskStatusCompleted)
	must.Eq(t, int64(2), runs.Load())
}

// TestManager_EventFields checks the payload of lifecycle notifications.
func TestManager_EventFields(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC))
	h := newHarness(t, clk, nil)

	h.setFn("ok", func(*executor.RunContext) (*structs.Result, error) {
		clk.Advance(50 * time.Millisecond)
		return structs.SuccessResult(map[string]any{"rows": 42}), nil
	})
	h.setFn("bad", func(*executor.RunContext) (*structs.Result, error) {
		return nil, structs.NewTaskError(structs.ErrKindValidation, "bad input")
	})

	must.NoError(t, h.m.Admit(testDef("ok", 5)))
	must.NoError(t, h.m.Admit(testDef("bad", 5)))
	must.NoError(t, h.m.Start())

	must.NoError(t, h.m.SubmitNow("ok"))
	h.waitStatus(t, "ok", structs.TaskStatusCompleted)

	must.NoError(t, h.m.SubmitNow("bad"))
	h.waitStatus(t, "bad", structs.TaskStatusFailed)

	start, ok := h.events.last(EventTaskStart, "ok")
	must.True(t, ok)
	must.Eq(t, "test", start.TaskType)
	must.Eq(t, 1, start.Attempt)

	complete, ok := h.events.last(EventTaskComplete, "ok")
	must.True(t, ok)
	must.Eq(t, "test", complete.TaskType)
	must.Eq(t, int64(50), complete.DurationMS)
	must.Eq(t, 42, complete.ResultSummary["rows"].(int))

	taskErr, ok := h.events.last(EventTaskError, "bad")
	must.True(t, ok)
	must.Eq(t, "test", taskErr.TaskType)
	must.Eq(t, structs.ErrKindValidation, taskErr.ErrorKind)
	must.StrContains(t, taskErr.Message, "bad input")
}

// TestManager_DefinitionFingerprint persists the definition hash on the
// record and refreshes it when a changed definition is admitted over an
// existing record.
func TestManager_DefinitionFingerprint(t *testing.T) {
	shared := state.NewMemStore(clock.New())

	h1 := newHarness(t, nil, func(cfg *Config) { cfg.Store = shared })
	must.NoError(t, h1.m.Admit(testDef("fp", 5)))

	st, err := shared.Load("fp")
	must.NoError(t, err)
	first, ok := st.Metadata["definition_fingerprint"].(string)
	must.True(t, ok)
	must.NotEq(t, "", first)

	must.NoError(t, h1.m.Stop())

	// same definition hashes the same across processes
	h2 := newHarness(t, nil, func(cfg *Config) { cfg.Store = shared })
	must.NoError(t, h2.m.Admit(testDef("fp", 5)))
	st, err = shared.Load("fp")
	must.NoError(t, err)
	must.Eq(t, first, st.Metadata["definition_fingerprint"].(string))

	must.NoError(t, h2.m.Stop())

	// a changed definition replaces the stored hash
	h3 := newHarness(t, nil, func(cfg *Config) { cfg.Store = shared })
	changed := testDef("fp", 9)
	changed.Timeout = time.Minute
	must.NoError(t, h3.m.Admit(changed))
	st, err = shared.Load("fp")
	must.NoError(t, err)
	must.NotEq(t, first, st.Metadata["definition_fingerprint"].(string))
}

// TestManager_DependencyWaitTimeout fails a task whose bounded dependency
// edge stays unsatisfied past its wait bound.
func TestManager_DependencyWaitTimeout(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC))
	h := newHarness(t, clk, nil)

	must.NoError(t, h.m.Admit(testDef("up", 5)))
	bounded := structs.DependencyEdge{
		FromTaskID: "up",
		Kind:       structs.DependencyRequired,
		Timeout:    time.Minute,
	}
	must.NoError(t, h.m.Admit(testDef("wait", 5, bounded)))
	must.NoError(t, h.m.Start())

	// armed at start, still blocked when the bound elapses
	clk.Advance(2 * time.Minute)
	must.NoError(t, h.m.SubmitNow("wait"))

	h.waitStatus(t, "wait", structs.TaskStatusFailed)
	st, err := h.m.Status("wait")
	must.NoError(t, err)
	must.StrContains(t, st.LastErrorMessage, "dependency")

	taskErr, ok := h.events.last(EventTaskError, "wait")
	must.True(t, ok)
	must.Eq(t, structs.ErrKindTimeout, taskErr.ErrorKind)

	// the upstream task is untouched
	st, err = h.m.Status("up")
	must.NoError(t, err)
	must.Eq(t, structs.TaskStatusPending, st.Status)
}

func statusPtr(s structs.TaskStatus) *structs.TaskStatus { return &s }
