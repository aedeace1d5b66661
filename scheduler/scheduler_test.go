// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/taskforge/helper/clock"
	"github.com/hashicorp/taskforge/helper/testlog"
	"github.com/hashicorp/taskforge/structs"
)

// fireRecorder collects fire events from the dispatch goroutine.
type fireRecorder struct {
	mu    sync.Mutex
	fires []time.Time
	ch    chan string
}

func newFireRecorder() *fireRecorder {
	return &fireRecorder{ch: make(chan string, 16)}
}

func (r *fireRecorder) onFire(taskID string, scheduled time.Time) {
	r.mu.Lock()
	r.fires = append(r.fires, scheduled)
	r.mu.Unlock()
	r.ch <- taskID
}

func (r *fireRecorder) wait(t *testing.T) string {
	t.Helper()
	select {
	case id := <-r.ch:
		return id
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for fire")
		return ""
	}
}

func (r *fireRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fires)
}

func testScheduler(t *testing.T, clk clock.Clock) *Scheduler {
	s := New(Config{
		Logger:       testlog.HCLogger(t),
		Clock:        clk,
		MisfireGrace: time.Minute,
	})
	t.Cleanup(s.Stop)
	return s
}

func cronTask(id string, exprs ...string) *structs.TaskDefinition {
	return &structs.TaskDefinition{
		TaskID:      id,
		TaskType:    "noop",
		Enabled:     true,
		Priority:    5,
		Schedule:    structs.NewCronSchedule(exprs...),
		RetryPolicy: structs.DefaultRetryPolicy(),
		Timeout:     time.Minute,
	}
}

func TestValidateSchedule(t *testing.T) {
	good := structs.NewCronSchedule("*/5 * * * *", "0 9 * * 1-5")
	must.NoError(t, ValidateSchedule(&good))

	bad := structs.NewCronSchedule("61 * * * *")
	must.Error(t, ValidateSchedule(&bad))

	interval := structs.NewIntervalSchedule(time.Minute)
	must.NoError(t, ValidateSchedule(&interval))
}

func TestScheduler_CronJobNaming(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC))
	s := testScheduler(t, clk)
	rec := newFireRecorder()

	must.NoError(t, s.AddTask(cronTask("solo", "0 9 * * *"), rec.onFire))
	must.NoError(t, s.AddTask(cronTask("multi", "0 9 * * *", "30 17 * * *"), rec.onFire))

	_, err := s.JobInfo("solo")
	must.NoError(t, err)
	_, err = s.JobInfo("multi#0")
	must.NoError(t, err)
	_, err = s.JobInfo("multi#1")
	must.NoError(t, err)
	_, err = s.JobInfo("multi")
	must.Error(t, err)

	must.Eq(t, 3, s.Stats().Jobs)
}

// TestScheduler_CronTwoExpressions covers the two-expression cron scenario:
// between 08:00 and 18:00 UTC exactly two fires occur, both for the same
// task.
func TestScheduler_CronTwoExpressions(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC))
	s := testScheduler(t, clk)
	rec := newFireRecorder()

	must.NoError(t, s.AddTask(cronTask("x", "0 9 * * *", "30 17 * * *"), rec.onFire))
	s.Start()

	clk.Advance(time.Hour) // 09:00
	must.Eq(t, "x", rec.wait(t))

	clk.Advance(8*time.Hour + 30*time.Minute) // 17:30
	must.Eq(t, "x", rec.wait(t))

	clk.Advance(30 * time.Minute) // 18:00, nothing due
	must.Eq(t, 2, rec.count())

	st := s.Stats()
	must.Eq(t, 2, st.Fires)
	must.Eq(t, 0, st.Misfires)
}

func TestScheduler_Interval(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC))
	s := testScheduler(t, clk)
	rec := newFireRecorder()

	def := &structs.TaskDefinition{
		TaskID:      "tick",
		TaskType:    "noop",
		Priority:    5,
		Schedule:    structs.NewIntervalSchedule(10 * time.Second),
		RetryPolicy: structs.DefaultRetryPolicy(),
		Timeout:     time.Minute,
	}
	must.NoError(t, s.AddTask(def, rec.onFire))
	s.Start()

	clk.Advance(10 * time.Second)
	must.Eq(t, "tick", rec.wait(t))
	clk.Advance(10 * time.Second)
	must.Eq(t, "tick", rec.wait(t))
	must.Eq(t, 2, rec.count())
}

func TestScheduler_DateTrigger(t *testing.T) {
	start := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	s := testScheduler(t, clk)
	rec := newFireRecorder()

	def := &structs.TaskDefinition{
		TaskID:      "once",
		TaskType:    "noop",
		Priority:    5,
		Schedule:    structs.NewDateSchedule(start.Add(time.Minute)),
		RetryPolicy: structs.DefaultRetryPolicy(),
		Timeout:     time.Minute,
	}
	must.NoError(t, s.AddTask(def, rec.onFire))
	s.Start()

	clk.Advance(time.Minute)
	must.Eq(t, "once", rec.wait(t))

	// one-shot: the job is gone
	_, err := s.JobInfo("once")
	must.Error(t, err)
}

func TestScheduler_DatePastIsSkipped(t *testing.T) {
	start := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	s := testScheduler(t, clk)
	rec := newFireRecorder()

	def := &structs.TaskDefinition{
		TaskID:      "stale",
		TaskType:    "noop",
		Priority:    5,
		Schedule:    structs.NewDateSchedule(start.Add(-time.Hour)),
		RetryPolicy: structs.DefaultRetryPolicy(),
		Timeout:     time.Minute,
	}
	must.NoError(t, s.AddTask(def, rec.onFire))
	must.Eq(t, 0, s.Stats().Jobs)
}

func TestScheduler_ManualNeverFires(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC))
	s := testScheduler(t, clk)
	rec := newFireRecorder()

	def := &structs.TaskDefinition{
		TaskID:      "manual",
		TaskType:    "noop",
		Priority:    5,
		Schedule:    structs.NewManualSchedule(),
		RetryPolicy: structs.DefaultRetryPolicy(),
		Timeout:     time.Minute,
	}
	must.NoError(t, s.AddTask(def, rec.onFire))
	must.Eq(t, 0, s.Stats().Jobs)
}

func TestScheduler_SingleInstanceMisfire(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC))

	running := true
	var misfires []string
	s := New(Config{
		Logger:       testlog.HCLogger(t),
		Clock:        clk,
		MisfireGrace: time.Minute,
		IsRunning:    func(string) bool { return running },
		OnMisfire:    func(jobID string, _ time.Time) { misfires = append(misfires, jobID) },
	})
	t.Cleanup(s.Stop)

	rec := newFireRecorder()
	def := &structs.TaskDefinition{
		TaskID:      "busy",
		TaskType:    "noop",
		Priority:    5,
		Schedule:    structs.NewIntervalSchedule(10 * time.Second),
		RetryPolicy: structs.DefaultRetryPolicy(),
		Timeout:     time.Minute,
	}
	must.NoError(t, s.AddTask(def, rec.onFire))
	s.Start()

	clk.Advance(10 * time.Second)
	waitForStats(t, s, func(st Stats) bool { return st.Misfires == 1 })
	must.Eq(t, 0, rec.count())
	must.Eq(t, []string{"busy"}, misfires)

	running = false
	clk.Advance(10 * time.Second)
	must.Eq(t, "busy", rec.wait(t))
}

func TestScheduler_MisfireGrace(t *testing.T) {
	start := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	s := testScheduler(t, clk)
	rec := newFireRecorder()

	def := &structs.TaskDefinition{
		TaskID:      "late",
		TaskType:    "noop",
		Priority:    5,
		Schedule:    structs.NewDateSchedule(start.Add(time.Second)),
		RetryPolicy: structs.DefaultRetryPolicy(),
		Timeout:     time.Minute,
	}
	must.NoError(t, s.AddTask(def, rec.onFire))
	s.Start()

	// Jump far past the fire time; the grace (1m) has elapsed.
	clk.Advance(time.Hour)
	waitForStats(t, s, func(st Stats) bool { return st.Misfires >= 1 })
	must.Eq(t, 0, rec.count())
}

func TestScheduler_PauseResume(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC))
	s := testScheduler(t, clk)
	rec := newFireRecorder()

	def := &structs.TaskDefinition{
		TaskID:      "pausable",
		TaskType:    "noop",
		Priority:    5,
		Schedule:    structs.NewIntervalSchedule(10 * time.Second),
		RetryPolicy: structs.DefaultRetryPolicy(),
		Timeout:     time.Minute,
	}
	must.NoError(t, s.AddTask(def, rec.onFire))
	s.Start()

	s.PauseTask("pausable")
	must.Eq(t, 1, s.Stats().Paused)

	clk.Advance(30 * time.Second)
	must.Eq(t, 0, rec.count())

	s.ResumeTask("pausable")
	info, err := s.JobInfo("pausable")
	must.NoError(t, err)
	must.False(t, info.Paused)

	clk.Advance(10 * time.Second)
	must.Eq(t, "pausable", rec.wait(t))
}

func TestScheduler_TriggerNow(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC))
	s := testScheduler(t, clk)
	rec := newFireRecorder()

	must.NoError(t, s.AddTask(cronTask("nightly", "0 3 * * *"), rec.onFire))
	s.Start()

	s.TriggerNow("nightly")
	clk.Advance(0)
	must.Eq(t, "nightly", rec.wait(t))
}

func TestScheduler_ScheduleOnce_Replaces(t *testing.T) {
	start := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	s := testScheduler(t, clk)
	rec := newFireRecorder()

	s.ScheduleOnce("task", start.Add(time.Hour), rec.onFire)
	s.ScheduleOnce("task", start.Add(time.Second), rec.onFire)
	must.Eq(t, 1, s.Stats().Jobs)

	s.Start()
	clk.Advance(time.Second)
	must.Eq(t, "task", rec.wait(t))
	must.Eq(t, 1, rec.count())
}

func TestScheduler_RemoveTask(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC))
	s := testScheduler(t, clk)
	rec := newFireRecorder()

	must.NoError(t, s.AddTask(cronTask("x", "0 9 * * *", "30 17 * * *"), rec.onFire))
	s.ScheduleOnce("x", clk.Now().Add(time.Hour), rec.onFire)
	must.Eq(t, 3, s.Stats().Jobs)

	s.RemoveTask("x")
	must.Eq(t, 0, s.Stats().Jobs)
}

// waitForStats polls the scheduler until the predicate holds; dispatch runs
// on its own goroutine so counter updates are asynchronous.
func waitForStats(t *testing.T, s *Scheduler, ok func(Stats) bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if ok(s.Stats()) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("stats predicate never held: %+v", s.Stats())
}
