// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/hashicorp/taskforge/structs"
)

// EventType names a lifecycle notification.
type EventType string

const (
	EventTaskStart        EventType = "task_start"
	EventTaskProgress     EventType = "task_progress"
	EventTaskComplete     EventType = "task_complete"
	EventTaskError        EventType = "task_error"
	EventTaskCancelled    EventType = "task_cancelled"
	EventSchedulerMisfire EventType = "scheduler_misfire"
)

// Event is one lifecycle notification emitted by the manager.
type Event struct {
	Type     EventType `json:"type"`
	TaskID   string    `json:"task_id"`
	TaskType string    `json:"task_type,omitempty"`
	At       time.Time `json:"at"`
	Attempt  int       `json:"attempt,omitempty"`
	Message  string    `json:"message,omitempty"`

	// DurationMS is the wall clock run time of the attempt behind a
	// task_complete or task_error event.
	DurationMS int64 `json:"duration_ms,omitempty"`

	// ErrorKind classifies task_error and task_cancelled events.
	ErrorKind structs.ErrorKind `json:"error_kind,omitempty"`

	// ResultSummary carries the executor output of a task_complete event.
	ResultSummary map[string]any `json:"result_summary,omitempty"`

	Fields map[string]any `json:"fields,omitempty"`
}

// Notifier receives lifecycle events. Notify runs on manager goroutines and
// must hand off quickly.
type Notifier interface {
	Notify(e *Event)
}

// NoopNotifier discards every event.
type NoopNotifier struct{}

func (NoopNotifier) Notify(*Event) {}

// FanoutNotifier delivers every event to each wrapped notifier in order.
type FanoutNotifier []Notifier

func (f FanoutNotifier) Notify(e *Event) {
	for _, n := range f {
		n.Notify(e)
	}
}

// LogNotifier writes events to a logger, for agents with no external sink.
type LogNotifier struct {
	Logger hclog.Logger
}

func (l *LogNotifier) Notify(e *Event) {
	l.Logger.Info("task event",
		"type", e.Type,
		"task_id", e.TaskID,
		"task_type", e.TaskType,
		"attempt", e.Attempt,
		"duration_ms", e.DurationMS,
		"error_kind", e.ErrorKind,
		"message", e.Message,
	)
}
