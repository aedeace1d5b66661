// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"time"

	uuidparse "github.com/hashicorp/go-uuid"
)

// TaskState is the durable per-task record. One record exists per task ID
// and survives process restarts until retention archives or deletes it.
type TaskState struct {
	TaskID   string     `json:"task_id"`
	TaskType string     `json:"task_type"`
	Status   TaskStatus `json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Progress is the executor-reported completion fraction in [0, 1].
	Progress float64 `json:"progress"`

	// Attempts counts executions, initial run included.
	Attempts int `json:"attempts"`

	ErrorCount       int       `json:"error_count"`
	LastErrorMessage string    `json:"last_error_message,omitempty"`
	LastErrorAt      time.Time `json:"last_error_at,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`

	// History is append-only; it is bounded only by the retention policy.
	History []HistoryEntry `json:"history,omitempty"`
}

// HistoryEntry records a single state transition in the audit trail.
type HistoryEntry struct {
	ID             string         `json:"id"`
	At             time.Time      `json:"at"`
	PreviousStatus TaskStatus     `json:"previous_status"`
	Delta          map[string]any `json:"delta,omitempty"`
}

// NewTaskState builds the initial record for a freshly admitted task.
func NewTaskState(taskID, taskType string, now time.Time) *TaskState {
	return &TaskState{
		TaskID:    taskID,
		TaskType:  taskType,
		Status:    TaskStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  make(map[string]any),
	}
}

// Copy deep copies the state record.
func (s *TaskState) Copy() *TaskState {
	if s == nil {
		return nil
	}
	ns := *s
	if s.Metadata != nil {
		ns.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			ns.Metadata[k] = v
		}
	}
	ns.History = make([]HistoryEntry, len(s.History))
	for i, h := range s.History {
		nh := h
		if h.Delta != nil {
			nh.Delta = make(map[string]any, len(h.Delta))
			for k, v := range h.Delta {
				nh.Delta[k] = v
			}
		}
		ns.History[i] = nh
	}
	return &ns
}

// StateUpdate is the delta applied to a TaskState. Nil pointer fields leave
// the corresponding record field untouched.
type StateUpdate struct {
	Status        *TaskStatus
	Progress      *float64
	AttemptsDelta int

	// ResetAttempts restarts the attempts counter at zero, marking the
	// start of a fresh execution cycle. It takes precedence over
	// AttemptsDelta.
	ResetAttempts bool

	ErrorMessage *string
	Metadata     map[string]any
}

// Apply folds the update into the record and returns the history entry
// describing the transition. The caller decides whether to append it.
func (s *TaskState) Apply(u *StateUpdate, now time.Time) HistoryEntry {
	prev := s.Status
	delta := make(map[string]any)

	if u.Status != nil && *u.Status != s.Status {
		s.Status = *u.Status
		delta["status"] = string(*u.Status)
	}
	if u.Progress != nil {
		s.Progress = clampProgress(*u.Progress)
		delta["progress"] = s.Progress
	}
	if u.ResetAttempts {
		if s.Attempts != 0 {
			delta["attempts"] = 0
		}
		s.Attempts = 0
	} else if u.AttemptsDelta != 0 {
		s.Attempts += u.AttemptsDelta
		delta["attempts"] = s.Attempts
	}
	if u.ErrorMessage != nil {
		s.ErrorCount++
		s.LastErrorMessage = *u.ErrorMessage
		s.LastErrorAt = now
		delta["error"] = *u.ErrorMessage
	}
	for k, v := range u.Metadata {
		if s.Metadata == nil {
			s.Metadata = make(map[string]any)
		}
		s.Metadata[k] = v
		delta["meta."+k] = v
	}

	s.UpdatedAt = now

	id, err := uuidparse.GenerateUUID()
	if err != nil {
		id = now.Format(time.RFC3339Nano)
	}
	return HistoryEntry{
		ID:             id,
		At:             now,
		PreviousStatus: prev,
		Delta:          delta,
	}
}

// TaskStateSummary is the listing projection of a record.
type TaskStateSummary struct {
	TaskID    string     `json:"task_id"`
	TaskType  string     `json:"task_type"`
	Status    TaskStatus `json:"status"`
	Progress  float64    `json:"progress"`
	Attempts  int        `json:"attempts"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Summary projects the record for listings.
func (s *TaskState) Summary() *TaskStateSummary {
	return &TaskStateSummary{
		TaskID:    s.TaskID,
		TaskType:  s.TaskType,
		Status:    s.Status,
		Progress:  s.Progress,
		Attempts:  s.Attempts,
		UpdatedAt: s.UpdatedAt,
	}
}

func clampProgress(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
