// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package state persists per-task records across restarts and applies the
// retention policy over aging records.
package state

import (
	"time"

	"github.com/hashicorp/taskforge/structs"
)

// Store is the durable per-task record store. Updates are atomic at record
// granularity and concurrent writers to one record are serialized.
type Store interface {
	// Create initializes the record for a freshly admitted task. An
	// existing record for the same ID is an error.
	Create(id, taskType string) (*structs.TaskState, error)

	// Load returns the record or structs.ErrTaskNotFound.
	Load(id string) (*structs.TaskState, error)

	// Update applies the delta under the record lock and persists the
	// result. With appendHistory the transition is added to the audit
	// trail.
	Update(id string, update *structs.StateUpdate, appendHistory bool) (*structs.TaskState, error)

	// Delete removes the record. Unknown IDs are not an error.
	Delete(id string) error

	// List returns a summary per record, sorted by task ID.
	List() ([]*structs.TaskStateSummary, error)

	// RunningIDs returns the IDs of records whose persisted status is
	// running or reviewing, for orphan reclamation at startup.
	RunningIDs() ([]string, error)

	// Archive moves the record into the dated archive area.
	Archive(id string) error

	// Prune applies the retention policy to every record not touched for
	// the policy's retention window and returns how many records were
	// archived or deleted.
	Prune(now time.Time, policy *RetentionPolicy) (int, error)
}

// Strategy names what happens to an aged record.
type Strategy string

const (
	// StrategySkip leaves the record alone.
	StrategySkip Strategy = "skip"

	// StrategyArchive moves the record into archives/YYYY/MM/.
	StrategyArchive Strategy = "archive"

	// StrategyDelete removes the record.
	StrategyDelete Strategy = "delete"
)

// Valid returns whether the strategy is known.
func (s Strategy) Valid() bool {
	switch s {
	case StrategySkip, StrategyArchive, StrategyDelete:
		return true
	}
	return false
}

// RetentionPolicy classifies records that have not been touched for
// RetentionDays by their last status.
type RetentionPolicy struct {
	RetentionDays int `json:"retention_days"`

	// Strategies overrides the per-status defaults.
	Strategies map[structs.TaskStatus]Strategy `json:"strategies,omitempty"`

	// Compress zips archived records.
	Compress bool `json:"compress"`
}

// DefaultRetentionPolicy keeps records for 30 days, never touches live
// tasks, archives finished ones and deletes the rest.
func DefaultRetentionPolicy() *RetentionPolicy {
	return &RetentionPolicy{RetentionDays: 30}
}

// StrategyFor resolves the strategy for a record's last status.
func (p *RetentionPolicy) StrategyFor(status structs.TaskStatus) Strategy {
	if s, ok := p.Strategies[status]; ok && s.Valid() {
		return s
	}
	switch status {
	case structs.TaskStatusRunning, structs.TaskStatusReviewing:
		return StrategySkip
	case structs.TaskStatusCompleted, structs.TaskStatusApproved:
		return StrategyArchive
	case structs.TaskStatusFailed, structs.TaskStatusRejected:
		return StrategyArchive
	default:
		return StrategyDelete
	}
}

// Expired returns whether a record last touched at updatedAt has aged out
// of the retention window.
func (p *RetentionPolicy) Expired(updatedAt, now time.Time) bool {
	if p.RetentionDays <= 0 {
		return false
	}
	return now.Sub(updatedAt) > time.Duration(p.RetentionDays)*24*time.Hour
}
