// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/taskforge/helper/clock"
	"github.com/hashicorp/taskforge/structs"
)

// MemStore is the in-memory Store used by tests and ephemeral agents. It
// shares semantics with FileStore but keeps nothing across restarts.
type MemStore struct {
	clock clock.Clock

	mu       sync.Mutex
	records  map[string]*structs.TaskState
	archived map[string]*structs.TaskState
}

// NewMemStore returns an empty in-memory store.
func NewMemStore(clk clock.Clock) *MemStore {
	return &MemStore{
		clock:    clk,
		records:  make(map[string]*structs.TaskState),
		archived: make(map[string]*structs.TaskState),
	}
}

func (s *MemStore) Create(id, taskType string) (*structs.TaskState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; ok {
		return nil, fmt.Errorf("state record %q: %w", id, structs.ErrDuplicateTask)
	}
	st := structs.NewTaskState(id, taskType, s.clock.Now())
	s.records[id] = st
	return st.Copy(), nil
}

func (s *MemStore) Load(id string) (*structs.TaskState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("state record %q: %w", id, structs.ErrTaskNotFound)
	}
	return st.Copy(), nil
}

func (s *MemStore) Update(id string, update *structs.StateUpdate, appendHistory bool) (*structs.TaskState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("state record %q: %w", id, structs.ErrTaskNotFound)
	}

	entry := st.Apply(update, s.clock.Now())
	if appendHistory {
		st.History = append(st.History, entry)
	}
	return st.Copy(), nil
}

func (s *MemStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *MemStore) List() ([]*structs.TaskStateSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*structs.TaskStateSummary, 0, len(s.records))
	for _, st := range s.records {
		out = append(out, st.Summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

func (s *MemStore) RunningIDs() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for id, st := range s.records {
		if st.Status.Active() {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemStore) Archive(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.records[id]
	if !ok {
		return fmt.Errorf("state record %q: %w", id, structs.ErrTaskNotFound)
	}
	s.archived[id] = st
	delete(s.records, id)
	return nil
}

func (s *MemStore) Prune(now time.Time, policy *RetentionPolicy) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	processed := 0
	for id, st := range s.records {
		if !policy.Expired(st.UpdatedAt, now) {
			continue
		}
		switch policy.StrategyFor(st.Status) {
		case StrategyArchive:
			s.archived[id] = st
			delete(s.records, id)
			processed++
		case StrategyDelete:
			delete(s.records, id)
			processed++
		}
	}
	return processed, nil
}

// Archived reports whether the record was moved to the archive area. Test
// helper with no FileStore equivalent.
func (s *MemStore) Archived(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.archived[id]
	return ok
}
