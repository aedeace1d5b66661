// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/hashicorp/taskforge/helper/clock"
	"github.com/hashicorp/taskforge/structs"
)

const (
	tasksDir    = "tasks"
	archivesDir = "archives"

	recordSuffix = ".json"
)

// FileStore keeps one JSON record per task under <dir>/tasks/ and archives
// aged records under <dir>/archives/YYYY/MM/. Every write goes through a
// temp file and rename so a crash never leaves a half-written record.
type FileStore struct {
	logger hclog.Logger
	clock  clock.Clock
	dir    string

	// locks serializes writers per record. The outer mutex only guards
	// the lock map itself.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileStore creates the directory layout and returns the store.
func NewFileStore(logger hclog.Logger, clk clock.Clock, dir string) (*FileStore, error) {
	for _, sub := range []string{tasksDir, archivesDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, structs.WrapError(structs.ErrKindStateIO,
				fmt.Errorf("creating state dir: %w", err))
		}
	}
	return &FileStore{
		logger: logger.Named("state"),
		clock:  clk,
		dir:    dir,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// Dir returns the store's root directory.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) recordPath(id string) string {
	return filepath.Join(s.dir, tasksDir, id+recordSuffix)
}

func (s *FileStore) recordLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *FileStore) Create(id, taskType string) (*structs.TaskState, error) {
	l := s.recordLock(id)
	l.Lock()
	defer l.Unlock()

	path := s.recordPath(id)
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("state record %q: %w", id, structs.ErrDuplicateTask)
	}

	st := structs.NewTaskState(id, taskType, s.clock.Now())
	if err := s.writeRecord(path, st); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *FileStore) Load(id string) (*structs.TaskState, error) {
	l := s.recordLock(id)
	l.Lock()
	defer l.Unlock()
	return s.readRecord(s.recordPath(id), id)
}

func (s *FileStore) Update(id string, update *structs.StateUpdate, appendHistory bool) (*structs.TaskState, error) {
	l := s.recordLock(id)
	l.Lock()
	defer l.Unlock()

	path := s.recordPath(id)
	st, err := s.readRecord(path, id)
	if err != nil {
		return nil, err
	}

	entry := st.Apply(update, s.clock.Now())
	if appendHistory {
		st.History = append(st.History, entry)
	}

	if err := s.writeRecord(path, st); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *FileStore) Delete(id string) error {
	l := s.recordLock(id)
	l.Lock()
	defer l.Unlock()

	if err := os.Remove(s.recordPath(id)); err != nil && !os.IsNotExist(err) {
		return structs.WrapError(structs.ErrKindStateIO, err)
	}
	return nil
}

func (s *FileStore) List() ([]*structs.TaskStateSummary, error) {
	states, err := s.loadAll()
	if err != nil {
		return nil, err
	}
	out := make([]*structs.TaskStateSummary, len(states))
	for i, st := range states {
		out[i] = st.Summary()
	}
	return out, nil
}

func (s *FileStore) RunningIDs() ([]string, error) {
	states, err := s.loadAll()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, st := range states {
		if st.Status.Active() {
			out = append(out, st.TaskID)
		}
	}
	return out, nil
}

func (s *FileStore) Archive(id string) error {
	l := s.recordLock(id)
	l.Lock()
	defer l.Unlock()
	return s.archiveLocked(id, false)
}

func (s *FileStore) Prune(now time.Time, policy *RetentionPolicy) (int, error) {
	states, err := s.loadAll()
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, st := range states {
		if !policy.Expired(st.UpdatedAt, now) {
			continue
		}
		strategy := policy.StrategyFor(st.Status)

		l := s.recordLock(st.TaskID)
		l.Lock()
		switch strategy {
		case StrategySkip:
			// Live or protected records are never touched.
		case StrategyArchive:
			if err := s.archiveLocked(st.TaskID, policy.Compress); err != nil {
				s.logger.Error("archiving aged record failed", "task_id", st.TaskID, "error", err)
			} else {
				processed++
			}
		case StrategyDelete:
			if err := os.Remove(s.recordPath(st.TaskID)); err != nil && !os.IsNotExist(err) {
				s.logger.Error("deleting aged record failed", "task_id", st.TaskID, "error", err)
			} else {
				processed++
			}
		}
		l.Unlock()
	}
	return processed, nil
}

// archiveLocked copies the record into archives/YYYY/MM/ and removes the
// source. The caller holds the record lock.
func (s *FileStore) archiveLocked(id string, compress bool) error {
	src := s.recordPath(id)
	data, err := os.ReadFile(src)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("state record %q: %w", id, structs.ErrTaskNotFound)
		}
		return structs.WrapError(structs.ErrKindStateIO, err)
	}

	now := s.clock.Now()
	dir := filepath.Join(s.dir, archivesDir, fmt.Sprintf("%04d", now.Year()), fmt.Sprintf("%02d", int(now.Month())))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return structs.WrapError(structs.ErrKindStateIO, err)
	}

	if compress {
		if err := writeZip(filepath.Join(dir, id+".zip"), id+recordSuffix, data); err != nil {
			return err
		}
	} else {
		if err := atomicWrite(filepath.Join(dir, id+recordSuffix), data); err != nil {
			return err
		}
	}

	if err := os.Remove(src); err != nil {
		return structs.WrapError(structs.ErrKindStateIO, err)
	}
	s.logger.Debug("record archived", "task_id", id, "dir", dir, "compressed", compress)
	return nil
}

func (s *FileStore) loadAll() ([]*structs.TaskState, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, tasksDir))
	if err != nil {
		return nil, structs.WrapError(structs.ErrKindStateIO, err)
	}

	var out []*structs.TaskState
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, recordSuffix) {
			continue
		}
		id := strings.TrimSuffix(name, recordSuffix)

		l := s.recordLock(id)
		l.Lock()
		st, err := s.readRecord(s.recordPath(id), id)
		l.Unlock()
		if err != nil {
			// A record that cannot be decoded is logged and skipped so one
			// corrupt file does not take down every listing.
			s.logger.Error("skipping unreadable record", "task_id", id, "error", err)
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

func (s *FileStore) readRecord(path, id string) (*structs.TaskState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("state record %q: %w", id, structs.ErrTaskNotFound)
		}
		return nil, structs.WrapError(structs.ErrKindStateIO, err)
	}
	var st structs.TaskState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, structs.WrapError(structs.ErrKindStateIO,
			fmt.Errorf("decoding record %q: %w", id, err))
	}
	return &st, nil
}

func (s *FileStore) writeRecord(path string, st *structs.TaskState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return structs.WrapError(structs.ErrKindStateIO, err)
	}
	return atomicWrite(path, data)
}

// atomicWrite writes via a temp file in the target directory, fsyncs and
// renames over the destination.
func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return structs.WrapError(structs.ErrKindStateIO, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return structs.WrapError(structs.ErrKindStateIO, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return structs.WrapError(structs.ErrKindStateIO, err)
	}
	if err := tmp.Close(); err != nil {
		return structs.WrapError(structs.ErrKindStateIO, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return structs.WrapError(structs.ErrKindStateIO, err)
	}
	return nil
}

func writeZip(path, name string, data []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return structs.WrapError(structs.ErrKindStateIO, err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	w, err := zw.Create(name)
	if err != nil {
		zw.Close()
		return structs.WrapError(structs.ErrKindStateIO, err)
	}
	if _, err := w.Write(data); err != nil {
		zw.Close()
		return structs.WrapError(structs.ErrKindStateIO, err)
	}
	if err := zw.Close(); err != nil {
		return structs.WrapError(structs.ErrKindStateIO, err)
	}
	return nil
}
