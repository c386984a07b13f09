// Package store keeps the task snapshots that the sync agent writes under
// .taskconsole/tasks/, one YAML file per task.
package store

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/msageha/taskconsole/internal/lock"
	"github.com/msageha/taskconsole/internal/model"
	tcyaml "github.com/msageha/taskconsole/internal/yaml"
)

const (
	TasksDir = "tasks"
	fileExt  = ".yaml"
)

var ErrNotFound = errors.New("task not found")

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// snapshotFile is the on-disk form: schema header followed by the task.
type snapshotFile struct {
	SchemaVersion int        `yaml:"schema_version"`
	FileType      string     `yaml:"file_type"`
	Task          model.Task `yaml:",inline"`
}

// Change describes the effect of Reload on one task. Previous is nil for a
// new task; Current is nil when the task was removed.
type Change struct {
	TaskID   string
	Previous *model.Task
	Current  *model.Task
}

// StatusChanged reports whether the task's status differs across the change.
func (c Change) StatusChanged() bool {
	if c.Previous == nil || c.Current == nil {
		return c.Previous != c.Current
	}
	return c.Previous.Status != c.Current.Status
}

// LoadResult summarizes a full directory scan.
type LoadResult struct {
	Loaded      int
	Quarantined int
	Restored    int
}

// Store is an in-memory index of the snapshot directory. Readers get
// copies; the index only changes through Load, Reload, Put and Remove.
type Store struct {
	baseDir string
	dir     string
	logger  *log.Logger
	locks   *lock.MutexMap

	mu    sync.RWMutex
	tasks map[string]model.Task
}

// New returns a store over <baseDir>/tasks. baseDir also receives the
// quarantine directory for unreadable files.
func New(baseDir string, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Store{
		baseDir: baseDir,
		dir:     filepath.Join(baseDir, TasksDir),
		logger:  logger,
		locks:   lock.NewMutexMap(),
		tasks:   make(map[string]model.Task),
	}
}

func (s *Store) Dir() string {
	return s.dir
}

// PathFor returns the snapshot path of task id.
func (s *Store) PathFor(id string) string {
	return filepath.Join(s.dir, id+fileExt)
}

// Load rescans the directory and replaces the index. Unreadable files are
// quarantined and restored from their .bak when possible.
func (s *Store) Load() (LoadResult, error) {
	var res LoadResult
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			s.mu.Lock()
			s.tasks = make(map[string]model.Task)
			s.mu.Unlock()
			return res, nil
		}
		return res, fmt.Errorf("read tasks dir: %w", err)
	}

	loaded := make(map[string]model.Task, len(entries))
	for _, e := range entries {
		if e.IsDir() || !isSnapshotName(e.Name()) {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		task, restored, err := s.readRecovering(path)
		if restored {
			res.Restored++
		}
		if err != nil {
			if errors.Is(err, errQuarantined) {
				res.Quarantined++
			}
			s.logger.Printf("skip %s: %v", e.Name(), err)
			continue
		}
		loaded[task.ID] = task
		res.Loaded++
	}

	s.mu.Lock()
	s.tasks = loaded
	s.mu.Unlock()
	return res, nil
}

// Reload re-reads one file after a filesystem event and reports what
// changed. A missing file removes its task.
func (s *Store) Reload(path string) (Change, error) {
	name := filepath.Base(path)
	if !isSnapshotName(name) {
		return Change{}, fmt.Errorf("not a task snapshot: %s", name)
	}
	id := strings.TrimSuffix(name, fileExt)
	change := Change{TaskID: id}

	err := s.locks.Do(id, func() error {
		var current *model.Task
		if _, statErr := os.Stat(path); statErr == nil {
			task, _, err := s.readRecovering(path)
			switch {
			case errors.Is(err, errQuarantined):
				s.logger.Printf("dropped %s: %v", name, err)
			case err != nil:
				return err
			default:
				current = &task
			}
		} else if !os.IsNotExist(statErr) {
			return fmt.Errorf("stat %s: %w", name, statErr)
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if prev, ok := s.tasks[id]; ok {
			change.Previous = &prev
		}
		if current == nil {
			delete(s.tasks, id)
		} else {
			s.tasks[id] = *current
			change.Current = current
		}
		return nil
	})
	return change, err
}

func (s *Store) Get(id string) (model.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return model.Task{}, false
	}
	return t.Clone(), true
}

// List returns every task ordered by ID.
func (s *Store) List() []model.Task {
	s.mu.RLock()
	out := make([]model.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// Put writes task's snapshot atomically and indexes it.
func (s *Store) Put(task model.Task) error {
	if err := ValidateID(task.ID); err != nil {
		return err
	}
	return s.locks.Do(task.ID, func() error {
		file := snapshotFile{
			SchemaVersion: tcyaml.CurrentSchemaVersion,
			FileType:      tcyaml.FileTypeTaskSnapshot,
			Task:          task.Clone(),
		}
		if err := tcyaml.AtomicWriteWith(s.PathFor(task.ID), file, tcyaml.WriteOptions{Backup: true, MkdirAll: true}); err != nil {
			return fmt.Errorf("write task %s: %w", task.ID, err)
		}
		s.mu.Lock()
		s.tasks[task.ID] = task.Clone()
		s.mu.Unlock()
		return nil
	})
}

// Remove deletes task id's snapshot and backup.
func (s *Store) Remove(id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	return s.locks.Do(id, func() error {
		s.mu.Lock()
		_, ok := s.tasks[id]
		delete(s.tasks, id)
		s.mu.Unlock()

		path := s.PathFor(id)
		err := os.Remove(path)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", filepath.Base(path), err)
		}
		_ = os.Remove(path + ".bak")
		if !ok && os.IsNotExist(err) {
			return fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return nil
	})
}

// ValidateID rejects IDs that cannot be used as a file name.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("invalid task id %q", id)
	}
	return nil
}

var errQuarantined = errors.New("quarantined")

// readRecovering reads path; on a parse failure the file is quarantined and
// its backup, if any, is read instead.
func (s *Store) readRecovering(path string) (model.Task, bool, error) {
	task, err := readSnapshot(path)
	if err == nil {
		return task, false, nil
	}
	var pe *parseError
	if !errors.As(err, &pe) {
		return model.Task{}, false, err
	}

	s.logger.Printf("corrupt snapshot %s: %v", filepath.Base(path), err)
	restored, rerr := tcyaml.RecoverCorruptedFile(s.baseDir, path, s.logger)
	if rerr != nil {
		return model.Task{}, false, rerr
	}
	if !restored {
		return model.Task{}, false, fmt.Errorf("%s: %w", filepath.Base(path), errQuarantined)
	}
	task, err = readSnapshot(path)
	if err != nil {
		return model.Task{}, true, fmt.Errorf("restored backup unreadable: %w", err)
	}
	return task, true, nil
}

type parseError struct{ err error }

func (e *parseError) Error() string { return e.err.Error() }
func (e *parseError) Unwrap() error { return e.err }

func readSnapshot(path string) (model.Task, error) {
	var f snapshotFile
	if err := tcyaml.ReadFile(path, tcyaml.FileTypeTaskSnapshot, &f); err != nil {
		if os.IsNotExist(err) {
			return model.Task{}, err
		}
		return model.Task{}, &parseError{err: err}
	}
	name := strings.TrimSuffix(filepath.Base(path), fileExt)
	if f.Task.ID != name {
		return model.Task{}, &parseError{err: fmt.Errorf("%s: id %q does not match file name", filepath.Base(path), f.Task.ID)}
	}
	return f.Task, nil
}

// isSnapshotName skips backups, temp files and other dotfiles.
func isSnapshotName(name string) bool {
	return strings.HasSuffix(name, fileExt) && !strings.HasPrefix(name, ".")
}
