// internal/state/task.go
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
)

// TaskKind selects which query path a task runs.
type TaskKind string

const (
	TaskAsk       TaskKind = "ask"
	TaskResearch  TaskKind = "research"
	TaskConsensus TaskKind = "consensus"
)

// Task is a named question run on a cron schedule or through the webhook.
type Task struct {
	Name     string   `json:"name"`
	Kind     TaskKind `json:"kind"`
	Prompt   string   `json:"prompt"`
	Level    string   `json:"level,omitempty"`
	Models   []string `json:"models,omitempty"`
	Schedule string   `json:"schedule,omitempty"`
	// Deliver is a delivery key such as "telegram:123" or "file:/tmp/out.md".
	Deliver string `json:"deliver,omitempty"`
	Enabled bool   `json:"enabled"`
}

// Validate checks the fields a task needs to run.
func (t *Task) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("task name is required")
	}
	if t.Prompt == "" {
		return fmt.Errorf("task %s: prompt is required", t.Name)
	}
	switch t.Kind {
	case TaskAsk, TaskResearch, TaskConsensus:
	case "":
		t.Kind = TaskAsk
	default:
		return fmt.Errorf("task %s: unknown kind %q", t.Name, t.Kind)
	}
	return nil
}

// TaskStore is a JSON-file-backed store for tasks.
type TaskStore struct {
	path string
	mu   sync.RWMutex
}

// NewTaskStore creates a new file-backed TaskStore at the given file path.
func NewTaskStore(path string) *TaskStore {
	return &TaskStore{path: path}
}

// Path returns the file path used by this store.
func (s *TaskStore) Path() string {
	return s.path
}

// List returns all tasks. Returns an empty slice if the file doesn't exist.
func (s *TaskStore) List() ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks, err := s.load()
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		return []*Task{}, nil
	}
	return tasks, nil
}

// Get finds a task by name.
func (s *TaskStore) Get(name string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks, err := s.load()
	if err != nil {
		return nil, err
	}
	if i := indexOf(tasks, name); i >= 0 {
		return tasks[i], nil
	}
	return nil, fmt.Errorf("task not found: %s", name)
}

// Add validates and appends a task. Names are unique.
func (s *TaskStore) Add(task *Task) error {
	if err := task.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load()
	if err != nil {
		return err
	}
	if indexOf(tasks, task.Name) >= 0 {
		return fmt.Errorf("task already exists: %s", task.Name)
	}
	return s.save(append(tasks, task))
}

// Remove deletes a task by name.
func (s *TaskStore) Remove(name string) error {
	return s.mutate(name, func(tasks []*Task, i int) []*Task {
		return slices.Delete(tasks, i, i+1)
	})
}

// SetEnabled toggles the enabled flag for a task.
func (s *TaskStore) SetEnabled(name string, enabled bool) error {
	return s.mutate(name, func(tasks []*Task, i int) []*Task {
		tasks[i].Enabled = enabled
		return tasks
	})
}

func (s *TaskStore) mutate(name string, fn func(tasks []*Task, i int) []*Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load()
	if err != nil {
		return err
	}
	i := indexOf(tasks, name)
	if i < 0 {
		return fmt.Errorf("task not found: %s", name)
	}
	return s.save(fn(tasks, i))
}

func indexOf(tasks []*Task, name string) int {
	return slices.IndexFunc(tasks, func(t *Task) bool { return t.Name == name })
}

// load reads the JSON file and returns the task list. Returns nil if the file doesn't exist.
func (s *TaskStore) load() ([]*Task, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read tasks file: %w", err)
	}

	var tasks []*Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("unmarshal tasks: %w", err)
	}
	return tasks, nil
}

// save writes the task list to disk using atomic write (temp file + rename).
func (s *TaskStore) save(tasks []*Task) error {
	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tasks: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create tasks dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp tasks file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp tasks file: %w", err)
	}
	return nil
}
