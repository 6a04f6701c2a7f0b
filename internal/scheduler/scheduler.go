// internal/scheduler/scheduler.go
package scheduler

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/user/quorum/internal/state"
)

// Handler is the callback invoked when a scheduled task fires.
type Handler func(task *state.Task)

// job is a built-in maintenance entry such as the checkpoint purge.
type job struct {
	name     string
	schedule string
	run      func()
}

// Scheduler evaluates cron expressions from the task store and fires tasks
// through a handler callback. Built-in maintenance jobs survive Reload.
type Scheduler struct {
	store   *state.TaskStore
	handler Handler
	logger  *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
	jobs []job
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Validate reports whether expr is a schedule the scheduler accepts.
func Validate(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return nil
}

// Next returns the next fire time of expr after t.
func Next(expr string, t time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(t), nil
}

// New creates a new Scheduler backed by the given task store. The handler is
// called each time a scheduled task fires.
func New(store *state.TaskStore, handler Handler, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:   store,
		handler: handler,
		logger:  logger.With("component", "scheduler"),
		cron:    newCron(),
	}
}

func newCron() *cron.Cron {
	return cron.New(cron.WithParser(cronParser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
}

// AddJob registers a maintenance job. An empty schedule disables it.
func (s *Scheduler) AddJob(name, schedule string, run func()) error {
	if schedule == "" {
		return nil
	}
	if err := Validate(schedule); err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job{name: name, schedule: schedule, run: run})
	return nil
}

// Start loads tasks from the store, registers enabled tasks that have a
// schedule along with the maintenance jobs, and starts the cron ticker.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.start()
}

func (s *Scheduler) start() error {
	tasks, err := s.store.List()
	if err != nil {
		return err
	}

	for _, task := range tasks {
		if task.Schedule == "" || !task.Enabled {
			continue
		}
		task := task
		_, err := s.cron.AddFunc(task.Schedule, func() {
			s.logger.Info("cron firing task", "name", task.Name, "kind", string(task.Kind), "deliver", task.Deliver)
			s.handler(task)
		})
		if err != nil {
			s.logger.Error("invalid cron schedule", "name", task.Name, "schedule", task.Schedule, "error", err)
			continue
		}
		s.logger.Info("scheduled task", "name", task.Name, "schedule", task.Schedule)
	}

	for _, j := range s.jobs {
		j := j
		if _, err := s.cron.AddFunc(j.schedule, func() {
			s.logger.Debug("running maintenance job", "job", j.name)
			j.run()
		}); err != nil {
			return fmt.Errorf("job %s: %w", j.name, err)
		}
		s.logger.Info("scheduled job", "job", j.name, "schedule", j.schedule)
	}

	s.cron.Start()
	return nil
}

// Reload stops the existing cron, creates a new one, and starts again with
// the current contents of the task store.
func (s *Scheduler) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cron.Stop()
	s.cron = newCron()
	return s.start()
}

// Entries reports how many cron entries are registered.
func (s *Scheduler) Entries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cron.Entries())
}

// Stop stops the cron ticker and waits for running jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.mu.Unlock()
	<-c.Stop().Done()
}
