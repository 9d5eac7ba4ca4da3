// Package scheduler runs the gateway's background tasks: the expiry
// sweep and the activity log retention prune. Each task is
// single-flight; a tick that comes due while the previous run is still
// in progress is skipped, never stacked.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/castgate/castgate/internal/clock"
	"github.com/castgate/castgate/internal/logging"
)

// TaskFunc performs a scheduled task. The context is cancelled when the
// scheduler stops.
type TaskFunc func(ctx context.Context) error

// Schedule defines when a task should run.
type Schedule interface {
	// Next returns the next time the task should run after the given time.
	Next(after time.Time) time.Time
}

// Task is a scheduled task.
type Task struct {
	ID          string
	Name        string
	Description string
	Schedule    Schedule
	Func        TaskFunc
	RunOnStart  bool // run immediately when the scheduler starts
	Timeout     time.Duration

	// OnSkip is called each time a due run is skipped because the
	// previous run is still in flight. Optional.
	OnSkip func()
}

// TaskStatus is the observable state of a task.
type TaskStatus struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Description  string        `json:"description"`
	LastRun      time.Time     `json:"last_run,omitempty"`
	LastDuration time.Duration `json:"last_duration,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	NextRun      time.Time     `json:"next_run,omitempty"`
	RunCount     int64         `json:"run_count"`
	ErrorCount   int64         `json:"error_count"`
	SkippedCount int64         `json:"skipped_count"`
}

// Scheduler manages and runs scheduled tasks.
type Scheduler struct {
	tasks    map[string]*taskEntry
	mu       sync.RWMutex
	logger   *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	running  bool
	tickRate time.Duration
	wg       sync.WaitGroup
}

type taskEntry struct {
	task     *Task
	status   TaskStatus
	nextRun  time.Time
	inFlight bool
}

// New creates a scheduler.
func New(logger *logging.Logger) *Scheduler {
	var l *slog.Logger
	if logger == nil {
		l = slog.Default()
	} else {
		l = logger.Logger
	}

	return &Scheduler{
		tasks:    make(map[string]*taskEntry),
		logger:   l.With("component", "scheduler"),
		tickRate: time.Second,
	}
}

// AddTask registers a task.
func (s *Scheduler) AddTask(task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.ID == "" {
		return fmt.Errorf("task ID is required")
	}
	if task.Schedule == nil {
		return fmt.Errorf("task schedule is required")
	}
	if task.Func == nil {
		return fmt.Errorf("task function is required")
	}
	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}

	entry := &taskEntry{
		task: task,
		status: TaskStatus{
			ID:          task.ID,
			Name:        task.Name,
			Description: task.Description,
		},
		nextRun: task.Schedule.Next(clock.Now()),
	}
	entry.status.NextRun = entry.nextRun

	s.tasks[task.ID] = entry
	s.logger.Info("task added", "id", task.ID, "name", task.Name)
	return nil
}

// RunTask runs a task immediately, regardless of schedule. Subject to
// the same single-flight rule as scheduled runs.
func (s *Scheduler) RunTask(id string) error {
	s.mu.Lock()
	entry, exists := s.tasks[id]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("task %s not found", id)
	}
	if entry.inFlight {
		entry.status.SkippedCount++
		s.mu.Unlock()
		if entry.task.OnSkip != nil {
			entry.task.OnSkip()
		}
		return fmt.Errorf("task %s is already running", id)
	}
	entry.inFlight = true
	s.wg.Add(1)
	s.mu.Unlock()

	go s.executeTask(entry)
	return nil
}

// GetStatus returns the status of all tasks, sorted by name.
func (s *Scheduler) GetStatus() []TaskStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	statuses := make([]TaskStatus, 0, len(s.tasks))
	for _, entry := range s.tasks {
		statuses = append(statuses, entry.status)
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Name < statuses[j].Name
	})
	return statuses
}

// GetTaskStatus returns the status of one task.
func (s *Scheduler) GetTaskStatus(id string) (TaskStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.tasks[id]
	if !exists {
		return TaskStatus{}, false
	}
	return entry.status, true
}

// Start starts the scheduler loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running = true

	var onStart []*taskEntry
	for _, entry := range s.tasks {
		if entry.task.RunOnStart && !entry.inFlight {
			entry.inFlight = true
			s.wg.Add(1)
			onStart = append(onStart, entry)
		}
	}
	s.mu.Unlock()

	s.logger.Info("scheduler started")

	for _, entry := range onStart {
		go s.executeTask(entry)
	}
	go s.run()
}

// Stop stops the scheduler and waits for in-flight tasks to finish. An
// in-flight run completes or fails; it is never abandoned mid-way.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// IsRunning reports whether the scheduler loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(s.tickRate)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.checkAndRunTasks(now)
		}
	}
}

// checkAndRunTasks launches every due task that is not already running.
// A due task with a run still in flight is skipped; its next due time
// advances when that run finishes.
func (s *Scheduler) checkAndRunTasks(now time.Time) {
	s.mu.Lock()
	var due, skipped []*taskEntry
	for _, entry := range s.tasks {
		if entry.nextRun.IsZero() || now.Before(entry.nextRun) {
			continue
		}
		if entry.inFlight {
			entry.status.SkippedCount++
			skipped = append(skipped, entry)
			continue
		}
		entry.inFlight = true
		s.wg.Add(1)
		due = append(due, entry)
	}
	s.mu.Unlock()

	for _, entry := range skipped {
		if entry.task.OnSkip != nil {
			entry.task.OnSkip()
		}
	}
	for _, entry := range due {
		go s.executeTask(entry)
	}
}

// executeTask runs a single task. The caller must have set inFlight and
// registered the run with wg before spawning, so Stop cannot observe an
// empty wait group between launch and execution.
func (s *Scheduler) executeTask(entry *taskEntry) {
	defer s.wg.Done()

	task := entry.task
	s.logger.Debug("executing task", "id", task.ID)

	s.mu.RLock()
	base := s.ctx
	s.mu.RUnlock()
	if base == nil {
		base = context.Background()
	}

	var ctx context.Context
	var cancel context.CancelFunc
	if task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(base, task.Timeout)
	} else {
		ctx, cancel = context.WithCancel(base)
	}
	defer cancel()

	start := clock.Now()
	err := task.Func(ctx)
	duration := time.Since(start)

	s.mu.Lock()
	entry.inFlight = false
	entry.status.LastRun = start
	entry.status.LastDuration = duration
	entry.status.RunCount++
	if err != nil {
		entry.status.LastError = err.Error()
		entry.status.ErrorCount++
		s.logger.Warn("task failed", "id", task.ID, "error", err, "duration", duration)
	} else {
		entry.status.LastError = ""
		s.logger.Debug("task completed", "id", task.ID, "duration", duration)
	}
	entry.nextRun = task.Schedule.Next(clock.Now())
	entry.status.NextRun = entry.nextRun
	s.mu.Unlock()
}
