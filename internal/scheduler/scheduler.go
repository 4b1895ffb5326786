package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

type TaskType string

const (
	TaskCohortAnalysis TaskType = "cohort_analysis"
	TaskAuditRetention TaskType = "audit_retention"
	TaskStaleJobSweep  TaskType = "stale_job_sweep"
)

// Task is one recurring duty: re-analyzing a cohort, purging expired audit
// records, or sweeping abandoned queue jobs.
type Task struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Schedule string            `json:"schedule"` // cron expression
	Type     TaskType          `json:"type"`
	Config   map[string]string `json:"config,omitempty"`
	Enabled  bool              `json:"enabled"`
	LastRun  *time.Time        `json:"last_run,omitempty"`
	NextRun  *time.Time        `json:"next_run,omitempty"`
}

type ExecutionStatus string

const (
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
)

// Execution is one run of a task, kept in a bounded in-memory history.
type Execution struct {
	TaskID    string          `json:"task_id"`
	Status    ExecutionStatus `json:"status"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   *time.Time      `json:"ended_at,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type TaskHandler func(ctx context.Context, task *Task) error

const maxHistory = 200

// Scheduler drives recurring safeguarding maintenance off cron expressions.
type Scheduler struct {
	cron     *cron.Cron
	handlers map[TaskType]TaskHandler
	tasks    map[string]*Task
	entries  map[string]cron.EntryID
	history  []Execution
	mu       sync.RWMutex
	logger   *slog.Logger
}

func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		))),
		handlers: make(map[TaskType]TaskHandler),
		tasks:    make(map[string]*Task),
		entries:  make(map[string]cron.EntryID),
		logger:   logger,
	}
}

func (s *Scheduler) RegisterHandler(taskType TaskType, handler TaskHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[taskType] = handler
}

// AddTask registers a task and, if enabled, schedules it.
func (s *Scheduler) AddTask(task *Task) error {
	s.mu.Lock()
	s.tasks[task.ID] = task
	s.mu.Unlock()

	if task.Enabled {
		return s.scheduleTask(task)
	}
	return nil
}

func (s *Scheduler) RemoveTask(id string) {
	s.unscheduleTask(id)
	s.mu.Lock()
	delete(s.tasks, id)
	s.mu.Unlock()
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.mu.RLock()
	count := len(s.entries)
	s.mu.RUnlock()
	s.logger.Info("scheduler started", "tasks", count)
}

// Stop halts scheduling; the returned context is done when running tasks
// finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// RunTaskNow executes a task out of schedule.
func (s *Scheduler) RunTaskNow(id string) error {
	s.mu.RLock()
	task, ok := s.tasks[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown task %s", id)
	}

	go s.executeTask(task)
	return nil
}

func (s *Scheduler) Tasks() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	return out
}

// History returns recent executions, newest first.
func (s *Scheduler) History(limit int) []Execution {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Execution, limit)
	for i := 0; i < limit; i++ {
		out[i] = s.history[n-1-i]
	}
	return out
}

func (s *Scheduler) scheduleTask(task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.entries[task.ID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, task.ID)
	}

	entryID, err := s.cron.AddFunc(task.Schedule, func() {
		s.executeTask(task)
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", task.Schedule, err)
	}

	s.entries[task.ID] = entryID

	entry := s.cron.Entry(entryID)
	nextRun := entry.Next
	task.NextRun = &nextRun

	s.logger.Info("scheduled task",
		"task_id", task.ID,
		"task_name", task.Name,
		"schedule", task.Schedule,
		"next_run", nextRun)

	return nil
}

func (s *Scheduler) unscheduleTask(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
}

func (s *Scheduler) executeTask(task *Task) {
	ctx := context.Background()
	start := time.Now()

	s.mu.RLock()
	handler, ok := s.handlers[task.Type]
	s.mu.RUnlock()

	exec := Execution{TaskID: task.ID, Status: StatusRunning, StartedAt: start}

	if !ok {
		end := time.Now()
		exec.Status = StatusFailed
		exec.Error = fmt.Sprintf("no handler registered for task type %s", task.Type)
		exec.EndedAt = &end
		s.record(exec)
		s.logger.Error("task has no handler", "task_id", task.ID, "type", task.Type)
		return
	}

	s.logger.Info("executing task", "task_id", task.ID, "task_name", task.Name)

	err := handler(ctx, task)
	end := time.Now()
	exec.EndedAt = &end

	if err != nil {
		exec.Status = StatusFailed
		exec.Error = err.Error()
		s.logger.Error("task execution failed",
			"task_id", task.ID,
			"error", err,
			"duration", end.Sub(start))
	} else {
		exec.Status = StatusCompleted
		s.logger.Info("task execution completed",
			"task_id", task.ID,
			"duration", end.Sub(start))
	}

	s.mu.Lock()
	task.LastRun = &start
	s.mu.Unlock()

	s.record(exec)
}

func (s *Scheduler) record(exec Execution) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, exec)
	if len(s.history) > maxHistory {
		s.history = s.history[len(s.history)-maxHistory:]
	}
}

// Handlers wires the standard maintenance duties into the scheduler.
type Handlers struct {
	// CohortAnalysisFunc enqueues a batch analysis for the configured cohort.
	CohortAnalysisFunc func(ctx context.Context, cohort string) error
	// RetentionFunc purges audit records older than the retention window.
	RetentionFunc func(ctx context.Context, olderThan time.Duration) error
	// StaleSweepFunc requeues or fails abandoned queue jobs.
	StaleSweepFunc func(ctx context.Context) error
}

func (h *Handlers) Register(s *Scheduler) {
	if h.CohortAnalysisFunc != nil {
		s.RegisterHandler(TaskCohortAnalysis, func(ctx context.Context, task *Task) error {
			return h.CohortAnalysisFunc(ctx, task.Config["cohort"])
		})
	}

	if h.RetentionFunc != nil {
		s.RegisterHandler(TaskAuditRetention, func(ctx context.Context, task *Task) error {
			days := 365
			if d, ok := task.Config["retention_days"]; ok {
				fmt.Sscanf(d, "%d", &days)
			}
			return h.RetentionFunc(ctx, time.Duration(days)*24*time.Hour)
		})
	}

	if h.StaleSweepFunc != nil {
		s.RegisterHandler(TaskStaleJobSweep, func(ctx context.Context, task *Task) error {
			return h.StaleSweepFunc(ctx)
		})
	}
}
