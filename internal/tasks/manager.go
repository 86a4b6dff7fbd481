// Package tasks provides the task lifecycle operations: schedule, list,
// pause, resume, and cancel. It sits between callers (CLI, channels) and
// the persistence layer, owning validation and next-run computation.
package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/basket/koclaw/internal/persistence"
	"github.com/basket/koclaw/internal/schedule"
)

// ErrNotFound indicates the task ID does not exist.
var ErrNotFound = errors.New("task not found")

// ErrTaskCompleted indicates a lifecycle operation on a completed task.
// Completed is terminal; only Cancel applies.
var ErrTaskCompleted = errors.New("task already completed")

// Manager coordinates task lifecycle operations against the store.
type Manager struct {
	store  *persistence.Store
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager backed by store.
func NewManager(store *persistence.Store, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ScheduleRequest describes a task to create.
type ScheduleRequest struct {
	Conversation       string
	Prompt             string
	ScheduleType       string
	ScheduleValue      string
	ContextMode        persistence.ContextMode
	TargetConversation string
}

// Schedule validates the request, computes the first run, and persists the
// task. The returned task carries the generated ID and next run time.
func (m *Manager) Schedule(ctx context.Context, req ScheduleRequest) (*persistence.Task, error) {
	if req.Conversation == "" {
		return nil, errors.New("conversation is required")
	}
	if req.Prompt == "" {
		return nil, errors.New("prompt is required")
	}
	kind, err := schedule.ParseKind(req.ScheduleType)
	if err != nil {
		return nil, err
	}
	next, err := schedule.NextRun(kind, req.ScheduleValue, m.now())
	if err != nil {
		return nil, err
	}

	task := persistence.Task{
		ID:                 uuid.NewString(),
		Conversation:       req.Conversation,
		Prompt:             req.Prompt,
		ScheduleType:       kind,
		ScheduleValue:      req.ScheduleValue,
		ContextMode:        req.ContextMode,
		TargetConversation: req.TargetConversation,
		NextRun:            &next,
		Status:             persistence.TaskStatusActive,
	}
	if err := m.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	m.logger.Info("task scheduled",
		"task_id", task.ID,
		"conversation", task.Conversation,
		"schedule_type", string(kind),
		"next_run", next)
	created, err := m.store.GetTask(ctx, task.ID)
	if err != nil {
		return nil, fmt.Errorf("reload task: %w", err)
	}
	return created, nil
}

// Get returns a single task by ID.
func (m *Manager) Get(ctx context.Context, taskID string) (*persistence.Task, error) {
	task, err := m.store.GetTask(ctx, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return task, err
}

// List returns all tasks registered for a conversation, newest first.
func (m *Manager) List(ctx context.Context, conversation string) ([]persistence.Task, error) {
	return m.store.ListTasks(ctx, conversation)
}

// ListAll returns every task in the store.
func (m *Manager) ListAll(ctx context.Context) ([]persistence.Task, error) {
	return m.store.ListAllTasks(ctx)
}

// Pause stops future executions of a task without discarding it. The
// schedule value is kept so Resume can pick the task back up.
func (m *Manager) Pause(ctx context.Context, taskID string) error {
	task, err := m.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status == persistence.TaskStatusCompleted {
		return ErrTaskCompleted
	}
	if task.Status == persistence.TaskStatusPaused {
		return nil
	}
	err = m.store.UpdateTask(ctx, taskID, map[string]any{
		"status": persistence.TaskStatusPaused,
	})
	if err != nil {
		return fmt.Errorf("pause task: %w", err)
	}
	m.logger.Info("task paused", "task_id", taskID)
	return nil
}

// Resume reactivates a paused task. The next run is recomputed from the
// current time rather than the stale pre-pause value, so a task paused for
// a week does not fire a backlog of missed runs. A once schedule keeps its
// original instant, even when that instant has already passed. A completed
// task cannot be resumed.
func (m *Manager) Resume(ctx context.Context, taskID string) error {
	task, err := m.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status == persistence.TaskStatusCompleted {
		return ErrTaskCompleted
	}
	next, err := schedule.NextRun(task.ScheduleType, task.ScheduleValue, m.now())
	if err != nil {
		return err
	}
	err = m.store.UpdateTask(ctx, taskID, map[string]any{
		"status":   persistence.TaskStatusActive,
		"next_run": &next,
	})
	if err != nil {
		return fmt.Errorf("resume task: %w", err)
	}
	m.logger.Info("task resumed", "task_id", taskID, "next_run", next)
	return nil
}

// Cancel permanently removes a task and its run history.
func (m *Manager) Cancel(ctx context.Context, taskID string) error {
	found, err := m.store.DeleteTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	if !found {
		return ErrNotFound
	}
	m.logger.Info("task cancelled", "task_id", taskID)
	return nil
}

// Runs returns the most recent run logs for a task.
func (m *Manager) Runs(ctx context.Context, taskID string, limit int) ([]persistence.TaskRunLog, error) {
	return m.store.ListTaskRuns(ctx, taskID, limit)
}
