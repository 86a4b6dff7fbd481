package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/basket/koclaw/internal/bus"
)

const taskColumns = `
	id, conversation, prompt, schedule_type, schedule_value, context_mode,
	COALESCE(target_conversation, ''), next_run, last_run,
	COALESCE(last_result, ''), status, created_at`

func scanTask(scan func(dest ...any) error, task *Task) error {
	var nextRun, lastRun sql.NullTime
	if err := scan(
		&task.ID,
		&task.Conversation,
		&task.Prompt,
		&task.ScheduleType,
		&task.ScheduleValue,
		&task.ContextMode,
		&task.TargetConversation,
		&nextRun,
		&lastRun,
		&task.LastResult,
		&task.Status,
		&task.CreatedAt,
	); err != nil {
		return err
	}
	task.NextRun = timePtr(nextRun)
	task.LastRun = timePtr(lastRun)
	return nil
}

// CreateTask inserts a new task. Status is forced to active and created_at to
// "now"; the caller supplies next_run (the creation-time calculator result).
func (s *Store) CreateTask(ctx context.Context, task Task) error {
	if task.ContextMode == "" {
		task.ContextMode = ContextModeIsolated
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO scheduled_tasks (
				id, conversation, prompt, schedule_type, schedule_value,
				context_mode, target_conversation, next_run, status, created_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`,
			task.ID,
			task.Conversation,
			task.Prompt,
			task.ScheduleType,
			task.ScheduleValue,
			task.ContextMode,
			nullString(task.TargetConversation),
			nullTime(task.NextRun),
			TaskStatusActive,
			time.Now().UTC(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	err := scanTask(s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM scheduled_tasks
		WHERE id = ?;
	`, taskID).Scan, &task)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

// ListTasks returns the tasks owned by a conversation, newest first.
func (s *Store) ListTasks(ctx context.Context, conversation string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM scheduled_tasks
		WHERE conversation = ?
		ORDER BY created_at DESC, id ASC;
	`, conversation)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *Store) ListAllTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM scheduled_tasks
		ORDER BY created_at DESC, id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list all tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]Task, error) {
	var out []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

// DueTasks returns active tasks with next_run at or before now, earliest
// first. Paused and completed tasks are never returned, whatever their
// next_run says.
func (s *Store) DueTasks(ctx context.Context, now time.Time) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM scheduled_tasks
		WHERE status = ? AND next_run IS NOT NULL AND next_run <= ?
		ORDER BY next_run ASC, id ASC;
	`, TaskStatusActive, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("due tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// taskUpdateColumns is the set of columns UpdateTask may touch. schedule_type
// is deliberately absent: the kind of a task is immutable after creation.
var taskUpdateColumns = []string{"prompt", "schedule_value", "next_run", "status", "target_conversation"}

// UpdateTask applies a partial update. Keys that do not name a recognized
// column are ignored without error; calling with no recognized keys leaves
// the row unchanged and succeeds.
func (s *Store) UpdateTask(ctx context.Context, taskID string, updates map[string]any) error {
	var sets []string
	var args []any
	for _, col := range taskUpdateColumns {
		val, ok := updates[col]
		if !ok {
			continue
		}
		sets = append(sets, col+" = ?")
		if t, isTime := val.(*time.Time); isTime {
			args = append(args, nullTime(t))
		} else {
			args = append(args, val)
		}
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, taskID)

	query := "UPDATE scheduled_tasks SET " + joinSets(sets) + " WHERE id = ?;"
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

func joinSets(sets []string) string {
	out := sets[0]
	for _, s := range sets[1:] {
		out += ", " + s
	}
	return out
}

// UpdateTaskAfterRun records the result of an execution attempt. A nil
// nextRun marks the task completed; otherwise status is left exactly as it
// is, so a pause issued while the run was in flight is preserved.
func (s *Store) UpdateTaskAfterRun(ctx context.Context, taskID string, nextRun *time.Time, lastResult string) error {
	next := nullTime(nextRun)
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET next_run = ?,
		    last_run = ?,
		    last_result = ?,
		    status = CASE WHEN ? IS NULL THEN 'completed' ELSE status END
		WHERE id = ?;
	`, next, time.Now().UTC(), lastResult, next, taskID)
	if err != nil {
		return fmt.Errorf("update task after run: %w", err)
	}
	return nil
}

// DeleteTask removes a task and all its run logs in one transaction.
// Returns false when no such task exists.
func (s *Store) DeleteTask(ctx context.Context, taskID string) (bool, error) {
	var found bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin delete tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM task_run_logs WHERE task_id = ?;`, taskID); err != nil {
			return fmt.Errorf("delete run logs: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM delivery_queue WHERE task_id = ?;`, taskID); err != nil {
			return fmt.Errorf("delete pending deliveries: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?;`, taskID)
		if err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete task rows affected: %w", err)
		}
		found = n > 0
		return tx.Commit()
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

// LogTaskRun appends one immutable run-log row and returns its id.
func (s *Store) LogTaskRun(ctx context.Context, log TaskRunLog) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO task_run_logs (task_id, run_at, duration_ms, status, result, error)
		VALUES (?, ?, ?, ?, ?, ?);
	`,
		log.TaskID,
		log.RunAt.UTC(),
		log.DurationMS,
		log.Status,
		nullString(log.Result),
		nullString(log.Error),
	)
	if err != nil {
		return 0, fmt.Errorf("log task run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("run log id: %w", err)
	}

	if s.bus != nil {
		topic := bus.TopicRunCompleted
		if log.Status == RunStatusError {
			topic = bus.TopicRunFailed
		}
		s.bus.Publish(topic, bus.RunEvent{
			TaskID:     log.TaskID,
			DurationMS: log.DurationMS,
			Error:      log.Error,
		})
	}
	return id, nil
}

// ListTaskRuns returns the run history for a task, newest first.
func (s *Store) ListTaskRuns(ctx context.Context, taskID string, limit int) ([]TaskRunLog, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, run_at, duration_ms, status, COALESCE(result, ''), COALESCE(error, '')
		FROM task_run_logs
		WHERE task_id = ?
		ORDER BY run_at DESC, id DESC
		LIMIT ?;
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list task runs: %w", err)
	}
	defer rows.Close()

	var out []TaskRunLog
	for rows.Next() {
		var log TaskRunLog
		if err := rows.Scan(&log.ID, &log.TaskID, &log.RunAt, &log.DurationMS, &log.Status, &log.Result, &log.Error); err != nil {
			return nil, fmt.Errorf("scan run log: %w", err)
		}
		out = append(out, log)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("run log rows: %w", err)
	}
	return out, nil
}

// CountTaskRuns returns the number of run-log rows for a task.
func (s *Store) CountTaskRuns(ctx context.Context, taskID string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM task_run_logs WHERE task_id = ?;
	`, taskID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count task runs: %w", err)
	}
	return count, nil
}
