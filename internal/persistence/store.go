// Package persistence owns all durable state for the scheduler: tasks, run
// logs, the delivery queue, and the conversations table it reads sessions
// from. No other package opens a connection to the database.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/koclaw/internal/bus"
	"github.com/basket/koclaw/internal/schedule"
	_ "github.com/mattn/go-sqlite3"
)

// TaskStatus is the lifecycle state of a scheduled task.
type TaskStatus string

const (
	TaskStatusActive    TaskStatus = "active"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusCompleted TaskStatus = "completed"
)

// ContextMode controls whether a run starts a fresh agent session or resumes
// the owning conversation's session.
type ContextMode string

const (
	ContextModeIsolated ContextMode = "isolated"
	ContextModeGroup    ContextMode = "group"
)

// RunStatus is the outcome recorded on a run-log row.
type RunStatus string

const (
	RunStatusSuccess RunStatus = "success"
	RunStatusError   RunStatus = "error"
)

// DeliveryStatus is the lifecycle state of a delivery-queue item.
type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusFailed    DeliveryStatus = "failed"
)

// Task is a persistent schedulable unit.
type Task struct {
	ID                 string        `json:"id"`
	Conversation       string        `json:"conversation"`
	Prompt             string        `json:"prompt"`
	ScheduleType       schedule.Kind `json:"schedule_type"`
	ScheduleValue      string        `json:"schedule_value"`
	ContextMode        ContextMode   `json:"context_mode"`
	TargetConversation string        `json:"target_conversation,omitempty"`
	NextRun            *time.Time    `json:"next_run,omitempty"`
	LastRun            *time.Time    `json:"last_run,omitempty"`
	LastResult         string        `json:"last_result,omitempty"`
	Status             TaskStatus    `json:"status"`
	CreatedAt          time.Time     `json:"created_at"`
}

// TaskRunLog is an immutable audit record of one execution attempt.
type TaskRunLog struct {
	ID         int64     `json:"id"`
	TaskID     string    `json:"task_id"`
	RunAt      time.Time `json:"run_at"`
	DurationMS int64     `json:"duration_ms"`
	Status     RunStatus `json:"status"`
	Result     string    `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// DeliveryItem is a pending outbound message awaiting a channel consumer.
type DeliveryItem struct {
	ID            string         `json:"id"`
	TaskID        string         `json:"task_id"`
	TaskRunLogID  *int64         `json:"task_run_log_id,omitempty"`
	Conversation  string         `json:"conversation"`
	ChannelPrefix string         `json:"channel_prefix"`
	Message       string         `json:"message"`
	Status        DeliveryStatus `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	DeliveredAt   *time.Time     `json:"delivered_at,omitempty"`
}

// Conversation holds the agent session token for a named conversation. The
// scheduler reads it to resolve group-mode resume tokens and writes it back
// after successful runs.
type Conversation struct {
	Name      string    `json:"name"`
	SessionID string    `json:"session_id,omitempty"`
	CWD       string    `json:"cwd,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".koclaw", "koclaw.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			name TEXT PRIMARY KEY,
			session_id TEXT,
			cwd TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id TEXT PRIMARY KEY,
			conversation TEXT NOT NULL,
			prompt TEXT NOT NULL,
			schedule_type TEXT NOT NULL CHECK(schedule_type IN ('cron', 'interval', 'once')),
			schedule_value TEXT NOT NULL,
			context_mode TEXT NOT NULL DEFAULT 'isolated' CHECK(context_mode IN ('isolated', 'group')),
			target_conversation TEXT,
			next_run DATETIME,
			last_run DATETIME,
			last_result TEXT,
			status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active', 'paused', 'completed')),
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS task_run_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL REFERENCES scheduled_tasks(id),
			run_at DATETIME NOT NULL,
			duration_ms INTEGER NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('success', 'error')),
			result TEXT,
			error TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS delivery_queue (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES scheduled_tasks(id),
			task_run_log_id INTEGER,
			conversation TEXT NOT NULL,
			channel_prefix TEXT NOT NULL,
			message TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending', 'delivered', 'failed')),
			created_at DATETIME NOT NULL,
			delivered_at DATETIME
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_next_run ON scheduled_tasks(next_run);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON scheduled_tasks(status);`,
		`CREATE INDEX IF NOT EXISTS idx_run_logs_task ON task_run_logs(task_id, run_at);`,
		`CREATE INDEX IF NOT EXISTS idx_delivery_pending ON delivery_queue(channel_prefix, status);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return tx.Commit()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.Intn(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
