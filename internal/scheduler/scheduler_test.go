package scheduler_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/koclaw/internal/agent"
	"github.com/basket/koclaw/internal/persistence"
	"github.com/basket/koclaw/internal/schedule"
	"github.com/basket/koclaw/internal/scheduler"
	"github.com/google/uuid"
)

// scriptedAgent returns canned responses and records every call.
type scriptedAgent struct {
	mu      sync.Mutex
	results []agent.Result
	errs    []error
	calls   []string // resume tokens, in call order
}

func (a *scriptedAgent) respond(text, sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.results = append(a.results, agent.Result{Text: text, SessionID: sessionID})
	a.errs = append(a.errs, nil)
}

func (a *scriptedAgent) fail(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.results = append(a.results, agent.Result{})
	a.errs = append(a.errs, err)
}

func (a *scriptedAgent) Query(_ context.Context, _, resumeSession string) (agent.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, resumeSession)
	if len(a.results) == 0 {
		return agent.Result{Text: "ok"}, nil
	}
	res, err := a.results[0], a.errs[0]
	a.results, a.errs = a.results[1:], a.errs[1:]
	return res, err
}

type testEnv struct {
	store *persistence.Store
	agent *scriptedAgent
	sched *scheduler.Scheduler
	now   time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "koclaw.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	env := &testEnv{
		store: store,
		agent: &scriptedAgent{},
		now:   time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC),
	}
	env.sched = scheduler.New(scheduler.Config{
		Store:  store,
		Agent:  env.agent,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:    func() time.Time { return env.now },
	})
	return env
}

func (env *testEnv) createDueTask(t *testing.T, mutate func(*persistence.Task)) persistence.Task {
	t.Helper()
	due := env.now.Add(-time.Minute)
	task := persistence.Task{
		ID:            uuid.NewString(),
		Conversation:  "chat",
		Prompt:        "summarize overnight alerts",
		ScheduleType:  schedule.KindOnce,
		ScheduleValue: due.Format(time.RFC3339),
		NextRun:       &due,
	}
	if mutate != nil {
		mutate(&task)
	}
	if err := env.store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func (env *testEnv) getTask(t *testing.T, id string) *persistence.Task {
	t.Helper()
	task, err := env.store.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	return task
}

func TestTick_OnceTaskCompletesAndDelivers(t *testing.T) {
	env := newTestEnv(t)
	env.agent.respond("<reply>all clear</reply>", "sess-1")
	task := env.createDueTask(t, nil)

	env.sched.Tick(context.Background())

	got := env.getTask(t, task.ID)
	if got.Status != persistence.TaskStatusCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}
	if got.NextRun != nil {
		t.Fatalf("next_run = %v, want nil", got.NextRun)
	}
	if got.LastResult != "<reply>all clear</reply>" {
		t.Fatalf("last_result = %q", got.LastResult)
	}

	runs, err := env.store.ListTaskRuns(context.Background(), task.ID, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != persistence.RunStatusSuccess {
		t.Fatalf("runs = %+v", runs)
	}

	pending, err := env.store.PendingDeliveries(context.Background(), "chat")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	if pending[0].Message != "all clear" {
		t.Fatalf("message = %q, want reply tags stripped", pending[0].Message)
	}
}

func TestTick_IntervalTaskReschedules(t *testing.T) {
	env := newTestEnv(t)
	env.agent.respond("done", "")
	task := env.createDueTask(t, func(task *persistence.Task) {
		task.ScheduleType = schedule.KindInterval
		task.ScheduleValue = "300000"
	})

	env.sched.Tick(context.Background())

	got := env.getTask(t, task.ID)
	if got.Status != persistence.TaskStatusActive {
		t.Fatalf("status = %q, want active", got.Status)
	}
	want := env.now.Add(5 * time.Minute)
	if got.NextRun == nil || !got.NextRun.Equal(want) {
		t.Fatalf("next_run = %v, want %v", got.NextRun, want)
	}
}

func TestTick_AgentFailureCompletesWithErrorLog(t *testing.T) {
	env := newTestEnv(t)
	env.agent.fail(errors.New("model overloaded"))
	task := env.createDueTask(t, func(task *persistence.Task) {
		// Recurring schedule: a failed run still must not reschedule.
		task.ScheduleType = schedule.KindCron
		task.ScheduleValue = "*/5 * * * *"
	})

	env.sched.Tick(context.Background())

	got := env.getTask(t, task.ID)
	if got.Status != persistence.TaskStatusCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}
	if got.NextRun != nil {
		t.Fatalf("next_run = %v, want nil", got.NextRun)
	}
	if got.LastResult != "Error: model overloaded" {
		t.Fatalf("last_result = %q", got.LastResult)
	}

	runs, err := env.store.ListTaskRuns(context.Background(), task.ID, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != persistence.RunStatusError || runs[0].Error != "model overloaded" {
		t.Fatalf("runs = %+v", runs)
	}

	count, err := env.store.PendingDeliveryCount(context.Background())
	if err != nil {
		t.Fatalf("pending count: %v", err)
	}
	if count != 0 {
		t.Fatalf("delivery enqueued for failed run")
	}
}

func TestTick_GroupModeResumesAndStoresSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.store.UpsertConversation(ctx, "chat", "sess-old", "/work"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	env.agent.respond("resumed fine", "sess-new")
	env.createDueTask(t, func(task *persistence.Task) {
		task.ContextMode = persistence.ContextModeGroup
	})

	env.sched.Tick(ctx)

	if len(env.agent.calls) != 1 || env.agent.calls[0] != "sess-old" {
		t.Fatalf("agent calls = %v, want one resumed call", env.agent.calls)
	}
	conv, err := env.store.GetConversation(ctx, "chat")
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if conv.SessionID != "sess-new" {
		t.Fatalf("session_id = %q, want sess-new", conv.SessionID)
	}
}

func TestTick_IsolatedModeNeverResumes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.store.UpsertConversation(ctx, "chat", "sess-old", ""); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	env.agent.respond("fresh", "sess-ignored")
	env.createDueTask(t, nil) // default context_mode isolated

	env.sched.Tick(ctx)

	if len(env.agent.calls) != 1 || env.agent.calls[0] != "" {
		t.Fatalf("agent calls = %v, want one fresh call", env.agent.calls)
	}
	conv, err := env.store.GetConversation(ctx, "chat")
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if conv.SessionID != "sess-old" {
		t.Fatalf("isolated run must not touch the stored session, got %q", conv.SessionID)
	}
}

func TestTick_StaleSessionRetriesFresh(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.store.UpsertConversation(ctx, "chat", "sess-stale", "/work"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	env.agent.fail(agent.ErrSessionNotFound)
	env.agent.respond("recovered", "sess-fresh")
	task := env.createDueTask(t, func(task *persistence.Task) {
		task.ContextMode = persistence.ContextModeGroup
	})

	env.sched.Tick(ctx)

	if len(env.agent.calls) != 2 || env.agent.calls[0] != "sess-stale" || env.agent.calls[1] != "" {
		t.Fatalf("agent calls = %v, want resumed then fresh", env.agent.calls)
	}
	got := env.getTask(t, task.ID)
	if got.Status != persistence.TaskStatusCompleted || got.LastResult != "recovered" {
		t.Fatalf("task = %+v, want successful completion from retry", got)
	}
	conv, err := env.store.GetConversation(ctx, "chat")
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if conv.SessionID != "sess-fresh" {
		t.Fatalf("session_id = %q, want sess-fresh", conv.SessionID)
	}
}

func TestTick_FreshSessionRejectionIsNotRetried(t *testing.T) {
	env := newTestEnv(t)
	env.agent.fail(agent.ErrSessionNotFound)
	task := env.createDueTask(t, nil) // isolated, no resume token

	env.sched.Tick(context.Background())

	if len(env.agent.calls) != 1 {
		t.Fatalf("agent calls = %d, want 1 (nothing to retry)", len(env.agent.calls))
	}
	got := env.getTask(t, task.ID)
	if got.Status != persistence.TaskStatusCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}
	runs, err := env.store.ListTaskRuns(context.Background(), task.ID, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != persistence.RunStatusError {
		t.Fatalf("runs = %+v", runs)
	}
}

func TestTick_FailureDoesNotStopOtherTasks(t *testing.T) {
	env := newTestEnv(t)
	env.agent.fail(errors.New("boom"))
	env.agent.respond("second ran", "")

	earlier := env.now.Add(-2 * time.Hour)
	first := env.createDueTask(t, func(task *persistence.Task) {
		task.NextRun = &earlier
	})
	second := env.createDueTask(t, nil)

	env.sched.Tick(context.Background())

	if got := env.getTask(t, first.ID); got.LastResult != "Error: boom" {
		t.Fatalf("first task last_result = %q", got.LastResult)
	}
	if got := env.getTask(t, second.ID); got.LastResult != "second ran" {
		t.Fatalf("second task last_result = %q", got.LastResult)
	}
}

func TestStartStop_RunsDueTasksInBackground(t *testing.T) {
	env := newTestEnv(t)
	env.agent.respond("polled", "")
	task := env.createDueTask(t, nil)

	env.sched.Start(context.Background())
	defer env.sched.Stop()

	waitFor(t, 2*time.Second, func() bool {
		return env.getTask(t, task.ID).Status == persistence.TaskStatusCompleted
	})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
