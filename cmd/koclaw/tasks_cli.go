package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/basket/koclaw/internal/config"
	"github.com/basket/koclaw/internal/persistence"
	"github.com/basket/koclaw/internal/tasks"
)

// openCLIStore opens the store for a one-shot CLI command, without the bus.
func openCLIStore() (*persistence.Store, config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, cfg, err
	}
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		return nil, cfg, err
	}
	return store, cfg, nil
}

func cliManager(store *persistence.Store) *tasks.Manager {
	return tasks.NewManager(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func runTaskCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: koclaw task <add|list|runs|pause|resume|cancel> ...")
		return 2
	}

	store, _, err := openCLIStore()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	defer store.Close()
	mgr := cliManager(store)

	switch args[0] {
	case "add":
		return runTaskAdd(ctx, mgr, args[1:])
	case "list":
		return runTaskList(ctx, mgr, args[1:])
	case "runs":
		return runTaskRuns(ctx, mgr, args[1:])
	case "pause", "resume", "cancel":
		return runTaskLifecycle(ctx, mgr, args[0], args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown task subcommand %q\n", args[0])
		return 2
	}
}

func runTaskAdd(ctx context.Context, mgr *tasks.Manager, args []string) int {
	fs := flag.NewFlagSet("task add", flag.ContinueOnError)
	conversation := fs.String("conversation", "chat", "conversation the task belongs to")
	prompt := fs.String("prompt", "", "prompt to run against the agent (required)")
	scheduleType := fs.String("type", "", "schedule type: cron, interval, or once (required)")
	scheduleValue := fs.String("value", "", "schedule value: cron expression, milliseconds, or RFC 3339 timestamp (required)")
	contextMode := fs.String("context", "isolated", "context mode: isolated or group")
	target := fs.String("target", "", "deliver results to this conversation instead of the scheduling one")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *prompt == "" || *scheduleType == "" || *scheduleValue == "" {
		fmt.Fprintln(os.Stderr, "task add requires -prompt, -type, and -value")
		return 2
	}

	task, err := mgr.Schedule(ctx, tasks.ScheduleRequest{
		Conversation:       *conversation,
		Prompt:             *prompt,
		ScheduleType:       *scheduleType,
		ScheduleValue:      *scheduleValue,
		ContextMode:        persistence.ContextMode(*contextMode),
		TargetConversation: *target,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	fmt.Printf("scheduled %s, next run %s\n", task.ID, formatTime(task.NextRun))
	return 0
}

func runTaskList(ctx context.Context, mgr *tasks.Manager, args []string) int {
	fs := flag.NewFlagSet("task list", flag.ContinueOnError)
	conversation := fs.String("conversation", "", "only tasks for this conversation")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var (
		list []persistence.Task
		err  error
	)
	if *conversation != "" {
		list, err = mgr.List(ctx, *conversation)
	} else {
		list, err = mgr.ListAll(ctx)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}

	printTaskTable(os.Stdout, list)
	return 0
}

func printTaskTable(out io.Writer, list []persistence.Task) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCONVERSATION\tSCHEDULE\tSTATUS\tNEXT RUN\tPROMPT")
	for _, task := range list {
		fmt.Fprintf(w, "%s\t%s\t%s %s\t%s\t%s\t%s\n",
			task.ID,
			task.Conversation,
			task.ScheduleType,
			task.ScheduleValue,
			task.Status,
			formatTime(task.NextRun),
			ellipsize(task.Prompt, 40),
		)
	}
	w.Flush()
}

func runTaskRuns(ctx context.Context, mgr *tasks.Manager, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: koclaw task runs <id>")
		return 2
	}
	runs, err := mgr.Runs(ctx, args[0], 20)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN AT\tSTATUS\tDURATION\tRESULT")
	for _, run := range runs {
		detail := run.Result
		if run.Status == persistence.RunStatusError {
			detail = run.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%dms\t%s\n",
			run.RunAt.Format(time.RFC3339),
			run.Status,
			run.DurationMS,
			ellipsize(detail, 60),
		)
	}
	w.Flush()
	return 0
}

func runTaskLifecycle(ctx context.Context, mgr *tasks.Manager, action string, args []string) int {
	if len(args) != 1 {
		fmt.Fprintf(os.Stderr, "usage: koclaw task %s <id>\n", action)
		return 2
	}
	id := args[0]

	var err error
	switch action {
	case "pause":
		err = mgr.Pause(ctx, id)
	case "resume":
		err = mgr.Resume(ctx, id)
	case "cancel":
		err = mgr.Cancel(ctx, id)
	}
	if errors.Is(err, tasks.ErrNotFound) {
		fmt.Fprintf(os.Stderr, "task %s not found\n", id)
		return 1
	}
	if errors.Is(err, tasks.ErrTaskCompleted) {
		fmt.Fprintf(os.Stderr, "task %s already completed; cancel it to remove\n", id)
		return 1
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	fmt.Printf("%sd %s\n", action, id)
	return 0
}

func runStatusCommand(ctx context.Context) int {
	store, cfg, err := openCLIStore()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	defer store.Close()

	list, err := store.ListAllTasks(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	counts := map[persistence.TaskStatus]int{}
	for _, task := range list {
		counts[task.Status]++
	}
	pending, err := store.PendingDeliveryCount(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}

	fmt.Printf("db: %s\n", cfg.DBPath)
	fmt.Printf("tasks: %d active, %d paused, %d completed\n",
		counts[persistence.TaskStatusActive],
		counts[persistence.TaskStatusPaused],
		counts[persistence.TaskStatusCompleted])
	fmt.Printf("deliveries pending: %d\n", pending)
	return 0
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func ellipsize(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
