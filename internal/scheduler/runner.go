package scheduler

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/koclaw/internal/agent"
	"github.com/basket/koclaw/internal/persistence"
	"github.com/basket/koclaw/internal/schedule"
)

// resultLimit bounds last_result and run-log result text.
const resultLimit = 200

var replyTagRe = regexp.MustCompile(`(?s)<reply>(.*?)</reply>`)

// StripReplyTags extracts the contents of <reply> tags from agent output,
// joining multiple tags with newlines. Text without tags passes through
// unchanged, so agents that don't use the convention still deliver.
func StripReplyTags(text string) string {
	matches := replyTagRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return text
	}
	parts := make([]string, 0, len(matches))
	for _, m := range matches {
		if s := strings.TrimSpace(m[1]); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}

// ResolveDeliveryTarget determines the conversation and channel prefix a
// task's result should be delivered to.
//
// When target_conversation is set but lacks a recognised channel prefix
// (e.g. a bare chat id), the prefix is inherited from the originating
// conversation and the name is reconstructed so channel consumers can
// route the delivery.
func ResolveDeliveryTarget(task persistence.Task) (conversation, channelPrefix string) {
	target := task.TargetConversation
	if target == "" {
		target = task.Conversation
	}

	if persistence.HasKnownChannelPrefix(target) {
		return target, persistence.ChannelPrefix(target)
	}

	// Bare identifier. If the origin has no known prefix either, there is
	// nothing to inherit and the default applies.
	if !persistence.HasKnownChannelPrefix(task.Conversation) {
		return target, persistence.ChannelPrefix(target)
	}

	originPrefix := persistence.ChannelPrefix(task.Conversation)

	// A bare target matching the tail of the originating conversation means
	// "deliver back where this came from": origin "telegram-ops-1234" with
	// target "1234" routes to the origin itself. The "-" boundary avoids
	// false substring matches.
	var originSuffix string
	if _, rest, ok := strings.Cut(task.Conversation, "-"); ok {
		originSuffix = rest
	}
	if originSuffix == target || strings.HasSuffix(originSuffix, "-"+target) {
		return task.Conversation, originPrefix
	}

	return originPrefix + "-" + target, originPrefix
}

// runTask executes one due task: resolve the session, query the agent,
// record the outcome, and enqueue delivery of the result.
func (s *Scheduler) runTask(ctx context.Context, task persistence.Task) {
	start := s.now()
	logger := s.logger.With("task_id", task.ID, "conversation", task.Conversation)

	resumeSession, cwd := s.resolveSession(ctx, task)

	res, err := s.agent.Query(ctx, task.Prompt, resumeSession)
	if errors.Is(err, agent.ErrSessionNotFound) && resumeSession != "" {
		// The agent no longer accepts the stored session. Clear it and
		// retry once from scratch rather than failing the run.
		logger.Warn("session resume rejected, retrying fresh", "session_id", resumeSession)
		if upErr := s.store.UpsertConversation(ctx, task.Conversation, "", cwd); upErr != nil {
			logger.Error("failed to clear stale session", "error", upErr)
		}
		res, err = s.agent.Query(ctx, task.Prompt, "")
	}

	durationMS := s.now().Sub(start).Milliseconds()

	if err != nil {
		s.recordFailure(ctx, task, start, durationMS, err)
		return
	}

	if task.ContextMode == persistence.ContextModeGroup && res.SessionID != "" {
		if upErr := s.store.UpsertConversation(ctx, task.Conversation, res.SessionID, cwd); upErr != nil {
			logger.Error("failed to store agent session", "error", upErr)
		}
	}

	next, nextErr := schedule.NextAfterRun(task.ScheduleType, task.ScheduleValue, s.now())
	if nextErr != nil {
		// Stored schedule no longer parses. The task cannot be rescheduled;
		// completing it beats re-running a broken row every tick.
		logger.Error("failed to compute next run", "error", nextErr)
		next = nil
	}

	summary := truncate(res.Text, resultLimit)
	if summary == "" {
		summary = "Completed"
	}
	if err := s.store.UpdateTaskAfterRun(ctx, task.ID, next, summary); err != nil {
		logger.Error("failed to update task after run", "error", err)
	}
	if _, err := s.store.LogTaskRun(ctx, persistence.TaskRunLog{
		TaskID:     task.ID,
		RunAt:      start,
		DurationMS: durationMS,
		Status:     persistence.RunStatusSuccess,
		Result:     truncate(res.Text, resultLimit),
	}); err != nil {
		logger.Error("failed to log task run", "error", err)
	}

	s.recordMetrics(ctx, durationMS, persistence.RunStatusSuccess)

	if res.Text != "" {
		conversation, prefix := ResolveDeliveryTarget(task)
		_, err := s.store.EnqueueDelivery(ctx, persistence.DeliveryItem{
			TaskID:        task.ID,
			Conversation:  conversation,
			ChannelPrefix: prefix,
			Message:       StripReplyTags(res.Text),
		})
		if err != nil {
			logger.Error("failed to enqueue delivery", "error", err)
		} else if s.metrics != nil {
			s.metrics.DeliveriesQueued.Add(ctx, 1)
		}
	}

	logger.Info("task run completed", "duration_ms", durationMS, "next_run", next)
}

// recordFailure handles the error path: the task is not rescheduled, the
// failure is recorded in the audit log, and nothing is delivered.
func (s *Scheduler) recordFailure(ctx context.Context, task persistence.Task, start time.Time, durationMS int64, runErr error) {
	logger := s.logger.With("task_id", task.ID, "conversation", task.Conversation)
	logger.Error("task run failed", "duration_ms", durationMS, "error", runErr)

	summary := truncate("Error: "+runErr.Error(), resultLimit)
	if err := s.store.UpdateTaskAfterRun(ctx, task.ID, nil, summary); err != nil {
		logger.Error("failed to update task after failed run", "error", err)
	}
	if _, err := s.store.LogTaskRun(ctx, persistence.TaskRunLog{
		TaskID:     task.ID,
		RunAt:      start,
		DurationMS: durationMS,
		Status:     persistence.RunStatusError,
		Error:      runErr.Error(),
	}); err != nil {
		logger.Error("failed to log failed task run", "error", err)
	}

	s.recordMetrics(ctx, durationMS, persistence.RunStatusError)
}

// resolveSession returns the resume token for a group-context task, plus
// the conversation's working directory for session upserts. Isolated tasks
// always start fresh.
func (s *Scheduler) resolveSession(ctx context.Context, task persistence.Task) (resumeSession, cwd string) {
	if task.ContextMode != persistence.ContextModeGroup {
		return "", ""
	}
	conv, err := s.store.GetConversation(ctx, task.Conversation)
	if err != nil {
		s.logger.Error("failed to load conversation", "conversation", task.Conversation, "error", err)
		return "", ""
	}
	if conv == nil {
		return "", ""
	}
	return conv.SessionID, conv.CWD
}

func (s *Scheduler) recordMetrics(ctx context.Context, durationMS int64, status persistence.RunStatus) {
	if s.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", string(status)))
	s.metrics.TaskRunDuration.Record(ctx, float64(durationMS)/1000, attrs)
	s.metrics.TaskRunsTotal.Add(ctx, 1, attrs)
	if status == persistence.RunStatusError {
		s.metrics.TaskRunErrors.Add(ctx, 1)
	}
}

// truncate bounds s to n characters, never splitting a multi-byte rune.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
