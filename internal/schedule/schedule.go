// Package schedule computes execution instants for scheduled tasks.
// It is pure: no I/O, no clocks of its own — callers pass "now".
package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// ErrInvalidSchedule indicates a schedule value that cannot be parsed for
// its kind, or an unknown kind. It is returned at creation, resume, and
// post-run recompute time — never silently defaulted.
var ErrInvalidSchedule = errors.New("invalid schedule")

// Kind is the closed set of schedule kinds.
type Kind string

const (
	// KindCron runs on a five-field cron expression.
	KindCron Kind = "cron"
	// KindInterval runs every N milliseconds, counted from each completion.
	KindInterval Kind = "interval"
	// KindOnce runs a single time at an absolute instant.
	KindOnce Kind = "once"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// ParseKind validates a schedule kind string.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindCron, KindInterval, KindOnce:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("%w: unknown schedule type %q", ErrInvalidSchedule, s)
	}
}

// Recurring reports whether the kind produces another run after each execution.
func (k Kind) Recurring() bool {
	return k == KindCron || k == KindInterval
}

// Validate checks that value parses for the kind without computing anything.
func Validate(kind Kind, value string) error {
	_, err := NextRun(kind, value, time.Now().UTC())
	return err
}

// NextRun returns the next execution instant for the schedule evaluated at now.
//   - cron: earliest instant strictly after now matching the expression
//   - interval: now + value milliseconds
//   - once: the value itself, verbatim — even when it is in the past
func NextRun(kind Kind, value string, now time.Time) (time.Time, error) {
	switch kind {
	case KindCron:
		spec, err := cronParser.Parse(value)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: cron %q: %v", ErrInvalidSchedule, value, err)
		}
		return spec.Next(now), nil
	case KindInterval:
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil || ms < 0 {
			return time.Time{}, fmt.Errorf("%w: interval %q is not a non-negative millisecond count", ErrInvalidSchedule, value)
		}
		return now.Add(time.Duration(ms) * time.Millisecond), nil
	case KindOnce:
		at, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: once %q is not an RFC 3339 timestamp", ErrInvalidSchedule, value)
		}
		return at, nil
	default:
		return time.Time{}, fmt.Errorf("%w: unknown schedule type %q", ErrInvalidSchedule, kind)
	}
}

// NextAfterRun returns the run that follows an execution completing at now.
// Nil means the task will not run again (one-shot kinds).
func NextAfterRun(kind Kind, value string, now time.Time) (*time.Time, error) {
	if !kind.Recurring() {
		if _, err := ParseKind(string(kind)); err != nil {
			return nil, err
		}
		return nil, nil
	}
	next, err := NextRun(kind, value, now)
	if err != nil {
		return nil, err
	}
	return &next, nil
}
