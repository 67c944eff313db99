// Package schedule works out when the next wipe happens. Everything here is
// pure: the current instant is always passed in and nothing reads a clock.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Kind int

const (
	Weekly              Kind = iota // same weekday and time every week
	MonthlyFirstWeekday             // first given weekday of every month
)

func (k Kind) String() string {
	switch k {
	case Weekly:
		return "weekly"
	case MonthlyFirstWeekday:
		return "monthly"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Rule is a recurring wipe time. All fields are interpreted in UTC.
type Rule struct {
	Kind    Kind
	Weekday time.Weekday // 0 = Sunday
	Hour    int
	Minute  int
}

// ScheduleError means a recurrence rule is malformed. It is only ever
// produced while loading configuration.
type ScheduleError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ScheduleError) Error() string {
	return fmt.Sprintf("invalid schedule %s %q: %s", e.Field, e.Value, e.Reason)
}

// Validate checks the rule's invariants.
func (r Rule) Validate() error {
	if r.Kind != Weekly && r.Kind != MonthlyFirstWeekday {
		return &ScheduleError{Field: "kind", Value: strconv.Itoa(int(r.Kind)), Reason: "unknown recurrence"}
	}
	if r.Weekday < time.Sunday || r.Weekday > time.Saturday {
		return &ScheduleError{Field: "weekday", Value: strconv.Itoa(int(r.Weekday)), Reason: "must be 0-6"}
	}
	if r.Hour < 0 || r.Hour > 23 {
		return &ScheduleError{Field: "hour", Value: strconv.Itoa(r.Hour), Reason: "must be 0-23"}
	}
	if r.Minute < 0 || r.Minute > 59 {
		return &ScheduleError{Field: "minute", Value: strconv.Itoa(r.Minute), Reason: "must be 0-59"}
	}
	return nil
}

func (r Rule) String() string {
	switch r.Kind {
	case Weekly:
		return fmt.Sprintf("every %s at %02d:%02d UTC", r.Weekday, r.Hour, r.Minute)
	case MonthlyFirstWeekday:
		return fmt.Sprintf("first %s of the month at %02d:%02d UTC", r.Weekday, r.Hour, r.Minute)
	}
	return "invalid schedule"
}

// ParseKind accepts "weekly" or "monthly" (and a couple of long forms).
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "weekly", "week":
		return Weekly, nil
	case "monthly", "month", "monthly-first-weekday", "first-weekday":
		return MonthlyFirstWeekday, nil
	}
	return 0, &ScheduleError{Field: "kind", Value: s, Reason: "expected weekly or monthly"}
}

// ParseWeekday accepts an index (0-6, 0 is Sunday), a full day name or its
// three letter abbreviation.
func ParseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 || n > 6 {
			return 0, &ScheduleError{Field: "weekday", Value: s, Reason: "must be 0-6"}
		}
		return time.Weekday(n), nil
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || (len(s) == 3 && strings.HasPrefix(name, s)) {
			return d, nil
		}
	}
	return 0, &ScheduleError{Field: "weekday", Value: s, Reason: "unknown day"}
}

// ParseRule builds and validates a rule from its config representation.
func ParseRule(kind, weekday string, hour, minute int) (Rule, error) {
	k, err := ParseKind(kind)
	if err != nil {
		return Rule{}, err
	}
	wd, err := ParseWeekday(weekday)
	if err != nil {
		return Rule{}, err
	}
	r := Rule{Kind: k, Weekday: wd, Hour: hour, Minute: minute}
	if err := r.Validate(); err != nil {
		return Rule{}, err
	}
	return r, nil
}

// NextOccurrence returns the earliest instant strictly after now that matches
// the rule. When now is exactly on a scheduled moment, that moment counts as
// already passed and the following period is returned. The result is in UTC.
func NextOccurrence(rule Rule, now time.Time) time.Time {
	now = now.UTC()
	switch rule.Kind {
	case MonthlyFirstWeekday:
		next := firstWeekdayOfMonth(now.Year(), now.Month(), rule)
		if !next.After(now) {
			next = firstWeekdayOfMonth(now.Year(), now.Month()+1, rule)
		}
		return next
	default:
		days := (int(rule.Weekday) - int(now.Weekday()) + 7) % 7
		next := time.Date(now.Year(), now.Month(), now.Day()+days, rule.Hour, rule.Minute, 0, 0, time.UTC)
		if !next.After(now) {
			next = next.AddDate(0, 0, 7)
		}
		return next
	}
}

// month may be 13, time.Date normalizes that into January of the next year.
func firstWeekdayOfMonth(year int, month time.Month, rule Rule) time.Time {
	first := time.Date(year, month, 1, rule.Hour, rule.Minute, 0, 0, time.UTC)
	offset := (int(rule.Weekday) - int(first.Weekday()) + 7) % 7
	return first.AddDate(0, 0, offset)
}
