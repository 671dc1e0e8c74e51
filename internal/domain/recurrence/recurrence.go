// Package recurrence decides on which calendar days a dosing rule applies.
// Everything here is pure: no I/O, no clock.
package recurrence

import (
	"errors"
	"fmt"
	"time"
)

// Type is the recurrence kind of a dosing rule
type Type string

const (
	TypeDaily    Type = "daily"
	TypeWeekly   Type = "weekly"
	TypeInterval Type = "interval"
)

// ErrInvalidSchedule is returned by Validate for malformed recurrence parameters
var ErrInvalidSchedule = errors.New("invalid schedule")

// Schedule holds the recurrence parameters of a rule.
// Interval is in days for daily/interval and in weeks for weekly.
// DayOfWeek uses time.Weekday numbering (0 = Sunday).
type Schedule struct {
	Type      Type      `json:"type"`
	Interval  int       `json:"interval"`
	DayOfWeek *int      `json:"dayOfWeek,omitempty"`
	Anchor    time.Time `json:"anchorDate"`
}

// ParseType converts a wire value into a Type
func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case TypeDaily, TypeWeekly, TypeInterval:
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown recurrence type %q", ErrInvalidSchedule, s)
}

// Validate checks the schedule at construction time
func (s Schedule) Validate() error {
	if _, err := ParseType(string(s.Type)); err != nil {
		return err
	}
	if s.Interval <= 0 {
		return fmt.Errorf("%w: interval must be positive, got %d", ErrInvalidSchedule, s.Interval)
	}
	if s.Anchor.IsZero() {
		return fmt.Errorf("%w: anchor date is required", ErrInvalidSchedule)
	}
	switch s.Type {
	case TypeWeekly:
		if s.DayOfWeek == nil {
			return fmt.Errorf("%w: weekly schedule needs a day of week", ErrInvalidSchedule)
		}
		if *s.DayOfWeek < 0 || *s.DayOfWeek > 6 {
			return fmt.Errorf("%w: day of week %d out of range 0-6", ErrInvalidSchedule, *s.DayOfWeek)
		}
	default:
		if s.DayOfWeek != nil {
			return fmt.Errorf("%w: day of week only applies to weekly schedules", ErrInvalidSchedule)
		}
	}
	return nil
}

// Day truncates t to its civil date, expressed as UTC midnight
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween counts whole civil days from a to b (negative when b is before a)
func DaysBetween(a, b time.Time) int {
	return int((Day(b).Unix() - Day(a).Unix()) / 86400)
}

// IsDue reports whether the schedule applies on target.
// A schedule that does not validate is never due.
func IsDue(s Schedule, target time.Time) bool {
	if s.Interval <= 0 || s.Anchor.IsZero() {
		return false
	}
	days := DaysBetween(s.Anchor, target)
	if days < 0 {
		return false
	}

	switch s.Type {
	case TypeDaily, TypeInterval:
		return days%s.Interval == 0
	case TypeWeekly:
		if s.DayOfWeek == nil || int(Day(target).Weekday()) != *s.DayOfWeek {
			return false
		}
		return (days/7)%s.Interval == 0
	default:
		return false
	}
}

// DueDates returns every due date in the inclusive range [from, to]
func DueDates(s Schedule, from, to time.Time) []time.Time {
	from, to = Day(from), Day(to)
	var out []time.Time
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		if IsDue(s, d) {
			out = append(out, d)
		}
	}
	return out
}
