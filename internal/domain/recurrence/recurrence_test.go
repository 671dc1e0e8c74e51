package recurrence

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func weekday(d time.Weekday) *int {
	v := int(d)
	return &v
}

func TestIsDue_DailyEveryOtherDay(t *testing.T) {
	s := Schedule{Type: TypeDaily, Interval: 2, Anchor: date(2024, 1, 1)}

	for _, d := range []time.Time{date(2024, 1, 1), date(2024, 1, 3), date(2024, 1, 5)} {
		assert.True(t, IsDue(s, d), "expected due on %s", d.Format(time.DateOnly))
	}
	for _, d := range []time.Time{date(2024, 1, 2), date(2024, 1, 4)} {
		assert.False(t, IsDue(s, d), "expected not due on %s", d.Format(time.DateOnly))
	}
}

func TestIsDue_DailyModuloProperty(t *testing.T) {
	anchor := date(2023, 12, 28)
	for n := 1; n <= 7; n++ {
		s := Schedule{Type: TypeDaily, Interval: n, Anchor: anchor}
		for offset := -10; offset <= 60; offset++ {
			d := anchor.AddDate(0, 0, offset)
			want := offset >= 0 && offset%n == 0
			if got := IsDue(s, d); got != want {
				t.Fatalf("interval %d offset %d: got %v want %v", n, offset, got, want)
			}
		}
	}
}

func TestIsDue_IntervalMatchesDaily(t *testing.T) {
	anchor := date(2024, 2, 27)
	daily := Schedule{Type: TypeDaily, Interval: 3, Anchor: anchor}
	interval := Schedule{Type: TypeInterval, Interval: 3, Anchor: anchor}

	for offset := -5; offset < 40; offset++ {
		d := anchor.AddDate(0, 0, offset)
		assert.Equal(t, IsDue(daily, d), IsDue(interval, d), "offset %d", offset)
	}
}

func TestIsDue_WeeklyOnlyOnConfiguredDay(t *testing.T) {
	// 2024-01-01 is a Monday
	s := Schedule{Type: TypeWeekly, Interval: 1, DayOfWeek: weekday(time.Wednesday), Anchor: date(2024, 1, 1)}

	for offset := 0; offset < 60; offset++ {
		d := date(2024, 1, 1).AddDate(0, 0, offset)
		assert.Equal(t, d.Weekday() == time.Wednesday, IsDue(s, d), d.Format(time.DateOnly))
	}
}

func TestIsDue_WeeklyEveryOtherWeek(t *testing.T) {
	s := Schedule{Type: TypeWeekly, Interval: 2, DayOfWeek: weekday(time.Monday), Anchor: date(2024, 1, 1)}

	assert.True(t, IsDue(s, date(2024, 1, 1)))
	assert.False(t, IsDue(s, date(2024, 1, 8)))
	assert.True(t, IsDue(s, date(2024, 1, 15)))
	assert.False(t, IsDue(s, date(2024, 1, 22)))
	assert.True(t, IsDue(s, date(2024, 1, 29)))
	assert.False(t, IsDue(s, date(2023, 12, 18)), "before anchor")
}

func TestIsDue_WeeklyCountsBlocksFromAnchor(t *testing.T) {
	// anchor Wednesday 2024-01-03, Mondays every 2 weeks
	s := Schedule{Type: TypeWeekly, Interval: 2, DayOfWeek: weekday(time.Monday), Anchor: date(2024, 1, 3)}

	assert.True(t, IsDue(s, date(2024, 1, 8)))   // day 5, block 0
	assert.False(t, IsDue(s, date(2024, 1, 15))) // day 12, block 1
	assert.True(t, IsDue(s, date(2024, 1, 22)))  // day 19, block 2
	assert.False(t, IsDue(s, date(2024, 1, 1)))  // before anchor
}

func TestIsDue_IgnoresTimeOfDay(t *testing.T) {
	s := Schedule{Type: TypeDaily, Interval: 2, Anchor: time.Date(2024, 1, 1, 23, 30, 0, 0, time.UTC)}
	assert.True(t, IsDue(s, time.Date(2024, 1, 3, 0, 5, 0, 0, time.UTC)))
	assert.False(t, IsDue(s, time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC)))
}

func TestIsDue_InvalidScheduleNeverDue(t *testing.T) {
	assert.False(t, IsDue(Schedule{Type: TypeDaily, Interval: 0, Anchor: date(2024, 1, 1)}, date(2024, 1, 1)))
	assert.False(t, IsDue(Schedule{Type: TypeWeekly, Interval: 1, Anchor: date(2024, 1, 1)}, date(2024, 1, 1)))
	assert.False(t, IsDue(Schedule{Type: "monthly", Interval: 1, Anchor: date(2024, 1, 1)}, date(2024, 1, 1)))
}

func TestValidate(t *testing.T) {
	anchor := date(2024, 1, 1)
	tests := []struct {
		name    string
		s       Schedule
		wantErr bool
	}{
		{"daily ok", Schedule{Type: TypeDaily, Interval: 1, Anchor: anchor}, false},
		{"interval ok", Schedule{Type: TypeInterval, Interval: 14, Anchor: anchor}, false},
		{"weekly ok", Schedule{Type: TypeWeekly, Interval: 1, DayOfWeek: weekday(time.Sunday), Anchor: anchor}, false},
		{"zero interval", Schedule{Type: TypeDaily, Interval: 0, Anchor: anchor}, true},
		{"negative interval", Schedule{Type: TypeInterval, Interval: -2, Anchor: anchor}, true},
		{"weekly without day", Schedule{Type: TypeWeekly, Interval: 1, Anchor: anchor}, true},
		{"weekly day out of range", Schedule{Type: TypeWeekly, Interval: 1, DayOfWeek: weekday(7), Anchor: anchor}, true},
		{"daily with day", Schedule{Type: TypeDaily, Interval: 1, DayOfWeek: weekday(time.Monday), Anchor: anchor}, true},
		{"unknown type", Schedule{Type: "hourly", Interval: 1, Anchor: anchor}, true},
		{"missing anchor", Schedule{Type: TypeDaily, Interval: 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.s.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidSchedule))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestDueDates(t *testing.T) {
	s := Schedule{Type: TypeInterval, Interval: 10, Anchor: date(2024, 1, 5)}
	got := DueDates(s, date(2024, 1, 1), date(2024, 1, 31))
	assert.Equal(t, []time.Time{date(2024, 1, 5), date(2024, 1, 15), date(2024, 1, 25)}, got)
}

func TestDaysBetween(t *testing.T) {
	assert.Equal(t, 0, DaysBetween(date(2024, 3, 10), date(2024, 3, 10)))
	assert.Equal(t, 366, DaysBetween(date(2024, 1, 1), date(2025, 1, 1)))
	assert.Equal(t, -1, DaysBetween(date(2024, 3, 10), date(2024, 3, 9)))

	// beyond the range of time.Duration
	assert.Equal(t, 137331, DaysBetween(date(2024, 1, 1), date(2400, 1, 1)))
	assert.Equal(t, -137331, DaysBetween(date(2400, 1, 1), date(2024, 1, 1)))
	assert.True(t, IsDue(Schedule{Type: TypeInterval, Interval: 3, Anchor: date(2024, 1, 1)}, date(2400, 1, 1)))
}
