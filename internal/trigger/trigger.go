// Package trigger turns the schedule entered on a task form into a cron
// expression and computes its fire times.
package trigger

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/msageha/taskconsole/internal/model"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Schedule is a validated trigger with its parsed cron schedule.
type Schedule struct {
	raw      string
	schedule cron.Schedule
}

// Validate checks that every field used by the trigger's mode is in range.
func Validate(t model.Trigger) error {
	switch t.Mode {
	case model.TriggerCustom:
		if strings.TrimSpace(t.Cron) == "" {
			return fmt.Errorf("custom trigger requires a cron expression")
		}
		if _, err := parser.Parse(t.Cron); err != nil {
			return fmt.Errorf("parse cron %q: %w", t.Cron, err)
		}
		return nil
	case model.TriggerDaily, model.TriggerWeekly, model.TriggerMonthly:
	case "":
		return fmt.Errorf("trigger mode is required")
	default:
		return fmt.Errorf("unknown trigger mode %q", t.Mode)
	}

	if t.Hour < 0 || t.Hour > 23 {
		return fmt.Errorf("hour %d out of range 0-23", t.Hour)
	}
	if t.Minute < 0 || t.Minute > 59 {
		return fmt.Errorf("minute %d out of range 0-59", t.Minute)
	}

	switch t.Mode {
	case model.TriggerWeekly:
		if len(t.Days) == 0 {
			return fmt.Errorf("weekly trigger requires at least one weekday")
		}
		for _, d := range t.Days {
			if d < 0 || d > 6 {
				return fmt.Errorf("weekday %d out of range 0-6", d)
			}
		}
	case model.TriggerMonthly:
		if len(t.Days) == 0 {
			return fmt.Errorf("monthly trigger requires at least one day")
		}
		for _, d := range t.Days {
			if d < 1 || d > 31 {
				return fmt.Errorf("day of month %d out of range 1-31", d)
			}
		}
	}
	return nil
}

// ToCron renders t as a five-field cron expression.
func ToCron(t model.Trigger) (string, error) {
	if err := Validate(t); err != nil {
		return "", err
	}
	switch t.Mode {
	case model.TriggerCustom:
		return strings.Join(strings.Fields(t.Cron), " "), nil
	case model.TriggerDaily:
		return fmt.Sprintf("%d %d * * *", t.Minute, t.Hour), nil
	case model.TriggerWeekly:
		return fmt.Sprintf("%d %d * * %s", t.Minute, t.Hour, joinDays(t.Days)), nil
	default:
		return fmt.Sprintf("%d %d %s * *", t.Minute, t.Hour, joinDays(t.Days)), nil
	}
}

// Parse validates t and parses its cron expression.
func Parse(t model.Trigger) (*Schedule, error) {
	expr, err := ToCron(t)
	if err != nil {
		return nil, err
	}
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return &Schedule{raw: expr, schedule: s}, nil
}

// Next returns the first fire time strictly after after.
func (s *Schedule) Next(after time.Time) time.Time {
	return s.schedule.Next(after)
}

// MaxCount bounds the number of fire times a single preview may list.
const MaxCount = 1000

// ValidateCount reports whether n is a usable preview length.
func ValidateCount(n int) error {
	if n < 1 || n > MaxCount {
		return fmt.Errorf("count must be between 1 and %d, got %d", MaxCount, n)
	}
	return nil
}

// NextN returns the next n fire times after after. An expression that can
// never fire yields fewer entries; n below 1 yields none and n is capped at
// MaxCount.
func (s *Schedule) NextN(after time.Time, n int) []time.Time {
	if n <= 0 {
		return []time.Time{}
	}
	if n > MaxCount {
		n = MaxCount
	}
	out := make([]time.Time, 0, n)
	at := after
	for i := 0; i < n; i++ {
		at = s.schedule.Next(at)
		if at.IsZero() {
			break
		}
		out = append(out, at)
	}
	return out
}

func (s *Schedule) String() string {
	return s.raw
}

// Next is Parse followed by Schedule.Next.
func Next(t model.Trigger, after time.Time) (time.Time, error) {
	s, err := Parse(t)
	if err != nil {
		return time.Time{}, err
	}
	return s.Next(after), nil
}

// NextN is Parse followed by Schedule.NextN.
func NextN(t model.Trigger, after time.Time, n int) ([]time.Time, error) {
	if err := ValidateCount(n); err != nil {
		return nil, err
	}
	s, err := Parse(t)
	if err != nil {
		return nil, err
	}
	return s.NextN(after, n), nil
}

func joinDays(days []int) string {
	seen := make(map[int]bool, len(days))
	uniq := make([]int, 0, len(days))
	for _, d := range days {
		if !seen[d] {
			seen[d] = true
			uniq = append(uniq, d)
		}
	}
	sort.Ints(uniq)
	parts := make([]string, len(uniq))
	for i, d := range uniq {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}
