// Package recurrence computes occurrence dates for recurring task templates.
// Everything here is pure: no clock reads, no I/O.
package recurrence

import (
	"fmt"
	"time"

	"cadence/internal/domain"
)

// NextDueDate returns the occurrence following last, or false when the series
// has nothing further to produce (paused, ended, past end date, unknown kind).
// now is accepted for callers that gate on wall-clock time; the calculation
// itself never reads it.
func NextDueDate(t domain.RecurringTemplate, last, now time.Time) (time.Time, bool) {
	if t.IsPaused || t.IsEnded {
		return time.Time{}, false
	}
	// The end date is a calendar date in the location of last.
	var end time.Time
	if t.EndDate != nil {
		end = dateOf(t.EndDate.In(last.Location()))
		if !dateOf(last).Before(end) {
			return time.Time{}, false
		}
	}
	interval := t.Interval
	if interval < 1 {
		interval = 1
	}

	var next time.Time
	switch t.Kind {
	case domain.RecurDaily, domain.RecurCustom:
		next = last.AddDate(0, 0, interval)
	case domain.RecurWeekly:
		next = last.AddDate(0, 0, interval*7)
		if t.DayOfWeek != nil {
			shift := (*t.DayOfWeek - int(next.Weekday()) + 7) % 7
			next = next.AddDate(0, 0, shift)
		}
	case domain.RecurMonthly:
		day := last.Day()
		if t.DayOfMonth != nil {
			day = *t.DayOfMonth
		}
		next = addMonths(last, interval, day)
	case domain.RecurYearly:
		year := last.Year() + interval
		month := last.Month()
		day := last.Day()
		if t.Month != nil && t.DayOfMonth != nil {
			month = time.Month(*t.Month)
			day = *t.DayOfMonth
		}
		if month == time.February && day == 29 && !IsLeapYear(year) {
			day = 28
		}
		next = withDate(last, year, month, day)
	default:
		return time.Time{}, false
	}

	if t.EndDate != nil && dateOf(next).After(end) {
		return time.Time{}, false
	}
	return next, true
}

// addMonths moves from by n calendar months and lands on day, clamped to the
// last day of the target month.
func addMonths(from time.Time, n, day int) time.Time {
	total := int(from.Month()) - 1 + n
	year := from.Year() + total/12
	month := time.Month(total%12 + 1)
	return withDate(from, year, month, day)
}

// withDate keeps the clock and location of base and clamps day into the month.
func withDate(base time.Time, year int, month time.Month, day int) time.Time {
	if last := DaysInMonth(year, month); day > last {
		day = last
	}
	if day < 1 {
		day = 1
	}
	return time.Date(year, month, day, base.Hour(), base.Minute(), base.Second(), base.Nanosecond(), base.Location())
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// IsLeapYear reports whether year has a February 29th.
func IsLeapYear(year int) bool {
	return (year%4 == 0 && year%100 != 0) || year%400 == 0
}

// DaysInMonth returns the number of days of month in year.
func DaysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// Status is the lifecycle label of a template.
func Status(t domain.RecurringTemplate) string {
	switch {
	case t.IsEnded:
		return "Ended"
	case t.IsPaused:
		return "Paused"
	default:
		return "Active"
	}
}

// CanCompleteAfter returns the moment from which an instance of t may be
// completed. False means there is no restriction.
func CanCompleteAfter(t domain.RecurringTemplate, task domain.Task) (time.Time, bool) {
	if task.RecurringTemplateID == nil || task.DueDate == nil || t.UnlockDaysBeforeDue <= 0 {
		return time.Time{}, false
	}
	return task.DueDate.AddDate(0, 0, -t.UnlockDaysBeforeDue), true
}

// CanComplete reports whether task may be completed at now.
func CanComplete(t domain.RecurringTemplate, task domain.Task, now time.Time) bool {
	after, ok := CanCompleteAfter(t, task)
	if !ok {
		return true
	}
	return !now.Before(after)
}

var dayNames = [...]string{"Sunday", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday"}

// Describe renders the rule the way the task list shows it, e.g.
// "Weekly (Monday)" or "every 3 months (day 31st)".
func Describe(t domain.RecurringTemplate) string {
	every := ""
	if t.Interval > 1 {
		every = fmt.Sprintf("every %d ", t.Interval)
	}
	switch t.Kind {
	case domain.RecurDaily:
		if every != "" {
			return every + "days"
		}
		return "Daily"
	case domain.RecurWeekly:
		suffix := ""
		if t.DayOfWeek != nil && *t.DayOfWeek >= 0 && *t.DayOfWeek < len(dayNames) {
			suffix = " (" + dayNames[*t.DayOfWeek] + ")"
		}
		if every != "" {
			return every + "weeks" + suffix
		}
		return "Weekly" + suffix
	case domain.RecurMonthly:
		suffix := ""
		if t.DayOfMonth != nil {
			suffix = fmt.Sprintf(" (day %d%s)", *t.DayOfMonth, ordinal(*t.DayOfMonth))
		}
		if every != "" {
			return every + "months" + suffix
		}
		return "Monthly" + suffix
	case domain.RecurYearly:
		suffix := ""
		if t.Month != nil && t.DayOfMonth != nil && *t.Month >= 1 && *t.Month <= 12 {
			suffix = fmt.Sprintf(" (%s %d%s)", time.Month(*t.Month), *t.DayOfMonth, ordinal(*t.DayOfMonth))
		}
		if every != "" {
			return every + "years" + suffix
		}
		return "Yearly" + suffix
	case domain.RecurCustom:
		return fmt.Sprintf("Every %d days", t.Interval)
	default:
		return "Recurring"
	}
}

func ordinal(day int) string {
	if day%100 >= 11 && day%100 <= 13 {
		return "th"
	}
	switch day % 10 {
	case 1:
		return "st"
	case 2:
		return "nd"
	case 3:
		return "rd"
	default:
		return "th"
	}
}
