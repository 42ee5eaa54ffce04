// Package overdue measures how late a task is against its original commitment.
//
// Lateness is anchored to original_due_date. When a task has been pushed out,
// the count stops growing the day before the rescheduled date and stays
// frozen from then on.
package overdue

import (
	"fmt"
	"sort"
	"time"

	"cadence/internal/domain"
)

// Days returns the number of whole days task is overdue at now, or false when
// it is not overdue (completed, no baseline, not yet due, or zero days).
// Calendar dates are taken in now's location.
func Days(task domain.Task, now time.Time) (int, bool) {
	if task.CompletedAt != nil || task.Status == domain.TaskCompleted {
		return 0, false
	}
	if task.OriginalDueDate == nil {
		return 0, false
	}
	loc := now.Location()
	today := civil(now, loc)
	original := civil(*task.OriginalDueDate, loc)
	if today.Before(original) {
		return 0, false
	}
	base := wholeDays(original, today)

	n := base
	if task.DueDate != nil {
		if rescheduled := civil(*task.DueDate, loc); rescheduled.After(original) {
			capped := wholeDays(original, rescheduled) - 1
			if capped < 0 {
				capped = 0
			}
			if !today.Before(rescheduled) {
				n = capped
			} else if base < capped {
				n = base
			} else {
				n = capped
			}
		}
	}
	if n <= 0 {
		return 0, false
	}
	return n, true
}

// IsOverdue reports whether Days would return a count.
func IsOverdue(task domain.Task, now time.Time) bool {
	_, ok := Days(task, now)
	return ok
}

// Display renders the overdue count, e.g. "1 day overdue" or "4 days overdue".
func Display(task domain.Task, now time.Time) (string, bool) {
	n, ok := Days(task, now)
	if !ok {
		return "", false
	}
	if n == 1 {
		return "1 day overdue", true
	}
	return fmt.Sprintf("%d days overdue", n), true
}

// Entry is one row of an overdue summary.
type Entry struct {
	Task    domain.Task `json:"task"`
	Days    int         `json:"overdue_days"`
	Display string      `json:"overdue_display"`
}

// Summary returns the overdue tasks among tasks, most overdue first. Ties keep
// input order.
func Summary(tasks []domain.Task, now time.Time) []Entry {
	var out []Entry
	for _, t := range tasks {
		n, ok := Days(t, now)
		if !ok {
			continue
		}
		label, _ := Display(t, now)
		out = append(out, Entry{Task: t, Days: n, Display: label})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Days > out[j].Days })
	return out
}

// civil strips time of day, keeping the calendar date t has in loc, and
// returns it as a UTC midnight so day differences are not affected by DST.
func civil(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func wholeDays(from, to time.Time) int {
	return int(to.Sub(from) / (24 * time.Hour))
}
