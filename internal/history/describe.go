package history

import (
	"fmt"
	"time"

	"cadence/internal/db"
	"cadence/internal/domain"
)

const dateLayout = "Jan 2, 2006"

// Describe renders e as one human-readable line. name resolves actor ids to
// display names; dates are shown in loc.
func Describe(e domain.HistoryEntry, name func(string) string, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	if name == nil {
		name = func(id string) string { return id }
	}
	switch e.ChangeType {
	case domain.ChangeStatus:
		return fmt.Sprintf("Status changed from '%s' to '%s'", text(e.OldValue, "status", "N/A"), text(e.NewValue, "status", "N/A"))
	case domain.ChangeAssignment:
		next := "nobody"
		if id := text(e.NewValue, "assigned_to", ""); id != "" {
			next = name(id)
		}
		if old := text(e.OldValue, "assigned_to", ""); old != "" {
			return fmt.Sprintf("Assigned to %s (was: %s)", next, name(old))
		}
		return "Assigned to " + next
	case domain.ChangeDueDate:
		next := date(e.NewValue, loc, "Not set")
		if old := date(e.OldValue, loc, ""); old != "" {
			return fmt.Sprintf("Due date changed to %s (was: %s)", next, old)
		}
		return "Due date changed to " + next
	case domain.ChangeRescheduleRequest:
		switch text(e.Metadata, "action", "") {
		case "approved":
			s := "Reschedule request approved - due date changed to " + date(e.NewValue, loc, "N/A")
			if auto, _ := e.Metadata["auto"].(bool); auto {
				s += " (auto-approved after expiry)"
			}
			return s
		case "rejected":
			if reason := text(e.Metadata, "rejection_reason", ""); reason != "" {
				return "Reschedule request rejected - " + reason
			}
			return "Reschedule request rejected"
		}
		return "Reschedule request processed"
	}
	return "Task updated"
}

func text(m map[string]any, key, fallback string) string {
	if s, ok := m[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

func date(m map[string]any, loc *time.Location, fallback string) string {
	s := text(m, "due_date", "")
	if s == "" {
		return fallback
	}
	t, err := db.ParseTime(s)
	if err != nil {
		return s
	}
	return t.In(loc).Format(dateLayout)
}
