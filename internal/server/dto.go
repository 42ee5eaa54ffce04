package server

import (
	"time"

	"cadence/internal/domain"
	"cadence/internal/engine"
	"cadence/internal/overdue"
)

// Request payloads

type CreateTemplateRequest struct {
	Title               string     `json:"title" minLength:"1"`
	Description         string     `json:"description,omitempty"`
	Priority            string     `json:"priority,omitempty" enum:"low,medium,high,urgent"`
	AssigneeID          string     `json:"assignee_id,omitempty"`
	RecurrenceType      string     `json:"recurrence_type" enum:"daily,weekly,monthly,yearly,custom"`
	RecurrenceInterval  int        `json:"recurrence_interval,omitempty" minimum:"1"`
	DayOfWeek           *int       `json:"recurrence_day_of_week,omitempty" minimum:"0" maximum:"6"`
	DayOfMonth          *int       `json:"recurrence_day_of_month,omitempty" minimum:"1" maximum:"31"`
	Month               *int       `json:"recurrence_month,omitempty" minimum:"1" maximum:"12"`
	StartDate           time.Time  `json:"start_date" format:"date-time"`
	EndDate             *time.Time `json:"end_date,omitempty" format:"date-time"`
	UnlockDaysBeforeDue int        `json:"unlock_days_before_due,omitempty" minimum:"0"`
}

type CreateTaskRequest struct {
	Title       string     `json:"title" minLength:"1"`
	Description string     `json:"description,omitempty"`
	Priority    string     `json:"priority,omitempty" enum:"low,medium,high,urgent"`
	AssigneeID  string     `json:"assignee_id,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty" format:"date-time"`
}

type SetDueDateRequest struct {
	DueDate time.Time `json:"due_date" format:"date-time"`
}

type AssignRequest struct {
	AssigneeID string `json:"assignee_id" doc:"empty to unassign"`
}

type CreateRescheduleRequest struct {
	RequestedDueDate time.Time `json:"requested_due_date" format:"date-time"`
	ExpiresInDays    int       `json:"expires_in_days,omitempty" minimum:"0" doc:"defaults to the configured expiry window"`
}

type RejectRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Response payloads

type TemplateCreatedResponse struct {
	Template  domain.RecurringTemplate `json:"template"`
	FirstTask domain.Task              `json:"first_task"`
}

type AdvanceResponse struct {
	Next *domain.Task `json:"next,omitempty"`
}

type TemplateListResponse struct {
	Items []domain.RecurringTemplate `json:"items"`
}

type TaskListResponse struct {
	Items []domain.Task `json:"items"`
}

type HistoryListResponse struct {
	Items []engine.HistoryView `json:"items"`
}

type OverdueListResponse struct {
	Items []overdue.Entry `json:"items"`
}

type RequestListResponse struct {
	Items []domain.RescheduleRequest `json:"items"`
}

type CountResponse struct {
	Count int `json:"count"`
}

func emptyIfNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
