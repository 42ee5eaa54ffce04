package domain

import "time"

const (
	TaskPending       = "pending"
	TaskRescheduling  = "rescheduling"
	TaskCompleted     = "completed"
	TaskNotApplicable = "not_applicable"
)

const (
	RequestPending  = "pending"
	RequestApproved = "approved"
	RequestRejected = "rejected"
)

const (
	RecurDaily   = "daily"
	RecurWeekly  = "weekly"
	RecurMonthly = "monthly"
	RecurYearly  = "yearly"
	RecurCustom  = "custom"
)

const (
	ChangeStatus            = "status"
	ChangeAssignment        = "assignment"
	ChangeDueDate           = "due_date"
	ChangeRescheduleRequest = "reschedule_request"
)

type Task struct {
	ID                  string     `json:"id"`
	OrgID               string     `json:"org_id"`
	Title               string     `json:"title"`
	Description         string     `json:"description,omitempty"`
	Status              string     `json:"status" enum:"pending,rescheduling,completed,not_applicable"`
	Priority            string     `json:"priority,omitempty" enum:"low,medium,high,urgent"`
	AssigneeID          *string    `json:"assignee_id,omitempty"`
	CreatedBy           string     `json:"created_by"`
	DueDate             *time.Time `json:"due_date,omitempty" format:"date-time"`
	OriginalDueDate     *time.Time `json:"original_due_date,omitempty" format:"date-time"`
	CompletedAt         *time.Time `json:"completed_at,omitempty" format:"date-time"`
	RecurringTemplateID *string    `json:"recurring_template_id,omitempty"`
	CreatedAt           time.Time  `json:"created_at" format:"date-time"`
	UpdatedAt           time.Time  `json:"updated_at" format:"date-time"`
}

// Terminal reports whether the task can no longer change status.
func (t Task) Terminal() bool {
	return t.Status == TaskCompleted || t.Status == TaskNotApplicable
}

type RecurringTemplate struct {
	ID                  string     `json:"id"`
	OrgID               string     `json:"org_id"`
	Title               string     `json:"title"`
	Description         string     `json:"description,omitempty"`
	Priority            string     `json:"priority,omitempty"`
	AssigneeID          *string    `json:"assignee_id,omitempty"`
	CreatedBy           string     `json:"created_by"`
	Kind                string     `json:"recurrence_type" enum:"daily,weekly,monthly,yearly,custom"`
	Interval            int        `json:"recurrence_interval"`
	DayOfWeek           *int       `json:"recurrence_day_of_week,omitempty"`
	DayOfMonth          *int       `json:"recurrence_day_of_month,omitempty"`
	Month               *int       `json:"recurrence_month,omitempty"`
	StartDate           time.Time  `json:"start_date" format:"date-time"`
	EndDate             *time.Time `json:"end_date,omitempty" format:"date-time"`
	UnlockDaysBeforeDue int        `json:"unlock_days_before_due"`
	IsPaused            bool       `json:"is_paused"`
	IsEnded             bool       `json:"is_ended"`
	LastGeneratedTaskID *string    `json:"last_generated_task_id,omitempty"`
	CreatedAt           time.Time  `json:"created_at" format:"date-time"`
	UpdatedAt           time.Time  `json:"updated_at" format:"date-time"`
}

type RescheduleRequest struct {
	ID               string     `json:"id"`
	TaskID           string     `json:"task_id"`
	RequestedBy      string     `json:"requested_by"`
	RequestedDueDate time.Time  `json:"requested_due_date" format:"date-time"`
	CurrentDueDate   *time.Time `json:"current_due_date,omitempty" format:"date-time"`
	Status           string     `json:"status" enum:"pending,approved,rejected"`
	ApprovedBy       *string    `json:"approved_by,omitempty"`
	ApprovedAt       *time.Time `json:"approved_at,omitempty" format:"date-time"`
	RejectedBy       *string    `json:"rejected_by,omitempty"`
	RejectedAt       *time.Time `json:"rejected_at,omitempty" format:"date-time"`
	RejectionReason  string     `json:"rejection_reason,omitempty"`
	ExpiresAt        time.Time  `json:"expires_at" format:"date-time"`
	CreatedAt        time.Time  `json:"created_at" format:"date-time"`
}

// Expired reports whether a still-pending request is past its window at now.
func (r RescheduleRequest) Expired(now time.Time) bool {
	return r.Status == RequestPending && !r.ExpiresAt.After(now)
}

type HistoryEntry struct {
	ID         string         `json:"id"`
	TaskID     string         `json:"task_id"`
	ChangeType string         `json:"change_type" enum:"status,assignment,due_date,reschedule_request"`
	OldValue   map[string]any `json:"old_value,omitempty"`
	NewValue   map[string]any `json:"new_value,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	ActorID    string         `json:"actor_id"`
	CreatedAt  time.Time      `json:"created_at" format:"date-time"`
}

type Org struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
}

// TaskFields is the mutable column set the engine writes through the task store.
// Nil pointers mean "leave unchanged" on update.
type TaskFields struct {
	Status              *string
	DueDate             *time.Time
	OriginalDueDate     *time.Time
	CompletedAt         *time.Time
	AssigneeID          *string
	RecurringTemplateID *string
	UpdatedAt           time.Time
}

// TemplateFields is the mutable column set of a recurring template.
type TemplateFields struct {
	IsPaused  *bool
	IsEnded   *bool
	UpdatedAt time.Time
}
