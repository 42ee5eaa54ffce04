package recurrence

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"cadence/internal/domain"
)

// Rule is the validated subset of a template that drives date generation.
type Rule struct {
	Kind                string `validate:"required,oneof=daily weekly monthly yearly custom"`
	Interval            int    `validate:"min=1"`
	DayOfWeek           *int   `validate:"omitempty,min=0,max=6"`
	DayOfMonth          *int   `validate:"omitempty,min=1,max=31"`
	Month               *int   `validate:"omitempty,min=1,max=12"`
	UnlockDaysBeforeDue int    `validate:"min=0"`
}

// RuleError describes the first rule field that failed validation.
type RuleError struct {
	Field  string
	Reason string
}

func (e RuleError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

var validate = validator.New()

var ruleFieldNames = map[string]string{
	"Kind":                "recurrence_type",
	"Interval":            "recurrence_interval",
	"DayOfWeek":           "recurrence_day_of_week",
	"DayOfMonth":          "recurrence_day_of_month",
	"Month":               "recurrence_month",
	"UnlockDaysBeforeDue": "unlock_days_before_due",
}

// RuleOf extracts the recurrence rule of t.
func RuleOf(t domain.RecurringTemplate) Rule {
	return Rule{
		Kind:                t.Kind,
		Interval:            t.Interval,
		DayOfWeek:           t.DayOfWeek,
		DayOfMonth:          t.DayOfMonth,
		Month:               t.Month,
		UnlockDaysBeforeDue: t.UnlockDaysBeforeDue,
	}
}

// Validate checks the rule ranges and returns a RuleError for the first
// offending field.
func Validate(r Rule) error {
	err := validate.Struct(r)
	if err == nil {
		if r.Month != nil && r.DayOfMonth != nil {
			if limit := DaysInMonth(2000, time.Month(*r.Month)); *r.DayOfMonth > limit {
				return RuleError{Field: "recurrence_day_of_month", Reason: fmt.Sprintf("month %d has at most %d days", *r.Month, limit)}
			}
		}
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	field := ruleFieldNames[fe.StructField()]
	if field == "" {
		field = strings.ToLower(fe.StructField())
	}
	return RuleError{Field: field, Reason: reason(fe)}
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	default:
		return "failed " + fe.Tag()
	}
}
