package engine

import (
	"errors"
	"fmt"

	"cadence/internal/recurrence"
	"cadence/internal/repo"
)

// NotFoundError reports a referenced record that does not exist.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// Is lets errors.Is(err, repo.ErrNotFound) keep working after translation.
func (e NotFoundError) Is(target error) bool {
	return target == repo.ErrNotFound
}

// InvalidStateError reports an operation attempted against a record that is
// not in the required state.
type InvalidStateError struct {
	Kind  string
	ID    string
	State string
	Op    string
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s %s %s in state %s", e.Op, e.Kind, e.ID, e.State)
}

// ValidationError reports malformed input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConcurrencyConflict reports that a conditional update lost to another
// writer. Callers should treat the record as already resolved.
type ConcurrencyConflict struct {
	Kind string
	ID   string
}

func (e ConcurrencyConflict) Error() string {
	return fmt.Sprintf("%s %s was modified concurrently", e.Kind, e.ID)
}

func notFound(err error, kind, id string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return NotFoundError{Kind: kind, ID: id}
	}
	return err
}

func ruleError(err error) error {
	var re recurrence.RuleError
	if errors.As(err, &re) {
		return ValidationError{Field: re.Field, Reason: re.Reason}
	}
	return err
}
