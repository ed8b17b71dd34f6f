package engine

import (
	"errors"
	"fmt"
)

// ErrBusy means the per-project guard could not be acquired in time.
var ErrBusy = errors.New("project busy")

type InvalidInputError struct {
	Field  string
	Reason string
}

func (e InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Conflict codes, stable across the API surface.
const (
	ConflictDuplicateApplication = "duplicate_application"
	ConflictProjectNotOpen       = "project_not_open"
	ConflictInvalidApplication   = "invalid_application"
	ConflictNotPending           = "not_pending"
	ConflictNotInProgress        = "not_in_progress"
	ConflictAlreadyClosed        = "already_closed"
	ConflictHasApprovedExpenses  = "has_approved_expenses"
	ConflictPendingExpenses      = "pending_expenses"
	ConflictInvalidTransition    = "invalid_transition"
)

type ConflictError struct {
	Code    string
	Message string
}

func (e ConflictError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type BudgetExceededError struct {
	Budget    int64
	Approved  int64
	Requested int64
}

func (e BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: approved %d + requested %d > budget %d", e.Approved, e.Requested, e.Budget)
}

type ForbiddenError struct {
	Reason string
}

func (e ForbiddenError) Error() string {
	return e.Reason
}
