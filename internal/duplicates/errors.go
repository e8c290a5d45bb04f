package duplicates

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrValidation             = errors.New("validation failed")
	ErrNotFound               = errors.New("not found")
	ErrForbidden              = errors.New("forbidden")
	ErrMergeBlocked           = errors.New("merge blocked")
	ErrMergeInProgress        = errors.New("merge already in progress")
	ErrRollbackExpired        = errors.New("rollback window expired")
	ErrRollbackAlreadyApplied = errors.New("rollback already applied")
	ErrPartialFailure         = errors.New("partial failure")
)

// ValidationError carries per-field messages. It matches ErrValidation.
type ValidationError struct {
	Fields map[string]string
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: message}}
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Fields) == 0 {
		return ErrValidation.Error()
	}
	keys := make([]string, 0, len(e.Fields))
	for key := range e.Fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, key+" "+e.Fields[key])
	}
	return ErrValidation.Error() + ": " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// MergeBlockedError lists the blocking conflicts found at commit time.
type MergeBlockedError struct {
	Conflicts []Conflict
}

func (e *MergeBlockedError) Error() string {
	codes := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		if c.Severity == SeverityBlocking {
			codes = append(codes, c.Code)
		}
	}
	return fmt.Sprintf("%s: %s", ErrMergeBlocked, strings.Join(codes, ", "))
}

func (e *MergeBlockedError) Is(target error) bool {
	return target == ErrMergeBlocked
}

// PartialFailureError reports the reference move that failed. Completed holds
// the moves that were applied before it and are recorded on the operation.
type PartialFailureError struct {
	Step      string
	Completed []MovedRef
	Err       error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("%s: step %s: %v", ErrPartialFailure, e.Step, e.Err)
}

func (e *PartialFailureError) Is(target error) bool {
	return target == ErrPartialFailure
}

func (e *PartialFailureError) Unwrap() error {
	return e.Err
}
