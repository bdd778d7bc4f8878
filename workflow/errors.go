/*
errors.go - Error types for the approval workflow

PURPOSE:
  All error types in one place. Callers branch on category through
  errors.Is / errors.As or the helpers at the bottom.

ERROR CATEGORIES:
  1. Validation   - malformed input or unmet business precondition; never retried
  2. InvalidStage - approval requested for a stage with no backing record
  3. Conflict     - uniqueness race (serial number, management number,
                    concurrent contributor replacement); retry with fresh state
  4. Not found    - unknown proposal id

SEE ALSO:
  - engine.go: produces these
  - api/handlers.go: maps them to HTTP status codes
*/
package workflow

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is the category for every ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidStage is returned when a stage has no approval record.
	ErrInvalidStage = errors.New("invalid stage")

	// ErrConcurrencyConflict is returned when a uniqueness constraint lost a
	// race. The whole operation was rolled back and may be retried.
	ErrConcurrencyConflict = errors.New("concurrent modification detected")

	// ErrProposalNotFound is returned for unknown proposal ids.
	ErrProposalNotFound = errors.New("proposal not found")

	// ErrDuplicateProposal is returned when importing a management number
	// that already exists.
	ErrDuplicateProposal = errors.New("proposal already exists")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// Validation codes.
const (
	CodeRequired        = "required"
	CodeOutOfRange      = "out_of_range"
	CodeUnknownLabel    = "unknown_classification"
	CodeInvalidValue    = "invalid_value"
	CodeStageOrder      = "stage_order"
	CodeDuplicate       = "duplicate"
	CodeMultiplePrimary = "multiple_primary"
)

// ValidationError describes one rejected input.
type ValidationError struct {
	Field   string
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Field, e.Message, e.Code)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(field, code, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Code: code, Message: fmt.Sprintf(format, args...)}
}

// InvalidStageError names the stage that could not be acted on.
type InvalidStageError struct {
	ProposalID string
	Stage      Stage
}

func (e *InvalidStageError) Error() string {
	return fmt.Sprintf("no approval record for stage %q on proposal %s", e.Stage, e.ProposalID)
}

func (e *InvalidStageError) Unwrap() error {
	return ErrInvalidStage
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidStage)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrProposalNotFound)
}
