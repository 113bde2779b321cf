package repo

import (
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("not found")

// ErrOpenTicketLimit is returned by Create when the open-ticket ceiling
// is reached. Callers must complete or delete tickets before enqueueing
// more.
var ErrOpenTicketLimit = errors.New("open ticket limit reached")

// FieldLengthError reports a field exceeding its configured byte limit.
// It is a hard contract violation, never silent truncation.
type FieldLengthError struct {
	Field string
	Limit int
	Got   int
}

func (e *FieldLengthError) Error() string {
	return fmt.Sprintf("field %s exceeds limit of %d bytes (got %d)", e.Field, e.Limit, e.Got)
}

// CompletionQualityError reports a completion report field that is
// missing or below the configured minimum length.
type CompletionQualityError struct {
	Field string
	Min   int
}

func (e *CompletionQualityError) Error() string {
	return fmt.Sprintf("completion field %s must be at least %d characters", e.Field, e.Min)
}
