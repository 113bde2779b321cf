package server

import (
	"fmt"
	"strings"

	"actifix/internal/domain"
)

// ReportRequest is the intake payload for creating a ticket.
type ReportRequest struct {
	Message     string  `json:"message" example:"connection refused while flushing batch"`
	Source      string  `json:"source,omitempty" example:"billing-worker"`
	ErrorType   string  `json:"error_type,omitempty" example:"ConnectionError"`
	Priority    *int    `json:"priority,omitempty" minimum:"0" maximum:"4"`
	StackTrace  *string `json:"stack_trace,omitempty"`
	FileContext *string `json:"file_context,omitempty"`
	SystemState *string `json:"system_state,omitempty"`
}

// ReportResponse carries the created flag so callers can tell a fresh
// ticket from a suppressed duplicate without inspecting status codes.
type ReportResponse struct {
	Created bool           `json:"created"`
	Ticket  *domain.Ticket `json:"ticket,omitempty"`
}

// CompleteRequest is the quality-gate payload for closing a ticket.
type CompleteRequest struct {
	Summary     string `json:"summary"`
	TestSteps   string `json:"test_steps"`
	TestResults string `json:"test_results"`
}

type QuarantineRequest struct {
	Reason string `json:"reason"`
}

type paginatedTickets struct {
	Items      []domain.Ticket `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// NextResponse wraps the dispatch result; Ticket is null when the queue
// has no eligible work.
type NextResponse struct {
	Ticket *domain.Ticket `json:"ticket"`
}

type CleanupResponse struct {
	Reclaimed int `json:"reclaimed"`
}

func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > 500:
		return 500
	default:
		return limit
	}
}

// composeCursor packs created_at and id into an opaque keyset cursor.
func composeCursor(createdAt, id string) string {
	return fmt.Sprintf("%s|%s", createdAt, id)
}

func parseCompositeCursor(cursor string) (createdAt, id string, err error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed cursor")
	}
	return parts[0], parts[1], nil
}
