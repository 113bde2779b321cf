package domain

import "time"

// Ticket statuses. Only open tickets are dispatchable.
const (
	StatusOpen        = "open"
	StatusInProgress  = "in_progress"
	StatusCompleted   = "completed"
	StatusDeleted     = "deleted"
	StatusQuarantined = "quarantined"
)

// Priorities. P0 is most urgent; dispatch orders ascending.
const (
	PriorityP0 = 0
	PriorityP1 = 1
	PriorityP2 = 2
	PriorityP3 = 3
	PriorityP4 = 4
)

// PriorityLabel renders a priority as "P0".."P4".
func PriorityLabel(p int) string {
	labels := [...]string{"P0", "P1", "P2", "P3", "P4"}
	if p < 0 || p >= len(labels) {
		return "P?"
	}
	return labels[p]
}

// ValidPriority reports whether p is one of P0..P4.
func ValidPriority(p int) bool {
	return p >= PriorityP0 && p <= PriorityP4
}

type Ticket struct {
	ID                 string  `json:"id"`
	Priority           int     `json:"priority"`
	ErrorType          string  `json:"error_type"`
	Message            string  `json:"message"`
	Source             string  `json:"source"`
	Status             string  `json:"status" enum:"open,in_progress,completed,deleted,quarantined"`
	DuplicateGuard     string  `json:"duplicate_guard"`
	LockedBy           *string `json:"locked_by,omitempty"`
	LockedAt           *string `json:"locked_at,omitempty" format:"date-time"`
	LeaseExpires       *string `json:"lease_expires,omitempty" format:"date-time"`
	StackTrace         *string `json:"stack_trace,omitempty"`
	FileContext        *string `json:"file_context,omitempty"`
	SystemState        *string `json:"system_state,omitempty"`
	AIRemediationNotes *string `json:"ai_remediation_notes,omitempty"`
	CompletionSummary  *string `json:"completion_summary,omitempty"`
	TestSteps          *string `json:"test_steps,omitempty"`
	TestResults        *string `json:"test_results,omitempty"`
	Attempts           int     `json:"attempts"`
	LastError          *string `json:"last_error,omitempty"`
	CreatedAt          string  `json:"created_at" format:"date-time"`
	UpdatedAt          string  `json:"updated_at" format:"date-time"`
}

// Locked reports whether the ticket carries an unexpired lease at now.
func (t Ticket) Locked(now time.Time) bool {
	if t.LockedBy == nil || t.LeaseExpires == nil {
		return false
	}
	exp, err := time.Parse(time.RFC3339Nano, *t.LeaseExpires)
	if err != nil {
		return false
	}
	return now.Before(exp)
}

// LockInfo describes a held lease on a ticket.
type LockInfo struct {
	TicketID     string `json:"ticket_id"`
	LockedBy     string `json:"locked_by"`
	LockedAt     string `json:"locked_at" format:"date-time"`
	LeaseExpires string `json:"lease_expires" format:"date-time"`
}

// CompletionReport is the quality-gate payload for completing a ticket.
type CompletionReport struct {
	Summary     string `json:"summary"`
	TestSteps   string `json:"test_steps"`
	TestResults string `json:"test_results"`
}

// FixResult is the contract returned by AI remediation collaborators.
type FixResult struct {
	Success  bool   `json:"success"`
	Content  string `json:"content"`
	Provider string `json:"provider"`
	Err      string `json:"error,omitempty"`
}

// Stats aggregates ticket counts by status.
type Stats struct {
	Open        int `json:"open"`
	InProgress  int `json:"in_progress"`
	Completed   int `json:"completed"`
	Deleted     int `json:"deleted"`
	Quarantined int `json:"quarantined"`
	Total       int `json:"total"`
}

type AgentKey struct {
	ID        string `json:"id"`
	AgentID   string `json:"agent_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts" format:"date-time"`
	Type     string `json:"type"`
	TicketID string `json:"ticket_id,omitempty"`
	AgentID  string `json:"agent_id"`
	Payload  string `json:"payload_json"`
}
