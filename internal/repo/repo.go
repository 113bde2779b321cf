// Package repo implements the ticket repository: creation with
// duplicate suppression, lease-based locking, priority dispatch, and
// aggregate stats over one workspace SQLite database.
package repo

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"actifix/internal/config"
	"actifix/internal/domain"
	"actifix/internal/events"
	"actifix/internal/guard"
)

// timeFormat is RFC 3339 with fixed-width nanoseconds. Stored
// timestamps are always UTC in this format, so lexicographic
// comparison in SQL matches chronological order.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

type Repo struct {
	DB       *sql.DB
	Events   events.Writer
	Limits   config.Limits
	Dedupe   config.Dedupe
	Complete config.Complete
	Now      func() time.Time
}

// New builds a repository over an open database using cfg's limits.
func New(db *sql.DB, cfg *config.Config) Repo {
	if cfg == nil {
		cfg = config.Default()
	}
	return Repo{
		DB:       db,
		Events:   events.Writer{},
		Limits:   cfg.Limits,
		Dedupe:   cfg.Dedupe,
		Complete: cfg.Complete,
		Now:      time.Now,
	}
}

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r Repo) stamp(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

const ticketIDPrefix = "AF"

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// newTicketID returns an id of the form AF-YYYYMMDD-xxxxx with a
// random base36 suffix.
func newTicketID(now time.Time) (string, error) {
	buf := make([]byte, 5)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("ticket id entropy: %w", err)
	}
	for i, b := range buf {
		buf[i] = base36Alphabet[int(b)%len(base36Alphabet)]
	}
	return fmt.Sprintf("%s-%s-%s", ticketIDPrefix, now.UTC().Format("20060102"), string(buf)), nil
}

func (r Repo) validate(t *domain.Ticket) error {
	if strings.TrimSpace(t.Message) == "" {
		return fmt.Errorf("message is required")
	}
	if !domain.ValidPriority(t.Priority) {
		return fmt.Errorf("priority %d out of range P0..P4", t.Priority)
	}
	if len(t.Message) > r.Limits.MaxMessageLength {
		return &FieldLengthError{Field: "message", Limit: r.Limits.MaxMessageLength, Got: len(t.Message)}
	}
	if len(t.Source) > r.Limits.MaxFieldLength {
		return &FieldLengthError{Field: "source", Limit: r.Limits.MaxFieldLength, Got: len(t.Source)}
	}
	if len(t.ErrorType) > r.Limits.MaxFieldLength {
		return &FieldLengthError{Field: "error_type", Limit: r.Limits.MaxFieldLength, Got: len(t.ErrorType)}
	}
	if t.FileContext != nil && len(*t.FileContext) > r.Limits.MaxFileContextBytes {
		return &FieldLengthError{Field: "file_context", Limit: r.Limits.MaxFileContextBytes, Got: len(*t.FileContext)}
	}
	return nil
}

// Create inserts a new ticket with three distinct outcomes: (true, nil)
// created, (false, nil) suppressed as a duplicate of an existing
// unresolved ticket, (false, err) for validation or storage errors.
// On success the ticket's ID, guard, status, and timestamps are filled
// in on the passed struct.
//
// Dedup policy: open, in-progress, and quarantined tickets with the
// same guard block creation; a completed one blocks only while the
// reopen window has not elapsed since it was last touched; deleted
// tickets never block.
func (r Repo) Create(ctx context.Context, t *domain.Ticket) (bool, error) {
	if err := r.validate(t); err != nil {
		return false, err
	}
	if t.ErrorType == "" {
		t.ErrorType = "error"
	}
	if t.Source == "" {
		t.Source = "unknown"
	}
	if t.DuplicateGuard == "" {
		t.DuplicateGuard = guard.Fingerprint(t.Source, t.ErrorType, t.Message, r.Dedupe.MessagePrefixLength)
	}
	now := r.now()
	id, err := newTicketID(now)
	if err != nil {
		return false, err
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var dupStatus, dupUpdated string
	err = tx.QueryRowContext(ctx,
		`SELECT status, updated_at FROM tickets WHERE duplicate_guard=? AND status != 'deleted' ORDER BY updated_at DESC LIMIT 1`,
		t.DuplicateGuard).Scan(&dupStatus, &dupUpdated)
	switch {
	case err == sql.ErrNoRows:
		// no duplicate
	case err != nil:
		return false, err
	case dupStatus != domain.StatusCompleted:
		return false, nil
	default:
		// Resolved duplicate: reopen only after the window has passed,
		// the issue may have regressed.
		seen, perr := time.Parse(time.RFC3339Nano, dupUpdated)
		if perr != nil || now.UTC().Sub(seen) < r.Dedupe.ReopenWindow.Std() {
			return false, nil
		}
	}

	var open int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tickets WHERE status='open'`).Scan(&open); err != nil {
		return false, err
	}
	if open >= r.Limits.MaxOpenTickets {
		return false, ErrOpenTicketLimit
	}

	ts := r.stamp(now)
	_, err = tx.ExecContext(ctx, `INSERT INTO tickets(
		id, priority, error_type, message, source, status, duplicate_guard,
		stack_trace, file_context, system_state, ai_remediation_notes,
		attempts, created_at, updated_at)
	VALUES (?,?,?,?,?,?,?,?,?,?,?,0,?,?)`,
		id, t.Priority, t.ErrorType, t.Message, t.Source, domain.StatusOpen, t.DuplicateGuard,
		nullableStringPtr(t.StackTrace), nullableStringPtr(t.FileContext),
		nullableStringPtr(t.SystemState), nullableStringPtr(t.AIRemediationNotes),
		ts, ts)
	if err != nil {
		// A racing insert can land the same guard between our check and
		// this statement; the partial unique index makes it a suppressed
		// duplicate, not a failure.
		if strings.Contains(err.Error(), "UNIQUE constraint failed") && strings.Contains(err.Error(), "duplicate_guard") {
			return false, nil
		}
		return false, err
	}
	if err := r.Events.Append(ctx, tx, events.TicketCreated, id, t.Source, events.EventPayload{
		"priority": domain.PriorityLabel(t.Priority),
		"guard":    t.DuplicateGuard,
	}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	t.ID = id
	t.Status = domain.StatusOpen
	t.Attempts = 0
	t.CreatedAt = ts
	t.UpdatedAt = ts
	return true, nil
}

const ticketColumns = `id, priority, error_type, message, source, status, duplicate_guard,
	locked_by, locked_at, lease_expires,
	stack_trace, file_context, system_state, ai_remediation_notes,
	completion_summary, test_steps, test_results, attempts, last_error,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTicket(row rowScanner) (domain.Ticket, error) {
	var t domain.Ticket
	var lockedBy, lockedAt, leaseExpires sql.NullString
	var stackTrace, fileContext, systemState, aiNotes sql.NullString
	var summary, steps, results, lastError sql.NullString
	err := row.Scan(&t.ID, &t.Priority, &t.ErrorType, &t.Message, &t.Source, &t.Status, &t.DuplicateGuard,
		&lockedBy, &lockedAt, &leaseExpires,
		&stackTrace, &fileContext, &systemState, &aiNotes,
		&summary, &steps, &results, &t.Attempts, &lastError,
		&t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.LockedBy = fromNull(lockedBy)
	t.LockedAt = fromNull(lockedAt)
	t.LeaseExpires = fromNull(leaseExpires)
	t.StackTrace = fromNull(stackTrace)
	t.FileContext = fromNull(fileContext)
	t.SystemState = fromNull(systemState)
	t.AIRemediationNotes = fromNull(aiNotes)
	t.CompletionSummary = fromNull(summary)
	t.TestSteps = fromNull(steps)
	t.TestResults = fromNull(results)
	t.LastError = fromNull(lastError)
	return t, nil
}

// Get returns one ticket by id.
func (r Repo) Get(ctx context.Context, id string) (domain.Ticket, error) {
	return scanTicket(r.DB.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id=?`, id))
}

// Filters narrows List results.
type Filters struct {
	Status          string
	Priority        *int
	Source          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// List returns tickets newest first with keyset pagination.
func (r Repo) List(ctx context.Context, f Filters) ([]domain.Ticket, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Priority != nil {
		clauses = append(clauses, "priority=?")
		args = append(args, *f.Priority)
	}
	if f.Source != "" {
		clauses = append(clauses, "source=?")
		args = append(args, f.Source)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + ticketColumns + ` FROM tickets ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// MarkComplete closes a ticket through the quality gate: summary, test
// steps, and test results must each meet the configured minimum length.
// Returns false when the ticket is missing or already terminal.
func (r Repo) MarkComplete(ctx context.Context, id string, report domain.CompletionReport) (bool, error) {
	min := r.Complete.MinFieldLength
	for field, value := range map[string]string{
		"summary":      report.Summary,
		"test_steps":   report.TestSteps,
		"test_results": report.TestResults,
	} {
		if len(strings.TrimSpace(value)) < min {
			return false, &CompletionQualityError{Field: field, Min: min}
		}
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	ts := r.stamp(r.now())
	res, err := tx.ExecContext(ctx, `UPDATE tickets SET
		status='completed', completion_summary=?, test_steps=?, test_results=?,
		locked_by=NULL, locked_at=NULL, lease_expires=NULL, updated_at=?
	WHERE id=? AND status IN ('open','in_progress')`,
		report.Summary, report.TestSteps, report.TestResults, ts, id)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	if err := r.Events.Append(ctx, tx, events.TicketCompleted, id, "", events.EventPayload{"summary": report.Summary}); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// Delete removes a ticket. Soft delete (the default) keeps the row for
// audit with status deleted; hard delete removes it.
func (r Repo) Delete(ctx context.Context, id string, soft bool) (bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	var res sql.Result
	if soft {
		res, err = tx.ExecContext(ctx, `UPDATE tickets SET
			status='deleted', locked_by=NULL, locked_at=NULL, lease_expires=NULL, updated_at=?
		WHERE id=? AND status != 'deleted'`, r.stamp(r.now()), id)
	} else {
		res, err = tx.ExecContext(ctx, `DELETE FROM tickets WHERE id=?`, id)
	}
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	if err := r.Events.Append(ctx, tx, events.TicketDeleted, id, "", events.EventPayload{"soft": soft}); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// Quarantine isolates a ticket that keeps failing to process. It is
// excluded from dispatch but still blocks duplicate creation.
func (r Repo) Quarantine(ctx context.Context, id, reason string) (bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `UPDATE tickets SET
		status='quarantined', last_error=?, locked_by=NULL, locked_at=NULL, lease_expires=NULL, updated_at=?
	WHERE id=? AND status IN ('open','in_progress')`, reason, r.stamp(r.now()), id)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	if err := r.Events.Append(ctx, tx, events.TicketQuarantined, id, "", events.EventPayload{"reason": reason}); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// RecordAttempt bumps the processing attempt counter and stores the
// last failure, returning the new count.
func (r Repo) RecordAttempt(ctx context.Context, id, lastError string) (int, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `UPDATE tickets SET attempts=attempts+1, last_error=?, updated_at=? WHERE id=?`,
		lastError, r.stamp(r.now()), id)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrNotFound
	}
	var attempts int
	if err := tx.QueryRowContext(ctx, `SELECT attempts FROM tickets WHERE id=?`, id).Scan(&attempts); err != nil {
		return 0, err
	}
	return attempts, tx.Commit()
}

// UpdatePriority sets a ticket's priority explicitly. Lock operations
// never touch priority.
func (r Repo) UpdatePriority(ctx context.Context, id string, priority int) error {
	if !domain.ValidPriority(priority) {
		return fmt.Errorf("priority %d out of range P0..P4", priority)
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE tickets SET priority=?, updated_at=? WHERE id=?`,
		priority, r.stamp(r.now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Stats aggregates ticket counts by status in a single query.
func (r Repo) Stats(ctx context.Context) (domain.Stats, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM tickets GROUP BY status`)
	if err != nil {
		return domain.Stats{}, err
	}
	defer rows.Close()
	var s domain.Stats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return domain.Stats{}, err
		}
		switch status {
		case domain.StatusOpen:
			s.Open = count
		case domain.StatusInProgress:
			s.InProgress = count
		case domain.StatusCompleted:
			s.Completed = count
		case domain.StatusDeleted:
			s.Deleted = count
		case domain.StatusQuarantined:
			s.Quarantined = count
		}
		s.Total += count
	}
	return s, rows.Err()
}

// LatestEvents returns recent audit events, newest first.
func (r Repo) LatestEvents(ctx context.Context, limit int, ticketID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if ticketID != "" {
		clauses = append(clauses, "ticket_id=?")
		args = append(args, ticketID)
	}
	query := `SELECT id, ts, type, COALESCE(ticket_id,''), agent_id, COALESCE(payload_json,'{}')
		FROM events WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.TicketID, &e.AgentID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events with IDs greater than the cursor in
// ascending order, for the webhook dispatcher.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, ts, type, COALESCE(ticket_id,''), agent_id, COALESCE(payload_json,'{}')
		FROM events WHERE id > ? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.TicketID, &e.AgentID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the highest event id, or 0 when the log is
// empty. New webhook cursors start here so only fresh events deliver.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM events`).Scan(&id)
	return id, err
}

func fromNull(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
