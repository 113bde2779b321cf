package repo

import (
	"context"
	"database/sql"
	"time"

	"actifix/internal/domain"
	"actifix/internal/events"
)

// Lock transitions are conditional UPDATEs checked by rows-affected, so
// the ownership test and the mutation are one atomic statement: two
// racing claimants cannot both pass the WHERE clause because SQLite
// serializes writers.

// AcquireLock claims a ticket for holder. It succeeds when the ticket
// is unlocked or the current lease has expired; otherwise it returns
// (nil, nil). Expired leases are taken over regardless of holder.
func (r Repo) AcquireLock(ctx context.Context, id, holder string, lease time.Duration) (*domain.LockInfo, error) {
	now := r.now().UTC()
	info := &domain.LockInfo{
		TicketID:     id,
		LockedBy:     holder,
		LockedAt:     r.stamp(now),
		LeaseExpires: r.stamp(now.Add(lease)),
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `UPDATE tickets SET
		locked_by=?, locked_at=?, lease_expires=?, status='in_progress', updated_at=?
	WHERE id=? AND status IN ('open','in_progress')
	  AND (locked_by IS NULL OR lease_expires < ?)`,
		holder, info.LockedAt, info.LeaseExpires, info.LockedAt, id, info.LockedAt)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	if err := r.Events.Append(ctx, tx, events.TicketLocked, id, holder, events.EventPayload{
		"lease_expires": info.LeaseExpires,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return info, nil
}

// RenewLock extends the lease of a lock held by holder. Renewal is
// holder-scoped: another agent cannot renew someone else's claim even
// if its own view of the lease says it expired. Returns (nil, nil) on
// holder mismatch or missing ticket.
func (r Repo) RenewLock(ctx context.Context, id, holder string, lease time.Duration) (*domain.LockInfo, error) {
	now := r.now().UTC()
	expires := r.stamp(now.Add(lease))
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `UPDATE tickets SET lease_expires=?, updated_at=?
		WHERE id=? AND locked_by=?`, expires, r.stamp(now), id, holder)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	var lockedAt string
	if err := tx.QueryRowContext(ctx, `SELECT locked_at FROM tickets WHERE id=?`, id).Scan(&lockedAt); err != nil {
		return nil, err
	}
	if err := r.Events.Append(ctx, tx, events.TicketRenewed, id, holder, events.EventPayload{
		"lease_expires": expires,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &domain.LockInfo{TicketID: id, LockedBy: holder, LockedAt: lockedAt, LeaseExpires: expires}, nil
}

// ReleaseLock gives a ticket back. Only the current holder may release;
// mismatch or a missing ticket returns (false, nil), which callers must
// check rather than assume success.
func (r Repo) ReleaseLock(ctx context.Context, id, holder string) (bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `UPDATE tickets SET
		locked_by=NULL, locked_at=NULL, lease_expires=NULL, status='open', updated_at=?
	WHERE id=? AND locked_by=? AND status='in_progress'`, r.stamp(r.now()), id, holder)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	if err := r.Events.Append(ctx, tx, events.TicketReleased, id, holder, nil); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// CleanupExpiredLocks reclaims every expired lease, reverting the
// tickets to open, and returns the count affected. It is idempotent and
// safe to run concurrently with acquisition: the same conditional
// UPDATE discipline means a ticket is reclaimed at most once.
func (r Repo) CleanupExpiredLocks(ctx context.Context) (int, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	n, err := r.reclaimExpired(ctx, tx)
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

// reclaimExpired clears expired leases inside the caller's transaction.
// Transactions begin immediate (see internal/db), so the candidate
// SELECT that follows cannot race another claimant.
func (r Repo) reclaimExpired(ctx context.Context, tx *sql.Tx) (int, error) {
	now := r.stamp(r.now())
	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM tickets WHERE locked_by IS NOT NULL AND lease_expires < ? AND status='in_progress'`, now)
	if err != nil {
		return 0, err
	}
	var expired []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		expired = append(expired, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	count := 0
	for _, id := range expired {
		res, err := tx.ExecContext(ctx, `UPDATE tickets SET
			locked_by=NULL, locked_at=NULL, lease_expires=NULL, status='open', updated_at=?
		WHERE id=? AND locked_by IS NOT NULL AND lease_expires < ? AND status='in_progress'`, now, id, now)
		if err != nil {
			return 0, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		if err := r.Events.Append(ctx, tx, events.TicketReclaimed, id, "", nil); err != nil {
			return 0, err
		}
		count++
	}
	return count, nil
}

// GetAndLockNext reclaims expired leases, then selects and locks the
// highest-priority, oldest open ticket for holder, all in one
// transaction. Returns (nil, nil) when no eligible ticket exists.
func (r Repo) GetAndLockNext(ctx context.Context, holder string, lease time.Duration) (*domain.Ticket, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := r.reclaimExpired(ctx, tx); err != nil {
		return nil, err
	}

	// Priority dispatch: P0 before P1, FIFO within a band. The ordering
	// lives in the selection query itself so it cannot race concurrent
	// mutations.
	var id string
	err = tx.QueryRowContext(ctx, `SELECT id FROM tickets
		WHERE status='open' AND locked_by IS NULL
		ORDER BY priority ASC, created_at ASC, id ASC LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, tx.Commit()
	}
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	lockedAt := r.stamp(now)
	expires := r.stamp(now.Add(lease))
	res, err := tx.ExecContext(ctx, `UPDATE tickets SET
		locked_by=?, locked_at=?, lease_expires=?, status='in_progress', updated_at=?
	WHERE id=? AND status='open' AND locked_by IS NULL`,
		holder, lockedAt, expires, lockedAt, id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Cannot happen inside this write transaction; treat as no work.
		return nil, tx.Commit()
	}
	if err := r.Events.Append(ctx, tx, events.TicketLocked, id, holder, events.EventPayload{
		"lease_expires": expires,
		"dispatched":    true,
	}); err != nil {
		return nil, err
	}
	t, err := scanTicket(tx.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id=?`, id))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &t, nil
}
