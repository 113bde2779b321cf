package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types appended by the ticket repository.
const (
	TicketCreated     = "ticket.created"
	TicketLocked      = "ticket.locked"
	TicketRenewed     = "ticket.renewed"
	TicketReleased    = "ticket.released"
	TicketReclaimed   = "ticket.reclaimed"
	TicketCompleted   = "ticket.completed"
	TicketDeleted     = "ticket.deleted"
	TicketQuarantined = "ticket.quarantined"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append records an event inside the caller's transaction.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, ticketID, agentID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,ticket_id,agent_id,payload_json) VALUES (?,?,?,?,?)`,
		ts, evtType, nullable(ticketID), agentID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
