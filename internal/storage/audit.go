package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"yield-guard/internal/audit"
)

const (
	insertAuditEventSQL = `INSERT INTO audit_events (
        id,
        ts,
        event_type,
        proposal_id,
        target_entity_id,
        instruction_hash,
        settlement_ref,
        details
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (id) DO NOTHING;`

	listAuditEventsSQL = `SELECT
        id,
        ts,
        event_type,
        proposal_id,
        target_entity_id,
        instruction_hash,
        settlement_ref,
        details
    FROM audit_events
    WHERE ($1 = '' OR proposal_id = $1)
    ORDER BY ts DESC
    LIMIT $2;`
)

var (
	_ audit.Sink   = (*Store)(nil)
	_ audit.Lister = (*Store)(nil)
)

// Record appends an audit event. Events are immutable; a replayed id is ignored.
func (s *Store) Record(ctx context.Context, e audit.Event) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	details := []byte("{}")
	if len(e.Details) > 0 {
		if details, err = json.Marshal(e.Details); err != nil {
			return fmt.Errorf("encode audit details: %w", err)
		}
	}

	_, execErr := pool.Exec(ctx, insertAuditEventSQL,
		e.ID.String(),
		e.Timestamp.UTC(),
		string(e.EventType),
		e.ProposalID,
		e.TargetEntityID,
		e.InstructionHash,
		e.SettlementRef,
		details,
	)
	if execErr != nil {
		return fmt.Errorf("insert audit event: %w", execErr)
	}
	return nil
}

// ListRecentAuditEvents returns the newest events, optionally for one proposal.
func (s *Store) ListRecentAuditEvents(ctx context.Context, proposalID string, limit int) ([]audit.Event, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listAuditEventsSQL, proposalID, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list audit events: %w", queryErr)
	}
	defer rows.Close()

	events := make([]audit.Event, 0, limit)
	for rows.Next() {
		var (
			idStr     string
			ts        time.Time
			eventType string
			details   []byte
			e         audit.Event
		)
		if err := rows.Scan(
			&idStr,
			&ts,
			&eventType,
			&e.ProposalID,
			&e.TargetEntityID,
			&e.InstructionHash,
			&e.SettlementRef,
			&details,
		); err != nil {
			return nil, err
		}

		id, parseErr := uuid.Parse(idStr)
		if parseErr != nil {
			return nil, fmt.Errorf("parse audit id: %w", parseErr)
		}
		e.ID = id
		e.Timestamp = ts.UTC()
		e.EventType = audit.EventType(eventType)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("decode audit details: %w", err)
			}
		}
		if len(e.Details) == 0 {
			e.Details = nil
		}
		events = append(events, e)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}
