package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"yield-guard/internal/approval"
)

const (
	upsertPendingApprovalSQL = `INSERT INTO pending_approvals (
        proposal_id,
        record,
        expires_at,
        updated_at
    ) VALUES (
        $1,$2,$3,now()
    )
    ON CONFLICT (proposal_id) DO UPDATE
    SET
        record     = EXCLUDED.record,
        expires_at = EXCLUDED.expires_at,
        updated_at = now();`

	deletePendingApprovalSQL = `DELETE FROM pending_approvals WHERE proposal_id = $1;`

	listPendingApprovalsSQL = `SELECT record FROM pending_approvals ORDER BY expires_at;`
)

var _ approval.Store = (*Store)(nil)

// SavePendingApproval stores a proposal together with its outstanding request.
func (s *Store) SavePendingApproval(ctx context.Context, rec approval.PendingRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("encode pending approval: %w", err)
	}

	if _, execErr := pool.Exec(ctx, upsertPendingApprovalSQL,
		rec.Proposal.ID,
		payload,
		rec.Proposal.ExpiresAt.UTC(),
	); execErr != nil {
		return fmt.Errorf("upsert pending approval: %w", execErr)
	}
	return nil
}

// DeletePendingApproval forgets a proposal. Deleting an unknown id is not an error.
func (s *Store) DeletePendingApproval(ctx context.Context, proposalID string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deletePendingApprovalSQL, proposalID); execErr != nil {
		return fmt.Errorf("delete pending approval: %w", execErr)
	}
	return nil
}

// ListPendingApprovals loads every persisted record, soonest expiry first.
func (s *Store) ListPendingApprovals(ctx context.Context) ([]approval.PendingRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listPendingApprovalsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list pending approvals: %w", queryErr)
	}
	defer rows.Close()

	records := make([]approval.PendingRecord, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var rec approval.PendingRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, fmt.Errorf("decode pending approval: %w", err)
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}
