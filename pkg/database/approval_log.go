package database

import (
	"context"
	stdsql "database/sql"
	"fmt"
	"time"

	"github.com/rndrntwrk/milaidy/pkg/models"
)

// ApprovalLog is the PostgreSQL-backed approval.Log audit trail.
type ApprovalLog struct {
	db *stdsql.DB
}

// NewApprovalLog creates a persistent approval log.
func NewApprovalLog(client *Client) *ApprovalLog {
	return &ApprovalLog{db: client.DB()}
}

// Requested implements approval.Log.
func (l *ApprovalLog) Requested(ctx context.Context, call models.ToolCall, policy models.ApprovalPolicy, requestedAt time.Time) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO approval_log (call_id, policy, requested_at) VALUES ($1, $2, $3)
		 ON CONFLICT (call_id) DO NOTHING`,
		call.CallID, string(policy), requestedAt)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrPersistenceUnavailable, err)
	}
	return nil
}

// Decided implements approval.Log. Auto-approvals arrive without a prior
// Requested row; the upsert records them with the decision time as the
// request time.
func (l *ApprovalLog) Decided(ctx context.Context, callID string, approved bool, actor, reason string, decidedAt time.Time) error {
	decision := "denied"
	if approved {
		decision = "approved"
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO approval_log (call_id, policy, requested_at, decided_at, decision, actor, reason)
		 VALUES ($1, '', $2, $2, $3, NULLIF($4, ''), NULLIF($5, ''))
		 ON CONFLICT (call_id) DO UPDATE
		 SET decided_at = EXCLUDED.decided_at,
		     decision   = EXCLUDED.decision,
		     actor      = EXCLUDED.actor,
		     reason     = EXCLUDED.reason`,
		callID, decidedAt, decision, actor, reason)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrPersistenceUnavailable, err)
	}
	return nil
}
