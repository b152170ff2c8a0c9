package approval

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cloud-codex/cloud-codex/internal/common/logger"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS approval_audit (
	id            BIGSERIAL PRIMARY KEY,
	ts            TIMESTAMPTZ NOT NULL,
	user_id       TEXT NOT NULL,
	session_id    TEXT NOT NULL,
	thread_id     TEXT,
	turn_id       TEXT,
	action        TEXT NOT NULL,
	command       TEXT,
	changes       JSONB,
	decision      TEXT NOT NULL,
	approver      TEXT NOT NULL,
	reason        TEXT,
	auto_approved BOOLEAN NOT NULL
);
CREATE INDEX IF NOT EXISTS approval_audit_user_idx ON approval_audit (user_id, ts DESC);
`

// PostgresAuditor persists audit records with pgx.
type PostgresAuditor struct {
	pool   *pgxpool.Pool
	logger *logger.Logger
}

// NewPostgresAuditor connects to Postgres and ensures the audit table exists.
func NewPostgresAuditor(ctx context.Context, dsn string, log *logger.Logger) (*PostgresAuditor, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, auditSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure audit schema: %w", err)
	}
	return &PostgresAuditor{pool: pool, logger: log}, nil
}

// Record appends an audit record.
func (a *PostgresAuditor) Record(ctx context.Context, rec *AuditRecord) error {
	var changes []byte
	if rec.Changes != nil {
		var err error
		changes, err = json.Marshal(rec.Changes)
		if err != nil {
			return fmt.Errorf("failed to marshal changes: %w", err)
		}
	}

	_, err := a.pool.Exec(ctx, `
		INSERT INTO approval_audit
			(ts, user_id, session_id, thread_id, turn_id, action, command, changes, decision, approver, reason, auto_approved)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		rec.Timestamp, rec.UserID, rec.SessionID, rec.ThreadID, rec.TurnID,
		rec.Action, rec.Command, changes, rec.Decision, rec.Approver, rec.Reason, rec.AutoApproved,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

// QueryByUser returns the most recent records for a user, oldest first.
func (a *PostgresAuditor) QueryByUser(ctx context.Context, userID string, limit int) ([]*AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := a.pool.Query(ctx, `
		SELECT ts, user_id, session_id, thread_id, turn_id, action, command, changes, decision, approver, reason, auto_approved
		FROM (
			SELECT * FROM approval_audit WHERE user_id = $1 ORDER BY ts DESC LIMIT $2
		) latest
		ORDER BY ts ASC`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	var out []*AuditRecord
	for rows.Next() {
		rec := &AuditRecord{}
		var threadID, turnID, command, reason *string
		var changes []byte
		if err := rows.Scan(&rec.Timestamp, &rec.UserID, &rec.SessionID, &threadID, &turnID,
			&rec.Action, &command, &changes, &rec.Decision, &rec.Approver, &reason, &rec.AutoApproved); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		if threadID != nil {
			rec.ThreadID = *threadID
		}
		if turnID != nil {
			rec.TurnID = *turnID
		}
		if command != nil {
			rec.Command = *command
		}
		if reason != nil {
			rec.Reason = *reason
		}
		if len(changes) > 0 {
			var v interface{}
			if err := json.Unmarshal(changes, &v); err == nil {
				rec.Changes = v
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close releases the connection pool.
func (a *PostgresAuditor) Close() {
	a.pool.Close()
}
