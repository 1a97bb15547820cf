package pgstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dmitrymomot/gradekit/pkg/audit"
)

var _ audit.Storage = (*Store)(nil)

// Append writes an audit event. The table is insert-only.
func (s *Store) Append(ctx context.Context, e audit.Event) error {
	var metadata []byte
	if len(e.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(e.Metadata); err != nil {
			return fmt.Errorf("pgstore: encode audit metadata: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, actor, action, target, reason, result, error, request_id, metadata, hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.Actor, e.Action, e.Target, e.Reason, string(e.Result), e.Error, e.RequestID, metadata, e.Hash, e.CreatedAt.UTC())
	if err != nil {
		return wrap("append audit event", err)
	}
	return nil
}

// ListAuditEvents returns the newest events about target, at most limit.
func (s *Store) ListAuditEvents(ctx context.Context, target string, limit int) ([]audit.Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor, action, target, reason, result, error, request_id, metadata, hash, created_at
		FROM audit_events WHERE target = $1 ORDER BY created_at DESC LIMIT $2`, target, limit)
	if err != nil {
		return nil, wrap("list audit events", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var (
			e        audit.Event
			result   string
			metadata []byte
		)
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.Target, &e.Reason, &result, &e.Error,
			&e.RequestID, &metadata, &e.Hash, &e.CreatedAt); err != nil {
			return nil, wrap("list audit events", err)
		}
		e.Result = audit.Result(result)
		e.CreatedAt = e.CreatedAt.UTC()
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("pgstore: decode audit metadata: %w", err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list audit events", err)
	}
	return events, nil
}
