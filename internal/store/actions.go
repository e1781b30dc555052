package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Action lifecycle states.
const (
	ActionPending    = "pending"
	ActionProcessing = "processing"
	ActionCompleted  = "completed"
	ActionFailed     = "failed"
)

// PendingAction is the persisted form of a queued offline mutation. Payload
// holds the affected message ids captured at enqueue time; the typed action
// variants live in the actions package and are serialized only here.
type PendingAction struct {
	ID             string
	Type           string
	MessageID      string
	ConversationID string
	Payload        []string
	Status         string
	RetryCount     int
	LastError      string
	CreatedAt      time.Time
}

// InsertAction durably records a new pending action.
func (s *Store) InsertAction(ctx context.Context, a *PendingAction) error {
	payloadJSON, err := json.Marshal(a.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_actions
		(id, action_type, message_id, conversation_id, payload, status, retry_count, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.Type, nullable(a.MessageID), nullable(a.ConversationID), string(payloadJSON),
		a.Status, a.RetryCount, a.LastError, millis(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert action: %w", err)
	}
	return nil
}

// EligibleActions returns, oldest first, every action that should be
// dispatched: pending, or failed with retries remaining.
func (s *Store) EligibleActions(ctx context.Context, maxRetries int) ([]*PendingAction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action_type, message_id, conversation_id, payload, status, retry_count, last_error, created_at
		FROM pending_actions
		WHERE status = ? OR (status = ? AND retry_count < ?)
		ORDER BY created_at, id
	`, ActionPending, ActionFailed, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("failed to query actions: %w", err)
	}
	defer rows.Close()
	return scanActions(rows)
}

// SetActionStatus transitions an action's lifecycle state.
func (s *Store) SetActionStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pending_actions SET status = ? WHERE id = ?
	`, status, id)
	if err != nil {
		return fmt.Errorf("failed to set action status: %w", err)
	}
	return nil
}

// FailAction marks an action failed, recording the error and bumping the
// retry counter by the given amount.
func (s *Store) FailAction(ctx context.Context, id, lastError string, retryDelta int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pending_actions
		SET status = ?, last_error = ?, retry_count = retry_count + ?
		WHERE id = ?
	`, ActionFailed, lastError, retryDelta, id)
	if err != nil {
		return fmt.Errorf("failed to fail action: %w", err)
	}
	return nil
}

// DeletePendingByTypeAndMessage removes still-pending actions for an exact
// (messageID, type) pair. Best-effort cancellation when the user reverses an
// action before dispatch.
func (s *Store) DeletePendingByTypeAndMessage(ctx context.Context, messageID, actionType string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM pending_actions
		WHERE message_id = ? AND action_type = ? AND status = ?
	`, messageID, actionType, ActionPending)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel actions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteCompletedActions prunes terminal completed actions after a dispatch
// pass to bound queue storage.
func (s *Store) DeleteCompletedActions(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM pending_actions WHERE status = ?
	`, ActionCompleted)
	if err != nil {
		return fmt.Errorf("failed to prune actions: %w", err)
	}
	return nil
}

// PendingActionCount counts actions that still await successful dispatch.
func (s *Store) PendingActionCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM pending_actions WHERE status != ?
	`, ActionCompleted).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count actions: %w", err)
	}
	return n, nil
}

// HasPendingAction reports whether a not-yet-completed action of the given
// type exists for a message.
func (s *Store) HasPendingAction(ctx context.Context, messageID, actionType string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM pending_actions
		WHERE message_id = ? AND action_type = ? AND status != ?
	`, messageID, actionType, ActionCompleted).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check action: %w", err)
	}
	return n > 0, nil
}

// ExhaustedActions returns terminally failed actions so the application can
// surface them for manual retry or discard.
func (s *Store) ExhaustedActions(ctx context.Context, maxRetries int) ([]*PendingAction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action_type, message_id, conversation_id, payload, status, retry_count, last_error, created_at
		FROM pending_actions
		WHERE status = ? AND retry_count >= ?
		ORDER BY created_at, id
	`, ActionFailed, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("failed to query exhausted actions: %w", err)
	}
	defer rows.Close()
	return scanActions(rows)
}

func scanActions(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]*PendingAction, error) {
	var actions []*PendingAction
	for rows.Next() {
		var (
			a           PendingAction
			msgID       sql.NullString
			convID      sql.NullString
			payloadJSON string
			created     int64
		)
		if err := rows.Scan(&a.ID, &a.Type, &msgID, &convID, &payloadJSON,
			&a.Status, &a.RetryCount, &a.LastError, &created); err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		a.MessageID = msgID.String
		a.ConversationID = convID.String
		if err := json.Unmarshal([]byte(payloadJSON), &a.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode payload: %w", err)
		}
		a.CreatedAt = time.UnixMilli(created)
		actions = append(actions, &a)
	}
	return actions, rows.Err()
}
