package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Message is one remote message as held in the local replica. Core identity
// fields are immutable once written; labels and the derived flags change as
// the change feed reports them. LocalDirtyAt is non-nil while an offline
// action touching this message has not yet been acknowledged by the server.
type Message struct {
	ID             string
	ConversationID string
	ThreadID       string
	InternalDate   time.Time
	Subject        string
	Snippet        string
	IsUnread       bool
	IsFromMe       bool
	HasAttachments bool
	IsNewsletter   bool
	LabelIDs       []string
	LocalDirtyAt   *time.Time
}

// HasLabel reports whether the message currently carries the given label.
func (m *Message) HasLabel(label string) bool {
	for _, l := range m.LabelIDs {
		if l == label {
			return true
		}
	}
	return false
}

// MessageParticipant links a person to a message with a role.
type MessageParticipant struct {
	Email string
	Kind  string // from, to, cc, bcc
}

// UpsertMessage writes a message and its participant rows in one transaction.
// Re-ingesting an existing id updates labels and derived flags only; it never
// creates a duplicate row.
func (s *Store) UpsertMessage(ctx context.Context, m *Message, participants []MessageParticipant) error {
	labelJSON, err := json.Marshal(m.LabelIDs)
	if err != nil {
		return fmt.Errorf("failed to encode labels: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO messages
			(id, conversation_id, thread_id, internal_date, subject, snippet,
			 is_unread, is_from_me, has_attachments, is_newsletter, label_ids, local_dirty_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				label_ids = excluded.label_ids,
				is_unread = excluded.is_unread,
				snippet = excluded.snippet
		`, m.ID, m.ConversationID, m.ThreadID, millis(m.InternalDate), m.Subject, m.Snippet,
			m.IsUnread, m.IsFromMe, m.HasAttachments, m.IsNewsletter, string(labelJSON),
			millisPtr(m.LocalDirtyAt))
		if err != nil {
			return fmt.Errorf("failed to upsert message: %w", err)
		}

		for _, p := range participants {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO message_participants (message_id, email, kind)
				VALUES (?, ?, ?)
			`, m.ID, p.Email, p.Kind); err != nil {
				return fmt.Errorf("failed to insert message participant: %w", err)
			}
		}
		return nil
	})
}

// Message loads one message by id, or nil if absent.
func (s *Store) Message(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, thread_id, internal_date, subject, snippet,
		       is_unread, is_from_me, has_attachments, is_newsletter, label_ids, local_dirty_at
		FROM messages WHERE id = ?
	`, id)
	m, err := scanMessage(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load message %s: %w", id, err)
	}
	return m, nil
}

// MessagesForConversation returns all messages of a conversation ordered by
// internal date ascending.
func (s *Store) MessagesForConversation(ctx context.Context, conversationID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, thread_id, internal_date, subject, snippet,
		       is_unread, is_from_me, has_attachments, is_newsletter, label_ids, local_dirty_at
		FROM messages WHERE conversation_id = ? ORDER BY internal_date
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// UpdateMessageLabels rewrites a message's labels and the derived unread flag.
func (s *Store) UpdateMessageLabels(ctx context.Context, id string, labels []string, isUnread bool) error {
	labelJSON, err := json.Marshal(labels)
	if err != nil {
		return fmt.Errorf("failed to encode labels: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE messages SET label_ids = ?, is_unread = ? WHERE id = ?
	`, string(labelJSON), isUnread, id)
	if err != nil {
		return fmt.Errorf("failed to update labels: %w", err)
	}
	return nil
}

// MarkLocalDirty stamps localDirtyAt on the given messages alongside an
// optimistic local mutation.
func (s *Store) MarkLocalDirty(ctx context.Context, ids []string, at time.Time) error {
	return s.setLocalDirty(ctx, ids, millis(at))
}

// ClearLocalDirty removes the dirty marker once the server has acknowledged
// the action that set it.
func (s *Store) ClearLocalDirty(ctx context.Context, ids []string) error {
	return s.setLocalDirty(ctx, ids, nil)
}

func (s *Store) setLocalDirty(ctx context.Context, ids []string, v any) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, v)
	for _, id := range ids {
		args = append(args, id)
	}
	q := fmt.Sprintf(`UPDATE messages SET local_dirty_at = ? WHERE id IN (%s)`,
		placeholders(len(ids)))
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("failed to update dirty marker: %w", err)
	}
	return nil
}

// DeleteMessage removes a message and its participant rows.
func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

// ReassignMessages moves every message of one conversation to another. Used
// by the duplicate-merge sweep.
func (s *Store) ReassignMessages(ctx context.Context, fromConversationID, toConversationID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET conversation_id = ? WHERE conversation_id = ?
	`, toConversationID, fromConversationID)
	if err != nil {
		return fmt.Errorf("failed to reassign messages: %w", err)
	}
	return nil
}

// MessageCount returns the number of messages in a conversation.
func (s *Store) MessageCount(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM messages WHERE conversation_id = ?
	`, conversationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (*Message, error) {
	var (
		m         Message
		date      int64
		labelJSON string
		dirty     sql.NullInt64
	)
	if err := r.Scan(&m.ID, &m.ConversationID, &m.ThreadID, &date, &m.Subject, &m.Snippet,
		&m.IsUnread, &m.IsFromMe, &m.HasAttachments, &m.IsNewsletter, &labelJSON, &dirty); err != nil {
		return nil, err
	}
	m.InternalDate = time.UnixMilli(date)
	if err := json.Unmarshal([]byte(labelJSON), &m.LabelIDs); err != nil {
		return nil, fmt.Errorf("failed to decode labels: %w", err)
	}
	m.LocalDirtyAt = timePtr(dirty)
	return &m, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
