package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Conversation is an archive-aware thread of messages plus its denormalized
// rollup fields. At most one active (ArchivedAt == nil) conversation may
// exist per participant hash at any settled point in time.
type Conversation struct {
	ID               string
	IdentityKey      string
	ParticipantHash  string
	ArchivedAt       *time.Time
	HasInbox         bool
	InboxUnreadCount int
	LastMessageDate  *time.Time
	LatestInboxDate  *time.Time
	Snippet          string
	DisplayName      string
	Pinned           bool
}

// ConversationParticipant links a person to a conversation.
type ConversationParticipant struct {
	Email string
	Kind  string
}

// InsertConversation writes a freshly created conversation row.
func (s *Store) InsertConversation(ctx context.Context, c *Conversation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations
		(id, identity_key, participant_hash, archived_at, has_inbox, inbox_unread_count,
		 last_message_date, latest_inbox_date, snippet, display_name, pinned)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.IdentityKey, c.ParticipantHash, millisPtr(c.ArchivedAt), c.HasInbox,
		c.InboxUnreadCount, millisPtr(c.LastMessageDate), millisPtr(c.LatestInboxDate),
		c.Snippet, c.DisplayName, c.Pinned)
	if err != nil {
		return fmt.Errorf("failed to insert conversation: %w", err)
	}
	return nil
}

// UpdateConversation rewrites the mutable rollup fields of a conversation.
func (s *Store) UpdateConversation(ctx context.Context, c *Conversation) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET
			archived_at = ?, has_inbox = ?, inbox_unread_count = ?,
			last_message_date = ?, latest_inbox_date = ?, snippet = ?,
			display_name = ?, pinned = ?
		WHERE id = ?
	`, millisPtr(c.ArchivedAt), c.HasInbox, c.InboxUnreadCount,
		millisPtr(c.LastMessageDate), millisPtr(c.LatestInboxDate), c.Snippet,
		c.DisplayName, c.Pinned, c.ID)
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	return nil
}

// Conversation loads one conversation by id, or nil if absent.
func (s *Store) Conversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, convSelect+` WHERE id = ?`, id)
	c, err := scanConversation(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load conversation %s: %w", id, err)
	}
	return c, nil
}

// ActiveConversationByHash returns the non-archived conversation for a
// participant hash, or nil. Callers must hold the per-hash lock before
// pairing this with InsertConversation.
func (s *Store) ActiveConversationByHash(ctx context.Context, hash string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, convSelect+`
		WHERE participant_hash = ? AND archived_at IS NULL LIMIT 1`, hash)
	c, err := scanConversation(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find active conversation: %w", err)
	}
	return c, nil
}

// Conversations returns every conversation. The merge sweep works from this
// snapshot and re-reads before mutating.
func (s *Store) Conversations(ctx context.Context) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, convSelect)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// DeleteConversation removes a conversation and its participant rows.
// Messages must be reassigned or deleted first.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return nil
}

// EmptyConversationIDs returns conversations that own zero messages.
func (s *Store) EmptyConversationIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id FROM conversations c
		LEFT JOIN messages m ON m.conversation_id = c.id
		GROUP BY c.id HAVING COUNT(m.id) = 0
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query empty conversations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AddConversationParticipants inserts participant links, ignoring duplicates.
func (s *Store) AddConversationParticipants(ctx context.Context, conversationID string, participants []ConversationParticipant) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, p := range participants {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO conversation_participants (conversation_id, email, kind)
				VALUES (?, ?, ?)
			`, conversationID, p.Email, p.Kind); err != nil {
				return fmt.Errorf("failed to insert conversation participant: %w", err)
			}
		}
		return nil
	})
}

// ConversationParticipants returns the participant links of a conversation.
func (s *Store) ConversationParticipants(ctx context.Context, conversationID string) ([]ConversationParticipant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT email, kind FROM conversation_participants WHERE conversation_id = ?
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation participants: %w", err)
	}
	defer rows.Close()

	var ps []ConversationParticipant
	for rows.Next() {
		var p ConversationParticipant
		if err := rows.Scan(&p.Email, &p.Kind); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		ps = append(ps, p)
	}
	return ps, rows.Err()
}

const convSelect = `
	SELECT id, identity_key, participant_hash, archived_at, has_inbox,
	       inbox_unread_count, last_message_date, latest_inbox_date,
	       snippet, display_name, pinned
	FROM conversations`

func scanConversation(r rowScanner) (*Conversation, error) {
	var (
		c        Conversation
		archived sql.NullInt64
		lastDate sql.NullInt64
		inboxAt  sql.NullInt64
	)
	if err := r.Scan(&c.ID, &c.IdentityKey, &c.ParticipantHash, &archived, &c.HasInbox,
		&c.InboxUnreadCount, &lastDate, &inboxAt, &c.Snippet, &c.DisplayName, &c.Pinned); err != nil {
		return nil, err
	}
	c.ArchivedAt = timePtr(archived)
	c.LastMessageDate = timePtr(lastDate)
	c.LatestInboxDate = timePtr(inboxAt)
	return &c, nil
}
