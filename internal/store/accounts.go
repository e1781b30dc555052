package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Account is the single signed-in mailbox this replica tracks. BootstrapAt is
// the install timestamp: messages older than it are never imported, and the
// partial-sync fallback re-lists from it.
type Account struct {
	Email       string
	Aliases     []string
	Cursor      string
	BootstrapAt time.Time
}

// CreateAccount inserts the account row if it does not exist yet. The first
// successful profile fetch calls this; subsequent calls are no-ops.
func (s *Store) CreateAccount(ctx context.Context, email string, aliases []string, cursor string) error {
	aliasJSON, err := json.Marshal(aliases)
	if err != nil {
		return fmt.Errorf("failed to encode aliases: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO account (email, aliases, cursor, bootstrap_at)
		VALUES (?, ?, ?, ?)
	`, email, string(aliasJSON), nullable(cursor), millis(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// Account returns the stored account, or nil if none has been created.
func (s *Store) Account(ctx context.Context) (*Account, error) {
	var (
		a         Account
		aliasJSON string
		cursor    sql.NullString
		bootstrap int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT email, aliases, cursor, bootstrap_at FROM account LIMIT 1
	`).Scan(&a.Email, &aliasJSON, &cursor, &bootstrap)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	if err := json.Unmarshal([]byte(aliasJSON), &a.Aliases); err != nil {
		return nil, fmt.Errorf("failed to decode aliases: %w", err)
	}
	a.Cursor = cursor.String
	a.BootstrapAt = time.UnixMilli(bootstrap)
	return &a, nil
}

// SaveCursor persists the change cursor. The orchestrator is the only writer,
// and only after a full change walk has been applied.
func (s *Store) SaveCursor(ctx context.Context, email, cursor string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE account SET cursor = ? WHERE email = ?
	`, cursor, email)
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
