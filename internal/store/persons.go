package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Person is a contact shared by reference across conversations and messages.
// Unique by normalized email; DisplayName is first-write-wins (an external
// address-book resolver may overwrite it later).
type Person struct {
	Email       string
	DisplayName string
	AvatarRef   string
}

// FindOrCreatePerson upserts a person by normalized email. A supplied display
// name is accepted only if the stored one is still null.
func (s *Store) FindOrCreatePerson(ctx context.Context, email, displayName string) (*Person, error) {
	var name any
	if displayName != "" {
		name = displayName
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO persons (email, display_name) VALUES (?, ?)
		ON CONFLICT(email) DO UPDATE SET
			display_name = COALESCE(persons.display_name, excluded.display_name)
	`, email, name)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert person: %w", err)
	}
	return s.Person(ctx, email)
}

// Person loads one person by email, or nil if absent.
func (s *Store) Person(ctx context.Context, email string) (*Person, error) {
	var (
		p      Person
		name   sql.NullString
		avatar sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT email, display_name, avatar_ref FROM persons WHERE email = ?
	`, email).Scan(&p.Email, &name, &avatar)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load person: %w", err)
	}
	p.DisplayName = name.String
	p.AvatarRef = avatar.String
	return &p, nil
}

// PersonsByEmail loads a batch of persons keyed by email. Missing addresses
// are simply absent from the result.
func (s *Store) PersonsByEmail(ctx context.Context, emails []string) (map[string]*Person, error) {
	out := make(map[string]*Person, len(emails))
	if len(emails) == 0 {
		return out, nil
	}
	args := make([]any, len(emails))
	for i, e := range emails {
		args[i] = e
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT email, display_name, avatar_ref FROM persons WHERE email IN (%s)
	`, placeholders(len(emails))), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query persons: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			p      Person
			name   sql.NullString
			avatar sql.NullString
		)
		if err := rows.Scan(&p.Email, &name, &avatar); err != nil {
			return nil, fmt.Errorf("failed to scan person: %w", err)
		}
		p.DisplayName = name.String
		p.AvatarRef = avatar.String
		out[p.Email] = &p
	}
	return out, rows.Err()
}
