// Package remote defines the narrow mailbox surface the sync engine and the
// action queue consume. Concrete providers live under internal/providers.
package remote

import (
	"context"
	"time"
)

// Profile describes the remote account at the time of the call. Cursor is the
// server's current change cursor, suitable as a fresh sync baseline.
type Profile struct {
	Email  string
	Cursor string
}

// ListPage is one page of a message-id listing.
type ListPage struct {
	IDs           []string
	NextPageToken string
}

// Message is a fully fetched remote message.
type Message struct {
	ID             string
	ThreadID       string
	InternalDate   time.Time
	Snippet        string
	LabelIDs       []string
	Headers        map[string]string
	HasAttachments bool
}

// ChangeKind enumerates the four change-record shapes the change feed emits.
type ChangeKind int

const (
	MessageAdded ChangeKind = iota
	MessageDeleted
	LabelsAdded
	LabelsRemoved
)

// Change is a single record from the change feed. LabelIDs is populated only
// for LabelsAdded and LabelsRemoved.
type Change struct {
	Kind      ChangeKind
	MessageID string
	LabelIDs  []string
}

// ChangePage is one page of the change feed. NewCursor is the cursor to
// persist once the entire multi-page walk has been applied.
type ChangePage struct {
	Changes       []Change
	NewCursor     string
	NextPageToken string
}

// Mailbox is the provider contract. All label mutations are idempotent on the
// server side, so re-sending after a crash or false-negative failure is safe.
type Mailbox interface {
	Profile(ctx context.Context) (Profile, error)
	ListMessages(ctx context.Context, query, pageToken string, maxResults int64) (ListPage, error)
	GetMessage(ctx context.Context, id string) (*Message, error)
	ListChanges(ctx context.Context, cursor, pageToken string) (ChangePage, error)
	Modify(ctx context.Context, ids, addLabels, removeLabels []string) error
}

// Well-known label ids shared by both providers after normalization.
const (
	LabelInbox  = "INBOX"
	LabelUnread = "UNREAD"
	LabelSpam   = "SPAM"
	LabelDraft  = "DRAFT"
	LabelSent   = "SENT"
	LabelStar   = "STARRED"
	LabelTrash  = "TRASH"
)
