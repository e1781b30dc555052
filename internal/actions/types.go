// Package actions is the offline action queue: user mutations applied
// optimistically to the local replica, persisted, and replayed against the
// remote mailbox in creation order with backoff.
package actions

import (
	"github.com/mailmirror/mailmirror/internal/remote"
)

// Type enumerates the supported user mutations.
type Type string

const (
	TypeMarkRead            Type = "markRead"
	TypeMarkUnread          Type = "markUnread"
	TypeArchive             Type = "archive"
	TypeArchiveConversation Type = "archiveConversation"
	TypeStar                Type = "star"
	TypeUnstar              Type = "unstar"
	TypeDeleteConversation  Type = "deleteConversation"
)

// Action is the tagged union of queued mutations. Each variant carries
// exactly the fields it needs; serialization happens only at the persistence
// boundary. Every remote effect is an idempotent label mutation, so
// re-sending after a crash or false-negative failure is safe.
type Action interface {
	Type() Type
	// MessageIDs is the full affected set, captured at enqueue time: the
	// server-side mutation targets messages, not conversations.
	MessageIDs() []string
	// LabelOps returns the label delta the remote mutation applies.
	LabelOps() (add, remove []string)
}

// MarkRead clears the unread flag on one message.
type MarkRead struct{ MessageID string }

func (a MarkRead) Type() Type { return TypeMarkRead }
func (a MarkRead) MessageIDs() []string { return []string{a.MessageID} }
func (a MarkRead) LabelOps() ([]string, []string) {
	return nil, []string{remote.LabelUnread}
}

// MarkUnread restores the unread flag on one message.
type MarkUnread struct{ MessageID string }

func (a MarkUnread) Type() Type { return TypeMarkUnread }
func (a MarkUnread) MessageIDs() []string { return []string{a.MessageID} }
func (a MarkUnread) LabelOps() ([]string, []string) {
	return []string{remote.LabelUnread}, nil
}

// Archive removes one message from the inbox.
type Archive struct{ MessageID string }

func (a Archive) Type() Type { return TypeArchive }
func (a Archive) MessageIDs() []string { return []string{a.MessageID} }
func (a Archive) LabelOps() ([]string, []string) {
	return nil, []string{remote.LabelInbox}
}

// Star stars one message.
type Star struct{ MessageID string }

func (a Star) Type() Type { return TypeStar }
func (a Star) MessageIDs() []string { return []string{a.MessageID} }
func (a Star) LabelOps() ([]string, []string) {
	return []string{remote.LabelStar}, nil
}

// Unstar un-stars one message.
type Unstar struct{ MessageID string }

func (a Unstar) Type() Type { return TypeUnstar }
func (a Unstar) MessageIDs() []string { return []string{a.MessageID} }
func (a Unstar) LabelOps() ([]string, []string) {
	return nil, []string{remote.LabelStar}
}

// ArchiveConversation removes every message of a conversation from the inbox.
type ArchiveConversation struct {
	ConversationID string
	Messages       []string
}

func (a ArchiveConversation) Type() Type { return TypeArchiveConversation }
func (a ArchiveConversation) MessageIDs() []string { return a.Messages }
func (a ArchiveConversation) LabelOps() ([]string, []string) {
	return nil, []string{remote.LabelInbox}
}

// DeleteConversation trashes every message of a conversation.
type DeleteConversation struct {
	ConversationID string
	Messages       []string
}

func (a DeleteConversation) Type() Type { return TypeDeleteConversation }
func (a DeleteConversation) MessageIDs() []string { return a.Messages }
func (a DeleteConversation) LabelOps() ([]string, []string) {
	return []string{remote.LabelTrash}, []string{remote.LabelInbox}
}

// conversationID returns the conversation an action targets, if any.
func conversationID(a Action) string {
	switch v := a.(type) {
	case ArchiveConversation:
		return v.ConversationID
	case DeleteConversation:
		return v.ConversationID
	}
	return ""
}

// inverseOf maps an action type to the type it reverses, for best-effort
// cancellation of still-pending opposites.
func inverseOf(t Type) (Type, bool) {
	switch t {
	case TypeMarkRead:
		return TypeMarkUnread, true
	case TypeMarkUnread:
		return TypeMarkRead, true
	case TypeStar:
		return TypeUnstar, true
	case TypeUnstar:
		return TypeStar, true
	}
	return "", false
}

// labelOpsForType rebuilds the label delta from a persisted action record.
func labelOpsForType(t Type) (add, remove []string, ok bool) {
	switch t {
	case TypeMarkRead:
		return nil, []string{remote.LabelUnread}, true
	case TypeMarkUnread:
		return []string{remote.LabelUnread}, nil, true
	case TypeArchive, TypeArchiveConversation:
		return nil, []string{remote.LabelInbox}, true
	case TypeStar:
		return []string{remote.LabelStar}, nil, true
	case TypeUnstar:
		return nil, []string{remote.LabelStar}, true
	case TypeDeleteConversation:
		return []string{remote.LabelTrash}, []string{remote.LabelInbox}, true
	}
	return nil, nil, false
}
