// Package notify emits change notifications so other open views of the store
// react to mutations (merges especially) instead of silently losing rows.
package notify

import (
	"context"
	"time"
)

// Kind identifies what changed.
type Kind string

const (
	ConversationCreated Kind = "conversation.created"
	ConversationUpdated Kind = "conversation.updated"
	ConversationMerged  Kind = "conversation.merged"
	ConversationDeleted Kind = "conversation.deleted"
	MessageIngested     Kind = "message.ingested"
	MessageDeleted      Kind = "message.deleted"
	ActionCompleted     Kind = "action.completed"
)

// Event is one store mutation. MergedInto is set only for ConversationMerged.
type Event struct {
	ID             string    `json:"id"`
	Kind           Kind      `json:"kind"`
	Account        string    `json:"account"`
	ConversationID string    `json:"conversation_id,omitempty"`
	MergedInto     string    `json:"merged_into,omitempty"`
	MessageID      string    `json:"message_id,omitempty"`
	At             time.Time `json:"at"`
}

// Bus is the publishing surface the engine, orchestrator and action queue
// write to. Publishing is best effort; producers log failures and move on.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop discards all events. Useful when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
