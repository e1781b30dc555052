package convo

import (
	"context"
	"strings"
	"time"

	"github.com/mailmirror/mailmirror/internal/notify"
	"github.com/mailmirror/mailmirror/internal/store"
)

// MergeDuplicates heals duplicate conversations created by races: groups
// conversations by identity key, and active conversations by participant
// hash, then folds each group's losers into a single winner. Safe to run
// concurrently with ingestion; it works from a snapshot and re-reads each
// conversation before mutating, tolerating another pass if it raced with a
// fresh duplicate.
func (e *Engine) MergeDuplicates(ctx context.Context) error {
	convs, err := e.store.Conversations(ctx)
	if err != nil {
		return err
	}

	groups := make(map[string][]*store.Conversation)
	for _, c := range convs {
		active := c.ArchivedAt == nil
		// Archived conversations only regroup under real thread ids; a
		// participant-derived key spanning an archived conversation and its
		// active successor is the normal archive round trip, not a duplicate.
		if active || !derivedKey(c.IdentityKey) {
			groups["key:"+c.IdentityKey] = append(groups["key:"+c.IdentityKey], c)
		}
		if active {
			groups["hash:"+c.ParticipantHash] = append(groups["hash:"+c.ParticipantHash], c)
		}
	}

	merged := make(map[string]bool) // ids already deleted this pass
	for _, group := range groups {
		live := group[:0]
		for _, c := range group {
			if !merged[c.ID] {
				live = append(live, c)
			}
		}
		if len(live) < 2 {
			continue
		}
		if err := e.mergeGroup(ctx, live, merged); err != nil {
			return err
		}
	}
	return nil
}

// mergeGroup picks the winner (most messages, then latest message date) and
// folds every loser into it.
func (e *Engine) mergeGroup(ctx context.Context, group []*store.Conversation, merged map[string]bool) error {
	counts := make(map[string]int, len(group))
	for _, c := range group {
		n, err := e.store.MessageCount(ctx, c.ID)
		if err != nil {
			return err
		}
		counts[c.ID] = n
	}

	winner := group[0]
	for _, c := range group[1:] {
		if counts[c.ID] > counts[winner.ID] {
			winner = c
			continue
		}
		if counts[c.ID] == counts[winner.ID] && laterDate(c.LastMessageDate, winner.LastMessageDate) {
			winner = c
		}
	}

	for _, loser := range group {
		if loser.ID == winner.ID {
			continue
		}
		// Re-read both sides; the sweep holds no lock and either row may have
		// changed or vanished since the snapshot.
		fresh, err := e.store.Conversation(ctx, loser.ID)
		if err != nil {
			return err
		}
		if fresh == nil {
			merged[loser.ID] = true
			continue
		}
		w, err := e.store.Conversation(ctx, winner.ID)
		if err != nil {
			return err
		}
		if w == nil {
			return nil
		}

		if err := e.store.ReassignMessages(ctx, fresh.ID, w.ID); err != nil {
			return err
		}
		parts, err := e.store.ConversationParticipants(ctx, fresh.ID)
		if err != nil {
			return err
		}
		if err := e.store.AddConversationParticipants(ctx, w.ID, parts); err != nil {
			return err
		}

		// Monotonic field merge; the rollup recompute below re-derives the
		// message-backed fields, pinned only survives through the OR here.
		w.Pinned = w.Pinned || fresh.Pinned
		w.HasInbox = w.HasInbox || fresh.HasInbox
		w.InboxUnreadCount += fresh.InboxUnreadCount
		if laterDate(fresh.LastMessageDate, w.LastMessageDate) {
			w.LastMessageDate = fresh.LastMessageDate
			w.Snippet = fresh.Snippet
		}
		if err := e.store.UpdateConversation(ctx, w); err != nil {
			return err
		}

		if err := e.store.DeleteConversation(ctx, fresh.ID); err != nil {
			return err
		}
		merged[fresh.ID] = true
		e.publish(ctx, notify.Event{Kind: notify.ConversationMerged, ConversationID: fresh.ID, MergedInto: w.ID})
		e.publish(ctx, notify.Event{Kind: notify.ConversationDeleted, ConversationID: fresh.ID})
	}

	return e.RecomputeRollup(ctx, winner.ID)
}

// CleanupEmpty removes conversations that own zero messages.
func (e *Engine) CleanupEmpty(ctx context.Context) error {
	ids, err := e.store.EmptyConversationIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := e.store.DeleteConversation(ctx, id); err != nil {
			return err
		}
		e.publish(ctx, notify.Event{Kind: notify.ConversationDeleted, ConversationID: id})
	}
	return nil
}

// derivedKey reports whether an identity key was derived from the participant
// set rather than taken from a remote thread id.
func derivedKey(key string) bool {
	return strings.HasPrefix(key, "participants:") || strings.HasPrefix(key, "list:")
}

// laterDate reports whether a is strictly after b, treating nil as earliest.
func laterDate(a, b *time.Time) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	return a.After(*b)
}
