package convo

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mailmirror/mailmirror/internal/notify"
	"github.com/mailmirror/mailmirror/internal/remote"
	"github.com/mailmirror/mailmirror/internal/store"
)

// Engine is the conversation identity & merge engine for one account.
// All message writes go through Ingest so grouping and rollups stay coherent.
type Engine struct {
	store   *store.Store
	bus     notify.Bus
	log     *slog.Logger
	locks   *keyedMutex
	account string
	aliases []string
	now     func() time.Time
}

// NewEngine creates the engine for an account. aliases must include the
// account's primary address.
func NewEngine(st *store.Store, bus notify.Bus, log *slog.Logger, account string, aliases []string) *Engine {
	all := append([]string{account}, aliases...)
	return &Engine{
		store:   st,
		bus:     bus,
		log:     log,
		locks:   newKeyedMutex(),
		account: account,
		aliases: all,
		now:     time.Now,
	}
}

// Ingest persists one remote message, grouping it into its conversation and
// recomputing the rollup. Ingesting an already-present id is a label/field
// update only; it never duplicates the message.
func (e *Engine) Ingest(ctx context.Context, rm *remote.Message) error {
	existing, err := e.store.Message(ctx, rm.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return e.updateExisting(ctx, existing, rm)
	}

	identity := ComputeIdentity(rm.Headers, rm.ThreadID, e.aliases)

	conv, err := e.findOrCreateConversation(ctx, identity)
	if err != nil {
		return err
	}

	var msgParticipants []store.MessageParticipant
	var convParticipants []store.ConversationParticipant
	for _, p := range identity.Participants {
		if _, err := e.store.FindOrCreatePerson(ctx, p.Email, p.DisplayName); err != nil {
			return err
		}
		msgParticipants = append(msgParticipants, store.MessageParticipant{Email: p.Email, Kind: p.Kind})
		convParticipants = append(convParticipants, store.ConversationParticipant{Email: p.Email, Kind: "normal"})
	}

	m := &store.Message{
		ID:             rm.ID,
		ConversationID: conv.ID,
		ThreadID:       rm.ThreadID,
		InternalDate:   rm.InternalDate,
		Subject:        header(rm.Headers, "Subject"),
		Snippet:        rm.Snippet,
		IsUnread:       hasLabel(rm.LabelIDs, remote.LabelUnread),
		IsFromMe:       e.isFromMe(rm.Headers),
		HasAttachments: rm.HasAttachments,
		IsNewsletter:   IsNewsletter(rm.Headers),
		LabelIDs:       rm.LabelIDs,
	}
	if err := e.store.UpsertMessage(ctx, m, msgParticipants); err != nil {
		return err
	}
	if err := e.store.AddConversationParticipants(ctx, conv.ID, convParticipants); err != nil {
		return err
	}

	e.publish(ctx, notify.Event{Kind: notify.MessageIngested, ConversationID: conv.ID, MessageID: m.ID})
	return e.RecomputeRollup(ctx, conv.ID)
}

// updateExisting refreshes the mutable fields of an already-ingested message.
func (e *Engine) updateExisting(ctx context.Context, m *store.Message, rm *remote.Message) error {
	if err := e.store.UpdateMessageLabels(ctx, m.ID, rm.LabelIDs, hasLabel(rm.LabelIDs, remote.LabelUnread)); err != nil {
		return err
	}
	return e.RecomputeRollup(ctx, m.ConversationID)
}

// findOrCreateConversation looks up the active conversation for the computed
// participant hash or creates one. Lookup-then-create is serialized per hash;
// an unserialized race here is the dominant source of duplicate conversations.
func (e *Engine) findOrCreateConversation(ctx context.Context, identity Identity) (*store.Conversation, error) {
	unlock := e.locks.Lock(identity.ParticipantHash)
	defer unlock()

	conv, err := e.store.ActiveConversationByHash(ctx, identity.ParticipantHash)
	if err != nil {
		return nil, err
	}
	if conv != nil {
		return conv, nil
	}

	conv = &store.Conversation{
		ID:              uuid.NewString(),
		IdentityKey:     identity.Key,
		ParticipantHash: identity.ParticipantHash,
	}
	if err := e.store.InsertConversation(ctx, conv); err != nil {
		return nil, err
	}
	e.publish(ctx, notify.Event{Kind: notify.ConversationCreated, ConversationID: conv.ID})
	return conv, nil
}

// ApplyLabelsAdded merges labels onto a message from the change feed. Unknown
// message ids are a no-op (re-walks after a crash replay old records).
func (e *Engine) ApplyLabelsAdded(ctx context.Context, messageID string, labels []string) error {
	return e.applyLabelDelta(ctx, messageID, labels, nil)
}

// ApplyLabelsRemoved strips labels from a message from the change feed.
// Removing labels already absent is a no-op.
func (e *Engine) ApplyLabelsRemoved(ctx context.Context, messageID string, labels []string) error {
	return e.applyLabelDelta(ctx, messageID, nil, labels)
}

func (e *Engine) applyLabelDelta(ctx context.Context, messageID string, add, remove []string) error {
	m, err := e.store.Message(ctx, messageID)
	if err != nil {
		return err
	}
	if m == nil {
		return nil
	}

	labels := mergeLabels(m.LabelIDs, add, remove)
	if err := e.store.UpdateMessageLabels(ctx, messageID, labels, hasLabel(labels, remote.LabelUnread)); err != nil {
		return err
	}
	return e.RecomputeRollup(ctx, m.ConversationID)
}

// RemoveMessage deletes a message reported gone by the change feed. An empty
// conversation left behind is garbage and removed immediately.
func (e *Engine) RemoveMessage(ctx context.Context, messageID string) error {
	m, err := e.store.Message(ctx, messageID)
	if err != nil {
		return err
	}
	if m == nil {
		return nil
	}
	if err := e.store.DeleteMessage(ctx, messageID); err != nil {
		return err
	}
	e.publish(ctx, notify.Event{Kind: notify.MessageDeleted, ConversationID: m.ConversationID, MessageID: messageID})

	n, err := e.store.MessageCount(ctx, m.ConversationID)
	if err != nil {
		return err
	}
	if n == 0 {
		if err := e.store.DeleteConversation(ctx, m.ConversationID); err != nil {
			return err
		}
		e.publish(ctx, notify.Event{Kind: notify.ConversationDeleted, ConversationID: m.ConversationID})
		return nil
	}
	return e.RecomputeRollup(ctx, m.ConversationID)
}

// RecomputeRollup rebuilds a conversation's denormalized fields from its
// messages. Archiving is derived here: the conversation archives when the
// last inbox label leaves it and un-archives when one returns.
func (e *Engine) RecomputeRollup(ctx context.Context, conversationID string) error {
	conv, err := e.store.Conversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv == nil {
		return nil
	}
	msgs, err := e.store.MessagesForConversation(ctx, conversationID)
	if err != nil {
		return err
	}

	prevHasInbox := conv.HasInbox
	conv.HasInbox = false
	conv.InboxUnreadCount = 0
	conv.LastMessageDate = nil
	conv.LatestInboxDate = nil
	conv.Snippet = ""

	var latest *store.Message
	for _, m := range msgs {
		if m.HasLabel(remote.LabelDraft) {
			continue
		}
		if latest == nil || m.InternalDate.After(latest.InternalDate) {
			latest = m
		}
		if m.HasLabel(remote.LabelInbox) {
			conv.HasInbox = true
			if m.IsUnread {
				conv.InboxUnreadCount++
			}
			if conv.LatestInboxDate == nil || m.InternalDate.After(*conv.LatestInboxDate) {
				d := m.InternalDate
				conv.LatestInboxDate = &d
			}
		}
	}
	if latest != nil {
		d := latest.InternalDate
		conv.LastMessageDate = &d
		if latest.IsNewsletter {
			conv.Snippet = latest.Subject
		} else {
			conv.Snippet = latest.Snippet
		}
	}

	if !prevHasInbox && conv.HasInbox {
		conv.ArchivedAt = nil
	} else if prevHasInbox && !conv.HasInbox {
		now := e.now()
		conv.ArchivedAt = &now
	}

	name, err := e.displayName(ctx, conversationID)
	if err != nil {
		return err
	}
	conv.DisplayName = name

	if err := e.store.UpdateConversation(ctx, conv); err != nil {
		return err
	}
	e.publish(ctx, notify.Event{Kind: notify.ConversationUpdated, ConversationID: conv.ID})
	return nil
}

// displayName builds the conversation title from distinct participant first
// names, excluding the account owner.
func (e *Engine) displayName(ctx context.Context, conversationID string) (string, error) {
	parts, err := e.store.ConversationParticipants(ctx, conversationID)
	if err != nil {
		return "", err
	}

	self := make(map[string]bool, len(e.aliases))
	for _, a := range e.aliases {
		self[NormalizeAddress(a)] = true
	}

	seen := make(map[string]bool)
	var emails []string
	for _, p := range parts {
		email := NormalizeAddress(p.Email)
		if self[email] || seen[email] {
			continue
		}
		seen[email] = true
		emails = append(emails, email)
	}

	persons, err := e.store.PersonsByEmail(ctx, emails)
	if err != nil {
		return "", err
	}

	var names []string
	for _, email := range emails {
		name := ""
		if p := persons[email]; p != nil {
			name = p.DisplayName
		}
		if name == "" {
			name = localPart(email)
		}
		if first := strings.Fields(name); len(first) > 0 {
			names = append(names, first[0])
		}
	}
	sort.Slice(names, func(i, j int) bool {
		return strings.ToLower(names[i]) < strings.ToLower(names[j])
	})
	return FormatDisplayName(names), nil
}

// FormatDisplayName joins first names: one name stands alone, otherwise all
// but the last are comma-joined and the last attaches with "&".
func FormatDisplayName(names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0]
	default:
		return strings.Join(names[:len(names)-1], ", ") + " & " + names[len(names)-1]
	}
}

func (e *Engine) isFromMe(headers map[string]string) bool {
	from := FromAddress(headers)
	for _, a := range e.aliases {
		if NormalizeAddress(a) == from {
			return true
		}
	}
	return false
}

func (e *Engine) publish(ctx context.Context, ev notify.Event) {
	ev.ID = uuid.NewString()
	ev.Account = e.account
	ev.At = e.now()
	if err := e.bus.Publish(ctx, ev); err != nil {
		e.log.Warn("failed to publish change event", "kind", ev.Kind, "error", err)
	}
}

func hasLabel(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}

func mergeLabels(current, add, remove []string) []string {
	set := make(map[string]bool, len(current)+len(add))
	var out []string
	for _, l := range current {
		if !set[l] {
			set[l] = true
			out = append(out, l)
		}
	}
	for _, l := range add {
		if !set[l] {
			set[l] = true
			out = append(out, l)
		}
	}
	if len(remove) > 0 {
		drop := make(map[string]bool, len(remove))
		for _, l := range remove {
			drop[l] = true
		}
		filtered := out[:0]
		for _, l := range out {
			if !drop[l] {
				filtered = append(filtered, l)
			}
		}
		out = filtered
	}
	return out
}

func localPart(email string) string {
	if at := strings.Index(email, "@"); at > 0 {
		return email[:at]
	}
	return email
}
