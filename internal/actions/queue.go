package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mailmirror/mailmirror/internal/auth"
	"github.com/mailmirror/mailmirror/internal/convo"
	"github.com/mailmirror/mailmirror/internal/notify"
	"github.com/mailmirror/mailmirror/internal/remote"
	"github.com/mailmirror/mailmirror/internal/store"
)

// ErrDispatchActive is returned when a dispatch pass is already running.
var ErrDispatchActive = errors.New("actions: dispatch already running")

// errActionSkipped marks a logical/application failure: the single action is
// terminally failed without retries and dispatch moves on.
var errActionSkipped = errors.New("actions: action failed terminally")

// Config tunes the queue. Zero values take defaults.
type Config struct {
	MaxRetries  int           // terminal failure threshold (default 5)
	BaseBackoff time.Duration // backoff is base * 2^retryCount (default 1s)
	MaxBackoff  time.Duration // backoff cap (default 1m)
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Minute
	}
	return c
}

// Queue persists user mutations and replays them against the remote mailbox,
// oldest first, with at-least-once delivery over idempotent label mutations.
type Queue struct {
	store     *store.Store
	remote    remote.Mailbox
	engine    *convo.Engine
	bus       notify.Bus
	refresher auth.Refresher
	log       *slog.Logger
	cfg       Config
	account   string

	active atomic.Bool
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
}

// NewQueue wires the action queue for one account.
func NewQueue(st *store.Store, mb remote.Mailbox, eng *convo.Engine, bus notify.Bus, refresher auth.Refresher, log *slog.Logger, account string, cfg Config) *Queue {
	return &Queue{
		store:     st,
		remote:    mb,
		engine:    eng,
		bus:       bus,
		refresher: refresher,
		log:       log,
		cfg:       cfg.withDefaults(),
		account:   account,
		sleep:     sleepCtx,
		now:       time.Now,
	}
}

// Enqueue applies the mutation optimistically to local state, marks the
// affected messages dirty, and durably records the pending action. If the
// action reverses a still-pending opposite for the same message, the opposite
// is deleted instead (best effort; the remote mutation is idempotent either
// way).
func (q *Queue) Enqueue(ctx context.Context, a Action) (string, error) {
	ids := a.MessageIDs()
	if len(ids) == 0 {
		return "", fmt.Errorf("actions: %s has no affected messages", a.Type())
	}

	if inv, ok := inverseOf(a.Type()); ok {
		for _, id := range ids {
			n, err := q.store.DeletePendingByTypeAndMessage(ctx, id, string(inv))
			if err != nil {
				return "", err
			}
			if n > 0 {
				q.log.Debug("canceled pending opposite action", "message", id, "type", inv)
			}
		}
	}

	add, remove := a.LabelOps()
	for _, id := range ids {
		if len(add) > 0 {
			if err := q.engine.ApplyLabelsAdded(ctx, id, add); err != nil {
				return "", err
			}
		}
		if len(remove) > 0 {
			if err := q.engine.ApplyLabelsRemoved(ctx, id, remove); err != nil {
				return "", err
			}
		}
	}
	if err := q.store.MarkLocalDirty(ctx, ids, q.now()); err != nil {
		return "", err
	}

	rec := &store.PendingAction{
		ID:             uuid.NewString(),
		Type:           string(a.Type()),
		ConversationID: conversationID(a),
		Payload:        ids,
		Status:         store.ActionPending,
		CreatedAt:      q.now(),
	}
	if len(ids) == 1 && rec.ConversationID == "" {
		rec.MessageID = ids[0]
	}
	if err := q.store.InsertAction(ctx, rec); err != nil {
		return "", err
	}
	return rec.ID, nil
}

// ArchiveConversationByID captures the conversation's current message set and
// enqueues an archive for all of them.
func (q *Queue) ArchiveConversationByID(ctx context.Context, conversationID string) (string, error) {
	ids, err := q.conversationMessageIDs(ctx, conversationID)
	if err != nil {
		return "", err
	}
	return q.Enqueue(ctx, ArchiveConversation{ConversationID: conversationID, Messages: ids})
}

// DeleteConversationByID captures the conversation's current message set and
// enqueues a delete for all of them.
func (q *Queue) DeleteConversationByID(ctx context.Context, conversationID string) (string, error) {
	ids, err := q.conversationMessageIDs(ctx, conversationID)
	if err != nil {
		return "", err
	}
	return q.Enqueue(ctx, DeleteConversation{ConversationID: conversationID, Messages: ids})
}

func (q *Queue) conversationMessageIDs(ctx context.Context, conversationID string) ([]string, error) {
	msgs, err := q.store.MessagesForConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("actions: conversation %s has no messages", conversationID)
	}
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids, nil
}

// Active reports whether a dispatch pass is running.
func (q *Queue) Active() bool {
	return q.active.Load()
}

// Dispatch replays eligible actions strictly in creation order. One pass runs
// at a time; a failing action stays head-of-line through its backoff retries
// until it succeeds or exhausts, preserving per-message ordering. Completed
// actions are pruned at the end of the pass.
func (q *Queue) Dispatch(ctx context.Context) error {
	if !q.active.CompareAndSwap(false, true) {
		q.log.Info("dispatch already active, dropping request")
		return ErrDispatchActive
	}
	defer q.active.Store(false)

	eligible, err := q.store.EligibleActions(ctx, q.cfg.MaxRetries)
	if err != nil {
		return err
	}

	for _, a := range eligible {
		if err := q.dispatchOne(ctx, a); err != nil {
			if errors.Is(err, errActionSkipped) {
				continue
			}
			return err
		}
	}

	return q.store.DeleteCompletedActions(ctx)
}

// dispatchOne drives one action to a terminal state: completed, or failed
// with retries exhausted. Transient failures back off exponentially between
// attempts.
func (q *Queue) dispatchOne(ctx context.Context, a *store.PendingAction) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := q.process(ctx, a)
		if err == nil {
			return nil
		}
		if errors.Is(err, errActionSkipped) {
			return err
		}

		a.RetryCount++
		if ferr := q.store.FailAction(ctx, a.ID, err.Error(), 1); ferr != nil {
			return ferr
		}
		if a.RetryCount >= q.cfg.MaxRetries {
			q.log.Error("action exhausted retries, requires manual intervention",
				"action", a.ID, "type", a.Type, "error", err)
			return errActionSkipped
		}

		q.log.Warn("action failed, backing off", "action", a.ID, "type", a.Type,
			"retry", a.RetryCount, "error", err)
		if serr := q.sleep(ctx, q.backoff(a.RetryCount)); serr != nil {
			return serr
		}
	}
}

// process makes one delivery attempt.
func (q *Queue) process(ctx context.Context, a *store.PendingAction) error {
	add, remove, ok := labelOpsForType(Type(a.Type))
	if !ok || len(a.Payload) == 0 {
		// Logical/data error: fail the single action immediately, no retry.
		q.log.Error("invalid action payload", "action", a.ID, "type", a.Type)
		if err := q.store.FailAction(ctx, a.ID, "invalid action payload", q.cfg.MaxRetries); err != nil {
			return err
		}
		return errActionSkipped
	}

	if err := q.store.SetActionStatus(ctx, a.ID, store.ActionProcessing); err != nil {
		return err
	}

	err := q.withAuthRetry(ctx, func() error {
		return q.remote.Modify(ctx, a.Payload, add, remove)
	})
	if err != nil {
		return err
	}

	if err := q.store.SetActionStatus(ctx, a.ID, store.ActionCompleted); err != nil {
		return err
	}
	if err := q.store.ClearLocalDirty(ctx, a.Payload); err != nil {
		return err
	}
	q.publish(ctx, notify.Event{
		Kind:           notify.ActionCompleted,
		ConversationID: a.ConversationID,
		MessageID:      a.MessageID,
	})
	return nil
}

// PendingCount reports how many actions still await successful dispatch.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	return q.store.PendingActionCount(ctx)
}

// HasPending reports whether a not-yet-completed action of the given type
// exists for a message.
func (q *Queue) HasPending(ctx context.Context, messageID string, t Type) (bool, error) {
	return q.store.HasPendingAction(ctx, messageID, string(t))
}

// Exhausted returns terminally failed actions so the application can prompt
// for manual retry or discard. They are never silently dropped.
func (q *Queue) Exhausted(ctx context.Context) ([]*store.PendingAction, error) {
	return q.store.ExhaustedActions(ctx, q.cfg.MaxRetries)
}

func (q *Queue) backoff(retry int) time.Duration {
	d := q.cfg.BaseBackoff << uint(retry)
	if d > q.cfg.MaxBackoff || d <= 0 {
		d = q.cfg.MaxBackoff
	}
	return d
}

func (q *Queue) withAuthRetry(ctx context.Context, fn func() error) error {
	err := fn()
	if !errors.Is(err, remote.ErrUnauthorized) {
		return err
	}
	q.log.Info("unauthorized, refreshing credentials")
	if rerr := q.refresher.Refresh(ctx); rerr != nil {
		return fmt.Errorf("credential refresh failed: %w", rerr)
	}
	return fn()
}

func (q *Queue) publish(ctx context.Context, ev notify.Event) {
	ev.ID = uuid.NewString()
	ev.Account = q.account
	ev.At = q.now()
	if err := q.bus.Publish(ctx, ev); err != nil {
		q.log.Warn("failed to publish change event", "kind", ev.Kind, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
