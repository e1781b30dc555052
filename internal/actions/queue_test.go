package actions

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mailmirror/mailmirror/internal/convo"
	"github.com/mailmirror/mailmirror/internal/notify"
	"github.com/mailmirror/mailmirror/internal/remote"
	"github.com/mailmirror/mailmirror/internal/store"
)

const testEmail = "me@example.com"

// modifyCall records one remote label mutation.
type modifyCall struct {
	IDs    []string
	Add    []string
	Remove []string
}

type fakeMailbox struct {
	mu       sync.Mutex
	calls    []modifyCall
	modifyFn func(call int, ids, add, remove []string) error
}

func (f *fakeMailbox) Profile(context.Context) (remote.Profile, error) {
	return remote.Profile{Email: testEmail}, nil
}
func (f *fakeMailbox) ListMessages(context.Context, string, string, int64) (remote.ListPage, error) {
	return remote.ListPage{}, nil
}
func (f *fakeMailbox) GetMessage(context.Context, string) (*remote.Message, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeMailbox) ListChanges(context.Context, string, string) (remote.ChangePage, error) {
	return remote.ChangePage{}, nil
}

func (f *fakeMailbox) Modify(_ context.Context, ids, add, remove []string) error {
	f.mu.Lock()
	f.calls = append(f.calls, modifyCall{IDs: ids, Add: add, Remove: remove})
	n := len(f.calls)
	fn := f.modifyFn
	f.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(n, ids, add, remove)
}

func (f *fakeMailbox) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeRefresher struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeRefresher) Refresh(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

func newTestQueue(t *testing.T, mb *fakeMailbox, cfg Config) (*Queue, *store.Store, *convo.Engine, *fakeRefresher) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := convo.NewEngine(st, notify.Nop{}, log, testEmail, nil)
	ref := &fakeRefresher{}
	q := NewQueue(st, mb, eng, notify.Nop{}, ref, log, testEmail, cfg)
	q.sleep = func(context.Context, time.Duration) error { return nil }

	// Strictly increasing clock so creation order is unambiguous at the
	// store's millisecond resolution.
	var mu sync.Mutex
	tick := time.Now().UTC()
	q.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick = tick.Add(time.Millisecond)
		return tick
	}
	return q, st, eng, ref
}

func ingest(t *testing.T, eng *convo.Engine, id, threadID string, labels []string) {
	t.Helper()
	err := eng.Ingest(context.Background(), &remote.Message{
		ID:           id,
		ThreadID:     threadID,
		InternalDate: time.Now().UTC(),
		Snippet:      "s",
		LabelIDs:     labels,
		Headers:      map[string]string{"From": "alice@example.com", "To": testEmail},
	})
	if err != nil {
		t.Fatalf("ingest %s failed: %v", id, err)
	}
}

func TestEnqueueAppliesOptimisticState(t *testing.T) {
	mb := &fakeMailbox{}
	q, st, eng, _ := newTestQueue(t, mb, Config{})
	ctx := context.Background()
	ingest(t, eng, "m1", "t1", []string{remote.LabelInbox, remote.LabelUnread})

	id, err := q.Enqueue(ctx, MarkRead{MessageID: "m1"})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if id == "" {
		t.Fatal("Enqueue returned empty id")
	}

	m, err := st.Message(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if m.IsUnread {
		t.Error("message should read as read immediately after enqueue")
	}
	if m.LocalDirtyAt == nil {
		t.Error("message should carry the local-dirty marker until dispatch confirms")
	}
	if mb.callCount() != 0 {
		t.Error("enqueue must not touch the remote")
	}

	n, err := q.PendingCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("pending count = %d, want 1", n)
	}
}

func TestEnqueueCancelsPendingInverse(t *testing.T) {
	mb := &fakeMailbox{}
	q, _, eng, _ := newTestQueue(t, mb, Config{})
	ctx := context.Background()
	ingest(t, eng, "m1", "t1", []string{remote.LabelInbox, remote.LabelUnread})

	if _, err := q.Enqueue(ctx, MarkRead{MessageID: "m1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ctx, MarkUnread{MessageID: "m1"}); err != nil {
		t.Fatal(err)
	}

	hasRead, err := q.HasPending(ctx, "m1", TypeMarkRead)
	if err != nil {
		t.Fatal(err)
	}
	if hasRead {
		t.Error("pending markRead should be canceled by the opposite markUnread")
	}
	hasUnread, err := q.HasPending(ctx, "m1", TypeMarkUnread)
	if err != nil {
		t.Fatal(err)
	}
	if !hasUnread {
		t.Error("the newer markUnread must remain pending")
	}

	n, err := q.PendingCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("pending count = %d, want 1 after cancellation", n)
	}
}

func TestDispatchOrderWithHeadOfLineRetry(t *testing.T) {
	mb := &fakeMailbox{
		modifyFn: func(call int, _, _, _ []string) error {
			if call == 1 {
				return remote.ErrNetwork
			}
			return nil
		},
	}
	q, st, eng, _ := newTestQueue(t, mb, Config{BaseBackoff: time.Millisecond})
	ctx := context.Background()
	ingest(t, eng, "m1", "t1", []string{remote.LabelInbox, remote.LabelUnread})
	ingest(t, eng, "m2", "t2", []string{remote.LabelInbox})

	if _, err := q.Enqueue(ctx, MarkRead{MessageID: "m1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ctx, Star{MessageID: "m2"}); err != nil {
		t.Fatal(err)
	}

	if err := q.Dispatch(ctx); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	// The failing head action retries in place before the next one runs.
	if len(mb.calls) != 3 {
		t.Fatalf("got %d remote calls, want 3: %+v", len(mb.calls), mb.calls)
	}
	for i := 0; i < 2; i++ {
		if len(mb.calls[i].Remove) != 1 || mb.calls[i].Remove[0] != remote.LabelUnread {
			t.Errorf("call %d = %+v, want the markRead mutation", i, mb.calls[i])
		}
	}
	if len(mb.calls[2].Add) != 1 || mb.calls[2].Add[0] != remote.LabelStar {
		t.Errorf("call 2 = %+v, want the star mutation", mb.calls[2])
	}

	// Completed actions are pruned and dirty markers cleared.
	n, err := q.PendingCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("pending count = %d, want 0", n)
	}
	m, err := st.Message(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if m.LocalDirtyAt != nil {
		t.Error("local-dirty marker should clear once the remote confirmed")
	}
}

func TestExhaustedActionIsTerminalAndNonBlocking(t *testing.T) {
	mb := &fakeMailbox{
		modifyFn: func(_ int, _, _, remove []string) error {
			for _, l := range remove {
				if l == remote.LabelUnread {
					return remote.ErrNetwork
				}
			}
			return nil
		},
	}
	cfg := Config{MaxRetries: 2, BaseBackoff: time.Millisecond}
	q, _, eng, _ := newTestQueue(t, mb, cfg)
	ctx := context.Background()
	ingest(t, eng, "m1", "t1", []string{remote.LabelInbox, remote.LabelUnread})
	ingest(t, eng, "m2", "t2", []string{remote.LabelInbox})

	if _, err := q.Enqueue(ctx, MarkRead{MessageID: "m1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ctx, Star{MessageID: "m2"}); err != nil {
		t.Fatal(err)
	}

	if err := q.Dispatch(ctx); err != nil {
		t.Fatalf("Dispatch should not surface a terminally failed action: %v", err)
	}

	exhausted, err := q.Exhausted(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(exhausted) != 1 || exhausted[0].Type != string(TypeMarkRead) {
		t.Fatalf("exhausted = %+v, want the markRead action", exhausted)
	}
	if exhausted[0].LastError == "" {
		t.Error("exhausted action should record its last error")
	}

	// The action behind the failing one still completed.
	starred := false
	for _, c := range mb.calls {
		if len(c.Add) == 1 && c.Add[0] == remote.LabelStar {
			starred = true
		}
	}
	if !starred {
		t.Error("a terminally failing action must not block later actions")
	}

	// A second pass does not re-attempt the exhausted action.
	before := mb.callCount()
	if err := q.Dispatch(ctx); err != nil {
		t.Fatal(err)
	}
	if mb.callCount() != before {
		t.Error("exhausted actions must not be retried on later passes")
	}
}

func TestInvalidActionFailsImmediately(t *testing.T) {
	mb := &fakeMailbox{}
	q, st, eng, _ := newTestQueue(t, mb, Config{})
	ctx := context.Background()
	ingest(t, eng, "m1", "t1", []string{remote.LabelInbox})

	// A record with an unknown type, as left by an older version.
	if err := st.InsertAction(ctx, &store.PendingAction{
		ID:        uuid.NewString(),
		Type:      "setImportance",
		MessageID: "m1",
		Payload:   []string{"m1"},
		Status:    store.ActionPending,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ctx, Star{MessageID: "m1"}); err != nil {
		t.Fatal(err)
	}

	if err := q.Dispatch(ctx); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	// Exactly one remote call: the valid star. The bad record fails without
	// any delivery attempt and without retries.
	if mb.callCount() != 1 {
		t.Errorf("remote calls = %d, want 1", mb.callCount())
	}
	exhausted, err := q.Exhausted(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(exhausted) != 1 || exhausted[0].Type != "setImportance" {
		t.Errorf("exhausted = %+v, want the invalid record", exhausted)
	}
}

func TestDispatchSingleFlight(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	mb := &fakeMailbox{
		modifyFn: func(int, []string, []string, []string) error {
			once.Do(func() { close(started) })
			<-release
			return nil
		},
	}
	q, _, eng, _ := newTestQueue(t, mb, Config{})
	ctx := context.Background()
	ingest(t, eng, "m1", "t1", []string{remote.LabelInbox, remote.LabelUnread})
	if _, err := q.Enqueue(ctx, MarkRead{MessageID: "m1"}); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- q.Dispatch(ctx) }()
	<-started

	if err := q.Dispatch(ctx); !errors.Is(err, ErrDispatchActive) {
		t.Errorf("concurrent Dispatch = %v, want ErrDispatchActive", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Dispatch failed: %v", err)
	}
}

func TestDispatchRefreshesCredentialsOnce(t *testing.T) {
	mb := &fakeMailbox{
		modifyFn: func(call int, _, _, _ []string) error {
			if call == 1 {
				return remote.ErrUnauthorized
			}
			return nil
		},
	}
	q, _, eng, ref := newTestQueue(t, mb, Config{})
	ctx := context.Background()
	ingest(t, eng, "m1", "t1", []string{remote.LabelInbox, remote.LabelUnread})
	if _, err := q.Enqueue(ctx, MarkRead{MessageID: "m1"}); err != nil {
		t.Fatal(err)
	}

	if err := q.Dispatch(ctx); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if ref.calls != 1 {
		t.Errorf("refresh calls = %d, want 1", ref.calls)
	}
	n, err := q.PendingCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("pending count = %d, want 0: the auth retry is not a failed attempt", n)
	}
}

func TestArchiveConversationCapturesMessageSet(t *testing.T) {
	mb := &fakeMailbox{}
	q, st, eng, _ := newTestQueue(t, mb, Config{})
	ctx := context.Background()
	ingest(t, eng, "m1", "t1", []string{remote.LabelInbox})
	ingest(t, eng, "m2", "t1", []string{remote.LabelInbox, remote.LabelUnread})

	convs, err := st.Conversations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 {
		t.Fatalf("got %d conversations, want 1", len(convs))
	}
	convID := convs[0].ID

	if _, err := q.ArchiveConversationByID(ctx, convID); err != nil {
		t.Fatalf("ArchiveConversationByID failed: %v", err)
	}

	// Optimistic local effect: conversation archives immediately.
	conv, err := st.Conversation(ctx, convID)
	if err != nil {
		t.Fatal(err)
	}
	if conv.ArchivedAt == nil {
		t.Error("conversation should archive locally at enqueue time")
	}

	if err := q.Dispatch(ctx); err != nil {
		t.Fatal(err)
	}
	if len(mb.calls) != 1 {
		t.Fatalf("remote calls = %d, want 1 batched mutation", len(mb.calls))
	}
	if len(mb.calls[0].IDs) != 2 {
		t.Errorf("mutation targets %v, want both messages", mb.calls[0].IDs)
	}
	if len(mb.calls[0].Remove) != 1 || mb.calls[0].Remove[0] != remote.LabelInbox {
		t.Errorf("mutation = %+v, want inbox removal", mb.calls[0])
	}
}

func TestDeleteConversationMutation(t *testing.T) {
	mb := &fakeMailbox{}
	q, st, eng, _ := newTestQueue(t, mb, Config{})
	ctx := context.Background()
	ingest(t, eng, "m1", "t1", []string{remote.LabelInbox})

	convs, err := st.Conversations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.DeleteConversationByID(ctx, convs[0].ID); err != nil {
		t.Fatal(err)
	}
	if err := q.Dispatch(ctx); err != nil {
		t.Fatal(err)
	}

	if len(mb.calls) != 1 {
		t.Fatalf("remote calls = %d, want 1", len(mb.calls))
	}
	call := mb.calls[0]
	if len(call.Add) != 1 || call.Add[0] != remote.LabelTrash {
		t.Errorf("add = %v, want trash label", call.Add)
	}
	if len(call.Remove) != 1 || call.Remove[0] != remote.LabelInbox {
		t.Errorf("remove = %v, want inbox label", call.Remove)
	}
}

func TestEnqueueUnknownConversationFails(t *testing.T) {
	mb := &fakeMailbox{}
	q, _, _, _ := newTestQueue(t, mb, Config{})
	if _, err := q.ArchiveConversationByID(context.Background(), "nope"); err == nil {
		t.Error("archiving an unknown conversation should fail at enqueue")
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	q, _, _, _ := newTestQueue(t, &fakeMailbox{}, Config{BaseBackoff: time.Second, MaxBackoff: 10 * time.Second})
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{60, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := q.backoff(tt.retry); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
}

func TestInverseOf(t *testing.T) {
	pairs := map[Type]Type{
		TypeMarkRead:   TypeMarkUnread,
		TypeMarkUnread: TypeMarkRead,
		TypeStar:       TypeUnstar,
		TypeUnstar:     TypeStar,
	}
	for typ, want := range pairs {
		got, ok := inverseOf(typ)
		if !ok || got != want {
			t.Errorf("inverseOf(%s) = %s/%v, want %s", typ, got, ok, want)
		}
	}
	for _, typ := range []Type{TypeArchive, TypeArchiveConversation, TypeDeleteConversation} {
		if _, ok := inverseOf(typ); ok {
			t.Errorf("inverseOf(%s) should not exist", typ)
		}
	}
}
