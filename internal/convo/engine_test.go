package convo

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mailmirror/mailmirror/internal/notify"
	"github.com/mailmirror/mailmirror/internal/remote"
	"github.com/mailmirror/mailmirror/internal/store"
)

const owner = "me@example.com"

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine(st, notify.Nop{}, log, owner, nil), st
}

func rmsg(id, threadID string, date time.Time, labels []string, headers map[string]string) *remote.Message {
	return &remote.Message{
		ID:           id,
		ThreadID:     threadID,
		InternalDate: date,
		Snippet:      "snippet of " + id,
		LabelIDs:     labels,
		Headers:      headers,
	}
}

func onlyConversation(t *testing.T, st *store.Store) *store.Conversation {
	t.Helper()
	convs, err := st.Conversations(context.Background())
	if err != nil {
		t.Fatalf("failed to list conversations: %v", err)
	}
	if len(convs) != 1 {
		t.Fatalf("got %d conversations, want 1", len(convs))
	}
	return convs[0]
}

func TestIngestCreatesConversationWithRollup(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	date := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	err := eng.Ingest(ctx, rmsg("m1", "t1", date,
		[]string{remote.LabelInbox, remote.LabelUnread},
		map[string]string{
			"From":    "Alice Smith <alice@example.com>",
			"To":      owner,
			"Subject": "hello",
		}))
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	conv := onlyConversation(t, st)
	if conv.IdentityKey != "t1" {
		t.Errorf("IdentityKey = %q, want t1", conv.IdentityKey)
	}
	if !conv.HasInbox {
		t.Error("HasInbox should be true")
	}
	if conv.InboxUnreadCount != 1 {
		t.Errorf("InboxUnreadCount = %d, want 1", conv.InboxUnreadCount)
	}
	if conv.Snippet != "snippet of m1" {
		t.Errorf("Snippet = %q", conv.Snippet)
	}
	if conv.DisplayName != "Alice" {
		t.Errorf("DisplayName = %q, want Alice", conv.DisplayName)
	}
	if conv.LastMessageDate == nil || !conv.LastMessageDate.Equal(date) {
		t.Errorf("LastMessageDate = %v, want %v", conv.LastMessageDate, date)
	}
	if conv.ArchivedAt != nil {
		t.Error("new inbox conversation must not be archived")
	}
}

func TestIngestIsIdempotent(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	m := rmsg("m1", "t1", time.Now().UTC(), []string{remote.LabelInbox}, map[string]string{
		"From": "alice@example.com", "To": owner,
	})
	for i := 0; i < 3; i++ {
		if err := eng.Ingest(ctx, m); err != nil {
			t.Fatalf("Ingest #%d failed: %v", i, err)
		}
	}

	conv := onlyConversation(t, st)
	n, err := st.MessageCount(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("message count = %d, want 1", n)
	}
}

func TestReingestUpdatesLabels(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	headers := map[string]string{"From": "alice@example.com", "To": owner}
	base := time.Now().UTC()
	if err := eng.Ingest(ctx, rmsg("m1", "t1", base, []string{remote.LabelInbox, remote.LabelUnread}, headers)); err != nil {
		t.Fatal(err)
	}
	// Same id arrives again with the unread flag gone.
	if err := eng.Ingest(ctx, rmsg("m1", "t1", base, []string{remote.LabelInbox}, headers)); err != nil {
		t.Fatal(err)
	}

	conv := onlyConversation(t, st)
	if conv.InboxUnreadCount != 0 {
		t.Errorf("InboxUnreadCount = %d, want 0 after read state synced", conv.InboxUnreadCount)
	}
}

func TestThreadedMessagesShareConversation(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	headers := map[string]string{"From": "alice@example.com", "To": owner}
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := eng.Ingest(ctx, rmsg("m1", "t1", base, []string{remote.LabelInbox}, headers)); err != nil {
		t.Fatal(err)
	}
	if err := eng.Ingest(ctx, rmsg("m2", "t1", base.Add(time.Hour), []string{remote.LabelInbox}, headers)); err != nil {
		t.Fatal(err)
	}

	conv := onlyConversation(t, st)
	if conv.Snippet != "snippet of m2" {
		t.Errorf("rollup snippet = %q, want the later message's", conv.Snippet)
	}
}

func TestArchiveDerivation(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	if err := eng.Ingest(ctx, rmsg("m1", "t1", time.Now().UTC(),
		[]string{remote.LabelInbox},
		map[string]string{"From": "alice@example.com", "To": owner})); err != nil {
		t.Fatal(err)
	}
	conv := onlyConversation(t, st)

	// Last inbox label leaves: archives.
	if err := eng.ApplyLabelsRemoved(ctx, "m1", []string{remote.LabelInbox}); err != nil {
		t.Fatal(err)
	}
	got, err := st.Conversation(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ArchivedAt == nil {
		t.Fatal("conversation should archive when its last inbox message leaves")
	}
	if got.HasInbox {
		t.Error("HasInbox should be false after inbox label removed")
	}

	// Inbox label returns: un-archives.
	if err := eng.ApplyLabelsAdded(ctx, "m1", []string{remote.LabelInbox}); err != nil {
		t.Fatal(err)
	}
	got, err = st.Conversation(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ArchivedAt != nil {
		t.Error("conversation should un-archive when an inbox label returns")
	}
	if !got.HasInbox {
		t.Error("HasInbox should be true again")
	}
}

func TestNewMessageAfterArchiveStartsFreshConversation(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	headers := map[string]string{"From": "alice@example.com", "To": owner}
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := eng.Ingest(ctx, rmsg("m1", "", base, []string{remote.LabelInbox}, headers)); err != nil {
		t.Fatal(err)
	}
	old := onlyConversation(t, st)
	if err := eng.ApplyLabelsRemoved(ctx, "m1", []string{remote.LabelInbox}); err != nil {
		t.Fatal(err)
	}

	// Same participants write again. The archived conversation stays put and
	// a fresh active one takes the new message.
	if err := eng.Ingest(ctx, rmsg("m2", "", base.Add(time.Hour), []string{remote.LabelInbox}, headers)); err != nil {
		t.Fatal(err)
	}

	convs, err := st.Conversations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 2 {
		t.Fatalf("got %d conversations, want 2", len(convs))
	}
	for _, c := range convs {
		if c.ID == old.ID {
			if c.ArchivedAt == nil {
				t.Error("old conversation should stay archived")
			}
		} else if c.ArchivedAt != nil {
			t.Error("new conversation should be active")
		}
	}
}

func TestApplyLabelDeltaUnknownMessageIsNoop(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	if err := eng.ApplyLabelsAdded(ctx, "never-seen", []string{remote.LabelInbox}); err != nil {
		t.Errorf("unknown message id should be a no-op, got %v", err)
	}
	if err := eng.ApplyLabelsRemoved(ctx, "never-seen", []string{remote.LabelInbox}); err != nil {
		t.Errorf("unknown message id should be a no-op, got %v", err)
	}
}

func TestNewsletterSnippetUsesSubject(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	if err := eng.Ingest(ctx, rmsg("m1", "", time.Now().UTC(),
		[]string{remote.LabelInbox},
		map[string]string{
			"From":    "news@letters.example.com",
			"Subject": "This Week in Go",
			"List-Id": "<go-weekly.example.com>",
		})); err != nil {
		t.Fatal(err)
	}

	conv := onlyConversation(t, st)
	if conv.Snippet != "This Week in Go" {
		t.Errorf("Snippet = %q, want the subject for newsletter messages", conv.Snippet)
	}
}

func TestDraftsExcludedFromRollup(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	headers := map[string]string{"From": "alice@example.com", "To": owner}
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := eng.Ingest(ctx, rmsg("m1", "t1", base, []string{remote.LabelInbox}, headers)); err != nil {
		t.Fatal(err)
	}
	if err := eng.Ingest(ctx, rmsg("m2", "t1", base.Add(time.Hour), []string{remote.LabelDraft}, headers)); err != nil {
		t.Fatal(err)
	}

	conv := onlyConversation(t, st)
	if conv.Snippet != "snippet of m1" {
		t.Errorf("Snippet = %q, drafts must not drive the rollup", conv.Snippet)
	}
	if conv.LastMessageDate == nil || !conv.LastMessageDate.Equal(base) {
		t.Errorf("LastMessageDate = %v, want %v", conv.LastMessageDate, base)
	}
}

func TestRemoveMessageDeletesEmptyConversation(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	if err := eng.Ingest(ctx, rmsg("m1", "t1", time.Now().UTC(),
		[]string{remote.LabelInbox},
		map[string]string{"From": "alice@example.com", "To": owner})); err != nil {
		t.Fatal(err)
	}
	if err := eng.RemoveMessage(ctx, "m1"); err != nil {
		t.Fatal(err)
	}

	convs, err := st.Conversations(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 0 {
		t.Errorf("got %d conversations, want 0 after last message removed", len(convs))
	}
}

func TestConcurrentIngestCreatesOneConversation(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := rmsg(
				fmt.Sprintf("m-%d", i),
				"",
				time.Now().UTC(),
				[]string{remote.LabelInbox},
				map[string]string{"From": "alice@example.com", "To": owner},
			)
			errs <- eng.Ingest(ctx, m)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent Ingest failed: %v", err)
		}
	}

	convs, err := st.Conversations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 {
		t.Errorf("got %d conversations, want exactly 1 for identical participant sets", len(convs))
	}
}

func TestDisplayNameExcludesOwnerAndSorts(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	if err := eng.Ingest(ctx, rmsg("m1", "t1", time.Now().UTC(),
		[]string{remote.LabelInbox},
		map[string]string{
			"From": "Zoe Park <zoe@example.com>",
			"To":   "Alice Smith <alice@example.com>, " + owner,
		})); err != nil {
		t.Fatal(err)
	}

	conv := onlyConversation(t, st)
	if conv.DisplayName != "Alice & Zoe" {
		t.Errorf("DisplayName = %q, want %q", conv.DisplayName, "Alice & Zoe")
	}
}

func TestFormatDisplayName(t *testing.T) {
	tests := []struct {
		name  string
		names []string
		want  string
	}{
		{"empty", nil, ""},
		{"one", []string{"Ada"}, "Ada"},
		{"two", []string{"Ada", "Bo"}, "Ada & Bo"},
		{"three", []string{"Ada", "Bo", "Cy"}, "Ada, Bo & Cy"},
		{"four", []string{"Ada", "Bo", "Cy", "Di"}, "Ada, Bo, Cy & Di"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatDisplayName(tt.names); got != tt.want {
				t.Errorf("FormatDisplayName(%v) = %q, want %q", tt.names, got, tt.want)
			}
		})
	}
}

func TestMergeLabels(t *testing.T) {
	got := mergeLabels([]string{"A", "B"}, []string{"B", "C"}, []string{"A"})
	want := []string{"B", "C"}
	if len(got) != len(want) {
		t.Fatalf("mergeLabels = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("mergeLabels = %v, want %v", got, want)
		}
	}
}
