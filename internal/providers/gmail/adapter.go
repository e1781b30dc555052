// Package gmail implements remote.Mailbox over the Gmail API. Change cursors
// are Gmail history ids.
package gmail

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/mailmirror/mailmirror/internal/rate"
	"github.com/mailmirror/mailmirror/internal/remote"
)

const user = "me"

// Adapter implements remote.Mailbox for Gmail.
type Adapter struct {
	svc     *gmail.Service
	limiter rate.Limiter
}

// New creates a Gmail adapter. The token source is typically an auth.Session,
// so credential refreshes propagate without rebuilding the service.
func New(ctx context.Context, ts oauth2.TokenSource, limiter rate.Limiter) (*Adapter, error) {
	svc, err := gmail.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	if limiter == nil {
		limiter = rate.None{}
	}
	return &Adapter{svc: svc, limiter: limiter}, nil
}

// Profile returns the account email and the current history id as a cursor.
func (a *Adapter) Profile(ctx context.Context) (remote.Profile, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return remote.Profile{}, err
	}
	p, err := a.svc.Users.GetProfile(user).Context(ctx).Do()
	if err != nil {
		return remote.Profile{}, mapError(err)
	}
	return remote.Profile{
		Email:  p.EmailAddress,
		Cursor: strconv.FormatUint(p.HistoryId, 10),
	}, nil
}

// ListMessages lists message ids matching query, one page at a time.
func (a *Adapter) ListMessages(ctx context.Context, query, pageToken string, maxResults int64) (remote.ListPage, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return remote.ListPage{}, err
	}
	call := a.svc.Users.Messages.List(user).IncludeSpamTrash(false).MaxResults(maxResults).Context(ctx)
	if query != "" {
		call = call.Q(query)
	}
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		return remote.ListPage{}, mapError(err)
	}

	page := remote.ListPage{NextPageToken: resp.NextPageToken}
	for _, m := range resp.Messages {
		page.IDs = append(page.IDs, m.Id)
	}
	return page, nil
}

// GetMessage fetches one full message.
func (a *Adapter) GetMessage(ctx context.Context, id string) (*remote.Message, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	m, err := a.svc.Users.Messages.Get(user, id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, mapError(err)
	}
	return normalize(m), nil
}

// ListChanges pages the history feed from the given cursor. A 404 means the
// history id is too old and surfaces as remote.ErrCursorExpired.
func (a *Adapter) ListChanges(ctx context.Context, cursor, pageToken string) (remote.ChangePage, error) {
	startID, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return remote.ChangePage{}, fmt.Errorf("invalid history id in cursor: %w", remote.ErrCursorExpired)
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return remote.ChangePage{}, err
	}
	call := a.svc.Users.History.List(user).StartHistoryId(startID).MaxResults(100).Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == 404 {
			return remote.ChangePage{}, remote.ErrCursorExpired
		}
		return remote.ChangePage{}, mapError(err)
	}

	page := remote.ChangePage{NextPageToken: resp.NextPageToken}
	if resp.HistoryId != 0 {
		page.NewCursor = strconv.FormatUint(resp.HistoryId, 10)
	}
	for _, h := range resp.History {
		for _, r := range h.MessagesAdded {
			page.Changes = append(page.Changes, remote.Change{Kind: remote.MessageAdded, MessageID: r.Message.Id})
		}
		for _, r := range h.MessagesDeleted {
			page.Changes = append(page.Changes, remote.Change{Kind: remote.MessageDeleted, MessageID: r.Message.Id})
		}
		for _, r := range h.LabelsAdded {
			page.Changes = append(page.Changes, remote.Change{Kind: remote.LabelsAdded, MessageID: r.Message.Id, LabelIDs: r.LabelIds})
		}
		for _, r := range h.LabelsRemoved {
			page.Changes = append(page.Changes, remote.Change{Kind: remote.LabelsRemoved, MessageID: r.Message.Id, LabelIDs: r.LabelIds})
		}
	}
	return page, nil
}

// Modify applies an idempotent batch label mutation.
func (a *Adapter) Modify(ctx context.Context, ids, addLabels, removeLabels []string) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	req := &gmail.BatchModifyMessagesRequest{
		Ids:            ids,
		AddLabelIds:    addLabels,
		RemoveLabelIds: removeLabels,
	}
	if err := a.svc.Users.Messages.BatchModify(user, req).Context(ctx).Do(); err != nil {
		return mapError(err)
	}
	return nil
}

// normalize converts a Gmail message to the provider-agnostic shape.
func normalize(m *gmail.Message) *remote.Message {
	out := &remote.Message{
		ID:           m.Id,
		ThreadID:     m.ThreadId,
		InternalDate: time.UnixMilli(m.InternalDate).UTC(),
		Snippet:      m.Snippet,
		LabelIDs:     m.LabelIds,
		Headers:      make(map[string]string),
	}
	if m.Payload != nil {
		for _, kv := range m.Payload.Headers {
			out.Headers[kv.Name] = kv.Value
		}
		out.HasAttachments = hasAttachments(m.Payload)
	}
	return out
}

func hasAttachments(p *gmail.MessagePart) bool {
	for _, part := range p.Parts {
		if part.Filename != "" {
			return true
		}
		if hasAttachments(part) {
			return true
		}
	}
	return false
}

// mapError normalizes Gmail failures into the remote taxonomy so callers
// never match on provider strings.
func mapError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == 401:
			return remote.ErrUnauthorized
		case gerr.Code == 429:
			return remote.ErrRateLimited
		case gerr.Code >= 500:
			return &remote.ServerError{Code: gerr.Code}
		}
		return fmt.Errorf("gmail: %w", err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return remote.ErrTimeout
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return remote.ErrTimeout
	}
	return fmt.Errorf("%w: %v", remote.ErrNetwork, err)
}

var _ remote.Mailbox = (*Adapter)(nil)
