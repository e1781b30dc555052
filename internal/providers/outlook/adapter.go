// Package outlook implements remote.Mailbox over Microsoft Graph. Change
// cursors are Graph delta links; label ids are synthesized from Graph message
// state so the rest of the engine sees the same vocabulary as Gmail.
package outlook

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"golang.org/x/oauth2"

	"github.com/mailmirror/mailmirror/internal/rate"
	"github.com/mailmirror/mailmirror/internal/remote"
)

const graphBase = "https://graph.microsoft.com/v1.0"

var messageSelect = []string{
	"id", "conversationId", "subject", "from", "toRecipients", "ccRecipients",
	"bodyPreview", "receivedDateTime", "internetMessageHeaders", "isRead",
	"isDraft", "flag", "parentFolderId", "hasAttachments",
}

// Adapter implements remote.Mailbox for Outlook.
type Adapter struct {
	client  *msgraphsdk.GraphServiceClient
	userID  string
	limiter rate.Limiter

	folderMu        sync.Mutex
	foldersResolved bool
	inboxID         string
	sentID          string
	draftsID        string
	junkID          string
}

// New creates an Outlook adapter for the given Graph user.
func New(ts oauth2.TokenSource, userID string, limiter rate.Limiter) (*Adapter, error) {
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(&tokenSourceCredential{ts: ts}, []string{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}
	if limiter == nil {
		limiter = rate.None{}
	}
	return &Adapter{client: client, userID: userID, limiter: limiter}, nil
}

// Profile returns the account email and a fresh delta link as the cursor.
// Requesting the delta feed with $deltaToken=latest skips the backlog and
// yields a baseline for incremental sync.
func (a *Adapter) Profile(ctx context.Context) (remote.Profile, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return remote.Profile{}, err
	}
	u, err := a.client.Users().ByUserId(a.userID).Get(ctx, nil)
	if err != nil {
		return remote.Profile{}, mapError(err)
	}
	email := a.userID
	if m := u.GetMail(); m != nil {
		email = *m
	} else if upn := u.GetUserPrincipalName(); upn != nil {
		email = *upn
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return remote.Profile{}, err
	}
	latest := fmt.Sprintf("%s/users/%s/messages/delta?$deltaToken=latest", graphBase, a.userID)
	resp, err := users.NewItemMessagesDeltaRequestBuilder(latest, a.client.GetAdapter()).GetAsDeltaGetResponse(ctx, nil)
	if err != nil {
		return remote.Profile{}, mapError(err)
	}
	cursor := ""
	if dl := resp.GetOdataDeltaLink(); dl != nil {
		cursor = *dl
	}
	return remote.Profile{Email: email, Cursor: cursor}, nil
}

// ListMessages lists message ids. The page token is the Graph nextLink URL.
// An "after:<unix>" query translates to a receivedDateTime filter.
func (a *Adapter) ListMessages(ctx context.Context, query, pageToken string, maxResults int64) (remote.ListPage, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return remote.ListPage{}, err
	}

	var (
		resp models.MessageCollectionResponseable
		err  error
	)
	if pageToken != "" {
		resp, err = users.NewItemMessagesRequestBuilder(pageToken, a.client.GetAdapter()).Get(ctx, nil)
	} else {
		top := int32(maxResults)
		params := &users.ItemMessagesRequestBuilderGetQueryParameters{
			Top:    &top,
			Select: []string{"id"},
		}
		if f := translateQuery(query); f != "" {
			params.Filter = &f
		}
		cfg := &users.ItemMessagesRequestBuilderGetRequestConfiguration{QueryParameters: params}
		resp, err = a.client.Users().ByUserId(a.userID).Messages().Get(ctx, cfg)
	}
	if err != nil {
		return remote.ListPage{}, mapError(err)
	}

	page := remote.ListPage{}
	for _, m := range resp.GetValue() {
		if id := m.GetId(); id != nil {
			page.IDs = append(page.IDs, *id)
		}
	}
	if next := resp.GetOdataNextLink(); next != nil {
		page.NextPageToken = *next
	}
	return page, nil
}

// GetMessage fetches one message and normalizes it.
func (a *Adapter) GetMessage(ctx context.Context, id string) (*remote.Message, error) {
	if err := a.ensureFolders(ctx); err != nil {
		return nil, err
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	cfg := &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
			Select: messageSelect,
		},
	}
	m, err := a.client.Users().ByUserId(a.userID).Messages().ByMessageId(id).Get(ctx, cfg)
	if err != nil {
		return nil, mapError(err)
	}
	return a.normalize(m), nil
}

// ListChanges pages the delta feed. The cursor is a delta link and the page
// token is a nextLink; both are full URLs, so continuation builds a raw
// request builder around them. Graph reports every changed message as a full
// record, so changed labels surface as MessageAdded and re-ingest resolves
// the new state.
func (a *Adapter) ListChanges(ctx context.Context, cursor, pageToken string) (remote.ChangePage, error) {
	if err := a.ensureFolders(ctx); err != nil {
		return remote.ChangePage{}, err
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return remote.ChangePage{}, err
	}

	url := cursor
	if pageToken != "" {
		url = pageToken
	}
	if !strings.HasPrefix(url, "http") {
		return remote.ChangePage{}, remote.ErrCursorExpired
	}
	resp, err := users.NewItemMessagesDeltaRequestBuilder(url, a.client.GetAdapter()).GetAsDeltaGetResponse(ctx, nil)
	if err != nil {
		var oerr *odataerrors.ODataError
		if errors.As(err, &oerr) && oerr.ResponseStatusCode == 410 {
			return remote.ChangePage{}, remote.ErrCursorExpired
		}
		return remote.ChangePage{}, mapError(err)
	}

	page := remote.ChangePage{}
	for _, m := range resp.GetValue() {
		id := m.GetId()
		if id == nil {
			continue
		}
		if _, removed := m.GetAdditionalData()["@removed"]; removed {
			page.Changes = append(page.Changes, remote.Change{Kind: remote.MessageDeleted, MessageID: *id})
			continue
		}
		page.Changes = append(page.Changes, remote.Change{Kind: remote.MessageAdded, MessageID: *id})
	}
	if next := resp.GetOdataNextLink(); next != nil {
		page.NextPageToken = *next
	}
	if dl := resp.GetOdataDeltaLink(); dl != nil {
		page.NewCursor = *dl
	}
	return page, nil
}

// Modify translates label operations into Graph mutations per message: read
// state and flag are patches, INBOX removal is a move to the archive folder,
// TRASH addition is a move to deleted items. Moves and patches are idempotent
// in effect, so replays after a crash are safe.
func (a *Adapter) Modify(ctx context.Context, ids, addLabels, removeLabels []string) error {
	patch := models.NewMessage()
	patched := false
	if contains(removeLabels, remote.LabelUnread) {
		v := true
		patch.SetIsRead(&v)
		patched = true
	}
	if contains(addLabels, remote.LabelUnread) {
		v := false
		patch.SetIsRead(&v)
		patched = true
	}
	if contains(addLabels, remote.LabelStar) || contains(removeLabels, remote.LabelStar) {
		status := models.NOTFLAGGED_FOLLOWUPFLAGSTATUS
		if contains(addLabels, remote.LabelStar) {
			status = models.FLAGGED_FOLLOWUPFLAGSTATUS
		}
		flag := models.NewFollowupFlag()
		flag.SetFlagStatus(&status)
		patch.SetFlag(flag)
		patched = true
	}

	destination := ""
	switch {
	case contains(addLabels, remote.LabelTrash):
		destination = "deleteditems"
	case contains(removeLabels, remote.LabelInbox):
		destination = "archive"
	}

	for _, id := range ids {
		if patched {
			if err := a.limiter.Wait(ctx); err != nil {
				return err
			}
			if _, err := a.client.Users().ByUserId(a.userID).Messages().ByMessageId(id).Patch(ctx, patch, nil); err != nil {
				return mapError(err)
			}
		}
		if destination != "" {
			if err := a.limiter.Wait(ctx); err != nil {
				return err
			}
			body := users.NewItemMessagesItemMovePostRequestBody()
			dest := destination
			body.SetDestinationId(&dest)
			if _, err := a.client.Users().ByUserId(a.userID).Messages().ByMessageId(id).Move().Post(ctx, body, nil); err != nil {
				return mapError(err)
			}
		}
	}
	return nil
}

// ensureFolders resolves the well-known folder ids used to synthesize
// folder-derived labels. Resolution latches only on success: a transient
// failure (a canceled sync, a flaky call) is retried on the next use instead
// of poisoning the adapter for its lifetime.
func (a *Adapter) ensureFolders(ctx context.Context) error {
	a.folderMu.Lock()
	defer a.folderMu.Unlock()
	if a.foldersResolved {
		return nil
	}

	resolve := func(name string) (string, error) {
		if err := a.limiter.Wait(ctx); err != nil {
			return "", err
		}
		f, err := a.client.Users().ByUserId(a.userID).MailFolders().ByMailFolderId(name).Get(ctx, nil)
		if err != nil {
			return "", mapError(err)
		}
		if id := f.GetId(); id != nil {
			return *id, nil
		}
		return "", fmt.Errorf("folder %s has no id", name)
	}
	for _, f := range []struct {
		name string
		dst  *string
	}{
		{"inbox", &a.inboxID},
		{"sentitems", &a.sentID},
		{"drafts", &a.draftsID},
		{"junkemail", &a.junkID},
	} {
		id, err := resolve(f.name)
		if err != nil {
			return err
		}
		*f.dst = id
	}
	a.foldersResolved = true
	return nil
}

// normalize converts a Graph message to the provider-agnostic shape,
// synthesizing Gmail-vocabulary labels from folder and flag state.
func (a *Adapter) normalize(m models.Messageable) *remote.Message {
	out := &remote.Message{Headers: make(map[string]string)}
	if id := m.GetId(); id != nil {
		out.ID = *id
	}
	if cid := m.GetConversationId(); cid != nil {
		out.ThreadID = *cid
	}
	if preview := m.GetBodyPreview(); preview != nil {
		out.Snippet = *preview
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		out.InternalDate = rcvd.UTC()
	}
	if has := m.GetHasAttachments(); has != nil {
		out.HasAttachments = *has
	}

	if read := m.GetIsRead(); read != nil && !*read {
		out.LabelIDs = append(out.LabelIDs, remote.LabelUnread)
	}
	if draft := m.GetIsDraft(); draft != nil && *draft {
		out.LabelIDs = append(out.LabelIDs, remote.LabelDraft)
	}
	if flag := m.GetFlag(); flag != nil {
		if status := flag.GetFlagStatus(); status != nil && *status == models.FLAGGED_FOLLOWUPFLAGSTATUS {
			out.LabelIDs = append(out.LabelIDs, remote.LabelStar)
		}
	}
	if folder := m.GetParentFolderId(); folder != nil {
		switch *folder {
		case a.inboxID:
			out.LabelIDs = append(out.LabelIDs, remote.LabelInbox)
		case a.sentID:
			out.LabelIDs = append(out.LabelIDs, remote.LabelSent)
		case a.junkID:
			out.LabelIDs = append(out.LabelIDs, remote.LabelSpam)
		case a.draftsID:
			if !contains(out.LabelIDs, remote.LabelDraft) {
				out.LabelIDs = append(out.LabelIDs, remote.LabelDraft)
			}
		}
	}

	if from := m.GetFrom(); from != nil {
		if addr := recipientAddress(from); addr != "" {
			out.Headers["From"] = addr
		}
	}
	if to := joinRecipients(m.GetToRecipients()); to != "" {
		out.Headers["To"] = to
	}
	if cc := joinRecipients(m.GetCcRecipients()); cc != "" {
		out.Headers["Cc"] = cc
	}
	if subject := m.GetSubject(); subject != nil {
		out.Headers["Subject"] = *subject
	}
	for _, h := range m.GetInternetMessageHeaders() {
		name, value := h.GetName(), h.GetValue()
		if name == nil || value == nil {
			continue
		}
		if _, ok := out.Headers[*name]; !ok {
			out.Headers[*name] = *value
		}
	}
	return out
}

func recipientAddress(r models.Recipientable) string {
	if e := r.GetEmailAddress(); e != nil {
		if addr := e.GetAddress(); addr != nil {
			return *addr
		}
	}
	return ""
}

func joinRecipients(rs []models.Recipientable) string {
	var addrs []string
	for _, r := range rs {
		if addr := recipientAddress(r); addr != "" {
			addrs = append(addrs, addr)
		}
	}
	return strings.Join(addrs, ", ")
}

// translateQuery converts the engine's "after:<unix>" window query into a
// Graph receivedDateTime filter.
func translateQuery(query string) string {
	rest, ok := strings.CutPrefix(query, "after:")
	if !ok {
		return ""
	}
	secs, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("receivedDateTime ge %s", time.Unix(secs, 0).UTC().Format(time.RFC3339))
}

func contains(ss []string, want string) bool {
	for _, s := range ss {
		if s == want {
			return true
		}
	}
	return false
}

// mapError normalizes Graph failures into the remote taxonomy.
func mapError(err error) error {
	var oerr *odataerrors.ODataError
	if errors.As(err, &oerr) {
		switch {
		case oerr.ResponseStatusCode == 401:
			return remote.ErrUnauthorized
		case oerr.ResponseStatusCode == 429:
			return remote.ErrRateLimited
		case oerr.ResponseStatusCode >= 500:
			return &remote.ServerError{Code: oerr.ResponseStatusCode}
		}
		return fmt.Errorf("graph: %w", err)
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

// tokenSourceCredential bridges an oauth2.TokenSource to the Azure credential
// interface the Graph SDK expects.
type tokenSourceCredential struct {
	ts oauth2.TokenSource
}

func (c *tokenSourceCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	tok, err := c.ts.Token()
	if err != nil {
		return azcore.AccessToken{}, err
	}
	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = time.Now().Add(30 * time.Minute)
	}
	return azcore.AccessToken{Token: tok.AccessToken, ExpiresOn: expiry}, nil
}

var _ remote.Mailbox = (*Adapter)(nil)
