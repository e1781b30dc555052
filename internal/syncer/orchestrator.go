// Package syncer drives delta synchronization of the local replica against
// the remote mailbox: full walks on first run, cursor-based incremental walks
// afterwards, and a bounded partial re-list when the cursor has expired.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mailmirror/mailmirror/internal/auth"
	"github.com/mailmirror/mailmirror/internal/convo"
	"github.com/mailmirror/mailmirror/internal/remote"
	"github.com/mailmirror/mailmirror/internal/store"
)

// ErrSyncActive is returned when a sync request arrives while one is already
// running for the account. The request is dropped, not queued.
var ErrSyncActive = errors.New("syncer: sync already running")

// Phase is the observable stage of a sync pass.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseChoosing    Phase = "choosing"
	PhaseFull        Phase = "full"
	PhaseIncremental Phase = "incremental"
	PhasePartial     Phase = "partial"
	PhaseReconciling Phase = "reconciling"
	PhaseFailed      Phase = "failed"
)

// Status is the pollable sync state for the UI.
type Status struct {
	Phase    Phase   `json:"phase"`
	Progress float64 `json:"progress"`
	Message  string  `json:"message"`
}

// Config tunes one orchestrator. Zero values take defaults.
type Config struct {
	PageSize          int64         // list page cap (default 500)
	FetchWorkers      int           // bounded per-message fetch pool (default 8)
	BatchSize         int           // ingest buffer bound (default 50)
	FetchRetryBackoff time.Duration // fixed backoff before the single fetch retry (default 2s)
	PartialWindow     time.Duration // partial-sync re-list window (default 24h)
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = 500
	}
	if c.FetchWorkers <= 0 {
		c.FetchWorkers = 8
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.FetchRetryBackoff <= 0 {
		c.FetchRetryBackoff = 2 * time.Second
	}
	if c.PartialWindow <= 0 {
		c.PartialWindow = 24 * time.Hour
	}
	return c
}

// Orchestrator owns sync for one account. It is the single writer of the
// account's change cursor, and advances it only after a whole walk succeeds.
type Orchestrator struct {
	store     *store.Store
	remote    remote.Mailbox
	engine    *convo.Engine
	refresher auth.Refresher
	log       *slog.Logger
	cfg       Config

	active atomic.Bool
	mu     sync.Mutex
	status Status

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewOrchestrator wires an orchestrator for one account.
func NewOrchestrator(st *store.Store, mb remote.Mailbox, eng *convo.Engine, refresher auth.Refresher, log *slog.Logger, cfg Config) *Orchestrator {
	return &Orchestrator{
		store:     st,
		remote:    mb,
		engine:    eng,
		refresher: refresher,
		log:       log,
		cfg:       cfg.withDefaults(),
		status:    Status{Phase: PhaseIdle},
		sleep:     sleepCtx,
		now:       time.Now,
	}
}

// Active reports whether a sync pass is currently running.
func (o *Orchestrator) Active() bool {
	return o.active.Load()
}

// Status returns the current observable sync state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

func (o *Orchestrator) setStatus(phase Phase, progress float64, message string) {
	o.mu.Lock()
	o.status = Status{Phase: phase, Progress: progress, Message: message}
	o.mu.Unlock()
}

// Sync runs one full sync pass. At most one pass runs at a time; a concurrent
// call is dropped with ErrSyncActive. Failures leave already-applied changes
// intact and never advance the cursor past the failure point.
func (o *Orchestrator) Sync(ctx context.Context) error {
	if !o.active.CompareAndSwap(false, true) {
		o.log.Info("sync already active, dropping request")
		return ErrSyncActive
	}
	defer o.active.Store(false)

	o.setStatus(PhaseChoosing, 0, "choosing sync strategy")

	acct, err := o.store.Account(ctx)
	if err != nil {
		return o.fail(err)
	}
	if acct == nil {
		if acct, err = o.bootstrap(ctx); err != nil {
			return o.fail(err)
		}
	}

	if acct.Cursor == "" {
		err = o.fullSync(ctx, acct)
	} else {
		err = o.incrementalSync(ctx, acct)
		if errors.Is(err, remote.ErrCursorExpired) {
			o.log.Info("change cursor expired, falling back to partial sync")
			err = o.partialSync(ctx, acct)
		}
	}
	if err != nil {
		return o.fail(err)
	}

	o.setStatus(PhaseReconciling, 0.95, "reconciling conversations")
	if err := o.engine.MergeDuplicates(ctx); err != nil {
		return o.fail(err)
	}
	if err := o.engine.CleanupEmpty(ctx); err != nil {
		return o.fail(err)
	}

	o.setStatus(PhaseIdle, 1, "sync complete")
	return nil
}

func (o *Orchestrator) fail(err error) error {
	o.mu.Lock()
	progress := o.status.Progress
	o.mu.Unlock()
	o.setStatus(PhaseFailed, progress, err.Error())
	return err
}

// bootstrap creates the account row from the first successful profile fetch.
// The cursor stays empty so the first pass is a full sync.
func (o *Orchestrator) bootstrap(ctx context.Context) (*store.Account, error) {
	var profile remote.Profile
	err := o.withAuthRetry(ctx, func() error {
		var err error
		profile, err = o.remote.Profile(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("profile fetch failed: %w", err)
	}
	if err := o.store.CreateAccount(ctx, profile.Email, []string{profile.Email}, ""); err != nil {
		return nil, err
	}
	return o.store.Account(ctx)
}

// fullSync lists every message id page by page and fetches the bodies.
func (o *Orchestrator) fullSync(ctx context.Context, acct *store.Account) error {
	o.setStatus(PhaseFull, 0, "full sync")
	if err := o.listAndIngest(ctx, acct, "", PhaseFull); err != nil {
		return err
	}
	return o.refreshCursor(ctx, acct)
}

// partialSync re-lists a bounded window (since install, capped by the
// configured window) instead of a full historical walk, then refreshes the
// cursor from the current profile state.
func (o *Orchestrator) partialSync(ctx context.Context, acct *store.Account) error {
	o.setStatus(PhasePartial, 0, "partial sync")
	start := acct.BootstrapAt
	if floor := o.now().Add(-o.cfg.PartialWindow); floor.After(start) {
		start = floor
	}
	query := fmt.Sprintf("after:%d", start.Unix())
	if err := o.listAndIngest(ctx, acct, query, PhasePartial); err != nil {
		return err
	}
	return o.refreshCursor(ctx, acct)
}

func (o *Orchestrator) listAndIngest(ctx context.Context, acct *store.Account, query string, phase Phase) error {
	pageToken := ""
	pages := 0
	total := 0
	for {
		var page remote.ListPage
		err := o.withAuthRetry(ctx, func() error {
			var err error
			page, err = o.remote.ListMessages(ctx, query, pageToken, o.cfg.PageSize)
			return err
		})
		if err != nil {
			return fmt.Errorf("list messages failed: %w", err)
		}
		if err := o.fetchAndIngest(ctx, acct, page.IDs); err != nil {
			return err
		}
		pages++
		total += len(page.IDs)
		o.setStatus(phase, pageProgress(pages), fmt.Sprintf("synced %d messages", total))
		if page.NextPageToken == "" {
			return nil
		}
		pageToken = page.NextPageToken
	}
}

// incrementalSync walks the change feed from the stored cursor. Changes apply
// as they are read, page by page, but the new cursor persists only after the
// entire walk succeeds, so a crash mid-walk re-processes from the old cursor.
// Re-processing is idempotent.
func (o *Orchestrator) incrementalSync(ctx context.Context, acct *store.Account) error {
	o.setStatus(PhaseIncremental, 0, "incremental sync")

	pageToken := ""
	newCursor := ""
	pages := 0
	applied := 0
	for {
		var page remote.ChangePage
		err := o.withAuthRetry(ctx, func() error {
			var err error
			page, err = o.remote.ListChanges(ctx, acct.Cursor, pageToken)
			return err
		})
		if err != nil {
			return fmt.Errorf("list changes failed: %w", err)
		}

		var added []string
		for _, ch := range page.Changes {
			switch ch.Kind {
			case remote.MessageAdded:
				added = append(added, ch.MessageID)
			case remote.MessageDeleted:
				if err := o.engine.RemoveMessage(ctx, ch.MessageID); err != nil {
					return err
				}
			case remote.LabelsAdded:
				if err := o.engine.ApplyLabelsAdded(ctx, ch.MessageID, ch.LabelIDs); err != nil {
					return err
				}
			case remote.LabelsRemoved:
				if err := o.engine.ApplyLabelsRemoved(ctx, ch.MessageID, ch.LabelIDs); err != nil {
					return err
				}
			}
		}
		if err := o.fetchAndIngest(ctx, acct, added); err != nil {
			return err
		}

		if page.NewCursor != "" {
			newCursor = page.NewCursor
		}
		pages++
		applied += len(page.Changes)
		o.setStatus(PhaseIncremental, pageProgress(pages), fmt.Sprintf("applied %d changes", applied))
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	if newCursor != "" && newCursor != acct.Cursor {
		if err := o.store.SaveCursor(ctx, acct.Email, newCursor); err != nil {
			return err
		}
	}
	return nil
}

// fetchAndIngest fetches message bodies with a bounded worker pool and routes
// each one through the conversation engine. The buffered channel bounds how
// many fetched bodies sit in memory awaiting ingest.
func (o *Orchestrator) fetchAndIngest(ctx context.Context, acct *store.Account, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	fetched := make(chan *remote.Message, o.cfg.BatchSize)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.FetchWorkers)

	var ingestErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		for m := range fetched {
			if ingestErr != nil {
				continue // drain so fetchers never block
			}
			if o.skip(acct, m) {
				continue
			}
			if err := o.engine.Ingest(gctx, m); err != nil {
				ingestErr = err
			}
		}
	}()

	for _, id := range ids {
		g.Go(func() error {
			m, err := o.fetchWithRetry(gctx, id)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				// Abandoned for this pass; the message stays absent locally
				// and the next sync picks it up.
				o.log.Warn("message fetch failed permanently for this pass", "id", id, "error", err)
				return nil
			}
			select {
			case fetched <- m:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}

	gerr := g.Wait()
	close(fetched)
	<-done
	if gerr != nil {
		return gerr
	}
	return ingestErr
}

// fetchWithRetry fetches one message body, retrying once after a fixed
// backoff.
func (o *Orchestrator) fetchWithRetry(ctx context.Context, id string) (*remote.Message, error) {
	m, err := o.remote.GetMessage(ctx, id)
	if err == nil {
		return m, nil
	}
	if sleepErr := o.sleep(ctx, o.cfg.FetchRetryBackoff); sleepErr != nil {
		return nil, sleepErr
	}
	return o.remote.GetMessage(ctx, id)
}

// skip applies the pre-persistence policy filters: spam is discarded, and so
// is anything dated before the account bootstrap (no pre-install history).
func (o *Orchestrator) skip(acct *store.Account, m *remote.Message) bool {
	for _, l := range m.LabelIDs {
		if l == remote.LabelSpam {
			return true
		}
	}
	return m.InternalDate.Before(acct.BootstrapAt)
}

// refreshCursor re-baselines the cursor from the current profile state after
// a full or partial walk completed.
func (o *Orchestrator) refreshCursor(ctx context.Context, acct *store.Account) error {
	var profile remote.Profile
	err := o.withAuthRetry(ctx, func() error {
		var err error
		profile, err = o.remote.Profile(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("profile fetch failed: %w", err)
	}
	if profile.Cursor == "" {
		return nil
	}
	return o.store.SaveCursor(ctx, acct.Email, profile.Cursor)
}

// withAuthRetry runs fn, and on Unauthorized refreshes credentials once and
// retries the same call. A second failure surfaces to the caller.
func (o *Orchestrator) withAuthRetry(ctx context.Context, fn func() error) error {
	err := fn()
	if !errors.Is(err, remote.ErrUnauthorized) {
		return err
	}
	o.log.Info("unauthorized, refreshing credentials")
	if rerr := o.refresher.Refresh(ctx); rerr != nil {
		return fmt.Errorf("credential refresh failed: %w", rerr)
	}
	return fn()
}

// pageProgress maps an open-ended page count onto (0, 0.9]; the total page
// count is unknown until the walk completes.
func pageProgress(pages int) float64 {
	p := 1 - 1/float64(pages+1)
	if p > 0.9 {
		p = 0.9
	}
	return p
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
