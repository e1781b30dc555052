package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mailmirror/mailmirror/internal/actions"
	"github.com/mailmirror/mailmirror/internal/auth"
	"github.com/mailmirror/mailmirror/internal/config"
	"github.com/mailmirror/mailmirror/internal/convo"
	"github.com/mailmirror/mailmirror/internal/notify"
	"github.com/mailmirror/mailmirror/internal/providers/gmail"
	"github.com/mailmirror/mailmirror/internal/providers/outlook"
	"github.com/mailmirror/mailmirror/internal/rate"
	"github.com/mailmirror/mailmirror/internal/remote"
	"github.com/mailmirror/mailmirror/internal/store"
	"github.com/mailmirror/mailmirror/internal/syncer"
)

// server owns one runtime per account, built lazily on first use. The sync
// manager tracks orchestrators; everything else hangs off accountRuntime.
type server struct {
	cfg     *config.Config
	log     *slog.Logger
	bus     notify.Bus
	tokens  *auth.TokenClient
	manager *syncer.Manager

	mu       sync.Mutex
	accounts map[string]*accountRuntime
}

type accountRuntime struct {
	store   *store.Store
	queue   *actions.Queue
	limiter *rate.TokenBucket // nil when rate limiting is disabled
}

func main() {
	configPath := flag.String("config", "mailmirror.yaml", "path to config file")
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var bus notify.Bus = notify.Nop{}
	if cfg.NATSURL != "" {
		pub, err := notify.NewPublisher(cfg.NATSURL)
		if err != nil {
			log.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer pub.Close()
		if err := pub.EnsureStream(ctx); err != nil {
			log.Error("failed to ensure event stream", "error", err)
			os.Exit(1)
		}
		bus = pub
	}

	srv := &server{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		tokens:   auth.NewTokenClient(cfg.AuthServerURL),
		manager:  syncer.NewManager(log),
		accounts: make(map[string]*accountRuntime),
	}

	router, err := srv.router(ctx)
	if err != nil {
		log.Error("failed to build router", "error", err)
		os.Exit(1)
	}

	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: router}
	go func() {
		log.Info("listening", "addr", cfg.ListenAddr, "provider", cfg.Provider)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	srv.manager.StopAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "error", err)
	}
	srv.closeAll()
}

func (s *server) router(ctx context.Context) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/accounts/:email")
	if s.cfg.JWKSURL != "" {
		verifier, err := auth.NewJWTVerifier(ctx, s.cfg.JWKSURL)
		if err != nil {
			return nil, fmt.Errorf("failed to init JWT verifier: %w", err)
		}
		api.Use(func(c *gin.Context) {
			caller, err := verifier.CallerFromRequest(c.Request)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
				return
			}
			c.Set("caller", caller)
			c.Next()
		})
	}

	api.POST("/sync", s.handleStartSync)
	api.GET("/sync/status", s.handleSyncStatus)
	api.POST("/actions", s.handleEnqueueAction)
	api.GET("/actions/pending", s.handlePendingActions)
	api.POST("/dispatch", s.handleDispatch)

	return r, nil
}

func (s *server) handleStartSync(c *gin.Context) {
	email := c.Param("email")
	if _, err := s.runtimeFor(c.Request.Context(), email); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	// The sync outlives the request; it is cancelled only at shutdown.
	if err := s.manager.StartSync(context.WithoutCancel(c.Request.Context()), email); err != nil {
		if errors.Is(err, syncer.ErrSyncActive) {
			c.JSON(http.StatusConflict, gin.H{"error": "sync already running"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "started"})
}

func (s *server) handleSyncStatus(c *gin.Context) {
	email := c.Param("email")
	o, ok := s.manager.Get(email)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown account"})
		return
	}
	c.JSON(http.StatusOK, o.Status())
}

type actionRequest struct {
	Type           string `json:"type" binding:"required"`
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
}

func (s *server) handleEnqueueAction(c *gin.Context) {
	email := c.Param("email")
	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rt, err := s.runtimeFor(c.Request.Context(), email)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	var id string
	switch actions.Type(req.Type) {
	case actions.TypeMarkRead:
		id, err = enqueueMessage(ctx, rt.queue, req, actions.MarkRead{MessageID: req.MessageID})
	case actions.TypeMarkUnread:
		id, err = enqueueMessage(ctx, rt.queue, req, actions.MarkUnread{MessageID: req.MessageID})
	case actions.TypeArchive:
		id, err = enqueueMessage(ctx, rt.queue, req, actions.Archive{MessageID: req.MessageID})
	case actions.TypeStar:
		id, err = enqueueMessage(ctx, rt.queue, req, actions.Star{MessageID: req.MessageID})
	case actions.TypeUnstar:
		id, err = enqueueMessage(ctx, rt.queue, req, actions.Unstar{MessageID: req.MessageID})
	case actions.TypeArchiveConversation:
		if req.ConversationID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "conversation_id is required"})
			return
		}
		id, err = rt.queue.ArchiveConversationByID(ctx, req.ConversationID)
	case actions.TypeDeleteConversation:
		if req.ConversationID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "conversation_id is required"})
			return
		}
		id, err = rt.queue.DeleteConversationByID(ctx, req.ConversationID)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown action type %q", req.Type)})
		return
	}
	if err != nil {
		if errors.Is(err, errMissingMessageID) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

var errMissingMessageID = errors.New("message_id is required")

func enqueueMessage(ctx context.Context, q *actions.Queue, req actionRequest, a actions.Action) (string, error) {
	if req.MessageID == "" {
		return "", errMissingMessageID
	}
	return q.Enqueue(ctx, a)
}

func (s *server) handlePendingActions(c *gin.Context) {
	email := c.Param("email")
	rt, err := s.runtimeFor(c.Request.Context(), email)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	count, err := rt.queue.PendingCount(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	exhausted, err := rt.queue.Exhausted(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending": count, "exhausted": exhausted})
}

func (s *server) handleDispatch(c *gin.Context) {
	email := c.Param("email")
	rt, err := s.runtimeFor(c.Request.Context(), email)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if rt.queue.Active() {
		c.JSON(http.StatusConflict, gin.H{"error": "dispatch already running"})
		return
	}

	go func() {
		if err := rt.queue.Dispatch(context.WithoutCancel(c.Request.Context())); err != nil && !errors.Is(err, actions.ErrDispatchActive) {
			s.log.Error("dispatch failed", "account", email, "error", err)
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "started"})
}

// runtimeFor returns the account's runtime, building it on first use: a
// per-account SQLite replica, a provider session, the mailbox adapter, the
// merge engine, a registered sync orchestrator, and the action queue.
func (s *server) runtimeFor(ctx context.Context, email string) (*accountRuntime, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rt, ok := s.accounts[email]; ok {
		return rt, nil
	}

	st, err := store.Open(s.cfg.DBPath(email))
	if err != nil {
		return nil, fmt.Errorf("failed to open store for %s: %w", email, err)
	}

	session := s.sessionFor(email)
	var limiter rate.Limiter = rate.None{}
	var bucket *rate.TokenBucket
	if s.cfg.RatePerSecond > 0 {
		bucket = rate.NewTokenBucket(s.cfg.RatePerSecond)
		limiter = bucket
	}

	mailbox, err := s.mailboxFor(ctx, email, session, limiter)
	if err != nil {
		st.Close()
		return nil, err
	}

	engine := convo.NewEngine(st, s.bus, s.log, email, nil)
	orch := syncer.NewOrchestrator(st, mailbox, engine, session, s.log, syncer.Config{
		PageSize:      s.cfg.Sync.PageSize,
		FetchWorkers:  s.cfg.Sync.FetchWorkers,
		BatchSize:     s.cfg.Sync.BatchSize,
		PartialWindow: s.cfg.Sync.PartialWindow,
	})
	s.manager.Register(email, orch)

	queue := actions.NewQueue(st, mailbox, engine, s.bus, session, s.log, email, actions.Config{
		MaxRetries:  s.cfg.Actions.MaxRetries,
		BaseBackoff: s.cfg.Actions.BaseBackoff,
		MaxBackoff:  s.cfg.Actions.MaxBackoff,
	})

	rt := &accountRuntime{store: st, queue: queue, limiter: bucket}
	s.accounts[email] = rt
	return rt, nil
}

func (s *server) sessionFor(email string) *auth.Session {
	provider := auth.ProviderGoogle
	if s.cfg.Provider == "outlook" {
		provider = auth.ProviderMicrosoft
	}
	return auth.NewSession(func(ctx context.Context) (*auth.Token, error) {
		return s.tokens.GetToken(ctx, email, provider)
	})
}

func (s *server) mailboxFor(ctx context.Context, email string, session *auth.Session, limiter rate.Limiter) (remote.Mailbox, error) {
	switch s.cfg.Provider {
	case "outlook":
		return outlook.New(session, email, limiter)
	default:
		return gmail.New(ctx, session, limiter)
	}
}

func (s *server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for email, rt := range s.accounts {
		if rt.limiter != nil {
			rt.limiter.Stop()
		}
		if err := rt.store.Close(); err != nil {
			s.log.Error("failed to close store", "account", email, "error", err)
		}
	}
}
