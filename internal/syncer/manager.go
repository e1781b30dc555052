package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Manager tracks per-account orchestrators and their in-flight sync
// goroutines. One orchestrator per account; one sync per orchestrator.
type Manager struct {
	log *slog.Logger

	mu      sync.RWMutex
	orchs   map[string]*Orchestrator
	cancels map[string]context.CancelFunc
}

// NewManager creates an empty registry.
func NewManager(log *slog.Logger) *Manager {
	return &Manager{
		log:     log,
		orchs:   make(map[string]*Orchestrator),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Register adds an account's orchestrator.
func (m *Manager) Register(email string, o *Orchestrator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orchs[email] = o
}

// Get returns the orchestrator for an account.
func (m *Manager) Get(email string) (*Orchestrator, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orchs[email]
	return o, ok
}

// StartSync launches a sync pass for the account in the background. A request
// arriving while one is running is dropped with ErrSyncActive.
func (m *Manager) StartSync(ctx context.Context, email string) error {
	m.mu.Lock()
	o, ok := m.orchs[email]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("no orchestrator registered for %s", email)
	}
	if o.Active() {
		m.mu.Unlock()
		m.log.Info("sync already active, dropping request", "account", email)
		return ErrSyncActive
	}

	syncCtx, cancel := context.WithCancel(ctx)
	m.cancels[email] = cancel
	m.mu.Unlock()

	go m.run(syncCtx, email, o)
	return nil
}

// run executes one sync pass and releases the account's cancel slot. The
// Active check above races with the orchestrator's own guard, so losing that
// race here is routine, not a failure.
func (m *Manager) run(ctx context.Context, email string, o *Orchestrator) {
	m.log.Info("sync start", "account", email)
	if err := o.Sync(ctx); err != nil {
		if errors.Is(err, ErrSyncActive) {
			m.log.Info("sync already active, dropping request", "account", email)
		} else {
			m.log.Error("sync failed", "account", email, "error", err)
		}
	}

	m.mu.Lock()
	delete(m.cancels, email)
	m.mu.Unlock()
	m.log.Info("sync stop", "account", email)
}

// StopAll cancels every in-flight sync. Orchestrators stay registered.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for email, cancel := range m.cancels {
		m.log.Info("stopping sync", "account", email)
		cancel()
	}
	m.cancels = make(map[string]context.CancelFunc)
}
