package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/companionlab/companion/internal/call"
)

// Manager holds the one mounted session view. Mounting a new view unmounts the
// previous one, stopping its call and discarding its transcript.
type Manager struct {
	store    Store
	engines  EngineFactory
	hub      EventBroadcaster
	recapper Recapper
	metrics  Metrics

	// spawn overrides the call machine's connect goroutine in tests.
	spawn func(func())

	mu   sync.Mutex
	view *View
}

// NewManager wires session views. recapper and metrics may be nil.
func NewManager(store Store, engines EngineFactory, hub EventBroadcaster, recapper Recapper, metrics Metrics) *Manager {
	return &Manager{
		store:    store,
		engines:  engines,
		hub:      hub,
		recapper: recapper,
		metrics:  metrics,
	}
}

func (m *Manager) Mount(ctx context.Context, companionID, userID string) (*View, error) {
	companion, err := m.store.GetCompanion(ctx, companionID)
	if err != nil {
		return nil, fmt.Errorf("load companion: %w", err)
	}

	engine, err := m.engines()
	if err != nil {
		return nil, fmt.Errorf("open voice engine: %w", err)
	}

	view := newView(engine, companion, userID, viewDeps{
		store:    m.store,
		hub:      m.hub,
		recapper: m.recapper,
		metrics:  m.metrics,
		spawn:    m.spawn,
	})

	m.mu.Lock()
	previous := m.view
	m.view = view
	m.mu.Unlock()

	if previous != nil {
		previous.close()
	}
	slog.Info("session mounted", "companion_id", companion.ID, "user_id", userID)
	m.broadcastState(view)
	return view, nil
}

func (m *Manager) Unmount() error {
	m.mu.Lock()
	view := m.view
	m.view = nil
	m.mu.Unlock()

	if view == nil {
		return ErrNoSession
	}
	view.close()
	slog.Info("session unmounted", "companion_id", view.companion.ID)
	if m.hub != nil {
		m.hub.BroadcastStateChanged(string(call.Idle), false)
	}
	return nil
}

func (m *Manager) Current() (*View, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.view == nil {
		return nil, ErrNoSession
	}
	return m.view, nil
}

// Close unmounts any view. It is safe to call with nothing mounted.
func (m *Manager) Close() {
	if err := m.Unmount(); err != nil && err != ErrNoSession {
		slog.Warn("session close failed", "error", err)
	}
}

func (m *Manager) broadcastState(v *View) {
	if m.hub == nil {
		return
	}
	s := v.Snapshot()
	m.hub.BroadcastStateChanged(string(s.State), s.Muted)
}
