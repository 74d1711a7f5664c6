package room

import (
	"context"
	"sort"
	"sync"

	"chatcore/internal/call"
	"chatcore/internal/models"

	"github.com/sirupsen/logrus"
)

// Manager owns every room and the shared call registry, and routes inbound
// events to the right room. Rooms are created lazily on first event.
type Manager struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	cfg   Config
	calls *call.Registry

	logger *logrus.Entry
}

// NewManager creates a manager. The config is the template for every room
// it creates.
func NewManager(cfg Config, calls *call.Registry) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
		cfg.Logger = logger
	}
	return &Manager{
		rooms:  make(map[string]*Room),
		cfg:    cfg,
		calls:  calls,
		logger: logger.WithField("component", "room-manager"),
	}
}

// Room returns the room, creating it on first reference.
func (m *Manager) Room(roomID string) *Room {
	m.mu.RLock()
	r, ok := m.rooms[roomID]
	m.mu.RUnlock()
	if ok {
		return r
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok = m.rooms[roomID]; ok {
		return r
	}
	r = New(roomID, m.cfg)
	m.rooms[roomID] = r
	m.logger.WithField("room_id", roomID).Debug("Room created")
	return r
}

// Lookup returns the room without creating it.
func (m *Manager) Lookup(roomID string) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[roomID]
	return r, ok
}

// Rooms returns all rooms in stable id order.
func (m *Manager) Rooms() []*Room {
	m.mu.RLock()
	out := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		out = append(out, r)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// DispatchEvent routes one lifecycle event to its room's reconciler.
func (m *Manager) DispatchEvent(ctx context.Context, ev models.LifecycleEvent) error {
	return m.Room(ev.RoomID).Apply(ctx, ev)
}

// DispatchHistoryCount relays the server's entry-count acknowledgment for a
// history page.
func (m *Manager) DispatchHistoryCount(roomID string, count int) {
	if r, ok := m.Lookup(roomID); ok {
		r.History().OnAcknowledge(count)
	}
}

// DispatchHistoryDone settles a fully delivered history page.
func (m *Manager) DispatchHistoryDone(ctx context.Context, roomID string) {
	if r, ok := m.Lookup(roomID); ok {
		r.Reconciler().FinishHistoryBatch(ctx)
	}
}

// DispatchSignal routes one call signaling event to the shared registry.
func (m *Manager) DispatchSignal(sig models.CallSignal) error {
	if m.calls == nil {
		m.logger.WithField("session_id", sig.SessionID).Warn("Call signal dropped: no registry")
		return nil
	}
	return m.calls.HandleSignal(sig)
}

// Calls returns the shared call registry.
func (m *Manager) Calls() *call.Registry { return m.calls }

// OnKeysLoaded fans a key-arrival notification out to every room so parked
// decryptions can resume. Key material is account-wide, not per-room.
func (m *Manager) OnKeysLoaded(ctx context.Context, keyIDs []string) {
	for _, r := range m.Rooms() {
		r.recon.OnKeysLoaded(ctx, keyIDs)
	}
}

// TotalUnread sums the unread counts across all rooms.
func (m *Manager) TotalUnread() int {
	total := 0
	for _, r := range m.Rooms() {
		total += r.UnreadCount()
	}
	return total
}
