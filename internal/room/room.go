package room

import (
	"context"
	"sync"
	"time"

	"chatcore/internal/errors"
	"chatcore/internal/history"
	"chatcore/internal/metrics"
	"chatcore/internal/models"
	"chatcore/internal/reconcile"
	"chatcore/internal/store"

	"github.com/sirupsen/logrus"
)

// Listener receives a room's outbound notifications. All callbacks fire
// after the triggering mutation has committed.
type Listener interface {
	OnNewMessage(roomID string, rec *models.MessageRecord)
	OnHistoryFinished(roomID string)
	OnUnreadChanged(roomID string, count int)
	OnLatestChanged(roomID string, rec *models.MessageRecord)
	OnDecryptFailure(roomID, messageID string, err error)
	OnOrderViolation(roomID, messageID string, err error)
}

// NopListener discards all notifications.
type NopListener struct{}

func (NopListener) OnNewMessage(string, *models.MessageRecord)    {}
func (NopListener) OnHistoryFinished(string)                      {}
func (NopListener) OnUnreadChanged(string, int)                   {}
func (NopListener) OnLatestChanged(string, *models.MessageRecord) {}
func (NopListener) OnDecryptFailure(string, string, error)        {}
func (NopListener) OnOrderViolation(string, string, error)        {}

// Config bundles the collaborators shared by every room a manager creates.
type Config struct {
	RoomContext models.RoomContext
	Fetcher     history.Fetcher
	Decryptor   reconcile.Decryptor
	Keys        reconcile.KeyRing
	Sink        store.PersistenceSink
	Listener    Listener
	Asserter    *errors.Asserter
	Logger      *logrus.Logger

	History models.HistoryConfig
}

// Room wires one conversation's store, history coordinator and reconciler
// together and maintains the derived read-side values: unread count, latest
// renderable message and per-message display states.
type Room struct {
	mu sync.Mutex

	id     string
	rctx   models.RoomContext
	store  *store.OrderedMessageStore
	coord  *history.Coordinator
	recon  *reconcile.Reconciler
	lis    Listener
	logger *logrus.Entry

	// lastSeenOrder and lastDeliveredOrder are the acknowledgment
	// watermarks display states derive from.
	lastSeenOrder      int64
	lastDeliveredOrder int64

	unread int
	latest *models.MessageRecord
}

// New creates a room and subscribes it to its own store's change feed.
func New(roomID string, cfg Config) *Room {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
	}
	lis := cfg.Listener
	if lis == nil {
		lis = NopListener{}
	}

	st := store.New(roomID, logger,
		store.WithPersistenceSink(cfg.Sink),
		store.WithPageSize(cfg.History.PageSize),
	)
	coord := history.NewCoordinator(roomID, cfg.Fetcher,
		cfg.History.InitialPageSize, cfg.History.PageSize,
		time.Duration(cfg.History.TimeoutSec)*time.Second, logger)

	r := &Room{
		id:     roomID,
		rctx:   cfg.RoomContext,
		store:  st,
		coord:  coord,
		lis:    lis,
		logger: logger.WithField("room_id", roomID),
	}
	r.recon = reconcile.New(reconcile.Config{
		RoomID:      roomID,
		RoomContext: cfg.RoomContext,
		Store:       st,
		History:     coord,
		Decryptor:   cfg.Decryptor,
		Keys:        cfg.Keys,
		Sink:        cfg.Sink,
		Events:      (*reconcilerEvents)(r),
		Asserter:    cfg.Asserter,
		Logger:      logger,
	})
	st.Subscribe(r.onChange)
	return r
}

// ID returns the room identifier.
func (r *Room) ID() string { return r.id }

// Store returns the room's ordered message store.
func (r *Room) Store() *store.OrderedMessageStore { return r.store }

// History returns the room's history coordinator.
func (r *Room) History() *history.Coordinator { return r.coord }

// Reconciler returns the room's event reconciler.
func (r *Room) Reconciler() *reconcile.Reconciler { return r.recon }

// Apply feeds one lifecycle event through the room's reconciler.
func (r *Room) Apply(ctx context.Context, ev models.LifecycleEvent) error {
	return r.recon.Apply(ctx, ev)
}

// RetrieveHistory requests an older page of this room's messages.
func (r *Room) RetrieveHistory(ctx context.Context, initial bool) *history.Retrieval {
	return r.coord.RetrieveHistory(ctx, initial)
}

// UnreadCount returns the number of renderable remote messages newer than
// the seen watermark.
func (r *Room) UnreadCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unread
}

// Latest returns the newest renderable message, if any.
func (r *Room) Latest() (*models.MessageRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latest, r.latest != nil
}

// StateView snapshots the watermarks display-state derivation needs.
func (r *Room) StateView() models.StateView {
	r.mu.Lock()
	defer r.mu.Unlock()
	return models.StateView{
		SelfUserID:         r.rctx.SelfUserID,
		LastSeenOrder:      r.lastSeenOrder,
		LastDeliveredOrder: r.lastDeliveredOrder,
	}
}

// StateOf derives the display state of one record against the current
// watermarks.
func (r *Room) StateOf(rec *models.MessageRecord) (models.MessageState, error) {
	return models.DeriveState(rec, r.StateView())
}

// MarkSeen advances the seen watermark. Watermarks only move forward; a
// stale acknowledgment is a no-op.
func (r *Room) MarkSeen(orderValue int64) {
	r.mu.Lock()
	if orderValue <= r.lastSeenOrder {
		r.mu.Unlock()
		return
	}
	r.lastSeenOrder = orderValue
	if orderValue > r.lastDeliveredOrder {
		r.lastDeliveredOrder = orderValue
	}
	changed := r.recountLocked()
	r.mu.Unlock()
	if changed {
		r.lis.OnUnreadChanged(r.id, r.UnreadCount())
	}
}

// MarkDelivered advances the delivered watermark.
func (r *Room) MarkDelivered(orderValue int64) {
	r.mu.Lock()
	if orderValue > r.lastDeliveredOrder {
		r.lastDeliveredOrder = orderValue
	}
	r.mu.Unlock()
}

// SetPinnedLatest forwards the view anchor to the store; pinned rooms are
// eligible for eviction of their scrolled-away tail.
func (r *Room) SetPinnedLatest(pinned bool) {
	r.store.SetPinnedLatest(pinned)
}

// onChange maintains unread and latest incrementally where the change shape
// allows it, falling back to a rescan for structural changes.
func (r *Room) onChange(ch store.Change) {
	r.mu.Lock()
	var unreadChanged, latestChanged bool
	switch ch.Kind {
	case store.ChangeInsert:
		unreadChanged, latestChanged = r.applyInsertLocked(ch)
	default:
		unreadChanged = r.recountLocked()
		latestChanged = r.refreshLatestLocked()
	}
	unread := r.unread
	latest := r.latest
	r.mu.Unlock()

	if unreadChanged {
		r.lis.OnUnreadChanged(r.id, unread)
	}
	if latestChanged {
		r.lis.OnLatestChanged(r.id, latest)
	}
}

func (r *Room) applyInsertLocked(ch store.Change) (unreadChanged, latestChanged bool) {
	rec := ch.Record
	if rec == nil {
		return false, false
	}
	if rec.Renderable() && !r.rctx.IsSelf(rec.SenderID) && rec.OrderValue > r.lastSeenOrder {
		r.unread++
		unreadChanged = true
	}
	if rec.Renderable() && (r.latest == nil || r.latest.OrderBefore(rec)) {
		r.latest = rec
		latestChanged = true
	}
	return unreadChanged, latestChanged
}

// recountLocked rebuilds the unread count from the store. Reports whether
// the count moved.
func (r *Room) recountLocked() bool {
	count := 0
	for _, rec := range r.store.Records() {
		if rec.Renderable() && !r.rctx.IsSelf(rec.SenderID) && rec.OrderValue > r.lastSeenOrder {
			count++
		}
	}
	changed := count != r.unread
	r.unread = count
	return changed
}

func (r *Room) refreshLatestLocked() bool {
	latest, ok := r.store.LatestRenderable()
	if !ok {
		changed := r.latest != nil
		r.latest = nil
		return changed
	}
	changed := r.latest == nil || r.latest.MessageID != latest.MessageID
	r.latest = latest
	return changed
}

// reconcilerEvents adapts Room to the reconciler's event surface without
// exporting those methods on Room itself.
type reconcilerEvents Room

func (e *reconcilerEvents) room() *Room { return (*Room)(e) }

func (e *reconcilerEvents) OnNewMessageReceived(rec *models.MessageRecord) {
	r := e.room()
	metrics.IncrementCounter("room_messages_received_total", map[string]string{"room": r.id}, "New remote messages")
	r.lis.OnNewMessage(r.id, rec)
}

func (e *reconcilerEvents) OnMessagesBuffAppend(rec *models.MessageRecord) {
	// History records surface through OnHistoryFinished once the batch
	// merges; per-record appends are only logged.
	e.room().logger.WithField("message_id", rec.MessageID).Trace("History record buffered")
}

func (e *reconcilerEvents) OnHistoryFinished() {
	r := e.room()
	r.lis.OnHistoryFinished(r.id)
}

func (e *reconcilerEvents) OnDecryptFailure(messageID string, err error) {
	r := e.room()
	r.lis.OnDecryptFailure(r.id, messageID, err)
}

func (e *reconcilerEvents) OnOrderViolation(messageID string, err error) {
	r := e.room()
	r.lis.OnOrderViolation(r.id, messageID, err)
}
