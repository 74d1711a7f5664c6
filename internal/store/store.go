package store

import (
	"sort"
	"sync"

	"chatcore/internal/constants"
	"chatcore/internal/errors"
	"chatcore/internal/metrics"
	"chatcore/internal/models"

	"github.com/sirupsen/logrus"
)

// PersistOp names a committed store mutation for the persistence sink.
type PersistOp string

const (
	PersistPush    PersistOp = "push"
	PersistReplace PersistOp = "replace"
	PersistRemove  PersistOp = "remove"
)

// PersistenceSink receives every committed mutation, fire-and-forget. It
// must never block the mutation itself.
type PersistenceSink interface {
	Persist(op PersistOp, roomID string, rec *models.MessageRecord)
}

// OrderedMessageStore holds one room's message records in strict total
// order by (order_value, send_timestamp), stable for ties. The store is
// exclusively owned by its room; the mutex only guards against accessor
// snapshots taken off the room's logical thread.
type OrderedMessageStore struct {
	mu       sync.RWMutex
	roomID   string
	records  []*models.MessageRecord
	byID     map[string]*models.MessageRecord
	byOrder  map[int64]*models.MessageRecord
	pageSize int

	// pinnedLatest is true while the room view sits at the newest message;
	// only then is proactive eviction allowed.
	pinnedLatest bool

	sink      PersistenceSink
	listeners []func(Change)
	logger    *logrus.Entry
}

// Option configures a store at construction time.
type Option func(*OrderedMessageStore)

// WithPersistenceSink attaches the sink invoked after each committed
// mutation.
func WithPersistenceSink(sink PersistenceSink) Option {
	return func(s *OrderedMessageStore) { s.sink = sink }
}

// WithPageSize overrides the history page size used for eviction sizing.
func WithPageSize(n int) Option {
	return func(s *OrderedMessageStore) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// New creates an empty store for the given room.
func New(roomID string, logger *logrus.Logger, opts ...Option) *OrderedMessageStore {
	if logger == nil {
		logger = logrus.New()
	}
	s := &OrderedMessageStore{
		roomID:   roomID,
		byID:     make(map[string]*models.MessageRecord),
		byOrder:  make(map[int64]*models.MessageRecord),
		pageSize: constants.DefaultHistoryPageSize,
		logger:   logger.WithField("room_id", roomID),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers a change listener. Listeners run synchronously on the
// mutating call, after the mutation has committed.
func (s *OrderedMessageStore) Subscribe(fn func(Change)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// RoomID returns the owning room id.
func (s *OrderedMessageStore) RoomID() string { return s.roomID }

// Len returns the number of records held in memory.
func (s *OrderedMessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// insertionIndex returns where rec belongs to keep the slice sorted by
// (order_value, send_timestamp) with stable insertion for ties.
func (s *OrderedMessageStore) insertionIndex(rec *models.MessageRecord) int {
	return sort.Search(len(s.records), func(i int) bool {
		return rec.OrderBefore(s.records[i])
	})
}

// Push inserts a new record and returns its index in the total order.
// A duplicate message id is an error; use Replace to supersede.
func (s *OrderedMessageStore) Push(rec *models.MessageRecord) (int, error) {
	if rec == nil || rec.MessageID == "" {
		return -1, errors.New(errors.ErrCodeInvalidInput, "push requires a record with a message id")
	}

	s.mu.Lock()
	if _, ok := s.byID[rec.MessageID]; ok {
		s.mu.Unlock()
		return -1, errors.New(errors.ErrCodeDuplicateMessage, "message already stored").
			WithContext("message_id", rec.MessageID)
	}

	idx := s.insertionIndex(rec)
	s.records = append(s.records, nil)
	copy(s.records[idx+1:], s.records[idx:])
	s.records[idx] = rec
	s.byID[rec.MessageID] = rec
	if rec.OrderValue != 0 {
		s.byOrder[rec.OrderValue] = rec
	}
	change := Change{
		Kind:       ChangeInsert,
		RoomID:     s.roomID,
		MessageID:  rec.MessageID,
		OrderValue: rec.OrderValue,
		Record:     rec.Clone(),
		Index:      idx,
		Length:     len(s.records),
	}
	s.mu.Unlock()

	metrics.IncrementCounter("store_push_total", map[string]string{"room": s.roomID}, "Records pushed into the ordered store")
	s.persist(PersistPush, rec)
	s.notify(change)
	return idx, nil
}

// Replace atomically supersedes the record stored under messageID with rec.
// The new record may carry a different message id (pending id promotion) or
// a different order value; position consistency is restored either way.
func (s *OrderedMessageStore) Replace(messageID string, rec *models.MessageRecord) error {
	if rec == nil || rec.MessageID == "" {
		return errors.New(errors.ErrCodeInvalidInput, "replace requires a record with a message id")
	}

	s.mu.Lock()
	old, ok := s.byID[messageID]
	if !ok {
		s.mu.Unlock()
		return errors.NewNotFoundError("message", messageID)
	}

	oldIdx := s.indexOf(old)
	s.records = append(s.records[:oldIdx], s.records[oldIdx+1:]...)
	delete(s.byID, messageID)
	if old.OrderValue != 0 {
		delete(s.byOrder, old.OrderValue)
	}

	idx := s.insertionIndex(rec)
	s.records = append(s.records, nil)
	copy(s.records[idx+1:], s.records[idx:])
	s.records[idx] = rec
	s.byID[rec.MessageID] = rec
	if rec.OrderValue != 0 {
		s.byOrder[rec.OrderValue] = rec
	}
	change := Change{
		Kind:       ChangeReplace,
		RoomID:     s.roomID,
		MessageID:  rec.MessageID,
		PreviousID: messageID,
		OrderValue: rec.OrderValue,
		Record:     rec.Clone(),
		Previous:   old.Clone(),
		Index:      idx,
		Length:     len(s.records),
	}
	s.mu.Unlock()

	metrics.IncrementCounter("store_replace_total", map[string]string{"room": s.roomID}, "Records replaced in the ordered store")
	if old.MessageID != rec.MessageID {
		// Pending id promotion: clear the row stored under the old key.
		s.persist(PersistRemove, old)
	}
	s.persist(PersistReplace, rec)
	s.notify(change)
	return nil
}

// RemoveByKey removes the record stored under messageID. Removal is
// idempotent: a missing id returns false, never an error, because removal
// can race reconciliation of the same event.
func (s *OrderedMessageStore) RemoveByKey(messageID string) bool {
	s.mu.Lock()
	rec, ok := s.byID[messageID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	idx := s.indexOf(rec)
	s.records = append(s.records[:idx], s.records[idx+1:]...)
	delete(s.byID, messageID)
	if rec.OrderValue != 0 {
		delete(s.byOrder, rec.OrderValue)
	}
	change := Change{
		Kind:       ChangeRemove,
		RoomID:     s.roomID,
		MessageID:  messageID,
		OrderValue: rec.OrderValue,
		Previous:   rec.Clone(),
		Index:      idx,
		Length:     len(s.records),
	}
	s.mu.Unlock()

	metrics.IncrementCounter("store_remove_total", map[string]string{"room": s.roomID}, "Records removed from the ordered store")
	s.persist(PersistRemove, rec)
	s.notify(change)
	return true
}

// GetByMessageID returns the record stored under id.
func (s *OrderedMessageStore) GetByMessageID(id string) (*models.MessageRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	return rec, ok
}

// GetByOrderValue returns the record carrying the given order value.
func (s *OrderedMessageStore) GetByOrderValue(v int64) (*models.MessageRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byOrder[v]
	return rec, ok
}

// Records returns a snapshot of all records in total order.
func (s *OrderedMessageStore) Records() []*models.MessageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.MessageRecord, len(s.records))
	copy(out, s.records)
	return out
}

// First returns the oldest n records in total order.
func (s *OrderedMessageStore) First(n int) []*models.MessageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n > len(s.records) {
		n = len(s.records)
	}
	out := make([]*models.MessageRecord, n)
	copy(out, s.records[:n])
	return out
}

// Last returns the newest n records in total order.
func (s *OrderedMessageStore) Last(n int) []*models.MessageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n > len(s.records) {
		n = len(s.records)
	}
	out := make([]*models.MessageRecord, n)
	copy(out, s.records[len(s.records)-n:])
	return out
}

// LatestRenderable returns the newest record that may be shown as content.
// Deleted and revoked records stay in the log for audit but are skipped.
func (s *OrderedMessageStore) LatestRenderable() (*models.MessageRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].Renderable() {
			return s.records[i], true
		}
	}
	return nil, false
}

// SetPinnedLatest records whether the room view is at the newest message.
// Eviction only runs while pinned.
func (s *OrderedMessageStore) SetPinnedLatest(pinned bool) {
	s.mu.Lock()
	s.pinnedLatest = pinned
	s.mu.Unlock()
}

// MaybeEvict detaches older records once the store grows past twice the
// history page size, provided the room is pinned to the newest message.
// Evicted records are not removed from the persisted log. The check is
// re-triggerable: the store never assumes it holds all history.
func (s *OrderedMessageStore) MaybeEvict() int {
	s.mu.Lock()
	limit := constants.EvictionPageFactor * s.pageSize
	if !s.pinnedLatest || len(s.records) <= limit {
		s.mu.Unlock()
		return 0
	}
	n := len(s.records) - limit
	evicted := make([]*models.MessageRecord, n)
	copy(evicted, s.records[:n])
	s.records = append([]*models.MessageRecord(nil), s.records[n:]...)
	for _, rec := range evicted {
		delete(s.byID, rec.MessageID)
		if rec.OrderValue != 0 {
			delete(s.byOrder, rec.OrderValue)
		}
	}
	length := len(s.records)
	s.mu.Unlock()

	for _, rec := range evicted {
		s.notify(Change{
			Kind:       ChangeEvict,
			RoomID:     s.roomID,
			MessageID:  rec.MessageID,
			OrderValue: rec.OrderValue,
			Previous:   rec.Clone(),
			Length:     length,
		})
	}
	s.logger.WithFields(logrus.Fields{"evicted": n, "remaining": length}).Debug("Evicted older records from in-memory store")
	metrics.AddToCounter("store_evicted_total", float64(n), map[string]string{"room": s.roomID}, "Records evicted from the in-memory store")
	return n
}

// TruncateBefore removes every record whose order value is strictly below
// anchor. It returns the removed count. Used when an authoritative
// truncation event invalidates the prefix. Unconfirmed records carry no
// order value, compare as +infinity and are never truncated.
func (s *OrderedMessageStore) TruncateBefore(anchor int64) int {
	s.mu.Lock()
	cut := sort.Search(len(s.records), func(i int) bool {
		return s.records[i].OrderValue == 0 || s.records[i].OrderValue >= anchor
	})
	if cut == 0 {
		s.mu.Unlock()
		return 0
	}
	removed := make([]*models.MessageRecord, cut)
	copy(removed, s.records[:cut])
	s.records = append([]*models.MessageRecord(nil), s.records[cut:]...)
	for _, rec := range removed {
		delete(s.byID, rec.MessageID)
		if rec.OrderValue != 0 {
			delete(s.byOrder, rec.OrderValue)
		}
	}
	length := len(s.records)
	s.mu.Unlock()

	for _, rec := range removed {
		s.persist(PersistRemove, rec)
	}
	s.notify(Change{
		Kind:       ChangeTruncate,
		RoomID:     s.roomID,
		OrderValue: anchor,
		Removed:    cut,
		Length:     length,
	})
	metrics.AddToCounter("store_truncated_total", float64(cut), map[string]string{"room": s.roomID}, "Records cleared by truncation")
	return cut
}

// indexOf locates rec in the sorted slice. Binary search narrows to the
// equal-order run, then a linear scan finds the exact pointer among ties.
func (s *OrderedMessageStore) indexOf(rec *models.MessageRecord) int {
	i := sort.Search(len(s.records), func(i int) bool {
		return !s.records[i].OrderBefore(rec)
	})
	for ; i < len(s.records); i++ {
		if s.records[i] == rec {
			return i
		}
	}
	return -1
}

func (s *OrderedMessageStore) persist(op PersistOp, rec *models.MessageRecord) {
	if s.sink == nil {
		return
	}
	s.sink.Persist(op, s.roomID, rec.Clone())
}

func (s *OrderedMessageStore) notify(change Change) {
	s.mu.RLock()
	listeners := make([]func(Change), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(change)
	}
}
