package reconcile

import (
	"context"
	"sync"
	"time"

	"chatcore/internal/errors"
	"chatcore/internal/features"
	"chatcore/internal/history"
	"chatcore/internal/metrics"
	"chatcore/internal/models"
	"chatcore/internal/store"

	"github.com/sirupsen/logrus"
)

// Decryptor is the opaque decryption capability.
type Decryptor interface {
	Decrypt(ctx context.Context, ciphertext []byte, senderID, keyID string) (*models.DecryptedPayload, error)
}

// KeyRing exposes key availability and asynchronous loading. Loading must
// never block event processing; the reconciler defers affected messages and
// retries them from OnKeysLoaded.
type KeyRing interface {
	HasKey(keyID string) bool
	RequestKeys(ctx context.Context, keyIDs []string)
}

// Events receives the reconciler's outbound notifications.
type Events interface {
	OnNewMessageReceived(rec *models.MessageRecord)
	OnMessagesBuffAppend(rec *models.MessageRecord)
	OnHistoryFinished()
	OnDecryptFailure(messageID string, err error)
	OnOrderViolation(messageID string, err error)
}

// NopEvents discards all notifications.
type NopEvents struct{}

func (NopEvents) OnNewMessageReceived(*models.MessageRecord) {}
func (NopEvents) OnMessagesBuffAppend(*models.MessageRecord) {}
func (NopEvents) OnHistoryFinished()                         {}
func (NopEvents) OnDecryptFailure(string, error)             {}
func (NopEvents) OnOrderViolation(string, error)             {}

// Reconciler applies inbound lifecycle events to a room's ordered store.
// All mutations happen on the room's logical thread; asynchronous
// completions (key loads, history decryption) re-validate that their target
// still exists and still matters before applying, because intervening
// events may have invalidated them.
type Reconciler struct {
	mu sync.Mutex

	roomID  string
	rctx    models.RoomContext
	store   *store.OrderedMessageStore
	history *history.Coordinator
	dec     Decryptor
	keys    KeyRing
	// sink is the direct persistence fallback for edits whose target never
	// materialized in memory.
	sink     store.PersistenceSink
	events   Events
	asserter *errors.Asserter
	logger   *logrus.Entry
	errlog   *errors.Logger

	// orderByIdentity is the room-local causal order map used for tamper
	// detection: identity marker -> order value at which it was recorded.
	orderByIdentity map[string]int64
	// lastKeyID tracks cryptographic key-id continuity; cleared on
	// truncation.
	lastKeyID string

	// historyBuff holds records fetched as backward history until the
	// batch is reconciled into the main store.
	historyBuff []*models.MessageRecord

	// deferredEdits holds Edited events whose target was absent; each is
	// retried exactly once after history decryption settles.
	deferredEdits []models.LifecycleEvent
	editRetried   map[string]bool

	// pendingKeyEvents maps a key id to events deferred on its material.
	pendingKeyEvents map[string][]models.LifecycleEvent

	// historyKeysWanted is non-empty while a delivered history batch waits
	// for key material before it can be decrypted and merged.
	historyKeysWanted map[string]bool
}

// Config bundles the reconciler's collaborators.
type Config struct {
	RoomID      string
	RoomContext models.RoomContext
	Store       *store.OrderedMessageStore
	History     *history.Coordinator
	Decryptor   Decryptor
	Keys        KeyRing
	Sink        store.PersistenceSink
	Events      Events
	Asserter    *errors.Asserter
	Logger      *logrus.Logger
}

// New creates a reconciler for one room.
func New(cfg Config) *Reconciler {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
	}
	events := cfg.Events
	if events == nil {
		events = NopEvents{}
	}
	asserter := cfg.Asserter
	if asserter == nil {
		asserter = errors.NewAsserter(errors.AssertLog, errors.FromLogrus(logger))
	}
	return &Reconciler{
		roomID:            cfg.RoomID,
		rctx:              cfg.RoomContext,
		store:             cfg.Store,
		history:           cfg.History,
		dec:               cfg.Decryptor,
		keys:              cfg.Keys,
		sink:              cfg.Sink,
		events:            events,
		asserter:          asserter,
		logger:            logger.WithField("room_id", cfg.RoomID),
		errlog:            errors.FromLogrus(logger),
		orderByIdentity:   make(map[string]int64),
		editRetried:       make(map[string]bool),
		pendingKeyEvents:  make(map[string][]models.LifecycleEvent),
		historyKeysWanted: make(map[string]bool),
	}
}

// Apply dispatches one inbound lifecycle event. The union is closed; an
// unknown kind is a programming error routed through the assertion policy.
func (r *Reconciler) Apply(ctx context.Context, ev models.LifecycleEvent) error {
	start := time.Now()
	defer func() {
		metrics.RecordTimer("reconcile_apply_ms", time.Since(start),
			map[string]string{"kind": ev.Kind.String()}, "Lifecycle event application time")
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	switch ev.Kind {
	case models.EventStored:
		return r.applyStored(ctx, ev)
	case models.EventConfirmed:
		return r.applyConfirmed(ctx, ev)
	case models.EventDiscarded:
		return r.applyDiscarded(ctx, ev)
	case models.EventExpired:
		return r.applyExpired(ctx, ev)
	case models.EventRestoredExpired:
		return r.applyRestoredExpired(ctx, ev)
	case models.EventEdited:
		return r.applyEdited(ctx, ev)
	case models.EventTruncated:
		return r.applyTruncated(ctx, ev)
	default:
		return r.asserter.Failf(errors.ErrCodeInvalidInput, "unhandled lifecycle event kind %s", ev.Kind)
	}
}

func recordFromEvent(ev models.LifecycleEvent) *models.MessageRecord {
	id := ev.MessageID
	if id == "" {
		id = ev.InternalID
	}
	return &models.MessageRecord{
		MessageID:     id,
		SenderID:      ev.SenderID,
		KeyID:         ev.KeyID,
		Payload:       append([]byte(nil), ev.Payload...),
		SendTimestamp: ev.Timestamp,
		OrderValue:    ev.OrderValue,
	}
}

// applyStored handles a message seen for the first time, either newly
// arrived or replayed from a history page.
func (r *Reconciler) applyStored(ctx context.Context, ev models.LifecycleEvent) error {
	rec := recordFromEvent(ev)
	if _, known := r.store.GetByMessageID(rec.MessageID); known {
		r.logger.WithField("message_id", rec.MessageID).Debug("Duplicate store event ignored")
		return nil
	}
	// A self-authored event carrying only an internal id is a pending send
	// awaiting confirmation; it stays NotSent until the backend assigns its
	// message id and order value.
	rec.Sent = r.rctx.IsSelf(rec.SenderID) && ev.MessageID != "" && ev.OrderValue != 0

	fromHistory := ev.FromHistory
	if r.history != nil {
		fromHistory = r.history.OnEntry(ev.FromHistory)
	}

	if fromHistory {
		// History entries settle as a batch: buffered now, decrypted and
		// merged when the page completes.
		r.historyBuff = append(r.historyBuff, rec)
		r.events.OnMessagesBuffAppend(rec.Clone())
		return nil
	}

	r.decryptInto(ctx, rec, ev)
	if _, err := r.store.Push(rec); err != nil {
		return err
	}
	r.noteIdentity(rec)
	r.lastKeyID = ev.KeyID

	if !r.rctx.IsSelf(rec.SenderID) {
		r.events.OnNewMessageReceived(rec.Clone())
	}
	if features.IsEnabled(features.FlagProactiveEviction) {
		r.store.MaybeEvict()
	}
	return nil
}

// decryptInto attempts inline decryption of rec. Missing key material
// defers the record onto the key's pending list; failure is per-message
// recoverable and leaves the record unrenderable.
func (r *Reconciler) decryptInto(ctx context.Context, rec *models.MessageRecord, ev models.LifecycleEvent) {
	if len(rec.Payload) == 0 || r.dec == nil {
		return
	}
	if r.keys != nil && rec.KeyID != "" && !r.keys.HasKey(rec.KeyID) {
		r.pendingKeyEvents[rec.KeyID] = append(r.pendingKeyEvents[rec.KeyID], ev)
		r.keys.RequestKeys(ctx, []string{rec.KeyID})
		return
	}
	payload, err := r.dec.Decrypt(ctx, rec.Payload, rec.SenderID, rec.KeyID)
	if err != nil {
		metrics.IncrementCounter("reconcile_decrypt_failures_total", map[string]string{"room": r.roomID}, "Per-message decryption failures")
		r.errlog.LogWarn(err, "Message decryption failed", logrus.Fields{"message_id": rec.MessageID})
		r.events.OnDecryptFailure(rec.MessageID, err)
		return
	}
	applyPayload(rec, payload)
}

func applyPayload(rec *models.MessageRecord, payload *models.DecryptedPayload) {
	text := payload.Text
	rec.TextContents = &text
	rec.References = payload.References
	rec.Identity = payload.Identity
	if payload.Kind == models.PayloadTruncate {
		rec.DialogType = models.DialogTruncate
	}
}

// applyConfirmed promotes a pending local record to its confirmed identity,
// adopting the authoritative order value while preserving any text already
// decrypted.
func (r *Reconciler) applyConfirmed(ctx context.Context, ev models.LifecycleEvent) error {
	old, ok := r.store.GetByMessageID(ev.InternalID)
	if !ok || old.Sent {
		// Duplicate confirmation, or the pending record was already
		// discarded; nothing to do.
		r.logger.WithField("internal_id", ev.InternalID).Debug("Confirmation without matching pending record")
		return nil
	}

	confirmed := old.Clone()
	confirmed.MessageID = ev.MessageID
	confirmed.OrderValue = ev.OrderValue
	if ev.Timestamp != 0 {
		confirmed.SendTimestamp = ev.Timestamp
	}
	confirmed.Sent = true
	confirmed.Expired = false
	confirmed.RequiresManualRetry = false

	if err := r.store.Replace(ev.InternalID, confirmed); err != nil {
		return err
	}
	r.noteIdentity(confirmed)
	metrics.IncrementCounter("reconcile_confirmed_total", map[string]string{"room": r.roomID}, "Pending records confirmed")
	return nil
}

// applyDiscarded drops a pending record; duplicate confirmation is avoided
// by the remove being idempotent.
func (r *Reconciler) applyDiscarded(ctx context.Context, ev models.LifecycleEvent) error {
	if removed := r.store.RemoveByKey(ev.InternalID); removed {
		r.logger.WithField("internal_id", ev.InternalID).Debug("Pending record discarded")
	}
	return nil
}

// applyExpired marks a pending send as expired and requiring manual retry.
// When the event carries a changed id the record moves under the new one.
func (r *Reconciler) applyExpired(ctx context.Context, ev models.LifecycleEvent) error {
	old, ok := r.store.GetByMessageID(ev.InternalID)
	if !ok {
		return nil
	}

	expired := old.Clone()
	expired.Expired = true
	expired.RequiresManualRetry = true
	if ev.MessageID != "" && ev.MessageID != old.MessageID {
		expired.MessageID = ev.MessageID
	}
	if err := r.store.Replace(ev.InternalID, expired); err != nil {
		return err
	}
	metrics.IncrementCounter("reconcile_expired_total", map[string]string{"room": r.roomID}, "Pending sends that expired")
	return nil
}

// applyRestoredExpired clears any stale record under the old id and inserts
// a fresh outgoing record flagged for manual retry.
func (r *Reconciler) applyRestoredExpired(ctx context.Context, ev models.LifecycleEvent) error {
	r.store.RemoveByKey(ev.InternalID)

	rec := recordFromEvent(ev)
	rec.Sent = false
	rec.Expired = true
	rec.RequiresManualRetry = true
	r.decryptInto(ctx, rec, ev)

	_, err := r.store.Push(rec)
	return err
}

// applyEdited replaces a stored record's contents. An absent target defers
// the edit until history decryption settles; a second miss falls back to a
// best-effort write against the persisted store.
func (r *Reconciler) applyEdited(ctx context.Context, ev models.LifecycleEvent) error {
	target, ok := r.store.GetByMessageID(ev.MessageID)
	if !ok {
		return r.deferOrPersistEdit(ev)
	}
	return r.applyEditTo(ctx, target, ev)
}

func (r *Reconciler) applyEditTo(ctx context.Context, target *models.MessageRecord, ev models.LifecycleEvent) error {
	if r.keys != nil && ev.KeyID != "" && !r.keys.HasKey(ev.KeyID) {
		r.pendingKeyEvents[ev.KeyID] = append(r.pendingKeyEvents[ev.KeyID], ev)
		r.keys.RequestKeys(ctx, []string{ev.KeyID})
		return nil
	}

	payload, err := r.dec.Decrypt(ctx, ev.Payload, ev.SenderID, ev.KeyID)
	if err != nil {
		// An edit that cannot be decrypted leaves the record in an unknown
		// state; remove it and surface a per-message error.
		r.store.RemoveByKey(target.MessageID)
		r.events.OnDecryptFailure(target.MessageID, err)
		metrics.IncrementCounter("reconcile_decrypt_failures_total", map[string]string{"room": r.roomID}, "Per-message decryption failures")
		return err
	}

	if payload.Kind == models.PayloadTruncate {
		return r.truncateAt(target.OrderValue, target.SendTimestamp)
	}

	if err := r.verifyMessageOrder(target, payload); err != nil {
		if features.IsEnabled(features.FlagTamperReject) {
			return err
		}
		// Documented behavior: log only, delivery proceeds.
	}

	edited := target.Clone()
	edited.Payload = append([]byte(nil), ev.Payload...)
	edited.KeyID = ev.KeyID
	applyPayload(edited, payload)
	// Original send timestamp is preserved unless the event carries one.
	if ev.Timestamp != 0 {
		edited.SendTimestamp = ev.Timestamp
	}
	if ev.Updated != 0 {
		updated := ev.Updated
		edited.EditedAt = &updated
	}

	if err := r.store.Replace(target.MessageID, edited); err != nil {
		return err
	}
	r.noteIdentity(edited)
	metrics.IncrementCounter("reconcile_edited_total", map[string]string{"room": r.roomID}, "Records edited")
	return nil
}

// deferOrPersistEdit queues an edit for one retry after history decryption;
// a target still absent after that retry is written through to the
// persisted store so the edit is not dropped.
func (r *Reconciler) deferOrPersistEdit(ev models.LifecycleEvent) error {
	if !r.editRetried[ev.MessageID] {
		r.editRetried[ev.MessageID] = true
		r.deferredEdits = append(r.deferredEdits, ev)
		r.logger.WithField("message_id", ev.MessageID).Debug("Edit deferred until history decryption settles")
		return nil
	}
	if r.sink != nil {
		r.sink.Persist(store.PersistReplace, r.roomID, recordFromEvent(ev))
		r.logger.WithField("message_id", ev.MessageID).Info("Edit target absent after retry; persisted directly")
	}
	return nil
}

// applyTruncated handles an authoritative truncation: it decodes like an
// edit carrying a truncation marker and clears the prefix before its
// anchor.
func (r *Reconciler) applyTruncated(ctx context.Context, ev models.LifecycleEvent) error {
	anchorOrder := ev.OrderValue
	anchorTS := ev.Timestamp
	if target, ok := r.store.GetByMessageID(ev.MessageID); ok {
		anchorOrder = target.OrderValue
		anchorTS = target.SendTimestamp
	}
	if anchorOrder == 0 {
		return r.asserter.Failf(errors.ErrCodeInvalidInput, "truncation event without an anchor order value")
	}
	return r.truncateAt(anchorOrder, anchorTS)
}

// truncateAt clears every record ordered strictly before anchor, purges
// same-timestamp-or-older entries from the history buffer, and resets the
// room's key-id continuity.
func (r *Reconciler) truncateAt(anchor int64, anchorTS int64) error {
	removed := r.store.TruncateBefore(anchor)

	kept := r.historyBuff[:0]
	for _, rec := range r.historyBuff {
		if rec.SendTimestamp > anchorTS {
			kept = append(kept, rec)
		}
	}
	r.historyBuff = kept

	for identity, order := range r.orderByIdentity {
		if order < anchor {
			delete(r.orderByIdentity, identity)
		}
	}
	r.lastKeyID = ""

	r.logger.WithFields(logrus.Fields{"anchor": anchor, "removed": removed}).Info("Room truncated")
	return nil
}

// noteIdentity records a message's causal identity marker for later order
// verification.
func (r *Reconciler) noteIdentity(rec *models.MessageRecord) {
	if rec.Identity != "" && rec.OrderValue != 0 {
		r.orderByIdentity[rec.Identity] = rec.OrderValue
	}
}

// verifyMessageOrder checks a message's declared references against the
// room-local order map. A reference recorded at or after the message's own
// order value indicates possible reordering or injection. The mismatch is a
// consistency warning surfaced as a trust signal; it does not block
// delivery.
func (r *Reconciler) verifyMessageOrder(target *models.MessageRecord, payload *models.DecryptedPayload) error {
	if target.OrderValue == 0 {
		return nil
	}
	for _, ref := range payload.References {
		refOrder, known := r.orderByIdentity[ref]
		if !known {
			continue
		}
		if refOrder >= target.OrderValue {
			err := errors.NewOrderViolationWarning(target.MessageID, ref).
				WithContext("ref_order", refOrder).
				WithContext("order_value", target.OrderValue)
			r.errlog.LogWarn(err, "Message order verification failed")
			metrics.IncrementCounter("reconcile_order_violations_total", map[string]string{"room": r.roomID}, "Causal-order verification failures")
			r.events.OnOrderViolation(target.MessageID, err)
			return err
		}
	}
	return nil
}
