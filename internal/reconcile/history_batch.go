package reconcile

import (
	"context"

	"chatcore/internal/metrics"
	"chatcore/internal/models"
	"chatcore/internal/store"

	"github.com/sirupsen/logrus"
)

// FinishHistoryBatch settles a delivered history page. If any buffered
// record still waits on key material the batch is parked and the
// coordinator is flagged decrypt-pending; otherwise the batch decrypts and
// merges immediately.
func (r *Reconciler) FinishHistoryBatch(ctx context.Context) {
	r.mu.Lock()

	var wanted []string
	if r.keys != nil {
		seen := map[string]bool{}
		for _, rec := range r.historyBuff {
			if rec.KeyID != "" && !r.keys.HasKey(rec.KeyID) && !seen[rec.KeyID] {
				seen[rec.KeyID] = true
				wanted = append(wanted, rec.KeyID)
			}
		}
	}

	if len(wanted) > 0 {
		for _, id := range wanted {
			r.historyKeysWanted[id] = true
		}
		if r.history != nil {
			r.history.SetDecryptPending(true)
		}
		r.mu.Unlock()
		r.keys.RequestKeys(ctx, wanted)
		r.logger.WithField("keys", len(wanted)).Debug("History batch parked awaiting key material")
		return
	}

	r.finishHistoryDecryptedLocked(ctx)
	r.mu.Unlock()
}

// finishHistoryDecryptedLocked decrypts the buffered batch, merges it into
// the main store and completes the in-flight retrieval. Callers hold r.mu.
func (r *Reconciler) finishHistoryDecryptedLocked(ctx context.Context) {
	merged := 0
	for _, rec := range r.historyBuff {
		if !rec.Decrypted() && len(rec.Payload) > 0 && r.dec != nil {
			payload, err := r.dec.Decrypt(ctx, rec.Payload, rec.SenderID, rec.KeyID)
			if err != nil {
				// Per-message recoverable: the record stays, rendered as
				// undecryptable.
				r.errlog.LogWarn(err, "History record decryption failed", logrus.Fields{"message_id": rec.MessageID})
				r.events.OnDecryptFailure(rec.MessageID, err)
			} else {
				applyPayload(rec, payload)
			}
		}
		if _, known := r.store.GetByMessageID(rec.MessageID); known {
			continue
		}
		if _, err := r.store.Push(rec); err != nil {
			r.errlog.LogWarn(err, "History record merge failed", logrus.Fields{"message_id": rec.MessageID})
			continue
		}
		r.noteIdentity(rec)
		merged++
	}
	r.historyBuff = nil

	if r.history != nil {
		r.history.OnComplete()
		r.history.SetDecryptPending(false)
	}
	metrics.AddToCounter("reconcile_history_merged_total", float64(merged),
		map[string]string{"room": r.roomID}, "History records merged into the store")
	r.events.OnHistoryFinished()

	r.retryDeferredEditsLocked(ctx)
}

// retryDeferredEditsLocked re-applies edits whose target was absent when
// they arrived. Each gets exactly one retry; still-absent targets fall back
// to the direct persistence write.
func (r *Reconciler) retryDeferredEditsLocked(ctx context.Context) {
	pending := r.deferredEdits
	r.deferredEdits = nil
	for _, ev := range pending {
		target, ok := r.store.GetByMessageID(ev.MessageID)
		if !ok {
			if r.sink != nil {
				r.sink.Persist(store.PersistReplace, r.roomID, recordFromEvent(ev))
				r.logger.WithField("message_id", ev.MessageID).Info("Edit target absent after retry; persisted directly")
			}
			continue
		}
		if err := r.applyEditTo(ctx, target, ev); err != nil {
			r.errlog.LogWarn(err, "Deferred edit failed", logrus.Fields{"message_id": ev.MessageID})
		}
	}
}

// OnKeysLoaded re-drives work deferred on the given keys: individual
// events parked per key, and a parked history batch once every wanted key
// has arrived. Completions re-validate their targets; a record deleted or
// truncated in the interim is skipped, not resurrected.
func (r *Reconciler) OnKeysLoaded(ctx context.Context, keyIDs []string) {
	r.mu.Lock()

	var replay []models.LifecycleEvent
	for _, id := range keyIDs {
		replay = append(replay, r.pendingKeyEvents[id]...)
		delete(r.pendingKeyEvents, id)
		delete(r.historyKeysWanted, id)
	}

	for _, ev := range replay {
		r.replayDeferredLocked(ctx, ev)
	}

	if len(r.historyKeysWanted) == 0 && len(r.historyBuff) > 0 {
		r.finishHistoryDecryptedLocked(ctx)
	}
	r.mu.Unlock()
}

// replayDeferredLocked re-applies an event whose decryption was deferred on
// key material. Preconditions are re-checked: the world may have moved on.
func (r *Reconciler) replayDeferredLocked(ctx context.Context, ev models.LifecycleEvent) {
	switch ev.Kind {
	case models.EventEdited:
		target, ok := r.store.GetByMessageID(ev.MessageID)
		if !ok {
			// Target vanished while keys loaded; the edit no longer
			// applies.
			return
		}
		if err := r.applyEditTo(ctx, target, ev); err != nil {
			r.errlog.LogWarn(err, "Deferred edit failed after key load", logrus.Fields{"message_id": ev.MessageID})
		}
	default:
		id := ev.MessageID
		if id == "" {
			id = ev.InternalID
		}
		rec, ok := r.store.GetByMessageID(id)
		if !ok || rec.Decrypted() {
			return
		}
		payload, err := r.dec.Decrypt(ctx, rec.Payload, rec.SenderID, rec.KeyID)
		if err != nil {
			r.errlog.LogWarn(err, "Deferred decryption failed", logrus.Fields{"message_id": id})
			r.events.OnDecryptFailure(id, err)
			return
		}
		decrypted := rec.Clone()
		applyPayload(decrypted, payload)
		if err := r.store.Replace(id, decrypted); err != nil {
			r.errlog.LogWarn(err, "Deferred decryption replace failed", logrus.Fields{"message_id": id})
			return
		}
		r.noteIdentity(decrypted)
	}
}

// HistoryBufferLen reports how many records await batch reconciliation.
func (r *Reconciler) HistoryBufferLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.historyBuff)
}

// LastKeyID returns the current key-id continuity marker.
func (r *Reconciler) LastKeyID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastKeyID
}
