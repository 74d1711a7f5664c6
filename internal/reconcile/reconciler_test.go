package reconcile

import (
	"context"
	"testing"
	"time"

	"chatcore/internal/errors"
	"chatcore/internal/features"
	"chatcore/internal/history"
	"chatcore/internal/models"
	"chatcore/internal/store"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// fakeDecryptor maps ciphertext to a fixed payload. Unknown ciphertext
// fails authentication.
type fakeDecryptor struct {
	payloads map[string]*models.DecryptedPayload
}

func (d *fakeDecryptor) Decrypt(_ context.Context, ciphertext []byte, _, _ string) (*models.DecryptedPayload, error) {
	p, ok := d.payloads[string(ciphertext)]
	if !ok {
		return nil, errors.NewDecryptError("", "", errors.New(errors.ErrCodeDecryptionFailed, "authentication failed"))
	}
	return p, nil
}

func (d *fakeDecryptor) add(ciphertext, text string) {
	if d.payloads == nil {
		d.payloads = map[string]*models.DecryptedPayload{}
	}
	d.payloads[ciphertext] = &models.DecryptedPayload{Text: text}
}

type fakeKeyRing struct {
	present   map[string]bool
	requested []string
}

func (k *fakeKeyRing) HasKey(keyID string) bool { return k.present[keyID] }

func (k *fakeKeyRing) RequestKeys(_ context.Context, keyIDs []string) {
	k.requested = append(k.requested, keyIDs...)
}

type capturedEvents struct {
	received        []string
	buffered        []string
	historyFinished int
	decryptFailures []string
	orderViolations []string
}

func (e *capturedEvents) OnNewMessageReceived(rec *models.MessageRecord) {
	e.received = append(e.received, rec.MessageID)
}

func (e *capturedEvents) OnMessagesBuffAppend(rec *models.MessageRecord) {
	e.buffered = append(e.buffered, rec.MessageID)
}

func (e *capturedEvents) OnHistoryFinished() { e.historyFinished++ }

func (e *capturedEvents) OnDecryptFailure(messageID string, _ error) {
	e.decryptFailures = append(e.decryptFailures, messageID)
}

func (e *capturedEvents) OnOrderViolation(messageID string, _ error) {
	e.orderViolations = append(e.orderViolations, messageID)
}

type fakeFetcher struct{ counts []int }

func (f *fakeFetcher) RequestHistory(_ context.Context, _ string, count int) error {
	f.counts = append(f.counts, count)
	return nil
}

type recordingSink struct {
	ops []store.PersistOp
	ids []string
}

func (s *recordingSink) Persist(op store.PersistOp, _ string, rec *models.MessageRecord) {
	s.ops = append(s.ops, op)
	s.ids = append(s.ids, rec.MessageID)
}

type fixture struct {
	store   *store.OrderedMessageStore
	coord   *history.Coordinator
	dec     *fakeDecryptor
	keys    *fakeKeyRing
	events  *capturedEvents
	sink    *recordingSink
	fetcher *fakeFetcher
	rec     *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := testLogger()
	f := &fixture{
		store:   store.New("r-1", logger),
		dec:     &fakeDecryptor{},
		keys:    &fakeKeyRing{present: map[string]bool{"k-1": true}},
		events:  &capturedEvents{},
		sink:    &recordingSink{},
		fetcher: &fakeFetcher{},
	}
	f.coord = history.NewCoordinator("r-1", f.fetcher, 32, 16, time.Minute, logger)
	f.rec = New(Config{
		RoomID:      "r-1",
		RoomContext: models.RoomContext{SelfUserID: "me"},
		Store:       f.store,
		History:     f.coord,
		Decryptor:   f.dec,
		Keys:        f.keys,
		Sink:        f.sink,
		Events:      f.events,
		Logger:      logger,
	})
	return f
}

func storedEvent(id, sender string, order int64, ciphertext string) models.LifecycleEvent {
	return models.LifecycleEvent{
		Kind:       models.EventStored,
		RoomID:     "r-1",
		MessageID:  id,
		SenderID:   sender,
		KeyID:      "k-1",
		Payload:    []byte(ciphertext),
		Timestamp:  order,
		OrderValue: order,
	}
}

func TestReconciler_StoredNewMessage(t *testing.T) {
	f := newFixture(t)
	f.dec.add("ct-1", "hello")

	require.NoError(t, f.rec.Apply(context.Background(), storedEvent("m-1", "peer", 10, "ct-1")))

	got, ok := f.store.GetByMessageID("m-1")
	require.True(t, ok)
	require.NotNil(t, got.TextContents)
	assert.Equal(t, "hello", *got.TextContents)
	assert.False(t, got.Sent)
	assert.Equal(t, []string{"m-1"}, f.events.received)
	assert.Equal(t, "k-1", f.rec.LastKeyID())
}

func TestReconciler_StoredSelfEcho(t *testing.T) {
	f := newFixture(t)
	f.dec.add("ct-1", "mine")

	require.NoError(t, f.rec.Apply(context.Background(), storedEvent("m-1", "me", 10, "ct-1")))

	got, ok := f.store.GetByMessageID("m-1")
	require.True(t, ok)
	assert.True(t, got.Sent)
	// Own messages never fire the new-message notification.
	assert.Empty(t, f.events.received)
}

func TestReconciler_StoredDuplicateIgnored(t *testing.T) {
	f := newFixture(t)
	f.dec.add("ct-1", "hello")

	ev := storedEvent("m-1", "peer", 10, "ct-1")
	require.NoError(t, f.rec.Apply(context.Background(), ev))
	require.NoError(t, f.rec.Apply(context.Background(), ev))

	assert.Equal(t, 1, f.store.Len())
	assert.Len(t, f.events.received, 1)
}

func TestReconciler_StoredDecryptFailureKeepsRecord(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.rec.Apply(context.Background(), storedEvent("m-1", "peer", 10, "garbage")))

	got, ok := f.store.GetByMessageID("m-1")
	require.True(t, ok)
	assert.False(t, got.Decrypted())
	assert.Equal(t, []string{"m-1"}, f.events.decryptFailures)
}

func TestReconciler_PendingSendStaysNotSentUntilConfirmed(t *testing.T) {
	f := newFixture(t)

	// The local send path announces the draft with only its internal id:
	// no backend message id, no order value.
	require.NoError(t, f.rec.Apply(context.Background(), models.LifecycleEvent{
		Kind:       models.EventStored,
		RoomID:     "r-1",
		SenderID:   "me",
		InternalID: "pending:7",
		Timestamp:  100,
	}))

	got, ok := f.store.GetByMessageID("pending:7")
	require.True(t, ok)
	assert.False(t, got.Sent)
	assert.Zero(t, got.OrderValue)

	state, err := models.DeriveState(got, models.StateView{SelfUserID: "me"})
	require.NoError(t, err)
	assert.Equal(t, models.StateNotSent, state)

	// The confirmation promotes the draft under its backend identity.
	require.NoError(t, f.rec.Apply(context.Background(), models.LifecycleEvent{
		Kind:       models.EventConfirmed,
		RoomID:     "r-1",
		InternalID: "pending:7",
		MessageID:  "m-7",
		OrderValue: 42,
	}))

	_, ok = f.store.GetByMessageID("pending:7")
	assert.False(t, ok)
	got, ok = f.store.GetByMessageID("m-7")
	require.True(t, ok)
	assert.True(t, got.Sent)
	assert.Equal(t, int64(42), got.OrderValue)

	state, err = models.DeriveState(got, models.StateView{SelfUserID: "me"})
	require.NoError(t, err)
	assert.Equal(t, models.StateSent, state)
}

func TestReconciler_ConfirmedPromotesPending(t *testing.T) {
	f := newFixture(t)

	text := "draft"
	pending := &models.MessageRecord{
		MessageID:     "pending:7",
		SenderID:      "me",
		TextContents:  &text,
		SendTimestamp: 100,
	}
	_, err := f.store.Push(pending)
	require.NoError(t, err)

	require.NoError(t, f.rec.Apply(context.Background(), models.LifecycleEvent{
		Kind:       models.EventConfirmed,
		RoomID:     "r-1",
		InternalID: "pending:7",
		MessageID:  "m-7",
		OrderValue: 42,
		Timestamp:  101,
	}))

	_, ok := f.store.GetByMessageID("pending:7")
	assert.False(t, ok)
	got, ok := f.store.GetByMessageID("m-7")
	require.True(t, ok)
	assert.True(t, got.Sent)
	assert.Equal(t, int64(42), got.OrderValue)
	assert.Equal(t, int64(101), got.SendTimestamp)
	// Text decrypted before confirmation survives the promotion.
	require.NotNil(t, got.TextContents)
	assert.Equal(t, "draft", *got.TextContents)
}

func TestReconciler_ConfirmedWithoutPendingIsNoop(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.rec.Apply(context.Background(), models.LifecycleEvent{
		Kind:       models.EventConfirmed,
		InternalID: "pending:absent",
		MessageID:  "m-1",
	}))
	assert.Equal(t, 0, f.store.Len())
}

func TestReconciler_DiscardedIsIdempotent(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.Push(&models.MessageRecord{MessageID: "pending:3", SenderID: "me"})
	require.NoError(t, err)

	ev := models.LifecycleEvent{Kind: models.EventDiscarded, InternalID: "pending:3"}
	require.NoError(t, f.rec.Apply(context.Background(), ev))
	require.NoError(t, f.rec.Apply(context.Background(), ev))
	assert.Equal(t, 0, f.store.Len())
}

func TestReconciler_ExpiredMarksManualRetry(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.Push(&models.MessageRecord{MessageID: "pending:3", SenderID: "me", SendTimestamp: 5})
	require.NoError(t, err)

	require.NoError(t, f.rec.Apply(context.Background(), models.LifecycleEvent{
		Kind:       models.EventExpired,
		InternalID: "pending:3",
		MessageID:  "m-3",
	}))

	got, ok := f.store.GetByMessageID("m-3")
	require.True(t, ok)
	assert.True(t, got.Expired)
	assert.True(t, got.RequiresManualRetry)
}

func TestReconciler_RestoredExpired(t *testing.T) {
	f := newFixture(t)
	f.dec.add("ct-1", "retry me")

	require.NoError(t, f.rec.Apply(context.Background(), models.LifecycleEvent{
		Kind:       models.EventRestoredExpired,
		InternalID: "pending:9",
		SenderID:   "me",
		KeyID:      "k-1",
		Payload:    []byte("ct-1"),
		Timestamp:  50,
	}))

	got, ok := f.store.GetByMessageID("pending:9")
	require.True(t, ok)
	assert.True(t, got.Expired)
	assert.True(t, got.RequiresManualRetry)
	assert.False(t, got.Sent)
	require.NotNil(t, got.TextContents)
	assert.Equal(t, "retry me", *got.TextContents)
}

func TestReconciler_EditedReplacesContents(t *testing.T) {
	f := newFixture(t)
	f.dec.add("ct-1", "original")
	f.dec.add("ct-2", "edited")

	require.NoError(t, f.rec.Apply(context.Background(), storedEvent("m-1", "peer", 10, "ct-1")))
	require.NoError(t, f.rec.Apply(context.Background(), models.LifecycleEvent{
		Kind:      models.EventEdited,
		MessageID: "m-1",
		SenderID:  "peer",
		KeyID:     "k-1",
		Payload:   []byte("ct-2"),
		Updated:   200,
	}))

	got, ok := f.store.GetByMessageID("m-1")
	require.True(t, ok)
	assert.Equal(t, "edited", *got.TextContents)
	require.NotNil(t, got.EditedAt)
	assert.Equal(t, int64(200), *got.EditedAt)
	// The original send time stands when the edit carries none.
	assert.Equal(t, int64(10), got.SendTimestamp)
}

func TestReconciler_EditedDecryptFailureRemovesRecord(t *testing.T) {
	f := newFixture(t)
	f.dec.add("ct-1", "original")

	require.NoError(t, f.rec.Apply(context.Background(), storedEvent("m-1", "peer", 10, "ct-1")))
	err := f.rec.Apply(context.Background(), models.LifecycleEvent{
		Kind:      models.EventEdited,
		MessageID: "m-1",
		SenderID:  "peer",
		KeyID:     "k-1",
		Payload:   []byte("garbage"),
	})
	require.Error(t, err)

	_, ok := f.store.GetByMessageID("m-1")
	assert.False(t, ok)
	assert.Contains(t, f.events.decryptFailures, "m-1")
}

func TestReconciler_EditedAbsentTargetDefersThenPersists(t *testing.T) {
	f := newFixture(t)

	ev := models.LifecycleEvent{
		Kind:      models.EventEdited,
		MessageID: "m-gone",
		SenderID:  "peer",
		KeyID:     "k-1",
		Payload:   []byte("ct-2"),
	}

	// First miss: deferred, nothing persisted.
	require.NoError(t, f.rec.Apply(context.Background(), ev))
	assert.Empty(t, f.sink.ops)

	// Second miss: written through so the edit is not dropped.
	require.NoError(t, f.rec.Apply(context.Background(), ev))
	require.Len(t, f.sink.ops, 1)
	assert.Equal(t, store.PersistReplace, f.sink.ops[0])
	assert.Equal(t, "m-gone", f.sink.ids[0])
}

func TestReconciler_DeferredEditRetriedAfterHistory(t *testing.T) {
	f := newFixture(t)
	f.dec.add("ct-1", "from history")
	f.dec.add("ct-2", "edited")

	// Edit arrives before its target.
	require.NoError(t, f.rec.Apply(context.Background(), models.LifecycleEvent{
		Kind:      models.EventEdited,
		MessageID: "m-1",
		SenderID:  "peer",
		KeyID:     "k-1",
		Payload:   []byte("ct-2"),
	}))

	// The target arrives on a history page.
	f.coord.RetrieveHistory(context.Background(), true)
	ev := storedEvent("m-1", "peer", 10, "ct-1")
	ev.FromHistory = true
	require.NoError(t, f.rec.Apply(context.Background(), ev))
	assert.Equal(t, 1, f.rec.HistoryBufferLen())

	f.rec.FinishHistoryBatch(context.Background())

	got, ok := f.store.GetByMessageID("m-1")
	require.True(t, ok)
	assert.Equal(t, "edited", *got.TextContents)
	assert.Equal(t, 1, f.events.historyFinished)
	assert.Equal(t, 0, f.rec.HistoryBufferLen())
}

func TestReconciler_TruncatePrefixViaEditPayload(t *testing.T) {
	f := newFixture(t)
	f.dec.add("ct-1", "a")
	f.dec.add("ct-2", "b")
	f.dec.add("ct-3", "c")
	f.dec.payloads["ct-trunc"] = &models.DecryptedPayload{Kind: models.PayloadTruncate}

	require.NoError(t, f.rec.Apply(context.Background(), storedEvent("m-1", "peer", 10, "ct-1")))
	require.NoError(t, f.rec.Apply(context.Background(), storedEvent("m-2", "peer", 20, "ct-2")))
	require.NoError(t, f.rec.Apply(context.Background(), storedEvent("m-3", "peer", 30, "ct-3")))

	require.NoError(t, f.rec.Apply(context.Background(), models.LifecycleEvent{
		Kind:      models.EventEdited,
		MessageID: "m-2",
		SenderID:  "peer",
		KeyID:     "k-1",
		Payload:   []byte("ct-trunc"),
	}))

	assert.Equal(t, 2, f.store.Len())
	_, ok := f.store.GetByMessageID("m-1")
	assert.False(t, ok)
	_, ok = f.store.GetByMessageID("m-2")
	assert.True(t, ok)
	// Truncation resets key-id continuity.
	assert.Equal(t, "", f.rec.LastKeyID())
}

func TestReconciler_TruncatedEvent(t *testing.T) {
	f := newFixture(t)
	f.dec.add("ct-1", "a")
	f.dec.add("ct-2", "b")

	require.NoError(t, f.rec.Apply(context.Background(), storedEvent("m-1", "peer", 10, "ct-1")))
	require.NoError(t, f.rec.Apply(context.Background(), storedEvent("m-2", "peer", 20, "ct-2")))

	require.NoError(t, f.rec.Apply(context.Background(), models.LifecycleEvent{
		Kind:       models.EventTruncated,
		MessageID:  "m-2",
		OrderValue: 20,
		Timestamp:  20,
	}))

	assert.Equal(t, 1, f.store.Len())
	_, ok := f.store.GetByMessageID("m-2")
	assert.True(t, ok)
}

func TestReconciler_HistoryBatchMerge(t *testing.T) {
	f := newFixture(t)
	f.dec.add("ct-1", "old one")
	f.dec.add("ct-2", "old two")

	f.coord.RetrieveHistory(context.Background(), true)
	for i, ct := range []string{"ct-1", "ct-2"} {
		ev := storedEvent([]string{"m-1", "m-2"}[i], "peer", int64((i+1)*10), ct)
		ev.FromHistory = true
		require.NoError(t, f.rec.Apply(context.Background(), ev))
	}

	// Buffered, not yet merged, and never announced as new arrivals.
	assert.Equal(t, 0, f.store.Len())
	assert.Equal(t, []string{"m-1", "m-2"}, f.events.buffered)
	assert.Empty(t, f.events.received)

	f.rec.FinishHistoryBatch(context.Background())

	assert.Equal(t, 2, f.store.Len())
	got, ok := f.store.GetByMessageID("m-1")
	require.True(t, ok)
	assert.Equal(t, "old one", *got.TextContents)
	// A short page settles the retrieval as complete.
	assert.True(t, f.coord.RetrievedAll())
	assert.Equal(t, 1, f.events.historyFinished)
}

func TestReconciler_HistoryBatchParksOnMissingKeys(t *testing.T) {
	f := newFixture(t)
	f.dec.add("ct-1", "sealed")

	f.coord.RetrieveHistory(context.Background(), true)
	ev := storedEvent("m-1", "peer", 10, "ct-1")
	ev.KeyID = "k-missing"
	ev.FromHistory = true
	require.NoError(t, f.rec.Apply(context.Background(), ev))

	f.rec.FinishHistoryBatch(context.Background())

	// Parked: nothing merged, keys requested, coordinator blocked.
	assert.Equal(t, 0, f.store.Len())
	assert.Contains(t, f.keys.requested, "k-missing")
	assert.Equal(t, 1, f.rec.HistoryBufferLen())

	f.keys.present["k-missing"] = true
	f.rec.OnKeysLoaded(context.Background(), []string{"k-missing"})

	assert.Equal(t, 1, f.store.Len())
	got, ok := f.store.GetByMessageID("m-1")
	require.True(t, ok)
	assert.Equal(t, "sealed", *got.TextContents)
}

func TestReconciler_StoredDefersOnMissingKey(t *testing.T) {
	f := newFixture(t)
	f.dec.add("ct-1", "later")

	ev := storedEvent("m-1", "peer", 10, "ct-1")
	ev.KeyID = "k-2"
	require.NoError(t, f.rec.Apply(context.Background(), ev))

	// Stored immediately, undecrypted, with the key requested.
	got, ok := f.store.GetByMessageID("m-1")
	require.True(t, ok)
	assert.False(t, got.Decrypted())
	assert.Equal(t, []string{"k-2"}, f.keys.requested)

	f.keys.present["k-2"] = true
	f.rec.OnKeysLoaded(context.Background(), []string{"k-2"})

	got, ok = f.store.GetByMessageID("m-1")
	require.True(t, ok)
	require.True(t, got.Decrypted())
	assert.Equal(t, "later", *got.TextContents)
}

func TestReconciler_KeyLoadSkipsVanishedTarget(t *testing.T) {
	f := newFixture(t)
	f.dec.add("ct-1", "later")

	ev := storedEvent("m-1", "peer", 10, "ct-1")
	ev.KeyID = "k-2"
	require.NoError(t, f.rec.Apply(context.Background(), ev))

	// The record is removed before the key arrives.
	f.store.RemoveByKey("m-1")
	f.keys.present["k-2"] = true
	f.rec.OnKeysLoaded(context.Background(), []string{"k-2"})

	// Not resurrected.
	assert.Equal(t, 0, f.store.Len())
}

func TestReconciler_OrderViolationWarnsButDelivers(t *testing.T) {
	f := newFixture(t)
	f.dec.payloads = map[string]*models.DecryptedPayload{
		"ct-1": {Text: "first", Identity: "id-1"},
		"ct-2": {Text: "second", Identity: "id-2"},
		"ct-bad": {
			Text:       "claims to follow the future",
			References: []string{"id-2"},
		},
	}

	require.NoError(t, f.rec.Apply(context.Background(), storedEvent("m-1", "peer", 10, "ct-1")))
	require.NoError(t, f.rec.Apply(context.Background(), storedEvent("m-2", "peer", 30, "ct-2")))

	// m-1 is edited to reference id-2, recorded at a later order value.
	require.NoError(t, f.rec.Apply(context.Background(), models.LifecycleEvent{
		Kind:      models.EventEdited,
		MessageID: "m-1",
		SenderID:  "peer",
		KeyID:     "k-1",
		Payload:   []byte("ct-bad"),
	}))

	assert.Equal(t, []string{"m-1"}, f.events.orderViolations)
	// Delivery proceeds: the edit is applied despite the warning.
	got, ok := f.store.GetByMessageID("m-1")
	require.True(t, ok)
	assert.Equal(t, "claims to follow the future", *got.TextContents)
}

func TestReconciler_OrderViolationRejectedWhenFlagged(t *testing.T) {
	features.Initialize()
	features.Set(features.FlagTamperReject, true)
	defer features.Set(features.FlagTamperReject, false)

	f := newFixture(t)
	f.dec.payloads = map[string]*models.DecryptedPayload{
		"ct-1":   {Text: "first", Identity: "id-1"},
		"ct-2":   {Text: "second", Identity: "id-2"},
		"ct-bad": {Text: "rejected", References: []string{"id-2"}},
	}

	require.NoError(t, f.rec.Apply(context.Background(), storedEvent("m-1", "peer", 10, "ct-1")))
	require.NoError(t, f.rec.Apply(context.Background(), storedEvent("m-2", "peer", 30, "ct-2")))

	err := f.rec.Apply(context.Background(), models.LifecycleEvent{
		Kind:      models.EventEdited,
		MessageID: "m-1",
		SenderID:  "peer",
		KeyID:     "k-1",
		Payload:   []byte("ct-bad"),
	})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeOrderViolation))

	got, ok := f.store.GetByMessageID("m-1")
	require.True(t, ok)
	assert.Equal(t, "first", *got.TextContents)
}
