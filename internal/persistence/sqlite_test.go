package persistence

import (
	"context"
	"path/filepath"
	"testing"

	"chatcore/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "chatcore.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func sampleRecord(id string, order int64) *models.MessageRecord {
	text := "message " + id
	return &models.MessageRecord{
		MessageID:     id,
		SenderID:      "peer",
		KeyID:         "k-1",
		Payload:       []byte{0xde, 0xad},
		TextContents:  &text,
		SendTimestamp: order,
		OrderValue:    order,
		Sent:          true,
		References:    []string{"id-1"},
		Identity:      "id-" + id,
	}
}

func TestDatabase_SaveAndLoadRoom(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.SaveMessage(ctx, "r-1", sampleRecord("m-2", 20)))
	require.NoError(t, db.SaveMessage(ctx, "r-1", sampleRecord("m-1", 10)))
	require.NoError(t, db.SaveMessage(ctx, "r-2", sampleRecord("m-3", 30)))

	records, err := db.LoadRoom(ctx, "r-1", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	// Ascending order regardless of insertion sequence.
	assert.Equal(t, "m-1", records[0].MessageID)
	assert.Equal(t, "m-2", records[1].MessageID)

	got := records[0]
	assert.Equal(t, "peer", got.SenderID)
	assert.Equal(t, "k-1", got.KeyID)
	assert.Equal(t, []byte{0xde, 0xad}, got.Payload)
	require.NotNil(t, got.TextContents)
	assert.Equal(t, "message m-1", *got.TextContents)
	assert.Equal(t, []string{"id-1"}, got.References)
	assert.True(t, got.Sent)
}

func TestDatabase_SaveMessageUpserts(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	rec := sampleRecord("m-1", 10)
	require.NoError(t, db.SaveMessage(ctx, "r-1", rec))

	edited := "edited text"
	rec.TextContents = &edited
	editedAt := int64(99)
	rec.EditedAt = &editedAt
	require.NoError(t, db.SaveMessage(ctx, "r-1", rec))

	records, err := db.LoadRoom(ctx, "r-1", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "edited text", *records[0].TextContents)
	require.NotNil(t, records[0].EditedAt)
	assert.Equal(t, int64(99), *records[0].EditedAt)
}

func TestDatabase_LoadRoomLimitKeepsNewest(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		require.NoError(t, db.SaveMessage(ctx, "r-1", sampleRecord(
			[]string{"m-1", "m-2", "m-3", "m-4", "m-5"}[i-1], int64(i*10))))
	}

	records, err := db.LoadRoom(ctx, "r-1", 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "m-4", records[0].MessageID)
	assert.Equal(t, "m-5", records[1].MessageID)
}

func TestDatabase_DeleteMessage(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.SaveMessage(ctx, "r-1", sampleRecord("m-1", 10)))
	require.NoError(t, db.DeleteMessage(ctx, "r-1", "m-1"))
	// Deleting an absent row is not an error.
	require.NoError(t, db.DeleteMessage(ctx, "r-1", "m-1"))

	records, err := db.LoadRoom(ctx, "r-1", 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestDatabase_RenameMessage(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	pending := sampleRecord("pending:7", 0)
	require.NoError(t, db.SaveMessage(ctx, "r-1", pending))
	require.NoError(t, db.RenameMessage(ctx, "r-1", "pending:7", "m-7"))

	records, err := db.LoadRoom(ctx, "r-1", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "m-7", records[0].MessageID)
}

func TestDatabase_TruncateRoom(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for i, id := range []string{"m-1", "m-2", "m-3"} {
		require.NoError(t, db.SaveMessage(ctx, "r-1", sampleRecord(id, int64((i+1)*10))))
	}

	removed, err := db.TruncateRoom(ctx, "r-1", 20)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	records, err := db.LoadRoom(ctx, "r-1", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	// The anchor row survives.
	assert.Equal(t, int64(20), records[0].OrderValue)
}

func TestDatabase_RoomState(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	// Unknown rooms read as zero watermarks.
	seen, delivered, err := db.RoomState(ctx, "r-1")
	require.NoError(t, err)
	assert.Zero(t, seen)
	assert.Zero(t, delivered)

	require.NoError(t, db.SaveRoomState(ctx, "r-1", 42, 40))
	require.NoError(t, db.SaveRoomState(ctx, "r-1", 50, 45))

	seen, delivered, err = db.RoomState(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), seen)
	assert.Equal(t, int64(45), delivered)
}

func TestDatabase_EncryptionAtRest(t *testing.T) {
	t.Setenv("CHATCORE_ENABLE_ENCRYPTION", "true")
	t.Setenv("CHATCORE_ENCRYPTION_SECRET", "0123456789abcdef0123456789abcdef")

	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.SaveMessage(ctx, "r-1", sampleRecord("m-1", 10)))

	records, err := db.LoadRoom(ctx, "r-1", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "m-1", records[0].MessageID)
	assert.Equal(t, "peer", records[0].SenderID)
	assert.Equal(t, "message m-1", *records[0].TextContents)

	// The lookup key stays deterministic, so the encrypted id still
	// addresses the row.
	require.NoError(t, db.DeleteMessage(ctx, "r-1", "m-1"))
	records, err = db.LoadRoom(ctx, "r-1", 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestDatabase_RejectsTraversalPath(t *testing.T) {
	_, err := New("../outside.db")
	assert.Error(t, err)
}
