package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"

	"chatcore/internal/models"
	"chatcore/internal/security"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	room_id        TEXT NOT NULL,
	message_id     TEXT NOT NULL,
	sender_id      TEXT NOT NULL,
	key_id         TEXT NOT NULL DEFAULT '',
	payload        BLOB,
	text_contents  TEXT,
	send_timestamp INTEGER NOT NULL,
	order_value    INTEGER NOT NULL,
	edited_at      INTEGER,
	sent           INTEGER NOT NULL DEFAULT 0,
	expired        INTEGER NOT NULL DEFAULT 0,
	manual_retry   INTEGER NOT NULL DEFAULT 0,
	deleted        INTEGER NOT NULL DEFAULT 0,
	revoked        INTEGER NOT NULL DEFAULT 0,
	dialog_type    TEXT NOT NULL DEFAULT '',
	identity       TEXT NOT NULL DEFAULT '',
	refs           TEXT,
	updated_at     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (room_id, message_id)
);

CREATE INDEX IF NOT EXISTS idx_messages_room_order
	ON messages(room_id, order_value, send_timestamp);

CREATE TABLE IF NOT EXISTS room_state (
	room_id              TEXT PRIMARY KEY,
	last_seen_order      INTEGER NOT NULL DEFAULT 0,
	last_delivered_order INTEGER NOT NULL DEFAULT 0,
	updated_at           TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// Database is the durable message archive behind the in-memory stores.
// Sensitive columns are encrypted at rest when the encryption secret is
// configured; message ids use deterministic encryption so they stay usable
// as keys.
type Database struct {
	db        *sql.DB
	encryptor *encryptor
}

// New opens (creating if needed) the archive at dbPath and applies the
// schema.
func New(dbPath string) (*Database, error) {
	if err := security.ValidateStoragePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close database file: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to ping database: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	enc, err := newEncryptor()
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize encryptor: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize encryptor: %w", err)
	}

	return &Database{db: db, encryptor: enc}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// SaveMessage upserts one record. Both push and replace land here; the
// primary key makes the upsert atomic.
func (d *Database) SaveMessage(ctx context.Context, roomID string, rec *models.MessageRecord) error {
	return retryableDBOperation(ctx, func() error {
		return d.execSave(ctx, d.db, roomID, rec)
	}, "save message")
}

func (d *Database) execSave(ctx context.Context, ex execer, roomID string, rec *models.MessageRecord) error {
	msgID, err := d.encryptor.EncryptForLookupIfEnabled(rec.MessageID)
	if err != nil {
		return fmt.Errorf("failed to encrypt message ID: %w", err)
	}
	senderID, err := d.encryptor.EncryptIfEnabled(rec.SenderID)
	if err != nil {
		return fmt.Errorf("failed to encrypt sender ID: %w", err)
	}
	var text *string
	if rec.TextContents != nil {
		encText, err := d.encryptor.EncryptIfEnabled(*rec.TextContents)
		if err != nil {
			return fmt.Errorf("failed to encrypt text: %w", err)
		}
		text = &encText
	}
	var refs *string
	if len(rec.References) > 0 {
		raw, err := json.Marshal(rec.References)
		if err != nil {
			return fmt.Errorf("failed to marshal references: %w", err)
		}
		s := string(raw)
		refs = &s
	}

	query := `
		INSERT INTO messages (
			room_id, message_id, sender_id, key_id, payload, text_contents,
			send_timestamp, order_value, edited_at, sent, expired,
			manual_retry, deleted, revoked, dialog_type, identity, refs,
			updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(room_id, message_id) DO UPDATE SET
			sender_id = excluded.sender_id,
			key_id = excluded.key_id,
			payload = excluded.payload,
			text_contents = excluded.text_contents,
			send_timestamp = excluded.send_timestamp,
			order_value = excluded.order_value,
			edited_at = excluded.edited_at,
			sent = excluded.sent,
			expired = excluded.expired,
			manual_retry = excluded.manual_retry,
			deleted = excluded.deleted,
			revoked = excluded.revoked,
			dialog_type = excluded.dialog_type,
			identity = excluded.identity,
			refs = excluded.refs,
			updated_at = CURRENT_TIMESTAMP
	`
	_, err = ex.ExecContext(ctx, query,
		roomID, msgID, senderID, rec.KeyID, rec.Payload, text,
		rec.SendTimestamp, rec.OrderValue, rec.EditedAt,
		rec.Sent, rec.Expired, rec.RequiresManualRetry,
		rec.Deleted, rec.Revoked, string(rec.DialogType), rec.Identity, refs,
	)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// DeleteMessage removes one record. Missing rows are not an error; removal
// is idempotent all the way down.
func (d *Database) DeleteMessage(ctx context.Context, roomID, messageID string) error {
	msgID, err := d.encryptor.EncryptForLookupIfEnabled(messageID)
	if err != nil {
		return fmt.Errorf("failed to encrypt message ID: %w", err)
	}
	return retryableDBOperation(ctx, func() error {
		_, err := d.db.ExecContext(ctx,
			`DELETE FROM messages WHERE room_id = ? AND message_id = ?`,
			roomID, msgID)
		if err != nil {
			return fmt.Errorf("failed to delete message: %w", err)
		}
		return nil
	}, "delete message")
}

// RenameMessage rekeys a record whose pending id was promoted to the
// backend-assigned one.
func (d *Database) RenameMessage(ctx context.Context, roomID, oldID, newID string) error {
	encOld, err := d.encryptor.EncryptForLookupIfEnabled(oldID)
	if err != nil {
		return fmt.Errorf("failed to encrypt message ID: %w", err)
	}
	encNew, err := d.encryptor.EncryptForLookupIfEnabled(newID)
	if err != nil {
		return fmt.Errorf("failed to encrypt message ID: %w", err)
	}
	return retryableDBOperation(ctx, func() error {
		_, err := d.db.ExecContext(ctx,
			`UPDATE messages SET message_id = ?, updated_at = CURRENT_TIMESTAMP
			 WHERE room_id = ? AND message_id = ?`,
			encNew, roomID, encOld)
		if err != nil {
			return fmt.Errorf("failed to rename message: %w", err)
		}
		return nil
	}, "rename message")
}

// TruncateRoom deletes every record ordered strictly before the anchor.
func (d *Database) TruncateRoom(ctx context.Context, roomID string, anchorOrder int64) (int64, error) {
	var removed int64
	err := retryableDBOperation(ctx, func() error {
		res, err := d.db.ExecContext(ctx,
			`DELETE FROM messages WHERE room_id = ? AND order_value < ?`,
			roomID, anchorOrder)
		if err != nil {
			return fmt.Errorf("failed to truncate room: %w", err)
		}
		removed, _ = res.RowsAffected()
		return nil
	}, "truncate room")
	return removed, err
}

// LoadRoom returns up to limit of the room's newest records in ascending
// total order. Zero limit loads everything.
func (d *Database) LoadRoom(ctx context.Context, roomID string, limit int) ([]*models.MessageRecord, error) {
	query := `
		SELECT message_id, sender_id, key_id, payload, text_contents,
			   send_timestamp, order_value, edited_at, sent, expired,
			   manual_retry, deleted, revoked, dialog_type, identity, refs
		FROM messages
		WHERE room_id = ?
		ORDER BY order_value DESC, send_timestamp DESC
	`
	args := []interface{}{roomID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load room: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.MessageRecord
	for rows.Next() {
		rec, err := d.scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load room: %w", err)
	}

	// Reverse into ascending order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (d *Database) scanMessage(rows *sql.Rows) (*models.MessageRecord, error) {
	var (
		rec        models.MessageRecord
		msgID      string
		senderID   string
		text       *string
		dialogType string
		refs       *string
	)
	err := rows.Scan(
		&msgID, &senderID, &rec.KeyID, &rec.Payload, &text,
		&rec.SendTimestamp, &rec.OrderValue, &rec.EditedAt,
		&rec.Sent, &rec.Expired, &rec.RequiresManualRetry,
		&rec.Deleted, &rec.Revoked, &dialogType, &rec.Identity, &refs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}

	// Lookup-encrypted ids round-trip through the regular decryptor because
	// the nonce is carried in-band either way.
	rec.MessageID, err = d.encryptor.DecryptIfEnabled(msgID)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt message ID: %w", err)
	}
	rec.SenderID, err = d.encryptor.DecryptIfEnabled(senderID)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt sender ID: %w", err)
	}
	if text != nil {
		plain, err := d.encryptor.DecryptIfEnabled(*text)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt text: %w", err)
		}
		rec.TextContents = &plain
	}
	rec.DialogType = models.DialogType(dialogType)
	if refs != nil && *refs != "" {
		if err := json.Unmarshal([]byte(*refs), &rec.References); err != nil {
			return nil, fmt.Errorf("failed to unmarshal references: %w", err)
		}
	}
	return &rec, nil
}

// SaveRoomState persists the acknowledgment watermarks.
func (d *Database) SaveRoomState(ctx context.Context, roomID string, lastSeen, lastDelivered int64) error {
	return retryableDBOperation(ctx, func() error {
		_, err := d.db.ExecContext(ctx, `
			INSERT INTO room_state (room_id, last_seen_order, last_delivered_order, updated_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(room_id) DO UPDATE SET
				last_seen_order = excluded.last_seen_order,
				last_delivered_order = excluded.last_delivered_order,
				updated_at = CURRENT_TIMESTAMP
		`, roomID, lastSeen, lastDelivered)
		if err != nil {
			return fmt.Errorf("failed to save room state: %w", err)
		}
		return nil
	}, "save room state")
}

// RoomState loads the acknowledgment watermarks, zero values when the room
// was never saved.
func (d *Database) RoomState(ctx context.Context, roomID string) (lastSeen, lastDelivered int64, err error) {
	err = d.db.QueryRowContext(ctx,
		`SELECT last_seen_order, last_delivered_order FROM room_state WHERE room_id = ?`,
		roomID).Scan(&lastSeen, &lastDelivered)
	if err == sql.ErrNoRows {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to load room state: %w", err)
	}
	return lastSeen, lastDelivered, nil
}

// execer abstracts *sql.DB and *sql.Tx so batch flushes reuse the same
// statement builder.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}
