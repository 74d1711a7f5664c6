package store

import "chatcore/internal/models"

// ChangeKind names a committed store mutation.
type ChangeKind int

const (
	ChangeInsert ChangeKind = iota
	ChangeReplace
	ChangeRemove
	ChangeEvict
	ChangeTruncate
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeInsert:
		return "insert"
	case ChangeReplace:
		return "replace"
	case ChangeRemove:
		return "remove"
	case ChangeEvict:
		return "evict"
	case ChangeTruncate:
		return "truncate"
	default:
		return "unknown"
	}
}

// Change is the structured notification emitted after every committed
// mutation. It carries enough for listeners to recompute derived
// aggregates (unread count, latest renderable message) incrementally; a
// full rescan of the store remains correct as a fallback.
type Change struct {
	Kind   ChangeKind
	RoomID string
	// MessageID is the affected key; for replaces that promoted a pending
	// id, PreviousID carries the superseded key.
	MessageID  string
	PreviousID string
	OrderValue int64
	// Record is a copy of the record after the mutation, nil on removal.
	Record *models.MessageRecord
	// Previous is a copy of the superseded record where one existed.
	Previous *models.MessageRecord
	// Index is the record's position in total order after the mutation.
	Index int
	// Removed is the number of records cleared by a truncation.
	Removed int
	// Length is the store length after the mutation.
	Length int
}
