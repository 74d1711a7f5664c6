package models

// ContactDirectory resolves user ids to contacts.
type ContactDirectory interface {
	Lookup(userID string) (Contact, bool)
}

// RoomContext is the capability bundle threaded into the store, reconciler
// and call machinery: who the local user is and how to resolve peers.
// Passed explicitly at construction, never read from ambient globals.
type RoomContext struct {
	SelfUserID string
	Contacts   ContactDirectory
}

// IsSelf reports whether userID is the local user.
func (c RoomContext) IsSelf(userID string) bool {
	return userID != "" && userID == c.SelfUserID
}

// StaticDirectory is a fixed in-memory contact directory.
type StaticDirectory map[string]Contact

func (d StaticDirectory) Lookup(userID string) (Contact, bool) {
	c, ok := d[userID]
	return c, ok
}
