package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store is the journal of finished sessions and the registry of named points.
// Nothing in the override engine reads it back to make decisions.
type Store interface {
	// Session journal, newest first
	SaveSession(rec *SessionRecord) error
	GetSession(id string) (*SessionRecord, error)
	ListSessions(limit int) ([]*SessionRecord, error)
	// PruneSessions keeps the newest keep records and returns how many were removed.
	PruneSessions(keep int) (int, error)

	// Point operations
	SavePoint(p *Point) error
	GetPoint(name string) (*Point, error)
	DeletePoint(name string) error
	ListPoints() ([]*Point, error)

	// UpdatePoint atomically reads, modifies, and saves a point in a single
	// transaction. Returns ErrNotFound if the point does not exist.
	UpdatePoint(name string, fn func(p *Point) error) error

	// Close the store
	Close() error
}
