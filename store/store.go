package store

import (
	"context"
	"errors"
	"time"

	"msgrelay/models"
)

var (
	// ErrNotFound is returned by lookups and deletes on an absent key.
	ErrNotFound = errors.New("not found")
	// ErrSuperseded is returned by Touch when the address is bound to a
	// different connection.
	ErrSuperseded = errors.New("session bound to another connection")
)

// SessionStore maps an address to its current connection reference.
// Every method is a single atomic step with respect to concurrent callers.
type SessionStore interface {
	// Upsert replaces any existing session for address.
	Upsert(ctx context.Context, address, connRef string, now time.Time) error
	Lookup(ctx context.Context, address string) (models.Session, error)
	// Touch refreshes LastSeen when address is bound to connRef and creates
	// the session when address has none; created reports the latter. A
	// session bound to another connection is left alone and ErrSuperseded
	// is returned.
	Touch(ctx context.Context, address, connRef string, now time.Time) (created bool, err error)
	// Remove is a no-op when address has no session.
	Remove(ctx context.Context, address string) error
	// RemoveConn removes the session only while it is bound to connRef.
	RemoveConn(ctx context.Context, address, connRef string) (bool, error)
	// RemoveIdle removes the session only while its LastSeen is before cutoff.
	RemoveIdle(ctx context.Context, address string, cutoff time.Time) (bool, error)
	// ListIdleOlderThan returns a snapshot of sessions with now-LastSeen > threshold.
	ListIdleOlderThan(ctx context.Context, threshold time.Duration, now time.Time) ([]models.Session, error)
}

// MessageStore holds messages until their receiver acknowledges delivery.
type MessageStore interface {
	// Append stores msg. A record with the same ID is replaced and moves to
	// the back of its receiver's queue.
	Append(ctx context.Context, msg models.Message) error
	// FindByReceiver returns the receiver's queued messages, oldest first.
	FindByReceiver(ctx context.Context, address string) ([]models.Message, error)
	// DeleteByID removes and returns the message, or ErrNotFound.
	DeleteByID(ctx context.Context, id string) (models.Message, error)
}

// Backend is a store that keeps both tables and owns a connection.
type Backend interface {
	SessionStore
	MessageStore
	Ping(ctx context.Context) error
	Close() error
}

// IdleCutoff is the LastSeen bound below which a session counts as idle.
func IdleCutoff(threshold time.Duration, now time.Time) time.Time {
	return now.Add(-threshold)
}
