// Package archive owns the persisted chat Message model and the storage contract used by ingestion,
// rollup and search.
package archive

import (
	"context"
	"time"
	"unsafe"

	"github.com/google/uuid"
)

// Message is the canonical persisted chat message.
//
// Invariants:
//   - ID is assigned by the chat protocol and never generated locally.
//   - DeletedAt is non-nil iff Deleted is true.
//   - ReplyingTo is a weak reference and is never validated.
type Message struct {
	ID         uuid.UUID
	Channel    string
	RoomID     int64
	UserID     int64
	Username   string
	Text       string
	Timestamp  time.Time
	Deleted    bool
	DeletedAt  *time.Time
	ReplyingTo *uuid.UUID
	Subscriber bool
	Moderator  bool
	VIP        bool
	Emotes     *string
	Badges     *string
	UserType   *string
}

// Cursor is a keyset position in (timestamp, id) order.
type Cursor struct {
	Timestamp time.Time
	ID        uuid.UUID
}

// CursorOf returns the keyset position of m.
func CursorOf(m *Message) Cursor {
	return Cursor{Timestamp: m.Timestamp, ID: m.ID}
}

// Filter selects messages. Zero-valued fields do not constrain the selection.
type Filter struct {
	// Channel is compared against the normalized (lower-case) channel column.
	Channel string
	// Usernames are OR-combined and compared case-insensitively.
	Usernames []string
	// Since is an inclusive lower bound.
	Since time.Time
	// Until is an inclusive upper bound.
	Until time.Time
	// Before is an exclusive upper bound.
	Before time.Time
	// UpTo is an inclusive upper keyset bound in (timestamp, id) order.
	UpTo *Cursor
}

// Store persists and queries messages.
//
// Requirements:
//   - Insert fails with ErrConflict when the id already exists.
//   - MarkDeleted fails with ErrNotFound when no row matches.
//   - Scan visits rows in ascending (timestamp, id) order, strictly after the cursor when one is given.
type Store interface {
	Insert(ctx context.Context, m Message) error
	MarkDeleted(ctx context.Context, id uuid.UUID, at time.Time) error

	// Scan calls fn for at most limit matching rows and returns how many were visited.
	// The *Message passed to fn is only valid for the duration of the call.
	Scan(ctx context.Context, f Filter, after *Cursor, limit int, fn func(*Message) error) (int, error)

	// Boundary returns the position of the (newest+1)-th newest matching row, or nil when at most newest
	// rows match. Scanning strictly after it yields exactly the newest matches.
	Boundary(ctx context.Context, f Filter, newest int) (*Cursor, error)

	Ping(ctx context.Context) error
	Close() error
}

// DefaultPageBytes bounds the in-memory size of one page of rows.
const DefaultPageBytes = 128 << 20

// PageRows returns how many rows fit in budget bytes of in-memory Message values.
func PageRows(budget int) int {
	n := budget / int(unsafe.Sizeof(Message{}))
	if n < 1 {
		return 1
	}
	return n
}
