package archive

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a dev-only fallback when no database is configured.
// It keeps every row in memory and is used by tests as the reference implementation of Store.
type InMemoryStore struct {
	mu   sync.RWMutex
	byID map[uuid.UUID]*Message
	rows []*Message // ordered by (timestamp, id)
}

// NewInMemoryStore constructs an empty in-memory Store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byID: make(map[uuid.UUID]*Message),
		rows: make([]*Message, 0, 256),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// Ping always succeeds.
func (s *InMemoryStore) Ping(_ context.Context) error { return nil }

// Insert stores a copy of m.
func (s *InMemoryStore) Insert(ctx context.Context, m Message) error {
	if m.ID == uuid.Nil {
		return errors.New("archive: message id is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.Timestamp = m.Timestamp.UTC()
	m.Deleted = false
	m.DeletedAt = nil

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[m.ID]; ok {
		return ConflictError{Op: "archive.Insert", ID: m.ID}
	}

	row := &m
	s.byID[m.ID] = row

	i := sort.Search(len(s.rows), func(i int) bool { return cursorLess(CursorOf(row), CursorOf(s.rows[i])) })
	s.rows = append(s.rows, nil)
	copy(s.rows[i+1:], s.rows[i:])
	s.rows[i] = row
	return nil
}

// MarkDeleted soft-deletes the row with the given id.
func (s *InMemoryStore) MarkDeleted(ctx context.Context, id uuid.UUID, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.byID[id]
	if !ok {
		return NotFoundError{Op: "archive.MarkDeleted", ID: id}
	}
	at = at.UTC()
	row.Deleted = true
	row.DeletedAt = &at
	return nil
}

// Scan visits matching rows in ascending order.
func (s *InMemoryStore) Scan(ctx context.Context, f Filter, after *Cursor, limit int, fn func(*Message) error) (int, error) {
	if limit <= 0 {
		return 0, ErrInvalidInput
	}

	snap := s.snapshot(f, after, limit, false)

	for i := range snap {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if err := fn(&snap[i]); err != nil {
			return i + 1, err
		}
	}
	return len(snap), nil
}

// Boundary returns the cursor of the (newest+1)-th newest match.
func (s *InMemoryStore) Boundary(ctx context.Context, f Filter, newest int) (*Cursor, error) {
	if newest < 0 {
		return nil, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	snap := s.snapshot(f, nil, newest+1, true)
	if len(snap) <= newest {
		return nil, nil
	}
	c := CursorOf(&snap[newest])
	return &c, nil
}

// snapshot copies up to limit matching rows under the read lock, walking forward or backward.
func (s *InMemoryStore) snapshot(f Filter, after *Cursor, limit int, desc bool) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Message, 0, min(limit, len(s.rows)))
	visit := func(row *Message) bool {
		if after != nil && !cursorLess(*after, CursorOf(row)) {
			return true
		}
		if !matches(f, row) {
			return true
		}
		out = append(out, copyMessage(row))
		return len(out) < limit
	}

	if desc {
		for i := len(s.rows) - 1; i >= 0; i-- {
			if !visit(s.rows[i]) {
				break
			}
		}
		return out
	}
	for _, row := range s.rows {
		if !visit(row) {
			break
		}
	}
	return out
}

func matches(f Filter, m *Message) bool {
	if f.Channel != "" && m.Channel != f.Channel {
		return false
	}
	if !f.Since.IsZero() && m.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && m.Timestamp.After(f.Until) {
		return false
	}
	if !f.Before.IsZero() && !m.Timestamp.Before(f.Before) {
		return false
	}
	if f.UpTo != nil && cursorLess(*f.UpTo, CursorOf(m)) {
		return false
	}
	if len(f.Usernames) == 0 {
		return true
	}
	for _, u := range f.Usernames {
		if strings.EqualFold(u, m.Username) {
			return true
		}
	}
	return false
}

// cursorLess orders by timestamp, then by the canonical string form of the id
// (the same order Postgres uses for uuid and SQLite uses for the text column).
func cursorLess(a, b Cursor) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ID.String() < b.ID.String()
}

func copyMessage(m *Message) Message {
	cp := *m
	if m.DeletedAt != nil {
		t := *m.DeletedAt
		cp.DeletedAt = &t
	}
	if m.ReplyingTo != nil {
		id := *m.ReplyingTo
		cp.ReplyingTo = &id
	}
	return cp
}
