package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStore is a single-file Store for deployments without PostgreSQL.
// It owns its *sql.DB; Close releases it.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating when missing) the database file at path.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("archive: empty sqlite path")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("archive: sqlite parent dir: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: open sqlite: %w", err)
	}
	// One writer at a time; readers share the same connection pool under WAL.
	db.SetMaxOpenConns(4)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("archive: sqlite ping: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Ping checks the database handle.
func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Migrate creates the table and indexes when missing.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements(sqliteSchema) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("archive: migrate: %w", err)
		}
	}
	return nil
}

// Insert stores a new message row with deleted=false.
func (s *SQLiteStore) Insert(ctx context.Context, m Message) error {
	if m.ID == uuid.Nil {
		return errors.New("archive: message id is required")
	}

	var replyingTo any
	if m.ReplyingTo != nil {
		replyingTo = m.ReplyingTo.String()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (`+messageColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, NULL, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID.String(), m.Channel, m.RoomID, m.UserID, m.Username, m.Text, m.Timestamp.UTC().UnixMilli(),
		replyingTo, m.Subscriber, m.Moderator, m.VIP, m.Emotes, m.Badges, m.UserType,
	)
	if err != nil {
		if sqliteIsUniqueViolation(err) {
			return ConflictError{Op: "archive.Insert", ID: m.ID}
		}
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// MarkDeleted sets deleted=1 and deleted_at on the row with the given id.
func (s *SQLiteStore) MarkDeleted(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET deleted = 1, deleted_at = ? WHERE id = ?`,
		at.UTC().UnixMilli(), id.String(),
	)
	if err != nil {
		return fmt.Errorf("mark message deleted: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark message deleted: %w", err)
	}
	if n == 0 {
		return NotFoundError{Op: "archive.MarkDeleted", ID: id}
	}
	return nil
}

// Scan visits matching rows in ascending order, decoding one row at a time.
func (s *SQLiteStore) Scan(ctx context.Context, f Filter, after *Cursor, limit int, fn func(*Message) error) (int, error) {
	if limit <= 0 {
		return 0, ErrInvalidInput
	}

	q := sqlQuery{d: sqliteDialect}
	q.filter(f)
	q.after(after)
	stmt := `SELECT ` + messageColumns + ` FROM messages` + q.where() +
		` ORDER BY sent_at ASC, id ASC LIMIT ` + q.arg(limit)

	rows, err := s.db.QueryContext(ctx, stmt, q.args...)
	if err != nil {
		return 0, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var (
			m          Message
			id         string
			sentAt     int64
			deletedAt  sql.NullInt64
			replyingTo sql.NullString
		)
		if err := rows.Scan(
			&id,
			&m.Channel,
			&m.RoomID,
			&m.UserID,
			&m.Username,
			&m.Text,
			&sentAt,
			&m.Deleted,
			&deletedAt,
			&replyingTo,
			&m.Subscriber,
			&m.Moderator,
			&m.VIP,
			&m.Emotes,
			&m.Badges,
			&m.UserType,
		); err != nil {
			return n, fmt.Errorf("scan message: %w", err)
		}
		if m.ID, err = uuid.Parse(id); err != nil {
			return n, fmt.Errorf("scan message id %q: %w", id, err)
		}
		m.Timestamp = time.UnixMilli(sentAt).UTC()
		if deletedAt.Valid {
			t := time.UnixMilli(deletedAt.Int64).UTC()
			m.DeletedAt = &t
		}
		if replyingTo.Valid {
			// Weak reference; an unparseable value is dropped rather than failing the scan.
			if ref, err := uuid.Parse(replyingTo.String); err == nil {
				m.ReplyingTo = &ref
			}
		}

		n++
		if err := fn(&m); err != nil {
			return n, err
		}
	}
	if err := rows.Err(); err != nil {
		return n, fmt.Errorf("query messages: %w", err)
	}
	return n, nil
}

// Boundary returns the position of the (newest+1)-th newest matching row.
func (s *SQLiteStore) Boundary(ctx context.Context, f Filter, newest int) (*Cursor, error) {
	if newest < 0 {
		return nil, ErrInvalidInput
	}

	q := sqlQuery{d: sqliteDialect}
	q.filter(f)
	stmt := `SELECT sent_at, id FROM messages` + q.where() +
		` ORDER BY sent_at DESC, id DESC LIMIT 1 OFFSET ` + q.arg(newest)

	var (
		sentAt int64
		id     string
	)
	err := s.db.QueryRowContext(ctx, stmt, q.args...).Scan(&sentAt, &id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query window boundary: %w", err)
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("query window boundary: id %q: %w", id, err)
	}
	return &Cursor{Timestamp: time.UnixMilli(sentAt).UTC(), ID: parsed}, nil
}

func sqliteIsUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		return strings.Contains(se.Error(), "UNIQUE constraint failed")
	}
	return false
}
