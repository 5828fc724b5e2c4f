package archive

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "chatlog").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("archive: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("archive: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "chatlog",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("archive: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Ping checks that a connection can be acquired.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate creates the schema, table and indexes when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	script := strings.ReplaceAll(postgresSchema, "{{schema}}", pgx.Identifier{s.schema}.Sanitize())
	for _, stmt := range schemaStatements(script) {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("archive: migrate: %w", err)
		}
	}
	return nil
}

// Insert stores a new message row with deleted=false.
func (s *PostgresStore) Insert(ctx context.Context, m Message) error {
	if m.ID == uuid.Nil {
		return errors.New("archive: message id is required")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table()+` (`+messageColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, false, NULL, $8, $9, $10, $11, $12, $13, $14)`,
		m.ID, m.Channel, m.RoomID, m.UserID, m.Username, m.Text, m.Timestamp.UTC(),
		m.ReplyingTo, m.Subscriber, m.Moderator, m.VIP, m.Emotes, m.Badges, m.UserType,
	)
	if err != nil {
		if pgIsUniqueViolation(err) {
			return ConflictError{Op: "archive.Insert", ID: m.ID}
		}
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// MarkDeleted sets deleted=true and deleted_at on the row with the given id.
func (s *PostgresStore) MarkDeleted(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.table()+`
		    SET deleted = true,
		        deleted_at = $2
		  WHERE id = $1`,
		id, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("mark message deleted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return NotFoundError{Op: "archive.MarkDeleted", ID: id}
	}
	return nil
}

// Scan streams matching rows from the server to fn, one row at a time.
func (s *PostgresStore) Scan(ctx context.Context, f Filter, after *Cursor, limit int, fn func(*Message) error) (int, error) {
	if limit <= 0 {
		return 0, ErrInvalidInput
	}

	q := sqlQuery{d: postgresDialect}
	q.filter(f)
	q.after(after)
	sql := `SELECT ` + messageColumns + ` FROM ` + s.table() + q.where() +
		` ORDER BY sent_at ASC, id ASC LIMIT ` + q.arg(limit)

	rows, err := s.pool.Query(ctx, sql, q.args...)
	if err != nil {
		return 0, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.ID,
			&m.Channel,
			&m.RoomID,
			&m.UserID,
			&m.Username,
			&m.Text,
			&m.Timestamp,
			&m.Deleted,
			&m.DeletedAt,
			&m.ReplyingTo,
			&m.Subscriber,
			&m.Moderator,
			&m.VIP,
			&m.Emotes,
			&m.Badges,
			&m.UserType,
		); err != nil {
			return n, fmt.Errorf("scan message: %w", err)
		}
		m.Timestamp = m.Timestamp.UTC()
		if m.DeletedAt != nil {
			t := m.DeletedAt.UTC()
			m.DeletedAt = &t
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
func (s *PostgresStore) Boundary(ctx context.Context, f Filter, newest int) (*Cursor, error) {
	if newest < 0 {
		return nil, ErrInvalidInput
	}

	q := sqlQuery{d: postgresDialect}
	q.filter(f)
	sql := `SELECT sent_at, id FROM ` + s.table() + q.where() +
		` ORDER BY sent_at DESC, id DESC LIMIT 1 OFFSET ` + q.arg(newest)

	var c Cursor
	err := s.pool.QueryRow(ctx, sql, q.args...).Scan(&c.Timestamp, &c.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query window boundary: %w", err)
	}
	c.Timestamp = c.Timestamp.UTC()
	return &c, nil
}

func (s *PostgresStore) table() string {
	return pgIdent(s.schema, "messages")
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}

func pgIsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" // unique_violation
}
