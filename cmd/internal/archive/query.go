package archive

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const messageColumns = `id, channel, room_id, user_id, username, body, sent_at, deleted, deleted_at,
	replying_to, subscriber, moderator, vip, emotes, badges, user_type`

// dialect captures what differs between the SQL engines: placeholder syntax, timestamp and id encoding.
type dialect struct {
	bind  func(n int) string
	stamp func(t time.Time) any
	id    func(id uuid.UUID) any
}

var postgresDialect = dialect{
	bind:  func(n int) string { return "$" + strconv.Itoa(n) },
	stamp: func(t time.Time) any { return t.UTC() },
	id:    func(id uuid.UUID) any { return id },
}

var sqliteDialect = dialect{
	bind:  func(int) string { return "?" },
	stamp: func(t time.Time) any { return t.UTC().UnixMilli() },
	id:    func(id uuid.UUID) any { return id.String() },
}

// sqlQuery accumulates a WHERE clause and its positional arguments.
type sqlQuery struct {
	d     dialect
	conds []string
	args  []any
}

func (q *sqlQuery) arg(v any) string {
	q.args = append(q.args, v)
	return q.d.bind(len(q.args))
}

func (q *sqlQuery) filter(f Filter) {
	if f.Channel != "" {
		q.conds = append(q.conds, "channel = "+q.arg(f.Channel))
	}
	if len(f.Usernames) > 0 {
		ph := make([]string, 0, len(f.Usernames))
		for _, u := range f.Usernames {
			ph = append(ph, q.arg(strings.ToLower(u)))
		}
		q.conds = append(q.conds, "lower(username) IN ("+strings.Join(ph, ", ")+")")
	}
	if !f.Since.IsZero() {
		q.conds = append(q.conds, "sent_at >= "+q.arg(q.d.stamp(f.Since)))
	}
	if !f.Until.IsZero() {
		q.conds = append(q.conds, "sent_at <= "+q.arg(q.d.stamp(f.Until)))
	}
	if !f.Before.IsZero() {
		q.conds = append(q.conds, "sent_at < "+q.arg(q.d.stamp(f.Before)))
	}
	if f.UpTo != nil {
		ts := q.arg(q.d.stamp(f.UpTo.Timestamp))
		ts2 := q.arg(q.d.stamp(f.UpTo.Timestamp))
		id := q.arg(q.d.id(f.UpTo.ID))
		q.conds = append(q.conds, "(sent_at < "+ts+" OR (sent_at = "+ts2+" AND id <= "+id+"))")
	}
}

func (q *sqlQuery) after(c *Cursor) {
	if c == nil {
		return
	}
	ts := q.arg(q.d.stamp(c.Timestamp))
	ts2 := q.arg(q.d.stamp(c.Timestamp))
	id := q.arg(q.d.id(c.ID))
	q.conds = append(q.conds, "(sent_at > "+ts+" OR (sent_at = "+ts2+" AND id > "+id+"))")
}

func (q *sqlQuery) where() string {
	if len(q.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(q.conds, " AND ")
}
