package archive

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC)

func msg(channel, user, text string, at time.Time) Message {
	return Message{
		ID:        uuid.New(),
		Channel:   channel,
		RoomID:    42,
		UserID:    7,
		Username:  user,
		Text:      text,
		Timestamp: at,
	}
}

func collect(t *testing.T, st Store, f Filter, after *Cursor, limit int) []Message {
	t.Helper()

	var out []Message
	_, err := st.Scan(context.Background(), f, after, limit, func(m *Message) error {
		out = append(out, copyMessage(m))
		return nil
	})
	require.NoError(t, err)
	return out
}

func texts(ms []Message) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.Text)
	}
	return out
}

// runStoreContract exercises the behavior every Store implementation must share.
func runStoreContract(t *testing.T, open func(t *testing.T) Store) {
	t.Run("insert then scan round trips fields", func(t *testing.T) {
		st := open(t)
		ctx := context.Background()

		emotes := "25:0-4"
		reply := uuid.New()
		in := msg("forsen", "Alice", "Kappa hi", t0)
		in.Subscriber = true
		in.VIP = true
		in.Emotes = &emotes
		in.ReplyingTo = &reply
		require.NoError(t, st.Insert(ctx, in))

		got := collect(t, st, Filter{Channel: "forsen"}, nil, 10)
		require.Len(t, got, 1)
		m := got[0]
		require.Equal(t, in.ID, m.ID)
		require.Equal(t, "Alice", m.Username)
		require.Equal(t, "Kappa hi", m.Text)
		require.True(t, m.Timestamp.Equal(t0))
		require.False(t, m.Deleted)
		require.Nil(t, m.DeletedAt)
		require.True(t, m.Subscriber)
		require.False(t, m.Moderator)
		require.True(t, m.VIP)
		require.NotNil(t, m.Emotes)
		require.Equal(t, emotes, *m.Emotes)
		require.Nil(t, m.Badges)
		require.NotNil(t, m.ReplyingTo)
		require.Equal(t, reply, *m.ReplyingTo)
	})

	t.Run("duplicate id conflicts and keeps the first row", func(t *testing.T) {
		st := open(t)
		ctx := context.Background()

		first := msg("forsen", "alice", "first", t0)
		require.NoError(t, st.Insert(ctx, first))

		dup := first
		dup.Text = "second"
		err := st.Insert(ctx, dup)
		require.Error(t, err)
		require.True(t, IsConflict(err), "expected conflict, got %v", err)

		var ce ConflictError
		require.True(t, errors.As(err, &ce))
		require.Equal(t, first.ID, ce.ID)

		require.Equal(t, []string{"first"}, texts(collect(t, st, Filter{}, nil, 10)))
	})

	t.Run("mark deleted sets both fields and is idempotent", func(t *testing.T) {
		st := open(t)
		ctx := context.Background()

		m := msg("forsen", "alice", "oops", t0)
		require.NoError(t, st.Insert(ctx, m))

		at := t0.Add(5 * time.Second)
		require.NoError(t, st.MarkDeleted(ctx, m.ID, at))
		require.NoError(t, st.MarkDeleted(ctx, m.ID, at))

		got := collect(t, st, Filter{}, nil, 10)
		require.Len(t, got, 1)
		require.True(t, got[0].Deleted)
		require.NotNil(t, got[0].DeletedAt)
		require.True(t, got[0].DeletedAt.Equal(at))
	})

	t.Run("mark deleted on unknown id is not found and creates nothing", func(t *testing.T) {
		st := open(t)

		err := st.MarkDeleted(context.Background(), uuid.New(), t0)
		require.True(t, IsNotFound(err), "expected not found, got %v", err)
		require.Empty(t, collect(t, st, Filter{}, nil, 10))
	})

	t.Run("scan orders by timestamp and filters", func(t *testing.T) {
		st := open(t)
		ctx := context.Background()

		rows := []Message{
			msg("forsen", "alice", "c", t0.Add(3*time.Second)),
			msg("forsen", "BOB", "a", t0.Add(1*time.Second)),
			msg("xqc", "alice", "other channel", t0.Add(2500*time.Millisecond)),
			msg("forsen", "carol", "b", t0.Add(2*time.Second)),
			msg("forsen", "Alice", "d", t0.Add(4*time.Second)),
		}
		for _, m := range rows {
			require.NoError(t, st.Insert(ctx, m))
		}

		require.Equal(t, []string{"a", "b", "c", "d"}, texts(collect(t, st, Filter{Channel: "forsen"}, nil, 10)))
		require.Equal(t, []string{"a", "b", "other channel", "c"}, texts(collect(t, st, Filter{}, nil, 4)))

		byUser := Filter{Channel: "forsen", Usernames: []string{"ALICE", "bob"}}
		require.Equal(t, []string{"a", "c", "d"}, texts(collect(t, st, byUser, nil, 10)))

		window := Filter{Channel: "forsen", Since: t0.Add(2 * time.Second), Until: t0.Add(3 * time.Second)}
		require.Equal(t, []string{"b", "c"}, texts(collect(t, st, window, nil, 10)))

		halfOpen := Filter{Channel: "forsen", Since: t0.Add(2 * time.Second), Before: t0.Add(4 * time.Second)}
		require.Equal(t, []string{"b", "c"}, texts(collect(t, st, halfOpen, nil, 10)))
	})

	t.Run("scan resumes strictly after cursor with equal timestamps", func(t *testing.T) {
		st := open(t)
		ctx := context.Background()

		for _, s := range []string{"x", "y", "z"} {
			require.NoError(t, st.Insert(ctx, msg("forsen", "alice", s, t0)))
		}

		all := collect(t, st, Filter{}, nil, 10)
		require.Len(t, all, 3)

		c := CursorOf(&all[0])
		rest := collect(t, st, Filter{}, &c, 10)
		require.Len(t, rest, 2)
		require.Equal(t, all[1].ID, rest[0].ID)
		require.Equal(t, all[2].ID, rest[1].ID)
	})

	t.Run("boundary selects the newest rows", func(t *testing.T) {
		st := open(t)
		ctx := context.Background()

		for i := 0; i < 5; i++ {
			m := msg("forsen", "alice", string(rune('a'+i)), t0.Add(time.Duration(i)*time.Second))
			require.NoError(t, st.Insert(ctx, m))
		}

		b, err := st.Boundary(ctx, Filter{Channel: "forsen"}, 2)
		require.NoError(t, err)
		require.NotNil(t, b)
		require.Equal(t, []string{"d", "e"}, texts(collect(t, st, Filter{Channel: "forsen"}, b, 10)))

		b, err = st.Boundary(ctx, Filter{Channel: "forsen"}, 5)
		require.NoError(t, err)
		require.Nil(t, b)

		b, err = st.Boundary(ctx, Filter{Channel: "nobody"}, 0)
		require.NoError(t, err)
		require.Nil(t, b)
	})

	t.Run("up to bound is inclusive in keyset order", func(t *testing.T) {
		st := open(t)
		ctx := context.Background()

		for _, s := range []string{"x", "y", "z"} {
			require.NoError(t, st.Insert(ctx, msg("forsen", "alice", s, t0)))
		}
		require.NoError(t, st.Insert(ctx, msg("forsen", "alice", "later", t0.Add(time.Second))))

		all := collect(t, st, Filter{}, nil, 10)
		require.Len(t, all, 4)

		upTo := CursorOf(&all[1])
		got := collect(t, st, Filter{UpTo: &upTo}, nil, 10)
		require.Len(t, got, 2)
		require.Equal(t, all[0].ID, got[0].ID)
		require.Equal(t, all[1].ID, got[1].ID)

		newest, err := st.Boundary(ctx, Filter{Channel: "forsen"}, 0)
		require.NoError(t, err)
		require.NotNil(t, newest)
		require.Equal(t, "later", texts(collect(t, st, Filter{UpTo: newest}, nil, 10))[3])

		b, err := st.Boundary(ctx, Filter{UpTo: &upTo}, 1)
		require.NoError(t, err)
		require.NotNil(t, b)
		require.Equal(t, all[0].ID, b.ID)
	})

	t.Run("invalid limits are rejected", func(t *testing.T) {
		st := open(t)

		_, err := st.Scan(context.Background(), Filter{}, nil, 0, func(*Message) error { return nil })
		require.ErrorIs(t, err, ErrInvalidInput)

		_, err = st.Boundary(context.Background(), Filter{}, -1)
		require.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("callback error stops the scan", func(t *testing.T) {
		st := open(t)
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			require.NoError(t, st.Insert(ctx, msg("forsen", "alice", "m", t0.Add(time.Duration(i)*time.Second))))
		}

		stop := errors.New("stop")
		seen := 0
		n, err := st.Scan(ctx, Filter{}, nil, 10, func(*Message) error {
			seen++
			return stop
		})
		require.ErrorIs(t, err, stop)
		require.Equal(t, 1, seen)
		require.Equal(t, 1, n)
	})
}

func TestInMemoryStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		return NewInMemoryStore()
	})
}

func TestSQLiteStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		t.Helper()

		ctx := context.Background()
		st, err := NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "archive.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = st.Close() })
		require.NoError(t, st.Migrate(ctx))
		// Migrate is idempotent.
		require.NoError(t, st.Migrate(ctx))
		return st
	})
}

func TestNewSQLiteStore_RejectsEmptyPath(t *testing.T) {
	_, err := NewSQLiteStore(context.Background(), "  ")
	require.Error(t, err)
}
