package rollup

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"chatlog/cmd/internal/archive"
)

func insert(t *testing.T, st archive.Store, channel, user, text string, at time.Time) uuid.UUID {
	t.Helper()

	m := archive.Message{
		ID:        uuid.New(),
		Channel:   channel,
		RoomID:    1,
		UserID:    2,
		Username:  user,
		Text:      text,
		Timestamp: at,
	}
	require.NoError(t, st.Insert(context.Background(), m))
	return m.ID
}

func newExporter(t *testing.T, st archive.Store, loc *time.Location, pageBytes int) (*Exporter, string) {
	t.Helper()

	dir := filepath.Join(t.TempDir(), "rollup")
	e, err := NewExporter(ExporterConfig{Store: st, Dir: dir, Location: loc, PageBytes: pageBytes})
	require.NoError(t, err)
	return e, dir
}

func readFile(t *testing.T, path string) string {
	t.Helper()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(raw)
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name())
	}
	return out
}

var linePattern = regexp.MustCompile(`^\[(\d{2}:\d{2}:\d{2})\] <([^;>]+)(?:; deleted at (\d{2}:\d{2}:\d{2}))?> (.*)$`)

// parseLine recovers the clock time, username and text of a rendered transcript line.
func parseLine(t *testing.T, line string) (clock, user, text string) {
	t.Helper()

	m := linePattern.FindStringSubmatch(line)
	require.NotNil(t, m, "unparseable line %q", line)
	return m[1], m[2], m[4]
}

func TestExportDay_DeletedMessageScenario(t *testing.T) {
	st := archive.NewInMemoryStore()
	a := insert(t, st, "foo", "alice", "hi", time.Date(2023, 1, 1, 10, 0, 0, 0, time.UTC))
	insert(t, st, "foo", "bob", "yo", time.Date(2023, 1, 1, 10, 0, 5, 0, time.UTC))
	require.NoError(t, st.MarkDeleted(context.Background(), a, time.Date(2023, 1, 1, 10, 1, 0, 0, time.UTC)))

	e, dir := newExporter(t, st, time.UTC, 0)
	rep, err := e.ExportDay(context.Background(), time.Date(2023, 1, 1, 15, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	require.Equal(t, "2023-01-01", rep.Day)
	require.Equal(t, map[string]int{"foo": 2}, rep.Counts)
	require.Equal(t, 2, rep.Total())
	require.Equal(t, []string{filepath.Join(dir, "foo_2023-01-01.log")}, rep.Files)

	require.Equal(t,
		"[10:00:00] <alice; deleted at 10:01:00> hi\n"+
			"[10:00:05] <bob> yo\n",
		readFile(t, rep.Files[0]))
	require.Equal(t, []string{"foo_2023-01-01.log"}, listDir(t, dir))
}

func TestExportDay_OrderedAcrossPagesAndChannels(t *testing.T) {
	st := archive.NewInMemoryStore()
	day := time.Date(2023, 5, 6, 0, 0, 0, 0, time.UTC)

	offsets := rand.New(rand.NewSource(7)).Perm(200)
	for i, off := range offsets {
		ch := "foo"
		if i%3 == 0 {
			ch = "bar"
		}
		at := day.Add(time.Duration(off) * time.Minute)
		insert(t, st, ch, "user", at.Format(time.RFC3339), at)
	}

	// One row per page exercises the keyset pager end to end.
	e, dir := newExporter(t, st, time.UTC, 1)
	rep, err := e.ExportDay(context.Background(), day)
	require.NoError(t, err)
	require.Equal(t, 200, rep.Total())
	require.Len(t, rep.Files, 2)

	for _, name := range []string{"bar_2023-05-06.log", "foo_2023-05-06.log"} {
		lines := strings.Split(strings.TrimSuffix(readFile(t, filepath.Join(dir, name)), "\n"), "\n")
		prev := ""
		for _, l := range lines {
			clock, user, text := parseLine(t, l)
			require.Equal(t, "user", user)
			require.True(t, strings.HasSuffix(text, clock+"Z"), "line %q", l)
			require.Greater(t, text, prev)
			prev = text
		}
	}
	require.Equal(t, rep.Counts["bar"]+rep.Counts["foo"], 200)
}

func TestExportDay_HalfOpenDayBounds(t *testing.T) {
	st := archive.NewInMemoryStore()
	day := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	insert(t, st, "foo", "a", "before", day.Add(-time.Millisecond))
	insert(t, st, "foo", "a", "first", day)
	insert(t, st, "foo", "a", "last", day.Add(24*time.Hour-time.Second))
	insert(t, st, "foo", "a", "next day", day.Add(24*time.Hour))

	e, _ := newExporter(t, st, time.UTC, 0)
	rep, err := e.ExportDay(context.Background(), day.Add(12*time.Hour))
	require.NoError(t, err)
	require.Equal(t, "[00:00:00] <a> first\n[23:59:59] <a> last\n", readFile(t, rep.Files[0]))
}

func TestExportDay_UsesConfiguredZone(t *testing.T) {
	st := archive.NewInMemoryStore()
	plus2 := time.FixedZone("UTC+2", 2*3600)
	insert(t, st, "foo", "a", "new year", time.Date(2022, 12, 31, 22, 30, 0, 0, time.UTC))
	insert(t, st, "foo", "a", "old year", time.Date(2022, 12, 31, 21, 59, 0, 0, time.UTC))

	e, dir := newExporter(t, st, plus2, 0)
	rep, err := e.ExportDay(context.Background(), time.Date(2023, 1, 1, 12, 0, 0, 0, plus2))
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(dir, "foo_2023-01-01.log")}, rep.Files)
	require.Equal(t, "[00:30:00] <a> new year\n", readFile(t, rep.Files[0]))
}

func TestExportDay_RoundTripRecoversUserAndText(t *testing.T) {
	st := archive.NewInMemoryStore()
	day := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	want := [][2]string{
		{"alice", "hi"},
		{"Bob_99", "text with <angle> brackets; and semicolons"},
		{"carol", "  leading spaces kept"},
	}
	for i, w := range want {
		insert(t, st, "foo", w[0], w[1], day.Add(time.Duration(i)*time.Second))
	}

	e, _ := newExporter(t, st, time.UTC, 0)
	rep, err := e.ExportDay(context.Background(), day)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSuffix(readFile(t, rep.Files[0]), "\n"), "\n")
	require.Len(t, lines, len(want))
	for i, l := range lines {
		_, user, text := parseLine(t, l)
		require.Equal(t, want[i][0], user)
		require.Equal(t, want[i][1], text)
	}
}

func TestExportDay_EmptyDayWritesNothing(t *testing.T) {
	e, dir := newExporter(t, archive.NewInMemoryStore(), time.UTC, 0)
	rep, err := e.ExportDay(context.Background(), time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Zero(t, rep.Total())
	require.Empty(t, rep.Files)
	require.Empty(t, listDir(t, dir))
}

func TestExportDay_RerunReplacesPreviousOutput(t *testing.T) {
	st := archive.NewInMemoryStore()
	day := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	insert(t, st, "foo", "a", "one", day.Add(time.Hour))

	e, _ := newExporter(t, st, time.UTC, 0)
	_, err := e.ExportDay(context.Background(), day)
	require.NoError(t, err)

	insert(t, st, "foo", "a", "two", day.Add(2*time.Hour))
	rep, err := e.ExportDay(context.Background(), day)
	require.NoError(t, err)
	require.Equal(t, "[01:00:00] <a> one\n[02:00:00] <a> two\n", readFile(t, rep.Files[0]))
}

// brokenStore fails every Scan after the first page.
type brokenStore struct {
	*archive.InMemoryStore
	scans int
}

func (b *brokenStore) Scan(ctx context.Context, f archive.Filter, after *archive.Cursor, limit int, fn func(*archive.Message) error) (int, error) {
	b.scans++
	if b.scans > 1 {
		return 0, errors.New("connection lost")
	}
	return b.InMemoryStore.Scan(ctx, f, after, limit, fn)
}

func TestExportDay_FailureLeavesNoOutput(t *testing.T) {
	st := &brokenStore{InMemoryStore: archive.NewInMemoryStore()}
	day := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		insert(t, st, "foo", "a", "m", day.Add(time.Duration(i)*time.Second))
	}

	e, dir := newExporter(t, st, time.UTC, 1)
	_, err := e.ExportDay(context.Background(), day)
	require.Error(t, err)
	require.Contains(t, err.Error(), "connection lost")
	require.Empty(t, listDir(t, dir))
}

func TestFileName(t *testing.T) {
	day := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	require.Equal(t, "forsen_2023-01-01.log", fileName("forsen", day))
	require.Equal(t, "_.._etc_2023-01-01.log", fileName("/../etc", day))
	require.Equal(t, "__2023-01-01.log", fileName("..", day))
}

func TestNewExporter_Validation(t *testing.T) {
	_, err := NewExporter(ExporterConfig{Dir: "x"})
	require.Error(t, err)
	_, err = NewExporter(ExporterConfig{Store: archive.NewInMemoryStore(), Dir: " "})
	require.Error(t, err)
}
