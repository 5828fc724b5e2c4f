// Package rollup writes each day's archived messages to per-channel text files, on a midnight schedule or on
// demand.
package rollup

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"chatlog/cmd/internal/archive"
)

const dayLayout = "2006-01-02"

// ExporterConfig configures an Exporter.
type ExporterConfig struct {
	Store archive.Store
	Dir   string
	// Location decides where calendar days begin and how line times render (UTC when nil).
	Location *time.Location
	// PageBytes bounds the memory of one page of fetched rows (archive.DefaultPageBytes when zero).
	PageBytes int
	Logger    *slog.Logger
}

// Exporter renders one calendar day of messages into files named <channel>_<YYYY-MM-DD>.log.
type Exporter struct {
	store    archive.Store
	dir      string
	loc      *time.Location
	pageRows int
	log      *slog.Logger
}

// Report summarizes a completed export.
type Report struct {
	Day    string
	Counts map[string]int // messages written per channel
	Files  []string       // final paths, sorted
}

// Total returns the number of messages written across channels.
func (r Report) Total() int {
	n := 0
	for _, c := range r.Counts {
		n += c
	}
	return n
}

// NewExporter validates cfg and builds an Exporter.
func NewExporter(cfg ExporterConfig) (*Exporter, error) {
	if cfg.Store == nil {
		return nil, errors.New("rollup: nil store")
	}
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, errors.New("rollup: output dir is required")
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.PageBytes <= 0 {
		cfg.PageBytes = archive.DefaultPageBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Exporter{
		store:    cfg.Store,
		dir:      cfg.Dir,
		loc:      cfg.Location,
		pageRows: archive.PageRows(cfg.PageBytes),
		log:      cfg.Logger,
	}, nil
}

// DayBounds returns [start, end) of the calendar day containing t in loc.
func DayBounds(t time.Time, loc *time.Location) (time.Time, time.Time) {
	y, m, d := t.In(loc).Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}

// ExportDay writes every message of the calendar day containing day. Files are only put in place once every
// one of them is flushed and synced; on any error none are, and the partial output is removed.
func (e *Exporter) ExportDay(ctx context.Context, day time.Time) (Report, error) {
	start, end := DayBounds(day, e.loc)
	rep := Report{Day: start.Format(dayLayout), Counts: make(map[string]int)}

	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return rep, fmt.Errorf("rollup: create dir: %w", err)
	}

	files := make(map[string]*dayFile)
	abort := func() {
		for _, f := range files {
			f.discard()
		}
	}

	_, err := archive.Walk(ctx, e.store, archive.Filter{Since: start, Before: end}, nil, e.pageRows, func(m *archive.Message) error {
		name := fileName(m.Channel, m.Timestamp.In(e.loc))
		f, ok := files[name]
		if !ok {
			var err error
			if f, err = createDayFile(filepath.Join(e.dir, name)); err != nil {
				return err
			}
			files[name] = f
		}
		if _, err := f.w.WriteString(archive.FormatLine(m, e.loc)); err != nil {
			return fmt.Errorf("rollup: write %s: %w", name, err)
		}
		rep.Counts[m.Channel]++
		return nil
	})
	if err != nil {
		abort()
		return rep, fmt.Errorf("rollup: export %s: %w", rep.Day, err)
	}

	for name, f := range files {
		if err := f.finish(); err != nil {
			abort()
			return rep, fmt.Errorf("rollup: finish %s: %w", name, err)
		}
	}
	for _, f := range files {
		if err := os.Rename(f.tmp, f.path); err != nil {
			abort()
			return rep, fmt.Errorf("rollup: publish %s: %w", f.path, err)
		}
		f.published = true
		rep.Files = append(rep.Files, f.path)
	}
	sort.Strings(rep.Files)
	if err := syncDir(e.dir); err != nil {
		return rep, fmt.Errorf("rollup: sync dir: %w", err)
	}

	channels := make([]string, 0, len(rep.Counts))
	for ch := range rep.Counts {
		channels = append(channels, ch)
	}
	sort.Strings(channels)
	for _, ch := range channels {
		e.log.Info("rollup.channel.done", "day", rep.Day, "channel", ch, "messages", rep.Counts[ch])
	}
	return rep, nil
}

// fileName maps a channel and day to its output file. Path separators in the channel are replaced.
func fileName(channel string, day time.Time) string {
	safe := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == 0 {
			return '_'
		}
		return r
	}, channel)
	if safe == "" || safe == "." || safe == ".." {
		safe = "_"
	}
	return safe + "_" + day.Format(dayLayout) + ".log"
}

// dayFile is one output file, written to a temporary sibling until published.
type dayFile struct {
	path      string
	tmp       string
	f         *os.File
	w         *bufio.Writer
	closed    bool
	published bool
}

func createDayFile(path string) (*dayFile, error) {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("rollup: create %s: %w", tmp, err)
	}
	return &dayFile{path: path, tmp: tmp, f: f, w: bufio.NewWriterSize(f, 64<<10)}, nil
}

// finish flushes, fsyncs and closes the temporary file.
func (d *dayFile) finish() error {
	if err := d.w.Flush(); err != nil {
		return err
	}
	if err := d.f.Sync(); err != nil {
		return err
	}
	d.closed = true
	return d.f.Close()
}

// discard drops unpublished output.
func (d *dayFile) discard() {
	if !d.closed {
		_ = d.f.Close()
		d.closed = true
	}
	if !d.published {
		_ = os.Remove(d.tmp)
	}
}

func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	return f.Sync()
}
