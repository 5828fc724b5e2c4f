// Package search serves the newest matching archived messages of a channel as a streamed transcript.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"chatlog/cmd/internal/archive"
	"chatlog/cmd/internal/metrics"
)

// DefaultMaxRows is the hard cap on rows returned by one search.
const DefaultMaxRows = 1_000_000

// Config configures a Service.
type Config struct {
	Store archive.Store
	// Location renders line times (UTC when nil).
	Location *time.Location
	// MaxRows caps the rows returned per request (DefaultMaxRows when zero).
	MaxRows int
	// PageBytes bounds the memory of one page of fetched rows (archive.DefaultPageBytes when zero).
	PageBytes int
	Logger    *slog.Logger
}

// Service answers searches from the archive.
type Service struct {
	store    archive.Store
	loc      *time.Location
	maxRows  int
	pageRows int
	log      *slog.Logger
}

// NewService validates cfg and builds a Service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("search: nil store")
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.MaxRows == 0 {
		cfg.MaxRows = DefaultMaxRows
	}
	if cfg.MaxRows < 0 {
		return nil, errors.New("search: max rows must be positive")
	}
	if cfg.PageBytes <= 0 {
		cfg.PageBytes = archive.DefaultPageBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		store:    cfg.Store,
		loc:      cfg.Location,
		maxRows:  cfg.MaxRows,
		pageRows: archive.PageRows(cfg.PageBytes),
		log:      cfg.Logger,
	}, nil
}

// Search calls emit with each rendered line of the newest q.Limit matches, oldest first.
// It returns the number of lines emitted.
func (s *Service) Search(ctx context.Context, q Query, emit func(line string) error) (int, error) {
	limit := q.Limit
	if limit <= 0 || limit > s.maxRows {
		return 0, ErrLimitExceeded
	}

	f := archive.Filter{
		Channel:   q.Channel,
		Usernames: q.Usernames,
		Since:     q.Start,
		Until:     q.End,
	}

	// Pin the newest match so rows written while streaming are not tailed.
	newest, err := s.store.Boundary(ctx, f, 0)
	if err != nil {
		return 0, err
	}
	if newest == nil {
		return 0, nil
	}
	f.UpTo = newest

	// Everything strictly after the boundary is exactly the newest limit matches.
	start, err := s.store.Boundary(ctx, f, limit)
	if err != nil {
		return 0, err
	}

	// Late rows can still land inside the window; the budget keeps the cap exact.
	emitted := 0
	n, err := archive.Walk(ctx, s.store, f, start, s.pageRows, func(m *archive.Message) error {
		if err := emit(archive.FormatLine(m, s.loc)); err != nil {
			return err
		}
		if emitted++; emitted == limit {
			return errCapReached
		}
		return nil
	})
	if errors.Is(err, errCapReached) {
		err = nil
	}
	return n, err
}

var errCapReached = errors.New("search: row cap reached")

// ServeHTTP handles GET /search/{channel}.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q, notes, err := ParseQuery(chi.URLParam(r, "channel"), r.URL.Query(), s.maxRows)
	for _, n := range notes {
		s.log.Info("search.param.ignored", "note", n)
	}
	if err != nil {
		metrics.SearchRequests.WithLabelValues("bad_request").Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sw := &streamWriter{w: w, rc: http.NewResponseController(w)}
	n, err := s.Search(r.Context(), q, sw.line)
	switch {
	case err == nil:
		sw.begin()
		metrics.SearchRequests.WithLabelValues("ok").Inc()
		s.log.Debug("search.done", "channel", q.Channel, "lines", n)
	case !sw.started:
		metrics.SearchRequests.WithLabelValues("error").Inc()
		s.log.Error("search.fail", "channel", q.Channel, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to query messages")
	default:
		// Headers are gone; the client sees a body that simply ends early.
		metrics.SearchRequests.WithLabelValues("truncated").Inc()
		s.log.Error("search.stream.truncated", "channel", q.Channel, "lines", n, "err", err)
	}
}

// streamWriter sends the 200 header with the first line and flushes after every line.
type streamWriter struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
}

func (sw *streamWriter) begin() {
	if sw.started {
		return
	}
	sw.started = true
	sw.w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	sw.w.Header().Set("Cache-Control", "no-store")
	sw.w.Header().Set("X-Content-Type-Options", "nosniff")
	sw.w.WriteHeader(http.StatusOK)
}

func (sw *streamWriter) line(s string) error {
	sw.begin()
	if _, err := sw.w.Write([]byte(s)); err != nil {
		return err
	}
	metrics.SearchLines.Inc()
	if err := sw.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

type errorBody struct {
	Status int    `json:"status"`
	Error  string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Status: status, Error: msg})
}
