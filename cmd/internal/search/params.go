package search

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrLimitExceeded reports a requested row count the service refuses to serve.
var ErrLimitExceeded = errors.New("search: requested limit exceeds the row cap")

var (
	userParams  = []string{"user", "username", "usernames", "name", "names"}
	startParams = []string{"start-time", "start", "from"}
	endParams   = []string{"end-time", "end", "to"}
)

// Query is a parsed search request.
type Query struct {
	Channel   string
	Usernames []string
	// Start and End are inclusive; zero means unbounded.
	Start time.Time
	End   time.Time
	// Limit is the number of newest matches to return.
	Limit int
}

// ParseQuery builds a Query from the path channel and the URL query.
// Unparseable time bounds are dropped and reported in the returned notes rather than failing the request.
func ParseQuery(channel string, v url.Values, maxRows int) (Query, []string, error) {
	q := Query{
		Channel: strings.ToLower(strings.TrimSpace(channel)),
		Limit:   maxRows,
	}
	if q.Channel == "" {
		return q, nil, errors.New("search: channel is required")
	}

	seen := make(map[string]struct{})
	for _, key := range userParams {
		for _, raw := range v[key] {
			for _, u := range strings.Split(raw, ",") {
				u = strings.ToLower(strings.TrimSpace(u))
				if u == "" {
					continue
				}
				if _, dup := seen[u]; dup {
					continue
				}
				seen[u] = struct{}{}
				q.Usernames = append(q.Usernames, u)
			}
		}
	}

	var notes []string
	if raw, ok := first(v, startParams); ok {
		if t, ok := ParseTime(raw); ok {
			q.Start = t
		} else {
			notes = append(notes, fmt.Sprintf("ignoring unparseable start time %q", raw))
		}
	}
	if raw, ok := first(v, endParams); ok {
		if t, ok := ParseTime(raw); ok {
			q.End = t
		} else {
			notes = append(notes, fmt.Sprintf("ignoring unparseable end time %q", raw))
		}
	}

	if raw := strings.TrimSpace(v.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxRows {
			return q, notes, fmt.Errorf("%w: limit %q must be between 1 and %d", ErrLimitExceeded, raw, maxRows)
		}
		q.Limit = n
	}
	return q, notes, nil
}

// first returns the first non-empty value among keys, in key order.
func first(v url.Values, keys []string) (string, bool) {
	for _, k := range keys {
		if s := strings.TrimSpace(v.Get(k)); s != "" {
			return s, true
		}
	}
	return "", false
}

// Date-time layouts accepted for time bounds. Layouts without a zone are read as UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"2 Jan 2006 15:04:05 -0700",
	time.RFC822Z,
	time.RFC822,
	time.RFC850,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseTime accepts unix seconds or one of the common date-time layouts.
func ParseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), true
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
