package app

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
)

const (
	ansiReset   = "\x1b[0m"
	ansiDim     = "\x1b[2m"
	ansiBold    = "\x1b[1m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
)

// levelStyles is ordered from most to least severe; the first floor a level reaches wins.
var levelStyles = []struct {
	floor slog.Level
	tag   string
	color string
}{
	{slog.LevelError, "[ERROR]", ansiRed},
	{slog.LevelWarn, "[WARN]", ansiYellow},
	{slog.LevelInfo, "[INFO]", ansiBlue},
	{slog.Level(-1 << 31), "[DEBUG]", ansiMagenta},
}

// outcomeColors tints the result values emitted by the HTTP, ingest and search paths.
var outcomeColors = map[string]string{
	"ok":           ansiGreen,
	"success":      ansiGreen,
	"client_error": ansiYellow,
	"bad_request":  ansiYellow,
	"conflict":     ansiYellow,
	"malformed":    ansiYellow,
	"error":        ansiRed,
	"server_error": ansiRed,
	"truncated":    ansiRed,
}

// prettyHandler renders records as a single key=value line meant for a terminal.
// Attributes given to WithAttrs are rendered once, under the group path open at that moment.
type prettyHandler struct {
	out       io.Writer
	mu        *sync.Mutex
	min       slog.Leveler
	addSource bool
	color     bool
	scope     string
	bound     string
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, color bool) slog.Handler {
	h := &prettyHandler{out: w, mu: new(sync.Mutex), min: slog.LevelInfo, color: color}
	if opts != nil {
		if opts.Level != nil {
			h.min = opts.Level
		}
		h.addSource = opts.AddSource
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.min.Level()
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	at := r.Time
	if at.IsZero() {
		at = time.Now()
	}

	line := make([]byte, 0, 256)
	line = append(line, "ts="...)
	line = h.tint(line, ansiDim, at.Format("15:04:05.000"))
	line = append(line, " lvl="...)
	for _, s := range levelStyles {
		if r.Level >= s.floor {
			line = h.tint(line, s.color, s.tag)
			break
		}
	}
	line = append(line, " msg="...)
	line = h.tint(line, ansiBold, quoted(r.Message))

	if h.addSource && r.PC != 0 {
		if f, _ := runtime.CallersFrames([]uintptr{r.PC}).Next(); f.File != "" {
			line = append(line, " src="...)
			line = h.tint(line, ansiDim, filepath.Base(f.File)+":"+strconv.Itoa(f.Line))
		}
	}

	line = append(line, h.bound...)
	r.Attrs(func(a slog.Attr) bool {
		line = h.render(line, h.scope, a)
		return true
	})
	line = append(line, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.out.Write(line)
	return err
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	buf := []byte(h.bound)
	for _, a := range attrs {
		buf = h.render(buf, h.scope, a)
	}
	next := *h
	next.bound = string(buf)
	return &next
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	name = strings.TrimSpace(name)
	if name == "" {
		return h
	}
	next := *h
	next.scope = joinKey(h.scope, name)
	return &next
}

// render appends a as " key=value", flattening groups into dotted keys under scope.
func (h *prettyHandler) render(buf []byte, scope string, a slog.Attr) []byte {
	v := a.Value.Resolve()
	name := strings.TrimSpace(a.Key)

	if v.Kind() == slog.KindGroup {
		// Inline groups (empty key) splice their members into the current scope.
		if name != "" {
			scope = joinKey(scope, name)
		}
		for _, member := range v.Group() {
			buf = h.render(buf, scope, member)
		}
		return buf
	}
	if name == "" {
		return buf
	}

	key := joinKey(scope, name)
	buf = append(buf, ' ')
	buf = append(buf, key...)
	buf = append(buf, '=')
	return h.tint(buf, h.highlight(name, v), quoted(text(v)))
}

// highlight picks the color for the fields an operator looks for first, or "" for none.
func (h *prettyHandler) highlight(name string, v slog.Value) string {
	switch name {
	case "err":
		return ansiRed
	case "channel", "path", "route":
		return ansiCyan
	case "result":
		return outcomeColors[strings.ToLower(text(v))]
	case "status":
		if v.Kind() != slog.KindInt64 {
			return ""
		}
		switch code := v.Int64(); {
		case code >= 500:
			return ansiRed
		case code >= 400:
			return ansiYellow
		case code >= 300:
			return ansiCyan
		default:
			return ansiGreen
		}
	}
	return ""
}

func (h *prettyHandler) tint(buf []byte, color, s string) []byte {
	if !h.color || color == "" {
		return append(buf, s...)
	}
	buf = append(buf, color...)
	buf = append(buf, s...)
	return append(buf, ansiReset...)
}

func joinKey(scope, name string) string {
	if scope == "" {
		return name
	}
	return scope + "." + name
}

func text(v slog.Value) string {
	if v.Kind() == slog.KindTime {
		return v.Time().Format(time.RFC3339)
	}
	return v.String()
}

func quoted(s string) string {
	needs := s == "" || strings.IndexFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || r == '"' || r == '='
	}) >= 0
	if needs {
		return strconv.Quote(s)
	}
	return s
}
