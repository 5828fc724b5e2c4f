package archive

import (
	"strings"
	"time"
)

const clockLayout = "15:04:05"

// FormatLine renders m as one transcript line, newline included:
//
//	[HH:MM:SS] <username> text
//	[HH:MM:SS] <username; deleted at HH:MM:SS> text
//
// Times are rendered in loc (UTC when nil).
func FormatLine(m *Message, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}

	var b strings.Builder
	b.Grow(len(m.Username) + len(m.Text) + 40)

	b.WriteByte('[')
	b.WriteString(m.Timestamp.In(loc).Format(clockLayout))
	b.WriteString("] <")
	b.WriteString(m.Username)
	if m.DeletedAt != nil {
		b.WriteString("; deleted at ")
		b.WriteString(m.DeletedAt.In(loc).Format(clockLayout))
	}
	b.WriteString("> ")
	b.WriteString(m.Text)
	b.WriteByte('\n')
	return b.String()
}
