package archive

import (
	"context"
	"errors"
)

// Walk visits every row matching f in ascending (timestamp, id) order, fetching pageRows rows per query and
// resuming each page strictly after the last row seen. Only one page is in flight at any time.
// Walk starts strictly after start when it is non-nil and returns the number of rows visited.
func Walk(ctx context.Context, st Store, f Filter, start *Cursor, pageRows int, fn func(*Message) error) (int, error) {
	if st == nil {
		return 0, errors.New("archive: nil store")
	}
	if pageRows <= 0 {
		pageRows = 1
	}

	var (
		total int
		after = start
	)
	for {
		var last Cursor
		n, err := st.Scan(ctx, f, after, pageRows, func(m *Message) error {
			last = CursorOf(m)
			return fn(m)
		})
		total += n
		if err != nil {
			return total, err
		}
		if n < pageRows {
			return total, nil
		}
		after = &last
	}
}
