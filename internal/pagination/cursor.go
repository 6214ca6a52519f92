// Package pagination implements the keyset cursor used by the order
// listing endpoints. Pages are ordered newest first on (created_at, id);
// the cursor names the last order of the previous page, so inserts and
// deletes between requests never shift or repeat rows the way an offset
// would.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalid is returned for cursors this process did not mint.
var ErrInvalid = errors.New("invalid cursor")

// Cursor is the decoded resume point: the creation time and ID of the
// last order the client has seen.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode packs the resume point into an opaque URL-safe string. Clients
// must treat it as a token; the layout is not part of the API.
func Encode(createdAt time.Time, id string) string {
	raw := strconv.FormatInt(createdAt.UnixNano(), 10) + "|" + id
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// Decode unpacks a cursor produced by Encode. An empty string decodes to
// nil, meaning the first page.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalid
	}
	nanosPart, id, found := strings.Cut(string(raw), "|")
	if !found {
		return nil, ErrInvalid
	}
	nanos, err := strconv.ParseInt(nanosPart, 10, 64)
	if err != nil {
		return nil, ErrInvalid
	}
	return &Cursor{
		CreatedAt: time.Unix(0, nanos).UTC(),
		ID:        id,
	}, nil
}

// ComputePage trims a limit+1 fetch down to the page the client asked
// for. The extra row, when present, only signals that another page
// exists; the next cursor points at the last row actually returned.
func ComputePage[T any](items []T, limit int, key func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	page := items[:limit]
	createdAt, id := key(page[len(page)-1])
	return page, Encode(createdAt, id), true
}
