// Package pagination provides keyset pagination over int64 row ids.
//
// Ledger rows are append-only with monotonically increasing ids, so the last
// id seen is a stable position even while new rows are inserted.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
	cursorPrefix = "id:"
)

// ErrInvalidCursor is returned for cursors not produced by Encode.
var ErrInvalidCursor = errors.New("invalid cursor")

// Page is one page of results.
type Page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
	HasMore    bool   `json:"has_more"`
}

// Encode returns an opaque cursor string for a row id.
func Encode(id int64) string {
	return base64.URLEncoding.EncodeToString([]byte(cursorPrefix + strconv.FormatInt(id, 10)))
}

// Decode parses an opaque cursor string. Returns 0 for empty input.
func Decode(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return 0, ErrInvalidCursor
	}
	rest, ok := strings.CutPrefix(string(raw), cursorPrefix)
	if !ok {
		return 0, ErrInvalidCursor
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrInvalidCursor
	}
	return id, nil
}

// Limit clamps a requested page size to [1, MaxLimit], using DefaultLimit
// for non-positive requests.
func Limit(requested int) int {
	switch {
	case requested <= 0:
		return DefaultLimit
	case requested > MaxLimit:
		return MaxLimit
	default:
		return requested
	}
}

// ComputePage takes a slice of items (fetched with limit+1), the requested limit,
// and a function to extract the id from an item.
// Returns the trimmed page with the next cursor and has_more flag.
func ComputePage[T any](items []T, limit int, extractID func(T) int64) Page[T] {
	if len(items) <= limit {
		return Page[T]{Items: items}
	}
	items = items[:limit]
	last := items[len(items)-1]
	return Page[T]{Items: items, NextCursor: Encode(extractID(last)), HasMore: true}
}
