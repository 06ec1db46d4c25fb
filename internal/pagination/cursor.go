// Package pagination provides cursor-based pagination utilities.
//
// Trades, events and ratings all carry a store-assigned monotonic id,
// so list endpoints page by id (descending) rather than by timestamp.
package pagination

import (
	"encoding/base64"
	"fmt"
	"strconv"
)

// Limits for list endpoints.
const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// Encode returns an opaque cursor string for a record id.
func Encode(id int64) string {
	return base64.URLEncoding.EncodeToString([]byte(strconv.FormatInt(id, 10)))
}

// Decode parses an opaque cursor string. Returns 0 for empty input.
func Decode(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor")
	}
	id, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor")
	}
	return id, nil
}

// ParseLimit parses a limit query parameter, applying the default and cap.
func ParseLimit(s string) int {
	if s == "" {
		return DefaultLimit
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return DefaultLimit
	}
	if n > MaxLimit {
		return MaxLimit
	}
	return n
}

// ComputePage takes a slice of items (fetched with limit+1), the requested
// limit, and a function to extract the id from an item.
// Returns the trimmed items, next cursor, and has_more flag.
func ComputePage[T any](items []T, limit int, extractID func(T) int64) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	return items, Encode(extractID(items[len(items)-1])), true
}
