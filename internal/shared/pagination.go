package shared

import (
	"context"
	"encoding/base64"
	"errors"

	"github.com/google/uuid"
)

// CursorPolicy bounds page sizes for cursor pagination.
type CursorPolicy struct {
	DefaultLimit int
	MaxLimit     int
}

// DefaultCursorPolicy is used when no policy is configured.
var DefaultCursorPolicy = CursorPolicy{DefaultLimit: 20, MaxLimit: 100}

// Clamp maps limit into [1, MaxLimit]. Zero selects the default limit.
func (p CursorPolicy) Clamp(limit int) int {
	maxLimit := p.MaxLimit
	if maxLimit <= 0 {
		maxLimit = DefaultCursorPolicy.MaxLimit
	}
	if limit == 0 {
		limit = p.DefaultLimit
		if limit <= 0 {
			limit = DefaultCursorPolicy.DefaultLimit
		}
	}
	if limit < 1 {
		return 1
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

// Page is a window of an ID-ordered collection.
type Page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"nextCursor,omitempty"`
	HasMore    bool   `json:"hasMore"`
}

// EncodeCursor turns the ordering key of the last returned row into an opaque token.
func EncodeCursor(id uuid.UUID) string {
	return base64.RawURLEncoding.EncodeToString(id[:])
}

// DecodeCursor parses a token produced by EncodeCursor.
func DecodeCursor(cursor string) (uuid.UUID, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil || len(raw) != len(uuid.UUID{}) {
		return uuid.Nil, Validation("cursor", "malformed cursor")
	}
	id, err := uuid.FromBytes(raw)
	if err != nil {
		return uuid.Nil, Validation("cursor", "malformed cursor")
	}
	return id, nil
}

// FetchAfter loads at most n rows whose key is strictly greater than after,
// ordered by key ascending. A nil after starts from the beginning.
type FetchAfter[T any] func(ctx context.Context, after *uuid.UUID, n int) ([]T, error)

// Paginate fetches limit+1 rows after the cursor and trims the look-ahead row.
func Paginate[T any](ctx context.Context, policy CursorPolicy, cursor string, limit int, key func(T) uuid.UUID, fetch FetchAfter[T]) (Page[T], error) {
	if fetch == nil || key == nil {
		return Page[T]{}, errors.New("pagination: fetch and key required")
	}
	limit = policy.Clamp(limit)

	var after *uuid.UUID
	if cursor != "" {
		id, err := DecodeCursor(cursor)
		if err != nil {
			return Page[T]{}, err
		}
		after = &id
	}

	rows, err := fetch(ctx, after, limit+1)
	if err != nil {
		return Page[T]{}, err
	}

	page := Page[T]{Items: rows}
	if len(rows) > limit {
		page.HasMore = true
		page.Items = rows[:limit]
	}
	if page.Items == nil {
		page.Items = []T{}
	}
	if page.HasMore {
		page.NextCursor = EncodeCursor(key(page.Items[len(page.Items)-1]))
	}
	return page, nil
}
