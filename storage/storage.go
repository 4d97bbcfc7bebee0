// Package storage holds the cache store abstraction and the bundled
// backends. The caching middleware only ever talks to the Store
// interface; which backend sits behind it is a deployment decision.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the requested key is not in the store.
var ErrNotFound = errors.New("storage: entry not found")

// Store is the persistence contract the caching middleware consumes.
// A failing Get is treated as a miss upstream; a failing Set is logged
// and otherwise ignored.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the entry stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) (*Entry, error)
	// Set stores entry under key with the given time to live.
	Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error
}

// Entry is a single cached response. Entries are immutable once
// written; a refresh writes a new entry under the same key instead of
// mutating the stored one.
type Entry struct {
	// IssuedAt is the response generation time in epoch seconds,
	// backdated by any age the response already had when stored.
	IssuedAt int64 `json:"issued_at"`
	// ExpiresAt is the nominal expiry in epoch seconds. Entries may
	// outlive it in backends without native expiry; readers decide
	// what to do with a stale entry.
	ExpiresAt int64 `json:"expires_at"`

	StatusCode    int    `json:"status_code"`
	StatusMessage string `json:"status_message"`

	ContentType     string `json:"content_type"`
	ContentLength   int64  `json:"content_length"`
	ContentEncoding string `json:"content_encoding,omitempty"`

	Body []byte `json:"body"`
}

// Age returns the entry's age at time now, in whole seconds.
func (e *Entry) Age(now time.Time) int64 {
	return now.Unix() - e.IssuedAt
}

// Remaining returns the seconds until nominal expiry at time now.
// Negative when the entry is already past its expiry.
func (e *Entry) Remaining(now time.Time) int64 {
	return e.ExpiresAt - now.Unix()
}
