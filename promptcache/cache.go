// Package promptcache stores rendered prompt context under content-addressed keys.
//
// Entries are immutable. A key is derived from every input that shapes the
// payload, so a changed input yields a new key rather than an edit. Two callers
// that miss on the same key may both compute and Put the same payload; the
// second write simply replaces the first.
package promptcache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"time"
)

// Entry is one cached payload.
type Entry struct {
	Key       string    `json:"key"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
	// ExpiresAt is zero for entries that never expire.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the entry is past its expiry at now.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Cache is a concurrency-safe prompt cache. Put is atomic per key and a read
// past expiry is a miss.
type Cache interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, key, payload string, ttl time.Duration) error
}

// NewKey derives the cache key for a rendered context. Inputs are length
// prefixed so that ("ab","c") and ("a","bc") never collide.
func NewKey(templateVersion, companyID, repID, fingerprint string) string {
	h := sha256.New()
	var n [8]byte
	for _, part := range []string{templateVersion, companyID, repID, fingerprint} {
		binary.BigEndian.PutUint64(n[:], uint64(len(part)))
		h.Write(n[:])
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func newEntry(key, payload string, now time.Time, ttl time.Duration) Entry {
	e := Entry{Key: key, Payload: payload, CreatedAt: now}
	if ttl > 0 {
		e.ExpiresAt = now.Add(ttl)
	}
	return e
}
