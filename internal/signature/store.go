// Package signature caches opaque thought signatures returned by the
// upstream alongside function-call turns. Echoing a cached signature back in
// a later turn permits continued thinking mode; without one the upstream
// rejects thinking+tools requests with a 400.
//
// The cache is process-wide, LRU-bounded and deliberately unpersisted:
// signatures are only meaningful within the lifetime of the upstream
// conversation state, so process restart clears them.
package signature

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// minSize is the smallest permitted cache capacity.
const minSize = 256

// minSignatureLen is the shortest blob treated as a real signature; anything
// shorter is indistinguishable from noise.
const minSignatureLen = 10

// Entry is one cached signature.
type Entry struct {
	Signature string
	CreatedAt time.Time
}

// Store is a bounded fingerprint → signature cache. Safe for concurrent use.
type Store struct {
	cache *lru.Cache[string, Entry]
}

// New creates a Store with the given capacity, clamped to minSize.
func New(size int) *Store {
	if size < minSize {
		size = minSize
	}
	// lru.New only errors on non-positive size, which the clamp rules out.
	cache, _ := lru.New[string, Entry](size)
	return &Store{cache: cache}
}

// IsValid reports whether a blob qualifies as a signature.
func IsValid(sig string) bool {
	return len(sig) >= minSignatureLen
}

// Store caches a signature under its own value, set-style. Invalid blobs are
// ignored and reported as false.
func (s *Store) Store(sig string) bool {
	if !IsValid(sig) {
		return false
	}
	s.cache.Add(sig, Entry{Signature: sig, CreatedAt: time.Now().UTC()})
	return true
}

// Put caches a signature for a specific conversation fingerprint.
func (s *Store) Put(fingerprint, sig string) bool {
	if fingerprint == "" || !IsValid(sig) {
		return false
	}
	s.cache.Add(fingerprint, Entry{Signature: sig, CreatedAt: time.Now().UTC()})
	return true
}

// Has reports whether sig was previously stored via Store.
func (s *Store) Has(sig string) bool {
	if !IsValid(sig) {
		return false
	}
	return s.cache.Contains(sig)
}

// Lookup returns the signature cached for a conversation fingerprint.
func (s *Store) Lookup(fingerprint string) (string, bool) {
	e, ok := s.cache.Get(fingerprint)
	if !ok {
		return "", false
	}
	return e.Signature, true
}

// HasValid reports whether a usable signature exists for the conversation.
// With a fingerprint, that conversation's entry is checked first; any valid
// cached signature also qualifies, since the upstream accepts signatures
// across turns of the same account session.
func (s *Store) HasValid(fingerprint string) bool {
	if fingerprint != "" {
		if sig, ok := s.Lookup(fingerprint); ok && IsValid(sig) {
			return true
		}
	}
	for _, e := range s.cache.Values() {
		if IsValid(e.Signature) {
			return true
		}
	}
	return false
}

// Clear evicts every entry.
func (s *Store) Clear() {
	s.cache.Purge()
}

// Len returns the number of cached entries.
func (s *Store) Len() int {
	return s.cache.Len()
}
