// Package cache implements the PreviewCache: a keyed memo of preview
// outcomes so two races for the same (model, query, token cap) within TTL
// don't re-pay the backend. Grounded on the original
// `services/cache_redis.py` (sha256 key, setex with TTL, silent miss on any
// backend failure) generalized to an in-process backend plus an optional
// redis backend, matching spec.md §4.6/§4.7's "local and/or remote" split.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/racebandit/llmrace/internal/racetypes"
)

// DefaultTTL matches spec.md's default preview cache TTL.
const DefaultTTL = 600 * time.Second

// Entry is the cached value: the preview text plus its token cost.
type Entry struct {
	Text           string `json:"text"`
	TokensConsumed int    `json:"tokens_consumed"`
}

// Backend is the narrow storage contract a PreviewCache drives. Any backend
// failure must degrade to a miss rather than propagate, per spec.md §4.6.
type Backend interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, key string, entry Entry, ttl time.Duration) error
}

// Key computes the spec-mandated cache key:
// sha256(model || "\x00" || query_text || "\x00" || preview_token_cap).
func Key(model racetypes.ModelID, queryText string, previewTokenCap int) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(queryText))
	h.Write([]byte{0})
	h.Write([]byte(fmt.Sprintf("%d", previewTokenCap)))
	return hex.EncodeToString(h.Sum(nil))
}

// PreviewCache fans a Get/Put API out to one or two Backends: a local
// in-process backend always present, and an optional remote backend. When
// both are configured, writes go to both and reads prefer the remote,
// falling back to local on remote failure or miss.
type PreviewCache struct {
	local  Backend
	remote Backend
	ttl    time.Duration
}

// New creates a PreviewCache. remote may be nil to disable the remote tier.
func New(remote Backend, ttl time.Duration) *PreviewCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &PreviewCache{
		local:  NewMemoryBackend(),
		remote: remote,
		ttl:    ttl,
	}
}

// Get looks up key, preferring the remote backend when configured.
func (c *PreviewCache) Get(ctx context.Context, key string) (Entry, bool) {
	if c.remote != nil {
		if entry, ok, err := c.remote.Get(ctx, key); err == nil && ok {
			return entry, true
		}
	}
	entry, ok, err := c.local.Get(ctx, key)
	if err != nil || !ok {
		return Entry{}, false
	}
	return entry, true
}

// Put writes key to every configured backend. Backend errors are swallowed:
// a failed write degrades the cache, never the race.
func (c *PreviewCache) Put(ctx context.Context, key string, entry Entry) {
	_ = c.local.Put(ctx, key, entry, c.ttl)
	if c.remote != nil {
		_ = c.remote.Put(ctx, key, entry, c.ttl)
	}
}

// MemoryBackend is the process-local Backend: a TTL-respecting map guarded
// by a mutex, safe for concurrent Get/Put as spec.md §5 requires.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value     Entry
	expiresAt time.Time
}

// NewMemoryBackend creates an empty in-process cache backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]memoryEntry)}
}

// Get implements Backend.
func (b *MemoryBackend) Get(_ context.Context, key string) (Entry, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	if time.Now().After(e.expiresAt) {
		delete(b.entries, key)
		return Entry{}, false, nil
	}
	return e.value, true, nil
}

// Put implements Backend.
func (b *MemoryBackend) Put(_ context.Context, key string, entry Entry, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[key] = memoryEntry{value: entry, expiresAt: time.Now().Add(ttl)}
	return nil
}

// marshalEntry/unmarshalEntry are shared by remote backends that store the
// Entry as an opaque JSON blob (matching cache_redis.py's json.dumps).
func marshalEntry(e Entry) ([]byte, error) { return json.Marshal(e) }

func unmarshalEntry(data []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, err
	}
	return e, nil
}
