// Package idempotency de-duplicates retried commands. A client sends the same
// X-Idempotency-Key with a retry and receives the stored response instead of
// a second execution.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/hireflow/model"
)

// Store persists command responses by idempotency key.
type Store interface {
	// Lookup returns the stored response for key. A key that was stored with
	// a different input hash yields a CONFLICT error.
	Lookup(ctx context.Context, key, inputHash string) (*Response, bool, error)

	// Save stores the response under key for ttl.
	Save(ctx context.Context, key, inputHash string, resp Response, ttl time.Duration) error
}

// Response is a replayable command response. Header holds the response
// headers a replay must repeat, such as ETag and Location.
type Response struct {
	StatusCode int               `json:"status_code"`
	Header     map[string]string `json:"header,omitempty"`
	Body       json.RawMessage   `json:"body"`
}

func (r Response) clone() Response {
	r.Body = append(json.RawMessage(nil), r.Body...)
	if r.Header != nil {
		r.Header = maps.Clone(r.Header)
	}
	return r
}

type record struct {
	InputHash string   `json:"input_hash"`
	Response  Response `json:"response"`
}

// Key builds the storage key for a command on an entity.
func Key(op, entityID, clientKey string) string {
	return fmt.Sprintf("idem:%s:%s:%s", op, entityID, clientKey)
}

// HashInput returns a stable digest of the actor and request body, so a key
// reused by another caller or with another body is detected.
func HashInput(actorID string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(actorID))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func keyConflict(key string) error {
	return model.NewConflictError(fmt.Sprintf("idempotency key %q already used with different input", key))
}

// --- MemoryStore ---

// MemoryStore keeps responses in process memory. Expired entries are removed
// lazily on lookup.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	rec       record
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memEntry), now: time.Now}
}

// Lookup implements Store.
func (s *MemoryStore) Lookup(_ context.Context, key, inputHash string) (*Response, bool, error) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	if !s.now().Before(entry.expiresAt) {
		s.mu.Lock()
		if cur, ok := s.entries[key]; ok && cur.expiresAt.Equal(entry.expiresAt) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return nil, false, nil
	}

	if entry.rec.InputHash != inputHash {
		return nil, true, keyConflict(key)
	}
	resp := entry.rec.Response.clone()
	return &resp, true, nil
}

// Save implements Store. An unexpired entry is never overwritten.
func (s *MemoryStore) Save(_ context.Context, key, inputHash string, resp Response, ttl time.Duration) error {
	resp = resp.clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if cur, ok := s.entries[key]; ok && now.Before(cur.expiresAt) {
		return nil
	}
	s.entries[key] = memEntry{
		rec:       record{InputHash: inputHash, Response: resp},
		expiresAt: now.Add(ttl),
	}
	return nil
}

// Len returns the number of entries, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// --- RedisStore ---

// RedisStore keeps responses in Redis with a per-key TTL.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Lookup implements Store.
func (s *RedisStore) Lookup(ctx context.Context, key, inputHash string) (*Response, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency record %q: %w", key, err)
	}
	if rec.InputHash != inputHash {
		return nil, true, keyConflict(key)
	}
	return &rec.Response, true, nil
}

// Save implements Store. The first writer wins; a concurrent retry that lost
// the race leaves the stored response untouched.
func (s *RedisStore) Save(ctx context.Context, key, inputHash string, resp Response, ttl time.Duration) error {
	data, err := json.Marshal(record{InputHash: inputHash, Response: resp})
	if err != nil {
		return fmt.Errorf("marshal idempotency record: %w", err)
	}
	if err := s.client.SetNX(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
