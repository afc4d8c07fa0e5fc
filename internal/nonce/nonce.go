// Package nonce implements the Nonce Cache (C3): short-lived,
// at-most-one-outstanding admission challenges (spec §3, §4.3). Follows
// pkg/kernel/limiter_redis.go's atomic check-and-delete pattern,
// generalized from a token bucket to a single-use challenge value.
package nonce

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrExpired is returned by Consume when the ae_id's nonce TTL has elapsed.
var ErrExpired = errors.New("nonce: expired")

// ErrMismatch is returned by Consume when the presented value does not
// match the outstanding nonce for ae_id. MemCache also returns it when no
// nonce is outstanding; RedisCache cannot tell a missing key from an
// expired one and returns ErrExpired in that case.
var ErrMismatch = errors.New("nonce: mismatch")

// Cache issues and consumes admission nonces. Implementations MUST
// guarantee at-most-one outstanding nonce per ae_id (spec §3: "issuing a
// new nonce invalidates prior ones") and exactly-once consumption.
type Cache interface {
	Issue(ctx context.Context, aeID string) (string, error)
	Consume(ctx context.Context, aeID, value string) error
	// Peek returns the currently outstanding nonce value for aeID without
	// consuming it, so /verify can recover the plaintext challenge that
	// was signed (the wire contract carries only {ae_id, signed_nonce},
	// never the nonce itself) before calling Consume.
	Peek(ctx context.Context, aeID string) (string, bool)
}

// new32 returns a random 32-byte nonce, hex-encoded.
func new32() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("nonce: generate: %w", err)
	}
	return hex.EncodeToString(b), nil
}

type entry struct {
	value    string
	issuedAt time.Time
}

// MemCache is an in-memory, mutex-protected Cache (spec §5: "mutex
// protected in-memory map; operations are O(1)"). A process restart
// invalidates all outstanding challenges, which spec §4.3 accepts given
// the short TTL.
type MemCache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]entry
}

// NewMemCache returns a MemCache with the given challenge TTL.
func NewMemCache(ttl time.Duration) *MemCache {
	return &MemCache{ttl: ttl, entries: make(map[string]entry)}
}

func (c *MemCache) Issue(ctx context.Context, aeID string) (string, error) {
	v, err := new32()
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.entries[aeID] = entry{value: v, issuedAt: time.Now()}
	c.mu.Unlock()
	return v, nil
}

func (c *MemCache) Peek(ctx context.Context, aeID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[aeID]
	if !ok {
		return "", false
	}
	if time.Since(e.issuedAt) > c.ttl {
		delete(c.entries, aeID)
		return "", false
	}
	return e.value, true
}

func (c *MemCache) Consume(ctx context.Context, aeID, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[aeID]
	if !ok {
		return ErrMismatch
	}
	if time.Since(e.issuedAt) > c.ttl {
		delete(c.entries, aeID)
		return ErrExpired
	}
	if e.value != value {
		return ErrMismatch
	}
	delete(c.entries, aeID)
	return nil
}

// RedisCache is a Cache backed by Redis, for multi-instance deployments
// where admission requests may land on different processes (spec §9
// Open Question resolution in DESIGN.md). The consume operation uses a
// Lua script so the read-compare-delete sequence is atomic against
// concurrent replay attempts, the same pattern pkg/kernel/limiter_redis.go
// uses for its token-bucket check-and-decrement.
type RedisCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisCache returns a RedisCache using rdb, prefixing keys with
// "aegate:nonce:" to avoid colliding with other consumers of the same
// Redis instance.
func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl, prefix: "aegate:nonce:"}
}

func (c *RedisCache) key(aeID string) string {
	return c.prefix + aeID
}

func (c *RedisCache) Issue(ctx context.Context, aeID string) (string, error) {
	v, err := new32()
	if err != nil {
		return "", err
	}
	if err := c.rdb.Set(ctx, c.key(aeID), v, c.ttl).Err(); err != nil {
		return "", fmt.Errorf("nonce: redis set: %w", err)
	}
	return v, nil
}

func (c *RedisCache) Peek(ctx context.Context, aeID string) (string, bool) {
	v, err := c.rdb.Get(ctx, c.key(aeID)).Result()
	if err != nil {
		return "", false
	}
	return v, true
}

var consumeScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == false then
	return -1
end
if current ~= ARGV[1] then
	return 0
end
redis.call("DEL", KEYS[1])
return 1
`)

func (c *RedisCache) Consume(ctx context.Context, aeID, value string) error {
	res, err := consumeScript.Run(ctx, c.rdb, []string{c.key(aeID)}, value).Int()
	if err != nil {
		return fmt.Errorf("nonce: redis consume: %w", err)
	}
	switch res {
	case -1:
		return ErrExpired
	case 0:
		return ErrMismatch
	default:
		return nil
	}
}
