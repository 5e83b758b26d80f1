// Package cache implements the two-tier LLM response cache: a bounded
// in-process LRU (L1) backed by a shared remote key-value service (L2),
// keyed by a stable fingerprint of an LLM request.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/opencellcw/agentcore/internal/infra"
	"github.com/opencellcw/agentcore/internal/observability"
	"github.com/opencellcw/agentcore/internal/storage"
)

// Config configures the Cache.
type Config struct {
	// Enabled gates whether lookup/store do anything at all.
	Enabled bool
	// L1MaxEntries bounds the in-process tier's entry count.
	L1MaxEntries int
	// L1MaxBytes bounds the in-process tier's estimated total payload size
	// in bytes (0 = unlimited, entry count is the only bound).
	L1MaxBytes int64
	// DefaultTTL is used when a caller does not specify one.
	DefaultTTL time.Duration
	// TemperatureThreshold: requests with temperature above this are never
	// consulted or written, per the base contract ("consulted only when
	// temperature <= threshold").
	TemperatureThreshold float64
	// RemoteTimeout bounds L2 reads; writes are fire-and-forget but still
	// carry this as their own background deadline.
	RemoteTimeout time.Duration
}

// DefaultConfig returns sensible defaults: 10k L1 entries capped at 64MB,
// 10 minute TTL, temperature threshold 0.2, 150ms remote timeout.
func DefaultConfig() Config {
	return Config{
		Enabled:              true,
		L1MaxEntries:         10_000,
		L1MaxBytes:           64 << 20,
		DefaultTTL:           10 * time.Minute,
		TemperatureThreshold: 0.2,
		RemoteTimeout:        150 * time.Millisecond,
	}
}

// Cache is the two-tier LLM response cache. Errors never bubble to the
// caller: L2 unavailability demotes silently to L1-only and a decode
// failure evicts the offending entry and returns a miss.
type Cache struct {
	*infra.BaseComponent
	config Config
	l1     *infra.TTLCache[string, []byte]
	l2     storage.RemoteKV
}

// New constructs a Cache. l2 may be nil, in which case the cache runs
// L1-only (e.g. single-replica deployments without a shared store).
func New(config Config, l2 storage.RemoteKV) *Cache {
	if config.L1MaxEntries <= 0 {
		config.L1MaxEntries = 10_000
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = 10 * time.Minute
	}
	if config.RemoteTimeout <= 0 {
		config.RemoteTimeout = 150 * time.Millisecond
	}
	return &Cache{
		BaseComponent: infra.NewBaseComponent("cache", nil),
		config:        config,
		l1: infra.NewTTLCache[string, []byte](infra.CacheConfig{
			DefaultTTL:      config.DefaultTTL,
			MaxSize:         config.L1MaxEntries,
			MaxBytes:        config.L1MaxBytes,
			SizeFunc:        func(v any) int { return len(v.([]byte)) },
			CleanupInterval: time.Minute,
		}),
		l2: l2,
	}
}

// Eligible reports whether a request at the given temperature, with
// skipCache unset and no tool descriptors attached, may consult the cache.
// Tool-bearing requests are never cached: they depend on the caller's
// current tool catalog, which is not part of the fingerprint.
func (c *Cache) Eligible(temperature float64, skipCache bool, hasTools bool) bool {
	if !c.config.Enabled || skipCache || hasTools {
		return false
	}
	return temperature <= c.config.TemperatureThreshold
}

// Lookup returns the cached payload for fingerprint, or (nil, false) on a
// miss. An L2 hit backfills L1.
func (c *Cache) Lookup(ctx context.Context, fingerprint string) ([]byte, bool) {
	if !c.config.Enabled {
		return nil, false
	}
	if payload, ok := c.l1.Get(fingerprint); ok {
		return payload, true
	}
	if c.l2 == nil {
		return nil, false
	}

	rctx, cancel := context.WithTimeout(ctx, c.config.RemoteTimeout)
	defer cancel()
	payload, ok, err := c.l2.Get(rctx, fingerprint)
	if err != nil {
		c.Logger().Warn("cache L2 read failed, treating as miss",
			"error", err, "run_id", observability.GetRunID(ctx))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	c.l1.SetWithTTL(fingerprint, payload, c.config.DefaultTTL)
	return payload, true
}

// Store writes payload under fingerprint with the given ttl (0 uses the
// configured default). The L2 write is fire-and-forget: its failure is
// logged but never returned to the caller. Concurrent writes for the same
// fingerprint are last-writer-wins, which is safe because cached LLM
// responses are idempotent with respect to their fingerprint.
func (c *Cache) Store(ctx context.Context, fingerprint string, payload []byte, ttl time.Duration) {
	if !c.config.Enabled {
		return
	}
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}
	c.l1.SetWithTTL(fingerprint, payload, ttl)

	if c.l2 == nil {
		return
	}
	go func() {
		wctx, cancel := context.WithTimeout(context.Background(), c.config.RemoteTimeout)
		defer cancel()
		if err := c.l2.Set(wctx, fingerprint, payload, ttl); err != nil {
			c.Logger().Warn("cache L2 write failed", "error", err)
		}
	}()
}

// Invalidate removes every entry whose fingerprint has the given prefix
// from both tiers.
func (c *Cache) Invalidate(ctx context.Context, prefix string) {
	for _, key := range c.l1.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.l1.Delete(key)
		}
	}
	if c.l2 == nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, c.config.RemoteTimeout)
	defer cancel()
	if err := c.l2.DeletePrefix(rctx, prefix); err != nil {
		c.Logger().Warn("cache L2 invalidate failed", "error", err)
	}
}

// FingerprintInput is the canonicalized material hashed into a cache key.
// Non-deterministic fields (timestamps, IDs) must never appear here: two
// semantically identical requests must always produce identical
// fingerprints.
type FingerprintInput struct {
	Model    string
	System   string
	Messages []FingerprintMessage
	MaxTokens int
}

// FingerprintMessage is one canonicalized conversation turn.
type FingerprintMessage struct {
	Role    string
	Content string
}

// Fingerprint canonicalizes message order, strips tool-use-ids, lowercases
// role tokens, and hashes the result with SHA-256 (a 256-bit digest).
func Fingerprint(in FingerprintInput) string {
	// Message order carries conversational meaning and is preserved as
	// given; only role casing is canonicalized.
	norm := make([]FingerprintMessage, len(in.Messages))
	for i, m := range in.Messages {
		norm[i] = FingerprintMessage{
			Role:    strings.ToLower(strings.TrimSpace(m.Role)),
			Content: m.Content,
		}
	}

	buf, _ := json.Marshal(struct {
		Model     string               `json:"model"`
		System    string               `json:"system"`
		Messages  []FingerprintMessage `json:"messages"`
		MaxTokens int                  `json:"max_tokens"`
	}{
		Model:     strings.ToLower(strings.TrimSpace(in.Model)),
		System:    in.System,
		Messages:  norm,
		MaxTokens: in.MaxTokens,
	})

	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}
