// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mnemos Contributors

package embed

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/dgraph-io/ristretto"

	mnemoserr "github.com/mnemos-ai/mnemos/pkg/errors"
)

// Cache memoizes embedding results keyed by content hash. Identical text
// always embeds to the same vector, so a hit skips the upstream call
// entirely. Entries expire after the configured TTL to bound memory on
// long-running servers.
type Cache struct {
	cache *ristretto.Cache
	ttl   time.Duration
}

// NewCache creates an embedding cache holding up to maxEntries vectors.
func NewCache(maxEntries int64, ttl time.Duration) (*Cache, error) {
	if maxEntries <= 0 {
		maxEntries = 10_000
	}

	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, mnemoserr.Wrap(err, mnemoserr.CodeEmbedCacheFailure, "creating embedding cache")
	}
	return &Cache{cache: c, ttl: ttl}, nil
}

// cacheKey hashes the provider, model and text so vectors from different
// providers never collide.
func cacheKey(provider, model, text string) string {
	h := sha256.New()
	h.Write([]byte(provider))
	h.Write([]byte{0})
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached vector for key, if present.
func (c *Cache) Get(key string) ([]float32, bool) {
	v, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	vec, ok := v.([]float32)
	return vec, ok
}

// Put stores a vector under key with the cache TTL.
func (c *Cache) Put(key string, vec []float32) {
	c.cache.SetWithTTL(key, vec, 1, c.ttl)
}

// Wait blocks until buffered writes are applied. Test helper.
func (c *Cache) Wait() {
	c.cache.Wait()
}

// Close releases the cache.
func (c *Cache) Close() {
	c.cache.Close()
}
