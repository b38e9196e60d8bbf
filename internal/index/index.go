// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mnemos Contributors

// Package index stores entity embeddings and serves nearest-neighbor
// queries. The index is derived state: every record carries the source
// version of the entity content it was computed from, and the sync
// pipeline is the only writer.
package index

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/mnemos-ai/mnemos/internal/config"
	mnemoserr "github.com/mnemos-ai/mnemos/pkg/errors"
)

// Record is one indexed entity vector.
type Record struct {
	EntityID string
	Vector   []float32
	// SourceVersion is the entity's embedding version at the time the
	// vector was computed.
	SourceVersion uint64
	EntityType    string
}

// Hit is a query result. Score is cosine similarity in [0, 1].
type Hit struct {
	EntityID      string
	Score         float64
	SourceVersion uint64
	EntityType    string
}

// Index is the vector index contract. Implementations must make Upsert
// replace any existing record for the entity, and Delete must be
// idempotent.
type Index interface {
	Upsert(ctx context.Context, rec Record) error
	Query(ctx context.Context, vector []float32, limit int, threshold float64) ([]Hit, error)
	Delete(ctx context.Context, entityID string) error
	// Count reports the number of indexed records.
	Count(ctx context.Context) (int, error)
	Close() error
}

// Factory builds an Index from the vector config section.
type Factory func(cfg config.VectorConfig) (Index, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{}
)

// RegisterBackend registers a named index backend. Backend files call this
// from init(). Goroutine-safe.
func RegisterBackend(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = f
}

// New builds the backend named in cfg.
func New(cfg config.VectorConfig) (Index, error) {
	factoriesMu.RLock()
	f, ok := factories[cfg.Backend]
	factoriesMu.RUnlock()
	if !ok {
		return nil, mnemoserr.Errorf(mnemoserr.CodeIndexBackendUnsupported,
			"unsupported vector backend: %q", cfg.Backend)
	}
	return f(cfg)
}

// normalize returns a unit-length copy of v. Backends normalize on write
// and on query so cosine similarity reduces to a dot product regardless of
// what the embedding provider returns.
func normalize(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if norm == 0 {
		copy(out, v)
		return out
	}
	inv := float32(1 / math.Sqrt(norm))
	for i, x := range v {
		out[i] = x * inv
	}
	return out
}

// sortHits orders hits by descending score, breaking ties by higher source
// version then ascending entity id, so equal inputs always produce equal
// output order.
func sortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].SourceVersion != hits[j].SourceVersion {
			return hits[i].SourceVersion > hits[j].SourceVersion
		}
		return hits[i].EntityID < hits[j].EntityID
	})
}

// checkDimensions validates a vector against the configured width.
func checkDimensions(v []float32, want int) error {
	if len(v) != want {
		return mnemoserr.Errorf(mnemoserr.CodeIndexDimensionInvalid,
			"vector has %d dimensions, index expects %d", len(v), want)
	}
	return nil
}
