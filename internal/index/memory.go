// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mnemos Contributors

package index

import (
	"context"
	"sync"

	"github.com/mnemos-ai/mnemos/internal/config"
)

func init() {
	RegisterBackend("memory", func(cfg config.VectorConfig) (Index, error) {
		return NewMemoryIndex(cfg.Dimensions), nil
	})
}

// MemoryIndex is an exact brute-force index. Suitable for development and
// modest graphs; queries scan every record.
type MemoryIndex struct {
	mu         sync.RWMutex
	records    map[string]Record
	dimensions int
}

// NewMemoryIndex creates an empty in-memory index.
func NewMemoryIndex(dimensions int) *MemoryIndex {
	return &MemoryIndex{
		records:    make(map[string]Record),
		dimensions: dimensions,
	}
}

var _ Index = (*MemoryIndex)(nil)

func (m *MemoryIndex) Upsert(ctx context.Context, rec Record) error {
	if err := checkDimensions(rec.Vector, m.dimensions); err != nil {
		return err
	}
	rec.Vector = normalize(rec.Vector)

	m.mu.Lock()
	m.records[rec.EntityID] = rec
	m.mu.Unlock()
	return nil
}

func (m *MemoryIndex) Query(ctx context.Context, vector []float32, limit int, threshold float64) ([]Hit, error) {
	if err := checkDimensions(vector, m.dimensions); err != nil {
		return nil, err
	}
	q := normalize(vector)

	m.mu.RLock()
	hits := make([]Hit, 0, len(m.records))
	for _, rec := range m.records {
		score := dot(q, rec.Vector)
		if score < threshold {
			continue
		}
		hits = append(hits, Hit{
			EntityID:      rec.EntityID,
			Score:         score,
			SourceVersion: rec.SourceVersion,
			EntityType:    rec.EntityType,
		})
	}
	m.mu.RUnlock()

	sortHits(hits)
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (m *MemoryIndex) Delete(ctx context.Context, entityID string) error {
	m.mu.Lock()
	delete(m.records, entityID)
	m.mu.Unlock()
	return nil
}

func (m *MemoryIndex) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records), nil
}

func (m *MemoryIndex) Close() error { return nil }

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
