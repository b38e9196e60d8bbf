// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mnemos Contributors

package embed

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"

	"github.com/mnemos-ai/mnemos/internal/config"
)

func init() {
	RegisterProvider("local", func(_ config.EmbeddingConfig, dimensions int) (Provider, error) {
		return NewLocalProvider(dimensions), nil
	})
}

// LocalProvider is a deterministic, offline embedder. It hashes the text
// into a fixed-width unit vector: identical texts always map to identical
// vectors, which is all the sync and search paths need in development and
// tests. It carries no semantic signal.
type LocalProvider struct {
	dimensions int
}

// NewLocalProvider creates a local hash embedder with the given width.
func NewLocalProvider(dimensions int) *LocalProvider {
	return &LocalProvider{dimensions: dimensions}
}

var _ Provider = (*LocalProvider)(nil)

func (p *LocalProvider) Name() string    { return "local" }
func (p *LocalProvider) Dimensions() int { return p.dimensions }

func (p *LocalProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = p.vectorize(text)
	}
	return out, nil
}

func (p *LocalProvider) vectorize(text string) []float32 {
	vec := make([]float32, p.dimensions)

	// Expand the digest into as many pseudo-random floats as needed by
	// re-hashing with a counter suffix.
	seed := sha256.Sum256([]byte(text))
	var norm float64
	for i := 0; i < p.dimensions; i++ {
		block := i / 4
		word := i % 4
		h := sha256.Sum256(append(seed[:], byte(block), byte(block>>8)))
		bits := binary.BigEndian.Uint64(h[word*8 : word*8+8])
		v := float32(int64(bits)) / float32(math.MaxInt64)
		vec[i] = v
		norm += float64(v) * float64(v)
	}

	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec
}
