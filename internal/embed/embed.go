// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mnemos Contributors

// Package embed turns entity text into vectors. Providers speak to an
// upstream embedding API (or compute locally); the Service in batcher.go
// adds batching, caching, retries and a circuit breaker on top.
package embed

import (
	"context"
	"sync"

	"github.com/mnemos-ai/mnemos/internal/config"
	mnemoserr "github.com/mnemos-ai/mnemos/pkg/errors"
)

// Provider computes embeddings for a batch of texts. Implementations must
// return exactly one vector per input text, in input order, each of
// Dimensions() length.
type Provider interface {
	// Embed computes vectors for texts in a single upstream call.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions is the fixed vector width this provider produces.
	Dimensions() int
	// Name identifies the provider in logs and errors.
	Name() string
}

// ProviderFactory builds a Provider from the embedding config section.
type ProviderFactory func(cfg config.EmbeddingConfig, dimensions int) (Provider, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]ProviderFactory{}
)

// RegisterProvider registers a named provider factory. Provider files call
// this from init(). Goroutine-safe.
func RegisterProvider(name string, f ProviderFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = f
}

// NewProvider builds the provider named in cfg.
func NewProvider(cfg config.EmbeddingConfig, dimensions int) (Provider, error) {
	factoriesMu.RLock()
	f, ok := factories[cfg.Provider]
	factoriesMu.RUnlock()
	if !ok {
		return nil, mnemoserr.Errorf(mnemoserr.CodeEmbedProviderInvalid,
			"unsupported embedding provider: %q", cfg.Provider)
	}
	return f(cfg, dimensions)
}
