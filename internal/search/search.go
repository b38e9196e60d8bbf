// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mnemos Contributors

// Package search answers natural-language queries by embedding the query
// text and ranking indexed entities by cosine similarity.
package search

import (
	"context"
	"log/slog"
	"strings"

	"github.com/mnemos-ai/mnemos/internal/graph"
	"github.com/mnemos-ai/mnemos/internal/index"
	mnemoserr "github.com/mnemos-ai/mnemos/pkg/errors"
)

// Embedder turns the query text into a vector. *embed.Service satisfies it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Result pairs a matched entity with its similarity score.
type Result struct {
	Entity *graph.Entity `json:"entity"`
	Score  float64       `json:"score"`
}

// Options configures a search Service.
type Options struct {
	// DefaultLimit applies when the caller does not specify one.
	DefaultLimit int
	// Threshold is the minimum similarity for a result to count.
	Threshold float64
	Logger    *slog.Logger
}

// Service runs semantic queries against the vector index, hydrating hits
// from the graph store.
type Service struct {
	store    *graph.Store
	embedder Embedder
	idx      index.Index

	defaultLimit int
	threshold    float64
	logger       *slog.Logger
}

// NewService wires the search path.
func NewService(store *graph.Store, embedder Embedder, idx index.Index, opts Options) *Service {
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 10
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		store:        store,
		embedder:     embedder,
		idx:          idx,
		defaultLimit: opts.DefaultLimit,
		threshold:    opts.Threshold,
		logger:       logger,
	}
}

// Search embeds query and returns the most similar entities in descending
// score order. Hits whose entity vanished between indexing and hydration
// are dropped silently; the sync pipeline is already removing their
// vectors.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, mnemoserr.New(mnemoserr.CodeEmbedRequestInvalid, "search query is required")
	}
	if limit <= 0 {
		limit = s.defaultLimit
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	hits, err := s.idx.Query(ctx, vec, limit, s.threshold)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(hits))
	for _, hit := range hits {
		entity, err := s.store.GetEntity(ctx, hit.EntityID)
		if err != nil {
			if mnemoserr.IsNotFound(err) {
				s.logger.Debug("dropping vanished search hit", "entity_id", hit.EntityID)
				continue
			}
			return nil, err
		}
		results = append(results, Result{Entity: entity, Score: hit.Score})
	}
	return results, nil
}
