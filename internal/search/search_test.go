// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mnemos Contributors

package search_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemos-ai/mnemos/internal/embed"
	"github.com/mnemos-ai/mnemos/internal/graph"
	"github.com/mnemos-ai/mnemos/internal/index"
	"github.com/mnemos-ai/mnemos/internal/search"
	msync "github.com/mnemos-ai/mnemos/internal/sync"
	mnemoserr "github.com/mnemos-ai/mnemos/pkg/errors"
)

func newSearchFixture(t *testing.T, threshold float64) (*graph.Store, *msync.Manager, *search.Service) {
	t.Helper()

	store, err := graph.New(graph.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	idx := index.NewMemoryIndex(32)
	svc := embed.NewService(embed.NewLocalProvider(32), embed.ServiceOptions{
		BatchSize:   8,
		BatchWindow: time.Millisecond,
	})
	t.Cleanup(svc.Close)

	mgr := msync.NewManager(store, svc, idx, msync.Options{Workers: 2})
	t.Cleanup(mgr.Close)
	store.SetSink(mgr)

	searcher := search.NewService(store, svc, idx, search.Options{
		DefaultLimit: 5,
		Threshold:    threshold,
	})
	return store, mgr, searcher
}

func waitIdle(t *testing.T, m *msync.Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.WaitIdle(ctx))
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	_, _, searcher := newSearchFixture(t, 0)

	_, err := searcher.Search(context.Background(), "  ", 5)
	require.Error(t, err)
	assert.True(t, mnemoserr.IsValidation(err))
}

func TestSearchFindsExactContent(t *testing.T) {
	store, mgr, searcher := newSearchFixture(t, 0.9)
	ctx := context.Background()

	e, err := store.CreateEntity(ctx, graph.CreateEntityInput{
		Name: "parseInput", Type: "function", Description: "tokenizes raw user input",
	})
	require.NoError(t, err)
	_, err = store.CreateEntity(ctx, graph.CreateEntityInput{
		Name: "render", Type: "function", Description: "draws the output buffer",
	})
	require.NoError(t, err)
	waitIdle(t, mgr)

	// The hash embedder only matches identical text, so query with the
	// entity's exact embedding text to get similarity 1.
	text, _, _, ok := store.EmbeddingSnapshot(e.ID)
	require.True(t, ok)

	results, err := searcher.Search(ctx, text, 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, e.ID, results[0].Entity.ID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-4)
	assert.Equal(t, "parseInput", results[0].Entity.Name)

	// Surrounding whitespace on the query is normalized away, so the
	// padded form matches identically.
	padded, err := searcher.Search(ctx, "\n  "+text+"\t\n", 5)
	require.NoError(t, err)
	require.Len(t, padded, 1)
	assert.Equal(t, e.ID, padded[0].Entity.ID)
	assert.InDelta(t, 1.0, padded[0].Score, 1e-4)
}

func TestSearchSkipsVanishedEntities(t *testing.T) {
	store, err := graph.New(graph.Options{})
	require.NoError(t, err)
	defer store.Close()

	idx := index.NewMemoryIndex(32)
	svc := embed.NewService(embed.NewLocalProvider(32), embed.ServiceOptions{
		BatchWindow: time.Millisecond,
	})
	defer svc.Close()

	// No sink wired: deletions do not reach the index, simulating a hit
	// whose entity vanished before hydration.
	ctx := context.Background()
	e, err := store.CreateEntity(ctx, graph.CreateEntityInput{
		Name: "ghost", Type: "component", Description: "about to vanish",
	})
	require.NoError(t, err)

	text, _, _, ok := store.EmbeddingSnapshot(e.ID)
	require.True(t, ok)
	vec, err := svc.Embed(ctx, text)
	require.NoError(t, err)
	require.NoError(t, idx.Upsert(ctx, index.Record{EntityID: e.ID, Vector: vec, SourceVersion: 1}))

	require.NoError(t, store.DeleteEntity(ctx, e.ID))

	searcher := search.NewService(store, svc, idx, search.Options{Threshold: 0.9})
	results, err := searcher.Search(ctx, text, 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchDefaultLimit(t *testing.T) {
	store, mgr, searcher := newSearchFixture(t, -1)
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		_, err := store.CreateEntity(ctx, graph.CreateEntityInput{
			Name: name, Type: "component", Description: "shared description",
		})
		require.NoError(t, err)
	}
	waitIdle(t, mgr)

	// Threshold -1 admits everything; limit 0 falls back to the default 5.
	results, err := searcher.Search(ctx, "anything", 0)
	require.NoError(t, err)
	assert.Len(t, results, 5)
}
