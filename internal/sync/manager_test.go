// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mnemos Contributors

package sync_test

import (
	"context"
	"fmt"
	stdsync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemos-ai/mnemos/internal/embed"
	"github.com/mnemos-ai/mnemos/internal/graph"
	"github.com/mnemos-ai/mnemos/internal/index"
	msync "github.com/mnemos-ai/mnemos/internal/sync"
)

// flakyEmbedder fails the first failures calls, then delegates to a local
// provider.
type flakyEmbedder struct {
	inner    *embed.LocalProvider
	failures atomic.Int64
	calls    atomic.Int64
	block    chan struct{} // non-nil: Embed waits until closed
	mu       stdsync.Mutex
	seen     []string
}

func (f *flakyEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.seen = append(f.seen, text)
	f.mu.Unlock()

	if f.block != nil {
		<-f.block
	}
	if f.failures.Add(-1) >= 0 {
		return nil, fmt.Errorf("embedder hiccup")
	}
	vecs, err := f.inner.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func waitIdle(t *testing.T, m *msync.Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.WaitIdle(ctx))
}

func newPipeline(t *testing.T, embedder msync.Embedder) (*graph.Store, *index.MemoryIndex, *msync.Manager) {
	t.Helper()

	store, err := graph.New(graph.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	idx := index.NewMemoryIndex(32)
	if embedder == nil {
		embedder = &flakyEmbedder{inner: embed.NewLocalProvider(32)}
	}

	mgr := msync.NewManager(store, embedder, idx, msync.Options{Workers: 2})
	t.Cleanup(mgr.Close)
	store.SetSink(mgr)

	return store, idx, mgr
}

func TestCreateEntityReachesIndex(t *testing.T) {
	store, idx, mgr := newPipeline(t, nil)
	ctx := context.Background()

	e, err := store.CreateEntity(ctx, graph.CreateEntityInput{
		Name: "parser", Type: "class", Description: "tokenizes input",
	})
	require.NoError(t, err)
	waitIdle(t, mgr)

	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	metrics := mgr.Metrics()
	assert.Equal(t, 1, metrics.Indexed)
	assert.True(t, metrics.Healthy())

	// The indexed record carries the entity's version and type.
	text, _, _, ok := store.EmbeddingSnapshot(e.ID)
	require.True(t, ok)
	vecs, err := embed.NewLocalProvider(32).Embed(ctx, []string{text})
	require.NoError(t, err)

	hits, err := idx.Query(ctx, vecs[0], 1, 0.9)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, e.ID, hits[0].EntityID)
	assert.Equal(t, e.EmbeddingVersion, hits[0].SourceVersion)
	assert.Equal(t, "class", hits[0].EntityType)
}

func TestUpdateReindexesWithNewVersion(t *testing.T) {
	store, idx, mgr := newPipeline(t, nil)
	ctx := context.Background()

	e, err := store.CreateEntity(ctx, graph.CreateEntityInput{
		Name: "svc", Type: "component", Description: "original",
	})
	require.NoError(t, err)
	waitIdle(t, mgr)

	updated, err := store.UpdateDescription(ctx, e.ID, "rewritten")
	require.NoError(t, err)
	waitIdle(t, mgr)

	text, _, _, ok := store.EmbeddingSnapshot(e.ID)
	require.True(t, ok)
	vecs, err := embed.NewLocalProvider(32).Embed(ctx, []string{text})
	require.NoError(t, err)

	hits, err := idx.Query(ctx, vecs[0], 1, 0.9)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, updated.EmbeddingVersion, hits[0].SourceVersion)

	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDeleteRemovesIndexRecord(t *testing.T) {
	store, idx, mgr := newPipeline(t, nil)
	ctx := context.Background()

	e, err := store.CreateEntity(ctx, graph.CreateEntityInput{
		Name: "gone", Type: "component", Description: "soon deleted",
	})
	require.NoError(t, err)
	waitIdle(t, mgr)

	require.NoError(t, store.DeleteEntity(ctx, e.ID))
	waitIdle(t, mgr)

	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	metrics := mgr.Metrics()
	assert.Equal(t, 0, metrics.Indexed)
	assert.Equal(t, 0, metrics.Failed)
}

func TestStaleEmbeddingNeverOverwritesNewer(t *testing.T) {
	embedder := &flakyEmbedder{
		inner: embed.NewLocalProvider(32),
		block: make(chan struct{}),
	}
	store, idx, mgr := newPipeline(t, embedder)
	ctx := context.Background()

	e, err := store.CreateEntity(ctx, graph.CreateEntityInput{
		Name: "racer", Type: "function", Description: "v1 content",
	})
	require.NoError(t, err)

	// Let the first embedding start, then change the content while the
	// upstream call is blocked.
	require.Eventually(t, func() bool { return embedder.calls.Load() >= 1 }, time.Second, time.Millisecond)
	updated, err := store.UpdateDescription(ctx, e.ID, "v2 content")
	require.NoError(t, err)

	close(embedder.block)
	waitIdle(t, mgr)

	text, _, _, ok := store.EmbeddingSnapshot(e.ID)
	require.True(t, ok)
	vecs, err := embed.NewLocalProvider(32).Embed(ctx, []string{text})
	require.NoError(t, err)

	// Only the v2 vector is in the index.
	hits, err := idx.Query(ctx, vecs[0], 1, 0.9)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, updated.EmbeddingVersion, hits[0].SourceVersion)
}

func TestFailureMarksEntityAndRetrySucceeds(t *testing.T) {
	embedder := &flakyEmbedder{inner: embed.NewLocalProvider(32)}
	embedder.failures.Store(1)
	store, idx, mgr := newPipeline(t, embedder)
	ctx := context.Background()

	e, err := store.CreateEntity(ctx, graph.CreateEntityInput{
		Name: "flaky", Type: "component", Description: "fails once",
	})
	require.NoError(t, err)
	waitIdle(t, mgr)

	metrics := mgr.Metrics()
	require.Equal(t, 1, metrics.Failed)
	assert.Contains(t, metrics.FailedEntities, e.ID)
	assert.False(t, metrics.Healthy())
	assert.NotNil(t, metrics.LastFailureAt)

	assert.Equal(t, 1, mgr.RetryFailed())
	waitIdle(t, mgr)

	metrics = mgr.Metrics()
	assert.Equal(t, 0, metrics.Failed)
	assert.Equal(t, 1, metrics.Indexed)

	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// failingDeleteIndex wraps an index and fails the first failures Delete
// calls.
type failingDeleteIndex struct {
	index.Index
	failures atomic.Int64
}

func (f *failingDeleteIndex) Delete(ctx context.Context, id string) error {
	if f.failures.Add(-1) >= 0 {
		return fmt.Errorf("index offline")
	}
	return f.Index.Delete(ctx, id)
}

func TestFailedIndexDeleteIsRetried(t *testing.T) {
	store, err := graph.New(graph.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mem := index.NewMemoryIndex(32)
	idx := &failingDeleteIndex{Index: mem}
	mgr := msync.NewManager(store, &flakyEmbedder{inner: embed.NewLocalProvider(32)}, idx, msync.Options{Workers: 2})
	t.Cleanup(mgr.Close)
	store.SetSink(mgr)

	ctx := context.Background()
	e, err := store.CreateEntity(ctx, graph.CreateEntityInput{
		Name: "doomed", Type: "component", Description: "delete me",
	})
	require.NoError(t, err)
	waitIdle(t, mgr)

	idx.failures.Store(1)
	require.NoError(t, store.DeleteEntity(ctx, e.ID))
	waitIdle(t, mgr)

	// The removal failed; the vector survived and the pipeline reports the
	// entity as failed until the deletion goes through.
	n, err := mem.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	metrics := mgr.Metrics()
	require.Equal(t, 1, metrics.Failed)
	assert.Contains(t, metrics.FailedEntities, e.ID)
	assert.False(t, metrics.Healthy())

	require.Equal(t, 1, mgr.RetryFailed())
	waitIdle(t, mgr)

	n, err = mem.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, mgr.Metrics().Failed)
}

// gatedUpsertIndex parks the first Upsert on a gate so a newer write can
// land first.
type gatedUpsertIndex struct {
	index.Index
	calls   atomic.Int64
	entered chan struct{}
	gate    chan struct{}
}

func (g *gatedUpsertIndex) Upsert(ctx context.Context, rec index.Record) error {
	if g.calls.Add(1) == 1 {
		close(g.entered)
		<-g.gate
	}
	return g.Index.Upsert(ctx, rec)
}

func TestSlowStaleUpsertIsRepaired(t *testing.T) {
	store, err := graph.New(graph.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mem := index.NewMemoryIndex(32)
	idx := &gatedUpsertIndex{
		Index:   mem,
		entered: make(chan struct{}),
		gate:    make(chan struct{}),
	}
	mgr := msync.NewManager(store, &flakyEmbedder{inner: embed.NewLocalProvider(32)}, idx, msync.Options{Workers: 2})
	t.Cleanup(mgr.Close)
	t.Cleanup(func() {
		select {
		case <-idx.gate:
		default:
			close(idx.gate)
		}
	})
	store.SetSink(mgr)

	ctx := context.Background()
	e, err := store.CreateEntity(ctx, graph.CreateEntityInput{
		Name: "racer", Type: "function", Description: "v1 content",
	})
	require.NoError(t, err)

	// The v1 write is parked inside the index. Update to v2 and let the
	// second worker index it first.
	<-idx.entered
	updated, err := store.UpdateDescription(ctx, e.ID, "v2 content")
	require.NoError(t, err)

	text, _, _, ok := store.EmbeddingSnapshot(e.ID)
	require.True(t, ok)
	vecs, err := embed.NewLocalProvider(32).Embed(ctx, []string{text})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		hits, err := mem.Query(ctx, vecs[0], 1, 0.9)
		return err == nil && len(hits) == 1 && hits[0].SourceVersion == updated.EmbeddingVersion
	}, 5*time.Second, time.Millisecond)

	// Release the stale write so it lands after the newer one; the manager
	// must notice the downgrade and drive a corrective pass (the third
	// index write).
	close(idx.gate)
	require.Eventually(t, func() bool { return idx.calls.Load() >= 3 }, 5*time.Second, time.Millisecond)
	waitIdle(t, mgr)

	hits, err := mem.Query(ctx, vecs[0], 1, 0.9)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, updated.EmbeddingVersion, hits[0].SourceVersion)
}

func TestResyncAllAfterRestart(t *testing.T) {
	ctx := context.Background()

	store, err := graph.New(graph.Options{})
	require.NoError(t, err)
	defer store.Close()

	embedder := &flakyEmbedder{inner: embed.NewLocalProvider(32)}
	idx := index.NewMemoryIndex(32)

	mgr := msync.NewManager(store, embedder, idx, msync.Options{Workers: 2})
	store.SetSink(mgr)

	for i := 0; i < 5; i++ {
		_, err := store.CreateEntity(ctx, graph.CreateEntityInput{
			Name: fmt.Sprintf("entity-%d", i), Type: "component", Description: "content",
		})
		require.NoError(t, err)
	}
	waitIdle(t, mgr)
	mgr.Close()

	// Restart against an empty index: the snapshot-backed graph drives a
	// full resync through a fresh manager.
	fresh := index.NewMemoryIndex(32)
	mgr2 := msync.NewManager(store, embedder, fresh, msync.Options{Workers: 2})
	defer mgr2.Close()
	store.SetSink(mgr2)
	store.ResyncAll()
	waitIdle(t, mgr2)

	n, err := fresh.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}
