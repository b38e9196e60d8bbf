// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mnemos Contributors

package graph

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotFlushKeepsConcurrentMutation(t *testing.T) {
	s, err := New(Options{SnapshotPath: filepath.Join(t.TempDir(), "graph.json")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.CreateEntity(context.Background(), CreateEntityInput{
		Name: "first", Type: "component", Description: "content",
	})
	require.NoError(t, err)
	require.True(t, s.dirty.Load())

	// Hold the write lock so the flush blocks before copying state. The
	// dirty flag must already be cleared at that point, so a mutation
	// committing during the file write stays flagged for the next flush.
	s.mu.Lock()
	done := make(chan error, 1)
	go func() { done <- s.writeSnapshot() }()
	require.Eventually(t, func() bool { return !s.dirty.Load() }, time.Second, time.Millisecond)

	s.markDirty()
	s.mu.Unlock()

	require.NoError(t, <-done)
	assert.True(t, s.dirty.Load())
}

func TestSnapshotFlushFailureKeepsDirty(t *testing.T) {
	s, err := New(Options{})
	require.NoError(t, err)

	_, err = s.CreateEntity(context.Background(), CreateEntityInput{
		Name: "kept", Type: "component", Description: "content",
	})
	require.NoError(t, err)

	// Point the snapshot below a regular file so the write fails.
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))
	s.snapshotPath = filepath.Join(blocker, "graph.json")
	s.markDirty()

	require.Error(t, s.writeSnapshot())
	assert.True(t, s.dirty.Load())
}
