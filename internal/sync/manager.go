// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mnemos Contributors

// Package sync keeps the vector index converged with the graph store.
// Mutations notify the manager; workers embed the entity's current content
// and upsert the vector, discarding results that went stale while the
// embedding call was in flight.
package sync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mnemos-ai/mnemos/internal/graph"
	"github.com/mnemos-ai/mnemos/internal/index"
	mnemoserr "github.com/mnemos-ai/mnemos/pkg/errors"
	"github.com/mnemos-ai/mnemos/pkg/health"
)

// State of one entity's index record relative to the graph.
type State string

const (
	// StatePending: content changed, not yet picked up by a worker.
	StatePending State = "pending"
	// StateEmbedding: a worker is computing the vector.
	StateEmbedding State = "embedding"
	// StateIndexed: the index holds a vector for the current content.
	StateIndexed State = "indexed"
	// StateFailed: the last attempt exhausted retries; retried on the
	// resync interval.
	StateFailed State = "failed"
	// StateDeleted: entity removed; index record dropped.
	StateDeleted State = "deleted"
)

// Source provides entity content to embed. *graph.Store satisfies it.
type Source interface {
	EmbeddingSnapshot(id string) (text string, version uint64, entityType graph.EntityType, ok bool)
}

// Embedder turns one text into one vector. *embed.Service satisfies it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type entityState struct {
	state          State
	indexedVersion uint64
	lastErr        string
}

// Options configures a Manager.
type Options struct {
	Workers        int
	ResyncInterval time.Duration
	Logger         *slog.Logger
}

// Manager owns the graph-to-index synchronization pipeline.
type Manager struct {
	source   Source
	embedder Embedder
	idx      index.Index
	logger   *slog.Logger

	mu            sync.Mutex
	states        map[string]*entityState
	dirty         map[string]struct{}
	inflight      int
	lastFailureAt *time.Time

	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
}

// NewManager starts the worker pool. Call Close to stop it.
func NewManager(source Source, embedder Embedder, idx index.Index, opts Options) *Manager {
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		source:   source,
		embedder: embedder,
		idx:      idx,
		logger:   logger,
		states:   make(map[string]*entityState),
		dirty:    make(map[string]struct{}),
		wake:     make(chan struct{}, workers),
		stop:     make(chan struct{}),
	}

	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}

	if opts.ResyncInterval > 0 {
		m.wg.Add(1)
		go m.resyncLoop(opts.ResyncInterval)
	}

	return m
}

var _ graph.Sink = (*Manager)(nil)

// Close stops the workers. In-flight embeddings finish; pending work is
// abandoned and will be re-driven by a resync on next start.
func (m *Manager) Close() {
	close(m.stop)
	m.wg.Wait()
}

// Notify marks an entity's content as changed. Idempotent; a notification
// arriving while the entity is mid-embedding guarantees one more pass after
// the current one resolves.
func (m *Manager) Notify(entityID string) {
	m.mu.Lock()
	st := m.ensureLocked(entityID)
	if st.state != StateEmbedding {
		st.state = StatePending
	}
	m.dirty[entityID] = struct{}{}
	m.mu.Unlock()

	m.signal()
}

// Drop schedules removal of the entity's index record.
func (m *Manager) Drop(entityID string) {
	m.mu.Lock()
	st := m.ensureLocked(entityID)
	st.state = StateDeleted
	m.dirty[entityID] = struct{}{}
	m.mu.Unlock()

	m.signal()
}

// RetryFailed re-queues every entity whose last attempt failed: entities in
// the failed state, and deleted entities whose index removal failed.
func (m *Manager) RetryFailed() int {
	m.mu.Lock()
	n := 0
	for id, st := range m.states {
		switch {
		case st.state == StateFailed:
			st.state = StatePending
		case st.state == StateDeleted && st.lastErr != "":
			// The index record still has to go.
		default:
			continue
		}
		m.dirty[id] = struct{}{}
		n++
	}
	m.mu.Unlock()

	if n > 0 {
		m.signal()
	}
	return n
}

// Metrics snapshots per-state counts for the health endpoint.
func (m *Manager) Metrics() health.SyncMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out health.SyncMetrics
	for id, st := range m.states {
		switch st.state {
		case StatePending:
			out.Pending++
		case StateEmbedding:
			out.Embedding++
		case StateIndexed:
			out.Indexed++
		case StateFailed:
			out.Failed++
			out.FailedEntities = append(out.FailedEntities, id)
		case StateDeleted:
			// A deleted entity stays tracked only while its index record
			// has not been removed yet; a recorded error means the last
			// removal attempt failed.
			if st.lastErr != "" {
				out.Failed++
				out.FailedEntities = append(out.FailedEntities, id)
			}
		}
	}
	out.LastFailureAt = m.lastFailureAt
	return out
}

// WaitIdle blocks until no work is queued, in flight, or pending, or ctx is
// done. Test and shutdown helper.
func (m *Manager) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		m.mu.Lock()
		busy := len(m.dirty) > 0 || m.inflight > 0
		if !busy {
			for _, st := range m.states {
				if st.state == StateEmbedding || st.state == StatePending {
					busy = true
					break
				}
			}
		}
		m.mu.Unlock()

		if !busy {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Manager) ensureLocked(id string) *entityState {
	st, ok := m.states[id]
	if !ok {
		st = &entityState{state: StatePending}
		m.states[id] = st
	}
	return st
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) worker() {
	defer m.wg.Done()

	for {
		id, ok := m.take()
		if !ok {
			select {
			case <-m.wake:
				continue
			case <-m.stop:
				return
			}
		}
		m.process(id)
		m.mu.Lock()
		m.inflight--
		m.mu.Unlock()
	}
}

// take claims one dirty entity, transitioning it to embedding (or keeping
// deleted). Returns false when nothing is queued.
func (m *Manager) take() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id := range m.dirty {
		delete(m.dirty, id)
		st := m.ensureLocked(id)
		if st.state != StateDeleted {
			st.state = StateEmbedding
		}
		m.inflight++
		if len(m.dirty) > 0 {
			m.signal()
		}
		return id, true
	}
	return "", false
}

func (m *Manager) process(id string) {
	text, version, entityType, ok := m.source.EmbeddingSnapshot(id)
	if !ok {
		m.remove(id)
		return
	}

	vec, err := m.embedder.Embed(context.Background(), text)
	if err != nil {
		m.fail(id, err)
		return
	}

	// Discard a stale result: if the content moved on while we were
	// embedding, the intervening Notify already re-queued the entity and
	// the next pass will index the newer content.
	if _, cur, _, stillOk := m.source.EmbeddingSnapshot(id); !stillOk {
		m.remove(id)
		return
	} else if cur != version {
		m.logger.Debug("discarding stale embedding",
			"entity_id", id, "embedded_version", version, "current_version", cur)
		return
	}

	m.mu.Lock()
	st, tracked := m.states[id]
	if !tracked || st.state == StateDeleted || st.indexedVersion >= version {
		// Untracked means a concurrent removal already cleaned up; a later
		// create re-notifies on its own.
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	err = m.idx.Upsert(context.Background(), index.Record{
		EntityID:      id,
		Vector:        vec,
		SourceVersion: version,
		EntityType:    string(entityType),
	})
	if err != nil {
		m.fail(id, err)
		return
	}

	// Re-check under the lock: the write above is not atomic with the guard,
	// so a concurrent delete or a newer upsert may have landed first and
	// just been clobbered. Queue a corrective pass in either case.
	m.mu.Lock()
	defer m.mu.Unlock()

	st, tracked = m.states[id]
	switch {
	case !tracked || st.state == StateDeleted:
		if !tracked {
			st = &entityState{state: StateDeleted}
			m.states[id] = st
		}
		m.dirty[id] = struct{}{}
		m.signal()
	case st.indexedVersion > version:
		// The index now holds this older vector; track that and re-drive
		// the newer content.
		st.indexedVersion = version
		st.state = StatePending
		m.dirty[id] = struct{}{}
		m.signal()
	default:
		if st.state == StateEmbedding {
			st.state = StateIndexed
		}
		st.indexedVersion = version
		st.lastErr = ""
	}
}

func (m *Manager) remove(id string) {
	if err := m.idx.Delete(context.Background(), id); err != nil {
		m.fail(id, mnemoserr.Wrapf(err, mnemoserr.CodeSyncEntityFailed,
			"removing index record for %s", id))
		return
	}

	m.mu.Lock()
	delete(m.states, id)
	delete(m.dirty, id)
	m.mu.Unlock()
}

func (m *Manager) fail(id string, err error) {
	now := time.Now().UTC()

	m.mu.Lock()
	st := m.ensureLocked(id)
	if st.state != StateDeleted {
		st.state = StateFailed
	}
	st.lastErr = err.Error()
	m.lastFailureAt = &now
	m.mu.Unlock()

	m.logger.Error("entity sync failed", "entity_id", id, "error", err)
}

// resyncLoop periodically retries failed entities.
func (m *Manager) resyncLoop(interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if n := m.RetryFailed(); n > 0 {
				m.logger.Info("retrying failed entities", "count", n)
			}
		}
	}
}
