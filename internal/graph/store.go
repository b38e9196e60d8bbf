// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mnemos Contributors

// Package graph holds the authoritative entity/relationship data. It is the
// single source of truth for structured fields; the vector index is derived
// from it by the sync pipeline and never mutated directly by callers.
package graph

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	mnemoserr "github.com/mnemos-ai/mnemos/pkg/errors"
)

// Sink receives synchronization notifications from the store. Every
// embedding-relevant mutation calls Notify exactly once after commit; entity
// deletion calls Drop. This is the only way sync tasks are created.
type Sink interface {
	Notify(entityID string)
	Drop(entityID string)
}

type tripleKey struct {
	fromID  string
	toID    string
	relType string
}

func relKey(r *Relationship) tripleKey {
	return tripleKey{fromID: r.FromID, toID: r.ToID, relType: strings.ToLower(r.Type)}
}

// Options configures a Store.
type Options struct {
	// SnapshotPath is the JSON file for persistence; empty disables it.
	SnapshotPath string
	// FlushInterval bounds how stale the on-disk snapshot may be.
	// Defaults to 2s when a snapshot path is set.
	FlushInterval time.Duration
	Logger        *slog.Logger
}

// Store is the in-memory authoritative graph store. Writes to a given
// entity are serialized through a per-entity lock; reads are never blocked
// by another entity's in-flight mutation.
type Store struct {
	mu       sync.RWMutex
	entities map[string]*Entity
	rels     map[string]*Relationship
	triples  map[tripleKey]string
	byEntity map[string]map[string]struct{} // entity id -> incident relationship ids

	locks keyedMutex

	sinkMu sync.RWMutex
	sink   Sink

	snapshotPath string
	dirty        atomic.Bool
	flushStop    chan struct{}
	flushDone    chan struct{}

	logger *slog.Logger
}

// New creates a Store, loading the snapshot file when one is configured and
// present.
func New(opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		entities:     make(map[string]*Entity),
		rels:         make(map[string]*Relationship),
		triples:      make(map[tripleKey]string),
		byEntity:     make(map[string]map[string]struct{}),
		snapshotPath: opts.SnapshotPath,
		logger:       logger,
	}

	if s.snapshotPath != "" {
		if err := s.loadSnapshot(); err != nil {
			return nil, err
		}

		interval := opts.FlushInterval
		if interval <= 0 {
			interval = 2 * time.Second
		}
		s.flushStop = make(chan struct{})
		s.flushDone = make(chan struct{})
		go s.flushLoop(interval)
	}

	return s, nil
}

// SetSink wires the sync pipeline. Must be called before the store starts
// serving mutations; a nil sink silently drops notifications (tests).
func (s *Store) SetSink(sink Sink) {
	s.sinkMu.Lock()
	s.sink = sink
	s.sinkMu.Unlock()
}

// Close flushes the snapshot and stops the background flusher.
func (s *Store) Close() error {
	if s.flushStop != nil {
		close(s.flushStop)
		<-s.flushDone
	}
	if s.snapshotPath != "" && s.dirty.Load() {
		return s.writeSnapshot()
	}
	return nil
}

// CreateEntity admits a new entity. It fails with a conflict when the
// supplied id already exists or when an entity with the same (name, type)
// pair is already present; an id is generated when none is supplied.
func (s *Store) CreateEntity(ctx context.Context, in CreateEntityInput) (*Entity, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, mnemoserr.New(mnemoserr.CodeGraphEntityInvalid, "entity name is required")
	}
	desc := strings.TrimSpace(in.Description)
	if desc == "" {
		return nil, mnemoserr.New(mnemoserr.CodeGraphEntityInvalid, "entity description is required")
	}

	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = uuid.NewString()
	}
	addedBy := strings.TrimSpace(in.AddedBy)
	if addedBy == "" {
		addedBy = "system"
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	now := time.Now().UTC()
	e := &Entity{
		ID:               id,
		Name:             name,
		Type:             ParseEntityType(in.Type),
		Description:      desc,
		ParentID:         strings.TrimSpace(in.ParentID),
		EmbeddingVersion: 1,
		AddedBy:          addedBy,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	s.mu.Lock()
	if _, exists := s.entities[id]; exists {
		s.mu.Unlock()
		return nil, mnemoserr.New(mnemoserr.CodeGraphEntityConflict,
			"entity id already exists", mnemoserr.FieldEntityID(id))
	}
	for _, other := range s.entities {
		if strings.EqualFold(other.Name, name) && other.Type == e.Type {
			s.mu.Unlock()
			return nil, mnemoserr.Errorf(mnemoserr.CodeGraphEntityConflict,
				"entity %q of type %s already exists", name, e.Type)
		}
	}
	if e.ParentID != "" {
		if _, ok := s.entities[e.ParentID]; !ok {
			s.mu.Unlock()
			return nil, mnemoserr.New(mnemoserr.CodeGraphEntityNotFound,
				"parent entity not found", mnemoserr.FieldEntityID(e.ParentID))
		}
	}
	s.entities[id] = e
	s.byEntity[id] = make(map[string]struct{})
	s.mu.Unlock()

	s.markDirty()
	s.notify(id)
	return e.clone(), nil
}

// GetEntity returns a copy of the entity.
func (s *Store) GetEntity(ctx context.Context, id string) (*Entity, error) {
	s.mu.RLock()
	e, ok := s.entities[id]
	if !ok {
		s.mu.RUnlock()
		return nil, mnemoserr.New(mnemoserr.CodeGraphEntityNotFound,
			"entity not found", mnemoserr.FieldEntityID(id))
	}
	cp := e.clone()
	s.mu.RUnlock()
	return cp, nil
}

// ListEntities returns entities ordered by creation time then id, optionally
// filtered by type.
func (s *Store) ListEntities(ctx context.Context, q EntityQuery) ([]*Entity, error) {
	s.mu.RLock()
	out := make([]*Entity, 0, len(s.entities))
	for _, e := range s.entities {
		if q.Type != "" && e.Type != q.Type {
			continue
		}
		out = append(out, e.clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// UpdateDescription replaces the entity's description, bumping its
// embedding version.
func (s *Store) UpdateDescription(ctx context.Context, id, description string) (*Entity, error) {
	desc := strings.TrimSpace(description)
	if desc == "" {
		return nil, mnemoserr.New(mnemoserr.CodeGraphEntityInvalid, "entity description is required")
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	s.mu.Lock()
	e, ok := s.entities[id]
	if !ok {
		s.mu.Unlock()
		return nil, mnemoserr.New(mnemoserr.CodeGraphEntityNotFound,
			"entity not found", mnemoserr.FieldEntityID(id))
	}
	e.Description = desc
	e.EmbeddingVersion++
	e.UpdatedAt = time.Now().UTC()
	cp := e.clone()
	s.mu.Unlock()

	s.markDirty()
	s.notify(id)
	return cp, nil
}

// AppendObservation appends an immutable observation, bumping the entity's
// embedding version. Observations are never edited or reordered.
func (s *Store) AppendObservation(ctx context.Context, id, text, addedBy string) (*Observation, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, mnemoserr.New(mnemoserr.CodeGraphEntityInvalid, "observation text is required")
	}
	addedBy = strings.TrimSpace(addedBy)
	if addedBy == "" {
		addedBy = "system"
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	s.mu.Lock()
	e, ok := s.entities[id]
	if !ok {
		s.mu.Unlock()
		return nil, mnemoserr.New(mnemoserr.CodeGraphEntityNotFound,
			"entity not found", mnemoserr.FieldEntityID(id))
	}
	obs := Observation{
		ID:        uuid.NewString(),
		Text:      text,
		AddedBy:   addedBy,
		CreatedAt: time.Now().UTC(),
	}
	e.Observations = append(e.Observations, obs)
	e.EmbeddingVersion++
	e.UpdatedAt = obs.CreatedAt
	s.mu.Unlock()

	s.markDirty()
	s.notify(id)
	return &obs, nil
}

// SetParent re-parents an entity. An empty parentID clears the hierarchy
// reference. Parent changes do not affect the embedding version.
func (s *Store) SetParent(ctx context.Context, id, parentID string) (*Entity, error) {
	parentID = strings.TrimSpace(parentID)
	if parentID == id && id != "" {
		return nil, mnemoserr.New(mnemoserr.CodeGraphEntityInvalid, "entity cannot be its own parent")
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	s.mu.Lock()
	e, ok := s.entities[id]
	if !ok {
		s.mu.Unlock()
		return nil, mnemoserr.New(mnemoserr.CodeGraphEntityNotFound,
			"entity not found", mnemoserr.FieldEntityID(id))
	}
	if parentID != "" {
		if _, ok := s.entities[parentID]; !ok {
			s.mu.Unlock()
			return nil, mnemoserr.New(mnemoserr.CodeGraphEntityNotFound,
				"parent entity not found", mnemoserr.FieldEntityID(parentID))
		}
	}
	e.ParentID = parentID
	e.UpdatedAt = time.Now().UTC()
	cp := e.clone()
	s.mu.Unlock()

	s.markDirty()
	return cp, nil
}

// CreateRelationship admits a directed edge. Both endpoints must exist at
// admission time; the (from, to, type) triple must be unique. Endpoint
// existence is re-checked after the per-entity locks are held so a racing
// delete cannot leave a dangling edge.
func (s *Store) CreateRelationship(ctx context.Context, in CreateRelationshipInput) (*Relationship, error) {
	fromID := strings.TrimSpace(in.FromID)
	toID := strings.TrimSpace(in.ToID)
	relType := strings.TrimSpace(in.Type)
	if fromID == "" || toID == "" || relType == "" {
		return nil, mnemoserr.New(mnemoserr.CodeGraphRelationshipInvalid,
			"from_id, to_id and type are required")
	}
	if fromID == toID {
		return nil, mnemoserr.New(mnemoserr.CodeGraphRelationshipInvalid,
			"entity cannot have a relationship with itself")
	}
	addedBy := strings.TrimSpace(in.AddedBy)
	if addedBy == "" {
		addedBy = "system"
	}

	unlock := s.locks.LockPair(fromID, toID)
	defer unlock()

	s.mu.Lock()
	if _, ok := s.entities[fromID]; !ok {
		s.mu.Unlock()
		return nil, mnemoserr.New(mnemoserr.CodeGraphRelationshipNotFound,
			"source entity not found", mnemoserr.FieldEntityID(fromID))
	}
	if _, ok := s.entities[toID]; !ok {
		s.mu.Unlock()
		return nil, mnemoserr.New(mnemoserr.CodeGraphRelationshipNotFound,
			"target entity not found", mnemoserr.FieldEntityID(toID))
	}
	key := tripleKey{fromID: fromID, toID: toID, relType: strings.ToLower(relType)}
	if _, exists := s.triples[key]; exists {
		s.mu.Unlock()
		return nil, mnemoserr.Errorf(mnemoserr.CodeGraphRelationshipConflict,
			"relationship %q between these entities already exists", relType)
	}

	rel := &Relationship{
		ID:          uuid.NewString(),
		FromID:      fromID,
		ToID:        toID,
		Type:        relType,
		Description: strings.TrimSpace(in.Description),
		AddedBy:     addedBy,
		CreatedAt:   time.Now().UTC(),
	}
	s.rels[rel.ID] = rel
	s.triples[relKey(rel)] = rel.ID
	s.byEntity[fromID][rel.ID] = struct{}{}
	s.byEntity[toID][rel.ID] = struct{}{}
	s.mu.Unlock()

	s.markDirty()
	return rel.clone(), nil
}

// DeleteRelationship removes a single edge by id.
func (s *Store) DeleteRelationship(ctx context.Context, id string) error {
	s.mu.Lock()
	rel, ok := s.rels[id]
	if !ok {
		s.mu.Unlock()
		return mnemoserr.New(mnemoserr.CodeGraphRelationshipNotFound,
			"relationship not found", mnemoserr.Field("relationship_id", id))
	}
	s.removeRelLocked(rel)
	s.mu.Unlock()

	s.markDirty()
	return nil
}

// DeleteEntity removes the entity, every incident relationship, and
// schedules vector-record deletion. The cascade is atomic: a concurrent
// reader observes either the full pre-delete state or the full post-delete
// state, never a partial cascade.
func (s *Store) DeleteEntity(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	s.mu.Lock()
	if _, ok := s.entities[id]; !ok {
		s.mu.Unlock()
		return mnemoserr.New(mnemoserr.CodeGraphEntityNotFound,
			"entity not found", mnemoserr.FieldEntityID(id))
	}
	for relID := range s.byEntity[id] {
		if rel, ok := s.rels[relID]; ok {
			s.removeRelLocked(rel)
		}
	}
	delete(s.byEntity, id)
	delete(s.entities, id)
	s.mu.Unlock()

	s.markDirty()
	s.drop(id)
	return nil
}

// GetRelated returns all adjacent entities with edge metadata, both inbound
// and outbound.
func (s *Store) GetRelated(ctx context.Context, id string) ([]RelatedEntity, error) {
	s.mu.RLock()
	if _, ok := s.entities[id]; !ok {
		s.mu.RUnlock()
		return nil, mnemoserr.New(mnemoserr.CodeGraphEntityNotFound,
			"entity not found", mnemoserr.FieldEntityID(id))
	}

	out := make([]RelatedEntity, 0, len(s.byEntity[id]))
	for relID := range s.byEntity[id] {
		rel, ok := s.rels[relID]
		if !ok {
			continue
		}
		otherID, direction := rel.ToID, DirectionOutgoing
		if rel.ToID == id {
			otherID, direction = rel.FromID, DirectionIncoming
		}
		other, ok := s.entities[otherID]
		if !ok {
			continue
		}
		out = append(out, RelatedEntity{
			Entity:       other.clone(),
			Relationship: rel.clone(),
			Direction:    direction,
		})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Relationship.ID < out[j].Relationship.ID
	})
	return out, nil
}

// Stats returns aggregate counts over the graph.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := &Stats{
		Entities:          len(s.entities),
		Relationships:     len(s.rels),
		EntityTypes:       make(map[EntityType]int),
		RelationshipTypes: make(map[string]int),
	}
	for _, e := range s.entities {
		st.EntityTypes[e.Type]++
		st.Observations += len(e.Observations)
	}
	for _, r := range s.rels {
		st.RelationshipTypes[strings.ToLower(r.Type)]++
	}
	return st, nil
}

// EmbeddingSnapshot returns the entity's current semantic text, version and
// type for the sync pipeline. ok is false when the entity no longer exists.
func (s *Store) EmbeddingSnapshot(id string) (text string, version uint64, entityType EntityType, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, exists := s.entities[id]
	if !exists {
		return "", 0, "", false
	}
	return e.EmbeddingText(), e.EmbeddingVersion, e.Type, true
}

// ResyncAll notifies the sink for every entity, e.g. after loading a
// snapshot against an empty vector index.
func (s *Store) ResyncAll() {
	s.mu.RLock()
	ids := make([]string, 0, len(s.entities))
	for id := range s.entities {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		s.notify(id)
	}
}

// removeRelLocked deletes a relationship and its index entries. Caller
// holds s.mu.
func (s *Store) removeRelLocked(rel *Relationship) {
	delete(s.rels, rel.ID)
	delete(s.triples, relKey(rel))
	if m, ok := s.byEntity[rel.FromID]; ok {
		delete(m, rel.ID)
	}
	if m, ok := s.byEntity[rel.ToID]; ok {
		delete(m, rel.ID)
	}
}

func (s *Store) notify(id string) {
	s.sinkMu.RLock()
	sink := s.sink
	s.sinkMu.RUnlock()
	if sink != nil {
		sink.Notify(id)
	}
}

func (s *Store) drop(id string) {
	s.sinkMu.RLock()
	sink := s.sink
	s.sinkMu.RUnlock()
	if sink != nil {
		sink.Drop(id)
	}
}
