// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mnemos Contributors

package graph

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	mnemoserr "github.com/mnemos-ai/mnemos/pkg/errors"
)

// snapshot is the on-disk JSON form of the graph. Vector data is not part
// of it; the index is rebuilt from entity content on startup.
type snapshot struct {
	Version       int             `json:"version"`
	SavedAt       time.Time       `json:"saved_at"`
	Entities      []*Entity       `json:"entities"`
	Relationships []*Relationship `json:"relationships"`
}

const snapshotVersion = 1

func (s *Store) markDirty() {
	s.dirty.Store(true)
}

// flushLoop persists the snapshot at most once per interval while dirty.
func (s *Store) flushLoop(interval time.Duration) {
	defer close(s.flushDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.flushStop:
			return
		case <-ticker.C:
			if !s.dirty.Load() {
				continue
			}
			if err := s.writeSnapshot(); err != nil {
				s.logger.Error("snapshot flush failed", "path", s.snapshotPath, "error", err)
			}
		}
	}
}

// writeSnapshot serializes the full graph and atomically replaces the
// snapshot file via rename. The dirty flag is cleared before the state is
// copied: a mutation committing while the file is written re-marks the
// store dirty and reaches the next flush instead of being silently
// acknowledged and lost.
func (s *Store) writeSnapshot() error {
	s.dirty.Store(false)
	if err := s.persistSnapshot(); err != nil {
		s.dirty.Store(true)
		return err
	}
	return nil
}

func (s *Store) persistSnapshot() error {
	s.mu.RLock()
	snap := snapshot{
		Version:       snapshotVersion,
		SavedAt:       time.Now().UTC(),
		Entities:      make([]*Entity, 0, len(s.entities)),
		Relationships: make([]*Relationship, 0, len(s.rels)),
	}
	for _, e := range s.entities {
		snap.Entities = append(snap.Entities, e.clone())
	}
	for _, r := range s.rels {
		snap.Relationships = append(snap.Relationships, r.clone())
	}
	s.mu.RUnlock()

	// Stable ordering keeps snapshots diffable.
	sort.Slice(snap.Entities, func(i, j int) bool { return snap.Entities[i].ID < snap.Entities[j].ID })
	sort.Slice(snap.Relationships, func(i, j int) bool { return snap.Relationships[i].ID < snap.Relationships[j].ID })

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return mnemoserr.Wrap(err, mnemoserr.CodeGraphSnapshotFailure, "encoding snapshot")
	}

	if err := os.MkdirAll(filepath.Dir(s.snapshotPath), 0o700); err != nil {
		return mnemoserr.Wrap(err, mnemoserr.CodeGraphSnapshotFailure, "creating snapshot directory")
	}
	tmp := s.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return mnemoserr.Wrap(err, mnemoserr.CodeGraphSnapshotFailure, "writing snapshot")
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return mnemoserr.Wrap(err, mnemoserr.CodeGraphSnapshotFailure, "replacing snapshot")
	}
	return nil
}

// loadSnapshot restores the graph from disk. A missing file is not an
// error; the store simply starts empty.
func (s *Store) loadSnapshot() error {
	data, err := os.ReadFile(s.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return mnemoserr.Wrap(err, mnemoserr.CodeGraphSnapshotFailure, "reading snapshot")
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return mnemoserr.Wrap(err, mnemoserr.CodeGraphSnapshotFailure, "decoding snapshot")
	}

	for _, e := range snap.Entities {
		s.entities[e.ID] = e
		s.byEntity[e.ID] = make(map[string]struct{})
	}
	for _, r := range snap.Relationships {
		// Drop edges whose endpoints vanished; the snapshot may predate a
		// crash mid-cascade.
		if _, ok := s.entities[r.FromID]; !ok {
			continue
		}
		if _, ok := s.entities[r.ToID]; !ok {
			continue
		}
		s.rels[r.ID] = r
		s.triples[relKey(r)] = r.ID
		s.byEntity[r.FromID][r.ID] = struct{}{}
		s.byEntity[r.ToID][r.ID] = struct{}{}
	}

	s.logger.Info("loaded graph snapshot",
		"path", s.snapshotPath,
		"entities", len(s.entities),
		"relationships", len(s.rels))
	return nil
}
