// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mnemos Contributors

package index

import (
	"context"
	"database/sql"
	"fmt"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/mnemos-ai/mnemos/internal/config"
	mnemoserr "github.com/mnemos-ai/mnemos/pkg/errors"
)

func init() {
	sqlite_vec.Auto()

	RegisterBackend("sqlite", func(cfg config.VectorConfig) (Index, error) {
		return NewSQLiteIndex(cfg.Path, cfg.Dimensions)
	})
}

// SQLiteIndex persists vectors in a vec0 virtual table with a companion
// payload table for the per-record source version and entity type.
type SQLiteIndex struct {
	db         *sql.DB
	dimensions int
}

// NewSQLiteIndex opens (or creates) the database at dbPath and initialises
// the vector tables.
func NewSQLiteIndex(dbPath string, dimensions int) (*SQLiteIndex, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, mnemoserr.Wrap(err, mnemoserr.CodeIndexUnavailable, "opening sqlite db")
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, mnemoserr.Wrap(err, mnemoserr.CodeIndexUnavailable, "pinging sqlite db")
	}

	if err := migrateVectorTables(db, dimensions); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLiteIndex{db: db, dimensions: dimensions}, nil
}

var _ Index = (*SQLiteIndex)(nil)

func migrateVectorTables(db *sql.DB, dimensions int) error {
	vecDDL := fmt.Sprintf(
		`CREATE VIRTUAL TABLE IF NOT EXISTS entity_vectors USING vec0(entity_id TEXT PRIMARY KEY, embedding float[%d])`,
		dimensions,
	)
	if _, err := db.Exec(vecDDL); err != nil {
		return mnemoserr.Wrap(err, mnemoserr.CodeIndexUnavailable, "creating entity_vectors virtual table")
	}

	const payloadDDL = `
CREATE TABLE IF NOT EXISTS vector_payload (
	entity_id      TEXT PRIMARY KEY,
	source_version INTEGER NOT NULL,
	entity_type    TEXT NOT NULL DEFAULT ''
)`
	if _, err := db.Exec(payloadDDL); err != nil {
		return mnemoserr.Wrap(err, mnemoserr.CodeIndexUnavailable, "creating vector_payload table")
	}

	return nil
}

func (s *SQLiteIndex) Upsert(ctx context.Context, rec Record) error {
	if err := checkDimensions(rec.Vector, s.dimensions); err != nil {
		return err
	}

	blob, err := sqlite_vec.SerializeFloat32(normalize(rec.Vector))
	if err != nil {
		return mnemoserr.Wrap(err, mnemoserr.CodeIndexUpsertFailure, "serializing embedding")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mnemoserr.Wrap(err, mnemoserr.CodeIndexUpsertFailure, "beginning transaction")
	}
	defer func() { _ = tx.Rollback() }()

	// vec0 does not support ON CONFLICT; delete first for upsert.
	if _, err := tx.ExecContext(ctx, `DELETE FROM entity_vectors WHERE entity_id = ?`, rec.EntityID); err != nil {
		return mnemoserr.Wrapf(err, mnemoserr.CodeIndexUpsertFailure, "deleting existing vector %s", rec.EntityID)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO entity_vectors(entity_id, embedding) VALUES (?, ?)`, rec.EntityID, blob); err != nil {
		return mnemoserr.Wrapf(err, mnemoserr.CodeIndexUpsertFailure, "inserting vector %s", rec.EntityID)
	}

	const payloadQ = `INSERT INTO vector_payload(entity_id, source_version, entity_type) VALUES (?, ?, ?)
ON CONFLICT(entity_id) DO UPDATE SET source_version = excluded.source_version, entity_type = excluded.entity_type`
	if _, err := tx.ExecContext(ctx, payloadQ, rec.EntityID, rec.SourceVersion, rec.EntityType); err != nil {
		return mnemoserr.Wrapf(err, mnemoserr.CodeIndexUpsertFailure, "upserting vector payload %s", rec.EntityID)
	}

	if err := tx.Commit(); err != nil {
		return mnemoserr.Wrap(err, mnemoserr.CodeIndexUpsertFailure, "committing vector upsert")
	}
	return nil
}

func (s *SQLiteIndex) Query(ctx context.Context, vector []float32, limit int, threshold float64) ([]Hit, error) {
	if err := checkDimensions(vector, s.dimensions); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}

	blob, err := sqlite_vec.SerializeFloat32(normalize(vector))
	if err != nil {
		return nil, mnemoserr.Wrap(err, mnemoserr.CodeIndexQueryFailure, "serializing query vector")
	}

	const q = `SELECT v.entity_id, v.distance, COALESCE(p.source_version, 0), COALESCE(p.entity_type, '')
FROM entity_vectors v
LEFT JOIN vector_payload p ON p.entity_id = v.entity_id
WHERE v.embedding MATCH ? AND k = ?
ORDER BY v.distance`

	rows, err := s.db.QueryContext(ctx, q, blob, limit)
	if err != nil {
		return nil, mnemoserr.Wrap(err, mnemoserr.CodeIndexQueryFailure, "searching vectors")
	}
	defer func() { _ = rows.Close() }()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var distance float64
		if err := rows.Scan(&h.EntityID, &distance, &h.SourceVersion, &h.EntityType); err != nil {
			return nil, mnemoserr.Wrap(err, mnemoserr.CodeIndexQueryFailure, "scanning vector result")
		}
		// Stored and query vectors are unit length, so the L2 distance d
		// maps to cosine similarity as 1 - d^2/2.
		h.Score = 1 - distance*distance/2
		if h.Score < threshold {
			continue
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, mnemoserr.Wrap(err, mnemoserr.CodeIndexQueryFailure, "iterating vector results")
	}

	sortHits(hits)
	return hits, nil
}

func (s *SQLiteIndex) Delete(ctx context.Context, entityID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mnemoserr.Wrap(err, mnemoserr.CodeIndexDeleteFailure, "beginning transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entity_vectors WHERE entity_id = ?`, entityID); err != nil {
		return mnemoserr.Wrapf(err, mnemoserr.CodeIndexDeleteFailure, "deleting vector %s", entityID)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM vector_payload WHERE entity_id = ?`, entityID); err != nil {
		return mnemoserr.Wrapf(err, mnemoserr.CodeIndexDeleteFailure, "deleting vector payload %s", entityID)
	}

	if err := tx.Commit(); err != nil {
		return mnemoserr.Wrap(err, mnemoserr.CodeIndexDeleteFailure, "committing vector delete")
	}
	return nil
}

func (s *SQLiteIndex) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vector_payload`).Scan(&n); err != nil {
		return 0, mnemoserr.Wrap(err, mnemoserr.CodeIndexQueryFailure, "counting vectors")
	}
	return n, nil
}

func (s *SQLiteIndex) Close() error {
	return s.db.Close()
}
