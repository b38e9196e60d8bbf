// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mnemos Contributors

package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mnemos-ai/mnemos/internal/config"
	mnemoserr "github.com/mnemos-ai/mnemos/pkg/errors"
)

func init() {
	RegisterBackend("qdrant", func(cfg config.VectorConfig) (Index, error) {
		return NewQdrantIndex(cfg)
	})
}

// qdrantNamespace maps arbitrary entity ids onto the UUID point ids Qdrant
// requires. Derivation is deterministic so upserts stay idempotent.
var qdrantNamespace = uuid.MustParse("6b7a3f2e-9c41-4d0a-8f5e-2d1c0b9a8e7f")

// QdrantIndex talks to a Qdrant server over its REST API.
type QdrantIndex struct {
	endpoint   string
	apiKey     string
	collection string
	dimensions int
	client     *http.Client
}

// NewQdrantIndex connects to Qdrant and ensures the collection exists with
// cosine distance.
func NewQdrantIndex(cfg config.VectorConfig) (*QdrantIndex, error) {
	q := &QdrantIndex{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		dimensions: cfg.Dimensions,
		client:     &http.Client{Timeout: 30 * time.Second},
	}

	if err := q.ensureCollection(context.Background()); err != nil {
		return nil, err
	}
	return q, nil
}

var _ Index = (*QdrantIndex)(nil)

func (q *QdrantIndex) pointID(entityID string) string {
	return uuid.NewSHA1(qdrantNamespace, []byte(entityID)).String()
}

func (q *QdrantIndex) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return mnemoserr.Wrap(err, mnemoserr.CodeIndexUnavailable, "encoding qdrant request")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, q.endpoint+path, reader)
	if err != nil {
		return mnemoserr.Wrap(err, mnemoserr.CodeIndexUnavailable, "building qdrant request")
	}
	req.Header.Set("Content-Type", "application/json")
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return mnemoserr.Wrapf(err, mnemoserr.CodeIndexUnavailable, "qdrant %s %s", method, path)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return mnemoserr.Wrap(err, mnemoserr.CodeIndexUnavailable, "reading qdrant response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return mnemoserr.Errorf(mnemoserr.CodeIndexUnavailable,
			"qdrant %s %s: status %d: %s", method, path, resp.StatusCode, truncate(string(data), 200))
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return mnemoserr.Wrap(err, mnemoserr.CodeIndexUnavailable, "decoding qdrant response")
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func (q *QdrantIndex) ensureCollection(ctx context.Context) error {
	path := "/collections/" + q.collection

	// Existing collection wins; creation races are benign.
	var probe struct {
		Status string `json:"status"`
	}
	if err := q.do(ctx, http.MethodGet, path, nil, &probe); err == nil {
		return nil
	}

	body := map[string]any{
		"vectors": map[string]any{
			"size":     q.dimensions,
			"distance": "Cosine",
		},
	}
	if err := q.do(ctx, http.MethodPut, path, body, nil); err != nil {
		return mnemoserr.Wrapf(err, mnemoserr.CodeIndexUnavailable,
			"creating qdrant collection %s", q.collection)
	}
	return nil
}

func (q *QdrantIndex) Upsert(ctx context.Context, rec Record) error {
	if err := checkDimensions(rec.Vector, q.dimensions); err != nil {
		return err
	}

	body := map[string]any{
		"points": []map[string]any{{
			"id":     q.pointID(rec.EntityID),
			"vector": normalize(rec.Vector),
			"payload": map[string]any{
				"entity_id":      rec.EntityID,
				"source_version": rec.SourceVersion,
				"entity_type":    rec.EntityType,
			},
		}},
	}

	path := fmt.Sprintf("/collections/%s/points?wait=true", q.collection)
	if err := q.do(ctx, http.MethodPut, path, body, nil); err != nil {
		return mnemoserr.Wrapf(err, mnemoserr.CodeIndexUpsertFailure, "upserting vector %s", rec.EntityID)
	}
	return nil
}

func (q *QdrantIndex) Query(ctx context.Context, vector []float32, limit int, threshold float64) ([]Hit, error) {
	if err := checkDimensions(vector, q.dimensions); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}

	body := map[string]any{
		"vector":          normalize(vector),
		"limit":           limit,
		"score_threshold": threshold,
		"with_payload":    true,
	}

	var resp struct {
		Result []struct {
			Score   float64 `json:"score"`
			Payload struct {
				EntityID      string `json:"entity_id"`
				SourceVersion uint64 `json:"source_version"`
				EntityType    string `json:"entity_type"`
			} `json:"payload"`
		} `json:"result"`
	}

	path := fmt.Sprintf("/collections/%s/points/search", q.collection)
	if err := q.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return nil, mnemoserr.Wrap(err, mnemoserr.CodeIndexQueryFailure, "searching vectors")
	}

	hits := make([]Hit, 0, len(resp.Result))
	for _, r := range resp.Result {
		hits = append(hits, Hit{
			EntityID:      r.Payload.EntityID,
			Score:         r.Score,
			SourceVersion: r.Payload.SourceVersion,
			EntityType:    r.Payload.EntityType,
		})
	}
	sortHits(hits)
	return hits, nil
}

func (q *QdrantIndex) Delete(ctx context.Context, entityID string) error {
	body := map[string]any{
		"points": []string{q.pointID(entityID)},
	}
	path := fmt.Sprintf("/collections/%s/points/delete?wait=true", q.collection)
	if err := q.do(ctx, http.MethodPost, path, body, nil); err != nil {
		return mnemoserr.Wrapf(err, mnemoserr.CodeIndexDeleteFailure, "deleting vector %s", entityID)
	}
	return nil
}

func (q *QdrantIndex) Count(ctx context.Context) (int, error) {
	var resp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/points/count", q.collection)
	if err := q.do(ctx, http.MethodPost, path, map[string]any{"exact": true}, &resp); err != nil {
		return 0, mnemoserr.Wrap(err, mnemoserr.CodeIndexQueryFailure, "counting vectors")
	}
	return resp.Result.Count, nil
}

func (q *QdrantIndex) Close() error { return nil }
