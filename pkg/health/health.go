// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mnemos Contributors

package health

import "time"

// SyncMetrics exposes the current state of the graph/index synchronization
// pipeline for monitoring and operator visibility. All fields are
// point-in-time snapshots safe to serialize to JSON.
type SyncMetrics struct {
	Pending   int `json:"pending"`
	Embedding int `json:"embedding"`
	Indexed   int `json:"indexed"`
	Failed    int `json:"failed"`

	// FailedEntities lists entities whose sync exhausted its retry budget.
	// Their structured data remains readable from the graph store.
	FailedEntities []string   `json:"failed_entities,omitempty"`
	LastFailureAt  *time.Time `json:"last_failure_at,omitempty"`
}

// Healthy reports whether the pipeline has no entities stuck in Failed.
func (m SyncMetrics) Healthy() bool {
	return m.Failed == 0
}
