// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mnemos Contributors

package graph

import (
	"fmt"
	"strings"
	"time"
)

// EntityType classifies a node in the knowledge graph.
type EntityType string

const (
	TypeComponent EntityType = "component"
	TypeDomain    EntityType = "domain"
	TypeUtility   EntityType = "utility"
	TypePage      EntityType = "page"
	TypeFunction  EntityType = "function"
	TypeClass     EntityType = "class"
	TypeAPI       EntityType = "api"
	TypeConfig    EntityType = "config"
	TypeUnknown   EntityType = "unknown"
)

// knownTypes is the closed set of entity types; anything else maps to TypeUnknown.
var knownTypes = map[EntityType]bool{
	TypeComponent: true,
	TypeDomain:    true,
	TypeUtility:   true,
	TypePage:      true,
	TypeFunction:  true,
	TypeClass:     true,
	TypeAPI:       true,
	TypeConfig:    true,
	TypeUnknown:   true,
}

// ParseEntityType normalizes a raw type string, bucketing unknown values
// into TypeUnknown rather than rejecting them.
func ParseEntityType(raw string) EntityType {
	t := EntityType(strings.ToLower(strings.TrimSpace(raw)))
	if t == "" || !knownTypes[t] {
		return TypeUnknown
	}
	return t
}

// Observation is an immutable note appended to an entity. Observations are
// never edited or reordered.
type Observation struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	AddedBy   string    `json:"added_by"`
	CreatedAt time.Time `json:"created_at"`
}

// Entity is a typed node in the knowledge graph.
type Entity struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Type         EntityType    `json:"type"`
	Description  string        `json:"description"`
	Observations []Observation `json:"observations,omitempty"`

	// ParentID is a weak hierarchy reference; no ownership implied.
	ParentID string `json:"parent_id,omitempty"`

	// EmbeddingVersion increases on every change to Description or
	// Observations. The sync pipeline compares it against the indexed
	// vector's source version to detect staleness.
	EmbeddingVersion uint64 `json:"embedding_version"`

	AddedBy   string    `json:"added_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EmbeddingText renders the entity's semantic content for the embedding
// provider. Name, type, description and all observations contribute. The
// result carries no surrounding whitespace, matching the normalization the
// search path applies to query text.
func (e *Entity) EmbeddingText() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Entity: %s (%s)\n", e.Name, e.Type)
	fmt.Fprintf(&b, "Description: %s\n", e.Description)
	if len(e.Observations) > 0 {
		b.WriteString("\nObservations:\n")
		for _, obs := range e.Observations {
			fmt.Fprintf(&b, "- %s\n", obs.Text)
		}
	}
	return strings.TrimSpace(b.String())
}

// clone returns a deep copy so callers can never mutate store state.
func (e *Entity) clone() *Entity {
	cp := *e
	if len(e.Observations) > 0 {
		cp.Observations = make([]Observation, len(e.Observations))
		copy(cp.Observations, e.Observations)
	}
	return &cp
}

// Relationship is a directed, typed edge between two entities. The
// (FromID, ToID, Type) triple is the unique key.
type Relationship struct {
	ID          string    `json:"id"`
	FromID      string    `json:"from_id"`
	ToID        string    `json:"to_id"`
	Type        string    `json:"type"`
	Description string    `json:"description,omitempty"`
	AddedBy     string    `json:"added_by"`
	CreatedAt   time.Time `json:"created_at"`
}

func (r *Relationship) clone() *Relationship {
	cp := *r
	return &cp
}

// Direction of an edge relative to the entity GetRelated was called on.
const (
	DirectionOutgoing = "outgoing"
	DirectionIncoming = "incoming"
)

// RelatedEntity pairs an adjacent entity with the edge connecting it.
type RelatedEntity struct {
	Entity       *Entity       `json:"entity"`
	Relationship *Relationship `json:"relationship"`
	Direction    string        `json:"direction"`
}

// EntityQuery filters ListEntities.
type EntityQuery struct {
	Type  EntityType
	Limit int
}

// Stats summarizes the graph contents.
type Stats struct {
	Entities          int                `json:"entities"`
	Relationships     int                `json:"relationships"`
	Observations      int                `json:"observations"`
	EntityTypes       map[EntityType]int `json:"entity_types"`
	RelationshipTypes map[string]int     `json:"relationship_types"`
}

// CreateEntityInput carries the caller-supplied fields for CreateEntity.
type CreateEntityInput struct {
	ID          string
	Name        string
	Type        string
	Description string
	ParentID    string
	AddedBy     string
}

// CreateRelationshipInput carries the caller-supplied fields for CreateRelationship.
type CreateRelationshipInput struct {
	FromID      string
	ToID        string
	Type        string
	Description string
	AddedBy     string
}
