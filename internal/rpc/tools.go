// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mnemos Contributors

package rpc

import (
	"context"
	"encoding/json"

	"github.com/go-playground/validator/v10"

	"github.com/mnemos-ai/mnemos/internal/graph"
	"github.com/mnemos-ai/mnemos/internal/index"
	"github.com/mnemos-ai/mnemos/internal/search"
	msync "github.com/mnemos-ai/mnemos/internal/sync"
	mnemoserr "github.com/mnemos-ai/mnemos/pkg/errors"
)

// Tool is one callable protocol tool.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any

	handler func(ctx context.Context, args json.RawMessage) (any, error)
}

// Toolset binds the protocol tools to the underlying services.
type Toolset struct {
	store    *graph.Store
	searcher *search.Service
	manager  *msync.Manager
	idx      index.Index

	validate *validator.Validate
	tools    map[string]*Tool
	order    []string
}

// NewToolset registers every tool against the given services.
func NewToolset(store *graph.Store, searcher *search.Service, manager *msync.Manager, idx index.Index) *Toolset {
	t := &Toolset{
		store:    store,
		searcher: searcher,
		manager:  manager,
		idx:      idx,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		tools:    make(map[string]*Tool),
	}
	t.registerAll()
	return t
}

// Get returns the named tool.
func (t *Toolset) Get(name string) (*Tool, bool) {
	tool, ok := t.tools[name]
	return tool, ok
}

// List returns tool descriptors in registration order.
func (t *Toolset) List() []toolDescriptor {
	out := make([]toolDescriptor, 0, len(t.order))
	for _, name := range t.order {
		tool := t.tools[name]
		out = append(out, toolDescriptor{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		})
	}
	return out
}

func (t *Toolset) register(tool *Tool) {
	t.tools[tool.Name] = tool
	t.order = append(t.order, tool.Name)
}

// decode unmarshals and validates tool arguments.
func (t *Toolset) decode(raw json.RawMessage, dst any) error {
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, dst); err != nil {
			return mnemoserr.Wrap(err, mnemoserr.CodeRPCParamsInvalid, "decoding tool arguments")
		}
	}
	if err := t.validate.Struct(dst); err != nil {
		return mnemoserr.Wrap(err, mnemoserr.CodeRPCParamsInvalid, "invalid tool arguments")
	}
	return nil
}

func schema(properties map[string]any, required ...string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func prop(typ, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}

type createEntityParams struct {
	ID          string `json:"id"`
	Name        string `json:"name" validate:"required"`
	Type        string `json:"type"`
	Description string `json:"description" validate:"required"`
	ParentID    string `json:"parent_id"`
	AddedBy     string `json:"added_by"`
}

type entityIDParams struct {
	ID string `json:"id" validate:"required"`
}

type listEntitiesParams struct {
	Type  string `json:"type"`
	Limit int    `json:"limit" validate:"gte=0"`
}

type updateDescriptionParams struct {
	ID          string `json:"id" validate:"required"`
	Description string `json:"description" validate:"required"`
}

type appendObservationParams struct {
	ID      string `json:"id" validate:"required"`
	Text    string `json:"text" validate:"required"`
	AddedBy string `json:"added_by"`
}

type setParentParams struct {
	ID       string `json:"id" validate:"required"`
	ParentID string `json:"parent_id"`
}

type createRelationshipParams struct {
	FromID      string `json:"from_id" validate:"required"`
	ToID        string `json:"to_id" validate:"required"`
	Type        string `json:"type" validate:"required"`
	Description string `json:"description"`
	AddedBy     string `json:"added_by"`
}

type relationshipIDParams struct {
	ID string `json:"id" validate:"required"`
}

type semanticSearchParams struct {
	Query string `json:"query" validate:"required"`
	Limit int    `json:"limit" validate:"gte=0"`
}

func (t *Toolset) registerAll() {
	t.register(&Tool{
		Name:        "create_entity",
		Description: "Create a typed entity in the knowledge graph.",
		InputSchema: schema(map[string]any{
			"id":          prop("string", "Optional entity id; generated when omitted."),
			"name":        prop("string", "Entity name, unique per type."),
			"type":        prop("string", "Entity type (component, domain, utility, page, function, class, api, config)."),
			"description": prop("string", "What this entity is and does."),
			"parent_id":   prop("string", "Optional parent entity id."),
			"added_by":    prop("string", "Author attribution."),
		}, "name", "description"),
		handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var p createEntityParams
			if err := t.decode(args, &p); err != nil {
				return nil, err
			}
			return t.store.CreateEntity(ctx, graph.CreateEntityInput{
				ID:          p.ID,
				Name:        p.Name,
				Type:        p.Type,
				Description: p.Description,
				ParentID:    p.ParentID,
				AddedBy:     p.AddedBy,
			})
		},
	})

	t.register(&Tool{
		Name:        "get_entity",
		Description: "Fetch a single entity by id, including its observations.",
		InputSchema: schema(map[string]any{
			"id": prop("string", "Entity id."),
		}, "id"),
		handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var p entityIDParams
			if err := t.decode(args, &p); err != nil {
				return nil, err
			}
			return t.store.GetEntity(ctx, p.ID)
		},
	})

	t.register(&Tool{
		Name:        "list_entities",
		Description: "List entities in creation order, optionally filtered by type.",
		InputSchema: schema(map[string]any{
			"type":  prop("string", "Optional entity type filter."),
			"limit": prop("integer", "Maximum entities to return; 0 means all."),
		}),
		handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var p listEntitiesParams
			if err := t.decode(args, &p); err != nil {
				return nil, err
			}
			q := graph.EntityQuery{Limit: p.Limit}
			if p.Type != "" {
				q.Type = graph.ParseEntityType(p.Type)
			}
			return t.store.ListEntities(ctx, q)
		},
	})

	t.register(&Tool{
		Name:        "update_description",
		Description: "Replace an entity's description; the entity is re-embedded.",
		InputSchema: schema(map[string]any{
			"id":          prop("string", "Entity id."),
			"description": prop("string", "New description."),
		}, "id", "description"),
		handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var p updateDescriptionParams
			if err := t.decode(args, &p); err != nil {
				return nil, err
			}
			return t.store.UpdateDescription(ctx, p.ID, p.Description)
		},
	})

	t.register(&Tool{
		Name:        "append_observation",
		Description: "Append an immutable observation to an entity; the entity is re-embedded.",
		InputSchema: schema(map[string]any{
			"id":       prop("string", "Entity id."),
			"text":     prop("string", "Observation text."),
			"added_by": prop("string", "Author attribution."),
		}, "id", "text"),
		handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var p appendObservationParams
			if err := t.decode(args, &p); err != nil {
				return nil, err
			}
			return t.store.AppendObservation(ctx, p.ID, p.Text, p.AddedBy)
		},
	})

	t.register(&Tool{
		Name:        "set_parent",
		Description: "Set or clear an entity's parent. Does not trigger re-embedding.",
		InputSchema: schema(map[string]any{
			"id":        prop("string", "Entity id."),
			"parent_id": prop("string", "Parent entity id; empty clears the parent."),
		}, "id"),
		handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var p setParentParams
			if err := t.decode(args, &p); err != nil {
				return nil, err
			}
			return t.store.SetParent(ctx, p.ID, p.ParentID)
		},
	})

	t.register(&Tool{
		Name:        "delete_entity",
		Description: "Delete an entity, cascading to its relationships and index record.",
		InputSchema: schema(map[string]any{
			"id": prop("string", "Entity id."),
		}, "id"),
		handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var p entityIDParams
			if err := t.decode(args, &p); err != nil {
				return nil, err
			}
			if err := t.store.DeleteEntity(ctx, p.ID); err != nil {
				return nil, err
			}
			return map[string]any{"deleted": true, "id": p.ID}, nil
		},
	})

	t.register(&Tool{
		Name:        "create_relationship",
		Description: "Create a directed, typed relationship between two entities.",
		InputSchema: schema(map[string]any{
			"from_id":     prop("string", "Source entity id."),
			"to_id":       prop("string", "Target entity id."),
			"type":        prop("string", "Relationship type, e.g. calls, uses, contains."),
			"description": prop("string", "Optional edge description."),
			"added_by":    prop("string", "Author attribution."),
		}, "from_id", "to_id", "type"),
		handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var p createRelationshipParams
			if err := t.decode(args, &p); err != nil {
				return nil, err
			}
			return t.store.CreateRelationship(ctx, graph.CreateRelationshipInput{
				FromID:      p.FromID,
				ToID:        p.ToID,
				Type:        p.Type,
				Description: p.Description,
				AddedBy:     p.AddedBy,
			})
		},
	})

	t.register(&Tool{
		Name:        "delete_relationship",
		Description: "Delete a relationship by id.",
		InputSchema: schema(map[string]any{
			"id": prop("string", "Relationship id."),
		}, "id"),
		handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var p relationshipIDParams
			if err := t.decode(args, &p); err != nil {
				return nil, err
			}
			if err := t.store.DeleteRelationship(ctx, p.ID); err != nil {
				return nil, err
			}
			return map[string]any{"deleted": true, "id": p.ID}, nil
		},
	})

	t.register(&Tool{
		Name:        "get_related",
		Description: "List entities adjacent to the given entity, with edge direction.",
		InputSchema: schema(map[string]any{
			"id": prop("string", "Entity id."),
		}, "id"),
		handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var p entityIDParams
			if err := t.decode(args, &p); err != nil {
				return nil, err
			}
			related, err := t.store.GetRelated(ctx, p.ID)
			if err != nil {
				return nil, err
			}
			return map[string]any{"related": related}, nil
		},
	})

	t.register(&Tool{
		Name:        "semantic_search",
		Description: "Find entities whose content is semantically similar to the query.",
		InputSchema: schema(map[string]any{
			"query": prop("string", "Natural-language query."),
			"limit": prop("integer", "Maximum results; 0 uses the configured default."),
		}, "query"),
		handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var p semanticSearchParams
			if err := t.decode(args, &p); err != nil {
				return nil, err
			}
			results, err := t.searcher.Search(ctx, p.Query, p.Limit)
			if err != nil {
				return nil, err
			}
			return map[string]any{"results": results}, nil
		},
	})

	t.register(&Tool{
		Name:        "stats",
		Description: "Graph, index and sync pipeline statistics.",
		InputSchema: schema(map[string]any{}),
		handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			graphStats, err := t.store.Stats(ctx)
			if err != nil {
				return nil, err
			}
			indexed, err := t.idx.Count(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"graph":           graphStats,
				"indexed_vectors": indexed,
				"sync":            t.manager.Metrics(),
			}, nil
		},
	})
}
