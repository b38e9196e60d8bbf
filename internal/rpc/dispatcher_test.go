// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mnemos Contributors

package rpc_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemos-ai/mnemos/internal/embed"
	"github.com/mnemos-ai/mnemos/internal/graph"
	"github.com/mnemos-ai/mnemos/internal/index"
	"github.com/mnemos-ai/mnemos/internal/rpc"
	"github.com/mnemos-ai/mnemos/internal/search"
	msync "github.com/mnemos-ai/mnemos/internal/sync"
	mnemoserr "github.com/mnemos-ai/mnemos/pkg/errors"
)

// gateEmbedder blocks Embed until released, for timeout and backpressure
// tests.
type gateEmbedder struct {
	inner *embed.LocalProvider
	gate  chan struct{}
}

func (g *gateEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if g.gate != nil {
		<-g.gate
	}
	vecs, err := g.inner.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

type fixture struct {
	store      *graph.Store
	dispatcher *rpc.Dispatcher
}

func newFixture(t *testing.T, queryEmbedder search.Embedder, opts rpc.DispatcherOptions) *fixture {
	t.Helper()

	store, err := graph.New(graph.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	idx := index.NewMemoryIndex(32)
	svc := embed.NewService(embed.NewLocalProvider(32), embed.ServiceOptions{
		BatchWindow: time.Millisecond,
	})
	t.Cleanup(svc.Close)

	mgr := msync.NewManager(store, svc, idx, msync.Options{Workers: 2})
	t.Cleanup(mgr.Close)
	store.SetSink(mgr)

	if queryEmbedder == nil {
		queryEmbedder = svc
	}
	searcher := search.NewService(store, queryEmbedder, idx, search.Options{Threshold: 0.9})

	if opts.ServerName == "" {
		opts.ServerName = "mnemos-test"
		opts.ServerVersion = "0.0.1"
	}
	dispatcher := rpc.NewDispatcher(rpc.NewToolset(store, searcher, mgr, idx), opts)

	return &fixture{store: store, dispatcher: dispatcher}
}

func (f *fixture) handle(t *testing.T, body string) *rpc.Response {
	t.Helper()
	return f.dispatcher.Handle(context.Background(), []byte(body))
}

func (f *fixture) callTool(t *testing.T, name string, args any) *rpc.Response {
	t.Helper()
	argJSON, err := json.Marshal(args)
	require.NoError(t, err)
	body := fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":%q,"arguments":%s}}`,
		name, argJSON)
	return f.handle(t, body)
}

func TestHandleParseError(t *testing.T) {
	f := newFixture(t, nil, rpc.DispatcherOptions{})

	resp := f.handle(t, `{not json`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, mnemoserr.RPCParseError, resp.Error.Code)
	assert.Equal(t, json.RawMessage("null"), resp.ID)
}

func TestHandleInvalidRequest(t *testing.T) {
	f := newFixture(t, nil, rpc.DispatcherOptions{})

	for _, body := range []string{
		`{"jsonrpc":"1.0","id":1,"method":"initialize"}`,
		`{"jsonrpc":"2.0","id":2}`,
	} {
		resp := f.handle(t, body)
		require.NotNil(t, resp.Error, body)
		assert.Equal(t, mnemoserr.RPCInvalidRequest, resp.Error.Code)
	}
}

func TestHandleMethodNotFound(t *testing.T) {
	f := newFixture(t, nil, rpc.DispatcherOptions{})

	resp := f.handle(t, `{"jsonrpc":"2.0","id":3,"method":"resources/list"}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, mnemoserr.RPCMethodNotFound, resp.Error.Code)
	assert.Equal(t, json.RawMessage("3"), resp.ID)
}

func TestInitialize(t *testing.T) {
	f := newFixture(t, nil, rpc.DispatcherOptions{ServerName: "mnemos", ServerVersion: "1.2.3"})

	resp := f.handle(t, `{"jsonrpc":"2.0","id":"init-1","method":"initialize"}`)
	require.Nil(t, resp.Error)
	assert.Equal(t, json.RawMessage(`"init-1"`), resp.ID)

	data, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
		ServerInfo      struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
	}
	require.NoError(t, json.Unmarshal(data, &result))
	assert.Equal(t, "mnemos", result.ServerInfo.Name)
	assert.Equal(t, "1.2.3", result.ServerInfo.Version)
	assert.NotEmpty(t, result.ProtocolVersion)
}

func TestToolsList(t *testing.T) {
	f := newFixture(t, nil, rpc.DispatcherOptions{})

	resp := f.handle(t, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	require.Nil(t, resp.Error)

	data, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var result struct {
		Tools []struct {
			Name        string         `json:"name"`
			InputSchema map[string]any `json:"inputSchema"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(data, &result))

	names := make([]string, 0, len(result.Tools))
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
		assert.Equal(t, "object", tool.InputSchema["type"], tool.Name)
	}
	assert.Equal(t, []string{
		"create_entity", "get_entity", "list_entities", "update_description",
		"append_observation", "set_parent", "delete_entity", "create_relationship",
		"delete_relationship", "get_related", "semantic_search", "stats",
	}, names)
}

func TestToolsCallCreateAndGet(t *testing.T) {
	f := newFixture(t, nil, rpc.DispatcherOptions{})

	resp := f.callTool(t, "create_entity", map[string]any{
		"name": "parser", "type": "class", "description": "tokenizes input",
	})
	require.Nil(t, resp.Error)

	data, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var created graph.Entity
	require.NoError(t, json.Unmarshal(data, &created))
	assert.NotEmpty(t, created.ID)

	resp = f.callTool(t, "get_entity", map[string]any{"id": created.ID})
	require.Nil(t, resp.Error)
}

func TestToolsCallUnknownTool(t *testing.T) {
	f := newFixture(t, nil, rpc.DispatcherOptions{})

	resp := f.callTool(t, "summon_demon", map[string]any{})
	require.NotNil(t, resp.Error)
	assert.Equal(t, mnemoserr.RPCMethodNotFound, resp.Error.Code)
}

func TestToolsCallMissingName(t *testing.T) {
	f := newFixture(t, nil, rpc.DispatcherOptions{})

	resp := f.handle(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, mnemoserr.RPCInvalidParams, resp.Error.Code)
}

func TestToolsCallInvalidArguments(t *testing.T) {
	f := newFixture(t, nil, rpc.DispatcherOptions{})

	// description is required.
	resp := f.callTool(t, "create_entity", map[string]any{"name": "incomplete"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, mnemoserr.RPCInvalidParams, resp.Error.Code)
}

func TestToolsCallErrorMapping(t *testing.T) {
	f := newFixture(t, nil, rpc.DispatcherOptions{})

	resp := f.callTool(t, "get_entity", map[string]any{"id": "ghost"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, mnemoserr.RPCNotFound, resp.Error.Code)

	resp = f.callTool(t, "create_entity", map[string]any{
		"name": "dup", "type": "class", "description": "first",
	})
	require.Nil(t, resp.Error)
	resp = f.callTool(t, "create_entity", map[string]any{
		"name": "dup", "type": "class", "description": "second",
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, mnemoserr.RPCConflict, resp.Error.Code)
}

func TestToolsCallTimeoutContinuesInBackground(t *testing.T) {
	gate := &gateEmbedder{inner: embed.NewLocalProvider(32), gate: make(chan struct{})}
	f := newFixture(t, gate, rpc.DispatcherOptions{
		CallTimeout: 30 * time.Millisecond,
		MaxInflight: 2,
		QueueBound:  2,
	})

	resp := f.callTool(t, "semantic_search", map[string]any{"query": "anything"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, mnemoserr.RPCTimeout, resp.Error.Code)

	// Release the gate: the detached call finishes and frees its slot, so
	// a subsequent call succeeds.
	close(gate.gate)
	require.Eventually(t, func() bool {
		resp := f.callTool(t, "semantic_search", map[string]any{"query": "anything"})
		return resp.Error == nil
	}, time.Second, 10*time.Millisecond)
}

func TestToolsCallBackpressure(t *testing.T) {
	gate := &gateEmbedder{inner: embed.NewLocalProvider(32), gate: make(chan struct{})}
	f := newFixture(t, gate, rpc.DispatcherOptions{
		CallTimeout: 5 * time.Second,
		MaxInflight: 1,
		QueueBound:  0,
	})
	defer close(gate.gate)

	// Occupy the single slot.
	started := make(chan struct{})
	go func() {
		close(started)
		f.callTool(t, "semantic_search", map[string]any{"query": "slow"})
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	// Zero queue bound: the next call fails fast.
	resp := f.callTool(t, "semantic_search", map[string]any{"query": "rejected"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, mnemoserr.RPCBackpressure, resp.Error.Code)
}
