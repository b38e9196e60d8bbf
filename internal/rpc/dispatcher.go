// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mnemos Contributors

package rpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	mnemoserr "github.com/mnemos-ai/mnemos/pkg/errors"
)

const protocolVersion = "2025-03-26"

// DispatcherOptions configures the protocol front door.
type DispatcherOptions struct {
	ServerName    string
	ServerVersion string
	// CallTimeout bounds how long a caller waits for a tool result. The
	// operation itself continues on a detached context.
	CallTimeout time.Duration
	// MaxInflight caps concurrently executing tool calls.
	MaxInflight int
	// QueueBound caps callers waiting for a slot; excess fails fast.
	QueueBound int
	Logger     *slog.Logger
}

// Dispatcher routes JSON-RPC requests to the toolset, enforcing the
// per-call timeout and the inflight/queue admission limits.
type Dispatcher struct {
	tools *Toolset

	serverName    string
	serverVersion string
	callTimeout   time.Duration
	queueBound    int64

	sem     chan struct{}
	waiting atomic.Int64

	logger *slog.Logger
}

// NewDispatcher creates a Dispatcher over the given toolset.
func NewDispatcher(tools *Toolset, opts DispatcherOptions) *Dispatcher {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	if opts.MaxInflight <= 0 {
		opts.MaxInflight = 32
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		tools:         tools,
		serverName:    opts.ServerName,
		serverVersion: opts.ServerVersion,
		callTimeout:   opts.CallTimeout,
		queueBound:    int64(opts.QueueBound),
		sem:           make(chan struct{}, opts.MaxInflight),
		logger:        logger,
	}
}

// Handle processes one raw JSON-RPC request and always returns a response.
func (d *Dispatcher) Handle(ctx context.Context, raw []byte) *Response {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return newErrorResponse(nil, mnemoserr.RPCParseError, "parse error")
	}

	if req.JSONRPC != "2.0" || req.Method == "" {
		return newErrorResponse(req.ID, mnemoserr.RPCInvalidRequest, "invalid request")
	}

	switch req.Method {
	case "initialize":
		return newResponse(req.ID, initializeResult{
			ProtocolVersion: protocolVersion,
			ServerInfo:      serverInfo{Name: d.serverName, Version: d.serverVersion},
			Capabilities:    map[string]any{"tools": map[string]any{}},
		})
	case "tools/list":
		return newResponse(req.ID, map[string]any{"tools": d.tools.List()})
	case "tools/call":
		return d.call(ctx, &req)
	default:
		return newErrorResponse(req.ID, mnemoserr.RPCMethodNotFound, "method not found: "+req.Method)
	}
}

func (d *Dispatcher) call(ctx context.Context, req *Request) *Response {
	var params callParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return newErrorResponse(req.ID, mnemoserr.RPCInvalidParams, "tools/call requires a tool name")
	}

	tool, ok := d.tools.Get(params.Name)
	if !ok {
		return d.errorResponse(req.ID, params.Name, mnemoserr.Errorf(
			mnemoserr.CodeRPCToolNotFound, "unknown tool: %s", params.Name))
	}

	if err := d.admit(ctx); err != nil {
		return d.errorResponse(req.ID, params.Name, err)
	}

	// Detach the handler from the caller: a timed-out or disconnected
	// caller must not abort a mutation that is already in flight.
	callCtx := context.WithoutCancel(ctx)

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	started := time.Now()

	go func() {
		defer func() { <-d.sem }()
		result, err := tool.handler(callCtx, params.Arguments)
		done <- outcome{result: result, err: err}
	}()

	timer := time.NewTimer(d.callTimeout)
	defer timer.Stop()

	select {
	case out := <-done:
		if out.err != nil {
			return d.errorResponse(req.ID, params.Name, out.err)
		}
		return newResponse(req.ID, out.result)
	case <-timer.C:
		d.logger.Warn("tool call timed out, continuing in background",
			"tool", params.Name, "timeout", d.callTimeout, "elapsed", time.Since(started))
		return d.errorResponse(req.ID, params.Name, mnemoserr.Errorf(
			mnemoserr.CodeRPCCallTimeout, "tool %s did not complete within %s", params.Name, d.callTimeout))
	}
}

// admit acquires an execution slot, queueing up to queueBound callers.
func (d *Dispatcher) admit(ctx context.Context) error {
	select {
	case d.sem <- struct{}{}:
		return nil
	default:
	}

	if d.waiting.Load() >= d.queueBound {
		return mnemoserr.Errorf(mnemoserr.CodeRPCQueueBackpressure,
			"request queue full (%d waiting)", d.queueBound)
	}

	d.waiting.Add(1)
	defer d.waiting.Add(-1)

	select {
	case d.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return mnemoserr.Wrap(ctx.Err(), mnemoserr.CodeRPCCallTimeout, "cancelled while queued")
	}
}

func (d *Dispatcher) errorResponse(id json.RawMessage, tool string, err error) *Response {
	code := mnemoserr.RPCCode(err)
	msg := err.Error()

	// Upstream provider and storage internals stay server-side.
	switch code {
	case mnemoserr.RPCUnavailable:
		msg = "downstream service unavailable"
	case mnemoserr.RPCInternalError:
		msg = "internal error"
	}

	d.logger.Debug("tool call failed", "tool", tool, "code", code, "error", err)
	return newErrorResponse(id, code, msg)
}
