// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mnemos Contributors

// Package errors defines the error taxonomy shared by every Mnemos
// component. Errors carry a machine-readable Code in the form
// "area.operation.reason"; the reason suffix drives classification and
// the JSON-RPC error code returned to protocol clients.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error.
type Code string

const (
	CodeGraphEntityNotFound       Code = "graph.entity.get.not_found"
	CodeGraphEntityConflict       Code = "graph.entity.create.conflict"
	CodeGraphEntityInvalid        Code = "graph.entity.validate.invalid_input"
	CodeGraphRelationshipNotFound Code = "graph.relationship.get.not_found"
	CodeGraphRelationshipConflict Code = "graph.relationship.create.conflict"
	CodeGraphRelationshipInvalid  Code = "graph.relationship.validate.invalid_input"
	CodeGraphSnapshotFailure      Code = "graph.snapshot.io.failure"

	CodeEmbedProviderUnavailable Code = "embed.provider.exhausted.unavailable"
	CodeEmbedProviderInvalid     Code = "embed.provider.config.invalid_input"
	CodeEmbedCacheFailure        Code = "embed.cache.init.failure"
	CodeEmbedRequestInvalid      Code = "embed.request.validate.invalid_input"

	CodeIndexBackendUnsupported Code = "index.backend.unsupported"
	CodeIndexUpsertFailure      Code = "index.upsert.failure"
	CodeIndexQueryFailure       Code = "index.query.failure"
	CodeIndexDeleteFailure      Code = "index.delete.failure"
	CodeIndexUnavailable        Code = "index.upstream.unavailable"
	CodeIndexDimensionInvalid   Code = "index.vector.dimension.invalid_input"

	CodeSyncEntityFailed Code = "sync.entity.exhausted.failure"

	CodeRPCRequestInvalid    Code = "rpc.request.parse.invalid_input"
	CodeRPCMethodNotFound    Code = "rpc.method.not_found"
	CodeRPCToolNotFound      Code = "rpc.tool.not_found"
	CodeRPCParamsInvalid     Code = "rpc.params.validate.invalid_input"
	CodeRPCCallTimeout       Code = "rpc.call.deadline.timeout"
	CodeRPCQueueBackpressure Code = "rpc.queue.full.backpressure"

	CodeConfigReadFailure Code = "config.load.read.failure"
	CodeConfigInvalid     Code = "config.validate.invalid_input"

	CodeServerStartFailure    Code = "server.start.failure"
	CodeServerShutdownFailure Code = "server.shutdown.failure"
	CodeServerInternalFailure Code = "server.internal.failure"

	CodeCLISetupFailure Code = "cli.setup.failure"
)

// JSON-RPC error codes. The -32000..-32099 range is reserved for
// implementation-defined server errors.
const (
	RPCParseError     = -32700
	RPCInvalidRequest = -32600
	RPCMethodNotFound = -32601
	RPCInvalidParams  = -32602
	RPCInternalError  = -32603

	RPCTimeout      = -32001
	RPCBackpressure = -32002
	RPCUnavailable  = -32003
	RPCNotFound     = -32004
	RPCConflict     = -32009
)

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

// Field creates a structured error field.
func Field(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

func FieldEntityID(value string) Attr {
	return Field("entity_id", value)
}

func FieldTool(value string) Attr {
	return Field("tool", value)
}

func FieldProvider(value string) Attr {
	return Field("provider", value)
}

func New(code Code, msg string, fields ...Attr) error {
	return oops.Code(code).With(flatten(fields)...).New(msg)
}

func Errorf(code Code, format string, args ...any) error {
	return oops.Code(code).Errorf(format, args...)
}

func Wrap(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).With(flatten(fields)...).Wrapf(err, "%s", msg)
}

func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).Wrapf(err, format, args...)
}

// With adds structured fields to an existing error chain.
func With(err error, fields ...Attr) error {
	if err == nil {
		return nil
	}

	code := CodeOf(err)
	if code == "" {
		code = CodeServerInternalFailure
	}

	return oops.Code(code).With(flatten(fields)...).Wrap(err)
}

func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}

	if code, ok := oopsErr.Code().(Code); ok {
		return code
	}

	if code, ok := oopsErr.Code().(string); ok {
		return Code(code)
	}

	return Code(fmt.Sprintf("%v", oopsErr.Code()))
}

func FieldsOf(err error) map[string]any {
	if err == nil {
		return nil
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}

	return oopsErr.Context()
}

func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

func IsNotFound(err error) bool {
	return reason(CodeOf(err)) == "not_found"
}

func IsConflict(err error) bool {
	return reason(CodeOf(err)) == "conflict"
}

func IsValidation(err error) bool {
	r := reason(CodeOf(err))
	return r == "invalid" || r == "invalid_input"
}

func IsTimeout(err error) bool {
	return reason(CodeOf(err)) == "timeout"
}

func IsBackpressure(err error) bool {
	return reason(CodeOf(err)) == "backpressure"
}

// IsDownstreamUnavailable reports whether an upstream provider or index
// exhausted its retry budget.
func IsDownstreamUnavailable(err error) bool {
	return reason(CodeOf(err)) == "unavailable"
}

// RPCCode maps an error to the stable JSON-RPC error code returned to
// protocol clients. Codes never expose provider-internal detail.
func RPCCode(err error) int {
	switch {
	case HasCode(err, CodeRPCRequestInvalid):
		return RPCInvalidRequest
	case HasCode(err, CodeRPCMethodNotFound):
		return RPCMethodNotFound
	case HasCode(err, CodeRPCToolNotFound):
		return RPCMethodNotFound
	case IsValidation(err):
		return RPCInvalidParams
	case IsNotFound(err):
		return RPCNotFound
	case IsConflict(err):
		return RPCConflict
	case IsTimeout(err):
		return RPCTimeout
	case IsBackpressure(err):
		return RPCBackpressure
	case IsDownstreamUnavailable(err):
		return RPCUnavailable
	default:
		return RPCInternalError
	}
}

func Join(errs ...error) error {
	return oops.Code(CodeServerInternalFailure).Wrap(stderrors.Join(errs...))
}

func flatten(fields []Attr) []any {
	pairs := make([]any, 0, len(fields)*2)
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		pairs = append(pairs, field.Key, field.Value)
	}
	return pairs
}

func reason(code Code) string {
	if code == "" {
		return ""
	}

	raw := string(code)
	idx := strings.LastIndex(raw, ".")
	if idx == -1 || idx == len(raw)-1 {
		return raw
	}
	return raw[idx+1:]
}
