// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mnemos Contributors

package errors_test

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mnemoserr "github.com/mnemos-ai/mnemos/pkg/errors"
)

func TestCodeOf(t *testing.T) {
	err := mnemoserr.New(mnemoserr.CodeGraphEntityNotFound, "entity missing")
	assert.Equal(t, mnemoserr.CodeGraphEntityNotFound, mnemoserr.CodeOf(err))

	assert.Equal(t, mnemoserr.Code(""), mnemoserr.CodeOf(nil))
	assert.Equal(t, mnemoserr.Code(""), mnemoserr.CodeOf(stderrors.New("plain")))
}

func TestWrapPreservesCode(t *testing.T) {
	inner := stderrors.New("disk full")
	err := mnemoserr.Wrap(inner, mnemoserr.CodeGraphSnapshotFailure, "flushing snapshot")

	require.Error(t, err)
	assert.Equal(t, mnemoserr.CodeGraphSnapshotFailure, mnemoserr.CodeOf(err))
	assert.ErrorIs(t, err, inner)
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.NoError(t, mnemoserr.Wrap(nil, mnemoserr.CodeGraphSnapshotFailure, "noop"))
	assert.NoError(t, mnemoserr.Wrapf(nil, mnemoserr.CodeGraphSnapshotFailure, "noop"))
	assert.NoError(t, mnemoserr.With(nil, mnemoserr.Field("k", "v")))
}

func TestClassifiers(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"not found", mnemoserr.New(mnemoserr.CodeGraphEntityNotFound, "x"), mnemoserr.IsNotFound},
		{"conflict", mnemoserr.New(mnemoserr.CodeGraphEntityConflict, "x"), mnemoserr.IsConflict},
		{"validation", mnemoserr.New(mnemoserr.CodeGraphEntityInvalid, "x"), mnemoserr.IsValidation},
		{"timeout", mnemoserr.New(mnemoserr.CodeRPCCallTimeout, "x"), mnemoserr.IsTimeout},
		{"backpressure", mnemoserr.New(mnemoserr.CodeRPCQueueBackpressure, "x"), mnemoserr.IsBackpressure},
		{"downstream", mnemoserr.New(mnemoserr.CodeEmbedProviderUnavailable, "x"), mnemoserr.IsDownstreamUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.check(tt.err))
		})
	}
}

func TestClassifiersRejectOtherReasons(t *testing.T) {
	err := mnemoserr.New(mnemoserr.CodeGraphEntityNotFound, "x")
	assert.False(t, mnemoserr.IsConflict(err))
	assert.False(t, mnemoserr.IsValidation(err))
	assert.False(t, mnemoserr.IsTimeout(err))
	assert.False(t, mnemoserr.IsDownstreamUnavailable(err))
}

func TestRPCCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"malformed request", mnemoserr.New(mnemoserr.CodeRPCRequestInvalid, "x"), mnemoserr.RPCInvalidRequest},
		{"unknown method", mnemoserr.New(mnemoserr.CodeRPCMethodNotFound, "x"), mnemoserr.RPCMethodNotFound},
		{"unknown tool", mnemoserr.New(mnemoserr.CodeRPCToolNotFound, "x"), mnemoserr.RPCMethodNotFound},
		{"bad params", mnemoserr.New(mnemoserr.CodeRPCParamsInvalid, "x"), mnemoserr.RPCInvalidParams},
		{"entity missing", mnemoserr.New(mnemoserr.CodeGraphEntityNotFound, "x"), mnemoserr.RPCNotFound},
		{"duplicate", mnemoserr.New(mnemoserr.CodeGraphRelationshipConflict, "x"), mnemoserr.RPCConflict},
		{"timeout", mnemoserr.New(mnemoserr.CodeRPCCallTimeout, "x"), mnemoserr.RPCTimeout},
		{"backpressure", mnemoserr.New(mnemoserr.CodeRPCQueueBackpressure, "x"), mnemoserr.RPCBackpressure},
		{"provider down", mnemoserr.New(mnemoserr.CodeEmbedProviderUnavailable, "x"), mnemoserr.RPCUnavailable},
		{"unclassified", stderrors.New("plain"), mnemoserr.RPCInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mnemoserr.RPCCode(tt.err))
		})
	}
}

func TestFieldsOf(t *testing.T) {
	err := mnemoserr.New(mnemoserr.CodeGraphEntityNotFound, "missing",
		mnemoserr.FieldEntityID("e-1"),
		mnemoserr.Field("op", "get"),
	)

	fields := mnemoserr.FieldsOf(err)
	require.NotNil(t, fields)
	assert.Equal(t, "e-1", fields["entity_id"])
	assert.Equal(t, "get", fields["op"])
}
