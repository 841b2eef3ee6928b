// Copyright (c) 2026 Wiresmith Authors
// SPDX-License-Identifier: MIT

package kv

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "transient error", err: NewTransientError("get", errors.New("timeout")), want: true},
		{name: "fatal error", err: NewFatalError("put", errors.New("bad request")), want: false},
		{name: "plain error", err: errors.New("boom"), want: false},
		{name: "nil error", err: nil, want: false},
		{name: "wrapped transient error", err: fmt.Errorf("tick failed: %w", NewTransientError("list", errors.New("timeout"))), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	inner := errors.New("connection refused")
	err := NewTransientError("acquire_lock", inner)
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "transient")
	assert.Contains(t, err.Error(), "acquire_lock")
}

func TestErrNotFound_IsDistinctSentinel(t *testing.T) {
	assert.False(t, IsTransient(ErrNotFound))
	assert.True(t, errors.Is(ErrNotFound, ErrNotFound))
}
