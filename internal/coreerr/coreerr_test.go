package coreerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsMatchesKind(t *testing.T) {
	err := New(NotFound, "agent foo")
	assert.True(t, Is(err, NotFound))
	assert.False(t, Is(err, BadKey))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := Wrap(ChainUnreachable, "rpc call failed", cause)

	assert.True(t, Is(err, ChainUnreachable))
	assert.ErrorIs(t, err, cause)
}

func TestKindOfNonCoreError(t *testing.T) {
	_, ok := KindOf(errors.New("plain error"))
	assert.False(t, ok)
}

func TestKindOfWrappedCoreError(t *testing.T) {
	base := New(RateLimited, "too many calls")
	wrapped := fmt.Errorf("dispatch failed: %w", base)

	kind, ok := KindOf(wrapped)
	require.True(t, ok)
	assert.Equal(t, RateLimited, kind)
}

func TestErrorStringOmitsEmptyMessage(t *testing.T) {
	err := New(AgentExists, "")
	assert.Equal(t, "agent_exists", err.Error())
}
