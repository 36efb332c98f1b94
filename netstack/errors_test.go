package netstack

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsInProgressCoversBothPhases(t *testing.T) {
	require.True(t, IsInProgress(ErrInProgress))
	require.True(t, IsInProgress(ErrAlready))
	require.False(t, IsInProgress(ErrWouldBlock))
	require.True(t, IsInProgress(fmt.Errorf("connect: %w", ErrInProgress)))
}

func TestEngineErrorPreservesCode(t *testing.T) {
	inner := errors.New("handshake_failure")
	err := &EngineError{Code: 0x28, Err: inner}

	require.True(t, IsEngineFailure(err))
	require.True(t, IsEngineFailure(fmt.Errorf("tls: %w", err)))
	require.ErrorIs(t, err, inner)
	require.Contains(t, err.Error(), "0x28")

	var ee *EngineError
	require.True(t, errors.As(fmt.Errorf("wrapped: %w", err), &ee))
	require.Equal(t, 0x28, ee.Code)
}

func TestIsHelpers(t *testing.T) {
	require.True(t, IsWouldBlock(fmt.Errorf("send: %w", ErrWouldBlock)))
	require.True(t, IsNoSocket(ErrNoSocket))
	require.False(t, IsEngineFailure(ErrNoSocket))
}
