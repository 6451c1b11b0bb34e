package aggregates

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posledger/posledger/internal/shared"
)

func TestTransitionTable(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusReady, StatusPending},
		{StatusReady, StatusCancelled},
		{StatusPending, StatusProcessing},
		{StatusPending, StatusCancelled},
		{StatusProcessing, StatusCompleted},
		{StatusProcessing, StatusCancelled},
		{StatusFailed, StatusReady},
		{StatusFailed, StatusCancelled},
	}
	for _, tc := range allowed {
		got, err := Transition(tc.from, tc.to)
		require.NoError(t, err, "%s -> %s", tc.from, tc.to)
		assert.Equal(t, tc.to, got)
	}
}

func TestTransitionRejected(t *testing.T) {
	rejected := []struct{ from, to Status }{
		{StatusReady, StatusProcessing},
		{StatusReady, StatusCompleted},
		{StatusPending, StatusReady},
		{StatusProcessing, StatusReady},
		{StatusCompleted, StatusReady},
		{StatusCompleted, StatusCancelled},
		{StatusCancelled, StatusReady},
		{StatusFailed, StatusProcessing},
	}
	for _, tc := range rejected {
		_, err := Transition(tc.from, tc.to)
		require.Error(t, err, "%s -> %s", tc.from, tc.to)
		assert.ErrorIs(t, err, shared.ErrInvalidTransition)
		assert.Contains(t, err.Error(), string(tc.from))
		assert.Contains(t, err.Error(), string(tc.to))
	}
}

func TestTransitionUnknownStatus(t *testing.T) {
	_, err := Transition(Status("DRAFT"), StatusReady)
	require.Error(t, err)
	var vErr *shared.ValidationError
	assert.ErrorAs(t, err, &vErr)

	_, err = Transition(StatusReady, Status("DRAFT"))
	require.Error(t, err)
	assert.ErrorAs(t, err, &vErr)
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for _, terminal := range []Status{StatusCompleted, StatusCancelled} {
		for to := range transitions {
			assert.False(t, CanTransition(terminal, to), "%s -> %s should be terminal", terminal, to)
		}
	}
}
