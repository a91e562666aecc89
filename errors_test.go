package cua

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTypedErrorsFormatAndUnwrapViaErrorsAs(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"transient_tool", &TransientToolError{Action: "left_click", Message: "timeout"}, `tool action "left_click" failed: timeout`},
		{"page_unresponsive", &PageUnresponsiveError{RemoteSessionID: "rs-1"}, "page unresponsive: no tab in session rs-1 answered within deadline"},
		{"session_lost", &SessionLostError{RemoteSessionID: "rs-1"}, "no live session for rs-1"},
		{"model", &ModelError{Model: "claude-x", Message: "rate limited"}, "model claude-x: rate limited"},
		{"store", &StoreError{Op: "update_task", Message: "conn reset"}, "store update_task: conn reset"},
		{"auth", &AuthError{Message: "missing bearer token"}, "missing bearer token"},
		{"validation", &ValidationError{Field: "tasks[0].message", Message: "required"}, "validation: tasks[0].message: required"},
		{"stop_requested", &StopRequested{TaskID: "t-1"}, "task t-1: stop requested"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.err.Error())
		})
	}
}

func TestErrorsAsUnwrapsWrappedTypedErrors(t *testing.T) {
	wrapped := fmt.Errorf("dispatch failed: %w", &SessionLostError{RemoteSessionID: "rs-2"})

	var target *SessionLostError
	require.True(t, errors.As(wrapped, &target))
	require.Equal(t, "rs-2", target.RemoteSessionID)

	var wrongType *ModelError
	require.False(t, errors.As(wrapped, &wrongType))
}

func TestStopRequestedIsDistinguishableFromFailure(t *testing.T) {
	err := error(&StopRequested{TaskID: "t-9"})

	var stop *StopRequested
	require.True(t, errors.As(err, &stop), "callers must be able to detect a cooperative stop via errors.As")

	var modelErr *ModelError
	require.False(t, errors.As(err, &modelErr))
}
