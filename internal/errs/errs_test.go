package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusCode(t *testing.T) {
	tcases := []struct {
		name   string
		err    error
		status int
		reason string
	}{
		{
			name:   "authentication",
			err:    Authn("invalid token"),
			status: http.StatusUnauthorized,
			reason: "invalid token",
		},
		{
			name:   "permission",
			err:    Forbidden("room closed"),
			status: http.StatusForbidden,
			reason: "room closed",
		},
		{
			name:   "validation",
			err:    Invalid("content required"),
			status: http.StatusBadRequest,
			reason: "content required",
		},
		{
			name:   "not found wrapped",
			err:    fmt.Errorf("get message: %w", Missing("message not found")),
			status: http.StatusNotFound,
			reason: "message not found",
		},
		{
			name:   "conflict",
			err:    New(Conflict, "room blocked"),
			status: http.StatusConflict,
			reason: "room blocked",
		},
		{
			name:   "plain error",
			err:    errors.New("connection refused"),
			status: http.StatusInternalServerError,
			reason: "internal server error",
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.status, StatusCode(tc.err))
			assert.Equal(t, tc.reason, Reason(tc.err))
		})
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(Internal, "save message", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "save message: boom", err.Error())
	assert.True(t, Is(err, Internal))
	assert.False(t, Is(nil, Internal))
}
