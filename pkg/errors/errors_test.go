package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrap_HidesCause(t *testing.T) {
	cause := fmt.Errorf("queue send-email: %w", context.DeadlineExceeded)
	err := Wrap(cause, ErrServiceUnavailable)

	assert.Equal(t, CodeServiceUnavailable, err.Code)
	assert.Equal(t, http.StatusServiceUnavailable, err.Status)
	assert.Equal(t, "service unavailable", err.Message)
	assert.Equal(t, "service unavailable: queue send-email: context deadline exceeded", err.Error())
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The shared kind is never mutated.
	assert.Nil(t, ErrServiceUnavailable.Err)
}

func TestExpose(t *testing.T) {
	tests := []struct {
		name    string
		cause   error
		kind    *AppError
		code    string
		status  int
		message string
	}{
		{"unknown queue", errors.New("unknown job kind: send-fax"), ErrBadRequest, CodeBadRequest, http.StatusBadRequest, "unknown job kind: send-fax"},
		{"missing job", errors.New("job not found"), ErrNotFound, CodeNotFound, http.StatusNotFound, "job not found"},
		{"no cause", nil, ErrInternalError, CodeInternalError, http.StatusInternalServerError, "internal server error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Expose(tt.cause, tt.kind)
			assert.Equal(t, tt.code, err.Code)
			assert.Equal(t, tt.status, err.Status)
			assert.Equal(t, tt.message, err.Message)
			if tt.cause != nil {
				assert.ErrorIs(t, err, tt.cause)
			}
		})
	}
}

func TestAs(t *testing.T) {
	appErr := Wrap(errors.New("redis down"), ErrServiceUnavailable)

	found, ok := As(fmt.Errorf("list queues: %w", appErr))
	require.True(t, ok)
	assert.Same(t, appErr, found)

	_, ok = As(errors.New("plain"))
	assert.False(t, ok)
	_, ok = As(nil)
	assert.False(t, ok)
}

func TestStackLines(t *testing.T) {
	err := Wrap(errors.New("redis down"), ErrServiceUnavailable)

	lines := StackLines(err.Err, 0)
	require.Greater(t, len(lines), 1)
	assert.Contains(t, lines[0], "redis down")
	assert.Contains(t, strings.Join(lines, "\n"), "TestStackLines")

	assert.Len(t, StackLines(err.Err, 2), 2)
	assert.Nil(t, StackLines(nil, 5))
	assert.Nil(t, Wrap(nil, ErrInternalError).Err)
}
