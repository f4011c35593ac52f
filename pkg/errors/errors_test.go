package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		expected string
	}{
		{
			name: "error without detail",
			err: &AppError{
				Code:    ErrCodeLocked,
				Message: "Wallet is locked",
			},
			expected: "locked: Wallet is locked",
		},
		{
			name: "error with detail",
			err: &AppError{
				Code:    ErrCodeInvalidParams,
				Message: "Invalid method parameters",
				Detail:  "missing field 'to'",
			},
			expected: "invalid_params: Invalid method parameters (missing field 'to')",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestNew(t *testing.T) {
	err := New("test_code", "Test message", RPCInternal)

	assert.Equal(t, "test_code", err.Code)
	assert.Equal(t, "Test message", err.Message)
	assert.Equal(t, RPCInternal, err.RPCCode)
	assert.Empty(t, err.Detail)
}

func TestNewWithDetail(t *testing.T) {
	err := NewWithDetail("test_code", "Test message", "Additional details", RPCInvalidParams)

	assert.Equal(t, "test_code", err.Code)
	assert.Equal(t, "Additional details", err.Detail)
	assert.Equal(t, RPCInvalidParams, err.RPCCode)
}

func TestUnsupportedMethod(t *testing.T) {
	err := UnsupportedMethod("eth_mine")

	assert.Equal(t, ErrCodeUnsupportedMethod, err.Code)
	assert.Equal(t, RPCUnsupportedMethod, err.RPCCode)
	assert.Contains(t, err.Message, "eth_mine")
}

func TestAppError_Is(t *testing.T) {
	wrapped := fmt.Errorf("signing: %w", ErrLocked)
	assert.True(t, errors.Is(wrapped, ErrLocked))
	assert.False(t, errors.Is(wrapped, ErrUserRejected))

	withDetail := InvalidParams("bad hex")
	assert.True(t, errors.Is(withDetail, InvalidParams("other")))
}

func TestIsAppError(t *testing.T) {
	t.Run("direct", func(t *testing.T) {
		appErr, ok := IsAppError(ErrTimeout)
		require.True(t, ok)
		assert.Equal(t, ErrCodeTimeout, appErr.Code)
	})

	t.Run("wrapped", func(t *testing.T) {
		appErr, ok := IsAppError(fmt.Errorf("outer: %w", ErrUserRejected))
		require.True(t, ok)
		assert.Equal(t, RPCUserRejected, appErr.RPCCode)
	})

	t.Run("plain error", func(t *testing.T) {
		_, ok := IsAppError(errors.New("boom"))
		assert.False(t, ok)
	})
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{"nil", nil, ""},
		{"app error keeps code", ErrUserRejected, ErrCodeUserRejected},
		{"detail is stripped", InvalidParams("secret internal path /var/lib"), ErrCodeInvalidParams},
		{"deadline becomes timeout", context.DeadlineExceeded, ErrCodeTimeout},
		{"unknown becomes internal", errors.New("pq: relation does not exist"), ErrCodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.err)
			if tt.err == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.wantCode, got.Code)
			assert.Empty(t, got.Detail)
			assert.NotContains(t, got.Message, "/var/lib")
			assert.NotContains(t, got.Message, "relation")
		})
	}
}
