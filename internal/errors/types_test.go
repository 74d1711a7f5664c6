package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		expected string
	}{
		{
			name: "error without cause",
			err: &AppError{
				Code:    ErrCodeInvalidConfig,
				Message: "configuration is invalid",
			},
			expected: "INVALID_CONFIG: configuration is invalid",
		},
		{
			name: "error with cause",
			err: &AppError{
				Code:    ErrCodePersistence,
				Message: "failed to write archive",
				Cause:   errors.New("disk full"),
			},
			expected: "PERSISTENCE: failed to write archive: disk full",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	cause := errors.New("underlying")
	err := Wrap(cause, ErrCodeHistoryFailed, "history page failed")
	assert.Equal(t, cause, errors.Unwrap(err))
	assert.True(t, errors.Is(err, cause))
}

func TestAppError_WithContext(t *testing.T) {
	err := New(ErrCodeNotFound, "message not found").
		WithContext("message_id", "m-1").
		WithContext("room_id", "r-1")

	assert.Equal(t, "m-1", err.Context["message_id"])
	assert.Equal(t, "r-1", err.Context["room_id"])
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(WrapRetryable(nil, ErrCodeKeysPending, "key not loaded")))
	assert.False(t, IsRetryable(New(ErrCodeDuplicateMessage, "duplicate")))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestIsCode(t *testing.T) {
	err := NewKeysPendingError("k-1")
	assert.True(t, IsCode(err, ErrCodeKeysPending))
	assert.False(t, IsCode(err, ErrCodeDecryptionFailed))
	assert.False(t, IsCode(nil, ErrCodeKeysPending))
	// Plain errors map to the internal code.
	assert.True(t, IsCode(errors.New("plain"), ErrCodeInternalError))
}

func TestGetUserMessage(t *testing.T) {
	withMsg := New(ErrCodeDecryptionFailed, "boom").WithUserMessage("Message can't be decrypted")
	assert.Equal(t, "Message can't be decrypted", GetUserMessage(withMsg))
	assert.Equal(t, "An internal error occurred", GetUserMessage(errors.New("plain")))
}

func TestHelpers(t *testing.T) {
	t.Run("not found", func(t *testing.T) {
		err := NewNotFoundError("message", "m-42")
		assert.True(t, IsCode(err, ErrCodeNotFound))
		assert.Equal(t, "m-42", err.Context["identifier"])
	})

	t.Run("decrypt", func(t *testing.T) {
		err := NewDecryptError("m-1", "k-1", errors.New("auth failed"))
		assert.True(t, IsCode(err, ErrCodeDecryptionFailed))
		assert.False(t, err.Retryable)
	})

	t.Run("keys pending is retryable", func(t *testing.T) {
		err := NewKeysPendingError("k-1")
		assert.True(t, err.Retryable)
	})

	t.Run("transition", func(t *testing.T) {
		err := NewTransitionError("s-1", "started", "starting")
		assert.True(t, IsCode(err, ErrCodeInvalidTransition))
		assert.Contains(t, err.Error(), "started -> starting")
	})

	t.Run("history timeout", func(t *testing.T) {
		err := NewHistoryTimeoutError("r-1", "45s")
		assert.True(t, IsCode(err, ErrCodeHistoryTimeout))
	})
}
