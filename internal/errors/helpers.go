package errors

import (
	"fmt"
)

// Common error creators for frequent use cases

// NewNotFoundError creates a typed not-found outcome. Operations referencing
// an absent message id return this, they never throw in normal flow.
func NewNotFoundError(resource, identifier string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource)).
		WithContext("resource", resource).
		WithContext("identifier", identifier)
}

// NewDecryptError creates a per-message recoverable decryption failure.
func NewDecryptError(messageID, keyID string, err error) *AppError {
	return Wrap(err, ErrCodeDecryptionFailed, "message decryption failed").
		WithContext("message_id", messageID).
		WithContext("key_id", keyID).
		WithUserMessage("Message can't be decrypted")
}

// NewKeysPendingError marks a decryption deferred on key material.
func NewKeysPendingError(keyID string) *AppError {
	return WrapRetryable(nil, ErrCodeKeysPending, "decryption key not yet loaded").
		WithContext("key_id", keyID)
}

// NewHistoryTimeoutError creates a history retrieval timeout.
func NewHistoryTimeoutError(roomID string, timeout string) *AppError {
	return New(ErrCodeHistoryTimeout, fmt.Sprintf("history retrieval timed out after %s", timeout)).
		WithContext("room_id", roomID).
		WithContext("timeout", timeout)
}

// NewTransitionError creates a programming-error for an invalid call state
// transition. Routed through the assertion policy, never thrown directly.
func NewTransitionError(sessionID, from, to string) *AppError {
	return New(ErrCodeInvalidTransition, fmt.Sprintf("invalid call transition %s -> %s", from, to)).
		WithContext("session_id", sessionID).
		WithContext("from", from).
		WithContext("to", to)
}

// NewConfigError creates a configuration error
func NewConfigError(key, message string) *AppError {
	return New(ErrCodeInvalidConfig, message).
		WithContext("config_key", key).
		WithUserMessage("Configuration error")
}

// NewPersistenceError creates a persistence sink error with operation context.
func NewPersistenceError(operation string, err error) *AppError {
	return WrapRetryable(err, ErrCodePersistence, fmt.Sprintf("persistence %s failed", operation)).
		WithContext("operation", operation)
}

// NewOrderViolationWarning creates a consistency warning for a causal-order
// mismatch. Surfaced as a trust signal, it does not block delivery.
func NewOrderViolationWarning(messageID, reference string) *AppError {
	return New(ErrCodeOrderViolation, "message order verification failed").
		WithContext("message_id", messageID).
		WithContext("reference", reference).
		WithUserMessage("Message ordering could not be verified")
}
