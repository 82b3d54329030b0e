package llmstream

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure modes.
// These can be checked with errors.Is().
var (
	// ErrInvalidModel indicates the requested model is not supported by the provider.
	ErrInvalidModel = errors.New("llmstream: invalid or unsupported model")

	// ErrInvalidAPIKey indicates the API key is missing, malformed, or unauthorized.
	ErrInvalidAPIKey = errors.New("llmstream: invalid API key")

	// ErrRateLimited indicates the provider's rate limit has been exceeded.
	ErrRateLimited = errors.New("llmstream: rate limit exceeded")

	// ErrInvalidRequest indicates the request parameters are invalid.
	ErrInvalidRequest = errors.New("llmstream: invalid request")

	// ErrProviderUnavailable indicates the provider service is down or unreachable.
	ErrProviderUnavailable = errors.New("llmstream: provider unavailable")

	// ErrTimeout indicates the provider did not answer in time.
	ErrTimeout = errors.New("llmstream: provider timeout")

	// ErrMalformedEvent indicates a raw stream event could not be mapped to a chunk.
	ErrMalformedEvent = errors.New("llmstream: malformed stream event")

	// ErrUnknownTool indicates a tool call named a tool with no matching descriptor.
	ErrUnknownTool = errors.New("llmstream: unknown tool")

	// ErrTurnCancelled is the cancellation cause when a caller cancels an ask id.
	ErrTurnCancelled = errors.New("llmstream: turn cancelled")

	// ErrIdleTimeout is the cancellation cause when no event arrives before the idle deadline.
	ErrIdleTimeout = errors.New("llmstream: stream idle timeout")

	// ErrTurnTimeout is the cancellation cause when a whole turn outlives its deadline.
	ErrTurnTimeout = errors.New("llmstream: turn deadline exceeded")

	// ErrTurnClosed indicates a write was attempted after the turn reached a terminal state.
	ErrTurnClosed = errors.New("llmstream: turn already closed")
)

// ErrorCode is a machine-readable provider error classification.
type ErrorCode string

const (
	ErrorCodeRateLimited         ErrorCode = "rate_limited"
	ErrorCodeProviderUnavailable ErrorCode = "provider_unavailable"
	ErrorCodeTimeout             ErrorCode = "timeout"
	ErrorCodeInvalidRequest      ErrorCode = "invalid_request"
)

// ModelError represents an error related to model validation or availability.
type ModelError struct {
	Model    string // The model that was requested
	Provider string // The provider name
	Reason   string // Human-readable explanation
	Err      error  // Wrapped error (usually ErrInvalidModel)
}

func (e *ModelError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("model '%s' for provider '%s': %s (%v)", e.Model, e.Provider, e.Reason, e.Err)
	}
	return fmt.Sprintf("model '%s' for provider '%s': %s", e.Model, e.Provider, e.Reason)
}

func (e *ModelError) Unwrap() error {
	return e.Err
}

// ValidationError represents an error in request parameter validation.
type ValidationError struct {
	Field  string // The parameter field that failed validation
	Value  any    // The invalid value
	Reason string // Human-readable explanation
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for '%s' (value: %v): %s", e.Field, e.Value, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidRequest
}

// ProviderError represents an error from the underlying provider API.
type ProviderError struct {
	Code       ErrorCode // Machine-readable classification
	Provider   string    // The provider name
	StatusCode int       // HTTP status code (if applicable)
	Message    string    // Error message from provider
	Retryable  bool      // Whether this error is potentially retryable
	Err        error     // Wrapped sentinel error (ErrRateLimited, ErrProviderUnavailable, etc.)
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider '%s' error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider '%s' error: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// ProtocolError describes a raw event that could not be decoded by an adapter.
type ProtocolError struct {
	Provider  string // Adapter that rejected the event
	EventType string // Raw event type, if known
	Reason    string
}

func (e *ProtocolError) Error() string {
	if e.EventType != "" {
		return fmt.Sprintf("%s: malformed '%s' event: %s", e.Provider, e.EventType, e.Reason)
	}
	return fmt.Sprintf("%s: malformed event: %s", e.Provider, e.Reason)
}

func (e *ProtocolError) Unwrap() error {
	return ErrMalformedEvent
}

// PersistenceError wraps a failed Store call. Changes holds the payload that was
// not written so a caller can retry it directly against the Store.
type PersistenceError struct {
	Op        string // "create", "update", "finalize", "delete", "message_status"
	BlockID   string
	MessageID string
	Changes   *BlockChanges
	Err       error
}

func (e *PersistenceError) Error() string {
	target := e.BlockID
	if target == "" {
		target = "message " + e.MessageID
	}
	return fmt.Sprintf("persist %s %s: %v", e.Op, target, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsRetryable checks if an error is potentially retryable.
// Returns true for rate limits, temporary unavailability and timeouts.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Retryable
	}

	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrProviderUnavailable) ||
		errors.Is(err, ErrTimeout)
}

// IsInvalidRequest checks if an error indicates invalid request parameters.
// These errors are not retryable and require request changes.
func IsInvalidRequest(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrInvalidRequest) || errors.Is(err, ErrInvalidModel)
}

// IsAuthError checks if an error is related to authentication.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrInvalidAPIKey) {
		return true
	}

	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		// HTTP 401/403 indicate auth issues
		return providerErr.StatusCode == 401 || providerErr.StatusCode == 403
	}

	return false
}

// IsPersistence reports whether err came from a failed Store write.
func IsPersistence(err error) bool {
	var persistErr *PersistenceError
	return errors.As(err, &persistErr)
}

// IsCancellation reports whether err is a turn cancellation, idle timeout or turn deadline.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrTurnCancelled) || errors.Is(err, ErrIdleTimeout) || errors.Is(err, ErrTurnTimeout)
}
