package idp

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrTokenExchangeFailed matches exchanges the provider answered with a
	// non-success status.
	ErrTokenExchangeFailed = errors.New("token exchange failed")
	// ErrTokenExchange matches exchanges that never produced a usable
	// provider answer (DNS, connection, timeout, malformed success body).
	ErrTokenExchange = errors.New("token exchange error")
)

// maxNonJSONPayload bounds how much of a non-JSON error body is kept.
const maxNonJSONPayload = 1024

// ExchangeFailedError carries the provider's status code and error payload.
type ExchangeFailedError struct {
	StatusCode  int
	ErrorCode   string
	Description string
	// Payload is the provider's response body. Non-JSON bodies are kept as a
	// JSON string so the payload can always be embedded in a JSON response.
	Payload json.RawMessage
}

func newExchangeFailedError(status int, errorCode, description string, body []byte) *ExchangeFailedError {
	payload := json.RawMessage(body)
	if len(body) == 0 || !json.Valid(body) {
		if len(body) > maxNonJSONPayload {
			body = body[:maxNonJSONPayload]
		}
		payload, _ = json.Marshal(string(body))
	}
	return &ExchangeFailedError{
		StatusCode:  status,
		ErrorCode:   errorCode,
		Description: description,
		Payload:     payload,
	}
}

func (e *ExchangeFailedError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("token exchange failed: provider returned status %d (%s)", e.StatusCode, e.ErrorCode)
	}
	return fmt.Sprintf("token exchange failed: provider returned status %d", e.StatusCode)
}

func (e *ExchangeFailedError) Is(target error) bool {
	return target == ErrTokenExchangeFailed
}

// ExchangeError wraps a transport-level failure of the exchange request.
type ExchangeError struct {
	Cause error
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("token exchange error: %v", e.Cause)
}

func (e *ExchangeError) Unwrap() error {
	return e.Cause
}

func (e *ExchangeError) Is(target error) bool {
	return target == ErrTokenExchange
}
