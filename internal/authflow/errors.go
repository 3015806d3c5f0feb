package authflow

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Kind classifies a flow failure. The values are the wire names used in
// error responses.
type Kind string

const (
	KindMissingConfiguration Kind = "missing_configuration"
	KindMissingState         Kind = "missing_state"
	KindStateMismatch        Kind = "state_mismatch"
	KindProviderDenied       Kind = "provider_denied"
	KindMissingCode          Kind = "missing_code"
	KindTokenExchangeFailed  Kind = "token_exchange_failed"
	KindTokenExchangeError   Kind = "token_exchange_error"
	KindUndecodableToken     Kind = "undecodable_token"
	KindInvalidSignature     Kind = "invalid_signature"
	KindInvalidAudience      Kind = "invalid_audience"
	KindInvalidIssuer        Kind = "invalid_issuer"
	KindInternal             Kind = "internal_error"
	KindNotFound             Kind = "not_found"
)

// Error is returned by every Controller operation that fails.
type Error struct {
	Kind  Kind
	Stage Stage

	// ProviderError and Description carry the provider's error code and
	// error_description, from the callback query or the token endpoint.
	ProviderError string
	Description   string
	// ProviderStatus and Payload are set for KindTokenExchangeFailed.
	ProviderStatus int
	Payload        json.RawMessage

	Err error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s during %s", e.Kind, e.Stage)
	if e.ProviderError != "" {
		msg += ": " + e.ProviderError
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the failure to the response status.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindMissingState, KindStateMismatch, KindProviderDenied, KindMissingCode:
		return http.StatusBadRequest
	case KindTokenExchangeFailed:
		if e.ProviderStatus >= 400 && e.ProviderStatus < 600 {
			return e.ProviderStatus
		}
		return http.StatusInternalServerError
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Message is a human-readable description safe to show to the user.
func (e *Error) Message() string {
	switch e.Kind {
	case KindMissingConfiguration:
		return "OAuth client is not configured"
	case KindMissingState:
		return "Missing or expired login state, start the login again"
	case KindStateMismatch:
		return "Login state does not match, start the login again"
	case KindProviderDenied:
		if e.Description != "" {
			return "Authorization denied: " + e.Description
		}
		return "Authorization denied by the identity provider"
	case KindMissingCode:
		return "Missing authorization code"
	case KindTokenExchangeFailed:
		if e.Description != "" {
			return "Token exchange failed: " + e.Description
		}
		return "Token exchange failed"
	case KindTokenExchangeError:
		return "Could not reach the identity provider"
	case KindUndecodableToken:
		return "Identity token could not be decoded"
	case KindInvalidSignature:
		return "Identity token signature is invalid"
	case KindInvalidAudience:
		return "Identity token was issued to another client"
	case KindInvalidIssuer:
		return "Identity token was issued by an unexpected issuer"
	case KindNotFound:
		return "Session not found"
	default:
		return "Internal error"
	}
}
