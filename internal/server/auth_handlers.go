package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dgellow/clowdbot/internal/authflow"
	jsonwriter "github.com/dgellow/clowdbot/internal/json"
	"github.com/dgellow/clowdbot/internal/log"
)

// Flow is the login flow driven by the auth handlers.
type Flow interface {
	Initiate(ctx context.Context, w http.ResponseWriter) (string, error)
	Callback(ctx context.Context, w http.ResponseWriter, r *http.Request) (*authflow.Result, error)
	Lookup(ctx context.Context, subject string) (*authflow.SessionView, error)
}

// AuthHandlers provides the login HTTP handlers with dependency injection
type AuthHandlers struct {
	flow Flow
}

// NewAuthHandlers creates new auth handlers
func NewAuthHandlers(flow Flow) *AuthHandlers {
	return &AuthHandlers{flow: flow}
}

// RootHandler answers on / so the deployment can be checked from a browser
func (h *AuthHandlers) RootHandler(w http.ResponseWriter, r *http.Request) {
	jsonwriter.WriteText(w, http.StatusOK, "clowdbot ok")
}

// LoginHandler sets the state cookie and redirects to the identity provider
func (h *AuthHandlers) LoginHandler(w http.ResponseWriter, r *http.Request) {
	authURL, err := h.flow.Initiate(r.Context(), w)
	if err != nil {
		writeFlowError(w, r, err)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// CallbackHandler completes the login on the provider redirect
func (h *AuthHandlers) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	result, err := h.flow.Callback(r.Context(), w, r)
	if err != nil {
		writeFlowError(w, r, err)
		return
	}
	jsonwriter.WriteText(w, http.StatusOK, "Authenticated as "+result.DisplayName)
}

// SessionHandler returns the profile of a logged in subject
func (h *AuthHandlers) SessionHandler(w http.ResponseWriter, r *http.Request) {
	subject := r.URL.Query().Get("subject")
	if subject == "" {
		jsonwriter.WriteBadRequest(w, "subject is required")
		return
	}

	view, err := h.flow.Lookup(r.Context(), subject)
	if err != nil {
		writeFlowError(w, r, err)
		return
	}
	_ = jsonwriter.Write(w, view)
}

func writeFlowError(w http.ResponseWriter, r *http.Request, err error) {
	var flowErr *authflow.Error
	if !errors.As(err, &flowErr) {
		log.LogErrorWithFields("auth", "Unexpected flow error", map[string]any{
			"error":      err.Error(),
			"request_id": RequestIDFromContext(r.Context()),
		})
		jsonwriter.WriteInternalServerError(w, "Internal Server Error")
		return
	}

	resp := jsonwriter.ErrorResponse{
		Error:   string(flowErr.Kind),
		Message: flowErr.Message(),
	}
	switch flowErr.Kind {
	case authflow.KindTokenExchangeFailed:
		resp.Status = flowErr.ProviderStatus
		resp.ProviderError = flowErr.Payload
		resp.ErrorDescription = flowErr.Description
	case authflow.KindProviderDenied:
		resp.ProviderError, _ = json.Marshal(flowErr.ProviderError)
		resp.ErrorDescription = flowErr.Description
	}
	jsonwriter.WriteErrorResponse(w, flowErr.HTTPStatus(), resp)
}
