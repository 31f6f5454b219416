package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// ErrorResponse is the RFC 6749 error body
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// OAuth2 error codes emitted by the HTTP layer itself
const (
	ErrCodeInvalidRequest        = "invalid_request"
	ErrCodeInvalidClient         = "invalid_client"
	ErrCodeInvalidClientMetadata = "invalid_client_metadata"
	ErrCodeInvalidToken          = "invalid_token"
	ErrCodeServerError           = "server_error"
	ErrCodeTooManyRequests       = "too_many_requests"
)

// RespondWithError sends an OAuth2 error response. Responses are never cached.
func RespondWithError(w http.ResponseWriter, code string, description string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

// BearerChallenge builds the WWW-Authenticate value for a rejected bearer token
func BearerChallenge(code, description, resourceMetadata string) string {
	parts := []string{}
	if code != "" {
		parts = append(parts, fmt.Sprintf(`error=%q`, code))
	}
	if description != "" {
		parts = append(parts, fmt.Sprintf(`error_description=%q`, description))
	}
	if resourceMetadata != "" {
		parts = append(parts, fmt.Sprintf(`resource_metadata=%q`, resourceMetadata))
	}
	if len(parts) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(parts, ", ")
}

// RespondUnauthorized rejects a request to a bearer-protected resource
func RespondUnauthorized(w http.ResponseWriter, description, resourceMetadata string) {
	w.Header().Set("WWW-Authenticate", BearerChallenge(ErrCodeInvalidToken, description, resourceMetadata))
	RespondWithError(w, ErrCodeInvalidToken, description, http.StatusUnauthorized)
}
