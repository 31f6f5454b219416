package domain

import "fmt"

// Error is a domain failure carrying the OAuth2 error code reported to callers.
// Causes are attached with Wrap and are never part of Message.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func newError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches cause to kind so that errors.Is matches kind while the cause stays
// available to logging.
func Wrap(kind *Error, cause error) error {
	if cause == nil {
		return kind
	}
	return fmt.Errorf("%w: %w", kind, cause)
}

var (
	// ErrInvalidClient is returned when the client id is unknown, belongs to the
	// upstream application, or fails authentication.
	ErrInvalidClient = newError("invalid_client", "unknown or unauthorized client")

	// ErrClientNotFound is returned by lookups of an id that was never registered
	ErrClientNotFound = newError("invalid_client", "client not found")

	// ErrInvalidRedirectURI is returned when redirect_uri is not registered for the client
	ErrInvalidRedirectURI = newError("invalid_request", "redirect_uri is not registered for this client")

	// ErrInvalidRequest is returned for malformed or missing parameters
	ErrInvalidRequest = newError("invalid_request", "invalid request")

	// ErrInvalidClientMetadata is returned by registration for unusable metadata
	ErrInvalidClientMetadata = newError("invalid_client_metadata", "invalid client metadata")

	// ErrInvalidRedirectURIMetadata is returned by registration for unusable redirect URIs
	ErrInvalidRedirectURIMetadata = newError("invalid_redirect_uri", "invalid redirect_uri")

	ErrUnsupportedResponseType = newError("unsupported_response_type", "response_type must be code")
	ErrUnsupportedGrantType    = newError("unsupported_grant_type", "grant_type is not supported")

	// ErrStateNotFound and ErrStateExpired together form the invalid-state outcome
	ErrStateNotFound = newError("invalid_request", "invalid or expired state")
	ErrStateExpired  = newError("invalid_request", "invalid or expired state")

	// ErrUpstreamExchange is returned when GitLab rejects or fails the code exchange
	ErrUpstreamExchange = newError("server_error", "upstream token exchange failed")

	ErrInvalidGrant = newError("invalid_grant", "invalid, expired or already used authorization code")
	ErrInvalidToken = newError("invalid_token", "invalid or expired token")

	// ErrStorage is returned when a backing store operation fails
	ErrStorage = newError("server_error", "storage failure")

	// ErrRecordNotFound is returned by stores and repositories for missing keys
	ErrRecordNotFound = newError("not_found", "record not found")

	ErrLoginTimeout  = newError("login_timeout", "timed out waiting for login")
	ErrWaiterPresent = newError("invalid_request", "a login wait is already registered for this state")
)
