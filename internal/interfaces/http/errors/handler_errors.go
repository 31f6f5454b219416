package errors

import (
	"errors"
	"net/http"

	"github.com/manorfm/gitlab-mcp-proxy/internal/domain"
)

func getStatus(err *domain.Error) int {
	switch err.Code {
	case domain.ErrInvalidToken.Code:
		return http.StatusUnauthorized
	case domain.ErrLoginTimeout.Code:
		return http.StatusRequestTimeout
	case domain.ErrRecordNotFound.Code:
		return http.StatusNotFound
	case domain.ErrStorage.Code:
		return http.StatusInternalServerError
	}

	return http.StatusBadRequest
}

// DomainError returns the *domain.Error carried by err, or a server error for anything else
func DomainError(err error) *domain.Error {
	var derr *domain.Error
	if errors.As(err, &derr) {
		return derr
	}
	return domain.ErrStorage
}

// RespondWithDomainError sends the OAuth2 error matching err. Causes wrapped into
// err stay out of the response.
func RespondWithDomainError(w http.ResponseWriter, err error) {
	derr := DomainError(err)
	RespondWithError(w, derr.Code, derr.Message, getStatus(derr))
}

// RespondWithClientError is RespondWithDomainError for the token and revocation
// endpoints, where a failed client authentication is a 401 with a Basic challenge.
func RespondWithClientError(w http.ResponseWriter, err error) {
	derr := DomainError(err)
	if derr.Code == domain.ErrInvalidClient.Code {
		w.Header().Set("WWW-Authenticate", `Basic realm="oauth"`)
		RespondWithError(w, derr.Code, derr.Message, http.StatusUnauthorized)
		return
	}
	RespondWithError(w, derr.Code, derr.Message, getStatus(derr))
}
