package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/BradenHooton/dealergate/internal/models"
	pkgauth "github.com/BradenHooton/dealergate/pkg/auth"
	pkghttp "github.com/BradenHooton/dealergate/pkg/http"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const (
	maxBodyBytes = 1 << 20
	// authFailed is the single message for every authentication-state error.
	authFailed = "authentication failed"
)

// decodeRequest reads and validates a JSON body, writing a 400 on failure.
// An empty body is accepted when optional is true.
func decodeRequest(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst)
	if err != nil && !(optional && errors.Is(err, io.EOF)) {
		pkghttp.WriteBadRequest(w, "invalid request body")
		return false
	}

	if err := ValidateRequest(dst); err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			pkghttp.WriteValidationFailed(w, ve.Fields)
			return false
		}
		pkghttp.WriteBadRequest(w, "invalid request body")
		return false
	}
	return true
}

// writeServiceError maps service errors to responses. Authentication-state
// errors share one generic 401 so callers cannot tell them apart.
func writeServiceError(w http.ResponseWriter, err error) {
	var pve *pkgauth.PasswordValidationError
	var locked *models.LockoutError

	switch {
	case errors.As(err, &pve):
		pkghttp.WriteError(w, http.StatusBadRequest, "password_policy", "password does not meet the policy", pve.Errors...)
	case errors.As(err, &locked):
		pkghttp.WriteRetryAfter(w, locked.RetryAfter, "too many failed attempts, please try again later")
	case errors.Is(err, models.ErrLockoutUnavailable):
		pkghttp.WriteServiceUnavailable(w, "please try again later")

	case errors.Is(err, models.ErrInvalidCredentials),
		errors.Is(err, models.ErrAccountLocked),
		errors.Is(err, models.ErrAccountInactive),
		errors.Is(err, models.ErrUserInactive),
		errors.Is(err, models.ErrInvalidOrExpiredToken),
		errors.Is(err, models.ErrInvalidAccessToken),
		errors.Is(err, models.ErrAccessTokenExpired),
		errors.Is(err, models.ErrSessionExpired),
		errors.Is(err, models.ErrTwoFactorInvalidCode),
		errors.Is(err, models.ErrUnauthorized):
		pkghttp.WriteUnauthorized(w, authFailed)

	case errors.Is(err, models.ErrPasswordExpired):
		pkghttp.WriteError(w, http.StatusForbidden, "password_expired", "password has expired, reset it to continue")
	case errors.Is(err, models.ErrIncorrectPassword):
		pkghttp.WriteError(w, http.StatusBadRequest, "incorrect_password", err.Error())
	case errors.Is(err, models.ErrPasswordTooRecent),
		errors.Is(err, models.ErrPasswordReused):
		pkghttp.WriteError(w, http.StatusBadRequest, "password_policy", err.Error())
	case errors.Is(err, models.ErrDuplicateIdentity),
		errors.Is(err, models.ErrTwoFactorAlreadyActive),
		errors.Is(err, models.ErrConcurrentUpdate):
		pkghttp.WriteConflict(w, err.Error())
	case errors.Is(err, models.ErrConflict):
		pkghttp.WriteConflict(w, models.ErrConflict.Error())
	case errors.Is(err, models.ErrTwoFactorNotEnrolled),
		errors.Is(err, models.ErrTwoFactorUnsupported):
		pkghttp.WriteError(w, http.StatusBadRequest, "two_factor_unavailable", err.Error())
	case errors.Is(err, models.ErrBadRequest):
		pkghttp.WriteBadRequest(w, err.Error())
	case errors.Is(err, models.ErrForbidden):
		pkghttp.WriteForbidden(w, "insufficient permissions")
	case errors.Is(err, models.ErrNotFound):
		pkghttp.WriteNotFound(w, "resource not found")
	default:
		pkghttp.WriteInternalError(w, "internal server error")
	}
}

func requestContext(r *http.Request) models.RequestContext {
	return models.RequestContextFrom(r.Context())
}

// uuidParam reads a chi URL parameter that must be a UUID.
func uuidParam(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	value := chi.URLParam(r, name)
	if _, err := uuid.Parse(value); err != nil {
		pkghttp.WriteBadRequest(w, "invalid "+name)
		return "", false
	}
	return value, true
}

func isInvalidCode(err error) bool {
	return errors.Is(err, models.ErrTwoFactorInvalidCode)
}
