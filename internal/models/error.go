package models

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common failure conditions
var (
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource already exists")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrBadRequest     = errors.New("bad request")
	ErrInternalServer = errors.New("internal server error")

	// Identity and credential errors
	ErrDuplicateIdentity  = errors.New("an account with this email already exists")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrIncorrectPassword  = errors.New("current password is incorrect")
	ErrPasswordExpired    = errors.New("password has expired and must be changed")
	ErrPasswordTooRecent  = errors.New("password was changed too recently")
	ErrPasswordReused     = errors.New("password matches a recently used password")
	ErrConcurrentUpdate   = errors.New("credential was modified concurrently")

	// Account state errors
	ErrAccountLocked   = errors.New("account is temporarily locked")
	ErrAccountInactive = errors.New("account is inactive")
	ErrUserInactive    = errors.New("user is inactive")

	// Token and session errors
	ErrInvalidOrExpiredToken = errors.New("token is invalid or expired")
	ErrInvalidAccessToken    = errors.New("access token is invalid")
	ErrAccessTokenExpired    = errors.New("access token has expired")
	ErrSessionExpired        = errors.New("session has expired")

	// Two-factor errors
	ErrTwoFactorInvalidCode   = errors.New("invalid verification code")
	ErrTwoFactorNotEnrolled   = errors.New("two-factor method is not enrolled")
	ErrTwoFactorUnsupported   = errors.New("two-factor method is not supported")
	ErrTwoFactorAlreadyActive = errors.New("two-factor authentication is already enabled")

	// Dependency errors
	ErrLockoutUnavailable = errors.New("lockout state is unavailable")
	ErrDecryptionFailed   = errors.New("decryption failed")
)

// LockoutError carries how long the caller must wait before retrying.
type LockoutError struct {
	RetryAfter time.Duration
}

func (e *LockoutError) Error() string {
	return fmt.Sprintf("%s: retry after %s", ErrAccountLocked, e.RetryAfter.Round(time.Second))
}

func (e *LockoutError) Is(target error) bool {
	return target == ErrAccountLocked
}
