package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BradenHooton/dealergate/internal/auth"
	"github.com/BradenHooton/dealergate/internal/models"
	"github.com/BradenHooton/dealergate/internal/services"
	pkgauth "github.com/BradenHooton/dealergate/pkg/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testUserID = "5f0c2a7e-3b1d-4c8e-9a6f-2d4b8e1c7a90"

func newTestAuthHandler(svc *MockAuthService) *AuthHandler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewAuthHandler(svc, auth.CookieConfig{Secure: true, SameSite: "strict"}, 7*24*time.Hour, logger)
}

func TestAuthHandler_Register(t *testing.T) {
	var got services.RegisterInput
	svc := &MockAuthService{
		RegisterFunc: func(ctx context.Context, in services.RegisterInput, rc models.RequestContext) (*models.UserResponse, error) {
			got = in
			return (&models.User{
				ID:    testUserID,
				Email: in.Email,
				Role:  in.Profile.Role,
				Phone: &models.EncryptedField{Ciphertext: "v1:abc", Masked: "***-***-4321"},
			}).ToResponse(), nil
		},
	}
	h := newTestAuthHandler(svc)

	req := NewTestRequest(t, http.MethodPost, "/api/v1/auth/register", map[string]string{
		"email":    "sales@example.com",
		"password": "Showroom#Floor2026",
		"phone":    "+1 555 010 4321",
		"role":     "admin",
	})
	w := httptest.NewRecorder()
	h.Register(w, req)

	var resp models.UserResponse
	AssertJSONResponse(t, w, http.StatusCreated, &resp)
	assert.Equal(t, testUserID, resp.ID)
	assert.Equal(t, "***-***-4321", resp.Phone)
	assert.Equal(t, models.RoleUser, got.Profile.Role, "self registration never grants elevated roles")
	assert.NotContains(t, w.Body.String(), "v1:abc")
}

func TestAuthHandler_Register_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       any
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "invalid email",
			body:       map[string]string{"email": "not-an-email", "password": "x"},
			wantStatus: http.StatusBadRequest,
			wantCode:   "validation_failed",
		},
		{
			name:       "duplicate",
			body:       map[string]string{"email": "dup@example.com", "password": "Showroom#Floor2026"},
			err:        models.ErrDuplicateIdentity,
			wantStatus: http.StatusConflict,
			wantCode:   "conflict",
		},
		{
			name:       "weak password",
			body:       map[string]string{"email": "weak@example.com", "password": "short"},
			err:        &pkgauth.PasswordValidationError{Errors: []string{"password must be at least 12 characters"}},
			wantStatus: http.StatusBadRequest,
			wantCode:   "password_policy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestAuthHandler(&MockAuthService{
				RegisterFunc: func(ctx context.Context, in services.RegisterInput, rc models.RequestContext) (*models.UserResponse, error) {
					return nil, tt.err
				},
			})
			w := httptest.NewRecorder()
			h.Register(w, NewTestRequest(t, http.MethodPost, "/api/v1/auth/register", tt.body))
			AssertErrorResponse(t, w, tt.wantStatus, tt.wantCode)
		})
	}
}

func TestAuthHandler_Register_WeakPasswordListsEveryRule(t *testing.T) {
	h := newTestAuthHandler(&MockAuthService{
		RegisterFunc: func(ctx context.Context, in services.RegisterInput, rc models.RequestContext) (*models.UserResponse, error) {
			return nil, pkgauth.ValidatePassword(in.Password)
		},
	})
	w := httptest.NewRecorder()
	h.Register(w, NewTestRequest(t, http.MethodPost, "/api/v1/auth/register", map[string]string{
		"email": "weak@example.com", "password": "abc",
	}))

	resp := AssertErrorResponse(t, w, http.StatusBadRequest, "password_policy")
	assert.GreaterOrEqual(t, len(resp.Details), 4)
}

func TestAuthHandler_Login_SetsCookies(t *testing.T) {
	var gotRC models.RequestContext
	h := newTestAuthHandler(&MockAuthService{
		LoginFunc: func(ctx context.Context, email, password string, rc models.RequestContext) (*models.LoginResult, error) {
			gotRC = rc
			return &models.LoginResult{Tokens: testTokens(), SessionID: "sess-1"}, nil
		},
	})

	req := NewTestRequest(t, http.MethodPost, "/api/v1/auth/login", LoginRequest{Email: "sales@example.com", Password: "pw"})
	req = req.WithContext(models.WithRequestContext(req.Context(), models.RequestContext{IPAddress: "203.0.113.7"}))
	w := httptest.NewRecorder()
	h.Login(w, req)

	var resp models.LoginResult
	AssertJSONResponse(t, w, http.StatusOK, &resp)
	require.NotNil(t, resp.Tokens)
	assert.Equal(t, "access.jwt.value", resp.Tokens.AccessToken)
	assert.Equal(t, "203.0.113.7", gotRC.IPAddress)

	refresh := findCookie(w, "dg_refresh")
	require.NotNil(t, refresh)
	assert.Equal(t, "opaque-refresh-token", refresh.Value)
	assert.True(t, refresh.HttpOnly)
	assert.True(t, refresh.Secure)

	csrf := findCookie(w, auth.CSRFCookieName)
	require.NotNil(t, csrf)
	assert.NotEmpty(t, csrf.Value)
	assert.False(t, csrf.HttpOnly)
}

func TestAuthHandler_Login_RequiresSecondFactor(t *testing.T) {
	h := newTestAuthHandler(&MockAuthService{
		LoginFunc: func(ctx context.Context, email, password string, rc models.RequestContext) (*models.LoginResult, error) {
			return &models.LoginResult{
				RequiresTwoFactor: true,
				PreAuthToken:      "pre-auth",
				Methods:           []models.TwoFactorMethod{models.TwoFactorTOTP, models.TwoFactorBackup},
			}, nil
		},
	})

	w := httptest.NewRecorder()
	h.Login(w, NewTestRequest(t, http.MethodPost, "/api/v1/auth/login", LoginRequest{Email: "sales@example.com", Password: "pw"}))

	var resp models.LoginResult
	AssertJSONResponse(t, w, http.StatusAccepted, &resp)
	assert.True(t, resp.RequiresTwoFactor)
	assert.Equal(t, "pre-auth", resp.PreAuthToken)
	assert.Nil(t, resp.Tokens)
	assert.Nil(t, findCookie(w, "dg_refresh"))
}

func TestAuthHandler_Login_Errors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"invalid credentials", models.ErrInvalidCredentials, http.StatusUnauthorized, "unauthorized"},
		{"inactive looks the same", models.ErrAccountInactive, http.StatusUnauthorized, "unauthorized"},
		{"password expired", models.ErrPasswordExpired, http.StatusForbidden, "password_expired"},
		{"throttle unavailable", models.ErrLockoutUnavailable, http.StatusServiceUnavailable, "service_unavailable"},
		{"unexpected", models.ErrInternalServer, http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestAuthHandler(&MockAuthService{
				LoginFunc: func(ctx context.Context, email, password string, rc models.RequestContext) (*models.LoginResult, error) {
					return nil, tt.err
				},
			})
			w := httptest.NewRecorder()
			h.Login(w, NewTestRequest(t, http.MethodPost, "/api/v1/auth/login", LoginRequest{Email: "sales@example.com", Password: "pw"}))
			resp := AssertErrorResponse(t, w, tt.wantStatus, tt.wantCode)
			if tt.wantStatus == http.StatusUnauthorized {
				assert.Equal(t, "authentication failed", resp.Message)
			}
		})
	}
}

func TestAuthHandler_Login_LockedSetsRetryAfter(t *testing.T) {
	h := newTestAuthHandler(&MockAuthService{
		LoginFunc: func(ctx context.Context, email, password string, rc models.RequestContext) (*models.LoginResult, error) {
			return nil, &models.LockoutError{RetryAfter: 90*time.Second + 200*time.Millisecond}
		},
	})
	w := httptest.NewRecorder()
	h.Login(w, NewTestRequest(t, http.MethodPost, "/api/v1/auth/login", LoginRequest{Email: "sales@example.com", Password: "pw"}))

	AssertErrorResponse(t, w, http.StatusTooManyRequests, "rate_limit_exceeded")
	assert.Equal(t, "91", w.Header().Get("Retry-After"))
}

func TestAuthHandler_Login_MalformedBody(t *testing.T) {
	h := newTestAuthHandler(&MockAuthService{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil)
	w := httptest.NewRecorder()
	h.Login(w, req)
	AssertErrorResponse(t, w, http.StatusBadRequest, "bad_request")
}

func TestAuthHandler_VerifyTwoFactor(t *testing.T) {
	var gotMethod models.TwoFactorMethod
	var gotTrust bool
	h := newTestAuthHandler(&MockAuthService{
		VerifyTwoFactorFunc: func(ctx context.Context, preAuthToken, code string, method models.TwoFactorMethod, trustDevice bool, rc models.RequestContext) (*models.LoginResult, error) {
			gotMethod, gotTrust = method, trustDevice
			if code != "123456" {
				return nil, models.ErrTwoFactorInvalidCode
			}
			return &models.LoginResult{Tokens: testTokens()}, nil
		},
	})

	w := httptest.NewRecorder()
	h.VerifyTwoFactor(w, NewTestRequest(t, http.MethodPost, "/api/v1/auth/2fa/verify", TwoFactorVerifyRequest{
		PreAuthToken: "pre", Method: "totp", Code: "123456", TrustDevice: true,
	}))
	AssertJSONResponse(t, w, http.StatusOK, nil)
	assert.Equal(t, models.TwoFactorTOTP, gotMethod)
	assert.True(t, gotTrust)
	assert.NotNil(t, findCookie(w, "dg_refresh"))

	w = httptest.NewRecorder()
	h.VerifyTwoFactor(w, NewTestRequest(t, http.MethodPost, "/api/v1/auth/2fa/verify", TwoFactorVerifyRequest{
		PreAuthToken: "pre", Method: "totp", Code: "000000",
	}))
	AssertErrorResponse(t, w, http.StatusUnauthorized, "unauthorized")

	w = httptest.NewRecorder()
	h.VerifyTwoFactor(w, NewTestRequest(t, http.MethodPost, "/api/v1/auth/2fa/verify", TwoFactorVerifyRequest{
		PreAuthToken: "pre", Method: "carrier_pigeon", Code: "1",
	}))
	AssertErrorResponse(t, w, http.StatusBadRequest, "validation_failed")
}

func TestAuthHandler_SendChallenge(t *testing.T) {
	h := newTestAuthHandler(&MockAuthService{
		SendLoginChallengeFunc: func(ctx context.Context, preAuthToken string, method models.TwoFactorMethod) error {
			if method == models.TwoFactorSMS {
				return models.ErrTwoFactorUnsupported
			}
			return nil
		},
	})

	w := httptest.NewRecorder()
	h.SendChallenge(w, NewTestRequest(t, http.MethodPost, "/api/v1/auth/2fa/challenge", TwoFactorChallengeRequest{PreAuthToken: "pre", Method: "email"}))
	AssertJSONResponse(t, w, http.StatusAccepted, nil)

	w = httptest.NewRecorder()
	h.SendChallenge(w, NewTestRequest(t, http.MethodPost, "/api/v1/auth/2fa/challenge", TwoFactorChallengeRequest{PreAuthToken: "pre", Method: "sms"}))
	AssertErrorResponse(t, w, http.StatusBadRequest, "two_factor_unavailable")
}

func TestAuthHandler_Refresh_FromCookie(t *testing.T) {
	var got string
	h := newTestAuthHandler(&MockAuthService{
		RefreshAccessTokenFunc: func(ctx context.Context, refreshToken string, rc models.RequestContext) (*models.TokenPair, error) {
			got = refreshToken
			pair := testTokens()
			pair.RefreshToken = "rotated"
			return pair, nil
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/refresh", nil)
	req.AddCookie(&http.Cookie{Name: "dg_refresh", Value: "from-cookie"})
	w := httptest.NewRecorder()
	h.Refresh(w, req)

	AssertJSONResponse(t, w, http.StatusOK, nil)
	assert.Equal(t, "from-cookie", got)
	require.NotNil(t, findCookie(w, "dg_refresh"))
	assert.Equal(t, "rotated", findCookie(w, "dg_refresh").Value)
}

func TestAuthHandler_Refresh_BodyWins(t *testing.T) {
	var got string
	h := newTestAuthHandler(&MockAuthService{
		RefreshAccessTokenFunc: func(ctx context.Context, refreshToken string, rc models.RequestContext) (*models.TokenPair, error) {
			got = refreshToken
			return testTokens(), nil
		},
	})

	req := NewTestRequest(t, http.MethodPost, "/api/v1/auth/refresh", RefreshTokenRequest{RefreshToken: "from-body"})
	req.AddCookie(&http.Cookie{Name: "dg_refresh", Value: "from-cookie"})
	w := httptest.NewRecorder()
	h.Refresh(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "from-body", got)
}

func TestAuthHandler_Refresh_Failures(t *testing.T) {
	h := newTestAuthHandler(&MockAuthService{})

	w := httptest.NewRecorder()
	h.Refresh(w, httptest.NewRequest(http.MethodPost, "/api/v1/auth/refresh", nil))
	AssertErrorResponse(t, w, http.StatusUnauthorized, "unauthorized")

	w = httptest.NewRecorder()
	h.Refresh(w, NewTestRequest(t, http.MethodPost, "/api/v1/auth/refresh", RefreshTokenRequest{RefreshToken: "reused"}))
	AssertErrorResponse(t, w, http.StatusUnauthorized, "unauthorized")
	cleared := findCookie(w, "dg_refresh")
	require.NotNil(t, cleared)
	assert.Equal(t, -1, cleared.MaxAge)
}

func TestAuthHandler_Logout_AlwaysSucceeds(t *testing.T) {
	called := false
	h := newTestAuthHandler(&MockAuthService{
		LogoutFunc: func(ctx context.Context, refreshToken string, rc models.RequestContext) error {
			called = refreshToken == "cookie-token"
			return models.ErrInternalServer
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout", nil)
	req.AddCookie(&http.Cookie{Name: "dg_refresh", Value: "cookie-token"})
	w := httptest.NewRecorder()
	h.Logout(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.True(t, called)
	require.NotNil(t, findCookie(w, auth.CSRFCookieName))
	assert.Equal(t, -1, findCookie(w, auth.CSRFCookieName).MaxAge)
}

func TestAuthHandler_LogoutAll(t *testing.T) {
	var gotUser string
	h := newTestAuthHandler(&MockAuthService{
		LogoutAllDevicesFunc: func(ctx context.Context, userID string, rc models.RequestContext) error {
			gotUser = userID
			return nil
		},
	})

	w := httptest.NewRecorder()
	h.LogoutAll(w, httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout-all", nil))
	AssertErrorResponse(t, w, http.StatusUnauthorized, "unauthorized")

	w = httptest.NewRecorder()
	req := WithAuthContext(httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout-all", nil), testUserID, "sales@example.com")
	h.LogoutAll(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, testUserID, gotUser)
}

func TestAuthHandler_RevokeSession(t *testing.T) {
	const other = "1d3e5f70-8a9b-4c0d-8e1f-203040506070"
	h := newTestAuthHandler(&MockAuthService{
		LogoutSessionFunc: func(ctx context.Context, userID, sessionID string, rc models.RequestContext) error {
			if sessionID == other {
				return models.ErrNotFound
			}
			return nil
		},
	})

	req := WithAuthContext(httptest.NewRequest(http.MethodDelete, "/api/v1/users/me/sessions/x", nil), testUserID, "sales@example.com")
	w := httptest.NewRecorder()
	h.RevokeSession(w, WithURLParam(req, "id", "not-a-uuid"))
	AssertErrorResponse(t, w, http.StatusBadRequest, "bad_request")

	w = httptest.NewRecorder()
	h.RevokeSession(w, WithURLParam(req, "id", other))
	AssertErrorResponse(t, w, http.StatusNotFound, "not_found")

	// revoking the current session also drops the cookies
	w = httptest.NewRecorder()
	claims := auth.GetUserFromContext(req)
	h.RevokeSession(w, WithURLParam(req, "id", claims.SessionID))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.NotNil(t, findCookie(w, "dg_refresh"))
}

func TestAuthHandler_ChangePassword(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"success", nil, http.StatusNoContent},
		{"wrong current", models.ErrIncorrectPassword, http.StatusBadRequest},
		{"reused", models.ErrPasswordReused, http.StatusBadRequest},
		{"too recent", models.ErrPasswordTooRecent, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestAuthHandler(&MockAuthService{
				ChangePasswordFunc: func(ctx context.Context, userID, current, next string, rc models.RequestContext) error {
					return tt.err
				},
			})
			req := NewTestRequest(t, http.MethodPut, "/api/v1/users/me/password", ChangePasswordRequest{
				CurrentPassword: "old", NewPassword: "Showroom#Floor2027",
			})
			w := httptest.NewRecorder()
			h.ChangePassword(w, WithAuthContext(req, testUserID, "sales@example.com"))
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestAuthHandler_RequestPasswordReset_HidesOutcome(t *testing.T) {
	for _, err := range []error{nil, models.ErrInternalServer} {
		h := newTestAuthHandler(&MockAuthService{
			RequestPasswordResetFunc: func(ctx context.Context, email string, rc models.RequestContext) error {
				return err
			},
		})
		w := httptest.NewRecorder()
		h.RequestPasswordReset(w, NewTestRequest(t, http.MethodPost, "/api/v1/auth/password/forgot", PasswordResetRequest{Email: "anyone@example.com"}))
		assert.Equal(t, http.StatusAccepted, w.Code)
	}
}

func TestAuthHandler_ResetPassword(t *testing.T) {
	h := newTestAuthHandler(&MockAuthService{
		ResetPasswordFunc: func(ctx context.Context, token, next string, rc models.RequestContext) error {
			if token != "good" {
				return models.ErrInvalidOrExpiredToken
			}
			return nil
		},
	})

	w := httptest.NewRecorder()
	h.ResetPassword(w, NewTestRequest(t, http.MethodPost, "/api/v1/auth/password/reset", ResetPasswordRequest{Token: "good", NewPassword: "Showroom#Floor2027"}))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	h.ResetPassword(w, NewTestRequest(t, http.MethodPost, "/api/v1/auth/password/reset", ResetPasswordRequest{Token: "stale", NewPassword: "Showroom#Floor2027"}))
	AssertErrorResponse(t, w, http.StatusUnauthorized, "unauthorized")
}

func TestAuthHandler_VerifyEmail(t *testing.T) {
	h := newTestAuthHandler(&MockAuthService{})
	w := httptest.NewRecorder()
	h.VerifyEmail(w, NewTestRequest(t, http.MethodPost, "/api/v1/auth/verify-email", VerifyEmailRequest{Token: "tok"}))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	h.VerifyEmail(w, NewTestRequest(t, http.MethodPost, "/api/v1/auth/verify-email", VerifyEmailRequest{}))
	AssertErrorResponse(t, w, http.StatusBadRequest, "validation_failed")
}

func TestAuthHandler_DisableTwoFactor(t *testing.T) {
	h := newTestAuthHandler(&MockAuthService{
		DisableTwoFactorFunc: func(ctx context.Context, userID, password string, rc models.RequestContext) error {
			if password != "right" {
				return models.ErrIncorrectPassword
			}
			return nil
		},
	})

	req := NewTestRequest(t, http.MethodDelete, "/api/v1/users/me/2fa", DisableTwoFactorRequest{Password: "wrong"})
	w := httptest.NewRecorder()
	h.DisableTwoFactor(w, WithAuthContext(req, testUserID, "sales@example.com"))
	AssertErrorResponse(t, w, http.StatusBadRequest, "incorrect_password")

	req = NewTestRequest(t, http.MethodDelete, "/api/v1/users/me/2fa", DisableTwoFactorRequest{Password: "right"})
	w = httptest.NewRecorder()
	h.DisableTwoFactor(w, WithAuthContext(req, testUserID, "sales@example.com"))
	assert.Equal(t, http.StatusNoContent, w.Code)
}
