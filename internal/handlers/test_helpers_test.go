package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BradenHooton/dealergate/internal/auth"
	"github.com/BradenHooton/dealergate/internal/models"
	"github.com/BradenHooton/dealergate/internal/services"
	pkghttp "github.com/BradenHooton/dealergate/pkg/http"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
)

// NewTestRequest creates an HTTP request with JSON body for testing
func NewTestRequest(t *testing.T, method, url string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// WithClaims adds access token claims to the request context
func WithClaims(req *http.Request, claims *models.TokenClaims) *http.Request {
	ctx := context.WithValue(req.Context(), auth.UserContextKey, claims)
	return req.WithContext(ctx)
}

// WithAuthContext adds plain user claims to the request context
func WithAuthContext(req *http.Request, userID, email string) *http.Request {
	return WithClaims(req, &models.TokenClaims{
		Type:      models.TokenTypeAccess,
		UserID:    userID,
		Email:     email,
		Role:      models.RoleUser,
		SessionID: "9b2f3c1e-0000-4000-8000-000000000001",
	})
}

// WithAdminContext adds admin claims to the request context
func WithAdminContext(req *http.Request, userID, email string) *http.Request {
	return WithClaims(req, &models.TokenClaims{
		Type:   models.TokenTypeAccess,
		UserID: userID,
		Email:  email,
		Role:   models.RoleAdmin,
	})
}

// WithURLParam sets a chi route parameter on the request
func WithURLParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

// AssertJSONResponse checks that response has correct status and decodes JSON body
func AssertJSONResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, target any) {
	t.Helper()
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"), "Content-Type should be application/json")

	if target != nil {
		err := json.Unmarshal(w.Body.Bytes(), target)
		assert.NoError(t, err, "Failed to decode response JSON")
	}
}

// AssertErrorResponse checks that response is a valid error response
func AssertErrorResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, expectedError string) pkghttp.ErrorResponse {
	t.Helper()
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")

	var resp pkghttp.ErrorResponse
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	assert.NoError(t, err, "Failed to decode error response")
	assert.Equal(t, expectedError, resp.Error, "Error code mismatch")
	assert.NotEmpty(t, resp.Message, "Error message should not be empty")
	return resp
}

// findCookie returns the named Set-Cookie from a response, or nil.
func findCookie(w *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func testTokens() *models.TokenPair {
	return &models.TokenPair{
		AccessToken:  "access.jwt.value",
		RefreshToken: "opaque-refresh-token",
		TokenType:    "Bearer",
		ExpiresAt:    time.Date(2026, 1, 1, 0, 15, 0, 0, time.UTC),
	}
}

// MockAuthService implements AuthServiceInterface for testing
type MockAuthService struct {
	RegisterFunc             func(ctx context.Context, in services.RegisterInput, rc models.RequestContext) (*models.UserResponse, error)
	LoginFunc                func(ctx context.Context, email, password string, rc models.RequestContext) (*models.LoginResult, error)
	SendLoginChallengeFunc   func(ctx context.Context, preAuthToken string, method models.TwoFactorMethod) error
	VerifyTwoFactorFunc      func(ctx context.Context, preAuthToken, code string, method models.TwoFactorMethod, trustDevice bool, rc models.RequestContext) (*models.LoginResult, error)
	RefreshAccessTokenFunc   func(ctx context.Context, refreshToken string, rc models.RequestContext) (*models.TokenPair, error)
	LogoutFunc               func(ctx context.Context, refreshToken string, rc models.RequestContext) error
	LogoutSessionFunc        func(ctx context.Context, userID, sessionID string, rc models.RequestContext) error
	LogoutAllDevicesFunc     func(ctx context.Context, userID string, rc models.RequestContext) error
	ChangePasswordFunc       func(ctx context.Context, userID, current, next string, rc models.RequestContext) error
	RequestPasswordResetFunc func(ctx context.Context, email string, rc models.RequestContext) error
	ResetPasswordFunc        func(ctx context.Context, token, next string, rc models.RequestContext) error
	VerifyEmailFunc          func(ctx context.Context, token string, rc models.RequestContext) error
	DisableTwoFactorFunc     func(ctx context.Context, userID, password string, rc models.RequestContext) error
}

func (m *MockAuthService) Register(ctx context.Context, in services.RegisterInput, rc models.RequestContext) (*models.UserResponse, error) {
	if m.RegisterFunc == nil {
		return nil, models.ErrDuplicateIdentity
	}
	return m.RegisterFunc(ctx, in, rc)
}

func (m *MockAuthService) Login(ctx context.Context, email, password string, rc models.RequestContext) (*models.LoginResult, error) {
	if m.LoginFunc == nil {
		return nil, models.ErrInvalidCredentials
	}
	return m.LoginFunc(ctx, email, password, rc)
}

func (m *MockAuthService) SendLoginChallenge(ctx context.Context, preAuthToken string, method models.TwoFactorMethod) error {
	if m.SendLoginChallengeFunc == nil {
		return nil
	}
	return m.SendLoginChallengeFunc(ctx, preAuthToken, method)
}

func (m *MockAuthService) VerifyTwoFactor(ctx context.Context, preAuthToken, code string, method models.TwoFactorMethod, trustDevice bool, rc models.RequestContext) (*models.LoginResult, error) {
	if m.VerifyTwoFactorFunc == nil {
		return nil, models.ErrTwoFactorInvalidCode
	}
	return m.VerifyTwoFactorFunc(ctx, preAuthToken, code, method, trustDevice, rc)
}

func (m *MockAuthService) RefreshAccessToken(ctx context.Context, refreshToken string, rc models.RequestContext) (*models.TokenPair, error) {
	if m.RefreshAccessTokenFunc == nil {
		return nil, models.ErrInvalidOrExpiredToken
	}
	return m.RefreshAccessTokenFunc(ctx, refreshToken, rc)
}

func (m *MockAuthService) Logout(ctx context.Context, refreshToken string, rc models.RequestContext) error {
	if m.LogoutFunc == nil {
		return nil
	}
	return m.LogoutFunc(ctx, refreshToken, rc)
}

func (m *MockAuthService) LogoutSession(ctx context.Context, userID, sessionID string, rc models.RequestContext) error {
	if m.LogoutSessionFunc == nil {
		return nil
	}
	return m.LogoutSessionFunc(ctx, userID, sessionID, rc)
}

func (m *MockAuthService) LogoutAllDevices(ctx context.Context, userID string, rc models.RequestContext) error {
	if m.LogoutAllDevicesFunc == nil {
		return nil
	}
	return m.LogoutAllDevicesFunc(ctx, userID, rc)
}

func (m *MockAuthService) ChangePassword(ctx context.Context, userID, current, next string, rc models.RequestContext) error {
	if m.ChangePasswordFunc == nil {
		return nil
	}
	return m.ChangePasswordFunc(ctx, userID, current, next, rc)
}

func (m *MockAuthService) RequestPasswordReset(ctx context.Context, email string, rc models.RequestContext) error {
	if m.RequestPasswordResetFunc == nil {
		return nil
	}
	return m.RequestPasswordResetFunc(ctx, email, rc)
}

func (m *MockAuthService) ResetPassword(ctx context.Context, token, next string, rc models.RequestContext) error {
	if m.ResetPasswordFunc == nil {
		return nil
	}
	return m.ResetPasswordFunc(ctx, token, next, rc)
}

func (m *MockAuthService) VerifyEmail(ctx context.Context, token string, rc models.RequestContext) error {
	if m.VerifyEmailFunc == nil {
		return nil
	}
	return m.VerifyEmailFunc(ctx, token, rc)
}

func (m *MockAuthService) DisableTwoFactor(ctx context.Context, userID, password string, rc models.RequestContext) error {
	if m.DisableTwoFactorFunc == nil {
		return nil
	}
	return m.DisableTwoFactorFunc(ctx, userID, password, rc)
}

// MockTwoFactorService implements TwoFactorServiceInterface for testing
type MockTwoFactorService struct {
	EnrollTOTPFunc            func(ctx context.Context, userID, accountName string) (*models.TOTPEnrollment, error)
	ConfirmTOTPFunc           func(ctx context.Context, userID, code string) error
	EnableMethodFunc          func(ctx context.Context, userID string, method models.TwoFactorMethod) ([]string, error)
	RegenerateBackupCodesFunc func(ctx context.Context, userID string) ([]string, error)
	MethodsFunc               func(ctx context.Context, userID string) ([]models.TwoFactorMethod, error)
}

func (m *MockTwoFactorService) EnrollTOTP(ctx context.Context, userID, accountName string) (*models.TOTPEnrollment, error) {
	if m.EnrollTOTPFunc == nil {
		return nil, models.ErrTwoFactorAlreadyActive
	}
	return m.EnrollTOTPFunc(ctx, userID, accountName)
}

func (m *MockTwoFactorService) ConfirmTOTP(ctx context.Context, userID, code string) error {
	if m.ConfirmTOTPFunc == nil {
		return nil
	}
	return m.ConfirmTOTPFunc(ctx, userID, code)
}

func (m *MockTwoFactorService) EnableMethod(ctx context.Context, userID string, method models.TwoFactorMethod) ([]string, error) {
	if m.EnableMethodFunc == nil {
		return nil, nil
	}
	return m.EnableMethodFunc(ctx, userID, method)
}

func (m *MockTwoFactorService) RegenerateBackupCodes(ctx context.Context, userID string) ([]string, error) {
	if m.RegenerateBackupCodesFunc == nil {
		return nil, models.ErrTwoFactorNotEnrolled
	}
	return m.RegenerateBackupCodesFunc(ctx, userID)
}

func (m *MockTwoFactorService) Methods(ctx context.Context, userID string) ([]models.TwoFactorMethod, error) {
	if m.MethodsFunc == nil {
		return nil, nil
	}
	return m.MethodsFunc(ctx, userID)
}

// MockUserService implements UserServiceInterface for testing
type MockUserService struct {
	GetProfileFunc  func(ctx context.Context, userID string) (*models.UserResponse, error)
	RevealPhoneFunc func(ctx context.Context, actor *models.TokenClaims, userID, reason string) (string, error)
	FindByPhoneFunc func(ctx context.Context, phone string) (*models.UserResponse, error)
}

func (m *MockUserService) GetProfile(ctx context.Context, userID string) (*models.UserResponse, error) {
	if m.GetProfileFunc == nil {
		return nil, models.ErrNotFound
	}
	return m.GetProfileFunc(ctx, userID)
}

func (m *MockUserService) RevealPhone(ctx context.Context, actor *models.TokenClaims, userID, reason string) (string, error) {
	if m.RevealPhoneFunc == nil {
		return "", models.ErrForbidden
	}
	return m.RevealPhoneFunc(ctx, actor, userID, reason)
}

func (m *MockUserService) FindByPhone(ctx context.Context, phone string) (*models.UserResponse, error) {
	if m.FindByPhoneFunc == nil {
		return nil, models.ErrNotFound
	}
	return m.FindByPhoneFunc(ctx, phone)
}

// MockSessionLister implements SessionLister for testing
type MockSessionLister struct {
	ListFunc func(ctx context.Context, userID string) ([]*models.Session, error)
}

func (m *MockSessionLister) List(ctx context.Context, userID string) ([]*models.Session, error) {
	if m.ListFunc == nil {
		return nil, nil
	}
	return m.ListFunc(ctx, userID)
}

// MockAuditService implements AuditServiceInterface for testing
type MockAuditService struct {
	VerifyIntegrityFunc func(ctx context.Context, from, to time.Time) (*models.IntegrityReport, error)
	TrailFunc           func(ctx context.Context, filter models.AuditFilter) ([]*models.AuditLogEntry, error)
}

func (m *MockAuditService) VerifyIntegrity(ctx context.Context, from, to time.Time) (*models.IntegrityReport, error) {
	if m.VerifyIntegrityFunc == nil {
		return &models.IntegrityReport{From: from, To: to, Valid: true}, nil
	}
	return m.VerifyIntegrityFunc(ctx, from, to)
}

func (m *MockAuditService) Trail(ctx context.Context, filter models.AuditFilter) ([]*models.AuditLogEntry, error) {
	if m.TrailFunc == nil {
		return nil, nil
	}
	return m.TrailFunc(ctx, filter)
}

// MockAccountAdmin implements AccountAdminInterface for testing
type MockAccountAdmin struct {
	RegisterFunc      func(ctx context.Context, in services.RegisterInput, rc models.RequestContext) (*models.UserResponse, error)
	UnlockAccountFunc func(ctx context.Context, actor *models.TokenClaims, userID string) error
	SetUserActiveFunc func(ctx context.Context, actor *models.TokenClaims, userID string, active bool) error
	LockoutStatusFunc func(ctx context.Context, userID string) (models.LockoutRecord, error)
}

func (m *MockAccountAdmin) Register(ctx context.Context, in services.RegisterInput, rc models.RequestContext) (*models.UserResponse, error) {
	if m.RegisterFunc == nil {
		return nil, models.ErrDuplicateIdentity
	}
	return m.RegisterFunc(ctx, in, rc)
}

func (m *MockAccountAdmin) UnlockAccount(ctx context.Context, actor *models.TokenClaims, userID string) error {
	if m.UnlockAccountFunc == nil {
		return nil
	}
	return m.UnlockAccountFunc(ctx, actor, userID)
}

func (m *MockAccountAdmin) SetUserActive(ctx context.Context, actor *models.TokenClaims, userID string, active bool) error {
	if m.SetUserActiveFunc == nil {
		return nil
	}
	return m.SetUserActiveFunc(ctx, actor, userID, active)
}

func (m *MockAccountAdmin) LockoutStatus(ctx context.Context, userID string) (models.LockoutRecord, error) {
	if m.LockoutStatusFunc == nil {
		return models.LockoutRecord{}, nil
	}
	return m.LockoutStatusFunc(ctx, userID)
}
