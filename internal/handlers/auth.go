package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/BradenHooton/dealergate/internal/auth"
	"github.com/BradenHooton/dealergate/internal/models"
	"github.com/BradenHooton/dealergate/internal/services"
	pkghttp "github.com/BradenHooton/dealergate/pkg/http"
)

// AuthServiceInterface defines the interface for auth business logic
type AuthServiceInterface interface {
	Register(ctx context.Context, in services.RegisterInput, rc models.RequestContext) (*models.UserResponse, error)
	Login(ctx context.Context, email, password string, rc models.RequestContext) (*models.LoginResult, error)
	SendLoginChallenge(ctx context.Context, preAuthToken string, method models.TwoFactorMethod) error
	VerifyTwoFactor(ctx context.Context, preAuthToken, code string, method models.TwoFactorMethod, trustDevice bool, rc models.RequestContext) (*models.LoginResult, error)
	RefreshAccessToken(ctx context.Context, refreshToken string, rc models.RequestContext) (*models.TokenPair, error)
	Logout(ctx context.Context, refreshToken string, rc models.RequestContext) error
	LogoutSession(ctx context.Context, userID, sessionID string, rc models.RequestContext) error
	LogoutAllDevices(ctx context.Context, userID string, rc models.RequestContext) error
	ChangePassword(ctx context.Context, userID, current, next string, rc models.RequestContext) error
	RequestPasswordReset(ctx context.Context, email string, rc models.RequestContext) error
	ResetPassword(ctx context.Context, token, next string, rc models.RequestContext) error
	VerifyEmail(ctx context.Context, token string, rc models.RequestContext) error
	DisableTwoFactor(ctx context.Context, userID, password string, rc models.RequestContext) error
}

// AuthHandler handles authentication-related HTTP requests
type AuthHandler struct {
	service    AuthServiceInterface
	cookies    auth.CookieConfig
	refreshTTL time.Duration
	logger     *slog.Logger
}

func NewAuthHandler(service AuthServiceInterface, cookies auth.CookieConfig, refreshTTL time.Duration, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		service:    service,
		cookies:    cookies,
		refreshTTL: refreshTTL,
		logger:     logger,
	}
}

// Request DTOs

type RegisterRequest struct {
	Email        string `json:"email" validate:"required,email,max=254"`
	Password     string `json:"password" validate:"required,max=128"`
	FirstName    string `json:"first_name" validate:"max=100"`
	LastName     string `json:"last_name" validate:"max=100"`
	Phone        string `json:"phone" validate:"max=32"`
	DealershipID string `json:"dealership_id" validate:"max=64"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,max=128"`
}

type TwoFactorChallengeRequest struct {
	PreAuthToken string `json:"pre_auth_token" validate:"required"`
	Method       string `json:"method" validate:"required,oneof=sms email"`
}

type TwoFactorVerifyRequest struct {
	PreAuthToken string `json:"pre_auth_token" validate:"required"`
	Method       string `json:"method" validate:"required,oneof=totp sms email backup_code"`
	Code         string `json:"code" validate:"required,max=32"`
	TrustDevice  bool   `json:"trust_device"`
}

// RefreshTokenRequest is optional; browsers send the cookie instead.
type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required,max=128"`
	NewPassword     string `json:"new_password" validate:"required,max=128"`
}

type PasswordResetRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type ResetPasswordRequest struct {
	Token       string `json:"token" validate:"required"`
	NewPassword string `json:"new_password" validate:"required,max=128"`
}

type VerifyEmailRequest struct {
	Token string `json:"token" validate:"required"`
}

type DisableTwoFactorRequest struct {
	Password string `json:"password" validate:"required,max=128"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

// Register handles self-service sign up. Roles above "user" are granted
// through the admin API only.
// @Router /auth/register [post]
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !decodeRequest(w, r, &req, false) {
		return
	}

	user, err := h.service.Register(r.Context(), services.RegisterInput{
		Email:    req.Email,
		Password: req.Password,
		Profile: models.Profile{
			FirstName:    req.FirstName,
			LastName:     req.LastName,
			Phone:        req.Phone,
			DealershipID: req.DealershipID,
			Role:         models.RoleUser,
		},
	}, requestContext(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusCreated, user)
}

// Login handles user login
// @Router /auth/login [post]
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeRequest(w, r, &req, false) {
		return
	}

	result, err := h.service.Login(r.Context(), req.Email, req.Password, requestContext(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	h.writeLoginResult(w, result)
}

// SendChallenge delivers an SMS or email code for a pending login.
// @Router /auth/2fa/challenge [post]
func (h *AuthHandler) SendChallenge(w http.ResponseWriter, r *http.Request) {
	var req TwoFactorChallengeRequest
	if !decodeRequest(w, r, &req, false) {
		return
	}

	err := h.service.SendLoginChallenge(r.Context(), req.PreAuthToken, models.TwoFactorMethod(req.Method))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusAccepted, MessageResponse{Message: "verification code sent"})
}

// VerifyTwoFactor completes a login waiting on its second factor.
// @Router /auth/2fa/verify [post]
func (h *AuthHandler) VerifyTwoFactor(w http.ResponseWriter, r *http.Request) {
	var req TwoFactorVerifyRequest
	if !decodeRequest(w, r, &req, false) {
		return
	}

	result, err := h.service.VerifyTwoFactor(r.Context(), req.PreAuthToken, req.Code,
		models.TwoFactorMethod(req.Method), req.TrustDevice, requestContext(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	h.writeLoginResult(w, result)
}

// Refresh rotates the refresh token. The token comes from the body or,
// failing that, the cookie.
// @Router /auth/refresh [post]
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshTokenRequest
	if !decodeRequest(w, r, &req, true) {
		return
	}
	token := req.RefreshToken
	if token == "" {
		token = auth.GetRefreshTokenCookie(r)
	}
	if token == "" {
		pkghttp.WriteUnauthorized(w, authFailed)
		return
	}

	pair, err := h.service.RefreshAccessToken(r.Context(), token, requestContext(r))
	if err != nil {
		h.clearCookies(w)
		writeServiceError(w, err)
		return
	}

	h.setCookies(w, pair.RefreshToken)
	pkghttp.WriteJSON(w, http.StatusOK, pair)
}

// Logout ends the session bound to the refresh token. It always succeeds.
// @Router /auth/logout [post]
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	var req RefreshTokenRequest
	if !decodeRequest(w, r, &req, true) {
		return
	}
	token := req.RefreshToken
	if token == "" {
		token = auth.GetRefreshTokenCookie(r)
	}

	if err := h.service.Logout(r.Context(), token, requestContext(r)); err != nil {
		h.logger.WarnContext(r.Context(), "logout failed", slog.Any("error", err))
	}

	h.clearCookies(w)
	w.WriteHeader(http.StatusNoContent)
}

// LogoutAll ends every session of the caller.
// @Router /auth/logout-all [post]
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, authFailed)
		return
	}

	if err := h.service.LogoutAllDevices(r.Context(), claims.UserID, requestContext(r)); err != nil {
		writeServiceError(w, err)
		return
	}

	h.clearCookies(w)
	w.WriteHeader(http.StatusNoContent)
}

// RevokeSession ends one of the caller's sessions.
// @Router /users/me/sessions/{id} [delete]
func (h *AuthHandler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, authFailed)
		return
	}
	sessionID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	if err := h.service.LogoutSession(r.Context(), claims.UserID, sessionID, requestContext(r)); err != nil {
		writeServiceError(w, err)
		return
	}
	if sessionID == claims.SessionID {
		h.clearCookies(w)
	}
	w.WriteHeader(http.StatusNoContent)
}

// ChangePassword rotates the caller's password. Every session ends, so
// the client must log in again.
// @Router /users/me/password [put]
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, authFailed)
		return
	}
	var req ChangePasswordRequest
	if !decodeRequest(w, r, &req, false) {
		return
	}

	err := h.service.ChangePassword(r.Context(), claims.UserID, req.CurrentPassword, req.NewPassword, requestContext(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	h.clearCookies(w)
	w.WriteHeader(http.StatusNoContent)
}

// RequestPasswordReset always answers 202 so registered addresses cannot
// be discovered.
// @Router /auth/password/forgot [post]
func (h *AuthHandler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req PasswordResetRequest
	if !decodeRequest(w, r, &req, false) {
		return
	}

	if err := h.service.RequestPasswordReset(r.Context(), req.Email, requestContext(r)); err != nil {
		h.logger.ErrorContext(r.Context(), "password reset request failed", slog.Any("error", err))
	}

	pkghttp.WriteJSON(w, http.StatusAccepted, MessageResponse{
		Message: "if the address is registered, a reset link has been sent",
	})
}

// @Router /auth/password/reset [post]
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req ResetPasswordRequest
	if !decodeRequest(w, r, &req, false) {
		return
	}

	if err := h.service.ResetPassword(r.Context(), req.Token, req.NewPassword, requestContext(r)); err != nil {
		writeServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, MessageResponse{Message: "password has been reset"})
}

// @Router /auth/verify-email [post]
func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req VerifyEmailRequest
	if !decodeRequest(w, r, &req, false) {
		return
	}

	if err := h.service.VerifyEmail(r.Context(), req.Token, requestContext(r)); err != nil {
		writeServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, MessageResponse{Message: "email verified"})
}

// DisableTwoFactor removes every second factor after re-checking the password.
// @Router /users/me/2fa [delete]
func (h *AuthHandler) DisableTwoFactor(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, authFailed)
		return
	}
	var req DisableTwoFactorRequest
	if !decodeRequest(w, r, &req, false) {
		return
	}

	if err := h.service.DisableTwoFactor(r.Context(), claims.UserID, req.Password, requestContext(r)); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) writeLoginResult(w http.ResponseWriter, result *models.LoginResult) {
	if result.RequiresTwoFactor {
		pkghttp.WriteJSON(w, http.StatusAccepted, result)
		return
	}
	h.setCookies(w, result.Tokens.RefreshToken)
	pkghttp.WriteJSON(w, http.StatusOK, result)
}

func (h *AuthHandler) setCookies(w http.ResponseWriter, refreshToken string) {
	auth.SetRefreshTokenCookie(w, refreshToken, h.refreshTTL, h.cookies)

	csrf, err := auth.GenerateCSRFToken()
	if err != nil {
		h.logger.Error("failed to generate csrf token", slog.Any("error", err))
		return
	}
	auth.SetCSRFCookie(w, csrf, h.refreshTTL, h.cookies)
}

func (h *AuthHandler) clearCookies(w http.ResponseWriter) {
	auth.ClearRefreshTokenCookie(w, h.cookies)
	auth.ClearCSRFCookie(w, h.cookies)
}
