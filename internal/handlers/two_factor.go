package handlers

import (
	"context"
	"net/http"

	"github.com/BradenHooton/dealergate/internal/auth"
	"github.com/BradenHooton/dealergate/internal/models"
	pkghttp "github.com/BradenHooton/dealergate/pkg/http"
)

// TwoFactorServiceInterface is the enrollment side of the two-factor service.
type TwoFactorServiceInterface interface {
	EnrollTOTP(ctx context.Context, userID, accountName string) (*models.TOTPEnrollment, error)
	ConfirmTOTP(ctx context.Context, userID, code string) error
	EnableMethod(ctx context.Context, userID string, method models.TwoFactorMethod) ([]string, error)
	RegenerateBackupCodes(ctx context.Context, userID string) ([]string, error)
	Methods(ctx context.Context, userID string) ([]models.TwoFactorMethod, error)
}

type TwoFactorHandler struct {
	service TwoFactorServiceInterface
}

func NewTwoFactorHandler(service TwoFactorServiceInterface) *TwoFactorHandler {
	return &TwoFactorHandler{service: service}
}

type ConfirmTOTPRequest struct {
	Code string `json:"code" validate:"required,len=6,numeric"`
}

type EnableMethodRequest struct {
	Method string `json:"method" validate:"required,oneof=sms email"`
}

type MethodsResponse struct {
	Methods []models.TwoFactorMethod `json:"methods"`
}

type BackupCodesResponse struct {
	BackupCodes []string `json:"backup_codes,omitempty"`
}

// @Router /users/me/2fa [get]
func (h *TwoFactorHandler) Methods(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, authFailed)
		return
	}

	methods, err := h.service.Methods(r.Context(), claims.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if methods == nil {
		methods = []models.TwoFactorMethod{}
	}
	pkghttp.WriteJSON(w, http.StatusOK, MethodsResponse{Methods: methods})
}

// EnrollTOTP starts a TOTP enrollment. The secret and backup codes are
// shown once.
// @Router /users/me/2fa/totp [post]
func (h *TwoFactorHandler) EnrollTOTP(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, authFailed)
		return
	}

	enrollment, err := h.service.EnrollTOTP(r.Context(), claims.UserID, claims.Email)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusCreated, enrollment)
}

// @Router /users/me/2fa/totp/confirm [post]
func (h *TwoFactorHandler) ConfirmTOTP(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, authFailed)
		return
	}
	var req ConfirmTOTPRequest
	if !decodeRequest(w, r, &req, false) {
		return
	}

	err := h.service.ConfirmTOTP(r.Context(), claims.UserID, req.Code)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case isInvalidCode(err):
		// the caller is authenticated; a wrong code is bad input here
		pkghttp.WriteError(w, http.StatusBadRequest, "invalid_code", "verification code is invalid")
	default:
		writeServiceError(w, err)
	}
}

// @Router /users/me/2fa/methods [post]
func (h *TwoFactorHandler) EnableMethod(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, authFailed)
		return
	}
	var req EnableMethodRequest
	if !decodeRequest(w, r, &req, false) {
		return
	}

	codes, err := h.service.EnableMethod(r.Context(), claims.UserID, models.TwoFactorMethod(req.Method))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, BackupCodesResponse{BackupCodes: codes})
}

// @Router /users/me/2fa/backup-codes [post]
func (h *TwoFactorHandler) RegenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, authFailed)
		return
	}

	codes, err := h.service.RegenerateBackupCodes(r.Context(), claims.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, BackupCodesResponse{BackupCodes: codes})
}
