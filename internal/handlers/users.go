package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/BradenHooton/dealergate/internal/auth"
	"github.com/BradenHooton/dealergate/internal/models"
	pkghttp "github.com/BradenHooton/dealergate/pkg/http"
)

// UserServiceInterface defines the interface for profile and PII access
type UserServiceInterface interface {
	GetProfile(ctx context.Context, userID string) (*models.UserResponse, error)
	RevealPhone(ctx context.Context, actor *models.TokenClaims, userID, reason string) (string, error)
	FindByPhone(ctx context.Context, phone string) (*models.UserResponse, error)
}

// SessionLister lists a user's live sessions.
type SessionLister interface {
	List(ctx context.Context, userID string) ([]*models.Session, error)
}

type UserHandler struct {
	service  UserServiceInterface
	sessions SessionLister
}

func NewUserHandler(service UserServiceInterface, sessions SessionLister) *UserHandler {
	return &UserHandler{service: service, sessions: sessions}
}

type RevealPhoneRequest struct {
	Reason string `json:"reason" validate:"required,min=3,max=200"`
}

type RevealPhoneResponse struct {
	UserID string `json:"user_id"`
	Phone  string `json:"phone"`
}

type FindByPhoneRequest struct {
	Phone string `json:"phone" validate:"required,max=32"`
}

// SessionResponse is the client view of a session. The device fingerprint
// stays server side.
type SessionResponse struct {
	ID                string    `json:"id"`
	IPAddress         string    `json:"ip_address"`
	UserAgent         string    `json:"user_agent"`
	CreatedAt         time.Time `json:"created_at"`
	LastActivity      time.Time `json:"last_activity"`
	TwoFactorVerified bool      `json:"two_factor_verified"`
	DeviceTrusted     bool      `json:"device_trusted"`
	Current           bool      `json:"current"`
}

type SessionsResponse struct {
	Sessions []SessionResponse `json:"sessions"`
}

// Me returns the caller's profile with the phone masked.
// @Router /users/me [get]
func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, authFailed)
		return
	}

	profile, err := h.service.GetProfile(r.Context(), claims.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, profile)
}

// @Router /users/me/sessions [get]
func (h *UserHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, authFailed)
		return
	}

	sessions, err := h.sessions.List(r.Context(), claims.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	resp := SessionsResponse{Sessions: make([]SessionResponse, 0, len(sessions))}
	for _, s := range sessions {
		resp.Sessions = append(resp.Sessions, SessionResponse{
			ID:                s.ID,
			IPAddress:         s.IPAddress,
			UserAgent:         s.UserAgent,
			CreatedAt:         s.CreatedAt,
			LastActivity:      s.LastActivity,
			TwoFactorVerified: s.TwoFactorVerified,
			DeviceTrusted:     s.DeviceTrusted,
			Current:           s.ID == claims.SessionID,
		})
	}
	pkghttp.WriteJSON(w, http.StatusOK, resp)
}

// RevealPhone decrypts a user's phone number. Every call is audited with
// the stated reason.
// @Router /users/{id}/phone [post]
func (h *UserHandler) RevealPhone(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, authFailed)
		return
	}
	userID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req RevealPhoneRequest
	if !decodeRequest(w, r, &req, false) {
		return
	}

	phone, err := h.service.RevealPhone(r.Context(), claims, userID, req.Reason)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, RevealPhoneResponse{UserID: userID, Phone: phone})
}

// FindByPhone looks a user up by phone number. The number travels in the
// body so it never lands in access logs.
// @Router /admin/users/lookup [post]
func (h *UserHandler) FindByPhone(w http.ResponseWriter, r *http.Request) {
	var req FindByPhoneRequest
	if !decodeRequest(w, r, &req, false) {
		return
	}

	user, err := h.service.FindByPhone(r.Context(), req.Phone)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, user)
}
