package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/BradenHooton/dealergate/internal/auth"
	"github.com/BradenHooton/dealergate/internal/models"
	"github.com/BradenHooton/dealergate/internal/services"
	pkghttp "github.com/BradenHooton/dealergate/pkg/http"
)

// AuditServiceInterface is the read side of the audit log.
type AuditServiceInterface interface {
	VerifyIntegrity(ctx context.Context, from, to time.Time) (*models.IntegrityReport, error)
	Trail(ctx context.Context, filter models.AuditFilter) ([]*models.AuditLogEntry, error)
}

// AccountAdminInterface covers the account operations reserved for admins.
type AccountAdminInterface interface {
	Register(ctx context.Context, in services.RegisterInput, rc models.RequestContext) (*models.UserResponse, error)
	UnlockAccount(ctx context.Context, actor *models.TokenClaims, userID string) error
	SetUserActive(ctx context.Context, actor *models.TokenClaims, userID string, active bool) error
	LockoutStatus(ctx context.Context, userID string) (models.LockoutRecord, error)
}

type AdminHandler struct {
	audit    AuditServiceInterface
	accounts AccountAdminInterface
	now      func() time.Time
}

func NewAdminHandler(audit AuditServiceInterface, accounts AccountAdminInterface) *AdminHandler {
	return &AdminHandler{audit: audit, accounts: accounts, now: time.Now}
}

type CreateUserRequest struct {
	Email        string `json:"email" validate:"required,email,max=254"`
	Password     string `json:"password" validate:"required,max=128"`
	FirstName    string `json:"first_name" validate:"max=100"`
	LastName     string `json:"last_name" validate:"max=100"`
	Phone        string `json:"phone" validate:"max=32"`
	Role         string `json:"role" validate:"required,oneof=user manager admin"`
	DealershipID string `json:"dealership_id" validate:"max=64"`
}

type UpdateStatusRequest struct {
	Active *bool `json:"active" validate:"required"`
}

type LockoutStatusResponse struct {
	UserID      string     `json:"user_id"`
	Failures    int        `json:"failures"`
	Locked      bool       `json:"locked"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
}

type AuditTrailResponse struct {
	Entries []*models.AuditLogEntry `json:"entries"`
	Limit   int                     `json:"limit"`
	Offset  int                     `json:"offset"`
}

// CreateUser provisions an account with an explicit role.
// @Router /admin/users [post]
func (h *AdminHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if !decodeRequest(w, r, &req, false) {
		return
	}

	user, err := h.accounts.Register(r.Context(), services.RegisterInput{
		Email:    req.Email,
		Password: req.Password,
		Profile: models.Profile{
			FirstName:    req.FirstName,
			LastName:     req.LastName,
			Phone:        req.Phone,
			Role:         req.Role,
			DealershipID: req.DealershipID,
		},
	}, requestContext(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusCreated, user)
}

// VerifyAudit checks the hash chain between the optional RFC 3339 bounds
// "from" and "to". Without "from" the walk starts at the genesis entry.
// @Router /admin/audit/verify [get]
func (h *AdminHandler) VerifyAudit(w http.ResponseWriter, r *http.Request) {
	from, ok := timeQuery(w, r, "from", time.Time{})
	if !ok {
		return
	}
	to, ok := timeQuery(w, r, "to", h.now().Add(time.Second))
	if !ok {
		return
	}
	if !from.IsZero() && !from.Before(to) {
		pkghttp.WriteBadRequest(w, "from must be before to")
		return
	}

	report, err := h.audit.VerifyIntegrity(r.Context(), from, to)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, report)
}

// UserAuditTrail lists a user's audit entries, newest first.
// @Router /admin/users/{id}/audit [get]
func (h *AdminHandler) UserAuditTrail(w http.ResponseWriter, r *http.Request) {
	userID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	q := r.URL.Query()
	limit, err1 := intQuery(q.Get("limit"), 50)
	offset, err2 := intQuery(q.Get("offset"), 0)
	if err1 != nil || err2 != nil {
		pkghttp.WriteBadRequest(w, "limit and offset must be integers")
		return
	}

	filter := models.AuditFilter{
		UserID:    userID,
		EventType: models.AuditEventType(q.Get("event_type")),
		Limit:     limit,
		Offset:    offset,
	}
	entries, err := h.audit.Trail(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if entries == nil {
		entries = []*models.AuditLogEntry{}
	}
	pkghttp.WriteJSON(w, http.StatusOK, AuditTrailResponse{Entries: entries, Limit: limit, Offset: offset})
}

// @Router /admin/users/{id}/unlock [post]
func (h *AdminHandler) UnlockAccount(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, authFailed)
		return
	}
	userID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	if err := h.accounts.UnlockAccount(r.Context(), claims, userID); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdateStatus activates or deactivates an account. Admins cannot
// deactivate themselves.
// @Router /admin/users/{id}/status [put]
func (h *AdminHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, authFailed)
		return
	}
	userID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req UpdateStatusRequest
	if !decodeRequest(w, r, &req, false) {
		return
	}
	if userID == claims.UserID && !*req.Active {
		pkghttp.WriteBadRequest(w, "cannot deactivate your own account")
		return
	}

	if err := h.accounts.SetUserActive(r.Context(), claims, userID, *req.Active); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// @Router /admin/users/{id}/lockout [get]
func (h *AdminHandler) LockoutStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	record, err := h.accounts.LockoutStatus(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	resp := LockoutStatusResponse{UserID: userID, Failures: record.Count}
	if record.LockedUntil.After(h.now()) {
		until := record.LockedUntil
		resp.Locked = true
		resp.LockedUntil = &until
	}
	pkghttp.WriteJSON(w, http.StatusOK, resp)
}

func timeQuery(w http.ResponseWriter, r *http.Request, name string, fallback time.Time) (time.Time, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		pkghttp.WriteBadRequest(w, name+" must be an RFC 3339 timestamp")
		return time.Time{}, false
	}
	return t, true
}

func intQuery(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
