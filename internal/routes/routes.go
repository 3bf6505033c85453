package routes

import (
	"log/slog"

	"github.com/BradenHooton/dealergate/internal/auth"
	"github.com/BradenHooton/dealergate/internal/handlers"
	"github.com/BradenHooton/dealergate/internal/middleware"
	"github.com/BradenHooton/dealergate/internal/models"
	"github.com/go-chi/chi/v5"
)

// Handlers bundles the HTTP handlers mounted under /api/v1.
type Handlers struct {
	Auth      *handlers.AuthHandler
	TwoFactor *handlers.TwoFactorHandler
	Users     *handlers.UserHandler
	Admin     *handlers.AdminHandler
}

// Config carries the collaborators shared by the route middleware.
type Config struct {
	Verifier      auth.AccessVerifier
	Auditor       middleware.Auditor
	AuthRateLimit middleware.RateLimitConfig
	APIRateLimit  middleware.RateLimitConfig
	Logger        *slog.Logger
}

// RegisterRoutes registers all application routes
func RegisterRoutes(router chi.Router, h Handlers, cfg Config) {
	requireAuth := auth.AuthMiddleware(cfg.Verifier)
	userLimit := middleware.RateLimitByUser(cfg.APIRateLimit, cfg.Auditor)

	router.Route("/auth", func(r chi.Router) {
		// the refresh cookie is scoped to /auth, so only these routes need CSRF checks
		r.Use(middleware.CSRFProtection(cfg.Logger))

		// Public routes - no authentication required
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimitByIP(cfg.AuthRateLimit, cfg.Auditor))

			r.Post("/register", h.Auth.Register)
			r.Post("/login", h.Auth.Login)
			r.Post("/2fa/challenge", h.Auth.SendChallenge)
			r.Post("/2fa/verify", h.Auth.VerifyTwoFactor)
			r.Post("/refresh", h.Auth.Refresh)
			r.Post("/logout", h.Auth.Logout)
			r.Post("/password/forgot", h.Auth.RequestPasswordReset)
			r.Post("/password/reset", h.Auth.ResetPassword)
			r.Post("/verify-email", h.Auth.VerifyEmail)
		})

		r.With(requireAuth, userLimit).Post("/logout-all", h.Auth.LogoutAll)
	})

	// Protected routes - authentication required
	router.Group(func(r chi.Router) {
		r.Use(requireAuth, userLimit)

		r.Route("/users/me", func(r chi.Router) {
			r.Get("/", h.Users.Me)
			r.Put("/password", h.Auth.ChangePassword)
			r.Get("/sessions", h.Users.Sessions)
			r.Delete("/sessions/{id}", h.Auth.RevokeSession)

			r.Get("/2fa", h.TwoFactor.Methods)
			r.Delete("/2fa", h.Auth.DisableTwoFactor)
			r.Post("/2fa/totp", h.TwoFactor.EnrollTOTP)
			r.Post("/2fa/totp/confirm", h.TwoFactor.ConfirmTOTP)
			r.Post("/2fa/methods", h.TwoFactor.EnableMethod)
			r.Post("/2fa/backup-codes", h.TwoFactor.RegenerateBackupCodes)
		})

		// access is decided per target user by the service
		r.Post("/users/{id}/phone", h.Users.RevealPhone)

		// Admin-only routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(auth.RequireRole(cfg.Auditor, models.RoleAdmin))

			r.Get("/audit/verify", h.Admin.VerifyAudit)
			r.Post("/users", h.Admin.CreateUser)
			r.Post("/users/lookup", h.Users.FindByPhone)
			r.Get("/users/{id}/audit", h.Admin.UserAuditTrail)
			r.Get("/users/{id}/lockout", h.Admin.LockoutStatus)
			r.Post("/users/{id}/unlock", h.Admin.UnlockAccount)
			r.Put("/users/{id}/status", h.Admin.UpdateStatus)
		})
	})
}
